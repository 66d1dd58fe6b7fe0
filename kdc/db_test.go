package kdc

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jcmturner/gokrb5/v8/keytab"
	"github.com/kardianos/gokdc/krb5"
)

func TestMemoryDBFetch(t *testing.T) {
	db := NewMemoryDB()
	ctx := context.Background()
	if _, err := db.AddPrincipal("alice", testRealm, testPassword, 4, aesOnly, EntryFlags{Client: true}); err != nil {
		t.Fatal(err)
	}
	db.AddAlias(krb5.ParsePrincipal("al"), krb5.ParsePrincipal("alice"), testRealm)
	db.AddRemote(krb5.ParsePrincipal("roamer"), testRealm)

	e, err := db.Fetch(ctx, krb5.ParsePrincipal("alice"), testRealm, FetchClient)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if e.KVNO != 4 || len(e.Keys) != 2 || !e.Flags.Client {
		t.Fatalf("unexpected entry %s kvno=%d keys=%d", e, e.KVNO, len(e.Keys))
	}
	if e.String() != "alice@"+testRealm {
		t.Errorf("String() = %q", e.String())
	}

	tests := []struct {
		name  string
		fetch string
		realm string
		flags FetchFlags
		want  string
		err   error
	}{
		{"alias keeps requested name", "al", testRealm, FetchClient, "al", nil},
		{"alias canonicalized", "al", testRealm, FetchClient | FetchCanonicalize, "alice", nil},
		{"canonical name", "alice", testRealm, FetchClient | FetchCanonicalize, "alice", nil},
		{"held elsewhere", "roamer", testRealm, FetchClient, "", ErrNotFoundHere},
		{"unknown", "bob", testRealm, FetchClient, "", ErrNotFound},
		{"other realm", "alice", "OTHER.REALM", FetchClient, "", ErrNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := db.Fetch(ctx, krb5.ParsePrincipal(tc.fetch), tc.realm, tc.flags)
			if tc.err != nil {
				if !errors.Is(err, tc.err) {
					t.Fatalf("got %v, want %v", err, tc.err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Fetch: %v", err)
			}
			if got.Principal.PrincipalNameString() != tc.want {
				t.Errorf("principal %q, want %q", got.Principal.PrincipalNameString(), tc.want)
			}
			if !bytes.Equal(got.Keys[0].Key.KeyValue, e.Keys[0].Key.KeyValue) {
				t.Error("alias resolved to different keys")
			}
		})
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := db.Fetch(cancelled, krb5.ParsePrincipal("alice"), testRealm, FetchClient); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled fetch: %v", err)
	}
}

func TestMemoryDBSnapshots(t *testing.T) {
	db := NewMemoryDB()
	ctx := context.Background()
	orig, err := db.AddPrincipal("alice", testRealm, testPassword, 1, aesOnly, EntryFlags{Client: true})
	if err != nil {
		t.Fatal(err)
	}
	// Changing the entry after Add must not reach the store.
	orig.Flags.LockedOut = true

	e, err := db.Fetch(ctx, krb5.ParsePrincipal("alice"), testRealm, FetchClient)
	if err != nil {
		t.Fatal(err)
	}
	if e.Flags.LockedOut {
		t.Error("store shares the added entry")
	}
	want := append([]byte(nil), e.Keys[0].Key.KeyValue...)
	krb5.ZeroKey(&e.Keys[0].Key)
	e.Principal.NameString[0] = "mallory"

	again, err := db.Fetch(ctx, krb5.ParsePrincipal("alice"), testRealm, FetchClient)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(again.Keys[0].Key.KeyValue, want) {
		t.Error("zeroing a fetched key changed the store")
	}
	if again.Principal.NameString[0] != "alice" {
		t.Error("renaming a fetched entry changed the store")
	}
}

func TestMemoryDBAddPrincipal(t *testing.T) {
	db := NewMemoryDB()
	e, err := db.AddPrincipal("host/a.test", testRealm, "pw", 2, []int32{krb5.ETypeAES128SHA1, krb5.ETypeAES256SHA1}, EntryFlags{Server: true})
	if err != nil {
		t.Fatal(err)
	}
	if got := e.KeysOfType(krb5.ETypeAES256SHA1); len(got) != 1 || len(got[0].Key.KeyValue) != 32 {
		t.Errorf("AES256 keys %v", got)
	}
	if got := e.KeysOfType(krb5.ETypeRC4HMAC); len(got) != 0 {
		t.Errorf("unexpected RC4 keys %v", got)
	}
	want, _ := krb5.StringToKey(krb5.ETypeAES128SHA1, "pw", testRealm+"hosta.test")
	if !bytes.Equal(e.Keys[0].Key.KeyValue, want.KeyValue) {
		t.Error("key not derived with the default salt")
	}

	if _, err := db.AddPrincipal("old", testRealm, "pw", 1, []int32{krb5.ETypeDESCBCMD5}, EntryFlags{}); err == nil {
		t.Error("single DES key accepted")
	}
}

func TestMemoryDBLoadKeytab(t *testing.T) {
	kt := keytab.New()
	ts := time.Now()
	add := func(name, password string, kvno uint8, etype int32) {
		t.Helper()
		if err := kt.AddEntry(name, testRealm, password, ts, kvno, etype); err != nil {
			t.Fatalf("AddEntry %s: %v", name, err)
		}
	}
	add("host/a.test", "old", 1, krb5.ETypeAES256SHA1)
	add("host/a.test", "new", 2, krb5.ETypeAES256SHA1)
	add("host/a.test", "new", 2, krb5.ETypeAES128SHA1)
	add("krbtgt/"+testRealm, "tgt", 5, krb5.ETypeAES256SHA1)

	db := NewMemoryDB()
	if n := db.LoadKeytab(kt, EntryFlags{Server: true}); n != 2 {
		t.Fatalf("loaded %d principals, want 2", n)
	}

	e, err := db.Fetch(context.Background(), krb5.ParsePrincipal("host/a.test"), testRealm, FetchServer)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if e.KVNO != 2 || len(e.Keys) != 2 || !e.Flags.Server {
		t.Fatalf("kvno=%d keys=%d flags=%+v", e.KVNO, len(e.Keys), e.Flags)
	}
	want, _ := krb5.StringToKey(krb5.ETypeAES256SHA1, "new", krb5.ParsePrincipal("host/a.test").GetSalt(testRealm))
	if got := e.KeysOfType(krb5.ETypeAES256SHA1); len(got) != 1 || !bytes.Equal(got[0].Key.KeyValue, want.KeyValue) {
		t.Error("older kvno key kept")
	}

	tgt, err := db.Fetch(context.Background(), krbtgt, testRealm, FetchServer)
	if err != nil {
		t.Fatalf("Fetch krbtgt: %v", err)
	}
	if tgt.KVNO != 5 {
		t.Errorf("krbtgt kvno %d", tgt.KVNO)
	}
}
