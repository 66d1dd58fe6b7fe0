package krb5

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/jcmturner/gokrb5/v8/crypto"
	"github.com/jcmturner/gokrb5/v8/iana/etypeID"
	"github.com/jcmturner/gokrb5/v8/iana/keyusage"
	"github.com/jcmturner/gokrb5/v8/types"
)

func TestStringToKeyMatchesGoKRB5(t *testing.T) {
	password := "alice-secret-password"
	pn := ParsePrincipal("alice")
	salt := pn.GetSalt("TEST.GOKDC.LOCAL")

	for _, etype := range []int32{ETypeAES128SHA1, ETypeAES256SHA1, ETypeAES128SHA256, ETypeAES256SHA384, ETypeDES3CBCSHA1, ETypeRC4HMAC} {
		ours, err := StringToKey(etype, password, salt)
		if err != nil {
			t.Fatalf("StringToKey(%d): %v", etype, err)
		}
		et, err := crypto.GetEtype(etype)
		if err != nil {
			t.Fatalf("GetEtype(%d): %v", etype, err)
		}
		theirs, err := et.StringToKey(password, salt, et.GetDefaultStringToKeyParams())
		if err != nil {
			t.Fatalf("gokrb5 StringToKey(%d): %v", etype, err)
		}
		if !bytes.Equal(ours.KeyValue, theirs) {
			t.Errorf("etype %d: keys differ\nours:   %x\ngokrb5: %x", etype, ours.KeyValue, theirs)
		}
		if ours.KeyType != etype {
			t.Errorf("etype %d: key type %d", etype, ours.KeyType)
		}
	}
}

func TestStringToKeySizes(t *testing.T) {
	for _, tc := range []struct {
		etype int32
		size  int
	}{
		{ETypeAES128SHA1, 16},
		{ETypeAES256SHA1, 32},
		{ETypeAES256SHA384, 32},
		{ETypeDES3CBCSHA1, 24},
		{ETypeRC4HMAC, 16},
	} {
		k, err := StringToKey(tc.etype, "password", "ATHENA.MIT.EDUraeburn")
		if err != nil {
			t.Fatalf("StringToKey(%d): %v", tc.etype, err)
		}
		if len(k.KeyValue) != tc.size {
			t.Errorf("etype %d: key size %d, want %d", tc.etype, len(k.KeyValue), tc.size)
		}
	}
}

func TestRandomKeySizes(t *testing.T) {
	for _, tc := range []struct {
		etype int32
		size  int
	}{
		{ETypeAES128SHA1, 16},
		{ETypeAES256SHA1, 32},
		{ETypeAES128SHA256, 16},
		{ETypeAES256SHA384, 32},
		{ETypeDES3CBCSHA1, 24},
		{ETypeRC4HMAC, 16},
	} {
		k, err := RandomKey(tc.etype)
		if err != nil {
			t.Fatalf("RandomKey(%d): %v", tc.etype, err)
		}
		if len(k.KeyValue) != tc.size || k.KeyType != tc.etype {
			t.Errorf("etype %d: got type %d size %d, want size %d", tc.etype, k.KeyType, len(k.KeyValue), tc.size)
		}
		// gokrb5 must accept the key as is.
		ed, err := crypto.GetEncryptedData([]byte("session"), k, keyusage.AS_REP_ENCPART, 0)
		if err != nil {
			t.Fatalf("etype %d: gokrb5 encrypt: %v", tc.etype, err)
		}
		if _, err := crypto.DecryptEncPart(ed, k, keyusage.AS_REP_ENCPART); err != nil {
			t.Errorf("etype %d: gokrb5 decrypt: %v", tc.etype, err)
		}
	}
}

func TestStringToKeyUnsupported(t *testing.T) {
	if _, err := StringToKey(ETypeDESCBCMD5, "pw", "salt"); err == nil {
		t.Fatal("expected an error for single DES")
	}
}

func TestDecryptWithGoKRB5(t *testing.T) {
	key, err := StringToKey(ETypeAES256SHA1, "alice-secret-password", "TEST.GOKDC.LOCALalice")
	if err != nil {
		t.Fatalf("StringToKey: %v", err)
	}
	plaintext := []byte("test message 123")

	ciphertext, err := crypto.GetEncryptedData(plaintext, key, keyusage.AS_REQ_PA_ENC_TIMESTAMP, 0)
	if err != nil {
		t.Fatalf("gokrb5 encryption failed: %v", err)
	}
	decrypted, err := Decrypt(key, keyusage.AS_REQ_PA_ENC_TIMESTAMP, ciphertext)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Errorf("got %q, want %q", decrypted, plaintext)
	}

	if _, err := Decrypt(key, keyusage.AS_REP_ENCPART, ciphertext); err == nil {
		t.Error("decrypt with the wrong key usage succeeded")
	}
}

func TestEncryptDecrypt(t *testing.T) {
	for _, etype := range []int32{ETypeAES128SHA1, ETypeAES256SHA1, ETypeAES128SHA256, ETypeAES256SHA384, ETypeDES3CBCSHA1, ETypeRC4HMAC} {
		key, err := RandomKey(etype)
		if err != nil {
			t.Fatalf("RandomKey(%d): %v", etype, err)
		}
		ed, err := Encrypt(key, 3, []byte("reply part"), 7)
		if err != nil {
			t.Fatalf("Encrypt(%d): %v", etype, err)
		}
		if ed.EType != etype || ed.KVNO != 7 {
			t.Errorf("etype %d: EncryptedData etype=%d kvno=%d", etype, ed.EType, ed.KVNO)
		}
		out, err := Decrypt(key, 3, ed)
		if err != nil {
			t.Fatalf("Decrypt(%d): %v", etype, err)
		}
		if string(out) != "reply part" {
			t.Errorf("etype %d: got %q", etype, out)
		}
	}
}

func TestDecryptKeyTypeMismatch(t *testing.T) {
	k128, _ := RandomKey(ETypeAES128SHA1)
	k256, _ := RandomKey(ETypeAES256SHA1)
	ed, err := Encrypt(k128, 1, []byte("x"), 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Decrypt(k256, 1, ed); err == nil {
		t.Fatal("expected key type mismatch")
	}
}

func TestChecksum(t *testing.T) {
	key, err := RandomKey(ETypeAES256SHA1)
	if err != nil {
		t.Fatal(err)
	}
	data := []byte("KDC-REQ-BODY")
	cksum, err := Checksum(key, keyusage.KEY_USAGE_FAST_REQ_CHKSUM, data)
	if err != nil {
		t.Fatalf("Checksum: %v", err)
	}
	if err := VerifyChecksum(key, keyusage.KEY_USAGE_FAST_REQ_CHKSUM, data, cksum); err != nil {
		t.Fatalf("VerifyChecksum: %v", err)
	}

	tests := []struct {
		name  string
		usage uint32
		data  []byte
		mod   func(types.Checksum) types.Checksum
	}{
		{"modified data", keyusage.KEY_USAGE_FAST_REQ_CHKSUM, []byte("KDC-REQ-BODZ"), nil},
		{"other usage", keyusage.KEY_USAGE_FAST_FINISHED, data, nil},
		{"other type", keyusage.KEY_USAGE_FAST_REQ_CHKSUM, data, func(c types.Checksum) types.Checksum {
			c.CksumType++
			return c
		}},
		{"flipped bit", keyusage.KEY_USAGE_FAST_REQ_CHKSUM, data, func(c types.Checksum) types.Checksum {
			c.Checksum = append([]byte(nil), c.Checksum...)
			c.Checksum[0] ^= 1
			return c
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := cksum
			if tc.mod != nil {
				c = tc.mod(c)
			}
			err := VerifyChecksum(key, tc.usage, tc.data, c)
			if !errors.Is(err, ErrChecksum) {
				t.Errorf("got %v, want ErrChecksum", err)
			}
		})
	}
}

func TestCF2(t *testing.T) {
	for _, etype := range []int32{ETypeAES128SHA1, ETypeAES256SHA1, ETypeAES128SHA256, ETypeAES256SHA384, ETypeDES3CBCSHA1, ETypeRC4HMAC} {
		k1, err := StringToKey(etype, "key1", "key1")
		if err != nil {
			t.Fatalf("StringToKey: %v", err)
		}
		k2, err := StringToKey(etype, "key2", "key2")
		if err != nil {
			t.Fatalf("StringToKey: %v", err)
		}
		a, err := CF2(etype, k1, "a", k2, "b")
		if err != nil {
			t.Fatalf("CF2(%d): %v", etype, err)
		}
		et, _ := crypto.GetEtype(etype)
		if len(a.KeyValue) != KeySize(et) {
			t.Errorf("etype %d: key size %d, want %d", etype, len(a.KeyValue), KeySize(et))
		}
		again, _ := CF2(etype, k1, "a", k2, "b")
		if !bytes.Equal(a.KeyValue, again.KeyValue) {
			t.Errorf("etype %d: CF2 is not deterministic", etype)
		}
		swapped, _ := CF2(etype, k1, "b", k2, "a")
		if bytes.Equal(a.KeyValue, swapped.KeyValue) {
			t.Errorf("etype %d: peppers do not affect the result", etype)
		}

		// The combined key must be usable for its enctype.
		ed, err := Encrypt(a, keyusage.KEY_USAGE_ENC_CHALLENGE_CLIENT, []byte("ts"), 0)
		if err != nil {
			t.Fatalf("etype %d: encrypt with CF2 key: %v", etype, err)
		}
		if _, err := Decrypt(again, keyusage.KEY_USAGE_ENC_CHALLENGE_CLIENT, ed); err != nil {
			t.Errorf("etype %d: decrypt with CF2 key: %v", etype, err)
		}
	}
}

func TestCF2MixedEnctypes(t *testing.T) {
	sub, _ := RandomKey(ETypeAES256SHA1)
	tkt, _ := RandomKey(ETypeAES128SHA1)
	k, err := CF2(sub.KeyType, sub, "subkeyarmor", tkt, "ticketarmor")
	if err != nil {
		t.Fatalf("CF2: %v", err)
	}
	if k.KeyType != ETypeAES256SHA1 || len(k.KeyValue) != 32 {
		t.Errorf("got type %d size %d", k.KeyType, len(k.KeyValue))
	}
}

func TestPRFPlus(t *testing.T) {
	key, _ := RandomKey(ETypeAES128SHA1)
	for _, n := range []int{1, 16, 17, 40} {
		out, err := PRFPlus(key, []byte("pepper"), n)
		if err != nil {
			t.Fatalf("PRFPlus(%d): %v", n, err)
		}
		if len(out) != n {
			t.Errorf("PRFPlus(%d) returned %d bytes", n, len(out))
		}
	}
	short, _ := PRFPlus(key, []byte("pepper"), 16)
	long, _ := PRFPlus(key, []byte("pepper"), 40)
	if !bytes.Equal(short, long[:16]) {
		t.Errorf("PRF+ prefix differs: %s vs %s", hex.EncodeToString(short), hex.EncodeToString(long[:16]))
	}
}

func TestPRFUnsupported(t *testing.T) {
	if _, err := PRF(types.EncryptionKey{KeyType: 99, KeyValue: []byte{1}}, []byte("x")); err == nil {
		t.Fatal("expected an error")
	}
}

func TestEnctypeClasses(t *testing.T) {
	tests := []struct {
		etype     int32
		supported bool
		weak      bool
		older     bool
	}{
		{ETypeDESCBCCRC, false, true, true},
		{ETypeDESCBCMD5, false, true, true},
		{ETypeDES3CBCSHA1, true, false, true},
		{ETypeAES128SHA1, true, false, false},
		{ETypeAES256SHA1, true, false, false},
		{ETypeAES128SHA256, true, false, false},
		{ETypeAES256SHA384, true, false, false},
		{ETypeRC4HMAC, true, false, true},
		{etypeID.RC4_HMAC_EXP, false, false, true},
	}
	for _, tc := range tests {
		if got := SupportedEnctype(tc.etype); got != tc.supported {
			t.Errorf("SupportedEnctype(%d) = %v", tc.etype, got)
		}
		if got := WeakEnctype(tc.etype); got != tc.weak {
			t.Errorf("WeakEnctype(%d) = %v", tc.etype, got)
		}
		if got := OlderEnctype(tc.etype); got != tc.older {
			t.Errorf("OlderEnctype(%d) = %v", tc.etype, got)
		}
	}
}

func TestZeroKey(t *testing.T) {
	k, _ := RandomKey(ETypeAES256SHA1)
	ZeroKey(&k)
	for _, b := range k.KeyValue {
		if b != 0 {
			t.Fatalf("key not zeroed: %x", k.KeyValue)
		}
	}
	ZeroKey(nil)
}
