package kdc

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jcmturner/gokrb5/v8/keytab"
	"github.com/jcmturner/gokrb5/v8/types"
	"github.com/kardianos/gokdc/krb5"
	"github.com/pkg/errors"
)

// Database lookup failures.
var (
	ErrNotFound         = errors.New("principal not found")
	ErrNotFoundHere     = errors.New("principal not found here")
	ErrPermissionDenied = errors.New("permission denied")
)

// FetchFlags select the role a principal is looked up in.
type FetchFlags int

const (
	FetchClient FetchFlags = 1 << iota
	FetchServer
	FetchCanonicalize
	FetchKeys
)

// Database resolves principals to entries. Implementations return a
// snapshot the caller may not mutate.
type Database interface {
	Fetch(ctx context.Context, name types.PrincipalName, realm string, flags FetchFlags) (*Entry, error)
}

// EntryFlags are the per-principal policy bits.
type EntryFlags struct {
	LockedOut      bool
	Invalid        bool
	Client         bool
	Server         bool
	Forwardable    bool
	Proxiable      bool
	Postdate       bool
	RequirePreauth bool
	// Initial marks a service that only accepts tickets from an AS exchange.
	Initial bool
	// ChangePW marks the password change service.
	ChangePW bool
}

// Salt is a stored key's salt. A nil *Salt means the default salt.
type Salt struct {
	Type  int32
	Value []byte
}

// Key is a stored long term key.
type Key struct {
	Key  types.EncryptionKey
	Salt *Salt
}

// Entry is a principal database record.
type Entry struct {
	Principal types.PrincipalName
	Realm     string
	KVNO      int
	Flags     EntryFlags

	// Zero times are unset.
	ValidStart time.Time
	ValidEnd   time.Time
	PwEnd      time.Time

	// Zero durations are unset.
	MaxLife  time.Duration
	MaxRenew time.Duration

	Keys []Key
}

// String returns name@REALM.
func (e *Entry) String() string {
	return principalString(e.Principal, e.Realm)
}

// KeysOfType returns the stored keys of etype in storage order.
func (e *Entry) KeysOfType(etype int32) []Key {
	var out []Key
	for _, k := range e.Keys {
		if k.Key.KeyType == etype {
			out = append(out, k)
		}
	}
	return out
}

func (e *Entry) clone() *Entry {
	c := *e
	c.Principal = types.PrincipalName{
		NameType:   e.Principal.NameType,
		NameString: append([]string(nil), e.Principal.NameString...),
	}
	c.Keys = make([]Key, len(e.Keys))
	for i, k := range e.Keys {
		c.Keys[i].Key = types.EncryptionKey{
			KeyType:  k.Key.KeyType,
			KeyValue: append([]byte(nil), k.Key.KeyValue...),
		}
		if k.Salt != nil {
			s := *k.Salt
			s.Value = append([]byte(nil), k.Salt.Value...)
			c.Keys[i].Salt = &s
		}
	}
	return &c
}

func principalString(name types.PrincipalName, realm string) string {
	return name.PrincipalNameString() + "@" + realm
}

func dbKey(name types.PrincipalName, realm string) string {
	return realm + "\x00" + strings.Join(name.NameString, "/")
}

// MemoryDB is an in-memory principal store.
type MemoryDB struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	aliases map[string]string
	remote  map[string]bool
}

// NewMemoryDB creates an empty store.
func NewMemoryDB() *MemoryDB {
	return &MemoryDB{
		entries: make(map[string]*Entry),
		aliases: make(map[string]string),
		remote:  make(map[string]bool),
	}
}

// Add stores e, replacing any entry with the same name.
func (db *MemoryDB) Add(e *Entry) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.entries[dbKey(e.Principal, e.Realm)] = e.clone()
}

// AddPrincipal derives keys for each etype from password with the
// principal's default salt and stores the resulting entry.
func (db *MemoryDB) AddPrincipal(name, realm, password string, kvno int, etypes []int32, flags EntryFlags) (*Entry, error) {
	pn := krb5.ParsePrincipal(name)
	e := &Entry{
		Principal: pn,
		Realm:     realm,
		KVNO:      kvno,
		Flags:     flags,
	}
	salt := pn.GetSalt(realm)
	for _, et := range etypes {
		key, err := krb5.StringToKey(et, password, salt)
		if err != nil {
			return nil, fmt.Errorf("derive key for %s etype %d: %w", name, et, err)
		}
		e.Keys = append(e.Keys, Key{Key: key})
	}
	db.Add(e)
	return e, nil
}

// AddAlias makes alias resolve to the entry stored for target.
func (db *MemoryDB) AddAlias(alias, target types.PrincipalName, realm string) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.aliases[dbKey(alias, realm)] = dbKey(target, realm)
}

// AddRemote marks name as known but held by another KDC.
func (db *MemoryDB) AddRemote(name types.PrincipalName, realm string) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.remote[dbKey(name, realm)] = true
}

// LoadKeytab adds one entry per principal found in kt. Only the keys with
// the highest kvno of each principal are kept.
func (db *MemoryDB) LoadKeytab(kt *keytab.Keytab, flags EntryFlags) int {
	type acc struct {
		entry *Entry
		kvno  uint32
	}
	found := make(map[string]*acc)
	var order []string
	for _, ke := range kt.Entries {
		pn := types.PrincipalName{NameType: ke.Principal.NameType, NameString: ke.Principal.Components}
		k := dbKey(pn, ke.Principal.Realm)
		kvno := ke.KVNO
		if kvno == 0 {
			kvno = uint32(ke.KVNO8)
		}
		a, ok := found[k]
		if !ok {
			a = &acc{entry: &Entry{Principal: pn, Realm: ke.Principal.Realm, Flags: flags}}
			found[k] = a
			order = append(order, k)
		}
		switch {
		case kvno > a.kvno:
			a.kvno = kvno
			a.entry.Keys = []Key{{Key: ke.Key}}
		case kvno == a.kvno:
			a.entry.Keys = append(a.entry.Keys, Key{Key: ke.Key})
		}
	}
	for _, k := range order {
		a := found[k]
		a.entry.KVNO = int(a.kvno)
		db.Add(a.entry)
	}
	return len(order)
}

// Fetch implements Database. Without FetchCanonicalize an alias lookup
// returns the target's record under the requested name.
func (db *MemoryDB) Fetch(ctx context.Context, name types.PrincipalName, realm string, flags FetchFlags) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	db.mu.RLock()
	defer db.mu.RUnlock()

	k := dbKey(name, realm)
	if db.remote[k] {
		return nil, ErrNotFoundHere
	}
	e, ok := db.entries[k]
	if !ok {
		target, isAlias := db.aliases[k]
		if !isAlias {
			return nil, ErrNotFound
		}
		e, ok = db.entries[target]
		if !ok {
			return nil, ErrNotFound
		}
		c := e.clone()
		if flags&FetchCanonicalize == 0 {
			c.Principal = types.PrincipalName{
				NameType:   name.NameType,
				NameString: append([]string(nil), name.NameString...),
			}
		}
		return c, nil
	}
	return e.clone(), nil
}
