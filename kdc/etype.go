package kdc

import (
	"bytes"

	"github.com/jcmturner/gokrb5/v8/iana/errorcode"
	"github.com/jcmturner/gokrb5/v8/iana/patype"
	"github.com/kardianos/gokdc/krb5"
)

// validEnctype reports whether etype may be used at all.
func (k *KDC) validEnctype(etype int32) bool {
	if !krb5.SupportedEnctype(etype) {
		return false
	}
	return !krb5.WeakEnctype(etype) || k.config.AllowWeakCrypto
}

// weakException lets services named "afs" keep single DES keys.
func weakException(e *Entry, etype int32) bool {
	if len(e.Principal.NameString) == 0 || e.Principal.NameString[0] != "afs" {
		return false
	}
	return krb5.WeakEnctype(etype)
}

// isDefaultSalt reports whether key was salted with the principal's
// default password salt.
func isDefaultSalt(e *Entry, key *Key) bool {
	if key.Salt == nil {
		return true
	}
	if key.Salt.Type != patype.PA_PW_SALT {
		return false
	}
	return bytes.Equal(key.Salt.Value, []byte(e.Principal.GetSalt(e.Realm)))
}

// findEtype negotiates an enctype with the client for principal e.
//
// With strongest set the KDC's own list drives the search and the first
// type the client also offered is the fallback when e has no suitable key;
// the returned key is nil in that case. Otherwise the client's list drives
// the search and a key is always returned.
//
// When preauth is set only keys with the default salt are preferred, so the
// salt hint sent to the client can be left out.
func (k *KDC) findEtype(strongest, preauth bool, e *Entry, etypes []int32) (int32, *Key, error) {
	if strongest {
		return k.findEtypeStrongest(preauth, e, etypes)
	}
	return k.findEtypeFirst(preauth, e, etypes)
}

func (k *KDC) findEtypeStrongest(preauth bool, e *Entry, etypes []int32) (int32, *Key, error) {
	var clientBest int32
	for _, et := range k.config.SupportedEnctypes {
		if !k.validEnctype(et) || !containsEtype(etypes, et) {
			continue
		}
		if clientBest == 0 {
			clientBest = et
		}
		keys := e.KeysOfType(et)
		if len(keys) == 0 {
			continue
		}
		key := keys[0]
		if preauth && !isDefaultSalt(e, &key) {
			continue
		}
		return et, &key, nil
	}
	if clientBest != 0 {
		return clientBest, nil, nil
	}
	return 0, nil, protoErr(errorcode.KDC_ERR_ETYPE_NOSUPP, "")
}

func (k *KDC) findEtypeFirst(preauth bool, e *Entry, etypes []int32) (int32, *Key, error) {
	var (
		found   *Key
		foundET int32
		nullKey bool
	)
	for _, et := range etypes {
		if !k.validEnctype(et) && !weakException(e, et) {
			continue
		}
		for _, key := range e.KeysOfType(et) {
			if len(key.Key.KeyValue) == 0 {
				nullKey = true
				continue
			}
			if !preauth {
				return et, &key, nil
			}
			if isDefaultSalt(e, &key) {
				return et, &key, nil
			}
			if found == nil {
				found, foundET = &key, et
			}
		}
	}
	if found != nil {
		return foundET, found, nil
	}
	if nullKey {
		return 0, nil, protoErr(errorcode.KDC_ERR_NULL_KEY, "")
	}
	return 0, nil, protoErr(errorcode.KDC_ERR_ETYPE_NOSUPP, "")
}

// preferredServerKey picks the key the ticket is encrypted with.
func (k *KDC) preferredServerKey(server *Entry) (*Key, error) {
	if k.config.UseStrongestServerKey {
		for _, et := range k.config.SupportedEnctypes {
			if !k.validEnctype(et) {
				continue
			}
			if keys := server.KeysOfType(et); len(keys) > 0 {
				return &keys[0], nil
			}
		}
	} else {
		for i := range server.Keys {
			if k.validEnctype(server.Keys[i].Key.KeyType) {
				key := server.Keys[i]
				return &key, nil
			}
		}
	}
	return nil, protoErr(errorcode.KDC_ERR_ETYPE_NOSUPP, "Server has no supported etypes")
}

func containsEtype(list []int32, et int32) bool {
	for _, v := range list {
		if v == et {
			return true
		}
	}
	return false
}
