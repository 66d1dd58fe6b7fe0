package krb5

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"errors"
	"fmt"

	"github.com/jcmturner/aescts/v2"
	"github.com/jcmturner/gokrb5/v8/crypto"
	"github.com/jcmturner/gokrb5/v8/crypto/etype"
	"github.com/jcmturner/gokrb5/v8/crypto/rfc8009"
	"github.com/jcmturner/gokrb5/v8/iana/etypeID"
	"github.com/jcmturner/gokrb5/v8/types"
	"golang.org/x/crypto/pbkdf2"
)

// Encryption type constants
const (
	ETypeDESCBCCRC    = 1  // des-cbc-crc
	ETypeDESCBCMD4    = 2  // des-cbc-md4
	ETypeDESCBCMD5    = 3  // des-cbc-md5
	ETypeDES3CBCSHA1  = 16 // des3-cbc-sha1-kd
	ETypeAES128SHA1   = 17 // aes128-cts-hmac-sha1-96
	ETypeAES256SHA1   = 18 // aes256-cts-hmac-sha1-96
	ETypeAES128SHA256 = 19 // aes128-cts-hmac-sha256-128
	ETypeAES256SHA384 = 20 // aes256-cts-hmac-sha384-192
	ETypeRC4HMAC      = 23 // arcfour-hmac-md5
	ETypeRC4HMACExp   = 24 // arcfour-hmac-md5-exp
)

// Legacy RC4 variants still recognized when choosing salt hints.
const (
	ETypeRC4HMACOld    = -133
	ETypeRC4HMACOldExp = -135
	ETypeRC4MD4        = -128
)

const (
	aesBlockSize           = 16
	pbkdf2DefaultIteration = 4096
)

// ErrChecksum is returned when a checksum does not verify.
var ErrChecksum = errors.New("checksum mismatch")

// SupportedEnctype reports whether the crypto engine can operate keys of etype.
func SupportedEnctype(etype int32) bool {
	_, err := crypto.GetEtype(etype)
	return err == nil
}

// WeakEnctype reports whether etype belongs to the single-DES family.
func WeakEnctype(etype int32) bool {
	switch etype {
	case ETypeDESCBCCRC, ETypeDESCBCMD4, ETypeDESCBCMD5:
		return true
	}
	return false
}

// OlderEnctype reports whether clients using etype expect the legacy
// PA-ETYPE-INFO salt hint in addition to PA-ETYPE-INFO2.
func OlderEnctype(etype int32) bool {
	switch etype {
	case ETypeDESCBCCRC, ETypeDESCBCMD4, ETypeDESCBCMD5,
		ETypeDES3CBCSHA1, ETypeRC4HMAC, ETypeRC4HMACExp,
		ETypeRC4MD4, ETypeRC4HMACOld, ETypeRC4HMACOldExp:
		return true
	}
	return false
}

// StringToKey derives a long term key from a password and salt.
// AES-SHA1 keys go through PBKDF2 with 4096 iterations followed by DK per RFC 3962.
func StringToKey(etype int32, password, salt string) (types.EncryptionKey, error) {
	et, err := crypto.GetEtype(etype)
	if err != nil {
		return types.EncryptionKey{}, fmt.Errorf("unsupported encryption type: %d", etype)
	}
	var key []byte
	switch etype {
	case ETypeAES128SHA1, ETypeAES256SHA1:
		tkey := pbkdf2.Key([]byte(password), []byte(salt), pbkdf2DefaultIteration, et.GetKeyByteSize(), sha1.New)
		// The constant is "kerberos" without a terminator.
		key, err = et.DeriveKey(tkey, []byte("kerberos"))
	default:
		key, err = et.StringToKey(password, salt, et.GetDefaultStringToKeyParams())
	}
	if err != nil {
		return types.EncryptionKey{}, err
	}
	return types.EncryptionKey{KeyType: etype, KeyValue: key}, nil
}

// KeySize is the protocol key length in bytes. The crypto package reports
// 24 for aes256-cts-hmac-sha384-192 but encrypts with 32 byte keys
// (RFC 8009 section 5).
func KeySize(et etype.EType) int {
	if et.GetETypeID() == etypeID.AES256_CTS_HMAC_SHA384_192 {
		return 32
	}
	return et.GetKeyByteSize()
}

// keySeedSize is the random-to-key input length in bytes.
func keySeedSize(et etype.EType) int {
	if et.GetETypeID() == etypeID.AES256_CTS_HMAC_SHA384_192 {
		return 32
	}
	return et.GetKeySeedBitLength() / 8
}

// RandomKey generates a random key for the given encryption type.
func RandomKey(etype int32) (types.EncryptionKey, error) {
	et, err := crypto.GetEtype(etype)
	if err != nil {
		return types.EncryptionKey{}, fmt.Errorf("unsupported encryption type: %d", etype)
	}
	if etype != ETypeAES256SHA384 {
		return types.GenerateEncryptionKey(et)
	}
	b := make([]byte, KeySize(et))
	if _, err := rand.Read(b); err != nil {
		return types.EncryptionKey{}, err
	}
	return types.EncryptionKey{KeyType: etype, KeyValue: b}, nil
}

// Encrypt encrypts plaintext using the specified key and key usage.
// Returns EncryptedData suitable for Kerberos messages.
func Encrypt(key types.EncryptionKey, usage uint32, plaintext []byte, kvno int) (types.EncryptedData, error) {
	return crypto.GetEncryptedData(plaintext, key, usage, kvno)
}

// Decrypt decrypts ciphertext using the specified key and key usage.
func Decrypt(key types.EncryptionKey, usage uint32, enc types.EncryptedData) ([]byte, error) {
	if key.KeyType != enc.EType {
		return nil, fmt.Errorf("key type mismatch: key=%d, encrypted=%d", key.KeyType, enc.EType)
	}
	return crypto.DecryptEncPart(enc, key, usage)
}

// Checksum computes the keyed checksum mandatory for the key's encryption type.
func Checksum(key types.EncryptionKey, usage uint32, data []byte) (types.Checksum, error) {
	et, err := crypto.GetEtype(key.KeyType)
	if err != nil {
		return types.Checksum{}, fmt.Errorf("unsupported encryption type: %d", key.KeyType)
	}
	sum, err := et.GetChecksumHash(key.KeyValue, data, usage)
	if err != nil {
		return types.Checksum{}, err
	}
	return types.Checksum{CksumType: et.GetHashID(), Checksum: sum}, nil
}

// VerifyChecksum checks cksum over data. The checksum type must be the
// one mandated by the key's encryption type.
func VerifyChecksum(key types.EncryptionKey, usage uint32, data []byte, cksum types.Checksum) error {
	et, err := crypto.GetEtype(key.KeyType)
	if err != nil {
		return fmt.Errorf("unsupported encryption type: %d", key.KeyType)
	}
	if cksum.CksumType != et.GetHashID() {
		return fmt.Errorf("%w: checksum type %d for key type %d", ErrChecksum, cksum.CksumType, key.KeyType)
	}
	if !et.VerifyChecksum(key.KeyValue, data, cksum.Checksum, usage) {
		return ErrChecksum
	}
	return nil
}

// PRF is the pseudo-random function of the key's encryption type
// (RFC 3961 simplified profile, RFC 4757, RFC 8009).
func PRF(key types.EncryptionKey, data []byte) ([]byte, error) {
	et, err := crypto.GetEtype(key.KeyType)
	if err != nil {
		return nil, fmt.Errorf("unsupported encryption type: %d", key.KeyType)
	}
	switch key.KeyType {
	case ETypeAES128SHA1, ETypeAES256SHA1:
		h := sha1.Sum(data)
		dk, err := et.DeriveKey(key.KeyValue, []byte("prf"))
		if err != nil {
			return nil, err
		}
		return aesCTSEncrypt(dk, h[:aesBlockSize])
	case ETypeDES3CBCSHA1:
		h := sha1.Sum(data)
		dk, err := et.DeriveKey(key.KeyValue, []byte("prf"))
		if err != nil {
			return nil, err
		}
		_, out, err := et.EncryptData(dk, h[:16])
		return out, err
	case ETypeRC4HMAC:
		mac := hmac.New(sha1.New, key.KeyValue)
		mac.Write(data)
		return mac.Sum(nil), nil
	case ETypeAES128SHA256:
		return rfc8009.KDF_HMAC_SHA2(key.KeyValue, []byte("prf"), data, 256, et), nil
	case ETypeAES256SHA384:
		return rfc8009.KDF_HMAC_SHA2(key.KeyValue, []byte("prf"), data, 384, et), nil
	}
	return nil, fmt.Errorf("no pseudo-random function for encryption type %d", key.KeyType)
}

// PRFPlus expands PRF output to n bytes per RFC 6113 section 5.1.
func PRFPlus(key types.EncryptionKey, pepper []byte, n int) ([]byte, error) {
	var out []byte
	for i := 1; len(out) < n; i++ {
		if i > 255 {
			return nil, fmt.Errorf("PRF+ output of %d bytes too long", n)
		}
		in := append([]byte{byte(i)}, pepper...)
		b, err := PRF(key, in)
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out[:n], nil
}

// CF2 combines two keys into one of the given encryption type
// (KRB-FX-CF2, RFC 6113 section 5.1).
func CF2(etype int32, k1 types.EncryptionKey, pepper1 string, k2 types.EncryptionKey, pepper2 string) (types.EncryptionKey, error) {
	et, err := crypto.GetEtype(etype)
	if err != nil {
		return types.EncryptionKey{}, fmt.Errorf("unsupported encryption type: %d", etype)
	}
	n := keySeedSize(et)
	a, err := PRFPlus(k1, []byte(pepper1), n)
	if err != nil {
		return types.EncryptionKey{}, err
	}
	b, err := PRFPlus(k2, []byte(pepper2), n)
	if err != nil {
		return types.EncryptionKey{}, err
	}
	for i := range a {
		a[i] ^= b[i]
	}
	return types.EncryptionKey{KeyType: etype, KeyValue: randomToKey(et, a)}, nil
}

// randomToKey is the identity for every type but DES3. The RC4 entry in the
// crypto package hashes its input, which is not the RFC 4757 definition.
func randomToKey(et etype.EType, b []byte) []byte {
	if et.GetETypeID() == etypeID.DES3_CBC_SHA1_KD {
		return et.RandomToKey(b)
	}
	return b
}

// aesCTSEncrypt encrypts plaintext using AES-CTS (Cipher Text Stealing)
// with a zero IV.
func aesCTSEncrypt(key []byte, plaintext []byte) ([]byte, error) {
	iv := make([]byte, aesBlockSize)
	_, ciphertext, err := aescts.Encrypt(key, iv, plaintext)
	return ciphertext, err
}

// ZeroKey overwrites the key material in place.
func ZeroKey(key *types.EncryptionKey) {
	if key == nil {
		return
	}
	for i := range key.KeyValue {
		key.KeyValue[i] = 0
	}
}
