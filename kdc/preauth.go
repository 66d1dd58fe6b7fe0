package kdc

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/jcmturner/gokrb5/v8/iana/errorcode"
	"github.com/jcmturner/gokrb5/v8/iana/keyusage"
	"github.com/jcmturner/gokrb5/v8/iana/patype"
	"github.com/jcmturner/gokrb5/v8/types"
	"github.com/kardianos/gokdc/kdclog"
	"github.com/kardianos/gokdc/krb5"
	"github.com/pkg/errors"
)

// PKMechanism is a public key pre-authentication mechanism (PKINIT).
// It is consulted for PA-PK-AS-REQ and PA-PK-AS-REQ-WIN items.
type PKMechanism interface {
	// Authenticate verifies pa for client. Returning an error wrapping
	// ErrPKMalformed reports undecodable PA data; a *ProtocolError is sent
	// as is; any other error means the certificate may not act as client.
	Authenticate(ctx context.Context, req *krb5.ASReq, pa types.PAData, client *Entry, sessionEtype int32) (*PKResult, error)
}

// PKResult is the outcome of a successful PK pre-authentication.
type PKResult struct {
	// ReplyKey encrypts the reply part.
	ReplyKey types.EncryptionKey
	// SessionKey is used as the ticket session key when KeyType is set.
	SessionKey types.EncryptionKey
	// PAData is added to the reply.
	PAData types.PADataSequence
	// Identity names the certificate for logging.
	Identity string
}

// ErrPKMalformed is wrapped by PKMechanism errors for undecodable requests.
var ErrPKMalformed = errors.New("malformed PK-INIT request")

// PACGenerator produces the PAC placed in issued tickets.
type PACGenerator interface {
	// GeneratePAC returns the signed PAC for a ticket issued to client for
	// server, or nil for none.
	GeneratePAC(ctx context.Context, client, server *Entry, serverKey types.EncryptionKey, authTime time.Time) ([]byte, error)
}

type mechFlags int

const (
	mechAnnounce mechFlags = 1 << iota
	mechFastOnly
	// mechAnnouncePK announces only when a PK mechanism is configured.
	mechAnnouncePK
)

type mechanism struct {
	Type     int32
	Name     string
	Flags    mechFlags
	Validate func(r *request, pa *types.PAData) error
}

// mechanisms is walked in order; the first item with a validator whose
// type is present in the request is the one dispatched.
var mechanisms = []mechanism{
	{Type: patype.PA_PK_AS_REQ, Name: "PK-INIT(ietf)", Flags: mechAnnouncePK},
	{Type: krb5.PAPKASReqWin, Name: "PK-INIT(win2k)", Flags: mechAnnouncePK},
	{Type: patype.PA_PK_OCSP_RESPONSE, Name: "OCSP"},
	{Type: patype.PA_ENC_TIMESTAMP, Name: "ENC-TS", Flags: mechAnnounce, Validate: validateEncTS},
	{Type: patype.PA_ENCRYPTED_CHALLENGE, Name: "ENC-CHAL", Flags: mechAnnounce | mechFastOnly, Validate: validateEncChallenge},
	{Type: patype.PA_REQ_ENC_PA_REP, Name: "REQ-ENC-PA-REP"},
	{Type: patype.PA_FX_FAST, Name: "FX-FAST", Flags: mechAnnounce},
	{Type: patype.PA_FX_ERROR, Name: "FX-ERROR"},
	{Type: patype.PA_FX_COOKIE, Name: "FX-COOKIE"},
}

func (m *mechanism) announced(k *KDC) bool {
	if m.Flags&mechAnnounce != 0 {
		return true
	}
	return m.Flags&mechAnnouncePK != 0 && k.config.PK != nil
}

// patypeName names pa types the KDC knows for logging.
func patypeName(t int32) string {
	for _, m := range mechanisms {
		if m.Type == t {
			return m.Name
		}
	}
	return fmt.Sprintf("%d", t)
}

func patypeList(pas types.PADataSequence) string {
	if len(pas) == 0 {
		return "none"
	}
	names := make([]string, len(pas))
	for i, pa := range pas {
		names[i] = patypeName(pa.PADataType)
	}
	return strings.Join(names, ", ")
}

// preauthenticate runs the dispatched mechanism. It reports whether a
// mechanism validated; a non-nil error is the dispatched mechanism's
// failure and ends the request.
func (r *request) preauthenticate() (bool, error) {
	pas := r.req.PAData
	for i := range mechanisms {
		m := &mechanisms[i]
		if m.Validate == nil {
			continue
		}
		if r.armorKey == nil && m.Flags&mechFastOnly != 0 {
			continue
		}
		r.tracef(kdclog.AreaPreauth, "Looking for %s pa-data -- %s", m.Name, r.clientName)
		pa := krb5.FindPAData(pas, m.Type)
		if pa == nil {
			continue
		}
		if err := m.Validate(r, pa); err != nil {
			r.printf(kdclog.AreaPreauth, "%s pre-authentication failed -- %s: %v", m.Name, r.clientName, err)
			return false, err
		}
		r.printf(kdclog.AreaPreauth, "%s pre-authentication succeeded -- %s", m.Name, r.clientName)
		return true, nil
	}
	if r.k.config.PK == nil {
		return false, nil
	}
	return r.preauthenticatePK()
}

func (r *request) preauthenticatePK() (bool, error) {
	pa := krb5.FindPAData(r.req.PAData, patype.PA_PK_AS_REQ)
	if pa == nil {
		pa = krb5.FindPAData(r.req.PAData, krb5.PAPKASReqWin)
	}
	if pa == nil {
		return false, nil
	}
	res, err := r.k.config.PK.Authenticate(r.ctx, r.req, *pa, r.client, r.sessionEtype)
	if err != nil {
		r.printf(kdclog.AreaPreauth, "PK-INIT failed -- %s: %v", r.clientName, err)
		var pe *ProtocolError
		switch {
		case errors.Is(err, ErrPKMalformed):
			return false, protoErr(errorcode.KRB_AP_ERR_BAD_INTEGRITY, "")
		case errors.As(err, &pe):
			return false, pe
		}
		return false, protoErr(errorcode.KDC_ERR_CLIENT_NAME_MISMATCH, "PKINIT certificate not allowed to impersonate principal")
	}
	r.setReplyKey(res.ReplyKey)
	if res.SessionKey.KeyType != 0 {
		r.pkSessionKey = &types.EncryptionKey{
			KeyType:  res.SessionKey.KeyType,
			KeyValue: append([]byte(nil), res.SessionKey.KeyValue...),
		}
	}
	r.outPAData = append(r.outPAData, res.PAData...)
	r.printf(kdclog.AreaPreauth, "PKINIT pre-authentication succeeded -- %s using %s", r.clientName, res.Identity)
	return true, nil
}

// preauthRequired builds the PREAUTH_REQUIRED error: every announced
// mechanism with an empty value, then salt hints for the key the client
// would use.
func (r *request) preauthRequired() error {
	for i := range mechanisms {
		if mechanisms[i].announced(r.k) {
			r.errorMethod = append(r.errorMethod, types.PAData{PADataType: mechanisms[i].Type})
		}
	}
	_, key, err := r.k.findEtype(r.k.config.PreauthUseStrongestSessionKey, true, r.client, r.req.ReqBody.EType)
	if err == nil && key != nil {
		if krb5.OlderEnctype(key.Key.KeyType) {
			b, err := krb5.EncodeETypeInfo(types.ETypeInfo{etypeInfoEntry(key)})
			if err != nil {
				return internalErr(err, "encode ETYPE-INFO")
			}
			r.errorMethod = append(r.errorMethod, types.PAData{PADataType: patype.PA_ETYPE_INFO, PADataValue: b})
		}
		b, err := krb5.EncodeETypeInfo2(types.ETypeInfo2{etypeInfo2Entry(key)})
		if err != nil {
			return internalErr(err, "encode ETYPE-INFO2")
		}
		r.errorMethod = append(r.errorMethod, types.PAData{PADataType: patype.PA_ETYPE_INFO2, PADataValue: b})
	}
	r.printf(kdclog.AreaPreauth, "No preauth found, returning PREAUTH-REQUIRED -- %s", r.clientName)
	return protoErr(errorcode.KDC_ERR_PREAUTH_REQUIRED, "Need to use PA-ENC-TIMESTAMP/PA-PK-AS-REQ")
}

// etypeInfoEntry never carries a salt type; a nil salt means the default.
func etypeInfoEntry(key *Key) types.ETypeInfoEntry {
	e := types.ETypeInfoEntry{EType: key.Key.KeyType}
	if key.Salt != nil {
		e.Salt = append([]byte(nil), key.Salt.Value...)
	}
	return e
}

func etypeInfo2Entry(key *Key) types.ETypeInfo2Entry {
	e := types.ETypeInfo2Entry{EType: key.Key.KeyType}
	if key.Salt != nil {
		e.Salt = string(key.Salt.Value)
	}
	switch key.Key.KeyType {
	case krb5.ETypeAES128SHA1, krb5.ETypeAES256SHA1:
		e.S2KParams = make([]byte, 4)
		binary.BigEndian.PutUint32(e.S2KParams, 4096)
	case krb5.ETypeDESCBCCRC, krb5.ETypeDESCBCMD4, krb5.ETypeDESCBCMD5:
		if key.Salt != nil && key.Salt.Type == patype.PA_AFS3_SALT {
			e.S2KParams = []byte{1}
		}
	}
	return e
}

// saltPAData echoes a non-default salt back to the client.
func saltPAData(key *Key) (types.PAData, bool) {
	if key.Salt == nil {
		return types.PAData{}, false
	}
	return types.PAData{PADataType: key.Salt.Type, PADataValue: append([]byte(nil), key.Salt.Value...)}, true
}

// checkSkew rejects timestamps further than max_skew from now. The error
// carries no e-text so clients retry with the KDC's time.
func (r *request) checkSkew(ts time.Time) error {
	d := r.now.Sub(ts)
	if d < 0 {
		d = -d
	}
	if d > r.k.config.MaxSkew {
		r.printf(kdclog.AreaPreauth, "Too large time skew, client time %s is out by %v > %v -- %s",
			ts.UTC().Format(time.RFC3339), d.Truncate(time.Second), r.k.config.MaxSkew, r.clientName)
		return protoErr(errorcode.KRB_AP_ERR_SKEW, "")
	}
	return nil
}

func validateEncTS(r *request, pa *types.PAData) error {
	if r.anonymousRequested() {
		return protoErr(errorcode.KRB_AP_ERR_BAD_INTEGRITY, "ENC-TS doesn't support anon")
	}
	var enc types.EncryptedData
	if err := enc.Unmarshal(pa.PADataValue); err != nil {
		r.debugf(kdclog.AreaPreauth, "Failed to decode PA-DATA -- %s", r.clientName)
		return protoErr(errorcode.KRB_AP_ERR_BAD_INTEGRITY, "")
	}
	keys := r.client.KeysOfType(enc.EType)
	if len(keys) == 0 {
		r.debugf(kdclog.AreaPreauth, "No client key matching pa-data (%d) -- %s", enc.EType, r.clientName)
		return protoErr(errorcode.KDC_ERR_ETYPE_NOSUPP, "No key matching entype")
	}

	// Keys of one enctype may differ by salt; try each.
	var (
		plain []byte
		used  *Key
	)
	for i := range keys {
		b, err := krb5.Decrypt(keys[i].Key, keyusage.AS_REQ_PA_ENC_TIMESTAMP, enc)
		if err != nil {
			r.debugf(kdclog.AreaPreauth, "Failed to decrypt PA-DATA -- %s (enctype %d) error %v", r.clientName, enc.EType, err)
			continue
		}
		plain, used = b, &keys[i]
		break
	}
	if used == nil {
		return protoErr(errorcode.KDC_ERR_PREAUTH_FAILED, "")
	}
	defer zero(plain)

	var ts types.PAEncTSEnc
	if err := ts.Unmarshal(plain); err != nil {
		r.debugf(kdclog.AreaPreauth, "Failed to decode PA-ENC-TS-ENC -- %s", r.clientName)
		return protoErr(errorcode.KDC_ERR_PREAUTH_FAILED, "")
	}
	if err := r.checkSkew(ts.PATimestamp); err != nil {
		return err
	}
	if pa, ok := saltPAData(used); ok {
		r.outPAData = append(r.outPAData, pa)
	}
	r.setReplyKey(used.Key)
	r.debugf(kdclog.AreaPreauth, "ENC-TS Pre-authentication succeeded -- %s using enctype %d", r.clientName, used.Key.KeyType)
	return nil
}

func validateEncChallenge(r *request, pa *types.PAData) error {
	if r.armorKey == nil {
		return protoErr(errorcode.KDC_ERR_PREAUTH_FAILED, "")
	}
	if r.anonymousRequested() {
		r.printf(kdclog.AreaPreauth, "ENC-CHALL doesn't support anon")
		return protoErr(errorcode.KRB_AP_ERR_BAD_INTEGRITY, "")
	}
	var enc types.EncryptedData
	if err := enc.Unmarshal(pa.PADataValue); err != nil {
		r.debugf(kdclog.AreaPreauth, "Failed to decode PA-DATA -- %s", r.clientName)
		return protoErr(errorcode.KRB_AP_ERR_BAD_INTEGRITY, "")
	}

	for i := range r.client.Keys {
		k := &r.client.Keys[i]
		challengeKey, err := krb5.CF2(r.armorKey.KeyType, *r.armorKey, "clientchallengearmor", k.Key, "challengelongterm")
		if err != nil {
			continue
		}
		ok, err := r.tryChallengeKey(challengeKey, enc, k)
		krb5.ZeroKey(&challengeKey)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return protoErr(errorcode.KDC_ERR_PREAUTH_FAILED, "")
}

// tryChallengeKey reports whether challengeKey opens enc. On success the
// KDC's own challenge and the salt are queued for the reply.
func (r *request) tryChallengeKey(challengeKey types.EncryptionKey, enc types.EncryptedData, k *Key) (bool, error) {
	plain, err := krb5.Decrypt(challengeKey, keyusage.KEY_USAGE_ENC_CHALLENGE_CLIENT, enc)
	if err != nil {
		return false, nil
	}
	defer zero(plain)
	var ts types.PAEncTSEnc
	if err := ts.Unmarshal(plain); err != nil {
		r.debugf(kdclog.AreaPreauth, "Failed to decode PA-ENC-TS-ENC -- %s", r.clientName)
		return false, nil
	}
	if err := r.checkSkew(ts.PATimestamp); err != nil {
		return false, err
	}

	kdcTS := types.PAEncTSEnc{
		PATimestamp: r.now.UTC().Truncate(time.Second),
		PAUSec:      r.now.Nanosecond() / 1000,
	}
	b, err := krb5.Marshal(kdcTS)
	if err != nil {
		return false, internalErr(err, "encode PA-ENC-TS-ENC")
	}
	// The KDC's proof uses the same derived key as the client's.
	ed, err := krb5.Encrypt(challengeKey, keyusage.KEY_USAGE_ENC_CHALLENGE_KDC, b, 0)
	if err != nil {
		return false, internalErr(err, "encrypt KDC challenge")
	}
	edb, err := ed.Marshal()
	if err != nil {
		return false, internalErr(err, "encode KDC challenge")
	}
	r.outPAData = append(r.outPAData, types.PAData{PADataType: patype.PA_ENCRYPTED_CHALLENGE, PADataValue: edb})
	if pa, ok := saltPAData(k); ok {
		r.outPAData = append(r.outPAData, pa)
	}
	r.setReplyKey(k.Key)
	return true, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
