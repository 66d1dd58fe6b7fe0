package kdc

import (
	"time"

	"github.com/jcmturner/gofork/encoding/asn1"
	"github.com/jcmturner/gokrb5/v8/iana/errorcode"
	"github.com/jcmturner/gokrb5/v8/iana/keyusage"
	"github.com/jcmturner/gokrb5/v8/iana/msgtype"
	"github.com/jcmturner/gokrb5/v8/iana/patype"
	"github.com/jcmturner/gokrb5/v8/messages"
	"github.com/jcmturner/gokrb5/v8/types"
	"github.com/kardianos/gokdc/kdclog"
	"github.com/kardianos/gokdc/krb5"
	"github.com/pkg/errors"
)

// Critical FAST options this KDC does not understand (RFC 6113 5.4.1).
const fastOptionsCritical = 0xfffc

// unwrapFAST opens a PA-FX-FAST request. The armor key is recorded as soon
// as it is derived, so later failures are returned armored.
func (r *request) unwrapFAST() error {
	pa := krb5.FindPAData(r.req.PAData, patype.PA_FX_FAST)
	if pa == nil {
		return nil
	}
	armored, err := krb5.DecodePAFXFastRequest(pa.PADataValue)
	if err != nil {
		r.printf(kdclog.AreaFAST, "Failed to decode PA-FX-FAST-REQUEST: %v", err)
		return protoErr(errorcode.KDC_ERR_PREAUTH_FAILED, "")
	}
	if !armored.HasArmor() {
		return protoErr(errorcode.KDC_ERR_PREAUTH_FAILED, "AS-REQ armor missing")
	}
	if armored.Armor.ArmorType != krb5.ArmorTypeAPRequest {
		r.printf(kdclog.AreaFAST, "Unknown FAST armor type %d", armored.Armor.ArmorType)
		return protoErr(errorcode.KDC_ERR_PREAUTH_FAILED, "")
	}
	apReq, err := krb5.DecodeAPReq(armored.Armor.ArmorValue)
	if err != nil {
		r.printf(kdclog.AreaFAST, "Failed to decode FAST armor: %v", err)
		return protoErr(errorcode.KDC_ERR_PREAUTH_FAILED, "")
	}

	armorName := principalString(apReq.Ticket.SName, apReq.Ticket.Realm)
	armorServer, err := r.k.db.Fetch(r.ctx, apReq.Ticket.SName, apReq.Ticket.Realm, FetchServer)
	if err != nil {
		r.printf(kdclog.AreaFAST, "Armor server %s not found: %v", armorName, err)
		return protoErr(errorcode.KDC_ERR_S_PRINCIPAL_UNKNOWN, "")
	}
	keys := armorServer.KeysOfType(apReq.Ticket.EncPart.EType)
	if len(keys) == 0 {
		r.printf(kdclog.AreaFAST, "Armor server %s has no key of enctype %d", armorName, apReq.Ticket.EncPart.EType)
		return protoErr(errorcode.KDC_ERR_ETYPE_NOSUPP, "")
	}
	// Every key of the ticket's enctype is tried so older kvnos still work.
	var ap *krb5.APReqResult
	for i := range keys {
		ap, err = krb5.VerifyAPReq(apReq, keys[i].Key, r.now, r.k.config.MaxSkew)
		if err == nil || !errors.Is(err, krb5.ErrIntegrity) {
			break
		}
	}
	if err != nil {
		r.printf(kdclog.AreaFAST, "Failed to verify FAST armor for %s: %v", armorName, err)
		return apReqError(err)
	}
	defer krb5.ZeroKey(&ap.TicketKey)
	if ap.SubKey.KeyType == 0 {
		r.printf(kdclog.AreaFAST, "FAST armor has no subkey")
		return protoErr(errorcode.KDC_ERR_PREAUTH_FAILED, "")
	}
	armorKey, err := krb5.CF2(ap.SubKey.KeyType, ap.SubKey, "subkeyarmor", ap.TicketKey, "ticketarmor")
	krb5.ZeroKey(&ap.SubKey)
	if err != nil {
		return internalErr(err, "derive armor key")
	}
	r.armorKey = &armorKey

	// The checksum covers the outer body as received.
	if err := krb5.VerifyChecksum(armorKey, keyusage.KEY_USAGE_FAST_REQ_CHKSUM, r.req.RawBody, armored.ReqChecksum); err != nil {
		r.printf(kdclog.AreaFAST, "FAST request checksum mismatch: %v", err)
		return protoErr(errorcode.KRB_AP_ERR_BAD_INTEGRITY, "")
	}
	plain, err := krb5.Decrypt(armorKey, keyusage.KEY_USAGE_FAST_ENC, armored.EncFastReq)
	if err != nil {
		r.printf(kdclog.AreaFAST, "Failed to decrypt FAST request: %v", err)
		return protoErr(errorcode.KRB_AP_ERR_BAD_INTEGRITY, "")
	}
	defer zero(plain)
	fastReq, err := krb5.DecodeKrbFastReq(plain)
	if err != nil {
		r.printf(kdclog.AreaFAST, "Failed to decode KrbFastReq: %v", err)
		return protoErr(errorcode.KDC_ERR_PREAUTH_FAILED, "")
	}
	body, err := fastReq.Body()
	if err != nil {
		r.printf(kdclog.AreaFAST, "Failed to decode inner KDC-REQ-BODY: %v", err)
		return protoErr(errorcode.KDC_ERR_PREAUTH_FAILED, "")
	}
	if opts := fastOptions(fastReq.FastOptions); opts&fastOptionsCritical != 0 {
		r.printf(kdclog.AreaFAST, "Unsupported critical FAST options 0x%x", opts)
		return protoErr(errorcode.KDC_ERR_PREAUTH_FAILED, "")
	}

	// plain is wiped on return; keep nothing that points into it.
	r.req.ReqBody = body
	r.req.RawBody = append([]byte(nil), fastReq.ReqBody.Bytes...)
	r.req.PAData = make(types.PADataSequence, len(fastReq.PAData))
	for i, p := range fastReq.PAData {
		r.req.PAData[i] = types.PAData{PADataType: p.PADataType, PADataValue: append([]byte(nil), p.PADataValue...)}
	}
	r.debugf(kdclog.AreaFAST, "FAST armor verified with %s", armorName)
	return nil
}

// fastOptions numbers option bit n as 1<<n.
func fastOptions(b asn1.BitString) uint32 {
	var v uint32
	for i := 0; i < 32; i++ {
		if flagSet(b, i) {
			v |= 1 << uint(i)
		}
	}
	return v
}

func apReqError(err error) error {
	switch {
	case errors.Is(err, krb5.ErrIntegrity):
		return protoErr(errorcode.KRB_AP_ERR_BAD_INTEGRITY, "")
	case errors.Is(err, krb5.ErrTicketExpired):
		return protoErr(errorcode.KRB_AP_ERR_TKT_EXPIRED, "")
	case errors.Is(err, krb5.ErrTicketNotYetValid):
		return protoErr(errorcode.KRB_AP_ERR_TKT_NYV, "")
	case errors.Is(err, krb5.ErrBadMatch):
		return protoErr(errorcode.KRB_AP_ERR_BADMATCH, "")
	case errors.Is(err, krb5.ErrSkew):
		return protoErr(errorcode.KRB_AP_ERR_SKEW, "")
	}
	return protoErr(errorcode.KDC_ERR_PREAUTH_FAILED, "")
}

// sealFastResponse encrypts resp under the armor key and returns the
// PA-FX-FAST item carrying it.
func (r *request) sealFastResponse(resp krb5.KrbFastResponse) (types.PAData, error) {
	if resp.PAData == nil {
		resp.PAData = types.PADataSequence{}
	}
	b, err := krb5.Marshal(resp)
	if err != nil {
		return types.PAData{}, internalErr(err, "encode KrbFastResponse")
	}
	ed, err := krb5.Encrypt(*r.armorKey, keyusage.KEY_USAGE_FAST_REP, b, 0)
	zero(b)
	if err != nil {
		return types.PAData{}, internalErr(err, "encrypt KrbFastResponse")
	}
	rep, err := krb5.EncodePAFXFastReply(krb5.KrbFastArmoredRep{EncFastRep: ed})
	if err != nil {
		return types.PAData{}, internalErr(err, "encode PA-FX-FAST-REPLY")
	}
	return types.PAData{PADataType: patype.PA_FX_FAST, PADataValue: rep}, nil
}

// wrapReply moves the reply padata into an armored KrbFastResponse bound
// to the encoded ticket, and clears the outer client name.
func (r *request) wrapReply(ticket []byte) error {
	cksum, err := krb5.Checksum(*r.armorKey, keyusage.KEY_USAGE_FAST_FINISHED, ticket)
	if err != nil {
		return internalErr(err, "FAST finished checksum")
	}
	resp := krb5.KrbFastResponse{
		PAData: types.PADataSequence(r.rep.PAData),
		Finished: krb5.KrbFastFinished{
			Timestamp:      r.now.UTC().Truncate(time.Second),
			USec:           0,
			CRealm:         r.rep.CRealm,
			CName:          r.rep.CName,
			TicketChecksum: cksum,
		},
		Nonce: r.req.ReqBody.Nonce,
	}
	pa, err := r.sealFastResponse(resp)
	if err != nil {
		return err
	}
	r.rep.PAData = []types.PAData{pa}
	r.rep.CRealm = ""
	r.rep.CName = types.PrincipalName{}
	return nil
}

// mkError builds the KRB-ERROR for err. With an armor key the error is
// carried inside a FAST response and the outer error has no e-text and no
// client name.
func (r *request) mkError(err error) ([]byte, error) {
	pe := asProtocolError(err)
	var ie *InternalError
	if errors.As(err, &ie) {
		r.errorf(kdclog.AreaGeneral, "%+v", ie.cause)
	}

	realm := r.k.config.Realm
	var cname, sname types.PrincipalName
	var crealm string
	if r.req != nil {
		if r.req.ReqBody.Realm != "" {
			realm = r.req.ReqBody.Realm
		}
		sname = r.req.ReqBody.SName
		cname = r.req.ReqBody.CName
		crealm = r.req.ReqBody.Realm
	}
	ke := messages.KRBError{
		PVNO:      5,
		MsgType:   msgtype.KRB_ERROR,
		STime:     r.now.UTC().Truncate(time.Second),
		Susec:     r.now.Nanosecond() / 1000,
		ErrorCode: pe.Code,
		Realm:     realm,
		SName:     sname,
		EText:     pe.Text,
	}
	if len(cname.NameString) > 0 {
		ke.CName = cname
		ke.CRealm = crealm
	}

	if r.armorKey == nil {
		if len(r.errorMethod) > 0 {
			md, err := krb5.EncodeMethodData(r.errorMethod)
			if err != nil {
				return nil, internalErr(err, "encode METHOD-DATA")
			}
			ke.EData = md
		}
		return r.encodeError(ke)
	}

	inner, err := r.encodeError(ke)
	if err != nil {
		return nil, err
	}
	pas := append(types.PADataSequence{}, r.errorMethod...)
	pas = append(pas, types.PAData{PADataType: patype.PA_FX_ERROR, PADataValue: inner})
	nonce := 0
	if r.req != nil {
		nonce = r.req.ReqBody.Nonce
	}
	fx, err := r.sealFastResponse(krb5.KrbFastResponse{PAData: pas, Nonce: nonce})
	if err != nil {
		return nil, err
	}
	md, err := krb5.EncodeMethodData(types.MethodData{fx})
	if err != nil {
		return nil, internalErr(err, "encode METHOD-DATA")
	}
	ke.EText = ""
	ke.CName = types.PrincipalName{}
	ke.CRealm = ""
	ke.EData = md
	return r.encodeError(ke)
}

func (r *request) encodeError(ke messages.KRBError) ([]byte, error) {
	b, err := krb5.EncodeKRBError(ke)
	if err != nil {
		return nil, internalErr(err, "encode KRB-ERROR")
	}
	return b, nil
}
