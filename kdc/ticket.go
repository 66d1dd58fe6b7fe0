package kdc

import (
	"time"

	"github.com/jcmturner/gofork/encoding/asn1"
	"github.com/jcmturner/gokrb5/v8/iana/adtype"
	"github.com/jcmturner/gokrb5/v8/iana/errorcode"
	"github.com/jcmturner/gokrb5/v8/iana/flags"
	"github.com/jcmturner/gokrb5/v8/iana/keyusage"
	"github.com/jcmturner/gokrb5/v8/iana/msgtype"
	"github.com/jcmturner/gokrb5/v8/iana/nametype"
	"github.com/jcmturner/gokrb5/v8/iana/patype"
	"github.com/jcmturner/gokrb5/v8/iana/trtype"
	"github.com/jcmturner/gokrb5/v8/messages"
	"github.com/jcmturner/gokrb5/v8/types"
	"github.com/kardianos/gokdc/kdclog"
	"github.com/kardianos/gokdc/krb5"
)

// MaxTime stands in for an unbounded end or renew time.
var MaxTime = time.Unix(1<<31-1, 0).UTC()

// Last request types (RFC 4120 5.4.2).
const (
	lrNone        = 0
	lrPwExpTime   = 6
	lrAcctExpTime = 7
)

// setNames fills the client and service names of the reply and ticket.
func (r *request) setNames() {
	r.rep.PVNO = 5
	r.rep.MsgType = msgtype.KRB_AS_REP
	r.rep.CRealm = r.client.Realm
	r.rep.CName = clonePrincipal(r.client.Principal)

	r.rep.Ticket.TktVNO = 5
	r.rep.Ticket.Realm = r.server.Realm
	r.rep.Ticket.SName = clonePrincipal(r.server.Principal)
	// Some clients expect the name type they asked for.
	switch r.req.ReqBody.SName.NameType {
	case nametype.KRB_NT_UNKNOWN, nametype.KRB_NT_PRINCIPAL, nametype.KRB_NT_SRV_INST,
		nametype.KRB_NT_SRV_HST, nametype.KRB_NT_SRV_XHST:
		r.rep.Ticket.SName.NameType = r.req.ReqBody.SName.NameType
	}

	r.et.CRealm = r.rep.CRealm
	r.et.CName = clonePrincipal(r.rep.CName)
}

func clonePrincipal(p types.PrincipalName) types.PrincipalName {
	return types.PrincipalName{NameType: p.NameType, NameString: append([]string(nil), p.NameString...)}
}

// setFlags copies the requested ticket flags both entries permit.
func (r *request) setFlags(preauthed bool) error {
	opts := r.req.ReqBody.KDCOptions
	c, s := r.client.Flags, r.server.Flags

	r.et.Flags = newFlags()
	setFlag(&r.et.Flags, flags.Initial)
	if preauthed {
		setFlag(&r.et.Flags, flags.PreAuthent)
	}

	type rule struct {
		bit     int
		allowed bool
		name    string
	}
	for _, ru := range []rule{
		{flags.Forwardable, c.Forwardable && s.Forwardable, "forwardable"},
		{flags.Proxiable, c.Proxiable && s.Proxiable, "proxiable"},
		{flags.MayPostDate, c.Postdate && s.Postdate, "postdate"},
	} {
		if !flagSet(opts, ru.bit) {
			continue
		}
		if !ru.allowed {
			r.printf(kdclog.AreaPolicy, "Ticket may not be %s -- %s", ru.name, r.clientName)
			return protoErr(errorcode.KDC_ERR_POLICY, "Ticket may not be "+ru.name)
		}
		setFlag(&r.et.Flags, ru.bit)
	}
	return nil
}

// clampLife limits t to start+max when max is set.
func clampLife(start, t time.Time, max time.Duration) time.Time {
	if max <= 0 {
		return t
	}
	if t.Sub(start) > max {
		return start.Add(max)
	}
	return t
}

// unsetTime reports whether a requested time is absent or the epoch.
func unsetTime(t time.Time) bool {
	return t.IsZero() || t.Unix() == 0
}

// setTimes computes authtime, start, end and renew-till.
func (r *request) setTimes() {
	b := &r.req.ReqBody
	r.et.AuthTime = r.now.UTC().Truncate(time.Second)
	start := r.et.AuthTime

	if flagSet(b.KDCOptions, flags.PostDated) && !b.From.IsZero() {
		r.et.StartTime = b.From.UTC()
		start = r.et.StartTime
		setFlag(&r.et.Flags, flags.Invalid)
		setFlag(&r.et.Flags, flags.PostDated)
	}

	till := b.Till
	if unsetTime(till) {
		till = MaxTime
	}
	end := clampLife(start, till, r.client.MaxLife)
	end = clampLife(start, end, r.server.MaxLife)
	r.et.EndTime = end

	renewable := flagSet(b.KDCOptions, flags.Renewable)
	rtime := b.RTime
	if flagSet(b.KDCOptions, flags.RenewableOK) && end.Before(till) {
		renewable = true
		if rtime.IsZero() || rtime.Before(till) {
			rtime = till
		}
	}
	if renewable && !rtime.IsZero() {
		t := rtime
		if unsetTime(t) {
			t = MaxTime
		}
		t = clampLife(start, t, r.client.MaxRenew)
		t = clampLife(start, t, r.server.MaxRenew)
		if t.Before(end) {
			t = end
		}
		r.et.RenewTill = t
		setFlag(&r.et.Flags, flags.Renewable)
	}
}

// lastReq reports password and account expiry. A single LR_NONE entry is
// sent when neither applies; some decoders reject an empty sequence.
func (r *request) lastReq() []messages.LastReq {
	c := r.client
	var lr []messages.LastReq
	if !c.PwEnd.IsZero() && (r.k.config.WarnPwExpire == 0 || !r.now.Add(r.k.config.WarnPwExpire).Before(c.PwEnd)) {
		lr = append(lr, messages.LastReq{LRType: lrPwExpTime, LRValue: c.PwEnd.UTC()})
	}
	if !c.ValidEnd.IsZero() {
		lr = append(lr, messages.LastReq{LRType: lrAcctExpTime, LRValue: c.ValidEnd.UTC()})
	}
	if len(lr) == 0 {
		lr = append(lr, messages.LastReq{LRType: lrNone, LRValue: time.Unix(0, 0).UTC()})
	}
	return lr
}

func (r *request) keyExpiration() time.Time {
	c := r.client
	switch {
	case c.ValidEnd.IsZero():
		return c.PwEnd
	case c.PwEnd.IsZero() || c.ValidEnd.Before(c.PwEnd):
		return c.ValidEnd
	}
	return c.PwEnd
}

// buildEncParts fills the ticket and the reply part once flags and times
// are set.
func (r *request) buildEncParts() {
	b := &r.req.ReqBody
	if r.anonymousRequested() {
		setFlag(&r.et.Flags, krb5.TicketFlagAnonymous)
	}
	if len(b.Addresses) > 0 {
		r.et.CAddr = append(types.HostAddresses(nil), b.Addresses...)
	}
	r.et.Transited = messages.TransitedEncoding{TRType: trtype.DOMAIN_X500_COMPRESS, Contents: []byte{}}

	r.ek.LastReqs = r.lastReq()
	r.ek.Nonce = b.Nonce
	if exp := r.keyExpiration(); !exp.IsZero() {
		r.ek.KeyExpiration = exp.UTC()
	}
	r.syncEncPart()
	r.ek.SRealm = r.rep.Ticket.Realm
	r.ek.SName = clonePrincipal(r.rep.Ticket.SName)
	if len(r.et.CAddr) > 0 {
		r.ek.CAddr = append([]types.HostAddress(nil), r.et.CAddr...)
	}
}

// syncEncPart copies the ticket flags and times into the reply part.
func (r *request) syncEncPart() {
	r.ek.Flags = asn1.BitString{Bytes: append([]byte(nil), r.et.Flags.Bytes...), BitLength: r.et.Flags.BitLength}
	r.ek.AuthTime = r.et.AuthTime
	r.ek.StartTime = r.et.StartTime
	r.ek.EndTime = r.et.EndTime
	r.ek.RenewTill = r.et.RenewTill
}

// setSessionKey uses the key from PK-INIT when there is one.
func (r *request) setSessionKey() error {
	if r.pkSessionKey != nil {
		r.sessionKey = types.EncryptionKey{
			KeyType:  r.pkSessionKey.KeyType,
			KeyValue: append([]byte(nil), r.pkSessionKey.KeyValue...),
		}
	} else {
		key, err := krb5.RandomKey(r.sessionEtype)
		if err != nil {
			return internalErr(err, "generate session key")
		}
		r.sessionKey = key
	}
	r.et.Key = r.sessionKey
	r.ek.Key = r.sessionKey
	return nil
}

// addCanonicalized proves to the client that the name it asked for maps
// to the returned client name.
func (r *request) addCanonicalized() error {
	names := krb5.PAClientCanonicalizedNames{
		RequestedName: r.req.ReqBody.CName,
		MappedName:    r.client.Principal,
	}
	data, err := krb5.Marshal(names)
	if err != nil {
		return internalErr(err, "encode PA-ClientCanonicalizedNames")
	}
	cksum, err := krb5.Checksum(r.sessionKey, krb5.KeyUsageCanonicalizedNames, data)
	if err != nil {
		return internalErr(err, "canonicalized names checksum")
	}
	b, err := krb5.Marshal(krb5.PAClientCanonicalized{Names: names, CanonChecksum: cksum})
	if err != nil {
		return internalErr(err, "encode PA-ClientCanonicalized")
	}
	r.rep.PAData = append(r.rep.PAData, types.PAData{PADataType: krb5.PATypeClientCanonicalized, PADataValue: b})
	return nil
}

// sendPAC is false only when the client sent PA-PAC-REQUEST declining it.
func (r *request) sendPAC() bool {
	pa := krb5.FindPAData(r.req.PAData, patype.PA_PAC_REQUEST)
	if pa == nil {
		return true
	}
	var req krb5.PAPACRequest
	if _, err := asn1.Unmarshal(pa.PADataValue, &req); err != nil {
		return true
	}
	return req.IncludePAC
}

func (r *request) addPAC() error {
	if r.k.config.PAC == nil || !r.sendPAC() {
		return nil
	}
	pac, err := r.k.config.PAC.GeneratePAC(r.ctx, r.client, r.server, r.serverKey.Key, r.et.AuthTime)
	if err != nil {
		r.printf(kdclog.AreaTicket, "PAC generation failed for -- %s: %v", r.clientName, err)
		return internalErr(err, "generate PAC")
	}
	if pac == nil {
		return nil
	}
	return r.addIfRelevant(adtype.ADWin2KPAC, pac)
}

// addIfRelevant appends data of adType wrapped in its own AD-IF-RELEVANT.
func (r *request) addIfRelevant(adType int32, data []byte) error {
	ad, err := krb5.EncodeADIfRelevant(types.AuthorizationData{{ADType: adType, ADData: data}})
	if err != nil {
		return internalErr(err, "encode AD-IF-RELEVANT")
	}
	r.et.AuthorizationData = append(r.et.AuthorizationData, ad)
	return nil
}

func isKrbtgt(name types.PrincipalName) bool {
	return len(name.NameString) > 0 && name.NameString[0] == "krbtgt"
}

// addSignedPath signs the client and authtime with the krbtgt key. It must
// be the last change to the ticket.
func (r *request) addSignedPath() error {
	if !isKrbtgt(r.server.Principal) {
		return nil
	}
	spd := krb5.SignedPathData{
		Client:   krb5.Principal{Name: r.client.Principal, Realm: r.client.Realm},
		AuthTime: r.et.AuthTime,
	}
	data, err := krb5.Marshal(spd)
	if err != nil {
		return internalErr(err, "encode KRB5SignedPathData")
	}
	cksum, err := krb5.Checksum(r.serverKey.Key, krb5.KeyUsageSignedPath, data)
	if err != nil {
		return internalErr(err, "signed path checksum")
	}
	sp, err := krb5.Marshal(krb5.SignedPath{EType: r.serverKey.Key.KeyType, Cksum: cksum})
	if err != nil {
		return internalErr(err, "encode KRB5SignedPath")
	}
	return r.addIfRelevant(krb5.ADSignTicket, sp)
}

// addEncPARep answers PA-REQ-ENC-PA-REP with a checksum of the request
// inside the encrypted reply.
func (r *request) addEncPARep() error {
	cksum, err := krb5.Checksum(r.replyKey, krb5.KeyUsageASReq, r.req.Raw)
	if err != nil {
		return internalErr(err, "request checksum")
	}
	b, err := krb5.Marshal(cksum)
	if err != nil {
		return internalErr(err, "encode checksum")
	}
	r.ek.EncPAData = types.PADataSequence{
		{PADataType: patype.PA_REQ_ENC_PA_REP, PADataValue: b},
		{PADataType: patype.PA_FX_FAST, PADataValue: []byte{}},
	}
	setFlag(&r.et.Flags, krb5.TicketFlagEncPARep)
	setFlag(&r.ek.Flags, krb5.TicketFlagEncPARep)
	return nil
}

// encodeReply encrypts the ticket and the reply part and encodes the AS-REP.
func (r *request) encodeReply() ([]byte, error) {
	if krb5.FindPAData(r.req.PAData, patype.PA_REQ_ENC_PA_REP) != nil {
		if err := r.addEncPARep(); err != nil {
			return nil, err
		}
	}

	etb, err := krb5.EncodeEncTicketPart(r.et)
	if err != nil {
		return nil, internalErr(err, "encode EncTicketPart")
	}
	r.rep.Ticket.EncPart, err = krb5.Encrypt(r.serverKey.Key, keyusage.KDC_REP_TICKET, etb, r.server.KVNO)
	zero(etb)
	if err != nil {
		return nil, internalErr(err, "encrypt ticket")
	}

	if r.armorKey != nil {
		tb, err := krb5.EncodeTicket(r.rep.Ticket)
		if err != nil {
			return nil, internalErr(err, "encode Ticket")
		}
		if err := r.wrapReply(tb); err != nil {
			return nil, err
		}
	}

	tag := krb5.AppTagEncASRepPart
	if r.k.config.EncodeASRepAsTGSRep {
		tag = krb5.AppTagEncTGSRepPart
	}
	ekb, err := krb5.EncodeEncKDCRepPart(r.ek, tag)
	if err != nil {
		return nil, internalErr(err, "encode EncKDCRepPart")
	}
	r.rep.EncPart, err = krb5.Encrypt(r.replyKey, keyusage.AS_REP_ENCPART, ekb, r.client.KVNO)
	zero(ekb)
	if err != nil {
		return nil, internalErr(err, "encrypt reply")
	}
	b, err := krb5.EncodeASRep(r.rep)
	if err != nil {
		return nil, internalErr(err, "encode AS-REP")
	}
	return b, nil
}
