// Package krb5 holds the Kerberos 5 wire codec and crypto engine used by the KDC.
//
// Standard RFC 4120 messages come from gokrb5. This package adds what the
// KDC needs beyond them:
//   - AS-REQ decoding that keeps the wire bytes of the request body
//   - EncTicketPart and EncKDCRepPart encoding, with the reply tag selectable
//   - FAST (RFC 6113) structures, canonicalization proofs and the signed path
//   - encoders that compare the declared DER length with the buffer length
package krb5

import (
	stdasn1 "encoding/asn1"
	"errors"
	"fmt"
	"time"

	"github.com/jcmturner/gofork/encoding/asn1"
	"github.com/jcmturner/gokrb5/v8/asn1tools"
	"github.com/jcmturner/gokrb5/v8/iana/asnAppTag"
	"github.com/jcmturner/gokrb5/v8/iana/msgtype"
	"github.com/jcmturner/gokrb5/v8/messages"
	"github.com/jcmturner/gokrb5/v8/types"
)

// Kerberos APPLICATION tags (RFC 4120)
const (
	AppTagEncTicketPart = 3
	AppTagEncASRepPart  = 25
	AppTagEncTGSRepPart = 26
)

// Pre-authentication types not named by gokrb5, or named differently.
const (
	PAPKASReqWin              = 15  // PA-PK-AS-REQ-WIN
	PATypeClientCanonicalized = 133 // PA-CLIENT-CANONICALIZED
)

// Key usage numbers not named by gokrb5.
const (
	KeyUsageASReq              = 56 // checksum over the AS-REQ in PA-REQ-ENC-PA-REP
	KeyUsageCanonicalizedNames = 1023
	KeyUsageSignedPath         = 1<<32 - 21 // -21 as an unsigned 32 bit value
)

// Authorization data types.
const (
	ADSignTicket = 512
)

// Armor types (RFC 6113 section 5.4.1)
const (
	ArmorTypeAPRequest = 1
)

// Transited encoding types (RFC 4120 section 5.3)
const (
	TransitedDomainX500Compress = 1
)

// Flag bits that gokrb5 numbers after an older draft, or not at all.
const (
	KDCOptionCanonicalize     = 15
	KDCOptionRequestAnonymous = 16
	TicketFlagEncPARep        = 15
	TicketFlagAnonymous       = 16
)

// ErrLengthMismatch is returned when an encoder's declared length differs
// from the number of bytes it produced.
var ErrLengthMismatch = errors.New("internal asn.1 error: encoded length mismatch")

// ASReq is a decoded AS-REQ that keeps the wire bytes it was parsed from.
type ASReq struct {
	messages.ASReq
	// Raw is the complete request as received.
	Raw []byte
	// RawBody is the encoded KDC-REQ-BODY as it appeared on the wire.
	RawBody []byte
}

type marshalKDCReq struct {
	PVNO    int                  `asn1:"explicit,tag:1"`
	MsgType int                  `asn1:"explicit,tag:2"`
	PAData  types.PADataSequence `asn1:"explicit,optional,tag:3"`
	ReqBody asn1.RawValue        `asn1:"explicit,tag:4"`
}

// DecodeASReq unmarshals an AS-REQ from APPLICATION 10 tagged data.
func DecodeASReq(data []byte) (*ASReq, error) {
	var m marshalKDCReq
	rest, err := asn1.UnmarshalWithParams(data, &m, fmt.Sprintf("application,explicit,tag:%d", asnAppTag.ASREQ))
	if err != nil {
		return nil, fmt.Errorf("unmarshal AS-REQ: %w", err)
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("unmarshal AS-REQ: %d trailing bytes", len(rest))
	}
	if m.MsgType != msgtype.KRB_AS_REQ {
		return nil, fmt.Errorf("unmarshal AS-REQ: message type %d", m.MsgType)
	}
	req := &ASReq{Raw: data, RawBody: m.ReqBody.Bytes}
	if err := req.ReqBody.Unmarshal(m.ReqBody.Bytes); err != nil {
		return nil, fmt.Errorf("unmarshal AS-REQ body: %w", err)
	}
	req.PVNO = m.PVNO
	req.MsgType = m.MsgType
	req.PAData = m.PAData
	return req, nil
}

// FindPAData returns the first item of type patype, or nil.
func FindPAData(pas types.PADataSequence, patype int32) *types.PAData {
	for i := range pas {
		if pas[i].PADataType == patype {
			return &pas[i]
		}
	}
	return nil
}

// KrbFastArmor is the armor carried by a FAST request.
type KrbFastArmor struct {
	ArmorType  int32  `asn1:"explicit,tag:0"`
	ArmorValue []byte `asn1:"explicit,tag:1"`
}

// KrbFastArmoredReq is the armored-data choice of PA-FX-FAST-REQUEST.
type KrbFastArmoredReq struct {
	Armor       KrbFastArmor        `asn1:"explicit,optional,tag:0"`
	ReqChecksum types.Checksum      `asn1:"explicit,tag:1"`
	EncFastReq  types.EncryptedData `asn1:"explicit,tag:2"`
}

// HasArmor reports whether the armor field was present.
func (a *KrbFastArmoredReq) HasArmor() bool {
	return a.Armor.ArmorType != 0 || len(a.Armor.ArmorValue) > 0
}

// KrbFastReq is the protected inner request.
type KrbFastReq struct {
	FastOptions asn1.BitString       `asn1:"explicit,tag:0"`
	PAData      types.PADataSequence `asn1:"explicit,tag:1"`
	ReqBody     asn1.RawValue        `asn1:"explicit,tag:2"`
}

// Body decodes the inner KDC-REQ-BODY. The result does not share memory
// with r, so the decrypted request can be wiped afterwards.
func (r *KrbFastReq) Body() (messages.KDCReqBody, error) {
	var b messages.KDCReqBody
	err := b.Unmarshal(append([]byte(nil), r.ReqBody.Bytes...))
	return b, err
}

// KrbFastFinished binds the reply ticket to the armor key.
type KrbFastFinished struct {
	Timestamp      time.Time           `asn1:"generalized,explicit,tag:0"`
	USec           int                 `asn1:"explicit,tag:1"`
	CRealm         string              `asn1:"generalstring,explicit,tag:2"`
	CName          types.PrincipalName `asn1:"explicit,tag:3"`
	TicketChecksum types.Checksum      `asn1:"explicit,tag:4"`
}

// KrbFastResponse is the protected inner reply.
type KrbFastResponse struct {
	PAData        types.PADataSequence `asn1:"explicit,tag:0"`
	StrengthenKey types.EncryptionKey  `asn1:"explicit,optional,tag:1"`
	Finished      KrbFastFinished      `asn1:"explicit,optional,tag:2"`
	Nonce         int                  `asn1:"explicit,tag:3"`
}

// KrbFastArmoredRep is the armored-data choice of PA-FX-FAST-REPLY.
type KrbFastArmoredRep struct {
	EncFastRep types.EncryptedData `asn1:"explicit,tag:0"`
}

// PAPACRequest is the PA-PAC-REQUEST payload.
type PAPACRequest struct {
	IncludePAC bool `asn1:"explicit,tag:0"`
}

// PAClientCanonicalizedNames is the signed part of PA-CLIENT-CANONICALIZED.
type PAClientCanonicalizedNames struct {
	RequestedName types.PrincipalName `asn1:"explicit,tag:0"`
	MappedName    types.PrincipalName `asn1:"explicit,tag:1"`
}

// PAClientCanonicalized proves the mapping from requested to canonical name.
type PAClientCanonicalized struct {
	Names         PAClientCanonicalizedNames `asn1:"explicit,tag:0"`
	CanonChecksum types.Checksum             `asn1:"explicit,tag:1"`
}

// Principal is a name together with its realm.
type Principal struct {
	Name  types.PrincipalName `asn1:"explicit,tag:0"`
	Realm string              `asn1:"generalstring,explicit,tag:1"`
}

// SignedPathData is the checksummed input of a signed path.
type SignedPathData struct {
	Client     Principal        `asn1:"explicit,optional,tag:0"`
	AuthTime   time.Time        `asn1:"generalized,explicit,tag:1"`
	Delegated  []Principal      `asn1:"explicit,optional,tag:2"`
	MethodData types.MethodData `asn1:"explicit,optional,tag:3"`
}

// SignedPath is carried in the ticket as AD-SIGNTICKET.
type SignedPath struct {
	EType      int32            `asn1:"explicit,tag:0"`
	Cksum      types.Checksum   `asn1:"explicit,tag:1"`
	Delegated  []Principal      `asn1:"explicit,optional,tag:2"`
	MethodData types.MethodData `asn1:"explicit,optional,tag:3"`
}

// DecodePAFXFastRequest decodes a PA-FX-FAST-REQUEST. Only the
// armored-data choice is known; trailing bytes are an error.
func DecodePAFXFastRequest(data []byte) (*KrbFastArmoredReq, error) {
	inner, err := unwrapChoice(data, 0)
	if err != nil {
		return nil, fmt.Errorf("PA-FX-FAST-REQUEST: %w", err)
	}
	var req KrbFastArmoredReq
	if err := unmarshalExact(inner, &req); err != nil {
		return nil, fmt.Errorf("KrbFastArmoredReq: %w", err)
	}
	return &req, nil
}

// EncodePAFXFastRequest encodes req as the armored-data choice.
func EncodePAFXFastRequest(req KrbFastArmoredReq) ([]byte, error) {
	b, err := asn1.Marshal(req)
	if err != nil {
		return nil, err
	}
	return wrapExplicit(0, b), nil
}

// DecodeKrbFastReq decodes the decrypted inner request.
func DecodeKrbFastReq(data []byte) (*KrbFastReq, error) {
	var req KrbFastReq
	if err := unmarshalExact(data, &req); err != nil {
		return nil, fmt.Errorf("KrbFastReq: %w", err)
	}
	return &req, nil
}

// EncodeKrbFastReq encodes the inner request around an encoded body.
func EncodeKrbFastReq(options asn1.BitString, pas types.PADataSequence, body []byte) ([]byte, error) {
	if pas == nil {
		pas = types.PADataSequence{}
	}
	req := KrbFastReq{
		FastOptions: options,
		PAData:      pas,
		ReqBody: asn1.RawValue{
			Class:      asn1.ClassContextSpecific,
			Tag:        2,
			IsCompound: true,
			Bytes:      body,
		},
	}
	return Marshal(req)
}

// EncodePAFXFastReply encodes rep as the armored-data choice.
func EncodePAFXFastReply(rep KrbFastArmoredRep) ([]byte, error) {
	b, err := Marshal(rep)
	if err != nil {
		return nil, err
	}
	return wrapExplicit(0, b), nil
}

// DecodePAFXFastReply decodes a PA-FX-FAST-REPLY.
func DecodePAFXFastReply(data []byte) (*KrbFastArmoredRep, error) {
	inner, err := unwrapChoice(data, 0)
	if err != nil {
		return nil, fmt.Errorf("PA-FX-FAST-REPLY: %w", err)
	}
	var rep KrbFastArmoredRep
	if err := unmarshalExact(inner, &rep); err != nil {
		return nil, fmt.Errorf("KrbFastArmoredRep: %w", err)
	}
	return &rep, nil
}

// DecodeKrbFastResponse decodes the decrypted inner reply.
func DecodeKrbFastResponse(data []byte) (*KrbFastResponse, error) {
	var rep KrbFastResponse
	if err := unmarshalExact(data, &rep); err != nil {
		return nil, fmt.Errorf("KrbFastResponse: %w", err)
	}
	return &rep, nil
}

// EncodeETypeInfo encodes a PA-ETYPE-INFO payload.
func EncodeETypeInfo(entries types.ETypeInfo) ([]byte, error) {
	return Marshal(entries)
}

// EncodeETypeInfo2 encodes a PA-ETYPE-INFO2 payload.
func EncodeETypeInfo2(entries types.ETypeInfo2) ([]byte, error) {
	return Marshal(entries)
}

// EncodeMethodData encodes a METHOD-DATA sequence.
func EncodeMethodData(md types.MethodData) ([]byte, error) {
	if md == nil {
		md = types.MethodData{}
	}
	return Marshal(md)
}

// EncodeADIfRelevant wraps the entries in an AD-IF-RELEVANT element.
func EncodeADIfRelevant(entries types.AuthorizationData) (types.AuthorizationDataEntry, error) {
	b, err := Marshal(entries)
	if err != nil {
		return types.AuthorizationDataEntry{}, err
	}
	return types.AuthorizationDataEntry{ADType: 1, ADData: b}, nil
}

// EncodeTicket encodes a Ticket with its APPLICATION 1 tag.
func EncodeTicket(t messages.Ticket) ([]byte, error) {
	b, err := t.Marshal()
	if err != nil {
		return nil, err
	}
	return b, checkDeclaredLength(b)
}

// EncodeASRep encodes an AS-REP.
func EncodeASRep(rep messages.ASRep) ([]byte, error) {
	b, err := rep.Marshal()
	if err != nil {
		return nil, err
	}
	return b, checkDeclaredLength(b)
}

// EncodeKRBError encodes a KRB-ERROR.
func EncodeKRBError(e messages.KRBError) ([]byte, error) {
	b, err := e.Marshal()
	if err != nil {
		return nil, err
	}
	return b, checkDeclaredLength(b)
}

// Marshal DER encodes v and checks the result against its declared length.
func Marshal(v interface{}) ([]byte, error) {
	b, err := asn1.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, checkDeclaredLength(b)
}

// EncodeEncTicketPart marshals EncTicketPart with APPLICATION 3 tag.
// gokrb5 has no encoder for it; the fields are written in tag order.
func EncodeEncTicketPart(e messages.EncTicketPart) ([]byte, error) {
	var parts []byte

	// Tag 0: flags
	flags, err := asn1.Marshal(e.Flags)
	if err != nil {
		return nil, err
	}
	parts = append(parts, wrapExplicit(0, flags)...)

	// Tag 1: key
	key, err := asn1.Marshal(e.Key)
	if err != nil {
		return nil, err
	}
	parts = append(parts, wrapExplicit(1, key)...)

	// Tag 2: crealm
	parts = append(parts, wrapExplicit(2, marshalGeneralString(e.CRealm))...)

	// Tag 3: cname
	parts = append(parts, wrapExplicit(3, marshalPrincipalName(e.CName))...)

	// Tag 4: transited
	transited, err := asn1.Marshal(e.Transited)
	if err != nil {
		return nil, err
	}
	parts = append(parts, wrapExplicit(4, transited)...)

	// Tag 5: authtime
	authTime, err := marshalTime(e.AuthTime)
	if err != nil {
		return nil, err
	}
	parts = append(parts, wrapExplicit(5, authTime)...)

	// Tag 6: starttime (optional)
	if !e.StartTime.IsZero() {
		startTime, err := marshalTime(e.StartTime)
		if err != nil {
			return nil, err
		}
		parts = append(parts, wrapExplicit(6, startTime)...)
	}

	// Tag 7: endtime
	endTime, err := marshalTime(e.EndTime)
	if err != nil {
		return nil, err
	}
	parts = append(parts, wrapExplicit(7, endTime)...)

	// Tag 8: renew-till (optional)
	if !e.RenewTill.IsZero() {
		renewTill, err := marshalTime(e.RenewTill)
		if err != nil {
			return nil, err
		}
		parts = append(parts, wrapExplicit(8, renewTill)...)
	}

	// Tag 9: caddr (optional)
	if len(e.CAddr) > 0 {
		caddr, err := asn1.Marshal(e.CAddr)
		if err != nil {
			return nil, err
		}
		parts = append(parts, wrapExplicit(9, caddr)...)
	}

	// Tag 10: authorization-data (optional)
	if len(e.AuthorizationData) > 0 {
		authData, err := asn1.Marshal(e.AuthorizationData)
		if err != nil {
			return nil, err
		}
		parts = append(parts, wrapExplicit(10, authData)...)
	}

	b := wrapApplication(AppTagEncTicketPart, wrapSequence(parts))
	return b, checkDeclaredLength(b)
}

// EncodeEncKDCRepPart marshals EncKDCRepPart with the given APPLICATION tag,
// 25 for EncASRepPart or 26 for EncTGSRepPart.
func EncodeEncKDCRepPart(e messages.EncKDCRepPart, appTag int) ([]byte, error) {
	var parts []byte

	// Tag 0: key
	key, err := asn1.Marshal(e.Key)
	if err != nil {
		return nil, err
	}
	parts = append(parts, wrapExplicit(0, key)...)

	// Tag 1: last-req
	lastReq, err := marshalLastReq(e.LastReqs)
	if err != nil {
		return nil, err
	}
	parts = append(parts, wrapExplicit(1, lastReq)...)

	// Tag 2: nonce
	nonce, err := asn1.Marshal(e.Nonce)
	if err != nil {
		return nil, err
	}
	parts = append(parts, wrapExplicit(2, nonce)...)

	// Tag 3: key-expiration (optional)
	if !e.KeyExpiration.IsZero() {
		keyExp, err := marshalTime(e.KeyExpiration)
		if err != nil {
			return nil, err
		}
		parts = append(parts, wrapExplicit(3, keyExp)...)
	}

	// Tag 4: flags
	flags, err := asn1.Marshal(e.Flags)
	if err != nil {
		return nil, err
	}
	parts = append(parts, wrapExplicit(4, flags)...)

	// Tag 5: authtime
	authTime, err := marshalTime(e.AuthTime)
	if err != nil {
		return nil, err
	}
	parts = append(parts, wrapExplicit(5, authTime)...)

	// Tag 6: starttime (optional)
	if !e.StartTime.IsZero() {
		startTime, err := marshalTime(e.StartTime)
		if err != nil {
			return nil, err
		}
		parts = append(parts, wrapExplicit(6, startTime)...)
	}

	// Tag 7: endtime
	endTime, err := marshalTime(e.EndTime)
	if err != nil {
		return nil, err
	}
	parts = append(parts, wrapExplicit(7, endTime)...)

	// Tag 8: renew-till (optional)
	if !e.RenewTill.IsZero() {
		renewTill, err := marshalTime(e.RenewTill)
		if err != nil {
			return nil, err
		}
		parts = append(parts, wrapExplicit(8, renewTill)...)
	}

	// Tag 9: srealm
	parts = append(parts, wrapExplicit(9, marshalGeneralString(e.SRealm))...)

	// Tag 10: sname
	parts = append(parts, wrapExplicit(10, marshalPrincipalName(e.SName))...)

	// Tag 11: caddr (optional)
	if len(e.CAddr) > 0 {
		caddr, err := asn1.Marshal(e.CAddr)
		if err != nil {
			return nil, err
		}
		parts = append(parts, wrapExplicit(11, caddr)...)
	}

	// Tag 12: encrypted-pa-data (optional)
	if len(e.EncPAData) > 0 {
		pas, err := asn1.Marshal(e.EncPAData)
		if err != nil {
			return nil, err
		}
		parts = append(parts, wrapExplicit(12, pas)...)
	}

	b := wrapApplication(appTag, wrapSequence(parts))
	return b, checkDeclaredLength(b)
}

// marshalLastReq marshals LastReq as a SEQUENCE OF LastReqEntry.
func marshalLastReq(entries []messages.LastReq) ([]byte, error) {
	var entriesBytes []byte
	for _, entry := range entries {
		var parts []byte

		// Tag 0: lr-type
		lrType, err := asn1.Marshal(entry.LRType)
		if err != nil {
			return nil, err
		}
		parts = append(parts, wrapExplicit(0, lrType)...)

		// Tag 1: lr-value
		lrValue, err := marshalTime(entry.LRValue)
		if err != nil {
			return nil, err
		}
		parts = append(parts, wrapExplicit(1, lrValue)...)

		entriesBytes = append(entriesBytes, wrapSequence(parts)...)
	}
	return wrapSequence(entriesBytes), nil
}

// marshalTime encodes a KerberosTime: UTC, whole seconds.
func marshalTime(t time.Time) ([]byte, error) {
	// gofork has no MarshalWithParams.
	return stdasn1.MarshalWithParams(t.UTC().Truncate(time.Second), "generalized")
}

// wrapExplicit wraps content in a CONTEXT-SPECIFIC explicit tag.
func wrapExplicit(tag int, content []byte) []byte {
	return wrapTag(asn1.ClassContextSpecific, tag, true, content)
}

// wrapApplication wraps content in an APPLICATION tag.
func wrapApplication(tag int, content []byte) []byte {
	return wrapTag(asn1.ClassApplication, tag, true, content)
}

// wrapSequence wraps content in a SEQUENCE.
func wrapSequence(content []byte) []byte {
	return wrapTag(asn1.ClassUniversal, asn1.TagSequence, true, content)
}

// marshalGeneralString encodes a string as ASN.1 GeneralString (tag 27).
func marshalGeneralString(s string) []byte {
	return wrapTag(asn1.ClassUniversal, asn1.TagGeneralString, false, []byte(s))
}

// marshalPrincipalName marshals a PrincipalName with GeneralString encoding.
func marshalPrincipalName(p types.PrincipalName) []byte {
	nameType, _ := asn1.Marshal(p.NameType)
	parts := wrapExplicit(0, nameType)

	var nameStrings []byte
	for _, s := range p.NameString {
		nameStrings = append(nameStrings, marshalGeneralString(s)...)
	}
	parts = append(parts, wrapExplicit(1, wrapSequence(nameStrings))...)

	return wrapSequence(parts)
}

// wrapTag wraps content with an ASN.1 tag. Only low tag numbers are used here.
func wrapTag(class, tag int, isCompound bool, content []byte) []byte {
	tagByte := byte(class << 6)
	if isCompound {
		tagByte |= 0x20
	}
	tagByte |= byte(tag)

	lengthBytes := asn1tools.MarshalLengthBytes(len(content))

	result := make([]byte, 0, 1+len(lengthBytes)+len(content))
	result = append(result, tagByte)
	result = append(result, lengthBytes...)
	result = append(result, content...)
	return result
}

// checkDeclaredLength compares the length in the outer DER header with the
// number of bytes that follow it.
func checkDeclaredLength(b []byte) error {
	if len(b) < 2 {
		return ErrLengthMismatch
	}
	if b[1] > 0x80 && len(b) < 2+int(b[1]-0x80) {
		return ErrLengthMismatch
	}
	declared := 1 + asn1tools.GetNumberBytesInLengthHeader(b) + asn1tools.GetLengthFromASN(b)
	if declared != len(b) {
		return fmt.Errorf("%w: declared %d, have %d", ErrLengthMismatch, declared, len(b))
	}
	return nil
}

// unwrapChoice returns the content of a CHOICE alternative encoded with an
// explicit context tag.
func unwrapChoice(data []byte, tag int) ([]byte, error) {
	var raw asn1.RawValue
	rest, err := asn1.Unmarshal(data, &raw)
	if err != nil {
		return nil, err
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("%d trailing bytes", len(rest))
	}
	if raw.Class != asn1.ClassContextSpecific || raw.Tag != tag {
		return nil, fmt.Errorf("unknown choice class %d tag %d", raw.Class, raw.Tag)
	}
	return raw.Bytes, nil
}

// unmarshalExact unmarshals data into v and rejects trailing bytes.
func unmarshalExact(data []byte, v interface{}) error {
	rest, err := asn1.Unmarshal(data, v)
	if err != nil {
		return err
	}
	if len(rest) > 0 {
		return fmt.Errorf("%d trailing bytes", len(rest))
	}
	return nil
}

// unwrapAppTag extracts the inner content and tag from an APPLICATION-tagged value.
func unwrapAppTag(data []byte) (inner []byte, tag int, err error) {
	var raw asn1.RawValue
	_, err = asn1.Unmarshal(data, &raw)
	if err != nil {
		return nil, 0, fmt.Errorf("unmarshal APPLICATION tag: %w", err)
	}
	if raw.Class != asn1.ClassApplication {
		return nil, 0, fmt.Errorf("expected APPLICATION class, got %d", raw.Class)
	}
	return raw.Bytes, raw.Tag, nil
}

// MsgType returns the message type from a Kerberos message without fully parsing it.
func MsgType(data []byte) (int, error) {
	_, tag, err := unwrapAppTag(data)
	return tag, err
}
