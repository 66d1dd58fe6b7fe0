package krb5

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/jcmturner/gokrb5/v8/iana"
	"github.com/jcmturner/gokrb5/v8/iana/errorcode"
	"github.com/jcmturner/gokrb5/v8/iana/flags"
	"github.com/jcmturner/gokrb5/v8/iana/keyusage"
	"github.com/jcmturner/gokrb5/v8/iana/msgtype"
	"github.com/jcmturner/gokrb5/v8/iana/nametype"
	"github.com/jcmturner/gokrb5/v8/iana/patype"
	"github.com/jcmturner/gokrb5/v8/messages"
	"github.com/jcmturner/gokrb5/v8/types"
)

// Client performs AS exchanges against a KDC. It is used by the probe
// command and by tests.
type Client struct {
	principal types.PrincipalName
	realm     string
	password  string
	kdcAddr   string

	// ETypes is the enctype list sent in requests, most preferred first.
	ETypes []int32

	armor *Armor
}

// Armor is a ticket and its session key used to armor FAST requests.
type Armor struct {
	Ticket     messages.Ticket
	SessionKey types.EncryptionKey
	// CName and CRealm name the ticket's client.
	CName  types.PrincipalName
	CRealm string
}

// ASResult is a decrypted AS-REP.
type ASResult struct {
	Rep      messages.ASRep
	EncPart  messages.EncKDCRepPart
	ReplyKey types.EncryptionKey
	// Fast is the decrypted FAST response of an armored exchange.
	Fast *KrbFastResponse
}

// Armor returns the issued ticket for use as FAST armor.
func (r *ASResult) Armor() Armor {
	a := Armor{Ticket: r.Rep.Ticket, SessionKey: r.EncPart.Key, CName: r.Rep.CName, CRealm: r.Rep.CRealm}
	if r.Fast != nil {
		a.CName = r.Fast.Finished.CName
		a.CRealm = r.Fast.Finished.CRealm
	}
	return a
}

// NewClient creates a new Kerberos client.
func NewClient(principal, realm, password, kdcAddr string) *Client {
	return &Client{
		principal: ParsePrincipal(principal),
		realm:     realm,
		password:  password,
		kdcAddr:   kdcAddr,
		ETypes:    []int32{ETypeAES256SHA1, ETypeAES128SHA1},
	}
}

// SetArmor makes the client wrap its requests in FAST using armor.
func (c *Client) SetArmor(armor *Armor) {
	c.armor = armor
}

// GetTGT obtains a ticket for krbtgt/REALM, answering a preauth-required
// error with encrypted timestamp (or encrypted challenge when armored).
func (c *Client) GetTGT() (*ASResult, error) {
	sname := types.PrincipalName{NameType: nametype.KRB_NT_SRV_INST, NameString: []string{"krbtgt", c.realm}}
	req, err := NewASReq(c.principal, c.realm, sname, c.ETypes, time.Now().Add(10*time.Hour))
	if err != nil {
		return nil, err
	}

	var subkey, armorKey *types.EncryptionKey
	if c.armor != nil {
		sk, err := RandomKey(c.armor.SessionKey.KeyType)
		if err != nil {
			return nil, err
		}
		ak, err := ArmorKey(*c.armor, sk)
		if err != nil {
			return nil, err
		}
		subkey, armorKey = &sk, &ak
	}

	resp, err := c.send(req, subkey)
	if err != nil {
		return nil, err
	}
	krbErr, err := DecodeKRBError(resp)
	if err != nil {
		return nil, err
	}
	if krbErr == nil {
		return nil, fmt.Errorf("KDC issued a ticket without pre-authentication")
	}
	if krbErr.ErrorCode != errorcode.KDC_ERR_PREAUTH_REQUIRED {
		return nil, krbErr
	}
	md, err := ErrorMethodData(*krbErr, armorKey)
	if err != nil {
		return nil, err
	}
	etype, salt, err := saltHint(md, c.principal, c.realm)
	if err != nil {
		return nil, err
	}
	clientKey, err := StringToKey(etype, c.password, salt)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	now := time.Now()
	var pa types.PAData
	if armorKey != nil {
		pa, err = EncChallengePAData(*armorKey, clientKey, now)
	} else {
		pa, err = EncTimestampPAData(clientKey, now)
	}
	if err != nil {
		return nil, err
	}
	req.PAData = types.PADataSequence{pa}
	if req.ReqBody.Nonce, err = randomNonce(); err != nil {
		return nil, err
	}

	resp, err = c.send(req, subkey)
	if err != nil {
		return nil, err
	}
	if krbErr, err = DecodeKRBError(resp); err != nil {
		return nil, err
	} else if krbErr != nil {
		return nil, krbErr
	}
	var rep messages.ASRep
	if err := rep.Unmarshal(resp); err != nil {
		return nil, fmt.Errorf("unmarshal AS-REP: %w", err)
	}
	return OpenASRep(rep, clientKey, armorKey)
}

// send encodes req, armoring it with subkey when the client holds armor,
// and performs the exchange.
func (c *Client) send(req messages.ASReq, subkey *types.EncryptionKey) ([]byte, error) {
	if c.armor != nil {
		armored, err := ArmorASReq(req, *c.armor, *subkey, time.Now())
		if err != nil {
			return nil, err
		}
		req = armored
	}
	data, err := req.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal AS-REQ: %w", err)
	}
	return Exchange(c.kdcAddr, data)
}

// NewASReq builds an AS-REQ with forwardable and renewable-ok options.
func NewASReq(cname types.PrincipalName, realm string, sname types.PrincipalName, etypes []int32, till time.Time) (messages.ASReq, error) {
	nonce, err := randomNonce()
	if err != nil {
		return messages.ASReq{}, err
	}
	opts := types.NewKrbFlags()
	types.SetFlag(&opts, flags.Forwardable)
	types.SetFlag(&opts, flags.RenewableOK)
	return messages.ASReq{
		KDCReqFields: messages.KDCReqFields{
			PVNO:    iana.PVNO,
			MsgType: msgtype.KRB_AS_REQ,
			ReqBody: messages.KDCReqBody{
				KDCOptions: opts,
				CName:      cname,
				Realm:      realm,
				SName:      sname,
				Till:       till.UTC().Truncate(time.Second),
				Nonce:      nonce,
				EType:      etypes,
			},
		},
	}, nil
}

// EncTimestampPAData builds a PA-ENC-TIMESTAMP item for now under key.
func EncTimestampPAData(key types.EncryptionKey, now time.Time) (types.PAData, error) {
	ed, err := encryptTimestamp(key, keyusage.AS_REQ_PA_ENC_TIMESTAMP, now)
	if err != nil {
		return types.PAData{}, err
	}
	b, err := ed.Marshal()
	if err != nil {
		return types.PAData{}, err
	}
	return types.PAData{PADataType: patype.PA_ENC_TIMESTAMP, PADataValue: b}, nil
}

// EncChallengePAData builds a PA-ENCRYPTED-CHALLENGE item for now.
func EncChallengePAData(armorKey, clientKey types.EncryptionKey, now time.Time) (types.PAData, error) {
	challengeKey, err := CF2(armorKey.KeyType, armorKey, "clientchallengearmor", clientKey, "challengelongterm")
	if err != nil {
		return types.PAData{}, err
	}
	ed, err := encryptTimestamp(challengeKey, keyusage.KEY_USAGE_ENC_CHALLENGE_CLIENT, now)
	if err != nil {
		return types.PAData{}, err
	}
	b, err := ed.Marshal()
	if err != nil {
		return types.PAData{}, err
	}
	return types.PAData{PADataType: patype.PA_ENCRYPTED_CHALLENGE, PADataValue: b}, nil
}

func encryptTimestamp(key types.EncryptionKey, usage uint32, now time.Time) (types.EncryptedData, error) {
	now = now.UTC()
	ts := types.PAEncTSEnc{
		PATimestamp: now.Truncate(time.Second),
		PAUSec:      now.Nanosecond() / 1000,
	}
	tsBytes, err := Marshal(ts)
	if err != nil {
		return types.EncryptedData{}, fmt.Errorf("marshal timestamp: %w", err)
	}
	return Encrypt(key, usage, tsBytes, 0)
}

// ArmorKey derives the FAST armor key from an authenticator subkey and the
// armor ticket's session key.
func ArmorKey(armor Armor, subkey types.EncryptionKey) (types.EncryptionKey, error) {
	return CF2(subkey.KeyType, subkey, "subkeyarmor", armor.SessionKey, "ticketarmor")
}

// ArmorASReq wraps req in FAST using armor and subkey. The outer request
// keeps the body and carries a single PA-FX-FAST item; the inner request
// carries the original pre-authentication data.
func ArmorASReq(req messages.ASReq, armor Armor, subkey types.EncryptionKey, now time.Time) (messages.ASReq, error) {
	apReq, err := NewArmorAPReq(armor, subkey, now)
	if err != nil {
		return req, err
	}
	apReqBytes, err := apReq.Marshal()
	if err != nil {
		return req, err
	}
	armorKey, err := ArmorKey(armor, subkey)
	if err != nil {
		return req, err
	}

	body, err := req.ReqBody.Marshal()
	if err != nil {
		return req, err
	}
	inner, err := EncodeKrbFastReq(types.NewKrbFlags(), req.PAData, body)
	if err != nil {
		return req, err
	}
	encInner, err := Encrypt(armorKey, keyusage.KEY_USAGE_FAST_ENC, inner, 0)
	if err != nil {
		return req, err
	}
	cksum, err := Checksum(armorKey, keyusage.KEY_USAGE_FAST_REQ_CHKSUM, body)
	if err != nil {
		return req, err
	}
	fx, err := EncodePAFXFastRequest(KrbFastArmoredReq{
		Armor:       KrbFastArmor{ArmorType: ArmorTypeAPRequest, ArmorValue: apReqBytes},
		ReqChecksum: cksum,
		EncFastReq:  encInner,
	})
	if err != nil {
		return req, err
	}
	req.PAData = types.PADataSequence{{PADataType: patype.PA_FX_FAST, PADataValue: fx}}
	return req, nil
}

// NewArmorAPReq builds the AP-REQ carried as FAST armor. The authenticator
// is encrypted with key usage 11 whatever the ticket's service is.
func NewArmorAPReq(armor Armor, subkey types.EncryptionKey, now time.Time) (messages.APReq, error) {
	now = now.UTC()
	auth := types.Authenticator{
		AVNO:   iana.PVNO,
		CRealm: armor.CRealm,
		CName:  armor.CName,
		Cusec:  now.Nanosecond() / 1000,
		CTime:  now.Truncate(time.Second),
		SubKey: subkey,
	}
	return NewAPReqFor(armor, auth)
}

// NewAPReqFor encrypts auth under the armor session key.
func NewAPReqFor(armor Armor, auth types.Authenticator) (messages.APReq, error) {
	b, err := auth.Marshal()
	if err != nil {
		return messages.APReq{}, err
	}
	ed, err := Encrypt(armor.SessionKey, keyusage.AP_REQ_AUTHENTICATOR, b, armor.Ticket.EncPart.KVNO)
	if err != nil {
		return messages.APReq{}, err
	}
	return messages.APReq{
		PVNO:                   iana.PVNO,
		MsgType:                msgtype.KRB_AP_REQ,
		APOptions:              types.NewKrbFlags(),
		Ticket:                 armor.Ticket,
		EncryptedAuthenticator: ed,
	}, nil
}

// DecodeKRBError returns the KRB-ERROR in data, or nil when data is another
// message.
func DecodeKRBError(data []byte) (*messages.KRBError, error) {
	mt, err := MsgType(data)
	if err != nil {
		return nil, err
	}
	if mt != msgtype.KRB_ERROR {
		return nil, nil
	}
	var e messages.KRBError
	if err := e.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("unmarshal KRB-ERROR: %w", err)
	}
	return &e, nil
}

// ErrorMethodData returns the METHOD-DATA of a KRB-ERROR. For an armored
// error it is taken from the FAST response inside e-data.
func ErrorMethodData(e messages.KRBError, armorKey *types.EncryptionKey) (types.MethodData, error) {
	var md types.MethodData
	if len(e.EData) == 0 {
		return md, nil
	}
	if err := unmarshalExact(e.EData, &md); err != nil {
		return nil, fmt.Errorf("unmarshal METHOD-DATA: %w", err)
	}
	if armorKey == nil {
		return md, nil
	}
	fx := FindPAData(types.PADataSequence(md), patype.PA_FX_FAST)
	if fx == nil {
		return nil, fmt.Errorf("armored error without PA-FX-FAST")
	}
	rep, err := OpenFastReply(fx.PADataValue, *armorKey)
	if err != nil {
		return nil, err
	}
	return types.MethodData(rep.PAData), nil
}

// OpenFastReply decrypts a PA-FX-FAST-REPLY payload with the armor key.
func OpenFastReply(data []byte, armorKey types.EncryptionKey) (*KrbFastResponse, error) {
	armored, err := DecodePAFXFastReply(data)
	if err != nil {
		return nil, err
	}
	plain, err := Decrypt(armorKey, keyusage.KEY_USAGE_FAST_REP, armored.EncFastRep)
	if err != nil {
		return nil, fmt.Errorf("decrypt FAST reply: %w", err)
	}
	return DecodeKrbFastResponse(plain)
}

// OpenASRep decrypts the reply part with the reply key. For an armored
// exchange the FAST response is decrypted first.
func OpenASRep(rep messages.ASRep, replyKey types.EncryptionKey, armorKey *types.EncryptionKey) (*ASResult, error) {
	res := &ASResult{Rep: rep, ReplyKey: replyKey}
	if armorKey != nil {
		fx := FindPAData(types.PADataSequence(rep.PAData), patype.PA_FX_FAST)
		if fx == nil {
			return nil, fmt.Errorf("armored reply without PA-FX-FAST")
		}
		fast, err := OpenFastReply(fx.PADataValue, *armorKey)
		if err != nil {
			return nil, err
		}
		res.Fast = fast
	}
	plain, err := Decrypt(replyKey, keyusage.AS_REP_ENCPART, rep.EncPart)
	if err != nil {
		return nil, fmt.Errorf("decrypt AS-REP: %w", err)
	}
	if err := res.EncPart.Unmarshal(plain); err != nil {
		return nil, fmt.Errorf("unmarshal EncKDCRepPart: %w", err)
	}
	return res, nil
}

// saltHint picks the enctype and salt from ETYPE-INFO2 in md, falling back
// to the principal's default salt.
func saltHint(md types.MethodData, cname types.PrincipalName, realm string) (int32, string, error) {
	pa := FindPAData(types.PADataSequence(md), patype.PA_ETYPE_INFO2)
	if pa == nil {
		return 0, "", fmt.Errorf("no PA-ETYPE-INFO2 in preauth-required error")
	}
	info, err := pa.GetETypeInfo2()
	if err != nil {
		return 0, "", err
	}
	if len(info) == 0 {
		return 0, "", fmt.Errorf("empty PA-ETYPE-INFO2")
	}
	salt := info[0].Salt
	if salt == "" {
		salt = cname.GetSalt(realm)
	}
	return info[0].EType, salt, nil
}

// Exchange sends a request over TCP with the four byte length prefix and
// returns the reply.
func Exchange(kdcAddr string, data []byte) ([]byte, error) {
	conn, err := net.DialTimeout("tcp", kdcAddr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connect to KDC: %w", err)
	}
	defer conn.Close()

	// Send with length prefix
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(data)))

	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Write(append(lenBuf, data...)); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	// Read response
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(conn, lenBuf); err != nil {
		return nil, fmt.Errorf("read length: %w", err)
	}

	respLen := binary.BigEndian.Uint32(lenBuf)
	if respLen > 65535 {
		return nil, fmt.Errorf("response too large: %d", respLen)
	}

	resp := make([]byte, respLen)
	if _, err := io.ReadFull(conn, resp); err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return resp, nil
}

func randomNonce() (int, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	// Use 31 bits to ensure positive value
	return int(binary.BigEndian.Uint32(buf[:]) & 0x7FFFFFFF), nil
}

// ParsePrincipal parses "name", "service/host" or "a/b/c" into a principal
// name. A realm suffix is not accepted here.
func ParsePrincipal(s string) types.PrincipalName {
	parts := strings.Split(s, "/")
	if len(parts) == 1 {
		return types.PrincipalName{
			NameType:   nametype.KRB_NT_PRINCIPAL,
			NameString: parts,
		}
	}
	return types.PrincipalName{
		NameType:   nametype.KRB_NT_SRV_INST,
		NameString: parts,
	}
}
