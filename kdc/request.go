package kdc

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-uuid"
	"github.com/jcmturner/gofork/encoding/asn1"
	"github.com/jcmturner/gokrb5/v8/iana/etypeID"
	"github.com/jcmturner/gokrb5/v8/iana/flags"
	"github.com/jcmturner/gokrb5/v8/messages"
	"github.com/jcmturner/gokrb5/v8/types"
	"github.com/kardianos/gokdc/kdclog"
	"github.com/kardianos/gokdc/krb5"
)

// request carries the state of one AS exchange from decode to reply.
type request struct {
	k        *KDC
	ctx      context.Context
	id       string
	now      time.Time
	peer     net.Addr
	datagram bool

	req        *krb5.ASReq
	clientName string
	serverName string
	client     *Entry
	server     *Entry

	sessionEtype int32
	armorKey     *types.EncryptionKey
	replyKey     types.EncryptionKey
	sessionKey   types.EncryptionKey
	pkSessionKey *types.EncryptionKey
	serverKey    *Key

	// outPAData is added to the reply; errorMethod to an error reply.
	outPAData   types.PADataSequence
	errorMethod types.MethodData

	et  messages.EncTicketPart
	ek  messages.EncKDCRepPart
	rep messages.ASRep
}

func (k *KDC) newRequest(ctx context.Context, peer net.Addr, datagram bool) *request {
	id, err := uuid.GenerateUUID()
	if err != nil {
		id = "-"
	} else {
		id = id[:8]
	}
	return &request{
		k:        k,
		ctx:      ctx,
		id:       id,
		now:      k.config.Now(),
		peer:     peer,
		datagram: datagram,
	}
}

// release zeroes the key material held by the request.
func (r *request) release() {
	krb5.ZeroKey(&r.replyKey)
	krb5.ZeroKey(&r.sessionKey)
	if r.armorKey != nil {
		krb5.ZeroKey(r.armorKey)
	}
	if r.pkSessionKey != nil {
		krb5.ZeroKey(r.pkSessionKey)
	}
}

// setReplyKey copies key so release does not touch database entries.
func (r *request) setReplyKey(key types.EncryptionKey) {
	krb5.ZeroKey(&r.replyKey)
	r.replyKey = types.EncryptionKey{
		KeyType:  key.KeyType,
		KeyValue: append([]byte(nil), key.KeyValue...),
	}
}

func (r *request) anonymousRequested() bool {
	return flagSet(r.req.ReqBody.KDCOptions, krb5.KDCOptionRequestAnonymous)
}

func (r *request) peerString() string {
	if r.peer == nil {
		return "<unknown>"
	}
	return r.peer.String()
}

func (r *request) errorf(area kdclog.Area, format string, args ...any) {
	r.k.log.Errorf(area, "[%s] "+format, append([]any{r.id}, args...)...)
}

func (r *request) printf(area kdclog.Area, format string, args ...any) {
	r.k.log.Printf(area, "[%s] "+format, append([]any{r.id}, args...)...)
}

func (r *request) debugf(area kdclog.Area, format string, args ...any) {
	r.k.log.Debugf(area, "[%s] "+format, append([]any{r.id}, args...)...)
}

func (r *request) tracef(area kdclog.Area, format string, args ...any) {
	r.k.log.Tracef(area, "[%s] "+format, append([]any{r.id}, args...)...)
}

var etypeNames = func() map[int32]string {
	m := make(map[int32]string, len(etypeID.ETypesByName))
	for name, id := range etypeID.ETypesByName {
		// Several aliases map to one number; keep the shortest stable name.
		if cur, ok := m[id]; !ok || len(name) < len(cur) || (len(name) == len(cur) && name < cur) {
			m[id] = name
		}
	}
	return m
}()

func etypeName(et int32) string {
	if n, ok := etypeNames[et]; ok {
		return n
	}
	return fmt.Sprintf("%d", et)
}

// logASReq writes the negotiated enctypes and the requested ticket flags.
func (r *request) logASReq() {
	if !r.k.log.Enabled(kdclog.AreaTicket, 1) {
		return
	}
	names := make([]string, 0, len(r.req.ReqBody.EType))
	for _, et := range r.req.ReqBody.EType {
		names = append(names, etypeName(et))
	}
	r.printf(kdclog.AreaTicket, "Client supported enctypes: %s, using %s/%s",
		strings.Join(names, ", "), etypeName(r.replyKey.KeyType), etypeName(r.sessionEtype))

	if f := requestedFlags(r.req.ReqBody.KDCOptions); f != "" {
		r.printf(kdclog.AreaTicket, "Requested flags: %s", f)
	}
}

var optionNames = map[int]string{
	flags.Forwardable:              "forwardable",
	flags.Forwarded:                "forwarded",
	flags.Proxiable:                "proxiable",
	flags.Proxy:                    "proxy",
	flags.AllowPostDate:            "allow-postdate",
	flags.PostDated:                "postdated",
	flags.Renewable:                "renewable",
	krb5.KDCOptionCanonicalize:     "canonicalize",
	krb5.KDCOptionRequestAnonymous: "request-anonymous",
	flags.RenewableOK:              "renewable-ok",
	flags.EncTktInSkey:             "enc-tkt-in-skey",
	flags.Renew:                    "renew",
	flags.Validate:                 "validate",
}

func requestedFlags(opts asn1.BitString) string {
	var bits []int
	for bit := range optionNames {
		if flagSet(opts, bit) {
			bits = append(bits, bit)
		}
	}
	sort.Ints(bits)
	names := make([]string, len(bits))
	for i, b := range bits {
		names[i] = optionNames[b]
	}
	return strings.Join(names, ", ")
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "unset"
	}
	return t.UTC().Format("2006-01-02T15:04:05")
}

func (r *request) logTimestamps() {
	r.printf(kdclog.AreaTicket, "AS-REQ authtime: %s starttime: %s endtime: %s renew till: %s",
		formatTime(r.et.AuthTime), formatTime(r.et.StartTime), formatTime(r.et.EndTime), formatTime(r.et.RenewTill))
}
