// Package kdc implements the AS exchange of a Kerberos 5 Key Distribution
// Center: pre-authentication, FAST armor, enctype negotiation, policy checks
// and ticket issue, plus a UDP/TCP listener around it.
package kdc

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/jcmturner/gokrb5/v8/iana/errorcode"
	"github.com/jcmturner/gokrb5/v8/iana/msgtype"
	"github.com/kardianos/gokdc/kdclog"
	"github.com/kardianos/gokdc/krb5"
	"github.com/pkg/errors"
)

// ErrMalformedRequest is returned by Process for input that is not an
// AS-REQ. No reply is produced.
var ErrMalformedRequest = errors.New("kdc: malformed request")

// KDC is a Kerberos Key Distribution Center serving AS requests for one
// realm.
type KDC struct {
	config Config
	db     Database
	log    *kdclog.Logger

	udpListener *net.UDPConn
	tcpListener net.Listener

	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup

	ready chan struct{} // closed when listeners are ready
	done  chan struct{} // closed when fully stopped
}

// NewKDC creates a new KDC with the given configuration.
func NewKDC(cfg Config) (*KDC, error) {
	if cfg.Realm == "" {
		return nil, fmt.Errorf("realm is required")
	}
	if cfg.Database == nil {
		return nil, fmt.Errorf("database is required")
	}
	cfg.applyDefaults()
	for _, et := range cfg.SupportedEnctypes {
		if !krb5.SupportedEnctype(et) {
			return nil, fmt.Errorf("unsupported enctype %d in supported enctypes", et)
		}
	}
	return &KDC{
		config: cfg,
		db:     cfg.Database,
		log:    cfg.Logger,
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

// Process handles one AS-REQ received from peer and returns the encoded
// AS-REP or KRB-ERROR. datagram marks replies bound for UDP, which are
// limited in size. ErrReferral and ErrMalformedRequest come with a nil reply.
func (k *KDC) Process(ctx context.Context, data []byte, peer net.Addr, datagram bool) ([]byte, error) {
	r := k.newRequest(ctx, peer, datagram)
	defer r.release()

	mt, err := krb5.MsgType(data)
	if err != nil || mt != msgtype.KRB_AS_REQ {
		r.printf(kdclog.AreaNet, "Not an AS-REQ from %s", r.peerString())
		return nil, ErrMalformedRequest
	}
	r.req, err = krb5.DecodeASReq(data)
	if err != nil {
		r.printf(kdclog.AreaNet, "Failed to decode AS-REQ from %s: %v", r.peerString(), err)
		return nil, errors.Wrap(ErrMalformedRequest, err.Error())
	}

	reply, err := r.asRep()
	if err == nil {
		return reply, nil
	}
	if errors.Is(err, ErrReferral) {
		return nil, err
	}
	r.debugf(kdclog.AreaGeneral, "as-req: sending error %v to client", err)
	return r.mkError(err)
}

// asRep runs the AS exchange. Every failure is returned for mkError.
func (r *request) asRep() ([]byte, error) {
	if err := r.unwrapFAST(); err != nil {
		return nil, err
	}
	b := &r.req.ReqBody
	if len(b.SName.NameString) == 0 {
		return nil, protoErr(errorcode.KRB_ERR_GENERIC, "No server in request")
	}
	if len(b.CName.NameString) == 0 {
		return nil, protoErr(errorcode.KRB_ERR_GENERIC, "No client in request")
	}
	r.serverName = principalString(b.SName, b.Realm)
	r.clientName = principalString(b.CName, b.Realm)
	r.printf(kdclog.AreaGeneral, "AS-REQ %s from %s for %s", r.clientName, r.peerString(), r.serverName)

	if err := r.checkAnonymous(); err != nil {
		return nil, err
	}
	if err := r.fetchPrincipals(); err != nil {
		return nil, err
	}

	var err error
	r.sessionEtype, _, err = r.k.findEtype(r.k.config.ASUseStrongestSessionKey, false, r.client, b.EType)
	if err != nil {
		r.printf(kdclog.AreaPreauth, "Client (%s) from %s has no common enctypes with KDC to use for the session key",
			r.clientName, r.peerString())
		return nil, err
	}

	r.printf(kdclog.AreaPreauth, "Client sent patypes: %s", patypeList(r.req.PAData))
	preauthed, err := r.preauthenticate()
	if err != nil {
		return nil, err
	}
	if !preauthed && (r.k.config.RequirePreauth || r.anonymousRequested() ||
		r.client.Flags.RequirePreauth || r.server.Flags.RequirePreauth) {
		return nil, r.preauthRequired()
	}

	if err := r.checkFlags(true); err != nil {
		return nil, err
	}
	r.serverKey, err = r.k.preferredServerKey(r.server)
	if err != nil {
		r.printf(kdclog.AreaTicket, "Server (%s) has no supported etypes", r.serverName)
		return nil, err
	}
	if err := r.checkOptions(); err != nil {
		return nil, err
	}

	r.setNames()
	if err := r.setFlags(preauthed); err != nil {
		return nil, err
	}
	if !r.k.checkAddresses(b.Addresses, r.peer) {
		r.printf(kdclog.AreaPolicy, "Bad address list requested -- %s", r.clientName)
		return nil, protoErr(errorcode.KRB_AP_ERR_BADADDR, "Bad address list in requested")
	}
	r.setTimes()
	r.buildEncParts()
	if err := r.setSessionKey(); err != nil {
		return nil, err
	}
	if r.replyKey.KeyType == 0 {
		return nil, protoErr(errorcode.KDC_ERR_CLIENT_NOTYET, "Client have no reply key")
	}

	r.rep.PAData = append(r.rep.PAData, r.outPAData...)
	if flagSet(b.KDCOptions, krb5.KDCOptionCanonicalize) {
		if err := r.addCanonicalized(); err != nil {
			return nil, err
		}
	}
	if err := r.addPAC(); err != nil {
		return nil, err
	}
	r.logTimestamps()
	if err := r.addSignedPath(); err != nil {
		return nil, err
	}
	r.logASReq()

	reply, err := r.encodeReply()
	if err != nil {
		return nil, err
	}
	if r.datagram && len(reply) > r.k.config.MaxDatagramReplyLength {
		return nil, protoErr(errorcode.KRB_ERR_RESPONSE_TOO_BIG, "Reply packet too large")
	}
	return reply, nil
}

// fetchPrincipals resolves the client and the service from the database.
func (r *request) fetchPrincipals() error {
	b := &r.req.ReqBody
	var canon FetchFlags
	if flagSet(b.KDCOptions, krb5.KDCOptionCanonicalize) {
		canon = FetchCanonicalize
	}

	client, err := r.k.db.Fetch(r.ctx, b.CName, b.Realm, FetchClient|canon)
	switch {
	case errors.Is(err, ErrNotFoundHere):
		r.printf(kdclog.AreaGeneral, "%s not found here, referring", r.clientName)
		return ErrReferral
	case err != nil:
		r.printf(kdclog.AreaGeneral, "UNKNOWN -- %s: %v", r.clientName, err)
		return protoErr(errorcode.KDC_ERR_C_PRINCIPAL_UNKNOWN, "")
	}
	r.client = client

	server, err := r.k.db.Fetch(r.ctx, b.SName, b.Realm, FetchServer|canon)
	switch {
	case errors.Is(err, ErrNotFoundHere):
		r.printf(kdclog.AreaGeneral, "%s not found here, referring", r.serverName)
		return ErrReferral
	case err != nil:
		r.printf(kdclog.AreaGeneral, "UNKNOWN -- %s: %v", r.serverName, err)
		return protoErr(errorcode.KDC_ERR_S_PRINCIPAL_UNKNOWN, "")
	}
	r.server = server
	return nil
}
