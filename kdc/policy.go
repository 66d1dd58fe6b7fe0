package kdc

import (
	"net"

	"github.com/jcmturner/gofork/encoding/asn1"
	"github.com/jcmturner/gokrb5/v8/iana/addrtype"
	"github.com/jcmturner/gokrb5/v8/iana/errorcode"
	"github.com/jcmturner/gokrb5/v8/iana/flags"
	"github.com/jcmturner/gokrb5/v8/types"
	"github.com/kardianos/gokdc/kdclog"
	"github.com/kardianos/gokdc/krb5"
)

// Well-known anonymous principal (RFC 8062).
const (
	nameTypeWellknown int32 = 11
	wellknownName           = "WELLKNOWN"
	anonymousName           = "ANONYMOUS"
)

// flagSet reports whether bit is set. Bits past the end of f are clear.
func flagSet(f asn1.BitString, bit int) bool {
	if bit < 0 || bit >= f.BitLength || bit/8 >= len(f.Bytes) {
		return false
	}
	return f.At(bit) == 1
}

func newFlags() asn1.BitString {
	return asn1.BitString{Bytes: make([]byte, 4), BitLength: 32}
}

func setFlag(f *asn1.BitString, bit int) {
	f.Bytes[bit/8] |= 0x80 >> uint(bit%8)
}

// isAnonymousPrincipal reports whether name is WELLKNOWN/ANONYMOUS.
func isAnonymousPrincipal(name types.PrincipalName) bool {
	return name.NameType == nameTypeWellknown &&
		len(name.NameString) == 2 &&
		name.NameString[0] == wellknownName &&
		name.NameString[1] == anonymousName
}

// checkAnonymous requires the anonymous option and the anonymous client
// name to appear together.
func (r *request) checkAnonymous() error {
	requested := r.anonymousRequested()
	named := isAnonymousPrincipal(r.req.ReqBody.CName)
	switch {
	case requested && !named:
		r.printf(kdclog.AreaPolicy, "Anonymous ticket requested but client is not anonymous -- %s", r.clientName)
		return protoErr(errorcode.KDC_ERR_C_PRINCIPAL_UNKNOWN, "")
	case !requested && named:
		r.printf(kdclog.AreaPolicy, "Request for an anonymous ticket without the anonymous flag -- %s", r.clientName)
		return protoErr(errorcode.KDC_ERR_C_PRINCIPAL_UNKNOWN, "")
	}
	return nil
}

// checkFlags applies the database policy of both entries. The reason is
// logged; the error carries no text. Only AS requests reach this KDC, so
// isASReq is always true and a server flagged Initial is accepted.
func (r *request) checkFlags(isASReq bool) error {
	if err := r.checkClientFlags(); err != nil {
		return err
	}
	return r.checkServerFlags(isASReq)
}

func (r *request) checkClientFlags() error {
	c := r.client
	if c == nil {
		return nil
	}
	deny := func(code int32, format string) error {
		r.printf(kdclog.AreaPolicy, format, r.clientName)
		return protoErr(code, "")
	}
	switch {
	case c.Flags.LockedOut:
		return deny(errorcode.KDC_ERR_POLICY, "Client (%s) is locked out")
	case c.Flags.Invalid:
		return deny(errorcode.KDC_ERR_POLICY, "Client (%s) has invalid bit set")
	case !c.Flags.Client:
		return deny(errorcode.KDC_ERR_POLICY, "Principal may not act as client -- %s")
	case !c.ValidStart.IsZero() && c.ValidStart.After(r.now):
		return deny(errorcode.KDC_ERR_CLIENT_NOTYET, "Client not yet valid -- %s")
	case !c.ValidEnd.IsZero() && c.ValidEnd.Before(r.now):
		return deny(errorcode.KDC_ERR_NAME_EXP, "Client expired -- %s")
	case !c.PwEnd.IsZero() && c.PwEnd.Before(r.now) && (r.server == nil || !r.server.Flags.ChangePW):
		return deny(errorcode.KDC_ERR_KEY_EXPIRED, "Client's key has expired -- %s")
	}
	return nil
}

func (r *request) checkServerFlags(isASReq bool) error {
	s := r.server
	if s == nil {
		return nil
	}
	deny := func(code int32, format string) error {
		r.printf(kdclog.AreaPolicy, format, r.serverName)
		return protoErr(code, "")
	}
	switch {
	case s.Flags.LockedOut:
		return deny(errorcode.KDC_ERR_POLICY, "Server locked out -- %s")
	case s.Flags.Invalid:
		return deny(errorcode.KDC_ERR_POLICY, "Server has invalid flag set -- %s")
	case !s.Flags.Server:
		return deny(errorcode.KDC_ERR_POLICY, "Principal may not act as server -- %s")
	case !isASReq && s.Flags.Initial:
		return deny(errorcode.KDC_ERR_POLICY, "AS-REQ is required for server -- %s")
	case !s.ValidStart.IsZero() && s.ValidStart.After(r.now):
		return deny(errorcode.KDC_ERR_SERVICE_NOTYET, "Server not yet valid -- %s")
	case !s.ValidEnd.IsZero() && s.ValidEnd.Before(r.now):
		return deny(errorcode.KDC_ERR_SERVICE_EXP, "Server expired -- %s")
	case !s.PwEnd.IsZero() && s.PwEnd.Before(r.now):
		return deny(errorcode.KDC_ERR_KEY_EXPIRED, "Server's key has expired -- %s")
	}
	return nil
}

// checkOptions rejects KDC options that have no meaning in an AS exchange.
func (r *request) checkOptions() error {
	opts := r.req.ReqBody.KDCOptions
	if flagSet(opts, flags.Renew) ||
		flagSet(opts, flags.Validate) ||
		flagSet(opts, flags.Proxy) ||
		flagSet(opts, flags.Forwarded) ||
		flagSet(opts, flags.EncTktInSkey) ||
		(flagSet(opts, krb5.KDCOptionRequestAnonymous) && !r.k.config.AllowAnonymous) {
		r.printf(kdclog.AreaPolicy, "Bad KDC options -- %s", r.clientName)
		return protoErr(errorcode.KDC_ERR_BADOPTION, "Bad KDC options")
	}
	return nil
}

// checkAddresses reports whether a ticket may be issued for addrs to a
// client connecting from peer.
func (k *KDC) checkAddresses(addrs []types.HostAddress, peer net.Addr) bool {
	if !k.config.CheckTicketAddresses {
		return true
	}
	if len(addrs) == 0 {
		return k.config.AllowNullTicketAddresses
	}
	onlyNetBIOS := true
	for _, a := range addrs {
		if a.AddrType != addrtype.NetBios {
			onlyNetBIOS = false
			break
		}
	}
	if onlyNetBIOS {
		return k.config.AllowNullTicketAddresses
	}
	ip := peerIP(peer)
	if ip == nil {
		return false
	}
	return types.HostAddressesContains(addrs, types.HostAddressFromNetIP(ip))
}

func peerIP(peer net.Addr) net.IP {
	switch a := peer.(type) {
	case *net.UDPAddr:
		return a.IP
	case *net.TCPAddr:
		return a.IP
	case *net.IPAddr:
		return a.IP
	case nil:
		return nil
	}
	host, _, err := net.SplitHostPort(peer.String())
	if err != nil {
		host = peer.String()
	}
	return net.ParseIP(host)
}
