package krb5

import (
	"errors"
	"fmt"
	"time"

	"github.com/jcmturner/gokrb5/v8/iana/keyusage"
	"github.com/jcmturner/gokrb5/v8/messages"
	"github.com/jcmturner/gokrb5/v8/types"
)

// AP-REQ verification failures.
var (
	ErrTicketNotYetValid = errors.New("ticket not yet valid")
	ErrTicketExpired     = errors.New("ticket expired")
	ErrIntegrity         = errors.New("integrity check failed")
	ErrBadMatch          = errors.New("ticket and authenticator don't match")
	ErrSkew              = errors.New("clock skew too great")
)

// APReqResult holds what a verified AP-REQ establishes.
type APReqResult struct {
	// CName and CRealm name the ticket's client.
	CName  types.PrincipalName
	CRealm string

	// TicketKey is the session key carried in the ticket.
	TicketKey types.EncryptionKey

	// SubKey is the authenticator's subkey; KeyType is zero when absent.
	SubKey types.EncryptionKey
}

// DecodeAPReq unmarshals an AP-REQ.
func DecodeAPReq(data []byte) (*messages.APReq, error) {
	var req messages.APReq
	if err := req.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("unmarshal AP-REQ: %w", err)
	}
	return &req, nil
}

// VerifyAPReq decrypts the ticket of req with serverKey and its authenticator
// with the ticket session key (key usage 11). The authenticator must name the
// ticket's client and be within skew of now, and the ticket must be current.
func VerifyAPReq(req *messages.APReq, serverKey types.EncryptionKey, now time.Time, skew time.Duration) (*APReqResult, error) {
	if err := req.Ticket.Decrypt(serverKey); err != nil {
		return nil, fmt.Errorf("%w: decrypt ticket: %v", ErrIntegrity, err)
	}
	encTicket := req.Ticket.DecryptedEncPart

	start := encTicket.AuthTime
	if !encTicket.StartTime.IsZero() {
		start = encTicket.StartTime
	}
	if now.Add(skew).Before(start) {
		return nil, ErrTicketNotYetValid
	}
	if now.Add(-skew).After(encTicket.EndTime) {
		return nil, ErrTicketExpired
	}

	sessionKey := encTicket.Key
	authData, err := Decrypt(sessionKey, keyusage.AP_REQ_AUTHENTICATOR, req.EncryptedAuthenticator)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt authenticator: %v", ErrIntegrity, err)
	}
	var auth types.Authenticator
	if err := auth.Unmarshal(authData); err != nil {
		return nil, fmt.Errorf("unmarshal authenticator: %w", err)
	}

	// Verify authenticator matches ticket
	if auth.CRealm != encTicket.CRealm {
		return nil, fmt.Errorf("%w: realm", ErrBadMatch)
	}
	if !auth.CName.Equal(encTicket.CName) {
		return nil, fmt.Errorf("%w: client name", ErrBadMatch)
	}

	diff := now.Sub(auth.CTime)
	if diff < 0 {
		diff = -diff
	}
	if diff > skew {
		return nil, ErrSkew
	}

	return &APReqResult{
		CName:     encTicket.CName,
		CRealm:    encTicket.CRealm,
		TicketKey: sessionKey,
		SubKey:    auth.SubKey,
	}, nil
}
