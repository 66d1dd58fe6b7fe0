package kdc

import (
	"time"

	"github.com/kardianos/gokdc/kdclog"
	"github.com/kardianos/gokdc/krb5"
)

// DefaultSupportedEnctypes lists the encryption types the KDC will
// negotiate, strongest first.
var DefaultSupportedEnctypes = []int32{
	krb5.ETypeAES256SHA384,
	krb5.ETypeAES256SHA1,
	krb5.ETypeAES128SHA256,
	krb5.ETypeAES128SHA1,
	krb5.ETypeDES3CBCSHA1,
	krb5.ETypeRC4HMAC,
}

// Config configures the KDC.
type Config struct {
	// Realm is the Kerberos realm served (e.g., "EXAMPLE.COM").
	Realm string

	// ListenAddr is the address to listen on (default ":88").
	ListenAddr string

	// Database resolves client and server principals.
	Database Database

	// PK is an optional public key pre-authentication mechanism.
	PK PKMechanism

	// PAC optionally produces the privilege attribute blob placed in tickets.
	PAC PACGenerator

	// Logger for diagnostic output. If nil, logs are discarded.
	Logger *kdclog.Logger

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	RequirePreauth                bool
	AllowAnonymous                bool
	MaxSkew                       time.Duration
	ASUseStrongestSessionKey      bool
	PreauthUseStrongestSessionKey bool
	UseStrongestServerKey         bool
	AllowWeakCrypto               bool

	// SupportedEnctypes is the KDC's enctype list, strongest first.
	SupportedEnctypes []int32

	// WarnPwExpire is the window before password expiry in which replies
	// carry a password expiration last-req entry. Zero always warns.
	WarnPwExpire time.Duration

	AllowNullTicketAddresses bool
	CheckTicketAddresses     bool

	// MaxDatagramReplyLength bounds replies sent over UDP.
	MaxDatagramReplyLength int

	// EncodeASRepAsTGSRep tags the encrypted reply part as EncTGSRepPart.
	EncodeASRepAsTGSRep bool
}

// DefaultConfig returns a configuration with the usual KDC policy:
// pre-authentication required, address checks on and null address lists
// allowed.
func DefaultConfig(realm string) Config {
	return Config{
		Realm:                    realm,
		ListenAddr:               ":88",
		RequirePreauth:           true,
		MaxSkew:                  5 * time.Minute,
		UseStrongestServerKey:    true,
		SupportedEnctypes:        append([]int32(nil), DefaultSupportedEnctypes...),
		AllowNullTicketAddresses: true,
		CheckTicketAddresses:     true,
		MaxDatagramReplyLength:   1400,
	}
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":88"
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.MaxSkew == 0 {
		c.MaxSkew = 5 * time.Minute
	}
	if len(c.SupportedEnctypes) == 0 {
		c.SupportedEnctypes = append([]int32(nil), DefaultSupportedEnctypes...)
	}
	if c.MaxDatagramReplyLength == 0 {
		c.MaxDatagramReplyLength = 1400
	}
	if c.Logger == nil {
		c.Logger = kdclog.New(nil)
	}
}
