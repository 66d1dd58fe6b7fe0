package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/jcmturner/gokrb5/v8/iana/etypeID"
	"github.com/jcmturner/gokrb5/v8/keytab"
	"github.com/kardianos/gokdc/kdc"
	"github.com/kardianos/gokdc/kdclog"
	"github.com/kardianos/gokdc/krb5"
	"github.com/pkg/errors"
)

// fileConfig is the TOML configuration of the daemon.
type fileConfig struct {
	Realm      string            `toml:"realm"`
	ListenAddr string            `toml:"listen_addr"`
	Policy     policyConfig      `toml:"policy"`
	Log        logConfig         `toml:"log"`
	Principals []principalConfig `toml:"principal"`
	Keytabs    []keytabConfig    `toml:"keytab"`

	// dir resolves relative paths.
	dir string
}

type policyConfig struct {
	RequirePreauth                bool     `toml:"require_preauth"`
	AllowAnonymous                bool     `toml:"allow_anonymous"`
	MaxSkew                       string   `toml:"max_skew"`
	ASUseStrongestSessionKey      bool     `toml:"as_use_strongest_session_key"`
	PreauthUseStrongestSessionKey bool     `toml:"preauth_use_strongest_session_key"`
	UseStrongestServerKey         bool     `toml:"use_strongest_server_key"`
	AllowWeakCrypto               bool     `toml:"allow_weak_crypto"`
	Enctypes                      []string `toml:"enctypes"`
	WarnPwExpire                  string   `toml:"warn_pwexpire"`
	CheckTicketAddresses          bool     `toml:"check_ticket_addresses"`
	AllowNullTicketAddresses      bool     `toml:"allow_null_ticket_addresses"`
	MaxDatagramReplyLength        int      `toml:"max_datagram_reply_length"`
	EncodeASRepAsTGSRep           bool     `toml:"encode_as_rep_as_tgs_rep"`
}

type logConfig struct {
	// Path is a file to append to; empty means stderr and "off" disables.
	Path      string   `toml:"path"`
	Verbosity int      `toml:"verbosity"`
	Areas     []string `toml:"areas"`
}

type principalConfig struct {
	Name     string   `toml:"name"`
	Password string   `toml:"password"`
	KVNO     int      `toml:"kvno"`
	Enctypes []string `toml:"enctypes"`
	Aliases  []string `toml:"aliases,omitempty"`

	Client         bool `toml:"client"`
	Server         bool `toml:"server"`
	Forwardable    bool `toml:"forwardable"`
	Proxiable      bool `toml:"proxiable"`
	Postdate       bool `toml:"postdate"`
	RequirePreauth bool `toml:"require_preauth"`
	Initial        bool `toml:"initial,omitempty"`
	ChangePW       bool `toml:"change_pw,omitempty"`

	MaxLife    string `toml:"max_life,omitempty"`
	MaxRenew   string `toml:"max_renew,omitempty"`
	ValidUntil string `toml:"valid_until,omitempty"`
	PwExpires  string `toml:"pw_expires,omitempty"`
}

type keytabConfig struct {
	Path   string `toml:"path"`
	Client bool   `toml:"client"`
	Server bool   `toml:"server"`
}

// sampleConfig is written by "kdcd init".
func sampleConfig(realm string) fileConfig {
	def := kdc.DefaultConfig(realm)
	var enctypes []string
	for _, et := range def.SupportedEnctypes {
		enctypes = append(enctypes, enctypeName(et))
	}
	svc := principalConfig{KVNO: 1, Enctypes: []string{"aes256-cts-hmac-sha1-96", "aes128-cts-hmac-sha1-96"},
		Server: true, Forwardable: true, Proxiable: true, Postdate: true}
	tgt := svc
	tgt.Name = "krbtgt/" + realm
	tgt.Password = "change-me-krbtgt"
	host := svc
	host.Name = "host/server.example.com"
	host.Password = "change-me-host"
	return fileConfig{
		Realm:      realm,
		ListenAddr: def.ListenAddr,
		Policy: policyConfig{
			RequirePreauth:           def.RequirePreauth,
			MaxSkew:                  def.MaxSkew.String(),
			UseStrongestServerKey:    def.UseStrongestServerKey,
			Enctypes:                 enctypes,
			CheckTicketAddresses:     def.CheckTicketAddresses,
			AllowNullTicketAddresses: def.AllowNullTicketAddresses,
			MaxDatagramReplyLength:   def.MaxDatagramReplyLength,
		},
		Log: logConfig{Verbosity: 1},
		Principals: []principalConfig{
			tgt,
			host,
			{
				Name:        "alice",
				Password:    "change-me-alice",
				KVNO:        1,
				Enctypes:    []string{"aes256-cts-hmac-sha1-96", "aes128-cts-hmac-sha1-96"},
				Client:      true,
				Forwardable: true,
				Proxiable:   true,
				MaxLife:     "10h",
				MaxRenew:    "168h",
			},
		},
	}
}

func writeConfig(w io.Writer, c fileConfig) error {
	return toml.NewEncoder(w).Encode(c)
}

// loadConfig reads the TOML file at path. Keys it does not know are an
// error so typos do not silently fall back to defaults.
func loadConfig(path string) (*fileConfig, error) {
	var c fileConfig
	md, err := toml.DecodeFile(path, &c)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config %s: unknown keys %v", path, undecoded)
	}
	if c.Realm == "" {
		return nil, fmt.Errorf("config %s: realm is required", path)
	}
	c.dir = filepath.Dir(path)
	return &c, nil
}

func (c *fileConfig) path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.dir, p)
}

func enctypeName(et int32) string {
	best := ""
	for name, id := range etypeID.ETypesByName {
		if id == et && (best == "" || len(name) > len(best)) {
			best = name
		}
	}
	if best == "" {
		return fmt.Sprint(et)
	}
	return best
}

func parseEnctypes(names []string) ([]int32, error) {
	var out []int32
	for _, n := range names {
		et := etypeID.EtypeSupported(n)
		if et == 0 {
			return nil, fmt.Errorf("unsupported enctype %q", n)
		}
		out = append(out, et)
	}
	return out, nil
}

func parseDuration(name, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return d, nil
}

func parseTime(name, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: %w", name, err)
	}
	return t, nil
}

// logger opens the configured log destination. The returned closer is nil
// when nothing needs closing.
func (c *fileConfig) logger() (*kdclog.Logger, io.Closer, error) {
	var (
		out    io.Writer = os.Stderr
		closer io.Closer
	)
	switch c.Log.Path {
	case "":
	case "off":
		out = nil
	default:
		f, err := os.OpenFile(c.path(c.Log.Path), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			return nil, nil, errors.Wrap(err, "open log file")
		}
		out, closer = f, f
	}
	l := kdclog.New(out)
	l.SetVerbosity(c.Log.Verbosity)
	for _, name := range c.Log.Areas {
		a, err := kdclog.ParseArea(name)
		if err != nil {
			if closer != nil {
				closer.Close()
			}
			return nil, nil, err
		}
		l.EnableArea(a)
	}
	return l, closer, nil
}

// kdcConfig converts the file settings into a kdc.Config over db.
func (c *fileConfig) kdcConfig(db kdc.Database, log *kdclog.Logger) (kdc.Config, error) {
	p := c.Policy
	cfg := kdc.DefaultConfig(c.Realm)
	if c.ListenAddr != "" {
		cfg.ListenAddr = c.ListenAddr
	}
	cfg.Database = db
	cfg.Logger = log
	cfg.RequirePreauth = p.RequirePreauth
	cfg.AllowAnonymous = p.AllowAnonymous
	cfg.ASUseStrongestSessionKey = p.ASUseStrongestSessionKey
	cfg.PreauthUseStrongestSessionKey = p.PreauthUseStrongestSessionKey
	cfg.UseStrongestServerKey = p.UseStrongestServerKey
	cfg.AllowWeakCrypto = p.AllowWeakCrypto
	cfg.CheckTicketAddresses = p.CheckTicketAddresses
	cfg.AllowNullTicketAddresses = p.AllowNullTicketAddresses
	cfg.EncodeASRepAsTGSRep = p.EncodeASRepAsTGSRep
	if p.MaxDatagramReplyLength > 0 {
		cfg.MaxDatagramReplyLength = p.MaxDatagramReplyLength
	}

	var err error
	if cfg.MaxSkew, err = parseDuration("max_skew", p.MaxSkew); err != nil {
		return cfg, err
	}
	if cfg.WarnPwExpire, err = parseDuration("warn_pwexpire", p.WarnPwExpire); err != nil {
		return cfg, err
	}
	if len(p.Enctypes) > 0 {
		if cfg.SupportedEnctypes, err = parseEnctypes(p.Enctypes); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

// database builds the principal store from the principal and keytab
// sections.
func (c *fileConfig) database() (*kdc.MemoryDB, error) {
	db := kdc.NewMemoryDB()
	for _, kc := range c.Keytabs {
		kt, err := keytab.Load(c.path(kc.Path))
		if err != nil {
			return nil, errors.Wrapf(err, "load keytab %s", kc.Path)
		}
		db.LoadKeytab(kt, kdc.EntryFlags{Client: kc.Client, Server: kc.Server, Forwardable: true, Proxiable: true})
	}
	for _, pc := range c.Principals {
		if err := c.addPrincipal(db, pc); err != nil {
			return nil, errors.Wrapf(err, "principal %s", pc.Name)
		}
	}
	return db, nil
}

func (c *fileConfig) addPrincipal(db *kdc.MemoryDB, pc principalConfig) error {
	if pc.Name == "" {
		return fmt.Errorf("name is required")
	}
	enctypes := []int32{krb5.ETypeAES256SHA1, krb5.ETypeAES128SHA1}
	if len(pc.Enctypes) > 0 {
		var err error
		if enctypes, err = parseEnctypes(pc.Enctypes); err != nil {
			return err
		}
	}
	kvno := pc.KVNO
	if kvno == 0 {
		kvno = 1
	}
	flags := kdc.EntryFlags{
		Client:         pc.Client,
		Server:         pc.Server,
		Forwardable:    pc.Forwardable,
		Proxiable:      pc.Proxiable,
		Postdate:       pc.Postdate,
		RequirePreauth: pc.RequirePreauth,
		Initial:        pc.Initial,
		ChangePW:       pc.ChangePW,
	}
	e, err := db.AddPrincipal(pc.Name, c.Realm, pc.Password, kvno, enctypes, flags)
	if err != nil {
		return err
	}
	if e.MaxLife, err = parseDuration("max_life", pc.MaxLife); err != nil {
		return err
	}
	if e.MaxRenew, err = parseDuration("max_renew", pc.MaxRenew); err != nil {
		return err
	}
	if e.ValidEnd, err = parseTime("valid_until", pc.ValidUntil); err != nil {
		return err
	}
	if e.PwEnd, err = parseTime("pw_expires", pc.PwExpires); err != nil {
		return err
	}
	// AddPrincipal stored a copy; store again with the limits applied.
	db.Add(e)
	for _, alias := range pc.Aliases {
		db.AddAlias(krb5.ParsePrincipal(alias), e.Principal, c.Realm)
	}
	return nil
}
