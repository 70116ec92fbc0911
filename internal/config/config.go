// Package config loads the optional TOML configuration file and merges it
// with command-line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds every setting. Command-line flags and the TOML file share
// it; flag names are the TOML keys with dashes.
type Config struct {
	Listen        string `toml:"listen"`
	TProxyListen  string `toml:"tproxy_listen"`
	DebugListen   string `toml:"debug_listen"`
	ProxyProtocol string `toml:"proxy_protocol"`

	Upstream []string `toml:"upstream"`
	Auth     []string `toml:"auth"`

	MITMCACert string `toml:"mitm_ca_cert"`
	MITMCAKey  string `toml:"mitm_ca_key"`

	DNSServer          string   `toml:"dns_server"`
	DialTimeout        Duration `toml:"dial_timeout"`
	NegotiationTimeout Duration `toml:"negotiation_timeout"`
	HTTPIdleTimeout    Duration `toml:"http_idle_timeout"`
	TCPKeepAlive       string   `toml:"tcp_keepalive"`

	SSHKey        string `toml:"ssh_key"`
	SSHKnownHosts string `toml:"ssh_known_hosts"`

	LogLevel string `toml:"log_level"`
	LogFile  string `toml:"log_file"`

	MaxBody int64 `toml:"max_body"`

	Routes    []Route   `toml:"route"`
	Intercept Intercept `toml:"intercept"`
}

// Route sends matching sessions through Upstream. Empty criteria match
// everything.
type Route struct {
	Hosts    []string `toml:"hosts"`
	Clients  []string `toml:"clients"`
	Users    []string `toml:"users"`
	Upstream []string `toml:"upstream"`
}

type Intercept struct {
	Header []HeaderRule `toml:"header"`
	Deny   []DenyRule   `toml:"deny"`
}

// HeaderRule rewrites request or response headers for matching hosts.
type HeaderRule struct {
	Hosts []string `toml:"hosts"`
	// Phase is "request" (default) or "response".
	Phase  string            `toml:"phase"`
	Set    map[string]string `toml:"set"`
	Remove []string          `toml:"remove"`
}

type DenyRule struct {
	Hosts []string `toml:"hosts"`
}

// Duration is a time.Duration decoded from strings such as "10s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// ErrUnknownKeys reports keys in the file that no setting consumes.
var ErrUnknownKeys = errors.New("unknown configuration keys")

// Load decodes the TOML file at path.
func Load(path string) (*Config, error) {
	var c Config
	md, err := toml.DecodeFile(path, &c)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	if err := checkUndecoded(md); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &c, nil
}

// Decode decodes TOML from a string.
func Decode(data string) (*Config, error) {
	var c Config
	md, err := toml.Decode(data, &c)
	if err != nil {
		return nil, err
	}
	if err := checkUndecoded(md); err != nil {
		return nil, err
	}
	return &c, nil
}

func checkUndecoded(md toml.MetaData) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}
	keys := make([]string, len(undecoded))
	for i, k := range undecoded {
		keys[i] = k.String()
	}
	return fmt.Errorf("%w: %s", ErrUnknownKeys, strings.Join(keys, ", "))
}

// Merge copies settings from file into c for every flag that was not set
// explicitly on the command line. Routes and interceptors only exist in the
// file and are always taken from it.
func (c *Config) Merge(file *Config, changed func(flag string) bool) {
	str := func(flag string, dst *string, src string) {
		if !changed(flag) && src != "" {
			*dst = src
		}
	}
	list := func(flag string, dst *[]string, src []string) {
		if !changed(flag) && len(src) > 0 {
			*dst = src
		}
	}
	dur := func(flag string, dst *Duration, src Duration) {
		if !changed(flag) && src.Duration != 0 {
			*dst = src
		}
	}

	str("listen", &c.Listen, file.Listen)
	str("tproxy-listen", &c.TProxyListen, file.TProxyListen)
	str("debug-listen", &c.DebugListen, file.DebugListen)
	str("proxy-protocol", &c.ProxyProtocol, file.ProxyProtocol)
	list("upstream", &c.Upstream, file.Upstream)
	list("auth", &c.Auth, file.Auth)
	str("mitm-ca-cert", &c.MITMCACert, file.MITMCACert)
	str("mitm-ca-key", &c.MITMCAKey, file.MITMCAKey)
	str("dns-server", &c.DNSServer, file.DNSServer)
	dur("dial-timeout", &c.DialTimeout, file.DialTimeout)
	dur("negotiation-timeout", &c.NegotiationTimeout, file.NegotiationTimeout)
	dur("http-idle-timeout", &c.HTTPIdleTimeout, file.HTTPIdleTimeout)
	str("tcp-keepalive", &c.TCPKeepAlive, file.TCPKeepAlive)
	str("ssh-key", &c.SSHKey, file.SSHKey)
	str("ssh-known-hosts", &c.SSHKnownHosts, file.SSHKnownHosts)
	str("log-level", &c.LogLevel, file.LogLevel)
	str("log-file", &c.LogFile, file.LogFile)
	if !changed("max-body") && file.MaxBody != 0 {
		c.MaxBody = file.MaxBody
	}

	c.Routes = file.Routes
	c.Intercept = file.Intercept
}
