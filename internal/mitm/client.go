package mitm

import "crypto/tls"

// ClientConfig returns the TLS config for connections from the proxy to
// intercepted origins. Origin certificates are not verified.
//
// Build it once and share it; ForHost clones it per connection.
type ClientConfig struct {
	base *tls.Config
}

func NewClientConfig() *ClientConfig {
	return &ClientConfig{base: &tls.Config{
		InsecureSkipVerify: true, //nolint:gosec // Interception trusts all origins.
		MinVersion:         tls.VersionTLS12,
		NextProtos:         []string{"http/1.1"},
		ClientSessionCache: tls.NewLRUClientSessionCache(1024),
	}}
}

// ForHost returns a config with SNI set to hostname.
func (c *ClientConfig) ForHost(hostname string) *tls.Config {
	cfg := c.base.Clone()
	cfg.ServerName = hostname
	return cfg
}
