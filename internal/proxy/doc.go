// Package proxy serves SOCKS4, SOCKS5 and HTTP proxy clients on a single
// listener.
//
// Each accepted connection is wrapped in a relay.Endpoint and sniffed: the
// first byte selects the SOCKS4 (0x04), SOCKS5 (0x05) or HTTP handshake.
// HTTP clients are served by one of three policies chosen from their first
// request: plain relay for absolute-URI requests, a direct tunnel for
// CONNECT, or a MITM tunnel for CONNECT when a certificate issuer is
// configured. With interceptors configured, plain relay and MITM tunnels
// run every exchange through the interceptor chain.
package proxy
