// Package dialer establishes outbound connections for proxied sessions.
//
// A Dialer reaches a target either directly or through one upstream hop
// (HTTP/HTTPS CONNECT, SOCKS4/4a, SOCKS5 or SSH). Connector tries an ordered
// chain of hops and returns the first connection that succeeds.
package dialer
