// Package socks5 holds the SOCKS5 handshakes shared by the proxy server and
// the upstream dialers.
//
// It wraps the low-level protocol types in github.com/txthinking/socks5: the
// server side is a small state machine (ServerHandshake) and the client side
// negotiates and issues CONNECT for an upstream SOCKS5 hop.
package socks5
