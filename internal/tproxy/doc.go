// Package tproxy accepts transparently redirected TCP connections and hands
// them to the proxy with their original destination as the target.
//
// On Linux the listener sets IP_TRANSPARENT. The original destination is
// read with SO_ORIGINAL_DST for REDIRECT/DNAT rules and falls back to the
// socket's local address, which TPROXY rules preserve. Other platforms get
// stubs that return errors.
package tproxy
