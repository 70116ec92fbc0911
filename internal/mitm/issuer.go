// Package mitm issues per-host leaf certificates signed by a local root CA
// so HTTPS tunnels can be decrypted and inspected.
package mitm

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Issuer signs leaf certificates with a root CA and caches them by hostname.
type Issuer struct {
	root    *x509.Certificate
	rootKey crypto.Signer
	log     *zap.Logger

	cache sync.Map // hostname -> *tls.Certificate
	sf    singleflight.Group
}

// LoadIssuer reads a PEM root certificate and key from disk.
func LoadIssuer(certFile, keyFile string, log *zap.Logger) (*Issuer, error) {
	certPEM, err := os.ReadFile(certFile) //nolint:gosec // Path is from user config.
	if err != nil {
		return nil, fmt.Errorf("read CA cert: %w", err)
	}
	keyPEM, err := os.ReadFile(keyFile) //nolint:gosec // Path is from user config.
	if err != nil {
		return nil, fmt.Errorf("read CA key: %w", err)
	}
	return NewIssuer(certPEM, keyPEM, log)
}

// NewIssuer parses a PEM root certificate and private key. The key may be
// PKCS#1 RSA, PKCS#8 (RSA, ECDSA or Ed25519) or SEC 1 EC.
func NewIssuer(certPEM, keyPEM []byte, log *zap.Logger) (*Issuer, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, errors.New("failed to decode CA cert PEM")
	}
	root, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA cert: %w", err)
	}
	if !root.IsCA {
		return nil, errors.New("CA cert is not a certificate authority")
	}

	block, _ = pem.Decode(keyPEM)
	if block == nil {
		return nil, errors.New("failed to decode CA key PEM")
	}
	key, err := parsePrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}

	if log == nil {
		log = zap.NewNop()
	}
	return &Issuer{root: root, rootKey: key, log: log}, nil
}

func parsePrivateKey(der []byte) (crypto.Signer, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("CA key type %T cannot sign", key)
		}
		return signer, nil
	}
	key, err := x509.ParseECPrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA key (tried PKCS#1, PKCS#8, and EC): %w", err)
	}
	return key, nil
}

// Root returns the root certificate.
func (i *Issuer) Root() *x509.Certificate {
	return i.root
}

// Certificate returns the leaf for hostname, creating it on first use.
// Concurrent callers for the same hostname share one signing operation.
func (i *Issuer) Certificate(hostname string) (*tls.Certificate, error) {
	hostname = strings.ToLower(strings.TrimSuffix(hostname, "."))
	if hostname == "" {
		return nil, errors.New("mitm: empty hostname")
	}
	if cert, ok := i.cache.Load(hostname); ok {
		return cert.(*tls.Certificate), nil
	}

	v, err, _ := i.sf.Do(hostname, func() (any, error) {
		if cert, ok := i.cache.Load(hostname); ok {
			return cert, nil
		}
		cert, err := i.sign(hostname)
		if err != nil {
			return nil, err
		}
		i.cache.Store(hostname, cert)
		if ce := i.log.Check(zap.DebugLevel, "issued certificate"); ce != nil {
			ce.Write(zap.String("host", hostname))
		}
		return cert, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*tls.Certificate), nil
}

func (i *Issuer) sign(hostname string) (*tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate leaf key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: hostname},
		// The leaf is valid exactly as long as the root.
		NotBefore:   i.root.NotBefore,
		NotAfter:    i.root.NotAfter,
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(strings.Trim(hostname, "[]")); ip != nil {
		tmpl.IPAddresses = []net.IP{ip}
	} else {
		tmpl.DNSNames = []string{hostname}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, i.root, &priv.PublicKey, i.rootKey)
	if err != nil {
		return nil, fmt.Errorf("sign leaf for %s: %w", hostname, err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse leaf: %w", err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{der, i.root.Raw},
		PrivateKey:  priv,
		Leaf:        leaf,
	}, nil
}

// ServerConfig returns the TLS config presented to a client that asked to
// tunnel to hostname.
func (i *Issuer) ServerConfig(hostname string) (*tls.Config, error) {
	cert, err := i.Certificate(hostname)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{*cert},
		MinVersion:   tls.VersionTLS12,
		// Only HTTP/1.1 is parsed on the decrypted stream.
		NextProtos: []string{"http/1.1"},
	}, nil
}

func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}
	return serial, nil
}
