// Package dquictest contains QUIC helpers for tests:
// throwaway TLS material, loopback transports, and stub connections.
package dquictest

import (
	"crypto/ed25519"
	crand "crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TLSPair is a self-signed member certificate
// and the matching configurations for both sides of a connection.
type TLSPair struct {
	Cert *x509.Certificate

	// For the member's listener.
	Server *tls.Config

	// For the client's dialer; trusts only Cert.
	Client *tls.Config
}

// NewTLSPair generates a fresh ed25519 certificate valid for the loopback address.
func NewTLSPair(t testing.TB) TLSPair {
	t.Helper()

	pubKey, privKey, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	serial, err := crand.Int(crand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"dgrid test member"},
			CommonName:   "localhost",
		},
		NotBefore: time.Now().Add(-15 * time.Second),
		NotAfter:  time.Now().Add(time.Hour),

		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},

		// Self-signed, so it is its own CA.
		BasicConstraintsValid: true,
		IsCA:                  true,

		DNSNames:    []string{"localhost"},
		IPAddresses: []net.IP{net.IPv4(127, 0, 0, 1)},
	}

	der, err := x509.CreateCertificate(nil, template, template, pubKey, privKey)
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	pool := x509.NewCertPool()
	pool.AddCert(cert)

	return TLSPair{
		Cert: cert,

		Server: &tls.Config{
			Certificates: []tls.Certificate{
				{
					Certificate: [][]byte{der},
					PrivateKey:  privKey,
					Leaf:        cert,
				},
			},
		},

		Client: &tls.Config{
			RootCAs:    pool,
			ServerName: "localhost",
		},
	}
}
