// Package tlstunnel builds the mutually-authenticated TLS 1.2 configs
// used by the single tunnel connection between the local and remote
// proxies (§4.6). Unlike the teacher package this is adapted from
// (internal/crypto, which generates a throwaway Ed25519 self-signed
// certificate and pins the peer by public-key fingerprint), the tunnel
// here authenticates both ends against an operator-supplied CA file, the
// way the original split-proxy design does (a real CA, not a pinned
// leaf key).
package tlstunnel

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"

	"github.com/rs/zerolog/log"
)

// CipherSuite is the single cipher the tunnel negotiates (§4.6).
const CipherSuite = tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256

// Material holds the three PEM files every tunnel endpoint needs: its
// own certificate and key, and the CA used to verify the peer.
type Material struct {
	CAFile   string
	CertFile string
	KeyFile  string
}

// Verify checks that all three paths are set and exist (os.Stat; their
// contents are not read here), per §6:
// "all three must exist at startup or the process fails with a config
// error."
func (m Material) Verify() error {
	for _, f := range []struct {
		name, path string
	}{
		{"ca", m.CAFile},
		{"cert", m.CertFile},
		{"key", m.KeyFile},
	} {
		if f.path == "" {
			return fmt.Errorf("tlstunnel: --%s is required", f.name)
		}
		if _, err := os.Stat(f.path); err != nil {
			return fmt.Errorf("tlstunnel: %s file %q: %w", f.name, f.path, err)
		}
	}
	return nil
}

func loadCAPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tlstunnel: read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("tlstunnel: no certificates found in CA file %q", path)
	}
	return pool, nil
}

func baseConfig(m Material) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(m.CertFile, m.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("tlstunnel: load cert/key: %w", err)
	}
	pool, err := loadCAPool(m.CAFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		// Chain verification is performed manually in
		// VerifyPeerCertificate below (not via RootCAs/ClientCAs) so a
		// failed verification can still log the peer's commonName: Go
		// aborts the handshake before calling VerifyPeerCertificate if
		// its own built-in verification already failed.
		InsecureSkipVerify: true,
		VerifyPeerCertificate: verifyAgainstPool(pool),
		MinVersion:            tls.VersionTLS12,
		MaxVersion:            tls.VersionTLS12,
		CipherSuites:          []uint16{CipherSuite},
	}, nil
}

// ClientConfig builds the TLS config for the local proxy, which dials
// the remote as a TLS client and presents its own certificate for
// mutual authentication (§4.6: "Local side is the TLS client").
func ClientConfig(m Material) (*tls.Config, error) {
	return baseConfig(m)
}

// ServerConfig builds the TLS config for the remote proxy, which
// accepts the tunnel as a TLS server and requires the peer to present a
// verified certificate (§4.6: "require peer certificate, fail if
// absent, one verification per handshake").
func ServerConfig(m Material) (*tls.Config, error) {
	cfg, err := baseConfig(m)
	if err != nil {
		return nil, err
	}
	cfg.ClientAuth = tls.RequireAnyClientCert
	return cfg, nil
}

// Listen starts a TLS listener bound to addr using cfg (built by
// ServerConfig), accepting the single tunnel connection from the local
// proxy (§4.2).
func Listen(addr string, cfg *tls.Config) (net.Listener, error) {
	ln, err := tls.Listen("tcp", addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("tlstunnel: listen on %s: %w", addr, err)
	}
	return ln, nil
}

// verifyAgainstPool returns a VerifyPeerCertificate callback performing
// full chain verification against pool, logging the peer's certificate
// commonName on failure (§4.6: "Certificate commonName is logged on
// verification failure but is not otherwise pinned"). Exactly one
// verification happens per handshake call.
func verifyAgainstPool(pool *x509.CertPool) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			log.Error().Msg("tls verify failed: peer presented no certificate")
			return fmt.Errorf("tlstunnel: no peer certificate presented")
		}
		leaf, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			log.Error().Err(err).Msg("tls verify failed: unparseable peer certificate")
			return fmt.Errorf("tlstunnel: parse peer certificate: %w", err)
		}
		intermediates := x509.NewCertPool()
		for _, raw := range rawCerts[1:] {
			if c, err := x509.ParseCertificate(raw); err == nil {
				intermediates.AddCert(c)
			}
		}
		opts := x509.VerifyOptions{
			Roots:         pool,
			Intermediates: intermediates,
			KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		}
		if _, err := leaf.Verify(opts); err != nil {
			log.Error().Str("cn", leaf.Subject.CommonName).Err(err).Msg("tls verify failed")
			return fmt.Errorf("tlstunnel: verify peer certificate (cn=%s): %w", leaf.Subject.CommonName, err)
		}
		return nil
	}
}
