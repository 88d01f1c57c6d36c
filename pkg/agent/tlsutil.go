package agent

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"

	"github.com/WebFirstLanguage/beenet/pkg/constants"
)

// selfSignedTLSConfig builds an ephemeral TLS certificate for the
// listening side of a transport. Peer authentication happens at the
// Noise-IK layer in pkg/peersession; TLS here only provides channel
// encryption for the QUIC/TCP transports, so a fresh self-signed leaf is
// sufficient and avoids any certificate provisioning step.
func selfSignedTLSConfig() (*tls.Config, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("agent: generate tls key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("agent: generate tls serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "beenet-peer"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		return nil, fmt.Errorf("agent: create tls certificate: %w", err)
	}

	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{constants.ALPN},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// dialTLSConfig is used on the initiating side. The remote's TLS
// certificate is never checked against a root pool, since pkg/peersession
// re-authenticates the peer by its long-term Noise static key regardless
// of what the channel-level certificate says.
func dialTLSConfig() *tls.Config {
	return &tls.Config{
		NextProtos:         []string{constants.ALPN},
		MinVersion:         tls.VersionTLS13,
		InsecureSkipVerify: true,
	}
}
