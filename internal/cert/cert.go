// Package cert manages the self-signed root certificate an interception
// listener presents. The certificate and key are generated on first use and
// persisted, so clients that trusted the root once keep trusting it across
// restarts.
package cert

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	certFileName = "rootCert.pem"
	keyFileName  = "rootKey.pem"

	// validity of a freshly generated root.
	rootValidity = 2 * 365 * 24 * time.Hour
)

// Provider loads or creates the root certificate under dir.
type Provider struct {
	dir string

	mu      sync.Mutex
	certPEM []byte
	keyPEM  []byte
}

// NewProvider creates a provider rooted at dir. Nothing is generated until
// the certificate is first requested.
func NewProvider(dir string) *Provider {
	return &Provider{dir: dir}
}

// RootCertPEM returns the root certificate in PEM form, generating and
// persisting a new one when none exists yet.
func (p *Provider) RootCertPEM() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ensure(); err != nil {
		return nil, err
	}
	return p.certPEM, nil
}

func (p *Provider) certPath() string { return filepath.Join(p.dir, certFileName) }
func (p *Provider) keyPath() string  { return filepath.Join(p.dir, keyFileName) }

func (p *Provider) ensure() error {
	if p.certPEM != nil {
		return nil
	}

	certPEM, err := os.ReadFile(p.certPath())
	if err == nil {
		keyPEM, err := os.ReadFile(p.keyPath())
		if err == nil {
			p.certPEM = certPEM
			p.keyPEM = keyPEM
			return nil
		}
	}
	return p.generate()
}

// generate creates a new self-signed CA certificate and persists both
// halves. The key file is written before the certificate so a crash never
// leaves a certificate without its key.
func (p *Provider) generate() error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generating root key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("generating serial: %w", err)
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   "Dev Proxy Root CA",
			Organization: []string{"devproxy"},
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(rootValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("creating root certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("encoding root key: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return fmt.Errorf("creating cert dir: %w", err)
	}
	if err := os.WriteFile(p.keyPath(), keyPEM, 0o600); err != nil {
		return fmt.Errorf("writing root key: %w", err)
	}
	if err := os.WriteFile(p.certPath(), certPEM, 0o644); err != nil {
		return fmt.Errorf("writing root certificate: %w", err)
	}

	p.certPEM = certPEM
	p.keyPEM = keyPEM
	return nil
}
