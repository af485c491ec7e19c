package cert

import (
	"bytes"
	"crypto/x509"
	"encoding/pem"
	"testing"
)

func TestRootCertGeneratedAndValid(t *testing.T) {
	p := NewProvider(t.TempDir())

	pemBytes, err := p.RootCertPEM()
	if err != nil {
		t.Fatal(err)
	}

	block, _ := pem.Decode(pemBytes)
	if block == nil || block.Type != "CERTIFICATE" {
		t.Fatal("expected a PEM certificate block")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatal(err)
	}
	if !cert.IsCA {
		t.Error("root certificate must be a CA")
	}
	if cert.Subject.CommonName != "Dev Proxy Root CA" {
		t.Errorf("got CN %q", cert.Subject.CommonName)
	}
}

func TestRootCertPersistsAcrossProviders(t *testing.T) {
	dir := t.TempDir()

	first, err := NewProvider(dir).RootCertPEM()
	if err != nil {
		t.Fatal(err)
	}
	second, err := NewProvider(dir).RootCertPEM()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first, second) {
		t.Error("a second provider must reuse the persisted root, not regenerate it")
	}
}
