package certs

import (
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"net"
	"slices"
	"testing"
	"time"
)

func TestGenerate(t *testing.T) {
	t.Parallel()
	cert, err := Generate(24*time.Hour, "relay.example", "10.0.0.7")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if len(cert.TLSCert.Certificate) == 0 {
		t.Fatal("no certificate data")
	}

	x509Cert, err := x509.ParseCertificate(cert.TLSCert.Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse cert: %v", err)
	}

	validity := x509Cert.NotAfter.Sub(x509Cert.NotBefore)
	if validity > 24*time.Hour+2*time.Minute {
		t.Errorf("validity too long: %v", validity)
	}
	if x509Cert.NotAfter.Before(time.Now()) {
		t.Error("cert is already expired")
	}

	if cert.Fingerprint != sha256.Sum256(cert.TLSCert.Certificate[0]) {
		t.Error("fingerprint mismatch")
	}
	if cert.FingerprintBase64() == "" || len(cert.FingerprintHex()) != 64 {
		t.Errorf("fingerprint encodings: %q %q", cert.FingerprintBase64(), cert.FingerprintHex())
	}

	if !slices.Contains(x509Cert.DNSNames, "localhost") || !slices.Contains(x509Cert.DNSNames, "relay.example") {
		t.Errorf("DNS names %v", x509Cert.DNSNames)
	}
	found := false
	for _, ip := range x509Cert.IPAddresses {
		if ip.Equal(net.ParseIP("10.0.0.7")) {
			found = true
		}
	}
	if !found {
		t.Errorf("IP addresses %v", x509Cert.IPAddresses)
	}
}

func TestGenerateDefaultValidity(t *testing.T) {
	t.Parallel()
	cert, err := Generate(0)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	x509Cert, err := x509.ParseCertificate(cert.TLSCert.Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse cert: %v", err)
	}
	validity := x509Cert.NotAfter.Sub(x509Cert.NotBefore)
	if validity < DefaultValidity-time.Minute || validity > DefaultValidity+time.Minute {
		t.Errorf("default validity = %v", validity)
	}
}

func TestPinnedClientConfig(t *testing.T) {
	t.Parallel()
	cert, err := Generate(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	other, err := Generate(time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	cfg, err := PinnedClientConfig(cert.FingerprintHex(), "tune")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.NextProtos[0] != "tune" {
		t.Errorf("protos %v", cfg.NextProtos)
	}
	if err := cfg.VerifyPeerCertificate(cert.TLSCert.Certificate, nil); err != nil {
		t.Errorf("pinned cert rejected: %v", err)
	}
	if err := cfg.VerifyPeerCertificate(other.TLSCert.Certificate, nil); !errors.Is(err, ErrFingerprintMismatch) {
		t.Errorf("other cert: %v", err)
	}

	if _, err := PinnedClientConfig("zz"); err == nil {
		t.Error("bad fingerprint accepted")
	}
	open, err := PinnedClientConfig("")
	if err != nil || open.VerifyPeerCertificate != nil {
		t.Errorf("empty pin: %v", err)
	}
}
