package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	standardtls "crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGenerateSelfSignedCert(t *testing.T) {
	t.Parallel()

	cert, err := GenerateSelfSignedCert("mail.example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cert == nil {
		t.Fatal("certificate is nil")
	}

	// Parse the leaf certificate to inspect it
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse certificate: %v", err)
	}

	if leaf.Subject.CommonName != "mail.example.com" {
		t.Errorf("CN: got %q, want %q", leaf.Subject.CommonName, "mail.example.com")
	}

	// The hostname and localhost both appear as DNS SANs
	wantDNS := map[string]bool{"mail.example.com": false, "localhost": false}
	for _, dns := range leaf.DNSNames {
		if _, ok := wantDNS[dns]; ok {
			wantDNS[dns] = true
		}
	}
	for name, found := range wantDNS {
		if !found {
			t.Errorf("DNS SANs %v missing %q", leaf.DNSNames, name)
		}
	}

	foundIP := false
	for _, ip := range leaf.IPAddresses {
		if ip.String() == "127.0.0.1" {
			foundIP = true
			break
		}
	}
	if !foundIP {
		t.Errorf("IP SANs: %v does not contain 127.0.0.1", leaf.IPAddresses)
	}

	// Validity period is approximately 1 year
	validDuration := leaf.NotAfter.Sub(leaf.NotBefore)
	expectedDuration := 365 * 24 * time.Hour
	if validDuration < expectedDuration-time.Hour || validDuration > expectedDuration+time.Hour {
		t.Errorf("validity duration: got %v, want approximately %v", validDuration, expectedDuration)
	}

	ecKey, ok := leaf.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		t.Fatal("public key is not ECDSA")
	}
	if ecKey.Curve != elliptic.P256() {
		t.Errorf("curve: got %v, want P-256", ecKey.Curve.Params().Name)
	}

	if leaf.Issuer.CommonName != leaf.Subject.CommonName {
		t.Errorf("issuer CN %q does not match subject CN %q", leaf.Issuer.CommonName, leaf.Subject.CommonName)
	}
}

func TestGenerateSelfSignedCert_EmptyHostname(t *testing.T) {
	t.Parallel()

	cert, err := GenerateSelfSignedCert("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse certificate: %v", err)
	}
	if leaf.Subject.CommonName != "localhost" {
		t.Errorf("CN: got %q, want %q", leaf.Subject.CommonName, "localhost")
	}
}

func TestLoadOrGenerate_SelfSigned(t *testing.T) {
	t.Parallel()

	tlsConfig, err := LoadOrGenerate("", "", "mail.example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tlsConfig == nil {
		t.Fatal("TLS config is nil")
	}
	if len(tlsConfig.Certificates) != 1 {
		t.Errorf("Certificates: got %d, want 1", len(tlsConfig.Certificates))
	}
	if tlsConfig.MinVersion != standardtls.VersionTLS12 {
		t.Errorf("MinVersion: got %d, want TLS 1.2 (%d)", tlsConfig.MinVersion, standardtls.VersionTLS12)
	}
}

func TestLoadOrGenerate_FromFiles(t *testing.T) {
	t.Parallel()

	// Generate a cert, write it out, and load it back through the file path.
	cert, err := GenerateSelfSignedCert("mail.example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Certificate[0]})
	keyDER, err := x509.MarshalECPrivateKey(cert.PrivateKey.(*ecdsa.PrivateKey))
	if err != nil {
		t.Fatalf("failed to marshal private key: %v", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(certFile, certPEM, 0o600); err != nil {
		t.Fatalf("failed to write cert file: %v", err)
	}
	if err := os.WriteFile(keyFile, keyPEM, 0o600); err != nil {
		t.Fatalf("failed to write key file: %v", err)
	}

	tlsConfig, err := LoadOrGenerate(certFile, keyFile, "ignored.example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tlsConfig.Certificates) != 1 {
		t.Fatalf("Certificates: got %d, want 1", len(tlsConfig.Certificates))
	}

	leaf, err := x509.ParseCertificate(tlsConfig.Certificates[0].Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse loaded certificate: %v", err)
	}
	if leaf.Subject.CommonName != "mail.example.com" {
		t.Errorf("CN: got %q, want %q", leaf.Subject.CommonName, "mail.example.com")
	}
}

func TestLoadOrGenerate_FileNotFound(t *testing.T) {
	t.Parallel()

	_, err := LoadOrGenerate("/nonexistent/cert.pem", "/nonexistent/key.pem", "localhost")
	if err == nil {
		t.Error("expected error for nonexistent files, got nil")
	}
}
