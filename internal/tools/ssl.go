package tools

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

const certLifetime = 365 * 24 * time.Hour

// EnsureCertificate keeps a usable certificate/key pair at the given paths.
// An existing pair is reused while it is in its validity window and covers
// every host, otherwise a self-signed one is generated for hosts.
func EnsureCertificate(certPath, keyPath string, hosts ...string) error {
	reason := checkCertificate(certPath, keyPath, hosts)
	if reason == "" {
		return nil
	}
	logrus.Infof("Generating self-signed certificate for %v: %s", hosts, reason)
	return generateSelfSignedCertificate(certPath, keyPath, hosts)
}

// checkCertificate returns why the pair on disk cannot be used, or "" when it can.
func checkCertificate(certPath, keyPath string, hosts []string) string {
	pair, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return err.Error()
	}
	cert, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return err.Error()
	}
	if now := time.Now(); now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return "certificate expired"
	}
	for _, h := range hosts {
		if err := cert.VerifyHostname(h); err != nil {
			return fmt.Sprintf("certificate does not cover %s", h)
		}
	}
	return ""
}

func generateSelfSignedCertificate(certPath, keyPath string, hosts []string) error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("generate serial: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"Color Meter"}},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(certLifetime),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("create certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal key: %w", err)
	}

	if err := writePEM(keyPath, 0600, "EC PRIVATE KEY", keyDER); err != nil {
		return err
	}
	return writePEM(certPath, 0644, "CERTIFICATE", der)
}

func writePEM(path string, perm os.FileMode, blockType string, der []byte) error {
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(path, data, perm); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
