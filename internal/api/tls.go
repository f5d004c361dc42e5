package api

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

	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/utils"
)

// generateECDSACertificate creates a self-signed loopback certificate.
// ECDSA P-256 because browsers do not accept Ed25519 certificates.
func generateECDSACertificate() ([]byte, *ecdsa.PrivateKey, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate ECDSA key: %v", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate serial number: %v", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"relay-dm"},
			CommonName:   "relay-dm local API",
		},
		NotBefore:   now.Add(-time.Hour),
		NotAfter:    now.Add(365 * 24 * time.Hour),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses: []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		DNSNames:    []string{"localhost"},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create certificate: %v", err)
	}

	return certDER, privateKey, nil
}

// saveECDSACertificateToPEM saves an ECDSA certificate and private key to PEM files
func saveECDSACertificateToPEM(certDER []byte, privateKey *ecdsa.PrivateKey, certPath, keyPath string) error {
	certPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: certDER,
	})
	if certPEM == nil {
		return fmt.Errorf("failed to encode certificate to PEM")
	}

	if err := os.WriteFile(certPath, certPEM, 0644); err != nil {
		return fmt.Errorf("failed to write certificate file: %v", err)
	}

	privKeyBytes, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %v", err)
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: privKeyBytes,
	})
	if keyPEM == nil {
		return fmt.Errorf("failed to encode private key to PEM")
	}

	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		return fmt.Errorf("failed to write private key file: %v", err)
	}

	return nil
}

// loadECDSACertificateFromPEM loads a certificate pair, refusing one that expires within 30 days
func loadECDSACertificateFromPEM(certPath, keyPath string) (tls.Certificate, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to read certificate file: %v", err)
	}

	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to read private key file: %v", err)
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil || certBlock.Type != "CERTIFICATE" {
		return tls.Certificate{}, fmt.Errorf("failed to decode certificate PEM")
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return tls.Certificate{}, fmt.Errorf("failed to decode private key PEM")
	}

	// Externally issued pairs may use any of these encodings
	validKeyTypes := []string{"PRIVATE KEY", "EC PRIVATE KEY", "RSA PRIVATE KEY"}
	validType := false
	for _, t := range validKeyTypes {
		if keyBlock.Type == t {
			validType = true
			break
		}
	}
	if !validType {
		return tls.Certificate{}, fmt.Errorf("unsupported private key type: %s (expected PRIVATE KEY, EC PRIVATE KEY, or RSA PRIVATE KEY)", keyBlock.Type)
	}

	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to parse certificate: %v", err)
	}

	now := time.Now()
	if now.After(cert.NotAfter) {
		return tls.Certificate{}, fmt.Errorf("certificate expired on %v", cert.NotAfter)
	}
	if now.Add(30 * 24 * time.Hour).After(cert.NotAfter) {
		return tls.Certificate{}, fmt.Errorf("certificate expiring soon (expires %v)", cert.NotAfter)
	}

	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to load X509 key pair: %v", err)
	}

	return tlsCert, nil
}

// loadOrGenerateAPICertificates returns the API certificate from the data directory,
// replacing it when missing or close to expiry
func loadOrGenerateAPICertificates(paths *utils.AppPaths, logger *utils.LogsManager) (tls.Certificate, error) {
	certPath := paths.GetDataPath("api-cert.pem")
	keyPath := paths.GetDataPath("api-key.pem")

	tlsCert, err := loadECDSACertificateFromPEM(certPath, keyPath)
	if err == nil {
		logger.Info(fmt.Sprintf("Loaded existing ECDSA certificate for API server from %s", certPath), "api")
		return tlsCert, nil
	}

	logger.Info(fmt.Sprintf("Generating new ECDSA P-256 certificate for API server (reason: %v)", err), "api")

	certDER, privateKey, err := generateECDSACertificate()
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to generate ECDSA certificate: %v", err)
	}

	if err := saveECDSACertificateToPEM(certDER, privateKey, certPath, keyPath); err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to save ECDSA certificate: %v", err)
	}

	logger.Info(fmt.Sprintf("ECDSA certificate saved to %s", certPath), "api")

	tlsCert, err = loadECDSACertificateFromPEM(certPath, keyPath)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to load newly created certificate: %v", err)
	}

	return tlsCert, nil
}
