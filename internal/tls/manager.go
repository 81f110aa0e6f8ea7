package tls

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"

	"otp-service/internal/util"
)

type TLSManager struct {
	config   *TLSConfig
	autoCert *autocert.Manager
}

type TLSConfig struct {
	EnableTLS   bool
	AutoCert    bool
	Domain      string
	CertFile    string
	KeyFile     string
	AutoCertDir string
	Email       string
	Environment string
}

func NewTLSManager(config *TLSConfig) *TLSManager {
	manager := &TLSManager{
		config: config,
	}

	if config.AutoCert && config.EnableTLS {
		manager.setupAutoCert()
	}

	return manager
}

func (m *TLSManager) setupAutoCert() {
	if err := os.MkdirAll(m.config.AutoCertDir, 0700); err != nil {
		util.Warn("Could not create autocert directory", zap.Error(err))
		return
	}

	m.autoCert = &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(m.config.Domain),
		Cache:      autocert.DirCache(m.config.AutoCertDir),
		Email:      m.config.Email,
	}

	util.Info("AutoCert configured",
		zap.String("domain", m.config.Domain),
		zap.String("cache_dir", m.config.AutoCertDir))
}

func (m *TLSManager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	// Try AutoCert first if enabled
	if m.autoCert != nil {
		if cert, err := m.autoCert.GetCertificate(hello); err == nil {
			return cert, nil
		}
	}

	// Fallback to file-based certificates
	if m.config.CertFile != "" && m.config.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(m.config.CertFile, m.config.KeyFile)
		if err == nil {
			return &cert, nil
		}
	}

	// Final fallback: generate self-signed certificate
	return m.generateSelfSignedCert()
}

func (m *TLSManager) generateSelfSignedCert() (*tls.Certificate, error) {
	hosts := []string{
		m.config.Domain,
		"localhost",
		"127.0.0.1",
		"::1",
	}

	cert, err := generateDevCert(m.config.AutoCertDir, hosts)
	if err != nil {
		return nil, fmt.Errorf("failed to generate self-signed certificate: %v", err)
	}

	util.Info("Generated self-signed certificate", zap.Strings("hosts", hosts))
	return &cert, nil
}

func (m *TLSManager) GetTLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: m.GetCertificate,
		NextProtos:     []string{"h2", "http/1.1"},
		MinVersion:     tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
	}
}

func (m *TLSManager) GetAutocertManager() *autocert.Manager {
	return m.autoCert
}

// generateDevCert creates (or reuses) a self-signed certificate for
// local development.
func generateDevCert(certDir string, hosts []string) (tls.Certificate, error) {
	certPath := filepath.Join(certDir, "dev-cert.pem")
	keyPath := filepath.Join(certDir, "dev-key.pem")

	if cert, err := tls.LoadX509KeyPair(certPath, keyPath); err == nil {
		if devCertStillValid(certPath) {
			util.Info("Using existing valid certificate", zap.String("cert_path", certPath))
			return cert, nil
		}
	}

	util.Info("Generating new self-signed certificate", zap.Strings("hosts", hosts))

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to generate private key: %v", err)
	}

	serialNumber, _ := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"OTP Service Development"},
			Country:      []string{"BD"},
			Locality:     []string{"Dhaka"},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  false,
	}

	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to create certificate: %v", err)
	}

	certOut, err := os.Create(certPath)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to open cert.pem for writing: %v", err)
	}
	pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	certOut.Close()

	keyOut, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to open key.pem for writing: %v", err)
	}
	pem.Encode(keyOut, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	keyOut.Close()

	util.Info("Successfully generated self-signed certificate",
		zap.String("cert_path", certPath),
		zap.String("key_path", keyPath))

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to load generated certificate: %v", err)
	}

	return cert, nil
}

func devCertStillValid(certPath string) bool {
	certData, err := os.ReadFile(certPath)
	if err != nil {
		return false
	}

	block, _ := pem.Decode(certData)
	if block == nil {
		return false
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return false
	}

	now := time.Now()
	return now.After(cert.NotBefore) && now.Before(cert.NotAfter)
}
