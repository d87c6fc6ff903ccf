// Package identity manages the device key used for the QUIC listener certificate
// and the fingerprint advertised to peers.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const privatePEMType = "PRIVATE KEY"

// ErrFingerprintMismatch indicates a peer certificate with an unexpected key.
var ErrFingerprintMismatch = errors.New("identity: certificate fingerprint mismatch")

// EnsureKey loads the PKCS#8 Ed25519 key at path, generating it on first run.
func EnsureKey(path string) (ed25519.PrivateKey, error) {
	key, err := LoadKey(path)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	_, key, err = ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate Ed25519 key: %w", err)
	}
	if err := SaveKey(path, key); err != nil {
		return nil, err
	}
	return key, nil
}

// LoadKey reads a PKCS#8 Ed25519 key from a PEM file.
func LoadKey(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read device key: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode device key: no PEM block")
	}
	if block.Type != privatePEMType {
		return nil, fmt.Errorf("decode device key: unexpected type %q", block.Type)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse device key: %w", err)
	}
	key, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("parse device key: unexpected key type %T", parsed)
	}
	return key, nil
}

// SaveKey writes key as a PKCS#8 PEM file with 0600 permissions.
func SaveKey(path string, key ed25519.PrivateKey) error {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal device key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	block := &pem.Block{Type: privatePEMType, Bytes: der}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("write device key: %w", err)
	}
	return nil
}

// Fingerprint returns the truncated SHA-256 hex fingerprint of a public key.
func Fingerprint(publicKey ed25519.PublicKey) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:16])
}

// FormatFingerprint returns fingerprint text grouped in chunks of 4 uppercase chars.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))
	if clean == "" {
		return ""
	}

	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}
		end := min(i+4, len(clean))
		b.WriteString(clean[i:end])
	}
	return b.String()
}

// ServerTLSConfig returns a TLS config with a self-signed certificate for key.
func ServerTLSConfig(key ed25519.PrivateKey, commonName string, nextProtos ...string) (*tls.Config, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, fmt.Errorf("generate certificate serial: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost", commonName},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
		NextProtos:   nextProtos,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// ClientTLSConfig returns a TLS config that accepts self-signed peers.
//
// When pinned is non-empty the peer's Ed25519 key must match that fingerprint.
func ClientTLSConfig(pinned string, nextProtos ...string) *tls.Config {
	pinned = strings.ToLower(strings.ReplaceAll(pinned, " ", ""))
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         nextProtos,
		MinVersion:         tls.VersionTLS13,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if pinned == "" {
				return nil
			}
			if len(rawCerts) == 0 {
				return ErrFingerprintMismatch
			}
			cert, err := x509.ParseCertificate(rawCerts[0])
			if err != nil {
				return fmt.Errorf("parse peer certificate: %w", err)
			}
			publicKey, ok := cert.PublicKey.(ed25519.PublicKey)
			if !ok || Fingerprint(publicKey) != pinned {
				return ErrFingerprintMismatch
			}
			return nil
		},
	}
}
