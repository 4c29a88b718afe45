package saml

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"

	dsig "github.com/russellhaering/goxmldsig"
)

// KeyPair holds the proxy's signing certificate and private key
type KeyPair struct {
	Certificate *x509.Certificate
	PrivateKey  *rsa.PrivateKey
}

// LoadKeyPair reads a PEM certificate and private key from disk
func LoadKeyPair(certFile, keyFile string) (*KeyPair, error) {
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate file: %w", err)
	}
	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key file: %w", err)
	}
	return ParseKeyPair(certPEM, keyPEM)
}

// ParseKeyPair parses a PEM certificate and private key. Both PKCS#1
// and PKCS#8 key encodings are accepted.
func ParseKeyPair(certPEM, keyPEM []byte) (*KeyPair, error) {
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, fmt.Errorf("failed to decode certificate PEM")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("failed to decode private key PEM")
	}

	privateKey, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		// Try PKCS8 format
		pkcs8Key, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		var ok bool
		privateKey, ok = pkcs8Key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key is not RSA")
		}
	}

	return &KeyPair{Certificate: cert, PrivateKey: privateKey}, nil
}

// KeyStore adapts the key pair to the xmldsig signing interface
func (kp *KeyPair) KeyStore() dsig.X509KeyStore {
	return &dsig.TLSCertKeyStore{
		PrivateKey:  kp.PrivateKey,
		Certificate: [][]byte{kp.Certificate.Raw},
	}
}

// CertificateBase64 returns the DER certificate base64-encoded, the
// form embedded in metadata documents
func (kp *KeyPair) CertificateBase64() string {
	return base64.StdEncoding.EncodeToString(kp.Certificate.Raw)
}
