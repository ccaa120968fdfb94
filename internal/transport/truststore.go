package transport

import (
	"bytes"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"strings"

	keystore "github.com/pavlo-v-chernykh/keystore-go/v4"
	"software.sslmate.com/src/go-pkcs12"

	apperrors "github.com/Adithya-Monish-Kumar-K/splunk-hec-sink/pkg/errors"
)

// Trust store formats accepted by LoadTrustStore.
const (
	StoreJKS    = "JKS"
	StorePKCS12 = "PKCS12"
	StorePEM    = "PEM"
)

// LoadTrustStore reads the trust material at path and returns a certificate
// pool holding every trusted certificate it contains.
func LoadTrustStore(path, storeType, password string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Newf(apperrors.ErrConfiguration, 0, "reading trust store %s: %v", path, err)
	}

	var certs []*x509.Certificate
	switch strings.ToUpper(storeType) {
	case StoreJKS, "":
		certs, err = decodeJKS(data, password)
	case StorePKCS12, "P12", "PFX":
		certs, err = decodePKCS12(data, password)
	case StorePEM:
		certs, err = decodePEM(data)
	default:
		return nil, apperrors.Newf(apperrors.ErrConfiguration, 0, "unsupported trust store type %q", storeType)
	}
	if err != nil {
		return nil, apperrors.Newf(apperrors.ErrConfiguration, 0, "loading %s trust store %s: %v", storeType, path, err)
	}
	if len(certs) == 0 {
		return nil, apperrors.Newf(apperrors.ErrConfiguration, 0, "trust store %s contains no certificates", path)
	}

	pool := x509.NewCertPool()
	for _, c := range certs {
		pool.AddCert(c)
	}
	return pool, nil
}

func decodeJKS(data []byte, password string) ([]*x509.Certificate, error) {
	ks := keystore.New()
	if err := ks.Load(bytes.NewReader(data), []byte(password)); err != nil {
		return nil, err
	}
	var certs []*x509.Certificate
	for _, alias := range ks.Aliases() {
		if !ks.IsTrustedCertificateEntry(alias) {
			continue
		}
		entry, err := ks.GetTrustedCertificateEntry(alias)
		if err != nil {
			return nil, fmt.Errorf("alias %s: %w", alias, err)
		}
		cert, err := x509.ParseCertificate(entry.Certificate.Content)
		if err != nil {
			return nil, fmt.Errorf("alias %s: %w", alias, err)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

func decodePKCS12(data []byte, password string) ([]*x509.Certificate, error) {
	certs, err := pkcs12.DecodeTrustStore(data, password)
	if err == nil {
		return certs, nil
	}
	// Stores exported with a key entry rather than trusted-cert bags.
	_, leaf, chain, chainErr := pkcs12.DecodeChain(data, password)
	if chainErr != nil {
		return nil, err
	}
	return append([]*x509.Certificate{leaf}, chain...), nil
}

func decodePEM(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for len(data) > 0 {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}
		certs = append(certs, cert)
	}
	return certs, nil
}
