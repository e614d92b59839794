package runtime

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrNoTLSMaterial indicates TLS was requested but no usable certificate
// material was found. This is a hard precondition of talking to a remote
// engine; there is no insecure fallback.
var ErrNoTLSMaterial = errors.New("runtime: TLS requested but no usable certificate material configured")

// TLSMaterial is the raw operator-supplied input: each of CA, cert and key
// may come from a mounted file path or be inlined as PEM text or base64.
type TLSMaterial struct {
	CAFile   string
	CertFile string
	KeyFile  string
	CAData   string
	CertData string
	KeyData  string
}

// TLSIdentity is the normalized triple every TLS consumer works with. CAs is
// already split on certificate boundaries so bundle handling happens in
// exactly one place.
type TLSIdentity struct {
	CAs  [][]byte
	Cert []byte
	Key  []byte
}

// LoadTLSIdentity normalizes all source-format variants into a TLSIdentity.
// Adapter logic never inspects raw formats directly.
func LoadTLSIdentity(m TLSMaterial) (*TLSIdentity, error) {
	ca, err := loadPEM(m.CAFile, m.CAData)
	if err != nil {
		return nil, fmt.Errorf("runtime: CA material: %w", err)
	}
	cert, err := loadPEM(m.CertFile, m.CertData)
	if err != nil {
		return nil, fmt.Errorf("runtime: client cert: %w", err)
	}
	key, err := loadPEM(m.KeyFile, m.KeyData)
	if err != nil {
		return nil, fmt.Errorf("runtime: client key: %w", err)
	}

	if ca == nil && cert == nil && key == nil {
		return nil, ErrNoTLSMaterial
	}
	if cert == nil || key == nil {
		return nil, fmt.Errorf("%w: client cert and key are both required", ErrNoTLSMaterial)
	}

	id := &TLSIdentity{Cert: cert, Key: key}
	if ca != nil {
		id.CAs = splitCertBundle(ca)
		if len(id.CAs) == 0 {
			return nil, fmt.Errorf("%w: CA material contains no certificates", ErrNoTLSMaterial)
		}
	}
	return id, nil
}

// loadPEM resolves one piece of material. File wins over inline data; inline
// data may be PEM text or base64-wrapped PEM.
func loadPEM(file, data string) ([]byte, error) {
	if file != "" {
		raw, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		return raw, nil
	}
	data = strings.TrimSpace(data)
	if data == "" {
		return nil, nil
	}
	if strings.Contains(data, "-----BEGIN") {
		return []byte(data), nil
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("inline data is neither PEM nor base64: %w", err)
	}
	return raw, nil
}

// splitCertBundle splits a PEM bundle into individual certificate blocks.
func splitCertBundle(bundle []byte) [][]byte {
	var certs [][]byte
	rest := bundle
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return certs
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		certs = append(certs, pem.EncodeToMemory(block))
	}
}

// ClientConfig builds the tls.Config used for the engine's HTTPS transport.
func (id *TLSIdentity) ClientConfig() (*tls.Config, error) {
	keyPair, err := tls.X509KeyPair(id.Cert, id.Key)
	if err != nil {
		return nil, fmt.Errorf("runtime: client key pair: %w", err)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{keyPair},
		MinVersion:   tls.VersionTLS12,
	}
	if len(id.CAs) > 0 {
		pool := x509.NewCertPool()
		for _, ca := range id.CAs {
			if !pool.AppendCertsFromPEM(ca) {
				return nil, fmt.Errorf("runtime: CA certificate did not parse")
			}
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}
