package truststore

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"go-passport-verifier/cvc"
	"go-passport-verifier/lds"
	"go-passport-verifier/mrtd"
)

// CVCAStore holds terminal keys under an alias together with card verifiable
// certificates. A key entry is found by alias; a certificate entry by its
// authority reference, and then the key named after the holder of the chain
// end is used.
type CVCAStore struct {
	Name  string
	keys  map[string]crypto.Signer
	certs []*cvc.Certificate
}

func NewCVCAStore(name string) *CVCAStore {
	return &CVCAStore{Name: name, keys: make(map[string]crypto.Signer)}
}

func (s *CVCAStore) AddKey(alias string, key crypto.Signer) {
	s.keys[alias] = key
}

func (s *CVCAStore) AddCertificate(c *cvc.Certificate) {
	s.certs = append(s.certs, c)
}

// Credentials returns a terminal key and the certificate chain from the CVCA
// named by caReference down to the terminal.
func (s *CVCAStore) Credentials(caReference string) (mrtd.TerminalCredentials, bool) {
	if key, ok := s.keys[caReference]; ok {
		chain, err := cvc.Chain(caReference, s.certs)
		if err == nil {
			return mrtd.TerminalCredentials{Chain: chain, Key: key}, true
		}
		slog.Warn("Key entry without certificate chain", "store", s.Name, "alias", caReference, "error", err)
	}

	for _, c := range s.certs {
		if c.IsSelfSigned() || c.AuthorityReference != caReference {
			continue
		}
		chain, err := cvc.Chain(caReference, s.certs)
		if err != nil {
			continue
		}
		holder := chain[len(chain)-1].HolderReference
		key, ok := s.keys[holder]
		if !ok {
			slog.Debug("No key for certificate holder", "store", s.Name, "holder", holder)
			continue
		}
		return mrtd.TerminalCredentials{Chain: chain, Key: key}, true
	}
	return mrtd.TerminalCredentials{}, false
}

// LoadCVCADir reads a directory of card verifiable certificates (.cvcert,
// .cvc) and PKCS#8 terminal keys (.pkcs8, .key, DER or PEM). A key's alias is
// its file name without extension.
func LoadCVCADir(dir string) (*CVCAStore, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read CVCA directory: %w", err)
	}
	store := NewCVCAStore(dir)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		ext := strings.ToLower(filepath.Ext(e.Name()))
		switch ext {
		case ".cvcert", ".cvc":
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, err
			}
			c, err := cvc.Parse(data)
			if err != nil {
				return nil, fmt.Errorf("failed to parse %s: %w", path, err)
			}
			store.AddCertificate(c)
		case ".pkcs8", ".key":
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, err
			}
			key, err := ParseTerminalKey(data)
			if err != nil {
				return nil, fmt.Errorf("failed to parse %s: %w", path, err)
			}
			store.AddKey(strings.TrimSuffix(e.Name(), filepath.Ext(e.Name())), key)
		default:
			slog.Debug("Skipping file in CVCA directory", "path", path)
		}
	}
	slog.Info("Loaded CVCA key store", "dir", dir, "keys", len(store.keys), "certificates", len(store.certs))
	return store, nil
}

type pkcs8 struct {
	Version    int
	Algorithm  pkix.AlgorithmIdentifier
	PrivateKey []byte
}

type ecPrivateKey struct {
	Version    int
	PrivateKey []byte
	Curve      asn1.ObjectIdentifier `asn1:"optional,explicit,tag:0"`
	PublicKey  asn1.BitString        `asn1:"optional,explicit,tag:1"`
}

// ParseTerminalKey decodes a PKCS#8 private key, PEM or DER. EC keys on
// brainpool curves, which crypto/x509 rejects, are decoded here.
func ParseTerminalKey(data []byte) (crypto.Signer, error) {
	if block, _ := pem.Decode(data); block != nil {
		data = block.Bytes
	}
	if key, err := x509.ParsePKCS8PrivateKey(data); err == nil {
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("key of type %T cannot sign", key)
		}
		return signer, nil
	}

	var info pkcs8
	if _, err := asn1.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to parse PKCS#8: %w", err)
	}
	if !info.Algorithm.Algorithm.Equal(lds.OIDECPublicKey) {
		return nil, fmt.Errorf("unsupported key algorithm %s", info.Algorithm.Algorithm)
	}
	var curveOID asn1.ObjectIdentifier
	if _, err := asn1.Unmarshal(info.Algorithm.Parameters.FullBytes, &curveOID); err != nil {
		return nil, errors.New("EC key without named curve")
	}
	curve, ok := lds.CurveForOID(curveOID)
	if !ok {
		return nil, fmt.Errorf("%w %s", lds.ErrUnsupportedCurve, curveOID)
	}
	var ec ecPrivateKey
	if _, err := asn1.Unmarshal(info.PrivateKey, &ec); err != nil {
		return nil, fmt.Errorf("failed to parse EC private key: %w", err)
	}
	d := new(big.Int).SetBytes(ec.PrivateKey)
	x, y := curve.ScalarBaseMult(ec.PrivateKey)
	return &ecdsa.PrivateKey{PublicKey: ecdsa.PublicKey{Curve: curve, X: x, Y: y}, D: d}, nil
}

// MarshalTerminalKey is the inverse of ParseTerminalKey for keys on curves
// crypto/x509 knows.
func MarshalTerminalKey(key crypto.Signer) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}
