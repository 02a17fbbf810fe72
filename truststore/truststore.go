// Package truststore loads the certificates passive authentication and
// terminal authentication depend on: CSCA certificates from PEM/DER files,
// ICAO master lists and PKD LDIF exports, and CVCA terminal key stores.
//
// A Store is filled once at startup and only read afterwards, so it may be
// shared between sessions.
package truststore

import (
	"bytes"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"go-passport-verifier/mrtd"
)

var ErrUnknownFormat = errors.New("unknown trust store file format")

// Store holds CSCA certificates and CVCA key stores. Self-signed CSCA
// certificates are anchors, every other certificate may serve as an
// intermediate (link certificates, document signers).
type Store struct {
	anchors       []*x509.Certificate
	intermediates []*x509.Certificate
	seen          map[string]bool
	cvca          []*CVCAStore
}

func New() *Store {
	return &Store{seen: make(map[string]bool)}
}

// AddCertificate files c as anchor or intermediate. Duplicates are ignored.
func (s *Store) AddCertificate(c *x509.Certificate) {
	key := string(c.Raw)
	if s.seen[key] {
		return
	}
	s.seen[key] = true
	if isSelfSigned(c) {
		s.anchors = append(s.anchors, c)
		return
	}
	s.intermediates = append(s.intermediates, c)
}

func (s *Store) AddCVCAStore(c *CVCAStore) {
	s.cvca = append(s.cvca, c)
}

func (s *Store) Anchors() []*x509.Certificate       { return s.anchors }
func (s *Store) Intermediates() []*x509.Certificate { return s.intermediates }
func (s *Store) CVCAStores() []*CVCAStore           { return s.cvca }

// TerminalCredentials asks every CVCA store in turn for credentials that
// chain to caReference.
func (s *Store) TerminalCredentials(caReference string) (mrtd.TerminalCredentials, bool) {
	for _, store := range s.cvca {
		if creds, ok := store.Credentials(caReference); ok {
			return creds, true
		}
	}
	return mrtd.TerminalCredentials{}, false
}

func isSelfSigned(c *x509.Certificate) bool {
	if !bytes.Equal(c.RawIssuer, c.RawSubject) {
		return false
	}
	return c.CheckSignatureFrom(c) == nil
}

// LoadCSCA builds a store from files and directories. Directories are walked
// and files with an unknown extension in them skipped.
func LoadCSCA(paths ...string) (*Store, error) {
	s := New()
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open trust store %s: %w", path, err)
		}
		if !info.IsDir() {
			if err := s.loadFile(path); err != nil {
				return nil, err
			}
			continue
		}
		err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}
			if err := s.loadFile(p); err != nil {
				if errors.Is(err, ErrUnknownFormat) {
					slog.Debug("Skipping file in trust store directory", "path", p)
					return nil
				}
				return err
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	slog.Info("Loaded CSCA trust store", "anchors", len(s.anchors), "intermediates", len(s.intermediates))
	return s, nil
}

func (s *Store) loadFile(path string) error {
	var certs []*x509.Certificate
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pem", ".crt", ".cer", ".der":
		certs, err = readCertificates(path)
	case ".ml", ".mls":
		var data []byte
		if data, err = os.ReadFile(path); err == nil {
			certs, err = ParseMasterList(data)
		}
	case ".ldif":
		var data []byte
		if data, err = os.ReadFile(path); err == nil {
			certs, err = ParseLDIF(string(data))
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnknownFormat, path)
	}
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	for _, c := range certs {
		s.AddCertificate(c)
	}
	return nil
}

// readCertificates reads one DER certificate or any number of PEM blocks.
func readCertificates(path string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if !bytes.Contains(data, []byte("-----BEGIN")) {
		c, err := x509.ParseCertificate(data)
		if err != nil {
			return nil, err
		}
		return []*x509.Certificate{c}, nil
	}

	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		c, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			slog.Warn("Skipping unparseable certificate", "path", path, "error", err)
			continue
		}
		certs = append(certs, c)
	}
	return certs, nil
}
