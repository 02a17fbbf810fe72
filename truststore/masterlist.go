package truststore

import (
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-ldap/ldif"
	"go.mozilla.org/pkcs7"
)

// masterList is the eContent of an ICAO CSCA master list.
type masterList struct {
	Version      int
	Certificates []asn1.RawValue `asn1:"set"`
}

// ParseMasterList extracts the CSCA certificates of a CMS signed master
// list. The signature of the master list signer is checked and logged but
// does not decide whether the certificates are used.
func ParseMasterList(der []byte) ([]*x509.Certificate, error) {
	p7, err := pkcs7.Parse(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse master list: %w", err)
	}
	if err := p7.Verify(); err != nil {
		slog.Warn("Master list signature not verified", "error", err)
	}

	var ml masterList
	if _, err := asn1.Unmarshal(p7.Content, &ml); err != nil {
		return nil, fmt.Errorf("failed to parse master list content: %w", err)
	}
	certs := make([]*x509.Certificate, 0, len(ml.Certificates))
	for i, raw := range ml.Certificates {
		c, err := x509.ParseCertificate(raw.FullBytes)
		if err != nil {
			slog.Debug("Skipping master list entry", "index", i, "error", err)
			continue
		}
		certs = append(certs, c)
	}
	return certs, nil
}

// ParseLDIF reads certificates and master lists from an ICAO PKD LDIF
// export.
func ParseLDIF(content string) ([]*x509.Certificate, error) {
	parsed, err := ldif.Parse(content)
	if err != nil {
		return nil, fmt.Errorf("failed to parse LDIF: %w", err)
	}

	var certs []*x509.Certificate
	for _, entry := range parsed.Entries {
		if entry == nil || entry.Entry == nil {
			continue
		}
		for _, attr := range entry.Entry.Attributes {
			switch {
			case strings.EqualFold(attr.Name, "userCertificate;binary"):
				for _, value := range attr.ByteValues {
					c, err := x509.ParseCertificate(value)
					if err != nil {
						slog.Debug("Skipping certificate in LDIF", "dn", entry.Entry.DN, "error", err)
						continue
					}
					certs = append(certs, c)
				}
			case strings.EqualFold(attr.Name, "pkdMasterListContent"),
				strings.EqualFold(attr.Name, "CscaMasterListData"):
				for _, value := range attr.ByteValues {
					listed, err := ParseMasterList(value)
					if err != nil {
						slog.Warn("Skipping master list in LDIF", "dn", entry.Entry.DN, "error", err)
						continue
					}
					certs = append(certs, listed...)
				}
			}
		}
	}
	return certs, nil
}
