package verify

import (
	"bytes"
	"crypto/x509"
	"log/slog"
	"time"

	"go-passport-verifier/lds"
	"go-passport-verifier/status"
)

// TrustStore supplies the CSCA certificates. Anchors are the roots a chain
// must end in, Intermediates may be used to reach them.
type TrustStore interface {
	Anchors() []*x509.Certificate
	Intermediates() []*x509.Certificate
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithCurrentTime sets the time certificate validity is checked at.
func WithCurrentTime(t time.Time) Option {
	return func(v *Verifier) {
		v.now = func() time.Time { return t }
	}
}

// Verifier runs passive authentication against one trust store. A nil
// store means no CSCA certificates are configured.
type Verifier struct {
	trust TrustStore
	now   func() time.Time
}

func NewVerifier(trust TrustStore, opts ...Option) *Verifier {
	v := &Verifier{trust: trust, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// VerifyCS builds a path from the document signer certificate to a CSCA
// anchor and records the CS verdict along with the chain.
func (v *Verifier) VerifyCS(sod *lds.SOD, vs *status.VerificationStatus) {
	if sod == nil {
		vs.SetCS(status.Failed, "Unable to build certificate chain", nil)
		return
	}
	ds, ok := sod.DocSigningCertificate()
	if !ok {
		slog.Info("No parseable document signer certificate in SOD")
		vs.SetCS(status.Failed, "Unable to build certificate chain", nil)
		return
	}
	chain := []*x509.Certificate{ds}

	if v.trust == nil {
		vs.SetCS(status.Failed, "No CSCA certificate stores found", chain)
		return
	}
	anchors := v.trust.Anchors()
	if len(anchors) == 0 {
		vs.SetCS(status.Failed, "No CSCA trust anchors found", chain)
		return
	}

	if sod.SignerSerial != nil && (ds.SerialNumber.Cmp(sod.SignerSerial) != 0 || !bytes.Equal(ds.RawIssuer, sod.SignerIssuer)) {
		slog.Warn("Document signer certificate does not match the SOD signer identifier",
			"serial", ds.SerialNumber.String(), "issuer", ds.Issuer.String())
	}

	roots := x509.NewCertPool()
	for _, c := range anchors {
		roots.AddCert(c)
	}
	intermediates := x509.NewCertPool()
	for _, c := range v.trust.Intermediates() {
		intermediates.AddCert(c)
	}

	chains, err := ds.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		CurrentTime:   v.now(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil || len(chains) == 0 {
		slog.Info("Building a chain failed", "error", err)
		vs.SetCS(status.Failed, "Signature failed", nil)
		return
	}
	if len(chains[0]) <= 1 {
		vs.SetCS(status.Failed, "Could not build chain to trust anchor", chains[0])
		return
	}
	vs.SetCS(status.Succeeded, "Found a chain to a trust anchor", chains[0])
}
