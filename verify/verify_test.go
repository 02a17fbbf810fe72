package verify_test

import (
	"crypto"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"testing"

	"go-passport-verifier/chipsim"
	"go-passport-verifier/lds"
	"go-passport-verifier/status"
	"go-passport-verifier/verify"

	"github.com/stretchr/testify/require"
)

type certs struct {
	anchors       []*x509.Certificate
	intermediates []*x509.Certificate
}

func (c certs) Anchors() []*x509.Certificate       { return c.anchors }
func (c certs) Intermediates() []*x509.Certificate { return c.intermediates }

func specimenDocument(t *testing.T, s *chipsim.Specimen) *lds.Document {
	t.Helper()
	doc, err := lds.DocumentFromDump(s.Dump())
	require.NoError(t, err)
	return doc
}

func TestVerifySecurity(t *testing.T) {
	tests := []struct {
		name string
		opts chipsim.SpecimenOptions
	}{
		{name: "ecdsa sha256", opts: chipsim.SpecimenOptions{}},
		{name: "ecdsa sha384", opts: chipsim.SpecimenOptions{HashAlg: crypto.SHA384}},
		{name: "rsa sha256", opts: chipsim.SpecimenOptions{RSA: true}},
		{name: "rsa sha1", opts: chipsim.SpecimenOptions{RSA: true, HashAlg: crypto.SHA1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := chipsim.NewSpecimen(tt.opts)
			require.NoError(t, err)
			doc := specimenDocument(t, s)

			vs := status.NewVerificationStatus()
			verify.NewVerifier(certs{anchors: []*x509.Certificate{s.CSCA}}).VerifySecurity(doc, vs)

			require.Equal(t, status.Check{Verdict: status.Succeeded, Reason: "Found a chain to a trust anchor"}, vs.Get(status.CS))
			require.Equal(t, status.Check{Verdict: status.Succeeded, Reason: "Signature checked"}, vs.Get(status.DS))
			require.Equal(t, status.Check{Verdict: status.Succeeded, Reason: "All hashes match"}, vs.Get(status.HT))

			chain := vs.CertificateChain()
			require.Len(t, chain, 2)
			require.True(t, chain[0].Equal(s.DS))
			require.True(t, chain[1].Equal(s.CSCA))
			require.Len(t, vs.HashResults(), len(s.SOD.DataGroupHashes))
			require.Empty(t, vs.Mismatches())
		})
	}
}

func TestVerifySecurityIsIdempotent(t *testing.T) {
	s, err := chipsim.NewSpecimen(chipsim.SpecimenOptions{})
	require.NoError(t, err)
	s.Tamper(lds.KindDG11, []byte{0x6B, 0x03, 0x5C, 0x01, 0x00})
	doc := specimenDocument(t, s)
	v := verify.NewVerifier(certs{anchors: []*x509.Certificate{s.CSCA}})

	vs := status.NewVerificationStatus()
	v.VerifySecurity(doc, vs)
	first := map[status.Category]status.Check{}
	for _, c := range status.Categories {
		first[c] = vs.Get(c)
	}

	v.VerifySecurity(doc, vs)
	for _, c := range status.Categories {
		require.Equal(t, first[c], vs.Get(c), "category %s", c)
	}
	require.Equal(t, status.Failed, vs.Verdict(status.HT))
	require.Equal(t, []int{11}, vs.Mismatches())
}

func TestVerifyCSWithoutAnchors(t *testing.T) {
	s, err := chipsim.NewSpecimen(chipsim.SpecimenOptions{})
	require.NoError(t, err)

	t.Run("no stores", func(t *testing.T) {
		vs := status.NewVerificationStatus()
		verify.NewVerifier(nil).VerifyCS(s.SOD, vs)
		require.Equal(t, status.Check{Verdict: status.Failed, Reason: "No CSCA certificate stores found"}, vs.Get(status.CS))
	})

	t.Run("no anchors", func(t *testing.T) {
		vs := status.NewVerificationStatus()
		verify.NewVerifier(certs{intermediates: []*x509.Certificate{s.CSCA}}).VerifyCS(s.SOD, vs)
		require.Equal(t, status.Check{Verdict: status.Failed, Reason: "No CSCA trust anchors found"}, vs.Get(status.CS))
		require.LessOrEqual(t, len(vs.CertificateChain()), 1)
	})

	t.Run("foreign anchor", func(t *testing.T) {
		other, err := chipsim.NewSpecimen(chipsim.SpecimenOptions{})
		require.NoError(t, err)
		vs := status.NewVerificationStatus()
		verify.NewVerifier(certs{anchors: []*x509.Certificate{other.CSCA}}).VerifyCS(s.SOD, vs)
		require.Equal(t, status.Check{Verdict: status.Failed, Reason: "Signature failed"}, vs.Get(status.CS))
		require.Empty(t, vs.CertificateChain())
	})

	t.Run("no SOD", func(t *testing.T) {
		vs := status.NewVerificationStatus()
		verify.NewVerifier(certs{anchors: []*x509.Certificate{s.CSCA}}).VerifyCS(nil, vs)
		require.Equal(t, status.Check{Verdict: status.Failed, Reason: "Unable to build certificate chain"}, vs.Get(status.CS))
	})
}

func TestVerifyHashMismatch(t *testing.T) {
	s, err := chipsim.NewSpecimen(chipsim.SpecimenOptions{})
	require.NoError(t, err)
	s.Tamper(lds.KindDG1, lds.EncodeDG1("P<UTOERIKSSON<<ANNE<MARIA<<<<<<<<<<<<<<<<<<<"+
		"L898902C36UTO7408122F1204159ZE184226B<<<<<10"))
	doc := specimenDocument(t, s)

	vs := status.NewVerificationStatus()
	verify.NewVerifier(certs{anchors: []*x509.Certificate{s.CSCA}}).VerifySecurity(doc, vs)

	require.Equal(t, status.Check{Verdict: status.Failed, Reason: "Hash mismatch"}, vs.Get(status.HT))
	require.Equal(t, []int{1}, vs.Mismatches())
	for dg, r := range vs.HashResults() {
		if dg == 1 {
			require.False(t, r.Match())
			continue
		}
		require.True(t, r.Match(), "DG%d", dg)
	}
	// The SOD itself is untouched.
	require.Equal(t, status.Succeeded, vs.Verdict(status.DS))
	require.Equal(t, status.Succeeded, vs.Verdict(status.CS))
}

func TestVerifyHashesPartialDocument(t *testing.T) {
	s, err := chipsim.NewSpecimen(chipsim.SpecimenOptions{})
	require.NoError(t, err)
	dump := s.Dump()
	delete(dump, lds.KindDG15.String())
	doc, err := lds.DocumentFromDump(dump)
	require.NoError(t, err)

	vs := status.NewVerificationStatus()
	verify.VerifyHashes(doc, vs)

	r, ok := vs.HashResult(15)
	require.True(t, ok)
	require.NotNil(t, r.Stored)
	require.Nil(t, r.Computed)
	require.Equal(t, status.Check{Verdict: status.Succeeded, Reason: "All hashes match"}, vs.Get(status.HT))
}

func TestVerifyHashesSkipsBiometricsWithoutEAC(t *testing.T) {
	s, err := chipsim.NewSpecimen(chipsim.SpecimenOptions{BAC: true, ChipAuthCurve: elliptic.P256(), EAC: true})
	require.NoError(t, err)
	doc := specimenDocument(t, s)

	vs := status.NewVerificationStatus()
	verify.VerifyHashes(doc, vs)
	r, ok := vs.HashResult(3)
	require.True(t, ok)
	require.Nil(t, r.Computed)
	require.Equal(t, status.Succeeded, vs.Verdict(status.HT))

	vs = status.NewVerificationStatus()
	vs.Set(status.EAC, status.Succeeded, "EAC succeeded")
	verify.VerifyHashes(doc, vs)
	r, ok = vs.HashResult(3)
	require.True(t, ok)
	require.True(t, r.Match())
}

func TestVerifyHashesWithoutSOD(t *testing.T) {
	doc := lds.NewDocument()
	vs := status.NewVerificationStatus()
	verify.VerifyHashes(doc, vs)
	require.Equal(t, status.Check{Verdict: status.Failed, Reason: "No SOd"}, vs.Get(status.HT))
}

func TestVerifyDSFailures(t *testing.T) {
	s, err := chipsim.NewSpecimen(chipsim.SpecimenOptions{RSA: true})
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(sod *lds.SOD)
		reason string
	}{
		{
			name:   "flipped signature bit",
			mutate: func(sod *lds.SOD) { sod.Signature[10] ^= 0x01 },
			reason: "Signature incorrect",
		},
		{
			name:   "message digest mismatch",
			mutate: func(sod *lds.SOD) { sod.EContent = append([]byte{}, sod.EContent[:len(sod.EContent)-1]...) },
			reason: "Signature incorrect",
		},
		{
			name: "unknown algorithm",
			mutate: func(sod *lds.SOD) {
				sod.SignatureAlgorithm = pkix.AlgorithmIdentifier{Algorithm: asn1.ObjectIdentifier{1, 2, 3, 4}}
			},
			reason: "Unsupported signature algorithm",
		},
		{
			name: "ecdsa algorithm with rsa key",
			mutate: func(sod *lds.SOD) {
				sod.SignatureAlgorithm = pkix.AlgorithmIdentifier{Algorithm: lds.OIDECDSAWithSHA256}
			},
			reason: "Unexpected exception",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sod, err := lds.ParseSOD(append([]byte{}, s.SOD.Raw...))
			require.NoError(t, err)
			tt.mutate(sod)

			vs := status.NewVerificationStatus()
			verify.VerifyDS(sod, vs)
			require.Equal(t, status.Check{Verdict: status.Failed, Reason: tt.reason}, vs.Get(status.DS))
		})
	}
}

func TestVerifyDSPSS(t *testing.T) {
	s, err := chipsim.NewSpecimen(chipsim.SpecimenOptions{RSA: true})
	require.NoError(t, err)
	key := s.DSKey.(*rsa.PrivateKey)

	tests := []struct {
		name       string
		salt       int
		withParams bool
	}{
		{name: "salt from parameters", salt: 32, withParams: true},
		{name: "salt searched", salt: 20, withParams: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sod, err := lds.CreatePSSSOD(crypto.SHA256, s.SOD.DataGroupHashes, s.DS, key, tt.salt, tt.withParams)
			require.NoError(t, err)
			require.True(t, sod.SignatureAlgorithm.Algorithm.Equal(lds.OIDRSAPSS))

			require.NoError(t, verify.CheckDocSignature(sod, &key.PublicKey))
			vs := status.NewVerificationStatus()
			verify.VerifyDS(sod, vs)
			require.Equal(t, status.Check{Verdict: status.Succeeded, Reason: "Signature checked"}, vs.Get(status.DS))

			digest := sha256.Sum256(sod.SignedAttributes)
			require.Equal(t, tt.salt, verify.FindPSSSaltLength(&key.PublicKey, crypto.SHA256, digest[:], sod.Signature))
		})
	}
}

func TestVerifyDoesNotDowngrade(t *testing.T) {
	s, err := chipsim.NewSpecimen(chipsim.SpecimenOptions{})
	require.NoError(t, err)
	vs := status.NewVerificationStatus()
	verify.VerifyDS(s.SOD, vs)
	require.Equal(t, status.Succeeded, vs.Verdict(status.DS))

	require.False(t, vs.Set(status.DS, status.Unknown, ""))
	verify.VerifyDS(s.SOD, vs)
	require.Equal(t, status.Check{Verdict: status.Succeeded, Reason: "Signature checked"}, vs.Get(status.DS))
}
