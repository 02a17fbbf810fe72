package verify

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"log/slog"

	"go-passport-verifier/iso7816"
	"go-passport-verifier/lds"
	"go-passport-verifier/status"
)

var (
	ErrUnsupportedSignatureAlgorithm = errors.New("unsupported signature algorithm")
	ErrSignatureIncorrect            = errors.New("signature incorrect")
)

// maxPSSSaltLength bounds the salt search for PSS signatures without
// parameters.
const maxPSSSaltLength = 512

type signatureScheme struct {
	oid   asn1.ObjectIdentifier
	hash  crypto.Hash
	ecdsa bool
}

var signatureSchemes = []signatureScheme{
	{lds.OIDSHA1WithRSA, crypto.SHA1, false},
	{lds.OIDSHA224WithRSA, crypto.SHA224, false},
	{lds.OIDSHA256WithRSA, crypto.SHA256, false},
	{lds.OIDSHA384WithRSA, crypto.SHA384, false},
	{lds.OIDSHA512WithRSA, crypto.SHA512, false},
	{lds.OIDECDSAWithSHA1, crypto.SHA1, true},
	{lds.OIDECDSAWithSHA224, crypto.SHA224, true},
	{lds.OIDECDSAWithSHA256, crypto.SHA256, true},
	{lds.OIDECDSAWithSHA384, crypto.SHA384, true},
	{lds.OIDECDSAWithSHA512, crypto.SHA512, true},
}

// VerifyDS checks the SOD signature with the document signer certificate
// and records the DS verdict.
func VerifyDS(sod *lds.SOD, vs *status.VerificationStatus) {
	vs.Set(status.DS, status.Unknown, "")
	if sod == nil {
		vs.Set(status.DS, status.Failed, "Unexpected exception")
		return
	}

	pub, err := signerPublicKey(sod)
	if err == nil {
		err = CheckDocSignature(sod, pub)
	}
	switch {
	case err == nil:
		vs.Set(status.DS, status.Succeeded, "Signature checked")
	case errors.Is(err, ErrSignatureIncorrect):
		slog.Info("Document signature incorrect", "error", err)
		vs.Set(status.DS, status.Failed, "Signature incorrect")
	case errors.Is(err, ErrUnsupportedSignatureAlgorithm):
		slog.Info("Document signature not checked", "error", err)
		vs.Set(status.DS, status.Failed, "Unsupported signature algorithm")
	default:
		slog.Warn("Document signature check failed", "error", err)
		vs.Set(status.DS, status.Failed, "Unexpected exception")
	}
}

// CheckDocSignature verifies the signer info of sod with pub. When signed
// attributes are present their message digest must match the eContent and
// the signature covers the attributes; otherwise it covers the eContent.
func CheckDocSignature(sod *lds.SOD, pub crypto.PublicKey) error {
	digestHash, ok := lds.HashForOID(sod.DigestAlgorithm)
	if !ok || !digestHash.Available() {
		return fmt.Errorf("%w: digest %s", ErrUnsupportedSignatureAlgorithm, sod.DigestAlgorithm)
	}

	content := sod.EContent
	if sod.SignedAttributes != nil {
		if !bytes.Equal(sod.MessageDigest, sum(digestHash, sod.EContent)) {
			return fmt.Errorf("%w: message digest does not match eContent", ErrSignatureIncorrect)
		}
		content = sod.SignedAttributes
	}

	alg := sod.SignatureAlgorithm
	if _, bare := lds.HashForOID(alg.Algorithm); bare || len(alg.Algorithm) == 0 {
		if !bytes.Equal(sum(digestHash, content), sod.Signature) {
			return ErrSignatureIncorrect
		}
		return nil
	}

	switch {
	case alg.Algorithm.Equal(lds.OIDRSAPSS):
		rsaKey, ok := pub.(*rsa.PublicKey)
		if !ok {
			return fmt.Errorf("PSS signature with %T key", pub)
		}
		return verifyPSS(rsaKey, alg, content, sod.Signature)
	case alg.Algorithm.Equal(lds.OIDRSAEncryption):
		return verifyScheme(pub, signatureScheme{hash: digestHash}, content, sod.Signature)
	}
	for _, scheme := range signatureSchemes {
		if scheme.oid.Equal(alg.Algorithm) {
			return verifyScheme(pub, scheme, content, sod.Signature)
		}
	}
	return fmt.Errorf("%w: %s", ErrUnsupportedSignatureAlgorithm, alg.Algorithm)
}

func verifyScheme(pub crypto.PublicKey, scheme signatureScheme, content, sig []byte) error {
	if !scheme.hash.Available() {
		return fmt.Errorf("%w: hash %s", ErrUnsupportedSignatureAlgorithm, scheme.hash)
	}
	digest := sum(scheme.hash, content)
	switch key := pub.(type) {
	case *rsa.PublicKey:
		if scheme.ecdsa {
			return errors.New("ECDSA signature with RSA key")
		}
		if err := rsa.VerifyPKCS1v15(key, scheme.hash, digest, sig); err != nil {
			return fmt.Errorf("%w: %v", ErrSignatureIncorrect, err)
		}
		return nil
	case *ecdsa.PublicKey:
		if !scheme.ecdsa {
			return errors.New("RSA signature with EC key")
		}
		if !ecdsa.VerifyASN1(key, digest, sig) {
			return ErrSignatureIncorrect
		}
		return nil
	}
	return fmt.Errorf("unsupported signer key %T", pub)
}

// verifyPSS takes hash and salt length from the PSS parameters. SHA-256 is
// assumed when the hash is not given and the salt length is searched for
// when it is not given.
func verifyPSS(pub *rsa.PublicKey, alg pkix.AlgorithmIdentifier, content, sig []byte) error {
	params, _, err := lds.ParsePSSParameters(alg)
	if err != nil {
		return err
	}
	h := crypto.SHA256
	if len(params.Hash.Algorithm) > 0 {
		var ok bool
		if h, ok = lds.HashForOID(params.Hash.Algorithm); !ok {
			return fmt.Errorf("%w: PSS hash %s", ErrUnsupportedSignatureAlgorithm, params.Hash.Algorithm)
		}
	}
	digest := sum(h, content)

	salt := params.SaltLength
	if salt < 0 {
		salt = FindPSSSaltLength(pub, h, digest, sig)
		slog.Debug("PSS salt length not encoded", "found", salt)
	}
	if err := rsa.VerifyPSS(pub, h, digest, sig, &rsa.PSSOptions{SaltLength: salt, Hash: h}); err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureIncorrect, err)
	}
	return nil
}

// FindPSSSaltLength returns the first salt length up to 512 for which sig
// verifies, or 0. crypto/rsa reads a salt length of 0 as "detect", so the
// final verification with 0 still accepts any length.
func FindPSSSaltLength(pub *rsa.PublicKey, h crypto.Hash, digest, sig []byte) int {
	for salt := 1; salt <= maxPSSSaltLength; salt++ {
		if rsa.VerifyPSS(pub, h, digest, sig, &rsa.PSSOptions{SaltLength: salt, Hash: h}) == nil {
			return salt
		}
	}
	return 0
}

func signerPublicKey(sod *lds.SOD) (crypto.PublicKey, error) {
	if cert, ok := sod.DocSigningCertificate(); ok {
		return cert.PublicKey, nil
	}
	der, ok := sod.DocSigningCertificateDER()
	if !ok {
		return nil, errors.New("no document signer certificate in SOD")
	}
	return certificatePublicKey(der)
}

// certificatePublicKey pulls the EC key out of a certificate crypto/x509
// refuses, typically one on a brainpool curve.
func certificatePublicKey(der []byte) (crypto.PublicKey, error) {
	cert, _, err := iso7816.ParseTLV(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	parts, err := cert.Children()
	if err != nil || len(parts) == 0 {
		return nil, errors.New("malformed certificate")
	}
	tbs, err := parts[0].Children()
	if err != nil {
		return nil, fmt.Errorf("malformed TBSCertificate: %w", err)
	}
	if len(tbs) > 0 && tbs[0].Tag == 0xA0 {
		tbs = tbs[1:]
	}
	// serial, signature, issuer, validity, subject, subjectPublicKeyInfo
	if len(tbs) < 6 {
		return nil, errors.New("TBSCertificate too short")
	}
	key, err := lds.ParseChipPublicKey(tbs[5].Raw)
	if err != nil {
		return nil, err
	}
	if key.EC == nil {
		return nil, errors.New("document signer key is not an EC key")
	}
	return key.EC, nil
}

func sum(h crypto.Hash, data []byte) []byte {
	d := h.New()
	d.Write(data)
	return d.Sum(nil)
}
