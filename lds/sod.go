package lds

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"slices"
	"sort"
	"strconv"
	"strings"

	"go-passport-verifier/iso7816"
)

var (
	OIDSignedData        = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}
	OIDLDSSecurityObject = asn1.ObjectIdentifier{2, 23, 136, 1, 1, 1}
	OIDAttrContentType   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 3}
	OIDAttrMessageDigest = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 4}
	OIDRSAEncryption     = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}
	OIDSHA1WithRSA       = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 5}
	OIDRSAPSS            = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 10}
	OIDSHA256WithRSA     = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}
	OIDSHA384WithRSA     = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 12}
	OIDSHA512WithRSA     = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 13}
	OIDSHA224WithRSA     = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 14}
	OIDECDSAWithSHA1     = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 1}
	OIDECDSAWithSHA224   = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 1}
	OIDECDSAWithSHA256   = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}
	OIDECDSAWithSHA384   = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 3}
	OIDECDSAWithSHA512   = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 4}
	OIDECPublicKey       = asn1.ObjectIdentifier{1, 2, 840, 10045, 2, 1}
	OIDMGF1              = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 8}
)

var oidToHash = map[string]crypto.Hash{
	"1.3.14.3.2.26":          crypto.SHA1,
	"2.16.840.1.101.3.4.2.1": crypto.SHA256,
	"2.16.840.1.101.3.4.2.2": crypto.SHA384,
	"2.16.840.1.101.3.4.2.3": crypto.SHA512,
	"2.16.840.1.101.3.4.2.4": crypto.SHA224,
	"2.16.840.1.101.3.4.2.5": crypto.SHA512_224,
	"2.16.840.1.101.3.4.2.6": crypto.SHA512_256,
}

// HashForOID maps a digest algorithm OID to its crypto.Hash.
func HashForOID(oid asn1.ObjectIdentifier) (crypto.Hash, bool) {
	h, ok := oidToHash[oid.String()]
	return h, ok
}

// OIDForHash is the inverse of HashForOID.
func OIDForHash(h crypto.Hash) (asn1.ObjectIdentifier, bool) {
	for s, candidate := range oidToHash {
		if candidate != h {
			continue
		}
		var oid asn1.ObjectIdentifier
		for _, part := range strings.Split(s, ".") {
			n, err := strconv.Atoi(part)
			if err != nil {
				return nil, false
			}
			oid = append(oid, n)
		}
		return oid, true
	}
	return nil, false
}

type contentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,tag:0"`
}

type signedData struct {
	Version          int
	DigestAlgorithms []pkix.AlgorithmIdentifier `asn1:"set"`
	EncapContentInfo encapContentInfo
	Certificates     asn1.RawValue `asn1:"optional,tag:0"`
	CRLs             asn1.RawValue `asn1:"optional,tag:1"`
	SignerInfos      []signerInfo  `asn1:"set"`
}

type encapContentInfo struct {
	EContentType asn1.ObjectIdentifier
	EContent     []byte `asn1:"explicit,optional,tag:0"`
}

type signerInfo struct {
	Version            int
	SID                asn1.RawValue
	DigestAlgorithm    pkix.AlgorithmIdentifier
	SignedAttrs        asn1.RawValue `asn1:"optional,tag:0"`
	SignatureAlgorithm pkix.AlgorithmIdentifier
	Signature          []byte
	UnsignedAttrs      asn1.RawValue `asn1:"optional,tag:1"`
}

type attribute struct {
	Type   asn1.ObjectIdentifier
	Values []asn1.RawValue `asn1:"set"`
}

type issuerAndSerialNumber struct {
	Issuer       asn1.RawValue
	SerialNumber *big.Int
}

type dataGroupHash struct {
	DataGroupNumber    int
	DataGroupHashValue []byte
}

type ldsSecurityObject struct {
	Version             int
	HashAlgorithm       pkix.AlgorithmIdentifier
	DataGroupHashValues []dataGroupHash
	LDSVersionInfo      asn1.RawValue `asn1:"optional"`
}

// SOD is the document security object: the signed table of data group
// hashes together with the document signer certificate.
type SOD struct {
	Raw []byte

	HashAlgorithm   asn1.ObjectIdentifier
	DataGroupHashes map[int][]byte

	EContentType asn1.ObjectIdentifier
	EContent     []byte

	DigestAlgorithm    asn1.ObjectIdentifier
	SignatureAlgorithm pkix.AlgorithmIdentifier
	Signature          []byte
	// SignedAttributes is the DER of the signed attributes with the SET tag
	// restored, which is what the signature covers. Nil when absent.
	SignedAttributes []byte
	MessageDigest    []byte

	// CertificatesDER lists every embedded certificate; Certificates only
	// those crypto/x509 could parse.
	CertificatesDER [][]byte
	Certificates    []*x509.Certificate

	SignerIssuer []byte
	SignerSerial *big.Int
	SignerKeyID  []byte

	sd signedData
}

// ParseSOD decodes EF.SOD including its 0x77 wrapper.
func ParseSOD(raw []byte) (*SOD, error) {
	outer, _, err := iso7816.ParseTLV(raw)
	if err != nil {
		return nil, err
	}
	if outer.Tag != 0x77 {
		return nil, fmt.Errorf("%w %X", ErrUnexpectedTag, outer.Tag)
	}

	var ci contentInfo
	if _, err := asn1.Unmarshal(outer.Value, &ci); err != nil {
		return nil, fmt.Errorf("failed to parse ContentInfo: %w", err)
	}
	if !ci.ContentType.Equal(OIDSignedData) {
		return nil, fmt.Errorf("content type %s is not signedData", ci.ContentType)
	}
	var sd signedData
	if _, err := asn1.Unmarshal(ci.Content.Bytes, &sd); err != nil {
		return nil, fmt.Errorf("failed to parse SignedData: %w", err)
	}
	return newSOD(raw, sd)
}

func newSOD(raw []byte, sd signedData) (*SOD, error) {
	if len(sd.EncapContentInfo.EContent) == 0 {
		return nil, errors.New("no eContent found in EncapsulatedContentInfo")
	}
	if len(sd.SignerInfos) == 0 {
		return nil, errors.New("no signer info")
	}

	var lso ldsSecurityObject
	if _, err := asn1.Unmarshal(sd.EncapContentInfo.EContent, &lso); err != nil {
		return nil, fmt.Errorf("failed to parse LDS security object: %w", err)
	}

	si := sd.SignerInfos[0]
	sod := &SOD{
		Raw:                raw,
		HashAlgorithm:      lso.HashAlgorithm.Algorithm,
		DataGroupHashes:    make(map[int][]byte, len(lso.DataGroupHashValues)),
		EContentType:       sd.EncapContentInfo.EContentType,
		EContent:           sd.EncapContentInfo.EContent,
		DigestAlgorithm:    si.DigestAlgorithm.Algorithm,
		SignatureAlgorithm: si.SignatureAlgorithm,
		Signature:          si.Signature,
		sd:                 sd,
	}
	for _, h := range lso.DataGroupHashValues {
		sod.DataGroupHashes[h.DataGroupNumber] = h.DataGroupHashValue
	}

	if len(si.SignedAttrs.FullBytes) > 0 {
		sod.SignedAttributes = slices.Clone(si.SignedAttrs.FullBytes)
		sod.SignedAttributes[0] = 0x31
		digest, err := messageDigestAttribute(si.SignedAttrs.Bytes)
		if err != nil {
			return nil, err
		}
		sod.MessageDigest = digest
	}

	switch {
	case si.SID.Class == asn1.ClassUniversal && si.SID.Tag == asn1.TagSequence:
		var ias issuerAndSerialNumber
		if _, err := asn1.Unmarshal(si.SID.FullBytes, &ias); err != nil {
			return nil, fmt.Errorf("failed to parse signer identifier: %w", err)
		}
		sod.SignerIssuer = ias.Issuer.FullBytes
		sod.SignerSerial = ias.SerialNumber
	case si.SID.Class == asn1.ClassContextSpecific && si.SID.Tag == 0:
		sod.SignerKeyID = si.SID.Bytes
	}

	rest := sd.Certificates.Bytes
	for len(rest) > 0 {
		var cert asn1.RawValue
		var err error
		if rest, err = asn1.Unmarshal(rest, &cert); err != nil {
			return nil, fmt.Errorf("failed to split certificates: %w", err)
		}
		sod.CertificatesDER = append(sod.CertificatesDER, cert.FullBytes)
		parsed, err := x509.ParseCertificate(cert.FullBytes)
		if err != nil {
			slog.Debug("Embedded certificate not parsed", "error", err)
			continue
		}
		sod.Certificates = append(sod.Certificates, parsed)
	}
	return sod, nil
}

func messageDigestAttribute(set []byte) ([]byte, error) {
	rest := set
	for len(rest) > 0 {
		var attr attribute
		var err error
		if rest, err = asn1.Unmarshal(rest, &attr); err != nil {
			return nil, fmt.Errorf("failed to parse signed attribute: %w", err)
		}
		if !attr.Type.Equal(OIDAttrMessageDigest) || len(attr.Values) == 0 {
			continue
		}
		var digest []byte
		if _, err := asn1.Unmarshal(attr.Values[0].FullBytes, &digest); err != nil {
			return nil, fmt.Errorf("failed to parse message digest: %w", err)
		}
		return digest, nil
	}
	return nil, nil
}

// DataGroupNumbers returns the data groups listed in the hash table, sorted.
func (s *SOD) DataGroupNumbers() []int {
	out := make([]int, 0, len(s.DataGroupHashes))
	for n := range s.DataGroupHashes {
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}

// Hash returns the stored hash of data group n.
func (s *SOD) Hash(n int) ([]byte, bool) {
	h, ok := s.DataGroupHashes[n]
	return h, ok
}

// DocSigningCertificate returns the embedded certificate named by the signer
// identifier, or the first parseable one.
func (s *SOD) DocSigningCertificate() (*x509.Certificate, bool) {
	for _, c := range s.Certificates {
		if s.SignerSerial != nil && c.SerialNumber.Cmp(s.SignerSerial) == 0 && bytes.Equal(c.RawIssuer, s.SignerIssuer) {
			return c, true
		}
		if s.SignerKeyID != nil && bytes.Equal(c.SubjectKeyId, s.SignerKeyID) {
			return c, true
		}
	}
	if len(s.Certificates) > 0 {
		return s.Certificates[0], true
	}
	return nil, false
}

// DocSigningCertificateDER returns the raw bytes of the first embedded
// certificate, including those crypto/x509 cannot parse.
func (s *SOD) DocSigningCertificateDER() ([]byte, bool) {
	if c, ok := s.DocSigningCertificate(); ok {
		return c.Raw, true
	}
	if len(s.CertificatesDER) > 0 {
		return s.CertificatesDER[0], true
	}
	return nil, false
}

// RebuildSignedObjectDocument returns a copy of the SOD whose certificate set
// holds only newCert. The receiver is left untouched.
func (s *SOD) RebuildSignedObjectDocument(newCert *x509.Certificate) (*SOD, error) {
	sd := s.sd
	sd.SignerInfos = slices.Clone(s.sd.SignerInfos)
	sd.Certificates = asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: newCert.Raw}
	return encodeSOD(sd)
}

func encodeSOD(sd signedData) (*SOD, error) {
	sdDER, err := asn1.Marshal(sd)
	if err != nil {
		return nil, fmt.Errorf("failed to encode SignedData: %w", err)
	}
	ciDER, err := asn1.Marshal(contentInfo{
		ContentType: OIDSignedData,
		Content:     asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: sdDER},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode ContentInfo: %w", err)
	}
	return ParseSOD(iso7816.EncodeTLV(0x77, ciDER))
}

// CreateSOD builds and signs a security object over the given data group
// hashes. Used by the chip simulator and by tests.
func CreateSOD(hashAlg crypto.Hash, hashes map[int][]byte, cert *x509.Certificate, signer crypto.Signer) (*SOD, error) {
	sigAlg, err := signatureAlgorithm(signer.Public(), hashAlg)
	if err != nil {
		return nil, err
	}
	return createSOD(hashAlg, hashes, cert, signer, sigAlg, hashAlg)
}

// CreatePSSSOD is CreateSOD with an RSASSA-PSS signature. Without params the
// algorithm identifier is bare and a verifier has to find the salt length.
func CreatePSSSOD(hashAlg crypto.Hash, hashes map[int][]byte, cert *x509.Certificate, signer *rsa.PrivateKey, saltLength int, withParams bool) (*SOD, error) {
	sigAlg := pkix.AlgorithmIdentifier{Algorithm: OIDRSAPSS}
	if withParams {
		params, err := MarshalPSSParameters(hashAlg, saltLength)
		if err != nil {
			return nil, err
		}
		sigAlg.Parameters = asn1.RawValue{FullBytes: params}
	}
	return createSOD(hashAlg, hashes, cert, signer, sigAlg, &rsa.PSSOptions{SaltLength: saltLength, Hash: hashAlg})
}

func createSOD(hashAlg crypto.Hash, hashes map[int][]byte, cert *x509.Certificate, signer crypto.Signer, sigAlg pkix.AlgorithmIdentifier, opts crypto.SignerOpts) (*SOD, error) {
	hashOID, ok := OIDForHash(hashAlg)
	if !ok {
		return nil, fmt.Errorf("unsupported hash %s", hashAlg)
	}
	digestAlg := pkix.AlgorithmIdentifier{Algorithm: hashOID}

	lso := ldsSecurityObject{HashAlgorithm: digestAlg}
	numbers := make([]int, 0, len(hashes))
	for n := range hashes {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)
	for _, n := range numbers {
		lso.DataGroupHashValues = append(lso.DataGroupHashValues, dataGroupHash{DataGroupNumber: n, DataGroupHashValue: hashes[n]})
	}
	eContent, err := asn1.Marshal(lso)
	if err != nil {
		return nil, err
	}

	h := hashAlg.New()
	h.Write(eContent)
	attrs, err := signedAttributes(h.Sum(nil))
	if err != nil {
		return nil, err
	}

	h = hashAlg.New()
	h.Write(iso7816.EncodeTLV(0x31, attrs))
	signature, err := signer.Sign(rand.Reader, h.Sum(nil), opts)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}

	sid, err := asn1.Marshal(issuerAndSerialNumber{Issuer: asn1.RawValue{FullBytes: cert.RawIssuer}, SerialNumber: cert.SerialNumber})
	if err != nil {
		return nil, err
	}

	sd := signedData{
		Version:          3,
		DigestAlgorithms: []pkix.AlgorithmIdentifier{digestAlg},
		EncapContentInfo: encapContentInfo{EContentType: OIDLDSSecurityObject, EContent: eContent},
		Certificates:     asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: cert.Raw},
		SignerInfos: []signerInfo{{
			Version:            1,
			SID:                asn1.RawValue{FullBytes: sid},
			DigestAlgorithm:    digestAlg,
			SignedAttrs:        asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: attrs},
			SignatureAlgorithm: sigAlg,
			Signature:          signature,
		}},
	}
	return encodeSOD(sd)
}

// signedAttributes returns the content octets of the signed attribute SET,
// sorted as DER requires.
func signedAttributes(messageDigest []byte) ([]byte, error) {
	contentType, err := asn1.Marshal(OIDLDSSecurityObject)
	if err != nil {
		return nil, err
	}
	digest, err := asn1.Marshal(messageDigest)
	if err != nil {
		return nil, err
	}
	var encoded [][]byte
	for _, a := range []attribute{
		{Type: OIDAttrContentType, Values: []asn1.RawValue{{FullBytes: contentType}}},
		{Type: OIDAttrMessageDigest, Values: []asn1.RawValue{{FullBytes: digest}}},
	} {
		der, err := asn1.Marshal(a)
		if err != nil {
			return nil, err
		}
		encoded = append(encoded, der)
	}
	slices.SortFunc(encoded, bytes.Compare)
	return bytes.Join(encoded, nil), nil
}

func signatureAlgorithm(pub crypto.PublicKey, h crypto.Hash) (pkix.AlgorithmIdentifier, error) {
	switch pub.(type) {
	case *ecdsa.PublicKey:
		switch h {
		case crypto.SHA1:
			return pkix.AlgorithmIdentifier{Algorithm: OIDECDSAWithSHA1}, nil
		case crypto.SHA224:
			return pkix.AlgorithmIdentifier{Algorithm: OIDECDSAWithSHA224}, nil
		case crypto.SHA256:
			return pkix.AlgorithmIdentifier{Algorithm: OIDECDSAWithSHA256}, nil
		case crypto.SHA384:
			return pkix.AlgorithmIdentifier{Algorithm: OIDECDSAWithSHA384}, nil
		case crypto.SHA512:
			return pkix.AlgorithmIdentifier{Algorithm: OIDECDSAWithSHA512}, nil
		}
	case *rsa.PublicKey:
		switch h {
		case crypto.SHA1:
			return pkix.AlgorithmIdentifier{Algorithm: OIDSHA1WithRSA, Parameters: asn1.NullRawValue}, nil
		case crypto.SHA224:
			return pkix.AlgorithmIdentifier{Algorithm: OIDSHA224WithRSA, Parameters: asn1.NullRawValue}, nil
		case crypto.SHA256:
			return pkix.AlgorithmIdentifier{Algorithm: OIDSHA256WithRSA, Parameters: asn1.NullRawValue}, nil
		case crypto.SHA384:
			return pkix.AlgorithmIdentifier{Algorithm: OIDSHA384WithRSA, Parameters: asn1.NullRawValue}, nil
		case crypto.SHA512:
			return pkix.AlgorithmIdentifier{Algorithm: OIDSHA512WithRSA, Parameters: asn1.NullRawValue}, nil
		}
	}
	return pkix.AlgorithmIdentifier{}, fmt.Errorf("no signature algorithm for %T with %s", pub, h)
}

// PSSParameters is RSASSA-PSS-params (RFC 4055). SaltLength is -1 when the
// field is absent.
type PSSParameters struct {
	Hash         pkix.AlgorithmIdentifier `asn1:"optional,explicit,tag:0"`
	MGF          pkix.AlgorithmIdentifier `asn1:"optional,explicit,tag:1"`
	SaltLength   int                      `asn1:"optional,explicit,tag:2,default:-1"`
	TrailerField int                      `asn1:"optional,explicit,tag:3,default:1"`
}

// ParsePSSParameters decodes the parameters of an RSASSA-PSS algorithm
// identifier. ok is false when there are none.
func ParsePSSParameters(alg pkix.AlgorithmIdentifier) (params PSSParameters, ok bool, err error) {
	params = PSSParameters{SaltLength: -1, TrailerField: 1}
	if len(alg.Parameters.FullBytes) == 0 || alg.Parameters.Tag == asn1.TagNull {
		return params, false, nil
	}
	if _, err := asn1.Unmarshal(alg.Parameters.FullBytes, &params); err != nil {
		return params, false, fmt.Errorf("failed to parse PSS parameters: %w", err)
	}
	return params, true, nil
}

func MarshalPSSParameters(h crypto.Hash, saltLength int) ([]byte, error) {
	oid, ok := OIDForHash(h)
	if !ok {
		return nil, fmt.Errorf("unsupported hash %s", h)
	}
	hashAlg := pkix.AlgorithmIdentifier{Algorithm: oid, Parameters: asn1.NullRawValue}
	hashDER, err := asn1.Marshal(hashAlg)
	if err != nil {
		return nil, err
	}
	return asn1.Marshal(PSSParameters{
		Hash:         hashAlg,
		MGF:          pkix.AlgorithmIdentifier{Algorithm: OIDMGF1, Parameters: asn1.RawValue{FullBytes: hashDER}},
		SaltLength:   saltLength,
		TrailerField: 1,
	})
}
