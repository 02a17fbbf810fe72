package chipsim

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math/big"
	"strings"
	"time"

	"go-passport-verifier/cvc"
	"go-passport-verifier/iso7816"
	"go-passport-verifier/lds"
	"go-passport-verifier/mrtd"
	"go-passport-verifier/mrz"
)

// SpecimenMRZ is the TD3 specimen of ICAO 9303 part 4 appendix A.
const SpecimenMRZ = "P<UTOERIKSSON<<ANNA<MARIA<<<<<<<<<<<<<<<<<<<\n" +
	"L898902C36UTO7408122F1204159ZE184226B<<<<<10"

// Oakley group 1 (RFC 2409), used for DH chip authentication keys.
const oakley768 = "FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74" +
	"020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F1437" +
	"4FE1356D6D51C245E485B576625E7EC6F44C42E9A63A3620FFFFFFFFFFFFFFFF"

// SpecimenOptions selects the features of a generated document.
type SpecimenOptions struct {
	MRZ string
	// BAC protects the applet. Off yields a non-BAC document.
	BAC bool
	// PACEParameterID enables PACE on the given standardized curve when
	// non-zero. PACEStrength defaults to AES-128.
	PACEParameterID int
	PACEStrength    int
	// ChipAuthCurve adds an EC chip authentication key to DG14; ChipAuthDH
	// adds a DH key instead. ChipAuthStrength defaults to 3DES.
	ChipAuthCurve    elliptic.Curve
	ChipAuthDH       bool
	ChipAuthStrength int
	// AdvertiseChipAuth lists a ChipAuthenticationInfo next to the key.
	AdvertiseChipAuth bool
	// EAC adds EF.CVCA, a terminal PKI and an EAC protected DG3. It needs a
	// chip authentication key.
	EAC bool
	// RSA makes the document signer an RSA key instead of P-256.
	RSA     bool
	HashAlg crypto.Hash
}

// Specimen is a generated document with its PKI.
type Specimen struct {
	MRZ      *mrz.Record
	Key      mrtd.BACKey
	CSCA     *x509.Certificate
	CSCAKey  crypto.Signer
	DS       *x509.Certificate
	DSKey    crypto.Signer
	SOD      *lds.SOD
	Files    map[lds.Kind][]byte
	Face     []byte
	Portrait []byte

	CardAccess []byte
	PACE       *PACEConfig
	ChipAuth   *ChipAuthConfig
	CVCA       *cvc.Certificate
	Terminal   mrtd.TerminalCredentials

	opts SpecimenOptions
}

// NewSpecimen generates keys, data groups and a signed EF.SOD.
func NewSpecimen(opts SpecimenOptions) (*Specimen, error) {
	if opts.MRZ == "" {
		opts.MRZ = SpecimenMRZ
	}
	if opts.HashAlg == 0 {
		opts.HashAlg = crypto.SHA256
	}
	if opts.PACEStrength == 0 {
		opts.PACEStrength = lds.StrengthAES128
	}
	if opts.ChipAuthStrength == 0 {
		opts.ChipAuthStrength = lds.StrengthTripleDES
	}
	if opts.EAC && opts.ChipAuthCurve == nil && !opts.ChipAuthDH {
		return nil, fmt.Errorf("EAC specimen needs a chip authentication key")
	}

	record, err := mrz.Parse(opts.MRZ)
	if err != nil {
		return nil, err
	}
	s := &Specimen{
		MRZ:   record,
		Key:   mrtd.BACKeyFromRecord(record),
		Files: make(map[lds.Kind][]byte),
		opts:  opts,
	}
	if err := s.createPKI(); err != nil {
		return nil, fmt.Errorf("failed to create document PKI: %w", err)
	}
	if err := s.createChipAuth(); err != nil {
		return nil, fmt.Errorf("failed to create chip authentication key: %w", err)
	}
	if opts.EAC {
		if err := s.createTerminalPKI(); err != nil {
			return nil, fmt.Errorf("failed to create terminal PKI: %w", err)
		}
	}
	if opts.PACEParameterID != 0 {
		if err := s.createCardAccess(); err != nil {
			return nil, err
		}
	}
	if err := s.createDataGroups(); err != nil {
		return nil, err
	}
	if err := s.Resign(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Specimen) createPKI() error {
	now := time.Now()
	var cscaKey, dsKey crypto.Signer
	var err error
	if s.opts.RSA {
		if cscaKey, err = rsa.GenerateKey(rand.Reader, 2048); err != nil {
			return err
		}
		dsKey, err = rsa.GenerateKey(rand.Reader, 2048)
	} else {
		if cscaKey, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader); err != nil {
			return err
		}
		dsKey, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	}
	if err != nil {
		return err
	}

	country := s.MRZ.IssuingCountry
	cscaTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "CSCA " + country, Country: []string{country}},
		NotBefore:             now.AddDate(-1, 0, 0),
		NotAfter:              now.AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, cscaTemplate, cscaTemplate, cscaKey.Public(), cscaKey)
	if err != nil {
		return err
	}
	if s.CSCA, err = x509.ParseCertificate(der); err != nil {
		return err
	}

	dsTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "Document Signer " + country, Country: []string{country}},
		NotBefore:    now.AddDate(0, -1, 0),
		NotAfter:     now.AddDate(2, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err = x509.CreateCertificate(rand.Reader, dsTemplate, s.CSCA, dsKey.Public(), cscaKey)
	if err != nil {
		return err
	}
	if s.DS, err = x509.ParseCertificate(der); err != nil {
		return err
	}
	s.CSCAKey, s.DSKey = cscaKey, dsKey
	return nil
}

func (s *Specimen) createChipAuth() error {
	agreement := lds.AgreementECDH
	switch {
	case s.opts.ChipAuthCurve != nil:
		key, err := ecdsa.GenerateKey(s.opts.ChipAuthCurve, rand.Reader)
		if err != nil {
			return err
		}
		s.ChipAuth = &ChipAuthConfig{EC: key}
	case s.opts.ChipAuthDH:
		agreement = lds.AgreementDH
		p, _ := new(big.Int).SetString(oakley768, 16)
		q := new(big.Int).Rsh(p, 1)
		dh := &lds.DHPublicKey{P: p, G: big.NewInt(2), Q: q}
		x, y, err := mrtd.GenerateDH(dh)
		if err != nil {
			return err
		}
		dh.Y = y
		s.ChipAuth = &ChipAuthConfig{DH: &DHPrivateKey{Public: *dh, X: x}}
	default:
		return nil
	}
	s.ChipAuth.KeyID = 1
	s.ChipAuth.Protocol = lds.ProtocolOID(lds.OIDCA, agreement, s.opts.ChipAuthStrength)
	return nil
}

// ChipPublicKey returns the public half of the chip authentication key.
func (c *ChipAuthConfig) ChipPublicKey() *lds.ChipPublicKey {
	if c.EC != nil {
		return &lds.ChipPublicKey{EC: &c.EC.PublicKey}
	}
	public := c.DH.Public
	return &lds.ChipPublicKey{DH: &public}
}

func (s *Specimen) createTerminalPKI() error {
	now := time.Now().UTC()
	from, until := now.AddDate(0, 0, -1), now.AddDate(1, 0, 0)
	country := s.MRZ.IssuingCountry

	cvcaKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}
	dvKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}
	isKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}

	cvcaRef := country + "CVCA00001"
	s.CVCA, err = cvc.Create(cvc.Template{
		AuthorityReference: cvcaRef,
		HolderReference:    cvcaRef,
		KeyAlgorithm:       cvc.OIDTAECDSASHA256,
		PublicKey:          &cvcaKey.PublicKey,
		WithDomainParams:   true,
		Authorization:      []byte{0xC3},
		EffectiveDate:      from,
		ExpirationDate:     until,
	}, cvcaKey, cvc.OIDTAECDSASHA256)
	if err != nil {
		return err
	}
	dv, err := cvc.Create(cvc.Template{
		AuthorityReference: cvcaRef,
		HolderReference:    country + "DVDOM00001",
		KeyAlgorithm:       cvc.OIDTAECDSASHA256,
		PublicKey:          &dvKey.PublicKey,
		Authorization:      []byte{0x83},
		EffectiveDate:      from,
		ExpirationDate:     until,
	}, cvcaKey, cvc.OIDTAECDSASHA256)
	if err != nil {
		return err
	}
	is, err := cvc.Create(cvc.Template{
		AuthorityReference: dv.HolderReference,
		HolderReference:    country + "TERM00001",
		KeyAlgorithm:       cvc.OIDTAECDSASHA256,
		PublicKey:          &isKey.PublicKey,
		Authorization:      []byte{0x03},
		EffectiveDate:      from,
		ExpirationDate:     until,
	}, dvKey, cvc.OIDTAECDSASHA256)
	if err != nil {
		return err
	}
	s.Terminal = mrtd.TerminalCredentials{Chain: []*cvc.Certificate{dv, is}, Key: isKey}
	return nil
}

func (s *Specimen) createCardAccess() error {
	if _, err := mrtd.PACECurve(s.opts.PACEParameterID); err != nil {
		return err
	}
	protocol := lds.ProtocolOID(lds.OIDPACE, lds.AgreementECDH, s.opts.PACEStrength)
	infos := &lds.SecurityInfos{
		PACEInfos: []lds.PACEInfo{{Protocol: protocol, Version: 2, ParameterID: s.opts.PACEParameterID}},
	}
	raw, err := infos.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode EF.CardAccess: %w", err)
	}
	s.CardAccess = raw
	s.PACE = &PACEConfig{
		Protocol:    protocol,
		ParameterID: s.opts.PACEParameterID,
		Password:    mrtd.PACEKeyFromBACKey(s.Key),
	}
	return nil
}

func (s *Specimen) createDataGroups() error {
	s.Files[lds.KindDG1] = lds.EncodeDG1(s.opts.MRZ)

	face, err := specimenJPEG()
	if err != nil {
		return err
	}
	s.Face = face
	s.Files[lds.KindDG2] = encodeDG2(face)

	s.Portrait = face
	s.Files[lds.KindDG5] = iso7816.EncodeTLV(lds.KindDG5.Tag(),
		iso7816.EncodeTLV(0x02, []byte{0x01}),
		iso7816.EncodeTLV(0x5F40, face),
	)

	fullName := strings.ToUpper(s.MRZ.Surname + "<<" + strings.ReplaceAll(s.MRZ.GivenNames, " ", "<"))
	s.Files[lds.KindDG11] = iso7816.EncodeTLV(lds.KindDG11.Tag(),
		iso7816.EncodeTLV(0x5C, []byte{0x5F, 0x0E, 0x5F, 0x2B, 0x5F, 0x11, 0x5F, 0x13}),
		iso7816.EncodeTLV(0x5F0E, []byte(fullName)),
		iso7816.EncodeTLV(0x5F2B, []byte("19"+s.MRZ.DateOfBirth.Raw)),
		iso7816.EncodeTLV(0x5F11, []byte("ZENITH")),
		iso7816.EncodeTLV(0x5F13, []byte("ENGINEER")),
	)

	if s.ChipAuth != nil {
		dg14, err := s.encodeDG14()
		if err != nil {
			return err
		}
		s.Files[lds.KindDG14] = dg14
	}

	dg15, err := encodeDG15()
	if err != nil {
		return err
	}
	s.Files[lds.KindDG15] = dg15

	if s.opts.EAC {
		s.Files[lds.KindDG3] = iso7816.EncodeTLV(lds.KindDG3.Tag(), iso7816.EncodeTLV(0x7F61, iso7816.EncodeTLV(0x02, []byte{0x00})))
		s.Files[lds.KindCVCA] = lds.EncodeCVCA(s.CVCA.HolderReference, "")
	}

	var tags []byte
	for n := 1; n <= 16; n++ {
		if _, ok := s.Files[lds.DataGroup(n)]; ok {
			tags = append(tags, byte(lds.DataGroup(n).Tag()))
		}
	}
	s.Files[lds.KindCOM] = iso7816.EncodeTLV(lds.KindCOM.Tag(),
		iso7816.EncodeTLV(0x5F01, []byte("0107")),
		iso7816.EncodeTLV(0x5F36, []byte("040000")),
		iso7816.EncodeTLV(0x5C, tags),
	)
	return nil
}

func (s *Specimen) encodeDG14() ([]byte, error) {
	spki, err := s.ChipAuth.ChipPublicKey().MarshalSubjectPublicKeyInfo()
	if err != nil {
		return nil, err
	}
	keyProtocol := lds.OIDPKECDH
	if s.ChipAuth.DH != nil {
		keyProtocol = lds.OIDPKDH
	}
	infos := &lds.SecurityInfos{
		ChipAuthenticationPublicKeyInfos: []lds.ChipAuthenticationPublicKeyInfo{{
			Protocol:             keyProtocol,
			SubjectPublicKeyInfo: spki,
			KeyID:                s.ChipAuth.KeyID,
		}},
	}
	if s.opts.AdvertiseChipAuth {
		infos.ChipAuthenticationInfos = []lds.ChipAuthenticationInfo{{
			Protocol: s.ChipAuth.Protocol,
			Version:  1,
			KeyID:    s.ChipAuth.KeyID,
		}}
	}
	if s.opts.EAC {
		infos.TerminalAuthenticationInfos = []lds.TerminalAuthenticationInfo{{Protocol: lds.OIDTA, Version: 1}}
	}
	body, err := infos.Encode()
	if err != nil {
		return nil, fmt.Errorf("failed to encode DG14: %w", err)
	}
	return iso7816.EncodeTLV(lds.KindDG14.Tag(), body), nil
}

// encodeDG15 generates an RSA active authentication key. Active
// authentication is never performed; the file only takes part in hashing.
func encodeDG15() ([]byte, error) {
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		return nil, err
	}
	spki, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, err
	}
	return iso7816.EncodeTLV(lds.KindDG15.Tag(), spki), nil
}

func specimenJPEG() ([]byte, error) {
	img := image.NewGray(image.Rect(0, 0, 16, 20))
	for y := 0; y < 20; y++ {
		for x := 0; x < 16; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8(8*x + 4*y)})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// encodeDG2 wraps one JPEG in an ISO/IEC 19794-5 facial record inside the
// CBEFF biometric information template.
func encodeDG2(face []byte) []byte {
	const headerLen, facialInfoLen, imageInfoLen = 14, 20, 12
	blockLen := facialInfoLen + imageInfoLen + len(face)

	record := []byte("FAC\x00010\x00")
	record = binary.BigEndian.AppendUint32(record, uint32(headerLen+blockLen))
	record = binary.BigEndian.AppendUint16(record, 1)
	// Facial information: no feature points, unspecified attributes.
	record = binary.BigEndian.AppendUint32(record, uint32(blockLen))
	record = append(record, make([]byte, facialInfoLen-4)...)
	// Image information: full frontal JPEG.
	record = append(record, 0x01, 0x00)
	record = binary.BigEndian.AppendUint16(record, 16)
	record = binary.BigEndian.AppendUint16(record, 20)
	record = append(record, 0x01, 0x02, 0x00, 0x00, 0x00, 0x00)
	record = append(record, face...)

	header := iso7816.EncodeTLV(0xA1,
		iso7816.EncodeTLV(0x80, []byte{0x01, 0x01}),
		iso7816.EncodeTLV(0x81, []byte{0x02}),
		iso7816.EncodeTLV(0x87, []byte{0x01, 0x01}),
		iso7816.EncodeTLV(0x88, []byte{0x00, 0x08}),
	)
	return iso7816.EncodeTLV(lds.KindDG2.Tag(),
		iso7816.EncodeTLV(0x7F61,
			iso7816.EncodeTLV(0x02, []byte{0x01}),
			iso7816.EncodeTLV(0x7F60, header, iso7816.EncodeTLV(0x5F2E, record)),
		),
	)
}

// Resign recomputes every data group hash and signs a new EF.SOD.
func (s *Specimen) Resign() error {
	hashes := make(map[int][]byte)
	for kind, raw := range s.Files {
		n := kind.DataGroupNumber()
		if n == 0 {
			continue
		}
		h := s.opts.HashAlg.New()
		h.Write(raw)
		hashes[n] = h.Sum(nil)
	}
	sod, err := lds.CreateSOD(s.opts.HashAlg, hashes, s.DS, s.DSKey)
	if err != nil {
		return fmt.Errorf("failed to sign EF.SOD: %w", err)
	}
	s.SOD = sod
	s.Files[lds.KindSOD] = sod.Raw
	return nil
}

// Tamper replaces the content of a file without updating EF.SOD.
func (s *Specimen) Tamper(kind lds.Kind, raw []byte) {
	s.Files[kind] = raw
}

// Config returns a chip configuration that serves the specimen.
func (s *Specimen) Config() Config {
	files := make(map[uint16][]byte, len(s.Files))
	for kind, raw := range s.Files {
		files[kind.FID()] = raw
	}
	cfg := Config{
		CardAccess: s.CardAccess,
		Files:      files,
		PACE:       s.PACE,
		ChipAuth:   s.ChipAuth,
		TrustPoint: s.CVCA,
	}
	if s.opts.BAC {
		key := s.Key
		cfg.BAC = &key
	}
	if s.opts.EAC {
		cfg.EACFiles = []uint16{lds.KindDG3.FID()}
	}
	return cfg
}

// NewChip is a shorthand for New(s.Config()).
func (s *Specimen) NewChip() *Chip {
	return New(s.Config())
}

// Dump returns the files as upper case hex keyed by their dump names.
func (s *Specimen) Dump() map[string]string {
	out := make(map[string]string, len(s.Files))
	for kind, raw := range s.Files {
		out[kind.String()] = strings.ToUpper(hex.EncodeToString(raw))
	}
	return out
}
