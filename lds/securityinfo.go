package lds

import (
	"encoding/asn1"
	"fmt"
	"log/slog"
)

var (
	OIDPKDH   = asn1.ObjectIdentifier{0, 4, 0, 127, 0, 7, 2, 2, 1, 1}
	OIDPKECDH = asn1.ObjectIdentifier{0, 4, 0, 127, 0, 7, 2, 2, 1, 2}
	OIDTA     = asn1.ObjectIdentifier{0, 4, 0, 127, 0, 7, 2, 2, 2}
	OIDCA     = asn1.ObjectIdentifier{0, 4, 0, 127, 0, 7, 2, 2, 3}
	OIDPACE   = asn1.ObjectIdentifier{0, 4, 0, 127, 0, 7, 2, 2, 4}
)

// Key agreement variants encoded in the ninth arc of PACE and CA protocol OIDs.
const (
	AgreementDH      = 1
	AgreementECDH    = 2
	AgreementDHIM    = 3
	AgreementECDHIM  = 4
	AgreementECDHCAM = 6

	agreementArc = 9
	cipherArc    = 10
)

// Symmetric strength encoded in the last arc of PACE and CA protocol OIDs.
const (
	StrengthTripleDES = 1
	StrengthAES128    = 2
	StrengthAES192    = 3
	StrengthAES256    = 4
)

// ProtocolOID builds a PACE or CA protocol identifier such as
// id-CA-ECDH-AES-CBC-CMAC-128.
func ProtocolOID(family asn1.ObjectIdentifier, agreement, strength int) asn1.ObjectIdentifier {
	oid := append(asn1.ObjectIdentifier{}, family...)
	return append(oid, agreement, strength)
}

// PACEInfo announces support for a PACE protocol.
type PACEInfo struct {
	Protocol    asn1.ObjectIdentifier
	Version     int
	ParameterID int // -1 when absent
}

// Agreement returns the key agreement arc of the protocol.
func (p PACEInfo) Agreement() int { return p.Protocol[agreementArc] }

// Strength returns the cipher arc of the protocol.
func (p PACEInfo) Strength() int { return p.Protocol[cipherArc] }

// PACEDomainParameterInfo carries proprietary PACE domain parameters.
type PACEDomainParameterInfo struct {
	Protocol    asn1.ObjectIdentifier
	Parameters  []byte
	ParameterID int
}

// ChipAuthenticationInfo announces support for a CA protocol.
type ChipAuthenticationInfo struct {
	Protocol asn1.ObjectIdentifier
	Version  int
	KeyID    int // -1 when absent
}

func (c ChipAuthenticationInfo) Agreement() int { return c.Protocol[agreementArc] }

func (c ChipAuthenticationInfo) Strength() int { return c.Protocol[cipherArc] }

// ChipAuthenticationPublicKeyInfo holds a static chip key for CA.
type ChipAuthenticationPublicKeyInfo struct {
	Protocol             asn1.ObjectIdentifier
	SubjectPublicKeyInfo []byte
	KeyID                int // -1 when absent
	PublicKey            *ChipPublicKey
}

// TerminalAuthenticationInfo announces TA support.
type TerminalAuthenticationInfo struct {
	Protocol asn1.ObjectIdentifier
	Version  int
}

// UnknownSecurityInfo keeps entries this package does not interpret.
type UnknownSecurityInfo struct {
	Protocol asn1.ObjectIdentifier
	Raw      []byte
}

// SecurityInfos is the content of EF.CardAccess and DG14.
type SecurityInfos struct {
	PACEInfos                        []PACEInfo
	PACEDomainParameterInfos         []PACEDomainParameterInfo
	ChipAuthenticationInfos          []ChipAuthenticationInfo
	ChipAuthenticationPublicKeyInfos []ChipAuthenticationPublicKeyInfo
	TerminalAuthenticationInfos      []TerminalAuthenticationInfo
	Unknown                          []UnknownSecurityInfo
}

type securityInfo struct {
	Raw      asn1.RawContent
	Protocol asn1.ObjectIdentifier
	Required asn1.RawValue
	Optional asn1.RawValue `asn1:"optional"`
}

// ParseSecurityInfos decodes a DER SET OF SecurityInfo.
func ParseSecurityInfos(data []byte) (*SecurityInfos, error) {
	var entries []securityInfo
	if _, err := asn1.UnmarshalWithParams(data, &entries, "set"); err != nil {
		return nil, fmt.Errorf("failed to parse SecurityInfos: %w", err)
	}

	infos := &SecurityInfos{}
	for _, e := range entries {
		if err := infos.add(e); err != nil {
			slog.Debug("Keeping unparseable SecurityInfo as unknown", "protocol", e.Protocol.String(), "error", err)
			infos.Unknown = append(infos.Unknown, UnknownSecurityInfo{Protocol: e.Protocol, Raw: e.Raw})
		}
	}
	return infos, nil
}

func (s *SecurityInfos) add(e securityInfo) error {
	p := e.Protocol
	switch {
	case hasPrefix(p, OIDPACE) && len(p) == 11:
		info := PACEInfo{Protocol: p, ParameterID: -1}
		if _, err := asn1.Unmarshal(e.Required.FullBytes, &info.Version); err != nil {
			return err
		}
		if len(e.Optional.FullBytes) > 0 {
			if _, err := asn1.Unmarshal(e.Optional.FullBytes, &info.ParameterID); err != nil {
				return err
			}
		}
		s.PACEInfos = append(s.PACEInfos, info)
	case hasPrefix(p, OIDPACE) && len(p) == 10:
		info := PACEDomainParameterInfo{Protocol: p, Parameters: e.Required.FullBytes, ParameterID: -1}
		if len(e.Optional.FullBytes) > 0 {
			if _, err := asn1.Unmarshal(e.Optional.FullBytes, &info.ParameterID); err != nil {
				return err
			}
		}
		s.PACEDomainParameterInfos = append(s.PACEDomainParameterInfos, info)
	case hasPrefix(p, OIDCA) && len(p) == 11:
		info := ChipAuthenticationInfo{Protocol: p, KeyID: -1}
		if _, err := asn1.Unmarshal(e.Required.FullBytes, &info.Version); err != nil {
			return err
		}
		if len(e.Optional.FullBytes) > 0 {
			if _, err := asn1.Unmarshal(e.Optional.FullBytes, &info.KeyID); err != nil {
				return err
			}
		}
		s.ChipAuthenticationInfos = append(s.ChipAuthenticationInfos, info)
	case p.Equal(OIDPKDH) || p.Equal(OIDPKECDH):
		info := ChipAuthenticationPublicKeyInfo{Protocol: p, SubjectPublicKeyInfo: e.Required.FullBytes, KeyID: -1}
		if len(e.Optional.FullBytes) > 0 {
			if _, err := asn1.Unmarshal(e.Optional.FullBytes, &info.KeyID); err != nil {
				return err
			}
		}
		key, err := ParseChipPublicKey(info.SubjectPublicKeyInfo)
		if err != nil {
			return err
		}
		info.PublicKey = key
		s.ChipAuthenticationPublicKeyInfos = append(s.ChipAuthenticationPublicKeyInfos, info)
	case p.Equal(OIDTA):
		info := TerminalAuthenticationInfo{Protocol: p}
		if _, err := asn1.Unmarshal(e.Required.FullBytes, &info.Version); err != nil {
			return err
		}
		s.TerminalAuthenticationInfos = append(s.TerminalAuthenticationInfos, info)
	default:
		s.Unknown = append(s.Unknown, UnknownSecurityInfo{Protocol: p, Raw: e.Raw})
	}
	return nil
}

func hasPrefix(oid, prefix asn1.ObjectIdentifier) bool {
	return len(oid) >= len(prefix) && oid[:len(prefix)].Equal(prefix)
}

// ChipAuthenticationInfoForKey returns the CA info whose key id matches, or
// the only one present when neither side names a key.
func (s *SecurityInfos) ChipAuthenticationInfoForKey(keyID int) (ChipAuthenticationInfo, bool) {
	for _, info := range s.ChipAuthenticationInfos {
		if info.KeyID == keyID {
			return info, true
		}
	}
	if len(s.ChipAuthenticationInfos) == 1 && s.ChipAuthenticationInfos[0].KeyID == -1 {
		return s.ChipAuthenticationInfos[0], true
	}
	return ChipAuthenticationInfo{}, false
}

// Encode produces the DER SET OF for the infos. Domain parameter infos are
// not written; unknown entries are copied through.
func (s *SecurityInfos) Encode() ([]byte, error) {
	var entries []asn1.RawValue
	add := func(v any) error {
		der, err := asn1.Marshal(v)
		if err != nil {
			return err
		}
		entries = append(entries, asn1.RawValue{FullBytes: der})
		return nil
	}
	type versioned struct {
		Protocol asn1.ObjectIdentifier
		Version  int
	}
	type withID struct {
		Protocol asn1.ObjectIdentifier
		Version  int
		ID       int
	}
	type keyInfo struct {
		Protocol asn1.ObjectIdentifier
		SPKI     asn1.RawValue
		ID       int
	}
	type keyInfoNoID struct {
		Protocol asn1.ObjectIdentifier
		SPKI     asn1.RawValue
	}
	for _, p := range s.PACEInfos {
		var err error
		if p.ParameterID >= 0 {
			err = add(withID{p.Protocol, p.Version, p.ParameterID})
		} else {
			err = add(versioned{p.Protocol, p.Version})
		}
		if err != nil {
			return nil, err
		}
	}
	for _, c := range s.ChipAuthenticationInfos {
		var err error
		if c.KeyID >= 0 {
			err = add(withID{c.Protocol, c.Version, c.KeyID})
		} else {
			err = add(versioned{c.Protocol, c.Version})
		}
		if err != nil {
			return nil, err
		}
	}
	for _, k := range s.ChipAuthenticationPublicKeyInfos {
		var err error
		spki := asn1.RawValue{FullBytes: k.SubjectPublicKeyInfo}
		if k.KeyID >= 0 {
			err = add(keyInfo{k.Protocol, spki, k.KeyID})
		} else {
			err = add(keyInfoNoID{k.Protocol, spki})
		}
		if err != nil {
			return nil, err
		}
	}
	for _, t := range s.TerminalAuthenticationInfos {
		if err := add(versioned{t.Protocol, t.Version}); err != nil {
			return nil, err
		}
	}
	for _, u := range s.Unknown {
		entries = append(entries, asn1.RawValue{FullBytes: u.Raw})
	}
	return asn1.MarshalWithParams(entries, "set")
}
