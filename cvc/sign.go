package cvc

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"time"

	"go-passport-verifier/iso7816"
	"go-passport-verifier/lds"
)

var ErrSignature = errors.New("signature verification failed")

type algorithm struct {
	hash crypto.Hash
	pss  bool
}

var algorithms = map[string]algorithm{
	OIDTAECDSASHA1.String():    {hash: crypto.SHA1},
	OIDTAECDSASHA224.String():  {hash: crypto.SHA224},
	OIDTAECDSASHA256.String():  {hash: crypto.SHA256},
	OIDTAECDSASHA384.String():  {hash: crypto.SHA384},
	OIDTAECDSASHA512.String():  {hash: crypto.SHA512},
	OIDTARSAv15SHA1.String():   {hash: crypto.SHA1},
	OIDTARSAv15SHA256.String(): {hash: crypto.SHA256},
	OIDTARSAv15SHA512.String(): {hash: crypto.SHA512},
	OIDTARSAPSSSHA1.String():   {hash: crypto.SHA1, pss: true},
	OIDTARSAPSSSHA256.String(): {hash: crypto.SHA256, pss: true},
	OIDTARSAPSSSHA512.String(): {hash: crypto.SHA512, pss: true},
}

func lookup(oid asn1.ObjectIdentifier) (algorithm, error) {
	alg, ok := algorithms[oid.String()]
	if !ok {
		return algorithm{}, fmt.Errorf("unsupported terminal authentication algorithm %s", oid)
	}
	return alg, nil
}

func digest(h crypto.Hash, data []byte) []byte {
	d := h.New()
	d.Write(data)
	return d.Sum(nil)
}

// Sign signs data with the algorithm named by oid. ECDSA signatures are
// returned in the plain r||s format that cards expect.
func Sign(signer crypto.Signer, oid asn1.ObjectIdentifier, data []byte) ([]byte, error) {
	alg, err := lookup(oid)
	if err != nil {
		return nil, err
	}
	hashed := digest(alg.hash, data)

	var opts crypto.SignerOpts = alg.hash
	if alg.pss {
		opts = &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: alg.hash}
	}
	sig, err := signer.Sign(rand.Reader, hashed, opts)
	if err != nil {
		return nil, err
	}
	pub, ok := signer.Public().(*ecdsa.PublicKey)
	if !ok {
		return sig, nil
	}
	return plainSignature(pub.Curve, sig)
}

type ecdsaSignature struct {
	R, S *big.Int
}

func plainSignature(curve elliptic.Curve, der []byte) ([]byte, error) {
	var sig ecdsaSignature
	if _, err := asn1.Unmarshal(der, &sig); err != nil {
		return nil, fmt.Errorf("failed to parse ECDSA signature: %w", err)
	}
	size := (curve.Params().N.BitLen() + 7) / 8
	out := make([]byte, 2*size)
	sig.R.FillBytes(out[:size])
	sig.S.FillBytes(out[size:])
	return out, nil
}

// Verify checks a plain format signature made with key over data.
func Verify(key PublicKey, curve elliptic.Curve, data, sig []byte) error {
	alg, err := lookup(key.OID)
	if err != nil {
		return err
	}
	hashed := digest(alg.hash, data)

	if key.IsEC() {
		pub, err := key.ECDSA(curve)
		if err != nil {
			return err
		}
		if len(sig)%2 != 0 {
			return ErrSignature
		}
		r := new(big.Int).SetBytes(sig[:len(sig)/2])
		s := new(big.Int).SetBytes(sig[len(sig)/2:])
		if !ecdsa.Verify(pub, hashed, r, s) {
			return ErrSignature
		}
		return nil
	}

	pub := &rsa.PublicKey{N: key.N, E: int(key.E.Int64())}
	if alg.pss {
		err = rsa.VerifyPSS(pub, alg.hash, hashed, sig, nil)
	} else {
		err = rsa.VerifyPKCS1v15(pub, alg.hash, hashed, sig)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignature, err)
	}
	return nil
}

// EncodePublicKey produces the 7F49 object. Domain parameters are written
// only when withParams is set, as for CVCA certificates.
func EncodePublicKey(oid asn1.ObjectIdentifier, pub crypto.PublicKey, withParams bool) ([]byte, error) {
	oidBytes, err := iso7816.EncodeOID(oid)
	if err != nil {
		return nil, err
	}
	fields := [][]byte{iso7816.EncodeTLV(tagOID, oidBytes)}
	switch k := pub.(type) {
	case *ecdsa.PublicKey:
		params := k.Curve.Params()
		if withParams {
			a, b := new(big.Int).Sub(params.P, big.NewInt(3)), params.B
			if oid, ok := lds.OIDForCurve(k.Curve); ok {
				if coeff, ok := brainpoolCoefficients[oid.String()]; ok {
					a, b = coeff.a, coeff.b
				}
			}
			if b == nil {
				return nil, fmt.Errorf("no coefficient b for curve %s", params.Name)
			}
			fields = append(fields,
				iso7816.EncodeTLV(0x81, params.P.Bytes()),
				iso7816.EncodeTLV(0x82, a.Bytes()),
				iso7816.EncodeTLV(0x83, b.Bytes()),
				iso7816.EncodeTLV(0x84, lds.MarshalPoint(k.Curve, params.Gx, params.Gy)),
				iso7816.EncodeTLV(0x85, params.N.Bytes()),
			)
		}
		fields = append(fields, iso7816.EncodeTLV(0x86, lds.MarshalPoint(k.Curve, k.X, k.Y)))
		if withParams {
			fields = append(fields, iso7816.EncodeTLV(0x87, []byte{0x01}))
		}
	case *rsa.PublicKey:
		fields = append(fields,
			iso7816.EncodeTLV(0x81, k.N.Bytes()),
			iso7816.EncodeTLV(0x82, big.NewInt(int64(k.E)).Bytes()),
		)
	default:
		return nil, fmt.Errorf("unsupported public key %T", pub)
	}
	return iso7816.EncodeTLV(tagPublicKey, fields...), nil
}

// Brainpool curves do not have a = -3, and the brainpool package leaves b
// out of elliptic.CurveParams. Values from RFC 5639.
var brainpoolCoefficients = map[string]struct{ a, b *big.Int }{
	"1.3.36.3.3.2.8.1.1.7": {
		mustHex("7D5A0975FC2C3057EEF67530417AFFE7FB8055C126DC5C6CE94A4B44F330B5D9"),
		mustHex("26DC5C6CE94A4B44F330B5D9BBD77CBF958416295CF7E1CE6BCCDC18FF8C07B6"),
	},
	"1.3.36.3.3.2.8.1.1.11": {
		mustHex("7BC382C63D8C150C3C72080ACE05AFA0C2BEA28E4FB22787139165EFBA91F90F8AA5814A503AD4EB04A8C7DD22CE2826"),
		mustHex("04A8C7DD22CE28268B39B55416F0447C2FB77DE107DCD2A62E880EA53EEB62D57CB4390295DBC9943AB78696FA504C11"),
	},
	"1.3.36.3.3.2.8.1.1.13": {
		mustHex("7830A3318B603B89E2327145AC234CC594CBDD8D3DF91610A83441CAEA9863BC2DED5D5AA8253AA10A2EF1C98B9AC8B57F1117A72BF2C7B9E7C1AC4D77FC94CA"),
		mustHex("3DF91610A83441CAEA9863BC2DED5D5AA8253AA10A2EF1C98B9AC8B57F1117A72BF2C7B9E7C1AC4D77FC94CADC083E67984050B75EBAE5DD2809BD638016F723"),
	},
}

func mustHex(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 16)
	if !ok {
		panic("invalid hex constant " + s)
	}
	return n
}

// Template describes a certificate to issue.
type Template struct {
	AuthorityReference string
	HolderReference    string
	KeyAlgorithm       asn1.ObjectIdentifier
	PublicKey          crypto.PublicKey
	WithDomainParams   bool
	Role               asn1.ObjectIdentifier
	Authorization      []byte
	EffectiveDate      time.Time
	ExpirationDate     time.Time
}

// Create encodes the template and signs it with signer using signAlg.
func Create(t Template, signer crypto.Signer, signAlg asn1.ObjectIdentifier) (*Certificate, error) {
	key, err := EncodePublicKey(t.KeyAlgorithm, t.PublicKey, t.WithDomainParams)
	if err != nil {
		return nil, err
	}
	role := t.Role
	if role == nil {
		role = OIDRoleIS
	}
	roleBytes, err := iso7816.EncodeOID(role)
	if err != nil {
		return nil, err
	}
	body := iso7816.EncodeTLV(tagBody,
		iso7816.EncodeTLV(tagProfileID, []byte{0x00}),
		iso7816.EncodeTLV(tagCAR, []byte(t.AuthorityReference)),
		key,
		iso7816.EncodeTLV(tagCHR, []byte(t.HolderReference)),
		iso7816.EncodeTLV(tagCHAT, iso7816.EncodeTLV(tagOID, roleBytes), iso7816.EncodeTLV(tagDiscretionary, t.Authorization)),
		iso7816.EncodeTLV(tagEffective, encodeDate(t.EffectiveDate)),
		iso7816.EncodeTLV(tagExpiration, encodeDate(t.ExpirationDate)),
	)
	sig, err := Sign(signer, signAlg, body)
	if err != nil {
		return nil, err
	}
	return Parse(iso7816.EncodeTLV(tagCertificate, body, iso7816.EncodeTLV(tagSignature, sig)))
}
