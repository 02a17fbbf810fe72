//go:build pkcs11

package truststore

import (
	"crypto"
	"crypto/ecdsa"
	"encoding/asn1"
	"fmt"
	"io"
	"math/big"
	"sync"

	"github.com/miekg/pkcs11"

	"go-passport-verifier/lds"
)

// pkcs11Signer is an EC terminal key that never leaves the token.
type pkcs11Signer struct {
	mu   sync.Mutex
	ctx  *pkcs11.Ctx
	sess pkcs11.SessionHandle
	priv pkcs11.ObjectHandle
	pub  *ecdsa.PublicKey
}

// AddPKCS11Key logs in to the token and adds the EC key labelled cfg.Label
// under cfg.Alias. The returned closer ends the session.
func (s *CVCAStore) AddPKCS11Key(cfg PKCS11Config) (io.Closer, error) {
	p11 := pkcs11.New(cfg.Module)
	if p11 == nil {
		return nil, fmt.Errorf("failed to load PKCS#11 module %s", cfg.Module)
	}
	if err := p11.Initialize(); err != nil {
		return nil, err
	}
	sess, err := p11.OpenSession(cfg.Slot, pkcs11.CKF_SERIAL_SESSION)
	if err != nil {
		_ = p11.Finalize()
		return nil, err
	}
	signer := &pkcs11Signer{ctx: p11, sess: sess}
	if err := p11.Login(sess, pkcs11.CKU_USER, cfg.PIN); err != nil {
		_ = signer.Close()
		return nil, err
	}

	signer.priv, err = signer.find(pkcs11.CKO_PRIVATE_KEY, cfg.Label)
	if err != nil {
		_ = signer.Close()
		return nil, err
	}
	pubHandle, err := signer.find(pkcs11.CKO_PUBLIC_KEY, cfg.Label)
	if err != nil {
		_ = signer.Close()
		return nil, err
	}
	if signer.pub, err = signer.publicKey(pubHandle); err != nil {
		_ = signer.Close()
		return nil, err
	}

	alias := cfg.Alias
	if alias == "" {
		alias = cfg.Label
	}
	s.AddKey(alias, signer)
	return signer, nil
}

func (p *pkcs11Signer) find(class uint, label string) (pkcs11.ObjectHandle, error) {
	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, label),
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, class),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_EC),
	}
	if err := p.ctx.FindObjectsInit(p.sess, template); err != nil {
		return 0, err
	}
	objs, _, err := p.ctx.FindObjects(p.sess, 1)
	_ = p.ctx.FindObjectsFinal(p.sess)
	if err != nil {
		return 0, err
	}
	if len(objs) == 0 {
		return 0, fmt.Errorf("key not found by label=%s", label)
	}
	return objs[0], nil
}

func (p *pkcs11Signer) publicKey(h pkcs11.ObjectHandle) (*ecdsa.PublicKey, error) {
	attrs, err := p.ctx.GetAttributeValue(p.sess, h, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_EC_PARAMS, nil),
		pkcs11.NewAttribute(pkcs11.CKA_EC_POINT, nil),
	})
	if err != nil {
		return nil, err
	}
	var oid asn1.ObjectIdentifier
	if _, err := asn1.Unmarshal(attrs[0].Value, &oid); err != nil {
		return nil, fmt.Errorf("token key without named curve: %w", err)
	}
	curve, ok := lds.CurveForOID(oid)
	if !ok {
		return nil, fmt.Errorf("%w %s", lds.ErrUnsupportedCurve, oid)
	}
	var point []byte
	if _, err := asn1.Unmarshal(attrs[1].Value, &point); err != nil {
		return nil, fmt.Errorf("failed to parse EC point: %w", err)
	}
	x, y, err := lds.UnmarshalPoint(curve, point)
	if err != nil {
		return nil, err
	}
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}

func (p *pkcs11Signer) Public() crypto.PublicKey {
	return p.pub
}

// Sign returns an ASN.1 ECDSA signature over digest.
func (p *pkcs11Signer) Sign(_ io.Reader, digest []byte, _ crypto.SignerOpts) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	mech := []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_ECDSA, nil)}
	if err := p.ctx.SignInit(p.sess, mech, p.priv); err != nil {
		return nil, err
	}
	raw, err := p.ctx.Sign(p.sess, digest)
	if err != nil {
		return nil, err
	}
	half := len(raw) / 2
	return asn1.Marshal(struct{ R, S *big.Int }{
		R: new(big.Int).SetBytes(raw[:half]),
		S: new(big.Int).SetBytes(raw[half:]),
	})
}

func (p *pkcs11Signer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx == nil {
		return nil
	}
	_ = p.ctx.Logout(p.sess)
	_ = p.ctx.CloseSession(p.sess)
	_ = p.ctx.Finalize()
	p.ctx.Destroy()
	p.ctx = nil
	return nil
}
