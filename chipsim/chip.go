// Package chipsim simulates the contactless chip of an eMRTD for tests and
// demos. It implements the card side of BAC, PACE with generic mapping,
// chip authentication and terminal authentication.
package chipsim

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha1"
	"encoding/asn1"
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"go-passport-verifier/cvc"
	"go-passport-verifier/iso7816"
	"go-passport-verifier/lds"
	"go-passport-verifier/mrtd"
	"go-passport-verifier/securemessaging"
)

// ErrTagLost is returned once the chip has been removed from the field.
var ErrTagLost = errors.New("tag was lost")

const swAuthFailed iso7816.StatusWord = 0x6300

// PACEConfig enables PACE with one protocol and standardized curve.
type PACEConfig struct {
	Protocol    asn1.ObjectIdentifier
	ParameterID int
	Password    mrtd.AccessKey
}

// ChipAuthConfig is the static chip authentication key pair. Exactly one of
// EC and DH is set.
type ChipAuthConfig struct {
	Protocol asn1.ObjectIdentifier
	KeyID    int
	EC       *ecdsa.PrivateKey
	DH       *DHPrivateKey
}

// DHPrivateKey is a finite field chip key.
type DHPrivateKey struct {
	Public lds.DHPublicKey
	X      *big.Int
}

// Config describes the chip. Files are the elementary files of the eMRTD
// applet keyed by file identifier; CardAccess lives in the master file.
type Config struct {
	// BAC protects the applet with basic access control. Without it files
	// are readable in the clear.
	BAC        *mrtd.BACKey
	PACE       *PACEConfig
	CardAccess []byte
	Files      map[uint16][]byte
	// Unreadable makes selecting a file fail with the given status.
	Unreadable map[uint16]iso7816.StatusWord
	ChipAuth   *ChipAuthConfig
	// TrustPoint is the CVCA certificate used to verify terminals.
	TrustPoint *cvc.Certificate
	// EACFiles can only be read after terminal authentication.
	EACFiles   []uint16
	Now        time.Time
}

type paceState struct {
	step       int
	alg        securemessaging.Cipher
	nonce      []byte
	gx, gy     *big.Int
	ksEnc      []byte
	ksMac      []byte
	piccPublic []byte
	pcdPublic  []byte
}

// Chip is a simulated card. It is safe for concurrent use; commands are
// processed one at a time.
type Chip struct {
	cfg Config

	mu             sync.Mutex
	lost           bool
	appletSelected bool
	selected       uint16
	hasSelection   bool
	sm             *securemessaging.Wrapper
	accessGranted  bool
	challenge      []byte
	pace           *paceState
	idPICC         []byte
	caProtocol     asn1.ObjectIdentifier
	caCompressed   []byte
	taIssuer       *cvc.Certificate
	taTerminal     *cvc.Certificate
	taDone         bool
	selections     []uint16
}

func New(cfg Config) *Chip {
	return &Chip{cfg: cfg}
}

// Remove takes the chip out of the field. Every later exchange fails with
// ErrTagLost.
func (c *Chip) Remove() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lost = true
}

// Selections returns the file identifiers selected so far, in order.
func (c *Chip) Selections() []uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint16(nil), c.selections...)
}

// TerminalAuthenticated reports whether terminal authentication succeeded.
func (c *Chip) TerminalAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.taDone
}

func (c *Chip) Transmit(ctx context.Context, cmd iso7816.CommandAPDU) (iso7816.ResponseAPDU, error) {
	if err := ctx.Err(); err != nil {
		return iso7816.ResponseAPDU{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lost {
		return iso7816.ResponseAPDU{}, ErrTagLost
	}

	protected := cmd.CLA&iso7816.CLASecureMessaging == iso7816.CLASecureMessaging
	if protected {
		if c.sm == nil {
			return status(iso7816.SWSMDataObjectsIncorrect), nil
		}
		plain, err := c.sm.UnwrapCommand(cmd)
		if err != nil {
			slog.Debug("Simulated chip rejected protected command", "error", err)
			c.resetSecurity()
			return status(iso7816.SWSMDataObjectsIncorrect), nil
		}
		cmd = plain
	} else if c.sm != nil {
		// A plain command ends the secure messaging session.
		c.resetSecurity()
	}

	resp, next := c.process(cmd)
	if protected && c.sm != nil {
		wrapped, err := c.sm.WrapResponse(resp)
		if err != nil {
			return iso7816.ResponseAPDU{}, err
		}
		resp = wrapped
	}
	if next != nil {
		c.sm = next
		c.accessGranted = true
	}
	return resp, nil
}

func (c *Chip) resetSecurity() {
	c.sm = nil
	c.accessGranted = false
	c.pace = nil
	c.caCompressed = nil
	c.taIssuer = nil
	c.taTerminal = nil
	c.taDone = false
}

func status(sw iso7816.StatusWord) iso7816.ResponseAPDU {
	return iso7816.ResponseAPDU{SW: sw}
}

func ok(data []byte) iso7816.ResponseAPDU {
	return iso7816.ResponseAPDU{Data: data, SW: iso7816.SWNoError}
}

func (c *Chip) process(cmd iso7816.CommandAPDU) (iso7816.ResponseAPDU, *securemessaging.Wrapper) {
	switch cmd.INS {
	case iso7816.INSSelect:
		return c.selectFile(cmd), nil
	case iso7816.INSReadBinary:
		return c.readBinary(cmd), nil
	case iso7816.INSGetChallenge:
		c.challenge = randomBytes(8)
		return ok(c.challenge), nil
	case iso7816.INSExternalAuth:
		if c.taTerminal != nil {
			return c.terminalAuthenticate(cmd), nil
		}
		return c.mutualAuthenticate(cmd)
	case iso7816.INSMSESet:
		return c.manageSecurityEnvironment(cmd)
	case iso7816.INSGeneralAuth:
		if c.pace != nil {
			return c.paceStep(cmd)
		}
		return c.chipAuthenticateAES(cmd)
	case iso7816.INSPerformSecurityOp:
		return c.verifyCertificate(cmd), nil
	}
	return status(iso7816.SWINSNotSupported), nil
}

func (c *Chip) accessAllowed(fid uint16) iso7816.StatusWord {
	if c.cfg.BAC != nil && !c.accessGranted {
		return iso7816.SWSecurityStatusNotSatisfied
	}
	for _, f := range c.cfg.EACFiles {
		if f == fid && !c.taDone {
			return iso7816.SWSecurityStatusNotSatisfied
		}
	}
	return iso7816.SWNoError
}

func (c *Chip) selectFile(cmd iso7816.CommandAPDU) iso7816.ResponseAPDU {
	if cmd.P1 == 0x04 {
		if !bytes.Equal(cmd.Data, mrtd.AppletAID) {
			return status(iso7816.SWFileNotFound)
		}
		c.appletSelected = true
		c.hasSelection = false
		return ok(nil)
	}
	if len(cmd.Data) != 2 {
		return status(iso7816.SWWrongData)
	}
	fid := uint16(cmd.Data[0])<<8 | uint16(cmd.Data[1])
	c.selections = append(c.selections, fid)
	c.hasSelection = false

	if !c.appletSelected {
		if fid != lds.KindCardAccess.FID() || c.cfg.CardAccess == nil {
			return status(iso7816.SWFileNotFound)
		}
		c.selected, c.hasSelection = fid, true
		return ok(nil)
	}
	if _, exists := c.cfg.Files[fid]; !exists {
		return status(iso7816.SWFileNotFound)
	}
	if sw := c.accessAllowed(fid); sw != iso7816.SWNoError {
		return status(sw)
	}
	if sw, fail := c.cfg.Unreadable[fid]; fail {
		return status(sw)
	}
	c.selected, c.hasSelection = fid, true
	return ok(nil)
}

func (c *Chip) readBinary(cmd iso7816.CommandAPDU) iso7816.ResponseAPDU {
	if !c.hasSelection {
		return status(iso7816.SWConditionsNotSatisfied)
	}
	data := c.cfg.CardAccess
	if c.appletSelected {
		if sw := c.accessAllowed(c.selected); sw != iso7816.SWNoError {
			return status(sw)
		}
		data = c.cfg.Files[c.selected]
	}
	offset := int(cmd.P1&0x7F)<<8 | int(cmd.P2)
	if offset > len(data) {
		return status(iso7816.SWWrongP1P2)
	}
	ne := cmd.Ne
	if ne == 0 {
		ne = 256
	}
	end := min(offset+ne, len(data))
	resp := ok(data[offset:end])
	if end-offset < ne {
		resp.SW = iso7816.SWEndOfFile
	}
	return resp
}

// mutualAuthenticate is the chip side of BAC.
func (c *Chip) mutualAuthenticate(cmd iso7816.CommandAPDU) (iso7816.ResponseAPDU, *securemessaging.Wrapper) {
	if c.cfg.BAC == nil || c.challenge == nil {
		return status(iso7816.SWConditionsNotSatisfied), nil
	}
	plain, err := mrtd.OpenBACCryptogram(*c.cfg.BAC, cmd.Data)
	if err != nil || len(plain) != 32 || !bytes.Equal(plain[8:16], c.challenge) {
		return status(iso7816.SWSecurityStatusNotSatisfied), nil
	}
	rndIFD, kIFD := plain[0:8], plain[16:32]
	rndICC := c.challenge
	c.challenge = nil
	kICC := randomBytes(16)

	resp, err := mrtd.BACCryptogram(*c.cfg.BAC, concat(rndICC, rndIFD, kICC))
	if err != nil {
		return status(iso7816.SWUnknown), nil
	}
	wrapper, err := mrtd.BACSessionWrapper(kIFD, kICC, rndICC, rndIFD)
	if err != nil {
		return status(iso7816.SWUnknown), nil
	}
	c.idPICC = c.cfg.BAC.IDPICC()
	return ok(resp), wrapper
}

func (c *Chip) manageSecurityEnvironment(cmd iso7816.CommandAPDU) (iso7816.ResponseAPDU, *securemessaging.Wrapper) {
	objects, err := iso7816.ParseAllTLV(cmd.Data)
	if err != nil {
		return status(iso7816.SWWrongData), nil
	}
	p1p2 := uint16(cmd.P1)<<8 | uint16(cmd.P2)
	switch p1p2 {
	case 0xC1A4:
		return c.paceSetAT(objects), nil
	case 0x41A6:
		return c.chipAuthenticateTripleDES(objects)
	case 0x41A4:
		return c.chipAuthSetAT(objects), nil
	case 0x81B6:
		return c.setVerificationKey(objects), nil
	case 0x81A4:
		return c.setTerminal(objects), nil
	}
	return status(iso7816.SWWrongP1P2), nil
}

func (c *Chip) paceSetAT(objects []iso7816.TLV) iso7816.ResponseAPDU {
	cfg := c.cfg.PACE
	if cfg == nil {
		return status(iso7816.SWReferencedDataNotFound)
	}
	proto, okProto := iso7816.FindTag(objects, 0x80)
	ref, okRef := iso7816.FindTag(objects, 0x83)
	if !okProto || !okRef || len(ref.Value) != 1 {
		return status(iso7816.SWWrongData)
	}
	oid, err := iso7816.DecodeOID(proto.Value)
	if err != nil || !oid.Equal(cfg.Protocol) || ref.Value[0] != cfg.Password.PasswordRef() {
		return status(iso7816.SWReferencedDataNotFound)
	}
	if id, found := iso7816.FindTag(objects, 0x84); found && (len(id.Value) != 1 || int(id.Value[0]) != cfg.ParameterID) {
		return status(iso7816.SWReferencedDataNotFound)
	}
	alg, err := mrtd.CipherForStrength(int(cfg.Protocol[len(cfg.Protocol)-1]))
	if err != nil {
		return status(iso7816.SWReferencedDataNotFound)
	}
	c.resetSecurity()
	c.pace = &paceState{step: 1, alg: alg}
	return ok(nil)
}

func dynamicAuthObject(data []byte, tag uint32) ([]byte, bool) {
	outer, _, err := iso7816.ParseTLV(data)
	if err != nil || outer.Tag != 0x7C {
		return nil, false
	}
	if tag == 0 {
		return nil, len(outer.Value) == 0
	}
	obj, found := outer.Find(tag)
	return obj.Value, found
}

func (c *Chip) paceStep(cmd iso7816.CommandAPDU) (iso7816.ResponseAPDU, *securemessaging.Wrapper) {
	p := c.pace
	cfg := c.cfg.PACE
	curve, err := mrtd.PACECurve(cfg.ParameterID)
	if err != nil {
		return status(iso7816.SWReferencedDataNotFound), nil
	}
	fail := func() (iso7816.ResponseAPDU, *securemessaging.Wrapper) {
		c.pace = nil
		return status(swAuthFailed), nil
	}

	switch p.step {
	case 1:
		if _, empty := dynamicAuthObject(cmd.Data, 0); !empty {
			return fail()
		}
		p.nonce = randomBytes(p.alg.BlockSize())
		z, err := mrtd.EncryptNonce(cfg.Password, p.alg, p.nonce)
		if err != nil {
			return fail()
		}
		p.step++
		return ok(iso7816.EncodeTLV(0x7C, iso7816.EncodeTLV(0x80, z))), nil
	case 2:
		pcdMap, found := dynamicAuthObject(cmd.Data, 0x81)
		if !found {
			return fail()
		}
		px, py, err := lds.UnmarshalPoint(curve, pcdMap)
		if err != nil {
			return fail()
		}
		params := curve.Params()
		priv, x, y, err := mrtd.GenerateEphemeral(curve, params.Gx, params.Gy)
		if err != nil {
			return fail()
		}
		p.gx, p.gy = mrtd.MapNonce(curve, p.nonce, priv, px, py)
		p.step++
		return ok(iso7816.EncodeTLV(0x7C, iso7816.EncodeTLV(0x82, lds.MarshalPoint(curve, x, y)))), nil
	case 3:
		pcdPublic, found := dynamicAuthObject(cmd.Data, 0x83)
		if !found {
			return fail()
		}
		qx, qy, err := lds.UnmarshalPoint(curve, pcdPublic)
		if err != nil {
			return fail()
		}
		priv, x, y, err := mrtd.GenerateEphemeral(curve, p.gx, p.gy)
		if err != nil {
			return fail()
		}
		secret := mrtd.SharedSecretEC(curve, priv, qx, qy)
		p.ksEnc = securemessaging.DeriveKey(secret, p.alg, securemessaging.CounterEnc)
		p.ksMac = securemessaging.DeriveKey(secret, p.alg, securemessaging.CounterMAC)
		p.pcdPublic = pcdPublic
		p.piccPublic = lds.MarshalPoint(curve, x, y)
		p.step++
		return ok(iso7816.EncodeTLV(0x7C, iso7816.EncodeTLV(0x84, p.piccPublic))), nil
	case 4:
		token, found := dynamicAuthObject(cmd.Data, 0x85)
		if !found {
			return fail()
		}
		expected, err := mrtd.AuthToken(p.alg, p.ksMac, cfg.Protocol, p.piccPublic)
		if err != nil || !bytes.Equal(expected, token) {
			return fail()
		}
		piccToken, err := mrtd.AuthToken(p.alg, p.ksMac, cfg.Protocol, p.pcdPublic)
		if err != nil {
			return fail()
		}
		objects := [][]byte{iso7816.EncodeTLV(0x86, piccToken)}
		if c.cfg.TrustPoint != nil {
			objects = append(objects, iso7816.EncodeTLV(0x87, []byte(c.cfg.TrustPoint.HolderReference)))
		}
		wrapper, err := securemessaging.NewWrapper(p.alg, p.ksEnc, p.ksMac, make([]byte, p.alg.BlockSize()))
		if err != nil {
			return fail()
		}
		c.idPICC = mrtd.CompressPoint(curve, p.piccPublic)
		c.pace = nil
		return ok(iso7816.EncodeTLV(0x7C, objects...)), wrapper
	}
	return fail()
}

// chipAuthSecret computes the shared secret with the terminal's ephemeral key.
func (c *Chip) chipAuthSecret(ephemeral []byte) ([]byte, bool) {
	ca := c.cfg.ChipAuth
	switch {
	case ca == nil:
		return nil, false
	case ca.EC != nil:
		curve := ca.EC.Curve
		x, y, err := lds.UnmarshalPoint(curve, ephemeral)
		if err != nil {
			return nil, false
		}
		c.caCompressed = mrtd.CompressPoint(curve, ephemeral)
		return mrtd.SharedSecretEC(curve, ca.EC.D, x, y), true
	case ca.DH != nil:
		y := new(big.Int).SetBytes(ephemeral)
		if y.Sign() <= 0 || y.Cmp(ca.DH.Public.P) >= 0 {
			return nil, false
		}
		sum := sha1.Sum(ephemeral)
		c.caCompressed = sum[:]
		return mrtd.SharedSecretDH(&ca.DH.Public, ca.DH.X, y), true
	}
	return nil, false
}

func (c *Chip) keyIDMatches(objects []iso7816.TLV) bool {
	ref, found := iso7816.FindTag(objects, 0x84)
	if !found {
		return true
	}
	return new(big.Int).SetBytes(ref.Value).Int64() == int64(c.cfg.ChipAuth.KeyID)
}

func (c *Chip) chipAuthenticateTripleDES(objects []iso7816.TLV) (iso7816.ResponseAPDU, *securemessaging.Wrapper) {
	if c.sm == nil || c.cfg.ChipAuth == nil || !c.keyIDMatches(objects) {
		return status(iso7816.SWConditionsNotSatisfied), nil
	}
	pk, found := iso7816.FindTag(objects, 0x91)
	if !found {
		return status(iso7816.SWWrongData), nil
	}
	secret, valid := c.chipAuthSecret(pk.Value)
	if !valid {
		return status(iso7816.SWWrongData), nil
	}
	wrapper, err := mrtd.ChipAuthWrapper(securemessaging.TripleDES, secret)
	if err != nil {
		return status(iso7816.SWUnknown), nil
	}
	return ok(nil), wrapper
}

func (c *Chip) chipAuthSetAT(objects []iso7816.TLV) iso7816.ResponseAPDU {
	if c.sm == nil || c.cfg.ChipAuth == nil || !c.keyIDMatches(objects) {
		return status(iso7816.SWConditionsNotSatisfied)
	}
	proto, found := iso7816.FindTag(objects, 0x80)
	if !found {
		return status(iso7816.SWWrongData)
	}
	oid, err := iso7816.DecodeOID(proto.Value)
	if err != nil || !oid.Equal(c.cfg.ChipAuth.Protocol) {
		return status(iso7816.SWReferencedDataNotFound)
	}
	c.caProtocol = oid
	return ok(nil)
}

func (c *Chip) chipAuthenticateAES(cmd iso7816.CommandAPDU) (iso7816.ResponseAPDU, *securemessaging.Wrapper) {
	if c.caProtocol == nil {
		return status(iso7816.SWConditionsNotSatisfied), nil
	}
	alg, err := mrtd.CipherForStrength(int(c.caProtocol[len(c.caProtocol)-1]))
	c.caProtocol = nil
	if err != nil {
		return status(iso7816.SWReferencedDataNotFound), nil
	}
	pk, found := dynamicAuthObject(cmd.Data, 0x80)
	if !found {
		return status(iso7816.SWWrongData), nil
	}
	secret, valid := c.chipAuthSecret(pk)
	if !valid {
		return status(iso7816.SWWrongData), nil
	}
	wrapper, err := mrtd.ChipAuthWrapper(alg, secret)
	if err != nil {
		return status(iso7816.SWUnknown), nil
	}
	return ok(iso7816.EncodeTLV(0x7C)), wrapper
}

// setVerificationKey selects the public key for the next PSO:VERIFY
// CERTIFICATE by holder reference.
func (c *Chip) setVerificationKey(objects []iso7816.TLV) iso7816.ResponseAPDU {
	ref, found := iso7816.FindTag(objects, 0x83)
	if !found || c.caCompressed == nil || c.cfg.TrustPoint == nil {
		return status(iso7816.SWConditionsNotSatisfied)
	}
	switch car := string(ref.Value); {
	case car == c.cfg.TrustPoint.HolderReference:
		c.taIssuer = c.cfg.TrustPoint
	case c.taIssuer != nil && car == c.taIssuer.HolderReference:
	default:
		return status(iso7816.SWReferencedDataNotFound)
	}
	return ok(nil)
}

func (c *Chip) now() time.Time {
	if c.cfg.Now.IsZero() {
		return time.Now()
	}
	return c.cfg.Now
}

func (c *Chip) verifyCertificate(cmd iso7816.CommandAPDU) iso7816.ResponseAPDU {
	if cmd.P1 != 0x00 || cmd.P2 != 0xBE {
		return status(iso7816.SWWrongP1P2)
	}
	if c.taIssuer == nil {
		return status(iso7816.SWConditionsNotSatisfied)
	}
	cert, err := cvc.Parse(iso7816.EncodeTLV(0x7F21, cmd.Data))
	if err != nil {
		return status(iso7816.SWWrongData)
	}
	if err := cert.CheckSignatureFrom(c.taIssuer, c.cfg.TrustPoint.PublicKey.Curve); err != nil {
		slog.Debug("Simulated chip rejected certificate", "certificate", cert.String(), "error", err)
		return status(iso7816.SWSecurityStatusNotSatisfied)
	}
	if !cert.IsValidAt(c.now()) {
		return status(iso7816.SWSecurityStatusNotSatisfied)
	}
	c.taIssuer = cert
	return ok(nil)
}

func (c *Chip) setTerminal(objects []iso7816.TLV) iso7816.ResponseAPDU {
	ref, found := iso7816.FindTag(objects, 0x83)
	if !found || c.taIssuer == nil || string(ref.Value) != c.taIssuer.HolderReference || c.taIssuer == c.cfg.TrustPoint {
		return status(iso7816.SWReferencedDataNotFound)
	}
	c.taTerminal = c.taIssuer
	return ok(nil)
}

func (c *Chip) terminalAuthenticate(cmd iso7816.CommandAPDU) iso7816.ResponseAPDU {
	terminal := c.taTerminal
	c.taTerminal = nil
	if c.challenge == nil {
		return status(iso7816.SWConditionsNotSatisfied)
	}
	data := concat(c.idPICC, c.challenge, c.caCompressed)
	c.challenge = nil
	if err := cvc.Verify(terminal.PublicKey, c.cfg.TrustPoint.PublicKey.Curve, data, cmd.Data); err != nil {
		slog.Debug("Simulated chip rejected terminal signature", "error", err)
		return status(iso7816.SWSecurityStatusNotSatisfied)
	}
	c.taDone = true
	return ok(nil)
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return b
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
