package securemessaging

import (
	"context"
	"crypto/cipher"
	"crypto/subtle"
	"errors"
	"fmt"

	"go-passport-verifier/iso7816"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

const (
	tagEncryptedOdd  = cbasn1.Tag(0x85)
	tagEncrypted     = cbasn1.Tag(0x87)
	tagExpectedLen   = cbasn1.Tag(0x97)
	tagProcessStatus = cbasn1.Tag(0x99)
	tagChecksum      = cbasn1.Tag(0x8E)
)

var ErrMACMismatch = errors.New("secure messaging MAC mismatch")

// Wrapper protects commands and verifies responses of one secure messaging
// session. It is not safe for concurrent use; every exchange advances the
// send sequence counter.
type Wrapper struct {
	alg      Cipher
	encBlock cipher.Block
	macKey   []byte
	ssc      []byte
}

func NewWrapper(alg Cipher, kEnc, kMac, ssc []byte) (*Wrapper, error) {
	encBlock, err := NewBlock(alg, kEnc)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: %w", err)
	}
	if len(ssc) != alg.BlockSize() {
		return nil, fmt.Errorf("send sequence counter must be %d bytes, got %d", alg.BlockSize(), len(ssc))
	}
	w := &Wrapper{
		alg:      alg,
		encBlock: encBlock,
		macKey:   append([]byte(nil), kMac...),
		ssc:      append([]byte(nil), ssc...),
	}
	if alg != TripleDES {
		if _, err := NewBlock(alg, kMac); err != nil {
			return nil, fmt.Errorf("invalid MAC key: %w", err)
		}
	}
	return w, nil
}

func NewTripleDESWrapper(kEnc, kMac, ssc []byte) (*Wrapper, error) {
	return NewWrapper(TripleDES, kEnc, kMac, ssc)
}

// NewAESWrapper picks AES-128/192/256 from the key length.
func NewAESWrapper(kEnc, kMac, ssc []byte) (*Wrapper, error) {
	alg := AES128
	switch len(kEnc) {
	case 24:
		alg = AES192
	case 32:
		alg = AES256
	}
	return NewWrapper(alg, kEnc, kMac, ssc)
}

func (w *Wrapper) Cipher() Cipher { return w.alg }

// SSC returns a copy of the current send sequence counter.
func (w *Wrapper) SSC() []byte { return append([]byte(nil), w.ssc...) }

func (w *Wrapper) incrementSSC() {
	for i := len(w.ssc) - 1; i >= 0; i-- {
		w.ssc[i]++
		if w.ssc[i] != 0 {
			return
		}
	}
}

func (w *Wrapper) iv() []byte {
	iv := make([]byte, w.alg.BlockSize())
	if w.alg != TripleDES {
		w.encBlock.Encrypt(iv, w.ssc)
	}
	return iv
}

func (w *Wrapper) mac(data []byte) ([]byte, error) {
	padded := Pad(data, w.alg.BlockSize())
	if w.alg == TripleDES {
		return RetailMAC(w.macKey, padded)
	}
	return CMAC(w.macKey, padded)
}

func addObject(b *cryptobyte.Builder, tag cbasn1.Tag, parts ...[]byte) {
	b.AddASN1(tag, func(b *cryptobyte.Builder) {
		for _, p := range parts {
			b.AddBytes(p)
		}
	})
}

// Wrap protects cmd. The returned command always expects a response.
func (w *Wrapper) Wrap(cmd iso7816.CommandAPDU) (iso7816.CommandAPDU, error) {
	w.incrementSSC()
	bs := w.alg.BlockSize()

	cla := cmd.CLA | iso7816.CLASecureMessaging
	header := Pad([]byte{cla, cmd.INS, cmd.P1, cmd.P2}, bs)

	var objects cryptobyte.Builder
	if len(cmd.Data) > 0 {
		encrypted := EncryptCBC(w.encBlock, w.iv(), Pad(cmd.Data, bs))
		if cmd.INS&0x01 == 1 {
			addObject(&objects, tagEncryptedOdd, encrypted)
		} else {
			addObject(&objects, tagEncrypted, []byte{0x01}, encrypted)
		}
	}
	if cmd.Ne > 0 {
		var le []byte
		switch {
		case cmd.Ne <= 256:
			le = []byte{byte(cmd.Ne)}
		case cmd.Ne < 65536:
			le = []byte{byte(cmd.Ne >> 8), byte(cmd.Ne)}
		default:
			le = []byte{0x00, 0x00}
		}
		addObject(&objects, tagExpectedLen, le)
	}
	dataObjects, err := objects.Bytes()
	if err != nil {
		return iso7816.CommandAPDU{}, fmt.Errorf("failed to encode protected command: %w", err)
	}

	macInput := make([]byte, 0, len(w.ssc)+len(header)+len(dataObjects))
	macInput = append(macInput, w.ssc...)
	macInput = append(macInput, header...)
	macInput = append(macInput, dataObjects...)
	checksum, err := w.mac(macInput)
	if err != nil {
		return iso7816.CommandAPDU{}, err
	}

	var out cryptobyte.Builder
	out.AddBytes(dataObjects)
	addObject(&out, tagChecksum, checksum)
	data, err := out.Bytes()
	if err != nil {
		return iso7816.CommandAPDU{}, fmt.Errorf("failed to encode protected command: %w", err)
	}

	ne := 256
	if cmd.Ne > 256 {
		ne = 65536
	}
	return iso7816.CommandAPDU{CLA: cla, INS: cmd.INS, P1: cmd.P1, P2: cmd.P2, Data: data, Ne: ne}, nil
}

// Unwrap verifies and decrypts a protected response. An unprotected error
// status is returned unchanged.
func (w *Wrapper) Unwrap(resp iso7816.ResponseAPDU) (iso7816.ResponseAPDU, error) {
	w.incrementSSC()

	var encrypted, status, checksum, macInput []byte
	input := cryptobyte.String(resp.Data)
	for !input.Empty() {
		var element cryptobyte.String
		var tag cbasn1.Tag
		if !input.ReadAnyASN1Element(&element, &tag) {
			return iso7816.ResponseAPDU{}, fmt.Errorf("malformed secure messaging response")
		}
		raw := []byte(element)
		var content cryptobyte.String
		if !element.ReadAnyASN1(&content, &tag) {
			return iso7816.ResponseAPDU{}, fmt.Errorf("malformed secure messaging data object")
		}
		switch tag {
		case tagEncrypted, tagEncryptedOdd:
			encrypted = content
			if tag == tagEncrypted {
				if len(content) == 0 || content[0] != 0x01 {
					return iso7816.ResponseAPDU{}, fmt.Errorf("unsupported padding indicator in DO87")
				}
				encrypted = content[1:]
			}
			macInput = append(macInput, raw...)
		case tagProcessStatus:
			status = content
			macInput = append(macInput, raw...)
		case tagChecksum:
			checksum = content
		}
	}

	if checksum == nil {
		if resp.SW != iso7816.SWNoError {
			return resp, nil
		}
		return iso7816.ResponseAPDU{}, fmt.Errorf("secure messaging response without checksum")
	}

	full := make([]byte, 0, len(w.ssc)+len(macInput))
	full = append(full, w.ssc...)
	full = append(full, macInput...)
	expected, err := w.mac(full)
	if err != nil {
		return iso7816.ResponseAPDU{}, err
	}
	if subtle.ConstantTimeCompare(expected, checksum) != 1 {
		return iso7816.ResponseAPDU{}, ErrMACMismatch
	}

	sw := resp.SW
	if len(status) == 2 {
		sw = iso7816.StatusWord(uint16(status[0])<<8 | uint16(status[1]))
	}

	var plain []byte
	if len(encrypted) > 0 {
		decrypted, err := DecryptCBC(w.encBlock, w.iv(), encrypted)
		if err != nil {
			return iso7816.ResponseAPDU{}, err
		}
		if plain, err = Unpad(decrypted); err != nil {
			return iso7816.ResponseAPDU{}, err
		}
	}
	return iso7816.ResponseAPDU{Data: plain, SW: sw}, nil
}

// UnwrapCommand is the card side of Wrap. It verifies and decrypts a
// protected command.
func (w *Wrapper) UnwrapCommand(cmd iso7816.CommandAPDU) (iso7816.CommandAPDU, error) {
	w.incrementSSC()

	out := iso7816.CommandAPDU{CLA: cmd.CLA &^ iso7816.CLASecureMessaging, INS: cmd.INS, P1: cmd.P1, P2: cmd.P2}
	var encrypted, checksum, macInput []byte
	input := cryptobyte.String(cmd.Data)
	for !input.Empty() {
		var element, content cryptobyte.String
		var tag cbasn1.Tag
		if !input.ReadAnyASN1Element(&element, &tag) {
			return iso7816.CommandAPDU{}, fmt.Errorf("malformed protected command")
		}
		raw := []byte(element)
		if !element.ReadAnyASN1(&content, &tag) {
			return iso7816.CommandAPDU{}, fmt.Errorf("malformed protected command")
		}
		switch tag {
		case tagEncrypted:
			if len(content) == 0 || content[0] != 0x01 {
				return iso7816.CommandAPDU{}, fmt.Errorf("unsupported padding indicator in DO87")
			}
			encrypted = content[1:]
			macInput = append(macInput, raw...)
		case tagEncryptedOdd:
			encrypted = content
			macInput = append(macInput, raw...)
		case tagExpectedLen:
			for _, b := range content {
				out.Ne = out.Ne<<8 | int(b)
			}
			if out.Ne == 0 {
				out.Ne = 256
				if len(content) == 2 {
					out.Ne = 65536
				}
			}
			macInput = append(macInput, raw...)
		case tagChecksum:
			checksum = content
		}
	}
	if checksum == nil {
		return iso7816.CommandAPDU{}, fmt.Errorf("protected command without checksum")
	}

	full := make([]byte, 0, len(w.ssc)+w.alg.BlockSize()+len(macInput))
	full = append(full, w.ssc...)
	full = append(full, Pad([]byte{cmd.CLA, cmd.INS, cmd.P1, cmd.P2}, w.alg.BlockSize())...)
	full = append(full, macInput...)
	expected, err := w.mac(full)
	if err != nil {
		return iso7816.CommandAPDU{}, err
	}
	if subtle.ConstantTimeCompare(expected, checksum) != 1 {
		return iso7816.CommandAPDU{}, ErrMACMismatch
	}

	if len(encrypted) > 0 {
		decrypted, err := DecryptCBC(w.encBlock, w.iv(), encrypted)
		if err != nil {
			return iso7816.CommandAPDU{}, err
		}
		if out.Data, err = Unpad(decrypted); err != nil {
			return iso7816.CommandAPDU{}, err
		}
	}
	return out, nil
}

// WrapResponse is the card side of Unwrap.
func (w *Wrapper) WrapResponse(resp iso7816.ResponseAPDU) (iso7816.ResponseAPDU, error) {
	w.incrementSSC()

	var objects cryptobyte.Builder
	if len(resp.Data) > 0 {
		encrypted := EncryptCBC(w.encBlock, w.iv(), Pad(resp.Data, w.alg.BlockSize()))
		addObject(&objects, tagEncrypted, []byte{0x01}, encrypted)
	}
	addObject(&objects, tagProcessStatus, []byte{resp.SW.SW1(), resp.SW.SW2()})
	dataObjects, err := objects.Bytes()
	if err != nil {
		return iso7816.ResponseAPDU{}, err
	}

	full := make([]byte, 0, len(w.ssc)+len(dataObjects))
	full = append(full, w.ssc...)
	full = append(full, dataObjects...)
	checksum, err := w.mac(full)
	if err != nil {
		return iso7816.ResponseAPDU{}, err
	}

	var out cryptobyte.Builder
	out.AddBytes(dataObjects)
	addObject(&out, tagChecksum, checksum)
	data, err := out.Bytes()
	if err != nil {
		return iso7816.ResponseAPDU{}, err
	}
	return iso7816.ResponseAPDU{Data: data, SW: resp.SW}, nil
}

// Transceiver applies a Wrapper to every command sent through it.
type Transceiver struct {
	next    iso7816.Transceiver
	wrapper *Wrapper
}

func NewTransceiver(next iso7816.Transceiver, wrapper *Wrapper) *Transceiver {
	return &Transceiver{next: next, wrapper: wrapper}
}

func (t *Transceiver) Wrapper() *Wrapper { return t.wrapper }

func (t *Transceiver) Transmit(ctx context.Context, cmd iso7816.CommandAPDU) (iso7816.ResponseAPDU, error) {
	protected, err := t.wrapper.Wrap(cmd)
	if err != nil {
		return iso7816.ResponseAPDU{}, err
	}
	resp, err := t.next.Transmit(ctx, protected)
	if err != nil {
		return iso7816.ResponseAPDU{}, err
	}
	return t.wrapper.Unwrap(resp)
}
