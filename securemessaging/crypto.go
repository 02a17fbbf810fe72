package securemessaging

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/des"
	"crypto/sha1"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/aead/cmac"
)

// Cipher identifies the block cipher of a secure channel.
type Cipher int

const (
	TripleDES Cipher = iota
	AES128
	AES192
	AES256
)

func (c Cipher) String() string {
	switch c {
	case TripleDES:
		return "3DES"
	case AES128:
		return "AES-128"
	case AES192:
		return "AES-192"
	case AES256:
		return "AES-256"
	}
	return fmt.Sprintf("Cipher(%d)", int(c))
}

func (c Cipher) BlockSize() int {
	if c == TripleDES {
		return des.BlockSize
	}
	return aes.BlockSize
}

// Key derivation counters.
const (
	CounterEnc uint32 = 1
	CounterMAC uint32 = 2
	CounterPi  uint32 = 3
)

// DeriveKey is the KDF of ICAO 9303 part 11 section 9.7.1.
func DeriveKey(seed []byte, alg Cipher, counter uint32) []byte {
	input := make([]byte, 0, len(seed)+4)
	input = append(input, seed...)
	input = append(input, byte(counter>>24), byte(counter>>16), byte(counter>>8), byte(counter))

	switch alg {
	case TripleDES:
		sum := sha1.Sum(input)
		return AdjustParity(sum[:16])
	case AES128:
		sum := sha1.Sum(input)
		return sum[:16]
	case AES192:
		sum := sha256.Sum256(input)
		return sum[:24]
	default:
		sum := sha256.Sum256(input)
		return sum[:32]
	}
}

// AdjustParity sets the low bit of every byte so each byte has odd parity.
func AdjustParity(key []byte) []byte {
	out := make([]byte, len(key))
	for i, b := range key {
		b &= 0xFE
		ones := 0
		for v := b; v != 0; v >>= 1 {
			ones += int(v & 1)
		}
		if ones%2 == 0 {
			b |= 0x01
		}
		out[i] = b
	}
	return out
}

// Pad applies ISO/IEC 9797-1 padding method 2.
func Pad(data []byte, blockSize int) []byte {
	out := make([]byte, len(data), len(data)+blockSize)
	copy(out, data)
	out = append(out, 0x80)
	for len(out)%blockSize != 0 {
		out = append(out, 0x00)
	}
	return out
}

var ErrBadPadding = errors.New("invalid padding")

func Unpad(data []byte) ([]byte, error) {
	for i := len(data) - 1; i >= 0; i-- {
		switch data[i] {
		case 0x00:
			continue
		case 0x80:
			return data[:i], nil
		default:
			return nil, ErrBadPadding
		}
	}
	return nil, ErrBadPadding
}

// NewBlock returns the cipher.Block for alg. A 16 byte 3DES key is expanded
// to two-key triple DES.
func NewBlock(alg Cipher, key []byte) (cipher.Block, error) {
	if alg != TripleDES {
		return aes.NewCipher(key)
	}
	switch len(key) {
	case 16:
		k := make([]byte, 0, 24)
		k = append(k, key...)
		k = append(k, key[:8]...)
		return des.NewTripleDESCipher(k)
	case 24:
		return des.NewTripleDESCipher(key)
	}
	return nil, fmt.Errorf("invalid 3DES key length %d", len(key))
}

// EncryptCBC encrypts block-aligned data.
func EncryptCBC(block cipher.Block, iv, data []byte) []byte {
	out := make([]byte, len(data))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, data)
	return out
}

func DecryptCBC(block cipher.Block, iv, data []byte) ([]byte, error) {
	if len(data)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("ciphertext length %d is not a multiple of the block size", len(data))
	}
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}

// RetailMAC computes ISO/IEC 9797-1 MAC algorithm 3 over already padded data
// with a 16 byte key.
func RetailMAC(key, padded []byte) ([]byte, error) {
	if len(key) != 16 {
		return nil, fmt.Errorf("retail MAC needs a 16 byte key, got %d", len(key))
	}
	ka, err := des.NewCipher(key[:8])
	if err != nil {
		return nil, err
	}
	kb, err := des.NewCipher(key[8:16])
	if err != nil {
		return nil, err
	}

	h := make([]byte, des.BlockSize)
	for i := 0; i < len(padded); i += des.BlockSize {
		for j := 0; j < des.BlockSize; j++ {
			h[j] ^= padded[i+j]
		}
		ka.Encrypt(h, h)
	}
	kb.Decrypt(h, h)
	ka.Encrypt(h, h)
	return h, nil
}

// CMAC computes the AES-CMAC of data truncated to 8 bytes.
func CMAC(key, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cmac.Sum(data, block, 8)
}

// Mac authenticates data for alg. Data is padded for 3DES, AES-CMAC pads
// internally.
func Mac(alg Cipher, key, data []byte) ([]byte, error) {
	if alg == TripleDES {
		return RetailMAC(key, Pad(data, des.BlockSize))
	}
	return CMAC(key, data)
}
