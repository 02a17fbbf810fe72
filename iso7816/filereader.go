package iso7816

import (
	"context"
	"errors"
	"fmt"
)

// DefaultMaxRead keeps a protected READ BINARY response inside one short APDU.
const DefaultMaxRead = 0xDF

const maxShortOffset = 0x7FFF

// MaxFileSize bounds the length a file header may announce.
const MaxFileSize = 4 << 20

var ErrFileTooLarge = errors.New("file too large")

// FileReader reads elementary files with SELECT and READ BINARY.
type FileReader struct {
	tx      Transceiver
	MaxRead int
}

func NewFileReader(tx Transceiver) *FileReader {
	return &FileReader{tx: tx, MaxRead: DefaultMaxRead}
}

// SelectApplication selects a DF by application identifier.
func (r *FileReader) SelectApplication(ctx context.Context, aid []byte) error {
	resp, err := r.tx.Transmit(ctx, CommandAPDU{CLA: 0x00, INS: INSSelect, P1: 0x04, P2: 0x0C, Data: aid})
	if err != nil {
		return err
	}
	return resp.Check("select application")
}

// SelectFile selects an elementary file under the current DF.
func (r *FileReader) SelectFile(ctx context.Context, fid uint16) error {
	resp, err := r.tx.Transmit(ctx, CommandAPDU{
		CLA:  0x00,
		INS:  INSSelect,
		P1:   0x02,
		P2:   0x0C,
		Data: []byte{byte(fid >> 8), byte(fid)},
	})
	if err != nil {
		return err
	}
	return resp.Check(fmt.Sprintf("select file %04X", fid))
}

// ReadBinary reads up to ne bytes at offset from the selected file. A short
// read at the end of the file (6282) is not an error.
func (r *FileReader) ReadBinary(ctx context.Context, offset, ne int) ([]byte, error) {
	if offset <= maxShortOffset {
		resp, err := r.tx.Transmit(ctx, CommandAPDU{
			CLA: 0x00,
			INS: INSReadBinary,
			P1:  byte(offset >> 8),
			P2:  byte(offset),
			Ne:  ne,
		})
		if err != nil {
			return nil, err
		}
		if resp.SW != SWEndOfFile {
			if err := resp.Check("read binary"); err != nil {
				return nil, err
			}
		}
		return resp.Data, nil
	}

	// Offsets beyond 15 bits go in DO54 of READ BINARY with odd INS.
	off := EncodeTLV(0x54, []byte{byte(offset >> 16), byte(offset >> 8), byte(offset)})
	resp, err := r.tx.Transmit(ctx, CommandAPDU{CLA: 0x00, INS: INSReadBinary | 0x01, Data: off, Ne: ne + 4})
	if err != nil {
		return nil, err
	}
	if resp.SW != SWEndOfFile {
		if err := resp.Check("read binary"); err != nil {
			return nil, err
		}
	}
	do53, _, err := ParseTLV(resp.Data)
	if err != nil || do53.Tag != 0x53 {
		return nil, fmt.Errorf("read binary: response is not a discretionary data object")
	}
	return do53.Value, nil
}

// ReadFile selects fid and reads it completely. The size is taken from the
// length field of the outer TLV.
func (r *FileReader) ReadFile(ctx context.Context, fid uint16) ([]byte, error) {
	if err := r.SelectFile(ctx, fid); err != nil {
		return nil, err
	}

	header, err := r.ReadBinary(ctx, 0, 8)
	if err != nil {
		return nil, err
	}
	total, err := EncodedLength(header)
	if err != nil {
		if errors.Is(err, ErrTruncated) {
			return header, nil
		}
		return nil, fmt.Errorf("file %04X has no valid TLV header: %w", fid, err)
	}
	if total <= len(header) {
		return header[:total], nil
	}
	if total > MaxFileSize {
		return nil, fmt.Errorf("%w: file %04X announces %d bytes", ErrFileTooLarge, fid, total)
	}

	content := make([]byte, 0, total)
	content = append(content, header...)
	maxRead := r.MaxRead
	if maxRead <= 0 {
		maxRead = DefaultMaxRead
	}
	for len(content) < total {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ne := min(maxRead, total-len(content))
		chunk, err := r.ReadBinary(ctx, len(content), ne)
		if err != nil {
			return nil, err
		}
		if len(chunk) == 0 {
			return nil, fmt.Errorf("file %04X ended at %d of %d bytes", fid, len(content), total)
		}
		content = append(content, chunk...)
	}
	return content[:total], nil
}
