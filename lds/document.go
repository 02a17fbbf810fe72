package lds

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/gmrtd/gmrtd/utils"
)

// Document collects the files read in one session. Each kind is stored once;
// later puts for the same kind are ignored.
type Document struct {
	files map[Kind]*File
}

func NewDocument() *Document {
	return &Document{files: make(map[Kind]*File)}
}

// Put stores f unless a file of the same kind is already present.
func (d *Document) Put(f *File) bool {
	if _, ok := d.files[f.Kind]; ok {
		return false
	}
	d.files[f.Kind] = f
	return true
}

func (d *Document) Get(kind Kind) (*File, bool) {
	f, ok := d.files[kind]
	return f, ok
}

// Raw returns the bytes of a stored file, as hashed by the SOD.
func (d *Document) Raw(kind Kind) ([]byte, bool) {
	f, ok := d.files[kind]
	if !ok {
		return nil, false
	}
	return f.Raw, true
}

// Kinds returns the stored kinds in LDS order.
func (d *Document) Kinds() []Kind {
	out := make([]Kind, 0, len(d.files))
	for k := range d.files {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (d *Document) COM() *COM {
	if f, ok := d.files[KindCOM]; ok {
		return f.COM
	}
	return nil
}

func (d *Document) SOD() *SOD {
	if f, ok := d.files[KindSOD]; ok {
		return f.SOD
	}
	return nil
}

func (d *Document) DG1() *DG1 {
	if f, ok := d.files[KindDG1]; ok {
		return f.DG1
	}
	return nil
}

func (d *Document) DG2() *DG2 {
	if f, ok := d.files[KindDG2]; ok {
		return f.DG2
	}
	return nil
}

func (d *Document) DG5() *DG5 {
	if f, ok := d.files[KindDG5]; ok {
		return f.DG5
	}
	return nil
}

func (d *Document) DG11() *DG11 {
	if f, ok := d.files[KindDG11]; ok {
		return f.DG11
	}
	return nil
}

func (d *Document) DG14() *SecurityInfos {
	if f, ok := d.files[KindDG14]; ok {
		return f.DG14
	}
	return nil
}

func (d *Document) DG15() *DG15 {
	if f, ok := d.files[KindDG15]; ok {
		return f.DG15
	}
	return nil
}

func (d *Document) CVCA() *CVCA {
	if f, ok := d.files[KindCVCA]; ok {
		return f.CVCA
	}
	return nil
}

// KindForName maps the file names used in uploaded dumps ("DG1", "EF_SOD",
// "COM", ...) to a Kind.
func KindForName(name string) Kind {
	n := strings.ToUpper(name)
	n = strings.TrimPrefix(strings.TrimPrefix(n, "EF_"), "EF.")
	switch n {
	case "COM":
		return KindCOM
	case "SOD":
		return KindSOD
	case "CVCA":
		return KindCVCA
	case "CARDACCESS":
		return KindCardAccess
	}
	var dg int
	if _, err := fmt.Sscanf(n, "DG%d", &dg); err == nil {
		return DataGroup(dg)
	}
	return KindUnknown
}

// DocumentFromDump parses hex encoded files keyed by name. Files that fail to
// parse are kept with Raw only so their hashes can still be checked.
func DocumentFromDump(files map[string]string) (*Document, error) {
	doc := NewDocument()
	for name, hexData := range files {
		kind := KindForName(name)
		if kind == KindUnknown {
			slog.Warn("Ignoring unknown file in dump", "name", name)
			continue
		}
		if !isHex(hexData) {
			return nil, fmt.Errorf("%s is not valid hex", name)
		}
		raw := utils.HexToBytes(hexData)
		f := parseOptionalFile(kind, raw)
		if f == nil {
			f = &File{Kind: kind, Raw: raw}
		}
		doc.Put(f)
	}
	return doc, nil
}

// parseOptionalFile parses a file and logs errors gracefully.
func parseOptionalFile(kind Kind, raw []byte) *File {
	f, err := ParseFile(kind, raw)
	if err != nil {
		slog.Info("Skipping data group due to parsing error", "file", kind.String(), "error", err)
		return nil
	}
	return f
}

func isHex(s string) bool {
	if len(s)%2 != 0 {
		return false
	}
	return strings.IndexFunc(s, func(r rune) bool {
		return !('0' <= r && r <= '9' || 'a' <= r && r <= 'f' || 'A' <= r && r <= 'F')
	}) < 0
}
