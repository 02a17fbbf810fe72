package mrz

import (
	"fmt"
	"log/slog"
	"strings"
)

type parser struct {
	mrz    string
	rows   []string
	format Format
}

func splitRows(text string) []string {
	rows := strings.Split(text, "\n")
	for i, row := range rows {
		rows[i] = strings.TrimSuffix(row, "\r")
	}
	for len(rows) > 0 && rows[len(rows)-1] == "" {
		rows = rows[:len(rows)-1]
	}
	return rows
}

// DetectFormat returns the format of text and its rows. Rows after the
// first that are shorter than the first are padded with fillers.
func DetectFormat(text string) (Format, []string, error) {
	rows := splitRows(text)
	if len(rows) == 0 {
		return FormatUnknown, nil, &ParseError{Message: "empty MRZ", MRZ: text}
	}
	cols := len(rows[0])
	for i := 1; i < len(rows); i++ {
		if len(rows[i]) < cols {
			rows[i] += strings.Repeat(string(Filler), cols-len(rows[i]))
		}
	}
	for _, f := range []Format{TD1, TD3} {
		if len(rows) == f.Rows() && cols == f.Columns() {
			return f, rows, nil
		}
	}
	return FormatUnknown, nil, &ParseError{
		Message: fmt.Sprintf("unknown format / unsupported number of cols/rows: %d/%d", cols, len(rows)),
		MRZ:     text,
	}
}

func (p *parser) errorAt(r Range, format string, args ...any) *ParseError {
	return &ParseError{Message: fmt.Sprintf(format, args...), MRZ: p.mrz, Range: r, Format: p.format}
}

func (p *parser) raw(ranges ...Range) string {
	var b strings.Builder
	for _, r := range ranges {
		b.WriteString(p.rows[r.Row][r.Column:r.ColumnTo])
	}
	return b.String()
}

func (p *parser) checkValidCharacters(r Range) error {
	s := p.raw(r)
	for i := 0; i < len(s); i++ {
		if _, ok := charValue(s[i]); !ok {
			return p.errorAt(Range{r.Column + i, r.Column + i + 1, r.Row}, "invalid character in MRZ record: %q", s[i])
		}
	}
	return nil
}

func (p *parser) parseString(r Range) (string, error) {
	if err := p.checkValidCharacters(r); err != nil {
		return "", err
	}
	s := strings.TrimRight(p.raw(r), string(Filler))
	s = strings.ReplaceAll(s, "<<", ", ")
	return strings.ReplaceAll(s, "<", " "), nil
}

var nameMisreads = []string{"<<S", "<<E", "<<C", "<<K"}

// stripName removes trailing fillers and the letters OCR engines tend to
// read instead of a filler.
func stripName(s string) string {
	for {
		switch {
		case strings.HasSuffix(s, "<<KK"):
			s = s[:len(s)-2]
		case strings.HasSuffix(s, "<"):
			s = s[:len(s)-1]
		default:
			trimmed := false
			for _, suffix := range nameMisreads {
				if strings.HasSuffix(s, suffix) {
					s = s[:len(s)-1]
					trimmed = true
					break
				}
			}
			if !trimmed {
				return s
			}
		}
	}
}

func (p *parser) parseNameString(r Range) (string, error) {
	if err := p.checkValidCharacters(r); err != nil {
		return "", err
	}
	s := stripName(p.raw(r))
	s = strings.ReplaceAll(s, "<<", "")
	return strings.ReplaceAll(s, "<", " "), nil
}

// parseName splits the name field into surname and given names.
func (p *parser) parseName(r Range) (string, string, error) {
	if err := p.checkValidCharacters(r); err != nil {
		return "", "", err
	}
	s := stripName(p.raw(r))
	names := strings.Split(s, "<<")
	for len(names) > 0 && names[len(names)-1] == "" {
		names = names[:len(names)-1]
	}
	switch len(names) {
	case 0:
		return "", "", nil
	case 1:
		given, err := p.parseNameString(Range{r.Column, r.Column + len(names[0]), r.Row})
		return "", given, err
	}
	surname, err := p.parseNameString(Range{r.Column, r.Column + len(names[0]), r.Row})
	if err != nil {
		return "", "", err
	}
	given, err := p.parseNameString(Range{r.Column + len(names[0]) + 2, r.Column + len(s), r.Row})
	if err != nil {
		return "", "", err
	}
	return surname, given, nil
}

func (p *parser) checkDigit(col, row int, value, field string) bool {
	digit := p.rows[row][col]
	if ValidCheckDigit(value, digit) {
		return true
	}
	slog.Debug("Check digit verification failed", "field", field, "expected", string(CheckDigitChar(value)), "got", string(digit))
	return false
}

func (p *parser) parseDate(r Range) Date {
	d := newDate(p.raw(r))
	if !d.Valid {
		slog.Debug("Invalid MRZ date", "value", d.Raw, "year", d.Year, "month", d.Month, "day", d.Day)
	}
	return d
}

func (p *parser) parseSex(col, row int) (Sex, error) {
	switch c := p.rows[row][col]; c {
	case 'M':
		return SexMale, nil
	case 'F':
		return SexFemale, nil
	case 'X', Filler:
		return SexUnspecified, nil
	default:
		return SexUnspecified, p.errorAt(Range{col, col + 1, row}, "invalid MRZ sex character: %q", c)
	}
}

func parseDocumentCode(text string, format Format) (DocumentCode, error) {
	code := text[:2]
	errAt := func(msg string) error {
		return &ParseError{Message: msg, MRZ: text, Range: Range{0, 2, 0}, Format: format}
	}
	switch code {
	case "IV":
		return CodeUnknown, errAt("IV document code is not allowed")
	case "AC":
		return CodeCrewMember, nil
	case "ME", "TD":
		return CodeMigrant, nil
	case "IP":
		return CodePassport, nil
	}
	switch code[0] {
	case 'T', 'P':
		return CodePassport, nil
	case 'A':
		return CodeTypeA, nil
	case 'C':
		return CodeTypeC, nil
	case 'V':
		return CodeTypeV, nil
	case 'I':
		return CodeTypeI, nil
	case 'R':
		return CodeMigrant, nil
	}
	return CodeUnknown, errAt(fmt.Sprintf("unsupported document code: %s", code))
}

// Parse parses a TD1 or TD3 machine readable zone. Rows are separated by
// newlines. Check digit failures do not fail the parse; they are reported
// in the Valid* fields of the record.
func Parse(text string) (*Record, error) {
	format, rows, err := DetectFormat(text)
	if err != nil {
		return nil, err
	}
	p := &parser{mrz: text, rows: rows, format: format}

	rec := &Record{Format: format, Code1: rows[0][0], Code2: rows[0][1]}
	if rec.Code, err = parseDocumentCode(rows[0], format); err != nil {
		return nil, err
	}
	if rec.IssuingCountry, err = p.parseString(Range{2, 5, 0}); err != nil {
		return nil, err
	}

	switch format {
	case TD3:
		err = p.parseTD3(rec)
	case TD1:
		err = p.parseTD1(rec)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (p *parser) parseTD3(rec *Record) error {
	var err error
	if rec.Surname, rec.GivenNames, err = p.parseName(Range{5, 44, 0}); err != nil {
		return err
	}
	if rec.DocumentNumber, err = p.parseString(Range{0, 9, 1}); err != nil {
		return err
	}
	rec.ValidDocumentNumber = p.checkDigit(9, 1, p.raw(Range{0, 9, 1}), "passport number")
	if rec.Nationality, err = p.parseString(Range{10, 13, 1}); err != nil {
		return err
	}
	rec.DateOfBirth = p.parseDate(Range{13, 19, 1})
	rec.ValidDateOfBirth = p.checkDigit(19, 1, p.raw(Range{13, 19, 1}), "date of birth") && rec.DateOfBirth.Valid
	if rec.Sex, err = p.parseSex(20, 1); err != nil {
		return err
	}
	rec.ExpirationDate = p.parseDate(Range{21, 27, 1})
	rec.ValidExpirationDate = p.checkDigit(27, 1, p.raw(Range{21, 27, 1}), "expiration date") && rec.ExpirationDate.Valid
	if rec.PersonalNumber, err = p.parseString(Range{28, 42, 1}); err != nil {
		return err
	}
	rec.ValidComposite = p.checkDigit(43, 1, p.raw(Range{0, 10, 1}, Range{13, 20, 1}, Range{21, 43, 1}), "mrz")
	return nil
}

func (p *parser) parseTD1(rec *Record) error {
	var err error
	if rec.DocumentNumber, err = p.parseString(Range{5, 14, 0}); err != nil {
		return err
	}
	rec.ValidDocumentNumber = p.checkDigit(14, 0, p.raw(Range{5, 14, 0}), "document number")
	if rec.Optional, err = p.parseString(Range{15, 30, 0}); err != nil {
		return err
	}
	rec.DateOfBirth = p.parseDate(Range{0, 6, 1})
	rec.ValidDateOfBirth = p.checkDigit(6, 1, p.raw(Range{0, 6, 1}), "date of birth") && rec.DateOfBirth.Valid
	if rec.Sex, err = p.parseSex(7, 1); err != nil {
		return err
	}
	rec.ExpirationDate = p.parseDate(Range{8, 14, 1})
	rec.ValidExpirationDate = p.checkDigit(14, 1, p.raw(Range{8, 14, 1}), "expiration date") && rec.ExpirationDate.Valid
	if rec.Nationality, err = p.parseString(Range{15, 18, 1}); err != nil {
		return err
	}
	if rec.Optional2, err = p.parseString(Range{18, 29, 1}); err != nil {
		return err
	}
	rec.ValidComposite = p.checkDigit(29, 1, p.raw(Range{5, 30, 0}, Range{0, 7, 1}, Range{8, 15, 1}, Range{18, 29, 1}), "mrz")
	if rec.Surname, rec.GivenNames, err = p.parseName(Range{0, 30, 2}); err != nil {
		return err
	}
	return nil
}
