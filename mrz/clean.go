package mrz

import (
	"errors"
	"log/slog"
	"regexp"
	"strings"
)

var (
	ErrEmptyMRZ          = errors.New("empty MRZ string")
	ErrWrongLineCount    = errors.New("invalid MRZ string: wrong number of lines")
	ErrNoMRZMarkers      = errors.New("invalid MRZ string: no '<' or 'P', 'I', 'A', 'C', 'V' detected")
	ErrInvalidCheckDigit = errors.New("invalid check digits")
)

var (
	leadingJunk    = regexp.MustCompile(`^[^PIACV]*`)
	whitespace     = regexp.MustCompile(`[ \t\r]+`)
	extraNewlines  = regexp.MustCompile(`\n+`)
	passportMisOCR = regexp.MustCompile(`^P[KC]`)
	nonMRZ         = regexp.MustCompile(`[^A-Z0-9<\n]`)

	fillerMisreads = strings.NewReplacer(
		"«", "<",
		"<c<", "<<<",
		"<e<", "<<<",
		"<E<", "<<<",
		"<K<", "<<<",
		"<S<", "<<<",
		"<C<", "<<<",
		"<¢<", "<<<",
		"<(<", "<<<",
		"<{<", "<<<",
		"<[<", "<<<",
	)
	digitsToLetters = strings.NewReplacer("0", "O", "1", "I", "8", "B", "5", "S", "2", "Z", "3", "J")
)

// Clean normalises OCR output into MRZ rows separated by single newlines.
func Clean(text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyMRZ
	}

	result := leadingJunk.ReplaceAllString(text, "")
	result = whitespace.ReplaceAllString(result, "")
	result = extraNewlines.ReplaceAllString(result, "\n")
	result = fillerMisreads.Replace(result)
	result = passportMisOCR.ReplaceAllString(result, "P<")
	result = nonMRZ.ReplaceAllString(result, "")
	result = strings.TrimSpace(result)

	result = reconstructTD3Lines(result)

	if !strings.Contains(result, "<") || !strings.ContainsAny(result[:min(1, len(result))], "PIACV") {
		return "", ErrNoMRZMarkers
	}
	switch strings.Count(result, "\n") {
	case 1:
		if len(result) > 89 {
			result = result[:89]
		}
	case 2:
		if len(result) > 92 {
			result = result[:92]
		}
	default:
		return "", ErrWrongLineCount
	}
	return result, nil
}

// reconstructTD3Lines joins a passport MRZ that OCR split over more than two
// lines back into two rows of 44.
func reconstructTD3Lines(text string) string {
	if !strings.HasPrefix(text, "P<") {
		return text
	}
	var lines []string
	for _, l := range strings.Split(text, "\n") {
		if l != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) <= 2 {
		return text
	}
	all := strings.Join(lines, "")
	if len(all) < 88 {
		return text
	}
	slog.Debug("Fixing lines for TD3", "lines", len(lines))
	return all[:44] + "\n" + all[44:88]
}

// ParseAndClean parses an MRZ and accepts it when either the document number,
// birth and expiry check digits or the composite check digit are valid.
// Digits OCR'd inside names and country codes are mapped back to letters.
func ParseAndClean(text string) (*Record, error) {
	rec, err := Parse(text)
	if err != nil {
		return nil, err
	}
	if !(rec.ValidDateOfBirth && rec.ValidDocumentNumber && rec.ValidExpirationDate || rec.ValidComposite) {
		return nil, ErrInvalidCheckDigit
	}
	rec.GivenNames = digitsToLetters.Replace(rec.GivenNames)
	rec.Surname = digitsToLetters.Replace(rec.Surname)
	rec.IssuingCountry = digitsToLetters.Replace(rec.IssuingCountry)
	rec.Nationality = digitsToLetters.Replace(rec.Nationality)
	return rec, nil
}
