package reader

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go-passport-verifier/images"
	"go-passport-verifier/lds"
	"go-passport-verifier/status"
)

// Image is a face or portrait as stored on the chip with a PNG preview.
type Image struct {
	Data     []byte `json:"-"`
	MimeType string `json:"mime_type"`
	Length   int    `json:"length"`
	// Preview is a base64 PNG, empty when the image could not be decoded.
	Preview string `json:"preview,omitempty"`
}

func newImage(data []byte, mimeType string) *Image {
	img := &Image{Data: data, MimeType: mimeType, Length: len(data)}
	preview, err := images.PreviewBase64(data)
	if err != nil {
		slog.Info("No preview for face image", "mime_type", mimeType, "error", err)
	} else {
		img.Preview = preview
	}
	return img
}

// Passport is the result of reading and verifying a document. Dates are
// YYYY-MM-DD.
type Passport struct {
	DocumentCode   string `json:"document_code"`
	IssuingCountry string `json:"issuing_country"`
	DocumentNumber string `json:"document_number"`
	Surname        string `json:"surname"`
	GivenNames     string `json:"given_names"`
	Nationality    string `json:"nationality"`
	Sex            string `json:"sex"`
	DateOfBirth    string `json:"date_of_birth"`
	DateOfExpiry   string `json:"date_of_expiry"`
	PersonalNumber string `json:"personal_number,omitempty"`
	MRZ            string `json:"mrz"`

	FullName         string   `json:"full_name,omitempty"`
	OtherNames       []string `json:"other_names,omitempty"`
	PlaceOfBirth     string   `json:"place_of_birth,omitempty"`
	PermanentAddress string   `json:"permanent_address,omitempty"`
	Profession       string   `json:"profession,omitempty"`
	Telephone        string   `json:"telephone,omitempty"`
	Title            string   `json:"title,omitempty"`
	Custody          string   `json:"custody,omitempty"`

	Face     *Image `json:"face,omitempty"`
	Portrait *Image `json:"portrait,omitempty"`

	DataGroups []int                      `json:"data_groups"`
	SOD        *lds.SOD                   `json:"-"`
	Features   status.FeatureStatus       `json:"features"`
	Status     *status.VerificationStatus `json:"verification"`
}

// NewPassport collects the personal details of doc. A document without a
// readable DG1 yields a result that carries only the files and verdicts.
func NewPassport(doc *lds.Document, features status.FeatureStatus, vs *status.VerificationStatus) *Passport {
	p := &Passport{SOD: doc.SOD(), Features: features, Status: vs}
	for _, k := range doc.Kinds() {
		if n := k.DataGroupNumber(); n > 0 {
			p.DataGroups = append(p.DataGroups, n)
		}
	}

	if dg1 := doc.DG1(); dg1 != nil && dg1.Record != nil {
		r := dg1.Record
		p.MRZ = dg1.MRZ
		p.DocumentCode = string(r.Code1) + strings.TrimRight(string(r.Code2), "<")
		p.IssuingCountry = r.IssuingCountry
		p.DocumentNumber = r.DocumentNumber
		p.Surname = r.Surname
		p.GivenNames = r.GivenNames
		p.Nationality = r.Nationality
		p.Sex = r.Sex.String()
		p.PersonalNumber = r.PersonalNumber
		if dob, err := ParseDateOfBirth(r.DateOfBirth.Raw, time.Now()); err == nil {
			p.DateOfBirth = dob.Format(time.DateOnly)
		}
		if doe, err := ParseExpiryDate(r.ExpirationDate.Raw, time.Now()); err == nil {
			p.DateOfExpiry = doe.Format(time.DateOnly)
		}
	}

	if dg11 := doc.DG11(); dg11 != nil {
		p.FullName = dg11.FullName
		p.OtherNames = dg11.OtherNames
		p.PlaceOfBirth = dg11.PlaceOfBirth
		p.PermanentAddress = dg11.PermanentAddress
		p.Profession = dg11.Profession
		p.Telephone = dg11.Telephone
		p.Title = dg11.Title
		p.Custody = dg11.CustodyInformation
		if surname, given, ok := splitFullName(dg11.FullName); ok {
			p.Surname, p.GivenNames = surname, given
		}
		if dob, err := time.Parse("20060102", dg11.FullDateOfBirth); err == nil {
			p.DateOfBirth = dob.Format(time.DateOnly)
		}
	}

	if dg2 := doc.DG2(); dg2 != nil && len(dg2.Faces) > 0 {
		p.Face = newImage(dg2.Faces[0].Data, dg2.Faces[0].MimeType)
	}
	if dg5 := doc.DG5(); dg5 != nil && len(dg5.Portraits) > 0 {
		p.Portrait = newImage(dg5.Portraits[0].Data, dg5.Portraits[0].MimeType)
	}
	return p
}

// splitFullName splits the DG11 name of holder, primary and secondary
// identifier separated by "<<".
func splitFullName(full string) (surname, given string, ok bool) {
	primary, secondary, found := strings.Cut(full, "<<")
	if !found {
		return "", "", false
	}
	clean := func(s string) string {
		return strings.TrimSpace(strings.ReplaceAll(s, "<", " "))
	}
	return clean(primary), clean(secondary), true
}

// ParseDateOfBirth reads a YYMMDD birth date. A year that would lie after
// now belongs to the previous century.
func ParseDateOfBirth(yymmdd string, now time.Time) (time.Time, error) {
	d, err := parseMRZDate(yymmdd)
	if err != nil {
		return time.Time{}, err
	}
	for d.After(now) {
		d = d.AddDate(-100, 0, 0)
	}
	return d, nil
}

// ParseExpiryDate reads a YYMMDD expiry date. A date more than 30 years in
// the past is taken to be in the next century.
func ParseExpiryDate(yymmdd string, now time.Time) (time.Time, error) {
	d, err := parseMRZDate(yymmdd)
	if err != nil {
		return time.Time{}, err
	}
	if d.Before(now.AddDate(-30, 0, 0)) {
		d = d.AddDate(100, 0, 0)
	}
	return d, nil
}

func parseMRZDate(yymmdd string) (time.Time, error) {
	if len(yymmdd) != 6 {
		return time.Time{}, fmt.Errorf("invalid date format: %s", yymmdd)
	}
	d, err := time.Parse("060102", yymmdd)
	if err != nil {
		return time.Time{}, fmt.Errorf("error parsing date: %w", err)
	}
	return d, nil
}
