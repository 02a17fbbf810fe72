package models

import (
	"time"

	"go-passport-verifier/status"
)

type FaceMatchResult struct {
	Matched    bool    `json:"matched"`
	Similarity float64 `json:"similarity"`
}

// VerificationReport is what the service keeps of a verified document. It
// holds the verdicts and no personal data beyond a masked document number.
type VerificationReport struct {
	ID             string                     `json:"id"`
	CreatedAt      time.Time                  `json:"created_at"`
	DocumentCode   string                     `json:"document_code"`
	IssuingCountry string                     `json:"issuing_country"`
	DocumentNumber string                     `json:"document_number"`
	IsExpired      bool                       `json:"is_expired"`
	Authentic      bool                       `json:"authentic"`
	DataGroups     []int                      `json:"data_groups"`
	Features       status.FeatureStatus       `json:"features"`
	Verification   *status.VerificationStatus `json:"verification"`
	FaceMatch      *FaceMatchResult           `json:"face_match,omitempty"`
}

// VerificationResponse answers a verify-document request. Token is the signed
// report and is empty when no signing key is configured.
type VerificationResponse struct {
	ID     string             `json:"id"`
	Report VerificationReport `json:"report"`
	Token  string             `json:"token,omitempty"`
}
