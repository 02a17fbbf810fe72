package main

import (
	"crypto/rsa"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"go-passport-verifier/models"
)

// ReportSigner turns a verification report into a token a relying party can
// check offline.
type ReportSigner interface {
	SignReport(report models.VerificationReport) (string, error)
}

type ReportClaims struct {
	jwt.RegisteredClaims
	Report models.VerificationReport `json:"report"`
}

func NewJwtReportSigner(privateKeyPath string, issuerId string, validity time.Duration) (*JwtReportSigner, error) {
	keyBytes, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, err
	}

	privateKey, err := jwt.ParseRSAPrivateKeyFromPEM(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse report signing key: %w", err)
	}

	if validity <= 0 {
		validity = ResultTimeout
	}
	return &JwtReportSigner{privateKey: privateKey, issuerId: issuerId, validity: validity}, nil
}

type JwtReportSigner struct {
	privateKey *rsa.PrivateKey
	issuerId   string
	validity   time.Duration
}

// SignReport signs report with RS256. The token subject is the report id.
func (s *JwtReportSigner) SignReport(report models.VerificationReport) (string, error) {
	now := time.Now()
	claims := ReportClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuerId,
			Subject:   report.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.validity)),
		},
		Report: report,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return token.SignedString(s.privateKey)
}
