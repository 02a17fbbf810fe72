package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/require"

	"go-passport-verifier/models"
	"go-passport-verifier/status"
)

func writeSigningKey(t *testing.T) (string, *rsa.PublicKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "priv.pem")
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0o600))
	return path, &key.PublicKey
}

func TestSignReport(t *testing.T) {
	path, pub := writeSigningKey(t)
	signer, err := NewJwtReportSigner(path, "passport_verifier", time.Hour)
	require.NoError(t, err)

	vs := status.NewVerificationStatus()
	vs.Set(status.HT, status.Succeeded, "All hashes match")
	report := models.VerificationReport{
		ID:             "3f6c",
		DocumentNumber: "******2C3",
		Authentic:      true,
		Verification:   vs,
	}

	tokenString, err := signer.SignReport(report)
	require.NoError(t, err)
	require.NotEmpty(t, tokenString)

	parsed, err := jwt.ParseWithClaims(tokenString, jwt.MapClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method.Alg() != jwt.SigningMethodRS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method: %s", token.Header["alg"])
		}
		return pub, nil
	})
	require.NoError(t, err)
	require.True(t, parsed.Valid)

	claims, ok := parsed.Claims.(jwt.MapClaims)
	require.True(t, ok)
	require.Equal(t, "passport_verifier", claims["iss"])
	require.Equal(t, "3f6c", claims["sub"])

	body, ok := claims["report"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "******2C3", body["document_number"])
	require.Equal(t, true, body["authentic"])
}

func TestNewJwtReportSignerErrors(t *testing.T) {
	t.Run("file not found", func(t *testing.T) {
		_, err := NewJwtReportSigner("./nonexistent.pem", "issuer", time.Hour)
		require.Error(t, err)
	})

	t.Run("invalid PEM format", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "invalid.pem")
		require.NoError(t, os.WriteFile(path, []byte("this is not a valid PEM file"), 0o600))

		_, err := NewJwtReportSigner(path, "issuer", time.Hour)
		require.Error(t, err)
	})
}
