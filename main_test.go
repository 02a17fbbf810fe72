package main

import (
	"bytes"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"go-passport-verifier/chipsim"
	"go-passport-verifier/metrics"
	"go-passport-verifier/truststore"
	"go-passport-verifier/verify"
)

func TestReadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"server_config": {"host": "localhost", "port": 8081},
		"log_level": "debug",
		"storage_type": "memory",
		"trust_store": {"csca_paths": ["./csca"], "cvca_dir": "./cvca"},
		"report_signing": {"private_key_path": "priv.pem", "issuer_id": "verifier"},
		"reader": {"pcsc_reader": "ACS ACR122U", "poll_interval_ms": 250}
	}`), 0o600))

	config, err := readConfigFile(path)
	require.NoError(t, err)
	require.Equal(t, 8081, config.ServerConfig.Port)
	require.Equal(t, "debug", config.LogLevel)
	require.Equal(t, []string{"./csca"}, config.TrustStore.CSCAPaths)
	require.Equal(t, "./cvca", config.TrustStore.CVCADir)
	require.Nil(t, config.TrustStore.PKCS11)
	require.Equal(t, "verifier", config.ReportSigning.IssuerId)
	require.Nil(t, config.FaceVerification)
	require.Equal(t, 250, config.Reader.PollIntervalMs)

	_, err = readConfigFile(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestCreateStorage(t *testing.T) {
	config := &Config{StorageType: "memory"}
	tokens, err := createTokenStorage(config)
	require.NoError(t, err)
	require.IsType(t, &InMemoryTokenStorage{}, tokens)
	results, err := createResultStorage(config)
	require.NoError(t, err)
	require.IsType(t, &InMemoryResultStorage{}, results)

	config.StorageType = "filesystem"
	_, err = createTokenStorage(config)
	require.ErrorContains(t, err, "not a valid storage type")
	_, err = createResultStorage(config)
	require.ErrorContains(t, err, "not a valid storage type")
}

func TestLoadTrustStore(t *testing.T) {
	s, err := chipsim.NewSpecimen(chipsim.SpecimenOptions{})
	require.NoError(t, err)

	dir := t.TempDir()
	csca := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: s.CSCA.Raw})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "csca.pem"), csca, 0o600))

	store, closers, err := loadTrustStore(TrustStoreConfig{CSCAPaths: []string{dir}})
	require.NoError(t, err)
	require.Empty(t, closers)
	require.Len(t, store.Anchors(), 1)
	require.Empty(t, store.CVCAStores())

	_, _, err = loadTrustStore(TrustStoreConfig{CSCAPaths: []string{filepath.Join(dir, "missing")}})
	require.Error(t, err)

	_, _, err = loadTrustStore(TrustStoreConfig{CVCADir: filepath.Join(dir, "missing")})
	require.Error(t, err)
}

func TestRunReadErrors(t *testing.T) {
	verifier := verify.NewVerifier(truststore.New())
	var out bytes.Buffer

	err := runRead(ReaderConfig{}, "", verifier, truststore.New(), nil, &out)
	require.ErrorContains(t, err, "--mrz")

	err = runRead(ReaderConfig{}, "not an mrz", verifier, truststore.New(), nil, &out)
	require.ErrorContains(t, err, "invalid MRZ")

	// no reader attached, or no pcsc support in this build
	err = runRead(ReaderConfig{TimeoutSeconds: 1}, chipsim.SpecimenMRZ, verifier, truststore.New(), (*metrics.Metrics)(nil), &out)
	require.Error(t, err)
	require.Empty(t, out.String())
}
