package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go-passport-verifier/logging"
	"go-passport-verifier/metrics"
	"go-passport-verifier/mrtd"
	"go-passport-verifier/mrz"
	"go-passport-verifier/reader"
	"go-passport-verifier/redis"
	"go-passport-verifier/truststore"
	"go-passport-verifier/verify"
)

type Config struct {
	ServerConfig ServerConfig `json:"server_config"`
	LogLevel     string       `json:"log_level"`

	TrustStore       TrustStoreConfig        `json:"trust_store"`
	ReportSigning    *ReportSigningConfig    `json:"report_signing,omitempty"`
	FaceVerification *FaceVerificationConfig `json:"face_verification,omitempty"`
	Reader           ReaderConfig            `json:"reader"`

	StorageType         string                    `json:"storage_type"`
	RedisConfig         redis.RedisConfig         `json:"redis_config,omitempty"`
	RedisSentinelConfig redis.RedisSentinelConfig `json:"redis_sentinel_config,omitempty"`
	PostgresConfig      PostgresConfig            `json:"postgres_config,omitempty"`
}

// TrustStoreConfig names the CSCA files (certificates, master lists, LDIF)
// and the terminal keys for extended access control.
type TrustStoreConfig struct {
	CSCAPaths []string                 `json:"csca_paths"`
	CVCADir   string                   `json:"cvca_dir,omitempty"`
	PKCS11    *truststore.PKCS11Config `json:"pkcs11,omitempty"`
}

type ReportSigningConfig struct {
	PrivateKeyPath  string `json:"private_key_path"`
	IssuerId        string `json:"issuer_id"`
	ValidityMinutes int    `json:"validity_minutes,omitempty"`
}

type ReaderConfig struct {
	PcscReader     string `json:"pcsc_reader,omitempty"`
	PollIntervalMs int    `json:"poll_interval_ms,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

func main() {
	configPath := flag.String("config", "", "Path for the config.json to use")
	read := flag.Bool("read", false, "Read a document from a PC/SC reader instead of serving")
	mrzText := flag.String("mrz", "", "MRZ of the document to read, rows separated by a newline")
	flag.Parse()

	if *configPath == "" {
		slog.Error("please provide a config path using the --config flag")
		os.Exit(1)
	}

	config, err := readConfigFile(*configPath)
	if err != nil {
		slog.Error("failed to read config file", "error", err)
		os.Exit(1)
	}
	logging.InitLogger(config.LogLevel)
	slog.Info("using config", "path", *configPath)

	trust, closers, err := loadTrustStore(config.TrustStore)
	if err != nil {
		slog.Error("failed to load trust store", "error", err)
		os.Exit(1)
	}
	defer closeAll(closers)

	verifier := verify.NewVerifier(trust)
	m := metrics.New()

	if *read {
		if err := runRead(config.Reader, *mrzText, verifier, trust, m, os.Stdout); err != nil {
			slog.Error("failed to read document", "error", err)
			closeAll(closers)
			os.Exit(1)
		}
		return
	}

	if err := runServer(config, verifier, m); err != nil {
		slog.Error("server stopped", "error", err)
		closeAll(closers)
		os.Exit(1)
	}
}

func runServer(config Config, verifier *verify.Verifier, m *metrics.Metrics) error {
	tokenStorage, err := createTokenStorage(&config)
	if err != nil {
		return fmt.Errorf("failed to instantiate token storage: %w", err)
	}
	resultStorage, err := createResultStorage(&config)
	if err != nil {
		return fmt.Errorf("failed to instantiate result storage: %w", err)
	}

	state := ServerState{
		tokenStorage:   tokenStorage,
		resultStorage:  resultStorage,
		verifier:       verifier,
		metrics:        m,
		metricsHandler: promhttp.Handler(),
	}
	if config.ReportSigning != nil {
		validity := time.Duration(config.ReportSigning.ValidityMinutes) * time.Minute
		signer, err := NewJwtReportSigner(config.ReportSigning.PrivateKeyPath, config.ReportSigning.IssuerId, validity)
		if err != nil {
			return fmt.Errorf("failed to instantiate report signer: %w", err)
		}
		state.reportSigner = signer
	}
	if config.FaceVerification != nil {
		state.faceVerificationClient = NewRegulaFaceClient(*config.FaceVerification)
	}

	server, err := NewServer(&state, config.ServerConfig)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	return server.ListenAndServe()
}

// runRead reads one document from a PC/SC reader and writes the result as
// JSON to out.
func runRead(config ReaderConfig, mrzText string, verifier *verify.Verifier, trust *truststore.Store, m *metrics.Metrics, out io.Writer) error {
	if mrzText == "" {
		return errors.New("please provide the MRZ of the document using the --mrz flag")
	}
	record, err := mrz.ParseAndClean(mrzText)
	if err != nil {
		return fmt.Errorf("invalid MRZ: %w", err)
	}
	key := mrtd.BACKeyFromRecord(record)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if config.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(config.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	card, closer, err := connectCard(ctx, config)
	if err != nil {
		return err
	}
	defer closeAll([]io.Closer{closer})

	r := reader.New(verifier, reader.WithTerminalKeys(trust), reader.WithMetrics(m))
	passport, err := r.Read(ctx, card, key)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(passport)
}

func readConfigFile(path string) (Config, error) {
	configBytes, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var config Config
	if err := json.Unmarshal(configBytes, &config); err != nil {
		return Config{}, err
	}
	return config, nil
}

func loadTrustStore(config TrustStoreConfig) (*truststore.Store, []io.Closer, error) {
	store, err := truststore.LoadCSCA(config.CSCAPaths...)
	if err != nil {
		return nil, nil, err
	}
	if config.CVCADir == "" {
		return store, nil, nil
	}

	cvca, err := truststore.LoadCVCADir(config.CVCADir)
	if err != nil {
		return nil, nil, err
	}
	var closers []io.Closer
	if config.PKCS11 != nil {
		closer, err := cvca.AddPKCS11Key(*config.PKCS11)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load terminal key from token: %w", err)
		}
		closers = append(closers, closer)
	}
	store.AddCVCAStore(cvca)
	return store, closers, nil
}

func closeAll(closers []io.Closer) {
	for _, c := range closers {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil {
			slog.Warn("failed to close resource", "error", err)
		}
	}
}

func createTokenStorage(config *Config) (TokenStorage, error) {
	switch config.StorageType {
	case "redis":
		slog.Info("Using redis token storage")
		client, err := redis.NewRedisClient(&config.RedisConfig)
		if err != nil {
			return nil, err
		}
		return NewRedisTokenStorage(client, config.RedisConfig.Namespace), nil
	case "redis_sentinel":
		slog.Info("Using redis sentinel token storage")
		client, err := redis.NewRedisSentinelClient(&config.RedisSentinelConfig)
		if err != nil {
			return nil, err
		}
		return NewRedisTokenStorage(client, config.RedisSentinelConfig.Namespace), nil
	case "memory", "postgres":
		// sessions are short lived; postgres only keeps results
		slog.Info("Using in memory token storage")
		return NewInMemoryTokenStorage(), nil
	}
	return nil, fmt.Errorf("%v is not a valid storage type", config.StorageType)
}

func createResultStorage(config *Config) (ResultStorage, error) {
	switch config.StorageType {
	case "redis":
		client, err := redis.NewRedisClient(&config.RedisConfig)
		if err != nil {
			return nil, err
		}
		return NewRedisResultStorage(client, config.RedisConfig.Namespace), nil
	case "redis_sentinel":
		client, err := redis.NewRedisSentinelClient(&config.RedisSentinelConfig)
		if err != nil {
			return nil, err
		}
		return NewRedisResultStorage(client, config.RedisSentinelConfig.Namespace), nil
	case "postgres":
		slog.Info("Using postgres result storage")
		return NewPostgresResultStorage(context.Background(), config.PostgresConfig)
	case "memory":
		slog.Info("Using in memory result storage")
		return NewInMemoryResultStorage(), nil
	}
	return nil, fmt.Errorf("%v is not a valid storage type", config.StorageType)
}
