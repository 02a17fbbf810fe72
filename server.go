package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"go-passport-verifier/logging"
	"go-passport-verifier/metrics"
	"go-passport-verifier/models"
	"go-passport-verifier/reader"
	"go-passport-verifier/status"
	"go-passport-verifier/verify"
)

const ErrorInternal = "error:internal"
const ERR_MARSHAL = "failed to marshal response message"
const ERR_TOKEN_REMOVAL = "failed to remove token from storage"
const ERR_TOKEN_RETRIEVAL = "failed to get nonce from storage"
const ERR_INVALID_NONCE_SESSION = "invalid session or nonce"
const ERR_DOCUMENT_VERIFICATION = "failed to verify document"
const ERR_RESULT_STORAGE = "failed to store verification result"
const ERR_RESULT_RETRIEVAL = "failed to get verification result"
const ERR_REPORT_SIGNING = "failed to sign verification report"

type ServerConfig struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	UseTls         bool   `json:"use_tls,omitempty"`
	TlsPrivKeyPath string `json:"tls_priv_key_path,omitempty"`
	TlsCertPath    string `json:"tls_cert_path,omitempty"`
}

type ServerState struct {
	tokenStorage           TokenStorage
	resultStorage          ResultStorage
	verifier               *verify.Verifier
	reportSigner           ReportSigner
	faceVerificationClient FaceVerificationClient
	metrics                *metrics.Metrics
	metricsHandler         http.Handler
}

type Server struct {
	server *http.Server
	config ServerConfig
}

func (s *Server) ListenAndServe() error {
	if s.config.UseTls {
		slog.Info("Starting server with TLS", "host", s.config.Host, "port", s.config.Port, "cert", s.config.TlsCertPath, "key", s.config.TlsPrivKeyPath)
		return s.server.ListenAndServeTLS(s.config.TlsCertPath, s.config.TlsPrivKeyPath)
	}
	slog.Info("Starting server without TLS", "host", s.config.Host, "port", s.config.Port)
	return s.server.ListenAndServe()
}

func (s *Server) Stop() error {
	slog.Info("Shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := s.server.Shutdown(ctx)
	if err != nil {
		slog.Error("Error during server shutdown", "error", err)
	} else {
		slog.Info("Server shut down successfully")
	}
	return err
}

func NewServer(state *ServerState, config ServerConfig) (*Server, error) {
	slog.Info("Creating new server", "host", config.Host, "port", config.Port, "tls", config.UseTls)
	router := NewRouter(state)

	addr := fmt.Sprintf("%v:%v", config.Host, config.Port)
	srv := &http.Server{
		Handler:      router,
		Addr:         addr,
		WriteTimeout: 15 * time.Second,
		ReadTimeout:  15 * time.Second,
	}

	slog.Info("Server created successfully", "address", addr)
	return &Server{
		server: srv,
		config: config,
	}, nil
}

func NewRouter(state *ServerState) *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("Health check request received")
		err := json.NewEncoder(w).Encode(map[string]bool{"ok": true})
		if err != nil {
			slog.Error("failed to write body to http response", "error", err)
		}
	})

	router.HandleFunc("/api/start-validation", func(w http.ResponseWriter, r *http.Request) {
		handleStartValidation(state, w, r)
	})
	router.HandleFunc("/api/verify-document", func(w http.ResponseWriter, r *http.Request) {
		handleVerifyDocument(state, w, r)
	})
	router.HandleFunc("/api/verification/{id}", func(w http.ResponseWriter, r *http.Request) {
		handleGetVerification(state, w, r)
	}).Methods(http.MethodGet)

	if state.metricsHandler != nil {
		router.Handle("/metrics", state.metricsHandler).Methods(http.MethodGet)
	}

	slog.Debug("Registered all API routes")
	return router
}

func handleVerifyDocument(state *ServerState, w http.ResponseWriter, r *http.Request) {
	defer closeRequestBody(r)

	if !requirePOST(w, r) {
		return
	}

	slog.Info("Received request to verify a document readout")
	ctx := r.Context()

	request, err := decodeVerificationRequest(r)
	if err != nil {
		respondWithErr(w, http.StatusBadRequest, "invalid request", ERR_DOCUMENT_VERIFICATION, err)
		return
	}

	slog.Debug("Validating session", "session_id", request.SessionId)
	if err := validateSession(ctx, state.tokenStorage, request.SessionId, request.Nonce); err != nil {
		respondWithErr(w, http.StatusBadRequest, "invalid request", ERR_DOCUMENT_VERIFICATION, err)
		return
	}
	// a session verifies one document, whatever the outcome
	if err := state.tokenStorage.RemoveToken(ctx, request.SessionId); err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, ERR_TOKEN_REMOVAL, err)
		return
	}

	passport, err := reader.VerifyDump(request.Files(), state.verifier)
	if err != nil {
		state.metrics.IncrementSession("rejected")
		respondWithErr(w, http.StatusBadRequest, "invalid request", ERR_DOCUMENT_VERIFICATION, err)
		return
	}
	state.metrics.IncrementSession("uploaded")
	state.metrics.RecordStatus(passport.Status)

	report := NewVerificationReport(uuid.NewString(), passport, time.Now())
	slog.Info(passport.Status.Summary(report.ID), "document", report.DocumentNumber)

	if request.SelfieImage != "" {
		faceMatch, err := performFaceMatch(ctx, state, passport, request.SelfieImage)
		if err != nil {
			slog.Warn("Face matching failed", "id", report.ID, "error", err)
		} else {
			report.FaceMatch = faceMatch
		}
	}

	payload, err := json.Marshal(report)
	if err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, ERR_MARSHAL, err)
		return
	}
	if err := state.resultStorage.StoreResult(ctx, report.ID, payload); err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, ERR_RESULT_STORAGE, err)
		return
	}

	response := models.VerificationResponse{ID: report.ID, Report: report}
	if state.reportSigner != nil {
		token, err := state.reportSigner.SignReport(report)
		if err != nil {
			respondWithErr(w, http.StatusInternalServerError, ErrorInternal, ERR_REPORT_SIGNING, err)
			return
		}
		response.Token = token
	}

	if err := writeJSON(w, http.StatusOK, response); err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, ERR_MARSHAL, err)
		return
	}
	slog.Info("Document verification completed", "id", report.ID, "authentic", report.Authentic)
}

func handleGetVerification(state *ServerState, w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	slog.Debug("Verification result requested", "id", id)

	payload, err := state.resultStorage.RetrieveResult(r.Context(), id)
	if errors.Is(err, ErrResultNotFound) {
		respondWithErr(w, http.StatusNotFound, "not found", ERR_RESULT_RETRIEVAL, err)
		return
	}
	if err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, ERR_RESULT_RETRIEVAL, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(payload); err != nil {
		slog.Error("failed to write body to http response", "error", err)
	}
}

// NewVerificationReport keeps the verdicts of p and drops the personal data.
// A document is authentic when its chain, signature and hashes all check out.
func NewVerificationReport(id string, p *reader.Passport, now time.Time) models.VerificationReport {
	report := models.VerificationReport{
		ID:             id,
		CreatedAt:      now.UTC(),
		DocumentCode:   p.DocumentCode,
		IssuingCountry: p.IssuingCountry,
		DocumentNumber: logging.MaskDocumentNumber(p.DocumentNumber),
		DataGroups:     p.DataGroups,
		Features:       p.Features,
		Verification:   p.Status,
		Authentic: p.Status.Verdict(status.CS) == status.Succeeded &&
			p.Status.Verdict(status.DS) == status.Succeeded &&
			p.Status.Verdict(status.HT) == status.Succeeded,
	}
	if expiry, err := time.Parse(time.DateOnly, p.DateOfExpiry); err == nil {
		report.IsExpired = expiry.Before(now)
	}
	return report
}

// -----------------------------------------------------------------------------------

// validateSession validates session and nonce
func validateSession(ctx context.Context, storage TokenStorage, sessionId, nonce string) error {
	slog.Debug("Validating session and nonce", "session_id", sessionId)
	storedNonce, err := storage.RetrieveToken(ctx, sessionId)
	if err != nil {
		slog.Warn("Failed to retrieve token from storage", "session_id", sessionId, "error", err)
		return fmt.Errorf("%s: %w", ERR_TOKEN_RETRIEVAL, err)
	}

	if storedNonce == "" || storedNonce != nonce {
		slog.Warn("Invalid nonce or session", "session_id", sessionId, "nonce_empty", storedNonce == "", "nonce_match", storedNonce == nonce)
		return fmt.Errorf("%s", ERR_INVALID_NONCE_SESSION)
	}

	slog.Debug("Session validation successful", "session_id", sessionId)
	return nil
}

func decodeVerificationRequest(r *http.Request) (models.DocumentVerificationRequest, error) {
	slog.Debug("Decoding verification request body")
	var request models.DocumentVerificationRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		slog.Warn("Failed to decode verification request", "error", err)
		return request, fmt.Errorf("decode request body: %w", err)
	}
	slog.Debug("Verification request decoded successfully", "session_id", request.SessionId)
	return request, nil
}

type StartValidationResponse struct {
	SessionId string `json:"session_id"`
	Nonce     string `json:"nonce"`
}

func handleStartValidation(state *ServerState, w http.ResponseWriter, r *http.Request) {
	defer closeRequestBody(r)

	if !requirePOST(w, r) {
		return
	}

	slog.Info("Received request to start document validation")

	sessionId := GenerateSessionId()
	if sessionId == "" {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, "failed to generate session ID", fmt.Errorf("failed to generate session ID"))
		return
	}

	nonce, err := GenerateNonce(8)
	if err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, "failed to generate nonce", err)
		return
	}

	// removed again once a document was verified in this session
	err = state.tokenStorage.StoreToken(r.Context(), sessionId, nonce)
	if err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, "failed to store nonce", err)
		return
	}
	slog.Debug("Nonce stored successfully", "session_id", sessionId)

	response := StartValidationResponse{
		SessionId: sessionId,
		Nonce:     nonce,
	}

	if err := writeJSON(w, http.StatusOK, response); err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, ERR_MARSHAL, err)
		return
	}

	slog.Info("Document validation started successfully", "session_id", sessionId)
}

func GenerateSessionId() string {
	sessionId := make([]byte, 16)
	if _, err := rand.Read(sessionId); err != nil {
		slog.Error("failed to generate session ID", "error", err)
		return ""
	}
	return fmt.Sprintf("%x", sessionId)
}

// GenerateNonce returns i random bytes, hex encoded.
func GenerateNonce(i int) (string, error) {
	nonce := make([]byte, i)
	if _, err := rand.Read(nonce); err != nil {
		slog.Error("failed to generate nonce", "error", err)
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return hex.EncodeToString(nonce), nil
}

func respondWithErr(w http.ResponseWriter, code int, responseBody string, logMsg string, e error) {
	slog.Error(logMsg, "error", e, "status_code", code, "response_body", responseBody)
	w.WriteHeader(code)
	if _, err := w.Write([]byte(responseBody)); err != nil {
		slog.Error("failed to write body to http response", "error", err)
	}
}

// helpers ------------

func closeRequestBody(r *http.Request) {
	if err := r.Body.Close(); err != nil {
		slog.Error("failed to close request body", "error", err)
	}
}

func requirePOST(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		slog.Debug("Non-POST request rejected", "method", r.Method, "path", r.URL.Path)
		respondWithErr(w, http.StatusMethodNotAllowed, "method not allowed", "invalid method", nil)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		slog.Error("Failed to marshal JSON payload", "error", err)
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err = w.Write(payload); err != nil {
		slog.Error("failed to write body to http response", "error", err)
	}
	return nil
}

// performFaceMatch compares the DG2 face of p with the selfie.
func performFaceMatch(ctx context.Context, state *ServerState, p *reader.Passport, selfieBase64 string) (*models.FaceMatchResult, error) {
	if state.faceVerificationClient == nil {
		return nil, fmt.Errorf("face verification client not configured")
	}
	if p.Face == nil || p.Face.Preview == "" {
		return nil, fmt.Errorf("document photo not available")
	}

	response, err := state.faceVerificationClient.MatchFaces(ctx, p.Face.Preview, selfieBase64)
	if err != nil {
		return nil, fmt.Errorf("face matching failed: %w", err)
	}
	return &models.FaceMatchResult{
		Matched:    response.Matched,
		Similarity: response.Similarity,
	}, nil
}
