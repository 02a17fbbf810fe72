package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/require"

	"go-passport-verifier/chipsim"
	"go-passport-verifier/metrics"
	"go-passport-verifier/models"
	"go-passport-verifier/truststore"
	"go-passport-verifier/verify"
)

type testServer struct {
	url     string
	state   *ServerState
	tokens  *InMemoryTokenStorage
	results *InMemoryResultStorage
}

func newTestState(t *testing.T, s *chipsim.Specimen) *ServerState {
	t.Helper()
	store := truststore.New()
	store.AddCertificate(s.CSCA)
	reg := prometheus.NewRegistry()
	return &ServerState{
		tokenStorage:   NewInMemoryTokenStorage(),
		resultStorage:  NewInMemoryResultStorage(),
		verifier:       verify.NewVerifier(store),
		metrics:        metrics.NewWithRegistry(reg),
		metricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}
}

func startTestServer(t *testing.T, state *ServerState) *testServer {
	t.Helper()
	srv := httptest.NewServer(NewRouter(state))
	t.Cleanup(srv.Close)
	return &testServer{
		url:     srv.URL,
		state:   state,
		tokens:  state.tokenStorage.(*InMemoryTokenStorage),
		results: state.resultStorage.(*InMemoryResultStorage),
	}
}

func postJSON[T any](t *testing.T, url string, payload any) (*http.Response, []byte, *T) {
	t.Helper()

	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewBuffer(b)
	}
	resp, err := http.Post(url, "application/json", body)
	require.NoError(t, err)
	defer closeResponseBody(resp)

	respBody, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var v T
	_ = json.Unmarshal(respBody, &v)
	return resp, respBody, &v
}

func getBody(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer closeResponseBody(resp)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func mustStatus(t *testing.T, resp *http.Response, want int, body []byte) {
	t.Helper()
	require.Equalf(t, want, resp.StatusCode, "body: %s", body)
}

func (ts *testServer) startValidation(t *testing.T) (sessionID, nonce string) {
	t.Helper()
	resp, body, sr := postJSON[StartValidationResponse](t, ts.url+"/api/start-validation", nil)
	mustStatus(t, resp, http.StatusOK, body)
	require.NotEmpty(t, sr.SessionId)
	require.NotEmpty(t, sr.Nonce)
	return sr.SessionId, sr.Nonce
}

// dumpRequest builds an upload of every file of s.
func dumpRequest(s *chipsim.Specimen, sessionId, nonce string) models.DocumentVerificationRequest {
	dump := s.Dump()
	req := models.DocumentVerificationRequest{
		SessionId:  sessionId,
		Nonce:      nonce,
		DataGroups: map[string]string{},
		EFSOD:      dump["EF.SOD"],
	}
	for name, hexData := range dump {
		if name != "EF.SOD" {
			req.DataGroups[name] = hexData
		}
	}
	return req
}

// verifyResponse mirrors models.VerificationResponse with the verdicts left
// as plain JSON.
type verifyResponse struct {
	ID     string `json:"id"`
	Token  string `json:"token"`
	Report struct {
		ID             string                  `json:"id"`
		DocumentNumber string                  `json:"document_number"`
		IssuingCountry string                  `json:"issuing_country"`
		Authentic      bool                    `json:"authentic"`
		IsExpired      bool                    `json:"is_expired"`
		DataGroups     []int                   `json:"data_groups"`
		FaceMatch      *models.FaceMatchResult `json:"face_match"`
		Verification   struct {
			Checks map[string]struct {
				Verdict string `json:"verdict"`
				Reason  string `json:"reason"`
			} `json:"checks"`
		} `json:"verification"`
	} `json:"report"`
}

// test doubles

type fakeReportSigner struct{ token string }

func (f fakeReportSigner) SignReport(models.VerificationReport) (string, error) {
	return f.token, nil
}

type fakeFaceClient struct {
	similarity float64
	gotImage   string
}

func (f *fakeFaceClient) MatchFaces(_ context.Context, image1, _ string) (*FaceMatchResponse, error) {
	f.gotImage = image1
	return &FaceMatchResponse{Similarity: f.similarity, Matched: f.similarity >= DefaultFaceMatchThreshold}, nil
}

func (f *fakeFaceClient) HealthCheck(context.Context) error { return nil }
