package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultFaceMatchThreshold = 0.75
	defaultFaceServiceTimeout = 30 * time.Second
	maxFaceErrorBody          = 4 << 10
)

// Image types of the Regula face API.
const (
	regulaDocumentPrint = 1
	regulaLiveCapture   = 3
)

var ErrNoFaceComparison = errors.New("face service returned no comparison")

type FaceMatchResponse struct {
	Similarity float64 `json:"similarity"`
	Matched    bool    `json:"matched"`
}

// FaceVerificationClient compares the face from DG2 with a selfie taken by
// the holder. Both images are base64.
type FaceVerificationClient interface {
	MatchFaces(ctx context.Context, documentFace, selfie string) (*FaceMatchResponse, error)
	HealthCheck(ctx context.Context) error
}

type FaceVerificationConfig struct {
	Url            string  `json:"url"`
	Threshold      float64 `json:"threshold,omitempty"`
	TimeoutSeconds int     `json:"timeout_seconds,omitempty"`
}

// FaceServiceError is a non-200 answer of the face service.
type FaceServiceError struct {
	Path   string
	Status int
	Body   string
}

func (e *FaceServiceError) Error() string {
	return fmt.Sprintf("face service %s answered %d: %s", e.Path, e.Status, e.Body)
}

type RegulaFaceClient struct {
	baseURL    string
	threshold  float64
	httpClient *http.Client
}

func NewRegulaFaceClient(config FaceVerificationConfig) *RegulaFaceClient {
	threshold := config.Threshold
	if threshold <= 0 {
		threshold = DefaultFaceMatchThreshold
	}
	timeout := defaultFaceServiceTimeout
	if config.TimeoutSeconds > 0 {
		timeout = time.Duration(config.TimeoutSeconds) * time.Second
	}
	return &RegulaFaceClient{
		baseURL:    strings.TrimRight(config.Url, "/"),
		threshold:  threshold,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type regulaImage struct {
	Type  int    `json:"type"`
	Data  string `json:"data"`
	Index int    `json:"index"`
}

type regulaMatchRequest struct {
	Images []regulaImage `json:"images"`
}

type regulaMatchResponse struct {
	Results []struct {
		FirstIndex  int     `json:"firstIndex"`
		SecondIndex int     `json:"secondIndex"`
		Similarity  float64 `json:"similarity"`
	} `json:"results"`
}

// MatchFaces sends the document face as a print and the selfie as a live
// capture. With several detected face pairs the best similarity counts.
func (c *RegulaFaceClient) MatchFaces(ctx context.Context, documentFace, selfie string) (*FaceMatchResponse, error) {
	request := regulaMatchRequest{Images: []regulaImage{
		{Type: regulaDocumentPrint, Data: documentFace, Index: 1},
		{Type: regulaLiveCapture, Data: selfie, Index: 2},
	}}
	var answer regulaMatchResponse
	if err := c.call(ctx, http.MethodPost, "/api/match", request, &answer); err != nil {
		return nil, err
	}
	if len(answer.Results) == 0 {
		return nil, ErrNoFaceComparison
	}

	best := answer.Results[0].Similarity
	for _, r := range answer.Results[1:] {
		best = max(best, r.Similarity)
	}
	result := &FaceMatchResponse{Similarity: best, Matched: best >= c.threshold}
	slog.Info("Face match completed", "similarity", best, "matched", result.Matched, "pairs", len(answer.Results))
	return result, nil
}

func (c *RegulaFaceClient) HealthCheck(ctx context.Context) error {
	return c.call(ctx, http.MethodGet, "/api/healthz", nil, nil)
}

// call sends in as JSON when set and decodes a 200 answer into out when set.
func (c *RegulaFaceClient) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", path, err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", path, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("face service %s unreachable: %w", path, err)
	}
	defer closeResponseBody(resp)

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxFaceErrorBody))
		return &FaceServiceError{Path: path, Status: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s answer: %w", path, err)
	}
	return nil
}

func closeResponseBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Error("failed to close response body", "error", err)
	}
}
