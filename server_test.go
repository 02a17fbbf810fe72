package main

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go-passport-verifier/chipsim"
	"go-passport-verifier/reader"
	"go-passport-verifier/status"
	"go-passport-verifier/truststore"
	"go-passport-verifier/verify"
)

func newTestSpecimen(t *testing.T) *chipsim.Specimen {
	t.Helper()
	s, err := chipsim.NewSpecimen(chipsim.SpecimenOptions{BAC: true})
	require.NoError(t, err)
	return s
}

func TestHealth(t *testing.T) {
	ts := startTestServer(t, newTestState(t, newTestSpecimen(t)))
	resp, body := getBody(t, ts.url+"/api/health")
	mustStatus(t, resp, http.StatusOK, body)
	require.JSONEq(t, `{"ok":true}`, string(body))
}

func TestStartValidation_StoresNonce(t *testing.T) {
	ts := startTestServer(t, newTestState(t, newTestSpecimen(t)))
	session, nonce := ts.startValidation(t)

	require.Len(t, session, 32)
	require.Len(t, nonce, 16)
	stored, err := ts.tokens.RetrieveToken(t.Context(), session)
	require.NoError(t, err)
	require.Equal(t, nonce, stored)
}

func TestStartValidation_RequiresPost(t *testing.T) {
	ts := startTestServer(t, newTestState(t, newTestSpecimen(t)))
	resp, body := getBody(t, ts.url+"/api/start-validation")
	mustStatus(t, resp, http.StatusMethodNotAllowed, body)
}

func TestVerifyDocument_Success(t *testing.T) {
	s := newTestSpecimen(t)
	state := newTestState(t, s)
	state.reportSigner = fakeReportSigner{token: "signed-report"}
	ts := startTestServer(t, state)

	session, nonce := ts.startValidation(t)
	resp, body, vr := postJSON[verifyResponse](t, ts.url+"/api/verify-document", dumpRequest(s, session, nonce))
	mustStatus(t, resp, http.StatusOK, body)

	require.NotEmpty(t, vr.ID)
	require.Equal(t, vr.ID, vr.Report.ID)
	require.Equal(t, "signed-report", vr.Token)
	require.True(t, vr.Report.Authentic)
	require.True(t, vr.Report.IsExpired)
	require.Equal(t, "UTO", vr.Report.IssuingCountry)
	require.Equal(t, "******2C3", vr.Report.DocumentNumber)
	require.NotContains(t, string(body), "L898902C3")
	require.Equal(t, []int{1, 2, 5, 11, 15}, vr.Report.DataGroups)

	checks := vr.Report.Verification.Checks
	require.Equal(t, "SUCCEEDED", checks["CS"].Verdict)
	require.Equal(t, "SUCCEEDED", checks["DS"].Verdict)
	require.Equal(t, "SUCCEEDED", checks["HT"].Verdict)
	require.Equal(t, "NOT_CHECKED", checks["BAC"].Verdict)
	require.Equal(t, "Uploaded document, BAC not checked", checks["BAC"].Reason)

	_, err := ts.tokens.RetrieveToken(t.Context(), session)
	require.Error(t, err)

	resp, stored := getBody(t, ts.url+"/api/verification/"+vr.ID)
	mustStatus(t, resp, http.StatusOK, stored)
	require.Contains(t, string(stored), vr.ID)
	require.Contains(t, string(stored), `"authentic":true`)
}

func TestVerifyDocument_TamperedDataGroup(t *testing.T) {
	s := newTestSpecimen(t)
	ts := startTestServer(t, newTestState(t, s))

	session, nonce := ts.startValidation(t)
	req := dumpRequest(s, session, nonce)
	// ENGINEER becomes ENGINEEP
	dg11 := req.DataGroups["DG11"]
	require.True(t, strings.HasSuffix(dg11, "52"))
	req.DataGroups["DG11"] = strings.TrimSuffix(dg11, "52") + "50"

	resp, body, vr := postJSON[verifyResponse](t, ts.url+"/api/verify-document", req)
	mustStatus(t, resp, http.StatusOK, body)
	require.False(t, vr.Report.Authentic)
	require.Equal(t, "FAILED", vr.Report.Verification.Checks["HT"].Verdict)
	require.Equal(t, "Hash mismatch", vr.Report.Verification.Checks["HT"].Reason)
}

func TestVerifyDocument_Fail_BadNonce(t *testing.T) {
	s := newTestSpecimen(t)
	ts := startTestServer(t, newTestState(t, s))

	session, _ := ts.startValidation(t)
	resp, body, _ := postJSON[map[string]any](t, ts.url+"/api/verify-document", dumpRequest(s, session, "bad-nonce"))
	mustStatus(t, resp, http.StatusBadRequest, body)

	// a failed attempt does not consume the session
	_, err := ts.tokens.RetrieveToken(t.Context(), session)
	require.NoError(t, err)
}

func TestVerifyDocument_Fail_SessionReuse(t *testing.T) {
	s := newTestSpecimen(t)
	ts := startTestServer(t, newTestState(t, s))

	session, nonce := ts.startValidation(t)
	req := dumpRequest(s, session, nonce)

	resp1, body1, _ := postJSON[map[string]any](t, ts.url+"/api/verify-document", req)
	mustStatus(t, resp1, http.StatusOK, body1)

	resp2, body2, _ := postJSON[map[string]any](t, ts.url+"/api/verify-document", req)
	mustStatus(t, resp2, http.StatusBadRequest, body2)
}

func TestVerifyDocument_Fail_IncompleteDump(t *testing.T) {
	s := newTestSpecimen(t)
	ts := startTestServer(t, newTestState(t, s))

	tests := []struct {
		name   string
		mutate func(r map[string]string) string
	}{
		{"no SOD", func(map[string]string) string { return "" }},
		{"no DG1", func(dgs map[string]string) string { delete(dgs, "DG1"); return s.Dump()["EF.SOD"] }},
		{"invalid hex", func(dgs map[string]string) string { dgs["DG2"] = "not hex"; return s.Dump()["EF.SOD"] }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session, nonce := ts.startValidation(t)
			req := dumpRequest(s, session, nonce)
			req.EFSOD = tt.mutate(req.DataGroups)

			resp, body, _ := postJSON[map[string]any](t, ts.url+"/api/verify-document", req)
			mustStatus(t, resp, http.StatusBadRequest, body)
		})
	}
}

func TestVerifyDocument_FaceMatch(t *testing.T) {
	s := newTestSpecimen(t)
	state := newTestState(t, s)
	faces := &fakeFaceClient{similarity: 0.9}
	state.faceVerificationClient = faces
	ts := startTestServer(t, state)

	session, nonce := ts.startValidation(t)
	req := dumpRequest(s, session, nonce)
	req.SelfieImage = "c2VsZmll"

	resp, body, vr := postJSON[verifyResponse](t, ts.url+"/api/verify-document", req)
	mustStatus(t, resp, http.StatusOK, body)
	require.NotNil(t, vr.Report.FaceMatch)
	require.True(t, vr.Report.FaceMatch.Matched)
	require.Equal(t, 0.9, vr.Report.FaceMatch.Similarity)
	require.NotEmpty(t, faces.gotImage)
}

func TestVerifyDocument_FaceMatchWithoutClient(t *testing.T) {
	s := newTestSpecimen(t)
	ts := startTestServer(t, newTestState(t, s))

	session, nonce := ts.startValidation(t)
	req := dumpRequest(s, session, nonce)
	req.SelfieImage = "c2VsZmll"

	resp, body, vr := postJSON[verifyResponse](t, ts.url+"/api/verify-document", req)
	mustStatus(t, resp, http.StatusOK, body)
	require.Nil(t, vr.Report.FaceMatch)
	require.True(t, vr.Report.Authentic)
}

func TestGetVerification_NotFound(t *testing.T) {
	ts := startTestServer(t, newTestState(t, newTestSpecimen(t)))
	resp, body := getBody(t, ts.url+"/api/verification/unknown")
	mustStatus(t, resp, http.StatusNotFound, body)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestSpecimen(t)
	ts := startTestServer(t, newTestState(t, s))

	session, nonce := ts.startValidation(t)
	resp, body, _ := postJSON[map[string]any](t, ts.url+"/api/verify-document", dumpRequest(s, session, nonce))
	mustStatus(t, resp, http.StatusOK, body)

	resp, body = getBody(t, ts.url+"/metrics")
	mustStatus(t, resp, http.StatusOK, body)
	require.Contains(t, string(body), `passport_verifier_sessions_total{outcome="uploaded"} 1`)
	require.Contains(t, string(body), `passport_verifier_verdicts_total{category="HT",verdict="SUCCEEDED"} 1`)
}

func TestNewVerificationReport(t *testing.T) {
	s := newTestSpecimen(t)
	now := time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		trust     *truststore.Store
		authentic bool
	}{
		{"trusted", func() *truststore.Store { st := truststore.New(); st.AddCertificate(s.CSCA); return st }(), true},
		{"no trust anchors", truststore.New(), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := reader.VerifyDump(s.Dump(), verify.NewVerifier(tt.trust))
			require.NoError(t, err)

			report := NewVerificationReport("id-1", p, now)
			require.Equal(t, "id-1", report.ID)
			require.Equal(t, tt.authentic, report.Authentic)
			require.False(t, report.IsExpired)
			require.Equal(t, "P", report.DocumentCode)
			require.True(t, strings.HasSuffix(report.DocumentNumber, "2C3"))
			require.Equal(t, status.NotChecked, report.Verification.Verdict(status.BAC))
		})
	}
}

func TestNonceGeneration(t *testing.T) {
	nonce, err := GenerateNonce(8)
	require.NoError(t, err)
	// each byte is represented by 2 hex characters so length will be doubled
	require.Len(t, nonce, 16)
}

func TestSessionIdGeneration(t *testing.T) {
	require.Len(t, GenerateSessionId(), 32)
}
