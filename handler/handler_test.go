package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/require"

	"burrowed-assistant/internal/domain"
	"burrowed-assistant/internal/usecase"
)

type stubUseCase struct {
	out   usecase.AskOutput
	err   error
	in    usecase.AskInput
	calls int
}

func (s *stubUseCase) Ask(_ context.Context, in usecase.AskInput) (usecase.AskOutput, error) {
	s.in = in
	s.calls++
	return s.out, s.err
}

func makeEvent(body string) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		HTTPMethod: http.MethodPost,
		Path:       "/ask",
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       body,
		RequestContext: events.APIGatewayProxyRequestContext{
			Identity: events.APIGatewayRequestIdentity{SourceIP: "203.0.113.7"},
		},
	}
}

func parseBody[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	return v
}

func newTestHandler(t *testing.T, uc UseCase) *Handler {
	t.Helper()
	h, err := NewHandler(uc)
	require.NoError(t, err)
	return h
}

func TestNewHandler_ValidatesDependency(t *testing.T) {
	_, err := NewHandler(nil)
	require.Error(t, err)
}

func TestHandle_HappyPath(t *testing.T) {
	uc := &stubUseCase{out: usecase.AskOutput{
		Answer:          "Burrowed is a literary magazine.",
		SupportingPaths: []domain.SupportingPath{{URL: "/about", SectionIDs: []string{"intro"}}},
		RemainingTokens: 49000,
	}}
	h := newTestHandler(t, uc)

	resp, err := h.Handle(context.Background(), makeEvent(`{"prompt":"What is Burrowed?","previous_prompt":"Hi","previous_answer":"Hello!"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, usecase.AskInput{
		ClientID:       "203.0.113.7",
		Prompt:         "What is Burrowed?",
		PreviousPrompt: "Hi",
		PreviousAnswer: "Hello!",
	}, uc.in)
	require.NotEmpty(t, resp.Headers["X-Correlation-Id"])

	require.JSONEq(t, `{
		"answer": "Burrowed is a literary magazine.",
		"supporting_paths": [{"url": "/about", "section_id": ["intro"]}],
		"remaining_tokens": 49000
	}`, resp.Body)
}

func TestHandle_EmptySupportingPathsEncodeAsArray(t *testing.T) {
	h := newTestHandler(t, &stubUseCase{out: usecase.AskOutput{Answer: "ok"}})

	resp, err := h.Handle(context.Background(), makeEvent(`{"prompt":"Hi"}`))
	require.NoError(t, err)
	require.Contains(t, resp.Body, `"supporting_paths":[]`)
}

func TestHandle_ClientIDFromForwardedFor(t *testing.T) {
	uc := &stubUseCase{out: usecase.AskOutput{Answer: "ok"}}
	h := newTestHandler(t, uc)

	event := makeEvent(`{"prompt":"Hi"}`)
	event.RequestContext.Identity.SourceIP = ""
	event.Headers["x-forwarded-for"] = "198.51.100.4, 10.0.0.1"
	_, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, "198.51.100.4", uc.in.ClientID)
}

func TestHandle_InvalidBody(t *testing.T) {
	uc := &stubUseCase{}
	h := newTestHandler(t, uc)

	resp, err := h.Handle(context.Background(), makeEvent(`not-json`))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Zero(t, uc.calls)

	out := parseBody[errorResponse](t, resp.Body)
	require.Equal(t, string(usecase.ErrorInvalidInput), out.Code)
}

func TestHandle_BodyTooLarge(t *testing.T) {
	uc := &stubUseCase{}
	h := newTestHandler(t, uc)

	resp, err := h.Handle(context.Background(), makeEvent(`{"prompt":"`+strings.Repeat("a", MaxBodyBytes)+`"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "Request body is too large", parseBody[errorResponse](t, resp.Body).Error)
	require.Zero(t, uc.calls)
}

func TestHandle_Base64Body(t *testing.T) {
	uc := &stubUseCase{out: usecase.AskOutput{Answer: "ok"}}
	h := newTestHandler(t, uc)

	event := makeEvent(base64.StdEncoding.EncodeToString([]byte(`{"prompt":"Hi"}`)))
	event.IsBase64Encoded = true
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "Hi", uc.in.Prompt)
}

func TestHandle_MapsUseCaseErrors(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		status  int
		code    string
		message string
	}{
		{name: "invalid input", err: &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "empty_prompt"}, status: http.StatusBadRequest, code: string(usecase.ErrorInvalidInput), message: "Prompt is required"},
		{name: "budget", err: &usecase.Error{Code: usecase.ErrorBudgetExceeded, Reason: "preflight_budget_exceeded"}, status: http.StatusTooManyRequests, code: string(usecase.ErrorBudgetExceeded), message: "Daily token limit exceeded"},
		{name: "upstream", err: &usecase.Error{Code: usecase.ErrorUpstream, Reason: "classifier_error"}, status: http.StatusBadGateway, code: string(usecase.ErrorUpstream)},
		{name: "internal", err: &usecase.Error{Code: usecase.ErrorInternal, Reason: "boom"}, status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
		{name: "unexpected", err: errors.New("boom"), status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestHandler(t, &stubUseCase{err: tc.err})

			resp, err := h.Handle(context.Background(), makeEvent(`{"prompt":"Hi"}`))
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)

			out := parseBody[errorResponse](t, resp.Body)
			require.Equal(t, tc.code, out.Code)
			require.NotEmpty(t, out.Error)
			if tc.message != "" {
				require.Equal(t, tc.message, out.Error)
			}
		})
	}
}

func TestHandle_UsesProvidedCorrelationID_CaseInsensitive(t *testing.T) {
	h := newTestHandler(t, &stubUseCase{out: usecase.AskOutput{Answer: "ok"}})

	event := makeEvent(`{"prompt":"Hi"}`)
	event.Headers["x-correlation-id"] = "corr-123"
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, "corr-123", resp.Headers["X-Correlation-Id"])
}

func TestHandle_HealthAndUnknownRoutes(t *testing.T) {
	uc := &stubUseCase{}
	h := newTestHandler(t, uc)

	resp, err := h.Handle(context.Background(), events.APIGatewayProxyRequest{HTTPMethod: http.MethodGet, Path: "/prod/health"})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"status":"ok"}`, resp.Body)

	resp, err = h.Handle(context.Background(), events.APIGatewayProxyRequest{HTTPMethod: http.MethodGet, Path: "/ask"})
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Zero(t, uc.calls)
}

func TestServeHTTP(t *testing.T) {
	uc := &stubUseCase{out: usecase.AskOutput{Answer: "ok", RemainingTokens: 10}}
	h := newTestHandler(t, uc)

	req := httptest.NewRequest(http.MethodPost, "/ask", strings.NewReader(`{"prompt":"Hi"}`))
	req.RemoteAddr = "192.0.2.10:54321"
	req.Header.Set("X-Correlation-Id", "corr-9")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "corr-9", rec.Header().Get("X-Correlation-Id"))
	require.Equal(t, "192.0.2.10", uc.in.ClientID)
	require.JSONEq(t, `{"answer":"ok","supporting_paths":[],"remaining_tokens":10}`, rec.Body.String())
}

func TestServeHTTP_BodyTooLarge(t *testing.T) {
	uc := &stubUseCase{}
	h := newTestHandler(t, uc)

	req := httptest.NewRequest(http.MethodPost, "/ask", strings.NewReader(strings.Repeat("a", MaxBodyBytes+1)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "Request body is too large", parseBody[errorResponse](t, rec.Body.String()).Error)
	require.Zero(t, uc.calls)
}

func TestHealth(t *testing.T) {
	h := newTestHandler(t, &stubUseCase{})
	rec := httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
