// Package handler exposes the ask orchestrator over API Gateway proxy events
// and plain net/http.
package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"burrowed-assistant/internal/domain"
	"burrowed-assistant/internal/usecase"
)

// MaxBodyBytes bounds an ask request body.
const MaxBodyBytes = 64 << 10

const (
	correlationHeader = "X-Correlation-Id"
	forwardedHeader   = "X-Forwarded-For"

	codeNotFound = "NOT_FOUND"
)

type UseCase interface {
	Ask(ctx context.Context, in usecase.AskInput) (usecase.AskOutput, error)
}

type Handler struct {
	uc     UseCase
	logger *slog.Logger
	newID  func() string
}

type Option func(*Handler)

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

func NewHandler(uc UseCase, opts ...Option) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: use case must not be nil")
	}
	h := &Handler{uc: uc, logger: slog.Default(), newID: uuid.NewString}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

type askRequest struct {
	Prompt         string `json:"prompt"`
	PreviousPrompt string `json:"previous_prompt"`
	PreviousAnswer string `json:"previous_answer"`
}

type askResponse struct {
	Answer          string                  `json:"answer"`
	SupportingPaths []domain.SupportingPath `json:"supporting_paths"`
	RemainingTokens int                     `json:"remaining_tokens"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type healthResponse struct {
	Status string `json:"status"`
}

// Handle serves API Gateway proxy events: GET .../health and POST .../ask.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := headerValue(req.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = h.newID()
	}

	var status int
	var payload any
	switch {
	case req.HTTPMethod == http.MethodGet && strings.HasSuffix(req.Path, "/health"):
		status, payload = http.StatusOK, healthResponse{Status: "ok"}
	case req.HTTPMethod == http.MethodPost && strings.HasSuffix(req.Path, "/ask"):
		body, err := eventBody(req)
		if err != nil {
			status, payload = http.StatusBadRequest, invalidBody(err)
			break
		}
		status, payload = h.ask(ctx, body, lambdaClientID(req), correlationID)
	default:
		status, payload = http.StatusNotFound, errorResponse{Error: "Not found", Code: codeNotFound}
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return events.APIGatewayProxyResponse{}, err
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: correlationID,
		},
		Body: string(b),
	}, nil
}

// ServeHTTP serves POST /ask for the dev server.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := r.Header.Get(correlationHeader)
	if correlationID == "" {
		correlationID = h.newID()
	}
	w.Header().Set(correlationHeader, correlationID)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, invalidBody(err))
		return
	}
	status, payload := h.ask(r.Context(), body, httpClientID(r), correlationID)
	writeJSON(w, status, payload)
}

// Health answers liveness probes.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

func (h *Handler) ask(ctx context.Context, body []byte, clientID, correlationID string) (int, any) {
	start := time.Now()
	log := h.logger.With("correlation_id", correlationID, "client_id", clientID)

	var in askRequest
	if err := json.Unmarshal(body, &in); err != nil {
		log.Info("ask request rejected", "err", err)
		return http.StatusBadRequest, invalidBody(err)
	}

	out, err := h.uc.Ask(ctx, usecase.AskInput{
		ClientID:       clientID,
		Prompt:         in.Prompt,
		PreviousPrompt: in.PreviousPrompt,
		PreviousAnswer: in.PreviousAnswer,
	})
	if err != nil {
		status, resp := mapError(err)
		log.Info("ask failed", "status", status, "code", resp.Code, "err", err, "duration", time.Since(start))
		return status, resp
	}

	paths := out.SupportingPaths
	if paths == nil {
		paths = []domain.SupportingPath{}
	}
	log.Info("ask completed", "status", http.StatusOK, "remaining_tokens", out.RemainingTokens, "duration", time.Since(start))
	return http.StatusOK, askResponse{
		Answer:          out.Answer,
		SupportingPaths: paths,
		RemainingTokens: out.RemainingTokens,
	}
}

func mapError(err error) (int, errorResponse) {
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		return http.StatusInternalServerError, errorResponse{Error: "Internal server error", Code: string(usecase.ErrorInternal)}
	}
	code := string(ucErr.Code)
	switch ucErr.Code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest, errorResponse{Error: invalidInputText(ucErr.Reason), Code: code}
	case usecase.ErrorBudgetExceeded:
		return http.StatusTooManyRequests, errorResponse{Error: "Daily token limit exceeded", Code: code}
	case usecase.ErrorUpstream:
		return http.StatusBadGateway, errorResponse{Error: "The assistant is unavailable right now. Please try again later.", Code: code}
	default:
		return http.StatusInternalServerError, errorResponse{Error: "Internal server error", Code: string(usecase.ErrorInternal)}
	}
}

func invalidInputText(reason string) string {
	switch reason {
	case "empty_prompt":
		return "Prompt is required"
	case "prompt_too_long":
		return "Prompt is too long"
	case "previous_prompt_too_long", "previous_answer_too_long":
		return "Conversation history is too long"
	case "missing_client_id":
		return "Client address could not be determined"
	default:
		return "Invalid request"
	}
}

func invalidBody(err error) errorResponse {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) || errors.Is(err, errBodyTooLarge) {
		return errorResponse{Error: "Request body is too large", Code: string(usecase.ErrorInvalidInput)}
	}
	return errorResponse{Error: "Invalid JSON body", Code: string(usecase.ErrorInvalidInput)}
}

var errBodyTooLarge = errors.New("handler: request body too large")

func eventBody(req events.APIGatewayProxyRequest) ([]byte, error) {
	body := []byte(req.Body)
	if req.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(req.Body)
		if err != nil {
			return nil, err
		}
		body = decoded
	}
	if len(body) > MaxBodyBytes {
		return nil, errBodyTooLarge
	}
	return body, nil
}

func lambdaClientID(req events.APIGatewayProxyRequest) string {
	if ip := strings.TrimSpace(req.RequestContext.Identity.SourceIP); ip != "" {
		return ip
	}
	return firstForwarded(headerValue(req.Headers, forwardedHeader))
}

func httpClientID(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host = strings.TrimSpace(host); host != "" {
		return host
	}
	return firstForwarded(r.Header.Get(forwardedHeader))
}

func firstForwarded(v string) string {
	first, _, _ := strings.Cut(v, ",")
	return strings.TrimSpace(first)
}

// headerValue looks a header up case-insensitively; API Gateway forwards
// whatever casing the client sent.
func headerValue(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return strings.TrimSpace(v)
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
