package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"burrowed-assistant/internal/domain"
	"burrowed-assistant/internal/integrations/gemini"
)

const (
	defaultClassifierMaxTokens = 1000
	defaultAnswerMaxTokens     = 1500
	defaultPreflightReserve    = 1000
	defaultMaxPrompt           = 1000
	defaultMaxHistory          = 4000

	// FallbackAnswer replaces any answer the model returns in an unusable shape.
	FallbackAnswer = "I'm having trouble answering that. Please try a different question."
)

// Orchestration stages, used as the "stage" log attribute.
const (
	stageReceived       = "RECEIVED"
	stageBudgetChecked  = "BUDGET_CHECKED"
	stageClassified     = "CLASSIFIED"
	stageContextBuilt   = "CONTEXT_BUILT"
	stageAnswered       = "ANSWERED"
	stageCommitted      = "COMMITTED"
	stageResponded      = "RESPONDED"
	stageRejectedInput  = "REJECTED_INPUT"
	stageRejectedBudget = "REJECTED_BUDGET"
	stageUpstreamError  = "UPSTREAM_ERROR"
)

type LLMClient interface {
	Generate(ctx context.Context, req gemini.Request) (gemini.Completion, error)
}

type KnowledgeBase interface {
	ClassifierView() []domain.RouteSummary
	Contains(url string) bool
	BuildContext(urls []string) []domain.RouteDescriptor
}

type TokenLedger interface {
	CurrentUsage(ctx context.Context, clientID string) (int, error)
	DailyLimit() int
	Remaining(ctx context.Context, clientID string) (int, error)
	RemainingAfter(used int) int
	Commit(ctx context.Context, clientID string, tokens int) (int, error)
}

// ConversationRecorder appends audit records. Failures never fail a request.
type ConversationRecorder interface {
	RecordConversation(ctx context.Context, rec domain.ConversationRecord) error
}

// Config bounds a single ask.
type Config struct {
	ClassifierMaxOutputTokens int
	AnswerMaxOutputTokens     int
	Temperature               float64
	PreflightReserve          int
	MaxPromptLength           int
	MaxHistoryLength          int
	Site                      SiteProfile
}

func (c Config) withDefaults() Config {
	if c.ClassifierMaxOutputTokens <= 0 {
		c.ClassifierMaxOutputTokens = defaultClassifierMaxTokens
	}
	if c.AnswerMaxOutputTokens <= 0 {
		c.AnswerMaxOutputTokens = defaultAnswerMaxTokens
	}
	if c.PreflightReserve <= 0 {
		c.PreflightReserve = defaultPreflightReserve
	}
	if c.MaxPromptLength <= 0 {
		c.MaxPromptLength = defaultMaxPrompt
	}
	if c.MaxHistoryLength <= 0 {
		c.MaxHistoryLength = defaultMaxHistory
	}
	if strings.TrimSpace(c.Site.Name) == "" {
		c.Site.Name = "Burrowed Literary Magazine"
	}
	if strings.TrimSpace(c.Site.ContactEmail) == "" {
		c.Site.ContactEmail = "contact@burrowed.org"
	}
	return c
}

type AskService struct {
	llm      LLMClient
	kb       KnowledgeBase
	ledger   TokenLedger
	recorder ConversationRecorder
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

type AskOption func(*AskService)

func WithRecorder(r ConversationRecorder) AskOption {
	return func(s *AskService) {
		s.recorder = r
	}
}

func WithLogger(l *slog.Logger) AskOption {
	return func(s *AskService) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithClock(now func() time.Time) AskOption {
	return func(s *AskService) {
		s.now = now
	}
}

type AskInput struct {
	ClientID       string
	Prompt         string
	PreviousPrompt string
	PreviousAnswer string
}

type AskOutput struct {
	Answer          string
	SupportingPaths []domain.SupportingPath
	RemainingTokens int
}

func NewAskService(llm LLMClient, kb KnowledgeBase, ledger TokenLedger, cfg Config, opts ...AskOption) (*AskService, error) {
	if llm == nil {
		return nil, errors.New("usecase: llm client must not be nil")
	}
	if kb == nil {
		return nil, errors.New("usecase: knowledge base must not be nil")
	}
	if ledger == nil {
		return nil, errors.New("usecase: token ledger must not be nil")
	}
	if cfg.Temperature < 0 {
		return nil, errors.New("usecase: temperature must not be negative")
	}
	s := &AskService{
		llm:    llm,
		kb:     kb,
		ledger: ledger,
		cfg:    cfg.withDefaults(),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Ask answers one question: classify, build context, answer, then charge the
// client for both model calls.
func (s *AskService) Ask(ctx context.Context, in AskInput) (AskOutput, error) {
	clientID := strings.TrimSpace(in.ClientID)
	log := s.logger.With("client_id", clientID)
	log.Debug("ask", "stage", stageReceived)

	turn, err := s.validate(clientID, in)
	if err != nil {
		log.Info("ask rejected", "stage", stageRejectedInput, "err", err)
		return AskOutput{}, err
	}

	// Step 1: reserve before spending anything.
	reserve := max(s.cfg.PreflightReserve, gemini.EstimateTokens(turn.previousPrompt+turn.previousAnswer+turn.question))
	within, usageBefore := s.withinBudget(ctx, log, clientID, reserve)
	if !within {
		log.Info("ask rejected", "stage", stageRejectedBudget, "reserve", reserve)
		return AskOutput{}, newError(ErrorBudgetExceeded, "preflight_budget_exceeded", nil)
	}
	log.Debug("ask", "stage", stageBudgetChecked, "reserve", reserve)

	// Step 2: classify.
	classifierPrompt := buildClassifierPrompt(s.cfg.Site, s.kb.ClassifierView(), turn)
	classified, err := s.llm.Generate(ctx, gemini.Request{
		Prompt:          classifierPrompt,
		MaxOutputTokens: s.cfg.ClassifierMaxOutputTokens,
		Temperature:     s.cfg.Temperature,
	})
	if err != nil {
		log.Error("classifier call failed", "stage", stageUpstreamError, "err", err)
		return AskOutput{}, newError(ErrorUpstream, upstreamReason("classifier", err), err)
	}
	s.record(ctx, log, clientID, domain.StageClassifier, classifierPrompt, classified)
	urls := ParseClassifier(CleanOutput(classified.Text), s.kb.Contains)
	log.Debug("ask", "stage", stageClassified, "urls", urls, "tokens", classified.TotalTokens)

	// Step 3: the classifier cost is now known; charge it alone if it
	// exhausted the budget.
	if within, _ := s.withinBudget(ctx, log, clientID, classified.TotalTokens); !within {
		s.commit(ctx, log, clientID, classified.TotalTokens)
		log.Info("ask rejected", "stage", stageRejectedBudget, "charged", classified.TotalTokens)
		return AskOutput{}, newError(ErrorBudgetExceeded, "budget_exceeded_after_classification", nil)
	}

	// Step 4: ground the answer.
	pages := s.kb.BuildContext(urls)
	log.Debug("ask", "stage", stageContextBuilt, "pages", len(pages))

	// Step 5: answer.
	answerPrompt := buildAnswerPrompt(s.cfg.Site, s.kb.ClassifierView(), s.now().Format(time.DateOnly), turn, pages)
	answered, err := s.llm.Generate(ctx, gemini.Request{
		Prompt:          answerPrompt,
		MaxOutputTokens: s.cfg.AnswerMaxOutputTokens,
		Temperature:     s.cfg.Temperature,
	})
	if err != nil {
		s.commit(ctx, log, clientID, classified.TotalTokens)
		log.Error("answer call failed", "stage", stageUpstreamError, "err", err)
		return AskOutput{}, newError(ErrorUpstream, upstreamReason("answer", err), err)
	}
	s.record(ctx, log, clientID, domain.StageAnswer, answerPrompt, answered)
	log.Debug("ask", "stage", stageAnswered, "tokens", answered.TotalTokens)

	// Step 6: charge both calls.
	cost := classified.TotalTokens + answered.TotalTokens
	total, committed := s.commit(ctx, log, clientID, cost)
	remaining, err := s.ledger.Remaining(context.WithoutCancel(ctx), clientID)
	switch {
	case err != nil && committed:
		log.Warn("remaining tokens unavailable, reporting estimate", "err", err)
		remaining = s.ledger.RemainingAfter(total)
	case err != nil:
		log.Warn("remaining tokens unavailable, reporting estimate", "err", err)
		remaining = s.ledger.RemainingAfter(usageBefore + cost)
	case !committed:
		// The row still holds the pre-request usage.
		remaining = max(0, remaining-cost)
	}
	log.Debug("ask", "stage", stageCommitted, "cost", cost, "remaining", remaining)

	// Step 7: never surface malformed model output.
	result := ParseAnswer(CleanOutput(answered.Text))
	if result.Malformed() {
		log.Warn("answer output malformed, using fallback", "err", result.Err)
		log.Debug("ask", "stage", stageResponded)
		return AskOutput{
			Answer:          FallbackAnswer,
			SupportingPaths: []domain.SupportingPath{},
			RemainingTokens: remaining,
		}, nil
	}

	log.Debug("ask", "stage", stageResponded)
	return AskOutput{
		Answer:          result.Payload.Answer,
		SupportingPaths: result.Payload.SupportingPaths,
		RemainingTokens: remaining,
	}, nil
}

func (s *AskService) validate(clientID string, in AskInput) (turnContext, error) {
	if clientID == "" {
		return turnContext{}, newError(ErrorInvalidInput, "missing_client_id", nil)
	}
	question := strings.TrimSpace(in.Prompt)
	if question == "" {
		return turnContext{}, newError(ErrorInvalidInput, "empty_prompt", nil)
	}
	if utf8.RuneCountInString(question) > s.cfg.MaxPromptLength {
		return turnContext{}, newError(ErrorInvalidInput, "prompt_too_long", nil)
	}
	prevPrompt := strings.TrimSpace(in.PreviousPrompt)
	prevAnswer := strings.TrimSpace(in.PreviousAnswer)
	if utf8.RuneCountInString(prevPrompt) > s.cfg.MaxHistoryLength {
		return turnContext{}, newError(ErrorInvalidInput, "previous_prompt_too_long", nil)
	}
	if utf8.RuneCountInString(prevAnswer) > s.cfg.MaxHistoryLength {
		return turnContext{}, newError(ErrorInvalidInput, "previous_answer_too_long", nil)
	}
	return turnContext{previousPrompt: prevPrompt, previousAnswer: prevAnswer, question: question}, nil
}

// withinBudget reports whether tokens fit in the client's budget, along with
// the usage it read. It fails open, with zero usage, when the ledger cannot
// be read.
func (s *AskService) withinBudget(ctx context.Context, log *slog.Logger, clientID string, tokens int) (bool, int) {
	used, err := s.ledger.CurrentUsage(ctx, clientID)
	if err != nil {
		log.Warn("token usage unavailable, allowing request", "err", err)
		return true, 0
	}
	return used+tokens <= s.ledger.DailyLimit(), used
}

// commit charges tokens. Ledger failures are logged and absorbed. The charge
// is not tied to the caller's cancellation: completed work is always billed.
func (s *AskService) commit(ctx context.Context, log *slog.Logger, clientID string, tokens int) (int, bool) {
	total, err := s.ledger.Commit(context.WithoutCancel(ctx), clientID, tokens)
	if err != nil {
		log.Error("token ledger commit failed", "tokens", tokens, "err", err)
		return 0, false
	}
	return total, true
}

func (s *AskService) record(ctx context.Context, log *slog.Logger, clientID string, stage domain.AgentStage, input string, c gemini.Completion) {
	if s.recorder == nil {
		return
	}
	err := s.recorder.RecordConversation(context.WithoutCancel(ctx), domain.ConversationRecord{
		ClientID:         clientID,
		Stage:            stage,
		InputText:        input,
		OutputText:       c.Text,
		PromptTokens:     c.PromptTokens,
		CompletionTokens: c.CompletionTokens,
		TotalTokens:      c.TotalTokens,
		ProcessingTime:   c.ProcessingTime,
		CreatedAt:        s.now().UTC(),
	})
	if err != nil {
		log.Warn("conversation record failed", "agent_stage", stage, "err", err)
	}
}

func upstreamReason(stage string, err error) string {
	var gwErr *gemini.GatewayError
	if errors.As(err, &gwErr) && gwErr.Timeout {
		return stage + "_timeout"
	}
	return stage + "_error"
}
