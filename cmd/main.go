package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"burrowed-assistant/handler"
	"burrowed-assistant/internal/config"
	"burrowed-assistant/internal/integrations/gemini"
	"burrowed-assistant/internal/integrations/paramstore"
	"burrowed-assistant/internal/knowledge"
	"burrowed-assistant/internal/ledger"
	"burrowed-assistant/internal/repository"
	"burrowed-assistant/internal/usecase"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)
	slog.SetDefault(logger)
	if err := cfg.ValidateLambda(); err != nil {
		fatal("invalid lambda configuration", err)
	}

	// ---- Route knowledge base (fatal if malformed) ----
	kb, err := knowledge.Open(cfg.RoutesFile)
	if err != nil {
		fatal("failed to load route knowledge base", err)
	}

	// ---- AWS SDK config ----
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		fatal("failed to load AWS config", err)
	}

	// ---- Clients ----
	stateClient, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.StateTable)
	if err != nil {
		fatal("failed to create state client", err)
	}

	geminiOpts := []gemini.Option{
		gemini.WithModel(cfg.Gemini.Model),
		gemini.WithBaseURL(cfg.Gemini.BaseURL),
		gemini.WithTimeout(cfg.Gemini.Timeout),
	}
	if cfg.Gemini.APIKey != "" {
		geminiOpts = append(geminiOpts, gemini.WithAPIKey(cfg.Gemini.APIKey))
	} else {
		ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
		if err != nil {
			fatal("failed to create SSM client", err)
		}
		geminiOpts = append(geminiOpts, gemini.WithTokenParameter(ssmClient, cfg.GeminiKeyParameter()))
	}
	geminiClient, err := gemini.NewClient(geminiOpts...)
	if err != nil {
		fatal("failed to create Gemini client", err)
	}

	tokenLedger, err := ledger.New(stateClient, cfg.Budget.DailyTokenLimit)
	if err != nil {
		fatal("failed to create token ledger", err)
	}

	// ---- Handler ----
	askService, err := usecase.NewAskService(geminiClient, kb, tokenLedger, cfg.AskConfig(),
		usecase.WithRecorder(stateClient),
		usecase.WithLogger(logger),
	)
	if err != nil {
		fatal("failed to create ask service", err)
	}

	h, err := handler.NewHandler(askService, handler.WithLogger(logger))
	if err != nil {
		fatal("failed to create handler", err)
	}

	slog.Info("starting lambda", "model", geminiClient.Model(), "routes", kb.Len(), "daily_token_limit", cfg.Budget.DailyTokenLimit)
	lambda.Start(h.Handle)
}

func fatal(msg string, err error) {
	slog.Error(msg, "err", err)
	os.Exit(1)
}
