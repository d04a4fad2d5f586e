package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/antoniostano/deckard/internal/config"
	"github.com/antoniostano/deckard/internal/did"
	"github.com/antoniostano/deckard/internal/persona"
	"github.com/antoniostano/deckard/internal/realtime"
	"github.com/antoniostano/deckard/internal/video"
)

type realtimeSetup struct {
	connector        realtime.Connector
	resolvedProvider string
	detail           string
}

func resolveRealtimeProvider(cfg config.Config) (realtimeSetup, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.RealtimeProvider))
	if mode == "" {
		mode = "auto"
	}

	openai := func() realtimeSetup {
		return realtimeSetup{
			connector: realtime.NewOpenAIConnector(realtime.OpenAIConfig{
				APIKey: cfg.OpenAIAPIKey,
				URL:    cfg.RealtimeURL,
				Model:  cfg.RealtimeModel,
			}),
			resolvedProvider: "openai",
			detail:           "openai realtime (" + cfg.RealtimeModel + ")",
		}
	}
	mock := func(detail string) realtimeSetup {
		return realtimeSetup{
			connector:        realtime.NewMockConnector(),
			resolvedProvider: "mock",
			detail:           detail,
		}
	}

	switch mode {
	case "openai":
		if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
			return realtimeSetup{}, fmt.Errorf("REALTIME_PROVIDER=openai but OPENAI_API_KEY is not set")
		}
		return openai(), nil
	case "mock":
		return mock("mock"), nil
	case "auto":
		if strings.TrimSpace(cfg.OpenAIAPIKey) != "" {
			return openai(), nil
		}
		return mock("mock (no OPENAI_API_KEY)"), nil
	default:
		return realtimeSetup{}, fmt.Errorf("invalid REALTIME_PROVIDER: %q (expected auto|openai|mock)", cfg.RealtimeProvider)
	}
}

type videoSetup struct {
	generator video.Generator
	detail    string
}

func resolveVideoGenerator(cfg config.Config) (videoSetup, error) {
	client, err := did.NewClient(did.Config{
		APIKey:            cfg.DIDAPIKey,
		BaseURL:           cfg.DIDBaseURL,
		WebhookURL:        cfg.DIDWebhookURL,
		PollInterval:      cfg.DIDPollInterval,
		MaxWait:           cfg.DIDMaxWait,
		RequestsPerSecond: cfg.DIDRequestsPerSecond,
	})
	if err != nil {
		// Turns still complete; every video attempt reports the missing key.
		return videoSetup{generator: unconfiguredGenerator{err: err}, detail: "disabled (" + err.Error() + ")"}, nil
	}
	return videoSetup{generator: client, detail: "d-id " + strings.TrimSpace(cfg.DIDBaseURL)}, nil
}

// unconfiguredGenerator fails every request so clients fall back to plain audio.
type unconfiguredGenerator struct {
	err error
}

func (g unconfiguredGenerator) GenerateTalkFromPCM(context.Context, []byte, int, persona.Image) (video.Result, error) {
	return video.Result{Status: video.StatusError, Error: g.err.Error()}, nil
}

func (g unconfiguredGenerator) GenerateTalkFromText(context.Context, string, string, string) (video.Result, error) {
	return video.Result{Status: video.StatusError, Error: g.err.Error()}, nil
}
