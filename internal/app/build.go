package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/antoniostano/deckard/internal/config"
	"github.com/antoniostano/deckard/internal/httpapi"
	"github.com/antoniostano/deckard/internal/logging"
	"github.com/antoniostano/deckard/internal/normalize"
	"github.com/antoniostano/deckard/internal/observability"
	"github.com/antoniostano/deckard/internal/persistence"
	"github.com/antoniostano/deckard/internal/persona"
	"github.com/antoniostano/deckard/internal/session"
	"github.com/antoniostano/deckard/internal/video"
	"github.com/antoniostano/deckard/internal/voice"
)

type ProviderInfo struct {
	Realtime       string
	RealtimeDetail string
	VideoDetail    string
}

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Sessions     *session.Registry
	Orchestrator *voice.Orchestrator
	Videos       *video.Coordinator
	Metrics      *observability.Metrics
	Providers    ProviderInfo

	// Cleanup should be called on shutdown, after the HTTP server has stopped.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	normalize.SetFailureHook(metrics.IncNormalizerFailure)

	defaultPersona, err := persona.Parse(cfg.DefaultPersona)
	if err != nil {
		return nil, fmt.Errorf("DEFAULT_PERSONA: %w", err)
	}
	cfg.DefaultPersona = string(defaultPersona)

	store, err := persistence.NewStore(ctx, cfg.DatabaseURL, cfg.PersistRedactPII)
	if err != nil {
		return nil, fmt.Errorf("persistence store init failed: %w", err)
	}

	rt, err := resolveRealtimeProvider(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	vs, err := resolveVideoGenerator(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	cfg.RealtimeProvider = rt.resolvedProvider

	catalog := persona.NewCatalog(cfg.PersonaAssetDir, cfg.PersonaSourceURLs)

	sessions := session.NewRegistry(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(s *session.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		logging.Info("session expired", "session_id", s.ID, "idle_since", s.LastActivityAt)
	})

	videos := video.NewCoordinator(vs.generator, catalog, video.CoordinatorConfig{
		MaxConcurrent: cfg.VideoMaxConcurrent,
		MaxWait:       cfg.DIDMaxWait,
	}, metrics, sessions.Deliver)

	orchestrator := voice.NewOrchestrator(sessions, rt.connector, videos, store, metrics, voice.Config{
		ResponseBuffering: cfg.ResponseBuffering,
		SampleRate:        cfg.OutputSampleRate,
		Instructions:      cfg.RealtimeInstructions,
		Voice:             cfg.RealtimeVoice,
		DefaultPersona:    defaultPersona,
	})

	api := httpapi.New(cfg, sessions, orchestrator, catalog, store, metrics)

	cleanup := func() error {
		var errs []string
		videos.Wait()
		if err := store.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Sessions:     sessions,
		Orchestrator: orchestrator,
		Videos:       videos,
		Metrics:      metrics,
		Providers: ProviderInfo{
			Realtime:       rt.resolvedProvider,
			RealtimeDetail: rt.detail,
			VideoDetail:    vs.detail,
		},
		Cleanup: cleanup,
	}, nil
}
