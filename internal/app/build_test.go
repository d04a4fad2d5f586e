package app

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/antoniostano/deckard/internal/config"
	"github.com/antoniostano/deckard/internal/persona"
	"github.com/antoniostano/deckard/internal/video"
)

func TestResolveRealtimeProvider(t *testing.T) {
	cases := []struct {
		name    string
		cfg     config.Config
		want    string
		wantErr bool
	}{
		{name: "auto without key", cfg: config.Config{RealtimeProvider: "auto"}, want: "mock"},
		{name: "auto with key", cfg: config.Config{RealtimeProvider: "", OpenAIAPIKey: "sk-test"}, want: "openai"},
		{name: "explicit mock", cfg: config.Config{RealtimeProvider: "MOCK", OpenAIAPIKey: "sk-test"}, want: "mock"},
		{name: "openai without key", cfg: config.Config{RealtimeProvider: "openai"}, wantErr: true},
		{name: "unknown", cfg: config.Config{RealtimeProvider: "carrier-pigeon"}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := resolveRealtimeProvider(tc.cfg)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("resolveRealtimeProvider() error = nil, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("resolveRealtimeProvider() error = %v", err)
			}
			if got.resolvedProvider != tc.want || got.connector.Name() != tc.want {
				t.Fatalf("provider = %q (%s), want %q", got.resolvedProvider, got.connector.Name(), tc.want)
			}
		})
	}
}

func TestResolveVideoGeneratorWithoutKeyFailsSoft(t *testing.T) {
	vs, err := resolveVideoGenerator(config.Config{})
	if err != nil {
		t.Fatalf("resolveVideoGenerator() error = %v", err)
	}
	res, err := vs.generator.GenerateTalkFromText(context.Background(), "https://src", "hi", "")
	if err != nil {
		t.Fatalf("GenerateTalkFromText() error = %v", err)
	}
	if res.Succeeded() || res.Status != video.StatusError || res.Error == "" {
		t.Fatalf("result = %+v, want error result", res)
	}
}

func TestBuildWithMockProvider(t *testing.T) {
	cfg := config.Config{
		MetricsNamespace:         fmt.Sprintf("test_app_%d", time.Now().UnixNano()),
		RealtimeProvider:         "mock",
		DefaultPersona:           "Officer_K",
		SessionInactivityTimeout: time.Minute,
		ResponseBuffering:        true,
		OutputSampleRate:         24000,
		VideoMaxConcurrent:       2,
	}
	res, err := Build(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	defer res.Cleanup()

	if res.Config.DefaultPersona != string(persona.OfficerK) {
		t.Fatalf("DefaultPersona = %q, want officer_k", res.Config.DefaultPersona)
	}
	if res.Providers.Realtime != "mock" {
		t.Fatalf("Providers.Realtime = %q, want mock", res.Providers.Realtime)
	}
	if res.API == nil || res.Orchestrator == nil || res.Sessions == nil || res.Videos == nil {
		t.Fatalf("Build() returned incomplete result: %+v", res)
	}
}

func TestBuildRejectsUnknownDefaultPersona(t *testing.T) {
	_, err := Build(context.Background(), config.Config{
		MetricsNamespace: fmt.Sprintf("test_app_bad_%d", time.Now().UnixNano()),
		DefaultPersona:   "rachael",
	})
	if err == nil {
		t.Fatalf("Build() error = nil, want unknown persona error")
	}
}
