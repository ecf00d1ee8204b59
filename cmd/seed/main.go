package main

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/troikatech/voicebridge/internal/store"
	"github.com/troikatech/voicebridge/pkg/auth"
	"github.com/troikatech/voicebridge/pkg/crypto"
	"github.com/troikatech/voicebridge/pkg/env"
	"github.com/troikatech/voicebridge/pkg/logger"
)

// Seeds a development database with a tenant, one phone number per
// provider, and an agent configuration, then prints a dashboard token.
func main() {
	cfg, err := env.Load(".env")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := logger.Init(cfg.LogLevel, cfg.AppEnv); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	var st *store.Store
	if strings.HasPrefix(cfg.DatabaseURL, "postgres") {
		st, err = store.Open(cfg.DatabaseURL, logger.Log)
	} else {
		st, err = store.OpenSQLite(cfg.DatabaseURL, logger.Log)
	}
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}

	sealer, err := crypto.NewSealer(cfg.EncryptionKey)
	if err != nil {
		log.Fatalf("Failed to derive encryption key: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tenant := &store.Tenant{
		Name:              "Troika Demo Clinic",
		DataRetentionDays: cfg.DefaultRetentionDays,
	}
	if err := st.CreateTenant(ctx, tenant); err != nil {
		log.Fatalf("Failed to create tenant: %v", err)
	}
	fmt.Printf("✅ Tenant created: %s (%s)\n", tenant.Name, tenant.ID)

	// One number per provider so every webhook route resolves in dev.
	numbers := []store.PhoneNumber{
		{TenantID: tenant.ID, Number: "+918040301234", Provider: store.ProviderExotel},
		{TenantID: tenant.ID, Number: "+14155552671", Provider: store.ProviderPlivo},
		{TenantID: tenant.ID, Number: "+14155552672", Provider: store.ProviderTwilio},
		{TenantID: tenant.ID, Number: "+442079460123", Provider: store.ProviderVonage},
	}
	for i := range numbers {
		if err := st.CreatePhoneNumber(ctx, &numbers[i]); err != nil {
			log.Fatalf("Failed to create phone number %s: %v", numbers[i].Number, err)
		}
		fmt.Printf("✅ Phone number provisioned: %s (%s)\n", numbers[i].Number, numbers[i].Provider)
	}

	// Demo keys only. Real deployments set these through PUT /api/agent-config.
	sttKey, err := sealer.Seal("dev-deepgram-key")
	if err != nil {
		log.Fatalf("Failed to seal STT key: %v", err)
	}
	ttsKey, err := sealer.Seal("dev-elevenlabs-key")
	if err != nil {
		log.Fatalf("Failed to seal TTS key: %v", err)
	}
	llmKey, err := sealer.Seal("dev-openai-key")
	if err != nil {
		log.Fatalf("Failed to seal LLM key: %v", err)
	}

	agent := &store.AgentConfig{
		TenantID:     tenant.ID,
		SystemPrompt: "You are the front-desk assistant for Troika Demo Clinic. Help callers book, move, or cancel appointments. Be brief and warm.",
		Greeting:     "Hello, thank you for calling Troika Demo Clinic. How can I help you today?",
		FallbackText: "I'm sorry, I didn't catch that. Could you say it again?",
		VoiceID:      "rachel",
		Language:     "en-IN",

		TelephonyProvider: store.ProviderExotel,

		STTProvider: "deepgram",
		TTSProvider: "elevenlabs",
		LLMProvider: "openai",
		LLMModel:    "gpt-4o-mini",

		STTKeySealed: sttKey,
		TTSKeySealed: ttsKey,
		LLMKeySealed: llmKey,

		MemoryEnabled:       true,
		ExtractionEnabled:   true,
		RecordingEnabled:    false,
		MaxCallDurationSecs: 600,
	}
	if err := st.UpsertAgentConfig(ctx, agent); err != nil {
		log.Fatalf("Failed to create agent config: %v", err)
	}
	fmt.Printf("✅ Agent config created for tenant %s\n", tenant.ID)

	token, expiresAt, err := auth.GenerateToken(
		tenant.ID,
		auth.RoleAdmin,
		cfg.JWTSecret,
		cfg.JWTIssuer,
		cfg.JWTAudience,
		24*60, // dev token, one day
	)
	if err != nil {
		log.Fatalf("Failed to mint dashboard token: %v", err)
	}

	fmt.Printf("\nDashboard token (admin, expires %s):\n", expiresAt.Format(time.RFC3339))
	fmt.Printf("   %s\n", token)
	fmt.Printf("\nTry it:\n")
	fmt.Printf("   curl -H \"Authorization: Bearer %s\" http://localhost:%s/api/calls\n", token, cfg.AppPort)
}
