package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/kpalumbo/helpline/internal/archive"
	"github.com/kpalumbo/helpline/internal/call"
	"github.com/kpalumbo/helpline/internal/config"
	"github.com/kpalumbo/helpline/internal/dialog"
	"github.com/kpalumbo/helpline/internal/httpapi"
	"github.com/kpalumbo/helpline/internal/intent"
	"github.com/kpalumbo/helpline/internal/kb"
	"github.com/kpalumbo/helpline/internal/observability"
	"github.com/kpalumbo/helpline/internal/reliability"
	"github.com/kpalumbo/helpline/internal/session"
	"github.com/kpalumbo/helpline/internal/speech"
	"github.com/kpalumbo/helpline/internal/ticket"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	invoker := reliability.NewInvoker(metrics)
	invoker.Register("kb", cfg.KBPolicy)
	invoker.Register("nlu", cfg.NLUPolicy)
	invoker.Register("tts", cfg.TTSPolicy)
	invoker.Register("ticket", cfg.TicketPolicy)

	ctx := context.Background()

	var store *archive.Store
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		store, err = archive.NewStore(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("call archive init failed: %v", err)
		}
		defer store.Close()
		log.Printf("call archive: postgres")
	} else {
		log.Printf("call archive: disabled (DATABASE_URL not set)")
	}

	var (
		sttProvider speech.STTProvider
		synthesizer speech.Synthesizer
	)

	speechMode := strings.ToLower(strings.TrimSpace(cfg.SpeechProvider))
	if speechMode == "" {
		speechMode = "auto"
	}

	tryElevenLabs := func() bool {
		if strings.TrimSpace(cfg.STTAPIKey) == "" {
			return false
		}
		sttProvider = speech.NewStreamProvider(speech.StreamConfig{
			APIKey:    cfg.STTAPIKey,
			WSBaseURL: cfg.STTWSBaseURL,
			ModelID:   cfg.STTModelID,
		})
		ttsKey := cfg.TTSAPIKey
		if strings.TrimSpace(ttsKey) == "" {
			ttsKey = cfg.STTAPIKey
		}
		synthesizer = speech.NewTTSClient(speech.TTSConfig{
			APIKey:  ttsKey,
			BaseURL: cfg.TTSBaseURL,
			VoiceID: cfg.TTSVoiceID,
		})
		log.Printf("speech provider: elevenlabs realtime")
		return true
	}

	switch speechMode {
	case "elevenlabs":
		if !tryElevenLabs() {
			log.Fatalf("SPEECH_PROVIDER=elevenlabs but STT_API_KEY is not set")
		}
	case "mock":
		p := speech.NewMockProvider()
		sttProvider = p
		synthesizer = p
		log.Printf("speech provider: mock")
	case "auto":
		if tryElevenLabs() {
			break
		}
		p := speech.NewMockProvider()
		sttProvider = p
		synthesizer = p
		log.Printf("speech provider: mock (no STT_API_KEY)")
	default:
		log.Fatalf("invalid SPEECH_PROVIDER: %q (expected auto|elevenlabs|mock)", cfg.SpeechProvider)
	}

	kbClient := kb.NewClient(kb.ClientConfig{
		BaseURL:  cfg.KayakoBaseURL,
		Email:    cfg.KayakoEmail,
		Password: cfg.KayakoPassword,
	})
	resolver := kb.NewResolver(kbClient, invoker, metrics, kb.ResolverConfig{
		MatchFloor:   cfg.KBMatchFloor,
		PageSize:     cfg.KBPageSize,
		CacheTTL:     cfg.KBCacheTTL,
		CacheMaxSize: cfg.KBCacheMaxEntries,
	})

	var extractor intent.Extractor
	if strings.TrimSpace(cfg.OpenAIAPIKey) != "" {
		extractor = intent.NewOpenAIExtractor(cfg.OpenAIAPIKey, cfg.OpenAIModel, invoker, cfg.IntentUnknownFloor)
		log.Printf("intent extractor: openai (%s)", cfg.OpenAIModel)
	} else {
		extractor = intent.NewRuleExtractor(cfg.IntentUnknownFloor)
		log.Printf("intent extractor: rules (no OPENAI_API_KEY)")
	}

	ticketAPI := ticket.NewClient(cfg.TicketBaseURL, cfg.TicketBearerToken)
	submitter := ticket.NewSubmitter(ticketAPI, invoker, metrics, cfg.TicketLookupByPhone)

	dispatcher := speech.NewDispatcher(synthesizer, invoker, metrics, speech.FallbackAudio())
	dispatcher.Prewarm(ctx, dialog.CannedPhrases())

	budgets := dialog.Budgets{
		Turn:          cfg.TurnBudget,
		Clarify:       cfg.ClarifyBudget,
		ConfirmRetry:  cfg.ConfirmRetryBudget,
		ContactPrompt: cfg.ContactPromptBudget,
	}
	policies := func() *dialog.Policy {
		return dialog.NewPolicy(extractor, resolver, metrics, budgets)
	}

	sessions := session.NewManager(cfg.MaxConcurrentCalls, cfg.SessionIdleTimeout)
	orchestrator := call.NewOrchestrator(
		sessions,
		sttProvider,
		dispatcher,
		policies,
		submitter,
		store,
		metrics,
		cfg.SilenceTimeout,
	)
	sessions.SetExpireHook(orchestrator.Expire)

	api := httpapi.New(cfg, sessions, orchestrator, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	sessions.StartJanitor(runCtx, 5*time.Second)

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
