package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/finagent/finagent/agent/decider"
	"github.com/finagent/finagent/agent/llm"
	"github.com/finagent/finagent/agent/loop"
	"github.com/finagent/finagent/agent/prompt"
	"github.com/finagent/finagent/agent/retrieval"
	statex "github.com/finagent/finagent/agent/state"
	"github.com/finagent/finagent/agent/summarizer"
	"github.com/finagent/finagent/agent/tool"
	"github.com/finagent/finagent/api"
	configx "github.com/finagent/finagent/pkg/config"
	_ "github.com/finagent/finagent/pkg/logger/autoload"
	openrouterx "github.com/finagent/finagent/pkg/openrouter"
)

type AppConfig struct {
	HTTPAddr string `envconfig:"HTTP_ADDR" split_words:"true" default:":8080"`
	// SessionStore selects memory or postgres.
	SessionStore string `envconfig:"SESSION_STORE" split_words:"true" default:"memory"`
	// ReportsDir, when set, is ingested into the vector index at startup.
	ReportsDir      string        `envconfig:"REPORTS_DIR" split_words:"true"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" split_words:"true" default:"10s"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appCfg := configx.MustNew[AppConfig]("")
	llmCfg := configx.MustNew[llm.Config]("LLM")
	if err := llmCfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid llm config")
	}
	loopCfg := configx.MustNew[loop.Config]("LOOP")
	lockCfg := configx.MustNew[statex.LockConfig]("SESSION_LOCK")
	vecCfg := configx.MustNew[retrieval.VecConfig]("INDEX")
	marketCfg := configx.MustNew[tool.MarketDataConfig]("MARKET_DATA")
	reportCfg := configx.MustNew[tool.ReportWriterConfig]("REPORT")

	prompts := prompt.LoadPromptSet()

	deciderCfg := llmCfg.OpenRouterFor(llm.RoleDecider)
	dec, err := decider.New(ctx, &deciderCfg, prompts.Decider)
	if err != nil {
		log.Fatal().Err(err).Msg("build decider")
	}

	summarizerCfg := llmCfg.OpenRouterFor(llm.RoleSummarizer)
	sum, err := summarizer.New(ctx, &summarizerCfg, prompts.Summarizer)
	if err != nil {
		log.Fatal().Err(err).Msg("build summarizer")
	}

	index, err := retrieval.OpenVecIndex(*vecCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("open vector index")
	}
	defer index.Close()

	openaiClient := openrouterx.NewClient(deciderCfg)
	if openaiClient == nil {
		log.Fatal().Msg("openrouter client requires an api key")
	}
	embedder, err := retrieval.NewOpenAIEmbedder(openaiClient, llmCfg.EmbeddingModel)
	if err != nil {
		log.Fatal().Err(err).Msg("build embedder")
	}
	gateway := retrieval.NewGateway(embedder, index, loopCfg.RetrievalK)

	if dir := strings.TrimSpace(appCfg.ReportsDir); dir != "" {
		if _, err := retrieval.NewIngestor(index, embedder).IngestDir(ctx, dir); err != nil {
			log.Fatal().Err(err).Str("dir", dir).Msg("ingest report corpus")
		}
	}

	registry := tool.NewRegistry()
	registry.MustRegister(tool.NewCalculator())
	registry.MustRegister(tool.NewClock(nil))
	registry.MustRegister(tool.NewReportWriter(*reportCfg, nil).Definition())
	if strings.TrimSpace(marketCfg.BaseURL) != "" {
		marketClient, err := tool.NewMarketDataClient(*marketCfg)
		if err != nil {
			log.Fatal().Err(err).Msg("build market data client")
		}
		registry.MustRegister(marketClient.Definition())
	} else {
		log.Warn().Msg("market data tool disabled, no base url configured")
	}

	store, cleanup, err := buildStore(ctx, appCfg.SessionStore)
	if err != nil {
		log.Fatal().Err(err).Msg("build session store")
	}
	defer cleanup()

	locks, err := statex.NewLockManager(*lockCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("build lock manager")
	}

	runner, err := loop.New(dec, gateway, registry, sum, *loopCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("build loop runner")
	}

	health := func(c echo.Context) error {
		_, err := index.Count(c.Request().Context())
		return err
	}
	server, err := api.NewServer(store, locks, runner, health)
	if err != nil {
		log.Fatal().Err(err).Msg("build http server")
	}

	go func() {
		log.Info().Str("addr", appCfg.HTTPAddr).Msg("listening")
		if err := server.Start(appCfg.HTTPAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server stopped")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), appCfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown")
	}
}

func buildStore(ctx context.Context, backend string) (statex.Store, func(), error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", "memory":
		return statex.NewMemoryStore(), func() {}, nil
	case "postgres":
		pgCfg := configx.MustNew[statex.PGConfig]("SESSION_PG")
		pg, err := statex.NewPGStore(*pgCfg)
		if err != nil {
			return nil, nil, err
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return nil, nil, err
		}
		return pg, func() { pg.Close() }, nil
	default:
		return nil, nil, errors.New("unknown session store backend: " + backend)
	}
}
