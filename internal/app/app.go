package app

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lukasbauer/callassist/internal/crm"
	"github.com/lukasbauer/callassist/internal/eventlog"
	"github.com/lukasbauer/callassist/internal/httpapi"
	"github.com/lukasbauer/callassist/internal/llm"
	"github.com/lukasbauer/callassist/internal/notifications"
	"github.com/lukasbauer/callassist/internal/orchestrator"
	"github.com/lukasbauer/callassist/internal/store"
	"github.com/lukasbauer/callassist/internal/stt"
)

type App struct {
	cfg      Config
	logger   *log.Logger
	db       *pgxpool.Pool // nil without DATABASE_URL
	store    *store.Store
	eventLog *eventlog.Logger
	discord  *notifications.Discord
	orch     *orchestrator.Orchestrator
}

func New(cfg Config, logger *log.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	var db *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		var err error
		db, err = pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := db.Ping(ctx); err != nil {
			db.Close()
			return nil, err
		}
		if err := eventlog.Migrate(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
		logger.Printf("event log enabled")
	}

	tokens, err := salesforceTokens(cfg)
	if err != nil {
		if db != nil {
			db.Close()
		}
		return nil, err
	}

	// Shared HTTP client with connection pooling for the OpenAI and
	// Salesforce REST calls.
	httpClient := &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   20,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   5 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}

	s := store.New()
	el := eventlog.New(db)
	discord := notifications.NewDiscord(cfg.DiscordWebhookURL, logger)

	orch := orchestrator.New(orchestrator.Config{
		Dialer: stt.NewDeepgramDialer(stt.DeepgramConfig{
			APIKey:    cfg.DeepgramAPIKey,
			URL:       cfg.DeepgramURL,
			Model:     cfg.DeepgramModel,
			Punctuate: true,
		}, logger),
		Suggester: llm.NewOpenAIClient(llm.OpenAIConfig{
			APIKey:     cfg.OpenAIAPIKey,
			Model:      cfg.OpenAIModel,
			BaseURL:    cfg.OpenAIBaseURL,
			Timeout:    cfg.SuggestionTimeout,
			HTTPClient: httpClient,
		}),
		Persister: crm.NewSalesforceClient(crm.SalesforceConfig{
			InstanceURL: cfg.SFInstanceURL,
			Tokens:      tokens,
			Timeout:     cfg.PersistTimeout,
			HTTPClient:  httpClient,
		}),
		Store:                  s,
		Events:                 el,
		Alerts:                 discord,
		Logger:                 logger,
		AgentScript:            cfg.AgentScript,
		DialTimeout:            cfg.DialTimeout,
		SuggestionTimeout:      cfg.SuggestionTimeout,
		PersistTimeout:         cfg.PersistTimeout,
		MaxInflightSuggestions: cfg.MaxInflightSuggestions,
	})

	return &App{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		store:    s,
		eventLog: el,
		discord:  discord,
		orch:     orch,
	}, nil
}

func salesforceTokens(cfg Config) (crm.TokenSource, error) {
	if !cfg.UsesJWTBearer() {
		return crm.StaticToken(cfg.SFAccessToken), nil
	}
	key, err := crm.LoadRSAPrivateKey(cfg.SFPrivateKeyPath)
	if err != nil {
		return nil, err
	}
	return crm.NewJWTBearer(crm.JWTBearerConfig{
		LoginURL:   cfg.SFLoginURL,
		ClientID:   cfg.SFClientID,
		Username:   cfg.SFUsername,
		PrivateKey: key,
	}), nil
}

func (a *App) Router() http.Handler {
	routerCfg := httpapi.RouterConfig{
		PublicBaseURL:   a.cfg.PublicBaseURL,
		TwilioAuthToken: a.cfg.TwilioAuthToken,
		AgentDialNumber: a.cfg.AgentDialNumber,
		AdminToken:      a.cfg.AdminToken,
	}
	return httpapi.NewRouter(routerCfg, a.logger, a.orch, a.eventLog)
}

// Drain stops accepting calls and waits until every open call has ended and
// been persisted. Calls still open when ctx expires are finalized so their
// transcripts are saved.
func (a *App) Drain(ctx context.Context) {
	a.orch.StartDraining()
	open := a.orch.ActiveCallIDs()
	a.logger.Printf("draining: %d active call(s) %v", len(open), open)
	if len(open) > 0 {
		a.discord.NotifyDraining(ctx, open)
	}

	if err := a.orch.WaitIdle(ctx); err != nil {
		a.logger.Printf("draining: timed out with calls %v open, finalizing", a.orch.ActiveCallIDs())
		a.orch.StopAll(context.WithoutCancel(ctx))
		return
	}
	a.logger.Printf("draining: all calls finished")
}

func (a *App) Close() error {
	// Let late suggestions and async writes settle before the pool goes away.
	a.orch.Wait()
	a.eventLog.Wait()
	a.discord.Wait()
	if a.db != nil {
		a.db.Close()
	}
	return nil
}
