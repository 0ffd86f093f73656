package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"

	"calsync/internal/config"
	"calsync/internal/jobs"
	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/provider"
	"calsync/internal/store"
	syncpkg "calsync/internal/sync"
	"calsync/internal/token"
	"calsync/internal/web"
	"calsync/internal/webhook"
)

type flagConfig struct {
	configPath string
	listen     string
	debug      bool
}

func main() {
	appLog.Info("calsync starting", "version", "0.1.0-dev")

	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}

	// CLI --listen overrides config file listen if provided.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if flags.debug {
		appLog.SetLevel(appLog.LevelDebug)
	} else {
		appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))
	}

	appLog.Info("effective config",
		"listen", conf.Listen,
		"log_level", conf.LogLevel,
		"sync_cron", conf.SyncCron,
		"renewal_cron", conf.RenewalCron,
		"window_days", conf.FullResyncWindowDays,
		"webhook_base_url", conf.WebhookBaseURL,
	)

	db, err := store.Open(conf.DatabaseDSN)
	if err != nil {
		appLog.Error("failed to open database", err)
		os.Exit(1)
	}

	tokens := token.NewGate(db, &token.OAuthRefresher{
		Configs: oauthConfigs(conf),
	})

	adapters := map[model.Provider]provider.Adapter{
		model.ProviderGoogle:    &provider.GoogleAdapter{},
		model.ProviderMicrosoft: &provider.MSGraphAdapter{},
		model.ProviderICS:       &provider.ICSAdapter{},
	}

	orch := syncpkg.NewOrchestrator(db, adapters, tokens, syncpkg.Options{
		Timeout:    time.Duration(conf.SyncTimeoutSeconds) * time.Second,
		WindowDays: conf.FullResyncWindowDays,
	})

	transports := map[model.Provider]webhook.Transport{
		model.ProviderGoogle:    &webhook.GoogleTransport{},
		model.ProviderMicrosoft: &webhook.GraphTransport{},
	}
	webhooks := webhook.NewManager(db, transports, tokens, orch, conf.WebhookBaseURL)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	sched := jobs.New(conf, db, orch, webhooks)
	if err := sched.Start(ctx); err != nil {
		appLog.Error("failed to start scheduler", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              conf.Listen,
		Handler:           web.NewServer(conf, db, orch, webhooks).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		appLog.Info("http server listening", "addr", conf.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLog.Error("http server failed", err)
			cancel()
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLog.Warn("http shutdown incomplete", "error", err.Error())
	}
	sched.Stop()
	appLog.Info("calsync exiting")
}

// oauthConfigs builds the OAuth2 client configuration per provider. ICS
// feeds carry no OAuth identity and get no entry.
func oauthConfigs(conf *config.Config) map[model.Provider]*oauth2.Config {
	configs := make(map[model.Provider]*oauth2.Config)
	if conf.GoogleClientID != "" {
		configs[model.ProviderGoogle] = &oauth2.Config{
			ClientID:     conf.GoogleClientID,
			ClientSecret: conf.GoogleClientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       []string{"https://www.googleapis.com/auth/calendar.readonly"},
		}
	}
	if conf.MicrosoftClientID != "" {
		configs[model.ProviderMicrosoft] = &oauth2.Config{
			ClientID:     conf.MicrosoftClientID,
			ClientSecret: conf.MicrosoftClientSecret,
			Endpoint:     microsoft.AzureADEndpoint("common"),
			Scopes:       []string{"offline_access", "https://graph.microsoft.com/Calendars.Read"},
		}
	}
	return configs
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/calsync/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.debug, "debug", false, "Enable debug logging")

	flag.Parse()

	return cfg
}
