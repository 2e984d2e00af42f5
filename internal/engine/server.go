package engine

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/selahapp/selah-go/internal/authn"
	"github.com/selahapp/selah-go/internal/billing"
	"github.com/selahapp/selah-go/internal/logging"
	"github.com/selahapp/selah-go/internal/session"
	"github.com/selahapp/selah-go/internal/store"
	"github.com/selahapp/selah-go/internal/usage"
)

// Run starts the engine HTTP server with graceful shutdown.
func Run(ctx context.Context, version string) error {
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     envOrDefault("SELAH_LOG_LEVEL", "info"),
		Component: "engine",
	})

	log.Info().Str("version", version).Msg("Starting Selah entitlement engine")

	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	provider := billing.NewStripeProvider(cfg.StripeAPIKey)
	billingSvc := billing.NewService(st, provider, billing.PriceTable{
		SingleItem:          cfg.PriceSingleItem,
		AnnualPass:          cfg.PriceAnnualPass,
		MonthlySubscription: cfg.PriceMonthlySub,
	})

	deps := &Deps{
		Config:   cfg,
		Store:    st,
		Verifier: authn.NewVerifier(cfg.AuthJWTSecret, cfg.AuthIssuer),
		Billing:  billingSvc,
		Webhook:  billing.NewWebhookHandler(cfg.StripeWebhookSecret, billingSvc),
		Sessions: session.NewRegistry(st, cfg.SessionCap, cfg.SignOutPolicy),
		Abuse:    session.NewAbuseDetector(st, cfg.AbuseThreshold, cfg.AbuseWindow),
		Usage:    usage.NewLedger(st, cfg.DailyQuota),
		Version:  version,
	}

	mux := http.NewServeMux()
	RegisterRoutes(mux, deps)

	addr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Derived context for background goroutines.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go deps.Abuse.RunPruner(ctx)

	go func() {
		log.Info().Str("addr", addr).Msg("Engine listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		log.Info().Msg("Context cancelled, shutting down...")
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down...")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	cancel()
	log.Info().Msg("Engine stopped")
	return nil
}
