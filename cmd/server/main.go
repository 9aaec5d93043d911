package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"daftar/internal/app"
	"daftar/internal/config"
	"daftar/internal/httpapi"
	"daftar/internal/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("server stopped with error", zap.Error(err))
	}
	log.Info("server stopped")
}

func run(cfg config.Config, log *zap.Logger) error {
	if err := validateSecurityConfig(cfg); err != nil {
		return fmt.Errorf("invalid security configuration: %w", err)
	}
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bootCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	a, err := app.New(bootCtx, cfg, log)
	cancel()
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn("close error", zap.Error(err))
		}
	}()

	if err := a.Start(ctx); err != nil {
		log.Warn("starting offline", zap.Error(err))
	}

	auth, err := httpapi.NewAuthManager(cfg.AuthSecret, cfg.TokenTTL(), cfg.UnlockPIN, a.AccountID)
	if err != nil {
		return err
	}
	api := httpapi.New(a.Coordinator, auth, httpapi.Options{
		AccountID:     a.AccountID,
		AllowedOrigin: cfg.AllowedOrigin,
		Logger:        log.Named("http"),
	})
	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	if listener := a.Listener(); listener != nil {
		g.Go(func() error {
			return listener.Run(gctx)
		})
	}
	g.Go(func() error {
		log.Info("daftar listening", zap.String("addr", cfg.Address()), zap.String("account", a.AccountID))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if len(cfg.UnlockPIN) < 6 {
		return fmt.Errorf("UNLOCK_PIN must be set and at least 6 digits")
	}
	if err := validatePINStrength(cfg.UnlockPIN); err != nil {
		return fmt.Errorf("UNLOCK_PIN is too weak: %w", err)
	}
	return nil
}

// validatePINStrength rejects PINs that are all the same digit,
// sequential, or from a known-weak list.
func validatePINStrength(pin string) error {
	known := map[string]bool{
		"123456": true, "654321": true, "000000": true, "111111": true,
		"121212": true, "112233": true, "123123": true, "159753": true,
	}
	if known[pin] {
		return fmt.Errorf("common PIN not allowed")
	}

	allSame := true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("all-same-digit PIN not allowed")
	}

	ascending, descending := true, true
	for i := 1; i < len(pin); i++ {
		diff := int(pin[i]) - int(pin[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	if ascending || descending {
		return fmt.Errorf("sequential PIN not allowed")
	}
	return nil
}
