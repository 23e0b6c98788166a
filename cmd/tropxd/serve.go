package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	socketio "github.com/googollee/go-socket.io"
	"github.com/spf13/cobra"

	"github.com/tropx/fleet/fleet"
	"github.com/tropx/fleet/internal/broadcast"
	"github.com/tropx/fleet/internal/config"
	"github.com/tropx/fleet/internal/connqueue"
	"github.com/tropx/fleet/internal/reconnect"
	"github.com/tropx/fleet/internal/registry"
	"github.com/tropx/fleet/internal/scanner"
	"github.com/tropx/fleet/internal/state"
	"github.com/tropx/fleet/internal/transport/goble"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the fleet daemon",
	Long: `Run the fleet daemon: burst scanning, connection management, reconnection,
and a socket.io event feed for clients.

Endpoints:
  /socket.io/   socket.io event feed (orientation, status, battery, recording)
  /status       JSON snapshot of the fleet and every known sensor`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}

	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}

	tr, err := goble.New(logger)
	if err != nil {
		return fmt.Errorf("failed to open BLE transport: %w", err)
	}
	defer tr.Close()

	store := state.NewStore(logger)
	queue := connqueue.New(store, nil, connqueue.Options{
		ConfirmInterval: cfg.Queue.ConfirmInterval,
		ConfirmTimeout:  cfg.Queue.ConfirmTimeout,
		SettleDelay:     cfg.Queue.SettleDelay,
	}, logger)

	sched, err := scanner.New(tr, store, scanner.Options{
		ActiveWindow:       cfg.Scanner.ActiveWindow,
		IdleGap:            cfg.Scanner.IdleGap,
		MinRestartInterval: cfg.Scanner.MinRestartInterval,
		RSSIFloor:          cfg.Scanner.RSSIFloor,
		NamePatterns:       cfg.Scanner.NamePatterns,
	}, logger)
	if err != nil {
		return err
	}

	recon := reconnect.New(store, queue, sched, tr, reconnect.Options{
		BaseDelay:     cfg.Reconnect.BaseDelay,
		MaxDelay:      cfg.Reconnect.MaxDelay,
		MaxAttempts:   cfg.Reconnect.MaxAttempts,
		RescanTimeout: cfg.Reconnect.RescanTimeout,
		HandleTTL:     cfg.Reconnect.HandleTTL,
	}, logger)

	reg, err := registry.New(logger, cfg.Scanner.NamePatterns...)
	if err != nil {
		return err
	}

	sio := socketio.NewServer(nil)
	caster := broadcast.NewThrottler(
		broadcast.NewSocketIO(sio, logger),
		cfg.Broadcast.RatePerSec,
		logger,
	)

	fl, err := fleet.New(fleet.Options{
		Store:           store,
		Queue:           queue,
		Scanner:         sched,
		Reconnector:     recon,
		Transport:       tr,
		Registry:        reg,
		Broadcaster:     caster,
		Logger:          logger,
		PreflightRounds: cfg.Fleet.PreflightRounds,
		PollInterval:    cfg.Fleet.PollInterval,
	})
	if err != nil {
		return err
	}
	fl.EnableBurst()

	go func() {
		if serr := sio.Serve(); serr != nil {
			logger.WithError(serr).Error("socket.io server stopped")
		}
	}()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.GET("/socket.io/*any", gin.WrapH(sio))
	router.POST("/socket.io/*any", gin.WrapH(sio))
	router.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"fleet":   store.GlobalState(),
			"session": fl.SessionID(),
			"devices": store.List(),
		})
	})

	srv := &http.Server{Addr: cfg.Broadcast.BindAddr, Handler: router}
	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", cfg.Broadcast.BindAddr).Info("Fleet daemon listening")
		errCh <- srv.ListenAndServe()
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			fl.Close()
			return fmt.Errorf("http server failed: %w", err)
		}
	}

	// Fleet teardown first so the last status events flush before the
	// broadcaster goes away.
	fl.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("HTTP shutdown incomplete")
	}
	return nil
}
