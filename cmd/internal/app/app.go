// Package app wires the pairchat server runtime: config, logging, stores,
// the chat HTTP API and the realtime gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"

	"pairchat/cmd/identity"
	"pairchat/cmd/internal/cache"
	"pairchat/cmd/internal/chat"
	chatapi "pairchat/cmd/internal/chat/api"
	"pairchat/cmd/internal/realtime"
	"pairchat/cmd/security/token"
)

// App is the pairchat server runtime. It owns the HTTP server, the store
// pool, the presence cache and the optional NATS relay.
type App struct {
	cfg Config
	log Logger

	stores   stores
	registry *prometheus.Registry
	presence *cache.TTL
	files    *chat.DiskStorage

	hub    *realtime.Hub
	nc     *nats.Conn
	bridge *realtime.NATSBridge

	svc *chat.Service
	api *chatapi.Handler
	ws  *realtime.WSGateway
}

// New constructs a fully wired App from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat, nil)
	}

	a := &App{cfg: cfg, log: log, registry: newRegistry(cfg.MetricsEnabled)}

	// A nil *Registry inside the interface would not read as nil.
	var reg prometheus.Registerer
	if a.registry != nil {
		reg = a.registry
	}

	st, err := openStores(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	a.stores = st

	if err := a.wire(reg); err != nil {
		a.closeResources()
		return nil, err
	}
	if err := a.bootstrapAdmin(ctx); err != nil {
		a.closeResources()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(reg prometheus.Registerer) error {
	cfg, log := a.cfg, a.log

	files, err := chat.NewDiskStorage(cfg.StorageDir, cfg.StorageBaseURL)
	if err != nil {
		return err
	}
	a.files = files

	rtMetrics := realtime.NewMetrics(reg)
	chatMetrics := chat.NewMetrics(reg)

	a.hub = realtime.NewHub(log, realtime.WithHubMetrics(rtMetrics))

	var pub chat.Publisher = a.hub
	if cfg.NATSURL != "" {
		nc, err := realtime.ConnectNATS(log, cfg.NATSURL, "pairchat")
		if err != nil {
			return err
		}
		a.nc = nc

		bridge, err := realtime.NewNATSBridge(log, nc, a.hub,
			realtime.WithSubjectPrefix(cfg.NATSSubject),
			realtime.WithBridgeMetrics(rtMetrics),
		)
		if err != nil {
			return err
		}
		if err := bridge.Start(); err != nil {
			return err
		}
		a.bridge = bridge
		pub = bridge
	}

	a.presence = cache.NewTTL()
	fanout := chat.NewFanout(log, pub, chat.WithFileURL(files.URL), chat.WithFanoutMetrics(chatMetrics))
	presence := chat.NewPresence(log, a.presence, a.stores.users, fanout,
		chat.WithPresenceTTL(cfg.PresenceTTL),
		chat.WithPresenceMetrics(chatMetrics),
	)
	a.svc = chat.NewService(log, a.stores.messages, a.stores.users, presence, fanout,
		chat.WithAttachmentStorage(files),
	)

	apiCfg := chatapi.ConfigFromEnv()
	key, err := loadTokenKey(cfg, log)
	if err != nil {
		return err
	}
	signer, err := token.NewSigner(key, apiCfg.TokenTTL)
	if err != nil {
		return err
	}
	auth := chatapi.NewTokenAuthenticator(signer, a.stores.users)

	a.api, err = chatapi.NewHandler(log, a.svc, a.stores.users, auth, apiCfg, chatapi.WithFileURL(files.URL))
	if err != nil {
		return err
	}

	a.ws = realtime.NewWSGateway(log, a.hub, auth, chat.NewGate(cfg.StrictChannels), realtime.GatewayConfigFromEnv(),
		realtime.WithPresenceTracker(a.svc),
		realtime.WithGatewayMetrics(rtMetrics),
	)
	return nil
}

// bootstrapAdmin creates the configured admin account once.
func (a *App) bootstrapAdmin(ctx context.Context) error {
	if a.cfg.AdminEmail == "" {
		return nil
	}
	if a.cfg.AdminPassword == "" {
		return errors.New("PAIRCHAT_ADMIN_EMAIL is set but PAIRCHAT_ADMIN_PASSWORD is empty")
	}

	if u, err := a.stores.users.GetUserByEmail(ctx, a.cfg.AdminEmail); err == nil {
		a.log.Info("admin.bootstrap.exists", "user_id", u.ID)
		return nil
	} else if !identity.IsNotFound(err) {
		return err
	}

	nu, err := identity.CreateUserInput{
		Name:     a.cfg.AdminName,
		Email:    a.cfg.AdminEmail,
		Role:     identity.RoleAdmin,
		Password: a.cfg.AdminPassword,
	}.Prepare()
	if err != nil {
		return fmt.Errorf("bootstrap admin: %w", err)
	}
	u, err := a.stores.users.CreateUser(ctx, nu)
	if identity.IsConflict(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("bootstrap admin: %w", err)
	}
	a.log.Info("admin.bootstrap.created", "user_id", u.ID)
	return nil
}

// Handler returns the fully wrapped HTTP handler.
func (a *App) Handler() http.Handler { return a.routes() }

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.routes(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 60*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 60*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 120*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go a.presence.Run(sweepCtx, a.log, a.cfg.PresenceSweepEvery)

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"http_url", base,
		"ws_url", wsBaseURL(base)+"/ws",
		"db_enabled", a.stores.pool != nil,
		"nats_enabled", a.bridge != nil,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		a.closeResources()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Shutdown does not wait for hijacked websocket connections.
	err := srv.Shutdown(shutdownCtx)
	if err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
	}
	a.closeResources()

	a.log.Info("server.stopped")
	return err
}

func (a *App) closeResources() {
	if a.bridge != nil {
		if err := a.bridge.Close(); err != nil {
			a.log.Warn("nats.bridge.close.fail", "err", err)
		}
	}
	if a.nc != nil {
		if err := a.nc.Drain(); err != nil {
			a.nc.Close()
		}
	}
	a.stores.close()
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
