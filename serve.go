package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/xiaot623/chatrelay/internal/auth"
	"github.com/xiaot623/chatrelay/internal/chat"
	"github.com/xiaot623/chatrelay/internal/config"
	internalhttp "github.com/xiaot623/chatrelay/internal/http"
	"github.com/xiaot623/chatrelay/internal/hub"
	"github.com/xiaot623/chatrelay/internal/lifecycle"
	"github.com/xiaot623/chatrelay/internal/logging"
	"github.com/xiaot623/chatrelay/internal/policy"
	"github.com/xiaot623/chatrelay/internal/protocol"
	"github.com/xiaot623/chatrelay/internal/provider"
	"github.com/xiaot623/chatrelay/internal/relay"
	"github.com/xiaot623/chatrelay/internal/store"
	"github.com/xiaot623/chatrelay/internal/thread"
	"github.com/xiaot623/chatrelay/internal/tools"
	"github.com/xiaot623/chatrelay/internal/travel"
	"github.com/xiaot623/chatrelay/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the WebSocket relay and the internal HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			logging.Init(cfg.LogLevel, cfg.LogFormat)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}

	f := cmd.Flags()
	f.Int("ws-port", 8090, "External WebSocket port")
	f.Int("http-port", 8091, "Internal HTTP port")
	f.String("store-backend", config.StoreRedis, "Session store: redis, sqlite or memory")
	f.String("redis-addr", "localhost:6379", "Redis address")
	f.String("takeover-policy", config.PolicyRefuse, "Second connection for a bound session: refuse or evict")
	f.String("provider", config.ProviderOpenAI, "Assistant provider: openai or mock")
	f.String("assistant-id", "", "OpenAI assistant id")
	f.String("policy-file", "", "Rego tool policy (defaults to the builtin policy)")
	f.String("log-level", "info", "Log level")
	f.String("log-format", "json", "Log format: json or text")
	return cmd
}

// deps are the long-lived resources serve owns.
type deps struct {
	store    store.SessionStore
	bus      *store.EvictionBus
	closers  []func() error
	verifier auth.Verifier
	provider provider.Provider
	policy   *policy.Engine
	tools    tools.Collaborators
}

func (d *deps) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			log.Warn().Err(err).Msg("failed to close resource")
		}
	}
}

func buildDeps(ctx context.Context, cfg *config.Config) (*deps, error) {
	d := &deps{}

	verifier, err := auth.NewJWTVerifier(cfg.AuthSecret, cfg.AuthIssuer, cfg.AuthAudience)
	if err != nil {
		return nil, err
	}
	d.verifier = verifier

	switch cfg.StoreBackend {
	case config.StoreRedis:
		client, err := store.DialRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, err
		}
		d.store = store.NewRedisStore(client, store.RedisOptions{
			Prefix:  cfg.RedisPrefix,
			TTL:     cfg.SessionTTL,
			LockTTL: cfg.LockTTL,
		})
		d.bus = store.NewEvictionBus(client, cfg.RedisPrefix)
	case config.StoreSQLite:
		st, err := store.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		d.store = st
	default:
		d.store = store.NewMemoryStore()
	}
	d.closers = append(d.closers, d.store.Close)

	d.provider = provider.New(cfg)

	engine, err := policy.LoadEngine(ctx, cfg.PolicyFile)
	if err != nil {
		d.close()
		return nil, err
	}
	d.policy = engine

	if cfg.CancellationURL != "" {
		d.tools.Itineraries = travel.NewItineraryClient(cfg.CancellationURL, nil)
	}
	if cfg.FlightStatsAppID != "" {
		d.tools.Schedules = travel.NewFlightStatsClient(cfg.FlightStatsBaseURL, cfg.FlightStatsAppID, cfg.FlightStatsAppKey, nil)
	}
	if cfg.SherpaAPIKey != "" {
		d.tools.Visas = travel.NewSherpaClient(cfg.SherpaURL, cfg.SherpaAPIKey, cfg.SherpaAffiliateID, nil)
	}
	if cfg.BookingsDSN != "" {
		repo, err := travel.OpenBookings(cfg.BookingsDriver, cfg.BookingsDSN)
		if err != nil {
			d.close()
			return nil, err
		}
		d.tools.Bookings = repo
		d.closers = append(d.closers, repo.Close)
	}
	return d, nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	log.Info().
		Int("ws_port", cfg.WSPort).
		Int("http_port", cfg.HTTPPort).
		Str("store", cfg.StoreBackend).
		Str("provider", cfg.Provider).
		Str("takeover_policy", cfg.TakeoverPolicy).
		Msg("starting chatrelay")

	d, err := buildDeps(ctx, cfg)
	if err != nil {
		return err
	}
	defer d.close()

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	connectionHub := hub.NewHub(cfg.SendBuffer)
	go connectionHub.Run(hubCtx)

	evictedFrame, err := protocol.Encode(protocol.EventError, protocol.ErrorPayload{
		Code:    protocol.ErrorCodeEvicted,
		Message: "session opened on another connection",
	})
	if err != nil {
		return err
	}
	var remote hub.Publisher
	if d.bus != nil {
		remote = d.bus
	}
	evictor := hub.NewEvictor(connectionHub, remote, evictedFrame)

	manager := lifecycle.NewManager(d.verifier, d.store, thread.NewBinder(d.provider, d.store), evictor, lifecycle.Options{
		Policy:           cfg.TakeoverPolicy,
		GreetNewSessions: cfg.GreetNewSessions,
		AckReconnects:    cfg.AckReconnects,
	})
	registry := tools.NewBuiltinRegistry(d.tools)
	log.Info().Strs("tools", registry.Names()).Msg("tool registry loaded")
	dispatcher := tools.NewDispatcher(
		registry,
		tools.WithPolicy(d.policy),
		tools.WithParallelism(cfg.ToolParallelism),
		tools.WithTimeout(cfg.ToolTimeout),
	)

	// Runs are not tied to sockets; they end with the process.
	runCtx, cancelRuns := context.WithCancel(context.Background())
	defer cancelRuns()
	svc := chat.NewService(runCtx, manager, relay.New(d.provider), dispatcher, connectionHub, chat.Options{
		Greeting: cfg.Greeting,
	})

	wsEcho := echo.New()
	wsEcho.HideBanner = true
	wsEcho.HidePort = true
	wsEcho.Use(logging.RequestLogger("ws"))
	wsEcho.Use(middleware.Recover())
	ws.NewServer(cfg, connectionHub, svc).Register(wsEcho)

	var pinger internalhttp.Pinger
	if p, ok := d.store.(internalhttp.Pinger); ok {
		pinger = p
	}
	httpServer := internalhttp.NewServer(connectionHub, pinger)

	g, gctx := errgroup.WithContext(ctx)

	if d.bus != nil {
		if err := d.bus.Subscribe(gctx, evictor.CloseRemote); err != nil {
			return err
		}
	}

	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.WSPort)
		if err := wsEcho.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "WebSocket server")
		}
		return nil
	})
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := httpServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "internal HTTP server")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down chatrelay")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := wsEcho.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("failed to shutdown WebSocket server gracefully")
		}

		bye, _ := protocol.Encode(protocol.EventError, protocol.ErrorPayload{
			Code:    protocol.ErrorCodeShutdown,
			Message: "relay is shutting down",
		})
		closed := connectionHub.CloseAll(bye)
		log.Info().Int("connections", closed).Msg("closed client connections")

		drained := make(chan struct{})
		go func() {
			svc.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-shutdownCtx.Done():
			log.Warn().Msg("abandoning runs still in flight")
			cancelRuns()
			<-drained
		}

		// The store stays open until every closed socket has released its
		// session.
		releaseCtx, cancelRelease := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelRelease()
		if err := svc.Stop(releaseCtx); err != nil {
			log.Warn().Err(err).Msg("sessions left bound at shutdown")
		}

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("failed to shutdown HTTP server gracefully")
		}
		return nil
	})

	err = g.Wait()
	log.Info().Msg("chatrelay stopped")
	return err
}
