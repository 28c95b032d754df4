package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/Rajchodisetti/signal-engine/internal/adapters"
	"github.com/Rajchodisetti/signal-engine/internal/admission"
	"github.com/Rajchodisetti/signal-engine/internal/config"
	"github.com/Rajchodisetti/signal-engine/internal/dedupe"
	"github.com/Rajchodisetti/signal-engine/internal/ingest"
	"github.com/Rajchodisetti/signal-engine/internal/observ"
	"github.com/Rajchodisetti/signal-engine/internal/outbox"
	"github.com/Rajchodisetti/signal-engine/internal/plan"
	"github.com/Rajchodisetti/signal-engine/internal/pnl"
	"github.com/Rajchodisetti/signal-engine/internal/store"
	"github.com/Rajchodisetti/signal-engine/internal/trade"
	"github.com/Rajchodisetti/signal-engine/internal/transport"
)

// ConfigPath is the YAML file the service loads; empty means defaults plus env.
type ConfigPath string

// Options assembles the whole service.
func Options(path string) fx.Option {
	return fx.Options(
		fx.Supply(ConfigPath(path)),
		fx.WithLogger(func(l *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: l.Named("fx")}
		}),
		ConfigModule(),
		StoreModule(),
		AdmissionModule(),
		EngineModule(),
		PnLModule(),
		HTTPModule(),
	)
}

func ConfigModule() fx.Option {
	return fx.Module("config",
		fx.Provide(
			func(p ConfigPath) (config.Root, error) {
				return config.Load(string(p))
			},
			func(cfg config.Root) *zap.Logger {
				return observ.InitLogger(cfg.LogLevel)
			},
		),
	)
}

func StoreModule() fx.Option {
	return fx.Module("store",
		fx.Provide(NewStore),
	)
}

// NewStore opens the configured store and closes it when the app stops.
func NewStore(lc fx.Lifecycle, cfg config.Root) (store.Store, error) {
	var st store.Store
	switch cfg.Store.Driver {
	case "postgres":
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		pool, err := store.NewPool(ctx, store.PoolConfig{DSN: cfg.Store.DSN, MaxConns: cfg.Store.MaxConns})
		if err != nil {
			return nil, fmt.Errorf("failed to create pool: %w", err)
		}
		pg := store.NewPostgres(store.NewTxManager(pool))
		if cfg.Store.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				pg.Close()
				return nil, err
			}
		}
		st = pg
	default:
		st = store.NewMemory()
	}
	observ.Log("store_opened", map[string]any{"driver": cfg.Store.Driver})

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			st.Close()
			return nil
		},
	})
	return st, nil
}

func AdmissionModule() fx.Option {
	return fx.Module("admission",
		fx.Provide(
			func(cfg config.Root) (*plan.StaticResolver, error) {
				return cfg.Resolver()
			},
			func(r *plan.StaticResolver) plan.Resolver { return r },
			NewAdmission,
		),
	)
}

// NewAdmission builds the controller and installs the configured credentials.
func NewAdmission(cfg config.Root, plans plan.Resolver) (*admission.Controller, error) {
	ctrl := admission.NewController(plans)
	n, err := cfg.SeedCredentials(context.Background(), ctrl)
	if err != nil {
		return nil, err
	}
	observ.Log("credentials_seeded", map[string]any{"count": n})
	return ctrl, nil
}

func EngineModule() fx.Option {
	return fx.Module("engine",
		fx.Provide(
			NewJournal,
			NewEngine,
			func(cfg config.Root) *dedupe.Detector {
				return dedupe.NewDetector(cfg.Dedupe.Window, cfg.Dedupe.Retain)
			},
			NewOrchestrator,
		),
	)
}

// NewJournal returns nil when the outbox is disabled.
func NewJournal(cfg config.Root) (*outbox.Outbox, error) {
	if !cfg.Outbox.Enabled {
		return nil, nil
	}
	ob, err := outbox.New(cfg.Outbox.Path)
	if err != nil {
		return nil, fmt.Errorf("open outbox: %w", err)
	}
	return ob, nil
}

// NewEngine restores open trades on start and drains the reorder buffer on stop.
func NewEngine(lc fx.Lifecycle, cfg config.Root, st store.Store, journal *outbox.Outbox) *trade.Engine {
	var opts []trade.Option
	if journal != nil {
		opts = append(opts, trade.WithOnApply(ingest.JournalApplied(journal)))
	}
	engine := trade.NewEngine(st, cfg.Engine, opts...)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			open, err := st.ListOpenTrades(ctx)
			if err != nil {
				return fmt.Errorf("restore open trades: %w", err)
			}
			engine.Restore(open)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return engine.Flush(ctx)
		},
	})
	return engine
}

func NewOrchestrator(admit *admission.Controller, st store.Store, detector *dedupe.Detector, engine *trade.Engine, journal *outbox.Outbox) *ingest.Orchestrator {
	var opts []ingest.Option
	if journal != nil {
		opts = append(opts, ingest.WithJournal(journal))
	}
	return ingest.New(admit, st, detector, engine, opts...)
}

func PnLModule() fx.Option {
	return fx.Module("pnl",
		fx.Provide(
			NewPriceSource,
			NewTracker,
		),
	)
}

// NewPriceSource builds the configured provider. With backups the http
// providers are chained behind a failover source.
func NewPriceSource(cfg config.Root) (adapters.PriceSource, error) {
	pc := cfg.PriceSource
	if pc.Kind != "http" {
		return adapters.NewMockPriceSource(), nil
	}
	primary, err := adapters.NewHTTPPriceSource(pc.HTTP)
	if err != nil {
		return nil, err
	}
	if len(pc.Backups) == 0 {
		return primary, nil
	}

	chain := []adapters.NamedSource{{Name: "primary", Source: primary}}
	for i, b := range pc.Backups {
		src, err := adapters.NewHTTPPriceSource(b)
		if err != nil {
			return nil, fmt.Errorf("backup %d: %w", i+1, err)
		}
		chain = append(chain, adapters.NamedSource{Name: fmt.Sprintf("backup-%d", i+1), Source: src})
	}
	return adapters.NewFailoverSource(pc.Health, chain...)
}

// NewTracker runs the poll loop for the lifetime of the app.
func NewTracker(lc fx.Lifecycle, cfg config.Root, engine *trade.Engine, source adapters.PriceSource) *pnl.Tracker {
	tracker := pnl.NewTracker(engine, source, cfg.PnL)

	var (
		cancel context.CancelFunc
		done   = make(chan struct{})
	)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			go func() {
				defer close(done)
				if err := tracker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					observ.LogError("pnl_tracker_stopped", err, nil)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
	return tracker
}

func HTTPModule() fx.Option {
	return fx.Module("http",
		fx.Provide(NewServer, RunHTTP),
		fx.Invoke(func(*Listener) {}),
	)
}

func NewServer(cfg config.Root, orch *ingest.Orchestrator, engine *trade.Engine, admit *admission.Controller, tracker *pnl.Tracker, st store.Store, source adapters.PriceSource) *transport.Server {
	if strings.EqualFold(cfg.LogLevel, "debug") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	return transport.NewServer(transport.Config{
		HeartbeatInterval: cfg.Server.HeartbeatInterval,
		MaxBodyBytes:      cfg.Server.MaxBodyBytes,
		AdminToken:        cfg.Server.AdminToken,
	}, transport.Deps{
		Ingest:      orch,
		Trades:      engine,
		Credentials: admit,
		PnL:         tracker,
		Health:      healthDetails(st, engine, admit, source),
	})
}

func healthDetails(st store.Store, engine *trade.Engine, admit *admission.Controller, source adapters.PriceSource) func() map[string]any {
	return func() map[string]any {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		d := map[string]any{
			"open_trades":     len(engine.OpenTrades()),
			"pending_signals": engine.Pending(),
			"credentials":     admit.Len(),
			"store":           "ok",
		}
		if err := st.Ping(ctx); err != nil {
			d["store"] = err.Error()
			d["degraded"] = true
		}
		if fo, ok := source.(*adapters.FailoverSource); ok {
			d["price_providers"] = fo.Health()
			if fo.Degraded() {
				d["degraded"] = true
			}
		}
		return d
	}
}

// Listener exposes the bound address, which differs from the configured one for ":0".
type Listener struct {
	addr net.Addr
}

func (l *Listener) Addr() string {
	if l.addr == nil {
		return ""
	}
	return l.addr.String()
}

// RunHTTP serves the router between start and stop.
func RunHTTP(lc fx.Lifecycle, cfg config.Root, srv *transport.Server) *Listener {
	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		// no WriteTimeout: it would cut the SSE stream
	}
	httpSrv.RegisterOnShutdown(srv.CloseStreams)
	bound := &Listener{}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", cfg.Server.Addr)
			if err != nil {
				return err
			}
			bound.addr = ln.Addr()
			observ.Log("http_listening", map[string]any{"addr": bound.Addr()})
			go func() {
				if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					observ.LogError("http_serve_failed", err, nil)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
			defer cancel()
			return httpSrv.Shutdown(ctx)
		},
	})
	return bound
}
