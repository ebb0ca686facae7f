// Package relayer implements app.Runner for the relayer process.
package relayer

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/uptrace/bun"
	"go.uber.org/zap"

	"github.com/chainsafe/bridge-relayer/pkg/app/httpserver"
	"github.com/chainsafe/bridge-relayer/pkg/config"
	"github.com/chainsafe/bridge-relayer/pkg/db"
	"github.com/chainsafe/bridge-relayer/pkg/ethereum"
	"github.com/chainsafe/bridge-relayer/pkg/keys"
	"github.com/chainsafe/bridge-relayer/pkg/notify"
	"github.com/chainsafe/bridge-relayer/pkg/pgutil"
	"github.com/chainsafe/bridge-relayer/pkg/reconciler"
	bridge "github.com/chainsafe/bridge-relayer/pkg/relayer"
	"github.com/chainsafe/bridge-relayer/pkg/resolver"
	"github.com/chainsafe/bridge-relayer/pkg/signer"
)

const (
	defaultHTTPMiddlewareTimeout = 60 * time.Second
	notifierReadHeaderTimeout    = 10 * time.Second
)

// Server holds configuration for the relayer process.
type Server struct {
	cfg *config.Config
}

// NewServer initializes a new relayer Server.
func NewServer(cfg *config.Config) *Server {
	return &Server{cfg: cfg}
}

// components are the long-lived pieces shared by Run and Reconcile.
type components struct {
	bunDB      *bun.DB
	store      db.Store
	chains     *bridge.Registry
	machine    *bridge.Machine
	reconciler *reconciler.Reconciler
	hub        *notify.Hub
	redis      *notify.RedisPublisher
}

func (c *components) Close() {
	if c.hub != nil {
		c.hub.Close()
	}
	if c.redis != nil {
		_ = c.redis.Close()
	}
	if c.chains != nil {
		c.chains.Close()
	}
	if c.bunDB != nil {
		_ = c.bunDB.Close()
	}
}

// build connects the database and every configured chain and assembles the
// state machine and the reconciler. The caller closes the result, also when
// an error is returned.
func (s *Server) build(ctx context.Context, logger *zap.Logger, withHub bool) (*components, error) {
	cfg := s.cfg
	c := &components{}

	deployments, err := config.LoadDeployments(cfg.Bridge.DeploymentsFile)
	if err != nil {
		return c, fmt.Errorf("load deployments: %w", err)
	}

	c.bunDB, err = pgutil.ConnectDB(ctx, &cfg.Database)
	if err != nil {
		return c, fmt.Errorf("connect relayer db: %w", err)
	}
	c.store = db.NewStore(c.bunDB)
	logger.Info("Database connection established")

	key, err := keys.LoadRelayerKey(cfg.Relayer.PrivateKey, cfg.Relayer.EncryptedKey, cfg.Relayer.MasterSecret)
	if err != nil {
		return c, fmt.Errorf("load relayer key: %w", err)
	}
	sig := signer.New(key, cfg.Relayer.EthSignedMessage)
	logger.Info("Relayer key loaded", zap.String("address", sig.Address().Hex()))

	c.chains = bridge.NewRegistry()
	readers := make(map[int64]resolver.TokenReader, len(cfg.Chains))
	for _, chainCfg := range cfg.Chains {
		client, err := ethereum.NewClient(ctx, chainCfg, ethereum.Options{
			PrivateKey: key,
			Nonces:     c.store,
			RPCRetry:   cfg.Bridge.RPCRetry,
			Reconnect:  cfg.Bridge.Reconnect,
			Logger:     logger,
		})
		if err != nil {
			return c, fmt.Errorf("initialize %s client: %w", chainCfg.Name, err)
		}
		if err := c.chains.Register(client); err != nil {
			client.Close()
			return c, err
		}
		readers[chainCfg.ChainID] = client
	}

	res := resolver.New(deployments, cfg.Bridge.DefaultSymbol, readers, logger)

	var notifiers notify.Multi
	if withHub && cfg.Notifier.Enabled {
		c.hub = notify.NewHub(logger)
		notifiers = append(notifiers, c.hub)
	}
	if cfg.Notifier.RedisURL != "" {
		c.redis, err = notify.NewRedisPublisher(cfg.Notifier.RedisURL, cfg.Notifier.ChannelPrefix)
		if err != nil {
			return c, err
		}
		if err := c.redis.Ping(ctx); err != nil {
			return c, fmt.Errorf("connect notification redis: %w", err)
		}
		notifiers = append(notifiers, c.redis)
	}

	c.machine = bridge.NewMachine(c.store, c.chains, res, sig, notifiers, bridge.MachineConfig{
		MaxRetries: cfg.Bridge.MaxRetries,
		Lease:      cfg.Bridge.SubmissionLease,
		SourceWait: cfg.Bridge.SourceConfirmation,
	}, logger)
	c.reconciler = reconciler.New(c.store, c.machine, cfg.Reconciliation, logger)
	return c, nil
}

// Run starts the relayer engine, the reconciler and the HTTP servers.
// It blocks until an OS shutdown signal is received or a fatal server error occurs.
func (s *Server) Run() error {
	if s.cfg == nil {
		return fmt.Errorf("nil config")
	}
	cfg := s.cfg

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting bridge relayer", zap.Int("chains", len(cfg.Chains)))

	c, err := s.build(ctx, logger, true)
	defer c.Close()
	if err != nil {
		return err
	}

	var trigger bridge.ReconcileTrigger
	if cfg.Reconciliation.Enabled {
		trigger = c.reconciler
	}

	dispatcher := bridge.NewDispatcher(c.store, c.machine, bridge.DispatcherConfig{
		Workers:          cfg.Bridge.Workers,
		QueueSize:        cfg.Bridge.QueueSize,
		RecordVisibility: cfg.Bridge.RecordVisibility,
	}, logger)
	engine := bridge.NewEngine(c.chains, c.store, dispatcher, trigger, logger)
	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("start relayer engine: %w", err)
	}

	var wg sync.WaitGroup
	if cfg.Reconciliation.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.reconciler.Run(ctx); err != nil {
				logger.Error("Reconciler stopped", zap.Error(err))
			}
		}()
	}

	servers := []*http.Server{s.newHTTPServer(s.newRouter(c, logger))}
	if c.hub != nil {
		servers = append(servers, newNotifierServer(cfg.Notifier, c.hub))
		logger.Info("Notifier enabled",
			zap.String("address", cfg.Notifier.ListenAddr),
			zap.String("path", cfg.Notifier.Path))
	}

	err = httpserver.ServeAndWait(ctx, logger, cfg.Shutdown.Timeout, servers...)

	// stop background work before the deferred closes kick in
	stop()
	wg.Wait()
	engine.Stop()
	return err
}

// Reconcile runs a single reconciliation without starting the engine.
func (s *Server) Reconcile(opts reconciler.Options) (*reconciler.Report, error) {
	if s.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := config.NewLogger(s.cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	c, err := s.build(ctx, logger, false)
	defer c.Close()
	if err != nil {
		return nil, err
	}
	return c.reconciler.RunOnce(ctx, opts)
}

func (s *Server) newRouter(c *components, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(defaultHTTPMiddlewareTimeout))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	if s.cfg.Monitoring.Enabled {
		r.Handle("/metrics", promhttp.Handler())
		logger.Info("Metrics enabled", zap.String("path", "/metrics"))
	}

	var rec ReconcileRunner
	if s.cfg.Reconciliation.Enabled {
		rec = c.reconciler
	}
	RegisterRoutes(r, c.store, rec, logger)
	return r
}

func (s *Server) newHTTPServer(handler http.Handler) *http.Server {
	cfg := s.cfg.Server
	return &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

// newNotifierServer serves the WebSocket hub. Connections are long lived, so
// only the header read is bounded.
func newNotifierServer(cfg config.NotifierConfig, hub *notify.Hub) *http.Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle(cfg.Path, hub)
	return &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: notifierReadHeaderTimeout,
	}
}
