package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/luxfi/database/manager"
	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"

	"github.com/luxfi/cdp/pkg/api"
	"github.com/luxfi/cdp/pkg/cdp"
	"github.com/luxfi/cdp/pkg/events"
	"github.com/luxfi/cdp/pkg/metrics"
	"github.com/luxfi/cdp/pkg/store"
)

const (
	defaultDataDir     = ".cdpd"
	defaultHTTPPort    = 8080
	defaultMetricsPort = 9090
)

type Config struct {
	DataDir  string
	LogLevel string

	HTTPPort      int
	MetricsPort   int
	EnableMetrics bool

	NATSURL string

	// Assets is a comma-separated list of symbol:price pairs used to
	// bootstrap the registry with manual feeds, e.g. "ETH:2000,BTC:30000".
	Assets string
}

func parseFlags() *Config {
	cfg := &Config{}
	flag.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "Data directory under $HOME")
	flag.StringVar(&cfg.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "JSON-RPC and websocket port")
	flag.IntVar(&cfg.MetricsPort, "metrics-port", defaultMetricsPort, "Prometheus metrics port")
	flag.BoolVar(&cfg.EnableMetrics, "metrics", true, "Enable Prometheus metrics server")
	flag.StringVar(&cfg.NATSURL, "nats", "", "NATS URL for event publishing (empty disables)")
	flag.StringVar(&cfg.Assets, "assets", "ETH:2000,BTC:30000", "Collateral assets as symbol:price pairs")
	flag.Parse()
	return cfg
}

type node struct {
	config  *Config
	logger  log.Logger
	engine  *cdp.Engine
	feeds   map[string]*cdp.ManualFeed
	tokens  map[string]*cdp.MemoryToken
	stable  *cdp.MemoryStable
	store   *store.Store
	feed    *api.EventFeed
	metrics *metrics.Metrics
	nc      *nats.Conn

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newNode(cfg *Config) (*node, error) {
	level, _ := log.ToLevel(cfg.LogLevel)
	logger := log.NewTestLogger(level)
	logger.Info("Initializing cdpd")

	dataPath := filepath.Join(os.Getenv("HOME"), cfg.DataDir)
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbManager := manager.NewManager(dataPath, nil)
	dbConfig := manager.DefaultBadgerDBConfig("badgerdb")
	dbConfig.Namespace = "cdpd"
	db, err := dbManager.New(dbConfig)
	if err != nil {
		logger.Warn("Failed to open BadgerDB", "error", err)
		memConfig := manager.DefaultMemoryConfig()
		db, err = dbManager.New(memConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create database: %w", err)
		}
		logger.Info("Using in-memory database")
	} else {
		logger.Info("BadgerDB initialized", "path", filepath.Join(dataPath, "badgerdb"))
	}

	assets, feeds, manualFeeds, err := parseAssets(cfg.Assets)
	if err != nil {
		return nil, err
	}
	registry, err := cdp.NewRegistry(assets, feeds)
	if err != nil {
		return nil, err
	}

	tokens := make(map[string]*cdp.MemoryToken, len(assets))
	gateways := make(map[string]cdp.CollateralGateway, len(assets))
	for _, asset := range assets {
		token := cdp.NewMemoryToken()
		tokens[asset] = token
		gateways[asset] = token
	}
	stable := cdp.NewMemoryStable()

	ledgerStore := store.New(db, logger.New("module", "store"))
	ledger := cdp.NewLedger()
	if err := ledgerStore.Load(ledger); err != nil {
		return nil, fmt.Errorf("failed to load ledger state: %w", err)
	}

	feed := api.NewEventFeed(logger.New("module", "feed"))

	m, err := metrics.New("cdp", logger.New("module", "metrics"))
	if err != nil {
		return nil, err
	}

	sinks := events.Multi{m, feed}

	var nc *nats.Conn
	if cfg.NATSURL != "" {
		nc, err = nats.Connect(cfg.NATSURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		logger.Info("NATS connected", "url", cfg.NATSURL)
		sinks = append(sinks, events.NewNATSSink(nc, "cdp", logger.New("module", "events")))
	}

	persist := &persistSink{store: ledgerStore, ledger: ledger, assets: assets, logger: logger}
	sinks = append(sinks, persist)

	engine, err := cdp.NewEngine(cdp.Config{
		Registry:   registry,
		Ledger:     ledger,
		Stable:     stable,
		Collateral: gateways,
		Sink:       sinks,
		Logger:     logger.New("module", "cdp"),
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &node{
		config:  cfg,
		logger:  logger,
		engine:  engine,
		feeds:   manualFeeds,
		tokens:  tokens,
		stable:  stable,
		store:   ledgerStore,
		feed:    feed,
		metrics: m,
		nc:      nc,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// parseAssets turns "ETH:2000,BTC:30000" into registry inputs. Prices
// are human scale and stored at feed precision.
func parseAssets(raw string) ([]string, []*cdp.FeedAdapter, map[string]*cdp.ManualFeed, error) {
	var assets []string
	var adapters []*cdp.FeedAdapter
	manual := make(map[string]*cdp.ManualFeed)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, ":", 2)
		if len(parts) != 2 {
			return nil, nil, nil, fmt.Errorf("invalid asset pair %q, want symbol:price", pair)
		}
		symbol := strings.TrimSpace(parts[0])
		value, err := parseScaled(strings.TrimSpace(parts[1]), cdp.FeedDecimals)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("invalid price for %s: %w", symbol, err)
		}
		feed := cdp.NewManualFeed(value)
		assets = append(assets, symbol)
		adapters = append(adapters, cdp.NewFeedAdapter(feed))
		manual[symbol] = feed
	}
	if len(assets) == 0 {
		return nil, nil, nil, fmt.Errorf("no collateral assets configured")
	}
	return assets, adapters, manual, nil
}

// persistSink snapshots the touched accounts after every committed
// mutation.
type persistSink struct {
	store  *store.Store
	ledger *cdp.Ledger
	assets []string
	logger log.Logger
}

func (p *persistSink) Publish(ev cdp.Event) {
	for _, user := range []string{ev.User, ev.From, ev.To} {
		if user == "" {
			continue
		}
		if err := p.store.SaveAccount(p.ledger, p.assets, user); err != nil {
			p.logger.Error("failed to persist account", "user", user, "error", err)
		}
	}
}

func (n *node) start() {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.feed.Run(n.ctx)
	}()

	mux := http.NewServeMux()
	mux.Handle("/rpc", api.NewJSONRPCServer(n.engine, n.logger.New("module", "api")))
	mux.Handle("/ws", n.feed)
	mux.Handle("/admin", &adminHandler{node: n, logger: n.logger.New("module", "admin")})
	rpcServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", n.config.HTTPPort),
		Handler: mux,
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.logger.Info("JSON-RPC server listening", "port", n.config.HTTPPort)
		if err := rpcServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			n.logger.Error("JSON-RPC server failed", "error", err)
		}
	}()

	var metricsServer *http.Server
	if n.config.EnableMetrics {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", n.metrics.Handler())
		metricsServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", n.config.MetricsPort),
			Handler: metricsMux,
		}
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.logger.Info("Metrics server listening", "port", n.config.MetricsPort)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				n.logger.Error("Metrics server failed", "error", err)
			}
		}()
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		<-n.ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rpcServer.Shutdown(shutdownCtx)
		if metricsServer != nil {
			metricsServer.Shutdown(shutdownCtx)
		}
	}()
}

func (n *node) stop() {
	n.cancel()
	n.wg.Wait()
	if err := n.store.Save(n.engine.Ledger(), n.engine.Registry().Assets()); err != nil {
		n.logger.Error("failed to save final ledger snapshot", "error", err)
	}
	if n.nc != nil {
		n.nc.Close()
	}
	n.logger.Info("cdpd stopped")
}

func main() {
	cfg := parseFlags()

	n, err := newNode(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cdpd: %v\n", err)
		os.Exit(1)
	}

	n.start()
	n.logger.Info("cdpd started",
		"assets", n.engine.Registry().Assets(),
		"httpPort", cfg.HTTPPort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	n.logger.Info("Shutting down")
	n.stop()
}
