package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"

	"github.com/plpfi/vault/pkg/api"
	"github.com/plpfi/vault/pkg/feed"
	"github.com/plpfi/vault/pkg/history"
	"github.com/plpfi/vault/pkg/metrics"
	"github.com/plpfi/vault/pkg/store"
	"github.com/plpfi/vault/pkg/vault"
	"github.com/plpfi/vault/pkg/websocket"
)

const (
	defaultDataDir = ".plpd"
	defaultPort    = 8080
	defaultWSPort  = 8081
)

type Config struct {
	// Paths
	DataDir    string
	AssetsFile string
	LogLevel   string

	// Network
	HTTPPort    int
	WSPort      int
	MetricsPort int
	NATSUrl     string

	// Vault
	Cooldown         time.Duration
	SnapshotInterval time.Duration

	// Features
	EnableMetrics bool
	EnableNATS    bool
	EnableDebug   bool
}

// PLPDNode hosts the vault, its LP manager, and every serving surface.
type PLPDNode struct {
	config *Config
	store  *store.Store
	oracle *vault.StaticOracle
	vault  *vault.Vault
	lp     *vault.LpManager
	logger log.Logger

	wsServer  *websocket.Server
	metrics   *metrics.VaultMetrics
	history   *history.Aggregator
	natsConn  *nats.Conn
	priceFeed *feed.PriceFeed

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// multiPublisher fans committed vault events to every attached publisher.
type multiPublisher []vault.Publisher

func (m multiPublisher) Publish(e vault.Event) {
	for _, p := range m {
		p.Publish(e)
	}
}

// assetSpec is the on-disk whitelist entry. Amount fields are decimal
// strings in whole units.
type assetSpec struct {
	Symbol       string `json:"symbol"`
	Decimals     uint8  `json:"decimals"`
	Weight       uint64 `json:"weight"`
	MinProfitBps uint64 `json:"minProfitBps"`
	MaxDebtUsdp  string `json:"maxDebtUsdp,omitempty"`
	BufferAmount string `json:"bufferAmount,omitempty"`
	IsStable     bool   `json:"isStable"`
	IsShortable  bool   `json:"isShortable"`
	Price        string `json:"price,omitempty"`
}

func defaultAssets() []assetSpec {
	return []assetSpec{
		{Symbol: "USDC", Decimals: 6, Weight: 100, IsStable: true, Price: "1"},
		{Symbol: "USDT", Decimals: 6, Weight: 100, IsStable: true, Price: "1"},
		{Symbol: "BTC", Decimals: 8, Weight: 150, IsShortable: true},
		{Symbol: "ETH", Decimals: 18, Weight: 150, IsShortable: true},
	}
}

func loadAssets(path string) ([]assetSpec, error) {
	if path == "" {
		return defaultAssets(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read assets file: %w", err)
	}
	var file struct {
		Assets []assetSpec `json:"assets"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse assets file: %w", err)
	}
	if len(file.Assets) == 0 {
		return nil, fmt.Errorf("assets file lists no assets")
	}
	return file.Assets, nil
}

func parseUnits(s string, decimals int32) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, err
	}
	return d.Shift(decimals).Truncate(0).BigInt(), nil
}

func NewPLPDNode(config *Config) (*PLPDNode, error) {
	level, _ := log.ToLevel(config.LogLevel)
	logger := log.NewTestLogger(level)
	logger.Info("Initializing PLPD node")

	dataPath := filepath.Join(os.Getenv("HOME"), config.DataDir)
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := store.Open(dataPath, logger)
	if err != nil {
		return nil, err
	}
	st := store.New(db, logger)

	oracle := vault.NewStaticOracle()
	v := vault.NewVault(vault.DefaultVaultConfig(), oracle)
	lp := vault.NewLpManager(v, config.Cooldown)

	specs, err := loadAssets(config.AssetsFile)
	if err != nil {
		return nil, err
	}
	for _, spec := range specs {
		cfg := &vault.AssetConfig{
			Symbol:       spec.Symbol,
			Decimals:     spec.Decimals,
			Weight:       spec.Weight,
			MinProfitBps: spec.MinProfitBps,
			IsStable:     spec.IsStable,
			IsShortable:  spec.IsShortable,
		}
		if spec.MaxDebtUsdp != "" {
			if cfg.MaxDebt, err = parseUnits(spec.MaxDebtUsdp, vault.USDPDecimals); err != nil {
				return nil, fmt.Errorf("asset %s maxDebtUsdp: %w", spec.Symbol, err)
			}
		}
		if spec.BufferAmount != "" {
			if cfg.BufferAmount, err = parseUnits(spec.BufferAmount, int32(spec.Decimals)); err != nil {
				return nil, fmt.Errorf("asset %s bufferAmount: %w", spec.Symbol, err)
			}
		}
		v.WhitelistAsset(cfg)

		if spec.Price != "" {
			price, err := parseUnits(spec.Price, vault.PricePrecisionDecimals)
			if err != nil {
				return nil, fmt.Errorf("asset %s price: %w", spec.Symbol, err)
			}
			oracle.SetSpotPrice(spec.Symbol, price)
		}
		logger.Info("Asset whitelisted",
			"symbol", spec.Symbol,
			"decimals", spec.Decimals,
			"weight", spec.Weight,
			"stable", spec.IsStable,
			"shortable", spec.IsShortable)
	}

	// Resume from the last snapshot when one exists.
	snap, err := st.LoadSnapshot()
	if err != nil {
		logger.Warn("Failed to load snapshot", "error", err)
	} else if snap != nil {
		v.Restore(snap)
		if lpSnap, err := st.LoadLpSnapshot(); err == nil && lpSnap != nil {
			lp.Restore(lpSnap)
		}
		at, _ := st.SavedAt()
		logger.Info("State restored", "savedAt", at, "assets", len(snap.AssetList))
	} else {
		logger.Info("No previous state found, starting fresh")
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &PLPDNode{
		config:  config,
		store:   st,
		oracle:  oracle,
		vault:   v,
		lp:      lp,
		history: history.NewAggregator(logger, db),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

func (n *PLPDNode) Start() error {
	n.logger.Info("Starting PLPD node",
		"dataDir", filepath.Join(os.Getenv("HOME"), n.config.DataDir),
		"httpPort", n.config.HTTPPort,
		"wsPort", n.config.WSPort,
		"cooldown", n.config.Cooldown)

	publishers := multiPublisher{}

	// Candle history
	if err := n.history.Start(); err != nil {
		return err
	}
	publishers = append(publishers, n.history)

	// WebSocket fanout
	n.wsServer = websocket.NewServer(n.vault, n.logger, websocket.DefaultConfig())
	publishers = append(publishers, n.wsServer)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.wsServer.Start(n.config.WSPort); err != nil {
			n.logger.Error("WebSocket server error", "error", err)
		}
	}()

	// Prometheus metrics
	if n.config.EnableMetrics {
		m, err := metrics.NewVaultMetrics("plpd")
		if err != nil {
			return fmt.Errorf("failed to create metrics: %w", err)
		}
		n.metrics = m
		publishers = append(publishers, m)
		if err := m.StartServer(fmt.Sprintf("%d", n.config.MetricsPort)); err != nil {
			return err
		}
		n.wg.Add(2)
		go func() {
			defer n.wg.Done()
			m.CollectVaultMetrics(n.ctx, n.vault, n.lp, 5*time.Second)
		}()
		go func() {
			defer n.wg.Done()
			m.CollectSystemMetrics(n.ctx)
		}()
	}

	// NATS: outbound events and inbound prices
	if n.config.EnableNATS {
		nc, err := nats.Connect(n.config.NATSUrl)
		if err != nil {
			n.logger.Warn("NATS unavailable, continuing without it", "error", err)
		} else {
			n.natsConn = nc
			var recorder feed.Recorder
			if n.metrics != nil {
				recorder = n.metrics
			}
			publishers = append(publishers, feed.NewEventPublisher(nc, n.logger, recorder))
			n.priceFeed = feed.NewPriceFeed(nc, n.oracle, n.logger, recorder)
			if err := n.priceFeed.Start(); err != nil {
				return err
			}
			n.logger.Info("NATS connected", "url", n.config.NATSUrl)
		}
	}

	n.vault.SetPublisher(publishers)

	// JSON-RPC API
	rpcServer := api.NewJSONRPCServer(n.vault, n.lp, n.logger).WithHistory(n.history)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := api.StartJSONRPCServer(n.ctx, n.config.HTTPPort, rpcServer, n.logger); err != nil {
			n.logger.Error("JSON-RPC server error", "error", err)
		}
	}()

	// Periodic snapshot persistence
	n.wg.Add(1)
	go n.runSnapshotLoop()

	// Status printer
	n.wg.Add(1)
	go n.printStats()

	n.logger.Info("PLPD node started successfully")
	return nil
}

func (n *PLPDNode) runSnapshotLoop() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.config.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.saveSnapshot()
		}
	}
}

func (n *PLPDNode) saveSnapshot() {
	start := time.Now()
	if err := n.store.SaveSnapshot(n.vault.Snapshot(), n.lp.Snapshot()); err != nil {
		n.logger.Error("Failed to save snapshot", "error", err)
		return
	}
	if n.config.EnableDebug {
		n.logger.Debug("Snapshot saved", "took", time.Since(start))
	}
}

func (n *PLPDNode) printStats() {
	defer n.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	startTime := time.Now()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			aum := n.lp.GetAum(true)
			n.logger.Info("PLPD Node Status",
				"uptime", fmt.Sprintf("%.0fs", time.Since(startTime).Seconds()),
				"assets", len(n.vault.Assets()),
				"positions", len(n.vault.Positions()),
				"usdpSupply", formatUnits(n.vault.USDPSupply(), vault.USDPDecimals),
				"plpSupply", formatUnits(n.lp.PlpSupply(), vault.USDPDecimals),
				"aumUsd", formatUnits(aum, vault.PricePrecisionDecimals))
			if n.metrics != nil {
				n.metrics.LogMetrics()
			}
		}
	}
}

func formatUnits(v *big.Int, decimals int32) string {
	return decimal.NewFromBigInt(v, -decimals).String()
}

func (n *PLPDNode) Shutdown() {
	n.logger.Info("Shutting down PLPD node...")

	if n.priceFeed != nil {
		n.priceFeed.Stop()
	}
	if n.natsConn != nil {
		n.natsConn.Drain()
	}
	if n.wsServer != nil {
		n.wsServer.Stop()
	}
	n.history.Stop()

	n.cancel()
	n.wg.Wait()

	// Final snapshot before the database closes.
	n.saveSnapshot()
	if err := n.store.Close(); err != nil {
		n.logger.Error("Failed to close database", "error", err)
	}

	n.logger.Info("PLPD node shutdown complete")
}

func main() {
	config := &Config{
		DataDir: defaultDataDir,
	}

	flag.StringVar(&config.DataDir, "data-dir", defaultDataDir, "Data directory (relative to $HOME)")
	flag.StringVar(&config.AssetsFile, "assets", "", "Asset whitelist JSON file (built-in defaults when empty)")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")

	flag.IntVar(&config.HTTPPort, "http-port", defaultPort, "HTTP API port")
	flag.IntVar(&config.WSPort, "ws-port", defaultWSPort, "WebSocket port")
	flag.IntVar(&config.MetricsPort, "metrics-port", 9090, "Prometheus metrics port")
	flag.StringVar(&config.NATSUrl, "nats", nats.DefaultURL, "NATS server URL")

	cooldown := flag.Duration("cooldown", vault.DefaultCooldown, "Liquidity withdrawal cooldown")
	snapshotInterval := flag.Duration("snapshot-interval", time.Minute, "State snapshot interval")

	flag.BoolVar(&config.EnableMetrics, "enable-metrics", true, "Enable Prometheus metrics")
	flag.BoolVar(&config.EnableNATS, "enable-nats", true, "Enable NATS event and price feeds")
	flag.BoolVar(&config.EnableDebug, "debug", false, "Enable debug logging")

	flag.Parse()

	config.LogLevel = *logLevel
	config.Cooldown = *cooldown
	config.SnapshotInterval = *snapshotInterval

	rootLogger := log.Root()
	rootLogger.Info(`
╔══════════════════════════════════════════╗
║          PLPD - PLP Vault Node           ║
║                                          ║
║    Single-Pool Collateral Vault (USDP)   ║
║      Swaps | Leverage | LP Shares        ║
╚══════════════════════════════════════════╝`)

	rootLogger.Info("System information",
		"platform", fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
		"cpus", runtime.NumCPU(),
		"dataDir", filepath.Join(os.Getenv("HOME"), config.DataDir))

	node, err := NewPLPDNode(config)
	if err != nil {
		rootLogger.Crit("Failed to create node", "error", err)
		os.Exit(1)
	}

	if err := node.Start(); err != nil {
		rootLogger.Crit("Failed to start node", "error", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	rootLogger.Info("Received shutdown signal", "signal", sig)

	node.Shutdown()
}
