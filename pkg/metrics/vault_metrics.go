package metrics

import (
	"context"
	"math/big"
	"net/http"
	"runtime"
	"time"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/plpfi/vault/pkg/vault"
)

// VaultMetrics exposes vault state over Prometheus
type VaultMetrics struct {
	namespace string
	registry  *prometheus.Registry
	gatherer  prometheus.Gatherer
	logger    log.Logger

	// Operation counters
	mintsProcessed    prometheus.Counter
	redeemsProcessed  prometheus.Counter
	swapsProcessed    prometheus.Counter
	positionIncreases prometheus.Counter
	positionDecreases prometheus.Counter
	liquidations      prometheus.Counter

	// Pool gauges
	poolAmount     prometheus.GaugeVec
	reservedAmount prometheus.GaugeVec
	usdpDebt       prometheus.GaugeVec
	usdpSupply     prometheus.Gauge
	plpSupply      prometheus.Gauge
	aumUsd         prometheus.Gauge
	openPositions  prometheus.Gauge

	// Network metrics
	natsPublished prometheus.Counter
	natsReceived  prometheus.Counter

	// System metrics
	memoryUsage prometheus.Gauge
	goroutines  prometheus.Gauge
}

// NewVaultMetrics creates the metric set on a private registry
func NewVaultMetrics(namespace string) (*VaultMetrics, error) {
	logger := log.Root().New("module", "metrics")
	logger.Info("Initializing vault metrics")

	registry := prometheus.NewRegistry()

	m := &VaultMetrics{
		namespace: namespace,
		registry:  registry,
		gatherer:  registry,
		logger:    logger,

		mintsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mints_total",
			Help:      "Total USDP mints processed",
		}),

		redeemsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redeems_total",
			Help:      "Total USDP redemptions processed",
		}),

		swapsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swaps_total",
			Help:      "Total asset swaps processed",
		}),

		positionIncreases: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "position_increases_total",
			Help:      "Total position increases",
		}),

		positionDecreases: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "position_decreases_total",
			Help:      "Total position decreases",
		}),

		liquidations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liquidations_total",
			Help:      "Total positions liquidated",
		}),

		poolAmount: *prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_amount",
			Help:      "Pool amount in whole asset units",
		}, []string{"asset"}),

		reservedAmount: *prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reserved_amount",
			Help:      "Reserved amount in whole asset units",
		}, []string{"asset"}),

		usdpDebt: *prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "usdp_debt",
			Help:      "USDP debt attributed to the asset",
		}, []string{"asset"}),

		usdpSupply: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "usdp_supply",
			Help:      "Total USDP in circulation",
		}),

		plpSupply: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "plp_supply",
			Help:      "Outstanding PLP shares",
		}),

		aumUsd: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "aum_usd",
			Help:      "Assets under management in USD (max variant)",
		}),

		openPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_positions",
			Help:      "Number of open leveraged positions",
		}),

		natsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nats_messages_published_total",
			Help:      "Total NATS messages published",
		}),

		natsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nats_messages_received_total",
			Help:      "Total NATS messages received",
		}),

		memoryUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_usage_bytes",
			Help:      "Current memory usage in bytes",
		}),

		goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "goroutines_count",
			Help:      "Current number of goroutines",
		}),
	}

	registry.MustRegister(
		m.mintsProcessed,
		m.redeemsProcessed,
		m.swapsProcessed,
		m.positionIncreases,
		m.positionDecreases,
		m.liquidations,
		m.poolAmount,
		m.reservedAmount,
		m.usdpDebt,
		m.usdpSupply,
		m.plpSupply,
		m.aumUsd,
		m.openPositions,
		m.natsPublished,
		m.natsReceived,
		m.memoryUsage,
		m.goroutines,
	)

	logger.Info("Vault metrics initialized successfully")
	return m, nil
}

// StartServer starts Prometheus metrics server
func (m *VaultMetrics) StartServer(port string) error {
	m.logger.Info("Starting Prometheus metrics server", "port", port)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	go func() {
		if err := http.ListenAndServe(":"+port, mux); err != nil {
			m.logger.Error("Metrics server failed", "error", err)
		}
	}()

	m.logger.Info("Prometheus metrics available",
		"endpoint", "http://localhost:"+port+"/metrics")

	return nil
}

// Publish implements vault.Publisher, counting committed operations. It is
// meant to sit in a publisher chain next to the outward-facing publishers.
func (m *VaultMetrics) Publish(e vault.Event) {
	switch ev := e.(type) {
	case *vault.MintEvent:
		m.mintsProcessed.Inc()
	case *vault.RedeemEvent:
		m.redeemsProcessed.Inc()
	case *vault.SwapEvent:
		m.swapsProcessed.Inc()
	case *vault.PositionEvent:
		switch ev.Type {
		case "increase":
			m.positionIncreases.Inc()
		case "decrease":
			m.positionDecreases.Inc()
		case "liquidate":
			m.liquidations.Inc()
		}
	}
}

// RecordNATSMessage records NATS message metrics
func (m *VaultMetrics) RecordNATSMessage(direction string) {
	switch direction {
	case "published":
		m.natsPublished.Inc()
	case "received":
		m.natsReceived.Inc()
	}
}

// CollectVaultMetrics refreshes the pool gauges from vault state
func (m *VaultMetrics) CollectVaultMetrics(ctx context.Context, v *vault.Vault, lp *vault.LpManager, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, asset := range v.Assets() {
				cfg, ok := v.AssetConfigFor(asset)
				if !ok {
					continue
				}
				scale := new(big.Float).SetInt(pow10(cfg.Decimals))
				m.poolAmount.WithLabelValues(asset).Set(scaledFloat(v.PoolAmount(asset), scale))
				m.reservedAmount.WithLabelValues(asset).Set(scaledFloat(v.ReservedAmount(asset), scale))
				m.usdpDebt.WithLabelValues(asset).Set(scaledFloat(v.Debt(asset), usdpScale))
			}
			m.usdpSupply.Set(scaledFloat(v.USDPSupply(), usdpScale))
			m.plpSupply.Set(scaledFloat(lp.PlpSupply(), usdpScale))
			m.aumUsd.Set(scaledFloat(lp.GetAum(true), usdScale))
			m.openPositions.Set(float64(len(v.Positions())))
		}
	}
}

// CollectSystemMetrics collects system-level metrics
func (m *VaultMetrics) CollectSystemMetrics(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var memStats runtime.MemStats
			runtime.ReadMemStats(&memStats)
			m.memoryUsage.Set(float64(memStats.Alloc))
			m.goroutines.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// LogMetrics logs a metrics snapshot
func (m *VaultMetrics) LogMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.logger.Info("Current metrics snapshot",
		"memory_mb", memStats.Alloc/1024/1024,
		"goroutines", runtime.NumGoroutine(),
	)
}

var (
	usdpScale = new(big.Float).SetInt(pow10(vault.USDPDecimals))
	usdScale  = new(big.Float).SetInt(pow10(vault.PricePrecisionDecimals))
)

func pow10(n uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

func scaledFloat(v *big.Int, scale *big.Float) float64 {
	f := new(big.Float).SetInt(v)
	f.Quo(f, scale)
	out, _ := f.Float64()
	return out
}
