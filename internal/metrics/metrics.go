package metrics

import (
	"errors"
	"strconv"
	"time"

	"github.com/fachebot/evm-swap-engine/internal/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	quoteRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "swapengine",
			Subsystem: "quote",
			Name:      "requests_total",
			Help:      "Total number of router quote requests",
		},
		[]string{"chain", "status"}, // success, cached, error
	)

	quoteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "swapengine",
			Subsystem: "quote",
			Name:      "duration_seconds",
			Help:      "Router quote latency in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"chain"},
	)

	approvalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "swapengine",
			Subsystem: "allowance",
			Name:      "approvals_total",
			Help:      "Total number of approval transactions",
		},
		[]string{"chain", "status"}, // success, rejected, error
	)

	swapTransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "swapengine",
			Subsystem: "swap",
			Name:      "transactions_total",
			Help:      "Total number of swap transactions",
		},
		[]string{"chain", "from_asset", "to_asset", "status"}, // success, rejected, error
	)

	liquidityPositions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "swapengine",
			Subsystem: "liquidity",
			Name:      "positions",
			Help:      "Number of pools with a non-zero LP balance for the tracked account",
		},
		[]string{"chain"},
	)
)

// Register 注册所有指标, 重复注册会被忽略
func Register() {
	registerIfNotExists(collectors.NewGoCollector(), "go_collector")
	registerIfNotExists(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}), "process_collector")
	registerIfNotExists(quoteRequestsTotal, "quote_requests_total")
	registerIfNotExists(quoteDuration, "quote_duration_seconds")
	registerIfNotExists(approvalsTotal, "approvals_total")
	registerIfNotExists(swapTransactionsTotal, "swap_transactions_total")
	registerIfNotExists(liquidityPositions, "liquidity_positions")
}

func registerIfNotExists(collector prometheus.Collector, name string) {
	if err := prometheus.Register(collector); err != nil {
		var alreadyRegErr prometheus.AlreadyRegisteredError
		if errors.As(err, &alreadyRegErr) {
			logger.Debugf("[Metrics] %s already registered", name)
		} else {
			logger.Errorf("[Metrics] Failed to register %s: %v", name, err)
		}
	}
}

func chainLabel(chainId int64) string {
	return strconv.FormatInt(chainId, 10)
}

func RecordQuote(chainId int64, status string, duration time.Duration) {
	quoteRequestsTotal.WithLabelValues(chainLabel(chainId), status).Inc()
	if duration > 0 {
		quoteDuration.WithLabelValues(chainLabel(chainId)).Observe(duration.Seconds())
	}
}

func RecordApproval(chainId int64, status string) {
	approvalsTotal.WithLabelValues(chainLabel(chainId), status).Inc()
}

func RecordSwap(chainId int64, fromAsset, toAsset, status string) {
	swapTransactionsTotal.WithLabelValues(chainLabel(chainId), fromAsset, toAsset, status).Inc()
}

func SetLiquidityPositions(chainId int64, count int) {
	liquidityPositions.WithLabelValues(chainLabel(chainId)).Set(float64(count))
}
