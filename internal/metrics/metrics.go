// Package metrics exposes the oracle's Prometheus counters and the HTTP
// endpoint that serves them.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "availability_oracle"

var (
	reconcileRunsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconcile_runs_total",
		Help:      "Number of reconciliation runs started.",
	})
	reconcileRunsOK = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconcile_runs_ok",
		Help:      "Number of reconciliation runs that completed successfully.",
	})
	reconcileRunsErr = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconcile_runs_err",
		Help:      "Number of reconciliation runs aborted by a fatal error.",
	})
	reconcileRunsIPFSErr = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconcile_runs_ipfs_err",
		Help:      "Number of deployments skipped in a run due to a non-verdict content fetch error.",
	})
	ipfsRequestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ipfs_requests_total",
		Help:      "Number of content fetches that missed the in-process cache.",
	})
	ipfsCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ipfs_cache_hits",
		Help:      "Number of content fetches served from the in-process cache.",
	})
	deniedSubgraphsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "denied_subgraphs_total",
		Help:      "Number of deployment deny-flag flips successfully submitted on chain.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileRunsTotal,
		reconcileRunsOK,
		reconcileRunsErr,
		reconcileRunsIPFSErr,
		ipfsRequestsTotal,
		ipfsCacheHits,
		deniedSubgraphsTotal,
	)
}

// ReconcileRunsTotal increments the started-runs counter.
func ReconcileRunsTotal() { reconcileRunsTotal.Inc() }

// ReconcileRunsOK increments the successful-runs counter.
func ReconcileRunsOK() { reconcileRunsOK.Inc() }

// ReconcileRunsErr increments the aborted-runs counter.
func ReconcileRunsErr() { reconcileRunsErr.Inc() }

// ReconcileRunsIPFSErr increments the per-deployment skip counter.
func ReconcileRunsIPFSErr() { reconcileRunsIPFSErr.Inc() }

// IPFSRequestsTotal increments the cache-miss counter.
func IPFSRequestsTotal() { ipfsRequestsTotal.Inc() }

// IPFSCacheHits increments the cache-hit counter.
func IPFSCacheHits() { ipfsCacheHits.Inc() }

// DeniedSubgraphsTotal increments the submitted-flip counter by n.
func DeniedSubgraphsTotal(n int) { deniedSubgraphsTotal.Add(float64(n)) }

// Config describes the metrics endpoint: a service the operator may
// enable and bind to one or more addresses.
type Config struct {
	Enabled   bool
	Addresses []string
}

// Serve starts the metrics HTTP endpoint on every configured address if
// enabled, logging but not failing the process on a listener error.
func Serve(ctx context.Context, cfg Config, logger *zap.Logger) {
	if !cfg.Enabled {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	for _, addr := range cfg.Addresses {
		srv := &http.Server{Addr: addr, Handler: mux}
		go func(srv *http.Server) {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server stopped", zap.String("addr", srv.Addr), zap.Error(err))
			}
		}(srv)
		go func(srv *http.Server) {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}(srv)
		logger.Info("metrics endpoint listening", zap.String("addr", addr))
	}
}
