package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RelayConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "volare_relay_connections",
		Help: "Number of relays per connection status.",
	}, []string{"status"})

	SubscriptionsIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "volare_subscriptions_issued_total",
		Help: "Subscriptions sent to relays.",
	}, []string{"status"})

	BatcherWindows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "volare_batcher_windows_total",
		Help: "Coalescing windows processed by the subscription batcher.",
	}, []string{"result"})

	BatcherFilters = promauto.NewCounter(prometheus.CounterOpts{
		Name: "volare_batcher_filters_total",
		Help: "Filters emitted by the subscription batcher.",
	})

	EventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "volare_events_ingested_total",
		Help: "Events received from relays by kind and outcome.",
	}, []string{"kind", "outcome"})

	Publishes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "volare_publishes_total",
		Help: "Publish attempts by kind and result.",
	}, []string{"kind", "result"})

	SweepRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "volare_sweep_runs_total",
		Help: "Storage sweeps by result.",
	}, []string{"result"})

	SweptRows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "volare_swept_root_posts_total",
		Help: "Root posts deleted by the sweeper.",
	})

	IdentitySwitches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "volare_identity_switches_total",
		Help: "Identity switch requests by result.",
	}, []string{"result"})
)

// Handler returns the prometheus scrape handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes /metrics on addr until ctx is cancelled
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
