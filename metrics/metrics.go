// Package metrics exposes node counters in the Prometheus text format.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	log "github.com/sirupsen/logrus"
)

const namespace = "floodmesh"

var (
	Registry = prometheus.NewRegistry()

	MessagesPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_published_total",
		Help:      "Messages originated by this node.",
	})

	MessagesDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_delivered_total",
		Help:      "Messages handed to the local application.",
	})

	MessagesDuplicate = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_duplicate_total",
		Help:      "Inbound messages dropped because their id was already seen.",
	})

	MessagesForwarded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_forwarded_total",
		Help:      "Per-neighbour copies sent while flooding.",
	})

	MessagesInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_invalid_total",
		Help:      "Inbound messages dropped because they failed validation.",
	})

	PeersDiscovered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "peers_discovered_total",
		Help:      "Peers that became live through discovery.",
	})

	PeersExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "peers_expired_total",
		Help:      "Peers dropped after their announcement TTL lapsed.",
	})

	AnnouncementsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "announcements_dropped_total",
		Help:      "Discovery datagrams dropped as malformed or rate limited.",
	})

	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connections",
		Help:      "Established secure connections.",
	})

	HandshakeFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "handshake_failures_total",
		Help:      "Failed secure channel handshakes by failure kind.",
	}, []string{"kind"})

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Process uptime in seconds.",
	}, func() float64 { return time.Since(startTime).Seconds() })
)

func init() {
	Registry.MustRegister(
		MessagesPublished, MessagesDelivered, MessagesDuplicate, MessagesForwarded, MessagesInvalid,
		PeersDiscovered, PeersExpired, AnnouncementsDropped,
		Connections, HandshakeFailures, uptime,
	)
}

func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	})
	defer stop()

	log.Infof("Serving metrics on http://%s/metrics", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
