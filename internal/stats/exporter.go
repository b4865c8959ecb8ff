package stats

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/veesix-networks/ipv6-dhcpd/pkg/logger"
)

// Exporter serves the counters over HTTP in prometheus format. Optional;
// only started when the configuration names a listen address.
type Exporter struct {
	addr   string
	server *http.Server
	stats  *Server
	log    *slog.Logger
}

func NewExporter(addr string, stats *Server) *Exporter {
	return &Exporter{
		addr:  addr,
		stats: stats,
		log:   logger.Component(logger.ComponentExporter),
	}
}

func (e *Exporter) Start() error {
	registry := prometheus.NewRegistry()
	if err := registry.Register(&collector{stats: e.stats}); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	e.server = &http.Server{Addr: e.addr, Handler: mux}

	go func() {
		e.log.Info("metrics exporter listening", "address", e.addr)
		if err := e.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.log.Error("metrics exporter failed", "error", err)
		}
	}()
	return nil
}

func (e *Exporter) Stop() {
	if e.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = e.server.Shutdown(ctx)
}

type collector struct {
	stats *Server
}

var counterDesc = prometheus.NewDesc(
	"dhcpv6_server_events_total",
	"DHCPv6 server event counters",
	[]string{"listener", "counter"}, nil,
)

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- counterDesc
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	for section, counters := range c.stats.Snapshot() {
		for name, value := range counters {
			ch <- prometheus.MustNewConstMetric(
				counterDesc, prometheus.CounterValue, float64(value), section, name)
		}
	}
}
