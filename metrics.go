package ozhost

import (
	"context"
	"net"
	"os"
	"strings"
	"time"

	"github.com/One-com/gone/log"
	"github.com/One-com/gone/metric"
	"github.com/One-com/gone/metric/sink/statsd"
	"github.com/pkg/errors"

	"github.com/One-com/ozhost/config"
)

const (
	// statsdStdout as metrics address writes statsd lines to stdout.
	statsdStdout = "!"

	defaultMetricsApplication = "ozhost"
	minMetricsInterval        = time.Second
)

// metricsService drains all registered metrics to statsd for as long as it is served.
// It implements daemon.Server without holding any file descriptors.
type metricsService struct {
	peer     string
	prefix   string
	interval time.Duration
}

// newMetricsService returns nil if no statsd address is configured.
func newMetricsService(cfg *config.MetricsConfig) (*metricsService, error) {
	if cfg == nil || cfg.Address == "" {
		return nil, nil
	}
	if cfg.Address != statsdStdout {
		if _, _, err := net.SplitHostPort(cfg.Address); err != nil {
			return nil, config.WrapError(errors.Wrapf(err, "metrics address %q", cfg.Address))
		}
	}

	interval := cfg.Interval.Duration
	if interval < minMetricsInterval {
		interval = minMetricsInterval
	}

	return &metricsService{
		peer:     cfg.Address,
		prefix:   metricsPrefix(cfg),
		interval: interval,
	}, nil
}

// metricsPrefix is Prefix if set, else "<application>.<short hostname>".
func metricsPrefix(cfg *config.MetricsConfig) string {
	if cfg.Prefix != "" {
		return cfg.Prefix
	}
	app := cfg.Application
	if app == "" {
		app = defaultMetricsApplication
	}
	ident := cfg.Ident
	if ident == "" {
		ident = "unknown"
		if hn, err := os.Hostname(); err == nil {
			ident = strings.Split(hn, ".")[0]
		}
	}
	return app + "." + ident
}

func (ms *metricsService) Description() string {
	return "Metrics to " + ms.peer
}

func (ms *metricsService) Serve(ctx context.Context) error {
	output := statsd.Peer(ms.peer)
	if ms.peer == statsdStdout {
		output = statsd.Output(os.Stdout)
	}

	sink, err := statsd.New(
		output,
		statsd.Prefix(ms.prefix),
		statsd.Buffer(1432))
	if err != nil {
		log.ERROR("Error initializing statsd sink", "err", err)
		return err
	}

	log.INFO("Sending metrics", "interval", ms.interval, "prefix", ms.prefix, "peer", ms.peer)

	metric.SetDefaultOptions(metric.FlushInterval(ms.interval))
	metric.SetDefaultSink(sink)
	metric.Start()

	<-ctx.Done()

	metric.Stop() // block until all have flushed
	return nil
}
