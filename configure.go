package ozhost

import (
	"io"
	"net/http"
	"time"

	"github.com/One-com/gone/daemon"
	"github.com/One-com/gone/log"
	"github.com/One-com/gone/metric"
	"github.com/pkg/errors"

	"github.com/One-com/ozhost/config"
)

// defaultReadHeaderTimeout applies to hosts configuring none.
const defaultReadHeaderTimeout = 30 * time.Second

// parseConfigSpec reads config from a file name, or from an in-memory
// reader during tests.
func parseConfigSpec(cfgSpec interface{}) (*config.Config, error) {
	switch spec := cfgSpec.(type) {
	case string:
		return config.ParseConfigFromFile(spec)
	case io.ReadSeeker:
		return config.ParseConfigFromReadSeeker(spec)
	case *config.Config:
		return spec, nil
	}
	return nil, config.WrapError(errors.Errorf("unsupported config source %T", cfgSpec))
}

// instantiateServersFromConfig builds a Host per configured host plus the
// metrics service. Nothing is bound until the daemon serves them.
func instantiateServersFromConfig(cfgSpec interface{}) (servers []daemon.Server, cleanups []daemon.CleanupFunc, cfg *config.Config, err error) {

	cfg, err = parseConfigSpec(cfgSpec)
	if err != nil {
		return
	}
	if err = cfg.Validate(); err != nil {
		return
	}

	// Whatever was set up before a failure must be torn down again.
	defer func() {
		if err != nil {
			runCleanups(cleanups)
			servers, cleanups = nil, nil
		}
	}()

	var ms *metricsService
	ms, err = newMetricsService(cfg.Metrics)
	if err != nil {
		return
	}
	if ms != nil {
		servers = append(servers, ms)
	}

	var globalAccessLog string
	if cfg.Log != nil {
		globalAccessLog = cfg.Log.AccessLog
	}

	appResolutionMutex.Lock()
	defer appResolutionMutex.Unlock()
	appResolutionReset(cfg.Applications)
	accessLogControl.Reset()

	defer func() {
		cleanups = append(cleanups, appCleanups...)
	}()

	for name, hcfg := range cfg.Hosts {
		var app http.Handler
		app, err = hostApplication(name, &hcfg)
		if err != nil {
			return
		}

		host := NewHost(name, hostOptions(name, &hcfg, app))

		accessLogDest := hcfg.AccessLog
		if accessLogDest == "" {
			accessLogDest = globalAccessLog
		}
		var cleanup daemon.CleanupFunc
		cleanup, err = attachAccessLog(host, accessLogDest)
		if err != nil {
			return
		}
		if cleanup != nil {
			cleanups = append(cleanups, cleanup)
		}

		log.DEBUG("Configured host", "host", name, "port", hcfg.Port, "root", hcfg.PhysicalRoot)
		servers = append(servers, host)
	}
	return
}

func hostApplication(name string, hcfg *config.HostConfig) (http.Handler, error) {
	var spec interface{}
	if err := hcfg.Application.ParseInto(&spec); err != nil {
		return nil, config.WrapError(errors.Wrapf(err, "host %s", name))
	}
	return applicationForSpec(name, spec)
}

func hostOptions(name string, hcfg *config.HostConfig, app http.Handler) HostOptions {
	opts := HostOptions{
		Address:               hcfg.Address,
		Port:                  hcfg.Port,
		VirtualRoot:           hcfg.VirtualRoot,
		PhysicalRoot:          hcfg.PhysicalRoot,
		Application:           app,
		ScriptExtensions:      hcfg.ScriptExtensions,
		MaxConcurrentRequests: hcfg.MaxConcurrentRequests,
		Backlog:               hcfg.Backlog,
		ReusePort:             hcfg.ReusePort,
		ReadHeaderTimeout:     hcfg.ReadHeaderTimeout.Duration,
		IOActivityTimeout:     hcfg.IOActivityTimeout.Duration,
		Logger:                log.GetLogger("ozhost/" + name),
	}
	if opts.ReadHeaderTimeout == 0 {
		opts.ReadHeaderTimeout = defaultReadHeaderTimeout
	}
	if sf := hcfg.StaticFiles; sf != nil {
		opts.DisableStaticFiles = sf.Disable
		opts.StaticFileExclude = sf.Exclude
	}
	if hcfg.Metrics != "" {
		opts.Measure = newMeters(name, hcfg.Metrics).Measure
		acceptErrors := metric.RegisterCounter(name + ".accept-errors")
		opts.OnAcceptError = func(error) {
			acceptErrors.Inc(1)
		}
	}
	return opts
}

func runCleanups(cleanups []daemon.CleanupFunc) {
	for _, c := range cleanups {
		if err := c(); err != nil {
			log.ERROR("Cleanup failed", "err", err)
		}
	}
}
