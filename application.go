package ozhost

import (
	"fmt"
	"net/http"
	"path/filepath"
	"plugin"
	"sort"
	"strconv"
	"sync"

	"github.com/One-com/gone/daemon"
	"github.com/One-com/gone/jconf"
	"github.com/One-com/gone/log"
	"github.com/pkg/errors"

	"github.com/One-com/ozhost/config"
)

// ApplicationConfigureFunc is called to create an application from a JSON config stanza.
// Each registered application type must define such a function.
// It is passed a way to lookup other applications by name if it needs to wrap around them.
type ApplicationConfigureFunc func(name string, cfg jconf.SubConfig, lookupApplication func(string) (http.Handler, error)) (handler http.Handler, cleanup func() error, err error)

// Applications may refer to each other by name, so resolving one may mean
// configuring others first. The resolution state is global for the duration
// of one configuration pass and serialized through appResolutionMutex.
var (
	appResolutionMutex sync.Mutex

	appResolutionMap  map[string]http.Handler
	appCfg            config.ApplicationsConfig
	appCleanups       []daemon.CleanupFunc
	appResolutionPath []string // to detect cycles
)

var appTypesLock sync.RWMutex

var applicationTypes = map[string]ApplicationConfigureFunc{
	"Redirect": configureRedirectApplication,
	"Static":   configureStaticApplication,
}

var staticApplications = map[string]http.Handler{
	"NotFound": http.NotFoundHandler(),
}

// RegisterApplicationType defines an application type, so it can be used in the
// config file by "Type".
// Referencing an application of type "typename" in the config file will
// use the provided function to configure it.
func RegisterApplicationType(typename string, f ApplicationConfigureFunc) {
	appTypesLock.Lock()
	defer appTypesLock.Unlock()
	applicationTypes[typename] = f
}

// RegisterStaticApplication makes it possible to directly reference an http.Handler
// by name in the config file. Such applications are not configurable.
// Applications defined in the config file take precedence.
func RegisterStaticApplication(name string, h http.Handler) {
	appTypesLock.Lock()
	defer appTypesLock.Unlock()
	staticApplications[name] = h
}

// A new resolution is done for each configuration pass.
// Caller must have locked appResolutionMutex.
func appResolutionReset(cfg config.ApplicationsConfig) {
	appResolutionMap = make(map[string]http.Handler)
	appCfg = cfg
	appCleanups = nil
	appResolutionPath = nil
}

// applicationForSpec resolves what a host names as its application:
// a single name, or a map of URL patterns to names served through a mux.
func applicationForSpec(hostName string, spec interface{}) (handler http.Handler, err error) {

	switch kind := spec.(type) {
	case nil:
		return nil, nil
	case string:
		handler, err = applicationByName(kind)
		if err != nil {
			err = errors.Wrapf(err, "Application(%s)", kind)
		}
	case map[string]interface{}:
		mux := http.NewServeMux()
		patterns := make([]string, 0, len(kind))
		for pattern := range kind {
			patterns = append(patterns, pattern)
		}
		sort.Strings(patterns)
		for _, pattern := range patterns {
			appName, ok := kind[pattern].(string)
			if !ok {
				return nil, fmt.Errorf("Application name must be string for host %s, was: %v", hostName, kind[pattern])
			}
			var h http.Handler
			h, err = applicationByName(appName)
			if err != nil {
				return nil, errors.Wrapf(err, "Application(%s)", appName)
			}
			mux.Handle(pattern, h)
		}
		handler = mux
	default:
		log.DEBUG("Invalid application:" + fmt.Sprintf("%v", spec))
		err = fmt.Errorf("Invalid application config for host %s", hostName)
	}

	return
}

// given a name of an application, return it if it's already configured,
// else configure it - if possible and return it.
func applicationByName(name string) (handler http.Handler, err error) {

	var ok bool
	if handler, ok = appResolutionMap[name]; ok {
		return
	}

	// Applications defined by config override static applications from code.
	var cfg config.ApplicationConfig
	if cfg, ok = appCfg[name]; !ok {
		appTypesLock.RLock()
		handler, ok = staticApplications[name]
		appTypesLock.RUnlock()
		if !ok {
			err = fmt.Errorf("No such application: %s", name)
		}
		return
	}

	for _, n := range appResolutionPath {
		if n == name {
			return nil, fmt.Errorf("Application cycle detected for %s: %v", name, appResolutionPath)
		}
	}
	pathlen := len(appResolutionPath)
	appResolutionPath = append(appResolutionPath, name)
	defer func() {
		appResolutionPath = appResolutionPath[:pathlen]
	}()

	var cleanup func() error
	handler, cleanup, err = applicationForConfig(name, &cfg)
	if err != nil {
		return
	}
	if cleanup != nil {
		appCleanups = append(appCleanups, daemon.CleanupFunc(cleanup))
	}
	if handler == nil {
		return nil, fmt.Errorf("Application %s configured to nothing", name)
	}

	// Applications with metrics enabled get wrapped in an audit handler,
	// which also makes their access log tappable.
	if cfg.Metrics != "" {
		handler = wrapAuditHandler(name, handler, metricsFunction(name, cfg.Metrics))
	}
	appResolutionMap[name] = handler
	return
}

func applicationForConfig(name string, cfg *config.ApplicationConfig) (handler http.Handler, cleanup func() error, err error) {

	if cfg.Plugin != "" {
		handler, cleanup, err = applicationFromPlugin(name, cfg)
		if err != nil || handler != nil {
			return
		}
	}

	// The plugin may have registered the type from its init()
	appTypesLock.RLock()
	f, ok := applicationTypes[cfg.Type]
	appTypesLock.RUnlock()
	if !ok {
		err = fmt.Errorf("No such application type: %s", cfg.Type)
		return
	}
	return f(name, cfg.Config, applicationByName)
}

// applicationFromPlugin loads the plugin, it then tries to look for an ApplicationTypes map, and if not found
// it assumes the plugin has registered the application type in its init() function.
func applicationFromPlugin(name string, cfg *config.ApplicationConfig) (handler http.Handler, cleanup func() error, err error) {
	abspath, err := filepath.Abs(cfg.Plugin)
	if err != nil {
		return
	}
	p, err := plugin.Open(abspath)
	if err != nil {
		err = errors.Wrapf(err, "loading plugin %s", abspath)
		return
	}

	s, e := p.Lookup("ApplicationTypes")
	if e != nil {
		return
	}

	m, ok := s.(*map[string]ApplicationConfigureFunc)
	if !ok || m == nil {
		err = errors.New("Defect application plugin")
		return
	}

	f := (*m)[cfg.Type]
	if f == nil {
		err = errors.New("Defect application plugin type initialization function")
		return
	}

	return f(name, cfg.Config, applicationByName)
}

// ----------------------------------------------------------------------------
// Built-in application types

func configureRedirectApplication(name string, js jconf.SubConfig, _ func(string) (http.Handler, error)) (handler http.Handler, cleanup func() error, err error) {
	var cfg *config.RedirectApplicationConfig
	err = js.ParseInto(&cfg)
	if err != nil {
		return
	}
	if cfg == nil || cfg.URL == "" {
		err = config.WrapError(fmt.Errorf("Redirect application %s has no URL", name))
		return
	}
	code := cfg.Code
	if code == 0 {
		code = http.StatusFound
	}
	if code < 300 || code > 399 {
		err = config.WrapError(fmt.Errorf("Redirect application %s: invalid code %d", name, code))
		return
	}

	handler = http.RedirectHandler(cfg.URL, code)
	return
}

func configureStaticApplication(name string, js jconf.SubConfig, _ func(string) (http.Handler, error)) (handler http.Handler, cleanup func() error, err error) {
	var cfg *config.StaticApplicationConfig
	err = js.ParseInto(&cfg)
	if err != nil {
		return
	}
	if cfg == nil {
		cfg = &config.StaticApplicationConfig{}
	}
	code := cfg.Code
	if code == 0 {
		code = http.StatusOK
	}
	ctype := cfg.ContentType
	if ctype == "" {
		ctype = "text/plain; charset=utf-8"
	}
	body := []byte(cfg.Body)

	handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", ctype)
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.WriteHeader(code)
		if r.Method != http.MethodHead {
			w.Write(body)
		}
	})
	return
}
