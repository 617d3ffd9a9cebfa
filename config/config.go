package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"strconv"

	"github.com/pkg/errors"

	"github.com/One-com/gone/jconf"

	"github.com/One-com/ozhost/source"
)

type ConfigError error

func WrapError(wrapped error) ConfigError {
	return ConfigError(errors.Wrap(wrapped, "Config error"))
}

// StaticFilesConfig controls the static file module in front of the application.
type StaticFilesConfig struct {
	Disable bool
	// Extensions never served as files. Defaults to the script extensions.
	Exclude []string `json:",omitempty"`
}

// HostConfig defines the JSON to configure a dispatch host.
type HostConfig struct {
	Address string `json:",omitempty"` // defaults to localhost
	Port    int

	VirtualRoot  string `json:",omitempty"` // defaults to "/"
	PhysicalRoot string // relative paths are relative to the executable

	// either string, or map (for a mux) naming applications
	Application *jconf.OptionalSubConfig `json:",omitempty"`

	StaticFiles      *StaticFilesConfig `json:",omitempty"`
	ScriptExtensions []string           `json:",omitempty"`

	MaxConcurrentRequests int  `json:",omitempty"`
	Backlog               int  `json:",omitempty"`
	ReusePort             bool `json:",omitempty"`

	ReadHeaderTimeout jconf.Duration
	IOActivityTimeout jconf.Duration

	// overrides the global Accesslog definition
	AccessLog string `json:",omitempty"`

	// a , separated string of return code specs: "2XX,412,5XX,404,size"
	Metrics string `json:",omitempty"`
}

// RedirectApplicationConfig is configuration for a 30X redirect application
type RedirectApplicationConfig struct {
	Code int
	URL  string
}

// StaticApplicationConfig is configuration for an application always giving the same answer.
type StaticApplicationConfig struct {
	Code        int
	ContentType string
	Body        string
}

// ApplicationConfig specifies the type and config for an application.
// Potentially found in a plugin.
// All applications can be wrapped in metrics spec specific for them.
type ApplicationConfig struct {
	Type    string
	Plugin  string                   `json:",omitempty"`
	Metrics string                   `json:",omitempty"`
	Config  *jconf.OptionalSubConfig `json:",omitempty"`
}

// MetricsConfig is the global configuration for a statsd server.
type MetricsConfig struct {
	Address     string
	Interval    jconf.Duration
	Prefix      string
	Application string
	Ident       string
}

type HostsConfig map[string]HostConfig
type ApplicationsConfig map[string]ApplicationConfig

type LogConfig struct {
	AccessLog string
}

// Config defined JSON for the top level server config
type Config struct {
	Log          *LogConfig         `json:",omitempty"`
	Hosts        HostsConfig        `json:"Hosts"`
	Applications ApplicationsConfig `json:"Applications"`
	Metrics      *MetricsConfig     `json:",omitempty"`
}

// Dump serialized the JSON config as configured to standard output
func (cfg *Config) Dump(dest io.Writer) {

	var out bytes.Buffer
	b, err := json.Marshal(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}

	err = json.Indent(&out, b, "", "    ")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}
	out.WriteByte('\n')
	out.WriteTo(dest)
}

// Validate checks the parts of the config which can't be checked by parsing alone.
func (cfg *Config) Validate() error {
	if len(cfg.Hosts) == 0 {
		return WrapError(errors.New("no hosts defined"))
	}
	type binding struct {
		host      string
		reusePort bool
	}
	bound := make(map[string]binding)

	names := make([]string, 0, len(cfg.Hosts))
	for name := range cfg.Hosts {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		h := cfg.Hosts[name]
		if h.Port < 0 || h.Port > 65535 {
			return WrapError(errors.Errorf("host %s: invalid port %d", name, h.Port))
		}
		if h.PhysicalRoot == "" {
			return WrapError(errors.Errorf("host %s: no PhysicalRoot", name))
		}
		if h.MaxConcurrentRequests < 0 {
			return WrapError(errors.Errorf("host %s: negative MaxConcurrentRequests", name))
		}
		if h.Port == 0 {
			continue
		}
		addr := h.Address
		if addr == "" {
			addr = source.DefaultAddress
		}
		key := net.JoinHostPort(addr, strconv.Itoa(h.Port))
		// A shared port needs ReusePort on every host binding it.
		if other, ok := bound[key]; ok && !(other.reusePort && h.ReusePort) {
			return WrapError(errors.Errorf("hosts %s and %s both bind %s", other.host, name, key))
		}
		bound[key] = binding{host: name, reusePort: h.ReusePort}
	}
	for name, a := range cfg.Applications {
		if a.Type == "" {
			return WrapError(errors.Errorf("application %s: no Type", name))
		}
	}
	return nil
}

// ParseConfigFromFile returns a pointer to a new Config object
// after parsing config file content.
func ParseConfigFromFile(filename string) (*Config, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return parseConfig(file)
}

// ParseConfigFromReadSeeker returns a pointer to a new Config object.
// The config is read from a in memory buffer.
func ParseConfigFromReadSeeker(data io.ReadSeeker) (*Config, error) {
	data.Seek(0, io.SeekStart)
	return parseConfig(data)
}

// ParseConfig Read config from the supplied io.Reader and parse it
func parseConfig(stream io.Reader) (*Config, error) {
	var config *Config
	err := jconf.ParseInto(stream, &config)
	if err != nil {
		return nil, WrapError(err)
	}
	if config == nil {
		return nil, WrapError(errors.New("empty config"))
	}
	return config, nil
}
