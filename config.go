package tracelet

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/tracelet/tracelet/experimental"
	"github.com/tracelet/tracelet/internal/engine"
	"github.com/tracelet/tracelet/internal/recorder"
	"github.com/tracelet/tracelet/internal/warmup"
)

// Config controls the JIT policy, with the default implementation as NewConfig.
type Config struct {
	hotLoopThreshold uint32
	bridgeThreshold  uint32
	blacklistWindow  uint32
	traceLimit       int
	codeCacheLimit   int
	virtuals         bool
	listener         experimental.CompilationListener
	jitlog           io.Writer
	// failGuard forces passing guards to fail, see engine.Config.
	failGuard func(*engine.Guard) bool
}

// defaultConfig helps avoid copy/pasting the wrong defaults.
var defaultConfig = &Config{
	hotLoopThreshold: warmup.DefaultHotLoopThreshold,
	bridgeThreshold:  warmup.DefaultBridgeThreshold,
	blacklistWindow:  warmup.DefaultBlacklistWindow,
	traceLimit:       recorder.DefaultTraceLimit,
	codeCacheLimit:   engine.DefaultCodeCacheLimit,
	virtuals:         true,
}

// clone ensures all fields are copied even if nil.
func (c *Config) clone() *Config {
	ret := *c
	return &ret
}

// NewConfig returns the default configuration.
func NewConfig() *Config {
	return defaultConfig.clone()
}

// WithHotLoopThreshold sets the number of times a loop header is reached before its loop is traced. Defaults to 39.
func (c *Config) WithHotLoopThreshold(n uint32) *Config {
	ret := c.clone()
	ret.hotLoopThreshold = n
	return ret
}

// WithBridgeThreshold sets the number of failures of a guard after which a bridge is compiled for it. Defaults to 8.
func (c *Config) WithBridgeThreshold(n uint32) *Config {
	ret := c.clone()
	ret.bridgeThreshold = n
	return ret
}

// WithBlacklistWindow sets the number of hot loop threshold crossings ignored after a trace aborted. Defaults to 3.
// Zero retries at the next crossing.
func (c *Config) WithBlacklistWindow(n uint32) *Config {
	ret := c.clone()
	ret.blacklistWindow = n
	return ret
}

// WithTraceLimit sets the maximum number of operations of a recorded trace. Defaults to 4000.
func (c *Config) WithTraceLimit(n int) *Config {
	ret := c.clone()
	ret.traceLimit = n
	return ret
}

// WithCodeCacheLimit sets the number of bytes of installed code above which the coldest loops are evicted. Defaults
// to 16MiB.
func (c *Config) WithCodeCacheLimit(n int) *Config {
	ret := c.clone()
	ret.codeCacheLimit = n
	return ret
}

// WithVirtuals enables allocation removal. This defaults to true. Disabling it only affects performance.
func (c *Config) WithVirtuals(enabled bool) *Config {
	ret := c.clone()
	ret.virtuals = enabled
	return ret
}

// WithListener sets the listener notified of compilation events. Listeners set on the context.Context with
// experimental.CompilationListenerKey are notified as well.
func (c *Config) WithListener(l experimental.CompilationListener) *Config {
	ret := c.clone()
	ret.listener = l
	return ret
}

// WithJitlog writes a binary log of the compilation events and of the traces compiled to w.
//
// Note: The caller is responsible to close w, after Engine.Close.
func (c *Config) WithJitlog(w io.Writer) *Config {
	ret := c.clone()
	ret.jitlog = w
	return ret
}

// withFailGuard makes passing guards fail when fn returns true. Tests use it to exercise deoptimization.
func (c *Config) withFailGuard(fn func(*engine.Guard) bool) *Config {
	ret := c.clone()
	ret.failGuard = fn
	return ret
}

// fileConfig is the TOML form of the tunables. Absent keys keep their current value.
type fileConfig struct {
	HotLoopThreshold *uint32 `toml:"hot_loop_threshold"`
	BridgeThreshold  *uint32 `toml:"bridge_threshold"`
	BlacklistWindow  *uint32 `toml:"blacklist_window"`
	TraceLimit       *int    `toml:"trace_limit"`
	CodeCacheLimit   *int    `toml:"code_cache_limit"`
	Virtuals         *bool   `toml:"virtuals"`
}

// LoadConfig reads tunables in TOML from r on top of NewConfig, for example:
//
//	hot_loop_threshold = 100
//	bridge_threshold = 4
//	virtuals = false
//
// Unknown keys are errors.
func LoadConfig(r io.Reader) (*Config, error) {
	return NewConfig().Load(r)
}

// LoadConfigFile is like LoadConfig, reading the file at path.
func LoadConfigFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	defer f.Close()
	return LoadConfig(f)
}

// Load returns a copy of c with the tunables read in TOML from r.
func (c *Config) Load(r io.Reader) (*Config, error) {
	var fc fileConfig
	if err := toml.NewDecoder(r).DisallowUnknownFields().Decode(&fc); err != nil {
		var sme *toml.StrictMissingError
		if errors.As(err, &sme) {
			return nil, fmt.Errorf("failed to parse config: %s", sme.String())
		}
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ret := c.clone()
	if v := fc.HotLoopThreshold; v != nil {
		if *v == 0 {
			return nil, errors.New("hot_loop_threshold must be positive")
		}
		ret.hotLoopThreshold = *v
	}
	if v := fc.BridgeThreshold; v != nil {
		if *v == 0 {
			return nil, errors.New("bridge_threshold must be positive")
		}
		ret.bridgeThreshold = *v
	}
	if v := fc.BlacklistWindow; v != nil {
		ret.blacklistWindow = *v
	}
	if v := fc.TraceLimit; v != nil {
		if *v <= 0 {
			return nil, errors.New("trace_limit must be positive")
		}
		ret.traceLimit = *v
	}
	if v := fc.CodeCacheLimit; v != nil {
		if *v <= 0 {
			return nil, errors.New("code_cache_limit must be positive")
		}
		ret.codeCacheLimit = *v
	}
	if v := fc.Virtuals; v != nil {
		ret.virtuals = *v
	}
	return ret, nil
}
