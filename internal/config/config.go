// Package config implements the ambient Configuration module (spec.md
// §6.3): the recognized option set, loaded with github.com/spf13/viper and
// live-reloaded with github.com/fsnotify/fsnotify, grounded directly on
// cmd/mcp-broker-router/main.go's LoadConfig/viper.WatchConfig/
// viper.OnConfigChange pattern.
package config

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// IdentityProvider holds the token-verifier parameters consumed by an
// external collaborator (spec.md §6.3, §1 non-goal).
type IdentityProvider struct {
	Issuer   string `mapstructure:"issuer"`
	Audience string `mapstructure:"audience"`
	TenantID string `mapstructure:"tenantId"`
	ClientID string `mapstructure:"clientId"`
}

// ResourceStore holds resourceStore.kind and its connection parameters.
type ResourceStore struct {
	Kind        string `mapstructure:"kind"` // in-memory | distributed-cache | document-db
	RedisAddr   string `mapstructure:"redisAddr"`
	DocumentDSN string `mapstructure:"documentDsn"`
}

// SessionStore holds sessionStore.kind and its connection parameters.
type SessionStore struct {
	Kind      string `mapstructure:"kind"` // in-memory | distributed-cache
	RedisAddr string `mapstructure:"redisAddr"`
}

// Orchestrator holds the orchestrator namespace.
type Orchestrator struct {
	Namespace string `mapstructure:"namespace"`
}

// ContainerRegistry holds the image registry endpoint image refs are
// prefixed with.
type ContainerRegistry struct {
	Endpoint string `mapstructure:"endpoint"`
}

// Development gates the mock-principal middleware (spec.md §9).
type Development struct {
	Mode bool `mapstructure:"mode"`
}

// Config is the full recognized option set from spec.md §6.3.
type Config struct {
	PublicOrigin            string            `mapstructure:"publicOrigin"`
	IdentityProvider        IdentityProvider  `mapstructure:"identityProvider"`
	ResourceStore           ResourceStore     `mapstructure:"resourceStore"`
	SessionStore            SessionStore      `mapstructure:"sessionStore"`
	Orchestrator            Orchestrator      `mapstructure:"orchestrator"`
	ContainerRegistry       ContainerRegistry `mapstructure:"containerRegistry"`
	ToolGatewayWorkloadName string            `mapstructure:"toolGatewayWorkloadName"`
	Development             Development       `mapstructure:"development"`
}

// defaults applies spec.md §6.3's documented defaults.
func defaults(v *viper.Viper) {
	v.SetDefault("orchestrator.namespace", "adapter")
	v.SetDefault("toolGatewayWorkloadName", "toolgateway")
	v.SetDefault("resourceStore.kind", "in-memory")
	v.SetDefault("sessionStore.kind", "in-memory")
}

// Reloadable is the subset of Config that may change after startup without
// restarting the process (spec.md SPEC_FULL A2): toolGatewayWorkloadName,
// store connection parameters, and development.mode. orchestrator.namespace
// and containerRegistry.endpoint gate client construction and are read once.
type Reloadable struct {
	ToolGatewayWorkloadName string
	ResourceStore           ResourceStore
	SessionStore            SessionStore
	Development             Development
}

// Watcher loads Config from path and republishes the Reloadable subset on
// every on-disk change, via the viper.WatchConfig/viper.OnConfigChange
// pattern.
type Watcher struct {
	v      *viper.Viper
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	current Config

	subMu sync.Mutex
	subs  []func(Reloadable)
}

// Load reads Config once from path without starting a watch — used by
// components that only need a snapshot (e.g. a one-shot CLI invocation).
func Load(path string) (*Config, error) {
	v := viper.New()
	defaults(v)
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	return &cfg, nil
}

// NewWatcher loads Config from path and starts watching it for changes.
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	v := viper.New()
	defaults(v)
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	w := &Watcher{v: v, path: path, logger: logger}
	if err := w.reload(); err != nil {
		return nil, err
	}

	v.OnConfigChange(func(in fsnotify.Event) {
		logger.Info("configuration file changed", "path", in.Name)
		if err := w.reload(); err != nil {
			logger.Error("configuration reload failed, keeping previous values", "error", err)
		}
	})
	v.WatchConfig()

	return w, nil
}

func (w *Watcher) reload() error {
	var cfg Config
	if err := w.v.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("decode config %s: %w", w.path, err)
	}
	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()

	w.notify(reloadableOf(cfg))
	return nil
}

// Current returns the most recently loaded Config.
func (w *Watcher) Current() Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// CurrentReloadable returns the Current Config's Reloadable subset.
func (w *Watcher) CurrentReloadable() Reloadable {
	return reloadableOf(w.Current())
}

// OnChange registers fn to run with the new Reloadable subset every time the
// on-disk config changes after this call. It does not run fn for the config
// already loaded; callers read that via Current/CurrentReloadable before
// subscribing. fn runs on the viper.OnConfigChange callback goroutine and
// must return quickly.
func (w *Watcher) OnChange(fn func(Reloadable)) {
	w.subMu.Lock()
	defer w.subMu.Unlock()
	w.subs = append(w.subs, fn)
}

func (w *Watcher) notify(r Reloadable) {
	w.subMu.Lock()
	subs := make([]func(Reloadable), len(w.subs))
	copy(subs, w.subs)
	w.subMu.Unlock()

	for _, fn := range subs {
		fn(r)
	}
}

func reloadableOf(c Config) Reloadable {
	return Reloadable{
		ToolGatewayWorkloadName: c.ToolGatewayWorkloadName,
		ResourceStore:           c.ResourceStore,
		SessionStore:            c.SessionStore,
		Development:             c.Development,
	}
}
