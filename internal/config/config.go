// Package config loads the JSON main configuration file and its
// per-domain companion files (domain -> app -> tunables), and exposes a
// live.AppInfoResolver over the parsed per-app tunables.
package config

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/pkg/errors"

	"github.com/liveflow/rtmp-server/internal/live"
	"github.com/liveflow/rtmp-server/internal/logging"
)

// ServiceConfig is one entry of the main config's "service" array: a
// listener to bind at startup.
type ServiceConfig struct {
	Addr      string `json:"addr"`
	Port      int    `json:"port"`
	Protocol  string `json:"protocol"`
	Transport string `json:"transport"`

	// CertFile/KeyFile are only read when Transport == "tls"; they select
	// the per-listener certificate pair passed to go-tls-certificate-loader.
	CertFile string `json:"cert_file"`
	KeyFile  string `json:"key_file"`

	// IPConcurrencyLimit and IPWhitelist mirror rtmpserver.Config's fields
	// so each listener can tune its own per-IP accept policy; zero/empty
	// falls back to rtmpserver's defaults.
	IPConcurrencyLimit int      `json:"ip_concurrency_limit"`
	IPWhitelist        []string `json:"ip_whitelist"`
}

// LogConfig is the main config's "log" object.
type LogConfig struct {
	Level  string `json:"level"`
	Rotate string `json:"rotate"`
	Path   string `json:"path"`
	Name   string `json:"name"`
}

// AdminConfig is the optional "admin" key controlling the WebSocket +
// Redis control plane; everything here defaults to off.
type AdminConfig struct {
	Enabled bool        `json:"enabled"`
	Addr    string      `json:"addr"`
	Secret  string      `json:"secret"`
	Redis   RedisConfig `json:"redis"`
}

// RedisConfig is the admin control plane's optional Redis pub/sub channel.
type RedisConfig struct {
	Use      bool   `json:"use"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"password"`
	Channel  string `json:"channel"`
	TLS      bool   `json:"tls"`
}

// WebhookConfig is the optional domain-stack "webhook" key controlling the
// publish-start/publish-stop HTTP notification (internal/webhook). An
// empty URL disables callbacks entirely.
type WebhookConfig struct {
	URL      string `json:"url"`
	Secret   string `json:"secret"`
	Subject  string `json:"subject"`
	RTMPHost string `json:"rtmp_host"`
	RTMPPort int    `json:"rtmp_port"`
}

// MainConfig is the top-level main configuration file.
type MainConfig struct {
	Name     string          `json:"name"`
	CPUStart int             `json:"cpu_start"`
	Threads  int             `json:"threads"`
	Log      LogConfig       `json:"log"`
	Service  []ServiceConfig `json:"service"`
	Admin    AdminConfig     `json:"admin"`
	Webhook  WebhookConfig   `json:"webhook"`

	// Domains lists paths to per-domain JSON files, each parsed into a
	// DomainConfig.
	Domains []string `json:"domains"`
}

// AppConfig is one entry of a domain's "app" array.
type AppConfig struct {
	Name             string `json:"name"`
	MaxBuffer        int    `json:"max_buffer"`
	HLSSupport       bool   `json:"hls_support"`
	FLVSupport       bool   `json:"flv_support"`
	RTMPSupport      bool   `json:"rtmp_support"`
	ContentLatencyS  int64  `json:"content_latency"`
	StreamIdleTimeMS int64  `json:"stream_idle_time"`
	StreamTimeoutMS  int64  `json:"stream_timeout_time"`
}

// DomainConfig is one per-domain JSON file's "domain" object.
type DomainConfig struct {
	Domain struct {
		Name string      `json:"name"`
		Type string      `json:"type"`
		App  []AppConfig `json:"app"`
	} `json:"domain"`
}

// LoadMainConfig reads and parses the main configuration file named by
// path, applying defaults for any field left unset.
func LoadMainConfig(path string) (*MainConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "config: read main config")
	}

	var cfg MainConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "config: parse main config")
	}
	if cfg.Threads <= 0 {
		cfg.Threads = 1
	}
	if len(cfg.Service) == 0 {
		return nil, errors.New("config: main config has no service entries")
	}
	for i := range cfg.Service {
		if cfg.Service[i].Protocol == "" {
			cfg.Service[i].Protocol = "rtmp"
		}
		if cfg.Service[i].Transport == "" {
			cfg.Service[i].Transport = "tcp"
		}
		if cfg.Service[i].Addr == "" {
			cfg.Service[i].Addr = "0.0.0.0"
		}
	}
	return &cfg, nil
}

// LoadDomainConfig reads one per-domain JSON file.
func LoadDomainConfig(path string) (*DomainConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: read domain config %q", path)
	}
	var dc DomainConfig
	if err := json.Unmarshal(data, &dc); err != nil {
		return nil, errors.Wrapf(err, "config: parse domain config %q", path)
	}
	return &dc, nil
}

// Resolver implements live.AppInfoResolver over a fixed set of loaded
// DomainConfigs, keyed by domain name then app name.
type Resolver struct {
	mu      sync.RWMutex
	domains map[string]map[string]*live.AppInfo
}

// NewResolver builds a Resolver from the main config's Domains file list.
// A domain file load failure is logged and skipped rather than making
// startup fatal; lookups against a missing domain or app fall back to the
// per-app defaults.
func NewResolver(cfg *MainConfig) (*Resolver, error) {
	r := &Resolver{domains: make(map[string]map[string]*live.AppInfo)}

	for _, path := range cfg.Domains {
		dc, err := LoadDomainConfig(path)
		if err != nil {
			logging.LogError(err)
			continue
		}
		r.addDomain(dc)
	}

	return r, nil
}

func (r *Resolver) addDomain(dc *DomainConfig) {
	apps := make(map[string]*live.AppInfo, len(dc.Domain.App))
	for _, a := range dc.Domain.App {
		apps[a.Name] = appInfoFromConfig(a)
	}

	r.mu.Lock()
	r.domains[dc.Domain.Name] = apps
	r.mu.Unlock()
}

func appInfoFromConfig(a AppConfig) *live.AppInfo {
	info := live.DefaultAppInfo(a.Name)
	if a.MaxBuffer > 0 {
		info.MaxBuffer = a.MaxBuffer
	}
	if a.ContentLatencyS > 0 {
		info.ContentLatencyMS = a.ContentLatencyS * 1000
	}
	if a.StreamIdleTimeMS > 0 {
		info.StreamIdleTimeMS = a.StreamIdleTimeMS
	}
	if a.StreamTimeoutMS > 0 {
		info.StreamTimeoutMS = a.StreamTimeoutMS
	}
	info.HLSSupport = a.HLSSupport
	info.FLVSupport = a.FLVSupport
	info.RTMPSupport = a.RTMPSupport
	return info
}

// Resolve implements live.AppInfoResolver. A missing domain or app falls
// back to live.DefaultAppInfo(app), never returning nil.
func (r *Resolver) Resolve(domain, app string) *live.AppInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if apps, ok := r.domains[domain]; ok {
		if info, ok := apps[app]; ok {
			return info
		}
	}
	return live.DefaultAppInfo(app)
}
