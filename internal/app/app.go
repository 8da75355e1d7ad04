// Package app wires the configuration, logging, session registry, RTMP
// listeners, and optional admin control-plane channels into a single
// startable unit. There is no process-wide mutable state: everything hangs
// off one App struct passed by reference from main.go.
package app

import (
	"context"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/liveflow/rtmp-server/internal/config"
	"github.com/liveflow/rtmp-server/internal/control"
	"github.com/liveflow/rtmp-server/internal/live"
	"github.com/liveflow/rtmp-server/internal/logging"
	"github.com/liveflow/rtmp-server/internal/redisctl"
	"github.com/liveflow/rtmp-server/internal/rtmp/session"
	"github.com/liveflow/rtmp-server/internal/rtmpserver"
	"github.com/liveflow/rtmp-server/internal/webhook"
)

// App holds every long-lived collaborator built from one MainConfig: the
// session registry at the center, one rtmpserver.Server per configured
// "service" listener, and the optional admin WebSocket/Redis channels.
type App struct {
	Config   *config.MainConfig
	Registry *live.Registry

	webhook     *webhook.Client
	servers     []*rtmpserver.Server
	control     *control.Server
	redis       *redisctl.Subscriber
	redisCtx    context.Context
	redisCancel context.CancelFunc
}

// New loads path as a MainConfig, configures logging and every domain
// file it references, and builds (but does not start) every listener and
// admin channel the config describes.
func New(path string) (*App, error) {
	mainCfg, err := config.LoadMainConfig(path)
	if err != nil {
		return nil, err
	}

	// The "threads" knob sizes the worker pool; Go's equivalent is the
	// scheduler's P count.
	if mainCfg.Threads > 0 {
		runtime.GOMAXPROCS(mainCfg.Threads)
	}

	if mainCfg.Log.Path != "" {
		rotation := logging.ParseRotation(mainCfg.Log.Rotate)
		if err := logging.Configure(mainCfg.Log.Path, rotation, mainCfg.Log.Level); err != nil {
			return nil, errors.Wrap(err, "app: configure logging")
		}
	}

	resolver, err := config.NewResolver(mainCfg)
	if err != nil {
		return nil, errors.Wrap(err, "app: build app-info resolver")
	}

	a := &App{
		Config:   mainCfg,
		Registry: live.NewRegistry(resolver),
	}

	a.webhook = webhook.New(webhook.Config{
		URL:      mainCfg.Webhook.URL,
		Secret:   mainCfg.Webhook.Secret,
		Subject:  mainCfg.Webhook.Subject,
		RTMPHost: mainCfg.Webhook.RTMPHost,
		RTMPPort: mainCfg.Webhook.RTMPPort,
	})

	if err := a.buildServers(mainCfg); err != nil {
		return nil, err
	}

	if mainCfg.Admin.Enabled {
		a.control = control.New(a.Registry, control.Config{
			Addr:   mainCfg.Admin.Addr,
			Secret: mainCfg.Admin.Secret,
		})
	}

	if mainCfg.Admin.Redis.Use {
		a.redis = redisctl.New(a.Registry, redisctl.Config{
			Host:     mainCfg.Admin.Redis.Host,
			Port:     mainCfg.Admin.Redis.Port,
			Password: mainCfg.Admin.Redis.Password,
			Channel:  mainCfg.Admin.Redis.Channel,
			TLS:      mainCfg.Admin.Redis.TLS,
		})
	}

	return a, nil
}

// buildServers constructs one rtmpserver.Server per cfg.Service entry,
// binding listeners eagerly so a bad bind address fails startup with a
// non-zero exit instead of failing silently in a background goroutine.
func (a *App) buildServers(mainCfg *config.MainConfig) error {
	// Dev-time override loaded via godotenv in main; values at or below
	// the RTMP default are ignored by the session layer.
	var outChunkSize uint32
	if v := os.Getenv("RTMP_CHUNK_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			outChunkSize = uint32(n)
		}
	}

	for _, svc := range mainCfg.Service {
		if !strings.EqualFold(svc.Protocol, "rtmp") {
			logging.LogWarning("app: skipping unsupported service protocol " + svc.Protocol)
			continue
		}

		scfg := rtmpserver.Config{
			BindAddress:        svc.Addr,
			IPConcurrencyLimit: svc.IPConcurrencyLimit,
			IPWhitelist:        svc.IPWhitelist,
			SessionOptions: session.Options{
				Webhook:      a.webhook,
				OutChunkSize: outChunkSize,
			},
		}

		switch strings.ToLower(svc.Transport) {
		case "tls":
			scfg.Port = -1 // no plain listener for a TLS-only service entry
			scfg.TLSPort = svc.Port
			scfg.TLSCertFile = svc.CertFile
			scfg.TLSKeyFile = svc.KeyFile
		default:
			scfg.Port = svc.Port
		}

		srv, err := rtmpserver.New(a.Registry, scfg)
		if err != nil {
			for _, started := range a.servers {
				started.Close()
			}
			return errors.Wrapf(err, "app: build listener %s:%d", svc.Addr, svc.Port)
		}
		a.servers = append(a.servers, srv)
	}

	if len(a.servers) == 0 {
		return errors.New("app: no usable service listeners configured")
	}
	return nil
}

// Start launches every RTMP listener and the admin channels (if
// configured) in background goroutines and returns immediately.
func (a *App) Start() {
	for _, srv := range a.servers {
		srv.Start()
	}

	if a.control != nil {
		go func() {
			if err := a.control.ListenAndServe(); err != nil {
				logging.LogError(errors.Wrap(err, "app: admin control server"))
			}
		}()
	}

	if a.redis != nil {
		a.redisCtx, a.redisCancel = context.WithCancel(context.Background())
		go a.redis.Run(a.redisCtx)
	}
}

// Wait blocks until every RTMP listener's accept/sweep loops have
// returned, i.e. after Close.
func (a *App) Wait() {
	for _, srv := range a.servers {
		srv.Wait()
	}
}

// Close stops every listener and admin channel. In-flight sessions are
// left to close on their own, matching rtmpserver.Server.Close.
func (a *App) Close() {
	for _, srv := range a.servers {
		srv.Close()
	}
	if a.control != nil {
		a.control.Close()
	}
	if a.redisCancel != nil {
		a.redisCancel()
	}
}
