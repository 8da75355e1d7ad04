// Package redisctl subscribes to a Redis pub/sub channel for the same
// kill-session/close-stream admin commands internal/control exposes over
// WebSocket, in a "name>arg1|arg2" text format, so an operator fleet can
// broadcast a kill without holding a WebSocket connection per server.
package redisctl

import (
	"context"
	"crypto/tls"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/liveflow/rtmp-server/internal/control"
	"github.com/liveflow/rtmp-server/internal/live"
	"github.com/liveflow/rtmp-server/internal/logging"
)

const reconnectDelay = 10 * time.Second

// Config configures a Subscriber's Redis connection.
type Config struct {
	Host     string
	Port     int
	Password string
	Channel  string
	TLS      bool
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6379
	}
	if c.Channel == "" {
		c.Channel = "rtmp_commands"
	}
	return c
}

// Subscriber listens on a Redis channel and executes admin commands
// against registry as they arrive.
type Subscriber struct {
	cfg      Config
	registry *live.Registry
	client   *redis.Client
}

func New(registry *live.Registry, cfg Config) *Subscriber {
	cfg = cfg.withDefaults()

	opts := &redis.Options{
		Addr:     cfg.Host + ":" + strconv.Itoa(cfg.Port),
		Password: cfg.Password,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{}
	}

	return &Subscriber{
		cfg:      cfg,
		registry: registry,
		client:   redis.NewClient(opts),
	}
}

// Run subscribes to the configured channel and processes messages until
// ctx is cancelled, reconnecting after a fixed delay on failure.
func (s *Subscriber) Run(ctx context.Context) {
	logging.LogInfo("[REDIS] Listening for commands on channel '" + s.cfg.Channel + "'")

	sub := s.client.Subscribe(ctx, s.cfg.Channel)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, err := sub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logging.LogWarning("[REDIS] Could not receive message: " + err.Error())
			time.Sleep(reconnectDelay)
			continue
		}

		s.handle(msg.Payload)
	}
}

func (s *Subscriber) handle(cmd string) {
	defer func() {
		if r := recover(); r != nil {
			logging.LogError(errors.Errorf("redisctl: panic handling command %q: %v", cmd, r))
		}
	}()

	parts := strings.SplitN(cmd, ">", 2)
	if len(parts) != 2 {
		logging.LogWarning("[REDIS] Invalid message: " + cmd)
		return
	}

	name := parts[0]
	args := strings.Split(parts[1], "|")

	// Commands address a session by domain|app|key, the same three-level
	// key the registry uses.
	switch name {
	case "kill-session":
		if len(args) < 3 {
			logging.LogWarning("[REDIS] Invalid kill-session message: " + cmd)
			return
		}
		control.KillSession(s.registry, args[0], args[1], args[2])
	case "close-stream":
		if len(args) < 4 {
			logging.LogWarning("[REDIS] Invalid close-stream message: " + cmd)
			return
		}
		control.CloseStream(s.registry, args[0], args[1], args[2], args[3])
	default:
		logging.LogWarning("[REDIS] Unknown command: " + name)
	}
}
