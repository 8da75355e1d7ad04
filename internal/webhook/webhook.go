// Package webhook notifies an external HTTP endpoint when a stream starts
// or stops publishing, carrying a signed JWT identifying the event. The
// endpoint may reject a publish (non-200) or assign it a stream id via the
// "stream-id" response header.
package webhook

import (
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"

	"github.com/liveflow/rtmp-server/internal/logging"
)

const expirationSeconds = 120

// Config configures a Client. URL empty disables callbacks entirely:
// OnPublishStart then always accepts, OnPublishStop becomes a no-op.
type Config struct {
	URL     string
	Secret  string
	Subject string

	RTMPHost string
	RTMPPort int

	HTTPClient *http.Client
}

func (c Config) withDefaults() Config {
	if c.Subject == "" {
		c.Subject = "rtmp_event"
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 5 * time.Second}
	}
	return c
}

// Client implements internal/rtmp/session.Webhook.
type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	return &Client{cfg: cfg.withDefaults()}
}

// OnPublishStart notifies the configured endpoint that domain/app/key
// started publishing, returning the stream id the endpoint assigned (via
// the "stream-id" response header) and whether the callback accepted the
// stream. A Client with no URL configured always accepts.
func (c *Client) OnPublishStart(domain, app, key, ip string) (accept bool, streamID string) {
	if c.cfg.URL == "" {
		return true, ""
	}

	claims := jwt.MapClaims{
		"sub":       c.cfg.Subject,
		"event":     "start",
		"domain":    domain,
		"app":       app,
		"key":       key,
		"client_ip": ip,
		"rtmp_host": c.cfg.RTMPHost,
		"rtmp_port": c.cfg.RTMPPort,
		"exp":       time.Now().Add(expirationSeconds * time.Second).Unix(),
	}

	res, err := c.post(claims)
	if err != nil {
		logging.LogError(errors.Wrap(err, "webhook: publish start"))
		return false, ""
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		logging.LogWarning("webhook: publish start callback returned non-200")
		return false, ""
	}

	return true, res.Header.Get("stream-id")
}

// OnPublishStop notifies the configured endpoint that a stream stopped
// publishing. Failures are logged only; a player whose stream already
// ended cannot be "un-ended" by a failed callback.
func (c *Client) OnPublishStop(domain, app, key, streamID string) {
	if c.cfg.URL == "" {
		return
	}

	claims := jwt.MapClaims{
		"sub":       c.cfg.Subject,
		"event":     "stop",
		"domain":    domain,
		"app":       app,
		"key":       key,
		"stream_id": streamID,
		"exp":       time.Now().Add(expirationSeconds * time.Second).Unix(),
	}

	res, err := c.post(claims)
	if err != nil {
		logging.LogError(errors.Wrap(err, "webhook: publish stop"))
		return
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		logging.LogWarning("webhook: publish stop callback returned non-200")
	}
}

func (c *Client) post(claims jwt.MapClaims) (*http.Response, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(c.cfg.Secret))
	if err != nil {
		return nil, errors.Wrap(err, "sign token")
	}

	req, err := http.NewRequest(http.MethodPost, c.cfg.URL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	req.Header.Set("rtmp-event", signed)

	return c.cfg.HTTPClient.Do(req)
}
