// Package control implements the in-process WebSocket admin server for
// session introspection and forced kill-session/close-stream commands,
// the same vocabulary internal/redisctl accepts over Redis pub/sub, plus a
// session-listing query.
package control

import (
	"github.com/liveflow/rtmp-server/internal/live"
)

// KillSession force-closes the current publisher's connection for
// domain/app/key, if one exists. Returns true if a publisher was found and
// closed.
func KillSession(registry *live.Registry, domain, app, key string) bool {
	sess, ok := registry.Get(live.Key(domain, app, key))
	if !ok {
		return false
	}
	pub := sess.Publisher()
	if pub == nil {
		return false
	}
	pub.Conn().Close()
	return true
}

// CloseStream force-closes the current publisher's connection for
// domain/app/key, but only if its stream id (assigned by
// internal/webhook's OnPublishStart callback) matches streamID. A "*"
// streamID matches any publisher, mirroring redis_cmds.go's wildcard.
func CloseStream(registry *live.Registry, domain, app, key, streamID string) bool {
	sess, ok := registry.Get(live.Key(domain, app, key))
	if !ok {
		return false
	}
	pub := sess.Publisher()
	if pub == nil {
		return false
	}
	if streamID != "*" && streamID != "" && pub.PublishID() != streamID {
		return false
	}
	pub.Conn().Close()
	return true
}

// SessionSummary is the admin-facing view of one live.Session, used by
// both the WebSocket and Redis command surfaces.
type SessionSummary struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Publishing  bool   `json:"publishing"`
	PlayerCount int    `json:"player_count"`
}

// ListSessions returns a summary of every registered session, for admin
// introspection.
func ListSessions(registry *live.Registry) []SessionSummary {
	all := registry.Snapshot()
	out := make([]SessionSummary, 0, len(all))
	for _, s := range all {
		out = append(out, SessionSummary{
			ID:          s.ID(),
			Name:        s.Name(),
			Publishing:  s.IsPublishing(),
			PlayerCount: s.PlayerCount(),
		})
	}
	return out
}
