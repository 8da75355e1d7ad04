package live

import (
	"sync"

	"github.com/google/uuid"
)

// Session binds one publisher to many players under a canonical
// "domain/app/stream" key.
type Session struct {
	name    string
	id      string // admin-facing identifier, surfaced over the control channel
	appInfo *AppInfo
	stream  *Stream

	mu              sync.Mutex
	publisher       *User
	players         map[*PlayerUser]struct{}
	playerLiveTime  int64
}

// NewSession creates a Session and its owned Stream. The ring capacity is
// appInfo.MaxBuffer, or DefaultMaxBuffer when appInfo is nil or leaves it
// unset.
func NewSession(name string, appInfo *AppInfo) *Session {
	capacity := DefaultMaxBuffer
	if appInfo != nil && appInfo.MaxBuffer > 0 {
		capacity = appInfo.MaxBuffer
	}

	s := &Session{
		name:           name,
		id:             uuid.NewString(),
		appInfo:        appInfo,
		players:        make(map[*PlayerUser]struct{}),
		playerLiveTime: nowMS(),
	}
	s.stream = NewStream(name, capacity)
	s.stream.SetOnActive(s.ActiveAllPlayers)
	return s
}

// Name returns the canonical session key.
func (s *Session) Name() string { return s.name }

// ID returns the admin-facing session identifier.
func (s *Session) ID() string { return s.id }

// Stream returns the owned Stream.
func (s *Session) Stream() *Stream { return s.stream }

// AppInfo returns the resolved tunables for this session's app.
func (s *Session) AppInfo() *AppInfo { return s.appInfo }

// Publisher returns the current publisher User, or nil if none, for admin
// introspection and forced-kill commands.
func (s *Session) Publisher() *User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.publisher
}

// IsPublishing reports whether a publisher currently owns this session.
func (s *Session) IsPublishing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.publisher != nil
}

// PlayerCount returns the number of players currently attached, for admin
// introspection.
func (s *Session) PlayerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.players)
}

// SetPublisher installs user as the publisher, evicting (closing) any
// incumbent first: last writer wins.
func (s *Session) SetPublisher(user *User) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.publisher == user {
		return
	}
	if s.publisher != nil && s.publisher.MarkDestroyed() {
		s.publisher.Close()
	}
	s.publisher = user
}

// RemovePublisherIfCurrent clears the publisher slot if it is still user,
// used by CloseUser when a publisher's connection goes away.
func (s *Session) RemovePublisherIfCurrent(user *User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.publisher == user {
		s.publisher = nil
	}
}

// AddPlayer registers a joining player and immediately activates it.
func (s *Session) AddPlayer(p *PlayerUser) {
	s.mu.Lock()
	s.players[p] = struct{}{}
	s.mu.Unlock()

	p.Active()
}

// ActiveAllPlayers wakes every attached player. It may over-wake;
// PostFrames tolerates spurious wakeups by returning early when there is
// nothing to do.
func (s *Session) ActiveAllPlayers() {
	s.mu.Lock()
	players := make([]*PlayerUser, 0, len(s.players))
	for p := range s.players {
		players = append(players, p)
	}
	s.mu.Unlock()

	for _, p := range players {
		p.Active()
	}
}

// CloseUser removes user from the session (publisher or player) and closes
// its connection exactly once, per the single-shot destroyed discipline.
func (s *Session) CloseUser(u *User) {
	if !u.MarkDestroyed() {
		return
	}

	s.mu.Lock()
	if u.userType.IsPublisher() {
		if s.publisher == u {
			s.publisher = nil
		}
	} else {
		for p := range s.players {
			if &p.User == u {
				delete(s.players, p)
				break
			}
		}
		s.playerLiveTime = nowMS()
	}
	s.mu.Unlock()

	u.Close()
}

// IsTimeout reports whether this session should be garbage collected:
// either the stream has not received a packet for StreamTimeoutMS (S3), or
// there is no publisher and no players and the idle time exceeds
// StreamIdleTimeMS (S2).
func (s *Session) IsTimeout() bool {
	if s.stream.Timeout(s.timeoutMS()) {
		return true
	}

	s.mu.Lock()
	empty := len(s.players) == 0 && s.publisher == nil
	idle := nowMS() - s.playerLiveTime
	s.mu.Unlock()

	return empty && idle > s.idleMS()
}

func (s *Session) timeoutMS() int64 {
	if s.appInfo != nil && s.appInfo.StreamTimeoutMS > 0 {
		return s.appInfo.StreamTimeoutMS
	}
	return DefaultStreamTimeoutMS
}

func (s *Session) idleMS() int64 {
	if s.appInfo != nil && s.appInfo.StreamIdleTimeMS > 0 {
		return s.appInfo.StreamIdleTimeMS
	}
	return DefaultStreamIdleTimeMS
}

// Clear tears down every attached user: best-effort close of the publisher
// first, then each player, after emptying the session's own user set so the
// Session->User references are gone by the time the closes run (the
// User->Session back-pointers then die with the users; Go's tracing GC
// collects the cycle once the registry drops the session). Callers must
// remove the session from the registry before calling Clear so no new
// joins race with teardown.
func (s *Session) Clear() {
	s.mu.Lock()
	publisher := s.publisher
	players := make([]*PlayerUser, 0, len(s.players))
	for p := range s.players {
		players = append(players, p)
	}
	s.publisher = nil
	s.players = make(map[*PlayerUser]struct{})
	s.mu.Unlock()

	if publisher != nil && publisher.MarkDestroyed() {
		publisher.Close()
	}
	for _, p := range players {
		if p.MarkDestroyed() {
			p.Close()
		}
	}
}

// ReadyTime reports the owned stream's ReadyTime.
func (s *Session) ReadyTime() int64 { return s.stream.ReadyTime() }

// SinceStart reports how long this session's stream has existed.
func (s *Session) SinceStart() int64 { return s.stream.SinceStart() }
