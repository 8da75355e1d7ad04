package live

import "github.com/liveflow/rtmp-server/internal/live/timecorrector"

// Pusher is the small capability interface a connection's protocol adapter
// exposes so PlayerUser.PostFrames stays protocol-agnostic. Today only the
// RTMP adapter implements it.
type Pusher interface {
	PushHeader(p *Packet) error
	PushMedia(packets []*Packet) error
}

// PlayerUser extends User with playback-cursor state: staged headers
// awaiting transmission, the last emitted packet index, the header-cache
// version observed at the last locate, and the frames queued for the next
// write cycle.
type PlayerUser struct {
	User

	meta        *Packet
	audioHeader *Packet
	videoHeader *Packet

	waitMeta  bool
	waitAudio bool
	waitVideo bool

	outIndex          int64
	outFrameTimestamp int64
	outVersion        int32
	outFrames         []*Packet

	waitStarted int64
	waitTimeout bool

	corrector *timecorrector.Corrector

	pusher Pusher

	activate   func()
	deactivate func()
}

// NewPlayerUser builds a PlayerUser bound to conn/stream/session, with its
// cursor unset (outIndex -1 means "not yet located").
func NewPlayerUser(conn Conn, stream *Stream, session *Session, pusher Pusher) *PlayerUser {
	return &PlayerUser{
		User:       *NewUser(conn, stream, session),
		waitMeta:   true,
		waitAudio:  true,
		waitVideo:  true,
		outIndex:   -1,
		outVersion: -1,
		corrector:  timecorrector.New(),
		pusher:     pusher,
	}
}

// WaitTimeout reports the one-shot diagnostic latch set when a player has
// waited at least a second without a qualifying keyframe being available.
func (p *PlayerUser) WaitTimeout() bool { return p.waitTimeout }

// OutIndex returns the last packet index emitted to this player, or -1 if
// it has not yet located a starting point.
func (p *PlayerUser) OutIndex() int64 { return p.outIndex }

// PostFrames drains whatever GetFrames staged, one push per wakeup: meta,
// then audio header, then video header, then queued media frames, then
// deactivate. Header sends bypass the time corrector; media sends use it.
func (p *PlayerUser) PostFrames() bool {
	if !p.stream.Ready() || !p.stream.HasMedia() {
		return false
	}

	p.stream.GetFrames(p, p.contentLatencyMS())

	switch {
	case p.meta != nil:
		if err := p.pusher.PushHeader(p.meta); err == nil {
			p.meta = nil
			p.waitMeta = false
		}
	case p.audioHeader != nil:
		if err := p.pusher.PushHeader(p.audioHeader); err == nil {
			p.audioHeader = nil
			p.waitAudio = false
		}
	case p.videoHeader != nil:
		if err := p.pusher.PushHeader(p.videoHeader); err == nil {
			p.videoHeader = nil
			p.waitVideo = false
		}
	case len(p.outFrames) > 0:
		// Ring packets are shared by every player, so a corrected
		// timestamp goes on a shallow copy, never the packet itself.
		staged := make([]*Packet, 0, len(p.outFrames))
		for _, pkt := range p.outFrames {
			kind := timecorrector.KindUnknown
			switch {
			case pkt.IsCodecHeader() || pkt.IsMeta():
				kind = timecorrector.KindHeader
			case pkt.IsVideo():
				kind = timecorrector.KindVideo
			case pkt.IsAudio():
				kind = timecorrector.KindAudio
			}
			ts, ok := p.corrector.Correct(kind, pkt.Timestamp)
			if !ok {
				continue
			}
			if ts != pkt.Timestamp {
				cp := *pkt
				cp.Timestamp = ts
				pkt = &cp
			}
			staged = append(staged, pkt)
		}
		if err := p.pusher.PushMedia(staged); err == nil {
			p.outFrames = p.outFrames[:0]
		}
	default:
		p.Deactive()
	}

	return true
}

// contentLatencyMS is overridden per-session via the owning Session's
// AppInfo; a PlayerUser with no session or AppInfo uses the default.
func (p *PlayerUser) contentLatencyMS() int64 {
	if p.session != nil && p.session.appInfo != nil {
		return p.session.appInfo.ContentLatencyMS
	}
	return DefaultContentLatencyMS
}

// Active/Deactive are the scheduling hooks a connection's event adapter
// uses to drive PostFrames; they are intentionally thin so protocol
// adapters can wire them into whatever wakeup mechanism they use (RTMP
// adapter wires them into a per-connection goroutine channel).
func (p *PlayerUser) Active() {
	if p.activate != nil {
		p.activate()
	}
}

func (p *PlayerUser) Deactive() {
	if p.deactivate != nil {
		p.deactivate()
	}
}

// SetScheduling installs the activate/deactivate callbacks used by Active
// and Deactive above.
func (p *PlayerUser) SetScheduling(activate, deactivate func()) {
	p.activate = activate
	p.deactivate = deactivate
}
