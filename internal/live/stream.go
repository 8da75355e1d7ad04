package live

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/liveflow/rtmp-server/internal/live/timecorrector"
)

const (
	// DefaultCapacity is the ring buffer size NewStream uses when given a
	// capacity <= 0.
	DefaultCapacity = 1000

	activeWakeBurst       = 300
	activeWakeEveryN      = 5
	prefetchBatch         = 10
	locateWaitTimeoutMS   = 1000
	lagSkipLatencyFactor  = 2
)

// Stream is the ring buffer of recent packets for one session, along with
// its GOP index, cached codec headers and a monotonic version counter.
// Players never have packets pushed at them; each advances its own cursor
// through the ring via GetFrames.
type Stream struct {
	sessionName string
	capacity    int64

	mu          sync.Mutex
	ring        []*Packet
	gop         gopIndex
	headers     headerCache
	version     atomic.Int32
	nextIndex   atomic.Int64

	hasAudio bool
	hasVideo bool
	hasMeta  bool
	ready    bool

	startTimestamp       int64
	readyTimestamp       int64
	dataComingTimestamp  int64
	lastPacketWallClock  int64

	corrector *timecorrector.Corrector

	ingestCount int64
	onActive    func()
}

// NewStream creates an empty Stream with the given ring capacity (the
// default of 1000 is used if capacity <= 0).
func NewStream(sessionName string, capacity int) *Stream {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Stream{
		sessionName: sessionName,
		capacity:    int64(capacity),
		ring:        make([]*Packet, capacity),
		corrector:   timecorrector.New(),
		startTimestamp: nowMS(),
	}
}

func nowMS() int64 { return time.Now().UnixMilli() }

// SetOnActive installs the callback Ingest invokes to wake players (every
// packet for the first 300, then every 5th).
func (s *Stream) SetOnActive(fn func()) {
	s.mu.Lock()
	s.onActive = fn
	s.mu.Unlock()
}

// Ready reports whether the stream has received its first video keyframe.
func (s *Stream) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// HasMedia reports whether the stream has received any audio or video yet.
func (s *Stream) HasMedia() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasAudio || s.hasVideo
}

// Version returns the current header-cache version.
func (s *Stream) Version() int32 { return s.version.Load() }

// NextIndex returns the index that will be assigned to the next ingested
// packet.
func (s *Stream) NextIndex() int64 { return s.nextIndex.Load() }

// correctedKind maps a Packet's type bitmask onto the timecorrector.Kind the
// publisher-side corrector needs.
func correctedKind(p *Packet) timecorrector.Kind {
	switch {
	case p.IsCodecHeader() || p.IsMeta():
		return timecorrector.KindHeader
	case p.IsVideo():
		return timecorrector.KindVideo
	case p.IsAudio():
		return timecorrector.KindAudio
	default:
		return timecorrector.KindUnknown
	}
}

// Ingest runs one publisher packet through timestamp correction, index
// assignment, GOP/header bookkeeping and ring insertion. The onActive
// callback runs (outside the stream lock) if players should be woken.
func (s *Stream) Ingest(p *Packet) (wake bool) {
	if corrected, ok := s.corrector.Correct(correctedKind(p), p.Timestamp); ok {
		p.Timestamp = corrected
	}

	s.mu.Lock()

	idx := s.nextIndex.Load()
	s.nextIndex.Add(1)
	p.Index = idx

	if p.IsVideo() && p.IsKeyFrame() && !s.ready {
		s.ready = true
		s.readyTimestamp = p.Timestamp
	}
	if p.IsVideo() {
		s.hasVideo = true
	}
	if p.IsAudio() {
		s.hasAudio = true
	}
	if p.IsMeta() {
		s.hasMeta = true
	}

	s.gop.addFrame(p)

	if p.IsCodecHeader() {
		switch {
		case p.IsMeta():
			s.headers.push(&s.headers.meta, p)
		case p.IsAudio():
			s.headers.push(&s.headers.audioHeader, p)
		case p.IsVideo():
			s.headers.push(&s.headers.videoHeader, p)
		}
		s.version.Add(1)
	} else if p.IsMeta() {
		s.headers.push(&s.headers.meta, p)
		s.version.Add(1)
	}

	s.ring[idx%s.capacity] = p

	floor := idx - s.capacity
	if floor >= 0 {
		s.gop.clearExpired(floor)
	}

	now := nowMS()
	if s.dataComingTimestamp == 0 {
		s.dataComingTimestamp = now
	}
	s.lastPacketWallClock = now

	s.ingestCount++
	count := s.ingestCount
	onActive := s.onActive

	s.mu.Unlock()

	wake = count <= activeWakeBurst || count%activeWakeEveryN == 0
	if wake && onActive != nil {
		onActive()
	}
	return wake
}

// locateResult carries the snapshot produced by Locate/Lag-skip, consumed
// by the caller to populate a PlayerUser's staged headers.
type locateResult struct {
	outIndex    int64
	meta        *Packet
	audioHeader *Packet
	videoHeader *Packet
	found       bool
}

// locate finds the oldest keyframe still within contentLatencyMS of the
// newest data and snapshots the header cache at that position.
func (s *Stream) locate(contentLatencyMS int64) locateResult {
	kfIndex, _ := s.gop.getByLatency(contentLatencyMS)
	if kfIndex < 0 {
		return locateResult{found: false}
	}

	out := kfIndex - 1
	return locateResult{
		outIndex:    out,
		meta:        atOrBefore(s.headers.meta, out),
		audioHeader: atOrBefore(s.headers.audioHeader, out),
		videoHeader: atOrBefore(s.headers.videoHeader, out),
		found:       true,
	}
}

// GetFrames advances a player's cursor: locate, lag-skip, prefetch. It is
// a no-op if the stream lacks media or the player still has staged work
// pending.
func (s *Stream) GetFrames(p *PlayerUser, contentLatencyMS int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hasAudio && !s.hasVideo {
		return
	}
	if p.meta != nil || p.audioHeader != nil || p.videoHeader != nil || len(p.outFrames) > 0 {
		return
	}

	if p.outIndex < 0 {
		loc := s.locate(contentLatencyMS)
		if !loc.found {
			if p.waitStarted == 0 {
				p.waitStarted = nowMS()
			} else if nowMS()-p.waitStarted >= locateWaitTimeoutMS {
				p.waitTimeout = true
			}
			return
		}
		s.applyLocate(p, loc)
	} else if p.outIndex < s.nextIndex.Load()-s.capacity ||
		s.gop.latestTimestamp-p.outFrameTimestamp > lagSkipLatencyFactor*contentLatencyMS ||
		p.outVersion != s.version.Load() {
		// Lag-skip, or the header cache changed under the player (a new
		// publisher supplied fresh codec headers): re-locate so the new
		// headers are emitted before any further media.
		loc := s.locate(contentLatencyMS)
		if loc.found {
			s.applyLocate(p, loc)
		}
	}

	p.outVersion = s.version.Load()

	start := p.outIndex + 1
	end := s.nextIndex.Load()
	count := 0
	for idx := start; idx < end && count < prefetchBatch; idx++ {
		pkt := s.ring[idx%s.capacity]
		if pkt == nil || pkt.Index != idx {
			break
		}
		p.outFrames = append(p.outFrames, pkt)
		p.outIndex = idx
		p.outFrameTimestamp = pkt.Timestamp
		count++
	}
}

// applyLocate installs a locate result on the player. The cursor only ever
// moves forward; a re-locate triggered by a header-cache change keeps the
// current position if the qualifying keyframe is older than it.
func (s *Stream) applyLocate(p *PlayerUser, loc locateResult) {
	if loc.outIndex > p.outIndex {
		p.outIndex = loc.outIndex
	}
	p.waitStarted = 0
	p.waitTimeout = false
	if loc.meta != nil {
		p.meta = loc.meta
		p.waitMeta = true
	}
	if loc.audioHeader != nil {
		p.audioHeader = loc.audioHeader
		p.waitAudio = true
	}
	if loc.videoHeader != nil {
		p.videoHeader = loc.videoHeader
		p.waitVideo = true
	}
}

// SessionName returns the canonical "domain/app/stream" key this stream
// belongs to.
func (s *Stream) SessionName() string { return s.sessionName }

// ReadyTime returns the timestamp (ms, stream-relative) of the first
// keyframe observed.
func (s *Stream) ReadyTime() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readyTimestamp
}

// SinceStart returns how long, in milliseconds, this Stream has existed.
func (s *Stream) SinceStart() int64 {
	return nowMS() - s.startTimestamp
}

// Timeout reports whether the stream has gone longer than timeoutMS
// without receiving a packet, or has never received one for longer than
// timeoutMS since creation.
func (s *Stream) Timeout(timeoutMS int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	last := s.lastPacketWallClock
	if last == 0 {
		last = s.startTimestamp
	}
	return nowMS()-last > timeoutMS
}
