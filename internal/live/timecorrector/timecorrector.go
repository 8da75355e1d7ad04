// Package timecorrector sanitizes publisher timestamps so audio and video
// stay in sync even when the inbound stream carries jitter, resets, or
// adversarial jumps.
package timecorrector

const (
	maxVideoDeltaMS     = 100
	maxAudioDeltaMS     = 100
	defaultVideoDeltaMS = 40
	defaultAudioDeltaMS = 20
)

// Kind tells the corrector which correction formula a packet needs.
type Kind int

const (
	KindVideo Kind = iota
	KindAudio
	KindHeader
	KindUnknown
)

// Corrector holds the running state for one stream or one player's outbound
// cursor. The zero value is ready to use.
type Corrector struct {
	videoOriginal int64
	videoCorrected int64
	audioOriginal  int64
	audioCorrected int64
	audioSinceVideo int32

	videoSeen bool
	audioSeen bool
}

// New returns a ready-to-use Corrector.
func New() *Corrector {
	return &Corrector{}
}

// Correct applies the appropriate formula for kind and returns the corrected
// timestamp in milliseconds. Header packets pass through with their original
// timestamp unchanged and do not mutate any state. Unknown packet kinds are
// not distributed: ok is false and ts is meaningless.
func (c *Corrector) Correct(kind Kind, ts int64) (out int64, ok bool) {
	switch kind {
	case KindHeader:
		return ts, true
	case KindVideo:
		return c.correctVideo(ts), true
	case KindAudio:
		return c.correctAudioByVideo(ts), true
	default:
		return 0, false
	}
}

func (c *Corrector) correctVideo(ts int64) int64 {
	c.audioSinceVideo = 0

	if !c.videoSeen {
		c.videoSeen = true
		c.videoOriginal = ts
		c.videoCorrected = ts

		if c.audioSeen {
			delta := c.audioOriginal - c.videoOriginal
			if delta <= -maxVideoDeltaMS || delta >= maxVideoDeltaMS {
				c.videoOriginal = c.audioOriginal
				c.videoCorrected = c.audioCorrected
			}
		}
	}

	delta := ts - c.videoOriginal
	if delta <= -maxVideoDeltaMS || delta >= maxVideoDeltaMS {
		delta = defaultVideoDeltaMS
	}

	c.videoOriginal = ts
	c.videoCorrected += delta
	if c.videoCorrected < 0 {
		c.videoCorrected = 0
	}

	return c.videoCorrected
}

// correctAudioByVideo is invoked for every audio packet. The first audio
// packet after a video packet anchors against the video baseline; any
// further audio before the next video delegates to the by-audio formula.
func (c *Corrector) correctAudioByVideo(ts int64) int64 {
	c.audioSinceVideo++

	if c.audioSinceVideo > 1 {
		return c.correctAudioByAudio(ts)
	}

	if !c.videoSeen {
		c.audioSeen = true
		c.audioOriginal = ts
		c.audioCorrected = ts
		return ts
	}

	delta := ts - c.videoOriginal
	fine := delta > -maxVideoDeltaMS && delta < maxVideoDeltaMS
	if !fine {
		delta = defaultVideoDeltaMS
	}

	c.audioSeen = true
	c.audioOriginal = ts
	c.audioCorrected = c.videoCorrected + delta
	if c.audioCorrected < 0 {
		c.audioCorrected = 0
	}

	return c.audioCorrected
}

func (c *Corrector) correctAudioByAudio(ts int64) int64 {
	if !c.audioSeen {
		c.audioSeen = true
		c.audioOriginal = ts
		c.audioCorrected = ts
		return ts
	}

	delta := ts - c.audioOriginal
	fine := delta > -maxAudioDeltaMS && delta < maxAudioDeltaMS
	if !fine {
		delta = defaultAudioDeltaMS
	}

	c.audioOriginal = ts
	c.audioCorrected += delta
	if c.audioCorrected < 0 {
		c.audioCorrected = 0
	}

	return c.audioCorrected
}
