// Package codec recognizes audio/video codec identifiers, key frames and
// sequence headers from the first bytes of an RTMP audio/video message
// payload, following the FLV tag-byte layout. It deliberately stops at the
// tag bytes: nothing in this server needs decoded bitstream parameters.
package codec

// Audio sound format identifiers, FLV/RTMP tag byte high nibble.
const (
	AudioFormatAAC  = 10
	AudioFormatOpus = 13
)

// Video codec identifiers, FLV/RTMP tag byte low nibble.
const (
	VideoCodecAVC  = 7
	VideoCodecHEVC = 12
)

const videoFrameTypeKey = 1

var audioCodecNames = []string{
	"",
	"ADPCM",
	"MP3",
	"LinearLE",
	"Nellymoser16",
	"Nellymoser8",
	"Nellymoser",
	"G711A",
	"G711U",
	"",
	"AAC",
	"Speex",
	"",
	"OPUS",
	"MP3-8K",
	"DeviceSpecific",
	"Uncompressed",
}

var videoCodecNames = []string{
	"",
	"Jpeg",
	"Sorenson-H263",
	"ScreenVideo",
	"On2-VP6",
	"On2-VP6-Alpha",
	"ScreenVideo2",
	"H264",
	"",
	"",
	"",
	"",
	"H265",
}

// AudioCodecName returns the display name for a sound format identifier,
// or "Unknown" for identifiers outside the FLV table.
func AudioCodecName(format int) string {
	if format < 0 || format >= len(audioCodecNames) || audioCodecNames[format] == "" {
		return "Unknown"
	}
	return audioCodecNames[format]
}

// VideoCodecName returns the display name for a video codec identifier, or
// "Unknown" for identifiers outside the FLV table.
func VideoCodecName(id int) string {
	if id < 0 || id >= len(videoCodecNames) || videoCodecNames[id] == "" {
		return "Unknown"
	}
	return videoCodecNames[id]
}

// AudioFormat returns the sound format nibble from an audio payload's
// first byte, or -1 if the payload is empty.
func AudioFormat(payload []byte) int {
	if len(payload) == 0 {
		return -1
	}
	return int((payload[0] >> 4) & 0x0f)
}

// IsAudioSequenceHeader reports whether payload is an AAC/Opus sequence
// header (packet type byte, the second byte, is 0).
func IsAudioSequenceHeader(payload []byte) bool {
	if len(payload) < 2 {
		return false
	}
	format := AudioFormat(payload)
	return (format == AudioFormatAAC || format == AudioFormatOpus) && payload[1] == 0
}

// VideoFrameType returns the frame-type nibble (1 = key frame, 2 = inter
// frame, ...) from a video payload's first byte, or -1 if empty.
func VideoFrameType(payload []byte) int {
	if len(payload) == 0 {
		return -1
	}
	return int((payload[0] >> 4) & 0x0f)
}

// VideoCodecID returns the codec id nibble from a video payload's first
// byte, or -1 if empty.
func VideoCodecID(payload []byte) int {
	if len(payload) == 0 {
		return -1
	}
	return int(payload[0] & 0x0f)
}

// IsVideoKeyFrame reports whether payload is tagged as a key frame.
func IsVideoKeyFrame(payload []byte) bool {
	return VideoFrameType(payload) == videoFrameTypeKey
}

// IsVideoSequenceHeader reports whether payload is an AVC/HEVC sequence
// header: a key frame whose packet type byte (the second byte) is 0.
func IsVideoSequenceHeader(payload []byte) bool {
	if len(payload) < 2 {
		return false
	}
	codecID := VideoCodecID(payload)
	return (codecID == VideoCodecAVC || codecID == VideoCodecHEVC) && VideoFrameType(payload) == videoFrameTypeKey && payload[1] == 0
}
