// Package chunk implements RTMP chunk (de)framing: splitting and
// reassembling messages into/from the 1-18 byte chunk headers, including
// the csid escape encodings for ids >= 64 and >= 320, the format 0
// little-endian stream-id exception, and extended-timestamp handling.
//
// The decoder always trusts the last format-0/1 header seen on a chunk
// stream and never resizes a reassembly buffer mid-message.
package chunk

import (
	"encoding/binary"
	"errors"
)

const (
	DefaultChunkSize = 128

	// MaxMessageLength caps the declared message length a peer may send.
	// Kept under the 24-bit length field's ceiling so oversized
	// declarations are representable on the wire and rejected here.
	MaxMessageLength = 8 * 1024 * 1024
)

var (
	ErrChunkHeader   = errors.New("chunk: malformed header")
	ErrMessageTooLarge = errors.New("chunk: declared message length exceeds cap")
	ErrNeedMoreData = errors.New("chunk: need more data")
)

// csState is the per-chunk-stream-id bookkeeping the decoding contract
// requires: the last full header, the last delta, whether that header
// used an extended timestamp, and any in-progress reassembly.
type csState struct {
	haveHeader    bool
	timestamp     uint32 // absolute
	delta         uint32
	length        uint32
	typeID        byte
	streamID      uint32
	usedExtended  bool

	// reassembly
	inProgress  bool
	msgLength   uint32 // trusted length for the CURRENT message; set from last fmt0/1 header
	msgTypeID   byte
	msgStreamID uint32
	msgTimestamp uint32
	payload     []byte
}

// Framer decodes an inbound byte stream into Messages and encodes outbound
// Messages into chunk bytes, each direction with its own independent chunk
// size and per-csid state.
type Framer struct {
	InChunkSize  uint32
	OutChunkSize uint32

	buf []byte // bytes fed but not yet consumed

	in  map[uint32]*csState
	out map[uint32]*csState
}

// NewFramer returns a Framer with both chunk sizes at the RTMP default
// (128 bytes).
func NewFramer() *Framer {
	return &Framer{
		InChunkSize:  DefaultChunkSize,
		OutChunkSize: DefaultChunkSize,
		in:           make(map[uint32]*csState),
		out:          make(map[uint32]*csState),
	}
}

// Feed appends data to the framer's internal buffer and decodes as many
// complete messages as are available. It returns every message completed
// by this call (zero or more) and consumes exactly the bytes needed from
// the combined buffer, retaining any partial chunk for the next call.
func (f *Framer) Feed(data []byte) ([]*Message, error) {
	f.buf = append(f.buf, data...)

	var out []*Message
	for {
		msg, consumed, err := f.tryParseOne(f.buf)
		if err == ErrNeedMoreData {
			break
		}
		if err != nil {
			return out, err
		}
		f.buf = f.buf[consumed:]
		if msg != nil {
			out = append(out, msg)
		}
	}
	return out, nil
}

// tryParseOne attempts to parse exactly one chunk (not necessarily a whole
// message) from buf. It returns a completed Message only when the chunk
// finishes reassembly of its message.
//
// Header fields are parsed into locals and only committed to the per-csid
// state once the whole chunk (header, extended timestamp, and payload
// portion) is known to be present: a partial chunk returns ErrNeedMoreData
// with no state change, so the re-parse on the next Feed does not apply a
// timestamp delta twice.
func (f *Framer) tryParseOne(buf []byte) (*Message, int, error) {
	pos := 0

	if len(buf) < 1 {
		return nil, 0, ErrNeedMoreData
	}

	fmtBits := buf[0] >> 6
	csidLow := buf[0] & 0x3F

	var csid uint32
	switch csidLow {
	case 0:
		if len(buf) < 2 {
			return nil, 0, ErrNeedMoreData
		}
		csid = 64 + uint32(buf[1])
		pos = 2
	case 1:
		if len(buf) < 3 {
			return nil, 0, ErrNeedMoreData
		}
		csid = 64 + uint32(buf[1]) + uint32(buf[2])*256
		pos = 3
	default:
		csid = uint32(csidLow)
		pos = 1
	}

	st, ok := f.in[csid]
	if !ok {
		st = &csState{}
		f.in[csid] = st
	}

	headerLen := []int{11, 7, 3, 0}[fmtBits]
	if len(buf) < pos+headerLen {
		return nil, 0, ErrNeedMoreData
	}

	// Prospective header values; committed only after the availability
	// checks below pass.
	timestamp := st.timestamp
	delta := st.delta
	length := st.length
	typeID := st.typeID
	streamID := st.streamID
	usedExtended := st.usedExtended
	startsNew := false

	switch fmtBits {
	case 0:
		tsField := u24(buf[pos:])
		length = u24(buf[pos+3:])
		typeID = buf[pos+6]
		streamID = binary.LittleEndian.Uint32(buf[pos+7:])
		pos += headerLen

		extended, n, err := f.maybeReadExtended(buf[pos:], tsField)
		if err != nil {
			return nil, 0, err
		}
		pos += n

		usedExtended = tsField == 0xFFFFFF
		timestamp = tsField
		if usedExtended {
			timestamp = extended
		}
		delta = 0
		startsNew = true

	case 1:
		if !st.haveHeader {
			return nil, 0, ErrChunkHeader
		}
		dField := u24(buf[pos:])
		length = u24(buf[pos+3:])
		typeID = buf[pos+6]
		pos += headerLen

		extended, n, err := f.maybeReadExtended(buf[pos:], dField)
		if err != nil {
			return nil, 0, err
		}
		pos += n

		usedExtended = dField == 0xFFFFFF
		delta = dField
		if usedExtended {
			delta = extended
		}
		timestamp = st.timestamp + delta
		streamID = st.streamID
		startsNew = true

	case 2:
		if !st.haveHeader {
			return nil, 0, ErrChunkHeader
		}
		dField := u24(buf[pos:])
		pos += headerLen

		extended, n, err := f.maybeReadExtended(buf[pos:], dField)
		if err != nil {
			return nil, 0, err
		}
		pos += n

		usedExtended = dField == 0xFFFFFF
		delta = dField
		if usedExtended {
			delta = extended
		}
		timestamp = st.timestamp + delta
		startsNew = true

	case 3:
		if !st.haveHeader {
			return nil, 0, ErrChunkHeader
		}
		// Format 3 repeats the extended timestamp iff the last header
		// for this csid used one. The repeated value is only present
		// to be skipped.
		if st.usedExtended {
			if len(buf) < pos+4 {
				return nil, 0, ErrNeedMoreData
			}
			pos += 4
		}
		if !st.inProgress {
			// A format-3 basic header with no message in flight starts
			// a new message reusing the previous header's delta,
			// length, type and stream id verbatim (the common constant
			// bitrate case), rather than being a pure continuation.
			timestamp = st.timestamp + st.delta
			startsNew = true
		}
	}

	if length > MaxMessageLength {
		return nil, 0, ErrMessageTooLarge
	}

	// A format 0/1/2 header always begins a new message: any partial
	// reassembly on this csid is abandoned. The message length is
	// whatever the last format-0/1 header declared; it is never resized
	// mid-message.
	payloadSoFar := uint32(len(st.payload))
	if startsNew {
		payloadSoFar = 0
	}

	remaining := length - payloadSoFar
	take := remaining
	if take > f.InChunkSize {
		take = f.InChunkSize
	}
	if len(buf) < pos+int(take) {
		return nil, 0, ErrNeedMoreData
	}

	// Commit.
	st.haveHeader = true
	st.timestamp = timestamp
	st.delta = delta
	st.length = length
	st.typeID = typeID
	st.streamID = streamID
	st.usedExtended = usedExtended
	if startsNew {
		st.inProgress = true
		st.msgLength = length
		st.msgTypeID = typeID
		st.msgStreamID = streamID
		st.msgTimestamp = timestamp
		if st.payload == nil {
			st.payload = make([]byte, 0, length)
		} else {
			st.payload = st.payload[:0]
		}
	}

	st.payload = append(st.payload, buf[pos:pos+int(take)]...)
	pos += int(take)

	if uint32(len(st.payload)) >= st.msgLength {
		msg := &Message{
			CSID:      csid,
			Timestamp: st.msgTimestamp,
			TypeID:    st.msgTypeID,
			StreamID:  st.msgStreamID,
			Payload:   st.payload,
		}
		st.inProgress = false
		st.payload = nil

		if msg.TypeID == TypeSetChunkSize && len(msg.Payload) >= 4 {
			// Takes effect on the next chunk boundary, which is
			// exactly "now", since it is applied only after this
			// chunk has been fully consumed.
			f.InChunkSize = binary.BigEndian.Uint32(msg.Payload) & 0x7FFFFFFF
		}

		return msg, pos, nil
	}

	return nil, pos, nil
}

func (f *Framer) maybeReadExtended(buf []byte, tsField uint32) (uint32, int, error) {
	if tsField != 0xFFFFFF {
		return 0, 0, nil
	}
	if len(buf) < 4 {
		return 0, 0, ErrNeedMoreData
	}
	return binary.BigEndian.Uint32(buf), 4, nil
}

func u24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

func putU24(b []byte, v uint32) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}

// Encode serializes msg as a format-0 chunk stream: every message starts
// a fresh full header on its csid, split into OutChunkSize payload chunks
// with format-3 continuations. No delta compression is applied across
// messages.
func (f *Framer) Encode(msg *Message) []byte {
	var out []byte
	out = appendBasicHeader(out, 0, msg.CSID)

	ts := msg.Timestamp
	tsField := ts
	extended := ts >= 0xFFFFFF
	if extended {
		tsField = 0xFFFFFF
	}

	hdr := make([]byte, 11)
	putU24(hdr[0:3], tsField)
	putU24(hdr[3:6], uint32(len(msg.Payload)))
	hdr[6] = msg.TypeID
	binary.LittleEndian.PutUint32(hdr[7:11], msg.StreamID)
	out = append(out, hdr...)
	if extended {
		var ext [4]byte
		binary.BigEndian.PutUint32(ext[:], ts)
		out = append(out, ext[:]...)
	}

	payload := msg.Payload
	first := true
	for len(payload) > 0 {
		n := uint32(len(payload))
		if n > f.OutChunkSize {
			n = f.OutChunkSize
		}
		if !first {
			out = appendBasicHeader(out, 3, msg.CSID)
			if extended {
				var ext [4]byte
				binary.BigEndian.PutUint32(ext[:], ts)
				out = append(out, ext[:]...)
			}
		}
		out = append(out, payload[:n]...)
		payload = payload[n:]
		first = false
	}

	if msg.TypeID == TypeSetChunkSize && len(msg.Payload) >= 4 {
		f.OutChunkSize = binary.BigEndian.Uint32(msg.Payload) & 0x7FFFFFFF
	}

	return out
}

// appendBasicHeader appends the 1/2/3-byte basic header encoding csid with
// the given format bits, using the escape encodings for ids >= 64.
func appendBasicHeader(out []byte, fmtBits byte, csid uint32) []byte {
	switch {
	case csid < 64:
		return append(out, fmtBits<<6|byte(csid))
	case csid < 320:
		return append(out, fmtBits<<6, byte(csid-64))
	default:
		rest := csid - 64
		return append(out, fmtBits<<6|1, byte(rest), byte(rest>>8))
	}
}
