package chunk

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestRoundTripSingleChunkMessage(t *testing.T) {
	f := NewFramer()
	msg := &Message{CSID: CSIDVideo, Timestamp: 1000, TypeID: TypeVideo, StreamID: 1, Payload: []byte("keyframe-bytes")}

	raw := f.Encode(msg)

	d := NewFramer()
	got, err := d.Feed(raw)
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d messages, want 1", len(got))
	}
	if got[0].CSID != msg.CSID || got[0].Timestamp != msg.Timestamp || got[0].TypeID != msg.TypeID || got[0].StreamID != msg.StreamID {
		t.Fatalf("header mismatch: %+v", got[0])
	}
	if !bytes.Equal(got[0].Payload, msg.Payload) {
		t.Fatalf("payload mismatch: %q", got[0].Payload)
	}
}

func TestRoundTripMultiChunkMessageSplitsAndReassembles(t *testing.T) {
	f := NewFramer()
	f.OutChunkSize = 16
	payload := bytes.Repeat([]byte{0xAB}, 50)
	msg := &Message{CSID: CSIDVideo, Timestamp: 42, TypeID: TypeVideo, StreamID: 1, Payload: payload}

	raw := f.Encode(msg)

	d := NewFramer()
	d.InChunkSize = 16
	got, err := d.Feed(raw)
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d messages, want 1", len(got))
	}
	if !bytes.Equal(got[0].Payload, payload) {
		t.Fatalf("payload mismatch: len got %d want %d", len(got[0].Payload), len(payload))
	}
}

func TestRoundTripSequenceOfMessagesMonotonicTimestamps(t *testing.T) {
	f := NewFramer()
	d := NewFramer()

	var all []byte
	msgs := []*Message{
		{CSID: CSIDVideo, Timestamp: 0, TypeID: TypeVideo, StreamID: 1, Payload: []byte("a")},
		{CSID: CSIDVideo, Timestamp: 40, TypeID: TypeVideo, StreamID: 1, Payload: []byte("b")},
		{CSID: CSIDAudio, Timestamp: 20, TypeID: TypeAudio, StreamID: 1, Payload: []byte("c")},
		{CSID: CSIDVideo, Timestamp: 80, TypeID: TypeVideo, StreamID: 1, Payload: []byte("d")},
	}
	for _, m := range msgs {
		all = append(all, f.Encode(m)...)
	}

	got, err := d.Feed(all)
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(got) != len(msgs) {
		t.Fatalf("got %d messages, want %d", len(got), len(msgs))
	}
	for i, m := range msgs {
		if got[i].Timestamp != m.Timestamp || !bytes.Equal(got[i].Payload, m.Payload) {
			t.Fatalf("message %d mismatch: got %+v want %+v", i, got[i], m)
		}
	}
}

func TestExtendedTimestampRoundTrips(t *testing.T) {
	f := NewFramer()
	msg := &Message{CSID: CSIDVideo, Timestamp: 0xFFFFFF + 500, TypeID: TypeVideo, StreamID: 1, Payload: []byte("x")}

	raw := f.Encode(msg)

	d := NewFramer()
	got, err := d.Feed(raw)
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(got) != 1 || got[0].Timestamp != msg.Timestamp {
		t.Fatalf("got %+v, want timestamp %d", got, msg.Timestamp)
	}
}

func TestFeedAcceptsOneByteAtATime(t *testing.T) {
	f := NewFramer()
	msg := &Message{CSID: CSIDAudio, Timestamp: 10, TypeID: TypeAudio, StreamID: 1, Payload: []byte("audio-bytes-here")}
	raw := f.Encode(msg)

	d := NewFramer()
	var out []*Message
	for _, b := range raw {
		got, err := d.Feed([]byte{b})
		if err != nil {
			t.Fatalf("Feed: %v", err)
		}
		out = append(out, got...)
	}
	if len(out) != 1 {
		t.Fatalf("got %d messages, want 1", len(out))
	}
	if !bytes.Equal(out[0].Payload, msg.Payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestSetChunkSizeAppliesToNextMessageNotCurrent(t *testing.T) {
	d := NewFramer()

	// First message, still at the default chunk size, larger than the
	// new size we are about to request: must NOT be resplit retroactively.
	f := NewFramer()
	firstPayload := bytes.Repeat([]byte{0x01}, 200)
	first := f.Encode(&Message{CSID: CSIDVideo, Timestamp: 0, TypeID: TypeVideo, StreamID: 1, Payload: firstPayload})

	var scBody [4]byte
	binary.BigEndian.PutUint32(scBody[:], 64)
	setChunkSize := f.Encode(&Message{CSID: CSIDProtocol, Timestamp: 0, TypeID: TypeSetChunkSize, StreamID: 0, Payload: scBody[:]})

	secondPayload := bytes.Repeat([]byte{0x02}, 200)
	second := f.Encode(&Message{CSID: CSIDVideo, Timestamp: 40, TypeID: TypeVideo, StreamID: 1, Payload: secondPayload})

	var all []byte
	all = append(all, first...)
	all = append(all, setChunkSize...)
	all = append(all, second...)

	got, err := d.Feed(all)
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d messages, want 3", len(got))
	}
	if !bytes.Equal(got[0].Payload, firstPayload) {
		t.Fatalf("first payload mismatch")
	}
	if got[1].TypeID != TypeSetChunkSize {
		t.Fatalf("expected set-chunk-size message second")
	}
	if d.InChunkSize != 64 {
		t.Fatalf("InChunkSize = %d, want 64", d.InChunkSize)
	}
	if !bytes.Equal(got[2].Payload, secondPayload) {
		t.Fatalf("second payload mismatch")
	}
}

func TestDeclaredLengthOverCapIsRejected(t *testing.T) {
	d := NewFramer()
	hdr := make([]byte, 11)
	putU24(hdr[0:3], 0)
	putU24(hdr[3:6], MaxMessageLength+1)
	hdr[6] = TypeVideo
	binary.LittleEndian.PutUint32(hdr[7:11], 1)

	buf := []byte{0x03} // format 0, csid 3
	buf = append(buf, hdr...)

	if _, err := d.Feed(buf); err != ErrMessageTooLarge {
		t.Fatalf("got %v, want ErrMessageTooLarge", err)
	}
}

func TestAbandonsPartialMessageOnFreshFormat0(t *testing.T) {
	f := NewFramer()
	f.OutChunkSize = 8

	// Build a format-0 header for a 20-byte message but only deliver the
	// first chunk, then send a brand new format-0 header on the same
	// csid: the partial bytes from the first message must be discarded.
	partial := &Message{CSID: CSIDVideo, Timestamp: 0, TypeID: TypeVideo, StreamID: 1, Payload: bytes.Repeat([]byte{0xEE}, 20)}
	raw := f.Encode(partial)
	firstChunkLen := 1 + 11 + 8 // basic header + format0 header + one 8-byte payload chunk

	d := NewFramer()
	d.InChunkSize = 8
	if _, err := d.Feed(raw[:firstChunkLen]); err != nil {
		t.Fatalf("Feed partial: %v", err)
	}

	fresh := &Message{CSID: CSIDVideo, Timestamp: 500, TypeID: TypeVideo, StreamID: 1, Payload: []byte("brand-new")}
	freshRaw := NewFramer()
	freshRaw.OutChunkSize = 8
	got, err := d.Feed(freshRaw.Encode(fresh))
	if err != nil {
		t.Fatalf("Feed fresh: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d messages, want 1", len(got))
	}
	if !bytes.Equal(got[0].Payload, fresh.Payload) {
		t.Fatalf("payload mismatch: got %q, want %q", got[0].Payload, fresh.Payload)
	}
}
