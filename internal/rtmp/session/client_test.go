package session

import (
	"bytes"
	"testing"
	"time"

	"github.com/liveflow/rtmp-server/internal/live"
	"github.com/liveflow/rtmp-server/internal/rtmp/chunk"
	"github.com/liveflow/rtmp-server/internal/rtmp/proto"
)

type clientRecorder struct {
	prepared chan struct{}
	media    chan *chunk.Message
}

func newClientRecorder() *clientRecorder {
	return &clientRecorder{
		prepared: make(chan struct{}),
		media:    make(chan *chunk.Message, 64),
	}
}

func (r *clientRecorder) OnPublishPrepare(*Client) { close(r.prepared) }

func (r *clientRecorder) OnMediaPacket(_ *Client, m *chunk.Message) {
	select {
	case r.media <- m:
	default:
	}
}

func (r *clientRecorder) nextMedia(t *testing.T) *chunk.Message {
	t.Helper()
	for {
		select {
		case m := <-r.media:
			if m.TypeID == chunk.TypeDataAMF0 {
				if data, err := proto.DecodeData(m.Payload); err == nil && data.Tag == "|RtmpSampleAccess" {
					continue
				}
			}
			return m
		case <-time.After(testTimeout):
			t.Fatalf("timed out waiting for media")
		}
	}
}

// A Client publishing through the server and a second Client playing the
// result exercises the full command progression on both roles: connect ->
// _result(1) -> createStream -> _result(4) -> publish/play.
func TestClientPublishesAndClientPlays(t *testing.T) {
	registry := live.NewRegistry(nil)
	addr := startServer(t, registry)

	pubRec := newClientRecorder()
	pub, err := DialClient(addr.String(), "live", "relay", ClientRolePublisher, pubRec)
	if err != nil {
		t.Fatalf("dial publisher: %v", err)
	}
	t.Cleanup(pub.Close)
	go pub.Run()

	select {
	case <-pubRec.prepared:
	case <-time.After(testTimeout):
		t.Fatalf("publisher never reached the prepared state")
	}
	if pub.StreamID() != 1 {
		t.Fatalf("publisher stream id = %d, want 1", pub.StreamID())
	}

	pub.SendMedia(chunk.TypeAudio, 0, aacHeader)
	pub.SendMedia(chunk.TypeVideo, 0, avcHeader)
	pub.SendMedia(chunk.TypeVideo, 0, keyFrame)
	pub.SendMedia(chunk.TypeVideo, 40, interFrame)

	plRec := newClientRecorder()
	pl, err := DialClient(addr.String(), "live", "relay", ClientRolePlayer, plRec)
	if err != nil {
		t.Fatalf("dial player: %v", err)
	}
	t.Cleanup(pl.Close)
	go pl.Run()

	m := plRec.nextMedia(t)
	if m.TypeID != chunk.TypeAudio || !bytes.Equal(m.Payload, aacHeader) {
		t.Fatalf("expected AAC header first, got type %d payload %x", m.TypeID, m.Payload)
	}
	m = plRec.nextMedia(t)
	if m.TypeID != chunk.TypeVideo || !bytes.Equal(m.Payload, avcHeader) {
		t.Fatalf("expected AVC header, got %x", m.Payload)
	}
	m = plRec.nextMedia(t)
	if !bytes.Equal(m.Payload, keyFrame) {
		t.Fatalf("expected keyframe, got %x", m.Payload)
	}
	m = plRec.nextMedia(t)
	if !bytes.Equal(m.Payload, interFrame) {
		t.Fatalf("expected inter frame, got %x", m.Payload)
	}
}
