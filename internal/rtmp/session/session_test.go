package session

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/liveflow/rtmp-server/internal/amf"
	"github.com/liveflow/rtmp-server/internal/live"
	"github.com/liveflow/rtmp-server/internal/rtmp/chunk"
	"github.com/liveflow/rtmp-server/internal/rtmp/handshake"
	"github.com/liveflow/rtmp-server/internal/rtmp/proto"
)

const testTimeout = 3 * time.Second

// startServer accepts connections on an ephemeral port and runs each one
// through its own Session, the same way rtmpserver.Server does.
func startServer(t *testing.T, registry *live.Registry) net.Addr {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	go func() {
		var id uint64
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			id++
			s := New(c, id, registry, Options{})
			go s.Run()
		}
	}()

	return l.Addr()
}

// testClient drives one TCP connection as an RTMP peer: handshake,
// command encoding, and inbound chunk decoding.
type testClient struct {
	t       *testing.T
	conn    net.Conn
	fr      *chunk.Framer
	pending []*chunk.Message
	transID float64
}

func dialClient(t *testing.T, addr net.Addr) *testClient {
	t.Helper()

	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	c := &testClient{t: t, conn: conn, fr: chunk.NewFramer()}

	ini := handshake.NewInitiator(handshake.Options{})
	if _, err := conn.Write(ini.Start()); err != nil {
		t.Fatalf("write C0C1: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(testTimeout))
	s0s1s2 := make([]byte, 1+2*handshake.SigSize)
	if _, err := io.ReadFull(conn, s0s1s2); err != nil {
		t.Fatalf("read S0S1S2: %v", err)
	}
	c2, err := ini.Receive(s0s1s2)
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if _, err := conn.Write(c2); err != nil {
		t.Fatalf("write C2: %v", err)
	}

	return c
}

func (c *testClient) send(msg *chunk.Message) {
	c.t.Helper()
	if _, err := c.conn.Write(c.fr.Encode(msg)); err != nil {
		c.t.Fatalf("send: %v", err)
	}
}

func (c *testClient) sendCommand(name string, vals ...*amf.Value) {
	c.transID++
	payload := proto.EncodeCommand(name, c.transID, vals...)
	c.send(&chunk.Message{CSID: chunk.CSIDInvoke, TypeID: chunk.TypeCommandAMF0, Payload: payload})
}

func (c *testClient) connect(app string) {
	c.t.Helper()
	c.sendCommand("connect", amf.Obj(map[string]*amf.Value{
		"app":   amf.Str(app),
		"tcUrl": amf.Str("rtmp://127.0.0.1:1935/" + app),
	}))
	res := c.nextCommand("_result")
	if code := res.Arg(1).GetProperty("code").GetString(); code != "NetConnection.Connect.Success" {
		c.t.Fatalf("connect result code = %q", code)
	}

	c.sendCommand("createStream", amf.Null())
	res = c.nextCommand("_result")
	if sid := res.Arg(1).GetNumber(); sid != 1 {
		c.t.Fatalf("createStream returned stream id %v, want 1", sid)
	}
}

func (c *testClient) publish(key string) {
	c.t.Helper()
	c.sendCommand("publish", amf.Null(), amf.Str(key), amf.Str("live"))
	st := c.nextCommand("onStatus")
	if code := st.Arg(1).GetProperty("code").GetString(); code != "NetStream.Publish.Start" {
		c.t.Fatalf("publish status code = %q", code)
	}
}

func (c *testClient) play(key string) {
	c.t.Helper()
	c.sendCommand("play", amf.Null(), amf.Str(key))
	for {
		st := c.nextCommand("onStatus")
		code := st.Arg(1).GetProperty("code").GetString()
		if code == "NetStream.Play.Start" {
			return
		}
		if code != "NetStream.Play.Reset" {
			c.t.Fatalf("unexpected play status %q", code)
		}
	}
}

// next returns the next decoded inbound message.
func (c *testClient) next() *chunk.Message {
	c.t.Helper()
	deadline := time.Now().Add(testTimeout)
	buf := make([]byte, 4096)
	for {
		if len(c.pending) > 0 {
			m := c.pending[0]
			c.pending = c.pending[1:]
			return m
		}
		_ = c.conn.SetReadDeadline(deadline)
		n, err := c.conn.Read(buf)
		if err != nil {
			c.t.Fatalf("read: %v", err)
		}
		msgs, err := c.fr.Feed(buf[:n])
		if err != nil {
			c.t.Fatalf("decode: %v", err)
		}
		c.pending = append(c.pending, msgs...)
	}
}

// nextCommand skips protocol-control traffic until a command with the given
// name arrives.
func (c *testClient) nextCommand(name string) *proto.Command {
	c.t.Helper()
	for {
		m := c.next()
		if m.TypeID != chunk.TypeCommandAMF0 {
			continue
		}
		cmd, err := proto.DecodeCommand(m.Payload)
		if err != nil {
			c.t.Fatalf("decode command: %v", err)
		}
		if cmd.Name == name {
			return cmd
		}
	}
}

// nextMedia skips everything except audio/video/data messages.
func (c *testClient) nextMedia() *chunk.Message {
	c.t.Helper()
	for {
		m := c.next()
		switch m.TypeID {
		case chunk.TypeAudio, chunk.TypeVideo:
			return m
		case chunk.TypeDataAMF0:
			data, err := proto.DecodeData(m.Payload)
			if err == nil && data.Tag == "|RtmpSampleAccess" {
				continue
			}
			return m
		}
	}
}

func (c *testClient) sendAudio(ts uint32, payload []byte) {
	c.send(&chunk.Message{CSID: chunk.CSIDAudio, Timestamp: ts, TypeID: chunk.TypeAudio, StreamID: 1, Payload: payload})
}

func (c *testClient) sendVideo(ts uint32, payload []byte) {
	c.send(&chunk.Message{CSID: chunk.CSIDVideo, Timestamp: ts, TypeID: chunk.TypeVideo, StreamID: 1, Payload: payload})
}

var (
	aacHeader = []byte{0xAF, 0x00, 0x12, 0x10}
	avcHeader = []byte{0x17, 0x00, 0x00, 0x00, 0x00, 0x01, 0x64, 0x00, 0x1F}
	keyFrame  = []byte{0x17, 0x01, 0x00, 0x00, 0x00, 0xAA, 0xBB}
	interFrame = []byte{0x27, 0x01, 0x00, 0x00, 0x00, 0xCC}
	audioFrame = []byte{0xAF, 0x01, 0xDD, 0xEE}
)

func publishTestStream(t *testing.T, pub *testClient) {
	t.Helper()

	meta := proto.EncodeData("@setDataFrame", amf.Str("onMetaData"), amf.Obj(map[string]*amf.Value{
		"width":  amf.Num(1280),
		"height": amf.Num(720),
	}))
	pub.send(&chunk.Message{CSID: chunk.CSIDData, TypeID: chunk.TypeDataAMF0, StreamID: 1, Payload: meta})

	pub.sendAudio(0, aacHeader)
	pub.sendVideo(0, avcHeader)
	pub.sendVideo(0, keyFrame)
	pub.sendVideo(40, interFrame)
	pub.sendAudio(23, audioFrame)
}

// Scenario 1 of the end-to-end table: a full publish, then a play that must
// observe metadata, both sequence headers, and the media frames in order
// with sane timestamps.
func TestPublishThenPlayDeliversHeadersAndFramesInOrder(t *testing.T) {
	registry := live.NewRegistry(nil)
	addr := startServer(t, registry)

	pub := dialClient(t, addr)
	pub.connect("live")
	pub.publish("test")
	publishTestStream(t, pub)

	pl := dialClient(t, addr)
	pl.connect("live")
	pl.play("test")

	m := pl.nextMedia()
	if m.TypeID != chunk.TypeDataAMF0 {
		t.Fatalf("first media message type = %d, want metadata", m.TypeID)
	}
	data, err := proto.DecodeData(m.Payload)
	if err != nil || data.Tag != "onMetaData" {
		t.Fatalf("metadata tag = %q (err %v)", data.Tag, err)
	}
	if w := data.Arg(0).GetProperty("width").GetNumber(); w != 1280 {
		t.Fatalf("metadata width = %v", w)
	}

	m = pl.nextMedia()
	if m.TypeID != chunk.TypeAudio || !bytes.Equal(m.Payload, aacHeader) {
		t.Fatalf("expected AAC sequence header, got type %d payload %x", m.TypeID, m.Payload)
	}

	m = pl.nextMedia()
	if m.TypeID != chunk.TypeVideo || !bytes.Equal(m.Payload, avcHeader) {
		t.Fatalf("expected AVC sequence header, got type %d payload %x", m.TypeID, m.Payload)
	}

	m = pl.nextMedia()
	if !bytes.Equal(m.Payload, keyFrame) || m.Timestamp != 0 {
		t.Fatalf("expected keyframe at ts 0, got payload %x ts %d", m.Payload, m.Timestamp)
	}

	m = pl.nextMedia()
	if !bytes.Equal(m.Payload, interFrame) {
		t.Fatalf("expected inter frame, got %x", m.Payload)
	}
	if m.Timestamp < 1 || m.Timestamp > 140 {
		t.Fatalf("inter frame ts = %d, want near 40", m.Timestamp)
	}

	m = pl.nextMedia()
	if m.TypeID != chunk.TypeAudio || !bytes.Equal(m.Payload, audioFrame) {
		t.Fatalf("expected audio frame, got type %d payload %x", m.TypeID, m.Payload)
	}
	if m.Timestamp > 123 {
		t.Fatalf("audio ts = %d, want within 100 of 23", m.Timestamp)
	}
}

// A player joining mid-stream must start from a keyframe, not from whatever
// packet happens to be newest.
func TestLateJoinerStartsAtKeyframe(t *testing.T) {
	registry := live.NewRegistry(nil)
	addr := startServer(t, registry)

	pub := dialClient(t, addr)
	pub.connect("live")
	pub.publish("late")
	publishTestStream(t, pub)

	// A second GOP, so the late joiner has a newer anchor.
	secondKey := []byte{0x17, 0x01, 0x00, 0x00, 0x00, 0x11}
	pub.sendVideo(80, secondKey)
	pub.sendVideo(120, interFrame)

	pl := dialClient(t, addr)
	pl.connect("live")
	pl.play("late")

	// Skip the header replay; the first non-header video packet must be a
	// keyframe.
	for {
		m := pl.nextMedia()
		if m.TypeID != chunk.TypeVideo || len(m.Payload) < 2 {
			continue
		}
		if m.Payload[1] == 0 {
			continue // sequence header replay
		}
		if m.Payload[0]>>4 != 1 {
			t.Fatalf("first video frame is not a keyframe: %x", m.Payload)
		}
		return
	}
}

// Scenario 4: a second publisher takes over an already-published session;
// the incumbent's connection is closed.
func TestSecondPublisherEvictsFirst(t *testing.T) {
	registry := live.NewRegistry(nil)
	addr := startServer(t, registry)

	pub1 := dialClient(t, addr)
	pub1.connect("live")
	pub1.publish("takeover")

	pub2 := dialClient(t, addr)
	pub2.connect("live")
	pub2.publish("takeover")

	// The first publisher's connection must observe a close.
	_ = pub1.conn.SetReadDeadline(time.Now().Add(testTimeout))
	buf := make([]byte, 256)
	for {
		if _, err := pub1.conn.Read(buf); err != nil {
			return
		}
	}
}

// Scenario 5: a declared message length over the cap closes the connection
// before anything is delivered.
func TestOversizedDeclaredLengthClosesConnection(t *testing.T) {
	registry := live.NewRegistry(nil)
	addr := startServer(t, registry)

	c := dialClient(t, addr)

	hdr := make([]byte, 12)
	hdr[0] = 0x03 // format 0, csid 3
	// 24-bit timestamp 0, then an over-cap declared length.
	over := uint32(chunk.MaxMessageLength + 1)
	hdr[4] = byte(over >> 16)
	hdr[5] = byte(over >> 8)
	hdr[6] = byte(over)
	hdr[7] = chunk.TypeCommandAMF0
	if _, err := c.conn.Write(hdr); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = c.conn.SetReadDeadline(time.Now().Add(testTimeout))
	buf := make([]byte, 256)
	for {
		if _, err := c.conn.Read(buf); err != nil {
			return
		}
	}
}

// Scenario 6: a ping request is answered with a ping response carrying the
// same value.
func TestPingRequestIsEchoed(t *testing.T) {
	registry := live.NewRegistry(nil)
	addr := startServer(t, registry)

	c := dialClient(t, addr)
	c.connect("live")

	p := make([]byte, 6)
	binary.BigEndian.PutUint16(p[0:2], proto.EventPingRequest)
	binary.BigEndian.PutUint32(p[2:6], 0xDEADBEEF)
	c.send(&chunk.Message{CSID: chunk.CSIDProtocol, TypeID: chunk.TypeUserControl, Payload: p})

	for {
		m := c.next()
		if m.TypeID != chunk.TypeUserControl {
			continue
		}
		event := binary.BigEndian.Uint16(m.Payload[0:2])
		if event != proto.EventPingResponse {
			continue
		}
		if value := binary.BigEndian.Uint32(m.Payload[2:6]); value != 0xDEADBEEF {
			t.Fatalf("ping response value = %x", value)
		}
		return
	}
}

func TestDomainFromTcURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"rtmp://example.com:1935/live", "example.com"},
		{"rtmp://example.com/live", "example.com"},
		{"rtmp://127.0.0.1:1935/live/extra", "127.0.0.1"},
		{"", "default"},
		{"rtmp:///live", "default"},
	}
	for _, tc := range tests {
		if got := domainFromTcURL(tc.in); got != tc.want {
			t.Fatalf("domainFromTcURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
