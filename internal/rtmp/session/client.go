package session

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/liveflow/rtmp-server/internal/amf"
	"github.com/liveflow/rtmp-server/internal/rtmp/chunk"
	"github.com/liveflow/rtmp-server/internal/rtmp/handshake"
	"github.com/liveflow/rtmp-server/internal/rtmp/proto"
	"github.com/pkg/errors"
)

// ClientRole selects what a Client asks for once its stream is created.
type ClientRole int

const (
	ClientRolePlayer ClientRole = iota
	ClientRolePublisher
)

// Transaction ids driving the client-side command progression: connect is
// sent with id 1, createStream with id 4, play/publish with id 5; the
// server's _result for each id triggers the next step.
const (
	transConnect      = 1
	transCreateStream = 4
	transStream       = 5
)

// ClientHandler receives the Client's upcalls. OnPublishPrepare fires once
// the peer has acknowledged the publish stream, meaning media may be sent;
// OnMediaPacket delivers inbound audio/video/data messages to a player.
type ClientHandler interface {
	OnPublishPrepare(c *Client)
	OnMediaPacket(c *Client, m *chunk.Message)
}

// Client drives the outbound side of an RTMP connection: initiator
// handshake, then the connect -> createStream -> play/publish command
// progression keyed off the peer's _result transaction ids. It is the
// counterpart of Session for pulling a remote stream or pushing one out.
type Client struct {
	conn    net.Conn
	fr      *chunk.Framer
	role    ClientRole
	handler ClientHandler

	app   string
	key   string
	tcURL string

	writeMu  sync.Mutex
	streamID uint32
	prepared bool
}

// DialClient connects to addr, completes the handshake, and sends connect.
// Run must then be called to drive the command progression.
func DialClient(addr, app, key string, role ClientRole, handler ClientHandler) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, defaultPingTimeout)
	if err != nil {
		return nil, errors.Wrap(err, "session: dial")
	}

	c := &Client{
		conn:    conn,
		fr:      chunk.NewFramer(),
		role:    role,
		handler: handler,
		app:     app,
		key:     key,
		tcURL:   "rtmp://" + addr + "/" + app,
	}

	if err := c.doHandshake(); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "session: client handshake")
	}

	c.sendCommand(transConnect, "connect", amf.Obj(map[string]*amf.Value{
		"app":            amf.Str(app),
		"tcUrl":          amf.Str(c.tcURL),
		"flashVer":       amf.Str("LNX 9,0,124,2"),
		"objectEncoding": amf.Num(0),
	}))

	return c, nil
}

func (c *Client) doHandshake() error {
	ini := handshake.NewInitiator(handshake.Options{})
	if _, err := c.conn.Write(ini.Start()); err != nil {
		return err
	}

	_ = c.conn.SetReadDeadline(time.Now().Add(defaultPingTimeout))
	buf := make([]byte, 1+2*handshake.SigSize)
	if _, err := io.ReadFull(c.conn, buf); err != nil {
		return err
	}
	c2, err := ini.Receive(buf)
	if err != nil {
		return err
	}
	_, err = c.conn.Write(c2)
	return err
}

// Run reads and dispatches inbound messages until the connection closes.
func (c *Client) Run() {
	defer c.conn.Close()

	buf := make([]byte, 8192)
	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(defaultPingTimeout))
		n, err := c.conn.Read(buf)
		if err != nil {
			return
		}
		msgs, err := c.fr.Feed(buf[:n])
		if err != nil {
			return
		}
		for _, m := range msgs {
			if !c.handleMessage(m) {
				return
			}
		}
	}
}

// Close force-closes the client's connection.
func (c *Client) Close() {
	c.conn.Close()
}

// StreamID returns the stream id assigned by the peer's createStream result.
func (c *Client) StreamID() uint32 { return c.streamID }

func (c *Client) handleMessage(m *chunk.Message) bool {
	switch m.TypeID {
	case chunk.TypeCommandAMF0:
		return c.handleInvoke(m.Payload)
	case chunk.TypeCommandAMF3:
		return c.handleInvoke(stripAMF3Marker(m.Payload))
	case chunk.TypeUserControl:
		c.handleUserControl(m)
		return true
	case chunk.TypeAudio, chunk.TypeVideo, chunk.TypeDataAMF0, chunk.TypeDataAMF3:
		if c.handler != nil {
			c.handler.OnMediaPacket(c, m)
		}
		return true
	default:
		return true
	}
}

func (c *Client) handleInvoke(payload []byte) bool {
	cmd, err := proto.DecodeCommand(payload)
	if err != nil {
		return true
	}

	switch cmd.Name {
	case "_result":
		c.handleResult(cmd)
	case "_error":
		return false
	case "onStatus":
		// Some servers report publish readiness only via onStatus, never
		// with a _result for the stream transaction.
		if c.role == ClientRolePublisher &&
			cmd.Arg(1).GetProperty("code").GetString() == "NetStream.Publish.Start" {
			c.notifyPrepared()
		}
	}
	return true
}

// handleResult advances the progression: _result id 1 answers connect, so
// createStream goes out; id 4 answers createStream, so play or publish goes
// out depending on role; id 5 answers the stream command, so a publisher
// may start sending media.
func (c *Client) handleResult(cmd *proto.Command) {
	switch cmd.TransID {
	case transConnect:
		c.sendCommand(transCreateStream, "createStream", amf.Null())
	case transCreateStream:
		c.streamID = uint32(cmd.Arg(1).GetNumber())
		if c.role == ClientRolePlayer {
			c.sendCommand(transStream, "play", amf.Null(), amf.Str(c.key))
		} else {
			c.sendCommand(transStream, "publish", amf.Null(), amf.Str(c.key), amf.Str(c.app))
		}
	case transStream:
		if c.role == ClientRolePublisher {
			c.notifyPrepared()
		}
	}
}

func (c *Client) notifyPrepared() {
	if c.prepared {
		return
	}
	c.prepared = true
	if c.handler != nil {
		c.handler.OnPublishPrepare(c)
	}
}

func (c *Client) handleUserControl(m *chunk.Message) {
	if len(m.Payload) < 6 {
		return
	}
	event := uint16(m.Payload[0])<<8 | uint16(m.Payload[1])
	if event == proto.EventPingRequest {
		value := uint32(m.Payload[2])<<24 | uint32(m.Payload[3])<<16 | uint32(m.Payload[4])<<8 | uint32(m.Payload[5])
		c.send(proto.PingResponseMessage(value))
	}
}

func (c *Client) send(msg *chunk.Message) bool {
	c.writeMu.Lock()
	raw := c.fr.Encode(msg)
	_, err := c.conn.Write(raw)
	c.writeMu.Unlock()
	return err == nil
}

func (c *Client) sendCommand(transID float64, name string, vals ...*amf.Value) {
	payload := proto.EncodeCommand(name, transID, vals...)
	c.send(&chunk.Message{CSID: chunk.CSIDInvoke, TypeID: chunk.TypeCommandAMF0, Payload: payload})
}

// SendMedia pushes one audio/video/data message on the published stream.
func (c *Client) SendMedia(typeID byte, timestamp uint32, payload []byte) bool {
	csid := uint32(chunk.CSIDVideo)
	switch typeID {
	case chunk.TypeAudio:
		csid = chunk.CSIDAudio
	case chunk.TypeDataAMF0, chunk.TypeDataAMF3:
		csid = chunk.CSIDData
	}
	return c.send(&chunk.Message{
		CSID:      csid,
		Timestamp: timestamp,
		TypeID:    typeID,
		StreamID:  c.streamID,
		Payload:   payload,
	})
}
