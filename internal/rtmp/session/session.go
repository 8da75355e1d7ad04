// Package session implements the per-connection RTMP command/session state
// machine: handshake, chunk read/dispatch loop, connect/createStream/
// publish/play/pause/deleteStream/closeStream handling, and wiring
// publishers and players onto the internal/live model. It also carries the
// outbound Client counterpart for pulling or pushing a remote stream.
package session

import (
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/liveflow/rtmp-server/internal/amf"
	"github.com/liveflow/rtmp-server/internal/codec"
	"github.com/liveflow/rtmp-server/internal/live"
	"github.com/liveflow/rtmp-server/internal/logging"
	"github.com/liveflow/rtmp-server/internal/rtmp/chunk"
	"github.com/liveflow/rtmp-server/internal/rtmp/handshake"
	"github.com/liveflow/rtmp-server/internal/rtmp/proto"
	"github.com/pkg/errors"
)

const (
	defaultPingTimeout    = 30 * time.Second
	defaultWindowAckSize  = 5_000_000
	defaultPeerBandwidth  = 5_000_000
	defaultStreamIDMaxLen = 256
)

// Webhook is the optional publish-start/stop notification hook, wired onto
// internal/webhook in production.
type Webhook interface {
	OnPublishStart(domain, app, key, ip string) (accept bool, streamID string)
	OnPublishStop(domain, app, key, streamID string)
}

// Options configures a Session's protocol-level tunables.
type Options struct {
	PingTimeout    time.Duration
	WindowAckSize  uint32
	PeerBandwidth  uint32
	StreamIDMaxLen int

	// OutChunkSize raises the outbound chunk size advertised during
	// connect; values at or below the RTMP default of 128 are ignored.
	OutChunkSize uint32

	Webhook   Webhook
	AllowPlay func(ip string) bool
}

func (o Options) withDefaults() Options {
	if o.PingTimeout <= 0 {
		o.PingTimeout = defaultPingTimeout
	}
	if o.WindowAckSize == 0 {
		o.WindowAckSize = defaultWindowAckSize
	}
	if o.PeerBandwidth == 0 {
		o.PeerBandwidth = defaultPeerBandwidth
	}
	if o.StreamIDMaxLen == 0 {
		o.StreamIDMaxLen = defaultStreamIDMaxLen
	}
	return o
}

// Session drives one accepted TCP connection through the RTMP handshake
// and command dispatch loop until it closes.
type Session struct {
	conn     net.Conn
	id       uint64
	ip       string
	registry *live.Registry
	opts     Options

	writeMu sync.Mutex
	fr      *chunk.Framer

	objectEncoding uint32
	connectTime    int64
	domain         string
	app            string
	key            string
	streamID       string

	playStreamID    uint32
	publishStreamID uint32
	streamsCounter  uint32

	receiveAudio atomic.Bool
	receiveVideo atomic.Bool

	isConnected  bool
	isPublishing bool
	isPlaying    bool
	isIdling     bool
	isPause      bool

	liveSession *live.Session
	user        *live.User
	player      *live.PlayerUser

	audioCodecSeen uint8
	videoCodecSeen uint8

	activeCh chan struct{}
	closeCh  chan struct{}
	idle     atomic.Bool

	clientAckWindow uint32
	inAckSize       uint32
	inLastAck       uint32
}

// New builds a Session for an accepted connection. id should be unique per
// listener for log correlation.
func New(conn net.Conn, id uint64, registry *live.Registry, opts Options) *Session {
	opts = opts.withDefaults()
	s := &Session{
		conn:     conn,
		id:       id,
		registry: registry,
		opts:     opts,
		fr:       chunk.NewFramer(),
		activeCh: make(chan struct{}, 1),
		closeCh:  make(chan struct{}),
	}
	if host, _, err := net.SplitHostPort(conn.RemoteAddr().String()); err == nil {
		s.ip = host
	} else {
		s.ip = conn.RemoteAddr().String()
	}
	if opts.OutChunkSize > chunk.DefaultChunkSize {
		s.fr.OutChunkSize = opts.OutChunkSize
	}
	s.receiveAudio.Store(true)
	s.receiveVideo.Store(true)
	return s
}

func (s *Session) logDebug(line string)  { logging.LogDebugSession(s.id, s.ip, line) }
func (s *Session) logRequest(line string) { logging.LogRequest(s.id, s.ip, line) }

// Run performs the handshake and then reads and dispatches chunks until the
// connection closes or an unrecoverable protocol error occurs.
func (s *Session) Run() {
	defer s.cleanup()

	if err := s.handshake(); err != nil {
		s.logDebug(errors.Wrap(err, "handshake failed").Error())
		return
	}

	buf := make([]byte, 8192)
	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.opts.PingTimeout))
		n, err := s.conn.Read(buf)
		if err != nil {
			return
		}
		msgs, err := s.fr.Feed(buf[:n])
		if err != nil {
			s.logDebug(errors.Wrap(err, "chunk decode error").Error())
			return
		}
		for _, m := range msgs {
			if !s.handleMessage(m) {
				return
			}
		}

		s.inAckSize += uint32(n)
		if s.clientAckWindow > 0 && s.inAckSize-s.inLastAck >= s.clientAckWindow {
			s.inLastAck = s.inAckSize
			s.send(proto.AckMessage(s.inAckSize))
		}
	}
}

func (s *Session) handshake() error {
	_ = s.conn.SetReadDeadline(time.Now().Add(s.opts.PingTimeout))

	c0c1 := make([]byte, 1+handshake.SigSize)
	if _, err := readFull(s.conn, c0c1); err != nil {
		return err
	}

	r := handshake.NewResponder(handshake.Options{})
	resp, err := r.ReceiveFirst(c0c1)
	if err != nil {
		return err
	}
	if _, err := s.conn.Write(resp); err != nil {
		return err
	}

	c2 := make([]byte, handshake.SigSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.opts.PingTimeout))
	if _, err := readFull(s.conn, c2); err != nil {
		return err
	}
	return r.ReceiveSecond(c2)
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Ping sends a protocol-level ping request, used by the server's periodic
// keepalive loop (§4.7). Returns false if the write failed.
func (s *Session) Ping() bool {
	return s.send(proto.PingRequestMessage(time.Now().UnixMilli()))
}

func (s *Session) send(msg *chunk.Message) bool {
	s.writeMu.Lock()
	raw := s.fr.Encode(msg)
	_, err := s.conn.Write(raw)
	s.writeMu.Unlock()
	return err == nil
}

func (s *Session) handleMessage(m *chunk.Message) bool {
	switch m.TypeID {
	case chunk.TypeSetChunkSize, chunk.TypeAbort, chunk.TypeBytesRead:
		return true
	case chunk.TypeWindowAckSize:
		if len(m.Payload) >= 4 {
			s.clientAckWindow = uint32(m.Payload[0])<<24 | uint32(m.Payload[1])<<16 | uint32(m.Payload[2])<<8 | uint32(m.Payload[3])
		}
		return true
	case chunk.TypeUserControl:
		return s.handleUserControl(m)
	case chunk.TypeSetPeerBW:
		return true
	case chunk.TypeAudio:
		return s.handleAudio(m)
	case chunk.TypeVideo:
		return s.handleVideo(m)
	case chunk.TypeCommandAMF3:
		return s.handleInvoke(stripAMF3Marker(m.Payload))
	case chunk.TypeCommandAMF0:
		return s.handleInvoke(m.Payload)
	case chunk.TypeDataAMF3:
		return s.handleData(stripAMF3Marker(m.Payload))
	case chunk.TypeDataAMF0:
		return s.handleData(m.Payload)
	default:
		s.logDebug("received message type " + strconv.Itoa(int(m.TypeID)))
		return true
	}
}

// handleUserControl answers ping requests (event 6) with a ping response
// (event 7) echoing the peer's value, before any further messages are
// processed. Other events are acknowledged silently or logged.
func (s *Session) handleUserControl(m *chunk.Message) bool {
	if len(m.Payload) < 2 {
		return true
	}
	event := uint16(m.Payload[0])<<8 | uint16(m.Payload[1])
	switch event {
	case proto.EventPingRequest:
		if len(m.Payload) >= 6 {
			value := uint32(m.Payload[2])<<24 | uint32(m.Payload[3])<<16 | uint32(m.Payload[4])<<8 | uint32(m.Payload[5])
			s.send(proto.PingResponseMessage(value))
		}
	case proto.EventPingResponse, proto.EventSetBufferLen, proto.EventStreamBegin, proto.EventStreamEOF:
	default:
		s.logDebug("unknown user-control event " + strconv.Itoa(int(event)))
	}
	return true
}

// domainFromTcURL extracts the host from an "rtmp://host[:port]/app" tcUrl,
// trimmed of any port. A tcUrl with no recognizable host maps to "default".
func domainFromTcURL(tcURL string) string {
	rest := tcURL
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+3:]
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	if i := strings.LastIndexByte(rest, ':'); i >= 0 && !strings.Contains(rest, "]") {
		rest = rest[:i]
	} else if i := strings.LastIndexByte(rest, ']'); i >= 0 {
		// Bracketed IPv6 literal, possibly with a port after the bracket.
		rest = strings.TrimPrefix(rest[:i+1], "[")
		rest = strings.TrimSuffix(rest, "]")
	}
	if rest == "" {
		return "default"
	}
	return rest
}

// stripAMF3Marker drops the leading AMF3-type-marker byte RTMP prefixes onto
// command/data messages sent over AMF3 channels, so the rest decodes as
// ordinary AMF0.
func stripAMF3Marker(payload []byte) []byte {
	if len(payload) == 0 {
		return payload
	}
	return payload[1:]
}

func (s *Session) handleInvoke(payload []byte) bool {
	cmd, err := proto.DecodeCommand(payload)
	if err != nil {
		// An undecodable command message closes the connection; only
		// unknown-but-well-formed commands are ignored.
		s.logDebug(errors.Wrap(err, "malformed invoke").Error())
		return false
	}

	switch cmd.Name {
	case "connect":
		return s.handleConnect(cmd)
	case "createStream":
		return s.handleCreateStream(cmd)
	case "publish":
		return s.handlePublish(cmd)
	case "play":
		return s.handlePlay(cmd)
	case "pause":
		return s.handlePause(cmd)
	case "deleteStream":
		return s.handleDeleteStream(cmd)
	case "closeStream":
		return s.handleCloseStream()
	case "receiveAudio":
		s.receiveAudio.Store(cmd.Arg(1).GetBool())
	case "receiveVideo":
		s.receiveVideo.Store(cmd.Arg(1).GetBool())
	}
	return true
}

func (s *Session) handleData(payload []byte) bool {
	data, err := proto.DecodeData(payload)
	if err != nil {
		return true
	}
	if data.Tag == "@setDataFrame" && s.isPublishing {
		meta := proto.EncodeData("onMetaData", data.Arg(1))
		s.ingestMeta(meta)
	}
	return true
}

func (s *Session) handleConnect(cmd *proto.Command) bool {
	cmdObj := cmd.Arg(0)
	s.app = cmdObj.GetProperty("app").GetString()
	s.domain = domainFromTcURL(cmdObj.GetProperty("tcUrl").GetString())

	if !validStreamID(s.app, s.opts.StreamIDMaxLen) {
		s.logRequest("INVALID APP '" + s.app + "'")
		return false
	}

	hasObjectEncoding := !cmdObj.GetProperty("objectEncoding").IsNull()
	if hasObjectEncoding {
		s.objectEncoding = uint32(cmdObj.GetProperty("objectEncoding").GetNumber())
	}
	s.connectTime = time.Now().UnixMilli()
	s.isConnected = true

	s.logRequest("CONNECT '" + s.app + "'")

	s.send(proto.WindowAckSizeMessage(s.opts.WindowAckSize))
	s.send(proto.SetPeerBandwidthMessage(s.opts.PeerBandwidth, 2))
	s.send(proto.SetChunkSizeMessage(s.fr.OutChunkSize))
	s.respondConnect(cmd.TransID, hasObjectEncoding)
	return true
}

func (s *Session) handleCreateStream(cmd *proto.Command) bool {
	s.streamsCounter++
	s.respondCreateStream(cmd.TransID)
	return true
}

func (s *Session) handlePublish(cmd *proto.Command) bool {
	streamPath := cmd.Arg(1).GetString()
	key, query := splitStreamPath(streamPath)
	s.key = key

	if s.key == "" || !s.isConnected {
		return true
	}
	if !validStreamID(s.key, s.opts.StreamIDMaxLen) {
		s.sendStatus(s.publishStreamID, "error", "NetStream.Publish.BadName", "Invalid stream key provided")
		return false
	}

	if s.isPublishing {
		s.sendStatus(s.publishStreamID, "error", "NetStream.Publish.BadConnection", "Connection already publishing")
		return true
	}

	liveSession := s.registry.GetOrCreate(s.domain, s.app, s.key)

	streamID := ""
	if s.opts.Webhook != nil {
		accepted, assignedID := s.opts.Webhook.OnPublishStart(s.domain, s.app, s.key, s.ip)
		if !accepted {
			s.logRequest("Error: publish rejected by webhook")
			s.sendStatus(s.publishStreamID, "error", "NetStream.Publish.BadName", "Invalid stream key provided")
			return false
		}
		streamID = assignedID
	}

	s.logRequest("PUBLISH '" + s.app + "/" + s.key + "'")

	user := live.NewUser(s.conn, liveSession.Stream(), liveSession)
	user.SetUserType(live.UserTypePublishRTMP)
	user.SetDomainName(s.domain)
	user.SetAppName(s.app)
	user.SetStreamName(s.key)
	user.SetParam(query)
	user.SetPublishID(streamID)

	// Last writer wins: SetPublisher evicts and closes any incumbent
	// publisher, whose connection teardown then runs its own cleanup.
	liveSession.SetPublisher(user)
	s.liveSession = liveSession
	s.user = user
	s.isPublishing = true
	s.streamID = streamID

	s.sendStatus(s.publishStreamID, "status", "NetStream.Publish.Start", "/"+s.app+"/"+s.key+" is now published.")
	return true
}

// splitStreamPath separates the stream key from its query string; the query
// is preserved verbatim as the User's param.
func splitStreamPath(streamPath string) (key, query string) {
	parts := strings.SplitN(streamPath, "?", 2)
	key = parts[0]
	if len(parts) == 2 {
		query = parts[1]
	}
	return key, query
}

func (s *Session) handlePlay(cmd *proto.Command) bool {
	streamPath := cmd.Arg(1).GetString()
	key, query := splitStreamPath(streamPath)
	s.key = key

	if s.key == "" || !s.isConnected {
		return true
	}
	if s.isIdling || s.isPlaying {
		s.sendStatus(s.playStreamID, "error", "NetStream.Play.BadConnection", "Connection already playing")
		return true
	}
	if s.opts.AllowPlay != nil && !s.opts.AllowPlay(s.ip) {
		s.sendStatus(s.playStreamID, "error", "NetStream.Play.BadName", "Your net address is not whitelisted for playing")
		return false
	}

	s.logRequest("PLAY '" + s.app + "/" + s.key + "'")

	s.respondPlay()

	liveSession := s.registry.GetOrCreate(s.domain, s.app, s.key)
	player := live.NewPlayerUser(s.conn, liveSession.Stream(), liveSession, s)
	player.SetUserType(live.UserTypePlayerRTMP)
	player.SetDomainName(s.domain)
	player.SetAppName(s.app)
	player.SetStreamName(s.key)
	player.SetParam(query)
	player.SetScheduling(s.onPlayerActive, s.onPlayerDeactive)

	s.liveSession = liveSession
	s.player = player
	s.isPlaying = true

	liveSession.AddPlayer(player)
	go s.driveDeliveries()

	return true
}

func (s *Session) handlePause(cmd *proto.Command) bool {
	if !s.isPlaying {
		return true
	}
	s.isPause = cmd.Arg(1).GetBool()
	if s.isPause {
		s.send(proto.StreamEOFMessage(s.playStreamID))
		s.sendStatus(s.playStreamID, "status", "NetStream.Pause.Notify", "Paused live")
	} else {
		s.send(proto.StreamBeginMessage(s.playStreamID))
		s.sendStatus(s.playStreamID, "status", "NetStream.Unpause.Notify", "Unpaused live")
		s.onPlayerActive()
	}
	return true
}

func (s *Session) handleDeleteStream(cmd *proto.Command) bool {
	streamID := uint32(cmd.Arg(1).GetNumber())
	s.deleteStream(streamID)
	return true
}

func (s *Session) handleCloseStream() bool {
	s.deleteStream(s.publishStreamID)
	s.deleteStream(s.playStreamID)
	return true
}

func (s *Session) deleteStream(streamID uint32) {
	if s.isPlaying && streamID != 0 && streamID == s.playStreamID {
		s.logRequest("PLAY STOP '" + s.app + "/" + s.key + "'")
		if s.liveSession != nil && s.player != nil {
			s.liveSession.CloseUser(&s.player.User)
		}
		s.sendStatus(s.playStreamID, "status", "NetStream.Play.Stop", "Stopped playing stream.")
		s.isPlaying = false
		s.isIdling = false
	}
	if s.isPublishing && streamID != 0 && streamID == s.publishStreamID {
		if s.liveSession != nil && s.user != nil {
			s.liveSession.CloseUser(s.user)
			if s.opts.Webhook != nil {
				s.opts.Webhook.OnPublishStop(s.domain, s.app, s.key, s.streamID)
			}
		}
		s.isPublishing = false
	}
}

func (s *Session) cleanup() {
	close(s.closeCh)
	s.deleteStream(s.publishStreamID)
	s.deleteStream(s.playStreamID)
	if s.liveSession != nil {
		if s.player != nil {
			s.liveSession.CloseUser(&s.player.User)
		}
		if s.user != nil {
			s.liveSession.CloseUser(s.user)
		}
	}
	_ = s.conn.Close()
}

func validStreamID(v string, maxLen int) bool {
	if v == "" || len(v) > maxLen {
		return false
	}
	return !strings.ContainsAny(v, "\x00\r\n")
}

// --- live.Pusher implementation, driving frames out to this connection ---

func (s *Session) PushHeader(p *live.Packet) error {
	return s.pushPacket(p)
}

func (s *Session) PushMedia(packets []*live.Packet) error {
	for _, p := range packets {
		if err := s.pushPacket(p); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) pushPacket(p *live.Packet) error {
	if p.IsAudio() && !s.receiveAudio.Load() {
		return nil
	}
	if p.IsVideo() && !s.receiveVideo.Load() {
		return nil
	}

	typeID := chunk.TypeVideo
	csid := uint32(chunk.CSIDVideo)
	if p.IsAudio() {
		typeID = chunk.TypeAudio
		csid = chunk.CSIDAudio
	}
	if p.IsMeta() {
		typeID = chunk.TypeDataAMF0
		csid = chunk.CSIDData
	}

	msg := &chunk.Message{
		CSID:      csid,
		Timestamp: uint32(p.Timestamp),
		TypeID:    typeID,
		StreamID:  s.playStreamID,
		Payload:   p.Payload,
	}
	if !s.send(msg) {
		return errWriteFailed
	}
	return nil
}

func (s *Session) onPlayerActive() {
	select {
	case s.activeCh <- struct{}{}:
	default:
	}
}

func (s *Session) onPlayerDeactive() {
	s.idle.Store(true)
}

// driveDeliveries is the per-player delivery loop: it wakes on activation
// signals from the publisher's ingest path and drains PostFrames until the
// player goes idle or the connection closes.
func (s *Session) driveDeliveries() {
	for {
		select {
		case <-s.closeCh:
			return
		case <-s.activeCh:
		}
		s.idle.Store(false)
		for !s.idle.Load() {
			if !s.player.PostFrames() {
				break
			}
		}
	}
}

func (s *Session) ingestMeta(payload []byte) {
	if s.liveSession == nil {
		return
	}
	p := &live.Packet{Type: live.KindMeta, Timestamp: 0, Payload: payload}
	s.liveSession.Stream().Ingest(p)
}

func (s *Session) handleAudio(m *chunk.Message) bool {
	if !s.isPublishing || s.liveSession == nil {
		return true
	}
	kind := live.KindAudio
	if format := codec.AudioFormat(m.Payload); format >= 0 {
		if s.audioCodecSeen == 0 {
			s.audioCodecSeen = uint8(format)
			s.logRequest("AUDIO CODEC: " + codec.AudioCodecName(format))
		}
		if codec.IsAudioSequenceHeader(m.Payload) {
			kind |= live.KindCodecHeader
		}
	}
	p := &live.Packet{Type: kind, Timestamp: int64(m.Timestamp), Payload: m.Payload}
	s.liveSession.Stream().Ingest(p)
	return true
}

func (s *Session) handleVideo(m *chunk.Message) bool {
	if !s.isPublishing || s.liveSession == nil {
		return true
	}
	kind := live.KindVideo
	if codecID := codec.VideoCodecID(m.Payload); codecID >= 0 {
		if s.videoCodecSeen == 0 {
			s.videoCodecSeen = uint8(codecID)
			s.logRequest("VIDEO CODEC: " + codec.VideoCodecName(codecID))
		}
		if codec.IsVideoKeyFrame(m.Payload) {
			kind |= live.KindKeyFrame
		}
		if codec.IsVideoSequenceHeader(m.Payload) {
			kind |= live.KindCodecHeader
		}
	}
	p := &live.Packet{Type: kind, Timestamp: int64(m.Timestamp), Payload: m.Payload}
	s.liveSession.Stream().Ingest(p)
	return true
}

// --- AMF0 response builders ---

func (s *Session) respondConnect(transID float64, hasObjectEncoding bool) {
	cmdObj := amf.Obj(map[string]*amf.Value{
		"fmsVer":       amf.Str("FMS/3,0,1,123"),
		"capabilities": amf.Num(31),
	})

	infoFields := map[string]*amf.Value{
		"level":       amf.Str("status"),
		"code":        amf.Str("NetConnection.Connect.Success"),
		"description": amf.Str("Connection succeeded."),
	}
	if hasObjectEncoding {
		infoFields["objectEncoding"] = amf.Num(float64(s.objectEncoding))
	} else {
		infoFields["objectEncoding"] = amf.Undefined()
	}
	info := amf.Obj(infoFields)

	payload := proto.EncodeCommand("_result", transID, cmdObj, info)
	s.send(&chunk.Message{CSID: chunk.CSIDInvoke, TypeID: chunk.TypeCommandAMF0, StreamID: 0, Payload: payload})
}

func (s *Session) respondCreateStream(transID float64) {
	payload := proto.EncodeCommand("_result", transID, amf.Null(), amf.Num(float64(s.streamsCounter)))
	s.send(&chunk.Message{CSID: chunk.CSIDInvoke, TypeID: chunk.TypeCommandAMF0, StreamID: 0, Payload: payload})
	s.publishStreamID = s.streamsCounter
	s.playStreamID = s.streamsCounter
}

func (s *Session) sendStatus(streamID uint32, level, code, description string) {
	fields := map[string]*amf.Value{
		"level": amf.Str(level),
		"code":  amf.Str(code),
	}
	if description != "" {
		fields["description"] = amf.Str(description)
	}
	info := amf.Obj(fields)
	payload := proto.EncodeCommand("onStatus", 0, amf.Null(), info)
	s.send(&chunk.Message{CSID: chunk.CSIDInvoke, TypeID: chunk.TypeCommandAMF0, StreamID: streamID, Payload: payload})
}

func (s *Session) sendSampleAccess() {
	payload := proto.EncodeData("|RtmpSampleAccess", amf.Bool(false), amf.Bool(false))
	s.send(&chunk.Message{CSID: chunk.CSIDData, TypeID: chunk.TypeDataAMF0, StreamID: 0, Payload: payload})
}

func (s *Session) respondPlay() {
	s.send(proto.StreamBeginMessage(s.playStreamID))
	s.sendStatus(s.playStreamID, "status", "NetStream.Play.Reset", "Playing and resetting stream.")
	s.sendStatus(s.playStreamID, "status", "NetStream.Play.Start", "Started playing stream.")
	s.sendSampleAccess()
}

var errWriteFailed = errors.New("session: write failed")
