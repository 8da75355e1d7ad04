package live

import (
	"net"
	"sync/atomic"
	"time"
)

// UserType enumerates the business types a User can take. Only
// UserTypePublishRTMP and UserTypePlayerRTMP are reachable from this
// server's listeners today; the remaining values reserve room for other
// ingest and playback protocols without a schema change.
type UserType int

const (
	UserTypePublishRTMP UserType = iota
	UserTypePublishMpegTS
	UserTypePublishPAV
	UserTypePublishWebRTC
	UserTypePlayerPAV
	UserTypePlayerFLV
	UserTypePlayerHLS
	UserTypePlayerRTMP
	UserTypePlayerWebRTC
	UserTypeUnknown UserType = 255
)

// IsPublisher reports whether t is one of the publish-side user types.
func (t UserType) IsPublisher() bool { return t <= UserTypePublishWebRTC }

// UserProtocol enumerates the transport protocol a User arrived over.
type UserProtocol int

const (
	UserProtocolRTMP UserProtocol = iota
	UserProtocolUnknown UserProtocol = 255
)

// Conn is the minimal connection abstraction a User needs: an identity for
// logging, and a forced-close hook. net.Conn satisfies it directly.
type Conn interface {
	RemoteAddr() net.Addr
	Close() error
}

// User is a publisher or a player attached to a Session. Session and User
// hold references to each other; Session.Clear empties the session's side
// at teardown and the whole graph becomes unreachable together.
type User struct {
	conn    Conn
	stream  *Stream
	session *Session

	domainName string
	appName    string
	streamName string
	param      string

	userID         string
	publishID      string
	startTimestamp int64
	userType       UserType
	protocol       UserProtocol

	destroyed atomic.Bool
}

// NewUser builds a User bound to conn, stream and session. Parsing the
// domain/app/stream triple is the caller's responsibility.
func NewUser(conn Conn, stream *Stream, session *Session) *User {
	return &User{
		conn:           conn,
		stream:         stream,
		session:        session,
		userID:         conn.RemoteAddr().String(),
		startTimestamp: time.Now().UnixMilli(),
		userType:       UserTypeUnknown,
		protocol:       UserProtocolUnknown,
	}
}

func (u *User) DomainName() string        { return u.domainName }
func (u *User) SetDomainName(v string)    { u.domainName = v }
func (u *User) AppName() string           { return u.appName }
func (u *User) SetAppName(v string)       { u.appName = v }
func (u *User) StreamName() string        { return u.streamName }
func (u *User) SetStreamName(v string)    { u.streamName = v }
func (u *User) Param() string             { return u.param }
func (u *User) SetParam(v string)         { u.param = v }
func (u *User) UserType() UserType        { return u.userType }
func (u *User) SetUserType(v UserType)    { u.userType = v }
func (u *User) UserProtocol() UserProtocol { return u.protocol }
func (u *User) UserID() string            { return u.userID }
func (u *User) PublishID() string         { return u.publishID }
func (u *User) SetPublishID(v string)     { u.publishID = v }
func (u *User) Session() *Session         { return u.session }
func (u *User) Stream() *Stream           { return u.stream }
func (u *User) Conn() Conn                { return u.conn }

// ElapsedTime returns how long, in milliseconds, this user has been
// attached.
func (u *User) ElapsedTime() int64 {
	return time.Now().UnixMilli() - u.startTimestamp
}

// Close force-closes the underlying connection. Safe to call more than
// once; Session.CloseUser guards the single-shot destroyed flag.
func (u *User) Close() {
	if u.conn != nil {
		_ = u.conn.Close()
	}
}

// MarkDestroyed flips the single-shot destroyed flag and reports whether
// this call was the one that flipped it (false means some other caller
// already closed this user).
func (u *User) MarkDestroyed() (firstTime bool) {
	return !u.destroyed.Swap(true)
}
