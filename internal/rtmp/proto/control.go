// Package proto builds and reads the small fixed-shape RTMP protocol
// control and user-control messages (set chunk size, window ack size, set
// peer bandwidth, ping request/response, stream begin/EOF) and the AMF0
// command/data wire shapes carried by invoke and data messages. Control
// messages are built as chunk.Message values; the command/data encoders
// return payload bytes that callers wrap in a chunk.Message.
package proto

import (
	"encoding/binary"

	"github.com/liveflow/rtmp-server/internal/rtmp/chunk"
)

const (
	EventStreamBegin   uint16 = 0
	EventStreamEOF     uint16 = 1
	EventStreamDry     uint16 = 2
	EventSetBufferLen  uint16 = 3
	EventStreamIsRec   uint16 = 4
	EventPingRequest   uint16 = 6
	EventPingResponse  uint16 = 7
)

func SetChunkSizeMessage(size uint32) *chunk.Message {
	p := make([]byte, 4)
	binary.BigEndian.PutUint32(p, size)
	return &chunk.Message{CSID: chunk.CSIDProtocol, TypeID: chunk.TypeSetChunkSize, Payload: p}
}

func WindowAckSizeMessage(size uint32) *chunk.Message {
	p := make([]byte, 4)
	binary.BigEndian.PutUint32(p, size)
	return &chunk.Message{CSID: chunk.CSIDProtocol, TypeID: chunk.TypeWindowAckSize, Payload: p}
}

func SetPeerBandwidthMessage(size uint32, limitType byte) *chunk.Message {
	p := make([]byte, 5)
	binary.BigEndian.PutUint32(p[0:4], size)
	p[4] = limitType
	return &chunk.Message{CSID: chunk.CSIDProtocol, TypeID: chunk.TypeSetPeerBW, Payload: p}
}

func AckMessage(size uint32) *chunk.Message {
	p := make([]byte, 4)
	binary.BigEndian.PutUint32(p, size)
	return &chunk.Message{CSID: chunk.CSIDProtocol, TypeID: chunk.TypeBytesRead, Payload: p}
}

func streamEventMessage(event uint16, streamID uint32) *chunk.Message {
	p := make([]byte, 6)
	binary.BigEndian.PutUint16(p[0:2], event)
	binary.BigEndian.PutUint32(p[2:6], streamID)
	return &chunk.Message{CSID: chunk.CSIDProtocol, TypeID: chunk.TypeUserControl, Payload: p}
}

func StreamBeginMessage(streamID uint32) *chunk.Message { return streamEventMessage(EventStreamBegin, streamID) }
func StreamEOFMessage(streamID uint32) *chunk.Message    { return streamEventMessage(EventStreamEOF, streamID) }

func PingRequestMessage(timestamp int64) *chunk.Message {
	p := make([]byte, 6)
	binary.BigEndian.PutUint16(p[0:2], EventPingRequest)
	binary.BigEndian.PutUint32(p[2:6], uint32(timestamp))
	return &chunk.Message{CSID: chunk.CSIDProtocol, TypeID: chunk.TypeUserControl, Payload: p}
}

// PingResponseMessage echoes the value from a peer's ping request.
func PingResponseMessage(value uint32) *chunk.Message {
	p := make([]byte, 6)
	binary.BigEndian.PutUint16(p[0:2], EventPingResponse)
	binary.BigEndian.PutUint32(p[2:6], value)
	return &chunk.Message{CSID: chunk.CSIDProtocol, TypeID: chunk.TypeUserControl, Payload: p}
}
