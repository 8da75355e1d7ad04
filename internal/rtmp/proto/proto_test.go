package proto

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/liveflow/rtmp-server/internal/amf"
	"github.com/liveflow/rtmp-server/internal/rtmp/chunk"
)

func TestCommandEncodeDecodeRoundTrip(t *testing.T) {
	payload := EncodeCommand("connect", 1, amf.Obj(map[string]*amf.Value{
		"app":   amf.Str("live"),
		"tcUrl": amf.Str("rtmp://example.com:1935/live"),
	}))

	cmd, err := DecodeCommand(payload)
	if err != nil {
		t.Fatalf("DecodeCommand: %v", err)
	}
	if cmd.Name != "connect" || cmd.TransID != 1 {
		t.Fatalf("got name=%q transID=%v", cmd.Name, cmd.TransID)
	}
	if got := cmd.Arg(0).GetProperty("app").GetString(); got != "live" {
		t.Fatalf("app = %q, want live", got)
	}
}

func TestCommandArgOutOfRangeIsNull(t *testing.T) {
	cmd := &Command{Name: "play"}
	if !cmd.Arg(5).IsNull() {
		t.Fatalf("out-of-range Arg must be Null")
	}
	// Chained lookups on the Null must degrade, not panic.
	if got := cmd.Arg(5).GetProperty("anything").GetString(); got != "" {
		t.Fatalf("got %q, want empty", got)
	}
}

func TestDataDecode(t *testing.T) {
	payload := EncodeData("@setDataFrame", amf.Str("onMetaData"), amf.Obj(map[string]*amf.Value{
		"width": amf.Num(1920),
	}))

	data, err := DecodeData(payload)
	if err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	if data.Tag != "@setDataFrame" {
		t.Fatalf("tag = %q", data.Tag)
	}
	if got := data.Arg(0).GetString(); got != "onMetaData" {
		t.Fatalf("first arg = %q", got)
	}
	if got := data.Arg(1).GetProperty("width").GetNumber(); got != 1920 {
		t.Fatalf("width = %v", got)
	}
}

func TestControlMessageShapes(t *testing.T) {
	tests := []struct {
		name    string
		msg     *chunk.Message
		typeID  byte
		payload []byte
	}{
		{"set chunk size", SetChunkSizeMessage(4096), chunk.TypeSetChunkSize, []byte{0, 0, 0x10, 0}},
		{"window ack", WindowAckSizeMessage(5000000), chunk.TypeWindowAckSize, []byte{0, 0x4c, 0x4b, 0x40}},
		{"ack", AckMessage(1234), chunk.TypeBytesRead, []byte{0, 0, 0x04, 0xd2}},
		{"peer bw", SetPeerBandwidthMessage(5000000, 2), chunk.TypeSetPeerBW, []byte{0, 0x4c, 0x4b, 0x40, 2}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if tc.msg.TypeID != tc.typeID {
				t.Fatalf("typeID = %d, want %d", tc.msg.TypeID, tc.typeID)
			}
			if tc.msg.CSID != chunk.CSIDProtocol {
				t.Fatalf("csid = %d, want %d", tc.msg.CSID, chunk.CSIDProtocol)
			}
			if !bytes.Equal(tc.msg.Payload, tc.payload) {
				t.Fatalf("payload = %x, want %x", tc.msg.Payload, tc.payload)
			}
		})
	}
}

func TestPingResponseEchoesValue(t *testing.T) {
	msg := PingResponseMessage(0xDEADBEEF)
	if msg.TypeID != chunk.TypeUserControl {
		t.Fatalf("typeID = %d", msg.TypeID)
	}
	if event := binary.BigEndian.Uint16(msg.Payload[0:2]); event != EventPingResponse {
		t.Fatalf("event = %d, want %d", event, EventPingResponse)
	}
	if value := binary.BigEndian.Uint32(msg.Payload[2:6]); value != 0xDEADBEEF {
		t.Fatalf("value = %x", value)
	}
}

func TestStreamBeginCarriesStreamID(t *testing.T) {
	msg := StreamBeginMessage(1)
	if event := binary.BigEndian.Uint16(msg.Payload[0:2]); event != EventStreamBegin {
		t.Fatalf("event = %d", event)
	}
	if sid := binary.BigEndian.Uint32(msg.Payload[2:6]); sid != 1 {
		t.Fatalf("stream id = %d", sid)
	}
}
