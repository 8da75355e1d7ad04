package proto

import (
	"errors"

	"github.com/liveflow/rtmp-server/internal/amf"
)

var ErrMalformedCommand = errors.New("proto: malformed command")

// Command is a decoded AMF0 command message: a flat sequence of values
// where the first is the command name and the second the transaction id,
// matching the RTMP invoke wire shape (not a single AMF object).
type Command struct {
	Name   string
	TransID float64
	Args   []*amf.Value
}

// Arg returns the i-th argument (0-indexed, after name and transaction
// id), or a Null value if absent, so callers can chain GetProperty/
// GetString without nil checks.
func (c *Command) Arg(i int) *amf.Value {
	if i < 0 || i >= len(c.Args) {
		return amf.Null()
	}
	return c.Args[i]
}

// DecodeCommand parses an AMF0-encoded invoke/data payload into its
// sequential values.
func DecodeCommand(payload []byte) (*Command, error) {
	d := amf.NewDecoder(payload)

	nameVal, err := d.ReadOne()
	if err != nil {
		return nil, ErrMalformedCommand
	}

	cmd := &Command{Name: nameVal.GetString()}

	if !d.Ended() {
		tid, err := d.ReadOne()
		if err == nil {
			cmd.TransID = tid.GetNumber()
		}
	}

	for !d.Ended() {
		v, err := d.ReadOne()
		if err != nil {
			break
		}
		cmd.Args = append(cmd.Args, v)
	}

	return cmd, nil
}

// Data is a decoded AMF0 data message (onMetaData, @setDataFrame): a tag
// followed directly by values, with no transaction id field.
type Data struct {
	Tag  string
	Args []*amf.Value
}

func (d *Data) Arg(i int) *amf.Value {
	if i < 0 || i >= len(d.Args) {
		return amf.Null()
	}
	return d.Args[i]
}

func DecodeData(payload []byte) (*Data, error) {
	dec := amf.NewDecoder(payload)
	tagVal, err := dec.ReadOne()
	if err != nil {
		return nil, ErrMalformedCommand
	}
	data := &Data{Tag: tagVal.GetString()}
	for !dec.Ended() {
		v, err := dec.ReadOne()
		if err != nil {
			break
		}
		data.Args = append(data.Args, v)
	}
	return data, nil
}

func EncodeData(tag string, vals ...*amf.Value) []byte {
	var buf []byte
	buf = amf.Encode(buf, amf.Str(tag))
	for _, v := range vals {
		buf = amf.Encode(buf, v)
	}
	return buf
}

// EncodeCommand serializes name, transaction id, and then each of vals in
// order, the flat concatenation the RTMP invoke wire format expects.
func EncodeCommand(name string, transID float64, vals ...*amf.Value) []byte {
	var buf []byte
	buf = amf.Encode(buf, amf.Str(name))
	buf = amf.Encode(buf, amf.Num(transID))
	for _, v := range vals {
		buf = amf.Encode(buf, v)
	}
	return buf
}
