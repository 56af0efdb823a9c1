// Package ltx implements the LTX pipe protocol of spec §4.2.3: a binary,
// length-prefixed, self-describing framing carried over a pair of file
// descriptors, where each frame is an array whose first element is a
// message-type byte.
//
// Frames are encoded with github.com/vmihailenco/msgpack/v4 (pulled
// transitively into the teacher's vendor tree), which is exactly the
// "self-describing array" shape spec §4.2.3 calls for: a msgpack array
// header followed by its elements, with no separate schema needed to
// decode it.
package ltx

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
	"github.com/vmihailenco/msgpack/v4"
)

// MsgType identifies the wire opcode of spec §4.2.3's table.
type MsgType byte

const (
	MsgVersion MsgType = 0x00
	MsgPing    MsgType = 0x01
	MsgPong    MsgType = 0x02
	MsgGetFile MsgType = 0x03
	MsgSetFile MsgType = 0x04
	MsgEnv     MsgType = 0x05
	MsgCwd     MsgType = 0x06
	MsgExec    MsgType = 0x07
	MsgResult  MsgType = 0x08
	MsgLog     MsgType = 0x09
	MsgData    MsgType = 0xa0
	MsgKill    MsgType = 0xa1
	MsgError   MsgType = 0xff
)

// MaxSlots is the number of concurrent command slots the protocol
// supports (spec §4.2.3: "a slot table of up to 128 concurrent
// commands").
const MaxSlots = 128

// SlotBroadcast is the sentinel slot value meaning "apply to all slots",
// valid only for ENV and CWD.
const SlotBroadcast = MaxSlots

// Frame is one decoded LTX message: the opcode plus its positional
// arguments, in the order spec §4.2.3's table lists them for that
// opcode.
type Frame struct {
	Type MsgType
	Args []interface{}
}

// Encode writes a length-prefixed msgpack array frame: [type, args...].
func (f Frame) Encode(w io.Writer) (err kv.Error) {
	payload := make([]interface{}, 0, len(f.Args)+1)
	payload = append(payload, byte(f.Type))
	payload = append(payload, f.Args...)

	body, errGo := msgpack.Marshal(payload)
	if errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(body)))
	if _, errGo = w.Write(lenPrefix[:]); errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	if _, errGo = w.Write(body); errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	return nil
}

// Decoder reads Frames off a streaming reader, tolerant of frame
// boundaries that fall inside a single underlying Read (spec §4.2.3: "the
// reader must be resilient to frame boundaries falling inside read
// chunks"), by always reading exactly as many bytes as the length prefix
// declares via io.ReadFull.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder wraps r (typically the LTX server's stdout fd) in a
// Decoder.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next blocks until one full frame has arrived and decodes it.
func (d *Decoder) Next() (frame Frame, err kv.Error) {
	var lenPrefix [4]byte
	if _, errGo := io.ReadFull(d.r, lenPrefix[:]); errGo != nil {
		return frame, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	length := binary.BigEndian.Uint32(lenPrefix[:])

	body := make([]byte, length)
	if _, errGo := io.ReadFull(d.r, body); errGo != nil {
		return frame, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}

	var raw []interface{}
	if errGo := msgpack.Unmarshal(body, &raw); errGo != nil {
		return frame, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	if len(raw) == 0 {
		return frame, kv.NewError("empty LTX frame").With("stack", stack.Trace().TrimRuntime())
	}

	typeByte, ok := toByte(raw[0])
	if !ok {
		return frame, kv.NewError("LTX frame missing message-type byte").
			With("stack", stack.Trace().TrimRuntime())
	}
	frame.Type = MsgType(typeByte)
	frame.Args = raw[1:]
	return frame, nil
}

// toByte normalises the numeric types msgpack may decode an integer into
// (int8, uint8, int64, ...) to a plain byte.
func toByte(v interface{}) (b byte, ok bool) {
	switch n := v.(type) {
	case int8:
		return byte(n), true
	case uint8:
		return n, true
	case int:
		return byte(n), true
	case int64:
		return byte(n), true
	case uint64:
		return byte(n), true
	default:
		return 0, false
	}
}

// ArgInt64 extracts a msgpack-decoded integer argument at index i as
// int64, tolerant of the various concrete integer types msgpack produces.
func ArgInt64(args []interface{}, i int) (v int64, ok bool) {
	if i >= len(args) {
		return 0, false
	}
	switch n := args[i].(type) {
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}

// ArgString extracts a msgpack-decoded string argument at index i.
func ArgString(args []interface{}, i int) (v string, ok bool) {
	if i >= len(args) {
		return "", false
	}
	s, ok := args[i].(string)
	return s, ok
}

// ArgBytes extracts a msgpack-decoded byte-string argument at index i.
func ArgBytes(args []interface{}, i int) (v []byte, ok bool) {
	if i >= len(args) {
		return nil, false
	}
	switch b := args[i].(type) {
	case []byte:
		return b, true
	case string:
		return []byte(b), true
	default:
		return nil, false
	}
}
