package cadence

import (
	"bytes"
	"encoding/binary"
	"math"
	"sort"

	"github.com/pkg/errors"
)

// Wire format, big-endian:
//
//	[4 type][4 replyType][8 requestID][8 targetRequestID][1 flags]
//	[str errorType][str errorMessage]
//	[2 propertyCount]{[str key][str value]}
//	[4 payloadLen, -1 for nil][payload]
//
// Strings are a uint32 length followed by UTF-8 bytes.

const flagCancellable byte = 1 << 0

// Encode serializes e.
func Encode(e *Envelope) ([]byte, error) {
	if len(e.Properties) > math.MaxUint16 {
		return nil, errors.Errorf("envelope: %d properties exceeds limit", len(e.Properties))
	}

	var buf bytes.Buffer
	buf.Grow(64 + len(e.Payload))

	putI32(&buf, int32(e.Type))
	putI32(&buf, int32(e.ReplyType))
	putI64(&buf, e.RequestID)
	putI64(&buf, e.TargetRequestID)

	var flags byte
	if e.IsCancellable {
		flags |= flagCancellable
	}
	buf.WriteByte(flags)

	putStr(&buf, e.ErrorType)
	putStr(&buf, e.ErrorMessage)

	// sorted for a stable encoding
	keys := make([]string, 0, len(e.Properties))
	for k := range e.Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], uint16(len(keys)))
	buf.Write(tmp[:])
	for _, k := range keys {
		putStr(&buf, k)
		putStr(&buf, e.Properties[k])
	}

	if e.Payload == nil {
		putI32(&buf, -1)
	} else {
		putI32(&buf, int32(len(e.Payload)))
		buf.Write(e.Payload)
	}

	return buf.Bytes(), nil
}

// Decode parses an envelope. Any truncation or trailing garbage yields an
// error wrapping ErrMalformedEnvelope.
func Decode(data []byte) (*Envelope, error) {
	e := &Envelope{}
	off := 0
	var err error
	var v int32

	if v, off, err = getI32(data, off); err != nil {
		return nil, malformed(err, "type")
	}
	e.Type = MessageType(v)
	if v, off, err = getI32(data, off); err != nil {
		return nil, malformed(err, "reply type")
	}
	e.ReplyType = MessageType(v)
	if e.RequestID, off, err = getI64(data, off); err != nil {
		return nil, malformed(err, "request id")
	}
	if e.TargetRequestID, off, err = getI64(data, off); err != nil {
		return nil, malformed(err, "target request id")
	}

	if off >= len(data) {
		return nil, malformed(errors.New("short data for flags"), "flags")
	}
	e.IsCancellable = data[off]&flagCancellable != 0
	off++

	if e.ErrorType, off, err = getStr(data, off); err != nil {
		return nil, malformed(err, "error type")
	}
	if e.ErrorMessage, off, err = getStr(data, off); err != nil {
		return nil, malformed(err, "error message")
	}

	if off+2 > len(data) {
		return nil, malformed(errors.New("short data for property count"), "properties")
	}
	n := int(binary.BigEndian.Uint16(data[off:]))
	off += 2
	e.Properties = make(map[string]string, n)
	for i := 0; i < n; i++ {
		var k, val string
		if k, off, err = getStr(data, off); err != nil {
			return nil, malformed(err, "property key")
		}
		if val, off, err = getStr(data, off); err != nil {
			return nil, malformed(err, "property value")
		}
		e.Properties[k] = val
	}

	if v, off, err = getI32(data, off); err != nil {
		return nil, malformed(err, "payload length")
	}
	if v >= 0 {
		if off+int(v) > len(data) {
			return nil, malformed(errors.New("short data for payload"), "payload")
		}
		e.Payload = make([]byte, v)
		copy(e.Payload, data[off:off+int(v)])
		off += int(v)
	} else if v != -1 {
		return nil, malformed(errors.Errorf("negative payload length %d", v), "payload length")
	}

	if off != len(data) {
		return nil, malformed(errors.Errorf("%d trailing bytes", len(data)-off), "envelope")
	}
	return e, nil
}

func malformed(err error, field string) error {
	return errors.Wrapf(ErrMalformedEnvelope, "%s: %v", field, err)
}

func putStr(buf *bytes.Buffer, s string) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(len(s)))
	buf.Write(tmp[:])
	buf.WriteString(s)
}

func putI32(buf *bytes.Buffer, v int32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(v))
	buf.Write(tmp[:])
}

func putI64(buf *bytes.Buffer, v int64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(v))
	buf.Write(tmp[:])
}

func getStr(data []byte, off int) (string, int, error) {
	if off+4 > len(data) {
		return "", off, errors.New("short data for string length")
	}
	n := int(binary.BigEndian.Uint32(data[off:]))
	off += 4
	if n < 0 || off+n > len(data) {
		return "", off, errors.New("short data for string")
	}
	return string(data[off : off+n]), off + n, nil
}

func getI32(data []byte, off int) (int32, int, error) {
	if off+4 > len(data) {
		return 0, off, errors.New("short data for int32")
	}
	return int32(binary.BigEndian.Uint32(data[off:])), off + 4, nil
}

func getI64(data []byte, off int) (int64, int, error) {
	if off+8 > len(data) {
		return 0, off, errors.New("short data for int64")
	}
	return int64(binary.BigEndian.Uint64(data[off:])), off + 8, nil
}
