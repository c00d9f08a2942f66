package event

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"time"
)

// Wire layout, version 1. All integers are big-endian.
//
//	u8  frame version
//	u8  id length, id bytes
//	u32 event type
//	u8  aggregate id length, aggregate id bytes
//	u32 aggregate version
//	u32 timestamp, whole seconds since epoch
//	u8  body flag (0 = null), u32 body length + bytes when set
//	u16 meta entry count, per entry: u16 key length + key,
//	    u32 value length + value; keys sorted ascending
//
// The timestamp is truncated to seconds on the wire. Callers who need
// sub-second precision must carry it in the body or metadata.
const wireVersion = 0x01

const (
	maxBodySize = 16 << 20
	maxMetaSize = 1 << 20
)

// Marshal encodes the event into its wire frame.
func Marshal(e *Event) ([]byte, error) {
	if e.Aggregate.Version == 0 {
		return nil, fmt.Errorf("marshal event: aggregate version must be >= 1")
	}
	if len(e.Body) > maxBodySize {
		return nil, fmt.Errorf("marshal event: body exceeds %d bytes", maxBodySize)
	}
	ts := e.Timestamp.Unix()
	if ts < 0 || ts > math.MaxUint32 {
		return nil, fmt.Errorf("marshal event: timestamp %v outside wire range", e.Timestamp)
	}

	var buf bytes.Buffer
	buf.WriteByte(wireVersion)

	buf.WriteByte(byte(len(e.ID)))
	buf.Write(e.ID[:])

	writeU32(&buf, e.Type)

	buf.WriteByte(byte(len(e.Aggregate.ID)))
	buf.Write(e.Aggregate.ID[:])
	writeU32(&buf, e.Aggregate.Version)

	writeU32(&buf, uint32(ts))

	if e.Body == nil {
		buf.WriteByte(0)
	} else {
		buf.WriteByte(1)
		writeU32(&buf, uint32(len(e.Body)))
		buf.Write(e.Body)
	}

	if len(e.Meta) > math.MaxUint16 {
		return nil, fmt.Errorf("marshal event: too many meta entries")
	}
	keys := make([]string, 0, len(e.Meta))
	for k := range e.Meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var u16 [2]byte
	binary.BigEndian.PutUint16(u16[:], uint16(len(keys)))
	buf.Write(u16[:])
	for _, k := range keys {
		v := e.Meta[k]
		if len(k) > math.MaxUint16 || len(v) > maxMetaSize {
			return nil, fmt.Errorf("marshal event: meta entry %q too large", k)
		}
		binary.BigEndian.PutUint16(u16[:], uint16(len(k)))
		buf.Write(u16[:])
		buf.WriteString(k)
		writeU32(&buf, uint32(len(v)))
		buf.Write(v)
	}

	return buf.Bytes(), nil
}

// Unmarshal decodes a wire frame into an event.
func Unmarshal(b []byte) (*Event, error) {
	r := &wireReader{buf: b}

	ver, err := r.u8()
	if err != nil {
		return nil, err
	}
	if ver != wireVersion {
		return nil, fmt.Errorf("unmarshal event: unsupported frame version %d", ver)
	}

	idLen, err := r.u8()
	if err != nil {
		return nil, err
	}
	idBytes, err := r.take(int(idLen))
	if err != nil {
		return nil, err
	}
	id, err := IDFromBytes(idBytes)
	if err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}

	typ, err := r.u32()
	if err != nil {
		return nil, err
	}

	aggLen, err := r.u8()
	if err != nil {
		return nil, err
	}
	aggBytes, err := r.take(int(aggLen))
	if err != nil {
		return nil, err
	}
	aggID, err := AggregateIDFromBytes(aggBytes)
	if err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}
	aggVersion, err := r.u32()
	if err != nil {
		return nil, err
	}
	if aggVersion == 0 {
		return nil, fmt.Errorf("unmarshal event: aggregate version must be >= 1")
	}

	secs, err := r.u32()
	if err != nil {
		return nil, err
	}

	bodyFlag, err := r.u8()
	if err != nil {
		return nil, err
	}
	var body []byte
	if bodyFlag != 0 {
		n, err := r.u32()
		if err != nil {
			return nil, err
		}
		if n > maxBodySize {
			return nil, fmt.Errorf("unmarshal event: body exceeds %d bytes", maxBodySize)
		}
		raw, err := r.take(int(n))
		if err != nil {
			return nil, err
		}
		body = append([]byte(nil), raw...)
	}

	metaCount, err := r.u16()
	if err != nil {
		return nil, err
	}
	var meta map[string][]byte
	if metaCount > 0 {
		meta = make(map[string][]byte, metaCount)
		for i := 0; i < int(metaCount); i++ {
			kLen, err := r.u16()
			if err != nil {
				return nil, err
			}
			k, err := r.take(int(kLen))
			if err != nil {
				return nil, err
			}
			vLen, err := r.u32()
			if err != nil {
				return nil, err
			}
			if vLen > maxMetaSize {
				return nil, fmt.Errorf("unmarshal event: meta value exceeds %d bytes", maxMetaSize)
			}
			v, err := r.take(int(vLen))
			if err != nil {
				return nil, err
			}
			meta[string(k)] = append([]byte(nil), v...)
		}
	}

	return &Event{
		ID:        id,
		Type:      typ,
		Aggregate: AggregateRef{ID: aggID, Version: aggVersion},
		Body:      body,
		Meta:      meta,
		Timestamp: time.Unix(int64(secs), 0).UTC(),
	}, nil
}

// PeekType reads the event type from a wire frame without decoding the
// rest. The broker routes on this.
func PeekType(b []byte) (uint32, error) {
	if len(b) < 2 {
		return 0, fmt.Errorf("peek event type: frame too short")
	}
	if b[0] != wireVersion {
		return 0, fmt.Errorf("peek event type: unsupported frame version %d", b[0])
	}
	off := 2 + int(b[1])
	if len(b) < off+4 {
		return 0, fmt.Errorf("peek event type: frame too short")
	}
	return binary.BigEndian.Uint32(b[off:]), nil
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

type wireReader struct {
	buf []byte
	pos int
}

func (r *wireReader) take(n int) ([]byte, error) {
	if r.pos+n > len(r.buf) {
		return nil, fmt.Errorf("unmarshal event: truncated frame")
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *wireReader) u8() (byte, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *wireReader) u16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *wireReader) u32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}
