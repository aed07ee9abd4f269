package persistence

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// EnvelopeVersion is the current on-disk/on-wire envelope version. Readers
// must preserve the ability to decode every version ever shipped so rolling
// upgrades don't corrupt state (spec.md §6).
const EnvelopeVersion uint16 = 1

// bufWriter accumulates a BARE-like frame: fixed-width fields as little
// endian integers, variable-length fields as a uint32 length prefix
// followed by the raw bytes.
type bufWriter struct {
	buf bytes.Buffer
}

func newBufWriter() *bufWriter { return &bufWriter{} }

func (w *bufWriter) writeU8(v uint8)   { w.buf.WriteByte(v) }
func (w *bufWriter) writeU64(v uint64) { binary.Write(&w.buf, binary.LittleEndian, v) } //nolint:errcheck

func (w *bufWriter) writeBytes(b []byte) {
	binary.Write(&w.buf, binary.LittleEndian, uint32(len(b))) //nolint:errcheck
	w.buf.Write(b)
}

func (w *bufWriter) writeString(s string) { w.writeBytes([]byte(s)) }

func (w *bufWriter) writeStringSlice(ss []string) {
	w.writeU64(uint64(len(ss)))
	for _, s := range ss {
		w.writeString(s)
	}
}

// writeOptionalI64 writes a presence byte followed by the value if present.
func (w *bufWriter) writeOptionalI64(v *int64) {
	if v == nil {
		w.writeU8(0)
		return
	}
	w.writeU8(1)
	w.writeU64(uint64(*v))
}

func (w *bufWriter) bytes() []byte { return w.buf.Bytes() }

type bufReader struct {
	buf *bytes.Reader
}

func newBufReader(b []byte) *bufReader { return &bufReader{buf: bytes.NewReader(b)} }

func (r *bufReader) readU8() (uint8, error) { return r.buf.ReadByte() }

func (r *bufReader) readU64() (uint64, error) {
	var v uint64
	if err := binary.Read(r.buf, binary.LittleEndian, &v); err != nil {
		return 0, err
	}
	return v, nil
}

func (r *bufReader) readBytes() ([]byte, error) {
	var n uint32
	if err := binary.Read(r.buf, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	if int64(n) > int64(r.buf.Len()) {
		return nil, fmt.Errorf("envelope: field length %d exceeds remaining buffer", n)
	}
	out := make([]byte, n)
	if _, err := r.buf.Read(out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *bufReader) readString() (string, error) {
	b, err := r.readBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *bufReader) readStringSlice() ([]string, error) {
	n, err := r.readU64()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, n)
	for i := uint64(0); i < n; i++ {
		s, err := r.readString()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (r *bufReader) readOptionalI64() (*int64, error) {
	present, err := r.readU8()
	if err != nil {
		return nil, err
	}
	if present == 0 {
		return nil, nil
	}
	v, err := r.readU64()
	if err != nil {
		return nil, err
	}
	iv := int64(v)
	return &iv, nil
}

// encodeVersioned prefixes body with the 2-byte little-endian envelope
// version, per spec.md §6.
func encodeVersioned(body []byte) []byte {
	out := make([]byte, 2+len(body))
	binary.LittleEndian.PutUint16(out, EnvelopeVersion)
	copy(out[2:], body)
	return out
}

func decodeVersioned(data []byte) (version uint16, body []byte, err error) {
	if len(data) < 2 {
		return 0, nil, fmt.Errorf("envelope: truncated, missing version prefix")
	}
	return binary.LittleEndian.Uint16(data), data[2:], nil
}

// EncodeState serializes a State into its versioned on-disk envelope.
func EncodeState(s *State) ([]byte, error) {
	w := newBufWriter()
	w.writeString(s.ActorID)
	w.writeString(s.Name)
	w.writeStringSlice(s.Key)
	w.writeU64(uint64(s.CreatedAt))
	w.writeOptionalI64(s.StartTs)
	w.writeOptionalI64(s.ConnectableTs)
	w.writeOptionalI64(s.SleepTs)
	w.writeOptionalI64(s.DestroyTs)

	w.writeU64(uint64(len(s.KVStorage)))
	for k, v := range s.KVStorage {
		w.writeString(k)
		w.writeBytes(v)
	}

	return encodeVersioned(w.bytes()), nil
}

// DecodeState parses a versioned State envelope.
func DecodeState(data []byte) (*State, error) {
	version, body, err := decodeVersioned(data)
	if err != nil {
		return nil, err
	}
	if version != EnvelopeVersion {
		return nil, fmt.Errorf("envelope: unsupported state version %d", version)
	}

	r := newBufReader(body)
	s := &State{}

	if s.ActorID, err = r.readString(); err != nil {
		return nil, err
	}
	if s.Name, err = r.readString(); err != nil {
		return nil, err
	}
	if s.Key, err = r.readStringSlice(); err != nil {
		return nil, err
	}
	createdAt, err := r.readU64()
	if err != nil {
		return nil, err
	}
	s.CreatedAt = int64(createdAt)
	if s.StartTs, err = r.readOptionalI64(); err != nil {
		return nil, err
	}
	if s.ConnectableTs, err = r.readOptionalI64(); err != nil {
		return nil, err
	}
	if s.SleepTs, err = r.readOptionalI64(); err != nil {
		return nil, err
	}
	if s.DestroyTs, err = r.readOptionalI64(); err != nil {
		return nil, err
	}

	n, err := r.readU64()
	if err != nil {
		return nil, err
	}
	if n > 0 {
		s.KVStorage = make(map[string][]byte, n)
		for i := uint64(0); i < n; i++ {
			k, err := r.readString()
			if err != nil {
				return nil, err
			}
			v, err := r.readBytes()
			if err != nil {
				return nil, err
			}
			s.KVStorage[k] = v
		}
	}

	return s, nil
}

// EncodeAlarm serializes an Alarm into its versioned on-disk envelope.
func EncodeAlarm(a *Alarm) []byte {
	w := newBufWriter()
	w.writeString(a.ActorID)
	w.writeU64(uint64(a.TimestampMs))
	return encodeVersioned(w.bytes())
}

// DecodeAlarm parses a versioned Alarm envelope.
func DecodeAlarm(data []byte) (*Alarm, error) {
	version, body, err := decodeVersioned(data)
	if err != nil {
		return nil, err
	}
	if version != EnvelopeVersion {
		return nil, fmt.Errorf("envelope: unsupported alarm version %d", version)
	}
	r := newBufReader(body)
	a := &Alarm{}
	if a.ActorID, err = r.readString(); err != nil {
		return nil, err
	}
	ts, err := r.readU64()
	if err != nil {
		return nil, err
	}
	a.TimestampMs = int64(ts)
	return a, nil
}
