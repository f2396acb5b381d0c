// Package record implements the on-disk DevState record: a length-delimited
// wire encoding of the message in §6 of the specification, framed with a
// leading 4-byte big-endian CRC-32 of the payload (spec invariant 4).
//
// The wire format is hand-written with protowire rather than generated
// from a .proto file — there is no protoc step in this repository — but
// it follows the same tag/varint/length-delimited shape real protobuf
// uses, via google.golang.org/protobuf/encoding/protowire.
package record

import (
	"hash/crc32"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/woowu/fmstore/fmerr"
)

// Metric is one observed value within a DevState, per §3.
type Metric struct {
	ID     uint32
	Status int32
	Value  int32
	Scale  int32

	// HasTimestamp reports whether Timestamp was set by the source; it is
	// only populated for "slow" metrics observed asynchronously from the
	// record's capture instant.
	HasTimestamp bool
	Timestamp    uint32
}

// DevState is a single device publication: a capture timestamp plus the
// set of metrics observed at that capture. Metric IDs are unique within a
// DevState (spec §3).
type DevState struct {
	DevID     uint32
	Timestamp uint32
	Metrics   []Metric
}

const (
	fieldDevID     = 1
	fieldTimestamp = 2
	fieldMetrics   = 3

	fieldMetricID        = 1
	fieldMetricStatus    = 2
	fieldMetricValue     = 3
	fieldMetricScale     = 4
	fieldMetricTimestamp = 5
)

// Encode serializes ds to its wire payload (no checksum framing).
func Encode(ds *DevState) []byte {
	b := protowire.AppendTag(nil, fieldDevID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(ds.DevID))
	b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(ds.Timestamp))
	for i := range ds.Metrics {
		mb := encodeMetric(&ds.Metrics[i])
		b = protowire.AppendTag(b, fieldMetrics, protowire.BytesType)
		b = protowire.AppendBytes(b, mb)
	}
	return b
}

func encodeMetric(m *Metric) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldMetricID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.ID))
	b = protowire.AppendTag(b, fieldMetricStatus, protowire.VarintType)
	b = protowire.AppendVarint(b, zigzagEncode(m.Status))
	b = protowire.AppendTag(b, fieldMetricValue, protowire.VarintType)
	b = protowire.AppendVarint(b, zigzagEncode(m.Value))
	b = protowire.AppendTag(b, fieldMetricScale, protowire.VarintType)
	b = protowire.AppendVarint(b, zigzagEncode(m.Scale))
	if m.HasTimestamp {
		b = protowire.AppendTag(b, fieldMetricTimestamp, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Timestamp))
	}
	return b
}

// Decode parses a wire payload (as produced by Encode) back into a
// DevState. Unknown fields are skipped, not rejected, so the format can
// grow new fields without breaking old readers.
func Decode(payload []byte) (*DevState, error) {
	ds := &DevState{}
	b := payload
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmerr.Codec("truncated tag", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldDevID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmerr.Codec("truncated devid", protowire.ParseError(n))
			}
			ds.DevID = uint32(v)
			b = b[n:]
		case num == fieldTimestamp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmerr.Codec("truncated timestamp", protowire.ParseError(n))
			}
			ds.Timestamp = uint32(v)
			b = b[n:]
		case num == fieldMetrics && typ == protowire.BytesType:
			mb, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmerr.Codec("truncated metric", protowire.ParseError(n))
			}
			m, err := decodeMetric(mb)
			if err != nil {
				return nil, err
			}
			ds.Metrics = append(ds.Metrics, *m)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmerr.Codec("truncated unknown field", protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return ds, nil
}

func decodeMetric(payload []byte) (*Metric, error) {
	m := &Metric{}
	b := payload
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmerr.Codec("truncated metric tag", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldMetricID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmerr.Codec("truncated metric id", protowire.ParseError(n))
			}
			m.ID = uint32(v)
			b = b[n:]
		case num == fieldMetricStatus && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmerr.Codec("truncated metric status", protowire.ParseError(n))
			}
			m.Status = zigzagDecode(v)
			b = b[n:]
		case num == fieldMetricValue && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmerr.Codec("truncated metric value", protowire.ParseError(n))
			}
			m.Value = zigzagDecode(v)
			b = b[n:]
		case num == fieldMetricScale && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmerr.Codec("truncated metric scale", protowire.ParseError(n))
			}
			m.Scale = zigzagDecode(v)
			b = b[n:]
		case num == fieldMetricTimestamp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmerr.Codec("truncated metric timestamp", protowire.ParseError(n))
			}
			m.Timestamp = uint32(v)
			m.HasTimestamp = true
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmerr.Codec("truncated unknown metric field", protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return m, nil
}

func zigzagEncode(n int32) uint64 {
	return uint64(uint32((n << 1) ^ (n >> 31)))
}

func zigzagDecode(v uint64) int32 {
	u := uint32(v)
	return int32(u>>1) ^ -int32(u&1)
}

// crcSize is the width of the leading checksum in a framed record.
const crcSize = 4

// EncodeFramed produces the full on-disk representation of ds: a 4-byte
// big-endian CRC-32 of the wire payload, followed by the payload.
func EncodeFramed(ds *DevState) []byte {
	payload := Encode(ds)
	sum := crc32.ChecksumIEEE(payload)
	out := make([]byte, crcSize+len(payload))
	out[0] = byte(sum >> 24)
	out[1] = byte(sum >> 16)
	out[2] = byte(sum >> 8)
	out[3] = byte(sum)
	copy(out[crcSize:], payload)
	return out
}

// DecodeFramed splits off the leading CRC-32, verifies it against the
// remaining payload, and decodes the payload. A checksum mismatch is
// reported as a Codec error and the caller (per §7) is expected to treat
// the file as unreadable rather than fatal to the store.
func DecodeFramed(raw []byte) (*DevState, error) {
	if len(raw) < crcSize {
		return nil, fmerr.Codec("record shorter than checksum header", nil)
	}
	want := uint32(raw[0])<<24 | uint32(raw[1])<<16 | uint32(raw[2])<<8 | uint32(raw[3])
	payload := raw[crcSize:]
	if got := crc32.ChecksumIEEE(payload); got != want {
		return nil, fmerr.Codec("checksum mismatch", nil)
	}
	return Decode(payload)
}
