package docdb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

type valueFlags uint64

const (
	vfVerBit0 = valueFlags(1 << iota)
	vfVerBit1
	vfVerBit2
	vfVerBit3

	vfVerMask       = (vfVerBit0 | vfVerBit1 | vfVerBit2 | vfVerBit3)
	vfVer1          = vfVerBit0
	vfSupportedMask = vfVer1
	vfDefault       = vfVer1

	minValueSize       = 4
	maxValueHeaderSize = binary.MaxVarintLen64 * 4
)

// value is a stored document: a uvarint header (flags, etag, metadata size,
// body size), then msgpack metadata, msgpack body and msgpack modification time.
type value struct {
	Flags    valueFlags
	Etag     Etag
	Metadata []byte
	Body     []byte
	Modified []byte
}

func encodeMap(m map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	// equal numbers must encode equally whatever their Go integer type
	enc.UseCompactInts(true)
	if m == nil {
		m = map[string]any{}
	}
	if err := enc.Encode(m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeMap(data []byte) (map[string]any, error) {
	var m map[string]any
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

func encodeValue(etag Etag, metadata, body []byte, modified time.Time) []byte {
	mod, err := msgpack.Marshal(modified.UTC())
	if err != nil {
		panic(fmt.Errorf("encoding modification time: %w", err))
	}

	buf := make([]byte, 0, maxValueHeaderSize+len(metadata)+len(body)+len(mod))
	buf = binary.AppendUvarint(buf, uint64(vfDefault))
	buf = binary.AppendUvarint(buf, uint64(etag))
	buf = binary.AppendUvarint(buf, uint64(len(metadata)))
	buf = binary.AppendUvarint(buf, uint64(len(body)))
	buf = append(buf, metadata...)
	buf = append(buf, body...)
	buf = append(buf, mod...)
	return buf
}

func (vle *value) decodeHeader(data []byte) (rest []byte, metaSize, bodySize uint64, err error) {
	orig := data
	if len(data) < minValueSize {
		return nil, 0, 0, dataErrf(orig, 0, nil, "invalid value: at least %d bytes required", minValueSize)
	}

	v, n := binary.Uvarint(data)
	if n <= 0 {
		return nil, 0, 0, dataErrf(orig, len(orig)-len(data), nil, "invalid value: bad flags")
	}
	if (v & ^uint64(vfSupportedMask)) != 0 {
		return nil, 0, 0, dataErrf(orig, len(orig)-len(data), nil, "invalid value: unsupported flags %x", v)
	}
	vle.Flags, data = valueFlags(v), data[n:]

	v, n = binary.Uvarint(data)
	if n <= 0 || v == 0 {
		return nil, 0, 0, dataErrf(orig, len(orig)-len(data), nil, "invalid value: bad etag")
	}
	vle.Etag, data = Etag(v), data[n:]

	metaSize, n = binary.Uvarint(data)
	if n <= 0 {
		return nil, 0, 0, dataErrf(orig, len(orig)-len(data), nil, "invalid value: bad metadata size")
	}
	data = data[n:]

	bodySize, n = binary.Uvarint(data)
	if n <= 0 {
		return nil, 0, 0, dataErrf(orig, len(orig)-len(data), nil, "invalid value: bad body size")
	}
	data = data[n:]
	return data, metaSize, bodySize, nil
}

// decodeEtag reads only the header of a stored value.
func decodeEtag(data []byte) (Etag, error) {
	var vle value
	_, _, _, err := vle.decodeHeader(data)
	return vle.Etag, err
}

func (vle *value) decode(data []byte) error {
	rest, metaSize, bodySize, err := vle.decodeHeader(data)
	if err != nil {
		return err
	}
	if uint64(len(rest)) < metaSize+bodySize {
		return dataErrf(data, len(data)-len(rest), nil, "invalid value: got %d bytes for metadata+body, expected %d bytes", len(rest), metaSize+bodySize)
	}
	vle.Metadata, rest = rest[:metaSize], rest[metaSize:]
	vle.Body, rest = rest[:bodySize], rest[bodySize:]
	vle.Modified = rest
	return nil
}

func (vle *value) document(key string) (*Document, error) {
	doc := &Document{Key: key, Etag: vle.Etag}
	var err error
	doc.Metadata, err = decodeMap(vle.Metadata)
	if err != nil {
		return nil, fmt.Errorf("%s: decoding metadata: %w", key, err)
	}
	doc.Body, err = decodeMap(vle.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: decoding body: %w", key, err)
	}
	if len(vle.Modified) > 0 {
		if err := msgpack.Unmarshal(vle.Modified, &doc.LastModified); err != nil {
			return nil, fmt.Errorf("%s: decoding modification time: %w", key, err)
		}
	}
	return doc, nil
}
