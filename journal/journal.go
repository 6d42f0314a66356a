// Package journal implements WAL-like append-only “journal” files.
//
// A journal is a sequence of segment files in one directory. Each segment
// starts with a fixed-size header and holds records; each record is
// checksummed, so a torn write at the tail of the last segment is detected
// on Open and trimmed away.
//
// File format:
//
//   - file = segmentHeader record*
//   - segmentHeader = magic:64 version:8 pad:8 flags:16 segmentOrdinal:32 timestamp:32 pad:32 invariant:8*32 checksum:64
//   - record = size:uvarint tsDelta:uvarint bytes* checksum:64
//
// The record checksum is xxhash64 over the record header and data.
package journal

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

var (
	ErrIncompatible       = errors.New("incompatible journal")
	ErrUnsupportedVersion = errors.New("unsupported journal version")
	ErrClosed             = errors.New("journal closed")
	errCorruptedFile      = errors.New("corrupted journal segment file")
)

type Options struct {
	Context     context.Context
	FileName    string // e.g. "mydb-*.wal"
	MaxFileSize int64  // new segment after this size
	DebugName   string
	Now         func() time.Time
	Invariant   [32]byte

	// NoSync skips fsync on Commit; for tests only.
	NoSync bool

	Logger  *slog.Logger
	Verbose bool
}

const DefaultMaxFileSize = 4 * 1024 * 1024

// MaxRecordSize bounds a single record; larger sizes are treated as corruption.
const MaxRecordSize = 256 * 1024 * 1024

const (
	magic          = 0x54414c4e52554f4a // "JOURNLAT" as little-endian uint64
	version0 uint8 = 0
)

const segmentHeaderSize = 8 * 8

type segmentHeader struct {
	Magic          uint64
	Version        uint8
	_              uint8
	Flags          uint16
	SegmentOrdinal uint32
	Timestamp      uint32
	_              uint32
	Invariant      [32]byte
	Checksum       uint64
}

const (
	timestampFmt   = "20060102T150405"
	maxRecHeaderSz = binary.MaxVarintLen64 * 2
	recTrailerSize = 8
)

// Journal represents a set of append-only segment files.
type Journal struct {
	context        context.Context
	maxFileSize    int64
	fileNamePrefix string
	fileNameSuffix string
	debugName      string
	dir            string
	now            func() time.Time
	logger         *slog.Logger
	verbose        bool
	noSync         bool
	invariant      [32]byte

	writeLock sync.Mutex
	writeErr  error
	writeSeg  uint32
	writeRec  uint64
	segWriter *segmentWriter
	closed    bool
}

// Open scans the segments in dir, passes every intact record to apply in
// order, trims a corrupted tail of the last segment, and prepares the
// journal for appending. apply may be nil.
func Open(dir string, o Options, apply func(data []byte) error) (*Journal, error) {
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Context == nil {
		o.Context = context.Background()
	}
	if o.FileName == "" {
		o.FileName = "*"
	}
	prefix, suffix, _ := strings.Cut(o.FileName, "*")
	if o.DebugName == "" {
		o.DebugName = "journal"
	}
	if o.MaxFileSize == 0 {
		o.MaxFileSize = DefaultMaxFileSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	j := &Journal{
		context:        o.Context,
		maxFileSize:    o.MaxFileSize,
		fileNamePrefix: prefix,
		fileNameSuffix: suffix,
		debugName:      o.DebugName,
		dir:            dir,
		now:            o.Now,
		verbose:        o.Verbose,
		noSync:         o.NoSync,
		invariant:      o.Invariant,
		logger:         o.Logger,
	}

	if err := os.MkdirAll(dir, 0o777); err != nil {
		return nil, err
	}
	names, err := j.segmentNames()
	if err != nil {
		return nil, err
	}
	for i, name := range names {
		last := (i == len(names)-1)
		if err := j.replaySegment(name, last, apply); err != nil {
			return nil, err
		}
	}
	return j, nil
}

func (j *Journal) String() string {
	return j.debugName
}

func (j *Journal) Now() uint32 {
	v := j.now().Unix()
	if v < 0 {
		panic("time travel disallowed")
	}
	u := uint64(v)
	if u&0xFFFF_FFFF_0000_0000 != 0 {
		panic("time travel disallowed both ways")
	}
	return uint32(u)
}

// FileNames returns the segment file names in order.
func (j *Journal) FileNames() ([]string, error) {
	return j.segmentNames()
}

func (j *Journal) segmentNames() ([]string, error) {
	ents, err := os.ReadDir(j.dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, ent := range ents {
		if !ent.Type().IsRegular() {
			continue
		}
		name := ent.Name()
		if !strings.HasPrefix(name, j.fileNamePrefix) || !strings.HasSuffix(name, j.fileNameSuffix) {
			continue
		}
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

func (j *Journal) replaySegment(name string, last bool, apply func(data []byte) error) error {
	seq, _, _, err := parseSegmentName(j.trimName(name))
	if err != nil {
		return err
	}

	f, err := os.OpenFile(filepath.Join(j.dir, name), os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	var h segmentHeader
	err = j.readHeader(f, &h, seq)
	if err == errCorruptedFile && last {
		j.logger.LogAttrs(j.context, slog.LevelWarn, "journal: deleting corrupted file", slog.String("jrnl", j.debugName), slog.String("file", name))
		f.Close()
		if err := os.Remove(filepath.Join(j.dir, name)); err != nil {
			return fmt.Errorf("journal: failed to delete corrupted file: %w", err)
		}
		return nil
	} else if err != nil {
		return fmt.Errorf("%v: %s: %w", j.debugName, name, err)
	}
	j.writeSeg = h.SegmentOrdinal

	r := bufio.NewReader(f)
	off := int64(segmentHeaderSize)
	ts := h.Timestamp
	for {
		data, tsDelta, n, err := readRecord(r)
		if err == io.EOF {
			break
		} else if err == errCorruptedFile {
			if !last {
				return fmt.Errorf("%v: %s at %d: %w", j.debugName, name, off, err)
			}
			j.logger.LogAttrs(j.context, slog.LevelWarn, "journal: trimming corrupted tail", slog.String("jrnl", j.debugName), slog.String("file", name), slog.Int64("off", off))
			if err := f.Truncate(off); err != nil {
				return err
			}
			break
		} else if err != nil {
			return err
		}
		ts += tsDelta
		off += int64(n)
		j.writeRec++
		if apply != nil {
			if err := apply(data); err != nil {
				return fmt.Errorf("%v: applying record %d: %w", j.debugName, j.writeRec, err)
			}
		}
	}
	if j.verbose {
		j.logger.LogAttrs(j.context, slog.LevelDebug, "journal: replayed", slog.String("jrnl", j.debugName), slog.String("file", name), slog.Uint64("records", j.writeRec), slog.Int64("size", off))
	}

	if last && off < j.maxFileSize {
		if err := f.Sync(); err != nil {
			return err
		}
		wf, err := os.OpenFile(filepath.Join(j.dir, name), os.O_WRONLY|os.O_APPEND, 0)
		if err != nil {
			return err
		}
		j.segWriter = &segmentWriter{f: wf, w: bufio.NewWriter(wf), seg: h.SegmentOrdinal, ts: ts, size: off}
	}
	return nil
}

func (j *Journal) trimName(name string) string {
	return strings.TrimSuffix(strings.TrimPrefix(name, j.fileNamePrefix), j.fileNameSuffix)
}

// WriteRecord appends a record. It becomes durable after Commit.
func (j *Journal) WriteRecord(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if len(data) > MaxRecordSize {
		return fmt.Errorf("%v: record of %d bytes exceeds the maximum", j.debugName, len(data))
	}

	j.writeLock.Lock()
	defer j.writeLock.Unlock()

	if j.closed {
		return ErrClosed
	}
	if j.writeErr != nil {
		return j.writeErr
	}

	timestamp := j.Now()
	j.writeRec++

	if j.segWriter != nil && j.segWriter.size >= j.maxFileSize {
		if err := j.rotate_locked(); err != nil {
			return j.fail(err)
		}
	}
	if j.segWriter == nil {
		j.writeSeg++
		sw, err := startSegment(j, j.writeSeg, timestamp, j.writeRec)
		if err != nil {
			return j.fail(err)
		}
		j.segWriter = sw
	}

	return j.fail(j.segWriter.writeRecord(timestamp, data))
}

// Commit flushes written records and syncs the current segment.
func (j *Journal) Commit() error {
	j.writeLock.Lock()
	defer j.writeLock.Unlock()
	if j.writeErr != nil {
		return j.writeErr
	}
	if j.segWriter == nil {
		return nil
	}
	return j.fail(j.segWriter.commit(!j.noSync))
}

// Rotate starts a new segment on the next write.
func (j *Journal) Rotate() error {
	j.writeLock.Lock()
	defer j.writeLock.Unlock()
	return j.fail(j.rotate_locked())
}

func (j *Journal) rotate_locked() error {
	if j.segWriter == nil {
		return nil
	}
	err := j.segWriter.commit(!j.noSync)
	j.segWriter.close()
	j.segWriter = nil
	return err
}

func (j *Journal) Close() error {
	j.writeLock.Lock()
	defer j.writeLock.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	if j.segWriter == nil {
		return nil
	}
	err := j.segWriter.commit(!j.noSync)
	j.segWriter.close()
	j.segWriter = nil
	return err
}

func (j *Journal) fail(err error) error {
	if err == nil {
		return nil
	}

	j.logger.LogAttrs(j.context, slog.LevelError, "journal: failed", slog.String("jrnl", j.debugName), slog.Any("err", err))

	if j.segWriter != nil {
		j.segWriter.close()
		j.segWriter = nil
	}
	if j.writeErr == nil {
		j.writeErr = err
	}
	return err
}

func (j *Journal) readHeader(f *os.File, h *segmentHeader, expectedSeq uint32) error {
	var buf [segmentHeaderSize]byte
	_, err := io.ReadFull(f, buf[:])
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		return errCorruptedFile
	} else if err != nil {
		return err
	}
	n, err := binary.Decode(buf[:], binary.LittleEndian, h)
	if err != nil {
		panic(err)
	}
	if n != len(buf) {
		panic("internal size mismatch")
	}

	if h.Magic != magic {
		return errCorruptedFile
	}
	checksum := xxhash.Sum64(buf[:segmentHeaderSize-8])
	if checksum != h.Checksum {
		return errCorruptedFile
	}
	if expectedSeq != h.SegmentOrdinal {
		return errCorruptedFile
	}
	if h.Version > version0 {
		return ErrUnsupportedVersion
	}
	if h.Invariant != j.invariant {
		return ErrIncompatible
	}
	return nil
}

func readRecord(r *bufio.Reader) (data []byte, tsDelta uint32, n int, err error) {
	var hbuf [maxRecHeaderSz]byte
	hlen := 0
	size, err := readUvarint(r, hbuf[:], &hlen)
	if err == io.EOF && hlen == 0 {
		return nil, 0, 0, io.EOF
	} else if err != nil {
		return nil, 0, 0, errCorruptedFile
	}
	if size == 0 || size > MaxRecordSize {
		return nil, 0, 0, errCorruptedFile
	}
	delta, err := readUvarint(r, hbuf[:], &hlen)
	if err != nil || delta > 0xFFFF_FFFF {
		return nil, 0, 0, errCorruptedFile
	}

	data = make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, 0, 0, errCorruptedFile
	}
	var tbuf [recTrailerSize]byte
	if _, err := io.ReadFull(r, tbuf[:]); err != nil {
		return nil, 0, 0, errCorruptedFile
	}

	var d xxhash.Digest
	d.Reset()
	d.Write(hbuf[:hlen])
	d.Write(data)
	if d.Sum64() != binary.LittleEndian.Uint64(tbuf[:]) {
		return nil, 0, 0, errCorruptedFile
	}
	return data, uint32(delta), hlen + len(data) + recTrailerSize, nil
}

func readUvarint(r *bufio.Reader, hbuf []byte, hlen *int) (uint64, error) {
	var x uint64
	var s uint
	for i := 0; i < binary.MaxVarintLen64; i++ {
		b, err := r.ReadByte()
		if err != nil {
			if err == io.EOF && i > 0 {
				return 0, io.ErrUnexpectedEOF
			}
			return 0, err
		}
		hbuf[*hlen] = b
		*hlen++
		if b < 0x80 {
			return x | uint64(b)<<s, nil
		}
		x |= uint64(b&0x7f) << s
		s += 7
	}
	return 0, errCorruptedFile
}

type segmentWriter struct {
	f    *os.File
	w    *bufio.Writer
	seg  uint32
	ts   uint32
	size int64
}

func startSegment(j *Journal, seg, ts uint32, rec uint64) (*segmentWriter, error) {
	name := formatSegmentName(j.fileNamePrefix, j.fileNameSuffix, seg, ts, rec)

	f, err := os.OpenFile(filepath.Join(j.dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o666)
	if err != nil {
		return nil, err
	}

	var ok bool
	defer closeAndDeleteUnlessOK(f, &ok)

	var hbuf [segmentHeaderSize]byte
	fillSegmentHeader(hbuf[:], j, seg, ts)
	if _, err = f.Write(hbuf[:]); err != nil {
		return nil, err
	}

	if j.verbose {
		j.logger.LogAttrs(j.context, slog.LevelDebug, "journal: new segment", slog.String("jrnl", j.debugName), slog.String("file", name))
	}

	ok = true
	return &segmentWriter{
		f:    f,
		w:    bufio.NewWriter(f),
		seg:  seg,
		ts:   ts,
		size: segmentHeaderSize,
	}, nil
}

func (sw *segmentWriter) writeRecord(ts uint32, data []byte) error {
	var tsDelta uint32
	if ts > sw.ts {
		tsDelta = ts - sw.ts
		sw.ts = ts
	}

	var hbuf [maxRecHeaderSz]byte
	h := binary.AppendUvarint(hbuf[:0], uint64(len(data)))
	h = binary.AppendUvarint(h, uint64(tsDelta))

	var d xxhash.Digest
	d.Reset()
	d.Write(h)
	d.Write(data)
	var tbuf [recTrailerSize]byte
	binary.LittleEndian.PutUint64(tbuf[:], d.Sum64())

	for _, chunk := range [][]byte{h, data, tbuf[:]} {
		if _, err := sw.w.Write(chunk); err != nil {
			return err
		}
	}
	sw.size += int64(len(h) + len(data) + len(tbuf))
	return nil
}

func (sw *segmentWriter) commit(sync bool) error {
	if err := sw.w.Flush(); err != nil {
		return err
	}
	if sync {
		return sw.f.Sync()
	}
	return nil
}

func (sw *segmentWriter) close() {
	if sw.f == nil {
		return
	}
	sw.f.Close()
	sw.f = nil
}

func closeAndDeleteUnlessOK(f *os.File, ok *bool) {
	if *ok {
		return
	}
	f.Close()
	os.Remove(f.Name())
}

func fillSegmentHeader(buf []byte, j *Journal, seg, ts uint32) {
	h := segmentHeader{
		Magic:          magic,
		Version:        version0,
		SegmentOrdinal: seg,
		Timestamp:      ts,
		Invariant:      j.invariant,
	}

	n, err := binary.Encode(buf[:], binary.LittleEndian, h)
	if err != nil {
		panic(err)
	}
	if n != len(buf) {
		panic("internal size mismatch")
	}
	binary.LittleEndian.PutUint64(buf[segmentHeaderSize-8:], xxhash.Sum64(buf[:segmentHeaderSize-8]))
}

func formatSegmentName(prefix, suffix string, seq, ts uint32, id uint64) string {
	t := time.Unix(int64(uint64(ts)), 0).UTC()
	return fmt.Sprintf("%s%012d-%s-%016x%s", prefix, seq, t.Format(timestampFmt), id, suffix)
}

func parseSegmentName(name string) (seq, ts uint32, id uint64, err error) {
	seqStr, rem, ok := strings.Cut(name, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid segment file name %q", name)
	}
	v, err := strconv.ParseUint(seqStr, 10, 32)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid segment file name %q (invalid segment number)", name)
	}
	seq = uint32(v)

	tsStr, idStr, ok := strings.Cut(rem, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid segment file name %q", name)
	}
	t, err := time.ParseInLocation(timestampFmt, tsStr, time.UTC)
	if err != nil {
		return seq, 0, 0, fmt.Errorf("invalid segment file name %q (invalid timestamp)", name)
	}
	ts = uint32(t.Unix())

	id, err = strconv.ParseUint(idStr, 16, 64)
	if err != nil {
		return seq, 0, 0, fmt.Errorf("invalid segment file name %q (invalid record identifier)", name)
	}
	return
}
