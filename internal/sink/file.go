package sink

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"framecast/internal/types"
)

// Container file layout:
//
//	"FCV1" u32(version)  u32(reserved)            header, 12 bytes
//	record*                                        framed packets
//	indexEntry*                                    24 bytes each
//	u64(indexOffset) u32(count) "FCVX"             trailer, 16 bytes
//
// The index holds one entry per packet (file offset, timestamp, kind,
// payload size) so players can seek without scanning the records.
var (
	containerMagic = [4]byte{'F', 'C', 'V', '1'}
	trailerMagic   = [4]byte{'F', 'C', 'V', 'X'}
)

const (
	containerVersion   = 1
	containerHeaderLen = 12
	indexEntryLen      = 24
	trailerLen         = 16
)

type indexEntry struct {
	offset    uint64
	timestamp time.Duration
	kind      types.PacketKind
	size      uint32
}

// FileSink writes the container format. OnStreamEnd finalizes the index;
// a container without its trailer is truncated, not broken, and readers
// reject it cleanly.
type FileSink struct {
	f         *os.File
	w         *bufio.Writer
	off       uint64
	index     []indexEntry
	finalized bool
	endErr    error
}

// NewFile creates (truncates) the container at path.
func NewFile(path string) (*FileSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("file sink: %w", err)
	}
	return &FileSink{f: f, w: bufio.NewWriterSize(f, 1<<16)}, nil
}

func (s *FileSink) OnStreamStart() error {
	var hdr [containerHeaderLen]byte
	copy(hdr[:4], containerMagic[:])
	binary.LittleEndian.PutUint32(hdr[4:], containerVersion)
	if _, err := s.w.Write(hdr[:]); err != nil {
		return fmt.Errorf("file sink: header: %w", err)
	}
	s.off = containerHeaderLen
	return nil
}

func (s *FileSink) OnPacket(pkt *types.EncodedPacket) error {
	if s.finalized {
		return errors.New("file sink: stream already finalized")
	}
	if err := WriteRecord(s.w, pkt); err != nil {
		return fmt.Errorf("file sink: record: %w", err)
	}
	s.index = append(s.index, indexEntry{
		offset:    s.off,
		timestamp: pkt.Timestamp,
		kind:      pkt.Kind,
		size:      uint32(len(pkt.Data)),
	})
	s.off += headerSize + uint64(len(pkt.Data))
	return nil
}

// OnStreamEnd writes the index and trailer and closes the file. Safe to
// call more than once; the index is written exactly once.
func (s *FileSink) OnStreamEnd() error {
	if s.finalized {
		return s.endErr
	}
	s.finalized = true
	s.endErr = s.finalize()
	return s.endErr
}

func (s *FileSink) finalize() error {
	indexOffset := s.off

	var entry [indexEntryLen]byte
	for _, e := range s.index {
		binary.LittleEndian.PutUint64(entry[0:], e.offset)
		binary.LittleEndian.PutUint64(entry[8:], uint64(e.timestamp.Microseconds()))
		binary.LittleEndian.PutUint32(entry[16:], uint32(e.kind))
		binary.LittleEndian.PutUint32(entry[20:], e.size)
		if _, err := s.w.Write(entry[:]); err != nil {
			return fmt.Errorf("file sink: index: %w", err)
		}
	}

	var trailer [trailerLen]byte
	binary.LittleEndian.PutUint64(trailer[0:], indexOffset)
	binary.LittleEndian.PutUint32(trailer[8:], uint32(len(s.index)))
	copy(trailer[12:], trailerMagic[:])
	if _, err := s.w.Write(trailer[:]); err != nil {
		return fmt.Errorf("file sink: trailer: %w", err)
	}

	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("file sink: flush: %w", err)
	}
	return s.f.Close()
}

// ContainerReader reads a finalized container.
type ContainerReader struct {
	f       *os.File
	entries []indexEntry
}

// OpenContainer validates the header and trailer and loads the index.
func OpenContainer(path string) (*ContainerReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	var hdr [containerHeaderLen]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		f.Close()
		return nil, fmt.Errorf("container: header: %w", err)
	}
	if [4]byte(hdr[:4]) != containerMagic {
		f.Close()
		return nil, errors.New("container: bad magic")
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.Size() < containerHeaderLen+trailerLen {
		f.Close()
		return nil, errors.New("container: truncated")
	}

	var trailer [trailerLen]byte
	if _, err := f.ReadAt(trailer[:], fi.Size()-trailerLen); err != nil {
		f.Close()
		return nil, fmt.Errorf("container: trailer: %w", err)
	}
	if [4]byte(trailer[12:]) != trailerMagic {
		f.Close()
		return nil, errors.New("container: not finalized")
	}

	indexOffset := int64(binary.LittleEndian.Uint64(trailer[0:]))
	count := int(binary.LittleEndian.Uint32(trailer[8:]))

	r := &ContainerReader{f: f, entries: make([]indexEntry, 0, count)}
	buf := make([]byte, indexEntryLen)
	for i := 0; i < count; i++ {
		if _, err := f.ReadAt(buf, indexOffset+int64(i*indexEntryLen)); err != nil {
			f.Close()
			return nil, fmt.Errorf("container: index entry %d: %w", i, err)
		}
		r.entries = append(r.entries, indexEntry{
			offset:    binary.LittleEndian.Uint64(buf[0:]),
			timestamp: time.Duration(binary.LittleEndian.Uint64(buf[8:])) * time.Microsecond,
			kind:      types.PacketKind(binary.LittleEndian.Uint32(buf[16:])),
			size:      binary.LittleEndian.Uint32(buf[20:]),
		})
	}
	return r, nil
}

// Count is the number of packets in the container.
func (r *ContainerReader) Count() int { return len(r.entries) }

// Packet reads packet i through the index.
func (r *ContainerReader) Packet(i int) (*types.EncodedPacket, error) {
	if i < 0 || i >= len(r.entries) {
		return nil, fmt.Errorf("container: packet %d out of range", i)
	}
	e := r.entries[i]
	buf := make([]byte, headerSize+int(e.size))
	if _, err := r.f.ReadAt(buf, int64(e.offset)); err != nil {
		return nil, err
	}
	n, pkt, err := parseHeader(buf)
	if err != nil {
		return nil, err
	}
	pkt.Data = buf[headerSize : headerSize+n]
	return &pkt, nil
}

func (r *ContainerReader) Close() error { return r.f.Close() }

// DebugDirSink writes each packet to its own file, named by sequence and
// kind. Heavyweight; meant for poking at encoder output with other tools.
type DebugDirSink struct {
	dir string
	seq int
}

func NewDebugDir(dir string) (*DebugDirSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("debug sink: %w", err)
	}
	return &DebugDirSink{dir: dir}, nil
}

func (s *DebugDirSink) OnStreamStart() error { return nil }

func (s *DebugDirSink) OnPacket(pkt *types.EncodedPacket) error {
	name := fmt.Sprintf("packet_%06d_%s.bin", s.seq, pkt.Kind)
	s.seq++
	return os.WriteFile(filepath.Join(s.dir, name), pkt.Data, 0o644)
}

func (s *DebugDirSink) OnStreamEnd() error { return nil }
