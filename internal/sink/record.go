package sink

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"framecast/internal/types"
)

// Wire framing shared by the stream transports and the container file.
// Every packet is prefixed with a little-endian header:
//
//	len       u32   payload bytes
//	timestamp i64   microseconds since stream start
//	kind      u32   key / delta / audio
//	width     u32   video dimensions, 0 for audio
//	height    u32
const headerSize = 24

// maxRecordPayload guards readers against corrupt or hostile length fields.
const maxRecordPayload = 64 << 20

func putHeader(buf []byte, pkt *types.EncodedPacket) {
	binary.LittleEndian.PutUint32(buf[0:], uint32(len(pkt.Data)))
	binary.LittleEndian.PutUint64(buf[4:], uint64(pkt.Timestamp.Microseconds()))
	binary.LittleEndian.PutUint32(buf[12:], uint32(pkt.Kind))
	binary.LittleEndian.PutUint32(buf[16:], uint32(pkt.Width))
	binary.LittleEndian.PutUint32(buf[20:], uint32(pkt.Height))
}

func parseHeader(buf []byte) (payloadLen int, pkt types.EncodedPacket, err error) {
	if len(buf) < headerSize {
		return 0, pkt, io.ErrUnexpectedEOF
	}
	payloadLen = int(binary.LittleEndian.Uint32(buf[0:]))
	if payloadLen < 0 || payloadLen > maxRecordPayload {
		return 0, pkt, fmt.Errorf("record: bad payload length %d", payloadLen)
	}
	pkt.Timestamp = time.Duration(int64(binary.LittleEndian.Uint64(buf[4:]))) * time.Microsecond
	pkt.Kind = types.PacketKind(binary.LittleEndian.Uint32(buf[12:]))
	pkt.Width = int(binary.LittleEndian.Uint32(buf[16:]))
	pkt.Height = int(binary.LittleEndian.Uint32(buf[20:]))
	return payloadLen, pkt, nil
}

// WriteRecord frames one packet onto w.
func WriteRecord(w io.Writer, pkt *types.EncodedPacket) error {
	var hdr [headerSize]byte
	putHeader(hdr[:], pkt)
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(pkt.Data)
	return err
}

// ReadRecord parses one framed packet from r.
func ReadRecord(r io.Reader) (*types.EncodedPacket, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n, pkt, err := parseHeader(hdr[:])
	if err != nil {
		return nil, err
	}
	pkt.Data = make([]byte, n)
	if _, err := io.ReadFull(r, pkt.Data); err != nil {
		return nil, err
	}
	return &pkt, nil
}
