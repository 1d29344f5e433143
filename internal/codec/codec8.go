package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

var (
	ErrShortPacket     = errors.New("codec: packet too short")
	ErrPreamble        = errors.New("codec: invalid preamble (expected 0x00000000)")
	ErrUnsupported     = errors.New("codec: unsupported codec id")
	ErrCRCMismatch     = errors.New("codec: crc mismatch")
	ErrRecordCount     = errors.New("codec: record counts disagree")
	ErrBadIMEI         = errors.New("codec: malformed imei handshake")
	ErrOversizedPacket = errors.New("codec: declared length exceeds limit")
)

// MaxPacketSize bounds the data field length a device may declare.
const MaxPacketSize = 1 << 16

// reader is a bounds-checked cursor; the first overflow sticks in err.
type reader struct {
	data []byte
	off  int
	err  error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.data) {
		r.err = fmt.Errorf("%w: tried to read %d bytes at offset %d (len=%d)", ErrShortPacket, n, r.off, len(r.data))
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

// PacketLength reports the full size of the AVL packet at the head of buf,
// or ok=false while the header is still incomplete.
func PacketLength(buf []byte) (n int, ok bool, err error) {
	if len(buf) < 8 {
		return 0, false, nil
	}
	if binary.BigEndian.Uint32(buf[0:4]) != 0 {
		return 0, false, ErrPreamble
	}
	dataLen := binary.BigEndian.Uint32(buf[4:8])
	if dataLen > MaxPacketSize {
		return 0, false, fmt.Errorf("%w: %d", ErrOversizedPacket, dataLen)
	}
	return 8 + int(dataLen) + 4, true, nil
}

// ParsePacket decodes a complete Codec8 or Codec8E AVL packet.
func ParsePacket(data []byte) (*AVLPacket, error) {
	if len(data) < 15 {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortPacket, len(data))
	}
	n, _, err := PacketLength(data)
	if err != nil {
		return nil, err
	}
	if len(data) < n {
		return nil, fmt.Errorf("%w: have %d of %d bytes", ErrShortPacket, len(data), n)
	}

	field := data[8 : n-4]
	wantCRC := uint16(binary.BigEndian.Uint32(data[n-4 : n]))
	if got := CRC16(field); got != wantCRC {
		return nil, fmt.Errorf("%w: got %04x want %04x", ErrCRCMismatch, got, wantCRC)
	}

	r := &reader{data: field}
	pkt := &AVLPacket{CodecID: r.u8(), CRC: wantCRC}
	if pkt.CodecID != Codec8 && pkt.CodecID != Codec8E {
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnsupported, pkt.CodecID)
	}
	ext := pkt.CodecID == Codec8E

	count := int(r.u8())
	pkt.Records = make([]AVLRecord, 0, count)
	for i := 0; i < count && r.err == nil; i++ {
		pkt.Records = append(pkt.Records, readRecord(r, ext))
	}
	count2 := int(r.u8())
	if r.err != nil {
		return nil, r.err
	}
	if count != count2 {
		return nil, fmt.Errorf("%w: %d vs %d", ErrRecordCount, count, count2)
	}
	return pkt, nil
}

func readRecord(r *reader, ext bool) AVLRecord {
	rec := AVLRecord{
		Timestamp: time.UnixMilli(int64(r.u64())).UTC(),
		Priority:  r.u8(),
	}
	rec.GPS = GPSData{
		Longitude:  float64(int32(r.u32())) / 1e7,
		Latitude:   float64(int32(r.u32())) / 1e7,
		Altitude:   int(int16(r.u16())),
		Angle:      int(r.u16()),
		Satellites: int(r.u8()),
		Speed:      int(r.u16()),
	}

	// Codec8 uses 1-byte ids and counts, Codec8E 2-byte ones
	var readN func() int
	if ext {
		readN = func() int { return int(r.u16()) }
	} else {
		readN = func() int { return int(r.u8()) }
	}

	rec.EventIOID = uint16(readN())
	total := readN()
	rec.IO = make(map[uint16]IOElement, total)

	for _, size := range []int{1, 2, 4, 8} {
		n := readN()
		for i := 0; i < n && r.err == nil; i++ {
			id := uint16(readN())
			var val uint64
			switch size {
			case 1:
				val = uint64(r.u8())
			case 2:
				val = uint64(r.u16())
			case 4:
				val = uint64(r.u32())
			case 8:
				val = r.u64()
			}
			rec.IO[id] = IOElement{ID: id, Size: size, Value: val}
		}
	}
	if ext {
		n := readN()
		for i := 0; i < n && r.err == nil; i++ {
			id := r.u16()
			size := int(r.u16())
			raw := r.take(size)
			rec.IO[id] = IOElement{ID: id, Size: size, Raw: append([]byte(nil), raw...)}
		}
	}
	return rec
}

// ParseIMEI decodes the login frame: 2-byte length followed by the ASCII
// IMEI. consumed is 0 while the frame is incomplete.
func ParseIMEI(buf []byte) (imei string, consumed int, err error) {
	if len(buf) < 2 {
		return "", 0, nil
	}
	n := int(binary.BigEndian.Uint16(buf[0:2]))
	if n == 0 || n > 20 {
		return "", 0, fmt.Errorf("%w: length %d", ErrBadIMEI, n)
	}
	if len(buf) < 2+n {
		return "", 0, nil
	}
	raw := buf[2 : 2+n]
	for _, b := range raw {
		if b < '0' || b > '9' {
			return "", 0, fmt.Errorf("%w: %q", ErrBadIMEI, raw)
		}
	}
	return string(raw), 2 + n, nil
}

// Ack is the 4-byte record count a device expects after each packet.
func Ack(records int) []byte {
	out := make([]byte, 4)
	binary.BigEndian.PutUint32(out, uint32(records))
	return out
}

// CRC16 is CRC-16/IBM (poly 0xA001, reflected), as used by Teltonika.
func CRC16(b []byte) uint16 {
	var crc uint16
	for _, v := range b {
		crc ^= uint16(v)
		for i := 0; i < 8; i++ {
			if crc&1 == 1 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}
