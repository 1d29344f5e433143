package codec

import (
	"encoding/binary"
	"sort"
)

// Encode builds a wire packet from pkt. It is the inverse of ParsePacket.
func Encode(pkt AVLPacket) []byte {
	ext := pkt.CodecID == Codec8E

	field := []byte{pkt.CodecID, byte(len(pkt.Records))}
	putN := func(n int) {
		if ext {
			field = binary.BigEndian.AppendUint16(field, uint16(n))
		} else {
			field = append(field, byte(n))
		}
	}

	for _, rec := range pkt.Records {
		field = binary.BigEndian.AppendUint64(field, uint64(rec.Timestamp.UnixMilli()))
		field = append(field, rec.Priority)
		field = binary.BigEndian.AppendUint32(field, uint32(int32(rec.GPS.Longitude*1e7)))
		field = binary.BigEndian.AppendUint32(field, uint32(int32(rec.GPS.Latitude*1e7)))
		field = binary.BigEndian.AppendUint16(field, uint16(int16(rec.GPS.Altitude)))
		field = binary.BigEndian.AppendUint16(field, uint16(rec.GPS.Angle))
		field = append(field, byte(rec.GPS.Satellites))
		field = binary.BigEndian.AppendUint16(field, uint16(rec.GPS.Speed))

		groups := map[int][]IOElement{}
		var variable []IOElement
		for _, el := range sortedIO(rec.IO) {
			if el.Raw != nil {
				variable = append(variable, el)
				continue
			}
			groups[el.Size] = append(groups[el.Size], el)
		}

		putN(int(rec.EventIOID))
		total := len(variable)
		for _, g := range groups {
			total += len(g)
		}
		putN(total)

		for _, size := range []int{1, 2, 4, 8} {
			putN(len(groups[size]))
			for _, el := range groups[size] {
				putN(int(el.ID))
				switch size {
				case 1:
					field = append(field, byte(el.Value))
				case 2:
					field = binary.BigEndian.AppendUint16(field, uint16(el.Value))
				case 4:
					field = binary.BigEndian.AppendUint32(field, uint32(el.Value))
				case 8:
					field = binary.BigEndian.AppendUint64(field, el.Value)
				}
			}
		}
		if ext {
			putN(len(variable))
			for _, el := range variable {
				field = binary.BigEndian.AppendUint16(field, el.ID)
				field = binary.BigEndian.AppendUint16(field, uint16(len(el.Raw)))
				field = append(field, el.Raw...)
			}
		}
	}
	field = append(field, byte(len(pkt.Records)))

	out := make([]byte, 0, 8+len(field)+4)
	out = append(out, 0, 0, 0, 0)
	out = binary.BigEndian.AppendUint32(out, uint32(len(field)))
	out = append(out, field...)
	out = binary.BigEndian.AppendUint32(out, uint32(CRC16(field)))
	return out
}

// EncodeIMEI builds the login frame for imei.
func EncodeIMEI(imei string) []byte {
	out := binary.BigEndian.AppendUint16(nil, uint16(len(imei)))
	return append(out, imei...)
}

func sortedIO(io map[uint16]IOElement) []IOElement {
	out := make([]IOElement, 0, len(io))
	for _, el := range io {
		out = append(out, el)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
