package codec

import "time"

const (
	Codec8  uint8 = 0x08
	Codec8E uint8 = 0x8E
)

type IOElement struct {
	ID    uint16 `json:"id"`
	Size  int    `json:"size"`
	Value uint64 `json:"val,omitempty"`
	// Raw holds variable-length (Codec8E NX) values.
	Raw []byte `json:"raw,omitempty"`
}

type GPSData struct {
	Longitude  float64 `json:"longitude"`
	Latitude   float64 `json:"latitude"`
	Altitude   int     `json:"altitude"`
	Angle      int     `json:"angle"`
	Satellites int     `json:"satellites"`
	Speed      int     `json:"speed"`
}

type AVLRecord struct {
	Timestamp time.Time            `json:"timestamp"`
	Priority  uint8                `json:"priority"`
	GPS       GPSData              `json:"gps"`
	EventIOID uint16               `json:"event_io_id"`
	IO        map[uint16]IOElement `json:"io"`
}

type AVLPacket struct {
	CodecID uint8       `json:"codec_id"`
	Records []AVLRecord `json:"records"`
	CRC     uint16      `json:"crc"`
}
