package modbus

import (
	"encoding/binary"
	"math"

	"codeberg.org/mutker/modmon/internal/device"
	"codeberg.org/mutker/modmon/internal/errors"
)

// Decode converts raw register bytes into a numeric value. Registers arrive
// big-endian within each 16-bit word per the Modbus spec; wordOrder selects
// which word of a 32-bit value is the high one.
func Decode(raw []byte, dataType device.DataType, wordOrder device.WordOrder) (float64, error) {
	errFactory := errors.New()

	want := int(dataType.RegisterCount()) * 2
	if len(raw) != want {
		return 0, errFactory.WithData(ErrMalformedResponse, struct {
			Want int
			Got  int
		}{want, len(raw)})
	}

	switch dataType {
	case device.TypeInt16:
		return float64(int16(binary.BigEndian.Uint16(raw))), nil
	case device.TypeUint16:
		return float64(binary.BigEndian.Uint16(raw)), nil
	case device.TypeInt32:
		return float64(int32(words32(raw, wordOrder))), nil
	case device.TypeUint32:
		return float64(words32(raw, wordOrder)), nil
	case device.TypeFloat32:
		return float64(math.Float32frombits(words32(raw, wordOrder))), nil
	default:
		return 0, errFactory.WithData(ErrUnsupportedDataType, string(dataType))
	}
}

func words32(raw []byte, wordOrder device.WordOrder) uint32 {
	first := binary.BigEndian.Uint16(raw[0:2])
	second := binary.BigEndian.Uint16(raw[2:4])

	if wordOrder == device.LittleEndian {
		first, second = second, first
	}

	return uint32(first)<<16 | uint32(second)
}
