package vm

import (
	"encoding/binary"
	"math"
)

// ---------------------------------------------------------------------------
// Binary encoding helpers
// ---------------------------------------------------------------------------
//
// All multi-byte quantities in a DPB container are little-endian.

// WriteUint64 writes a uint64 in little-endian format.
func WriteUint64(buf []byte, v uint64) {
	binary.LittleEndian.PutUint64(buf, v)
}

// ReadUint64 reads a uint64 in little-endian format.
func ReadUint64(buf []byte) uint64 {
	return binary.LittleEndian.Uint64(buf)
}

// WriteInt64 writes an int64 in little-endian format.
func WriteInt64(buf []byte, v int64) {
	binary.LittleEndian.PutUint64(buf, uint64(v))
}

// ReadInt64 reads an int64 in little-endian format.
func ReadInt64(buf []byte) int64 {
	return int64(binary.LittleEndian.Uint64(buf))
}

// WriteUint32 writes a uint32 in little-endian format.
func WriteUint32(buf []byte, v uint32) {
	binary.LittleEndian.PutUint32(buf, v)
}

// ReadUint32 reads a uint32 in little-endian format.
func ReadUint32(buf []byte) uint32 {
	return binary.LittleEndian.Uint32(buf)
}

// WriteInt16 writes an int16 in little-endian format.
func WriteInt16(buf []byte, v int16) {
	binary.LittleEndian.PutUint16(buf, uint16(v))
}

// ReadInt16 reads an int16 in little-endian format.
func ReadInt16(buf []byte) int16 {
	return int16(binary.LittleEndian.Uint16(buf))
}

// WriteUint16 writes a uint16 in little-endian format.
func WriteUint16(buf []byte, v uint16) {
	binary.LittleEndian.PutUint16(buf, v)
}

// ReadUint16 reads a uint16 in little-endian format.
func ReadUint16(buf []byte) uint16 {
	return binary.LittleEndian.Uint16(buf)
}

// WriteFloat64 writes a float64 in little-endian format.
func WriteFloat64(buf []byte, f float64) {
	binary.LittleEndian.PutUint64(buf, math.Float64bits(f))
}

// ReadFloat64 reads a float64 in little-endian format.
func ReadFloat64(buf []byte) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(buf))
}
