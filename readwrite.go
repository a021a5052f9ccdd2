package netsync

import (
	"bytes"
	"encoding/binary"
	"math"
)

// All multi-byte fields on the wire are little-endian
var le = binary.LittleEndian

func writeUint8(w *bytes.Buffer, v uint8) {
	w.WriteByte(v)
}

func writeUint32(w *bytes.Buffer, v uint32) {
	var b [4]byte
	le.PutUint32(b[:], v)
	w.Write(b[:])
}

func writeFloat32(w *bytes.Buffer, v float32) {
	writeUint32(w, math.Float32bits(v))
}

func writeTransform(w *bytes.Buffer, t Transform) {
	writeFloat32(w, t.PosX)
	writeFloat32(w, t.PosY)
	writeFloat32(w, t.PosZ)
	writeFloat32(w, t.RotW)
	writeFloat32(w, t.RotX)
	writeFloat32(w, t.RotY)
	writeFloat32(w, t.RotZ)
}

// A byteReader reads fixed-width fields from a packet.
// The first short read latches ErrShortPacket and every later
// read returns zero, so decoders check err once at the end.
type byteReader struct {
	data []byte
	off  int
	err  error
}

func (r *byteReader) remaining() int { return len(r.data) - r.off }

func (r *byteReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.remaining() < n {
		r.err = ErrShortPacket
		return nil
	}

	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *byteReader) uint8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *byteReader) uint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return le.Uint32(b)
}

func (r *byteReader) float32() float32 {
	return math.Float32frombits(r.uint32())
}

func (r *byteReader) transform() Transform {
	return Transform{
		PosX: r.float32(),
		PosY: r.float32(),
		PosZ: r.float32(),
		RotW: r.float32(),
		RotX: r.float32(),
		RotY: r.float32(),
		RotZ: r.float32(),
	}
}
