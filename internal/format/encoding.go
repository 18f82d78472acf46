package format

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"
)

// Word access into arena memory.
//
// Intrusive free pointers and per-CPU control blocks live inside the arena
// itself, and some of them are read speculatively by one CPU while another
// CPU owns them. Those words are therefore always accessed atomically. Plain
// little-endian helpers remain for data that is never shared.

// Word returns an atomic view of the 8 bytes at b[0:8].
// b[0] must be 8-byte aligned.
func Word(b []byte) *atomic.Uint64 {
	_ = b[WordSize-1]
	p := unsafe.Pointer(&b[0])
	if uintptr(p)&(WordSize-1) != 0 {
		panic("format: unaligned word access")
	}
	return (*atomic.Uint64)(p)
}

// LoadWord atomically loads the word at b[off:off+8].
func LoadWord(b []byte, off int) uint64 {
	return Word(b[off : off+WordSize]).Load()
}

// StoreWord atomically stores v at b[off:off+8].
func StoreWord(b []byte, off int, v uint64) {
	Word(b[off : off+WordSize]).Store(v)
}

// PutU64 writes a uint64 value to the buffer at the specified offset in little-endian format.
func PutU64(b []byte, off int, v uint64) {
	binary.LittleEndian.PutUint64(b[off:off+8], v)
}

// ReadU64 reads a uint64 value from the buffer at the specified offset in little-endian format.
func ReadU64(b []byte, off int) uint64 {
	return binary.LittleEndian.Uint64(b[off : off+8])
}

// Fill sets every byte of b to v.
func Fill(b []byte, v byte) {
	if v == 0 {
		clear(b)
		return
	}
	for i := range b {
		b[i] = v
	}
}
