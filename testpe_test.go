// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package authenticode

import (
	"encoding/binary"
	"os"
	"testing"
)

// buildSyntheticPE32Plus assembles a minimal, structurally valid PE32+
// image: a 64-byte DOS header, a PE signature, a COFF file header, and a
// PE32+ optional header with 16 empty data directories. It carries no
// sections and no code; it exists only to exercise header parsing,
// Authentihash, and Certificate Table writing.
func buildSyntheticPE32Plus(t *testing.T) []byte {
	t.Helper()

	const dosHeaderSize = 64
	const elfanew = dosHeaderSize

	dos := make([]byte, dosHeaderSize)
	binary.LittleEndian.PutUint16(dos[0:2], ImageDOSSignature)
	binary.LittleEndian.PutUint32(dos[0x3C:0x40], elfanew)

	fileHeader := make([]byte, 20)
	binary.LittleEndian.PutUint16(fileHeader[0:2], 0x8664) // IMAGE_FILE_MACHINE_AMD64
	binary.LittleEndian.PutUint16(fileHeader[2:4], 0)       // NumberOfSections
	binary.LittleEndian.PutUint16(fileHeader[16:18], 240)   // SizeOfOptionalHeader
	binary.LittleEndian.PutUint16(fileHeader[18:20], 0x0022)

	opt := make([]byte, 240)
	binary.LittleEndian.PutUint16(opt[0:2], ImageNtOptionalHeader64Magic)
	binary.LittleEndian.PutUint64(opt[24:32], 0x140000000) // ImageBase, 64K aligned
	binary.LittleEndian.PutUint32(opt[32:36], 0x1000)      // SectionAlignment
	binary.LittleEndian.PutUint32(opt[36:40], 0x200)       // FileAlignment
	binary.LittleEndian.PutUint32(opt[60:64], 300)         // SizeOfHeaders (bound for header extent checks)
	// CheckSum at offset 64 left zero.
	binary.LittleEndian.PutUint32(opt[108:112], 16) // NumberOfRvaAndSizes
	// DataDirectory[16] at offset 112..240, all zero (no Certificate Table yet).

	buf := make([]byte, 0, dosHeaderSize+4+len(fileHeader)+len(opt)+64)
	buf = append(buf, dos...)
	sig := make([]byte, 4)
	binary.LittleEndian.PutUint32(sig, ImageNTSignature)
	buf = append(buf, sig...)
	buf = append(buf, fileHeader...)
	buf = append(buf, opt...)

	// Pad out with some "code" bytes so the image isn't suspiciously tiny
	// and Authentihash has a non-empty trailing range to stream.
	buf = append(buf, make([]byte, 64)...)

	if len(buf) < TinyPESize {
		t.Fatalf("synthetic image is %d bytes, below TinyPESize", len(buf))
	}
	return buf
}

// writeSyntheticPE writes a fresh synthetic PE32+ image to a temp file and
// returns its path.
func writeSyntheticPE(t *testing.T) string {
	t.Helper()
	data := buildSyntheticPE32Plus(t)
	f, err := os.CreateTemp(t.TempDir(), "synthetic-*.exe")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return f.Name()
}

// buildSyntheticPE32PlusUnaligned is buildSyntheticPE32Plus with a few
// trailing bytes tacked on so the total length is not a multiple of 8.
// buildSyntheticPE32Plus alone always lands on a multiple of 8 (392 bytes),
// which would hide any bug in the Certificate Table alignment path.
func buildSyntheticPE32PlusUnaligned(t *testing.T) []byte {
	t.Helper()
	buf := buildSyntheticPE32Plus(t)
	buf = append(buf, 0xAA, 0xBB, 0xCC)
	if len(buf)%8 == 0 {
		t.Fatalf("synthetic unaligned image is accidentally 8-byte aligned (%d bytes)", len(buf))
	}
	return buf
}

// writeSyntheticPEUnaligned writes a fresh buildSyntheticPE32PlusUnaligned
// image to a temp file and returns its path.
func writeSyntheticPEUnaligned(t *testing.T) string {
	t.Helper()
	data := buildSyntheticPE32PlusUnaligned(t)
	f, err := os.CreateTemp(t.TempDir(), "synthetic-unaligned-*.exe")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return f.Name()
}
