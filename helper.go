// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package authenticode

import (
	"bytes"
	"encoding/binary"
	"errors"

	"golang.org/x/text/encoding/unicode"
)

const (
	// TinyPESize On Windows XP (x32) the smallest PE executable is 97 bytes.
	TinyPESize = 97

	// FileAlignmentHardcodedValue represents the value which PointerToRawData
	// should be at least equal or bigger to, or it will be rounded to zero.
	// According to http://corkami.blogspot.com/2010/01/parce-que-la-planche-aura-brule.html
	// if PointerToRawData is less that 0x200 it's rounded to zero.
	FileAlignmentHardcodedValue = 0x200
)

// Errors
var (
	// ErrInvalidPESize is returned when the file size is less that the smallest
	// PE file size possible.
	ErrInvalidPESize = errors.New("not a PE file, smaller than tiny PE")

	// ErrDOSMagicNotFound is returned when the file starts with neither the
	// MZ nor the ZM signature.
	ErrDOSMagicNotFound = errors.New("DOS Header magic not found")

	// ErrInvalidElfanewValue is returned when e_lfanew is larger than file size.
	ErrInvalidElfanewValue = errors.New("invalid e_lfanew value. Probably not a PE file")

	// ErrInvalidNtHeaderOffset is returned when the NT Header offset is beyond
	// the image file.
	ErrInvalidNtHeaderOffset = errors.New(
		"invalid NT Header Offset. NT Header Signature not found")

	// ErrImageOS2SignatureFound is returned when signature is for a NE file.
	ErrImageOS2SignatureFound = errors.New(
		"not a valid PE signature. Probably a NE file")

	// ErrImageOS2LESignatureFound is returned when signature is for a LE file.
	ErrImageOS2LESignatureFound = errors.New(
		"not a valid PE signature. Probably an LE file")

	// ErrImageVXDSignatureFound is returned when signature is for a LX file.
	ErrImageVXDSignatureFound = errors.New(
		"not a valid PE signature. Probably an LX file")

	// ErrImageTESignatureFound is returned when signature is for a TE file.
	ErrImageTESignatureFound = errors.New(
		"not a valid PE signature. Probably a TE file")

	// ErrImageNtSignatureNotFound is returned when PE magic signature is not found.
	ErrImageNtSignatureNotFound = errors.New(
		"not a valid PE signature. Magic not found")

	// ErrImageNtOptionalHeaderMagicNotFound is returned when optional header
	// magic is different from PE32/PE32+.
	ErrImageNtOptionalHeaderMagicNotFound = errors.New(
		"not a valid PE signature. Optional Header magic not found")

	// ErrImageBaseNotAligned is reported when the image base is not aligned to 64K.
	ErrImageBaseNotAligned = errors.New(
		"corrupt PE file. Image base not aligned to 64 K")

	// ErrOutsideBoundary is reported when attempting to read an address beyond
	// file image limits.
	ErrOutsideBoundary = errors.New("reading data outside boundary")

	// ErrNoDataDirectories is reported when the Optional Header reports fewer
	// than 5 data directory entries, too few to hold a Certificate Table.
	ErrNoDataDirectories = errors.New(
		"corrupt PE file. Optional Header has no Certificate Table entry")
)

// Checksum calculates the PE checksum of the mapped file as generated by
// CheckSumMappedFile(). The checksum stamped into the Optional Header after
// the Certificate Table has been appended is computed by checksumOf, which
// applies the same algorithm to the staged buffer.
func (pe *File) Checksum() uint32 {
	var checksum uint64 = 0
	var max uint64 = 0x100000000
	currentDword := uint32(0)

	checksumOffset := pe.optionalHeaderOffset + 64

	// Verify the data is DWORD-aligned and add padding if needed.
	remainder := pe.size % 4
	dataLen := pe.size
	data := pe.data
	if remainder > 0 {
		dataLen = pe.size + (4 - remainder)
		paddedBytes := make([]byte, 4-remainder)
		data = append(append([]byte{}, pe.data...), paddedBytes...)
	}

	for i := uint32(0); i < dataLen; i += 4 {
		if i == checksumOffset {
			continue
		}

		currentDword = binary.LittleEndian.Uint32(data[i:])

		checksum = (checksum & 0xffffffff) + uint64(currentDword) + (checksum >> 32)
		if checksum > max {
			checksum = (checksum & 0xffffffff) + (checksum >> 32)
		}
	}

	checksum = (checksum & 0xffff) + (checksum >> 16)
	checksum = checksum + (checksum >> 16)
	checksum = checksum & 0xffff

	checksum += uint64(pe.size)

	return uint32(checksum)
}

// ReadUint64 read a uint64 from a buffer.
func (pe *File) ReadUint64(offset uint32) (uint64, error) {
	if offset+8 > pe.size {
		return 0, ErrOutsideBoundary
	}

	return binary.LittleEndian.Uint64(pe.data[offset:]), nil
}

// ReadUint32 read a uint32 from a buffer.
func (pe *File) ReadUint32(offset uint32) (uint32, error) {
	if pe.size < 4 || offset > pe.size-4 {
		return 0, ErrOutsideBoundary
	}

	return binary.LittleEndian.Uint32(pe.data[offset:]), nil
}

// ReadUint16 read a uint16 from a buffer.
func (pe *File) ReadUint16(offset uint32) (uint16, error) {
	if pe.size < 2 || offset > pe.size-2 {
		return 0, ErrOutsideBoundary
	}

	return binary.LittleEndian.Uint16(pe.data[offset:]), nil
}

func (pe *File) structUnpack(iface interface{}, offset, size uint32) (err error) {
	totalSize := offset + size

	// Integer overflow.
	if (totalSize > offset) != (size > 0) {
		return ErrOutsideBoundary
	}

	if offset >= pe.size || totalSize > pe.size {
		return ErrOutsideBoundary
	}

	buf := bytes.NewReader(pe.data[offset : offset+size])
	err = binary.Read(buf, binary.LittleEndian, iface)
	if err != nil {
		return err
	}
	return nil
}

// ReadBytesAtOffset returns a byte slice from offset.
func (pe *File) ReadBytesAtOffset(offset, size uint32) ([]byte, error) {
	totalSize := offset + size

	// Integer overflow.
	if (totalSize > offset) != (size > 0) {
		return nil, ErrOutsideBoundary
	}

	if offset >= pe.size || totalSize > pe.size {
		return nil, ErrOutsideBoundary
	}

	return pe.data[offset : offset+size], nil
}

// DecodeUTF16String decodes a NUL-terminated UTF-16LE string from a byte slice.
func DecodeUTF16String(b []byte) (string, error) {
	n := bytes.Index(b, []byte{0, 0})
	if n == 0 {
		return "", nil
	}
	decoder := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewDecoder()
	s, err := decoder.Bytes(b[0 : n+1])
	if err != nil {
		return "", err
	}
	return string(s), nil
}

// EncodeUTF16String encodes a Go string into UTF-16BE bytes, the form the
// SpcString CHOICE uses for a program name in an SpcSpOpusInfo attribute.
func EncodeUTF16String(s string) ([]byte, error) {
	encoder := unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM).NewEncoder()
	return encoder.Bytes([]byte(s))
}

// alignUp rounds offset up to the next multiple of alignment, where
// alignment is a power of two. Used to pad the Certificate Table to the
// 8-byte boundary WIN_CERTIFICATE requires between successive entries.
func alignUp(offset, alignment uint32) uint32 {
	return (offset + alignment - 1) &^ (alignment - 1)
}

// patchUint32 overwrites a little-endian uint32 at offset in buf.
func patchUint32(buf []byte, offset, value uint32) {
	binary.LittleEndian.PutUint32(buf[offset:], value)
}

// patchDataDirectory overwrites an IMAGE_DATA_DIRECTORY entry's
// VirtualAddress/Size pair at offset in buf.
func patchDataDirectory(buf []byte, offset, virtualAddress, size uint32) {
	patchUint32(buf, offset, virtualAddress)
	patchUint32(buf, offset+4, size)
}

// checksumOf computes the PE checksum of an arbitrary assembled buffer,
// skipping the 4-byte CheckSum field at checksumOffset. It mirrors
// (*File).Checksum but operates on a buffer still being staged for write,
// rather than on the memory-mapped original.
func checksumOf(buf []byte, checksumOffset, fileSize uint32) uint32 {
	var checksum uint64
	var max uint64 = 0x100000000

	remainder := uint32(len(buf)) % 4
	data := buf
	if remainder > 0 {
		data = append(append([]byte{}, buf...), make([]byte, 4-remainder)...)
	}

	for i := uint32(0); i < uint32(len(data)); i += 4 {
		if i == checksumOffset {
			continue
		}
		dword := binary.LittleEndian.Uint32(data[i:])
		checksum = (checksum & 0xffffffff) + uint64(dword) + (checksum >> 32)
		if checksum > max {
			checksum = (checksum & 0xffffffff) + (checksum >> 32)
		}
	}

	checksum = (checksum & 0xffff) + (checksum >> 16)
	checksum = checksum + (checksum >> 16)
	checksum = checksum & 0xffff
	checksum += uint64(fileSize)

	return uint32(checksum)
}
