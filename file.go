// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package authenticode

import (
	"os"
	"path/filepath"

	mmap "github.com/edsrzf/mmap-go"
	"github.com/go-kratos/kratos/v2/log"
)

// A File represents an open PE image, trimmed down to exactly the structural
// surface Authenticode needs: the DOS/NT headers (to locate the Optional
// Header and its Data Directories), the Certificate Table directory entry,
// and whatever attribute certificate chain already occupies it.
type File struct {
	DOSHeader    ImageDOSHeader
	NtHeader     ImageNtHeader
	Certificates Certificate

	HasDOSHdr      bool
	HasNTHdr       bool
	Is64           bool
	Is32           bool
	HasCertificate bool
	IsSigned       bool

	data mmap.MMap
	size uint32

	optionalHeaderOffset uint32

	path string
	f    *os.File
	opts *Options
	logger *log.Helper
}

// Options configures how a File is opened and parsed.
type Options struct {
	// Disable certificate chain validation when Parse reads an existing
	// signature. By default (false) Parse attempts to build a trust chain
	// against the system root store and records the result in
	// Certificates.Verified.
	DisableCertValidation bool

	// Disable the Authentihash comparison Parse makes against the digest
	// embedded in an existing signature (Certificates.SignatureValid).
	// Inspect always makes its own comparison regardless of this option.
	DisableSignatureValidation bool

	// A custom logger. Defaults to a stdout logger filtered at error level.
	Logger log.Logger
}

func newLogger(opts *Options) *log.Helper {
	if opts.Logger == nil {
		base := log.NewStdLogger(os.Stdout)
		return log.NewHelper(log.NewFilter(base, log.FilterLevel(log.LevelError)))
	}
	return log.NewHelper(opts.Logger)
}

// New opens the PE file at name, memory-mapping it read-only. The mapping is
// used for digesting and for locating an existing Certificate Table; signing
// writes a fresh file and renames it over name, it never mutates the mapped
// bytes directly.
func New(name string, opts *Options) (*File, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}

	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, err
	}

	file := File{}
	if opts != nil {
		file.opts = opts
	} else {
		file.opts = &Options{}
	}
	file.logger = newLogger(file.opts)

	file.data = data
	file.size = uint32(len(file.data))
	file.f = f
	file.path = name
	return &file, nil
}

// NewBytes instantiates a File from an in-memory buffer. A File constructed
// this way has no backing path and cannot be the target of WriteDataDirectory;
// it is sufficient for Inspect and Authentihash.
func NewBytes(data []byte, opts *Options) (*File, error) {
	file := File{}
	if opts != nil {
		file.opts = opts
	} else {
		file.opts = &Options{}
	}
	file.logger = newLogger(file.opts)

	file.data = data
	file.size = uint32(len(file.data))
	return &file, nil
}

// Close releases the memory mapping and the underlying file handle, if any.
func (pe *File) Close() error {
	if pe.data != nil {
		_ = pe.data.Unmap()
	}
	if pe.f != nil {
		return pe.f.Close()
	}
	return nil
}

// Parse parses the DOS header, NT header and, if present, the existing
// Certificate Table. It does not parse sections, imports, resources or any
// of the other PE directories Authenticode never touches.
func (pe *File) Parse() error {
	if pe.size < TinyPESize {
		return ErrInvalidPESize
	}

	if err := pe.ParseDOSHeader(); err != nil {
		return err
	}

	if err := pe.ParseNTHeader(); err != nil {
		return err
	}

	var dir DataDirectory
	switch pe.Is64 {
	case true:
		oh64 := pe.NtHeader.OptionalHeader.(ImageOptionalHeader64)
		if oh64.NumberOfRvaAndSizes <= uint32(ImageDirectoryEntryCertificate) {
			return ErrNoDataDirectories
		}
		dir = oh64.DataDirectory[ImageDirectoryEntryCertificate]
	case false:
		oh32 := pe.NtHeader.OptionalHeader.(ImageOptionalHeader32)
		if oh32.NumberOfRvaAndSizes <= uint32(ImageDirectoryEntryCertificate) {
			return ErrNoDataDirectories
		}
		dir = oh32.DataDirectory[ImageDirectoryEntryCertificate]
	}

	if dir.Size != 0 {
		if err := pe.parseSecurityDirectory(dir.VirtualAddress, dir.Size); err != nil {
			pe.logger.Warnf("existing certificate table could not be parsed: %v", err)
		}
	}

	return nil
}

// ExistingSignature describes a Certificate Table already present in the
// file, found by detectCertificateTable before signing replaces it.
type ExistingSignature struct {
	Offset uint32
	Length uint32
	Header WinCertificate
}

// detectCertificateTable walks the WIN_CERTIFICATE chain the same way
// parseSecurityDirectory's read path does, but stops at the first header
// without decoding its PKCS7 payload. It answers the single question the
// write path needs: where does the existing table start, so that
// WriteDataDirectory can truncate it instead of appending beside it.
func (pe *File) detectCertificateTable() (*ExistingSignature, error) {
	var dir DataDirectory
	switch pe.Is64 {
	case true:
		dir = pe.NtHeader.OptionalHeader.(ImageOptionalHeader64).DataDirectory[ImageDirectoryEntryCertificate]
	case false:
		dir = pe.NtHeader.OptionalHeader.(ImageOptionalHeader32).DataDirectory[ImageDirectoryEntryCertificate]
	}

	if dir.Size == 0 {
		return nil, nil
	}

	var header WinCertificate
	headerSize := uint32(8)
	if err := pe.structUnpack(&header, dir.VirtualAddress, headerSize); err != nil {
		return nil, ErrOutsideBoundary
	}

	return &ExistingSignature{
		Offset: dir.VirtualAddress,
		Length: dir.Size,
		Header: header,
	}, nil
}

// alignedPayload returns the bytes that will precede the Certificate Table
// once this file is (re-)signed: any existing table is stripped and the
// remainder is zero-padded to an 8-byte boundary. WriteDataDirectory uses
// this as the base it appends blob to; AuthentihashAligned hashes this
// same form so the digest a signature embeds matches the file it ends up
// describing.
func (pe *File) alignedPayload() ([]byte, error) {
	existing, err := pe.detectCertificateTable()
	if err != nil {
		return nil, err
	}

	payloadEnd := pe.size
	if existing != nil {
		payloadEnd = existing.Offset
	}

	payload := make([]byte, payloadEnd)
	copy(payload, pe.data[:payloadEnd])
	return pad(payload, 8), nil
}

// WriteDataDirectory appends blob (an already-framed WIN_CERTIFICATE entry)
// as the file's Certificate Table, truncating any prior table rather than
// appending beside it, realigns the Optional Header's checksum, and stages
// the result to a temporary file renamed over the original path. On any
// error the original file is left untouched.
func (pe *File) WriteDataDirectory(entry ImageDirectoryEntry, blob []byte) error {
	if entry != ImageDirectoryEntryCertificate {
		return ErrOutsideBoundary
	}
	if pe.path == "" {
		return ErrOutsideBoundary
	}

	payload, err := pe.alignedPayload()
	if err != nil {
		return err
	}

	newOffset := uint32(len(payload))
	final := make([]byte, 0, len(payload)+len(blob))
	final = append(final, payload...)
	final = append(final, blob...)

	dirEntryOffset, err := pe.certDataDirectoryOffset()
	if err != nil {
		return err
	}
	patchDataDirectory(final, dirEntryOffset, newOffset, uint32(len(blob)))

	checksumOffset := pe.optionalHeaderOffset + 64
	checksum := checksumOf(final, checksumOffset, uint32(len(final)))
	patchUint32(final, checksumOffset, checksum)

	return stageAndRename(pe.path, final)
}

// certDataDirectoryOffset returns the file offset of the Certificate
// Table's 8-byte IMAGE_DATA_DIRECTORY entry within the Optional Header.
func (pe *File) certDataDirectoryOffset() (uint32, error) {
	// See parseLocations in security.go for why +4 precedes the index term:
	// the Data Directory array starts immediately after NumberOfRvaAndSizes.
	var certBase uint32
	switch pe.Is64 {
	case true:
		certBase = pe.optionalHeaderOffset + 108 + 4 + uint32(ImageDirectoryEntryCertificate)*8
	case false:
		certBase = pe.optionalHeaderOffset + 92 + 4 + uint32(ImageDirectoryEntryCertificate)*8
	}
	if certBase+8 > pe.size {
		return 0, ErrOutsideBoundary
	}
	return certBase, nil
}

// pad zero-extends buf until its length is a multiple of alignment.
func pad(buf []byte, alignment uint32) []byte {
	aligned := alignUp(uint32(len(buf)), alignment)
	if aligned == uint32(len(buf)) {
		return buf
	}
	return append(buf, make([]byte, aligned-uint32(len(buf)))...)
}

func stageAndRename(path string, final []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".authenticode-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(final); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}

	info, err := os.Stat(path)
	if err == nil {
		_ = os.Chmod(tmpName, info.Mode())
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
