// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package authenticode

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"reflect"
	"sort"
	"time"

	"go.mozilla.org/pkcs7"
)

// The options for the WIN_CERTIFICATE Revision member.
const (
	// WinCertRevision1_0 is the legacy version of the WIN_CERTIFICATE
	// structure, supported only for verifying legacy Authenticode signatures.
	WinCertRevision1_0 = 0x0100

	// WinCertRevision2_0 is the current version; this is the revision every
	// signature produced by this module declares.
	WinCertRevision2_0 = 0x0200
)

// The options for the WIN_CERTIFICATE CertificateType member.
const (
	// WinCertTypeX509 indicates the certificate contains an X.509 Certificate (Not Supported).
	WinCertTypeX509 = 0x0001

	// WinCertTypePKCSSignedData indicates the certificate contains a PKCS#7
	// SignedData structure; this is the only type this module produces.
	WinCertTypePKCSSignedData = 0x0002

	// WinCertTypeReserved1 is reserved.
	WinCertTypeReserved1 = 0x0003

	// WinCertTypeTSStackSigned is used for Terminal Server Protocol Stack
	// Certificate signing (Not Supported).
	WinCertTypeTSStackSigned = 0x0004
)

// ErrSecurityDataDirInvalid is reported when the certificate header in the
// security directory is invalid.
var ErrSecurityDataDirInvalid = errors.New(
	`invalid certificate header in security directory`)

// Certificate is the parsed view of an existing Certificate Table entry.
type Certificate struct {
	Header           WinCertificate
	Content          pkcs7.PKCS7
	SignatureContent AuthenticodeContent
	SignatureValid   bool
	Raw              []byte
	Info             CertInfo
	Verified         bool
}

// WinCertificate is the fixed 8-byte header preceding every attribute
// certificate entry in the Certificate Table.
type WinCertificate struct {
	Length          uint32
	Revision        uint16
	CertificateType uint16
}

// CertInfo wraps the fields of a parsed certificate relevant to reporting.
type CertInfo struct {
	Issuer             string
	Subject            string
	NotBefore          time.Time
	NotAfter           time.Time
	SerialNumber       string
	SignatureAlgorithm x509.SignatureAlgorithm
	PublicKeyAlgorithm x509.PublicKeyAlgorithm
}

// RelRange is a (start, length) byte range relative to the start of the file.
type RelRange struct {
	Start  uint32
	Length uint32
}

type byStart []RelRange

func (s byStart) Len() int      { return len(s) }
func (s byStart) Swap(i, j int) { s[i], s[j] = s[j], s[i] }
func (s byStart) Less(i, j int) bool {
	return s[i].Start < s[j].Start
}

// Range is a [Start, End) byte range.
type Range struct {
	Start uint32
	End   uint32
}

// parseLocations finds the checksum field, the Certificate Table's own data
// directory entry, and the Certificate Table region itself, purely from
// Optional Header offsets. This computation never touches the section
// table: Authenticode's skip regions all live inside the headers.
func (pe *File) parseLocations() (map[string]*RelRange, error) {
	location := make(map[string]*RelRange, 3)

	fileHdrSize := uint32(binary.Size(pe.NtHeader.FileHeader))
	optionalHeaderOffset := pe.DOSHeader.AddressOfNewEXEHeader + 4 + fileHdrSize

	var (
		oh32 ImageOptionalHeader32
		oh64 ImageOptionalHeader64

		optionalHeaderSize uint32
	)

	switch pe.Is64 {
	case true:
		oh64 = pe.NtHeader.OptionalHeader.(ImageOptionalHeader64)
		optionalHeaderSize = oh64.SizeOfHeaders
	case false:
		oh32 = pe.NtHeader.OptionalHeader.(ImageOptionalHeader32)
		optionalHeaderSize = oh32.SizeOfHeaders
	}

	if optionalHeaderOffset > pe.size || optionalHeaderSize > pe.size-optionalHeaderOffset {
		return nil, fmt.Errorf("the optional header exceeds the file length (%d + %d > %d)",
			optionalHeaderSize, optionalHeaderOffset, pe.size)
	}

	if optionalHeaderSize < 68 {
		return nil, fmt.Errorf("the optional header size is %d < 68, which is insufficient for authenticode",
			optionalHeaderSize)
	}

	location["checksum"] = &RelRange{optionalHeaderOffset + 64, 4}

	// rvaBase is the file offset of NumberOfRvaAndSizes; the Data Directory
	// array begins immediately after that field's 4 bytes, so certBase is
	// rvaBase+4 plus the Certificate entry's index times 8 (PE32: 128,
	// PE32+: 144 — the well-known IMAGE_DIRECTORY_ENTRY_SECURITY offsets).
	var rvaBase, certBase, numberOfRvaAndSizes uint32
	switch pe.Is64 {
	case true:
		rvaBase = optionalHeaderOffset + 108
		certBase = rvaBase + 4 + uint32(ImageDirectoryEntryCertificate)*8
		numberOfRvaAndSizes = oh64.NumberOfRvaAndSizes
	case false:
		rvaBase = optionalHeaderOffset + 92
		certBase = rvaBase + 4 + uint32(ImageDirectoryEntryCertificate)*8
		numberOfRvaAndSizes = oh32.NumberOfRvaAndSizes
	}

	if optionalHeaderOffset+optionalHeaderSize < rvaBase+4 {
		pe.logger.Debug("the optional header cannot accommodate NumberOfRvaAndSizes")
		return location, nil
	}

	if numberOfRvaAndSizes < uint32(ImageDirectoryEntryCertificate)+1 {
		pe.logger.Debugf("no Certificate Table entry in the Data Directory; NumberOfRvaAndSizes = %d",
			numberOfRvaAndSizes)
		return location, nil
	}

	if optionalHeaderOffset+optionalHeaderSize < certBase+8 {
		pe.logger.Debug("the optional header cannot accommodate a Certificate Table entry")
		return location, nil
	}

	location["datadir_certtable"] = &RelRange{certBase, 8}

	var address, size uint32
	switch pe.Is64 {
	case true:
		dirEntry := oh64.DataDirectory[ImageDirectoryEntryCertificate]
		address, size = dirEntry.VirtualAddress, dirEntry.Size
	case false:
		dirEntry := oh32.DataDirectory[ImageDirectoryEntryCertificate]
		address, size = dirEntry.VirtualAddress, dirEntry.Size
	}

	if size == 0 {
		pe.logger.Debug("the Certificate Table is empty")
		return location, nil
	}

	if int64(address) < int64(optionalHeaderSize)+int64(optionalHeaderOffset) ||
		int64(address)+int64(size) > int64(pe.size) {
		pe.logger.Debugf("Certificate Table location makes no sense; VirtualAddress: %x, Size: %x",
			address, size)
		return location, nil
	}

	location["certtable"] = &RelRange{address, size}
	return location, nil
}

// Authentihash returns the SHA-256 Authenticode digest of the image.
func (pe *File) Authentihash() []byte {
	return pe.AuthentihashExt(crypto.SHA256.New())[0]
}

// hashRanges streams rd, sized size, into each hasher in offset order,
// skipping the named locations found in locationMap. Shared by
// AuthentihashExt (hashes the file as it sits on disk) and
// AuthentihashAligned (hashes the padded, table-stripped form a signature
// will actually be computed against).
func hashRanges(locationMap map[string]*RelRange, keys []string, size uint32, rd io.ReaderAt, hashers []hash.Hash) [][]byte {
	locationSlice := make([]RelRange, 0, len(keys))
	for _, k := range keys {
		if v, ok := locationMap[k]; ok {
			locationSlice = append(locationSlice, *v)
		}
	}
	sort.Sort(byStart(locationSlice))

	ranges := make([]*Range, 0, len(locationSlice)+1)
	start := uint32(0)
	for _, r := range locationSlice {
		ranges = append(ranges, &Range{Start: start, End: r.Start})
		start = r.Start + r.Length
	}
	ranges = append(ranges, &Range{Start: start, End: size})

	for _, v := range ranges {
		for _, hasher := range hashers {
			sr := io.NewSectionReader(rd, int64(v.Start), int64(v.End)-int64(v.Start))
			io.Copy(hasher, sr)
		}
	}

	ret := make([][]byte, 0, len(hashers))
	for _, hasher := range hashers {
		ret = append(ret, hasher.Sum(nil))
	}
	return ret
}

// AuthentihashExt computes the Authenticode digest with the given hashers,
// streaming the file in offset order while skipping the CheckSum field, the
// Certificate Table's own data directory entry, and the Certificate Table
// itself.
func (pe *File) AuthentihashExt(hashers ...hash.Hash) [][]byte {
	locationMap, err := pe.parseLocations()
	if err != nil {
		return nil
	}

	var rd io.ReaderAt
	if pe.f != nil {
		rd = pe.f
	} else {
		rd = bytes.NewReader(pe.data)
	}

	return hashRanges(locationMap, []string{"checksum", "datadir_certtable", "certtable"}, pe.size, rd, hashers)
}

// AuthentihashAligned computes the Authenticode digest over the padded,
// signature-stripped form of the file: whatever bytes already occupy the
// Certificate Table are discarded and the remainder is zero-padded to an
// 8-byte boundary, exactly as WriteDataDirectory pads before appending a
// new table. Signing must hash this form rather than the file as it sits
// on disk: hashing the unpadded file and only padding at write-back time
// embeds a digest that will not match what Inspect recomputes from the
// final signed file whenever the original length is not already a
// multiple of 8.
func (pe *File) AuthentihashAligned(hashers ...hash.Hash) ([][]byte, error) {
	payload, err := pe.alignedPayload()
	if err != nil {
		return nil, err
	}

	locationMap, err := pe.parseLocations()
	if err != nil {
		return nil, err
	}

	rd := bytes.NewReader(payload)
	return hashRanges(locationMap, []string{"checksum", "datadir_certtable"}, uint32(len(payload)), rd, hashers), nil
}

// parseSecurityDirectory walks the WIN_CERTIFICATE chain already present in
// a file's Certificate Table, parses the PKCS7 SignedData of the last
// entry, and records CertInfo plus the embedded Authenticode digest. It
// populates File.Certificates during Parse; the write path locates an
// existing table with detectCertificateTable instead.
func (pe *File) parseSecurityDirectory(rva, size uint32) error {
	var pkcs *pkcs7.PKCS7
	var certValid bool
	certInfo := CertInfo{}
	certHeader := WinCertificate{}
	certSize := uint32(binary.Size(certHeader))
	signatureContent := AuthenticodeContent{}
	var signatureValid bool
	var certContent []byte

	fileOffset := rva

	for {
		err := pe.structUnpack(&certHeader, fileOffset, certSize)
		if err != nil {
			return ErrOutsideBoundary
		}

		if fileOffset+certHeader.Length > pe.size {
			return ErrOutsideBoundary
		}

		if certHeader.Length == 0 {
			return ErrSecurityDataDirInvalid
		}

		certContent = pe.data[fileOffset+certSize : fileOffset+certHeader.Length]
		pkcs, err = pkcs7.Parse(certContent)
		if err != nil {
			pe.Certificates = Certificate{Header: certHeader, Raw: certContent}
			pe.HasCertificate = true
			return err
		}

		serialNumber := pkcs.Signers[0].IssuerAndSerialNumber.SerialNumber
		for _, cert := range pkcs.Certificates {
			if !reflect.DeepEqual(cert.SerialNumber, serialNumber) {
				continue
			}

			certInfo.SerialNumber = hex.EncodeToString(cert.SerialNumber.Bytes())
			certInfo.PublicKeyAlgorithm = cert.PublicKeyAlgorithm
			certInfo.SignatureAlgorithm = cert.SignatureAlgorithm
			certInfo.NotAfter = cert.NotAfter
			certInfo.NotBefore = cert.NotBefore

			if len(cert.Issuer.Country) > 0 {
				certInfo.Issuer = cert.Issuer.Country[0]
			}
			if len(cert.Issuer.Province) > 0 {
				certInfo.Issuer += ", " + cert.Issuer.Province[0]
			}
			if len(cert.Issuer.Locality) > 0 {
				certInfo.Issuer += ", " + cert.Issuer.Locality[0]
			}
			certInfo.Issuer += ", " + cert.Issuer.CommonName

			if len(cert.Subject.Country) > 0 {
				certInfo.Subject = cert.Subject.Country[0]
			}
			if len(cert.Subject.Province) > 0 {
				certInfo.Subject += ", " + cert.Subject.Province[0]
			}
			if len(cert.Subject.Locality) > 0 {
				certInfo.Subject += ", " + cert.Subject.Locality[0]
			}
			if len(cert.Subject.Organization) > 0 {
				certInfo.Subject += ", " + cert.Subject.Organization[0]
			}
			certInfo.Subject += ", " + cert.Subject.CommonName

			break
		}

		pe.IsSigned = true

		if !pe.opts.DisableCertValidation {
			certPool, err := x509.SystemCertPool()
			if err == nil {
				if err := pkcs.VerifyWithChain(certPool); err == nil {
					certValid = true
				}
			}
		}

		signatureContent, err = parseAuthenticodeContent(pkcs.Content)
		if err != nil {
			pe.logger.Errorf("could not parse authenticode content: %v", err)
			signatureValid = false
		} else if !pe.opts.DisableSignatureValidation {
			authentihash := pe.AuthentihashExt(signatureContent.HashFunction.New())[0]
			signatureValid = bytes.Equal(authentihash, signatureContent.HashResult)
		}

		nextOffset := certHeader.Length + fileOffset
		nextOffset = alignUp(nextOffset, 8)

		if nextOffset == fileOffset+size || nextOffset >= fileOffset+size {
			break
		}

		fileOffset = nextOffset
	}

	pe.Certificates = Certificate{
		Header: certHeader, Content: *pkcs, Raw: certContent, Info: certInfo,
		Verified: certValid, SignatureContent: signatureContent, SignatureValid: signatureValid,
	}
	pe.HasCertificate = true
	return nil
}

// SpcIndirectDataContent is the Authenticode-specific content type carried
// as the eContent of a signed-data's encapContentInfo.
type SpcIndirectDataContent struct {
	Data          SpcAttributeTypeAndOptionalValue
	MessageDigest DigestInfo
}

// SpcAttributeTypeAndOptionalValue names the PE flavour of SpcIndirectDataContent.
type SpcAttributeTypeAndOptionalValue struct {
	Type  asn1.ObjectIdentifier
	Value SpcPeImageData `asn1:"optional"`
}

// SpcPeImageData is the PE-image-specific value of SpcAttributeTypeAndOptionalValue.
type SpcPeImageData struct {
	Flags asn1.BitString
	File  asn1.RawValue
}

// DigestInfo carries the algorithm identifier and digest bytes bound into
// an SpcIndirectDataContent.
type DigestInfo struct {
	DigestAlgorithm pkix.AlgorithmIdentifier
	Digest          []byte
}

// parseHashAlgorithm maps a DigestInfo's algorithm identifier to a
// crypto.Hash, mirroring pkcs7.getHashForOID.
func parseHashAlgorithm(identifier pkix.AlgorithmIdentifier) (crypto.Hash, error) {
	oid := identifier.Algorithm
	switch {
	case oid.Equal(pkcs7.OIDDigestAlgorithmSHA1), oid.Equal(pkcs7.OIDDigestAlgorithmECDSASHA1),
		oid.Equal(pkcs7.OIDDigestAlgorithmDSA), oid.Equal(pkcs7.OIDDigestAlgorithmDSASHA1),
		oid.Equal(pkcs7.OIDEncryptionAlgorithmRSA):
		return crypto.SHA1, nil
	case oid.Equal(pkcs7.OIDDigestAlgorithmSHA256), oid.Equal(pkcs7.OIDDigestAlgorithmECDSASHA256):
		return crypto.SHA256, nil
	case oid.Equal(pkcs7.OIDDigestAlgorithmSHA384), oid.Equal(pkcs7.OIDDigestAlgorithmECDSASHA384):
		return crypto.SHA384, nil
	case oid.Equal(pkcs7.OIDDigestAlgorithmSHA512), oid.Equal(pkcs7.OIDDigestAlgorithmECDSASHA512):
		return crypto.SHA512, nil
	}
	return crypto.Hash(0), pkcs7.ErrUnsupportedAlgorithm
}

// AuthenticodeContent is a simplified view of a parsed SpcIndirectDataContent.
type AuthenticodeContent struct {
	HashFunction crypto.Hash
	HashResult   []byte
}

func parseAuthenticodeContent(content []byte) (AuthenticodeContent, error) {
	var authenticodeContent SpcIndirectDataContent
	rest, err := asn1.Unmarshal(content, &authenticodeContent.Data)
	if err != nil {
		return AuthenticodeContent{}, err
	}
	_, err = asn1.Unmarshal(rest, &authenticodeContent.MessageDigest)
	if err != nil {
		return AuthenticodeContent{}, err
	}
	hashFunction, err := parseHashAlgorithm(authenticodeContent.MessageDigest.DigestAlgorithm)
	if err != nil {
		return AuthenticodeContent{}, err
	}
	return AuthenticodeContent{
		HashFunction: hashFunction,
		HashResult:   authenticodeContent.MessageDigest.Digest,
	}, nil
}
