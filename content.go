// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package authenticode

import (
	"crypto/x509/pkix"
	"encoding/asn1"

	"github.com/coldforge/authenticode/cms"
)

// SPC object identifiers, all under Microsoft's 1.3.6.1.4.1.311 arc.
var (
	oidSpcIndirectDataContent    = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 2, 1, 4}
	oidSpcPEImageData            = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 2, 1, 15}
	oidSpcStatementType          = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 2, 1, 11}
	oidSpcIndividualSPKeyPurpose = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 2, 1, 21}
	oidSpcSPOpusInfo             = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 2, 1, 12}
)

// SpcIndirectDataContentOID returns the content-type OID an Authenticode
// CMS SignedData's encapContentInfo must declare.
func SpcIndirectDataContentOID() asn1.ObjectIdentifier { return oidSpcIndirectDataContent }

// spcString is the SpcString CHOICE: either a UTF-16BE or an ASCII string.
// Authenticode tooling conventionally always emits the UTF-16 arm.
type spcString struct {
	Unicode []byte `asn1:"tag:0,implicit"`
}

// spcLink is the SpcLink CHOICE, used here only for its url arm, to hold
// an IA5String programURL.
type spcLink struct {
	URL string `asn1:"tag:0,implicit,ia5"`
}

// spcSpOpusInfo is the SpcSpOpusInfo attribute value: an optional program
// name and an optional program URL, each field independently optional.
type spcSpOpusInfo struct {
	ProgramName spcString `asn1:"optional,tag:0"`
	MoreInfo    spcLink   `asn1:"optional,tag:1"`
}

// buildSpcIndirectDataContent produces the ASN.1 SpcIndirectDataContent
// binding algo/digest to the PE-image content type. The ASN.1 NULL
// parameter on the algorithm identifier is required, not merely permitted,
// for Windows verifiers to accept the signature.
func buildSpcIndirectDataContent(algo HashAlgorithm, digest []byte) SpcIndirectDataContent {
	return SpcIndirectDataContent{
		Data: SpcAttributeTypeAndOptionalValue{
			Type: oidSpcPEImageData,
			Value: SpcPeImageData{
				Flags: asn1.BitString{Bytes: []byte{0}, BitLength: 0},
				File:  asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 2, IsCompound: true},
			},
		},
		MessageDigest: DigestInfo{
			DigestAlgorithm: algorithmIdentifierWithNull(algo),
			Digest:          digest,
		},
	}
}

// algorithmIdentifierWithNull builds a pkix.AlgorithmIdentifier carrying an
// explicit ASN.1 NULL parameter, required (not merely permitted) for
// interoperability with Windows verifiers.
func algorithmIdentifierWithNull(algo HashAlgorithm) pkix.AlgorithmIdentifier {
	return pkix.AlgorithmIdentifier{
		Algorithm:  algo.DigestOID,
		Parameters: asn1.NullRawValue,
	}
}

// ProgramInfo is the caller-supplied (programName, programURL) pair for an
// optional SpcSpOpusInfo attribute.
type ProgramInfo struct {
	Name string
	URL  string
}

// createAuthenticatedAttributes returns the Authenticode-specific members
// of the signed attribute set: a mandatory SpcStatementType and, iff at
// least one of ProgramInfo's fields is non-empty, an SpcSpOpusInfo. The
// standard CMS contentType and messageDigest attributes are added by the
// signed-data generator, not here.
func createAuthenticatedAttributes(info ProgramInfo) ([]cms.AttributeValue, error) {
	attrs := make([]cms.AttributeValue, 0, 2)

	attrs = append(attrs, cms.AttributeValue{
		Type:  oidSpcStatementType,
		Value: []asn1.ObjectIdentifier{oidSpcIndividualSPKeyPurpose},
	})

	if info.Name != "" || info.URL != "" {
		opus := spcSpOpusInfo{}
		if info.Name != "" {
			encoded, err := EncodeUTF16String(info.Name)
			if err != nil {
				return nil, err
			}
			opus.ProgramName = spcString{Unicode: encoded}
		}
		if info.URL != "" {
			opus.MoreInfo = spcLink{URL: info.URL}
		}
		attrs = append(attrs, cms.AttributeValue{Type: oidSpcSPOpusInfo, Value: opus})
	}

	return attrs, nil
}
