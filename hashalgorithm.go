// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package authenticode

import (
	"crypto"
	"encoding/asn1"
	"time"
)

// HashAlgorithm is one of the two digest algorithms Authenticode accepts.
// Each variant carries its crypto.Hash constructor, its ASN.1 OID for DER
// encoding, and the OID an RFC 3161 timestamp request should name.
type HashAlgorithm struct {
	Name         string
	Hash         crypto.Hash
	DigestOID    asn1.ObjectIdentifier
	TimestampOID asn1.ObjectIdentifier
}

var (
	oidSHA1   = asn1.ObjectIdentifier{1, 3, 14, 3, 2, 26}
	oidSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}

	// SHA1 is the legacy Authenticode digest algorithm.
	SHA1 = HashAlgorithm{Name: "SHA1", Hash: crypto.SHA1, DigestOID: oidSHA1, TimestampOID: oidSHA1}

	// SHA256 is the modern, and strongly preferred, Authenticode digest
	// algorithm.
	SHA256 = HashAlgorithm{Name: "SHA256", Hash: crypto.SHA256, DigestOID: oidSHA256, TimestampOID: oidSHA256}
)

// sha1Cutover is the historical bootstrap default: Authenticode tooling
// predating wide SHA-256 support picked SHA-1 for anything signed before
// this date. New integrations should pass SHA256 explicitly rather than
// lean on the wall-clock default.
var sha1Cutover = time.Date(2016, time.January, 1, 0, 0, 0, 0, time.UTC)

// DefaultHashAlgorithm reproduces the historical wall-clock default:
// SHA-1 before 2016-01-01 UTC, SHA-256 from that date on. Kept for
// documentation purposes; callers are encouraged to hardwire SHA256 and
// accept the deviation rather than depend on wall-clock time.
func DefaultHashAlgorithm(now time.Time) HashAlgorithm {
	if now.Before(sha1Cutover) {
		return SHA1
	}
	return SHA256
}

// hashAlgorithmByName resolves a configuration string to a HashAlgorithm.
// Unrecognised names silently fall back to fallback, matching the
// configuration accessor's historical (surprising) behavior.
func hashAlgorithmByName(name string, fallback HashAlgorithm) HashAlgorithm {
	switch name {
	case "SHA-1", "SHA1", "sha1":
		return SHA1
	case "SHA-256", "SHA256", "sha256":
		return SHA256
	default:
		return fallback
	}
}
