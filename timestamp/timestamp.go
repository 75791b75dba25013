// Package timestamp implements the two counter-signing protocols
// Authenticode recognizes: the legacy Authenticode timestamp protocol
// (PKCS#7 wrapped base64 over HTTP) and RFC 3161. Both strategies take a
// signer's already-computed primary signature and return it with a
// server-issued countersignature attached as an unsigned attribute.
package timestamp

import (
	"context"

	"github.com/coldforge/authenticode/cms"
)

// Strategy is the common contract both timestamp protocols satisfy.
type Strategy interface {
	// Timestamp counter-signs primary's sole SignerInfo using the given
	// digest algorithm and returns an updated SignedData carrying the
	// countersignature as an unsigned attribute.
	Timestamp(ctx context.Context, algo HashAlgorithm, primary *cms.SignedData) (*cms.SignedData, error)
}

// HashAlgorithm is the minimal digest description timestamp requests need:
// a crypto.Hash-backed cms.DigestAlgorithm plus the OID used to name the
// algorithm inside a TimeStampReq.
type HashAlgorithm = cms.DigestAlgorithm
