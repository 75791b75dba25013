// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package authenticode

import (
	"bytes"
	"time"
)

// InspectionResult is the structural summary Inspect returns for an
// already-signed file. It reports what is embedded in the Certificate
// Table and whether the embedded digest matches the file's actual
// Authentihash; it performs no trust-chain verification, revocation
// checking, or countersignature validation.
type InspectionResult struct {
	Subject          string
	Issuer           string
	SerialNumber     string
	NotBefore        time.Time
	NotAfter         time.Time
	EmbeddedDigest   []byte
	RecomputedDigest []byte
	DigestMatches    bool
}

// Inspect reports the structural contents of an already-present Certificate
// Table. It returns ErrSecurityDataDirInvalid if the file has not been
// signed. Parse must be called first.
func (pe *File) Inspect() (InspectionResult, error) {
	if !pe.HasCertificate {
		return InspectionResult{}, ErrSecurityDataDirInvalid
	}

	cert := pe.Certificates
	recomputed := pe.AuthentihashExt(cert.SignatureContent.HashFunction.New())[0]

	return InspectionResult{
		Subject:          cert.Info.Subject,
		Issuer:           cert.Info.Issuer,
		SerialNumber:     cert.Info.SerialNumber,
		NotBefore:        cert.Info.NotBefore,
		NotAfter:         cert.Info.NotAfter,
		EmbeddedDigest:   cert.SignatureContent.HashResult,
		RecomputedDigest: recomputed,
		DigestMatches:    bytes.Equal(recomputed, cert.SignatureContent.HashResult),
	}, nil
}
