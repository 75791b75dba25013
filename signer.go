// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package authenticode

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/asn1"
	"encoding/binary"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/pkg/errors"

	"github.com/coldforge/authenticode/cms"
	"github.com/coldforge/authenticode/timestamp"
)

// SignerOption configures a Signer at construction time.
type SignerOption func(*signerOptions)

type signerOptions struct {
	hashAlgorithm HashAlgorithm
	programInfo   ProgramInfo
	timestamping  bool
	useRFC3161    bool
	timestampURL  string
	logger        log.Logger
}

// WithHashAlgorithm selects SHA1 or SHA256 by name; an unrecognised name
// silently falls back to SHA256, matching historical configuration
// accessor behavior.
func WithHashAlgorithm(name string) SignerOption {
	return func(o *signerOptions) {
		o.hashAlgorithm = hashAlgorithmByName(name, SHA256)
	}
}

// WithProgramInfo attaches an optional SpcSpOpusInfo (program name/URL).
func WithProgramInfo(name, url string) SignerOption {
	return func(o *signerOptions) {
		o.programInfo = ProgramInfo{Name: name, URL: url}
	}
}

// WithTimestamping enables or disables counter-signing. Timestamping is
// enabled by default.
func WithTimestamping(enabled bool) SignerOption {
	return func(o *signerOptions) { o.timestamping = enabled }
}

// WithRFC3161 selects the RFC 3161 timestamp strategy instead of the
// legacy Authenticode strategy.
func WithRFC3161(enabled bool) SignerOption {
	return func(o *signerOptions) { o.useRFC3161 = enabled }
}

// WithTimestampURL overrides the chosen strategy's default server URL.
func WithTimestampURL(url string) SignerOption {
	return func(o *signerOptions) { o.timestampURL = url }
}

// WithLogger supplies a custom logger for the signer and the File it opens.
func WithLogger(logger log.Logger) SignerOption {
	return func(o *signerOptions) { o.logger = logger }
}

// Signer orchestrates the content builder, the signed-data generator and a
// timestamper into a single sign() operation against a PE file on disk.
type Signer struct {
	chain      []*x509.Certificate
	leaf       *x509.Certificate
	privateKey crypto.Signer
	opts       signerOptions
}

// NewSigner validates configuration synchronously, before any file is
// touched. chain is leaf-first; privateKey's algorithm must match the
// leaf's public key.
func NewSigner(chain []*x509.Certificate, privateKey crypto.Signer, options ...SignerOption) (*Signer, error) {
	if len(chain) == 0 {
		return nil, errors.New("authenticode: certificate chain is required")
	}
	if privateKey == nil {
		return nil, errors.New("authenticode: private key is required")
	}

	leaf := chain[0]
	if !publicKeysMatch(leaf.PublicKey, privateKey.Public()) {
		return nil, errors.New("authenticode: private key does not match leaf certificate")
	}

	// Unconditionally default to SHA-256 rather than DefaultHashAlgorithm's
	// wall-clock SHA-1 cutover: that behavior is preserved only for
	// documentation, not as a default any caller should inherit.
	o := signerOptions{
		hashAlgorithm: SHA256,
		timestamping:  true,
	}
	for _, opt := range options {
		opt(&o)
	}

	s := &Signer{chain: chain, leaf: leaf, privateKey: privateKey, opts: o}
	return s, nil
}

func publicKeysMatch(a, b crypto.PublicKey) bool {
	type equaler interface{ Equal(crypto.PublicKey) bool }
	if eq, ok := a.(equaler); ok {
		return eq.Equal(b)
	}
	return false
}

// Sign signs the PE file at path in place: it reads the file, computes its
// Authentihash, builds and signs the Authenticode content, optionally
// timestamps it, and atomically replaces the file's Certificate Table.
// The file handle is released on every exit path, including errors.
func (s *Signer) Sign(ctx context.Context, path string) error {
	pe, err := New(path, &Options{Logger: s.opts.logger})
	if err != nil {
		return errors.Wrap(err, "authenticode: open file")
	}
	defer pe.Close()

	if err := pe.Parse(); err != nil {
		return errors.Wrap(err, "authenticode: parse file")
	}

	if s.opts.hashAlgorithm.Name == SHA1.Name {
		pe.logger.Warnf("signing %s with SHA-1; SHA-256 is strongly preferred", path)
	}

	digests, err := pe.AuthentihashAligned(s.opts.hashAlgorithm.Hash.New())
	if err != nil {
		return errors.Wrap(err, "authenticode: align and digest")
	}
	digest := digests[0]

	indirectData := buildSpcIndirectDataContent(s.opts.hashAlgorithm, digest)
	contentDER, err := asn1.Marshal(indirectData)
	if err != nil {
		return errors.Wrap(err, "authenticode: encode content")
	}

	signedAttrs, err := createAuthenticatedAttributes(s.opts.programInfo)
	if err != nil {
		return errors.Wrap(err, "authenticode: build authenticated attributes")
	}

	digestAlg := cms.DigestAlgorithm{Hash: s.opts.hashAlgorithm.Hash, OID: s.opts.hashAlgorithm.DigestOID}
	sd, err := cms.Sign(contentDER, oidSpcIndirectDataContent, digestAlg, signedAttrs, s.privateKey, s.leaf, s.chain)
	if err != nil {
		return errors.Wrap(err, "authenticode: build signed-data")
	}

	if s.opts.timestamping {
		strategy := s.timestampStrategy()
		timestampAlgo := cms.DigestAlgorithm{Hash: s.opts.hashAlgorithm.Hash, OID: s.opts.hashAlgorithm.TimestampOID}
		sd, err = strategy.Timestamp(ctx, timestampAlgo, sd)
		if err != nil {
			return errors.Wrap(err, "authenticode: timestamp")
		}
	}

	der, err := cms.Marshal(sd)
	if err != nil {
		return errors.Wrap(err, "authenticode: encode signed-data")
	}
	der = pad(der, 8)

	blob := frameWinCertificate(der)

	if err := pe.WriteDataDirectory(ImageDirectoryEntryCertificate, blob); err != nil {
		return errors.Wrap(err, "authenticode: write certificate table")
	}

	return nil
}

// timestampStrategy selects the configured timestamp.Strategy, defaulting
// each strategy's own well-known server URL when timestampURL is empty.
func (s *Signer) timestampStrategy() timestamp.Strategy {
	if s.opts.useRFC3161 {
		return timestamp.NewRFC3161Timestamper(s.opts.timestampURL, nil, s.opts.logger)
	}
	return timestamp.NewTimestamper(s.opts.timestampURL, nil, s.opts.logger)
}

// frameWinCertificate prepends the fixed 8-byte WIN_CERTIFICATE header to
// an already 8-byte-aligned DER blob.
func frameWinCertificate(der []byte) []byte {
	out := make([]byte, 8+len(der))
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(out)))
	binary.LittleEndian.PutUint16(out[4:6], uint16(WinCertRevision2_0))
	binary.LittleEndian.PutUint16(out[6:8], uint16(WinCertTypePKCSSignedData))
	copy(out[8:], der)
	return out
}
