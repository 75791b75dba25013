// Package cms builds the non-standard CMS SignedData variant Authenticode
// requires: a signed-data structure whose encapContentInfo carries a
// content type other than id-data, with eContent present (not detached),
// and whose primary SignerInfo can later gain an unsigned countersignature
// attribute. go.mozilla.org/pkcs7's public SignedData builder hardcodes
// id-data and offers no such hook, so this package rolls the ASN.1 shapes
// by hand, generalized from a single signature algorithm to an
// {RSA, ECDSA} x {SHA-1, SHA-256} matrix.
package cms

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"math/big"
	"sort"
)

// Standard CMS object identifiers this package needs directly; Authenticode's
// own SPC object identifiers live with their callers.
var (
	OIDData       = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}
	OIDSignedData = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}

	OIDAttributeContentType   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 3}
	OIDAttributeMessageDigest = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 4}

	oidEncryptionAlgorithmRSA      = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}
	oidEncryptionAlgorithmECDSASHA1   = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 1}
	oidEncryptionAlgorithmECDSASHA256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}
)

// ErrUnsupportedKey is returned when the signer's public key is neither RSA
// nor ECDSA, or the digest algorithm has no corresponding ECDSA OID.
var ErrUnsupportedKey = errors.New("cms: unsupported signer key type")

// DigestAlgorithm names a digest by its crypto.Hash constructor and its
// ASN.1 OID.
type DigestAlgorithm struct {
	Hash crypto.Hash
	OID  asn1.ObjectIdentifier
}

// ContentInfo is the outermost CMS envelope.
type ContentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,tag:0"`
}

// EncapsulatedContentInfo wraps the signed content. Unlike a detached
// signature, EContent is always populated here: Authenticode embeds its
// SpcIndirectDataContent rather than referencing it out of band.
type EncapsulatedContentInfo struct {
	EContentType asn1.ObjectIdentifier
	EContent     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

// IssuerAndSerialNumber identifies a signer certificate by its issuer DN
// and serial number, the signer-identifier form CMS calls IssuerAndSerialNumber.
type IssuerAndSerialNumber struct {
	Issuer       asn1.RawValue
	SerialNumber *big.Int
}

// SignerInfo is the structure CMS defines per-signer. SignedAttrs carries
// an implicit [0] tag when present (the DER bytes are identical to a SET OF
// Attribute's content, re-tagged); UnsignedAttrs is the symmetrical
// implicit [1] slot a timestamper's countersignature is later attached to.
type SignerInfo struct {
	Version                   int
	IssuerAndSerialNumber     IssuerAndSerialNumber
	DigestAlgorithm           pkix.AlgorithmIdentifier
	SignedAttrs               asn1.RawValue `asn1:"optional,tag:0"`
	SignatureAlgorithm        pkix.AlgorithmIdentifier
	Signature                 []byte
	UnsignedAttrs             asn1.RawValue `asn1:"optional,tag:1"`
}

// SignedData is the CMS SignedData structure. Certificates holds the
// already-trimmed chain; exactly one SignerInfo is ever produced by this
// package (Authenticode never needs more).
type SignedData struct {
	Version          int
	DigestAlgorithms []pkix.AlgorithmIdentifier `asn1:"set"`
	EncapContentInfo EncapsulatedContentInfo
	Certificates     asn1.RawValue `asn1:"optional,tag:0"`
	SignerInfos      []SignerInfo  `asn1:"set"`
}

// AttributeValue is one signed or unsigned attribute to be encoded into a
// SignerInfo. Value is marshalled with encoding/asn1 unless it is already
// an asn1.RawValue carrying complete TLV bytes (used for embedding a
// countersignature token verbatim).
type AttributeValue struct {
	Type  asn1.ObjectIdentifier
	Value interface{}
}

type attribute struct {
	Type   asn1.ObjectIdentifier
	Values asn1.RawValue `asn1:"set"`
}

type sortableAttribute struct {
	sortKey []byte
	encoded []byte
}

type attributeSet []sortableAttribute

func (s attributeSet) Len() int      { return len(s) }
func (s attributeSet) Swap(i, j int) { s[i], s[j] = s[j], s[i] }
func (s attributeSet) Less(i, j int) bool {
	return bytes.Compare(s[i].sortKey, s[j].sortKey) < 0
}

func marshalAttributeValue(v interface{}) ([]byte, error) {
	if raw, ok := v.(asn1.RawValue); ok && raw.FullBytes != nil {
		return raw.FullBytes, nil
	}
	return asn1.Marshal(v)
}

// marshalAttributeSet produces the canonical DER SET OF Attribute content
// (attributes sorted ascending by their own encoded bytes, per X.690) and
// returns it in the two shapes CMS needs: a real SET (tag 0x31, for
// computing the signature over) and an implicit-tagged RawValue, with its
// FullBytes populated, ready to embed as a SignerInfo field.
func marshalAttributeSet(attrs []AttributeValue, implicitTag int) ([]byte, asn1.RawValue, error) {
	sortable := make(attributeSet, 0, len(attrs))
	for _, a := range attrs {
		valueBytes, err := marshalAttributeValue(a.Value)
		if err != nil {
			return nil, asn1.RawValue{}, err
		}
		attr := attribute{
			Type: a.Type,
			Values: asn1.RawValue{
				Class: asn1.ClassUniversal, Tag: asn1.TagSet, IsCompound: true, Bytes: valueBytes,
			},
		}
		encoded, err := asn1.Marshal(attr)
		if err != nil {
			return nil, asn1.RawValue{}, err
		}
		sortable = append(sortable, sortableAttribute{sortKey: encoded, encoded: encoded})
	}
	sort.Sort(sortable)

	var buf bytes.Buffer
	for _, s := range sortable {
		buf.Write(s.encoded)
	}
	content := buf.Bytes()

	forSigning, err := asn1.Marshal(asn1.RawValue{
		Class: asn1.ClassUniversal, Tag: asn1.TagSet, IsCompound: true, Bytes: content,
	})
	if err != nil {
		return nil, asn1.RawValue{}, err
	}

	forEmbedding := asn1.RawValue{
		Class: asn1.ClassContextSpecific, Tag: implicitTag, IsCompound: true, Bytes: content,
	}
	embedded, err := asn1.Marshal(forEmbedding)
	if err != nil {
		return nil, asn1.RawValue{}, err
	}
	forEmbedding.FullBytes = embedded
	return forSigning, forEmbedding, nil
}

// signatureAlgorithmOID resolves the SignerInfo.signatureAlgorithm OID from
// the signer's key type, following the convention Authenticode tooling
// uses in practice: plain rsaEncryption for RSA regardless of digest (the
// digest is named separately by DigestAlgorithm), and a digest-specific
// ecdsa-with-SHA OID for ECDSA.
func signatureAlgorithmOID(signer crypto.Signer, digest DigestAlgorithm) (asn1.ObjectIdentifier, error) {
	switch signer.Public().(type) {
	case *rsa.PublicKey:
		return oidEncryptionAlgorithmRSA, nil
	case *ecdsa.PublicKey:
		switch digest.Hash {
		case crypto.SHA1:
			return oidEncryptionAlgorithmECDSASHA1, nil
		case crypto.SHA256:
			return oidEncryptionAlgorithmECDSASHA256, nil
		}
		return nil, ErrUnsupportedKey
	default:
		return nil, ErrUnsupportedKey
	}
}

// TrimChain applies the Authenticode chain-embedding rule: the root
// (Subject == Issuer, checked structurally via the raw DER bytes) is
// dropped unless the chain has exactly one certificate. The leaf is
// expected at index 0.
func TrimChain(chain []*x509.Certificate) []*x509.Certificate {
	if len(chain) <= 1 {
		return chain
	}
	trimmed := make([]*x509.Certificate, 0, len(chain))
	for _, cert := range chain {
		if bytes.Equal(cert.RawSubject, cert.RawIssuer) {
			continue
		}
		trimmed = append(trimmed, cert)
	}
	return trimmed
}

func marshalCertificateSet(chain []*x509.Certificate) asn1.RawValue {
	var buf bytes.Buffer
	for _, cert := range chain {
		buf.Write(cert.Raw)
	}
	return asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: buf.Bytes()}
}

// Sign builds a complete SignedData: content is the DER of the inner
// content (e.g. an SpcIndirectDataContent), contentType its (non-id-data)
// type OID, signedAttrs the caller's Authenticode-specific authenticated
// attributes (the standard contentType/messageDigest attributes are added
// here). leaf is the signer's own certificate; chain (leaf first) is
// trimmed per TrimChain before embedding.
func Sign(content []byte, contentType asn1.ObjectIdentifier, digest DigestAlgorithm,
	signedAttrs []AttributeValue, signer crypto.Signer, leaf *x509.Certificate, chain []*x509.Certificate) (*SignedData, error) {

	h := digest.Hash.New()
	h.Write(content)
	contentDigest := h.Sum(nil)

	allAttrs := make([]AttributeValue, 0, len(signedAttrs)+2)
	allAttrs = append(allAttrs,
		AttributeValue{Type: OIDAttributeContentType, Value: contentType},
		AttributeValue{Type: OIDAttributeMessageDigest, Value: contentDigest},
	)
	allAttrs = append(allAttrs, signedAttrs...)

	forSigning, forEmbedding, err := marshalAttributeSet(allAttrs, 0)
	if err != nil {
		return nil, err
	}

	attrsHash := digest.Hash.New()
	attrsHash.Write(forSigning)
	attrsDigest := attrsHash.Sum(nil)

	sig, err := signer.Sign(rand.Reader, attrsDigest, digest.Hash)
	if err != nil {
		return nil, err
	}

	sigAlgOID, err := signatureAlgorithmOID(signer, digest)
	if err != nil {
		return nil, err
	}

	digestAlgID := pkix.AlgorithmIdentifier{Algorithm: digest.OID, Parameters: asn1.NullRawValue}

	signerInfo := SignerInfo{
		Version: 1,
		IssuerAndSerialNumber: IssuerAndSerialNumber{
			Issuer:       asn1.RawValue{FullBytes: leaf.RawIssuer},
			SerialNumber: leaf.SerialNumber,
		},
		DigestAlgorithm:    digestAlgID,
		SignedAttrs:        forEmbedding,
		SignatureAlgorithm: pkix.AlgorithmIdentifier{Algorithm: sigAlgOID, Parameters: asn1.NullRawValue},
		Signature:          sig,
	}

	octetContent, err := asn1.Marshal(content)
	if err != nil {
		return nil, err
	}

	return &SignedData{
		Version:          1,
		DigestAlgorithms: []pkix.AlgorithmIdentifier{digestAlgID},
		EncapContentInfo: EncapsulatedContentInfo{
			EContentType: contentType,
			EContent: asn1.RawValue{
				Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: octetContent,
			},
		},
		Certificates: marshalCertificateSet(TrimChain(chain)),
		SignerInfos:  []SignerInfo{signerInfo},
	}, nil
}

// AddUnsignedAttribute returns a copy of sd with value attached as an
// unsigned attribute (type attrType) of its sole SignerInfo. Used by a
// timestamper to embed a countersignature token without touching the
// already-computed signature.
func AddUnsignedAttribute(sd *SignedData, attrType asn1.ObjectIdentifier, value asn1.RawValue) (*SignedData, error) {
	if len(sd.SignerInfos) != 1 {
		return nil, errors.New("cms: expected exactly one SignerInfo")
	}

	_, forEmbedding, err := marshalAttributeSet([]AttributeValue{{Type: attrType, Value: value}}, 1)
	if err != nil {
		return nil, err
	}

	out := *sd
	info := sd.SignerInfos[0]
	info.UnsignedAttrs = forEmbedding
	out.SignerInfos = []SignerInfo{info}
	return &out, nil
}

// Marshal DER-encodes sd wrapped in its ContentInfo envelope, the form
// written into a WIN_CERTIFICATE's bCertificate field.
func Marshal(sd *SignedData) ([]byte, error) {
	sdBytes, err := asn1.Marshal(*sd)
	if err != nil {
		return nil, err
	}
	ci := ContentInfo{
		ContentType: OIDSignedData,
		Content: asn1.RawValue{
			Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: sdBytes,
		},
	}
	return asn1.Marshal(ci)
}
