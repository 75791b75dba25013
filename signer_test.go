// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package authenticode

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"os"
	"testing"
	"time"
)

// issueChain builds a root CA, an (optional) intermediate, and a leaf, all
// RSA-2048, mirroring the certificate shapes an Authenticode signer
// actually receives from a CA.
func issueChain(t *testing.T, withIntermediate bool) ([]*x509.Certificate, *rsa.PrivateKey) {
	t.Helper()

	rootKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate root key: %v", err)
	}
	rootTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test Root CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	rootDER, err := x509.CreateCertificate(rand.Reader, rootTmpl, rootTmpl, rootKey.Public(), rootKey)
	if err != nil {
		t.Fatalf("create root cert: %v", err)
	}
	root, err := x509.ParseCertificate(rootDER)
	if err != nil {
		t.Fatalf("parse root cert: %v", err)
	}

	signerCert := root
	signerKey := rootKey
	chain := []*x509.Certificate{}

	if withIntermediate {
		interKey, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			t.Fatalf("generate intermediate key: %v", err)
		}
		interTmpl := &x509.Certificate{
			SerialNumber:          big.NewInt(2),
			Subject:               pkix.Name{CommonName: "Test Intermediate CA"},
			NotBefore:             time.Now().Add(-time.Hour),
			NotAfter:              time.Now().Add(24 * time.Hour),
			IsCA:                  true,
			BasicConstraintsValid: true,
			KeyUsage:              x509.KeyUsageCertSign,
		}
		interDER, err := x509.CreateCertificate(rand.Reader, interTmpl, root, interKey.Public(), rootKey)
		if err != nil {
			t.Fatalf("create intermediate cert: %v", err)
		}
		inter, err := x509.ParseCertificate(interDER)
		if err != nil {
			t.Fatalf("parse intermediate cert: %v", err)
		}
		signerCert = inter
		signerKey = interKey
		chain = append(chain, inter)
	}

	leafKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate leaf key: %v", err)
	}
	// A random leaf serial, so two chains issued in one test are told apart
	// by the serial number Parse reports.
	leafSerial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		t.Fatalf("generate leaf serial: %v", err)
	}
	leafTmpl := &x509.Certificate{
		SerialNumber: leafSerial,
		Subject:      pkix.Name{CommonName: "Test Code Signing"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageCodeSigning},
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTmpl, signerCert, leafKey.Public(), signerKey)
	if err != nil {
		t.Fatalf("create leaf cert: %v", err)
	}
	leaf, err := x509.ParseCertificate(leafDER)
	if err != nil {
		t.Fatalf("parse leaf cert: %v", err)
	}

	full := append([]*x509.Certificate{leaf}, chain...)
	full = append(full, root)
	return full, leafKey
}

func TestSignBasicNoTimestamp(t *testing.T) {
	path := writeSyntheticPE(t)
	chain, key := issueChain(t, false)

	before, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat before sign: %v", err)
	}

	signer, err := NewSigner(chain, key, WithTimestamping(false))
	if err != nil {
		t.Fatalf("NewSigner() failed: %v", err)
	}
	if err := signer.Sign(context.Background(), path); err != nil {
		t.Fatalf("Sign() failed: %v", err)
	}

	after, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat after sign: %v", err)
	}
	if after.Size() <= before.Size() {
		t.Fatalf("file did not grow after signing: %d -> %d", before.Size(), after.Size())
	}
	if after.Size()%8 != 0 {
		t.Errorf("final file size %d is not a multiple of 8", after.Size())
	}

	signed, err := New(path, nil)
	if err != nil {
		t.Fatalf("reopen signed file: %v", err)
	}
	defer signed.Close()
	if err := signed.Parse(); err != nil {
		t.Fatalf("Parse() on signed file failed: %v", err)
	}
	if !signed.HasCertificate {
		t.Fatal("HasCertificate = false after Sign()")
	}

	inspection, err := signed.Inspect()
	if err != nil {
		t.Fatalf("Inspect() failed: %v", err)
	}
	if !inspection.DigestMatches {
		t.Error("Inspect().DigestMatches = false after a fresh sign")
	}
	if inspection.Subject == "" {
		t.Error("Inspect().Subject is empty")
	}

	certTableSize := uint64(signed.Certificates.Header.Length)
	if certTableSize%8 != 0 {
		t.Errorf("Certificate Table entry length %d is not 8-byte aligned", certTableSize)
	}
}

// TestSignUnalignedLengthDigestMatches guards against signing over one
// digest and verifying against another. buildSyntheticPE32Plus alone is
// exactly 392 bytes, a multiple of 8, which never exercises the alignment
// path: a digest taken before padding would still match one taken after
// since there'd be nothing to pad. writeSyntheticPEUnaligned's length is
// deliberately not a multiple of 8.
func TestSignUnalignedLengthDigestMatches(t *testing.T) {
	path := writeSyntheticPEUnaligned(t)
	chain, key := issueChain(t, false)

	signer, err := NewSigner(chain, key, WithTimestamping(false))
	if err != nil {
		t.Fatalf("NewSigner() failed: %v", err)
	}
	if err := signer.Sign(context.Background(), path); err != nil {
		t.Fatalf("Sign() failed: %v", err)
	}

	signed, err := New(path, nil)
	if err != nil {
		t.Fatalf("reopen signed file: %v", err)
	}
	defer signed.Close()
	if err := signed.Parse(); err != nil {
		t.Fatalf("Parse() on signed file failed: %v", err)
	}
	if !signed.HasCertificate {
		t.Fatal("HasCertificate = false after Sign()")
	}

	inspection, err := signed.Inspect()
	if err != nil {
		t.Fatalf("Inspect() failed: %v", err)
	}
	if !inspection.DigestMatches {
		t.Error("Inspect().DigestMatches = false for a file whose original length was not 8-byte aligned")
	}
}

func TestSignChainTrimmingDropsRoot(t *testing.T) {
	path := writeSyntheticPE(t)
	chain, key := issueChain(t, true)
	if len(chain) != 3 {
		t.Fatalf("issueChain(withIntermediate=true) produced %d certs, want 3", len(chain))
	}

	signer, err := NewSigner(chain, key, WithTimestamping(false))
	if err != nil {
		t.Fatalf("NewSigner() failed: %v", err)
	}
	if err := signer.Sign(context.Background(), path); err != nil {
		t.Fatalf("Sign() failed: %v", err)
	}

	signed, err := New(path, nil)
	if err != nil {
		t.Fatalf("reopen signed file: %v", err)
	}
	defer signed.Close()
	if err := signed.Parse(); err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	if got := len(signed.Certificates.Content.Certificates); got != 2 {
		t.Errorf("embedded certificate count = %d, want 2 (leaf + intermediate, root trimmed)", got)
	}
}

func TestSignSelfSignedSoleCertificateIsKept(t *testing.T) {
	path := writeSyntheticPE(t)

	selfKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate self-signed key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(99),
		Subject:      pkix.Name{CommonName: "Self Signed Signer"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, selfKey.Public(), selfKey)
	if err != nil {
		t.Fatalf("create self-signed cert: %v", err)
	}
	selfCert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse self-signed cert: %v", err)
	}
	selfSigned := []*x509.Certificate{selfCert}

	signer, err := NewSigner(selfSigned, selfKey, WithTimestamping(false))
	if err != nil {
		t.Fatalf("NewSigner() failed: %v", err)
	}
	if err := signer.Sign(context.Background(), path); err != nil {
		t.Fatalf("Sign() failed: %v", err)
	}

	signed, err := New(path, nil)
	if err != nil {
		t.Fatalf("reopen signed file: %v", err)
	}
	defer signed.Close()
	if err := signed.Parse(); err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	if got := len(signed.Certificates.Content.Certificates); got != 1 {
		t.Errorf("embedded certificate count = %d, want 1 (a lone self-signed cert is never trimmed)", got)
	}
}

func TestSignProgramInfoNameOnly(t *testing.T) {
	path := writeSyntheticPE(t)
	chain, key := issueChain(t, false)

	signer, err := NewSigner(chain, key, WithTimestamping(false), WithProgramInfo("My App", ""))
	if err != nil {
		t.Fatalf("NewSigner() failed: %v", err)
	}
	if err := signer.Sign(context.Background(), path); err != nil {
		t.Fatalf("Sign() failed: %v", err)
	}

	signed, err := New(path, nil)
	if err != nil {
		t.Fatalf("reopen signed file: %v", err)
	}
	defer signed.Close()
	if err := signed.Parse(); err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	if !signed.HasCertificate {
		t.Fatal("HasCertificate = false after Sign() with ProgramInfo")
	}
}

func TestSignTwiceReplacesPriorTable(t *testing.T) {
	path := writeSyntheticPE(t)
	chainA, keyA := issueChain(t, false)
	chainB, keyB := issueChain(t, false)

	signerA, err := NewSigner(chainA, keyA, WithTimestamping(false))
	if err != nil {
		t.Fatalf("NewSigner(A) failed: %v", err)
	}
	if err := signerA.Sign(context.Background(), path); err != nil {
		t.Fatalf("Sign(A) failed: %v", err)
	}

	first, err := New(path, nil)
	if err != nil {
		t.Fatalf("reopen after first sign: %v", err)
	}
	if err := first.Parse(); err != nil {
		t.Fatalf("Parse() after first sign failed: %v", err)
	}
	firstSerial := first.Certificates.Info.SerialNumber
	first.Close()

	signerB, err := NewSigner(chainB, keyB, WithTimestamping(false))
	if err != nil {
		t.Fatalf("NewSigner(B) failed: %v", err)
	}
	if err := signerB.Sign(context.Background(), path); err != nil {
		t.Fatalf("Sign(B) failed: %v", err)
	}

	second, err := New(path, nil)
	if err != nil {
		t.Fatalf("reopen after second sign: %v", err)
	}
	defer second.Close()
	if err := second.Parse(); err != nil {
		t.Fatalf("Parse() after second sign failed: %v", err)
	}
	if !second.HasCertificate {
		t.Fatal("HasCertificate = false after re-signing")
	}
	if second.Certificates.Info.SerialNumber == firstSerial {
		t.Error("re-signing did not replace the embedded certificate; serial number unchanged")
	}
}

func TestNewSignerRejectsMismatchedKey(t *testing.T) {
	chain, _ := issueChain(t, false)
	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate other key: %v", err)
	}

	if _, err := NewSigner(chain, otherKey); err == nil {
		t.Fatal("NewSigner() succeeded with a private key that does not match the leaf certificate")
	}
}

func TestNewSignerRejectsEmptyChain(t *testing.T) {
	_, key := issueChain(t, false)
	if _, err := NewSigner(nil, key); err == nil {
		t.Fatal("NewSigner() succeeded with an empty certificate chain")
	}
}
