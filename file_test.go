// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package authenticode

import (
	"os"
	"testing"
)

func TestNewRejectsMissingFile(t *testing.T) {
	if _, err := New("/nonexistent/path/to/a/binary.exe", nil); err == nil {
		t.Fatal("New() succeeded opening a nonexistent file")
	}
}

func TestParseRejectsTooSmallImage(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "tiny-*.exe")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.Write(make([]byte, 10)); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f.Close()

	file, err := New(f.Name(), nil)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer file.Close()

	if err := file.Parse(); err != ErrInvalidPESize {
		t.Fatalf("Parse() error = %v, want ErrInvalidPESize", err)
	}
}

func TestNewBytesHasNoBackingPath(t *testing.T) {
	data := buildSyntheticPE32Plus(t)
	file, err := NewBytes(data, nil)
	if err != nil {
		t.Fatalf("NewBytes() failed: %v", err)
	}
	defer file.Close()

	if err := file.Parse(); err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}

	blob := fakeWinCertificate([]byte("irrelevant"))
	if err := file.WriteDataDirectory(ImageDirectoryEntryCertificate, blob); err != ErrOutsideBoundary {
		t.Fatalf("WriteDataDirectory() on a pathless File error = %v, want ErrOutsideBoundary", err)
	}
}

func TestWriteDataDirectoryRejectsWrongEntry(t *testing.T) {
	path := writeSyntheticPE(t)
	file, err := New(path, nil)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer file.Close()
	if err := file.Parse(); err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}

	if err := file.WriteDataDirectory(ImageDirectoryEntryBaseReloc, []byte{1, 2, 3}); err != ErrOutsideBoundary {
		t.Fatalf("WriteDataDirectory(non-certificate entry) error = %v, want ErrOutsideBoundary", err)
	}
}

func TestParseUnsignedImageHasNoCertificate(t *testing.T) {
	path := writeSyntheticPE(t)
	file, err := New(path, nil)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer file.Close()
	if err := file.Parse(); err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}

	if file.HasCertificate {
		t.Error("HasCertificate = true for a freshly-built unsigned image")
	}
	if file.IsSigned {
		t.Error("IsSigned = true for a freshly-built unsigned image")
	}

	if _, err := file.Inspect(); err != ErrSecurityDataDirInvalid {
		t.Errorf("Inspect() error = %v, want ErrSecurityDataDirInvalid", err)
	}
}
