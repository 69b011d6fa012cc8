package gadget_test

import (
	"testing"

	"github.com/usb-gadget/adbd/gadget"
)

func TestDescriptorsAreByteExactAndStable(t *testing.T) {
	a := gadget.Descriptors()
	b := gadget.Descriptors()
	if len(a) != len(b) {
		t.Fatalf("descriptor length not stable: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("descriptor blob not byte-identical across calls at offset %d", i)
		}
	}
}

func TestDescriptorLengthMatchesDeclaredTotal(t *testing.T) {
	blob := gadget.Descriptors()
	// length is the second u32 field, little-endian, at offset 4.
	declared := uint32(blob[4]) | uint32(blob[5])<<8 | uint32(blob[6])<<16 | uint32(blob[7])<<24
	if int(declared) != len(blob) {
		t.Errorf("declared length %d != actual blob length %d", declared, len(blob))
	}
	const wantTotal = 228
	if len(blob) != wantTotal {
		t.Errorf("descriptor blob is %d bytes, want %d", len(blob), wantTotal)
	}
}

func TestDescriptorHeaderFields(t *testing.T) {
	blob := gadget.Descriptors()
	magic := uint32(blob[0]) | uint32(blob[1])<<8 | uint32(blob[2])<<16 | uint32(blob[3])<<24
	if magic != 3 {
		t.Errorf("magic = %d, want 3 (FUNCTIONFS_DESCRIPTORS_MAGIC_V2)", magic)
	}
	flags := uint32(blob[8]) | uint32(blob[9])<<8 | uint32(blob[10])<<16 | uint32(blob[11])<<24
	if flags != 0xF {
		t.Errorf("flags = %#x, want 0xF (FS|HS|SS|MSOS)", flags)
	}
}

func TestStringsAreByteExactAndStable(t *testing.T) {
	a := gadget.Strings()
	b := gadget.Strings()
	if string(a) != string(b) {
		t.Fatal("string blob not byte-identical across calls")
	}
	const wantTotal = 32
	if len(a) != wantTotal {
		t.Errorf("string blob is %d bytes, want %d", len(a), wantTotal)
	}
	magic := uint32(a[0]) | uint32(a[1])<<8 | uint32(a[2])<<16 | uint32(a[3])<<24
	if magic != 2 {
		t.Errorf("magic = %d, want 2 (FUNCTIONFS_STRINGS_MAGIC)", magic)
	}
}
