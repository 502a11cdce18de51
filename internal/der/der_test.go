package der

import (
	"bytes"
	"testing"
)

func TestReadRSAModulus_Empty(t *testing.T) {
	if _, err := ReadRSAModulus(nil); err == nil {
		t.Fatal("expected error on empty input")
	}
}

func TestReadRSAModulus_EmptySequence(t *testing.T) {
	input := []byte{tagSequence | tagConstructed, 0}
	if _, err := ReadRSAModulus(input); err == nil {
		t.Fatal("expected error, sequence has no integers")
	}
}

func TestReadRSAModulus_TrailingBytes(t *testing.T) {
	// SEQUENCE { INTEGER 1, INTEGER 1 } followed by a stray byte.
	seq := []byte{tagSequence | tagConstructed, 6, tagInteger, 1, 1, tagInteger, 1, 1}
	input := append(seq, 0xff)
	if _, err := ReadRSAModulus(input); err == nil {
		t.Fatal("expected error on trailing bytes")
	}
}

func TestReadRSAModulus_StripsLeadingSignByte(t *testing.T) {
	modulus := append([]byte{0x00, 0x80}, bytes.Repeat([]byte{0xab}, 3)...)
	exponent := []byte{0x03}
	content := encodeInteger(modulus)
	content = append(content, encodeInteger(exponent)...)
	input := encodeSequence(content)

	got, err := ReadRSAModulus(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := modulus[1:]
	if !bytes.Equal(got, want) {
		t.Fatalf("got %x, want %x", got, want)
	}
}

func TestReadRSAModulus_NonMinimalOneByteLength(t *testing.T) {
	// length 0x81 0x01 encodes a length (1) that should have been short-form.
	input := []byte{tagSequence | tagConstructed, 0x81, 0x01, 0x00}
	if _, err := ReadRSAModulus(input); err == nil {
		t.Fatal("expected error on non-minimal 0x81 length")
	}
}

func TestReadRSAModulus_NonMinimalTwoByteLength(t *testing.T) {
	input := []byte{tagSequence | tagConstructed, 0x82, 0x00, 0x01, 0x00}
	if _, err := ReadRSAModulus(input); err == nil {
		t.Fatal("expected error on non-minimal 0x82 length")
	}
}

func TestReadRSAModulus_TruncatedLength(t *testing.T) {
	if _, err := ReadRSAModulus([]byte{tagSequence | tagConstructed, 0x81}); err == nil {
		t.Fatal("expected error on truncated one-byte length")
	}
	if _, err := ReadRSAModulus([]byte{tagSequence | tagConstructed, 0x82, 0x01}); err == nil {
		t.Fatal("expected error on truncated two-byte length")
	}
}

func TestReadRSAModulus_TruncatedContent(t *testing.T) {
	if _, err := ReadRSAModulus([]byte{tagSequence | tagConstructed, 20, 1}); err == nil {
		t.Fatal("expected error on truncated content")
	}
}

func TestReadRSAModulus_MissingSecondInteger(t *testing.T) {
	input := encodeSequence(encodeInteger([]byte{0x01}))
	if _, err := ReadRSAModulus(input); err == nil {
		t.Fatal("expected error, only one INTEGER present")
	}
}

func TestReadECSigPoint(t *testing.T) {
	r := []byte{0x01, 0x02, 0x03}
	s := append([]byte{0x00}, bytes.Repeat([]byte{0xff}, 4)...)
	content := append(encodeInteger(r), encodeInteger(s)...)
	input := encodeSequence(content)

	gotR, gotS, err := ReadECSigPoint(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(gotR, r) {
		t.Fatalf("r: got %x, want %x", gotR, r)
	}
	if !bytes.Equal(gotS, s[1:]) {
		t.Fatalf("s: got %x, want %x", gotS, s[1:])
	}
}

// encodeInteger and encodeSequence are minimal DER encoders (short-form
// lengths, plus the 0x81 form for longer sequences) used only to build test
// fixtures; they deliberately don't share code with the reader under test.

func encodeInteger(v []byte) []byte {
	return append([]byte{tagInteger, byte(len(v))}, v...)
}

func encodeSequence(content []byte) []byte {
	if len(content) < 0x80 {
		return append([]byte{tagSequence | tagConstructed, byte(len(content))}, content...)
	}
	return append([]byte{tagSequence | tagConstructed, 0x81, byte(len(content))}, content...)
}
