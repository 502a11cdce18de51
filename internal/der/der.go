// Package der implements just enough DER decoding to pull an RSA modulus out
// of a DER RSAPublicKey (the key carried inside a SubjectPublicKeyInfo's bit
// string) and to split an ECDSA signature into its r and s components. It intentionally does not handle anything else ASN.1 defines.
package der

import "errors"

// ErrMalformed is returned for any truncation, wrong tag, bad length
// encoding, or trailing data. Callers that only care whether a certificate
// is usable should treat it as "skip this one".
var ErrMalformed = errors.New("der: malformed input")

const (
	tagInteger     = 0x02
	tagSequence    = 0x10
	tagConstructed = 0x20
)

// reader is a cursor over a DER byte string.
type reader struct {
	b []byte
}

func (r *reader) atEnd() bool {
	return len(r.b) == 0
}

// read consumes one TLV with the given tag and returns its contents.
func (r *reader) read(tag byte) ([]byte, error) {
	if len(r.b) < 2 {
		return nil, ErrMalformed
	}
	if r.b[0] != tag {
		return nil, ErrMalformed
	}
	length, headerLen, err := readLength(r.b[1:])
	if err != nil {
		return nil, err
	}
	start := 1 + headerLen
	if len(r.b) < start+length {
		return nil, ErrMalformed
	}
	contents := r.b[start : start+length]
	r.b = r.b[start+length:]
	return contents, nil
}

// readLength decodes a DER length from the start of b, returning the decoded
// length and the number of bytes the length encoding itself occupied.
func readLength(b []byte) (length int, headerLen int, err error) {
	if len(b) < 1 {
		return 0, 0, ErrMalformed
	}
	first := b[0]
	switch {
	case first < 0x80:
		return int(first), 1, nil
	case first == 0x81:
		if len(b) < 2 {
			return 0, 0, ErrMalformed
		}
		if b[1] < 0x80 {
			return 0, 0, ErrMalformed // non-minimal encoding
		}
		return int(b[1]), 2, nil
	case first == 0x82:
		if len(b) < 3 {
			return 0, 0, ErrMalformed
		}
		length = int(b[1])<<8 | int(b[2])
		if length < 256 {
			return 0, 0, ErrMalformed // non-minimal encoding
		}
		return length, 3, nil
	default:
		return 0, 0, ErrMalformed
	}
}

// sequence is a reader scoped to the contents of a single SEQUENCE.
type sequence struct {
	r reader
}

func readSequence(input []byte) (*sequence, error) {
	var r reader
	r.b = input
	contents, err := r.read(tagSequence | tagConstructed)
	if err != nil {
		return nil, err
	}
	if !r.atEnd() {
		return nil, ErrMalformed
	}
	return &sequence{r: reader{b: contents}}, nil
}

func (s *sequence) readUnsignedInteger() ([]byte, error) {
	bytes, err := s.r.read(tagInteger)
	if err != nil {
		return nil, err
	}
	if len(bytes) == 0 {
		return nil, ErrMalformed
	}
	if bytes[0] == 0 && len(bytes) > 1 {
		return bytes[1:], nil
	}
	return bytes, nil
}

func (s *sequence) atEnd() bool {
	return s.r.atEnd()
}

// ReadRSAModulus parses a DER-encoded RSAPublicKey:
//
//	RSAPublicKey ::= SEQUENCE {
//	    modulus           INTEGER,
//	    publicExponent    INTEGER }
//
// and returns the modulus with any leading sign byte stripped. It fails if
// anything follows the two integers.
func ReadRSAModulus(publicKey []byte) ([]byte, error) {
	seq, err := readSequence(publicKey)
	if err != nil {
		return nil, err
	}
	modulus, err := seq.readUnsignedInteger()
	if err != nil {
		return nil, err
	}
	if _, err := seq.readUnsignedInteger(); err != nil { // publicExponent
		return nil, err
	}
	if !seq.atEnd() {
		return nil, ErrMalformed
	}
	out := make([]byte, len(modulus))
	copy(out, modulus)
	return out, nil
}

// ReadECSigPoint parses a DER-encoded ECDSA signature:
//
//	Ecdsa-Sig-Value ::= SEQUENCE { r INTEGER, s INTEGER }
//
// and returns r and s with any leading sign byte stripped.
func ReadECSigPoint(signature []byte) (r, s []byte, err error) {
	seq, err := readSequence(signature)
	if err != nil {
		return nil, nil, err
	}
	rBytes, err := seq.readUnsignedInteger()
	if err != nil {
		return nil, nil, err
	}
	sBytes, err := seq.readUnsignedInteger()
	if err != nil {
		return nil, nil, err
	}
	if !seq.atEnd() {
		return nil, nil, ErrMalformed
	}
	r = make([]byte, len(rBytes))
	copy(r, rBytes)
	s = make([]byte, len(sBytes))
	copy(s, sBytes)
	return r, s, nil
}
