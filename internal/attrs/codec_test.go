package attrs

import "testing"

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	for _, width := range []int{1, 2, 4, 8} {
		var v uint64
		switch width {
		case 1:
			v = 0xab
		case 2:
			v = 0xabcd
		case 4:
			v = 0xabcdef01
		case 8:
			v = 0xabcdef0123456789
		}
		buf := SerializeUint(v, width)
		if len(buf) != width {
			t.Fatalf("width %d: got buffer length %d", width, len(buf))
		}
		got, err := DeserializeUint(buf)
		if err != nil {
			t.Fatalf("width %d: %v", width, err)
		}
		if got != v {
			t.Fatalf("width %d: got %x, want %x", width, got, v)
		}
	}
}

func TestSerializeUintPanicsOnOverflow(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for out-of-range value")
		}
	}()
	SerializeUint(0x100, 1)
}

func TestTrueIsEncodedOne(t *testing.T) {
	v, err := DeserializeUint(True)
	if err != nil {
		t.Fatal(err)
	}
	if v != 1 {
		t.Fatalf("got %d, want 1", v)
	}
}
