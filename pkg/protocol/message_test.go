package protocol

import (
	"bytes"
	"errors"
	"testing"
)

var testDict = MustDictionary(map[string]int{
	"load offset=%u data=%*s": 1,
	"fire length=%u":          2,
	"nak code=%i":             3,
	"ping":                    4,
})

func TestEncodeDecode(t *testing.T) {
	load, err := testDict.Encode("load", 300, []byte{1, 2, 3})
	if err != nil {
		t.Fatal(err)
	}
	fire, _ := testDict.Encode("fire", uint32(396))
	nak, _ := testDict.Encode("nak", int32(-5))
	ping, _ := testDict.Encode("ping")

	payload := bytes.Join([][]byte{load, fire, nak, ping}, nil)
	msgs, err := testDict.Decode(payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got: %v", msgs)
	}
	if msgs[0].Name != "load" || msgs[0].Int("offset") != 300 || !bytes.Equal(msgs[0].Bytes("data"), []byte{1, 2, 3}) {
		t.Errorf("unexpected load: %v", msgs[0])
	}
	if msgs[1].Int("length") != 396 || msgs[2].Int("code") != -5 || msgs[3].Name != "ping" {
		t.Errorf("unexpected messages: %v", msgs)
	}
	if s := msgs[0].String(); s != "load data=010203 offset=300" {
		t.Errorf("String = %q", s)
	}
}

func TestEncodeErrors(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		args []any
	}{
		{"unknown", "halt", nil},
		{"arity", "fire", nil},
		{"buffer type", "load", []any{1, "abc"}},
		{"int type", "fire", []any{1.5}},
		{"buffer length", "load", []any{0, make([]byte, 256)}},
	}
	for _, tt := range tests {
		if _, err := testDict.Encode(tt.msg, tt.args...); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
}

func TestDecodeErrors(t *testing.T) {
	if _, err := testDict.Decode([]byte{0x20}); err == nil {
		t.Error("expected unknown id error")
	}
	if _, err := testDict.Decode([]byte{0x01, 0x05, 0x04, 0xff}); !errors.Is(err, ErrTruncated) {
		t.Errorf("expected ErrTruncated, got: %v", err)
	}
}

func TestNewDictionaryErrors(t *testing.T) {
	tests := []map[string]int{
		{"a x=%u": 1, "b": 1},
		{"a x=%f": 1},
		{"a x": 1},
	}
	for _, formats := range tests {
		if _, err := NewDictionary(formats); err == nil {
			t.Errorf("expected error for %v", formats)
		}
	}
}
