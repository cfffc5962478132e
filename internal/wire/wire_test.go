package wire

import (
	"bytes"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

func TestParseSkipsUnknownTypes(t *testing.T) {
	var b []byte
	b = AppendVarint(b, 1, 300)
	b = protowire.AppendTag(b, 2, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, 7)
	b = AppendString(b, 3, "hello")
	b = AppendMessage(b, 4, nil)

	fields, err := Parse(b)
	if err != nil {
		t.Fatal(err)
	}
	if len(fields) != 3 {
		t.Fatalf("got %d fields, want 3", len(fields))
	}
	if fields[0].Num != 1 || fields[0].Varint != 300 {
		t.Errorf("field 0 = %+v", fields[0])
	}
	if fields[1].Num != 3 || !bytes.Equal(fields[1].Bytes, []byte("hello")) {
		t.Errorf("field 1 = %+v", fields[1])
	}
	if fields[2].Num != 4 || len(fields[2].Bytes) != 0 {
		t.Errorf("field 2 = %+v", fields[2])
	}
}

func TestParseTruncated(t *testing.T) {
	b := AppendBytes(nil, 1, []byte("0123456789"))
	if _, err := Parse(b[:len(b)-3]); err == nil {
		t.Error("expected error for truncated input")
	}
}

func TestZeroValuesOmitted(t *testing.T) {
	var b []byte
	b = AppendVarint(b, 1, 0)
	b = AppendBool(b, 2, false)
	b = AppendBytes(b, 3, nil)
	b = AppendString(b, 4, "")
	if len(b) != 0 {
		t.Errorf("expected empty encoding, got %x", b)
	}
}
