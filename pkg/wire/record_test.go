package wire

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

type testMeta struct {
	Name string `json:"name"`
	Size uint64 `json:"size"`
}

func (m testMeta) PayloadSize() uint64 { return m.Size }

func TestRecordRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	want := testMeta{Name: "a", Size: 3}
	if err := WriteRecord(&buf, want, []byte("abc")); err != nil {
		t.Fatalf("WriteRecord: %v", err)
	}

	got, payload, err := ReadRecord[testMeta](&buf)
	if err != nil {
		t.Fatalf("ReadRecord: %v", err)
	}
	if got != want {
		t.Fatalf("metadata = %+v, want %+v", got, want)
	}
	if string(payload) != "abc" {
		t.Fatalf("payload = %q, want %q", payload, "abc")
	}
}

func TestRecordRoundTrip_MultipleRecords(t *testing.T) {
	var buf bytes.Buffer
	records := []struct {
		meta    testMeta
		payload string
	}{
		{testMeta{Name: "a", Size: 3}, "abc"},
		{testMeta{Name: "b", Size: 1}, "x"},
		{testMeta{Name: "c", Size: 5}, "hello"},
	}
	for _, rec := range records {
		if err := WriteRecord(&buf, rec.meta, []byte(rec.payload)); err != nil {
			t.Fatalf("WriteRecord(%v): %v", rec.meta, err)
		}
	}

	for _, want := range records {
		meta, payload, err := ReadRecord[testMeta](&buf)
		if err != nil {
			t.Fatalf("ReadRecord: %v", err)
		}
		if meta != want.meta || string(payload) != want.payload {
			t.Fatalf("got (%+v, %q), want (%+v, %q)", meta, payload, want.meta, want.payload)
		}
	}

	if _, _, err := ReadRecord[testMeta](&buf); !errors.Is(err, io.EOF) {
		t.Fatalf("expected clean io.EOF after last record, got %v", err)
	}
}

func TestWriteRecord_RejectsSizeMismatch(t *testing.T) {
	var buf bytes.Buffer
	err := WriteRecord(&buf, testMeta{Name: "bad", Size: 4}, []byte("xyz"))
	if !errors.Is(err, ErrSizeMismatch) {
		t.Fatalf("expected ErrSizeMismatch, got %v", err)
	}
	if buf.Len() != 0 {
		t.Fatal("expected nothing written to the stream on rejection")
	}
}

func TestReadRecord_EOFMidRecordIsFramingError(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteRecord(&buf, testMeta{Name: "a", Size: 3}, []byte("abc")); err != nil {
		t.Fatal(err)
	}
	truncated := buf.Bytes()[:len(buf.Bytes())-2]

	_, _, err := ReadRecord[testMeta](bytes.NewReader(truncated))
	if !errors.Is(err, ErrFraming) {
		t.Fatalf("expected ErrFraming for truncated record, got %v", err)
	}
}

func TestReadRecord_CleanEOFBetweenRecords(t *testing.T) {
	_, _, err := ReadRecord[testMeta](bytes.NewReader(nil))
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF on empty stream, got %v", err)
	}
}

func TestAckRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	want := testMeta{Name: "a", Size: 3}
	if err := WriteAck(&buf, want); err != nil {
		t.Fatalf("WriteAck: %v", err)
	}
	got, err := ReadAck[testMeta](&buf)
	if err != nil {
		t.Fatalf("ReadAck: %v", err)
	}
	if got != want {
		t.Fatalf("ack metadata = %+v, want %+v", got, want)
	}
	if buf.Len() != 0 {
		t.Fatal("ack frame must not carry a payload")
	}
}

func TestAckRoundTrip_OrderPreserved(t *testing.T) {
	var buf bytes.Buffer
	metas := []testMeta{{Name: "a", Size: 3}, {Name: "b", Size: 1}, {Name: "c", Size: 5}}
	for _, m := range metas {
		if err := WriteAck(&buf, m); err != nil {
			t.Fatal(err)
		}
	}
	for _, want := range metas {
		got, err := ReadAck[testMeta](&buf)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Fatalf("got %+v, want %+v", got, want)
		}
	}
}

func TestReadRecord_OversizedLengthPrefixRejected(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x7f, 0xff, 0xff, 0xff}) // ~2GB declared metadata length
	_, _, err := ReadRecord[testMeta](&buf)
	if !errors.Is(err, ErrFraming) {
		t.Fatalf("expected ErrFraming for oversized length prefix, got %v", err)
	}
}
