// Package wire implements the length-prefixed record framing used on every
// datastore stream: a 4-byte big-endian length, the serialized metadata, and
// (for full records) the payload whose size the metadata itself carries.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrFraming is the sentinel wrapped by every framing-layer failure: a
// truncated length prefix, a metadata blob that won't decode, or a payload
// that ends before the declared size is reached.
var ErrFraming = errors.New("wire: framing error")

// ErrSizeMismatch is returned by WriteRecord when a payload's length does
// not match the size the metadata declares, before anything reaches the
// stream. The read side takes the size from the metadata alone, so a payload
// that ends early is reported as ErrFraming instead.
var ErrSizeMismatch = errors.New("wire: payload size mismatch")

// maxMetadataSize bounds the length prefix so a corrupt or hostile peer
// can't make a reader allocate an unbounded buffer.
const maxMetadataSize = 16 << 20 // 16 MiB

// Sized is implemented by any metadata type carried in a record. PayloadSize
// is the single source of truth for how many payload bytes follow the
// metadata on the wire; framing code never trusts a separate length field.
type Sized interface {
	PayloadSize() uint64
}

// WriteRecord writes a full (metadata, payload) record: a 4-byte length of
// the JSON-encoded metadata, the metadata bytes, then the payload. It
// refuses to write anything if payload's length disagrees with
// meta.PayloadSize().
func WriteRecord[M Sized](w io.Writer, meta M, payload []byte) error {
	if uint64(len(payload)) != meta.PayloadSize() {
		return fmt.Errorf("%w: metadata declares %d bytes, payload has %d", ErrSizeMismatch, meta.PayloadSize(), len(payload))
	}
	if err := writeMetadata(w, meta); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("%w: writing payload: %v", ErrFraming, err)
	}
	return nil
}

// WriteAck writes an ack-only frame: the length prefix and metadata, with no
// payload. Used on the acknowledgement direction of a produce session.
func WriteAck[M Sized](w io.Writer, meta M) error {
	return writeMetadata(w, meta)
}

func writeMetadata[M any](w io.Writer, meta M) error {
	body, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("%w: encoding metadata: %v", ErrFraming, err)
	}
	if len(body) > maxMetadataSize {
		return fmt.Errorf("%w: metadata of %d bytes exceeds limit", ErrFraming, len(body))
	}
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(body)))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("%w: writing length prefix: %v", ErrFraming, err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("%w: writing metadata: %v", ErrFraming, err)
	}
	return nil
}

// ReadRecord decodes one full (metadata, payload) record. A clean EOF before
// any byte of the next record is read is returned as io.EOF, signalling the
// end of the session; an EOF partway through a record is wrapped in
// ErrFraming.
func ReadRecord[M Sized](r io.Reader) (meta M, payload []byte, err error) {
	meta, err = readMetadata[M](r)
	if err != nil {
		return meta, nil, err
	}
	size := meta.PayloadSize()
	if size == 0 {
		return meta, nil, nil
	}
	payload = make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return meta, nil, fmt.Errorf("%w: reading payload: %v", ErrFraming, err)
	}
	return meta, payload, nil
}

// ReadAck decodes one ack-only frame: length prefix and metadata, no
// payload. Same EOF semantics as ReadRecord.
func ReadAck[M Sized](r io.Reader) (meta M, err error) {
	return readMetadata[M](r)
}

func readMetadata[M any](r io.Reader) (meta M, err error) {
	var lenPrefix [4]byte
	n, err := io.ReadFull(r, lenPrefix[:])
	if err != nil {
		if errors.Is(err, io.EOF) && n == 0 {
			return meta, io.EOF
		}
		return meta, fmt.Errorf("%w: reading length prefix: %v", ErrFraming, err)
	}
	length := binary.BigEndian.Uint32(lenPrefix[:])
	if length > maxMetadataSize {
		return meta, fmt.Errorf("%w: declared metadata length %d exceeds limit", ErrFraming, length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return meta, fmt.Errorf("%w: reading metadata: %v", ErrFraming, err)
	}
	if err := json.Unmarshal(body, &meta); err != nil {
		return meta, fmt.Errorf("%w: decoding metadata: %v", ErrFraming, err)
	}
	return meta, nil
}
