package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/WebFirstLanguage/beenet/pkg/codec/cborcanon"
	"github.com/WebFirstLanguage/beenet/pkg/errs"
)

// maxFrameSize bounds a single frame's encoded size, guarding against a
// corrupt or hostile length prefix driving an unbounded allocation.
const maxFrameSize = 64 * 1024 * 1024

// WriteFrame writes a frame as a 4-byte big-endian length prefix followed
// by its canonical CBOR encoding, matching the peer protocol's binary
// framing.
func WriteFrame(w io.Writer, f *BaseFrame) error {
	data, err := f.Marshal()
	if err != nil {
		return fmt.Errorf("wire: marshal frame: %w", err)
	}
	return WriteBytes(w, data)
}

// WriteBytes writes an arbitrary length-prefixed payload, used both for
// plaintext frames and for Noise-encrypted frame ciphertext.
func WriteBytes(w io.Writer, payload []byte) error {
	if len(payload) > maxFrameSize {
		return errs.NewUnexpectedFrame(fmt.Sprintf("frame too large: %d bytes", len(payload)))
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := w.Write(prefix[:]); err != nil {
		return errs.NewIO("write frame length", err)
	}
	if _, err := w.Write(payload); err != nil {
		return errs.NewIO("write frame body", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed canonical-CBOR frame.
func ReadFrame(r io.Reader) (*BaseFrame, error) {
	data, err := ReadBytes(r)
	if err != nil {
		return nil, err
	}
	var f BaseFrame
	if err := f.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("wire: unmarshal frame: %w", err)
	}
	return &f, nil
}

// DecodeBody re-decodes a frame's generic Body (a map, as produced by
// unmarshaling into the BaseFrame.Body interface{} field) into a concrete
// tag-specific struct such as *PutBeginBody, selected by the caller based
// on the frame's Tag.
func DecodeBody(body interface{}, out interface{}) error {
	data, err := cborcanon.Marshal(body)
	if err != nil {
		return fmt.Errorf("wire: re-encode frame body: %w", err)
	}
	if err := cborcanon.Unmarshal(data, out); err != nil {
		return fmt.Errorf("wire: decode frame body: %w", err)
	}
	return nil
}

// ReadBytes reads one length-prefixed payload.
func ReadBytes(r io.Reader) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, errs.NewIO("read frame length", err)
	}
	length := binary.BigEndian.Uint32(prefix[:])
	if length > maxFrameSize {
		return nil, errs.NewUnexpectedFrame(fmt.Sprintf("frame too large: %d bytes", length))
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, errs.NewIO("read frame body", err)
	}
	return payload, nil
}
