// Package wire implements the peer protocol's base framing: every message
// shares a canonical-CBOR envelope individually signed with the sender's
// Ed25519 peer-id key, carrying one of the PUT/GET/DELETE/PING frame
// bodies over an authenticated peer session.
package wire

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/WebFirstLanguage/beenet/pkg/codec/cborcanon"
	"github.com/WebFirstLanguage/beenet/pkg/constants"
	"github.com/WebFirstLanguage/beenet/pkg/errs"
)

// BaseFrame is the common envelope for every peer protocol message.
type BaseFrame struct {
	V    uint16      `cbor:"v"`    // Protocol version
	Tag  uint16      `cbor:"tag"`  // Frame tag (PUT_BEGIN, GET, PING, ...)
	From string      `cbor:"from"` // Sender peer id
	Seq  uint64      `cbor:"seq"`  // Sequence number
	TS   uint64      `cbor:"ts"`   // Timestamp (ms since Unix epoch)
	Body interface{} `cbor:"body"` // Tag-specific CBOR payload
	Sig  []byte      `cbor:"sig"`  // Ed25519 signature over canonical(v|tag|from|seq|ts|body)
}

// NewBaseFrame creates a new BaseFrame stamped with the current time.
func NewBaseFrame(tag uint16, from string, seq uint64, body interface{}) *BaseFrame {
	return &BaseFrame{
		V:    constants.ProtocolVersion,
		Tag:  tag,
		From: from,
		Seq:  seq,
		TS:   uint64(time.Now().UnixMilli()),
		Body: body,
	}
}

// Sign signs the frame with the sender's Ed25519 private key.
func (f *BaseFrame) Sign(privateKey ed25519.PrivateKey) error {
	sigData, err := cborcanon.EncodeForSigning(f, "sig")
	if err != nil {
		return fmt.Errorf("wire: encode frame for signing: %w", err)
	}
	f.Sig = ed25519.Sign(privateKey, sigData)
	return nil
}

// Verify checks the frame's signature against the sender's Ed25519 public
// key.
func (f *BaseFrame) Verify(publicKey ed25519.PublicKey) error {
	if len(f.Sig) == 0 {
		return errs.NewUnexpectedFrame("frame has no signature")
	}
	sigData, err := cborcanon.EncodeForSigning(f, "sig")
	if err != nil {
		return fmt.Errorf("wire: encode frame for verification: %w", err)
	}
	if !ed25519.Verify(publicKey, sigData, f.Sig) {
		return errs.NewAuthFailed("frame signature verification failed", nil)
	}
	return nil
}

// Marshal encodes the frame to canonical CBOR.
func (f *BaseFrame) Marshal() ([]byte, error) {
	return cborcanon.Marshal(f)
}

// Unmarshal decodes canonical CBOR data into the frame.
func (f *BaseFrame) Unmarshal(data []byte) error {
	return cborcanon.Unmarshal(data, f)
}

// Validate checks protocol version, sender, signature presence, and clock
// skew, matching the frame checks every other peer session runs before
// dispatching a frame to its handler.
func (f *BaseFrame) Validate() error {
	if f.V != constants.ProtocolVersion {
		return errs.NewVersionMismatch(fmt.Sprintf("unsupported protocol version: %d", f.V))
	}
	if f.From == "" {
		return errs.NewUnexpectedFrame("missing sender peer id")
	}
	if len(f.Sig) == 0 {
		return errs.NewUnexpectedFrame("missing signature")
	}

	now := uint64(time.Now().UnixMilli())
	maxSkew := uint64(constants.MaxClockSkew.Milliseconds())
	if f.TS > now+maxSkew {
		return errs.NewUnexpectedFrame("timestamp too far in future")
	}
	if now > f.TS+maxSkew {
		return errs.NewUnexpectedFrame("timestamp too far in past")
	}
	return nil
}

// IsTag reports whether the frame carries the given tag.
func (f *BaseFrame) IsTag(tag uint16) bool {
	return f.Tag == tag
}

// Timestamp returns the frame's TS field as a time.Time.
func (f *BaseFrame) Timestamp() time.Time {
	return time.UnixMilli(int64(f.TS))
}

// PutBeginBody opens a new upload, naming the transfer's content id and
// its encrypted length.
type PutBeginBody struct {
	ContentID string `cbor:"content_id"`
	Length    uint64 `cbor:"length"`
}

// PutDataBody carries one fragment of an in-flight PUT's ciphertext.
type PutDataBody struct {
	ContentID string `cbor:"content_id"`
	Offset    uint64 `cbor:"offset"`
	Data      []byte `cbor:"data"`
}

// PutEndBody closes a PUT, asserting the total bytes sent and a content
// hash the receiver must echo back in its PutAckBody before the transfer
// counts as placed.
type PutEndBody struct {
	ContentID string `cbor:"content_id"`
	Length    uint64 `cbor:"length"`
	Hash      []byte `cbor:"hash"`
}

// PutAckBody confirms a PUT was stored, echoing the hash the sender
// asserted in PutEndBody so the sender can detect a corrupted transfer.
type PutAckBody struct {
	ContentID string `cbor:"content_id"`
	Hash      []byte `cbor:"hash"`
}

// PutRejectBody refuses a PUT, e.g. because the receiver's reservation for
// this content id has expired or it is already at quota.
type PutRejectBody struct {
	ContentID string `cbor:"content_id"`
	Reason    string `cbor:"reason"`
}

// GetBody requests a chunk by content id.
type GetBody struct {
	ContentID string `cbor:"content_id"`
}

// GetStartBody begins a GET response, announcing the total length to
// follow.
type GetStartBody struct {
	ContentID string `cbor:"content_id"`
	Length    uint64 `cbor:"length"`
}

// GetDataBody carries one fragment of a GET response's ciphertext.
type GetDataBody struct {
	ContentID string `cbor:"content_id"`
	Offset    uint64 `cbor:"offset"`
	Data      []byte `cbor:"data"`
}

// GetEndBody closes a GET response.
type GetEndBody struct {
	ContentID string `cbor:"content_id"`
}

// GetNotFoundBody tells the requester the peer does not hold this content.
type GetNotFoundBody struct {
	ContentID string `cbor:"content_id"`
}

// DeleteBody asks a peer to drop a chunk it was storing on our behalf,
// e.g. after garbage collection frees it locally.
type DeleteBody struct {
	ContentID string `cbor:"content_id"`
}

// PingBody carries a random liveness token.
type PingBody struct {
	Token []byte `cbor:"token"`
}

// PongBody echoes a PingBody's token.
type PongBody struct {
	Token []byte `cbor:"token"`
}

// NewPingFrame creates a new PING frame.
func NewPingFrame(from string, seq uint64, token []byte) *BaseFrame {
	return NewBaseFrame(constants.TagPing, from, seq, &PingBody{Token: token})
}

// NewPongFrame creates a new PONG frame.
func NewPongFrame(from string, seq uint64, token []byte) *BaseFrame {
	return NewBaseFrame(constants.TagPong, from, seq, &PongBody{Token: token})
}

// NewPutBeginFrame creates a new PUT_BEGIN frame.
func NewPutBeginFrame(from string, seq uint64, contentID string, length uint64) *BaseFrame {
	return NewBaseFrame(constants.TagPutBegin, from, seq, &PutBeginBody{ContentID: contentID, Length: length})
}

// NewPutDataFrame creates a new PUT_DATA frame.
func NewPutDataFrame(from string, seq uint64, contentID string, offset uint64, data []byte) *BaseFrame {
	return NewBaseFrame(constants.TagPutData, from, seq, &PutDataBody{ContentID: contentID, Offset: offset, Data: data})
}

// NewPutEndFrame creates a new PUT_END frame.
func NewPutEndFrame(from string, seq uint64, contentID string, length uint64, hash []byte) *BaseFrame {
	return NewBaseFrame(constants.TagPutEnd, from, seq, &PutEndBody{ContentID: contentID, Length: length, Hash: hash})
}

// NewPutAckFrame creates a new PUT_ACK frame.
func NewPutAckFrame(from string, seq uint64, contentID string, hash []byte) *BaseFrame {
	return NewBaseFrame(constants.TagPutAck, from, seq, &PutAckBody{ContentID: contentID, Hash: hash})
}

// NewPutRejectFrame creates a new PUT_REJECT frame.
func NewPutRejectFrame(from string, seq uint64, contentID, reason string) *BaseFrame {
	return NewBaseFrame(constants.TagPutReject, from, seq, &PutRejectBody{ContentID: contentID, Reason: reason})
}

// NewGetFrame creates a new GET frame.
func NewGetFrame(from string, seq uint64, contentID string) *BaseFrame {
	return NewBaseFrame(constants.TagGet, from, seq, &GetBody{ContentID: contentID})
}

// NewGetStartFrame creates a new GET_START frame.
func NewGetStartFrame(from string, seq uint64, contentID string, length uint64) *BaseFrame {
	return NewBaseFrame(constants.TagGetStart, from, seq, &GetStartBody{ContentID: contentID, Length: length})
}

// NewGetDataFrame creates a new GET_DATA frame.
func NewGetDataFrame(from string, seq uint64, contentID string, offset uint64, data []byte) *BaseFrame {
	return NewBaseFrame(constants.TagGetData, from, seq, &GetDataBody{ContentID: contentID, Offset: offset, Data: data})
}

// NewGetEndFrame creates a new GET_END frame.
func NewGetEndFrame(from string, seq uint64, contentID string) *BaseFrame {
	return NewBaseFrame(constants.TagGetEnd, from, seq, &GetEndBody{ContentID: contentID})
}

// NewGetNotFoundFrame creates a new GET_NOTFOUND frame.
func NewGetNotFoundFrame(from string, seq uint64, contentID string) *BaseFrame {
	return NewBaseFrame(constants.TagGetNotFound, from, seq, &GetNotFoundBody{ContentID: contentID})
}

// NewDeleteFrame creates a new DELETE frame.
func NewDeleteFrame(from string, seq uint64, contentID string) *BaseFrame {
	return NewBaseFrame(constants.TagDelete, from, seq, &DeleteBody{ContentID: contentID})
}
