package wire

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/WebFirstLanguage/beenet/pkg/constants"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	frame := NewGetFrame("peer-a", 7, "content-id-value")
	if err := frame.Sign(priv); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	var buf bytes.Buffer
	if err := WriteFrame(&buf, frame); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if got.Tag != constants.TagGet || got.From != "peer-a" || got.Seq != 7 {
		t.Fatalf("unexpected frame: %+v", got)
	}

	var body GetBody
	if err := DecodeBody(got.Body, &body); err != nil {
		t.Fatalf("DecodeBody: %v", err)
	}
	if body.ContentID != "content-id-value" {
		t.Fatalf("expected content id to round-trip, got %q", body.ContentID)
	}
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	if _, err := ReadBytes(&buf); err == nil {
		t.Fatal("expected oversized frame length to be rejected")
	}
}
