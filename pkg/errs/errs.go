// Package errs defines the typed error kinds shared across the backup core,
// generalizing the teacher's per-package *ContentError shape (pkg/content)
// to every kind named in the design: Io, Crypto, Protocol, Peer, Server,
// Storage, Config, Cancelled.
package errs

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an Error into one of the core's error families.
type Kind string

const (
	KindIO        Kind = "IO"
	KindCrypto    Kind = "CRYPTO"
	KindProtocol  Kind = "PROTOCOL"
	KindPeer      Kind = "PEER"
	KindServer    Kind = "SERVER"
	KindStorage   Kind = "STORAGE"
	KindConfig    Kind = "CONFIG"
	KindCancelled Kind = "CANCELLED"
)

// Sub-codes within a Kind.
const (
	CodeAuthFailed       = "AUTH_FAILED"
	CodeKeyDerivation    = "KEY_DERIVATION"
	CodeUnexpectedFrame  = "UNEXPECTED_FRAME"
	CodeVersionMismatch  = "VERSION_MISMATCH"
	CodeUnreachable      = "UNREACHABLE"
	CodeRejected         = "REJECTED"
	CodeTimeout          = "TIMEOUT"
	CodeCorruptPack      = "CORRUPT_PACK"
	CodeMissingChunk     = "MISSING_CHUNK"
	CodeDatabaseBusy     = "DATABASE_BUSY"
	CodeMissing          = "MISSING"
	CodeInvalid          = "INVALID"
	CodePackUnavailable  = "PACK_UNAVAILABLE"
)

// Error is the core's uniform error type. It carries enough structure for
// the UI supervision channel to report a stable (kind, code) pair in
// BackupFinished.message / Panic.reason instead of an opaque string.
type Error struct {
	Kind      Kind
	Code      string
	Message   string
	PackID    string
	Retryable bool
	Timestamp time.Time
	Cause     error
}

func (e *Error) Error() string {
	if e.PackID != "" {
		return fmt.Sprintf("%s/%s: %s (pack %s)", e.Kind, e.Code, e.Message, e.PackID)
	}
	return fmt.Sprintf("%s/%s: %s", e.Kind, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func (e *Error) IsRetryable() bool { return e.Retryable }

func new(kind Kind, code, message string, retryable bool, cause error) *Error {
	return &Error{
		Kind:      kind,
		Code:      code,
		Message:   message,
		Retryable: retryable,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewIO(message string, cause error) *Error {
	return new(KindIO, "", message, true, cause)
}

func NewAuthFailed(message string, cause error) *Error {
	return new(KindCrypto, CodeAuthFailed, message, false, cause)
}

func NewKeyDerivation(message string, cause error) *Error {
	return new(KindCrypto, CodeKeyDerivation, message, false, cause)
}

func NewUnexpectedFrame(message string) *Error {
	return new(KindProtocol, CodeUnexpectedFrame, message, false, nil)
}

func NewVersionMismatch(message string) *Error {
	return new(KindProtocol, CodeVersionMismatch, message, false, nil)
}

func NewPeerUnreachable(message string, cause error) *Error {
	return new(KindPeer, CodeUnreachable, message, true, cause)
}

func NewPeerRejected(message string) *Error {
	return new(KindPeer, CodeRejected, message, false, nil)
}

func NewPeerTimeout(message string) *Error {
	return new(KindPeer, CodeTimeout, message, true, nil)
}

func NewServerUnreachable(message string, cause error) *Error {
	return new(KindServer, CodeUnreachable, message, true, cause)
}

func NewServerRejected(message string) *Error {
	return new(KindServer, CodeRejected, message, false, nil)
}

func NewCorruptPack(message string, cause error) *Error {
	return new(KindStorage, CodeCorruptPack, message, false, cause)
}

// NewMissingChunk reports a chunk referenced by a snapshot that no known
// pack or peer could supply; PackID identifies the pack that should have
// held it when known.
func NewMissingChunk(message, packID string) *Error {
	e := new(KindStorage, CodeMissingChunk, message, false, nil)
	e.PackID = packID
	return e
}

func NewDatabaseBusy(message string, cause error) *Error {
	return new(KindStorage, CodeDatabaseBusy, message, true, cause)
}

func NewConfigMissing(message string) *Error {
	return new(KindConfig, CodeMissing, message, false, nil)
}

func NewConfigInvalid(message string, cause error) *Error {
	return new(KindConfig, CodeInvalid, message, false, cause)
}

func NewCancelled(message string) *Error {
	return new(KindCancelled, "", message, false, nil)
}

// NewPackUnavailable reports that a restore could not retrieve packID from
// any peer; restore.go surfaces this verbatim as the fatal reason.
func NewPackUnavailable(packID string) *Error {
	e := new(KindStorage, CodePackUnavailable, "pack unavailable from any known peer", false, nil)
	e.PackID = packID
	return e
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsRetryable reports whether err is a retryable *Error.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}
