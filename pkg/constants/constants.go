// Package constants defines cross-cutting defaults for chunking, packing,
// transport scheduling, and timeouts, as specified in the backup core design.
package constants

import "time"

// Chunker parameters (FastCDC, §4.1).
const (
	ChunkMinSize     = 256 * 1024      // 256 KiB
	ChunkAverageSize = 1024 * 1024     // 1 MiB
	ChunkMaxSize     = 4 * 1024 * 1024 // 4 MiB
)

// Pack parameters (§3).
const (
	PackTargetSize = 8 * 1024 * 1024  // middle of the 4-16 MiB target band
	PackMinSize    = 4 * 1024 * 1024  // 4 MiB
	PackMaxSize    = 16 * 1024 * 1024 // 16 MiB

	PackMagic   = "BKPK"
	PackVersion = 1
)

// Crypto parameters (§4.2).
const (
	MasterKeySize  = 32
	BlobKeySize    = 32
	BlobNonceSize  = 12
	ContentIDSize  = 32 // BLAKE3-256
	Ed25519PubSize = 32
)

// Transport Scheduler defaults (§4.6).
const (
	SchedulerPerPeerInFlight   = 1
	SchedulerGlobalConcurrency = 4
	SchedulerBackpressureQueue = 8
	SchedulerMaxRetries        = 5
	SchedulerBackoffMin        = 100 * time.Millisecond
	SchedulerBackoffMax        = 30 * time.Second
	SchedulerCancelGrace       = 10 * time.Second
)

// Storage Negotiator defaults (§4.7).
const (
	NegotiatorRequestTimeout = 10 * time.Minute
)

// Timeouts (§5).
const (
	HandshakeTimeout   = 30 * time.Second
	FrameReadIdle      = 60 * time.Second
	StorageReplyExpiry = 10 * time.Minute
	RestoreGetTimeout  = 5 * time.Minute
)

// Lifecycle defaults (§3).
const (
	SnapshotRetentionN = 2
)

// Protocol framing (§6).
const (
	ProtocolVersion = 1
	ALPN            = "backup-core/1"
	DefaultQUICPort = 28417
	DefaultTCPPort  = 28418
)

// Peer protocol frame tags (§6).
const (
	TagHello       = 1
	TagAuth        = 2
	TagPutBegin    = 3
	TagPutData     = 4
	TagPutEnd      = 5
	TagPutAck      = 6
	TagPutReject   = 7
	TagGet         = 8
	TagGetStart    = 9
	TagGetData     = 10
	TagGetEnd      = 11
	TagGetNotFound = 12
	TagDelete      = 13
	TagPing        = 14
	TagPong        = 15
)

// MaxClockSkew bounds how far a signed frame's timestamp may drift from local time.
const MaxClockSkew = 120 * time.Second
