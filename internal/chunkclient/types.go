// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package chunkclient

import (
	"github.com/chunkstore/client/internal/core"
)

// OpType is the sealed set of chunk operation kinds the retry engine
// dispatches. A single controller switches on OpType rather than the
// engine holding seven parallel class hierarchies.
type OpType int

const (
	OpWriteChunk OpType = iota
	OpReadChunk
	OpReadChunkSnapshot
	OpDeleteChunkSnapshotOrCorrectSn
	OpGetChunkInfo
	OpCreateCloneChunk
	OpRecoverChunk
)

func (t OpType) String() string {
	switch t {
	case OpWriteChunk:
		return "WriteChunk"
	case OpReadChunk:
		return "ReadChunk"
	case OpReadChunkSnapshot:
		return "ReadChunkSnapshot"
	case OpDeleteChunkSnapshotOrCorrectSn:
		return "DeleteChunkSnapshotOrCorrectSn"
	case OpGetChunkInfo:
		return "GetChunkInfo"
	case OpCreateCloneChunk:
		return "CreateCloneChunk"
	case OpRecoverChunk:
		return "RecoverChunk"
	default:
		return "UnknownOp"
	}
}

// RequestContext is the immutable-ish description of one chunk operation.
// The retry engine mutates only these fields: RequestID (filled in at
// dispatch if empty), Sn (rewritten on a Backward write), ReadBuf (filled
// on success or hole) and ChunkInfo (appended on GetChunkInfo success).
type RequestContext struct {
	Op OpType

	Chunk core.ChunkIDInfo
	File   core.FileID
	Epoch  uint64
	Sn     uint64 // sequence number
	Cs     uint64 // corrected sequence number, for versioned/snapshot ops

	Offset uint32
	Length uint32

	// WriteData is the payload for WriteChunk; re-sent unchanged on retry.
	WriteData []byte

	// ReadBuf is the result sink for ReadChunk/ReadChunkSnapshot. The
	// engine allocates/fills it on success (or on the ReadChunk hole
	// override); callers must not assume it is non-nil before
	// completion.
	ReadBuf []byte

	// ChunkInfo accumulates chunk_sn entries from a successful
	// GetChunkInfo reply.
	ChunkInfo []uint64

	// CloneLocation/ChunkSize are used by CreateCloneChunk.
	CloneLocation string
	ChunkSize     uint64

	// RequestID is a stable id for logging/tracing, generated once at
	// dispatch via core.GenRequestID.
	RequestID string
	// SourceInfo is caller-supplied provenance (e.g. which IO this chunk
	// request was sliced from), opaque to the engine.
	SourceInfo string
}

// RequestState is the mutable per-attempt bookkeeping the retry engine
// owns for one in-flight RequestContext. It is created once at first
// dispatch and never touched by any other request.
type RequestState struct {
	// ErrorCode is 0 (core.StatusSuccess) on success, else the last
	// observed status.
	ErrorCode core.Status

	// TransportErr carries the underlying cause when ErrorCode is
	// core.StatusRPCFailed: the last transport error, or the leader lookup
	// error if no leader could be resolved at dispatch.
	TransportErr error

	// RetryCount is strictly increasing; never decremented.
	RetryCount int

	// NextTimeoutMS is the RPC timeout to use on the next attempt.
	NextTimeoutMS int64

	// CreatedMS is the monotonic creation timestamp, set once at first
	// dispatch.
	CreatedMS int64

	// SlowRequest latches true once the request has been outstanding
	// longer than the configured threshold; never reset to false.
	SlowRequest bool

	// ownInflight records whether this request currently owes a release
	// of its inflight token; true from acquisition until release.
	ownInflight bool

	// RetryDirectly, when true, means the controller resolved a new
	// leader this attempt and the next send should not sleep first.
	RetryDirectly bool

	// CurrentLeader is the chunkserver this attempt was (or will be)
	// sent to.
	CurrentLeader LeaderInfo

	// LastTimeout is not written or read by Controller; the pre-retry
	// adjustment takes the timeout flag from the current AttemptOutcome.
	LastTimeout bool
}

// OutcomeKind is the tag of an AttemptOutcome.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeRpcFailed
	OutcomeRedirected
	OutcomeCopysetNotExist
	OutcomeChunkNotExist
	OutcomeInvalidRequest
	OutcomeBackward
	OutcomeChunkExist
	OutcomeEpochTooOld
	OutcomeOverload
	OutcomeUnknown
)

// AttemptOutcome is the tagged variant the response classifier produces
// for one completed attempt. It carries only the fields relevant to its
// Kind; everything else is the zero value.
type AttemptOutcome struct {
	Kind OutcomeKind

	// TransportErr is set when Kind == OutcomeRpcFailed.
	TransportErr error
	// Timeout is set alongside TransportErr when the failure was
	// specifically a timeout.
	Timeout bool

	// RedirectHint is set when Kind == OutcomeRedirected and the reply
	// carried a leader hint.
	RedirectHint string

	// RawStatus is set when Kind == OutcomeUnknown, the raw status code
	// the classifier didn't recognize.
	RawStatus core.Status
}
