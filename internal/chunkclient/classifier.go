// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package chunkclient

import "github.com/chunkstore/client/internal/core"

// Classify maps a completed attempt's transport/application status to an
// AttemptOutcome. It is pure and independent of any particular operation.
// The ReadChunk hole override is applied in closure.go after
// classification; GetChunkInfo's redirect hint is copied off its typed
// reply into ChunkReply.RedirectHint by the transport before it gets here.
func Classify(reply ChunkReply) AttemptOutcome {
	if reply.Err != nil {
		return AttemptOutcome{Kind: OutcomeRpcFailed, TransportErr: reply.Err, Timeout: reply.Timeout}
	}
	switch reply.Status {
	case core.StatusSuccess:
		return AttemptOutcome{Kind: OutcomeSuccess}
	case core.StatusRedirected:
		return AttemptOutcome{Kind: OutcomeRedirected, RedirectHint: reply.RedirectHint}
	case core.StatusCopysetNotExist:
		return AttemptOutcome{Kind: OutcomeCopysetNotExist}
	case core.StatusChunkNotExist:
		return AttemptOutcome{Kind: OutcomeChunkNotExist}
	case core.StatusInvalidRequest:
		return AttemptOutcome{Kind: OutcomeInvalidRequest}
	case core.StatusBackward:
		return AttemptOutcome{Kind: OutcomeBackward}
	case core.StatusChunkExist:
		return AttemptOutcome{Kind: OutcomeChunkExist}
	case core.StatusEpochTooOld:
		return AttemptOutcome{Kind: OutcomeEpochTooOld}
	case core.StatusOverload:
		return AttemptOutcome{Kind: OutcomeOverload}
	default:
		return AttemptOutcome{Kind: OutcomeUnknown, RawStatus: reply.Status}
	}
}

// IsRetriable reports whether outcome should trigger another attempt for
// the given operation. Backward is retryable only for WriteChunk; every
// other retryable/terminal split is operation-independent.
func IsRetriable(op OpType, outcome AttemptOutcome) bool {
	switch outcome.Kind {
	case OutcomeRpcFailed, OutcomeRedirected, OutcomeCopysetNotExist, OutcomeOverload, OutcomeUnknown:
		return true
	case OutcomeBackward:
		return op == OpWriteChunk
	default:
		return false
	}
}
