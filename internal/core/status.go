// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package core

// Status is the application-level status code chunkservers return on a
// chunk RPC reply. It travels over the wire distinct from transport-level
// failures (connection refused, timeout): those never produce a Status,
// they short-circuit classification straight to RpcFailed.
type Status int32

const (
	// StatusSuccess means the operation completed normally.
	StatusSuccess = Status(iota)

	// StatusRedirected means the contacted replica is not the copyset
	// leader. The reply may carry a hint pointing at the real leader.
	StatusRedirected

	// StatusCopysetNotExist means the chunkserver has no replica of the
	// requested copyset at all.
	StatusCopysetNotExist

	// StatusChunkNotExist means the chunk does not exist on this replica.
	StatusChunkNotExist

	// StatusInvalidRequest means the request itself is malformed or
	// inapplicable; retrying will not help.
	StatusInvalidRequest

	// StatusBackward means the write's sequence number is older than the
	// server's view of the chunk.
	StatusBackward

	// StatusChunkExist means a create-type operation found the chunk
	// already present.
	StatusChunkExist

	// StatusEpochTooOld means the client's epoch for the chunk has been
	// superseded by a newer one.
	StatusEpochTooOld

	// StatusOverload means the chunkserver is shedding load; the client
	// should back off before retrying.
	StatusOverload

	// StatusUnknown is any application status this client doesn't
	// recognize. Treated as retryable without metadata update.
	StatusUnknown

	// StatusRPCFailed is a synthetic status the retry engine assigns to
	// a request that ends without a usable application status: its retry
	// budget ran out on an attempt that failed at the transport level
	// (timeout, connection error), or no leader could be resolved to send
	// it to at all. Earlier attempts may have returned application
	// statuses; only the last attempt decides.
	StatusRPCFailed
)

var description = map[Status]string{
	StatusSuccess:         "success",
	StatusRedirected:      "not the copyset leader",
	StatusCopysetNotExist: "copyset does not exist on this chunkserver",
	StatusChunkNotExist:   "chunk does not exist",
	StatusInvalidRequest:  "invalid request",
	StatusBackward:        "sequence number is backward of the server's view",
	StatusChunkExist:      "chunk already exists",
	StatusEpochTooOld:     "epoch is older than the server's view",
	StatusOverload:        "chunkserver overloaded",
	StatusUnknown:         "unknown application status",
	StatusRPCFailed:       "rpc failed: retry budget exhausted",
}

// String returns a human readable status message.
func (s Status) String() string {
	if d, ok := description[s]; ok {
		return d
	}
	return "NO DESCRIPTION FOR STATUS FIX THIS"
}

// Error returns a golang error object for this status, or nil for success.
func (s Status) Error() error {
	if s == StatusSuccess {
		return nil
	}
	return statusError(s)
}

// statusError wraps a Status to satisfy the 'error' interface.
type statusError Status

func (e statusError) Error() string {
	return (Status)(e).String()
}

// FromStatusError unwraps a golang error produced by Status.Error back into
// the underlying Status, if it is one.
func FromStatusError(err error) (Status, bool) {
	e, ok := err.(statusError)
	return Status(e), ok
}
