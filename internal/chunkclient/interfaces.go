// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package chunkclient implements the client-side chunk request retry
// engine: the closure that runs when an RPC to a copyset leader completes,
// classifies the outcome, updates leader/health metadata, and decides
// whether and how to retry.
package chunkclient

import (
	"context"
	"time"

	"github.com/chunkstore/client/internal/core"
)

// ChunkServerHealth is the derived health state of a chunkserver or server,
// as classified by the unstable-health tracker from consecutive timeout
// counts. The retry engine reacts to these states; it does not define the
// classification policy.
type ChunkServerHealth int

const (
	// Healthy means the chunkserver has no recent run of timeouts.
	Healthy ChunkServerHealth = iota
	// ChunkServerUnstable means this particular chunkserver looks flaky.
	ChunkServerUnstable
	// ServerUnstable means the whole physical server looks flaky.
	ServerUnstable
)

// UnstableHelper tracks consecutive-timeout counts per chunkserver and
// derives a health classification from them. Consumed, not defined, by the
// retry engine (component B).
type UnstableHelper interface {
	// IncreTimeout records a transport timeout talking to id.
	IncreTimeout(id core.ChunkServerID)
	// ClearTimeout records a non-timeout completion (success or
	// application-level reply) talking to id at endpoint.
	ClearTimeout(id core.ChunkServerID, endpoint string)
	// GetCurrentUnstableState returns the current derived health of id.
	GetCurrentUnstableState(id core.ChunkServerID, endpoint string) ChunkServerHealth
}

// LeaderInfo identifies the chunkserver currently believed to lead a
// copyset.
type LeaderInfo struct {
	ChunkServerID core.ChunkServerID
	Endpoint      string
}

// MetadataCache resolves and caches copyset leaders, and tracks the
// metadata the retry engine needs to make progress (component C). Consumed,
// not defined, by the retry engine.
type MetadataCache interface {
	// GetLeader returns the believed leader of the given copyset. If
	// refreshFromAuthority is true, it bypasses any cached value and
	// queries an authoritative metadata source.
	GetLeader(key core.CopysetKey, refreshFromAuthority bool) (LeaderInfo, error)
	// UpdateLeader installs a leader hint learned from a Redirected
	// reply.
	UpdateLeader(key core.CopysetKey, endpoint string) error
	// IsLeaderMayChange reports whether this copyset's leader is
	// believed to be in flux, used to shortcut timeout backoff.
	IsLeaderMayChange(key core.CopysetKey) bool
	// SetServerUnstable marks the physical server at ip as unstable so
	// future GetLeader calls can avoid it.
	SetServerUnstable(ip string) error
	// SetChunkserverUnstable marks a single chunkserver as unstable.
	SetChunkserverUnstable(id core.ChunkServerID) error
	// GetLatestFileSn returns the latest known sequence number for the
	// file a chunk belongs to, consulted when a write comes back
	// Backward.
	GetLatestFileSn(file core.FileID) uint64
	// GetUnstableHelper returns the health tracker backing this cache.
	GetUnstableHelper() UnstableHelper
}

// Metrics is the set of counters and latency sinks the retry engine
// reports to. Consumed, not defined, by the retry engine.
type Metrics interface {
	LatencyRecord(op OpType, d time.Duration)
	IncremRPCQPSCount(op OpType)
	IncremFailRPCCount(op OpType)
	IncremTimeOutRPCCount(op OpType)
	IncremRedirectRPCCount(op OpType)
	IncremSlowRequestNum(op OpType)
}

// Clock supplies monotonic millisecond timestamps, injectable for
// deterministic tests.
type Clock interface {
	NowMS() int64
}

// Sleeper is a cooperative, cancellable, injectable sleep primitive. The
// retry controller never calls time.Sleep directly so that a single
// goroutine's retry backoff cannot be mistaken for (nor implemented as) a
// thread-blocking wait, and so tests can run backoff schedules instantly.
type Sleeper interface {
	// Sleep blocks the calling goroutine for d, or until ctx is done,
	// whichever comes first.
	Sleep(ctx context.Context, d time.Duration)
}

// ChunkReply is what the transport hands back on every completion,
// generic across operations. Operation-specific payloads (read bytes,
// chunk-info entries) travel in its Data and ChunkSn fields; the completion
// callback receives nothing besides this struct.
type ChunkReply struct {
	// Status is the application-level status code, valid only if Err == nil.
	Status core.Status
	// RedirectHint is the leader hint carried by a Redirected reply, if any.
	RedirectHint string
	// Err is the transport-level error (nil, or a timeout/connection
	// error); when non-nil Status is meaningless and the outcome is
	// RpcFailed.
	Err error
	// Timeout is true if Err represents an RPC timeout specifically, as
	// opposed to e.g. a connection refusal.
	Timeout bool
	// Data is the attached payload for ReadChunk/ReadChunkSnapshot
	// success replies.
	Data []byte
	// ChunkSn is the list of chunk_sn entries for a successful
	// GetChunkInfo reply.
	ChunkSn []uint64
}

// Transport issues chunk RPCs to a chunkserver and reports completion via
// done. Consumed, not defined, by the retry engine.
type Transport interface {
	WriteChunk(ctx context.Context, leader LeaderInfo, req *RequestContext, timeout time.Duration, done func(ChunkReply))
	ReadChunk(ctx context.Context, leader LeaderInfo, req *RequestContext, timeout time.Duration, done func(ChunkReply))
	ReadChunkSnapshot(ctx context.Context, leader LeaderInfo, req *RequestContext, timeout time.Duration, done func(ChunkReply))
	DeleteChunkSnapshotOrCorrectSn(ctx context.Context, leader LeaderInfo, req *RequestContext, timeout time.Duration, done func(ChunkReply))
	GetChunkInfo(ctx context.Context, leader LeaderInfo, req *RequestContext, timeout time.Duration, done func(ChunkReply))
	CreateCloneChunk(ctx context.Context, leader LeaderInfo, req *RequestContext, timeout time.Duration, done func(ChunkReply))
	RecoverChunk(ctx context.Context, leader LeaderInfo, req *RequestContext, timeout time.Duration, done func(ChunkReply))
	// ResetSenderIfNotHealth drops any pooled connection to id so the
	// next send dials fresh.
	ResetSenderIfNotHealth(id core.ChunkServerID)
}
