// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package chunkclient is the externally importable entry point to the
// chunk request retry engine: a library, not a process boundary. Callers
// outside this module build a Client, then Dispatch requests against it the
// same way internal callers drive the engine directly.
package chunkclient

import (
	"context"
	"time"

	"github.com/chunkstore/client/internal/chunkclient"
	"github.com/chunkstore/client/internal/chunkrpc"
)

// Re-exported so a caller never has to import internal/chunkclient itself.
type (
	Config         = chunkclient.Config
	Option         = chunkclient.Option
	OpType         = chunkclient.OpType
	RequestContext = chunkclient.RequestContext
	RequestState   = chunkclient.RequestState
	ChunkReply     = chunkclient.ChunkReply
	Completion     = chunkclient.Completion
	LeaderInfo     = chunkclient.LeaderInfo
	MetadataCache  = chunkclient.MetadataCache
	Metrics        = chunkclient.Metrics
	UnstableHelper = chunkclient.UnstableHelper
)

// Op* mirror the OpType values the engine dispatches on.
const (
	OpWriteChunk                     = chunkclient.OpWriteChunk
	OpReadChunk                      = chunkclient.OpReadChunk
	OpReadChunkSnapshot              = chunkclient.OpReadChunkSnapshot
	OpDeleteChunkSnapshotOrCorrectSn = chunkclient.OpDeleteChunkSnapshotOrCorrectSn
	OpGetChunkInfo                   = chunkclient.OpGetChunkInfo
	OpCreateCloneChunk               = chunkclient.OpCreateCloneChunk
	OpRecoverChunk                   = chunkclient.OpRecoverChunk
)

// Config options, re-exported for external callers building a Config.
var (
	NewConfig                        = chunkclient.NewConfig
	MaxRetry                         = chunkclient.MaxRetry
	RetryIntervalUS                  = chunkclient.RetryIntervalUS
	MaxRetrySleepIntervalUS          = chunkclient.MaxRetrySleepIntervalUS
	RPCTimeoutMS                     = chunkclient.RPCTimeoutMS
	MaxRPCTimeoutMS                  = chunkclient.MaxRPCTimeoutMS
	MinRetryTimesForceTimeoutBackoff = chunkclient.MinRetryTimesForceTimeoutBackoff
	SlowRequestThresholdMS           = chunkclient.SlowRequestThresholdMS
	MaxOverloadPow                   = chunkclient.MaxOverloadPow
	MaxTimeoutPow                    = chunkclient.MaxTimeoutPow

	NewMemMetadataCache = chunkclient.NewMemMetadataCache
	NewThrottle         = chunkclient.NewThrottle
)

// PromMetrics and NoopMetrics are the Metrics implementations a caller can
// plug in without writing its own.
type (
	PromMetrics = chunkclient.PromMetrics
	NoopMetrics = chunkclient.NoopMetrics
)

// Client is the retry engine wired to the production Go-RPC transport. It
// binds a Controller, a connection-pooled RPCTransport, and an inflight
// throttle into the one object a caller outside this module needs to issue
// chunk requests with automatic leader resolution, backoff, and retry.
type Client struct {
	ctrl *chunkclient.Controller
}

// New builds a Client. cache and metrics are supplied by the caller (e.g. a
// curator-backed MetadataCache and a PromMetrics); rpcTimeout bounds every
// individual attempt on top of whatever backoff cfg computes, and
// maxInflight caps how many chunk RPCs this client keeps outstanding at
// once.
func New(cfg Config, cache MetadataCache, metrics Metrics, rpcTimeout time.Duration, maxInflight int) *Client {
	transport := chunkrpc.NewRPCTransport(rpcTimeout)
	throttle := chunkclient.NewThrottle(maxInflight)
	ctrl := chunkclient.NewController(cfg, cache, metrics, chunkclient.RealClock{}, chunkclient.RealSleeper{}, transport, throttle)
	return &Client{ctrl: ctrl}
}

// Dispatch issues req, retrying per cfg's backoff/retry policy until it
// reaches a terminal outcome, then invokes done exactly once.
func (c *Client) Dispatch(ctx context.Context, req *RequestContext, done Completion) {
	c.ctrl.Dispatch(ctx, req, done)
}
