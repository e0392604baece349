// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package chunkclient

import (
	"context"
	"net"
	"time"

	log "github.com/golang/glog"

	"github.com/chunkstore/client/internal/core"
)

// Completion is invoked exactly once per request, on whichever terminal
// state it reaches: success, a terminal application error, or retry-budget
// exhaustion.
type Completion func(*RequestContext, *RequestState)

// Controller is the retry engine: it orchestrates the backoff calculator,
// the health tracker and leader resolver it consumes, the response
// classifier, and the per-operation handlers, for every chunk request
// dispatched through it. One Controller is shared by every in-flight
// request against one client; all its dependencies are immutable for the
// Controller's lifetime (see Config).
type Controller struct {
	cfg       Config
	cache     MetadataCache
	metrics   Metrics
	clock     Clock
	sleeper   Sleeper
	transport Transport
	throttle  Throttle
}

// NewController builds a Controller from its consumed collaborators. Pass
// a nil Throttle for unbounded concurrency.
func NewController(cfg Config, cache MetadataCache, metrics Metrics, clock Clock, sleeper Sleeper, transport Transport, throttle Throttle) *Controller {
	return &Controller{
		cfg:       cfg,
		cache:     cache,
		metrics:   metrics,
		clock:     clock,
		sleeper:   sleeper,
		transport: transport,
		throttle:  throttle,
	}
}

// Dispatch binds req to a fresh RequestState, acquires its inflight token,
// resolves an initial leader, and issues the first attempt. done runs
// exactly once, when the request reaches a terminal state.
func (c *Controller) Dispatch(ctx context.Context, req *RequestContext, done Completion) {
	if req.RequestID == "" {
		req.RequestID = core.GenRequestID(req.Chunk.Copyset())
	}

	state := &RequestState{
		CreatedMS:     c.clock.NowMS(),
		NextTimeoutMS: c.cfg.rpcTimeoutMS,
	}

	acquireInflight(state, c.throttle)

	leader, err := c.cache.GetLeader(req.Chunk.Copyset(), false)
	if err != nil {
		leader, err = c.cache.GetLeader(req.Chunk.Copyset(), true)
	}
	if err != nil {
		log.Errorf("chunkclient: %s request %s: no leader for copyset %s: %v", req.Op, req.RequestID, req.Chunk.Copyset(), err)
		state.ErrorCode = core.StatusRPCFailed
		state.TransportErr = err
		releaseInflight(state, c.throttle)
		done(req, state)
		return
	}
	state.CurrentLeader = leader

	c.sendAttempt(ctx, req, state, done)
}

// sendAttempt issues one attempt via the operation-specific transport
// method (component E's SendRetryRequest), binding the completion back
// into onComplete.
func (c *Controller) sendAttempt(ctx context.Context, req *RequestContext, state *RequestState, done Completion) {
	timeout := time.Duration(state.NextTimeoutMS) * time.Millisecond
	leader := state.CurrentLeader
	start := c.clock.NowMS()

	cb := func(reply ChunkReply) {
		c.onComplete(ctx, req, state, done, reply, start)
	}

	switch req.Op {
	case OpWriteChunk:
		c.transport.WriteChunk(ctx, leader, req, timeout, cb)
	case OpReadChunk:
		c.transport.ReadChunk(ctx, leader, req, timeout, cb)
	case OpReadChunkSnapshot:
		c.transport.ReadChunkSnapshot(ctx, leader, req, timeout, cb)
	case OpDeleteChunkSnapshotOrCorrectSn:
		c.transport.DeleteChunkSnapshotOrCorrectSn(ctx, leader, req, timeout, cb)
	case OpGetChunkInfo:
		c.transport.GetChunkInfo(ctx, leader, req, timeout, cb)
	case OpCreateCloneChunk:
		c.transport.CreateCloneChunk(ctx, leader, req, timeout, cb)
	case OpRecoverChunk:
		c.transport.RecoverChunk(ctx, leader, req, timeout, cb)
	}
}

// onComplete runs the full Step1-Step4 pipeline for one completed attempt.
func (c *Controller) onComplete(ctx context.Context, req *RequestContext, state *RequestState, done Completion, reply ChunkReply, attemptStartMS int64) {
	op := req.Op
	key := req.Chunk.Copyset()
	outcome := Classify(reply)

	// §4.5 ReadChunk hole override: a missing chunk reads back as a
	// success with a zero-filled buffer of the requested length.
	if op == OpReadChunk && outcome.Kind == OutcomeChunkNotExist {
		outcome = AttemptOutcome{Kind: OutcomeSuccess}
		req.ReadBuf = make([]byte, req.Length)
	}

	state.RetryDirectly = false

	// Step 2: health update.
	if outcome.Kind == OutcomeRpcFailed {
		c.updateHealthOnFailure(req, state, outcome, key)
	} else {
		c.cache.GetUnstableHelper().ClearTimeout(state.CurrentLeader.ChunkServerID, state.CurrentLeader.Endpoint)
	}

	// Step 3: outcome dispatch.
	terminal := c.dispatchOutcome(req, state, outcome, key, reply, attemptStartMS)

	if terminal {
		releaseInflight(state, c.throttle)
		done(req, state)
		return
	}

	// Every retryable outcome counts as a failed RPC, not just transport
	// failures: RpcFailed, Redirected, CopysetNotExist, Backward-on-write,
	// Overload, and Unknown all reach here.
	c.metrics.IncremFailRPCCount(op)

	// Step 4: retry gate.
	state.RetryCount++
	if state.RetryCount >= c.cfg.maxRetry {
		state.ErrorCode = terminalStatus(outcome)
		if outcome.Kind == OutcomeRpcFailed {
			state.TransportErr = outcome.TransportErr
		}
		log.Errorf("chunkclient: %s request %s: retry budget (%d) exhausted, last outcome=%v", op, req.RequestID, c.cfg.maxRetry, outcome.Kind)
		releaseInflight(state, c.throttle)
		done(req, state)
		return
	}

	now := c.clock.NowMS()
	if !state.SlowRequest && now-state.CreatedMS > c.cfg.slowRequestThresholdMS {
		state.SlowRequest = true
		c.metrics.IncremSlowRequestNum(op)
		log.Errorf("chunkclient: %s request %s is slow: %dms since dispatch", op, req.RequestID, now-state.CreatedMS)
	}

	c.preRetryAdjust(ctx, req, state, outcome, key)

	c.sendAttempt(ctx, req, state, done)
}

// updateHealthOnFailure implements Step 2's transport-failure branch,
// including the two preserved open-question behaviours: a missing hint on
// Redirected falls through to an authoritative refresh elsewhere, and here
// the Healthy state refreshes the leader unconditionally, since the
// chunkserver did answer sometimes and re-resolution may already have the
// right answer.
func (c *Controller) updateHealthOnFailure(req *RequestContext, state *RequestState, outcome AttemptOutcome, key core.CopysetKey) {
	helper := c.cache.GetUnstableHelper()
	id := state.CurrentLeader.ChunkServerID
	if outcome.Timeout {
		helper.IncreTimeout(id)
		c.metrics.IncremTimeOutRPCCount(req.Op)
	}

	switch helper.GetCurrentUnstableState(id, state.CurrentLeader.Endpoint) {
	case ServerUnstable:
		ip := hostOf(state.CurrentLeader.Endpoint)
		if err := c.cache.SetServerUnstable(ip); err != nil {
			c.cache.SetChunkserverUnstable(id)
		}
	case ChunkServerUnstable:
		c.cache.SetChunkserverUnstable(id)
	case Healthy:
		c.refreshLeader(req, state, key)
	}
	c.transport.ResetSenderIfNotHealth(id)
}

// dispatchOutcome implements Step 3. It applies the per-outcome side effects
// (leader refresh, metrics, the per-operation success handler) and returns
// true if the request has reached a terminal state. Retryable-vs-terminal
// itself is not re-derived here: it's delegated to IsRetriable, the same
// function production traffic and the engine's unit tests both exercise.
func (c *Controller) dispatchOutcome(req *RequestContext, state *RequestState, outcome AttemptOutcome, key core.CopysetKey, reply ChunkReply, attemptStartMS int64) bool {
	op := req.Op
	switch outcome.Kind {
	case OutcomeSuccess:
		c.handleSuccess(req, reply)
		state.ErrorCode = core.StatusSuccess
		c.metrics.LatencyRecord(op, time.Duration(c.clock.NowMS()-attemptStartMS)*time.Millisecond)
		c.metrics.IncremRPCQPSCount(op)

	case OutcomeRedirected:
		c.metrics.IncremRedirectRPCCount(op)
		if outcome.RedirectHint != "" {
			if err := c.cache.UpdateLeader(key, outcome.RedirectHint); err == nil {
				if leader, err2 := c.cache.GetLeader(key, false); err2 == nil {
					state.RetryDirectly = leader.ChunkServerID != state.CurrentLeader.ChunkServerID
					state.CurrentLeader = leader
					break
				}
			}
		}
		// No hint, or UpdateLeader/GetLeader failed: fall through to
		// an authoritative refresh (preserved open question).
		c.refreshLeader(req, state, key)

	case OutcomeCopysetNotExist:
		c.refreshLeader(req, state, key)

	case OutcomeChunkNotExist, OutcomeInvalidRequest, OutcomeChunkExist, OutcomeEpochTooOld:
		state.ErrorCode = rawStatusOf(outcome)

	case OutcomeBackward:
		if op == OpWriteChunk {
			req.Sn = c.cache.GetLatestFileSn(req.File)
		} else {
			state.ErrorCode = core.StatusBackward
		}

	case OutcomeOverload:
		// Sleep computed in preRetryAdjust; do not refresh leader.

	case OutcomeRpcFailed:
		// Health already updated in Step 2.
	}

	return !IsRetriable(op, outcome)
}

// preRetryAdjust implements Step 4c: computing the next timeout or sleep
// before re-sending.
func (c *Controller) preRetryAdjust(ctx context.Context, req *RequestContext, state *RequestState, outcome AttemptOutcome, key core.CopysetKey) {
	if outcome.Kind == OutcomeRpcFailed && outcome.Timeout {
		if state.RetryCount < c.cfg.minRetryTimesForceTimeoutBackoff && c.cache.IsLeaderMayChange(key) {
			state.NextTimeoutMS = c.cfg.rpcTimeoutMS
		} else {
			state.NextTimeoutMS = TimeoutBackoff(c.cfg, state.RetryCount)
		}
		// No sleep in the timeout branch.
		return
	}

	if outcome.Kind == OutcomeOverload {
		sleepUS := OverloadBackoff(c.cfg, state.RetryCount)
		c.sleeper.Sleep(ctx, time.Duration(sleepUS)*time.Microsecond)
		return
	}

	var sleepUS int64
	if outcome.Kind == OutcomeRedirected && !state.RetryDirectly {
		sleepUS = RedirectedSleepUS(c.cfg)
	} else {
		sleepUS = DirectRetrySleepUS(c.cfg, state.RetryDirectly)
	}
	if sleepUS > 0 {
		c.sleeper.Sleep(ctx, time.Duration(sleepUS)*time.Microsecond)
	}
}

// refreshLeader performs an authoritative GetLeader and sets RetryDirectly
// accordingly; on failure it leaves RetryDirectly false so the normal sleep
// applies.
func (c *Controller) refreshLeader(req *RequestContext, state *RequestState, key core.CopysetKey) {
	leader, err := c.cache.GetLeader(key, true)
	if err != nil {
		state.RetryDirectly = false
		return
	}
	state.RetryDirectly = leader.ChunkServerID != state.CurrentLeader.ChunkServerID
	state.CurrentLeader = leader
}

// handleSuccess applies the per-operation deviations from §4.5 on a
// successful reply: installing read bytes, appending chunk-info entries.
// WriteChunk, ReadChunkSnapshot (beyond copying bytes), delete, clone and
// recover have no deviation from the generic behaviour.
func (c *Controller) handleSuccess(req *RequestContext, reply ChunkReply) {
	switch req.Op {
	case OpReadChunk, OpReadChunkSnapshot:
		if reply.Data != nil {
			req.ReadBuf = reply.Data
		}
	case OpGetChunkInfo:
		req.ChunkInfo = append(req.ChunkInfo, reply.ChunkSn...)
	}
}

func terminalStatus(outcome AttemptOutcome) core.Status {
	if outcome.Kind == OutcomeRpcFailed {
		return core.StatusRPCFailed
	}
	return rawStatusOf(outcome)
}

func rawStatusOf(outcome AttemptOutcome) core.Status {
	switch outcome.Kind {
	case OutcomeChunkNotExist:
		return core.StatusChunkNotExist
	case OutcomeInvalidRequest:
		return core.StatusInvalidRequest
	case OutcomeChunkExist:
		return core.StatusChunkExist
	case OutcomeEpochTooOld:
		return core.StatusEpochTooOld
	case OutcomeBackward:
		return core.StatusBackward
	case OutcomeOverload:
		return core.StatusOverload
	case OutcomeRedirected:
		return core.StatusRedirected
	case OutcomeCopysetNotExist:
		return core.StatusCopysetNotExist
	case OutcomeUnknown:
		return outcome.RawStatus
	default:
		return core.StatusUnknown
	}
}

// hostOf extracts the host part of a host:port endpoint, falling back to
// the endpoint verbatim if it doesn't parse (e.g. already a bare host).
func hostOf(endpoint string) string {
	host, _, err := net.SplitHostPort(endpoint)
	if err != nil {
		return endpoint
	}
	return host
}
