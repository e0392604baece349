// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package chunkclient

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chunkstore/client/internal/core"
)

// fakeCall is one recorded invocation of fakeTransport, in dispatch order.
type fakeCall struct {
	op      OpType
	leader  LeaderInfo
	req     *RequestContext
	timeout time.Duration
}

// fakeTransport is the chunkclient.Transport analogue of the teacher's
// mem_tractserver_talker.go: a scripted sequence of replies, one per call,
// with every call recorded so tests can assert exact attempt sequences
// (mirrors client/blb/client_test.go's tsTraceLog).
type fakeTransport struct {
	lock sync.Mutex

	calls  []fakeCall
	script []ChunkReply

	resets []core.ChunkServerID
}

func (f *fakeTransport) dispatch(op OpType, leader LeaderInfo, req *RequestContext, timeout time.Duration, done func(ChunkReply)) {
	f.lock.Lock()
	idx := len(f.calls)
	f.calls = append(f.calls, fakeCall{op: op, leader: leader, req: req, timeout: timeout})
	var reply ChunkReply
	if idx < len(f.script) {
		reply = f.script[idx]
	}
	f.lock.Unlock()
	done(reply)
}

func (f *fakeTransport) WriteChunk(ctx context.Context, leader LeaderInfo, req *RequestContext, timeout time.Duration, done func(ChunkReply)) {
	f.dispatch(OpWriteChunk, leader, req, timeout, done)
}
func (f *fakeTransport) ReadChunk(ctx context.Context, leader LeaderInfo, req *RequestContext, timeout time.Duration, done func(ChunkReply)) {
	f.dispatch(OpReadChunk, leader, req, timeout, done)
}
func (f *fakeTransport) ReadChunkSnapshot(ctx context.Context, leader LeaderInfo, req *RequestContext, timeout time.Duration, done func(ChunkReply)) {
	f.dispatch(OpReadChunkSnapshot, leader, req, timeout, done)
}
func (f *fakeTransport) DeleteChunkSnapshotOrCorrectSn(ctx context.Context, leader LeaderInfo, req *RequestContext, timeout time.Duration, done func(ChunkReply)) {
	f.dispatch(OpDeleteChunkSnapshotOrCorrectSn, leader, req, timeout, done)
}
func (f *fakeTransport) GetChunkInfo(ctx context.Context, leader LeaderInfo, req *RequestContext, timeout time.Duration, done func(ChunkReply)) {
	f.dispatch(OpGetChunkInfo, leader, req, timeout, done)
}
func (f *fakeTransport) CreateCloneChunk(ctx context.Context, leader LeaderInfo, req *RequestContext, timeout time.Duration, done func(ChunkReply)) {
	f.dispatch(OpCreateCloneChunk, leader, req, timeout, done)
}
func (f *fakeTransport) RecoverChunk(ctx context.Context, leader LeaderInfo, req *RequestContext, timeout time.Duration, done func(ChunkReply)) {
	f.dispatch(OpRecoverChunk, leader, req, timeout, done)
}
func (f *fakeTransport) ResetSenderIfNotHealth(id core.ChunkServerID) {
	f.lock.Lock()
	f.resets = append(f.resets, id)
	f.lock.Unlock()
}

var _ Transport = (*fakeTransport)(nil)

// countingMetrics records how many times each Metrics method was called,
// for assertions like "LatencyRecord called once".
type countingMetrics struct {
	lock sync.Mutex

	latency  int
	qps      int
	fail     int
	timeout  int
	redirect int
	slow     int
}

func (m *countingMetrics) LatencyRecord(OpType, time.Duration) { m.lock.Lock(); m.latency++; m.lock.Unlock() }
func (m *countingMetrics) IncremRPCQPSCount(OpType)            { m.lock.Lock(); m.qps++; m.lock.Unlock() }
func (m *countingMetrics) IncremFailRPCCount(OpType)           { m.lock.Lock(); m.fail++; m.lock.Unlock() }
func (m *countingMetrics) IncremTimeOutRPCCount(OpType)        { m.lock.Lock(); m.timeout++; m.lock.Unlock() }
func (m *countingMetrics) IncremRedirectRPCCount(OpType)       { m.lock.Lock(); m.redirect++; m.lock.Unlock() }
func (m *countingMetrics) IncremSlowRequestNum(OpType)         { m.lock.Lock(); m.slow++; m.lock.Unlock() }

var _ Metrics = (*countingMetrics)(nil)

func testKey() core.CopysetKey { return core.CopysetKey{LogicalPool: 1, Copyset: 1} }

func testChunk() core.ChunkIDInfo {
	return core.ChunkIDInfo{ChunkID: 1, CopysetID: 1, LogicalPool: 1}
}

func newTestController(cfg Config, cache MetadataCache, transport Transport, metrics Metrics) *Controller {
	return NewController(cfg, cache, metrics, NewManualClock(0), &NoopSleeper{}, transport, NewThrottle(10))
}

// TestDispatchWriteSucceedsFirstTry is scenario 1 from the spec: a
// WriteChunk that succeeds on the very first attempt.
func TestDispatchWriteSucceedsFirstTry(t *testing.T) {
	key := testKey()
	leader := LeaderInfo{ChunkServerID: 1, Endpoint: "10.0.0.1:8200"}

	cache := NewMemMetadataCache(16, 3, 5)
	cache.SetAuthoritativeLeader(key, leader)

	transport := &fakeTransport{script: []ChunkReply{{Status: core.StatusSuccess}}}
	metrics := &countingMetrics{}
	ctrl := newTestController(NewConfig(), cache, transport, metrics)

	req := &RequestContext{Op: OpWriteChunk, Chunk: testChunk(), Sn: 7, WriteData: make([]byte, 4096)}

	var doneCount int
	var gotState *RequestState
	ctrl.Dispatch(context.Background(), req, func(_ *RequestContext, st *RequestState) {
		doneCount++
		gotState = st
	})

	if doneCount != 1 {
		t.Fatalf("completion invoked %d times, want 1", doneCount)
	}
	if gotState.RetryCount != 0 {
		t.Fatalf("RetryCount = %d, want 0", gotState.RetryCount)
	}
	if gotState.ErrorCode != core.StatusSuccess {
		t.Fatalf("ErrorCode = %v, want StatusSuccess", gotState.ErrorCode)
	}
	if metrics.latency != 1 {
		t.Fatalf("LatencyRecord called %d times, want 1", metrics.latency)
	}
	if len(transport.calls) != 1 {
		t.Fatalf("transport called %d times, want 1", len(transport.calls))
	}
}

// TestTimeoutThenSuccessLeaderMayChangeShortcut is scenario 2: the first
// attempt times out while the leader is believed to be in flux and we're
// still under minRetryTimesForceTimeoutBackoff, so the next timeout should
// be the base timeout rather than doubled.
func TestTimeoutThenSuccessLeaderMayChangeShortcut(t *testing.T) {
	key := testKey()
	leader := LeaderInfo{ChunkServerID: 1, Endpoint: "10.0.0.1:8200"}

	cache := NewMemMetadataCache(16, 3, 5)
	cache.SetAuthoritativeLeader(key, leader)
	cache.SetLeaderMayChange(key, true)

	transport := &fakeTransport{script: []ChunkReply{
		{Err: errors.New("i/o timeout"), Timeout: true},
		{Status: core.StatusSuccess},
	}}
	metrics := &countingMetrics{}
	cfg := NewConfig(MinRetryTimesForceTimeoutBackoff(3), RPCTimeoutMS(100), MaxRPCTimeoutMS(2000))
	ctrl := newTestController(cfg, cache, transport, metrics)

	req := &RequestContext{Op: OpReadChunk, Chunk: testChunk(), Length: 1024}

	var gotState *RequestState
	ctrl.Dispatch(context.Background(), req, func(_ *RequestContext, st *RequestState) {
		gotState = st
	})

	if len(transport.calls) != 2 {
		t.Fatalf("transport called %d times, want 2", len(transport.calls))
	}
	if got, want := transport.calls[1].timeout, 100*time.Millisecond; got != want {
		t.Fatalf("second attempt timeout = %v, want %v (base, not doubled)", got, want)
	}
	if gotState.RetryCount != 1 {
		t.Fatalf("RetryCount = %d, want 1", gotState.RetryCount)
	}
	if gotState.ErrorCode != core.StatusSuccess {
		t.Fatalf("ErrorCode = %v, want StatusSuccess", gotState.ErrorCode)
	}
	if metrics.timeout != 1 {
		t.Fatalf("IncremTimeOutRPCCount called %d times, want 1", metrics.timeout)
	}
}

// TestRedirectWithHintGoesDirectly is scenario 3: a Redirected reply whose
// hint resolves to a different leader should retry immediately, with no
// sleep, against the new leader.
func TestRedirectWithHintGoesDirectly(t *testing.T) {
	key := testKey()
	leader1 := LeaderInfo{ChunkServerID: 1, Endpoint: "1.1.1.1:8200"}
	leader2 := LeaderInfo{ChunkServerID: 2, Endpoint: "1.2.3.4:8200"}

	cache := NewMemMetadataCache(16, 3, 5)
	cache.SetAuthoritativeLeader(key, leader1)
	if _, err := cache.GetLeader(key, false); err != nil {
		t.Fatalf("seed GetLeader: %v", err)
	}
	// Simulate the cluster having actually moved the leader to leader2;
	// the redirect hint below points at it.
	cache.SetAuthoritativeLeader(key, leader2)

	transport := &fakeTransport{script: []ChunkReply{
		{Status: core.StatusRedirected, RedirectHint: leader2.Endpoint},
		{Status: core.StatusSuccess, ChunkSn: []uint64{1, 2, 3}},
	}}
	metrics := &countingMetrics{}
	sleeper := &NoopSleeper{}
	ctrl := NewController(NewConfig(), cache, metrics, NewManualClock(0), sleeper, transport, NewThrottle(10))

	req := &RequestContext{Op: OpGetChunkInfo, Chunk: testChunk()}

	var gotState *RequestState
	ctrl.Dispatch(context.Background(), req, func(_ *RequestContext, st *RequestState) {
		gotState = st
	})

	if len(transport.calls) != 2 {
		t.Fatalf("transport called %d times, want 2", len(transport.calls))
	}
	if got, want := transport.calls[0].leader.ChunkServerID, leader1.ChunkServerID; got != want {
		t.Fatalf("first attempt leader = %v, want %v", got, want)
	}
	if got, want := transport.calls[1].leader.ChunkServerID, leader2.ChunkServerID; got != want {
		t.Fatalf("second attempt leader = %v, want %v (redirected target)", got, want)
	}
	if len(sleeper.Slept) != 0 {
		t.Fatalf("slept %v, want no sleep before a direct retry", sleeper.Slept)
	}
	if gotState.RetryCount != 1 {
		t.Fatalf("RetryCount = %d, want 1", gotState.RetryCount)
	}
	if metrics.redirect != 1 {
		t.Fatalf("IncremRedirectRPCCount called %d times, want 1", metrics.redirect)
	}
	if len(req.ChunkInfo) != 3 {
		t.Fatalf("ChunkInfo = %v, want 3 entries", req.ChunkInfo)
	}
}

// TestReadChunkHoleOnChunkNotExist is scenario 5: ReadChunk against a
// missing chunk reads back as success with a zero-filled buffer, not a
// retry and not an error.
func TestReadChunkHoleOnChunkNotExist(t *testing.T) {
	key := testKey()
	leader := LeaderInfo{ChunkServerID: 1, Endpoint: "10.0.0.1:8200"}

	cache := NewMemMetadataCache(16, 3, 5)
	cache.SetAuthoritativeLeader(key, leader)

	transport := &fakeTransport{script: []ChunkReply{{Status: core.StatusChunkNotExist}}}
	ctrl := newTestController(NewConfig(), cache, transport, &countingMetrics{})

	req := &RequestContext{Op: OpReadChunk, Chunk: testChunk(), Offset: 0, Length: 8192}

	var gotState *RequestState
	ctrl.Dispatch(context.Background(), req, func(_ *RequestContext, st *RequestState) {
		gotState = st
	})

	if len(transport.calls) != 1 {
		t.Fatalf("transport called %d times, want 1 (no retry)", len(transport.calls))
	}
	if gotState.ErrorCode != core.StatusSuccess {
		t.Fatalf("ErrorCode = %v, want StatusSuccess (hole override)", gotState.ErrorCode)
	}
	if len(req.ReadBuf) != 8192 {
		t.Fatalf("ReadBuf length = %d, want 8192", len(req.ReadBuf))
	}
	if !bytes.Equal(req.ReadBuf, make([]byte, 8192)) {
		t.Fatalf("ReadBuf is not all zero")
	}
}

// TestBudgetExhaustion is scenario 6: every attempt fails at the transport
// level, and the request terminates with the last observed error once the
// retry budget is exhausted.
func TestBudgetExhaustion(t *testing.T) {
	key := testKey()
	leader := LeaderInfo{ChunkServerID: 1, Endpoint: "10.0.0.1:8200"}

	cache := NewMemMetadataCache(16, 3, 5)
	cache.SetAuthoritativeLeader(key, leader)

	connRefused := errors.New("connection refused")
	transport := &fakeTransport{script: []ChunkReply{
		{Err: connRefused},
		{Err: connRefused},
		{Err: connRefused},
	}}
	metrics := &countingMetrics{}
	cfg := NewConfig(MaxRetry(3))
	ctrl := newTestController(cfg, cache, transport, metrics)

	req := &RequestContext{Op: OpWriteChunk, Chunk: testChunk(), WriteData: []byte("x")}

	var doneCount int
	var gotState *RequestState
	ctrl.Dispatch(context.Background(), req, func(_ *RequestContext, st *RequestState) {
		doneCount++
		gotState = st
	})

	if doneCount != 1 {
		t.Fatalf("completion invoked %d times, want 1", doneCount)
	}
	if len(transport.calls) != 3 {
		t.Fatalf("transport called %d times, want exactly 3", len(transport.calls))
	}
	if gotState.ErrorCode != core.StatusRPCFailed {
		t.Fatalf("ErrorCode = %v, want StatusRPCFailed", gotState.ErrorCode)
	}
	if gotState.TransportErr != connRefused {
		t.Fatalf("TransportErr = %v, want %v", gotState.TransportErr, connRefused)
	}
	if metrics.fail != 3 {
		t.Fatalf("IncremFailRPCCount called %d times, want 3", metrics.fail)
	}
}

// TestInflightTokenReleasedExactlyOnce exercises the throttle across a
// retry: acquired once at Dispatch, never reacquired, released exactly once
// on terminal completion.
func TestInflightTokenReleasedExactlyOnce(t *testing.T) {
	key := testKey()
	leader := LeaderInfo{ChunkServerID: 1, Endpoint: "10.0.0.1:8200"}

	cache := NewMemMetadataCache(16, 3, 5)
	cache.SetAuthoritativeLeader(key, leader)

	transport := &fakeTransport{script: []ChunkReply{
		{Status: core.StatusOverload},
		{Status: core.StatusSuccess},
	}}
	throttle := NewThrottle(1)
	ctrl := NewController(NewConfig(), cache, &countingMetrics{}, NewManualClock(0), &NoopSleeper{}, transport, throttle)

	req := &RequestContext{Op: OpWriteChunk, Chunk: testChunk(), WriteData: []byte("x")}
	ctrl.Dispatch(context.Background(), req, func(*RequestContext, *RequestState) {})

	select {
	case throttle <- struct{}{}:
		<-throttle
	default:
		t.Fatalf("throttle token was not released after terminal completion")
	}
}

// TestSlowRequestLatchesOnce verifies the slow-request flag is set at most
// once and never clears once true.
func TestSlowRequestLatchesOnce(t *testing.T) {
	key := testKey()
	leader := LeaderInfo{ChunkServerID: 1, Endpoint: "10.0.0.1:8200"}

	cache := NewMemMetadataCache(16, 3, 5)
	cache.SetAuthoritativeLeader(key, leader)

	transport := &fakeTransport{script: []ChunkReply{
		{Status: core.StatusOverload},
		{Status: core.StatusOverload},
		{Status: core.StatusSuccess},
	}}
	metrics := &countingMetrics{}
	clock := NewManualClock(0)
	cfg := NewConfig(SlowRequestThresholdMS(10), MaxRetry(5))
	ctrl := NewController(cfg, cache, metrics, clock, &sleeperThatAdvances{clock: clock}, transport, NewThrottle(1))

	req := &RequestContext{Op: OpWriteChunk, Chunk: testChunk(), WriteData: []byte("x")}
	var gotState *RequestState
	ctrl.Dispatch(context.Background(), req, func(_ *RequestContext, st *RequestState) {
		gotState = st
	})

	if !gotState.SlowRequest {
		t.Fatalf("expected SlowRequest to latch true")
	}
	if metrics.slow != 1 {
		t.Fatalf("IncremSlowRequestNum called %d times, want 1 (latches once)", metrics.slow)
	}
}

// TestDispatchReadChunkSnapshotSucceeds exercises the ReadChunkSnapshot
// dispatch path end to end, including installing the returned bytes into
// ReadBuf the same way ReadChunk does.
func TestDispatchReadChunkSnapshotSucceeds(t *testing.T) {
	key := testKey()
	leader := LeaderInfo{ChunkServerID: 1, Endpoint: "10.0.0.1:8200"}

	cache := NewMemMetadataCache(16, 3, 5)
	cache.SetAuthoritativeLeader(key, leader)

	data := []byte("snapshot bytes")
	transport := &fakeTransport{script: []ChunkReply{{Status: core.StatusSuccess, Data: data}}}
	ctrl := newTestController(NewConfig(), cache, transport, &countingMetrics{})

	req := &RequestContext{Op: OpReadChunkSnapshot, Chunk: testChunk(), Sn: 2, Offset: 0, Length: uint32(len(data))}

	var gotState *RequestState
	ctrl.Dispatch(context.Background(), req, func(_ *RequestContext, st *RequestState) {
		gotState = st
	})

	if len(transport.calls) != 1 {
		t.Fatalf("transport called %d times, want 1", len(transport.calls))
	}
	if transport.calls[0].op != OpReadChunkSnapshot {
		t.Fatalf("dispatched op = %v, want OpReadChunkSnapshot", transport.calls[0].op)
	}
	if gotState.ErrorCode != core.StatusSuccess {
		t.Fatalf("ErrorCode = %v, want StatusSuccess", gotState.ErrorCode)
	}
	if !bytes.Equal(req.ReadBuf, data) {
		t.Fatalf("ReadBuf = %v, want %v", req.ReadBuf, data)
	}
}

// TestDispatchDeleteChunkSnapshotOrCorrectSnRetriesOnOverload exercises the
// DeleteChunkSnapshotOrCorrectSn dispatch path through an overload retry
// before succeeding.
func TestDispatchDeleteChunkSnapshotOrCorrectSnRetriesOnOverload(t *testing.T) {
	key := testKey()
	leader := LeaderInfo{ChunkServerID: 1, Endpoint: "10.0.0.1:8200"}

	cache := NewMemMetadataCache(16, 3, 5)
	cache.SetAuthoritativeLeader(key, leader)

	transport := &fakeTransport{script: []ChunkReply{
		{Status: core.StatusOverload},
		{Status: core.StatusSuccess},
	}}
	metrics := &countingMetrics{}
	ctrl := newTestController(NewConfig(), cache, transport, metrics)

	req := &RequestContext{Op: OpDeleteChunkSnapshotOrCorrectSn, Chunk: testChunk(), Cs: 9}

	var gotState *RequestState
	ctrl.Dispatch(context.Background(), req, func(_ *RequestContext, st *RequestState) {
		gotState = st
	})

	if len(transport.calls) != 2 {
		t.Fatalf("transport called %d times, want 2", len(transport.calls))
	}
	for _, c := range transport.calls {
		if c.op != OpDeleteChunkSnapshotOrCorrectSn {
			t.Fatalf("dispatched op = %v, want OpDeleteChunkSnapshotOrCorrectSn", c.op)
		}
	}
	if gotState.RetryCount != 1 {
		t.Fatalf("RetryCount = %d, want 1", gotState.RetryCount)
	}
	if gotState.ErrorCode != core.StatusSuccess {
		t.Fatalf("ErrorCode = %v, want StatusSuccess", gotState.ErrorCode)
	}
	if metrics.fail != 1 {
		t.Fatalf("IncremFailRPCCount called %d times, want 1 (overload counts as a failed RPC)", metrics.fail)
	}
}

// TestDispatchCreateCloneChunkSucceedsFirstTry exercises the CreateCloneChunk
// dispatch path, which has no success-handler deviation of its own.
func TestDispatchCreateCloneChunkSucceedsFirstTry(t *testing.T) {
	key := testKey()
	leader := LeaderInfo{ChunkServerID: 1, Endpoint: "10.0.0.1:8200"}

	cache := NewMemMetadataCache(16, 3, 5)
	cache.SetAuthoritativeLeader(key, leader)

	transport := &fakeTransport{script: []ChunkReply{{Status: core.StatusSuccess}}}
	ctrl := newTestController(NewConfig(), cache, transport, &countingMetrics{})

	req := &RequestContext{Op: OpCreateCloneChunk, Chunk: testChunk(), CloneLocation: "s3://bucket/key", Sn: 1, Cs: 0, ChunkSize: 1 << 26}

	var gotState *RequestState
	ctrl.Dispatch(context.Background(), req, func(_ *RequestContext, st *RequestState) {
		gotState = st
	})

	if len(transport.calls) != 1 {
		t.Fatalf("transport called %d times, want 1", len(transport.calls))
	}
	if transport.calls[0].op != OpCreateCloneChunk {
		t.Fatalf("dispatched op = %v, want OpCreateCloneChunk", transport.calls[0].op)
	}
	if gotState.ErrorCode != core.StatusSuccess {
		t.Fatalf("ErrorCode = %v, want StatusSuccess", gotState.ErrorCode)
	}
}

// TestDispatchRecoverChunkTerminalOnInvalidRequest exercises the RecoverChunk
// dispatch path reaching a terminal application error without ever retrying.
func TestDispatchRecoverChunkTerminalOnInvalidRequest(t *testing.T) {
	key := testKey()
	leader := LeaderInfo{ChunkServerID: 1, Endpoint: "10.0.0.1:8200"}

	cache := NewMemMetadataCache(16, 3, 5)
	cache.SetAuthoritativeLeader(key, leader)

	transport := &fakeTransport{script: []ChunkReply{{Status: core.StatusInvalidRequest}}}
	ctrl := newTestController(NewConfig(), cache, transport, &countingMetrics{})

	req := &RequestContext{Op: OpRecoverChunk, Chunk: testChunk(), Offset: 0, Length: 4096}

	var doneCount int
	var gotState *RequestState
	ctrl.Dispatch(context.Background(), req, func(_ *RequestContext, st *RequestState) {
		doneCount++
		gotState = st
	})

	if doneCount != 1 {
		t.Fatalf("completion invoked %d times, want 1", doneCount)
	}
	if len(transport.calls) != 1 {
		t.Fatalf("transport called %d times, want 1 (no retry on a terminal error)", len(transport.calls))
	}
	if transport.calls[0].op != OpRecoverChunk {
		t.Fatalf("dispatched op = %v, want OpRecoverChunk", transport.calls[0].op)
	}
	if gotState.ErrorCode != core.StatusInvalidRequest {
		t.Fatalf("ErrorCode = %v, want StatusInvalidRequest", gotState.ErrorCode)
	}
}

// sleeperThatAdvances pushes a ManualClock forward by the requested
// duration instead of actually waiting, so slow-request timing tests run
// instantly and deterministically.
type sleeperThatAdvances struct {
	clock *ManualClock
}

func (s *sleeperThatAdvances) Sleep(_ context.Context, d time.Duration) {
	s.clock.Advance(d)
}
