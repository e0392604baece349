// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package chunkclient

import "time"

// Config is the immutable, process-wide set of retry/backoff knobs the
// controller is built with. It replaces what the source keeps as
// process-wide mutable singletons: build one Config at client
// initialization with NewConfig and thread it through, never mutate it
// afterwards.
type Config struct {
	maxRetry                        int
	retryIntervalUS                 int64
	maxRetrySleepIntervalUS         int64
	rpcTimeoutMS                    int64
	maxRPCTimeoutMS                 int64
	minRetryTimesForceTimeoutBackoff int
	slowRequestThresholdMS          int64
	maxOverloadPow                  uint
	maxTimeoutPow                   uint
}

// Option customizes a Config at construction time.
type Option func(*Config)

// defaultConfig mirrors the defaults curve clients ship with: 3 attempts,
// 100ms base RPC timeout doubling up to a 2s cap, 50ms base overload sleep
// doubling at most 5 times (1.6s before jitter) under a 2s cap,
// slow-request threshold of 15s.
var defaultConfig = Config{
	maxRetry:                         3,
	retryIntervalUS:                  50000,
	maxRetrySleepIntervalUS:          2000000,
	rpcTimeoutMS:                     100,
	maxRPCTimeoutMS:                  2000,
	minRetryTimesForceTimeoutBackoff: 3,
	slowRequestThresholdMS:           15000,
	maxOverloadPow:                   5,
	maxTimeoutPow:                    5,
}

// MaxRetry caps the number of attempts per request, the first one included
// (chunkserverOPMaxRetry): the request completes with its last error once
// its retry count reaches n.
func MaxRetry(n int) Option { return func(c *Config) { c.maxRetry = n } }

// RetryIntervalUS sets the base retry sleep interval in microseconds
// (chunkserverOPRetryIntervalUS).
func RetryIntervalUS(us int64) Option { return func(c *Config) { c.retryIntervalUS = us } }

// MaxRetrySleepIntervalUS caps the overload backoff sleep in microseconds
// (chunkserverMaxRetrySleepIntervalUS).
func MaxRetrySleepIntervalUS(us int64) Option {
	return func(c *Config) { c.maxRetrySleepIntervalUS = us }
}

// RPCTimeoutMS sets the base per-attempt RPC timeout in milliseconds
// (chunkserverRPCTimeoutMS).
func RPCTimeoutMS(ms int64) Option { return func(c *Config) { c.rpcTimeoutMS = ms } }

// MaxRPCTimeoutMS caps the timeout backoff in milliseconds
// (chunkserverMaxRPCTimeoutMS).
func MaxRPCTimeoutMS(ms int64) Option { return func(c *Config) { c.maxRPCTimeoutMS = ms } }

// MinRetryTimesForceTimeoutBackoff sets the retry count below which a
// timed-out request is retried with the base timeout instead of a
// backed-off one, when the leader may be changing
// (chunkserverMinRetryTimesForceTimeoutBackoff). The count is 1 on the
// first retry, so n=3 gives the base timeout to the first two retries.
func MinRetryTimesForceTimeoutBackoff(n int) Option {
	return func(c *Config) { c.minRetryTimesForceTimeoutBackoff = n }
}

// SlowRequestThresholdMS sets the age at which a request latches its
// slow-request flag (chunkserverSlowRequestThresholdMS).
func SlowRequestThresholdMS(ms int64) Option {
	return func(c *Config) { c.slowRequestThresholdMS = ms }
}

// MaxOverloadPow caps the exponent used by OverloadBackoff.
func MaxOverloadPow(p uint) Option { return func(c *Config) { c.maxOverloadPow = p } }

// MaxTimeoutPow caps the exponent used by TimeoutBackoff.
func MaxTimeoutPow(p uint) Option { return func(c *Config) { c.maxTimeoutPow = p } }

// NewConfig builds an immutable Config from defaults plus any overrides.
func NewConfig(opts ...Option) Config {
	c := defaultConfig
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// RPCTimeout returns the base RPC timeout as a time.Duration, for callers
// that want it in that form.
func (c Config) RPCTimeout() time.Duration {
	return time.Duration(c.rpcTimeoutMS) * time.Millisecond
}
