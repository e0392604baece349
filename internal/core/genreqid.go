// Copyright (c) 2017 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"crypto/rand"
	"encoding/base64"
	"strconv"
	"sync/atomic"
)

var (
	clientIDPrefix = makePrefix()
	seqNum         uint64
)

func makePrefix() string {
	buf := make([]byte, 15)
	rand.Read(buf)
	return base64.StdEncoding.EncodeToString(buf)
}

// GenRequestID returns a unique string to be used as a request id for
// logging and tracing, stable across every attempt of one retry sequence.
// It combines 120 random bits identifying this client process, 64 bits of
// sequence number, and the copyset the request targets, so a single log
// line carrying the id is enough to grep every attempt against that
// copyset without cross-referencing other fields.
func GenRequestID(target CopysetKey) string {
	id := atomic.AddUint64(&seqNum, 1)
	return clientIDPrefix + strconv.FormatUint(id, 36) + "-" + target.String()
}
