// Copyright (c) 2017 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"strings"
	"testing"
)

func TestGenRequestIDUnique(t *testing.T) {
	target := CopysetKey{LogicalPool: 3, Copyset: 9}
	a := GenRequestID(target)
	b := GenRequestID(target)
	if a == b {
		t.Fatalf("GenRequestID returned the same id twice: %q", a)
	}
}

func TestGenRequestIDCarriesCopyset(t *testing.T) {
	target := CopysetKey{LogicalPool: 3, Copyset: 9}
	id := GenRequestID(target)
	if !strings.HasSuffix(id, "-"+target.String()) {
		t.Fatalf("GenRequestID(%v) = %q, want suffix %q", target, id, "-"+target.String())
	}
}
