// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package core

import "testing"

func TestStatusSuccessHasNoError(t *testing.T) {
	if err := StatusSuccess.Error(); err != nil {
		t.Fatalf("StatusSuccess.Error() = %v, want nil", err)
	}
}

func TestStatusErrorRoundTrip(t *testing.T) {
	err := StatusOverload.Error()
	if err == nil {
		t.Fatalf("expected non-nil error for StatusOverload")
	}
	st, ok := FromStatusError(err)
	if !ok || st != StatusOverload {
		t.Fatalf("FromStatusError = (%v, %v), want (StatusOverload, true)", st, ok)
	}
}

func TestStatusStringUnknownCode(t *testing.T) {
	s := Status(999)
	if s.String() == "" {
		t.Fatalf("expected non-empty fallback description")
	}
}
