// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package utils

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestPtr(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{"non-empty string", "hello"},
		{"empty string", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Ptr(tt.value)
			if p == nil {
				t.Fatal("expected non-nil pointer")
			}
			if *p != tt.value {
				t.Errorf("expected %q, got %q", tt.value, *p)
			}
		})
	}
}

func TestGoRecoversPanic(t *testing.T) {
	done := make(chan struct{})
	Go(context.Background(), func() {
		defer close(done)
		panic("boom")
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("goroutine did not complete")
	}
}

func TestGoSkipsLaunchOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := make(chan struct{})
	Go(ctx, func() { close(ran) })

	select {
	case <-ran:
		t.Fatal("fn must not run under a cancelled context")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestGetLocalIPIsValid(t *testing.T) {
	ip := GetLocalIP()
	if net.ParseIP(ip) == nil {
		t.Errorf("expected a valid IP, got %q", ip)
	}
}
