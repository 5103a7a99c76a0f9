// Package health implements liveness checks for the engine's external
// collaborators: the DVR device node, the tuning front end, and the
// persistent store — the same shape of check the teacher's health.go
// ran against an HTTP provider and HDHomeRun endpoints, retargeted at
// this engine's actual dependencies.
package health

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/snapetech/tsengine/internal/store"
	"github.com/snapetech/tsengine/internal/tuner"
)

// CheckDVRDevice reports whether path exists and is openable for
// reading, without consuming any data from it.
func CheckDVRDevice(path string) error {
	if path == "" {
		return fmt.Errorf("no DVR device configured")
	}
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("dvr device unreachable: %w", err)
	}
	return f.Close()
}

// CheckFrontEnd calls the front end's Status with a bounded timeout and
// reports an error if the call fails. It does not require Locked —
// an idle front end between tunes is healthy.
func CheckFrontEnd(ctx context.Context, fe tuner.FrontEnd) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := fe.Status(ctx); err != nil {
		return fmt.Errorf("front end unreachable: %w", err)
	}
	return nil
}

// CheckStore exercises a read-only query against st and reports an
// error if the store does not respond within a bounded timeout.
func CheckStore(ctx context.Context, st store.Store) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := st.EnumerateMultiplexes(ctx); err != nil {
		return fmt.Errorf("store unreachable: %w", err)
	}
	return nil
}
