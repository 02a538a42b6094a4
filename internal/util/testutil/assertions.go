// Package testutil holds small helpers shared across test packages.
package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Polling bounds for Eventually-style waits. Kernel operations settle
// in milliseconds; anything past waitFor is a hang.
const (
	waitFor = 5 * time.Second
	tick    = 20 * time.Millisecond
)

// AssertEventually polls condition until it holds or waitFor elapses.
func AssertEventually(t *testing.T, condition func() bool, msgAndArgs ...any) bool {
	t.Helper()
	return assert.Eventually(t, condition, waitFor, tick, msgAndArgs...)
}

// RequireEventually is AssertEventually but fatal on timeout.
func RequireEventually(t *testing.T, condition func() bool, msgAndArgs ...any) {
	t.Helper()
	require.Eventually(t, condition, waitFor, tick, msgAndArgs...)
}
