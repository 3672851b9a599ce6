// Package testutil holds helpers shared by package tests: skip guards for
// tests that need real checkpoints, deterministic synthetic weights for tiny
// models, and WAV assertions.
//
// Typical usage:
//
//	func TestRealCheckpoint(t *testing.T) {
//	    path := testutil.RequireWeights(t, testutil.EnvMimiWeights)
//	    ...
//	}
package testutil

import (
	"os"
	"testing"
)

// Environment variables naming local checkpoints for integration tests.
const (
	EnvMimiWeights = "MOSHI_MIMI_WEIGHTS"
	EnvLMWeights   = "MOSHI_LM_WEIGHTS"
	EnvVocab       = "MOSHI_VOCAB"
)

// RequireWeights returns the file named by env, skipping the test when the
// variable is unset or the file is missing.
func RequireWeights(tb testing.TB, env string) string {
	tb.Helper()

	p := os.Getenv(env)
	if p == "" {
		tb.Skipf("%s not set; point it at a local checkpoint to run this test", env)
		return ""
	}

	// #nosec G703 -- Integration tests intentionally accept explicit env-provided local paths.
	if _, err := os.Stat(p); err != nil {
		tb.Skipf("checkpoint %s=%q not available: %v", env, p, err)
		return ""
	}

	return p
}
