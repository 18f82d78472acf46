package main

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"
	"time"
)

// resetFlags restores every flag variable to its default so that tests
// running the root command one after another do not leak settings.
func resetFlags() {
	verbose, quiet, jsonOut = false, false, false
	memoryMiB, nodes, cpus = 128, 1, 2
	debugMode, seed, warmupOps = false, 1, 0
	slabStats, slabFilter = false, ""
	stressOps, stressDuration, stressMaxHeld = 100000, time.Duration(0), 512
	stressMaxKmalloc, stressMaxOrder = 16*1024, 3
	verifyInject, verifyCompact = false, false
}

// runCLI executes memctl with args and returns what it printed to stdout.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags()
	t.Cleanup(resetFlags)
	rootCmd.SetArgs(args)
	return captureOutput(t, func() error {
		return rootCmd.Execute()
	})
}

// captureOutput captures stdout while running a function
func captureOutput(t *testing.T, fn func() error) (string, error) {
	t.Helper()

	origStdout := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("failed to create pipe: %v", err)
	}
	os.Stdout = w

	// Drain concurrently; reports can exceed the pipe buffer.
	done := make(chan *bytes.Buffer)
	go func() {
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(r)
		done <- &buf
	}()

	fnErr := fn()

	w.Close()
	os.Stdout = origStdout
	return (<-done).String(), fnErr
}

// assertJSON checks that output is valid JSON
func assertJSON(t *testing.T, output string) {
	t.Helper()
	var result any
	if err := json.Unmarshal([]byte(output), &result); err != nil {
		t.Errorf("output is not valid JSON: %v\nOutput: %s", err, output)
	}
}
