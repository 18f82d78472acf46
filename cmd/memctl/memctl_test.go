package main

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/kmemkit/pkg/types"
)

func TestInfoCommand(t *testing.T) {
	out, err := runCLI(t, "info", "--nodes", "2", "--cpus", "4", "--memory", "64")
	require.NoError(t, err)
	assert.Contains(t, out, "nodes 2, cpus 4")
	assert.Contains(t, out, "issues   0 errors")

	out, err = runCLI(t, "info", "--json", "--memory", "32")
	require.NoError(t, err)
	assertJSON(t, out)
	var snap struct {
		Nodes        int `json:"nodes"`
		ManagedPages int `json:"managed_pages"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &snap))
	assert.Equal(t, 1, snap.Nodes)
	assert.Positive(t, snap.ManagedPages)
}

func TestBootFlagValidation(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"uneven memory", []string{"info", "--nodes", "3", "--cpus", "3", "--memory", "64"}},
		{"zero cpus", []string{"info", "--cpus", "0"}},
		{"unaligned node", []string{"info", "--memory", "6"}},
		{"cpus below nodes", []string{"info", "--nodes", "4", "--cpus", "2", "--memory", "64"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runCLI(t, tt.args...)
			require.Error(t, err)
		})
	}
}

func TestBuddyInfoCommand(t *testing.T) {
	out, err := runCLI(t, "buddyinfo", "--nodes", "2", "--cpus", "2", "--memory", "64")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.NotEmpty(t, lines)
	assert.True(t, strings.HasPrefix(lines[0], "Node 0, zone"))
	assert.Contains(t, out, "Node 1, zone")
	assert.Len(t, strings.Fields(lines[0]), 4+11, "one column per order")

	out, err = runCLI(t, "buddyinfo", "--json", "--memory", "32")
	require.NoError(t, err)
	var zones []buddyZone
	require.NoError(t, json.Unmarshal([]byte(out), &zones))
	require.NotEmpty(t, zones)
	assert.Len(t, zones[0].NrFree, 11)
}

func TestZoneInfoCommand(t *testing.T) {
	out, err := runCLI(t, "zoneinfo", "--memory", "32", "--warmup", "500")
	require.NoError(t, err)
	assert.Contains(t, out, "pages free")
	assert.Contains(t, out, "pageblocks")

	out, err = runCLI(t, "zoneinfo", "--json", "--memory", "32")
	require.NoError(t, err)
	assertJSON(t, out)
}

func TestSlabInfoCommand(t *testing.T) {
	out, err := runCLI(t, "slabinfo", "--memory", "32")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "# name"))
	assert.Contains(t, out, "kmalloc-96 ")
	assert.Contains(t, out, "dma-kmalloc-8k ")

	out, err = runCLI(t, "slabinfo", "--memory", "32", "--warmup", "2000", "--name", "kmalloc-rcl", "--stats")
	require.NoError(t, err)
	assert.NotContains(t, out, "dma-kmalloc")
	assert.Contains(t, out, "kmalloc-rcl-64")

	out, err = runCLI(t, "slabinfo", "--json", "--memory", "32", "--name", "kmalloc-8k")
	require.NoError(t, err)
	var caches []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &caches))
	assert.Len(t, caches, 2, "kmalloc-8k and dma-kmalloc-8k")
}

func TestStressCommand(t *testing.T) {
	out, err := runCLI(t, "stress", "--cpus", "4", "--nodes", "2", "--memory", "64", "--ops", "2000")
	require.NoError(t, err)
	assert.Contains(t, out, "Operations:    8000")
	assert.Contains(t, out, "Allocator state consistent")

	out, err = runCLI(t, "stress", "--json", "--memory", "32", "--ops", "500", "--debug")
	require.NoError(t, err)
	var report stressReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.EqualValues(t, 1000, report.Ops)
	assert.True(t, report.Verified)
	assert.Zero(t, report.Corruptions)
}

func TestVerifyCommand(t *testing.T) {
	out, err := runCLI(t, "verify", "--memory", "32", "--warmup", "1000")
	require.NoError(t, err)
	assert.NotEmpty(t, out)

	out, err = runCLI(t, "verify", "--memory", "32", "--inject-corruption", "--json")
	require.Error(t, err)
	var report types.DiagnosticReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Positive(t, report.Summary.Quarantined)
	found := false
	for _, d := range report.Diagnostics {
		if d.Cache == "verify-victim" {
			found = true
		}
	}
	assert.True(t, found, "the corrupt slab is reported against its cache")
}
