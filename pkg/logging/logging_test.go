package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ badger.Logger = (*BadgerLogger)(nil)

func TestNewFormats(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Options{Level: "debug", Format: "json", Output: &buf})
	require.NoError(t, err)

	Component(l, "engine").Debug("evaluation finished", "candidates", 3)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "evaluation finished", line["msg"])
	assert.Contains(t, line["prefix"], "engine")
	assert.EqualValues(t, 3, line["candidates"])
}

func TestLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Options{Level: "WARN", Format: "logfmt", Output: &buf})
	require.NoError(t, err)

	l.Info("hidden")
	l.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestInvalidOptions(t *testing.T) {
	_, err := New(Options{Level: "verbose"})
	assert.Error(t, err)
	_, err = New(Options{Format: "xml"})
	assert.Error(t, err)
}

func TestBadgerAdapter(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Options{Level: "info", Output: &buf})
	require.NoError(t, err)

	b := Badger(l)
	b.Infof("compaction %d\n", 1)
	assert.Empty(t, buf.String())

	b.Warningf("slow write: %s\n", "12ms")
	assert.Contains(t, buf.String(), "slow write: 12ms")
	assert.Contains(t, buf.String(), "badger")
}

func TestComponentNilParent(t *testing.T) {
	assert.NotPanics(t, func() { Component(nil, "x").Info("dropped") })
}
