package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergePatch(t *testing.T) {
	prev := map[string]any{"a": 1, "b": "keep"}
	patch := map[string]any{"a": 2, "c": true}

	merged := mergePatch(prev, patch)

	assert.Equal(t, map[string]any{"a": 2, "b": "keep", "c": true}, merged)
	assert.Equal(t, map[string]any{"a": 1, "b": "keep"}, prev, "previous map is untouched")
}

func TestDiffFields(t *testing.T) {
	at := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	t.Run("restricted to patched keys", func(t *testing.T) {
		prev := map[string]any{"a": 1, "b": "x"}
		patch := map[string]any{"a": 2}
		next := mergePatch(prev, patch)

		changes := diffFields(prev, next, patch, at)
		require.Len(t, changes, 1)
		assert.Equal(t, "a", changes[0].Field)
		assert.Equal(t, 1, changes[0].Old)
		assert.Equal(t, 2, changes[0].New)
		assert.Equal(t, at, changes[0].ChangedAt)
	})

	t.Run("identical value is not a change", func(t *testing.T) {
		prev := map[string]any{"a": "same"}
		patch := map[string]any{"a": "same"}
		changes := diffFields(prev, mergePatch(prev, patch), patch, at)
		assert.Empty(t, changes)
	})

	t.Run("new field has nil old value", func(t *testing.T) {
		patch := map[string]any{"fresh": 3.5}
		changes := diffFields(nil, mergePatch(nil, patch), patch, at)
		require.Len(t, changes, 1)
		assert.Nil(t, changes[0].Old)
	})

	t.Run("nested map compares deeply, reported as one change", func(t *testing.T) {
		prev := map[string]any{"m": map[string]any{"k": 1}}
		patch := map[string]any{"m": map[string]any{"k": 2}}
		changes := diffFields(prev, mergePatch(prev, patch), patch, at)
		require.Len(t, changes, 1)
		assert.Equal(t, "m", changes[0].Field)

		same := map[string]any{"m": map[string]any{"k": 1}}
		changes = diffFields(prev, mergePatch(prev, same), same, at)
		assert.Empty(t, changes)
	})

	t.Run("fields come out sorted", func(t *testing.T) {
		patch := map[string]any{"z": 1, "a": 2, "m": 3}
		changes := diffFields(nil, mergePatch(nil, patch), patch, at)
		require.Len(t, changes, 3)
		assert.Equal(t, "a", changes[0].Field)
		assert.Equal(t, "m", changes[1].Field)
		assert.Equal(t, "z", changes[2].Field)
	})
}
