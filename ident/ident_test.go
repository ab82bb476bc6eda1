package ident

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashBytes(t *testing.T) {
	// Known SHA-256 of empty input.
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		HashBytes(nil))
	assert.Equal(t, HashBytes([]byte("hello")), HashBytes([]byte("hello")))
	assert.NotEqual(t, HashBytes([]byte("hello")), HashBytes([]byte("world")))
}

func TestCanonicalDigestStable(t *testing.T) {
	type payload struct {
		Name  string            `json:"name"`
		Count int               `json:"count"`
		Tags  map[string]string `json:"tags"`
	}

	a := payload{Name: "x", Count: 3, Tags: map[string]string{"b": "2", "a": "1"}}
	b := payload{Name: "x", Count: 3, Tags: map[string]string{"a": "1", "b": "2"}}

	da, err := CanonicalDigest(a)
	require.NoError(t, err)
	db, err := CanonicalDigest(b)
	require.NoError(t, err)
	assert.Equal(t, da, db)

	// Map form with the same shape digests identically to the struct form.
	dm, err := CanonicalDigest(map[string]any{
		"name": "x", "count": 3, "tags": map[string]string{"a": "1", "b": "2"},
	})
	require.NoError(t, err)
	assert.Equal(t, da, dm)

	c := a
	c.Count = 4
	dc, err := CanonicalDigest(c)
	require.NoError(t, err)
	assert.NotEqual(t, da, dc)
}

func TestNewRunIDSortable(t *testing.T) {
	early := NewRunID(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	late := NewRunID(time.Date(2026, 1, 2, 3, 4, 6, 0, time.UTC))

	assert.True(t, strings.HasPrefix(early, "run-20260102T030405Z-"))
	assert.True(t, early < late)
}

func TestNewIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for range 100 {
		id := NewID()
		assert.False(t, seen[id])
		seen[id] = true
	}
}

func TestEncodePathSegment(t *testing.T) {
	cases := map[string]string{
		"Q3 Forecast":        "q3-forecast",
		"data__loader.py":    "data-loader-py",
		"--weird--":          "weird",
		"MixedCASE123":       "mixedcase123",
		"a  b\tc":            "a-b-c",
		"":                   "",
		"résumé":             "r-sum",
		"already-safe-token": "already-safe-token",
	}
	for in, want := range cases {
		assert.Equal(t, want, EncodePathSegment(in), "input %q", in)
	}
}
