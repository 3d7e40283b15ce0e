package model

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewID_Kinds(t *testing.T) {
	for _, kind := range []IDKind{IDKindQueueEntry, IDKindNotification, IDKindDeadLetter} {
		t.Run(string(kind), func(t *testing.T) {
			id, err := NewID(kind)
			require.NoError(t, err)
			assert.True(t, IsLocalID(id), id)
			assert.True(t, strings.HasPrefix(id, string(kind)+"_"), id)

			got, err := IDKindOf(id)
			require.NoError(t, err)
			assert.Equal(t, kind, got)
		})
	}
}

func TestNewID_UnknownKind(t *testing.T) {
	_, err := NewID("cmd")
	assert.Error(t, err)
}

func TestNewID_SameMillisecondStaysUnique(t *testing.T) {
	now := time.UnixMilli(1736467200123)
	seen := make(map[string]bool)
	for i := 0; i < 500; i++ {
		id, err := newIDAt(IDKindQueueEntry, now)
		require.NoError(t, err)
		require.False(t, seen[id], "duplicate queue entry id %s", id)
		seen[id] = true
	}
}

func TestIsLocalID(t *testing.T) {
	tests := []struct {
		name  string
		id    string
		valid bool
	}{
		{"queue entry", "mq_1736467200123_a3f2b7c1", true},
		{"reminder handle", "ntf_1736467200123_d4e9f0a2", true},
		{"dead letter", "dl_1736467200123_e5f0c3d8", true},
		{"product uuid", "6f1c2d0e-8a4b-4c3d-9e2f-1a2b3c4d5e6f", false},
		{"unknown kind", "cmd_1736467200123_a3f2b7c1", false},
		{"seconds timestamp", "mq_1736467200_a3f2b7c1", false},
		{"uppercase hex", "mq_1736467200123_A3F2B7C1", false},
		{"short hex", "mq_1736467200123_a3f2b7c", false},
		{"empty", "", false},
		{"no separators", "mq1736467200123a3f2b7c1", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, IsLocalID(tt.id))
		})
	}
}

func TestIDKindOf_Malformed(t *testing.T) {
	_, err := IDKindOf("invalid")
	assert.Error(t, err)
}

func TestIDTime(t *testing.T) {
	ts, err := IDTime("mq_1736467200123_a3f2b7c1")
	require.NoError(t, err)
	assert.Equal(t, int64(1736467200123), ts.UnixMilli())

	_, err = IDTime("ntf_soon_a3f2b7c1")
	assert.Error(t, err)
}
