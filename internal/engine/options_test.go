package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func TestOptionsMerge(t *testing.T) {
	base := Options{Depth: 20, Threads: 4, HashMB: 256, SkillLevel: 15}

	tests := []struct {
		name  string
		patch OptionsPatch
		want  Options
	}{
		{
			name:  "empty patch changes nothing",
			patch: OptionsPatch{},
			want:  base,
		},
		{
			name:  "single field overwrites only itself",
			patch: OptionsPatch{Depth: intPtr(30)},
			want:  Options{Depth: 30, Threads: 4, HashMB: 256, SkillLevel: 15},
		},
		{
			name:  "explicit zero is an overwrite, not an omission",
			patch: OptionsPatch{SkillLevel: intPtr(0)},
			want:  Options{Depth: 20, Threads: 4, HashMB: 256, SkillLevel: 0},
		},
		{
			name: "multiple fields apply together",
			patch: OptionsPatch{
				MoveTimeMS: intPtr(500),
				Nodes:      intPtr(100000),
				Threads:    intPtr(8),
			},
			want: Options{Depth: 20, MoveTimeMS: 500, Nodes: 100000, Threads: 8, HashMB: 256, SkillLevel: 15},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, base.Merge(tt.patch))
		})
	}
}

func TestUpdateOptionsPushesToReadySession(t *testing.T) {
	f := newFakeProc(happyScript)
	c := newTestClient(func() (proc, error) { return f, nil })
	require.True(t, c.Initialize(context.Background()))

	c.UpdateOptions(OptionsPatch{Threads: intPtr(8), HashMB: intPtr(512)})

	opts := c.Options()
	assert.Equal(t, 8, opts.Threads)
	assert.Equal(t, 512, opts.HashMB)
	assert.Equal(t, 20, opts.Depth, "unpatched fields keep their values")

	sent := f.sentLines()
	assert.Contains(t, sent, "setoption name Threads value 8")
	assert.Contains(t, sent, "setoption name Hash value 512")
}

func TestUpdateOptionsBeforeReadyOnlyStores(t *testing.T) {
	f := newFakeProc(happyScript)
	c := newTestClient(func() (proc, error) { return f, nil })

	c.UpdateOptions(OptionsPatch{Threads: intPtr(8)})
	assert.Empty(t, f.sentLines(), "no session: nothing written")
	assert.Equal(t, 8, c.Options().Threads)

	// The stored value reaches the engine with the handshake.
	require.True(t, c.Initialize(context.Background()))
	assert.Contains(t, f.sentLines(), "setoption name Threads value 8")
}
