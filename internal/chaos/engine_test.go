package chaos

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEngineDeterministic(t *testing.T) {
	cfg := Config{Seed: 7, DropRate: 0.3, DuplicateRate: 0.3, ReorderWindow: 3}
	run := func() []string {
		engine, err := NewEngine(cfg)
		require.NoError(t, err)
		var out []string
		for _, s := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
			for _, frame := range engine.Process([]byte(s)) {
				out = append(out, string(frame))
			}
		}
		for _, frame := range engine.Flush() {
			out = append(out, string(frame))
		}
		return out
	}
	require.Equal(t, run(), run())
}

func TestEnginePassthrough(t *testing.T) {
	engine, err := NewEngine(Config{Seed: 1})
	require.NoError(t, err)
	out := engine.Process([]byte("x"))
	require.Len(t, out, 1)
	require.Equal(t, "x", string(out[0]))
}

func TestConfigValidate(t *testing.T) {
	testCases := []struct {
		desc string
		cfg  Config
		ok   bool
	}{
		{desc: "zero", cfg: Config{}, ok: true},
		{desc: "negative fails", cfg: Config{FailDials: -1}, ok: false},
		{desc: "drop above one", cfg: Config{DropRate: 1.5}, ok: false},
		{desc: "duplicate negative", cfg: Config{DuplicateRate: -0.1}, ok: false},
	}
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			err := tc.cfg.Validate()
			if (err == nil) != tc.ok {
				t.Fatalf("validate mismatch: got %v want ok=%v", err, tc.ok)
			}
		})
	}
}
