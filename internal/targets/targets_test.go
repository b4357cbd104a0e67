package targets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ARGOS/internal/config"
	apperrors "ARGOS/internal/errors"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFormats(t *testing.T) {
	cases := map[string]string{
		"targets.txt":  "# benchmark\n261155555\nTIC 261259521  # hot jupiter\n\nTIC234520440, 261155555\n",
		"targets.json": `[261155555, "TIC 261259521", "234520440"]`,
		"wrapped.json": `{"tic_ids": [261155555, 261259521, 234520440]}`,
		"targets.yaml": "- 261155555\n- TIC 261259521\n- 234520440\n",
		"wrapped.yml":  "tic_ids:\n  - 261155555\n  - 261259521\n  - TIC-234520440\n",
	}
	want := []int64{261155555, 261259521, 234520440}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			ids, err := Load(writeFile(t, name, content))
			require.NoError(t, err)
			assert.Equal(t, want, ids)
		})
	}
}

func TestLoadRejectsGarbage(t *testing.T) {
	_, err := Load(writeFile(t, "bad.txt", "261155555\nnot-a-target\n"))
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeInvalidArgument, apperrors.CodeOf(err))

	_, err = Load(writeFile(t, "bad.json", `{"targets": 1}`))
	require.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.txt"))
	assert.Equal(t, apperrors.CodeNotFound, apperrors.CodeOf(err))
}

func TestResolvePrecedence(t *testing.T) {
	file := writeFile(t, "targets.txt", "100\n200\n")

	ids, err := Resolve(config.TargetsConfig{TICIDs: []int64{300, 100}, File: file}, nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{100, 200, 300}, ids)

	ids, err = Resolve(config.TargetsConfig{TICIDs: []int64{300}}, []string{"TIC 7", "7", "8"})
	require.NoError(t, err)
	assert.Equal(t, []int64{7, 8}, ids)

	ids, err = Resolve(config.TargetsConfig{}, nil)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultTargets, ids)

	_, err = Resolve(config.TargetsConfig{TICIDs: []int64{-1}}, nil)
	assert.Error(t, err)
}

func TestDedupKeepsOrder(t *testing.T) {
	assert.Equal(t, []int64{3, 1, 2}, Dedup([]int64{3, 1, 3, 2, 1}))
}
