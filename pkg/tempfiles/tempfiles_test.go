package tempfiles_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tangleworks/vidimport/pkg/tempfiles"
)

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))
}

func TestFragment(t *testing.T) {
	assert.True(t, tempfiles.Fragment("clip.mp4.part"))
	assert.True(t, tempfiles.Fragment("clip.mp4.ytdl"))
	assert.True(t, tempfiles.Fragment("clip.mp4.temp"))
	assert.True(t, tempfiles.Fragment("clip.mp4.part-"))
	assert.True(t, tempfiles.Fragment("clip.mp4.part-Frag3"))
	assert.True(t, tempfiles.Fragment("clip.part-Frag12.mp4"))
	assert.False(t, tempfiles.Fragment("clip.mp4"))
	assert.False(t, tempfiles.Fragment("participation.mkv"))
}

func TestRemove_ExactFile(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "ab12cd34-clip.mp4")
	touch(t, p)

	require.NoError(t, tempfiles.Remove(p))
	_, err := os.Stat(p)
	assert.True(t, os.IsNotExist(err))
}

func TestRemove_PrefixAndFragments(t *testing.T) {
	dir := t.TempDir()
	prefix := filepath.Join(dir, "ab12cd34-")
	touch(t, prefix+"clip.mp4")
	touch(t, prefix+"clip.mp4.part")
	touch(t, prefix+"clip.mp4.ytdl")
	other := filepath.Join(dir, "ffeeddcc-keep.mp4")
	touch(t, other)

	require.NoError(t, tempfiles.Remove(prefix))

	left, err := filepath.Glob(filepath.Join(dir, "*"))
	require.NoError(t, err)
	assert.Equal(t, []string{other}, left)
}

func TestRemove_MissingIsFine(t *testing.T) {
	assert.NoError(t, tempfiles.Remove(filepath.Join(t.TempDir(), "nope")))
}

func TestFinished_SkipsFragments(t *testing.T) {
	dir := t.TempDir()
	prefix := filepath.Join(dir, "ab12cd34-")
	touch(t, prefix+"clip.mp4")
	touch(t, prefix+"clip.mp4.part")
	touch(t, prefix+"clip.mp4.part-Frag1")

	got, err := tempfiles.Finished(prefix)
	require.NoError(t, err)
	assert.Equal(t, []string{prefix + "clip.mp4"}, got)
}
