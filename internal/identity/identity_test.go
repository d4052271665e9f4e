package identity

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBridgeIDDeterministic(t *testing.T) {
	a := BridgeID("/home/dev/project")
	b := BridgeID("/home/dev/project")
	assert.Equal(t, a, b)
}

func TestBridgeIDNormalizesPath(t *testing.T) {
	a := BridgeID("/home/dev/project")
	b := BridgeID("/home/dev/project/")
	c := BridgeID("/home/dev/./project")
	assert.Equal(t, a, b)
	assert.Equal(t, a, c)
}

func TestBridgeIDDistinctRoots(t *testing.T) {
	assert.NotEqual(t, BridgeID("/home/dev/alpha"), BridgeID("/home/dev/beta"))
}

func TestBridgeIDFormat(t *testing.T) {
	id := BridgeID("/tmp/ws")
	assert.True(t, strings.HasPrefix(id, "b-"))
	assert.Len(t, id, 2+16)
}

func TestBridgeIDResolvesSymlinks(t *testing.T) {
	dir := t.TempDir()
	real := filepath.Join(dir, "real")
	require.NoError(t, os.Mkdir(real, 0o755))
	link := filepath.Join(dir, "link")
	require.NoError(t, os.Symlink(real, link))

	assert.Equal(t, BridgeID(real), BridgeID(link))
}
