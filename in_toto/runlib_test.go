package in_toto

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordArtifact(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "foo.py")
	require.NoError(t, os.WriteFile(path, []byte("print(1)\n"), 0644))

	digest, err := RecordArtifact(path)
	require.NoError(t, err)
	assert.Len(t, digest["sha256"], 64)
}

func TestRecordArtifactsWalksRecursively(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "foo.py"), []byte("a"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "bar.py"), []byte("b"), 0644))

	artifacts, err := RecordArtifacts(dir)
	require.NoError(t, err)
	assert.Contains(t, artifacts, "foo.py")
	assert.Contains(t, artifacts, "sub/bar.py")
}

func TestRunCommandCapturesOutput(t *testing.T) {
	dir := t.TempDir()
	byProducts, err := RunCommand(context.Background(), dir, []string{"sh", "-c", "echo hi"})
	require.NoError(t, err)
	assert.Equal(t, 0, byProducts["return-value"])
	assert.Contains(t, byProducts["stdout"], "hi")
}

func TestRunCommandNonZeroExit(t *testing.T) {
	dir := t.TempDir()
	byProducts, err := RunCommand(context.Background(), dir, []string{"sh", "-c", "exit 3"})
	require.NoError(t, err)
	assert.Equal(t, 3, byProducts["return-value"])
}

func TestRunCommandCancelledContext(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := RunCommand(ctx, dir, []string{"sleep", "1"})
	require.Error(t, err)
}

func TestRunInspectionProducesLink(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "before.txt"), []byte("x"), 0644))

	link, err := RunInspection(context.Background(), "untar", dir, []string{"sh", "-c", "echo after > after.txt"})
	require.NoError(t, err)
	assert.Equal(t, "untar", link.Name)
	assert.Contains(t, link.Materials, "before.txt")
	assert.Contains(t, link.Products, "before.txt")
	assert.Contains(t, link.Products, "after.txt")
}
