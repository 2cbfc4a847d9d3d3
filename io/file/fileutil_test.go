package file_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/questline/questline/config/params"
	"github.com/questline/questline/io/file"
	"github.com/questline/questline/testing/assert"
	"github.com/questline/questline/testing/require"
)

func TestExpandPath_Tilde(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	got, err := file.ExpandPath("~/data")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "data"), got)
}

func TestHomeDir_PrefersEnv(t *testing.T) {
	t.Setenv("HOME", "/custom/home")
	assert.Equal(t, "/custom/home", file.HomeDir())
}

func TestMkdirAll_EnforcesPermissions(t *testing.T) {
	base := t.TempDir()
	dir := filepath.Join(base, "keep")
	require.NoError(t, file.MkdirAll(dir))
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.Equal(t, params.QuestlineIoConfig().ReadWriteExecutePermissions, info.Mode().Perm())

	loose := filepath.Join(base, "loose")
	require.NoError(t, os.MkdirAll(loose, 0755))
	require.NoError(t, os.Chmod(loose, 0755))
	assert.ErrorContains(t, "without proper 0700 permissions", file.MkdirAll(loose))
}

func TestWriteFile_Exists_DirExists(t *testing.T) {
	dir := t.TempDir()
	fname := filepath.Join(dir, "a.txt")
	assert.Equal(t, false, file.Exists(fname))

	require.NoError(t, file.WriteFile(fname, []byte("hello")))
	assert.Equal(t, true, file.Exists(fname))
	info, err := os.Stat(fname)
	require.NoError(t, err)
	assert.Equal(t, params.QuestlineIoConfig().ReadWritePermissions, info.Mode().Perm())

	assert.Equal(t, true, file.DirExists(dir))
	assert.Equal(t, false, file.DirExists(fname))
}
