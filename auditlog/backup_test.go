package auditlog

import (
	"context"
	"os"
	"path"
	"strings"
	"testing"

	"github.com/questline/questline/testing/assert"
	"github.com/questline/questline/testing/require"
)

func TestBackup(t *testing.T) {
	s := setupDB(t, 0)
	ctx := context.Background()

	_, err := s.Record("admin", "award_points", "u1", map[string]interface{}{"points": float64(10)})
	require.NoError(t, err)

	require.NoError(t, s.Backup(ctx, "", false))

	files, err := os.ReadDir(path.Join(s.DatabasePath(), backupsDirectoryName))
	require.NoError(t, err)
	require.Equal(t, 1, len(files))
	assert.Equal(t, true, strings.HasPrefix(files[0].Name(), "questline_auditlog_"))

	// The copy opens as a store of its own with the entry intact.
	raw, err := os.ReadFile(path.Join(s.DatabasePath(), backupsDirectoryName, files[0].Name()))
	require.NoError(t, err)
	restoredDir := t.TempDir()
	require.NoError(t, os.WriteFile(path.Join(restoredDir, databaseFileName), raw, 0600))

	restored, err := NewStore(restoredDir, 0)
	require.NoError(t, err)
	defer func() { require.NoError(t, restored.Close()) }()
	entries, err := restored.List(0)
	require.NoError(t, err)
	require.Equal(t, 1, len(entries))
	assert.Equal(t, "award_points", entries[0].Action)
}

func TestBackup_CustomOutputDir(t *testing.T) {
	s := setupDB(t, 0)
	out := t.TempDir()

	require.NoError(t, s.Backup(context.Background(), out, false))

	files, err := os.ReadDir(out)
	require.NoError(t, err)
	require.Equal(t, 1, len(files))
}
