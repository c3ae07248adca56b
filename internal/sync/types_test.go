package sync

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	t.Parallel()

	for _, st := range AllStatuses {
		got, err := ParseStatus(string(st))
		require.NoError(t, err)
		assert.Equal(t, st, got)
	}

	_, err := ParseStatus("archived")
	require.Error(t, err)
}

func TestCanTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPendingSync, StatusSyncing, true},
		{StatusSyncing, StatusSynced, true},
		{StatusSyncing, StatusErrorSyncing, true},
		{StatusSynced, StatusPendingSync, true},
		{StatusSynced, StatusErrorCopying, true},
		{StatusErrorSyncing, StatusPendingSync, true},
		{StatusSynced, StatusPendingDeletion, true},
		{StatusPendingSync, StatusSynced, false},
		{StatusSynced, StatusErrorSyncing, false},
		{StatusPendingDeletion, StatusPendingSync, false},
		{StatusPendingDeletion, StatusSynced, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestKeyForPath(t *testing.T) {
	t.Parallel()

	root := filepath.Join(t.TempDir(), "src")

	tests := []struct {
		rel      string
		wantDir  string
		wantName string
	}{
		{"report.txt", "", "report.txt"},
		{"a/report.txt", "a/", "report.txt"},
		{"a/b/c.bin", "a/b/", "c.bin"},
		// NFD input ("e" + combining acute) normalizes to NFC.
		{"cafe\u0301/menu.txt", "caf\u00e9/", "menu.txt"},
	}

	for _, tt := range tests {
		key, err := keyForPath(root, filepath.Join(root, filepath.FromSlash(tt.rel)))
		require.NoError(t, err, tt.rel)
		assert.Equal(t, tt.wantDir, key.Dir, tt.rel)
		assert.Equal(t, tt.wantName, key.Name, tt.rel)
	}

	_, err := keyForPath(root, root)
	require.Error(t, err)

	_, err = keyForPath(root, filepath.Join(filepath.Dir(root), "elsewhere.txt"))
	require.Error(t, err)
}

func TestTempNameCandidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		n    int
		want string
	}{
		{"report.txt", 0, "report.txt"},
		{"report.txt", 1, "report_1.txt"},
		{"report.tar.gz", 2, "report.tar_2.gz"},
		{"README", 3, "README_3"},
		{".env", 1, ".env_1"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tempNameCandidate(tt.name, tt.n))
	}
}

func TestPublishName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "report.txt", publishName("report.txt.dec", ".dec"))
	assert.Equal(t, "report.txt", publishName("report.txt", ".dec"))
	assert.Equal(t, ".dec", publishName(".dec", ".dec"))
	assert.Equal(t, "report.txt.dec", publishName("report.txt.dec", ""))
}

func TestResolveTargetPath(t *testing.T) {
	t.Parallel()

	root := filepath.Join(t.TempDir(), "target")

	got, err := resolveTargetPath(root, "a/b/", "report.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "a", "b", "report.txt"), got)

	got, err = resolveTargetPath(root, "", "report.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "report.txt"), got)

	_, err = resolveTargetPath(root, "../", "escape.txt")
	require.ErrorIs(t, err, ErrPathEscape)

	_, err = resolveTargetPath(root, "a/../../", "escape.txt")
	require.ErrorIs(t, err, ErrPathEscape)

	_, err = resolveTargetPath(root, "", "..")
	require.ErrorIs(t, err, ErrPathEscape)
}
