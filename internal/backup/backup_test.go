package backup

import (
	"archive/zip"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ticketd/ticketd/internal/common/config"
	"github.com/ticketd/ticketd/internal/common/logger"
	"github.com/ticketd/ticketd/internal/store"
)

func newTestService(t *testing.T, maxPerProject int) (*Service, string) {
	t.Helper()
	root := t.TempDir()
	svc := NewService(config.BackupConfig{Root: root, MaxPerProject: maxPerProject}, logger.Default())
	return svc, root
}

func fileProject(t *testing.T) *store.Project {
	t.Helper()
	web := t.TempDir()
	app := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(web, "css"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(web, "index.php"), []byte("<?php echo 1;"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(web, "css", "site.css"), []byte("body{}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(app, "worker.py"), []byte("print('hi')"), 0o644))

	return &store.Project{
		ID:      "p1",
		Name:    "Shop",
		Code:    "WEB",
		Type:    "web",
		WebPath: sql.NullString{String: web, Valid: true},
		AppPath: sql.NullString{String: app, Valid: true},
	}
}

func archiveNames(t *testing.T, path string) []string {
	t.Helper()
	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close()
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	return names
}

func TestCreateArchivesBothRootsAndManifest(t *testing.T) {
	svc, root := newTestService(t, 30)
	project := fileProject(t)

	path, err := svc.Create(context.Background(), project, TriggerManual)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(root, "WEB"), filepath.Dir(path))
	base := filepath.Base(path)
	assert.Regexp(t, `^WEB_\d{8}_\d{6}_manual\.zip$`, base)

	names := archiveNames(t, path)
	assert.Contains(t, names, "web/index.php")
	assert.Contains(t, names, "web/css/site.css")
	assert.Contains(t, names, "app/worker.py")
	assert.Contains(t, names, "manifest.json")

	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close()
	for _, f := range zr.File {
		if f.Name != "manifest.json" {
			continue
		}
		rc, err := f.Open()
		require.NoError(t, err)
		var m manifest
		require.NoError(t, json.NewDecoder(rc).Decode(&m))
		rc.Close()
		assert.Equal(t, "WEB", m.Code)
		assert.Equal(t, TriggerManual, m.Trigger)
		assert.Equal(t, project.WebPath.String, m.WebPath)
	}
}

func TestCreateWithoutRootsStillWritesManifest(t *testing.T) {
	svc, _ := newTestService(t, 30)
	project := &store.Project{ID: "p2", Name: "Bare", Code: "BARE", Type: "web"}

	path, err := svc.Create(context.Background(), project, TriggerAuto)
	require.NoError(t, err)
	assert.Equal(t, []string{"manifest.json"}, archiveNames(t, path))
}

func TestPruneKeepsNewestArchives(t *testing.T) {
	svc, root := newTestService(t, 3)
	dir := filepath.Join(root, "WEB")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	// Five fake archives with distinct mtimes, oldest first.
	now := time.Now()
	for i := 0; i < 5; i++ {
		name := filepath.Join(dir, fmt.Sprintf("WEB_2025010%d_000000_auto.zip", i+1))
		require.NoError(t, os.WriteFile(name, []byte("zip"), 0o644))
		mtime := now.Add(time.Duration(i-5) * time.Hour)
		require.NoError(t, os.Chtimes(name, mtime, mtime))
	}
	// A stray non-archive file must survive pruning.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("keep"), 0o644))

	svc.prune(dir)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var zips, others int
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".zip" {
			zips++
		} else {
			others++
		}
	}
	assert.Equal(t, 3, zips)
	assert.Equal(t, 1, others)

	// The two oldest are the ones gone.
	_, err = os.Stat(filepath.Join(dir, "WEB_20250101_000000_auto.zip"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "WEB_20250102_000000_auto.zip"))
	assert.True(t, os.IsNotExist(err))
}

func TestRestoreRoundTrip(t *testing.T) {
	svc, root := newTestService(t, 30)
	project := fileProject(t)
	ctx := context.Background()

	path, err := svc.Create(ctx, project, TriggerManual)
	require.NoError(t, err)

	// Mutate the live tree after the backup.
	require.NoError(t, os.WriteFile(filepath.Join(project.WebPath.String, "index.php"), []byte("broken"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(project.WebPath.String, "junk.txt"), []byte("junk"), 0o644))

	require.NoError(t, svc.Restore(ctx, project, path))

	restored, err := os.ReadFile(filepath.Join(project.WebPath.String, "index.php"))
	require.NoError(t, err)
	assert.Equal(t, "<?php echo 1;", string(restored))

	_, err = os.Stat(filepath.Join(project.WebPath.String, "junk.txt"))
	assert.True(t, os.IsNotExist(err), "files created after the backup are removed")

	// The pre-restore backup exists alongside the original.
	entries, err := os.ReadDir(filepath.Join(root, "WEB"))
	require.NoError(t, err)
	preRestore := false
	for _, e := range entries {
		if matched, _ := filepath.Match("WEB_*_pre-restore.zip", e.Name()); matched {
			preRestore = true
		}
	}
	assert.True(t, preRestore)
}

func TestExtractRejectsEscapingEntries(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "evil.zip")

	file, err := os.Create(archive)
	require.NoError(t, err)
	zw := zip.NewWriter(file)
	w, err := zw.Create("../escape.txt")
	require.NoError(t, err)
	_, err = w.Write([]byte("nope"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, file.Close())

	err = extract(archive, filepath.Join(dir, "dest"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes destination")
}
