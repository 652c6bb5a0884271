// Package backup snapshots a project's file roots and database into retained
// zip archives, and restores them.
package backup

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ticketd/ticketd/internal/common/config"
	"github.com/ticketd/ticketd/internal/common/logger"
	"github.com/ticketd/ticketd/internal/store"
)

// Backup triggers.
const (
	TriggerAuto       = "auto"
	TriggerManual     = "manual"
	TriggerClose      = "close"
	TriggerReopen     = "reopen"
	TriggerPreRestore = "pre-restore"
)

// Service creates and restores project archives.
type Service struct {
	cfg    config.BackupConfig
	logger *logger.Logger
}

// NewService returns a backup service rooted at the configured directory.
func NewService(cfg config.BackupConfig, log *logger.Logger) *Service {
	return &Service{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "backup")),
	}
}

// manifest is the project metadata snapshot stored inside each archive.
type manifest struct {
	ProjectID   string    `json:"project_id"`
	ProjectName string    `json:"project_name"`
	Code        string    `json:"code"`
	Trigger     string    `json:"trigger"`
	WebPath     string    `json:"web_path,omitempty"`
	AppPath     string    `json:"app_path,omitempty"`
	Database    string    `json:"database,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Create produces one archive for the project and prunes old ones. The
// archive lands at <root>/<CODE>/<CODE>_<YYYYMMDD_HHMMSS>_<trigger>.zip.
func (s *Service) Create(ctx context.Context, project *store.Project, trigger string) (string, error) {
	dir := filepath.Join(s.cfg.Root, project.Code)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create backup dir: %w", err)
	}

	stamp := time.Now().UTC().Format("20060102_150405")
	name := fmt.Sprintf("%s_%s_%s.zip", project.Code, stamp, trigger)
	finalPath := filepath.Join(dir, name)

	tmpDir, err := os.MkdirTemp(dir, ".backup-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	tmpPath := filepath.Join(tmpDir, name)
	if err := s.writeArchive(ctx, tmpPath, project, trigger); err != nil {
		return "", err
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return "", fmt.Errorf("failed to move archive into place: %w", err)
	}

	s.prune(dir)

	s.logger.Info("Backup created",
		zap.String("project", project.Code),
		zap.String("trigger", trigger),
		zap.String("path", finalPath))
	return finalPath, nil
}

func (s *Service) writeArchive(ctx context.Context, path string, project *store.Project, trigger string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}
	defer file.Close()

	zw := zip.NewWriter(file)

	if project.WebPath.Valid && project.WebPath.String != "" {
		if err := addTree(zw, project.WebPath.String, "web"); err != nil {
			s.logger.WithError(err).Warn("Web root partially archived")
		}
	}
	if project.AppPath.Valid && project.AppPath.String != "" {
		if err := addTree(zw, project.AppPath.String, "app"); err != nil {
			s.logger.WithError(err).Warn("App root partially archived")
		}
	}

	if project.HasDatabase() {
		if err := s.addDatabaseDumps(ctx, zw, project); err != nil {
			s.logger.WithError(err).Warn("Database dump skipped")
		}
	}

	m := manifest{
		ProjectID:   project.ID,
		ProjectName: project.Name,
		Code:        project.Code,
		Trigger:     trigger,
		WebPath:     project.WebPath.String,
		AppPath:     project.AppPath.String,
		Database:    project.DBName.String,
		CreatedAt:   time.Now().UTC(),
	}
	if err := addJSON(zw, "manifest.json", m); err != nil {
		return err
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finalize archive: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync archive: %w", err)
	}
	return nil
}

// addTree writes a directory tree into the archive under prefix.
func addTree(zw *zip.Writer, root, prefix string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		w, err := zw.Create(filepath.ToSlash(filepath.Join(prefix, rel)))
		if err != nil {
			return err
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(w, src)
		return err
	})
}

func addJSON(zw *zip.Writer, name string, v interface{}) error {
	w, err := zw.Create(name)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// addDatabaseDumps writes schema-only and data-only SQL dumps via mysqldump.
func (s *Service) addDatabaseDumps(ctx context.Context, zw *zip.Writer, project *store.Project) error {
	schema, err := s.mysqldump(ctx, project, "--no-data")
	if err != nil {
		return err
	}
	if err := addBytes(zw, "database/schema.sql", schema); err != nil {
		return err
	}

	data, err := s.mysqldump(ctx, project, "--no-create-info")
	if err != nil {
		return err
	}
	return addBytes(zw, "database/data.sql", data)
}

func (s *Service) mysqldump(ctx context.Context, project *store.Project, mode string) ([]byte, error) {
	args := []string{
		"-h", project.DBHost.String,
		"-u", project.DBUser.String,
		mode,
		project.DBName.String,
	}
	cmd := exec.CommandContext(ctx, "mysqldump", args...)
	cmd.Env = append(os.Environ(), "MYSQL_PWD="+project.DBPassword.String)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("mysqldump %s failed: %w", mode, err)
	}
	return out, nil
}

func addBytes(zw *zip.Writer, name string, data []byte) error {
	w, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// prune keeps the newest archives per project by mtime.
func (s *Service) prune(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	type archive struct {
		name  string
		mtime time.Time
	}
	var archives []archive
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".zip") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		archives = append(archives, archive{e.Name(), info.ModTime()})
	}
	if len(archives) <= s.cfg.MaxPerProject {
		return
	}
	sort.Slice(archives, func(i, j int) bool {
		return archives[i].mtime.After(archives[j].mtime)
	})
	for _, old := range archives[s.cfg.MaxPerProject:] {
		if err := os.Remove(filepath.Join(dir, old.name)); err != nil {
			s.logger.WithError(err).Warn("Failed to prune old backup",
				zap.String("name", old.name))
		}
	}
}
