package backup

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/ticketd/ticketd/internal/store"
)

// Restore extracts an archive and replaces the project's roots and database
// with its contents. A pre-restore backup is always taken first.
func (s *Service) Restore(ctx context.Context, project *store.Project, archivePath string) error {
	if _, err := s.Create(ctx, project, TriggerPreRestore); err != nil {
		return fmt.Errorf("pre-restore backup failed: %w", err)
	}

	tmpDir, err := os.MkdirTemp("", "ticketd-restore-*")
	if err != nil {
		return fmt.Errorf("failed to create restore dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	if err := extract(archivePath, tmpDir); err != nil {
		return fmt.Errorf("failed to extract archive: %w", err)
	}

	if project.WebPath.Valid && project.WebPath.String != "" {
		if err := replaceTree(filepath.Join(tmpDir, "web"), project.WebPath.String); err != nil {
			return fmt.Errorf("failed to restore web root: %w", err)
		}
	}
	if project.AppPath.Valid && project.AppPath.String != "" {
		if err := replaceTree(filepath.Join(tmpDir, "app"), project.AppPath.String); err != nil {
			return fmt.Errorf("failed to restore app root: %w", err)
		}
	}

	if project.HasDatabase() {
		for _, dump := range []string{"database/schema.sql", "database/data.sql"} {
			path := filepath.Join(tmpDir, filepath.FromSlash(dump))
			if _, err := os.Stat(path); err != nil {
				continue
			}
			if err := s.applySQL(ctx, project, path); err != nil {
				return fmt.Errorf("failed to apply %s: %w", dump, err)
			}
		}
	}

	s.logger.Info("Restore completed",
		zap.String("project", project.Code),
		zap.String("archive", archivePath))
	return nil
}

// extract unpacks a zip into destDir, rejecting entries that escape it.
func extract(archivePath, destDir string) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return err
	}
	defer zr.Close()

	for _, f := range zr.File {
		target := filepath.Join(destDir, filepath.FromSlash(f.Name))
		if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) {
			return fmt.Errorf("archive entry escapes destination: %s", f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		src, err := f.Open()
		if err != nil {
			return err
		}
		dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode())
		if err != nil {
			src.Close()
			return err
		}
		_, err = io.Copy(dst, src)
		src.Close()
		dst.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// replaceTree removes dest and copies src into its place. No-op when the
// archive lacks that root.
func replaceTree(src, dest string) error {
	if _, err := os.Stat(src); err != nil {
		return nil
	}
	if err := os.RemoveAll(dest); err != nil {
		return err
	}
	return copyTree(src, dest)
}

func copyTree(src, dest string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		info, err := d.Info()
		if err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode())
		if err != nil {
			return err
		}
		defer out.Close()
		_, err = io.Copy(out, in)
		return err
	})
}

// applySQL pipes a dump file into the mysql client.
func (s *Service) applySQL(ctx context.Context, project *store.Project, dumpPath string) error {
	file, err := os.Open(dumpPath)
	if err != nil {
		return err
	}
	defer file.Close()

	cmd := exec.CommandContext(ctx, "mysql",
		"-h", project.DBHost.String,
		"-u", project.DBUser.String,
		project.DBName.String,
	)
	cmd.Env = append(os.Environ(), "MYSQL_PWD="+project.DBPassword.String)
	cmd.Stdin = file
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("mysql apply failed: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}
