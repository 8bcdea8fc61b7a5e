// Package workspace decides where each task's files live on disk. Every path
// embeds the task id, so concurrent tasks never write to the same file.
package workspace

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

type Layout struct {
	// WorkDir holds the saved manifests.
	WorkDir string
	// DownloadsDir is the parent of the default per-task output directories.
	DownloadsDir string
}

func abs(path string) string {
	p, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return p
}

// ManifestPath returns the absolute path the task's manifest is saved to.
func (l Layout) ManifestPath(taskID string) string {
	return abs(filepath.Join(l.WorkDir, fmt.Sprintf("manifest_%s.manifest", taskID)))
}

// OutputDir returns dir when the caller supplied one, otherwise the task's default directory.
func (l Layout) OutputDir(taskID, dir string) string {
	if dir != "" {
		return abs(dir)
	}
	return abs(filepath.Join(l.DownloadsDir, taskID))
}

// SaveManifest writes data to ManifestPath, creating the work directory when needed.
// The file is written to a temp name and renamed so readers never see a partial manifest.
func (l Layout) SaveManifest(taskID string, data []byte) (string, error) {
	path := l.ManifestPath(taskID)
	if err := EnsureDir(filepath.Dir(path)); err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".manifest-*")
	if err != nil {
		return "", fmt.Errorf("create temp manifest: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("write manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("close manifest: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("rename manifest: %w", err)
	}
	return path, nil
}

// Log file names inside a task's output directory.
func StdoutLog(outputDir, taskID string) string {
	return filepath.Join(outputDir, taskID+".stdout.log")
}

func StderrLog(outputDir, taskID string) string {
	return filepath.Join(outputDir, taskID+".stderr.log")
}

func TaskLog(outputDir, taskID string) string {
	return filepath.Join(outputDir, taskID+".log")
}

// EnsureDir creates the directory if it doesn't exist
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", path, err)
	}
	return nil
}

// FileExists checks if a regular file exists at path
func FileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// DirSize sums the size of every regular file under root. Files that vanish
// mid-walk are skipped.
func DirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	return total, err
}
