// Package files manages the on-disk roots exposed by the file endpoints:
// path resolution and escape rejection, deletion with in-use protection,
// temp upload staging, and upload finalization.
package files

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"printhub/internal/api"
	"printhub/internal/config"
	"printhub/internal/errors"
)

// Root describes one served file root.
type Root struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	Permissions string `json:"permissions"`
}

// FileInfo describes one file inside a root.
type FileInfo struct {
	Path     string  `json:"path"`
	Size     int64   `json:"size"`
	Modified float64 `json:"modified"`
}

// Manager provides file management operations over the configured roots.
type Manager struct {
	mu         sync.RWMutex
	roots      map[string]Root
	rootOrder  []string
	tempDir    string
	loadedFile string
	executor   api.RemoteExecutor
	logger     *slog.Logger
}

// NewManager creates a manager for the configured roots, ensuring every
// directory exists. The executor, when set, is used to kick off a print
// after an upload that requests one.
func NewManager(cfg config.FilesConfig, executor api.RemoteExecutor, logger *slog.Logger) (*Manager, error) {
	m := &Manager{
		roots:    make(map[string]Root),
		tempDir:  cfg.TempDir,
		executor: executor,
		logger:   logger,
	}
	for _, r := range []Root{
		{Name: "gcodes", Path: cfg.GCodesDir, Permissions: "rw"},
		{Name: "config", Path: cfg.ConfigDir, Permissions: "rw"},
		{Name: "logs", Path: cfg.LogsDir, Permissions: "r"},
	} {
		if r.Path == "" {
			continue
		}
		if err := os.MkdirAll(r.Path, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create root %s: %w", r.Name, err)
		}
		m.roots[r.Name] = r
		m.rootOrder = append(m.rootOrder, r.Name)
	}
	if m.tempDir != "" {
		if err := os.MkdirAll(m.tempDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create temp dir: %w", err)
		}
	}
	return m, nil
}

// RootPath returns the directory a named root serves.
func (m *Manager) RootPath(name string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.roots[name]
	if !ok {
		return "", false
	}
	return r.Path, true
}

// Roots returns the served roots in registration order.
func (m *Manager) Roots() []Root {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Root, 0, len(m.rootOrder))
	for _, name := range m.rootOrder {
		out = append(out, m.roots[name])
	}
	return out
}

// SetLoadedFile marks a root-relative path (e.g. "gcodes/part.gcode") as
// in use by an active job. Deleting or overwriting it is refused until
// cleared.
func (m *Manager) SetLoadedFile(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadedFile = path
}

// ClearLoadedFile clears the in-use mark.
func (m *Manager) ClearLoadedFile() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadedFile = ""
}

// ResolvePath maps a "root/relative" path to an absolute file path,
// rejecting unknown roots and any path escaping its root.
func (m *Manager) ResolvePath(path string) (string, error) {
	rootName, rel, err := splitRootPath(path)
	if err != nil {
		return "", err
	}
	rootPath, ok := m.RootPath(rootName)
	if !ok {
		return "", errors.Errorf(http.StatusBadRequest, "Invalid root request: %s", rootName)
	}
	full := filepath.Join(rootPath, filepath.FromSlash(rel))
	if !pathWithin(rootPath, full) {
		return "", errors.Errorf(http.StatusForbidden, "Path not available for request: %s", path)
	}
	return full, nil
}

// DeleteFile removes a "root/relative" file. A file marked in use yields
// a declared 403 fault; a missing file yields 404. The given path is
// returned on success.
func (m *Manager) DeleteFile(path string) (string, error) {
	full, err := m.ResolvePath(path)
	if err != nil {
		return "", err
	}

	m.mu.RLock()
	loaded := m.loadedFile
	m.mu.RUnlock()
	if loaded != "" && normalizeRel(path) == normalizeRel(loaded) {
		return "", errors.NewWithStatus(http.StatusForbidden, "File is loaded, DELETE not permitted")
	}

	info, err := os.Stat(full)
	if err != nil {
		return "", errors.Errorf(http.StatusNotFound, "File %s does not exist", path)
	}
	if info.IsDir() {
		return "", errors.Errorf(http.StatusBadRequest, "Path %s is a directory", path)
	}

	m.logger.Info("deleting file", "path", path, "full_path", full)
	if err := os.Remove(full); err != nil {
		return "", fmt.Errorf("failed to delete file: %w", err)
	}
	return path, nil
}

// ListFiles walks a root and returns its files sorted by path.
func (m *Manager) ListFiles(rootName string) ([]FileInfo, error) {
	rootPath, ok := m.RootPath(rootName)
	if !ok {
		return nil, errors.Errorf(http.StatusBadRequest, "Invalid root request: %s", rootName)
	}

	var out []FileInfo
	err := filepath.Walk(rootPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(rootPath, path)
		if err != nil {
			return err
		}
		out = append(out, FileInfo{
			Path:     filepath.ToSlash(rel),
			Size:     info.Size(),
			Modified: float64(info.ModTime().UnixNano()) / 1e9,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list root %s: %w", rootName, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// GenTempUploadPath returns a fresh path in the staging directory.
func (m *Manager) GenTempUploadPath() string {
	return filepath.Join(m.tempDir, fmt.Sprintf("printhub.upload-%s", uuid.New().String()))
}

// UploadFields are the decoded scalar fields of a multipart upload plus
// the staged file location.
type UploadFields struct {
	TempPath string
	Filename string
	Root     string
	Path     string
	Print    string
}

// FinalizeUpload moves a staged upload into its destination root and,
// when requested, starts printing it. The staged file is consumed: on
// success it has been moved, on failure the caller removes it.
func (m *Manager) FinalizeUpload(ctx context.Context, fields UploadFields) (map[string]any, error) {
	if fields.Filename == "" {
		return nil, errors.NewWithStatus(http.StatusBadRequest, "No file provided in upload")
	}
	rootName := fields.Root
	if rootName == "" {
		rootName = "gcodes"
	}

	m.mu.RLock()
	root, ok := m.roots[rootName]
	loaded := m.loadedFile
	m.mu.RUnlock()
	if !ok {
		return nil, errors.Errorf(http.StatusBadRequest, "Invalid root request: %s", rootName)
	}
	if root.Permissions != "rw" {
		return nil, errors.Errorf(http.StatusForbidden, "Root %s is read-only", rootName)
	}

	relPath := filepath.ToSlash(filepath.Join(filepath.FromSlash(fields.Path), fields.Filename))
	dest := filepath.Join(root.Path, filepath.FromSlash(relPath))
	if !pathWithin(root.Path, dest) {
		return nil, errors.Errorf(http.StatusForbidden, "Path not available for request: %s", relPath)
	}
	itemPath := rootName + "/" + relPath
	if loaded != "" && normalizeRel(itemPath) == normalizeRel(loaded) {
		return nil, errors.NewWithStatus(http.StatusForbidden, "File is loaded, upload not permitted")
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}
	if err := m.moveFile(fields.TempPath, dest); err != nil {
		return nil, fmt.Errorf("failed to finalize upload: %w", err)
	}

	info, err := os.Stat(dest)
	if err != nil {
		return nil, fmt.Errorf("failed to stat uploaded file: %w", err)
	}

	printStarted := false
	if strings.EqualFold(fields.Print, "true") && rootName == "gcodes" && m.executor != nil {
		req := api.NewRequest("print/start", "POST", map[string]any{"filename": relPath})
		if _, err := m.executor.MakeRequest(ctx, req); err != nil {
			m.logger.Warn("failed to start print after upload",
				"filename", relPath, "error", err)
		} else {
			printStarted = true
			m.SetLoadedFile(itemPath)
		}
	}

	m.logger.Info("upload finalized", "root", rootName, "path", relPath, "size", info.Size())
	return map[string]any{
		"item": map[string]any{
			"path":     relPath,
			"root":     rootName,
			"size":     info.Size(),
			"modified": float64(info.ModTime().UnixNano()) / 1e9,
		},
		"print_started": printStarted,
		"action":        "create_file",
	}, nil
}

// moveFile renames src to dst, falling back to copy-and-delete across
// filesystems.
func (m *Manager) moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}

func splitRootPath(path string) (root, rel string, err error) {
	trimmed := strings.TrimPrefix(filepath.ToSlash(path), "/")
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.Errorf(http.StatusBadRequest, "Invalid file path: %s", path)
	}
	return parts[0], parts[1], nil
}

func pathWithin(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func normalizeRel(p string) string {
	return strings.TrimPrefix(filepath.ToSlash(p), "/")
}
