// Package project confines session working directories to per-user sandbox
// roots under a single base directory.
package project

import (
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/codewithdpk/ClaudeWire/internal/logging"
)

// Config controls sandbox layout.
type Config struct {
	// BaseDir is the root under which every user's sandbox lives.
	BaseDir string
	// CreateDirs makes sandbox directories on first use.
	CreateDirs bool
}

// DefaultConfig returns the sandbox defaults.
func DefaultConfig() Config {
	return Config{
		BaseDir:    "/var/lib/claudewire/projects",
		CreateDirs: true,
	}
}

// Manager implements session.ProjectManager. Each user's sandbox root is
// BaseDir/<sanitized user id>; requested paths resolve inside it or are
// rejected.
type Manager struct {
	cfg    Config
	logger *logging.Logger
}

// NewManager creates a project manager.
func NewManager(cfg Config, logger *logging.Logger) *Manager {
	return &Manager{cfg: cfg, logger: logger}
}

// UserProjectDir returns the user's default working directory, creating it
// when configured to.
func (m *Manager) UserProjectDir(userID string) string {
	dir := filepath.Join(m.cfg.BaseDir, sanitize(userID))
	if m.cfg.CreateDirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			m.logger.Warn("sandbox dir create failed",
				zap.String("user_id", userID),
				zap.String("dir", dir),
				zap.Error(err),
			)
		}
	}
	return dir
}

// ValidateProjectPath resolves a requested path inside the user's sandbox.
// Relative paths resolve against the sandbox root; absolute paths must
// already live under it. Anything escaping the root is rejected.
func (m *Manager) ValidateProjectPath(path, userID string) (string, bool) {
	root := filepath.Join(m.cfg.BaseDir, sanitize(userID))

	candidate := path
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(root, candidate)
	}
	candidate = filepath.Clean(candidate)

	if !within(root, candidate) {
		return "", false
	}
	if m.cfg.CreateDirs {
		if err := os.MkdirAll(candidate, 0o755); err != nil {
			m.logger.Warn("project dir create failed",
				zap.String("user_id", userID),
				zap.String("dir", candidate),
				zap.Error(err),
			)
			return "", false
		}
	}
	return candidate, true
}

// within reports whether candidate is root or a descendant of it.
func within(root, candidate string) bool {
	rel, err := filepath.Rel(root, candidate)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// sanitize strips path-significant characters from a user id so it is safe as
// a single directory name.
func sanitize(userID string) string {
	replacer := strings.NewReplacer("/", "_", "\\", "_", "..", "_", string(filepath.Separator), "_")
	s := replacer.Replace(userID)
	if s == "" {
		s = "_"
	}
	return s
}
