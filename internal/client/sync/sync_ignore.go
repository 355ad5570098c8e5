package sync

import (
	"bufio"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/openmined/minisync/internal/utils"
	"github.com/openmined/minisync/internal/vault"
	gitignore "github.com/sabhiram/go-gitignore"
)

const IgnoreFileName = ".minisyncignore"

var defaultIgnoreLines = []string{
	// engine
	vault.ControlDirName + "/",
	IgnoreFileName,
	// obsidian workspace state
	".obsidian/workspace*.json",
	".trash/",
	// editors
	"*~",
	"*.swp",
	"*.tmp",
	".#*",
	// vcs
	".git/",
	// OS-specific
	".DS_Store",
	"Thumbs.db",
	"desktop.ini",
}

// IgnoreList decides which vault-relative paths never take part in sync.
type IgnoreList struct {
	baseDir string
	mu      sync.RWMutex
	ignore  *gitignore.GitIgnore
}

func NewIgnoreList(baseDir string) *IgnoreList {
	return &IgnoreList{
		baseDir: baseDir,
		ignore:  gitignore.CompileIgnoreLines(defaultIgnoreLines...),
	}
}

// Load recompiles the defaults plus the rules in the vault's .minisyncignore.
func (s *IgnoreList) Load() {
	ignorePath := filepath.Join(s.baseDir, IgnoreFileName)
	ignoreLines := append([]string{}, defaultIgnoreLines...)

	if utils.FileExists(ignorePath) {
		rules := 0
		file, err := os.Open(ignorePath)
		if err != nil {
			slog.Warn("ignore file open", "path", ignorePath, "error", err)
		} else {
			defer file.Close()

			scanner := bufio.NewScanner(file)
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				if line != "" {
					ignoreLines = append(ignoreLines, line)
					rules++
				}
			}

			if err := scanner.Err(); err != nil {
				slog.Warn("ignore file read", "path", ignorePath, "error", err)
			} else {
				slog.Debug("ignore file loaded", "path", ignorePath, "rules", rules)
			}
		}
	}

	compiled := gitignore.CompileIgnoreLines(ignoreLines...)
	s.mu.Lock()
	s.ignore = compiled
	s.mu.Unlock()
}

func (s *IgnoreList) matches(relPath string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ignore.MatchesPath(relPath)
}

// ShouldIgnore reports whether a vault-relative file path is excluded.
func (s *IgnoreList) ShouldIgnore(relPath string) bool {
	relPath = vault.NormPath(relPath)
	if vault.IsReserved(relPath) {
		return true
	}
	return s.matches(relPath)
}

// ShouldIgnoreDir is ShouldIgnore for directories, so that "dir/" rules apply
// to the directory itself during walks.
func (s *IgnoreList) ShouldIgnoreDir(relPath string) bool {
	relPath = vault.NormPath(relPath)
	if relPath == "." || relPath == "" {
		return false
	}
	return s.ShouldIgnore(relPath) || s.matches(relPath+"/")
}

// Match is ShouldIgnore for walkers that mark directories with a trailing slash.
func (s *IgnoreList) Match(relPath string) bool {
	if dir, ok := strings.CutSuffix(relPath, "/"); ok {
		return s.ShouldIgnoreDir(dir)
	}
	return s.ShouldIgnore(relPath)
}
