package entity

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"
)

// File extensions of the files this module understands.
const (
	WorkspaceExt = ".eww"
	ProjectExt   = ".ewp"
)

// Entity is anything held by a selection model. Key identifies
// the same logical entity across re-parses (usually its file
// path); DisplayName is what lists are sorted and shown by.
type Entity interface {
	Key() string
	DisplayName() string
}

// Toolchain is an installation of the build tool. Immutable once
// loaded; identity is the install path.
type Toolchain struct {
	Path    string
	Name    string   // install directory basename
	Version string   // semver ("v9.30.1"), "" when unknown
	Targets []string // lowercased target dirs, e.g. "arm"
}

func (t *Toolchain) Key() string         { return t.Path }
func (t *Toolchain) DisplayName() string { return t.Name }

// Supports reports whether the toolchain can build the given
// target. A toolchain that lists no targets supports everything.
func (t *Toolchain) Supports(target string) bool {
	if len(t.Targets) == 0 || target == "" {
		return true
	}
	target = strings.ToLower(target)
	for _, tt := range t.Targets {
		if tt == target {
			return true
		}
	}
	return false
}

// Workspace groups project files. Projects holds absolute project
// file paths in the order the workspace file lists them.
type Workspace struct {
	Path     string
	Name     string
	Projects []string
}

func (w *Workspace) Key() string         { return w.Path }
func (w *Workspace) DisplayName() string { return w.Name }

// Contains reports whether the workspace references projectPath.
func (w *Workspace) Contains(projectPath string) bool {
	projectPath = filepath.Clean(projectPath)
	for _, p := range w.Projects {
		if p == projectPath {
			return true
		}
	}
	return false
}

// Project is a single buildable unit. It exclusively owns its
// configurations.
type Project struct {
	Path           string
	Name           string
	Configurations []*Configuration
}

func (p *Project) Key() string         { return p.Path }
func (p *Project) DisplayName() string { return p.Name }

// Configuration is a named build variant of one project.
type Configuration struct {
	Name        string
	Target      string // toolchain target from the project file, e.g. "ARM"
	Debug       bool
	ProjectPath string
}

// Key includes the owning project so a same-named configuration
// of another project is never taken for this one.
func (c *Configuration) Key() string         { return c.ProjectPath + "|" + c.Name }
func (c *Configuration) DisplayName() string { return c.Name }

// ParseError reports a file that could not be turned into an
// entity. It is per-file and never fatal to a batch.
type ParseError struct {
	Path string
	Msg  string
	Err  error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Path, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Msg)
}

func (e *ParseError) Unwrap() error { return e.Err }

// NameFromPath returns the file basename without its extension.
func NameFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// SortByName orders entities by display name (case-sensitive),
// breaking ties by key so the order is deterministic.
func SortByName[T Entity](items []T) {
	slices.SortStableFunc(items, func(a, b T) int {
		if c := strings.Compare(a.DisplayName(), b.DisplayName()); c != 0 {
			return c
		}
		return strings.Compare(a.Key(), b.Key())
	})
}
