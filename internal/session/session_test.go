package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	ignore "github.com/sabhiram/go-gitignore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesm/ewsync/internal/config"
	"github.com/wesm/ewsync/internal/entity"
	"github.com/wesm/ewsync/internal/model"
	"github.com/wesm/ewsync/internal/pathset"
)

const (
	waitFor = 5 * time.Second
	tick    = 20 * time.Millisecond
)

func projectXML(configs ...string) string {
	var b strings.Builder
	b.WriteString("<?xml version=\"1.0\"?>\n<project>\n")
	for _, c := range configs {
		b.WriteString("  <configuration><name>" + c +
			"</name><toolchain><name>ARM</name></toolchain></configuration>\n")
	}
	b.WriteString("</project>\n")
	return b.String()
}

func workspaceXML(projects ...string) string {
	var b strings.Builder
	b.WriteString("<?xml version=\"1.0\"?>\n<workspace>\n")
	for _, p := range projects {
		b.WriteString("  <project><path>$WS_DIR$\\" + p + "</path></project>\n")
	}
	b.WriteString("</workspace>\n")
	return b.String()
}

func writeFile(t *testing.T, path, content string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

type testSession struct {
	*Session
	root string

	mu       sync.Mutex
	warnings []string
}

func (ts *testSession) warningCount() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.warnings)
}

func openTestSession(t *testing.T, root string) *testSession {
	t.Helper()
	cfg, err := config.Default(root)
	require.NoError(t, err)
	cfg.Debounce = 50 * time.Millisecond

	ts := &testSession{root: root}
	s, err := Open(Options{
		Config: cfg,
		DiscoverToolchains: func([]string) []*entity.Toolchain {
			return []*entity.Toolchain{
				{Path: "/tc/old", Name: "EW 8.50", Version: "v8.50.0"},
				{Path: "/tc/new", Name: "EW 9.30", Version: "v9.30.0"},
			}
		},
		OnWarning: func(msg string) {
			ts.mu.Lock()
			defer ts.mu.Unlock()
			ts.warnings = append(ts.warnings, msg)
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	ts.Session = s
	return ts
}

// names reads display names off the loop.
func names[T entity.Entity](t *testing.T, s *testSession, pick func(*model.Cascade) []T) []string {
	t.Helper()
	var out []string
	require.NoError(t, s.Do(func(c *model.Cascade) {
		for _, it := range pick(c) {
			out = append(out, it.DisplayName())
		}
	}))
	return out
}

func projectNames(t *testing.T, s *testSession) []string {
	return names(t, s, func(c *model.Cascade) []*entity.Project { return c.Projects.Items() })
}

func eventuallyNames(t *testing.T, s *testSession, want []string, get func(*testing.T, *testSession) []string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(want, get(t, s))
	}, waitFor, tick, "want %v", want)
}

func TestOpenLoadsExistingFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "B", "B.ewp"), projectXML("Debug"))
	writeFile(t, filepath.Join(root, "A", "A.ewp"), projectXML("Debug", "Release"))
	writeFile(t, filepath.Join(root, "main.eww"), workspaceXML(`A\A.ewp`))

	s := openTestSession(t, root)

	eventuallyNames(t, s, []string{"A", "B"}, projectNames)
	ws := names(t, s, func(c *model.Cascade) []*entity.Workspace { return c.Workspaces.Items() })
	assert.Equal(t, []string{"main"}, ws)

	var tc *entity.Toolchain
	require.NoError(t, s.Do(func(c *model.Cascade) { tc, _ = c.Toolchains.Selected() }))
	require.NotNil(t, tc)
	assert.Equal(t, "/tc/new", tc.Path, "newest toolchain is preferred")
}

func TestWorkspaceSelectionAndProjectEdits(t *testing.T) {
	root := t.TempDir()
	a := writeFile(t, filepath.Join(root, "A", "A.ewp"), projectXML("Debug"))
	writeFile(t, filepath.Join(root, "B", "B.ewp"), projectXML("Debug"))
	writeFile(t, filepath.Join(root, "main.eww"), workspaceXML(`A\A.ewp`))

	s := openTestSession(t, root)
	eventuallyNames(t, s, []string{"A", "B"}, projectNames)

	var wsOK, projOK bool
	require.NoError(t, s.Do(func(c *model.Cascade) {
		wsOK = model.SelectByName(c.Workspaces, "main")
		projOK = model.SelectByName(c.Projects, "A")
	}))
	require.True(t, wsOK)
	require.True(t, projOK)
	assert.Equal(t, []string{"A"}, projectNames(t, s))

	// Editing the project adds a configuration; the selection
	// stays on A.
	writeFile(t, a, projectXML("Debug", "Release"))
	configNames := func(t *testing.T, s *testSession) []string {
		return names(t, s, func(c *model.Cascade) []*entity.Configuration {
			return c.Configurations.Items()
		})
	}
	eventuallyNames(t, s, []string{"Debug", "Release"}, configNames)

	var selected string
	require.NoError(t, s.Do(func(c *model.Cascade) {
		if p, ok := c.Projects.Selected(); ok {
			selected = p.Name
		}
	}))
	assert.Equal(t, "A", selected)
}

func TestBackupProjectsAreNeverListed(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "A", "A.ewp"), projectXML("Debug"))
	s := openTestSession(t, root)
	eventuallyNames(t, s, []string{"A"}, projectNames)

	writeFile(t, filepath.Join(root, "A", "Backup of A.ewp"), projectXML("Debug"))
	writeFile(t, filepath.Join(root, "A", "A のバックアップ (2).ewp"), projectXML("Debug"))
	writeFile(t, filepath.Join(root, "C.ewp"), projectXML("Debug"))

	eventuallyNames(t, s, []string{"A", "C"}, projectNames)
}

func TestParseFailureWarnsAndKeepsOthers(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "A.ewp"), projectXML("Debug"))
	writeFile(t, filepath.Join(root, "Broken.ewp"), "<project><configuration>")

	s := openTestSession(t, root)

	eventuallyNames(t, s, []string{"A"}, projectNames)
	require.Eventually(t, func() bool { return s.warningCount() == 1 }, waitFor, tick)
}

func TestSettingsExclusionChangeRefreshesProjects(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "app", "App.ewp"), projectXML("Debug"))
	writeFile(t, filepath.Join(root, "Examples", "Demo.ewp"), projectXML("Debug"))
	settings := writeFile(t, filepath.Join(root, ".vscode", "settings.json"), `{}`)

	s := openTestSession(t, root)
	eventuallyNames(t, s, []string{"App", "Demo"}, projectNames)

	writeFile(t, settings, `{"iar-build.projectsToExclude": ["Examples/"]}`)
	eventuallyNames(t, s, []string{"App"}, projectNames)

	writeFile(t, settings, `{}`)
	eventuallyNames(t, s, []string{"App", "Demo"}, projectNames)
}

func TestLoadProjectRemovesBackups(t *testing.T) {
	root := t.TempDir()
	proj := writeFile(t, filepath.Join(root, "A", "A.ewp"), projectXML("Debug"))
	s := openTestSession(t, root)

	backupPath := filepath.Join(root, "A", "Backup (2) of A.ewd")
	err := s.LoadProject(context.Background(), proj, func(context.Context) error {
		return os.WriteFile(backupPath, []byte("x"), 0o644)
	})
	require.NoError(t, err)

	require.NoError(t, s.Close())
	_, err = os.Stat(backupPath)
	assert.True(t, errors.Is(err, os.ErrNotExist), "backup should be removed by Close")
}

func TestLoadProjectAfterClose(t *testing.T) {
	root := t.TempDir()
	proj := writeFile(t, filepath.Join(root, "A", "A.ewp"), projectXML("Debug"))
	s := openTestSession(t, root)
	require.NoError(t, s.Close())

	ran := false
	err := s.LoadProject(context.Background(), proj, func(context.Context) error {
		ran = true
		return nil
	})
	assert.ErrorIs(t, err, ErrClosed)
	assert.False(t, ran, "task must not run after Close")
}

func TestCloseWaitsForRunningLoad(t *testing.T) {
	root := t.TempDir()
	proj := writeFile(t, filepath.Join(root, "A", "A.ewp"), projectXML("Debug"))
	s := openTestSession(t, root)

	backupPath := filepath.Join(root, "A", "Backup of A.ewd")
	started := make(chan struct{})
	release := make(chan struct{})
	loadErr := make(chan error, 1)
	go func() {
		loadErr <- s.LoadProject(context.Background(), proj, func(context.Context) error {
			close(started)
			<-release
			return os.WriteFile(backupPath, []byte("x"), 0o644)
		})
	}()
	<-started

	closed := make(chan error, 1)
	go func() { closed <- s.Close() }()
	select {
	case <-closed:
		t.Fatal("Close returned while a load was running")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-loadErr)
	require.NoError(t, <-closed)
	_, err := os.Stat(backupPath)
	assert.True(t, errors.Is(err, os.ErrNotExist), "backup should be removed by Close")
}

func TestSettingsPatternIsLiteral(t *testing.T) {
	root := filepath.FromSlash("/ws")
	tests := []struct {
		name     string
		settings string
		match    string
		other    string
	}{
		{"Plain", "/ws/.vscode/settings.json", ".vscode/settings.json", "x/.vscode/settings.json"},
		{"Brackets", "/ws/cfg[1]/settings.json", "cfg[1]/settings.json", "cfg1/settings.json"},
		{"Star", "/ws/a*b/settings.json", "a*b/settings.json", "axxb/settings.json"},
		{"Question", "/ws/a?b/settings.json", "a?b/settings.json", "axb/settings.json"},
		{"Regexp", "/ws/v(1)+$/settings.json", "v(1)+$/settings.json", "v1/settings.json"},
		{"Bang", "/ws/!keep/settings.json", "!keep/settings.json", "keep/settings.json"},
		{"OutsideRoot", "/etc/ew[s].json", "ew[s].json", "ews.json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, pattern := settingsPattern(root, filepath.FromSlash(tt.settings))
			m := ignore.CompileIgnoreLines(pattern)
			assert.True(t, m.MatchesPath(tt.match), "%q should match %q", pattern, tt.match)
			assert.False(t, m.MatchesPath(tt.other), "%q should not match %q", pattern, tt.other)
		})
	}
}

func TestSettingsWatcherFindsFileWithMetacharacters(t *testing.T) {
	root := t.TempDir()
	settings := writeFile(t, filepath.Join(root, "cfg [dev]+(1)", "settings.json"), `{}`)

	watchRoot, pattern := settingsPattern(root, settings)
	w, err := pathset.New(watchRoot, pattern)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	assert.Equal(t, []string{settings}, w.Files())
}

func TestOpenFailsOnMissingRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "missing")
	cfg, err := config.Default(root)
	require.NoError(t, err)

	_, err = Open(Options{
		Config:             cfg,
		DiscoverToolchains: func([]string) []*entity.Toolchain { return nil },
	})
	var initErr *pathset.WatchInitError
	require.ErrorAs(t, err, &initErr)
}

func TestDoAfterClose(t *testing.T) {
	s := openTestSession(t, t.TempDir())
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	err := s.Do(func(*model.Cascade) {})
	assert.ErrorIs(t, err, ErrClosed)
}
