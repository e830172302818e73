package entity

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const twoConfigProject = `<?xml version="1.0" encoding="UTF-8"?>
<project>
  <fileVersion>3</fileVersion>
  <configuration>
    <name>Debug</name>
    <toolchain><name>ARM</name></toolchain>
    <debug>1</debug>
    <settings><name>General</name></settings>
  </configuration>
  <configuration>
    <name>Release</name>
    <toolchain><name>ARM</name></toolchain>
    <debug>0</debug>
  </configuration>
  <file><name>$PROJ_DIR$\main.c</name></file>
</project>
`

func TestParseProject(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, filepath.Join(dir, "Blinky.ewp"), twoConfigProject)

	p, err := ParseProject(path)
	require.NoError(t, err)

	assert.Equal(t, "Blinky", p.Name)
	assert.Equal(t, path, p.Path)
	require.Len(t, p.Configurations, 2)
	assert.Equal(t, &Configuration{
		Name: "Debug", Target: "ARM", Debug: true, ProjectPath: path,
	}, p.Configurations[0])
	assert.Equal(t, "Release", p.Configurations[1].Name)
	assert.False(t, p.Configurations[1].Debug)
}

func TestParseProjectErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"empty", "  \n"},
		{"not xml", "this is not xml"},
		{"wrong root", "<workspace></workspace>"},
		{"no configurations", "<project><fileVersion>3</fileVersion></project>"},
		{"unnamed configuration",
			"<project><configuration><name> </name></configuration></project>"},
		{"duplicate configuration",
			"<project><configuration><name>A</name></configuration>" +
				"<configuration><name>A</name></configuration></project>"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, filepath.Join(t.TempDir(), "Bad.ewp"), tt.content)
			_, err := ParseProject(path)
			var pe *ParseError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, path, pe.Path)
			assert.NotEmpty(t, pe.Msg)
		})
	}
}

func TestParseProjectMissingFile(t *testing.T) {
	_, err := ParseProject(filepath.Join(t.TempDir(), "gone.ewp"))
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestParseWorkspace(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, filepath.Join(dir, "Demo.eww"), `<?xml version="1.0"?>
<workspace>
  <project><path>$WS_DIR$\Blinky\Blinky.ewp</path></project>
  <project><path>$WS_DIR$\Lib\Lib.ewp</path></project>
  <project><path>Other/Other.ewp</path></project>
  <project><path>$WS_DIR$\Lib\Lib.ewp</path></project>
  <project><path></path></project>
  <batchBuild/>
</workspace>
`)

	ws, err := ParseWorkspace(path)
	require.NoError(t, err)

	assert.Equal(t, "Demo", ws.Name)
	assert.Equal(t, []string{
		filepath.Join(dir, "Blinky", "Blinky.ewp"),
		filepath.Join(dir, "Lib", "Lib.ewp"),
		filepath.Join(dir, "Other", "Other.ewp"),
	}, ws.Projects)
	assert.True(t, ws.Contains(filepath.Join(dir, "Lib", "..", "Lib", "Lib.ewp")))
	assert.False(t, ws.Contains(filepath.Join(dir, "Nope.ewp")))
}

func TestParseWorkspaceWrongRoot(t *testing.T) {
	path := writeFile(t, filepath.Join(t.TempDir(), "x.eww"), twoConfigProject)
	_, err := ParseWorkspace(path)
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
}

func makeInstall(t *testing.T, dir string, targets ...string) string {
	t.Helper()
	writeFile(t, filepath.Join(dir, "common", "bin", buildToolName()), "")
	for _, target := range targets {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, target, "bin"), 0o755))
	}
	return dir
}

func TestLoadToolchain(t *testing.T) {
	dir := makeInstall(t, filepath.Join(t.TempDir(), "Embedded Workbench 9.2"), "arm", "RISCV")
	// A target dir without bin is not a target.
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "doc"), 0o755))

	tc, err := LoadToolchain(dir)
	require.NoError(t, err)
	assert.Equal(t, "Embedded Workbench 9.2", tc.Name)
	assert.Equal(t, "v9.2.0", tc.Version)
	assert.Equal(t, []string{"arm", "riscv"}, tc.Targets)
	assert.True(t, tc.Supports("ARM"))
	assert.False(t, tc.Supports("RH850"))
}

func TestLoadToolchainNotAnInstall(t *testing.T) {
	_, err := LoadToolchain(t.TempDir())
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
}

func TestDiscoverToolchainsAndNewest(t *testing.T) {
	root := t.TempDir()
	makeInstall(t, filepath.Join(root, "IAR Systems", "Embedded Workbench 9.30.1"), "arm")
	makeInstall(t, filepath.Join(root, "IAR Systems", "Embedded Workbench 8.50"), "arm")
	makeInstall(t, filepath.Join(root, "custom"), "riscv")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "unrelated", "stuff"), 0o755))

	tcs := DiscoverToolchains([]string{root, root, ""})
	require.Len(t, tcs, 3)
	var names []string
	for _, tc := range tcs {
		names = append(names, tc.Name)
	}
	assert.Equal(t, []string{
		"Embedded Workbench 8.50", "Embedded Workbench 9.30.1", "custom",
	}, names)

	newest := Newest(tcs)
	require.NotNil(t, newest)
	assert.Equal(t, "v9.30.1", newest.Version)
	assert.Nil(t, Newest(nil))
}

func TestSortByName(t *testing.T) {
	items := []*Project{
		{Path: "/b/x.ewp", Name: "x"},
		{Path: "/a/x.ewp", Name: "x"},
		{Path: "/c/B.ewp", Name: "B"},
		{Path: "/c/a.ewp", Name: "a"},
	}
	SortByName(items)
	var got []string
	for _, p := range items {
		got = append(got, p.Path)
	}
	// Case-sensitive: uppercase sorts before lowercase.
	assert.Equal(t, []string{"/c/B.ewp", "/c/a.ewp", "/a/x.ewp", "/b/x.ewp"}, got)
}
