package entity

import (
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"slices"
	"strings"

	"golang.org/x/mod/semver"
)

// versionRe pulls "9.30.1" or "9.2" out of an install directory
// name such as "Embedded Workbench 9.2".
var versionRe = regexp.MustCompile(`(\d+)\.(\d+)(?:\.(\d+))?`)

// buildToolName is the executable whose presence marks an install.
func buildToolName() string {
	if runtime.GOOS == "windows" {
		return "iarbuild.exe"
	}
	return "iarbuild"
}

// IsToolchainDir reports whether dir looks like an installation.
func IsToolchainDir(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, "common", "bin", buildToolName()))
	return err == nil && !info.IsDir()
}

// LoadToolchain reads the installation rooted at dir.
func LoadToolchain(dir string) (*Toolchain, error) {
	dir = filepath.Clean(dir)
	if !IsToolchainDir(dir) {
		return nil, &ParseError{Path: dir, Msg: "no " + buildToolName() + " under common/bin"}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &ParseError{Path: dir, Msg: "reading install dir", Err: err}
	}
	var targets []string
	for _, e := range entries {
		if !e.IsDir() || e.Name() == "common" {
			continue
		}
		bin, err := os.Stat(filepath.Join(dir, e.Name(), "bin"))
		if err != nil || !bin.IsDir() {
			continue
		}
		targets = append(targets, strings.ToLower(e.Name()))
	}
	slices.Sort(targets)

	name := filepath.Base(dir)
	return &Toolchain{
		Path:    dir,
		Name:    name,
		Version: versionFromName(name),
		Targets: targets,
	}, nil
}

func versionFromName(name string) string {
	m := versionRe.FindStringSubmatch(name)
	if m == nil {
		return ""
	}
	patch := m[3]
	if patch == "" {
		patch = "0"
	}
	v := "v" + m[1] + "." + m[2] + "." + patch
	if !semver.IsValid(v) {
		return ""
	}
	return v
}

// DiscoverToolchains looks for installations at each root, its
// children and its grandchildren ("IAR Systems/Embedded Workbench
// 9.2"). Results are deduplicated and sorted by display name.
func DiscoverToolchains(roots []string) []*Toolchain {
	seen := make(map[string]bool)
	var found []*Toolchain
	consider := func(dir string) bool {
		if seen[dir] || !IsToolchainDir(dir) {
			return false
		}
		seen[dir] = true
		tc, err := LoadToolchain(dir)
		if err != nil {
			return false
		}
		found = append(found, tc)
		return true
	}

	for _, root := range roots {
		if root == "" {
			continue
		}
		root = filepath.Clean(root)
		if consider(root) {
			continue
		}
		for _, child := range subdirs(root) {
			if consider(child) {
				continue
			}
			for _, grandchild := range subdirs(child) {
				consider(grandchild)
			}
		}
	}

	SortByName(found)
	return found
}

func subdirs(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, filepath.Join(dir, e.Name()))
		}
	}
	return dirs
}

// Newest returns the toolchain with the highest version, or nil.
// Toolchains without a version rank lowest.
func Newest(tcs []*Toolchain) *Toolchain {
	var best *Toolchain
	for _, tc := range tcs {
		if best == nil || semver.Compare(tc.Version, best.Version) > 0 {
			best = tc
		}
	}
	return best
}
