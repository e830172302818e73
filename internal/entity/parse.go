package entity

import (
	"bytes"
	"encoding/xml"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const wsDirVar = "$WS_DIR$"

type ewwFile struct {
	XMLName  xml.Name `xml:"workspace"`
	Projects []struct {
		Path string `xml:"path"`
	} `xml:"project"`
}

type ewpFile struct {
	XMLName        xml.Name `xml:"project"`
	Configurations []struct {
		Name      string `xml:"name"`
		Debug     string `xml:"debug"`
		Toolchain struct {
			Name string `xml:"name"`
		} `xml:"toolchain"`
	} `xml:"configuration"`
}

// ParseWorkspace reads a workspace file. Member project paths are
// resolved against the workspace directory.
func ParseWorkspace(path string) (*Workspace, error) {
	var f ewwFile
	if err := decodeXML(path, &f); err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	projects := make([]string, 0, len(f.Projects))
	seen := make(map[string]bool, len(f.Projects))
	for _, p := range f.Projects {
		raw := strings.TrimSpace(p.Path)
		if raw == "" {
			continue
		}
		resolved := resolveWorkspacePath(dir, raw)
		if seen[resolved] {
			continue
		}
		seen[resolved] = true
		projects = append(projects, resolved)
	}

	return &Workspace{
		Path:     filepath.Clean(path),
		Name:     NameFromPath(path),
		Projects: projects,
	}, nil
}

// ParseProject reads a project file and enumerates its
// configurations in file order.
func ParseProject(path string) (*Project, error) {
	var f ewpFile
	if err := decodeXML(path, &f); err != nil {
		return nil, err
	}
	if len(f.Configurations) == 0 {
		return nil, &ParseError{Path: path, Msg: "project has no configurations"}
	}

	clean := filepath.Clean(path)
	configs := make([]*Configuration, 0, len(f.Configurations))
	seen := make(map[string]bool, len(f.Configurations))
	for _, c := range f.Configurations {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			return nil, &ParseError{Path: path, Msg: "configuration without a name"}
		}
		if seen[name] {
			return nil, &ParseError{
				Path: path, Msg: "duplicate configuration " + name,
			}
		}
		seen[name] = true
		configs = append(configs, &Configuration{
			Name:        name,
			Target:      strings.TrimSpace(c.Toolchain.Name),
			Debug:       strings.TrimSpace(c.Debug) == "1",
			ProjectPath: clean,
		})
	}

	return &Project{
		Path:           clean,
		Name:           NameFromPath(path),
		Configurations: configs,
	}, nil
}

func decodeXML(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &ParseError{Path: path, Msg: "reading file", Err: err}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return &ParseError{Path: path, Msg: "file is empty"}
	}
	dec := xml.NewDecoder(bytes.NewReader(data))
	// Project files declare iso-8859-1 now and then; names are
	// plain ASCII in practice so pass the bytes through.
	dec.CharsetReader = func(_ string, r io.Reader) (io.Reader, error) {
		return r, nil
	}
	if err := dec.Decode(v); err != nil {
		return &ParseError{Path: path, Msg: "malformed XML", Err: err}
	}
	return nil
}

// resolveWorkspacePath expands $WS_DIR$ and turns the Windows
// separators the tool writes into native ones.
func resolveWorkspacePath(wsDir, raw string) string {
	p := strings.ReplaceAll(raw, "\\", "/")
	if rest, ok := strings.CutPrefix(p, wsDirVar); ok {
		return filepath.Join(wsDir, filepath.FromSlash(rest))
	}
	p = filepath.FromSlash(p)
	if !filepath.IsAbs(p) {
		p = filepath.Join(wsDir, p)
	}
	return filepath.Clean(p)
}
