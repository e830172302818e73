package model

import (
	"slices"

	"github.com/wesm/ewsync/internal/entity"
)

// Cascade chains the four selection models. The workspace
// selection decides which projects are candidates, the project
// selection decides which configurations are, and the toolchain
// selection filters configurations by supported target.
type Cascade struct {
	Toolchains     *ListModel[*entity.Toolchain]
	Workspaces     *ListModel[*entity.Workspace]
	Projects       *ListModel[*entity.Project]
	Configurations *ListModel[*entity.Configuration]

	known []*entity.Project // every project, not just candidates
}

// NewCascade returns empty, wired models.
func NewCascade() *Cascade {
	c := &Cascade{
		Toolchains:     NewListModel((*entity.Toolchain).Key),
		Workspaces:     NewListModel((*entity.Workspace).Key),
		Projects:       NewListModel((*entity.Project).Key),
		Configurations: NewListModel((*entity.Configuration).Key),
	}

	c.Toolchains.AddOnSelectedHandler(func() {
		if _, ok := c.Toolchains.Selected(); !ok {
			// A project can be selected with no workspace, so
			// both are cleared. Configurations follow projects.
			c.Workspaces.Deselect()
			c.Projects.Deselect()
		}
		c.refreshConfigurations()
	})

	c.Workspaces.AddOnSelectedHandler(func() {
		if _, ok := c.Workspaces.Selected(); !ok {
			c.Projects.Deselect()
		}
		c.refreshProjects(false)
	})
	// Same workspace, new content: its member list may differ.
	c.Workspaces.AddOnInvalidateHandler(func() { c.refreshProjects(false) })

	c.Projects.AddOnSelectedHandler(c.refreshConfigurations)
	c.Projects.AddOnInvalidateHandler(c.refreshConfigurations)
	return c
}

// SetProjects records every known project and recomputes the
// project candidates.
func (c *Cascade) SetProjects(all []*entity.Project) {
	c.known = append([]*entity.Project(nil), all...)
	entity.SortByName(c.known)
	c.refreshProjects(false)
}

// KnownProjects returns every project, candidate or not.
func (c *Cascade) KnownProjects() []*entity.Project {
	return append([]*entity.Project(nil), c.known...)
}

// ReloadProjects re-derives the project candidates and notifies
// project observers even when nothing changed.
func (c *Cascade) ReloadProjects() {
	c.refreshProjects(true)
}

// PreferToolchain selects the toolchain installed at path, or the
// newest one when path is empty or unknown and nothing is
// selected yet.
func (c *Cascade) PreferToolchain(path string) {
	if path != "" && c.Toolchains.SelectKey(path) {
		return
	}
	if _, ok := c.Toolchains.Selected(); ok {
		return
	}
	if newest := entity.Newest(c.Toolchains.Items()); newest != nil {
		c.Toolchains.SelectKey(newest.Key())
	}
}

// refreshProjects lists the projects of the selected workspace, or
// every known project when no workspace is selected.
func (c *Cascade) refreshProjects(force bool) {
	var candidates []*entity.Project
	if ws, ok := c.Workspaces.Selected(); ok {
		for _, p := range c.known {
			if ws.Contains(p.Path) {
				candidates = append(candidates, p)
			}
		}
	} else {
		candidates = append(candidates, c.known...)
	}

	if !force && slices.Equal(candidates, c.Projects.items) {
		return
	}
	c.Projects.Set(candidates...)
}

func (c *Cascade) refreshConfigurations() {
	var candidates []*entity.Configuration
	if p, ok := c.Projects.Selected(); ok {
		tc, hasTC := c.Toolchains.Selected()
		for _, cfg := range p.Configurations {
			if hasTC && !tc.Supports(cfg.Target) {
				continue
			}
			candidates = append(candidates, cfg)
		}
	}

	if slices.Equal(candidates, c.Configurations.items) {
		return
	}
	c.Configurations.Set(candidates...)
}

// SelectByName selects the first item whose display name is name.
func SelectByName[T entity.Entity](m *ListModel[T], name string) bool {
	for i, item := range m.items {
		if item.DisplayName() == name {
			m.Select(i)
			return true
		}
	}
	return false
}
