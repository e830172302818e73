// Package backup recognizes the backup copies the build tool writes
// next to a project when it opens one, and removes the ones a
// guarded task created.
package backup

import (
	"path/filepath"
	"regexp"
)

// anyName stands in for the project name when the caller only
// wants to know whether a file is backup-shaped.
const anyName = `.+`

var anyListing = listingPatterns(anyName)

// ListingPatterns returns the anchored patterns that mark a .ewp
// file as a backup of the named project. The first is locale
// neutral, the second is the Japanese form.
func ListingPatterns(projectName string) []*regexp.Regexp {
	return listingPatterns(regexp.QuoteMeta(projectName))
}

func listingPatterns(n string) []*regexp.Regexp {
	return []*regexp.Regexp{
		regexp.MustCompile(`^Backup\s+(\(\d+\)\s+)?of ` + n + `\.ewp$`),
		regexp.MustCompile(`^` + n + `\s+のバックアップ(\s+\(\d+\))?\.ewp$`),
	}
}

// GuardPatterns returns the unanchored patterns used while a task
// runs. They also catch the .ewt and .ewd siblings.
func GuardPatterns(projectName string) []*regexp.Regexp {
	n := regexp.QuoteMeta(projectName)
	return []*regexp.Regexp{
		regexp.MustCompile(`Backup\s+(\(\d+\))?\s*of ` + n + `\.ew`),
		regexp.MustCompile(n + `\s+のバックアップ(\s+\(\d+\))?\.ew`),
	}
}

// IsBackupProjectFile reports whether path's basename is shaped
// like a backup of any project.
func IsBackupProjectFile(path string) bool {
	return matchesAny(anyListing, filepath.Base(path))
}

func matchesAny(patterns []*regexp.Regexp, name string) bool {
	for _, re := range patterns {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}
