package browse

import (
	"path"
	"sort"
	"strings"
)

// Entry represents a folder or file in the browser
type Entry struct {
	Name  string `json:"name"`
	Path  string `json:"path"` // Full blob path; folders have no trailing slash
	IsDir bool   `json:"is_dir"`
}

// Listing contains the contents of one prefix
type Listing struct {
	Prefix  string   `json:"prefix"`
	Entries []*Entry `json:"entries"`
}

// Crumb is one step of the breadcrumb trail
type Crumb struct {
	Name   string `json:"name"`
	Prefix string `json:"prefix"`
}

// NormalizePrefix strips leading slashes and guarantees a trailing slash on
// non-empty prefixes. The root prefix is the empty string.
func NormalizePrefix(prefix string) string {
	prefix = strings.TrimLeft(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return ""
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix
}

// NewListing builds a listing from folder paths (full paths, as returned by
// the storage service) and file names relative to prefix.
func NewListing(prefix string, folders, files []string) *Listing {
	prefix = NormalizePrefix(prefix)
	listing := &Listing{
		Prefix:  prefix,
		Entries: make([]*Entry, 0, len(folders)+len(files)),
	}

	for _, folder := range folders {
		folder = strings.TrimSuffix(folder, "/")
		if folder == "" {
			continue
		}
		listing.Entries = append(listing.Entries, &Entry{
			Name:  BaseName(folder),
			Path:  folder,
			IsDir: true,
		})
	}
	for _, file := range files {
		if file == "" || strings.HasSuffix(file, "/") {
			continue
		}
		listing.Entries = append(listing.Entries, &Entry{
			Name: BaseName(file),
			Path: prefix + strings.TrimPrefix(file, prefix),
		})
	}

	// Directories first, then by name
	sort.SliceStable(listing.Entries, func(i, j int) bool {
		if listing.Entries[i].IsDir != listing.Entries[j].IsDir {
			return listing.Entries[i].IsDir
		}
		return strings.ToLower(listing.Entries[i].Name) < strings.ToLower(listing.Entries[j].Name)
	})

	return listing
}

// Folders returns the folder entries
func (l *Listing) Folders() []*Entry {
	return l.collect(func(e *Entry) bool { return e.IsDir })
}

// Files returns the file entries
func (l *Listing) Files() []*Entry {
	return l.collect(func(e *Entry) bool { return !e.IsDir })
}

// Filter returns the entries whose name contains query, ignoring case.
// An empty query matches everything.
func (l *Listing) Filter(query string) []*Entry {
	query = strings.ToLower(query)
	return l.collect(func(e *Entry) bool {
		return strings.Contains(strings.ToLower(e.Name), query)
	})
}

// Parent returns the prefix one level up, or "" at the root
func (l *Listing) Parent() string {
	if l.Prefix == "" {
		return ""
	}
	parent := path.Dir(strings.TrimSuffix(l.Prefix, "/"))
	if parent == "." {
		return ""
	}
	return parent + "/"
}

func (l *Listing) collect(keep func(*Entry) bool) []*Entry {
	out := make([]*Entry, 0, len(l.Entries))
	for _, e := range l.Entries {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}

// Breadcrumbs splits prefix into navigable steps, root excluded
func Breadcrumbs(prefix string) []Crumb {
	trimmed := strings.Trim(prefix, "/")
	if trimmed == "" {
		return []Crumb{}
	}
	parts := strings.Split(trimmed, "/")
	crumbs := make([]Crumb, 0, len(parts))
	for i, part := range parts {
		crumbs = append(crumbs, Crumb{
			Name:   part,
			Prefix: strings.Join(parts[:i+1], "/") + "/",
		})
	}
	return crumbs
}

// BaseName returns the last segment of a blob path
func BaseName(p string) string {
	parts := strings.Split(strings.TrimSuffix(p, "/"), "/")
	return parts[len(parts)-1]
}
