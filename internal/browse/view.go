package browse

import (
	"errors"
	"sort"
)

var (
	// ErrNotDownloadMode is returned when selecting outside download mode.
	ErrNotDownloadMode = errors.New("selection requires download mode")
	// ErrNotAFile is returned when selecting a folder or an unknown path.
	ErrNotAFile = errors.New("only files in the current listing can be selected")
)

// View is the state of one rendered listing: the search query, whether
// download mode is on, and which files are selected.
type View struct {
	listing      *Listing
	query        string
	downloadMode bool
	selected     map[string]struct{}
}

// NewView creates a view over listing with download mode off.
func NewView(listing *Listing) *View {
	return &View{listing: listing, selected: make(map[string]struct{})}
}

// Listing returns the underlying listing.
func (v *View) Listing() *Listing {
	return v.listing
}

// SetQuery changes the search filter. Selections hidden by the filter are kept.
func (v *View) SetQuery(query string) {
	v.query = query
}

// Visible returns the entries matching the current query.
func (v *View) Visible() []*Entry {
	return v.listing.Filter(v.query)
}

// DownloadMode reports whether multi-select download mode is on.
func (v *View) DownloadMode() bool {
	return v.downloadMode
}

// ToggleDownloadMode flips download mode and returns the new value. Leaving
// download mode drops the selection.
func (v *View) ToggleDownloadMode() bool {
	v.downloadMode = !v.downloadMode
	if !v.downloadMode {
		v.Clear()
	}
	return v.downloadMode
}

// Toggle selects or deselects a file and reports whether it is now selected.
func (v *View) Toggle(path string) (bool, error) {
	if !v.downloadMode {
		return false, ErrNotDownloadMode
	}
	if !v.isFile(path) {
		return false, ErrNotAFile
	}
	if _, ok := v.selected[path]; ok {
		delete(v.selected, path)
		return false, nil
	}
	v.selected[path] = struct{}{}
	return true, nil
}

// SelectAll selects every visible file.
func (v *View) SelectAll() error {
	if !v.downloadMode {
		return ErrNotDownloadMode
	}
	for _, e := range v.Visible() {
		if !e.IsDir {
			v.selected[e.Path] = struct{}{}
		}
	}
	return nil
}

// Clear drops the selection.
func (v *View) Clear() {
	v.selected = make(map[string]struct{})
}

// IsSelected reports whether path is selected.
func (v *View) IsSelected(path string) bool {
	_, ok := v.selected[path]
	return ok
}

// Selected returns the selected paths in sorted order.
func (v *View) Selected() []string {
	paths := make([]string, 0, len(v.selected))
	for p := range v.selected {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// URL returns the listing address that reproduces this view on the server.
func (v *View) URL() string {
	return ListURL(v.listing.Prefix, v.query, v.downloadMode)
}

// Link returns the href for an entry. Folder links keep download mode. Files
// have no link in download mode, where clicking selects them instead.
func (v *View) Link(e *Entry) string {
	if e.IsDir {
		return ListURL(e.Path, "", v.downloadMode)
	}
	if v.downloadMode {
		return ""
	}
	return DownloadURL(e.Path)
}

// DownloadSelected builds the multi-file download form for the selection.
func (v *View) DownloadSelected() (*MultipleDownload, error) {
	return NewMultipleDownload(v.listing.Prefix, v.Selected())
}

func (v *View) isFile(path string) bool {
	for _, e := range v.listing.Entries {
		if e.Path == path {
			return !e.IsDir
		}
	}
	return false
}
