package browse

import (
	"errors"
	"net/url"
	"strings"
)

// Application endpoints used by the file browser.
const (
	ListPath             = "/"
	LoginPath            = "/login"
	DownloadPath         = "/download"
	DownloadFolderPath   = "/download-folder"
	DownloadMultiplePath = "/download-multiple"
	UploadPath           = "/upload"
	SelectAccountPath    = "/select-account"
)

// SelectedAccountCookie names the storage account the server lists from.
const SelectedAccountCookie = "selected_account"

// ErrNoFilesSelected is returned when a multi-file download has no files.
var ErrNoFilesSelected = errors.New("no files selected")

// ListURL returns the listing URL for a folder. A non-empty query is filtered
// server-side and downloadMode asks for the page with selection checkboxes.
func ListURL(folder, query string, downloadMode bool) string {
	values := url.Values{"prefix": {NormalizePrefix(folder)}}
	if query != "" {
		values.Set("q", query)
	}
	if downloadMode {
		values.Set("downloadMode", "1")
	}
	return ListPath + "?" + values.Encode()
}

// DownloadURL returns the single-file download URL.
func DownloadURL(path string) string {
	return DownloadPath + "?" + url.Values{"path": {path}}.Encode()
}

// DownloadFolderURL returns the URL that downloads a folder as a zip.
func DownloadFolderURL(folder string) string {
	return DownloadFolderPath + "?" + url.Values{"path": {strings.TrimSuffix(folder, "/")}}.Encode()
}

// SelectAccountURL returns the URL that switches the session to a storage account.
func SelectAccountURL(name string) string {
	return SelectAccountPath + "?" + url.Values{"name": {name}}.Encode()
}

// MultipleDownload is the form posted to download several files as one zip.
type MultipleDownload struct {
	Prefix string
	Files  []string
}

// NewMultipleDownload validates a selection for submission.
func NewMultipleDownload(prefix string, files []string) (*MultipleDownload, error) {
	kept := make([]string, 0, len(files))
	for _, f := range files {
		if f = strings.TrimSpace(f); f != "" {
			kept = append(kept, f)
		}
	}
	if len(kept) == 0 {
		return nil, ErrNoFilesSelected
	}
	return &MultipleDownload{Prefix: prefix, Files: kept}, nil
}

// Form encodes the request as repeated files fields and one prefix field.
func (m *MultipleDownload) Form() url.Values {
	form := url.Values{}
	for _, f := range m.Files {
		form.Add("files", f)
	}
	form.Set("prefix", m.Prefix)
	return form
}
