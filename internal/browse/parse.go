package browse

import (
	"fmt"
	"io"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ParseListing reads the entries of a rendered listing page for prefix from
// its links. Folder links that are not direct children of prefix (breadcrumbs,
// the parent link) are skipped, as are links to other hosts.
func ParseListing(prefix string, r io.Reader) (*Listing, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse listing page: %w", err)
	}
	prefix = NormalizePrefix(prefix)

	var folders, files []string
	seen := make(map[string]bool)

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.A {
			if p, isDir, ok := classifyLink(prefix, href(n)); ok && !seen[p] {
				seen[p] = true
				if isDir {
					folders = append(folders, p)
				} else {
					files = append(files, p)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return NewListing(prefix, folders, files), nil
}

func href(n *html.Node) string {
	for _, a := range n.Attr {
		if a.Key == "href" {
			return a.Val
		}
	}
	return ""
}

// classifyLink maps a listing or download link to the blob path it points at.
func classifyLink(prefix, link string) (path string, isDir bool, ok bool) {
	if link == "" {
		return "", false, false
	}
	u, err := url.Parse(link)
	if err != nil || u.Host != "" {
		return "", false, false
	}

	switch u.Path {
	case ListPath, DownloadFolderPath:
		key := "prefix"
		if u.Path == DownloadFolderPath {
			key = "path"
		}
		folder := NormalizePrefix(u.Query().Get(key))
		if folder == "" || !strings.HasPrefix(folder, prefix) {
			return "", false, false
		}
		rest := strings.TrimSuffix(strings.TrimPrefix(folder, prefix), "/")
		if rest == "" || strings.Contains(rest, "/") {
			return "", false, false
		}
		return strings.TrimSuffix(folder, "/"), true, true
	case DownloadPath:
		file := strings.TrimLeft(u.Query().Get("path"), "/")
		if file == "" || strings.HasSuffix(file, "/") || !strings.HasPrefix(file, prefix) {
			return "", false, false
		}
		return file, false, true
	default:
		return "", false, false
	}
}
