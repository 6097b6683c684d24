// Package page models the browser page that hosts the login handshake: its
// current location, the status line shown to the user, the cookie jar shared
// with same-origin requests, and the navigations the page performs.
package page

import (
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"

	"github.com/fileblobs/client/internal/logger"
	"golang.org/x/net/publicsuffix"
)

// Page is an in-process stand-in for a browser window.
type Page struct {
	origin      *url.URL
	location    *url.URL
	jar         http.CookieJar
	out         io.Writer
	status      string
	navigations []string
	cookieSets  int
}

// New creates a page on origin currently showing location. Relative locations
// resolve against origin. Status lines and navigations are echoed to out when
// it is non-nil.
func New(origin, location string, out io.Writer) (*Page, error) {
	base, err := url.Parse(origin)
	if err != nil {
		return nil, fmt.Errorf("parse origin: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("origin must be absolute: %q", origin)
	}
	base = &url.URL{Scheme: base.Scheme, Host: base.Host, Path: "/"}

	loc, err := base.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("parse location: %w", err)
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}

	return &Page{
		origin:   base,
		location: loc,
		jar:      jar,
		out:      out,
	}, nil
}

// Origin returns the scheme and host the page belongs to.
func (p *Page) Origin() *url.URL {
	u := *p.origin
	return &u
}

// Location returns the current URL of the page.
func (p *Page) Location() *url.URL {
	u := *p.location
	return &u
}

// SetStatus replaces the status line.
func (p *Page) SetStatus(text string) {
	p.status = text
	if p.out != nil {
		fmt.Fprintln(p.out, text)
	}
}

// Status returns the current status line.
func (p *Page) Status() string {
	return p.status
}

// SetCookie stores a cookie for the page's origin.
func (p *Page) SetCookie(c *http.Cookie) {
	p.jar.SetCookies(p.origin, []*http.Cookie{c})
	p.cookieSets++
	logger.Debug("Cookie set", "name", c.Name, "path", c.Path)
}

// Cookie returns the value of the named cookie visible at the origin root.
func (p *Page) Cookie(name string) (string, bool) {
	for _, c := range p.jar.Cookies(p.origin) {
		if c.Name == name {
			return c.Value, true
		}
	}
	return "", false
}

// CookieSets returns how many times SetCookie was called.
func (p *Page) CookieSets() int {
	return p.cookieSets
}

// Navigate moves the page to target, resolved against the current location.
func (p *Page) Navigate(target string) {
	next, err := p.location.Parse(target)
	if err != nil {
		logger.Warn("Ignoring invalid navigation target", "target", target, "error", err)
		return
	}
	p.location = next
	p.navigations = append(p.navigations, next.String())
	logger.Info("Navigating", "url", redactFragment(next))
	if p.out != nil {
		fmt.Fprintf(p.out, "-> %s\n", next.String())
	}
}

// Navigations returns every URL the page navigated to, in order.
func (p *Page) Navigations() []string {
	return append([]string(nil), p.navigations...)
}

// SameOrigin reports whether u belongs to the page's origin.
func (p *Page) SameOrigin(u *url.URL) bool {
	return u.Scheme == p.origin.Scheme && u.Host == p.origin.Host
}

// Jar returns the page's cookie jar.
func (p *Page) Jar() http.CookieJar {
	return p.jar
}

// Client returns an HTTP client that sends and stores the page's cookies.
func (p *Page) Client() *http.Client {
	return &http.Client{Jar: p.jar}
}

// redactFragment drops the fragment, which carries tokens on implicit-flow callbacks.
func redactFragment(u *url.URL) string {
	c := *u
	c.Fragment = ""
	c.RawFragment = ""
	return c.String()
}
