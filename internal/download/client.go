// Package download talks to the storage browser with the session established
// by the login handshake: it lists folders, downloads files and archives,
// uploads files and switches the selected storage account.
package download

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/fileblobs/client/internal/browse"
	"github.com/fileblobs/client/internal/handshake"
	"github.com/fileblobs/client/internal/logger"
)

// DefaultFilename is used when the response names no file.
const DefaultFilename = "download"

const (
	maxErrorBytes   = 64 << 10
	maxListingBytes = 8 << 20
)

var (
	// ErrAccountNotFound is returned when the server does not know the storage account.
	ErrAccountNotFound = errors.New("storage account not found")
	// ErrNoUploadFiles is returned when an upload carries no files.
	ErrNoUploadFiles = errors.New("no files to upload")
)

// Error is a failed request.
type Error struct {
	Status  int
	Message string
	// Location is the redirect target when the server redirected instead of answering.
	Location string
}

func (e *Error) Error() string {
	return fmt.Sprintf("request failed (status %d): %s", e.Status, e.Message)
}

// Result describes a completed download.
type Result struct {
	Filename    string
	ContentType string
	Bytes       int64
}

// UploadFile is one file of a multi-file upload.
type UploadFile struct {
	Name string
	Body io.Reader
}

// UploadResult describes a completed upload.
type UploadResult struct {
	Files []string
	// Location is the listing the server sent the browser back to.
	Location string
}

// Client executes browser requests against baseURL. The HTTP client must
// carry the session cookie jar. Redirects are not followed: the server
// answers unauthenticated requests with a redirect to the login page.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a client. The given HTTP client is copied, not modified.
func NewClient(baseURL string, client *http.Client) *Client {
	if client == nil {
		client = http.DefaultClient
	}
	c := *client
	c.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &Client{baseURL: strings.TrimSuffix(baseURL, "/"), client: &c}
}

// List fetches the listing page for prefix and reads its entries. A non-empty
// query is filtered by the server.
func (c *Client) List(ctx context.Context, prefix, query string) (*browse.Listing, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+browse.ListURL(prefix, query, false), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/html")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list %q: %w", prefix, err)
	}
	defer resp.Body.Close()

	if isRedirect(resp.StatusCode) {
		return nil, redirectError(resp)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, responseError(resp)
	}

	listing, err := browse.ParseListing(prefix, io.LimitReader(resp.Body, maxListingBytes))
	if err != nil {
		return nil, err
	}
	logger.Debug("Listing fetched", "prefix", listing.Prefix, "entries", len(listing.Entries))
	return listing, nil
}

// File downloads a single blob into w.
func (c *Client) File(ctx context.Context, blobPath string, w io.Writer) (*Result, error) {
	if blobPath == "" {
		return nil, errors.New("file path is required")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+browse.DownloadURL(blobPath), nil)
	if err != nil {
		return nil, err
	}
	return c.download(req, w, path.Base(blobPath))
}

// Folder downloads every blob under folder as a zip archive into w.
func (c *Client) Folder(ctx context.Context, folder string, w io.Writer) (*Result, error) {
	if strings.Trim(folder, "/") == "" {
		return nil, errors.New("folder path is required")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+browse.DownloadFolderURL(folder), nil)
	if err != nil {
		return nil, err
	}
	return c.download(req, w, "")
}

// Multiple downloads the selected files as one zip archive into w.
func (c *Client) Multiple(ctx context.Context, selection *browse.MultipleDownload, w io.Writer) (*Result, error) {
	if selection == nil || len(selection.Files) == 0 {
		return nil, browse.ErrNoFilesSelected
	}
	body := selection.Form().Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+browse.DownloadMultiplePath, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.download(req, w, "")
}

// Upload sends files into prefix as one multipart request with repeated
// files parts and a prefix field.
func (c *Client) Upload(ctx context.Context, prefix string, files []UploadFile) (*UploadResult, error) {
	if len(files) == 0 {
		return nil, ErrNoUploadFiles
	}
	prefix = browse.NormalizePrefix(prefix)

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+browse.UploadPath, pr)
	if err != nil {
		pr.Close()
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	go func() {
		pw.CloseWithError(writeUpload(mw, prefix, files))
	}()

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}
	defer resp.Body.Close()

	location := resp.Header.Get("Location")
	switch {
	case isRedirect(resp.StatusCode) && !isSessionRedirect(location):
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
	case isRedirect(resp.StatusCode):
		return nil, redirectError(resp)
	default:
		return nil, responseError(resp)
	}

	result := &UploadResult{Location: location}
	for _, f := range files {
		result.Files = append(result.Files, prefix+path.Base(f.Name))
	}
	logger.Info("Upload complete", "prefix", prefix, "files", len(result.Files))
	return result, nil
}

func writeUpload(mw *multipart.Writer, prefix string, files []UploadFile) error {
	if err := mw.WriteField("prefix", prefix); err != nil {
		return err
	}
	for _, f := range files {
		part, err := mw.CreateFormFile("files", path.Base(f.Name))
		if err != nil {
			return err
		}
		if _, err := io.Copy(part, f.Body); err != nil {
			return fmt.Errorf("read %s: %w", f.Name, err)
		}
	}
	return mw.Close()
}

// SelectAccount switches the session to the named storage account. The
// server records the choice in the selected_account cookie.
func (c *Client) SelectAccount(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("account name is required")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+browse.SelectAccountURL(name), nil)
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("select account: %w", err)
	}
	defer resp.Body.Close()

	if !isRedirect(resp.StatusCode) {
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return responseError(resp)
		}
		return fmt.Errorf("select account: unexpected status %d", resp.StatusCode)
	}

	switch target := redirectPath(resp.Header.Get("Location")); target {
	case browse.ListPath:
		logger.Info("Storage account selected", "account", name)
		return nil
	case handshake.LandingPath:
		return fmt.Errorf("%w: %q", ErrAccountNotFound, name)
	default:
		return redirectError(resp)
	}
}

func (c *Client) download(req *http.Request, w io.Writer, fallback string) (*Result, error) {
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	if isRedirect(resp.StatusCode) {
		return nil, redirectError(resp)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, responseError(resp)
	}

	result := &Result{
		Filename:    filename(resp.Header.Get("Content-Disposition"), fallback),
		ContentType: resp.Header.Get("Content-Type"),
	}
	n, err := io.Copy(w, resp.Body)
	result.Bytes = n
	if err != nil {
		return result, fmt.Errorf("read %s: %w", req.URL.Path, err)
	}

	logger.Info("Download complete", "path", req.URL.Path, "file", result.Filename, "bytes", n)
	return result, nil
}

func isRedirect(status int) bool {
	return status >= 300 && status <= 399
}

func redirectPath(location string) string {
	u, err := url.Parse(location)
	if err != nil {
		return ""
	}
	return u.Path
}

func isSessionRedirect(location string) bool {
	target := redirectPath(location)
	return target == browse.LoginPath || target == handshake.AccessDeniedPath
}

// redirectError maps a redirect to the login or access-denied page onto the
// status a session failure would have, so SessionExpired recognises it.
func redirectError(resp *http.Response) error {
	location := resp.Header.Get("Location")
	switch redirectPath(location) {
	case browse.LoginPath:
		logger.Warn("Session rejected, server redirected to login")
		return &Error{Status: http.StatusUnauthorized, Message: "session expired", Location: location}
	case handshake.AccessDeniedPath:
		return &Error{Status: http.StatusForbidden, Message: "access denied", Location: location}
	default:
		return &Error{Status: resp.StatusCode, Message: "unexpected redirect to " + location, Location: location}
	}
}

// responseError reads the {"error": "..."} envelope, falling back to the
// plain-text body and finally to the status code.
func responseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBytes))

	var envelope struct {
		Error string `json:"error"`
	}
	message := ""
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != "" {
		message = envelope.Error
	} else if text := strings.TrimSpace(string(body)); text != "" && !json.Valid(body) {
		message = text
	}
	if message == "" {
		message = fmt.Sprintf("status %d", resp.StatusCode)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		logger.Warn("Request rejected, session may have expired", "status", resp.StatusCode)
	}
	return &Error{Status: resp.StatusCode, Message: message}
}

func filename(disposition, fallback string) string {
	if _, params, err := mime.ParseMediaType(disposition); err == nil {
		if name := safeBase(params["filename"]); name != "" {
			return name
		}
	}
	if name := safeBase(fallback); name != "" {
		return name
	}
	return DefaultFilename
}

// safeBase strips directories so a server-supplied name cannot escape the
// output directory.
func safeBase(name string) string {
	if name == "" {
		return ""
	}
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	switch base {
	case ".", "..", "/":
		return ""
	}
	return base
}

// SessionExpired reports whether err means the session cookie was rejected
// and the login handshake should run again.
func SessionExpired(err error) bool {
	var reqErr *Error
	if !errors.As(err, &reqErr) {
		return false
	}
	return reqErr.Status == http.StatusUnauthorized || reqErr.Status == http.StatusForbidden
}
