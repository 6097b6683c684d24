package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/fileblobs/client/internal/auth"
	"github.com/fileblobs/client/internal/auth/oidc"
	"github.com/fileblobs/client/internal/auth/oidc/oidctest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const listingHTML = `<html><body>
<a href="/?prefix=">Início</a>
<div class="folder"><a href="/?prefix=docs%2Fold%2F">old</a></div>
<div class="file"><a href="/download?path=docs%2Fsummary.pdf">summary.pdf</a></div>
<div class="file"><a href="/download?path=docs%2Fbudget.xlsx">budget.xlsx</a></div>
<div class="file"><a href="/download?path=docs%2Fnotes.txt">notes.txt</a></div>
</body></html>`

// fakeApp accepts the token "good-token", issues a session cookie for it and
// serves the browser endpoints to holders of that cookie.
type fakeApp struct {
	*httptest.Server

	mu          sync.Mutex
	storeCalls  int
	rejectFirst bool
	multiple    url.Values
	uploaded    map[string]string
	accounts    []string
}

func (a *fakeApp) snapshot() (storeCalls int, multiple url.Values, uploaded map[string]string, accounts []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.storeCalls, a.multiple, a.uploaded, a.accounts
}

func newFakeApp(t *testing.T) *fakeApp {
	t.Helper()
	app := &fakeApp{uploaded: map[string]string{}}
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/store-token", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Token string `json:"token"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		app.mu.Lock()
		app.storeCalls++
		app.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		if body.Token != "good-token" {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error":"access_denied","error_description":"Acesso negado"}`))
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "ok", Path: "/"})
		_, _ = w.Write([]byte(`{"status":"success","redirect":"/storage-accounts"}`))
	})
	mux.HandleFunc("/download", app.authed(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", "attachment; filename=report.txt")
		_, _ = w.Write([]byte("quarterly numbers"))
	}))
	mux.HandleFunc("/download-multiple", app.authed(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		app.mu.Lock()
		app.multiple = r.PostForm
		app.mu.Unlock()
		w.Header().Set("Content-Disposition", "attachment; filename=arquivos.zip")
		_, _ = w.Write([]byte("PK"))
	}))
	mux.HandleFunc("/upload", app.authed(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, "Erro ao ler arquivos", http.StatusBadRequest)
			return
		}
		app.mu.Lock()
		for _, fh := range r.MultipartForm.File["files"] {
			f, _ := fh.Open()
			data, _ := io.ReadAll(f)
			f.Close()
			app.uploaded[r.FormValue("prefix")+fh.Filename] = string(data)
		}
		app.mu.Unlock()
		http.Redirect(w, r, "/?prefix="+r.FormValue("prefix"), http.StatusSeeOther)
	}))
	mux.HandleFunc("/select-account", app.authed(func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Query().Get("name")
		if name != "Arquivo" {
			http.Redirect(w, r, "/storage-accounts", http.StatusSeeOther)
			return
		}
		app.mu.Lock()
		app.accounts = append(app.accounts, name)
		app.mu.Unlock()
		http.SetCookie(w, &http.Cookie{Name: "selected_account", Value: name, Path: "/"})
		http.Redirect(w, r, "/", http.StatusSeeOther)
	}))
	mux.HandleFunc("/", app.authed(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, listingHTML)
	}))
	app.Server = httptest.NewServer(mux)
	t.Cleanup(app.Close)
	return app
}

// authed redirects requests without a session to the login page. With
// rejectFirst set, the first authenticated request is rejected the same way.
func (a *fakeApp) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie("session")
		a.mu.Lock()
		reject := err != nil || c.Value != "ok" || a.rejectFirst
		if err == nil && a.rejectFirst {
			a.rejectFirst = false
		}
		a.mu.Unlock()
		if reject {
			http.Redirect(w, r, "/login", http.StatusSeeOther)
			return
		}
		next(w, r)
	}
}

func writeConfig(t *testing.T, baseURL, downloadDir, extra string) string {
	t.Helper()
	for _, key := range []string{
		"FILEBLOBS_BASE_URL", "FILEBLOBS_LOG_LEVEL", "FILEBLOBS_DOWNLOAD_DIR", "FILEBLOBS_ACCOUNT",
		"FILEBLOBS_STORE_PATH", "FILEBLOBS_STORE_SECRET", "FILEBLOBS_OIDC_AUTHORITY", "FILEBLOBS_OIDC_CLIENT_ID",
	} {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := "base_url: " + baseURL + "\nlog_level: error\ndownload_dir: " + downloadDir + "\n" + extra
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	return path
}

func TestRunVersion(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"version"}, &out))
	assert.Equal(t, BuildVersion+"\n", out.String())
}

func TestRunUnknownCommand(t *testing.T) {
	app := newFakeApp(t)
	cfg := writeConfig(t, app.URL, t.TempDir(), "")

	var out bytes.Buffer
	err := run(context.Background(), []string{"-config", cfg, "frobnicate"}, &out)
	assert.ErrorContains(t, err, "unknown command")
	assert.Contains(t, out.String(), "usage: fileblobs")
}

func TestRunLoginWithAccessToken(t *testing.T) {
	app := newFakeApp(t)
	cfg := writeConfig(t, app.URL, t.TempDir(), "")

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"-config", cfg, "login", "-access-token", "good-token"}, &out))
	assert.Contains(t, out.String(), "Usuário autenticado, processando...")
	assert.Contains(t, out.String(), "-> "+app.URL+"/storage-accounts")
	assert.Contains(t, out.String(), "Logged in.")
}

func TestRunLoginDenied(t *testing.T) {
	app := newFakeApp(t)
	cfg := writeConfig(t, app.URL, t.TempDir(), "")

	var out bytes.Buffer
	err := run(context.Background(), []string{"-config", cfg, "login", "-access-token", "bad-token"}, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
	assert.Contains(t, out.String(), "/access-denied?message=Acesso+negado")
}

func TestRunLoginRequiresProvider(t *testing.T) {
	app := newFakeApp(t)
	cfg := writeConfig(t, app.URL, t.TempDir(), "")

	err := run(context.Background(), []string{"-config", cfg, "login"}, &bytes.Buffer{})
	assert.ErrorContains(t, err, "oidc.authority")
}

func TestRunLoginStartsSignin(t *testing.T) {
	app := newFakeApp(t)
	provider := oidctest.NewProvider(t, "fileblobs")
	storePath := filepath.Join(t.TempDir(), "login.bin")
	cfg := writeConfig(t, app.URL, t.TempDir(),
		"oidc:\n  authority: "+provider.Issuer()+"\n  client_id: fileblobs\n  load_user_info: false\n"+
			"store:\n  path: "+storePath+"\n  secret: s3cr3t\n")

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"-config", cfg, "login"}, &out))
	assert.Contains(t, out.String(), "-> "+provider.Issuer()+"/authorize?")
	assert.Contains(t, out.String(), "fileblobs login -callback-url")
	_, err := os.Stat(storePath)
	assert.NoError(t, err, "pending state must be persisted for the callback run")
}

func TestRunDownload(t *testing.T) {
	app := newFakeApp(t)
	dir := t.TempDir()
	cfg := writeConfig(t, app.URL, dir, "")

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"-config", cfg, "download", "-access-token", "good-token", "docs/report.txt"}, &out))

	data, err := os.ReadFile(filepath.Join(dir, "report.txt"))
	require.NoError(t, err)
	assert.Equal(t, "quarterly numbers", string(data))
	assert.Contains(t, out.String(), "Saved ")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file should be renamed, not left behind")
}

func TestRunDownloadRetriesRejectedSession(t *testing.T) {
	app := newFakeApp(t)
	app.rejectFirst = true
	dir := t.TempDir()
	cfg := writeConfig(t, app.URL, dir, "")

	require.NoError(t, run(context.Background(), []string{"-config", cfg, "download", "-access-token", "good-token", "docs/report.txt"}, &bytes.Buffer{}))

	storeCalls, _, _, _ := app.snapshot()
	assert.Equal(t, 2, storeCalls, "handshake runs again after the session is rejected")
	data, err := os.ReadFile(filepath.Join(dir, "report.txt"))
	require.NoError(t, err)
	assert.Equal(t, "quarterly numbers", string(data))
}

func TestRunList(t *testing.T) {
	app := newFakeApp(t)
	cfg := writeConfig(t, app.URL, t.TempDir(), "")

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"-config", cfg, "ls", "-access-token", "good-token", "docs"}, &out))

	text := out.String()
	assert.Contains(t, text, "/ / docs  (/?prefix=docs%2F)")
	assert.Contains(t, text, "/?prefix=")
	assert.Contains(t, text, "/?prefix=docs%2Fold%2F")
	assert.Contains(t, text, "/download?path=docs%2Fsummary.pdf")
	assert.Contains(t, text, "1 folders, 3 files")

	out.Reset()
	require.NoError(t, run(context.Background(), []string{"-config", cfg, "ls", "-access-token", "good-token", "-download-mode", "-q", "pdf", "docs"}, &out))
	text = out.String()
	assert.Contains(t, text, "(/?downloadMode=1&prefix=docs%2F&q=pdf)")
	assert.Contains(t, text, "[ ]")
	assert.Contains(t, text, "summary.pdf")
	assert.NotContains(t, text, "notes.txt")
	assert.NotContains(t, text, "/download?path=")
}

func TestRunDownloadMultipleSelection(t *testing.T) {
	tests := []struct {
		name  string
		args  []string
		files []string
	}{
		{
			name:  "explicit files with filter and exclude",
			args:  []string{"-prefix", "docs", "-filter", "s", "-exclude", "notes.txt", "summary.pdf", "notes.txt", "budget.xlsx", "old.doc"},
			files: []string{"docs/budget.xlsx", "docs/summary.pdf"},
		},
		{
			name:  "server listing",
			args:  []string{"-prefix", "docs/", "-exclude", "docs/budget.xlsx"},
			files: []string{"docs/notes.txt", "docs/summary.pdf"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newFakeApp(t)
			dir := t.TempDir()
			cfg := writeConfig(t, app.URL, dir, "")

			args := append([]string{"-config", cfg, "download-multiple", "-access-token", "good-token"}, tt.args...)
			require.NoError(t, run(context.Background(), args, &bytes.Buffer{}))

			_, multiple, _, _ := app.snapshot()
			assert.Equal(t, tt.files, multiple["files"])
			assert.Equal(t, "docs/", multiple.Get("prefix"))
			_, err := os.Stat(filepath.Join(dir, "arquivos.zip"))
			assert.NoError(t, err)
		})
	}
}

func TestRunDownloadMultipleNeedsFiles(t *testing.T) {
	app := newFakeApp(t)
	cfg := writeConfig(t, app.URL, t.TempDir(), "")

	err := run(context.Background(), []string{"-config", cfg, "download-multiple", "-access-token", "good-token", "-prefix", "docs", "-filter", "nothing-matches"}, &bytes.Buffer{})
	assert.ErrorContains(t, err, "no files selected")
	_, multiple, _, _ := app.snapshot()
	assert.Nil(t, multiple)
}

func TestRunUpload(t *testing.T) {
	app := newFakeApp(t)
	cfg := writeConfig(t, app.URL, t.TempDir(), "")

	src := filepath.Join(t.TempDir(), "plan.txt")
	require.NoError(t, os.WriteFile(src, []byte("the plan"), 0o600))

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"-config", cfg, "upload", "-access-token", "good-token", "-prefix", "docs", src}, &out))
	_, _, uploaded, _ := app.snapshot()
	assert.Equal(t, map[string]string{"docs/plan.txt": "the plan"}, uploaded)
	assert.Contains(t, out.String(), "Uploaded docs/plan.txt")
}

func TestRunSelectAccount(t *testing.T) {
	app := newFakeApp(t)
	cfg := writeConfig(t, app.URL, t.TempDir(), "")

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"-config", cfg, "select-account", "-access-token", "good-token", "Arquivo"}, &out))
	assert.Contains(t, out.String(), `Storage account "Arquivo" selected`)

	err := run(context.Background(), []string{"-config", cfg, "select-account", "-access-token", "good-token", "Outra"}, &bytes.Buffer{})
	assert.ErrorContains(t, err, "storage account not found")
}

func TestRunConfiguredAccountIsSelectedBeforeDownload(t *testing.T) {
	app := newFakeApp(t)
	dir := t.TempDir()
	cfg := writeConfig(t, app.URL, dir, "account: Arquivo\n")

	require.NoError(t, run(context.Background(), []string{"-config", cfg, "download", "-access-token", "good-token", "docs/report.txt"}, &bytes.Buffer{}))
	_, _, _, accounts := app.snapshot()
	assert.Equal(t, []string{"Arquivo"}, accounts)
}

func TestRunLogout(t *testing.T) {
	app := newFakeApp(t)
	provider := oidctest.NewProvider(t, "fileblobs")
	storePath := filepath.Join(t.TempDir(), "login.bin")
	cfg := writeConfig(t, app.URL, t.TempDir(),
		"oidc:\n  authority: "+provider.Issuer()+"\n  client_id: fileblobs\n"+
			"store:\n  path: "+storePath+"\n  secret: s3cr3t\n")

	store, err := oidc.NewFileStore(storePath, "s3cr3t")
	require.NoError(t, err)
	require.NoError(t, store.SaveLogin(context.Background(), &auth.Login{AccessToken: "good-token"}))

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"-config", cfg, "logout"}, &out))
	assert.Contains(t, out.String(), "Logged out.")

	login, err := store.Login(context.Background())
	require.NoError(t, err)
	assert.Nil(t, login)
}
