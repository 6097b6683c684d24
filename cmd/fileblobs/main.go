package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/fileblobs/client/internal/browse"
	"github.com/fileblobs/client/internal/config"
	"github.com/fileblobs/client/internal/download"
	"github.com/fileblobs/client/internal/handshake"
	"github.com/fileblobs/client/internal/logger"
)

var BuildVersion = "dev"

const usage = `usage: fileblobs [-config path] <command> [flags] [args]

commands:
  login              complete or start the browser login
  ls [PREFIX]        list a folder
  download PATH      download one file
  download-folder P  download a folder as a zip
  download-multiple  download several files as one zip
  upload FILE...     upload files into a folder
  select-account N   check and select a storage account
  logout             forget the cached login
  version            print version and exit
`

// listFlag collects a repeatable string flag.
type listFlag []string

func (f *listFlag) String() string { return strings.Join(*f, ", ") }
func (f *listFlag) Set(v string) error {
	*f = append(*f, v)
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	global := flag.NewFlagSet("fileblobs", flag.ContinueOnError)
	global.SetOutput(out)
	global.Usage = func() { fmt.Fprint(out, usage) }
	configPath := global.String("config", os.Getenv("FILEBLOBS_CONFIG"), "path to config file")
	if err := global.Parse(args); err != nil {
		return err
	}
	if global.NArg() == 0 {
		global.Usage()
		return errors.New("missing command")
	}

	command, rest := global.Arg(0), global.Args()[1:]
	if command == "version" {
		fmt.Fprintln(out, BuildVersion)
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	logger.Init(cfg.LogLevel)
	logger.Debug("Configuration loaded", "base_url", cfg.BaseURL, "oidc", cfg.HasOIDC(), "store", cfg.Store.Path)

	switch command {
	case "login":
		return runLogin(ctx, cfg, rest, out)
	case "ls":
		return runList(ctx, cfg, rest, out)
	case "download":
		return runDownload(ctx, cfg, rest, out)
	case "download-folder":
		return runDownloadFolder(ctx, cfg, rest, out)
	case "download-multiple":
		return runDownloadMultiple(ctx, cfg, rest, out)
	case "upload":
		return runUpload(ctx, cfg, rest, out)
	case "select-account":
		return runSelectAccount(ctx, cfg, rest, out)
	case "logout":
		return runLogout(ctx, cfg, out)
	default:
		global.Usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

func runLogin(ctx context.Context, cfg *config.Config, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	fs.SetOutput(out)
	callbackURL := fs.String("callback-url", "", "URL the browser was redirected to after signing in")
	accessToken := fs.String("access-token", "", "use this access token instead of the identity provider")
	if err := fs.Parse(args); err != nil {
		return err
	}

	sess, err := newSession(ctx, cfg, *callbackURL, *accessToken, out)
	if err != nil {
		return err
	}
	result := sess.controller.Run(ctx)

	switch result.State {
	case handshake.StateLanding:
		fmt.Fprintln(out, "Logged in.")
		return nil
	case handshake.StateSigninRedirect:
		fmt.Fprintln(out, "Open the URL above in a browser, then run:")
		fmt.Fprintln(out, "  fileblobs login -callback-url '<address the browser ends on>'")
		return nil
	default:
		return resultError(result)
	}
}

func runList(ctx context.Context, cfg *config.Config, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("ls", flag.ContinueOnError)
	fs.SetOutput(out)
	opts := addSessionFlags(fs, cfg)
	query := fs.String("q", "", "only show entries whose name contains this text")
	downloadMode := fs.Bool("download-mode", false, "show the listing as in download mode")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 1 {
		return errors.New("ls takes at most one folder path")
	}

	return withSession(ctx, cfg, opts, out, func(client *download.Client) error {
		listing, err := client.List(ctx, fs.Arg(0), *query)
		if err != nil {
			return err
		}
		view := browse.NewView(listing)
		view.SetQuery(*query)
		if *downloadMode {
			view.ToggleDownloadMode()
		}
		printView(out, view)
		return nil
	})
}

func printView(out io.Writer, view *browse.View) {
	listing := view.Listing()
	crumbs := []string{"/"}
	for _, c := range browse.Breadcrumbs(listing.Prefix) {
		crumbs = append(crumbs, c.Name)
	}
	fmt.Fprintf(out, "%s  (%s)\n", strings.Join(crumbs, " / "), view.URL())

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	if listing.Prefix != "" {
		fmt.Fprintf(tw, "  \t..\t%s\n", browse.ListURL(listing.Parent(), "", view.DownloadMode()))
	}
	for _, e := range view.Visible() {
		marker := "d"
		if !e.IsDir {
			marker = "-"
			if view.DownloadMode() {
				marker = "[ ]"
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", marker, e.Name, view.Link(e))
	}
	tw.Flush()
	fmt.Fprintf(out, "%d folders, %d files\n", len(listing.Folders()), len(listing.Files()))
}

func runDownload(ctx context.Context, cfg *config.Config, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("download", flag.ContinueOnError)
	fs.SetOutput(out)
	opts := addSessionFlags(fs, cfg)
	output := fs.String("o", "", "output file (default: server-provided name in download_dir)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("download takes exactly one file path")
	}

	return withSession(ctx, cfg, opts, out, func(client *download.Client) error {
		return save(cfg.DownloadDir, *output, out, func(w io.Writer) (*download.Result, error) {
			return client.File(ctx, fs.Arg(0), w)
		})
	})
}

func runDownloadFolder(ctx context.Context, cfg *config.Config, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("download-folder", flag.ContinueOnError)
	fs.SetOutput(out)
	opts := addSessionFlags(fs, cfg)
	output := fs.String("o", "", "output file (default: server-provided name in download_dir)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("download-folder takes exactly one folder path")
	}

	return withSession(ctx, cfg, opts, out, func(client *download.Client) error {
		return save(cfg.DownloadDir, *output, out, func(w io.Writer) (*download.Result, error) {
			return client.Folder(ctx, fs.Arg(0), w)
		})
	})
}

func runDownloadMultiple(ctx context.Context, cfg *config.Config, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("download-multiple", flag.ContinueOnError)
	fs.SetOutput(out)
	opts := addSessionFlags(fs, cfg)
	output := fs.String("o", "", "output file (default: server-provided name in download_dir)")
	prefix := fs.String("prefix", "", "folder the files are listed under; stripped from zip entry names")
	filter := fs.String("filter", "", "only select files whose name contains this text")
	var excludes listFlag
	fs.Var(&excludes, "exclude", "file to leave out of the selection (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	return withSession(ctx, cfg, opts, out, func(client *download.Client) error {
		// Without file arguments the selection comes from the server's listing.
		var listing *browse.Listing
		if fs.NArg() > 0 {
			listing = browse.NewListing(*prefix, nil, fs.Args())
		} else {
			var err error
			if listing, err = client.List(ctx, *prefix, ""); err != nil {
				return err
			}
		}

		selection, err := selectFiles(listing, *filter, excludes)
		if err != nil {
			return err
		}
		logger.Info("Files selected", "prefix", selection.Prefix, "count", len(selection.Files))
		return save(cfg.DownloadDir, *output, out, func(w io.Writer) (*download.Result, error) {
			return client.Multiple(ctx, selection, w)
		})
	})
}

// selectFiles runs the download-mode selection over listing: every file
// matching filter is selected, then each excluded file is deselected.
func selectFiles(listing *browse.Listing, filter string, excludes []string) (*browse.MultipleDownload, error) {
	view := browse.NewView(listing)
	view.ToggleDownloadMode()
	view.SetQuery(filter)
	if err := view.SelectAll(); err != nil {
		return nil, err
	}
	for _, name := range excludes {
		p := listing.Prefix + strings.TrimPrefix(name, listing.Prefix)
		if !view.IsSelected(p) {
			continue
		}
		if _, err := view.Toggle(p); err != nil {
			return nil, err
		}
	}
	return view.DownloadSelected()
}

func runUpload(ctx context.Context, cfg *config.Config, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("upload", flag.ContinueOnError)
	fs.SetOutput(out)
	opts := addSessionFlags(fs, cfg)
	prefix := fs.String("prefix", "", "folder to upload into")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return download.ErrNoUploadFiles
	}

	return withSession(ctx, cfg, opts, out, func(client *download.Client) error {
		files := make([]download.UploadFile, 0, fs.NArg())
		for _, name := range fs.Args() {
			f, err := os.Open(name)
			if err != nil {
				return err
			}
			defer f.Close()
			files = append(files, download.UploadFile{Name: filepath.Base(name), Body: f})
		}

		result, err := client.Upload(ctx, *prefix, files)
		if err != nil {
			return err
		}
		for _, p := range result.Files {
			fmt.Fprintf(out, "Uploaded %s\n", p)
		}
		return nil
	})
}

func runSelectAccount(ctx context.Context, cfg *config.Config, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("select-account", flag.ContinueOnError)
	fs.SetOutput(out)
	opts := addSessionFlags(fs, cfg)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("select-account takes exactly one account name")
	}
	opts.account = fs.Arg(0)

	return withSession(ctx, cfg, opts, out, func(*download.Client) error {
		fmt.Fprintf(out, "Storage account %q selected. Set account in the config to use it for every command.\n", opts.account)
		return nil
	})
}

func runLogout(ctx context.Context, cfg *config.Config, out io.Writer) error {
	p, err := newPage(cfg, "", out)
	if err != nil {
		return err
	}
	manager, err := newOIDCManager(ctx, cfg, p)
	if err != nil {
		return err
	}
	if err := manager.RemoveUser(ctx); err != nil {
		return fmt.Errorf("remove cached login: %w", err)
	}
	fmt.Fprintln(out, "Logged out.")
	return nil
}
