package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/spf13/cobra"

	"github.com/tmobile/percy-cake-sub001/internal/config"
	"github.com/tmobile/percy-cake-sub001/internal/engine"
	"github.com/tmobile/percy-cake-sub001/internal/git"
	"github.com/tmobile/percy-cake-sub001/internal/gitrepo"
	"github.com/tmobile/percy-cake-sub001/internal/server"
)

var version = "dev"

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	logLevel   string
	logFormat  string
	memory     bool

	username string
	repoURL  string
	branch   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:   "percy",
		Short: "Edit application configuration stored in git",
		Long: `percy keeps a shallow, checkout-free mirror of a configuration repository,
stores unpushed edits as drafts and commits them with per-file conflict checks.

Run "percy serve" for the editor backend, or use the one-shot commands to
inspect and commit from the terminal.`,
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "config file (YAML)")
	pf.StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error); overrides the config")
	pf.StringVar(&opts.logFormat, "log-format", "", "log format (text, json); overrides the config")
	pf.BoolVar(&opts.memory, "memory", false, "use an in-memory demo origin and data root")
	pf.StringVar(&opts.username, "user", os.Getenv("PERCY_USER"), "git username")
	pf.StringVar(&opts.repoURL, "repo", os.Getenv("PERCY_REPO_URL"), "repository URL")
	pf.StringVar(&opts.branch, "branch", "", "branch to work on (default: last used, then the default branch)")

	root.AddCommand(newServeCmd(opts))
	root.AddCommand(newFilesCmd(opts))
	root.AddCommand(newCommitCmd(opts))
	root.AddCommand(newBranchDiffCmd(opts))
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "percy %s\n", version)
		},
	}
}

// deps is what every command needs once flags and config are resolved.
type deps struct {
	cfg    *config.Config
	logger *slog.Logger
	fs     billy.Filesystem
	remote func(p engine.Principal) gitrepo.Remote
}

func (o *globalOptions) load(out io.Writer) (*deps, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Log.Format = o.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rt := &deps{cfg: cfg, logger: setupLogger(cfg.Log, out)}

	if o.memory {
		demo, err := newDemoRemote()
		if err != nil {
			return nil, err
		}
		rt.fs = memfs.New()
		rt.remote = func(engine.Principal) gitrepo.Remote { return demo }
		if o.username == "" {
			o.username = "demo"
		}
		if o.repoURL == "" {
			o.repoURL = demo.URL()
		}
		rt.logger.Info("using in-memory demo origin", "branches", []string{"master", "develop"})
		return rt, nil
	}

	for _, dir := range []string{cfg.ReposDir(), cfg.DraftsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	rt.fs = osfs.New(cfg.DataRoot)
	rt.remote = func(p engine.Principal) gitrepo.Remote {
		return gitrepo.NewHTTPRemote(p.RepoURL, cfg.CORSProxy, gitrepo.Credentials{Username: p.Username, Password: p.Password})
	}
	return rt, nil
}

func (rt *deps) open(ctx context.Context, p engine.Principal) (*engine.Engine, error) {
	return engine.Open(ctx, engine.Options{
		Config:  rt.cfg,
		FS:      rt.fs,
		Remote:  rt.remote(p),
		Logger:  rt.logger,
		Metrics: engine.DefaultMetrics(),
	}, p)
}

// principal builds the principal of a one-shot command. The password comes
// from PERCY_PASSWORD only, never from a flag.
func (o *globalOptions) principal() (engine.Principal, error) {
	if o.username == "" || o.repoURL == "" {
		return engine.Principal{}, errors.New("--user and --repo are required")
	}
	return engine.Principal{
		Username: o.username,
		Password: os.Getenv("PERCY_PASSWORD"),
		RepoURL:  o.repoURL,
		Branch:   o.branch,
	}, nil
}

func newServeCmd(opts *globalOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the editor backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			rt, err := opts.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if addr != "" {
				rt.cfg.Server.Addr = addr
			}

			traceShutdown, err := initTracing(ctx)
			if err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := traceShutdown(ctx); err != nil {
					rt.logger.Error("shutdown tracing", "error", err)
				}
			}()

			sm := server.NewSessionManager(rt.open)
			srv := server.NewServer(sm, server.Options{Logger: rt.logger})
			httpServer := &http.Server{
				Addr:         rt.cfg.Server.Addr,
				Handler:      srv,
				ReadTimeout:  30 * time.Second,
				WriteTimeout: 120 * time.Second,
				IdleTimeout:  120 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				rt.logger.Info("percy listening", "addr", rt.cfg.Server.Addr, "data_root", rt.cfg.DataRoot)
				if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}
			rt.logger.Info("shutting down")
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancelShutdown()
			return httpServer.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address; overrides the config")
	return cmd
}

func newFilesCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "files",
		Short: "List the files of the branch, drafts included",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := opts.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			p, err := opts.principal()
			if err != nil {
				return err
			}
			e, err := rt.open(cmd.Context(), p)
			if err != nil {
				return err
			}
			listing, err := e.Files(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "branch %s\n", e.Branch())
			for _, f := range listing.Files {
				mark := " "
				if f.Modified {
					mark = "M"
				}
				fmt.Fprintf(out, "%s %s\n", mark, f.Key())
			}
			return nil
		},
	}
}

func newCommitCmd(opts *globalOptions) *cobra.Command {
	var (
		message string
		force   bool
	)
	cmd := &cobra.Command{
		Use:   "commit <app/file> <local-path>",
		Short: "Commit a local file as the new content of an application file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, name := git.SplitKey(args[0])
			if app == "" || name == "" {
				return fmt.Errorf("%q is not of the form app/file", args[0])
			}
			content, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			rt, err := opts.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			p, err := opts.principal()
			if err != nil {
				return err
			}
			e, err := rt.open(cmd.Context(), p)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			file, err := e.File(ctx, app, name)
			if err != nil && !errors.Is(err, engine.ErrFileNotFound) {
				return err
			}
			file.DraftContent = git.Ptr(string(content))
			if file, err = e.SaveDraft(ctx, file); err != nil {
				return err
			}
			if !file.Modified {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing to commit")
				return nil
			}
			if message == "" {
				message = "Update " + file.Key()
			}
			committed, err := e.CommitFiles(ctx, []git.ConfigFile{file}, message, force)
			var conflict *engine.ConflictError
			if errors.As(err, &conflict) {
				for _, c := range conflict.Files {
					fmt.Fprintf(cmd.ErrOrStderr(), "conflict: %s changed upstream (now %s)\n", c.Draft.Key(), c.Upstream.ObjectID)
				}
				return errors.New("commit rejected; rerun with --force to overwrite")
			}
			if err != nil {
				return err
			}
			for _, f := range committed {
				fmt.Fprintf(cmd.OutOrStdout(), "committed %s %s\n", f.Key(), f.ObjectID)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "commit message")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite upstream changes")
	return cmd
}

func newBranchDiffCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "branch-diff <source> <target>",
		Short: "Preview merging source into target as JSON",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := opts.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			p, err := opts.principal()
			if err != nil {
				return err
			}
			e, err := rt.open(cmd.Context(), p)
			if err != nil {
				return err
			}
			diff, err := e.BranchDiff(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(diff)
		},
	}
}
