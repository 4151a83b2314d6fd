package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"hb-go/internal/app"
	"hb-go/internal/config"
	"hb-go/internal/hb"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

var (
	vaultName string
	verbose   bool
)

// newApp reads the config and creates an HBApp. The caller must defer a.Close().
// operation identifies the CLI command being run (e.g. "Backup", "Serve").
func newApp(ctx context.Context, operation, parameters string) (*app.HBApp, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	opts := app.Options{Vault: vaultName, StderrLevel: slog.LevelWarn}
	if verbose {
		opts.StderrLevel = slog.LevelInfo
	}
	a, err := app.NewHBApp(ctx, cfg, operation, parameters, opts)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

// run wraps a command body so a failing command marks its operation failed.
func run(a *app.HBApp, err error) error {
	if err != nil {
		a.Fail()
	}
	return err
}

// accessToken returns --token, falling back to HB_ACCESS_TOKEN.
func accessToken(cmd *cobra.Command) string {
	if t, _ := cmd.Flags().GetString("token"); t != "" {
		return t
	}
	return os.Getenv(app.EnvAccessToken)
}

// readPassphrase prompts on the terminal without echo.
func readPassphrase(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return string(b), nil
}

var rootCmd = &cobra.Command{
	Use:          "hb",
	Short:        "Workspace backup tool",
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg := config.NewConfig(defaults["base_dir"])
		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Base Dir:   %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:    %s\n", cfg.LogDir)
		fmt.Printf("API:        %s\n", cfg.Directory.URL())
		fmt.Printf("Archive:    %s (%s)\n", cfg.Archive.ArchiveFormat(), cfg.Archive.Delivery)
		fmt.Printf("Encryption: %t\n", cfg.Encryption.Enabled)
		for _, v := range cfg.Vaults {
			fmt.Printf("Vault:      %s (%s)\n", v.Name, v.Type)
		}
		return nil
	},
}

// keys command
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage archive encryption keys",
}

var keysInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate the archive encryption key pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "KeysInit", "")
		if err != nil {
			return err
		}
		defer a.Close()

		pass, err := readPassphrase("Passphrase: ")
		if err != nil {
			return run(a, err)
		}
		again, err := readPassphrase("Repeat passphrase: ")
		if err != nil {
			return run(a, err)
		}
		if pass != again {
			return run(a, errors.New("passphrases do not match"))
		}
		if err := a.SetupKeys(pass); err != nil {
			return run(a, err)
		}
		fmt.Println("Encryption keys created.")
		return nil
	},
}

// hubs command
var hubsCmd = &cobra.Command{
	Use:   "hubs",
	Short: "List hubs visible to the access token",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "ListHubs", "")
		if err != nil {
			return err
		}
		defer a.Close()

		hubs, err := a.ListHubs(cmd.Context(), accessToken(cmd))
		if err != nil {
			return run(a, err)
		}
		for _, h := range hubs {
			fmt.Printf("%s\t%s\n", h.ID, h.Name)
		}
		return nil
	},
}

var projectsCmd = &cobra.Command{
	Use:   "projects HUB_ID",
	Short: "List the projects of a hub",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "ListProjects", "hub="+args[0])
		if err != nil {
			return err
		}
		defer a.Close()

		projects, err := a.ListProjects(cmd.Context(), accessToken(cmd), args[0])
		if err != nil {
			return run(a, err)
		}
		for _, p := range projects {
			fmt.Printf("%s\t%s\n", p.ID, p.Name)
		}
		return nil
	},
}

// backup command
var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Back up the workspace, or one project, into an archive",
	RunE: func(cmd *cobra.Command, args []string) error {
		hubID, _ := cmd.Flags().GetString("hub")
		projectID, _ := cmd.Flags().GetString("project")
		output, _ := cmd.Flags().GetString("output")
		toVault, _ := cmd.Flags().GetBool("to-vault")

		a, err := newApp(cmd.Context(), "Backup", fmt.Sprintf("hub=%s project=%s", hubID, projectID))
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.Backup(cmd.Context(), app.BackupRequest{
			Token:     accessToken(cmd),
			HubID:     hubID,
			ProjectID: projectID,
			Output:    output,
			ToVault:   toVault,
		}, os.Stdout)
		if err != nil {
			return run(a, fmt.Errorf("backup failed: %w", err))
		}

		printReport(os.Stderr, res)
		return nil
	},
}

func printReport(w io.Writer, res *app.BackupResult) {
	r := res.Report
	fmt.Fprintf(w, "Run %s: %d entries, %d bytes, %d skipped, %d excluded -> %s\n",
		r.RunID, r.Entries, r.Bytes, len(r.Skipped), r.Excluded, res.Where)
	for _, s := range r.Skipped {
		fmt.Fprintf(w, "  skipped %-8s %s: %s\n", s.Kind, s.Path, s.Cause)
	}
}

// archives command
var archivesCmd = &cobra.Command{
	Use:   "archives",
	Short: "List archives stored in the vault",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "ListArchives", "")
		if err != nil {
			return err
		}
		defer a.Close()

		archives, err := a.ListArchives(cmd.Context())
		if err != nil {
			return run(a, err)
		}
		if len(archives) == 0 {
			fmt.Println("No archives stored.")
			return nil
		}
		for _, ar := range archives {
			fmt.Printf("%-40s  %12d  %s\n", ar.Name, ar.Size, ar.ModifiedAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

// restore command
var restoreCmd = &cobra.Command{
	Use:   "restore ARCHIVE",
	Short: "Retrieve an archive from the vault",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		output, _ := cmd.Flags().GetString("output")
		if output == "" {
			output = strings.TrimSuffix(name, hb.EncryptedSuffix)
		}

		a, err := newApp(cmd.Context(), "Restore", "archive="+name)
		if err != nil {
			return err
		}
		defer a.Close()

		passphrase := func() (string, error) { return readPassphrase("Passphrase: ") }
		if err := a.Restore(cmd.Context(), name, output, os.Stdout, passphrase); err != nil {
			return run(a, err)
		}
		if output != "-" {
			fmt.Fprintf(os.Stderr, "Restored %s to %s\n", name, output)
		}
		return nil
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history [RUN_ID]",
	Short: "View backup run history, or what one run skipped",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(cmd.Context(), "GetHistory", "")
		if err != nil {
			return err
		}
		defer a.Close()

		if len(args) == 1 {
			skips, err := a.GetRunSkips(args[0])
			if err != nil {
				return run(a, err)
			}
			if len(skips) == 0 {
				fmt.Println("Nothing skipped.")
			}
			for _, s := range skips {
				fmt.Printf("%-8s  %s\t%s\n", s.Kind, s.Path, s.Cause)
			}
			return nil
		}

		runs, err := a.GetHistory(limit)
		if err != nil {
			return run(a, err)
		}
		if len(runs) == 0 {
			fmt.Println("No backup runs recorded.")
			return nil
		}
		for _, r := range runs {
			duration := ""
			if r.FinishedAt.Valid {
				duration = r.FinishedAt.Time.Sub(r.StartedAt).Truncate(time.Millisecond).String()
			}
			fmt.Printf("%s  %-9s  %s  %-8s  %6d entries  %4d skipped  %s\n",
				r.ID,
				r.Mode,
				r.StartedAt.Format("2006-01-02 15:04:05"),
				r.Status,
				r.Entries,
				r.Skipped,
				duration,
			)
		}
		return nil
	},
}

// serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve backups and directory listings over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "Serve", "")
		if err != nil {
			return err
		}
		defer a.Close()

		return run(a, a.Serve(cmd.Context()))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&vaultName, "vault", "", "Vault to use (default: first configured)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Echo info-level log lines to stderr")

	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)
	keysCmd.AddCommand(keysInitCmd)

	for _, c := range []*cobra.Command{hubsCmd, projectsCmd, backupCmd} {
		c.Flags().String("token", "", "Access token (default: $"+app.EnvAccessToken+")")
	}
	backupCmd.Flags().String("hub", "", "Hub ID (with --project)")
	backupCmd.Flags().String("project", "", "Project ID (with --hub)")
	backupCmd.Flags().StringP("output", "o", "", `Archive path, or "-" for stdout`)
	backupCmd.Flags().Bool("to-vault", false, "Store the archive in the vault")
	backupCmd.MarkFlagsRequiredTogether("hub", "project")
	backupCmd.MarkFlagsMutuallyExclusive("output", "to-vault")

	restoreCmd.Flags().StringP("output", "o", "", `Output path, or "-" for stdout`)
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of runs to show")

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(hubsCmd)
	rootCmd.AddCommand(projectsCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(archivesCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(serveCmd)
}
