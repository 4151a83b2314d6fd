package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"hb-go/internal/archive"
	"hb-go/internal/config"
	"hb-go/internal/database"
	"hb-go/internal/directory"
	"hb-go/internal/encryption"
	"hb-go/internal/fetch"
	"hb-go/internal/filter"
	"hb-go/internal/hb"
	"hb-go/internal/model"
	"hb-go/internal/server"
	"hb-go/internal/spool"
	"hb-go/internal/vault"
)

// Options adjust how an HBApp is built for one command.
type Options struct {
	// Vault selects a configured vault by name; empty picks the first one.
	Vault string

	// StderrLevel is the lowest level echoed to stderr. The log file gets everything.
	StderrLevel slog.Level
}

// HBApp is the application layer between the CLI and BackupService.
// It constructs all dependencies from config, exposes high-level operations
// for the commands, and releases resources on Close.
type HBApp struct {
	cfg       *config.Config
	db        hb.Database
	vault     hb.Vault
	encryptor hb.Encryptor
	directory hb.Directory
	walker    *hb.Walker
	service   *hb.BackupService
	logger    hb.Logger
	clock     hb.Clock
	timeout   time.Duration
	op        *Operation
	logFile   *os.File
}

// NewHBApp creates a fully wired HBApp from the given config.
// operation identifies the CLI command being run (e.g. "Backup", "Serve").
// The caller must call Close when done.
func NewHBApp(ctx context.Context, cfg *config.Config, operation, parameters string, opts Options) (*HBApp, error) {
	clock := hb.RealClock{}
	op := NewOperation(operation, parameters, clock.Now())

	timeout, err := cfg.Backup.TimeoutDuration()
	if err != nil {
		return nil, err
	}
	retry, err := retryPolicy(cfg.Backup)
	if err != nil {
		return nil, err
	}

	patterns := cfg.Backup.Exclude
	if cfg.Backup.ExcludeFile != "" {
		fromFile, err := filter.ParseFile(cfg.Backup.ExcludeFile)
		if err != nil {
			return nil, err
		}
		patterns = append(append([]string{}, patterns...), fromFile...)
	}
	matcher := filter.New(patterns)

	sp, err := spool.NewSpoolFromConfig(cfg.Spool)
	if err != nil {
		return nil, fmt.Errorf("creating spool: %w", err)
	}

	sinks, err := archive.NewFactory(cfg.Archive, clock)
	if err != nil {
		return nil, fmt.Errorf("creating archive factory: %w", err)
	}

	var v hb.Vault
	if vc, ok, err := selectVault(cfg.Vaults, opts.Vault); err != nil {
		return nil, err
	} else if ok {
		if v, err = vault.NewVaultFromConfig(ctx, vc); err != nil {
			return nil, fmt.Errorf("creating vault: %w", err)
		}
	}

	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		return nil, fmt.Errorf("creating encryptor: %w", err)
	}

	db, err := database.NewDatabaseFromConfig(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("creating database: %w", err)
	}
	if checker, ok := db.(interface{ CheckMigrations() error }); ok {
		if err := checker.CheckMigrations(); err != nil {
			db.Close()
			return nil, fmt.Errorf("database schema out of date: %w", err)
		}
	}

	slogger, logFile, err := newLogger(cfg.LogDir, op.ID, opts.StderrLevel)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: slogger}

	dir := directory.NewClientFromConfig(cfg.Directory, timeout)
	walker := hb.NewWalker(dir, fetch.NewHTTPFetcher(timeout), sp, logger, hb.WalkerOptions{
		Retry:       retry,
		Timeout:     timeout,
		Concurrency: cfg.Backup.Concurrency,
		Filter:      matcher,
	})
	svc := hb.NewBackupService(walker, sinks, db, v, enc, logger, clock, hb.UUIDGenerator{}, hb.ServiceOptions{
		Manifest: cfg.Archive.WriteManifest(),
		Encrypt:  cfg.Encryption.Enabled,
	})

	logger.Info("operation started", "operation", op.Name, "parameters", op.Parameters)
	if matcher.Len() > 0 {
		logger.Debug("exclude patterns loaded", "count", matcher.Len())
	}

	return &HBApp{
		cfg:       cfg,
		db:        db,
		vault:     v,
		encryptor: enc,
		directory: dir,
		walker:    walker,
		service:   svc,
		logger:    logger,
		clock:     clock,
		timeout:   timeout,
		op:        op,
		logFile:   logFile,
	}, nil
}

func retryPolicy(cfg config.BackupConfig) (hb.RetryPolicy, error) {
	delay, err := cfg.RetryDelayDuration()
	if err != nil {
		return hb.RetryPolicy{}, err
	}
	maxDelay, err := cfg.RetryMaxDelayDuration()
	if err != nil {
		return hb.RetryPolicy{}, err
	}
	return hb.RetryPolicy{Attempts: cfg.Attempts(), Delay: delay, MaxDelay: maxDelay}, nil
}

// selectVault picks the named vault, or the first one when name is empty.
// ok is false when no vault is configured and none was asked for.
func selectVault(vaults []config.VaultConfig, name string) (config.VaultConfig, bool, error) {
	if name == "" {
		if len(vaults) == 0 {
			return config.VaultConfig{}, false, nil
		}
		return vaults[0], true, nil
	}
	for _, vc := range vaults {
		if vc.Name == name {
			return vc, true, nil
		}
	}
	return config.VaultConfig{}, false, fmt.Errorf("no vault named %q in config", name)
}

// Fail marks the current operation as failed; Close logs the outcome.
func (a *HBApp) Fail() {
	a.op.Fail()
}

// Service returns the backup service.
func (a *HBApp) Service() *hb.BackupService {
	return a.service
}

// ListHubs returns the hubs visible to token.
func (a *HBApp) ListHubs(ctx context.Context, token string) ([]model.Hub, error) {
	if token == "" {
		return nil, hb.ErrUnauthorized
	}
	return a.walker.ListHubs(ctx, token)
}

// ListProjects returns the projects of a hub visible to token.
func (a *HBApp) ListProjects(ctx context.Context, token, hubID string) ([]model.Project, error) {
	if token == "" {
		return nil, hb.ErrUnauthorized
	}
	return a.directory.ListProjects(ctx, token, hubID)
}

// BackupRequest selects what to back up and where the archive goes.
type BackupRequest struct {
	Token     string
	HubID     string
	ProjectID string

	// Output is a file path, or "-" for w. Ignored when ToVault is set.
	Output  string
	ToVault bool
}

// BackupResult describes a finished backup.
type BackupResult struct {
	Report *hb.Report
	Where  string // output path or vault archive name
}

// Backup runs one backup. The archive is written to a file, to w, or into the vault.
func (a *HBApp) Backup(ctx context.Context, req BackupRequest, w io.Writer) (*BackupResult, error) {
	if req.ToVault && a.cfg.Encryption.Enabled && !a.encryptor.IsConfigured() {
		return nil, fmt.Errorf("encryption is enabled but no keys exist: run `hb keys init`")
	}

	hbReq := hb.Request{
		Token:     req.Token,
		HubID:     req.HubID,
		ProjectID: req.ProjectID,
		Delivery:  hb.ParseDelivery(a.cfg.Archive.Delivery),
	}

	if req.ToVault {
		name, report, err := a.service.BackupToVault(ctx, hbReq)
		if err != nil {
			return nil, err
		}
		return &BackupResult{Report: report, Where: name}, nil
	}

	plan, err := a.service.Plan(ctx, hbReq)
	if err != nil {
		return nil, err
	}

	if req.Output == "-" {
		report, err := a.service.Execute(ctx, plan, w)
		if err != nil {
			return nil, err
		}
		return &BackupResult{Report: report, Where: "-"}, nil
	}

	path := req.Output
	if path == "" {
		path = strings.TrimSuffix(a.service.ArchiveName(), hb.EncryptedSuffix)
	}
	report, err := a.writeFile(ctx, plan, path)
	if err != nil {
		return nil, err
	}
	return &BackupResult{Report: report, Where: path}, nil
}

// writeFile writes the archive next to path and renames it into place, so a
// failed run never leaves a truncated archive under the final name.
func (a *HBApp) writeFile(ctx context.Context, plan *hb.Plan, path string) (*hb.Report, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".hb-*.partial")
	if err != nil {
		return nil, fmt.Errorf("creating output file: %w", err)
	}
	defer os.Remove(tmp.Name())

	report, err := a.service.Execute(ctx, plan, tmp)
	if cerr := tmp.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("closing output file: %w", cerr)
	}
	if err != nil {
		return nil, err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return nil, fmt.Errorf("moving archive into place: %w", err)
	}
	return report, nil
}

// ListArchives returns the archives stored in the selected vault.
func (a *HBApp) ListArchives(ctx context.Context) ([]hb.ArchiveInfo, error) {
	return a.service.ListArchives(ctx)
}

// Restore retrieves a stored archive into outPath ("-" for w).
func (a *HBApp) Restore(ctx context.Context, name, outPath string, w io.Writer, passphrase func() (string, error)) error {
	if outPath == "-" {
		return a.service.RetrieveArchive(ctx, name, w, passphrase)
	}

	f, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("creating %s: %w", outPath, err)
	}
	if err := a.service.RetrieveArchive(ctx, name, f, passphrase); err != nil {
		f.Close()
		os.Remove(outPath)
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", outPath, err)
	}
	return nil
}

// GetHistory returns the most recent backup runs.
func (a *HBApp) GetHistory(limit int) ([]*hb.Run, error) {
	return a.service.GetHistory(limit)
}

// GetRunSkips returns what a run left out.
func (a *HBApp) GetRunSkips(runID string) ([]hb.Skip, error) {
	return a.service.GetRunSkips(runID)
}

// SetupKeys generates the archive encryption key pair.
func (a *HBApp) SetupKeys(passphrase string) error {
	if err := a.encryptor.Setup(passphrase); err != nil {
		return fmt.Errorf("setting up encryption keys: %w", err)
	}
	a.logger.Info("encryption keys created")
	return nil
}

// ValidateVault checks that the selected vault is reachable.
func (a *HBApp) ValidateVault(ctx context.Context) error {
	if a.vault == nil {
		return fmt.Errorf("no vault configured")
	}
	return a.vault.ValidateSetup(ctx)
}

// NewServer builds the HTTP server with a fresh metrics registry.
func (a *HBApp) NewServer() (*server.Server, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return server.New(a.service, a.directory, a.logger, a.clock, a.timeout, registry)
}

// Serve runs the HTTP server until ctx is done.
func (a *HBApp) Serve(ctx context.Context) error {
	srv, err := a.NewServer()
	if err != nil {
		return err
	}
	return srv.ListenAndServe(ctx, a.cfg.Server.Address())
}

// Close logs the operation outcome and releases the database and log file.
func (a *HBApp) Close() error {
	var firstErr error

	a.logger.Info("operation finished", "operation", a.op.Name, "status", a.op.Status,
		"elapsed", a.op.Elapsed(a.clock.Now()).Round(time.Millisecond))

	if err := a.db.Close(); err != nil {
		firstErr = fmt.Errorf("closing database: %w", err)
	}
	if a.logFile != nil {
		if err := a.logFile.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing log file: %w", err)
		}
	}
	return firstErr
}
