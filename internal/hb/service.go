package hb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"

	"hb-go/internal/model"
)

// Backup modes.
const (
	ModeWorkspace = "workspace"
	ModeProject   = "project"
)

// Request describes one backup. HubID and ProjectID select a single project;
// both empty selects the whole workspace.
type Request struct {
	Token       string
	HubID       string
	ProjectID   string
	Delivery    Delivery
	Destination string // recorded with the run, e.g. a vault archive name
}

// Mode returns ModeProject when the request names a project.
func (r Request) Mode() string {
	if r.ProjectID != "" {
		return ModeProject
	}
	return ModeWorkspace
}

// Plan is a request whose root has been resolved. Everything that can fail
// the whole run before any archive byte is written has been checked.
type Plan struct {
	Request
	hubs    []model.Hub
	hub     model.Hub
	project model.Project
}

// ServiceOptions holds switches for BackupService.
type ServiceOptions struct {
	Manifest bool // write ManifestName into every archive
	Encrypt  bool // encrypt archives stored in the vault
}

// BackupService is the orchestration layer: it resolves the backup root,
// drives the Walker into a Sink, and records every run.
type BackupService struct {
	walker    *Walker
	sinks     SinkFactory
	database  Database
	vault     Vault
	encryptor Encryptor
	logger    Logger
	clock     Clock
	idgen     IDGenerator
	opts      ServiceOptions
}

// NewBackupService creates a new BackupService with the provided dependencies.
// vault and encryptor may be nil when archives are only streamed to the caller.
func NewBackupService(walker *Walker, sinks SinkFactory, database Database, vault Vault, encryptor Encryptor, logger Logger, clock Clock, idgen IDGenerator, opts ServiceOptions) *BackupService {
	return &BackupService{
		walker:    walker,
		sinks:     sinks,
		database:  database,
		vault:     vault,
		encryptor: encryptor,
		logger:    logger,
		clock:     clock,
		idgen:     idgen,
		opts:      opts,
	}
}

// ContentType is the MIME type of the archives this service produces.
func (s *BackupService) ContentType() string {
	return s.sinks.ContentType()
}

// Extension is the file extension of the archives this service produces.
func (s *BackupService) Extension() string {
	return s.sinks.Extension()
}

// Plan validates req and resolves its root. It fails with ErrUnauthorized
// without touching the network when no token is present, with ErrNotFound
// when the requested hub or project is not visible, and with a DirectoryError
// when the root listing fails.
func (s *BackupService) Plan(ctx context.Context, req Request) (*Plan, error) {
	if req.Token == "" {
		return nil, ErrUnauthorized
	}
	if (req.HubID == "") != (req.ProjectID == "") {
		return nil, ErrBadRequest
	}

	plan := &Plan{Request: req}
	if req.Mode() == ModeProject {
		hub, project, err := s.walker.FindProject(ctx, req.Token, req.HubID, req.ProjectID)
		if err != nil {
			return nil, err
		}
		plan.hub, plan.project = hub, project
		return plan, nil
	}

	hubs, err := s.walker.ListHubs(ctx, req.Token)
	if err != nil {
		return nil, err
	}
	plan.hubs = hubs
	return plan, nil
}

// Execute runs a planned backup and writes the archive to w.
// The archive is always finalized, including on cancellation, so w receives
// a well-formed container even when the walk stopped early. The returned
// error is non-nil only for sink failures and cancellation; contained
// failures are listed in the Report.
func (s *BackupService) Execute(ctx context.Context, plan *Plan, w io.Writer) (*Report, error) {
	sink, err := s.sinks.NewSink(w, plan.Delivery)
	if err != nil {
		return nil, &SinkError{Err: err}
	}

	report := &Report{
		RunID:     s.idgen.New(),
		Mode:      plan.Mode(),
		HubID:     plan.HubID,
		ProjectID: plan.ProjectID,
		StartedAt: s.clock.Now().UTC(),
	}
	run := &Run{
		ID:          report.RunID,
		Mode:        report.Mode,
		HubID:       plan.HubID,
		ProjectID:   plan.ProjectID,
		Destination: plan.Destination,
		StartedAt:   report.StartedAt,
		Status:      RunRunning,
	}
	if err := s.database.CreateRun(run); err != nil {
		sink.Finalize()
		return nil, fmt.Errorf("recording run: %w", err)
	}

	s.logger.Info("backup started", "run", run.ID, "mode", run.Mode, "delivery", plan.Delivery.String())

	var walkErr error
	switch plan.Mode() {
	case ModeProject:
		walkErr = s.walker.WalkProject(ctx, plan.Token, plan.hub, plan.project, sink, report)
	default:
		walkErr = s.walker.WalkWorkspace(ctx, plan.Token, plan.hubs, sink, report)
	}

	report.FinishedAt = s.clock.Now().UTC()
	report.Complete = walkErr == nil && len(report.Skipped) == 0

	var sinkErr *SinkError
	runErr := walkErr
	if s.opts.Manifest && !errors.As(walkErr, &sinkErr) {
		if err := s.writeManifest(sink, report); err != nil && runErr == nil {
			runErr = err
		}
	}
	if err := sink.Finalize(); err != nil && runErr == nil {
		runErr = &SinkError{Err: fmt.Errorf("finalize: %w", err)}
	}

	s.finishRun(run, report, runErr)
	return report, runErr
}

func (s *BackupService) writeManifest(sink Sink, report *Report) error {
	data, err := report.Manifest()
	if err != nil {
		return &SinkError{Path: ManifestName, Err: err}
	}
	if err := sink.AddEntry(ManifestName, bytes.NewReader(data), int64(len(data))); err != nil {
		return &SinkError{Path: ManifestName, Err: err}
	}
	return nil
}

func (s *BackupService) finishRun(run *Run, report *Report, runErr error) {
	run.Status = RunStatus(report, runErr)
	run.FinishedAt.Time, run.FinishedAt.Valid = report.FinishedAt, true
	run.Entries = int64(report.Entries)
	run.Bytes = report.Bytes
	run.Skipped = int64(len(report.Skipped))

	if len(report.Skipped) > 0 {
		if err := s.database.AddSkips(run.ID, report.Skipped); err != nil {
			s.logger.Error("recording skipped entries failed", "run", run.ID, "error", err)
		}
	}
	if err := s.database.FinishRun(run); err != nil {
		s.logger.Error("recording run result failed", "run", run.ID, "error", err)
	}

	if runErr != nil {
		s.logger.Error("backup failed", "run", run.ID, "status", run.Status, "error", runErr)
		return
	}
	s.logger.Info("backup complete", "run", run.ID, "status", run.Status,
		"entries", report.Entries, "bytes", report.Bytes, "skipped", len(report.Skipped))
}

// RunFullBackup backs up every hub and project visible to token into w.
func (s *BackupService) RunFullBackup(ctx context.Context, token string, w io.Writer, delivery Delivery) (*Report, error) {
	plan, err := s.Plan(ctx, Request{Token: token, Delivery: delivery})
	if err != nil {
		return nil, err
	}
	return s.Execute(ctx, plan, w)
}

// RunProjectBackup backs up a single project into w.
func (s *BackupService) RunProjectBackup(ctx context.Context, token, hubID, projectID string, w io.Writer, delivery Delivery) (*Report, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}
	if hubID == "" || projectID == "" {
		return nil, ErrBadRequest
	}
	plan, err := s.Plan(ctx, Request{Token: token, HubID: hubID, ProjectID: projectID, Delivery: delivery})
	if err != nil {
		return nil, err
	}
	return s.Execute(ctx, plan, w)
}

// Stream plans req and returns a reader over the archive as it is produced.
// Planning errors are returned directly. A fatal error during the run is
// returned by the reader's Read; a successful run ends in io.EOF.
func (s *BackupService) Stream(ctx context.Context, req Request) (io.ReadCloser, error) {
	plan, err := s.Plan(ctx, req)
	if err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	go func() {
		_, err := s.Execute(ctx, plan, pw)
		pw.CloseWithError(err)
	}()
	return pr, nil
}

// ArchiveName returns the vault name for an archive started now.
func (s *BackupService) ArchiveName() string {
	name := "backup-" + s.clock.Now().UTC().Format("20060102T150405Z") + "." + s.sinks.Extension()
	if s.opts.Encrypt {
		name += EncryptedSuffix
	}
	return name
}

// BackupToVault runs req and streams the archive, encrypted when configured,
// into the vault. It returns the stored archive name.
func (s *BackupService) BackupToVault(ctx context.Context, req Request) (string, *Report, error) {
	if s.vault == nil {
		return "", nil, fmt.Errorf("no vault configured")
	}
	if s.opts.Encrypt && s.encryptor == nil {
		return "", nil, fmt.Errorf("encryption enabled but no encryptor configured")
	}

	name := s.ArchiveName()
	req.Destination = name
	plan, err := s.Plan(ctx, req)
	if err != nil {
		return "", nil, err
	}

	g, gctx := errgroup.WithContext(ctx)

	archiveR, archiveW := io.Pipe()
	var report *Report
	g.Go(func() error {
		r, err := s.Execute(gctx, plan, archiveW)
		report = r
		archiveW.CloseWithError(err)
		return err
	})

	var upload io.Reader = archiveR
	if s.opts.Encrypt {
		encR, encW := io.Pipe()
		g.Go(func() error {
			err := s.encryptor.Encrypt(archiveR, encW)
			archiveR.CloseWithError(err)
			encW.CloseWithError(err)
			if err != nil {
				return fmt.Errorf("encrypting archive: %w", err)
			}
			return nil
		})
		upload = encR
	}

	g.Go(func() error {
		err := s.vault.PutArchive(gctx, name, upload)
		if c, ok := upload.(*io.PipeReader); ok {
			c.CloseWithError(err)
		}
		if err != nil {
			return fmt.Errorf("storing archive %s: %w", name, err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return name, report, err
	}
	s.logger.Info("archive stored", "name", name)
	return name, report, nil
}
