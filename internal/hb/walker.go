package hb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"hb-go/internal/model"
)

// PathFilter reports whether an archive path is excluded from backups.
type PathFilter interface {
	Match(path string) bool
}

// WalkerOptions tune a Walker. The zero value is usable: one attempt per call,
// DefaultTimeout, one fetch at a time, nothing excluded.
type WalkerOptions struct {
	Retry       RetryPolicy
	Timeout     time.Duration
	Concurrency int // versions of one item fetched at once
	Filter      PathFilter
}

// Walker traverses a workspace depth-first and appends every reachable
// version to a Sink. Listing and fetch failures below the root are contained:
// they are logged, recorded in the Report, and the walk continues with siblings.
// Only a sink failure or cancellation stops a walk.
type Walker struct {
	dir     Directory
	fetcher ContentFetcher
	spool   Spool
	logger  Logger
	opts    WalkerOptions
}

// NewWalker creates a Walker.
func NewWalker(dir Directory, fetcher ContentFetcher, spool Spool, logger Logger, opts WalkerOptions) *Walker {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Retry.Attempts < 1 {
		opts.Retry = NoRetry()
	}
	return &Walker{
		dir:     dir,
		fetcher: fetcher,
		spool:   spool,
		logger:  logger,
		opts:    opts,
	}
}

// WalkWorkspace backs up every project of every hub in hubs.
func (w *Walker) WalkWorkspace(ctx context.Context, token string, hubs []model.Hub, sink Sink, report *Report) error {
	run := w.newRun(token, sink, report)
	for _, hub := range hubs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := run.hub(ctx, hub); err != nil {
			return err
		}
	}
	return nil
}

// WalkProject backs up a single, already resolved project.
func (w *Walker) WalkProject(ctx context.Context, token string, hub model.Hub, project model.Project, sink Sink, report *Report) error {
	run := w.newRun(token, sink, report)
	hubPath := SanitizeName(hub.Name)
	return run.project(ctx, hub.ID, project, hubPath)
}

func (w *Walker) newRun(token string, sink Sink, report *Report) *walk {
	return &walk{
		Walker: w,
		token:  token,
		report: report,
		out:    &entryWriter{sink: sink, report: report, logger: w.logger},
	}
}

// walk holds the state of one traversal.
type walk struct {
	*Walker
	token  string
	report *Report
	out    *entryWriter
}

func (w *walk) hub(ctx context.Context, hub model.Hub) error {
	hubPath := SanitizeName(hub.Name)
	if w.excluded(hubPath) {
		return nil
	}

	projects, err := list(ctx, w, "list projects", hubPath, func(ctx context.Context) ([]model.Project, error) {
		return w.dir.ListProjects(ctx, w.token, hub.ID)
	})
	if err != nil {
		return w.contain(ctx, "list projects", hubPath, err)
	}

	if len(projects) == 0 {
		w.logger.Info("hub has no projects", "hub", hubPath)
		return w.out.marker(hubPath)
	}

	for _, p := range projects {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.project(ctx, hub.ID, p, hubPath); err != nil {
			return err
		}
	}
	return nil
}

func (w *walk) project(ctx context.Context, hubID string, p model.Project, hubPath string) error {
	projectPath := JoinPath(hubPath, SanitizeName(p.Name))
	if w.excluded(projectPath) {
		return nil
	}
	w.logger.Info("backing up project", "project", projectPath)
	return w.folder(ctx, hubID, p.ID, "", projectPath, nil)
}

// folder lists folderID (the project's top level when empty) and recurses.
// branch holds the folder IDs from the project root down to folderID.
func (w *walk) folder(ctx context.Context, hubID, projectID, folderID, folderPath string, branch []string) error {
	children, err := list(ctx, w, "list folder", folderPath, func(ctx context.Context) ([]model.Node, error) {
		return w.dir.ListFolderChildren(ctx, w.token, hubID, projectID, folderID)
	})
	if err != nil {
		return w.contain(ctx, "list folder", folderPath, err)
	}

	if len(children) == 0 {
		return w.out.marker(folderPath)
	}

	for _, child := range children {
		if err := ctx.Err(); err != nil {
			return err
		}

		childPath := JoinPath(folderPath, SanitizeName(child.Name))
		if w.excluded(childPath) {
			continue
		}

		switch child.Kind {
		case model.KindFolder:
			if slices.Contains(branch, child.ID) {
				err := fmt.Errorf("folder %s already visited on this branch", child.ID)
				if err := w.contain(ctx, "list folder", childPath, err); err != nil {
					return err
				}
				continue
			}
			next := append(branch[:len(branch):len(branch)], child.ID)
			if err := w.folder(ctx, hubID, projectID, child.ID, childPath, next); err != nil {
				return err
			}
		case model.KindItem:
			if err := w.item(ctx, projectID, child, childPath); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *walk) item(ctx context.Context, projectID string, node model.Node, itemPath string) error {
	versions, err := list(ctx, w, "list versions", itemPath, func(ctx context.Context) ([]model.Version, error) {
		return w.dir.ListVersions(ctx, w.token, projectID, node.ID)
	})
	if err != nil {
		return w.contain(ctx, "list versions", itemPath, err)
	}

	paths := versionPaths(itemPath, versions)
	for start := 0; start < len(versions); start += w.opts.Concurrency {
		end := min(start+w.opts.Concurrency, len(versions))
		if err := w.versions(ctx, versions[start:end], paths[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// versions fetches a batch of versions concurrently, then appends the
// results in listing order.
func (w *walk) versions(ctx context.Context, versions []model.Version, paths []string) error {
	blobs := make([]Spooled, len(versions))
	errs := make([]error, len(versions))
	skip := make([]bool, len(versions))

	g, gctx := errgroup.WithContext(ctx)
	for i, v := range versions {
		i, v := i, v
		if skip[i] = w.excluded(paths[i]); skip[i] {
			continue
		}
		g.Go(func() error {
			blobs[i], errs[i] = w.fetch(gctx, v, paths[i])
			return nil
		})
	}
	_ = g.Wait()

	release := func(from int) {
		for _, b := range blobs[from:] {
			if b != nil {
				b.Release()
			}
		}
	}

	for i, p := range paths {
		if err := ctx.Err(); err != nil {
			release(i)
			return err
		}
		if skip[i] {
			continue
		}
		if errs[i] != nil {
			w.logger.Warn("version skipped", "path", p, "version", versions[i].ID, "error", errs[i])
			w.report.addSkip(p, SkipVersion, errs[i])
			continue
		}
		err := w.out.add(p, blobs[i])
		blobs[i].Release()
		blobs[i] = nil
		if err != nil {
			var sinkErr *SinkError
			if errors.As(err, &sinkErr) {
				release(i + 1)
				return err
			}
			kind := SkipVersion
			if errors.Is(err, ErrEntryTruncated) {
				kind = SkipTruncated
			}
			w.logger.Warn("version skipped", "path", p, "version", versions[i].ID, "kind", kind, "error", err)
			w.report.addSkip(p, kind, err)
		}
	}
	return nil
}

// fetch downloads one version into the spool under the retry policy.
func (w *walk) fetch(ctx context.Context, v model.Version, path string) (Spooled, error) {
	if !v.HasContent() {
		return nil, fmt.Errorf("%w: no download URL for version %s", ErrUnavailable, v.ID)
	}

	var blob Spooled
	err := w.opts.Retry.Do(ctx, func(ctx context.Context) error {
		rc, err := w.open(ctx, v)
		if err != nil {
			return err
		}
		defer rc.Close()

		b, err := w.spool.Store(rc)
		if errors.Is(err, ErrSpoolFull) {
			return Permanent(fmt.Errorf("%w: %w", ErrUnavailable, err))
		}
		if err != nil {
			return fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		blob = b
		return nil
	}, w.notify("fetch", path))
	return blob, err
}

// open races the fetcher against the timeout. The returned reader is guarded
// against stalls: if no bytes arrive for one timeout period the fetch context
// is cancelled.
func (w *walk) open(ctx context.Context, v model.Version) (io.ReadCloser, error) {
	ctx, cancel := context.WithCancel(ctx)

	type result struct {
		rc  io.ReadCloser
		err error
	}
	ch := make(chan result, 1)
	go func() {
		rc, err := w.fetcher.Fetch(ctx, w.token, v)
		ch <- result{rc: rc, err: err}
	}()

	timer := time.NewTimer(w.opts.Timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		if r.err != nil {
			cancel()
			return nil, r.err
		}
		return newStallReader(r.rc, w.opts.Timeout, cancel), nil
	case <-timer.C:
		cancel()
		go func() {
			if r := <-ch; r.rc != nil {
				r.rc.Close()
			}
		}()
		return nil, fmt.Errorf("%w: %w after %s", ErrUnavailable, ErrTimeout, w.opts.Timeout)
	}
}

// list runs a directory call under the timeout guard and the retry policy.
// Only the result of the successful attempt is returned.
func list[T any](ctx context.Context, w *walk, op, path string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := w.opts.Retry.Do(ctx, func(ctx context.Context) error {
		v, err := withTimeout(ctx, w.opts.Timeout, fn)
		if err != nil {
			return err
		}
		out = v
		return nil
	}, w.notify(op, path))
	return out, err
}

// contain records a failed subtree and lets the walk continue, unless the
// failure is really a cancellation of the whole run.
func (w *walk) contain(ctx context.Context, op, path string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	dirErr := &DirectoryError{Op: op, Path: path, Err: err}
	w.logger.Warn("subtree skipped", "path", path, "error", dirErr)
	w.report.addSkip(path, SkipDirectory, dirErr)
	return nil
}

func (w *walk) notify(op, path string) func(error, int) {
	return func(err error, attempt int) {
		w.logger.Debug("attempt failed", "op", op, "path", path, "attempt", attempt, "error", err)
	}
}

func (w *walk) excluded(path string) bool {
	if w.opts.Filter == nil || !w.opts.Filter.Match(path) {
		return false
	}
	w.logger.Debug("excluded", "path", path)
	w.report.addExcluded()
	return true
}

// entryWriter serializes appends to the sink.
type entryWriter struct {
	mu     sync.Mutex
	sink   Sink
	report *Report
	logger Logger
}

func (e *entryWriter) add(path string, blob Spooled) error {
	if err := verifySpooled(blob); err != nil {
		return fmt.Errorf("%w: %w", ErrEntryAborted, err)
	}

	rc, err := blob.Open()
	if err != nil {
		return fmt.Errorf("opening spooled content: %w", err)
	}
	defer rc.Close()

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.sink.AddEntry(path, rc, blob.Size()); err != nil {
		if errors.Is(err, ErrEntryAborted) {
			return err
		}
		return &SinkError{Path: path, Err: err}
	}
	e.report.addEntry(blob.Size())
	e.logger.Debug("entry added", "path", path, "size", blob.Size())
	return nil
}

// verifySpooled reads blob once end to end. The sink cannot take an entry back
// once it has started, so content that does not read back in full is skipped
// before anything is appended.
func verifySpooled(blob Spooled) error {
	rc, err := blob.Open()
	if err != nil {
		return fmt.Errorf("opening spooled content: %w", err)
	}
	defer rc.Close()
	n, err := io.Copy(io.Discard, rc)
	if err != nil {
		return fmt.Errorf("reading spooled content: %w", err)
	}
	if n != blob.Size() {
		return fmt.Errorf("spooled content is %d bytes, expected %d", n, blob.Size())
	}
	return nil
}

func (e *entryWriter) marker(path string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	name := DirMarker(path)
	if err := e.sink.AddDirectoryMarker(name); err != nil {
		return &SinkError{Path: name, Err: err}
	}
	e.report.addMarker()
	e.logger.Debug("directory marker added", "path", name)
	return nil
}

// stallReader cancels its fetch when no data arrives for timeout.
type stallReader struct {
	rc      io.ReadCloser
	timeout time.Duration
	timer   *time.Timer
	cancel  context.CancelFunc
	stalled atomic.Bool
}

func newStallReader(rc io.ReadCloser, timeout time.Duration, cancel context.CancelFunc) *stallReader {
	r := &stallReader{rc: rc, timeout: timeout, cancel: cancel}
	r.timer = time.AfterFunc(timeout, func() {
		r.stalled.Store(true)
		cancel()
	})
	return r
}

func (r *stallReader) Read(p []byte) (int, error) {
	n, err := r.rc.Read(p)
	if n > 0 {
		r.timer.Reset(r.timeout)
	}
	if err != nil && err != io.EOF && r.stalled.Load() {
		err = fmt.Errorf("%w: %w: no data for %s", ErrUnavailable, ErrTimeout, r.timeout)
	}
	return n, err
}

func (r *stallReader) Close() error {
	r.timer.Stop()
	r.cancel()
	return r.rc.Close()
}

// ListHubs lists the hubs visible to token under the timeout guard and retry policy.
func (w *Walker) ListHubs(ctx context.Context, token string) ([]model.Hub, error) {
	run := &walk{Walker: w, token: token}
	hubs, err := list(ctx, run, "list hubs", "", func(ctx context.Context) ([]model.Hub, error) {
		return w.dir.ListHubs(ctx, token)
	})
	if err != nil {
		return nil, &DirectoryError{Op: "list hubs", Err: err}
	}
	return hubs, nil
}

// FindProject resolves a hub and one of its projects by ID.
// It returns ErrNotFound when either is not visible to token.
func (w *Walker) FindProject(ctx context.Context, token, hubID, projectID string) (model.Hub, model.Project, error) {
	hubs, err := w.ListHubs(ctx, token)
	if err != nil {
		return model.Hub{}, model.Project{}, err
	}
	i := slices.IndexFunc(hubs, func(h model.Hub) bool { return h.ID == hubID })
	if i < 0 {
		return model.Hub{}, model.Project{}, fmt.Errorf("hub %s: %w", hubID, ErrNotFound)
	}
	hub := hubs[i]

	run := &walk{Walker: w, token: token}
	projects, err := list(ctx, run, "list projects", SanitizeName(hub.Name), func(ctx context.Context) ([]model.Project, error) {
		return w.dir.ListProjects(ctx, token, hubID)
	})
	if err != nil {
		return model.Hub{}, model.Project{}, &DirectoryError{Op: "list projects", Path: SanitizeName(hub.Name), Err: err}
	}
	j := slices.IndexFunc(projects, func(p model.Project) bool { return p.ID == projectID })
	if j < 0 {
		return model.Hub{}, model.Project{}, fmt.Errorf("project %s in hub %s: %w", projectID, hubID, ErrNotFound)
	}
	return hub, projects[j], nil
}
