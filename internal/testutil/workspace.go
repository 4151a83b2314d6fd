package testutil

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"hb-go/internal/hb"
	"hb-go/internal/model"
)

// Fault injection keys for FakeWorkspace.FailList and HangList.
const HubsKey = "hubs"

// ProjectsKey addresses the project listing of a hub.
func ProjectsKey(hubID string) string { return "projects:" + hubID }

// FolderKey addresses a folder listing; an empty folderID is the project top level.
func FolderKey(projectID, folderID string) string { return "folder:" + projectID + "/" + folderID }

// VersionsKey addresses the version listing of an item.
func VersionsKey(itemID string) string { return "versions:" + itemID }

type fault struct {
	err       error
	remaining int  // failures left; <0 fails forever
	hang      bool // block until the context is done
	stall     bool // fetch only: deliver content, then block
}

// take reports whether the fault fires for this call.
func (f *fault) take() bool {
	if f == nil {
		return false
	}
	if f.remaining == 0 {
		return false
	}
	if f.remaining > 0 {
		f.remaining--
	}
	return true
}

// FakeWorkspace is an in-memory workspace implementing both hb.Directory and
// hb.ContentFetcher, with fault injection for listings and downloads.
// Safe for concurrent use.
type FakeWorkspace struct {
	// Token, when set, is the only credential accepted.
	Token string

	mu       sync.Mutex
	hubs     []model.Hub
	projects map[string][]model.Project
	children map[string][]model.Node
	versions map[string][]model.Version
	content  map[string][]byte
	listFail map[string]*fault
	fetchErr map[string]*fault

	calls   atomic.Int64
	fetches atomic.Int64
}

var (
	_ hb.Directory      = (*FakeWorkspace)(nil)
	_ hb.ContentFetcher = (*FakeWorkspace)(nil)
)

// NewFakeWorkspace creates an empty workspace.
func NewFakeWorkspace() *FakeWorkspace {
	return &FakeWorkspace{
		projects: make(map[string][]model.Project),
		children: make(map[string][]model.Node),
		versions: make(map[string][]model.Version),
		content:  make(map[string][]byte),
		listFail: make(map[string]*fault),
		fetchErr: make(map[string]*fault),
	}
}

func (w *FakeWorkspace) AddHub(id, name string) *FakeWorkspace {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.hubs = append(w.hubs, model.Hub{ID: id, Name: name})
	return w
}

func (w *FakeWorkspace) AddProject(hubID, id, name string) *FakeWorkspace {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.projects[hubID] = append(w.projects[hubID], model.Project{ID: id, Name: name, HubID: hubID})
	return w
}

// AddFolder adds a folder under parentID, or at the project top level when
// parentID is empty.
func (w *FakeWorkspace) AddFolder(projectID, parentID, id, name string) *FakeWorkspace {
	return w.addNode(projectID, parentID, model.Node{ID: id, Kind: model.KindFolder, Name: name})
}

// AddItem adds an item under parentID, or at the project top level when
// parentID is empty.
func (w *FakeWorkspace) AddItem(projectID, parentID, id, name string) *FakeWorkspace {
	return w.addNode(projectID, parentID, model.Node{ID: id, Kind: model.KindItem, Name: name})
}

func (w *FakeWorkspace) addNode(projectID, parentID string, n model.Node) *FakeWorkspace {
	w.mu.Lock()
	defer w.mu.Unlock()
	key := FolderKey(projectID, parentID)
	w.children[key] = append(w.children[key], n)
	return w
}

// AddVersion appends a version with downloadable content to an item.
// The download URL is derived from the version ID.
func (w *FakeWorkspace) AddVersion(itemID, id string, number int, name, content string) *FakeWorkspace {
	url := "fake://content/" + id
	w.mu.Lock()
	defer w.mu.Unlock()
	w.versions[itemID] = append(w.versions[itemID], model.Version{
		ID: id, Name: name, FileName: name, Number: number, DownloadURL: url,
	})
	w.content[url] = []byte(content)
	return w
}

// AddVersionWithoutURL appends a version that exposes no download link.
func (w *FakeWorkspace) AddVersionWithoutURL(itemID, id string, number int, name string) *FakeWorkspace {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.versions[itemID] = append(w.versions[itemID], model.Version{ID: id, Name: name, FileName: name, Number: number})
	return w
}

// URL returns the download URL of a version added with AddVersion.
func URL(versionID string) string {
	return "fake://content/" + versionID
}

// FailList makes the listing addressed by key fail with err. times bounds the
// number of failures; a negative value fails every call.
func (w *FakeWorkspace) FailList(key string, err error, times int) *FakeWorkspace {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listFail[key] = &fault{err: err, remaining: times}
	return w
}

// HangList makes the listing addressed by key block until its context is done.
func (w *FakeWorkspace) HangList(key string) *FakeWorkspace {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listFail[key] = &fault{hang: true, remaining: -1}
	return w
}

// FailFetch makes downloads of url fail with err. times bounds the number of
// failures; a negative value fails every call.
func (w *FakeWorkspace) FailFetch(url string, err error, times int) *FakeWorkspace {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.fetchErr[url] = &fault{err: err, remaining: times}
	return w
}

// HangFetch makes downloads of url block before responding.
func (w *FakeWorkspace) HangFetch(url string) *FakeWorkspace {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.fetchErr[url] = &fault{hang: true, remaining: -1}
	return w
}

// StallFetch makes downloads of url deliver their content and then block
// instead of reaching EOF.
func (w *FakeWorkspace) StallFetch(url string) *FakeWorkspace {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.fetchErr[url] = &fault{stall: true, remaining: -1}
	return w
}

// Calls returns the number of directory and fetch calls made so far.
func (w *FakeWorkspace) Calls() int64 {
	return w.calls.Load() + w.fetches.Load()
}

// Fetches returns the number of fetch calls made so far.
func (w *FakeWorkspace) Fetches() int64 {
	return w.fetches.Load()
}

func (w *FakeWorkspace) authorize(token string) error {
	if w.Token != "" && token != w.Token {
		return hb.Permanent(hb.ErrUnauthorized)
	}
	return nil
}

// listing applies faults for key and returns a copy of the stored slice.
func listing[T any](ctx context.Context, w *FakeWorkspace, token, key string, get func() []T) ([]T, error) {
	w.calls.Add(1)
	if err := w.authorize(token); err != nil {
		return nil, err
	}

	w.mu.Lock()
	f := w.listFail[key]
	fire := f.take()
	var out []T
	if !fire {
		out = append(out, get()...)
	}
	w.mu.Unlock()

	if fire {
		if f.hang {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return nil, f.err
	}
	return out, nil
}

func (w *FakeWorkspace) ListHubs(ctx context.Context, token string) ([]model.Hub, error) {
	return listing(ctx, w, token, HubsKey, func() []model.Hub { return w.hubs })
}

func (w *FakeWorkspace) ListProjects(ctx context.Context, token, hubID string) ([]model.Project, error) {
	return listing(ctx, w, token, ProjectsKey(hubID), func() []model.Project { return w.projects[hubID] })
}

func (w *FakeWorkspace) ListFolderChildren(ctx context.Context, token, hubID, projectID, folderID string) ([]model.Node, error) {
	key := FolderKey(projectID, folderID)
	return listing(ctx, w, token, key, func() []model.Node { return w.children[key] })
}

func (w *FakeWorkspace) ListVersions(ctx context.Context, token, projectID, itemID string) ([]model.Version, error) {
	return listing(ctx, w, token, VersionsKey(itemID), func() []model.Version { return w.versions[itemID] })
}

// Fetch returns the content stored for v.DownloadURL.
func (w *FakeWorkspace) Fetch(ctx context.Context, token string, v model.Version) (io.ReadCloser, error) {
	w.fetches.Add(1)
	if err := w.authorize(token); err != nil {
		return nil, err
	}
	if !v.HasContent() {
		return nil, hb.Permanent(fmt.Errorf("version %s: %w", v.ID, hb.ErrUnavailable))
	}

	w.mu.Lock()
	f := w.fetchErr[v.DownloadURL]
	fire := f.take()
	data, ok := w.content[v.DownloadURL]
	w.mu.Unlock()

	if fire {
		switch {
		case f.hang:
			<-ctx.Done()
			return nil, ctx.Err()
		case f.stall:
			return &stallingBody{ctx: ctx, r: bytes.NewReader(data)}, nil
		default:
			return nil, f.err
		}
	}
	if !ok {
		return nil, hb.Permanent(fmt.Errorf("version %s: %w", v.ID, hb.ErrUnavailable))
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// stallingBody yields its content, then blocks until ctx is done.
type stallingBody struct {
	ctx context.Context
	r   *bytes.Reader
}

func (s *stallingBody) Read(p []byte) (int, error) {
	if s.r.Len() > 0 {
		return s.r.Read(p)
	}
	<-s.ctx.Done()
	return 0, s.ctx.Err()
}

func (s *stallingBody) Close() error { return nil }
