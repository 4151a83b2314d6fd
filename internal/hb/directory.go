package hb

import (
	"context"
	"io"

	"hb-go/internal/model"
)

// Directory is a typed accessor over the workspace directory API.
// Every method is an idempotent read. Implementations do not retry; the
// caller applies its RetryPolicy.
type Directory interface {
	// ListHubs returns the hubs visible to the token holder.
	ListHubs(ctx context.Context, token string) ([]model.Hub, error)

	// ListProjects returns the projects in a hub.
	ListProjects(ctx context.Context, token, hubID string) ([]model.Project, error)

	// ListFolderChildren returns the folders and items directly inside folderID.
	// An empty folderID lists the project's top-level folders.
	ListFolderChildren(ctx context.Context, token, hubID, projectID, folderID string) ([]model.Node, error)

	// ListVersions returns the versions of an item, newest first.
	ListVersions(ctx context.Context, token, projectID, itemID string) ([]model.Version, error)
}

// ContentFetcher streams the binary content of a version.
// A missing download URL or a failed request yields an error wrapping
// ErrUnavailable; the caller must close the returned reader.
type ContentFetcher interface {
	Fetch(ctx context.Context, token string, version model.Version) (io.ReadCloser, error)
}
