package directory

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"hb-go/internal/config"
	"hb-go/internal/hb"
	"hb-go/internal/model"
)

// maxPages bounds pagination so a misbehaving API cannot loop us forever.
const maxPages = 1000

// maxBody bounds a single listing response.
const maxBody = 32 << 20

// Client is a Directory backed by the Data Management REST API.
// Responses are JSON:API documents; lists are followed through links.next.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter // nil disables pacing
}

var _ hb.Directory = (*Client)(nil)

// NewClient creates a Client for baseURL. limiter may be nil.
func NewClient(baseURL string, httpClient *http.Client, limiter *rate.Limiter) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    httpClient,
		limiter: limiter,
	}
}

// NewClientFromConfig creates a Client from config. timeout bounds each
// request on the transport level in addition to the caller's context.
func NewClientFromConfig(cfg config.DirectoryConfig, timeout time.Duration) *Client {
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return NewClient(cfg.URL(), &http.Client{Timeout: timeout}, limiter)
}

// ListHubs returns the hubs visible to the token holder.
func (c *Client) ListHubs(ctx context.Context, token string) ([]model.Hub, error) {
	var hubs []model.Hub
	err := c.each(ctx, token, "/project/v1/hubs", func(r gjson.Result) {
		hubs = append(hubs, model.Hub{
			ID:   r.Get("id").String(),
			Name: r.Get("attributes.name").String(),
		})
	})
	if err != nil {
		return nil, err
	}
	return hubs, nil
}

// ListProjects returns the projects in a hub.
func (c *Client) ListProjects(ctx context.Context, token, hubID string) ([]model.Project, error) {
	var projects []model.Project
	p := "/project/v1/hubs/" + url.PathEscape(hubID) + "/projects"
	err := c.each(ctx, token, p, func(r gjson.Result) {
		projects = append(projects, model.Project{
			ID:    r.Get("id").String(),
			Name:  r.Get("attributes.name").String(),
			HubID: hubID,
		})
	})
	if err != nil {
		return nil, err
	}
	return projects, nil
}

// ListFolderChildren returns the folders and items inside folderID, or the
// project's top folders when folderID is empty. Entries of other types
// are ignored.
func (c *Client) ListFolderChildren(ctx context.Context, token, hubID, projectID, folderID string) ([]model.Node, error) {
	var p string
	if folderID == "" {
		p = "/project/v1/hubs/" + url.PathEscape(hubID) + "/projects/" + url.PathEscape(projectID) + "/topFolders"
	} else {
		p = "/data/v1/projects/" + url.PathEscape(projectID) + "/folders/" + url.PathEscape(folderID) + "/contents"
	}

	var nodes []model.Node
	err := c.each(ctx, token, p, func(r gjson.Result) {
		node := model.Node{
			ID:   r.Get("id").String(),
			Name: displayName(r),
		}
		switch r.Get("type").String() {
		case "folders":
			node.Kind = model.KindFolder
		case "items":
			node.Kind = model.KindItem
		default:
			return
		}
		nodes = append(nodes, node)
	})
	if err != nil {
		return nil, err
	}
	return nodes, nil
}

// ListVersions returns the versions of an item in API order (newest first).
func (c *Client) ListVersions(ctx context.Context, token, projectID, itemID string) ([]model.Version, error) {
	var versions []model.Version
	p := "/data/v1/projects/" + url.PathEscape(projectID) + "/items/" + url.PathEscape(itemID) + "/versions"
	err := c.each(ctx, token, p, func(r gjson.Result) {
		v := model.Version{
			ID:          r.Get("id").String(),
			Name:        displayName(r),
			FileName:    r.Get("attributes.name").String(),
			Number:      int(r.Get("attributes.versionNumber").Int()),
			DownloadURL: r.Get("relationships.storage.meta.link.href").String(),
		}
		if ts := r.Get("attributes.createTime").String(); ts != "" {
			if t, err := time.Parse(time.RFC3339, ts); err == nil {
				v.CreatedAt = t
			}
		}
		versions = append(versions, v)
	})
	if err != nil {
		return nil, err
	}
	return versions, nil
}

// displayName falls back to attributes.name when displayName is absent.
func displayName(r gjson.Result) string {
	if n := r.Get("attributes.displayName"); n.Exists() && n.String() != "" {
		return n.String()
	}
	return r.Get("attributes.name").String()
}

// each calls fn for every element of the data array of path and of every
// page linked from it.
func (c *Client) each(ctx context.Context, token, path string, fn func(gjson.Result)) error {
	next := c.baseURL + path
	for page := 0; next != ""; page++ {
		if page == maxPages {
			return hb.Permanent(fmt.Errorf("pagination of %s exceeded %d pages", path, maxPages))
		}
		body, err := c.get(ctx, token, next)
		if err != nil {
			return err
		}
		if !gjson.ValidBytes(body) {
			return fmt.Errorf("invalid JSON from %s", next)
		}
		doc := gjson.ParseBytes(body)
		data := doc.Get("data")
		if !data.IsArray() {
			return fmt.Errorf("response from %s has no data array", next)
		}
		data.ForEach(func(_, item gjson.Result) bool {
			fn(item)
			return true
		})
		next = nextLink(doc)
	}
	return nil
}

// nextLink accepts both {"next": "url"} and {"next": {"href": "url"}}.
func nextLink(doc gjson.Result) string {
	n := doc.Get("links.next")
	if href := n.Get("href"); href.Exists() {
		return href.String()
	}
	if n.Type == gjson.String {
		return n.String()
	}
	return ""
}

func (c *Client) get(ctx context.Context, token, u string) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, hb.Permanent(fmt.Errorf("building request: %w", err))
	}
	(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}).SetAuthHeader(req)
	req.Header.Set("Accept", "application/vnd.api+json, application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, u); err != nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", u, err)
	}
	return body, nil
}

// checkStatus maps non-2xx responses to a StatusError, additionally wrapping
// ErrUnauthorized or ErrNotFound where they apply.
func checkStatus(resp *http.Response, u string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	se := &hb.StatusError{Code: resp.StatusCode, URL: u}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %w", hb.ErrUnauthorized, se)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %w", hb.ErrNotFound, se)
	}
	return se
}
