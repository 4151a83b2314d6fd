package app

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"hb-go/internal/config"
	"hb-go/internal/hb"
)

const testToken = "tok-app"

// newWorkspaceServer serves a small workspace over the JSON:API routes the
// directory client uses, plus version content under /content/.
func newWorkspaceServer(t *testing.T) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var hits atomic.Int64
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("Authorization") != "Bearer "+testToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		link := func(id string) string {
			return fmt.Sprintf(`"relationships":{"storage":{"meta":{"link":{"href":"%s/content/%s"}}}}`, srv.URL, id)
		}
		var body string
		switch r.URL.Path {
		case "/project/v1/hubs":
			body = `{"data":[{"type":"hubs","id":"h1","attributes":{"name":"Acme Co"}}]}`
		case "/project/v1/hubs/h1/projects":
			body = `{"data":[{"type":"projects","id":"p1","attributes":{"name":"Tower"}}]}`
		case "/project/v1/hubs/h1/projects/p1/topFolders":
			body = `{"data":[{"type":"folders","id":"f1","attributes":{"displayName":"Project Files"}}]}`
		case "/data/v1/projects/p1/folders/f1/contents":
			body = `{"data":[
				{"type":"items","id":"i1","attributes":{"displayName":"plan.pdf"}},
				{"type":"items","id":"i2","attributes":{"displayName":"cache.tmp"}}]}`
		case "/data/v1/projects/p1/items/i1/versions":
			body = `{"data":[{"type":"versions","id":"v1","attributes":{"displayName":"plan.pdf","versionNumber":1},` + link("v1") + `}]}`
		case "/data/v1/projects/p1/items/i2/versions":
			body = `{"data":[{"type":"versions","id":"v2","attributes":{"displayName":"cache.tmp","versionNumber":1},` + link("v2") + `}]}`
		case "/content/v1":
			fmt.Fprint(w, "%PDF-1.7")
			return
		case "/content/v2":
			fmt.Fprint(w, "scratch")
			return
		default:
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/vnd.api+json")
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func testConfig(t *testing.T, baseURL string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.NewConfig(dir)
	cfg.Directory.BaseURL = baseURL
	cfg.Backup.Timeout = "5s"
	cfg.Backup.RetryDelay = "10ms"
	cfg.Spool = config.SpoolConfig{Type: "memory"}
	cfg.Database = config.DatabaseConfig{Type: "memory"}
	cfg.Vaults = []config.VaultConfig{{Type: "memory", Name: "mem"}}
	cfg.Encryption = config.EncryptionConfig{Type: "test"}
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config) *HBApp {
	t.Helper()
	a, err := NewHBApp(context.Background(), cfg, "Test", "", Options{StderrLevel: slog.LevelError + 4})
	if err != nil {
		t.Fatalf("NewHBApp() error = %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func zipEntries(t *testing.T, data []byte) map[string]string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("not a zip archive: %v", err)
	}
	out := make(map[string]string)
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatal(err)
		}
		b, _ := io.ReadAll(rc)
		rc.Close()
		out[f.Name] = string(b)
	}
	return out
}

func TestBackupToFile(t *testing.T) {
	srv, _ := newWorkspaceServer(t)
	cfg := testConfig(t, srv.URL)
	a := newTestApp(t, cfg)

	out := filepath.Join(t.TempDir(), "out", "acme.zip")
	res, err := a.Backup(context.Background(), BackupRequest{Token: testToken, Output: out}, nil)
	if err != nil {
		t.Fatalf("Backup() error = %v", err)
	}
	if res.Where != out || res.Report.Entries != 2 || !res.Report.Complete {
		t.Errorf("result = %+v, report = %+v", res, res.Report)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("reading archive: %v", err)
	}
	entries := zipEntries(t, data)
	if entries["Acme_Co/Tower/Project_Files/plan.pdf"] != "%PDF-1.7" {
		t.Errorf("entries = %v", entries)
	}
	if _, ok := entries[hb.ManifestName]; !ok {
		t.Error("manifest missing")
	}

	leftovers, _ := filepath.Glob(filepath.Join(filepath.Dir(out), ".hb-*"))
	if len(leftovers) != 0 {
		t.Errorf("temporary files left behind: %v", leftovers)
	}

	runs, err := a.GetHistory(5)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(runs) != 1 || runs[0].Status != hb.RunSuccess {
		t.Errorf("runs = %+v", runs)
	}
}

func TestBackupToStdout(t *testing.T) {
	srv, _ := newWorkspaceServer(t)
	a := newTestApp(t, testConfig(t, srv.URL))

	var buf bytes.Buffer
	res, err := a.Backup(context.Background(), BackupRequest{Token: testToken, HubID: "h1", ProjectID: "p1", Output: "-"}, &buf)
	if err != nil {
		t.Fatalf("Backup() error = %v", err)
	}
	if res.Report.Mode != hb.ModeProject {
		t.Errorf("Mode = %q", res.Report.Mode)
	}
	if entries := zipEntries(t, buf.Bytes()); entries["Acme_Co/Tower/Project_Files/cache.tmp"] != "scratch" {
		t.Errorf("entries = %v", entries)
	}
}

func TestBackupExcludeFile(t *testing.T) {
	srv, _ := newWorkspaceServer(t)
	cfg := testConfig(t, srv.URL)
	cfg.Backup.ExcludeFile = filepath.Join(t.TempDir(), "exclude")
	if err := os.WriteFile(cfg.Backup.ExcludeFile, []byte("# scratch files\n*.tmp\n"), 0644); err != nil {
		t.Fatal(err)
	}
	a := newTestApp(t, cfg)

	var buf bytes.Buffer
	res, err := a.Backup(context.Background(), BackupRequest{Token: testToken, Output: "-"}, &buf)
	if err != nil {
		t.Fatalf("Backup() error = %v", err)
	}
	if res.Report.Excluded != 1 {
		t.Errorf("Excluded = %d, want 1", res.Report.Excluded)
	}
	if _, ok := zipEntries(t, buf.Bytes())["Acme_Co/Tower/Project_Files/cache.tmp"]; ok {
		t.Error("excluded file archived")
	}
}

func TestBackupWithoutTokenMakesNoRequests(t *testing.T) {
	srv, hits := newWorkspaceServer(t)
	a := newTestApp(t, testConfig(t, srv.URL))

	_, err := a.Backup(context.Background(), BackupRequest{Output: "-"}, io.Discard)
	if !errors.Is(err, hb.ErrUnauthorized) {
		t.Fatalf("Backup() error = %v, want ErrUnauthorized", err)
	}
	if hits.Load() != 0 {
		t.Errorf("server received %d requests", hits.Load())
	}
}

func TestBackupToVaultAndRestore(t *testing.T) {
	srv, _ := newWorkspaceServer(t)
	cfg := testConfig(t, srv.URL)
	cfg.Encryption.Enabled = true
	a := newTestApp(t, cfg)
	ctx := context.Background()

	if err := a.SetupKeys("correct horse"); err != nil {
		t.Fatalf("SetupKeys() error = %v", err)
	}
	if err := a.ValidateVault(ctx); err != nil {
		t.Fatalf("ValidateVault() error = %v", err)
	}

	res, err := a.Backup(ctx, BackupRequest{Token: testToken, ToVault: true}, nil)
	if err != nil {
		t.Fatalf("Backup() error = %v", err)
	}
	if !strings.HasSuffix(res.Where, ".zip.age") {
		t.Errorf("archive name = %q", res.Where)
	}

	archives, err := a.ListArchives(ctx)
	if err != nil || len(archives) != 1 {
		t.Fatalf("ListArchives() = %+v, %v", archives, err)
	}

	out := filepath.Join(t.TempDir(), "restored.zip")
	err = a.Restore(ctx, res.Where, out, nil, func() (string, error) { return "correct horse", nil })
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if entries := zipEntries(t, data); entries["Acme_Co/Tower/Project_Files/plan.pdf"] != "%PDF-1.7" {
		t.Errorf("entries = %v", entries)
	}

	bad := filepath.Join(t.TempDir(), "bad.zip")
	if err := a.Restore(ctx, res.Where, bad, nil, func() (string, error) { return "wrong", nil }); err == nil {
		t.Error("Restore() with wrong passphrase succeeded")
	}
	if _, err := os.Stat(bad); !os.IsNotExist(err) {
		t.Error("failed restore left an output file")
	}
}

func TestListHubs(t *testing.T) {
	srv, _ := newWorkspaceServer(t)
	a := newTestApp(t, testConfig(t, srv.URL))

	hubs, err := a.ListHubs(context.Background(), testToken)
	if err != nil {
		t.Fatalf("ListHubs() error = %v", err)
	}
	if len(hubs) != 1 || hubs[0].Name != "Acme Co" {
		t.Errorf("hubs = %+v", hubs)
	}
	projects, err := a.ListProjects(context.Background(), testToken, "h1")
	if err != nil || len(projects) != 1 {
		t.Errorf("ListProjects() = %+v, %v", projects, err)
	}
	if _, err := a.ListHubs(context.Background(), ""); !errors.Is(err, hb.ErrUnauthorized) {
		t.Errorf("ListHubs(no token) error = %v", err)
	}
}

func TestNewServerServesMetrics(t *testing.T) {
	srv, _ := newWorkspaceServer(t)
	a := newTestApp(t, testConfig(t, srv.URL))

	s, err := a.NewServer()
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Errorf("GET /metrics = %d", rec.Code)
	}
}

func TestNewHBAppErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(cfg *config.Config)
		opts   Options
	}{
		{name: "unknown vault name", opts: Options{Vault: "offsite"}},
		{name: "bad timeout", mutate: func(cfg *config.Config) { cfg.Backup.Timeout = "soon" }},
		{name: "bad retry delay", mutate: func(cfg *config.Config) { cfg.Backup.RetryDelay = "-1s" }},
		{name: "unknown archive format", mutate: func(cfg *config.Config) { cfg.Archive.Format = "rar" }},
		{name: "unknown spool type", mutate: func(cfg *config.Config) { cfg.Spool.Type = "tape" }},
		{name: "unknown database type", mutate: func(cfg *config.Config) { cfg.Database.Type = "oracle" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t, "http://127.0.0.1:0")
			if tt.mutate != nil {
				tt.mutate(cfg)
			}
			if a, err := NewHBApp(context.Background(), cfg, "Test", "", tt.opts); err == nil {
				a.Close()
				t.Fatal("NewHBApp() expected error")
			}
		})
	}
}

func TestSelectVault(t *testing.T) {
	vaults := []config.VaultConfig{{Name: "local"}, {Name: "offsite"}}

	tests := []struct {
		name    string
		vaults  []config.VaultConfig
		pick    string
		want    string
		wantOK  bool
		wantErr bool
	}{
		{name: "first by default", vaults: vaults, want: "local", wantOK: true},
		{name: "by name", vaults: vaults, pick: "offsite", want: "offsite", wantOK: true},
		{name: "unknown name", vaults: vaults, pick: "tape", wantErr: true},
		{name: "none configured", vaults: nil, wantOK: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok, err := selectVault(tt.vaults, tt.pick)
			if (err != nil) != tt.wantErr {
				t.Fatalf("selectVault() error = %v, wantErr %v", err, tt.wantErr)
			}
			if ok != tt.wantOK || got.Name != tt.want {
				t.Errorf("selectVault() = %q, %v", got.Name, ok)
			}
		})
	}
}
