package archive

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"hb-go/internal/config"
	"hb-go/internal/hb"
)

var modified = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

// brokenReader yields a prefix and then fails.
type brokenReader struct {
	prefix string
	done   bool
}

func (b *brokenReader) Read(p []byte) (int, error) {
	if !b.done {
		b.done = true
		return copy(p, b.prefix), nil
	}
	return 0, errors.New("connection reset")
}

type fixedClock struct{}

func (fixedClock) Now() time.Time { return modified }

func readZip(t *testing.T, data []byte) map[string]string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("zip.NewReader() error = %v", err)
	}
	out := make(map[string]string)
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open %s: %v", f.Name, err)
		}
		b, _ := io.ReadAll(rc)
		rc.Close()
		out[f.Name] = string(b)
	}
	return out
}

func readTarGz(t *testing.T, data []byte) map[string]string {
	t.Helper()
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("gzip.NewReader() error = %v", err)
	}
	tr := tar.NewReader(gz)
	out := make(map[string]string)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("tar.Next() error = %v", err)
		}
		b, err := io.ReadAll(tr)
		if err != nil {
			t.Fatalf("read %s: %v", hdr.Name, err)
		}
		out[hdr.Name] = string(b)
	}
	return out
}

type format struct {
	name string
	new  func(w io.Writer) hb.Sink
	read func(t *testing.T, data []byte) map[string]string
}

func formats(t *testing.T) []format {
	return []format{
		{
			name: "zip",
			new:  func(w io.Writer) hb.Sink { return NewZipStream(w, 9, modified) },
			read: readZip,
		},
		{
			name: "tar.gz",
			new: func(w io.Writer) hb.Sink {
				s, err := NewTarGzStream(w, 9, modified)
				if err != nil {
					t.Fatalf("NewTarGzStream() error = %v", err)
				}
				return s
			},
			read: readTarGz,
		},
	}
}

func TestStreamSinks(t *testing.T) {
	for _, f := range formats(t) {
		t.Run(f.name, func(t *testing.T) {
			var buf bytes.Buffer
			sink := f.new(&buf)

			if err := sink.AddEntry("Acme_Co/Tower/plan.pdf", strings.NewReader("%PDF"), 4); err != nil {
				t.Fatalf("AddEntry() error = %v", err)
			}
			if err := sink.AddEntry("Acme_Co/Tower/notes.txt", strings.NewReader("unknown size"), -1); err != nil {
				t.Fatalf("AddEntry(size -1) error = %v", err)
			}
			if err := sink.AddDirectoryMarker("Acme_Co/Tower/Drawings/"); err != nil {
				t.Fatalf("AddDirectoryMarker() error = %v", err)
			}
			if err := sink.Finalize(); err != nil {
				t.Fatalf("Finalize() error = %v", err)
			}

			got := f.read(t, buf.Bytes())
			if got["Acme_Co/Tower/plan.pdf"] != "%PDF" {
				t.Errorf("plan.pdf = %q", got["Acme_Co/Tower/plan.pdf"])
			}
			if got["Acme_Co/Tower/notes.txt"] != "unknown size" {
				t.Errorf("notes.txt = %q", got["Acme_Co/Tower/notes.txt"])
			}
			if _, ok := got["Acme_Co/Tower/Drawings/"]; !ok {
				t.Errorf("missing directory marker; have %v", got)
			}
		})
	}
}

func TestStreamSinkAbortsOnlyTheFailingEntry(t *testing.T) {
	for _, f := range formats(t) {
		t.Run(f.name, func(t *testing.T) {
			var buf bytes.Buffer
			sink := f.new(&buf)

			if err := sink.AddEntry("a.txt", strings.NewReader("a"), 1); err != nil {
				t.Fatalf("AddEntry(a) error = %v", err)
			}
			err := sink.AddEntry("broken.bin", &brokenReader{prefix: "par"}, 10)
			if !errors.Is(err, hb.ErrEntryAborted) || !errors.Is(err, hb.ErrEntryTruncated) {
				t.Fatalf("AddEntry(broken) error = %v, want ErrEntryAborted and ErrEntryTruncated", err)
			}
			if err := sink.AddEntry("c.txt", strings.NewReader("c"), 1); err != nil {
				t.Fatalf("AddEntry(c) after abort error = %v", err)
			}
			if err := sink.Finalize(); err != nil {
				t.Fatalf("Finalize() error = %v", err)
			}

			got := f.read(t, buf.Bytes())
			if got["a.txt"] != "a" || got["c.txt"] != "c" {
				t.Errorf("entries = %v", got)
			}
			// A streamed entry cannot be withdrawn; the error says it stays short.
			if broken, ok := got["broken.bin"]; !ok || !strings.HasPrefix(broken, "par") {
				t.Errorf("broken.bin = %q, %v", broken, ok)
			}
		})
	}
}

func TestStreamSinkFinalizeOnce(t *testing.T) {
	for _, f := range formats(t) {
		t.Run(f.name, func(t *testing.T) {
			sink := f.new(io.Discard)
			if err := sink.Finalize(); err != nil {
				t.Fatalf("Finalize() error = %v", err)
			}
			if err := sink.Finalize(); err == nil {
				t.Error("second Finalize() expected error")
			}
			if err := sink.AddEntry("late.txt", strings.NewReader("x"), 1); err == nil {
				t.Error("AddEntry() after Finalize expected error")
			}
		})
	}
}

// countingWriter records how many Write calls it receives.
type countingWriter struct {
	bytes.Buffer
	writes int
}

func (c *countingWriter) Write(p []byte) (int, error) {
	c.writes++
	return c.Buffer.Write(p)
}

func TestBuffered(t *testing.T) {
	var out countingWriter
	b := NewBuffered(&out, func(w io.Writer) (hb.Sink, error) {
		return NewZipStream(w, 9, modified), nil
	})

	if err := b.AddEntry("plan.pdf", strings.NewReader("v1"), 2); err != nil {
		t.Fatal(err)
	}
	if err := b.AddDirectoryMarker("Empty/"); err != nil {
		t.Fatal(err)
	}
	if err := b.AddEntry("plan.pdf", strings.NewReader("v2"), 2); err != nil {
		t.Fatal(err)
	}
	err := b.AddEntry("broken.bin", &brokenReader{prefix: "x"}, -1)
	if !errors.Is(err, hb.ErrEntryAborted) || errors.Is(err, hb.ErrEntryTruncated) {
		t.Fatalf("AddEntry(broken) error = %v, want ErrEntryAborted only", err)
	}
	if b.Len() != 2 {
		t.Errorf("Len() = %d, want 2", b.Len())
	}
	if out.writes != 0 {
		t.Errorf("output written before Finalize: %d writes", out.writes)
	}

	if err := b.Finalize(); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if out.writes != 1 {
		t.Errorf("Finalize() made %d writes, want 1", out.writes)
	}
	got := readZip(t, out.Bytes())
	if len(got) != 2 || got["plan.pdf"] != "v2" {
		t.Errorf("entries = %v", got)
	}
	if err := b.Finalize(); err == nil {
		t.Error("second Finalize() expected error")
	}
}

func TestNewFactory(t *testing.T) {
	tests := []struct {
		name        string
		cfg         config.ArchiveConfig
		wantErr     bool
		wantExt     string
		contentType string
	}{
		{name: "defaults", cfg: config.ArchiveConfig{}, wantExt: "zip", contentType: "application/zip"},
		{name: "tar.gz", cfg: config.ArchiveConfig{Format: "tar.gz", Level: 1}, wantExt: "tar.gz", contentType: "application/gzip"},
		{name: "unknown format", cfg: config.ArchiveConfig{Format: "rar"}, wantErr: true},
		{name: "level too high", cfg: config.ArchiveConfig{Level: 12}, wantErr: true},
		{name: "negative level", cfg: config.ArchiveConfig{Level: -1}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := NewFactory(tt.cfg, fixedClock{})
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewFactory() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if f.Extension() != tt.wantExt || f.ContentType() != tt.contentType {
				t.Errorf("Extension() = %q, ContentType() = %q", f.Extension(), f.ContentType())
			}
		})
	}
}

func TestFactoryDeliveries(t *testing.T) {
	f, err := NewFactory(config.ArchiveConfig{}, fixedClock{})
	if err != nil {
		t.Fatal(err)
	}

	for _, d := range []hb.Delivery{hb.DeliverStreaming, hb.DeliverBuffered} {
		t.Run(d.String(), func(t *testing.T) {
			var buf bytes.Buffer
			sink, err := f.NewSink(&buf, d)
			if err != nil {
				t.Fatalf("NewSink() error = %v", err)
			}
			if _, buffered := sink.(*Buffered); buffered != (d == hb.DeliverBuffered) {
				t.Errorf("sink type %T for delivery %s", sink, d)
			}
			if err := sink.AddEntry("x.txt", strings.NewReader("x"), 1); err != nil {
				t.Fatal(err)
			}
			if err := sink.Finalize(); err != nil {
				t.Fatal(err)
			}
			if got := readZip(t, buf.Bytes()); got["x.txt"] != "x" {
				t.Errorf("entries = %v", got)
			}
		})
	}
}
