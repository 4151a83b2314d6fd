package archive

import (
	"fmt"
	"io"

	"hb-go/internal/config"
	"hb-go/internal/hb"
)

// Supported container formats.
const (
	FormatZip   = "zip"
	FormatTarGz = "tar.gz"
)

// Factory builds sinks of one configured format.
type Factory struct {
	format string
	level  int
	clock  hb.Clock
}

var _ hb.SinkFactory = (*Factory)(nil)

// NewFactory creates a Factory from the archive configuration.
func NewFactory(cfg config.ArchiveConfig, clock hb.Clock) (*Factory, error) {
	format := cfg.ArchiveFormat()
	switch format {
	case FormatZip, FormatTarGz:
	default:
		return nil, fmt.Errorf("unknown archive format: %q", format)
	}
	level := cfg.CompressionLevel()
	if level < 1 || level > 9 {
		return nil, fmt.Errorf("compression level must be between 1 and 9, got %d", level)
	}
	return &Factory{format: format, level: level, clock: clock}, nil
}

// NewSink returns a streaming sink, or a buffered one wrapping it.
func (f *Factory) NewSink(w io.Writer, delivery hb.Delivery) (hb.Sink, error) {
	if delivery == hb.DeliverBuffered {
		return NewBuffered(w, f.stream), nil
	}
	return f.stream(w)
}

func (f *Factory) stream(w io.Writer) (hb.Sink, error) {
	modified := f.clock.Now()
	if f.format == FormatTarGz {
		return NewTarGzStream(w, f.level, modified)
	}
	return NewZipStream(w, f.level, modified), nil
}

// Extension returns the file extension for the configured format.
func (f *Factory) Extension() string {
	return f.format
}

// ContentType returns the MIME type for the configured format.
func (f *Factory) ContentType() string {
	if f.format == FormatTarGz {
		return "application/gzip"
	}
	return "application/zip"
}
