package hb

import (
	"errors"
	"io"
)

// ErrEntryAborted is wrapped by Sink.AddEntry errors that affected only the
// entry being added; the sink remains usable.
var ErrEntryAborted = errors.New("entry aborted")

// ErrEntryTruncated is wrapped alongside ErrEntryAborted when the aborted
// entry could not be taken back out of the container: a short (or, for tar,
// zero-padded) entry remains under its path.
var ErrEntryTruncated = errors.New("entry truncated")

// Sink accumulates named entries into one archive container.
// A Sink is not safe for concurrent use; the walker serializes appends.
type Sink interface {
	// AddEntry appends a file entry whose content is read from r.
	// size is the number of bytes r will yield, or -1 when unknown.
	AddEntry(path string, r io.Reader, size int64) error

	// AddDirectoryMarker appends an empty directory entry.
	AddDirectoryMarker(path string) error

	// Finalize completes the container. It must be called exactly once.
	Finalize() error
}

// Delivery selects how the finished archive reaches its consumer.
type Delivery int

const (
	// DeliverStreaming writes compressed bytes to the output as entries arrive.
	DeliverStreaming Delivery = iota

	// DeliverBuffered holds every entry in memory and writes the whole
	// container to the output on Finalize.
	DeliverBuffered
)

func (d Delivery) String() string {
	if d == DeliverBuffered {
		return "buffered"
	}
	return "stream"
}

// ParseDelivery maps a config value to a Delivery. Unknown values stream.
func ParseDelivery(s string) Delivery {
	if s == "buffered" {
		return DeliverBuffered
	}
	return DeliverStreaming
}

// SinkFactory builds a Sink writing to w for the given delivery.
type SinkFactory interface {
	NewSink(w io.Writer, delivery Delivery) (Sink, error)

	// Extension is the file extension of produced archives, e.g. "zip".
	Extension() string

	// ContentType is the MIME type of produced archives.
	ContentType() string
}
