package model

import (
	"fmt"
	"time"
)

// Hub is the root grouping of a workspace. Hubs are listed once per backup run.
type Hub struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Project belongs to exactly one hub.
type Project struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	HubID string `json:"hub_id"`
}

// NodeKind distinguishes folders from items in a project tree.
type NodeKind int

const (
	KindFolder NodeKind = iota
	KindItem
)

func (k NodeKind) String() string {
	switch k {
	case KindFolder:
		return "folder"
	case KindItem:
		return "item"
	default:
		return "unknown"
	}
}

func (k NodeKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *NodeKind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "folder":
		*k = KindFolder
	case "item":
		*k = KindItem
	default:
		return fmt.Errorf("unknown node kind %q", b)
	}
	return nil
}

// Node is a folder or an item inside a project.
// Folders have children; items have one or more versions.
type Node struct {
	ID   string   `json:"id"`
	Kind NodeKind `json:"kind"`
	Name string   `json:"name"` // display name, unsanitized
}

// Version is one stored revision of an item.
type Version struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`                   // display name
	FileName    string    `json:"file_name,omitempty"`    // attributes.name, may differ from the display name
	Number      int       `json:"number,omitempty"`       // version number, 0 when the API omits it
	DownloadURL string    `json:"download_url,omitempty"` // empty when the content cannot be downloaded
	CreatedAt   time.Time `json:"created_at,omitzero"`    // zero when unknown
}

// HasContent reports whether the version exposes a download URL.
func (v Version) HasContent() bool {
	return v.DownloadURL != ""
}
