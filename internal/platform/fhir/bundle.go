package fhir

import (
	"encoding/json"
	"time"
)

// Bundle represents a FHIR Bundle resource.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Meta         *Meta         `json:"meta,omitempty"`
	Identifier   *Identifier   `json:"identifier,omitempty"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Search   *BundleSearch   `json:"search,omitempty"`
}

type BundleSearch struct {
	Mode string `json:"mode,omitempty"`
}

// EnsureMeta returns the bundle's Meta, allocating it when absent.
func (b *Bundle) EnsureMeta() *Meta {
	if b.Meta == nil {
		b.Meta = &Meta{}
	}
	return b.Meta
}

// NewCollectionBundle creates a collection Bundle whose entries are the given
// pre-encoded resources, in order. Entries that are empty are skipped.
func NewCollectionBundle(id string, resources []json.RawMessage) *Bundle {
	now := time.Now().UTC()
	entries := make([]BundleEntry, 0, len(resources))
	for _, raw := range resources {
		if len(raw) == 0 {
			continue
		}
		entries = append(entries, BundleEntry{Resource: raw})
	}
	total := len(entries)
	return &Bundle{
		ResourceType: "Bundle",
		ID:           id,
		Type:         "collection",
		Total:        &total,
		Timestamp:    &now,
		Entry:        entries,
	}
}
