package store

import (
	"bytes"
	"fmt"

	"github.com/roach88/syncvault/internal/canon"
	"github.com/roach88/syncvault/internal/ident"
	"github.com/roach88/syncvault/internal/trustedtime"
)

// Metadata is the synced part of an item's metadata.
type Metadata struct {
	// ContentHash is recorded for files and checked against the bytes on
	// every read. Containers leave it empty; their hash is always derived.
	ContentHash canon.Hash              `json:"content_hash,omitempty"`
	CreatedAt   trustedtime.TrustedTime `json:"created_at"`
	UpdatedAt   trustedtime.TrustedTime `json:"updated_at"`
	DynamicName string                  `json:"dynamic_name,omitempty"`
}

// Equal reports whether two metadata values encode identically.
func (m Metadata) Equal(other Metadata) bool {
	return canon.Equal(m.toValue(), other.toValue())
}

func (m Metadata) toValue() canon.Object {
	obj := canon.Object{}
	if m.ContentHash != "" {
		obj["content_hash"] = canon.String(m.ContentHash)
	}
	if !m.CreatedAt.IsZero() {
		obj["created_at"] = m.CreatedAt.ToValue()
	}
	if !m.UpdatedAt.IsZero() {
		obj["updated_at"] = m.UpdatedAt.ToValue()
	}
	if m.DynamicName != "" {
		obj["dynamic_name"] = canon.String(m.DynamicName)
	}
	return obj
}

func metadataFromValue(v canon.Value) (Metadata, error) {
	obj, ok := v.(canon.Object)
	if !ok {
		return Metadata{}, fmt.Errorf("metadata: expected object, got %T", v)
	}
	var m Metadata
	if s, ok := obj["content_hash"].(canon.String); ok {
		m.ContentHash = canon.Hash(s)
	}
	if s, ok := obj["dynamic_name"].(canon.String); ok {
		m.DynamicName = string(s)
	}
	var err error
	if tv, ok := obj["created_at"]; ok {
		if m.CreatedAt, err = trustedtime.FromValue(tv); err != nil {
			return Metadata{}, fmt.Errorf("metadata created_at: %w", err)
		}
	}
	if tv, ok := obj["updated_at"]; ok {
		if m.UpdatedAt, err = trustedtime.FromValue(tv); err != nil {
			return Metadata{}, fmt.Errorf("metadata updated_at: %w", err)
		}
	}
	return m, nil
}

// marshalMetadata converts Metadata to canonical JSON TEXT for storage.
func marshalMetadata(m Metadata) (string, error) {
	data, err := canon.MarshalCanonical(m.toValue())
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	return string(data), nil
}

// unmarshalMetadata parses canonical JSON TEXT to Metadata.
func unmarshalMetadata(data string) (Metadata, error) {
	if data == "" || data == "{}" {
		return Metadata{}, nil
	}
	v, err := canon.UnmarshalValue([]byte(data))
	if err != nil {
		return Metadata{}, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return metadataFromValue(v)
}

// LocalMetadata holds device-local fields that are never synced or persisted.
type LocalMetadata struct {
	CachedHash    canon.Hash
	HasCachedHash bool
}

// Record is the persisted form of one item.
type Record struct {
	Kind    ident.Kind
	Deleted bool
	Data    []byte
	Meta    Metadata
}

func (r Record) clone() Record {
	r.Data = bytes.Clone(r.Data)
	return r
}

// Child is one entry of a container listing, tombstones included.
type Child struct {
	ID      ident.SyncableID
	Deleted bool
}

// Item is a live item as returned by Store.Get.
type Item struct {
	Path  ident.Path
	Kind  ident.Kind
	Data  []byte
	Meta  Metadata
	Local LocalMetadata
}
