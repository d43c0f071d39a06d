// Package blob stores the pipeline's small JSON documents: per-feed
// watermarks and heatmap scan results. Overwrite semantics; keys are
// slash-separated paths like "watermarks/demo.json".
package blob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a key has no blob.
var ErrNotFound = errors.New("blob not found")

// Store is the object-storage contract.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
}

// WatermarkKey returns the blob key for a feed's watermark document.
func WatermarkKey(feed string) string {
	return fmt.Sprintf("watermarks/%s.json", feed)
}

// HeatmapKey returns the blob key for a feed's heatmap result. name is a run
// id or "preview".
func HeatmapKey(feed, name string) string {
	return fmt.Sprintf("heatmaps/%s/%s.json", feed, name)
}

// GetJSON fetches key and unmarshals it into out.
func GetJSON(ctx context.Context, s Store, key string, out interface{}) error {
	data, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode blob %s: %w", key, err)
	}
	return nil
}

// PutJSON marshals v and writes it at key.
func PutJSON(ctx context.Context, s Store, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode blob %s: %w", key, err)
	}
	return s.Put(ctx, key, data)
}
