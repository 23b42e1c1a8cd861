// Package storage provides the durable key-value layer behind coigraph.
//
// The graph journal, the finding repository and the review state all persist
// through the KV interface defined here. Two implementations are provided:
//   - Badger: persistent disk storage using BadgerDB
//   - Memory: in-process map for tests and ephemeral runs
//
// Keys follow a single-byte prefix scheme so that each consumer owns a
// disjoint key range and can scan it in order:
//
//	0x01 + big-endian version         -> graph batch (journal)
//	0x02 + findingID                  -> finding
//	0x03 + findingID                  -> review record
//	0x04 + entityID + 0x00 + noteID   -> entity annotation
//	0x05 + name                       -> detector metadata
//
// Example Usage:
//
//	kv, err := storage.OpenBadger(storage.BadgerOptions{DataDir: "./data"})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer kv.Close()
//
//	key := storage.Key(storage.PrefixFinding, "f-123")
//	if err := storage.PutJSON(kv, key, finding); err != nil {
//		return err
//	}
package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// Common errors
var (
	ErrNotFound      = errors.New("not found")
	ErrStorageClosed = errors.New("storage closed")
	ErrInvalidKey    = errors.New("invalid key")
)

// Key prefixes. Single bytes keep keys short and ranges disjoint.
const (
	PrefixJournal    = byte(0x01)
	PrefixFinding    = byte(0x02)
	PrefixReview     = byte(0x03)
	PrefixAnnotation = byte(0x04)
	PrefixMeta       = byte(0x05)
)

// KV is the minimal ordered key-value store used by coigraph.
//
// Implementations MUST be safe for concurrent use and MUST iterate keys in
// ascending byte order, since the journal relies on big-endian version keys
// replaying in commit order.
type KV interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error

	// Iterate calls fn for every key with the given prefix, in key order.
	// Returning an error from fn stops iteration and is returned.
	Iterate(prefix []byte, fn func(key, value []byte) error) error

	// Update applies all writes made through w atomically.
	Update(fn func(w Writer) error) error

	Close() error
}

// Writer collects writes inside an Update.
type Writer interface {
	Put(key, value []byte) error
	Delete(key []byte) error
}

// Key builds a prefixed key from string parts separated by 0x00.
func Key(prefix byte, parts ...string) []byte {
	size := 1
	for _, p := range parts {
		size += len(p) + 1
	}
	key := make([]byte, 0, size)
	key = append(key, prefix)
	for i, p := range parts {
		if i > 0 {
			key = append(key, 0x00)
		}
		key = append(key, p...)
	}
	return key
}

// PrefixKey builds a scan prefix: the parts followed by a trailing separator,
// so that "a" does not also match "ab".
func PrefixKey(prefix byte, parts ...string) []byte {
	if len(parts) == 0 {
		return []byte{prefix}
	}
	return append(Key(prefix, parts...), 0x00)
}

// Uint64Key builds prefix + big-endian n. Big-endian keys sort numerically.
func Uint64Key(prefix byte, n uint64) []byte {
	key := make([]byte, 9)
	key[0] = prefix
	binary.BigEndian.PutUint64(key[1:], n)
	return key
}

// DecodeUint64Key is the inverse of Uint64Key.
func DecodeUint64Key(key []byte) (uint64, error) {
	if len(key) != 9 {
		return 0, fmt.Errorf("%w: want 9 bytes, got %d", ErrInvalidKey, len(key))
	}
	return binary.BigEndian.Uint64(key[1:]), nil
}

// KeyParts splits a Key back into its string parts.
func KeyParts(key []byte) []string {
	if len(key) < 1 {
		return nil
	}
	raw := bytes.Split(key[1:], []byte{0x00})
	parts := make([]string, len(raw))
	for i, p := range raw {
		parts[i] = string(p)
	}
	return parts
}

// PutJSON marshals v and stores it under key.
func PutJSON(kv KV, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %x: %w", key, err)
	}
	return kv.Put(key, data)
}

// GetJSON loads key and unmarshals it into v.
func GetJSON(kv KV, key []byte, v any) error {
	data, err := kv.Get(key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding %x: %w", key, err)
	}
	return nil
}
