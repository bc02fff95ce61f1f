// Package refstore holds reference binaries keyed by their content address.
package refstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const idPrefix = "sha256:"

var (
	// ErrNotFound is returned when no blob exists for an id.
	ErrNotFound = errors.New("reference not found")
	// ErrInvalidID is returned for ids that are not sha256:<64 hex>.
	ErrInvalidID = errors.New("invalid reference id")
)

// Store is a content-addressed blob store.
type Store interface {
	// Put stores data and returns its id. Storing the same bytes twice is
	// a no-op that returns the same id.
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, id string) ([]byte, error)
	Exists(ctx context.Context, id string) (bool, error)
	Delete(ctx context.Context, id string) error
}

// IDFor returns the content address of data.
func IDFor(data []byte) string {
	sum := sha256.Sum256(data)
	return idPrefix + hex.EncodeToString(sum[:])
}

// parseID returns the lowercase hex digest of id.
func parseID(id string) (string, error) {
	digest, ok := strings.CutPrefix(id, idPrefix)
	if !ok || len(digest) != sha256.Size*2 {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	digest = strings.ToLower(digest)
	if _, err := hex.DecodeString(digest); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return digest, nil
}

// ValidID reports whether id is a well-formed content address.
func ValidID(id string) bool {
	_, err := parseID(id)
	return err == nil
}
