// Package storage defines where uploaded and processed images live.
//
// A ref is a slash-separated key relative to the backend root, such as
// "uploads/cat.png" or "processed/job_.../1/processed_cat.png". Refs
// never escape the root.
package storage

import (
	"context"
	"errors"
	"mime"
	"path"
	"strings"
)

// ErrNotFound is returned by Get when no object exists at the ref.
var ErrNotFound = errors.New("storage: object not found")

// ErrInvalidRef is returned for refs that are empty, absolute, or climb out
// of the root.
var ErrInvalidRef = errors.New("storage: invalid ref")

// Storage reads and writes whole objects.
type Storage interface {
	// Get returns the object at ref, or ErrNotFound.
	Get(ctx context.Context, ref string) ([]byte, error)

	// Put writes data at ref, replacing any existing object. Writing the
	// same bytes to the same ref twice is harmless.
	Put(ctx context.Context, ref string, data []byte) error

	// Delete removes the object at ref. Deleting a missing object is not
	// an error.
	Delete(ctx context.Context, ref string) error
}

// CleanRef normalizes ref and rejects refs outside the root.
func CleanRef(ref string) (string, error) {
	if ref == "" || strings.HasPrefix(ref, "/") || strings.Contains(ref, "\\") {
		return "", ErrInvalidRef
	}
	cleaned := path.Clean(ref)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", ErrInvalidRef
	}
	return cleaned, nil
}

// ContentType guesses the MIME type of ref from its extension.
func ContentType(ref string) string {
	if ct := mime.TypeByExtension(strings.ToLower(path.Ext(ref))); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
