package store

import "errors"

var (
	// ErrEmptyURL indicates a URL parameter is missing or empty
	ErrEmptyURL = errors.New("empty_url")

	// ErrNotFound indicates no row matches the requested ID
	ErrNotFound = errors.New("download_not_found")
)
