// Package storage abstracts where object bytes live. The rest of the system
// only sees opaque ids and locations, so local disk and S3 are
// interchangeable.
package storage

import "io"

// Backend stores and retrieves object bytes under opaque ids. Save returns a
// location string that is later passed back to Open and Delete; for the
// local backend it is an absolute path, for S3 it is the object key.
type Backend interface {
	Save(id string, r io.Reader) (string, error)
	Open(location string) (io.ReadCloser, error)
	Delete(location string) error
}
