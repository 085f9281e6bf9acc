// Package archive stores cold audit-log objects. An object is written once
// and its existence is confirmed before any hot row referencing it is marked
// archived or purged.
package archive

import (
	"context"
	stderrors "errors"
	"hash/crc32"
)

// ErrNotExist is returned by Stat when the object is missing.
var ErrNotExist = stderrors.New("archive object does not exist")

// ObjectInfo describes a stored object. CRC32C uses the Castagnoli table, as
// GCS does.
type ObjectInfo struct {
	Name   string
	Size   int64
	CRC32C uint32
}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Describe returns the ObjectInfo data would have once stored as name.
func Describe(name string, data []byte) ObjectInfo {
	return ObjectInfo{Name: name, Size: int64(len(data)), CRC32C: crc32.Checksum(data, castagnoli)}
}

// SameContent reports whether two descriptions agree on size and checksum.
func (i ObjectInfo) SameContent(o ObjectInfo) bool {
	return i.Size == o.Size && i.CRC32C == o.CRC32C
}

// Sink is a write-once object store.
type Sink interface {
	Put(ctx context.Context, name string, data []byte, contentType string) error
	Stat(ctx context.Context, name string) (ObjectInfo, error)
	Get(ctx context.Context, name string) ([]byte, error)
}
