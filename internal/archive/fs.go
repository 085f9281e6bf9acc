package archive

import (
	"context"
	stderrors "errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pesio-ai/be-pm-approvals/pkg/errors"
)

// FSSink stores archive objects as files under a root directory. It is used
// for local runs and tests.
type FSSink struct {
	root string
}

// NewFSSink creates root if needed.
func NewFSSink(root string) (*FSSink, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to create archive dir")
	}
	return &FSSink{root: root}, nil
}

func (s *FSSink) path(name string) string {
	return filepath.Join(s.root, filepath.FromSlash(name))
}

// Put writes the object through a temp file and rename so a partial
// object is never visible. An existing object is never overwritten.
func (s *FSSink) Put(_ context.Context, name string, data []byte, _ string) error {
	dst := s.path(name)
	if _, err := os.Stat(dst); err == nil {
		return errors.Newf(errors.ErrCodeConflict, "archive object %s already exists", name)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create archive dir")
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, fmt.Sprintf("failed to create archive object %s", name))
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, errors.ErrCodeInternal, fmt.Sprintf("failed to write archive object %s", name))
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, errors.ErrCodeInternal, fmt.Sprintf("failed to sync archive object %s", name))
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, fmt.Sprintf("failed to close archive object %s", name))
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, fmt.Sprintf("failed to publish archive object %s", name))
	}
	return nil
}

// Stat reads the object to checksum it.
func (s *FSSink) Stat(_ context.Context, name string) (ObjectInfo, error) {
	data, err := os.ReadFile(s.path(name))
	if stderrors.Is(err, fs.ErrNotExist) {
		return ObjectInfo{}, ErrNotExist
	}
	if err != nil {
		return ObjectInfo{}, errors.Wrap(err, errors.ErrCodeInternal, fmt.Sprintf("failed to stat archive object %s", name))
	}
	return Describe(name, data), nil
}

func (s *FSSink) Get(_ context.Context, name string) ([]byte, error) {
	data, err := os.ReadFile(s.path(name))
	if stderrors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotExist
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, fmt.Sprintf("failed to read archive object %s", name))
	}
	return data, nil
}
