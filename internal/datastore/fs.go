package datastore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"

	"github.com/google/uuid"

	"github.com/VizierDB/web-api-async-sub004/internal/apperrors"
)

var projectIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// FS stores each project's artifacts as JSON documents under
// <dir>/<project>. The directory may be shared between the engine, its
// sidecars and queue workers.
type FS struct {
	dir string
}

// NewFS creates a file-backed store factory rooted at dir.
func NewFS(dir string) (*FS, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create datastore directory: %w", err)
	}
	return &FS{dir: dir}, nil
}

// Datastore returns the dataset and object store of a project.
func (f *FS) Datastore(projectID string) (Datastore, error) {
	dir, err := f.projectDir(projectID)
	if err != nil {
		return nil, err
	}
	return &fsDatastore{dir: dir}, nil
}

// Filestore returns the file store of a project.
func (f *FS) Filestore(projectID string) (Filestore, error) {
	dir, err := f.projectDir(projectID)
	if err != nil {
		return nil, err
	}
	return &fsFilestore{dir: filepath.Join(dir, "files")}, nil
}

func (f *FS) projectDir(projectID string) (string, error) {
	if !projectIDPattern.MatchString(projectID) {
		return "", apperrors.Validation("projectId", fmt.Sprintf("invalid project ID %q", projectID))
	}
	return filepath.Join(f.dir, projectID), nil
}

type fsDatastore struct {
	dir string
}

func (s *fsDatastore) GetDataset(ctx context.Context, id string) (*Dataset, error) {
	var ds Dataset
	if err := s.read("datasets", id, &ds); err != nil {
		return nil, err
	}
	return &ds, nil
}

func (s *fsDatastore) CreateDataset(ctx context.Context, columns []Column, rows [][]any) (*Dataset, error) {
	ds := &Dataset{ID: uuid.NewString(), Columns: columns, Rows: rows}
	if ds.Rows == nil {
		ds.Rows = [][]any{}
	}
	if err := s.write("datasets", ds.ID, ds); err != nil {
		return nil, err
	}
	slog.Debug("Created dataset", "id", ds.ID, "rows", len(rows))
	return ds, nil
}

func (s *fsDatastore) DeleteDataset(ctx context.Context, id string) error {
	path, err := s.path("datasets", id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return apperrors.NotFound("dataset", id)
		}
		return fmt.Errorf("failed to delete dataset: %w", err)
	}
	return nil
}

func (s *fsDatastore) GetObject(ctx context.Context, id string) (*Object, error) {
	var obj Object
	if err := s.read("objects", id, &obj); err != nil {
		return nil, err
	}
	return &obj, nil
}

func (s *fsDatastore) CreateObject(ctx context.Context, objectType string, value []byte) (*Object, error) {
	obj := &Object{ID: uuid.NewString(), Type: objectType, Value: value}
	if err := s.write("objects", obj.ID, obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// path rejects identifiers that are not UUIDs so ids never escape the
// project directory.
func (s *fsDatastore) path(kind, id string) (string, error) {
	if _, err := uuid.Parse(id); err != nil {
		return "", apperrors.NotFound(kind[:len(kind)-1], id)
	}
	return filepath.Join(s.dir, kind, id+".json"), nil
}

func (s *fsDatastore) read(kind, id string, v any) error {
	path, err := s.path(kind, id)
	if err != nil {
		return err
	}
	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return apperrors.NotFound(kind[:len(kind)-1], id)
		}
		return fmt.Errorf("failed to read %s: %w", kind, err)
	}
	if err := json.Unmarshal(content, v); err != nil {
		return fmt.Errorf("failed to decode %s %s: %w", kind, id, err)
	}
	return nil
}

func (s *fsDatastore) write(kind, id string, v any) error {
	path, err := s.path(kind, id)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	content, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", kind, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", kind, err)
	}
	return os.Rename(tmp, path)
}

type fsFilestore struct {
	dir string
}

// GetFile resolves <dir>/<id>, with optional metadata in <dir>/<id>.json.
func (s *fsFilestore) GetFile(ctx context.Context, id string) (*File, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, apperrors.NotFound("file", id)
	}
	path := filepath.Join(s.dir, id)
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, apperrors.NotFound("file", id)
		}
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	f := &File{ID: id, Name: id, Size: info.Size(), Path: path}
	if meta, err := os.ReadFile(path + ".json"); err == nil {
		_ = json.Unmarshal(meta, f)
		f.ID, f.Size, f.Path = id, info.Size(), path
	}
	return f, nil
}

var (
	_ Factory   = (*FS)(nil)
	_ Datastore = (*fsDatastore)(nil)
	_ Filestore = (*fsFilestore)(nil)
)
