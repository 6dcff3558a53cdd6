package datastore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/VizierDB/web-api-async-sub004/internal/apperrors"
)

func TestFS_DatasetLifecycle(t *testing.T) {
	t.Parallel()
	fs, err := NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("NewFS failed: %v", err)
	}
	store, err := fs.Datastore("project-1")
	if err != nil {
		t.Fatalf("Datastore failed: %v", err)
	}
	ctx := context.Background()

	columns := []Column{{ID: 0, Name: "name"}, {ID: 1, Name: "age", Type: "int"}}
	created, err := store.CreateDataset(ctx, columns, [][]any{{"alice", 23.0}, {"bob", 31.0}})
	if err != nil {
		t.Fatalf("CreateDataset failed: %v", err)
	}
	if _, err := uuid.Parse(created.ID); err != nil {
		t.Errorf("Expected UUID identifier, got %q", created.ID)
	}

	loaded, err := store.GetDataset(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetDataset failed: %v", err)
	}
	if len(loaded.Rows) != 2 || loaded.Rows[1][0] != "bob" {
		t.Errorf("Unexpected rows: %v", loaded.Rows)
	}
	if names := loaded.ColumnNames(); len(names) != 2 || names[1] != "age" {
		t.Errorf("Unexpected columns: %v", names)
	}

	if err := store.DeleteDataset(ctx, created.ID); err != nil {
		t.Fatalf("DeleteDataset failed: %v", err)
	}
	if _, err := store.GetDataset(ctx, created.ID); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Expected not found after delete, got %v", err)
	}
	if err := store.DeleteDataset(ctx, created.ID); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Expected not found on second delete, got %v", err)
	}
}

func TestFS_RejectsUnsafeIdentifiers(t *testing.T) {
	t.Parallel()
	fs, _ := NewFS(t.TempDir())

	if _, err := fs.Datastore("../escape"); !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("Expected validation error for project, got %v", err)
	}

	store, _ := fs.Datastore("p")
	if _, err := store.GetDataset(context.Background(), "../../etc/passwd"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Expected not found for non-UUID id, got %v", err)
	}
}

func TestFS_ObjectsAndFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	fs, _ := NewFS(dir)
	ctx := context.Background()

	store, _ := fs.Datastore("p")
	obj, err := store.CreateObject(ctx, "application/json", []byte(`{"k":1}`))
	if err != nil {
		t.Fatalf("CreateObject failed: %v", err)
	}
	loaded, err := store.GetObject(ctx, obj.ID)
	if err != nil {
		t.Fatalf("GetObject failed: %v", err)
	}
	if string(loaded.Value) != `{"k":1}` || loaded.Type != "application/json" {
		t.Errorf("Unexpected object: %+v", loaded)
	}

	fileID := uuid.NewString()
	filesDir := filepath.Join(dir, "p", "files")
	if err := os.MkdirAll(filesDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(filesDir, fileID), []byte("a,b\n1,2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(filesDir, fileID+".json"), []byte(`{"name":"data.csv","mimeType":"text/csv"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	files, _ := fs.Filestore("p")
	f, err := files.GetFile(ctx, fileID)
	if err != nil {
		t.Fatalf("GetFile failed: %v", err)
	}
	if f.Name != "data.csv" || f.MimeType != "text/csv" || f.Size != 8 {
		t.Errorf("Unexpected file: %+v", f)
	}
}
