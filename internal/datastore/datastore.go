// Package datastore defines the project-scoped artifact stores processors
// read and write, and a file-backed implementation of them.
package datastore

import "context"

// Column describes one dataset column.
type Column struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

// Dataset is a transparent tabular artifact.
type Dataset struct {
	ID      string   `json:"id"`
	Columns []Column `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// ColumnNames returns the column names in order.
func (d *Dataset) ColumnNames() []string {
	names := make([]string, len(d.Columns))
	for i, c := range d.Columns {
		names[i] = c.Name
	}
	return names
}

// Object is an opaque artifact.
type Object struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Value []byte `json:"value"`
}

// File is an uploaded file.
type File struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size"`
	Path     string `json:"-"`
}

// Datastore resolves and creates dataset and object versions. Artifacts are
// immutable once created; writes always create new identifiers.
type Datastore interface {
	GetDataset(ctx context.Context, id string) (*Dataset, error)
	CreateDataset(ctx context.Context, columns []Column, rows [][]any) (*Dataset, error)
	DeleteDataset(ctx context.Context, id string) error
	GetObject(ctx context.Context, id string) (*Object, error)
	CreateObject(ctx context.Context, objectType string, value []byte) (*Object, error)
}

// Filestore resolves uploaded files.
type Filestore interface {
	GetFile(ctx context.Context, id string) (*File, error)
}

// Factory opens the stores of a project.
type Factory interface {
	Datastore(projectID string) (Datastore, error)
	Filestore(projectID string) (Filestore, error)
}
