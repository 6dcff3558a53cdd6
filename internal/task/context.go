package task

import (
	"strings"

	"github.com/VizierDB/web-api-async-sub004/internal/datastore"
)

// DatasetType marks a transparent dataset artifact. Any other artifact type
// denotes an opaque object.
const DatasetType = "application/dataset"

// ArtifactDescriptor identifies one version of a named artifact. Two
// descriptors with the same identifier denote the same artifact version.
type ArtifactDescriptor struct {
	Identifier   string `json:"id"`
	ArtifactType string `json:"type"`
}

// IsDataset reports whether the artifact is a transparent dataset.
func (d ArtifactDescriptor) IsDataset() bool {
	return d.ArtifactType == DatasetType
}

// Context is what a processor sees of the project it runs in. Processors
// only change project state through the stores.
type Context struct {
	ProjectID string                        `json:"projectId"`
	Datastore datastore.Datastore           `json:"-"`
	Filestore datastore.Filestore           `json:"-"`
	Artifacts map[string]ArtifactDescriptor `json:"artifacts,omitempty"`
	Resources map[string]any                `json:"resources,omitempty"`
}

// NewContext creates a context. Artifact names are stored lower-cased.
func NewContext(projectID string, artifacts map[string]ArtifactDescriptor) *Context {
	normalized := make(map[string]ArtifactDescriptor, len(artifacts))
	for name, d := range artifacts {
		normalized[strings.ToLower(name)] = d
	}
	return &Context{ProjectID: projectID, Artifacts: normalized}
}

// ContextFromIdentifiers rebuilds a context from the name to identifier
// form used on the wire. Names without a type are assumed to be datasets.
func ContextFromIdentifiers(projectID string, ids, types map[string]string) *Context {
	artifacts := make(map[string]ArtifactDescriptor, len(ids))
	for name, id := range ids {
		t := types[name]
		if t == "" {
			t = DatasetType
		}
		artifacts[name] = ArtifactDescriptor{Identifier: id, ArtifactType: t}
	}
	return NewContext(projectID, artifacts)
}

// Artifact resolves a name case-insensitively.
func (c *Context) Artifact(name string) (ArtifactDescriptor, bool) {
	if c == nil {
		return ArtifactDescriptor{}, false
	}
	if d, ok := c.Artifacts[name]; ok {
		return d, true
	}
	d, ok := c.Artifacts[strings.ToLower(name)]
	return d, ok
}

// Dataset resolves a dataset by name.
func (c *Context) Dataset(name string) (ArtifactDescriptor, error) {
	d, ok := c.Artifact(name)
	if !ok || !d.IsDataset() {
		return ArtifactDescriptor{}, &UnknownArtifactError{Kind: "dataset", Name: name}
	}
	return d, nil
}

// Object resolves a non-dataset artifact by name.
func (c *Context) Object(name string) (ArtifactDescriptor, error) {
	d, ok := c.Artifact(name)
	if !ok || d.IsDataset() {
		return ArtifactDescriptor{}, &UnknownArtifactError{Kind: "object", Name: name}
	}
	return d, nil
}

// Identifiers returns the name to identifier mapping.
func (c *Context) Identifiers() map[string]string {
	ids := make(map[string]string, len(c.Artifacts))
	for name, d := range c.Artifacts {
		ids[name] = d.Identifier
	}
	return ids
}

// ArtifactTypes returns the name to artifact type mapping.
func (c *Context) ArtifactTypes() map[string]string {
	types := make(map[string]string, len(c.Artifacts))
	for name, d := range c.Artifacts {
		types[name] = d.ArtifactType
	}
	return types
}

// WithStores returns a shallow copy bound to the given stores.
func (c *Context) WithStores(ds datastore.Datastore, fs datastore.Filestore) *Context {
	cp := *c
	cp.Datastore = ds
	cp.Filestore = fs
	return &cp
}
