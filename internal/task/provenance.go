package task

import (
	"maps"
	"slices"
)

// Provenance records which artifacts a task read, wrote and deleted. A nil
// entry in Read or Write records that the name was referenced while no
// artifact existed for it.
type Provenance struct {
	Read      map[string]*string              `json:"read,omitempty"`
	Write     map[string]*ArtifactDescriptor `json:"write,omitempty"`
	Delete    []string                        `json:"delete,omitempty"`
	Resources map[string]any                  `json:"resources,omitempty"`
}

// RecordRead records a read of name. A nil id records a missing artifact.
func (p *Provenance) RecordRead(name string, id *string) {
	if p.Read == nil {
		p.Read = make(map[string]*string)
	}
	p.Read[name] = id
}

// RecordWrite records a write of name. A nil descriptor records that the
// name no longer refers to an artifact.
func (p *Provenance) RecordWrite(name string, d *ArtifactDescriptor) {
	if p.Write == nil {
		p.Write = make(map[string]*ArtifactDescriptor)
	}
	p.Write[name] = d
}

// RecordDelete records the deletion of name.
func (p *Provenance) RecordDelete(name string) {
	if slices.Contains(p.Delete, name) {
		return
	}
	p.Delete = append(p.Delete, name)
}

// IsEmpty reports whether nothing was recorded.
func (p Provenance) IsEmpty() bool {
	return len(p.Read) == 0 && len(p.Write) == 0 && len(p.Delete) == 0 && len(p.Resources) == 0
}

// Names returns every artifact name referenced, sorted.
func (p Provenance) Names() []string {
	set := make(map[string]struct{}, len(p.Read)+len(p.Write)+len(p.Delete))
	for name := range p.Read {
		set[name] = struct{}{}
	}
	for name := range p.Write {
		set[name] = struct{}{}
	}
	for _, name := range p.Delete {
		set[name] = struct{}{}
	}
	return slices.Sorted(maps.Keys(set))
}
