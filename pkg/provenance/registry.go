package provenance

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Registry holds the per-execution taint map: metadata by ID plus the
// content-digest index used for primitives, which cannot carry a
// back-reference property.
type Registry struct {
	byID     map[string]*Metadata
	byDigest map[string]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byID: map[string]*Metadata{}, byDigest: map[string]string{}}
}

// Register stores metadata, allocating an ID when absent, and returns it.
func (r *Registry) Register(md *Metadata) *Metadata {
	if md.ID == "" {
		md.ID = "prov_" + uuid.NewString()[:12]
	}
	r.byID[md.ID] = md
	return md
}

// TagDigest indexes a primitive's content digest to existing metadata.
func (r *Registry) TagDigest(digest, metadataID string) {
	if _, ok := r.byID[metadataID]; ok {
		r.byDigest[digest] = metadataID
	}
}

// ByID returns metadata by ID.
func (r *Registry) ByID(id string) (*Metadata, bool) {
	md, ok := r.byID[id]
	return md, ok
}

// ByDigest returns the metadata indexed under a primitive content digest.
func (r *Registry) ByDigest(digest string) (*Metadata, bool) {
	id, ok := r.byDigest[digest]
	if !ok {
		return nil, false
	}
	return r.ByID(id)
}

// TaintedDigests returns every digest currently indexed, for the transformer's
// literal-site instrumentation.
func (r *Registry) TaintedDigests() map[string]bool {
	out := make(map[string]bool, len(r.byDigest))
	for d := range r.byDigest {
		out[d] = true
	}
	return out
}

type registrySnapshot struct {
	Metadata map[string]*Metadata `json:"metadata"`
	Digests  map[string]string    `json:"digests"`
}

// Snapshot serializes the registry for the durable execution record.
func (r *Registry) Snapshot() (json.RawMessage, error) {
	return json.Marshal(registrySnapshot{Metadata: r.byID, Digests: r.byDigest})
}

// RestoreRegistry rebuilds a registry from a snapshot. A nil snapshot yields
// an empty registry.
func RestoreRegistry(raw json.RawMessage) (*Registry, error) {
	r := NewRegistry()
	if len(raw) == 0 {
		return r, nil
	}
	var snap registrySnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, err
	}
	if snap.Metadata != nil {
		r.byID = snap.Metadata
	}
	if snap.Digests != nil {
		r.byDigest = snap.Digests
	}
	return r, nil
}
