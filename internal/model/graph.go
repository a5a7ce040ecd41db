package model

import "time"

// Entity is a knowledge graph node. Record references are weak: the graph
// never owns record lifecycle, and deleting a record only removes the
// reference, never the entity.
type Entity struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Name      string    `json:"name"`
	RecordIDs []string  `json:"record_ids,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Relationship is a typed edge between two entities.
type Relationship struct {
	ID         string    `json:"id"`
	FromEntity string    `json:"from_entity"`
	ToEntity   string    `json:"to_entity"`
	Kind       string    `json:"kind"`
	Weight     float64   `json:"weight"`
	CreatedAt  time.Time `json:"created_at"`
}

// Subgraph is the result of a bounded graph traversal from a root entity.
type Subgraph struct {
	Root          string         `json:"root"`
	Depth         int            `json:"depth"`
	Entities      []Entity       `json:"entities"`
	Relationships []Relationship `json:"relationships"`
}

// Well-known entity types. The type field is open for extension; these are
// the ones enrichment produces.
const (
	EntityTypeFile    = "file"
	EntityTypeTag     = "tag"
	EntityTypeConcept = "concept"
)

// Relationship kinds.
const (
	RelatesTo   = "relates_to"
	Contradicts = "contradicts"
	DependsOn   = "depends_on"
	Refines     = "refines"
)

// ValidRelationKinds are the allowed relationship kinds.
var ValidRelationKinds = map[string]bool{
	RelatesTo:   true,
	Contradicts: true,
	DependsOn:   true,
	Refines:     true,
}
