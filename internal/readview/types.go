package readview

import "time"

// Concept is one node of the knowledge graph: a piece of content paired
// with its dense embedding and temporal-strength bookkeeping.
type Concept struct {
	ID         string // 16 hex chars
	Content    string // <= 1 MiB UTF-8
	Embedding  []float32
	Strength   float32 // [0,1], non-decreasing on relearn
	Confidence float32 // [0,1], replaced on update
	Metadata   ConceptMetadata
}

// ConceptMetadata carries the descriptive fields that do not participate
// in similarity search or decay.
type ConceptMetadata struct {
	ConceptType    string
	OrganizationID string
	Tags           []string
	Attributes     map[string]string
	CreatedAt      time.Time
	LastAccessed   time.Time
}

// Association is a typed, directed, weighted edge between two concepts.
type Association struct {
	SourceID   string
	TargetID   string
	AssocType  uint32
	Confidence float32
}

// Edge is the adjacency-list representation of an Association as stored
// in a View's OutEdges, omitting SourceID since it is the map key.
type Edge struct {
	TargetID   string
	AssocType  uint32
	Confidence float32
}

// BuildMaps turns a flat concept/association snapshot into the map shape
// a View (or Store.Seed/Publish) expects, shared by the reconciler's
// publish path and the engine's startup recovery path so both build
// OutEdges the same way.
func BuildMaps(concepts []*Concept, assocs []Association) (map[string]*Concept, map[string][]Edge) {
	conceptMap := make(map[string]*Concept, len(concepts))
	for _, c := range concepts {
		conceptMap[c.ID] = c
	}
	outEdges := make(map[string][]Edge, len(concepts))
	for _, a := range assocs {
		outEdges[a.SourceID] = append(outEdges[a.SourceID], Edge{
			TargetID:   a.TargetID,
			AssocType:  a.AssocType,
			Confidence: a.Confidence,
		})
	}
	return conceptMap, outEdges
}
