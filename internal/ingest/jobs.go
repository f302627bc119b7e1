package ingest

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/kalambet/folio/internal/entities"
	"github.com/kalambet/folio/internal/storage"
)

// JobExtractEntities is the queue type for entity extraction jobs.
const JobExtractEntities = "extract_entities"

// ExtractPayload names the text to extract mentions from. RevisionID is
// the revision charged for extraction usage; for revision sources it equals
// SourceID.
type ExtractPayload struct {
	SourceKind entities.SourceKind `json:"source_kind"`
	SourceID   string              `json:"source_id"`
	RevisionID string              `json:"revision_id,omitempty"`
}

// NewExtractJob builds a pending extraction job for a revision.
func NewExtractJob(revisionID string) (storage.Job, error) {
	payload, err := json.Marshal(ExtractPayload{
		SourceKind: entities.SourceRevision,
		SourceID:   revisionID,
		RevisionID: revisionID,
	})
	if err != nil {
		return storage.Job{}, fmt.Errorf("marshalling extract payload: %w", err)
	}
	return storage.Job{
		ID:          uuid.New().String(),
		Type:        JobExtractEntities,
		PayloadJSON: string(payload),
	}, nil
}
