// Package overrides persists the per-workflow override documents.
package overrides

import (
	"context"
	"fmt"
	"time"

	"github.com/pitabwire/hoa/model"
)

// Repository stores one override document per workflow key. Documents are
// read and replaced as a unit; there is no field-level persistence.
type Repository interface {
	// Get returns the stored document for workflowKey. A workflow that has
	// never been saved yields an empty document at version 0.
	Get(ctx context.Context, workflowKey string) (model.OverrideDocument, error)

	// Replace atomically stores doc as the full override set for
	// doc.WorkflowKey and returns the authoritative stored document with its
	// version incremented and UpdatedAt set.
	//
	// A zero doc.Version means last write wins. A non-zero version must
	// equal the stored version or Replace returns CONFLICT.
	Replace(ctx context.Context, doc model.OverrideDocument) (model.OverrideDocument, error)
}

// nextVersion prepares doc for storage on top of a stored document at
// version current.
func nextVersion(doc model.OverrideDocument, current int64, now time.Time) (model.OverrideDocument, error) {
	if doc.WorkflowKey == "" {
		return model.OverrideDocument{}, model.NewBadRequestError("override document has no workflow_key")
	}
	if doc.Version != 0 && doc.Version != current {
		return model.OverrideDocument{}, model.NewConflictError(fmt.Sprintf(
			"overrides for workflow %q changed since they were loaded (expected version %d, stored %d)",
			doc.WorkflowKey, doc.Version, current,
		))
	}

	out := doc.Clone()
	out.Version = current + 1
	ts := now.UTC()
	out.UpdatedAt = &ts
	return out, nil
}
