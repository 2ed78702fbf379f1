// Package docstore is the typed gateway to the document database. Every call
// is atomic on a single document; multi-document sequences are ordered by the
// caller and must tolerate partial application.
package docstore

import (
	"context"
	"errors"
)

// Collection names used by the platform.
const (
	Organizations    = "organizations"
	Users            = "users"
	Federations      = "data-federations"
	FederationInvite = "data-federation-invites"
	Datasets         = "datasets"
	DatasetVersions  = "dataset-versions"
	DataModels       = "data-models"
	DataModelVersion = "data-model-versions"
	SCNs             = "secure-computation-node"
	Provisions       = "data-federation-provisions"
	CommentChains    = "comment-chain"

	// SystemFlags holds singleton claim documents used for compare-and-set
	// on platform-wide invariants (for example the single SAIL_ADMIN).
	SystemFlags = "system-flags"
)

// ErrNoDocuments is returned by FindOne when nothing matches.
var ErrNoDocuments = errors.New("docstore: no documents")

// Query selects documents by field equality. Values may be nested maps, in
// which case array fields match when any element satisfies the sub-query. A
// nil value matches a missing or null field.
type Query map[string]any

// Ops describes an atomic update. Only non-nil groups are applied.
type Ops struct {
	Set  map[string]any
	Push map[string]any
	Pull map[string]any
	Inc  map[string]any
}

// UpdateResult reports how many documents an update matched and modified.
// Compare-and-set callers race on Matched==0 and must re-read.
type UpdateResult struct {
	Matched  int64
	Modified int64
}

// Store is the persistence surface shared by every subsystem.
type Store interface {
	Insert(ctx context.Context, collection string, doc any) error
	FindOne(ctx context.Context, collection string, q Query, out any) error
	Find(ctx context.Context, collection string, q Query, out any) error
	UpdateOne(ctx context.Context, collection string, q Query, ops Ops) (UpdateResult, error)
	UpdateMany(ctx context.Context, collection string, q Query, ops Ops) (UpdateResult, error)
	Delete(ctx context.Context, collection string, q Query) (int64, error)
	DropAll(ctx context.Context) error
}

// IsEmpty reports whether the update would be a no-op.
func (o Ops) IsEmpty() bool {
	return len(o.Set) == 0 && len(o.Push) == 0 && len(o.Pull) == 0 && len(o.Inc) == 0
}
