// Package datamodel is the data-model registry: versioned schemas a
// federation binds to, plus the comment threads attached to each model.
package datamodel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"fedvault.org/internal/authz"
	"fedvault.org/internal/docstore"
	"fedvault.org/internal/faults"
	"fedvault.org/internal/ids"
)

// Service owns the data-model collections.
type Service struct {
	store docstore.Store
	now   func() time.Time
}

// Option configures Service behavior.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs the data-model registry.
func NewService(store docstore.Store, opts ...Option) *Service {
	s := &Service{store: store, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterModelRequest creates a model maintained by the principal's
// organization.
type RegisterModelRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Tags        []string `json:"tags,omitempty"`
}

// RegisterModel inserts a model in DRAFT with no current version.
func (s *Service) RegisterModel(ctx context.Context, principal authz.Principal, req RegisterModelRequest) (Model, error) {
	if err := requireEditor(principal); err != nil {
		return Model{}, err
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return Model{}, faults.BadRequestf("model name is required")
	}
	var existing Model
	err := s.store.FindOne(ctx, docstore.DataModels, docstore.Query{
		"maintainer_organization_id": principal.OrganizationID,
		"name":                       req.Name,
	}, &existing)
	if err == nil && existing.State != ModelDeleted {
		return Model{}, faults.Conflictf("model %q already exists in organization", req.Name)
	}
	if err != nil && !errors.Is(err, docstore.ErrNoDocuments) {
		return Model{}, fmt.Errorf("%w: %v", faults.ErrInternal, err)
	}

	m := Model{
		ID:                       ids.New(),
		MaintainerOrganizationID: principal.OrganizationID,
		Name:                     req.Name,
		Description:              strings.TrimSpace(req.Description),
		Tags:                     req.Tags,
		CreatedAt:                s.now().UTC().Truncate(time.Millisecond),
		State:                    ModelDraft,
	}
	if err := s.store.Insert(ctx, docstore.DataModels, m); err != nil {
		return Model{}, fmt.Errorf("%w: %v", faults.ErrInternal, err)
	}
	return m, nil
}

// GetModel loads a model; DELETED models read as absent.
func (s *Service) GetModel(ctx context.Context, modelID string) (Model, error) {
	m, err := s.lookupModel(ctx, modelID)
	if err != nil {
		return Model{}, err
	}
	return m, nil
}

// ListModels enumerates non-deleted models.
func (s *Service) ListModels(ctx context.Context) ([]Model, error) {
	var all []Model
	if err := s.store.Find(ctx, docstore.DataModels, docstore.Query{}, &all); err != nil {
		return nil, fmt.Errorf("%w: %v", faults.ErrInternal, err)
	}
	out := all[:0]
	for _, m := range all {
		if m.State != ModelDeleted {
			out = append(out, m)
		}
	}
	return out, nil
}

// RegisterVersionRequest starts a new DRAFT revision of a model.
type RegisterVersionRequest struct {
	Name              string `json:"name"`
	Description       string `json:"description"`
	PreviousVersionID string `json:"previous_version_id,omitempty"`
}

// RegisterVersion inserts a DRAFT version. The first version of a model needs
// no predecessor; every later version names one and inherits its dataframes
// by value.
func (s *Service) RegisterVersion(ctx context.Context, principal authz.Principal, modelID string, req RegisterVersionRequest) (Version, error) {
	if err := requireEditor(principal); err != nil {
		return Version{}, err
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return Version{}, faults.BadRequestf("version name is required")
	}
	if _, err := s.lookupModel(ctx, modelID); err != nil {
		return Version{}, err
	}

	var count []Version
	if err := s.store.Find(ctx, docstore.DataModelVersion, docstore.Query{"data_model_id": modelID}, &count); err != nil {
		return Version{}, fmt.Errorf("%w: %v", faults.ErrInternal, err)
	}
	var inherited []Dataframe
	if len(count) == 0 {
		if req.PreviousVersionID != "" {
			return Version{}, faults.BadRequestf("first version of a model takes no previous_version_id")
		}
	} else {
		if req.PreviousVersionID == "" {
			return Version{}, faults.BadRequestf("previous_version_id is required after the first version")
		}
		prev, err := s.lookupVersion(ctx, req.PreviousVersionID)
		if err != nil {
			return Version{}, err
		}
		if prev.DataModelID != modelID {
			return Version{}, faults.BadRequestf("previous version belongs to another model")
		}
		inherited = cloneDataframes(prev.Dataframes)
	}
	for _, v := range count {
		if v.Name == req.Name {
			return Version{}, faults.Conflictf("version %q already exists for model", req.Name)
		}
	}

	now := s.now().UTC().Truncate(time.Millisecond)
	v := Version{
		ID:                ids.New(),
		DataModelID:       modelID,
		PreviousVersionID: req.PreviousVersionID,
		UserID:            principal.UserID,
		OrganizationID:    principal.OrganizationID,
		Name:              req.Name,
		Description:       strings.TrimSpace(req.Description),
		Dataframes:        inherited,
		State:             VersionDraft,
		CreatedAt:         now,
		LastSaveAt:        now,
	}
	if err := s.store.Insert(ctx, docstore.DataModelVersion, v); err != nil {
		return Version{}, fmt.Errorf("%w: %v", faults.ErrInternal, err)
	}
	if _, err := s.store.UpdateOne(ctx, docstore.DataModels,
		docstore.Query{"id": modelID},
		docstore.Ops{Set: map[string]any{"current_editor_id": principal.UserID}},
	); err != nil {
		return Version{}, fmt.Errorf("%w: %v", faults.ErrInternal, err)
	}
	return v, nil
}

// GetVersion loads a version; DELETED versions read as absent.
func (s *Service) GetVersion(ctx context.Context, versionID string) (Version, error) {
	return s.lookupVersion(ctx, versionID)
}

// Versions lists a model's versions, omitting DELETED ones.
func (s *Service) Versions(ctx context.Context, modelID string) ([]Version, error) {
	var all []Version
	if err := s.store.Find(ctx, docstore.DataModelVersion, docstore.Query{"data_model_id": modelID}, &all); err != nil {
		return nil, fmt.Errorf("%w: %v", faults.ErrInternal, err)
	}
	out := all[:0]
	for _, v := range all {
		if v.State != VersionDeleted {
			out = append(out, v)
		}
	}
	return out, nil
}

// Save replaces a DRAFT version's dataframes. Published versions refuse
// edits.
func (s *Service) Save(ctx context.Context, principal authz.Principal, versionID string, dataframes []Dataframe) (Version, error) {
	v, err := s.editableVersion(ctx, principal, versionID)
	if err != nil {
		return Version{}, err
	}
	now := s.now().UTC().Truncate(time.Millisecond)
	res, err := s.store.UpdateOne(ctx, docstore.DataModelVersion,
		docstore.Query{"id": versionID, "state": VersionDraft},
		docstore.Ops{Set: map[string]any{"dataframes": dataframes, "last_save_time": now}},
	)
	if err != nil {
		return Version{}, fmt.Errorf("%w: %v", faults.ErrInternal, err)
	}
	if res.Matched == 0 {
		return Version{}, faults.BadRequestf("version %s is no longer DRAFT", versionID)
	}
	v.Dataframes = dataframes
	v.LastSaveAt = now
	return v, nil
}

// Commit publishes a DRAFT version and advances the model's current version.
// The transition is irreversible.
func (s *Service) Commit(ctx context.Context, principal authz.Principal, versionID, message string) (Version, error) {
	v, err := s.editableVersion(ctx, principal, versionID)
	if err != nil {
		return Version{}, err
	}
	now := s.now().UTC().Truncate(time.Millisecond)
	res, err := s.store.UpdateOne(ctx, docstore.DataModelVersion,
		docstore.Query{"id": versionID, "state": VersionDraft},
		docstore.Ops{Set: map[string]any{
			"state":          VersionPublished,
			"commit_time":    now,
			"commit_message": message,
		}},
	)
	if err != nil {
		return Version{}, fmt.Errorf("%w: %v", faults.ErrInternal, err)
	}
	if res.Matched == 0 {
		return Version{}, faults.BadRequestf("version %s is no longer DRAFT", versionID)
	}
	if _, err := s.store.UpdateOne(ctx, docstore.DataModels,
		docstore.Query{"id": v.DataModelID},
		docstore.Ops{
			Set:  map[string]any{"current_version_id": versionID, "state": ModelPublished, "current_editor_id": ""},
			Push: map[string]any{"revision_history": versionID},
		},
	); err != nil {
		return Version{}, fmt.Errorf("%w: %v", faults.ErrInternal, err)
	}
	v.State = VersionPublished
	v.CommitTime = &now
	v.CommitMessage = message
	return v, nil
}

// DeleteVersion soft-deletes a version. Allowed for its author and for
// editors of the maintainer organization.
func (s *Service) DeleteVersion(ctx context.Context, principal authz.Principal, versionID string) error {
	v, err := s.lookupVersion(ctx, versionID)
	if err != nil {
		return err
	}
	m, err := s.lookupModel(ctx, v.DataModelID)
	if err != nil {
		return err
	}
	if principal.UserID != v.UserID && principal.OrganizationID != m.MaintainerOrganizationID {
		return authz.ErrDenied
	}
	if _, err := s.store.UpdateOne(ctx, docstore.DataModelVersion,
		docstore.Query{"id": versionID},
		docstore.Ops{Set: map[string]any{"state": VersionDeleted}},
	); err != nil {
		return fmt.Errorf("%w: %v", faults.ErrInternal, err)
	}
	return nil
}

// DeleteModel soft-deletes a model. Maintainer organization only.
func (s *Service) DeleteModel(ctx context.Context, principal authz.Principal, modelID string) error {
	m, err := s.lookupModel(ctx, modelID)
	if err != nil {
		return err
	}
	if principal.OrganizationID != m.MaintainerOrganizationID && !principal.HasRole(authz.RoleSailAdmin) {
		return authz.ErrDenied
	}
	if _, err := s.store.UpdateOne(ctx, docstore.DataModels,
		docstore.Query{"id": modelID},
		docstore.Ops{Set: map[string]any{"state": ModelDeleted}},
	); err != nil {
		return fmt.Errorf("%w: %v", faults.ErrInternal, err)
	}
	return nil
}

// --- helpers ---

func (s *Service) lookupModel(ctx context.Context, modelID string) (Model, error) {
	var m Model
	err := s.store.FindOne(ctx, docstore.DataModels, docstore.Query{"id": modelID}, &m)
	if errors.Is(err, docstore.ErrNoDocuments) {
		return Model{}, faults.NotFoundf("data model %s", modelID)
	}
	if err != nil {
		return Model{}, fmt.Errorf("%w: %v", faults.ErrInternal, err)
	}
	if m.State == ModelDeleted {
		return Model{}, faults.NotFoundf("data model %s", modelID)
	}
	return m, nil
}

func (s *Service) lookupVersion(ctx context.Context, versionID string) (Version, error) {
	var v Version
	err := s.store.FindOne(ctx, docstore.DataModelVersion, docstore.Query{"id": versionID}, &v)
	if errors.Is(err, docstore.ErrNoDocuments) {
		return Version{}, faults.NotFoundf("model version %s", versionID)
	}
	if err != nil {
		return Version{}, fmt.Errorf("%w: %v", faults.ErrInternal, err)
	}
	if v.State == VersionDeleted {
		return Version{}, faults.NotFoundf("model version %s", versionID)
	}
	return v, nil
}

func (s *Service) editableVersion(ctx context.Context, principal authz.Principal, versionID string) (Version, error) {
	if err := requireEditor(principal); err != nil {
		return Version{}, err
	}
	v, err := s.lookupVersion(ctx, versionID)
	if err != nil {
		return Version{}, err
	}
	if v.OrganizationID != principal.OrganizationID {
		return Version{}, authz.ErrDenied
	}
	if v.State != VersionDraft {
		return Version{}, faults.BadRequestf("version %s is %s; only DRAFT versions are editable", versionID, v.State)
	}
	return v, nil
}

func requireEditor(p authz.Principal) error {
	if p.HasRole(authz.RoleDataModelEditor) || p.HasRole(authz.RoleOrganizationAdmin) || p.HasRole(authz.RoleSailAdmin) {
		return nil
	}
	return authz.ErrDenied
}

func cloneDataframes(in []Dataframe) []Dataframe {
	out := make([]Dataframe, len(in))
	for i, df := range in {
		out[i] = Dataframe{Name: df.Name, Series: make([]Series, len(df.Series))}
		copy(out[i].Series, df.Series)
	}
	return out
}
