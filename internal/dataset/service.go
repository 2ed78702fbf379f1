// Package dataset is the dataset registry: datasets and their versions, the
// storage-provisioning state machines, upload token vending and per-dataset
// encryption keys.
package dataset

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"fedvault.org/internal/authz"
	"fedvault.org/internal/docstore"
	"fedvault.org/internal/faults"
	"fedvault.org/internal/ids"
	"fedvault.org/internal/keycustody"
	"fedvault.org/internal/obs"
)

// Service owns the dataset collections and the object-storage collaborator.
type Service struct {
	store   docstore.Store
	objects ObjectStore
	vault   keycustody.Vault
	runTask func(func())
	now     func() time.Time
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

// WithTaskRunner overrides how background provisioning tasks are dispatched.
// Tests run them inline.
func WithTaskRunner(run func(func())) Option {
	return func(s *Service) {
		if run != nil {
			s.runTask = run
		}
	}
}

// NewService constructs the dataset registry.
func NewService(store docstore.Store, objects ObjectStore, vault keycustody.Vault, opts ...Option) *Service {
	s := &Service{
		store:   store,
		objects: objects,
		vault:   vault,
		runTask: func(fn func()) { go fn() },
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterDatasetRequest registers a dataset owned by the principal's
// organization.
type RegisterDatasetRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Tags        []string `json:"tags,omitempty"`
	Format      Format   `json:"format"`
}

// Register inserts the dataset in CREATING_STORAGE and schedules storage
// provisioning; callers poll the dataset to observe the outcome.
func (s *Service) Register(ctx context.Context, principal authz.Principal, req RegisterDatasetRequest) (Dataset, error) {
	if err := requireDatasetRole(principal); err != nil {
		return Dataset{}, err
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return Dataset{}, faults.BadRequestf("dataset name is required")
	}
	if req.Format != FormatCSV && req.Format != FormatFHIR {
		return Dataset{}, faults.BadRequestf("unknown format %s", req.Format)
	}
	var existing Dataset
	err := s.store.FindOne(ctx, docstore.Datasets, docstore.Query{
		"organization_id": principal.OrganizationID,
		"name":            req.Name,
	}, &existing)
	if err == nil {
		return Dataset{}, faults.Conflictf("dataset %q already exists in organization", req.Name)
	}
	if !errors.Is(err, docstore.ErrNoDocuments) {
		return Dataset{}, fmt.Errorf("%w: %v", faults.ErrInternal, err)
	}

	ds := Dataset{
		ID:             ids.New(),
		OrganizationID: principal.OrganizationID,
		Name:           req.Name,
		Description:    strings.TrimSpace(req.Description),
		Tags:           req.Tags,
		Format:         req.Format,
		CreatedAt:      s.now().UTC().Truncate(time.Millisecond),
		State:          StateCreatingStorage,
	}
	if err := s.store.Insert(ctx, docstore.Datasets, ds); err != nil {
		return Dataset{}, fmt.Errorf("%w: %v", faults.ErrInternal, err)
	}

	s.runTask(func() { s.provisionStorage(ds.ID) })
	return ds, nil
}

func (s *Service) provisionStorage(datasetID string) {
	ctx := context.Background()
	set := map[string]any{"state": StateActive}
	outcome := "success"
	if err := s.objects.CreateShare(ctx, datasetID); err != nil {
		set = map[string]any{"state": StateError, "note": fmt.Sprintf("storage provisioning failed: %v", err)}
		outcome = "failure"
	}
	if _, err := s.store.UpdateOne(ctx, docstore.Datasets,
		docstore.Query{"id": datasetID, "state": StateCreatingStorage},
		docstore.Ops{Set: set},
	); err != nil {
		obs.LogEvent("dataset.storage_provision.persist_failed", map[string]any{"dataset_id": datasetID, "error": err.Error()})
		return
	}
	obs.ObserveBackgroundTask("dataset_storage", outcome)
	obs.LogEvent("dataset.storage_provision", map[string]any{"dataset_id": datasetID, "outcome": outcome})
}

// Get loads a dataset readable by the principal.
func (s *Service) Get(ctx context.Context, principal authz.Principal, datasetID string) (Dataset, error) {
	ds, err := s.lookup(ctx, datasetID)
	if err != nil {
		return Dataset{}, err
	}
	return ds, nil
}

// List enumerates an organization's datasets.
func (s *Service) List(ctx context.Context, orgID string) ([]Dataset, error) {
	var out []Dataset
	if err := s.store.Find(ctx, docstore.Datasets, docstore.Query{"organization_id": orgID}, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", faults.ErrInternal, err)
	}
	return out, nil
}

// RegisterVersion inserts a version in CREATING_DIRECTORY and schedules
// directory creation. Rejected for non-ACTIVE datasets and cross-org callers.
func (s *Service) RegisterVersion(ctx context.Context, principal authz.Principal, datasetID, name, description string) (Version, error) {
	if err := requireDatasetRole(principal); err != nil {
		return Version{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return Version{}, faults.BadRequestf("version name is required")
	}
	ds, err := s.lookup(ctx, datasetID)
	if err != nil {
		return Version{}, err
	}
	if ds.OrganizationID != principal.OrganizationID {
		return Version{}, authz.ErrDenied
	}
	if ds.State != StateActive {
		return Version{}, faults.Preconditionf("dataset %s is %s, not ACTIVE", datasetID, ds.State)
	}
	var existing Version
	err = s.store.FindOne(ctx, docstore.DatasetVersions, docstore.Query{"dataset_id": datasetID, "name": name}, &existing)
	if err == nil {
		return Version{}, faults.Conflictf("version %q already exists for dataset", name)
	}
	if !errors.Is(err, docstore.ErrNoDocuments) {
		return Version{}, fmt.Errorf("%w: %v", faults.ErrInternal, err)
	}

	v := Version{
		ID:             ids.New(),
		DatasetID:      datasetID,
		OrganizationID: ds.OrganizationID,
		Name:           name,
		Description:    strings.TrimSpace(description),
		State:          VersionCreatingDirectory,
		CreatedAt:      s.now().UTC().Truncate(time.Millisecond),
	}
	if err := s.store.Insert(ctx, docstore.DatasetVersions, v); err != nil {
		return Version{}, fmt.Errorf("%w: %v", faults.ErrInternal, err)
	}

	s.runTask(func() { s.provisionDirectory(datasetID, v.ID) })
	return v, nil
}

func (s *Service) provisionDirectory(datasetID, versionID string) {
	ctx := context.Background()
	set := map[string]any{"state": VersionNotUploaded}
	outcome := "success"
	if err := s.objects.CreateDirectory(ctx, datasetID, versionID); err != nil {
		set = map[string]any{"state": VersionError, "note": fmt.Sprintf("directory creation failed: %v", err)}
		outcome = "failure"
	}
	if _, err := s.store.UpdateOne(ctx, docstore.DatasetVersions,
		docstore.Query{"id": versionID, "state": VersionCreatingDirectory},
		docstore.Ops{Set: set},
	); err != nil {
		obs.LogEvent("dataset.directory_provision.persist_failed", map[string]any{"version_id": versionID, "error": err.Error()})
		return
	}
	obs.ObserveBackgroundTask("dataset_directory", outcome)
}

// UploadToken vends a write-only presigned URL for the version's single
// object. Only NOT_UPLOADED versions qualify, which prevents overwrites.
func (s *Service) UploadToken(ctx context.Context, principal authz.Principal, datasetID, versionID string) (UploadToken, error) {
	if err := requireDatasetRole(principal); err != nil {
		return UploadToken{}, err
	}
	v, err := s.lookupVersion(ctx, versionID)
	if err != nil {
		return UploadToken{}, err
	}
	if v.DatasetID != datasetID {
		return UploadToken{}, faults.NotFoundf("version %s under dataset %s", versionID, datasetID)
	}
	if v.OrganizationID != principal.OrganizationID {
		return UploadToken{}, authz.ErrDenied
	}
	if v.State != VersionNotUploaded {
		return UploadToken{}, faults.Conflictf("version %s is %s; upload tokens require NOT_UPLOADED", versionID, v.State)
	}
	token, err := s.objects.PresignUpload(ctx, datasetID, versionID, MaxUploadTokenTTL)
	if err != nil {
		return UploadToken{}, fmt.Errorf("%w: %v", faults.ErrInternal, err)
	}
	return token, nil
}

// MarkUploaded records a completed upload: NOT_UPLOADED transitions to ACTIVE.
func (s *Service) MarkUploaded(ctx context.Context, principal authz.Principal, versionID string) error {
	v, err := s.lookupVersion(ctx, versionID)
	if err != nil {
		return err
	}
	if v.OrganizationID != principal.OrganizationID {
		return authz.ErrDenied
	}
	res, err := s.store.UpdateOne(ctx, docstore.DatasetVersions,
		docstore.Query{"id": versionID, "state": VersionNotUploaded},
		docstore.Ops{Set: map[string]any{"state": VersionActive}},
	)
	if err != nil {
		return fmt.Errorf("%w: %v", faults.ErrInternal, err)
	}
	if res.Matched == 0 {
		return faults.Conflictf("version %s is not awaiting upload", versionID)
	}
	return nil
}

// Versions lists a dataset's versions.
func (s *Service) Versions(ctx context.Context, datasetID string) ([]Version, error) {
	var out []Version
	if err := s.store.Find(ctx, docstore.DatasetVersions, docstore.Query{"dataset_id": datasetID}, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", faults.ErrInternal, err)
	}
	return out, nil
}

// LatestActiveVersion returns the newest ACTIVE version of a dataset, or
// NOT_FOUND when none exists.
func (s *Service) LatestActiveVersion(ctx context.Context, datasetID string) (Version, error) {
	var versions []Version
	if err := s.store.Find(ctx, docstore.DatasetVersions,
		docstore.Query{"dataset_id": datasetID, "state": VersionActive}, &versions); err != nil {
		return Version{}, fmt.Errorf("%w: %v", faults.ErrInternal, err)
	}
	if len(versions) == 0 {
		return Version{}, faults.NotFoundf("no ACTIVE version for dataset %s", datasetID)
	}
	latest := versions[0]
	for _, v := range versions[1:] {
		if v.CreatedAt.After(latest.CreatedAt) {
			latest = v
		}
	}
	return latest, nil
}

// EncryptionKey implements the per-dataset key protocol. The plaintext
// symmetric key is returned base64-encoded to the (always internal) caller
// and never enters the document store.
//
// The at-most-one-key invariant is held by compare-and-set on the dataset's
// encryption_key field: a concurrent creator that loses the race discards its
// key and re-reads the winner's.
func (s *Service) EncryptionKey(ctx context.Context, datasetID string, wrapping keycustody.Handle, createIfMissing bool) (string, error) {
	for attempt := 0; attempt < 2; attempt++ {
		ds, err := s.lookup(ctx, datasetID)
		if err != nil {
			return "", err
		}
		if ds.EncryptionKey != nil {
			plain, err := s.vault.Unwrap(ctx, *ds.EncryptionKey, wrapping)
			if err != nil {
				return "", fmt.Errorf("%w: unwrap dataset key: %v", faults.ErrInternal, err)
			}
			return base64.StdEncoding.EncodeToString(plain), nil
		}
		if !createIfMissing {
			return "", faults.NotFoundf("dataset %s has no encryption key", datasetID)
		}
		key, err := keycustody.NewDataKey()
		if err != nil {
			return "", fmt.Errorf("%w: %v", faults.ErrInternal, err)
		}
		wrapped, err := s.vault.Wrap(ctx, key, wrapping)
		if err != nil {
			return "", fmt.Errorf("%w: wrap dataset key: %v", faults.ErrInternal, err)
		}
		res, err := s.store.UpdateOne(ctx, docstore.Datasets,
			docstore.Query{"id": datasetID, "encryption_key": nil},
			docstore.Ops{Set: map[string]any{"encryption_key": wrapped}},
		)
		if err != nil {
			return "", fmt.Errorf("%w: %v", faults.ErrInternal, err)
		}
		if res.Matched == 1 {
			return base64.StdEncoding.EncodeToString(key), nil
		}
		// Lost the race: a concurrent caller persisted first. Re-read.
	}
	return "", fmt.Errorf("%w: dataset key assignment did not converge", faults.ErrInternal)
}

// SoftDelete moves a dataset to INACTIVE. Datasets referenced by an ACTIVE
// federation are refused; the federation owner must remove them first.
func (s *Service) SoftDelete(ctx context.Context, principal authz.Principal, datasetID string) error {
	if err := requireDatasetRole(principal); err != nil {
		return err
	}
	ds, err := s.lookup(ctx, datasetID)
	if err != nil {
		return err
	}
	if ds.OrganizationID != principal.OrganizationID && !principal.HasRole(authz.RoleSailAdmin) {
		return authz.ErrDenied
	}
	var fed struct {
		ID string `bson:"id"`
	}
	err = s.store.FindOne(ctx, docstore.Federations,
		docstore.Query{"datasets": datasetID, "state": "ACTIVE"}, &fed)
	if err == nil {
		return faults.Conflictf("dataset %s is referenced by federation %s", datasetID, fed.ID)
	}
	if !errors.Is(err, docstore.ErrNoDocuments) {
		return fmt.Errorf("%w: %v", faults.ErrInternal, err)
	}
	if _, err := s.store.UpdateOne(ctx, docstore.Datasets,
		docstore.Query{"id": datasetID},
		docstore.Ops{Set: map[string]any{"state": StateInactive}},
	); err != nil {
		return fmt.Errorf("%w: %v", faults.ErrInternal, err)
	}
	return nil
}

// --- helpers ---

func (s *Service) lookup(ctx context.Context, datasetID string) (Dataset, error) {
	var ds Dataset
	err := s.store.FindOne(ctx, docstore.Datasets, docstore.Query{"id": datasetID}, &ds)
	if errors.Is(err, docstore.ErrNoDocuments) {
		return Dataset{}, faults.NotFoundf("dataset %s", datasetID)
	}
	if err != nil {
		return Dataset{}, fmt.Errorf("%w: %v", faults.ErrInternal, err)
	}
	return ds, nil
}

func (s *Service) lookupVersion(ctx context.Context, versionID string) (Version, error) {
	var v Version
	err := s.store.FindOne(ctx, docstore.DatasetVersions, docstore.Query{"id": versionID}, &v)
	if errors.Is(err, docstore.ErrNoDocuments) {
		return Version{}, faults.NotFoundf("dataset version %s", versionID)
	}
	if err != nil {
		return Version{}, fmt.Errorf("%w: %v", faults.ErrInternal, err)
	}
	return v, nil
}

func requireDatasetRole(p authz.Principal) error {
	if p.HasRole(authz.RoleDatasetAdmin) || p.HasRole(authz.RoleOrganizationAdmin) || p.HasRole(authz.RoleSailAdmin) {
		return nil
	}
	return authz.ErrDenied
}
