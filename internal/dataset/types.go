package dataset

import (
	"time"

	"fedvault.org/internal/keycustody"
)

// Format is the data format a dataset is submitted in.
type Format string

const (
	FormatCSV  Format = "CSV"
	FormatFHIR Format = "FHIR"
)

// State is the dataset storage-provisioning state machine.
type State string

const (
	StateCreatingStorage State = "CREATING_STORAGE"
	StateActive          State = "ACTIVE"
	StateInactive        State = "INACTIVE"
	StateError           State = "ERROR"
)

// VersionState tracks a dataset version from directory creation to upload.
// Transitions are monotone toward ACTIVE or a terminal ERROR/INACTIVE.
type VersionState string

const (
	VersionCreatingDirectory VersionState = "CREATING_DIRECTORY"
	VersionNotUploaded       VersionState = "NOT_UPLOADED"
	VersionActive            VersionState = "ACTIVE"
	VersionInactive          VersionState = "INACTIVE"
	VersionError             VersionState = "ERROR"
)

// Dataset is an organization-owned registration of submittable data. The
// encryption key handle is assigned at most once and never rotated while any
// version references it.
type Dataset struct {
	ID             string             `bson:"id" json:"id"`
	OrganizationID string             `bson:"organization_id" json:"organization_id"`
	Name           string             `bson:"name" json:"name"`
	Description    string             `bson:"description" json:"description"`
	Tags           []string           `bson:"tags,omitempty" json:"tags,omitempty"`
	Format         Format             `bson:"format" json:"format"`
	CreatedAt      time.Time          `bson:"creation_time" json:"creation_time"`
	State          State              `bson:"state" json:"state"`
	Note           string             `bson:"note,omitempty" json:"note,omitempty"`
	EncryptionKey  *keycustody.Handle `bson:"encryption_key,omitempty" json:"-"`
}

// Version is a named upload under a dataset.
type Version struct {
	ID             string       `bson:"id" json:"id"`
	DatasetID      string       `bson:"dataset_id" json:"dataset_id"`
	OrganizationID string       `bson:"organization_id" json:"organization_id"`
	Name           string       `bson:"name" json:"name"`
	Description    string       `bson:"description" json:"description"`
	State          VersionState `bson:"state" json:"state"`
	CreatedAt      time.Time    `bson:"created_time" json:"created_time"`
	Note           string       `bson:"note,omitempty" json:"note,omitempty"`
}
