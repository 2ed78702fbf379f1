package datamodel

import "time"

// SeriesType is the typed schema of a single series.
type SeriesType string

const (
	SeriesCategorical SeriesType = "Categorical"
	SeriesDate        SeriesType = "Date"
	SeriesDateTime    SeriesType = "DateTime"
	SeriesInterval    SeriesType = "Interval"
	SeriesUnique      SeriesType = "Unique"
)

// Series describes one column of a dataframe. The optional fields are only
// meaningful for certain types: list_value for Categorical, unit/min/max/
// resolution for Interval.
type Series struct {
	Name       string     `bson:"name" json:"name"`
	Type       SeriesType `bson:"type" json:"type"`
	ListValue  []string   `bson:"list_value,omitempty" json:"list_value,omitempty"`
	Unit       string     `bson:"unit,omitempty" json:"unit,omitempty"`
	Min        *float64   `bson:"min,omitempty" json:"min,omitempty"`
	Max        *float64   `bson:"max,omitempty" json:"max,omitempty"`
	Resolution *float64   `bson:"resolution,omitempty" json:"resolution,omitempty"`
}

// Dataframe is an ordered list of series.
type Dataframe struct {
	Name   string   `bson:"name" json:"name"`
	Series []Series `bson:"series" json:"series"`
}

// ModelState tracks a model across the lifetime of its versions.
type ModelState string

const (
	ModelDraft     ModelState = "DRAFT"
	ModelPublished ModelState = "PUBLISHED"
	ModelDeleted   ModelState = "DELETED"
)

// VersionState is the per-version state machine. Publishing is irreversible;
// deletes are soft.
type VersionState string

const (
	VersionDraft     VersionState = "DRAFT"
	VersionPublished VersionState = "PUBLISHED"
	VersionDeleted   VersionState = "DELETED"
)

// Model is a named schema maintained by one organization. The current version
// points at the most recently published version; revision history records
// every publish in order.
type Model struct {
	ID                       string     `bson:"id" json:"id"`
	MaintainerOrganizationID string     `bson:"maintainer_organization_id" json:"maintainer_organization_id"`
	Name                     string     `bson:"name" json:"name"`
	Description              string     `bson:"description" json:"description"`
	Tags                     []string   `bson:"tags,omitempty" json:"tags,omitempty"`
	CreatedAt                time.Time  `bson:"creation_time" json:"creation_time"`
	CurrentVersionID         string     `bson:"current_version_id,omitempty" json:"current_version_id,omitempty"`
	RevisionHistory          []string   `bson:"revision_history,omitempty" json:"revision_history,omitempty"`
	State                    ModelState `bson:"state" json:"state"`
	CurrentEditorID          string     `bson:"current_editor_id,omitempty" json:"current_editor_id,omitempty"`
}

// Version is one revision of a model. Dataframes are embedded by value, so a
// new version starts from a copy of its predecessor's and diverges freely.
type Version struct {
	ID                string       `bson:"id" json:"id"`
	DataModelID       string       `bson:"data_model_id" json:"data_model_id"`
	PreviousVersionID string       `bson:"previous_version_id,omitempty" json:"previous_version_id,omitempty"`
	UserID            string       `bson:"user_id" json:"user_id"`
	OrganizationID    string       `bson:"organization_id" json:"organization_id"`
	Name              string       `bson:"name" json:"name"`
	Description       string       `bson:"description" json:"description"`
	Dataframes        []Dataframe  `bson:"dataframes,omitempty" json:"dataframes,omitempty"`
	State             VersionState `bson:"state" json:"state"`
	CreatedAt         time.Time    `bson:"creation_time" json:"creation_time"`
	LastSaveAt        time.Time    `bson:"last_save_time" json:"last_save_time"`
	CommitTime        *time.Time   `bson:"commit_time,omitempty" json:"commit_time,omitempty"`
	CommitMessage     string       `bson:"commit_message,omitempty" json:"commit_message,omitempty"`
}

// Comment is a single entry in a model's thread.
type Comment struct {
	ID             string    `bson:"id" json:"id"`
	UserID         string    `bson:"user_id" json:"user_id"`
	OrganizationID string    `bson:"organization_id" json:"organization_id"`
	Text           string    `bson:"text" json:"text"`
	Time           time.Time `bson:"time" json:"time"`
}

// Chain is the append-only comment thread attached to a model. It is created
// implicitly by the first comment.
type Chain struct {
	ID          string    `bson:"id" json:"id"`
	DataModelID string    `bson:"data_model_id" json:"data_model_id"`
	CreatedAt   time.Time `bson:"creation_time" json:"creation_time"`
	Comments    []Comment `bson:"comments" json:"comments"`
}
