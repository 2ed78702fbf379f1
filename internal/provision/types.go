package provision

import "time"

// ProvisionState is the provision lifecycle. The persisted state is the
// single source of truth; cloud resource existence is reconciled toward it.
type ProvisionState string

const (
	ProvisionCreating       ProvisionState = "CREATING"
	ProvisionCreated        ProvisionState = "CREATED"
	ProvisionCreationFailed ProvisionState = "CREATION_FAILED"
	ProvisionDeleting       ProvisionState = "DELETING"
	ProvisionDeleted        ProvisionState = "DELETED"
	ProvisionDeletionFailed ProvisionState = "DELETION_FAILED"
)

// SCNState is the secure-computation-node state machine.
//
// REQUESTED → CREATING → INITIALIZING → WAITING_FOR_DATA → READY → IN_USE
// → DELETING → DELETED. Any non-DELETING state may fail to FAILED; DELETING
// fails to DELETE_FAILED. DELETED, FAILED and DELETE_FAILED are terminal.
type SCNState string

const (
	SCNRequested      SCNState = "REQUESTED"
	SCNCreating       SCNState = "CREATING"
	SCNInitializing   SCNState = "INITIALIZING"
	SCNWaitingForData SCNState = "WAITING_FOR_DATA"
	SCNReady          SCNState = "READY"
	SCNInUse          SCNState = "IN_USE"
	SCNFailed         SCNState = "FAILED"
	SCNDeleting       SCNState = "DELETING"
	SCNDeleted        SCNState = "DELETED"
	SCNDeleteFailed   SCNState = "DELETE_FAILED"
)

// Terminal reports whether an SCN state admits no further transitions.
func (s SCNState) Terminal() bool {
	return s == SCNDeleted || s == SCNFailed || s == SCNDeleteFailed
}

// DatasetRef pins one contributed dataset to the version a provision
// computes over.
type DatasetRef struct {
	DatasetID  string `bson:"dataset_id" json:"dataset_id"`
	VersionID  string `bson:"version_id" json:"version_id"`
	OwnerOrgID string `bson:"owner_org_id" json:"owner_org_id"`
}

// Provision is a researcher-initiated instantiation of a federation.
type Provision struct {
	ID             string         `bson:"id" json:"id"`
	FederationID   string         `bson:"federation_id" json:"federation_id"`
	OrganizationID string         `bson:"organization_id" json:"organization_id"`
	Size           string         `bson:"size" json:"size"`
	SmartBrokerID  string         `bson:"smart_broker_id" json:"smart_broker_id"`
	State          ProvisionState `bson:"state" json:"state"`
	SCNIDs         []string       `bson:"scn_ids" json:"scn_ids"`
	CreatedAt      time.Time      `bson:"creation_time" json:"creation_time"`
}

// SCN is one secure computation node. The smart broker is the SCN whose id
// equals the provision's smart_broker_id.
type SCN struct {
	ID                       string       `bson:"id" json:"id"`
	FederationID             string       `bson:"federation_id" json:"federation_id"`
	ProvisionID              string       `bson:"provision_id" json:"provision_id"`
	Size                     string       `bson:"size" json:"size"`
	ResearcherUserID         string       `bson:"researcher_user_id" json:"researcher_user_id"`
	ResearcherOrganizationID string       `bson:"researcher_organization_id" json:"researcher_organization_id"`
	Datasets                 []DatasetRef `bson:"datasets" json:"datasets"`
	State                    SCNState     `bson:"state" json:"state"`
	Detail                   string       `bson:"detail,omitempty" json:"detail,omitempty"`
	URL                      string       `bson:"url,omitempty" json:"url,omitempty"`
	Timestamp                time.Time    `bson:"timestamp" json:"timestamp"`
}
