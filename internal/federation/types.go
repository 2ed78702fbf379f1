package federation

import (
	"time"

	"fedvault.org/internal/dataset"
	"fedvault.org/internal/keycustody"
)

// State is the federation lifecycle.
type State string

const (
	StateActive   State = "ACTIVE"
	StateInactive State = "INACTIVE"
)

// InviteType distinguishes what membership an invite grants.
type InviteType string

const (
	InviteResearcher InviteType = "RESEARCHER"
	InviteSubmitter  InviteType = "SUBMITTER"
)

// InviteState is terminal once it leaves PENDING.
type InviteState string

const (
	InvitePending  InviteState = "PENDING"
	InviteAccepted InviteState = "ACCEPTED"
	InviteRejected InviteState = "REJECTED"
	InviteExpired  InviteState = "EXPIRED"
)

// InviteTTL is how long an invite stays acceptable.
const InviteTTL = 10 * 24 * time.Hour

// Submitter pairs a member organization with its federation-scoped wrapping
// key. The owner organization is always present.
type Submitter struct {
	OrganizationID string            `bson:"organization_id" json:"organization_id"`
	WrappingKey    keycustody.Handle `bson:"wrapping_key" json:"wrapping_key"`
}

// Federation binds submitter organizations, researcher organizations, the
// contributed datasets and at most one data model. Invites are referenced by
// id; the invite's own state is authoritative when the two disagree.
type Federation struct {
	ID                       string         `bson:"id" json:"id"`
	OrganizationID           string         `bson:"organization_id" json:"organization_id"`
	Name                     string         `bson:"name" json:"name"`
	Description              string         `bson:"description" json:"description"`
	DataFormat               dataset.Format `bson:"data_format" json:"data_format"`
	DataModelID              string         `bson:"data_model,omitempty" json:"data_model,omitempty"`
	CreatedAt                time.Time      `bson:"creation_time" json:"creation_time"`
	State                    State          `bson:"state" json:"state"`
	DataSubmitters           []Submitter    `bson:"data_submitters" json:"data_submitters"`
	ResearchOrganizations    []string       `bson:"research_organizations,omitempty" json:"research_organizations,omitempty"`
	Datasets                 []string       `bson:"datasets,omitempty" json:"datasets,omitempty"`
	PendingSubmitterInvites  []string       `bson:"pending_submitter_invites,omitempty" json:"pending_submitter_invites,omitempty"`
	PendingResearcherInvites []string       `bson:"pending_researcher_invites,omitempty" json:"pending_researcher_invites,omitempty"`
}

// Submitter returns the submitter entry for an organization, if present.
func (f Federation) Submitter(orgID string) (Submitter, bool) {
	for _, s := range f.DataSubmitters {
		if s.OrganizationID == orgID {
			return s, true
		}
	}
	return Submitter{}, false
}

// IsResearcher reports whether an organization is a research member.
func (f Federation) IsResearcher(orgID string) bool {
	for _, id := range f.ResearchOrganizations {
		if id == orgID {
			return true
		}
	}
	return false
}

// HasDataset reports whether a dataset has been contributed.
func (f Federation) HasDataset(datasetID string) bool {
	for _, id := range f.Datasets {
		if id == datasetID {
			return true
		}
	}
	return false
}

// Invite records one membership offer. Mutations after expiry are rejected.
type Invite struct {
	ID                    string      `bson:"id" json:"id"`
	FederationID          string      `bson:"federation_id" json:"federation_id"`
	InviteeOrganizationID string      `bson:"invitee_organization_id" json:"invitee_organization_id"`
	InviterUserID         string      `bson:"inviter_user_id" json:"inviter_user_id"`
	InviterOrganizationID string      `bson:"inviter_organization_id" json:"inviter_organization_id"`
	Type                  InviteType  `bson:"type" json:"type"`
	State                 InviteState `bson:"state" json:"state"`
	CreatedAt             time.Time   `bson:"created_time" json:"created_time"`
	ExpiresAt             time.Time   `bson:"expiry_time" json:"expiry_time"`
}
