// pkg/models/request.go

package models

import (
	"time"

	"github.com/lib/pq"
)

// RequestType distinguishes the local approval workflow from Vault Control Groups.
type RequestType string

const (
	TypeStandard     RequestType = "STANDARD"
	TypeControlGroup RequestType = "CONTROL_GROUP"
)

func (t RequestType) Valid() bool {
	return t == TypeStandard || t == TypeControlGroup
}

// RequestStatus is the lifecycle state of a Request.
type RequestStatus string

const (
	StatusPending  RequestStatus = "PENDING"
	StatusApproved RequestStatus = "APPROVED"
	StatusRejected RequestStatus = "REJECTED"
	StatusCanceled RequestStatus = "CANCELED"
)

// IsTerminal reports whether no further transition is possible.
func (s RequestStatus) IsTerminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusCanceled
}

func (s RequestStatus) Valid() bool {
	return s == StatusPending || s.IsTerminal()
}

// ResponseStatus is one participant's answer on a request.
type ResponseStatus string

const (
	ResponseApproved  ResponseStatus = "APPROVED"
	ResponseRejected  ResponseStatus = "REJECTED"
	ResponseCanceled  ResponseStatus = "CANCELED"
	ResponsePending   ResponseStatus = "PENDING"
	ResponseRequested ResponseStatus = "REQUESTED"
)

// Request is a secrets-access request. Rows are never deleted; only Status moves.
type Request struct {
	ID                uint          `gorm:"primaryKey" json:"id"`
	RequesterEntityID string        `gorm:"size:64;not null;index:idx_requests_requester_path" json:"requesterEntityId"`
	RequesterName     string        `gorm:"size:255" json:"requesterName"`
	Path              string        `gorm:"size:1024;not null;index:idx_requests_requester_path" json:"path"`
	Data              JSONMap       `gorm:"type:jsonb" json:"data,omitempty"`
	Type              RequestType   `gorm:"size:16;not null" json:"type"`
	Status            RequestStatus `gorm:"size:16;not null;index" json:"status"`
	ApproverEntityID  string        `gorm:"size:64" json:"approverEntityId,omitempty"`
	ApproverName      string        `gorm:"size:255" json:"approverName,omitempty"`
	EngineType        string        `gorm:"size:64" json:"engineType,omitempty"`
	Justification     string        `gorm:"type:text" json:"justification,omitempty"`
	Accessor          string        `gorm:"size:255;index" json:"accessor,omitempty"`
	WrapToken         string        `gorm:"size:255" json:"-"`
	WrapExpiresAt     *time.Time    `json:"wrapExpiresAt,omitempty"`
	OpenedAt          *time.Time    `json:"openedAt,omitempty"`
	CreatedAt         time.Time     `json:"createdAt"`
	UpdatedAt         time.Time     `json:"updatedAt"`

	Responses []RequestResponse `gorm:"foreignKey:RequestID;constraint:OnDelete:CASCADE" json:"responses,omitempty"`
}

func (Request) TableName() string { return "requests" }

// Openable reports whether the requester has something to open.
func (r *Request) Openable(now time.Time) bool {
	if r.Status != StatusApproved || r.OpenedAt != nil {
		return false
	}
	if r.Type == TypeControlGroup {
		return true
	}
	return r.WrapToken != "" && (r.WrapExpiresAt == nil || now.Before(*r.WrapExpiresAt))
}

// RequestResponse records one entity's response on a request.
type RequestResponse struct {
	ID                uint           `gorm:"primaryKey" json:"id"`
	RequestID         uint           `gorm:"not null;uniqueIndex:idx_response_request_responder" json:"requestId"`
	ResponderEntityID string         `gorm:"size:64;not null;uniqueIndex:idx_response_request_responder" json:"responderEntityId"`
	ResponderName     string         `gorm:"size:255" json:"responderName"`
	Status            ResponseStatus `gorm:"size:16;not null" json:"status"`
	Comment           string         `gorm:"type:text" json:"comment,omitempty"`
	CreatedAt         time.Time      `json:"createdAt"`
	UpdatedAt         time.Time      `json:"updatedAt"`
}

func (RequestResponse) TableName() string { return "request_responses" }

// User mirrors Vault entity metadata for display and email addressing.
type User struct {
	ID          uint           `gorm:"primaryKey" json:"id"`
	EntityID    string         `gorm:"size:64;not null;uniqueIndex" json:"entityId"`
	Name        string         `gorm:"size:255" json:"name"`
	Email       string         `gorm:"size:320" json:"email,omitempty"`
	Policies    pq.StringArray `gorm:"type:text[]" json:"policies"`
	Groups      pq.StringArray `gorm:"type:text[]" json:"groups"`
	LastLoginAt *time.Time     `json:"lastLoginAt,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

func (User) TableName() string { return "users" }

// HasAnyPolicy reports whether the user holds one of policies.
func (u *User) HasAnyPolicy(policies []string) bool {
	return HasAnyPolicy(u.Policies, policies)
}

// HasAnyPolicy reports whether held and wanted intersect.
func HasAnyPolicy(held, wanted []string) bool {
	for _, w := range wanted {
		for _, h := range held {
			if h == w {
				return true
			}
		}
	}
	return false
}

// All returns every model for migration.
func All() []any {
	return []any{&User{}, &Request{}, &RequestResponse{}}
}
