// pkg/store/store.go
//
// Persistence for requests, responses and mirrored users. Status changes
// are conditional updates so concurrent actors cannot move a request out of
// a state someone else already left.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/models"
)

var (
	// ErrNotFound means the row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrNotPending means the request already reached a terminal state.
	ErrNotPending = errors.New("store: request already processed")
	// ErrGone means an approved request was already opened.
	ErrGone = errors.New("store: request already opened")
)

// Transition moves a PENDING request to a new status and records the
// actor's response in the same transaction.
type Transition struct {
	To               models.RequestStatus
	ApproverEntityID string
	ApproverName     string
	WrapToken        string
	WrapExpiresAt    *time.Time
	Response         *models.RequestResponse
}

// RequestFilter narrows ListRequests. Zero values match everything.
type RequestFilter struct {
	RequesterEntityID string
	Status            models.RequestStatus
	Type              models.RequestType
	CreatedBefore     time.Time
	Limit             int
}

// UserFilter narrows ListUsers.
type UserFilter struct {
	AnyPolicy []string
	WithEmail bool
}

// Store is implemented by the gorm store and the in-memory store.
type Store interface {
	// FindOrCreateRequest returns the open request for the requester and
	// path, creating it with a REQUESTED response when none exists.
	FindOrCreateRequest(ctx context.Context, req *models.Request) (*models.Request, bool, error)
	GetRequest(ctx context.Context, id uint) (*models.Request, error)
	ListRequests(ctx context.Context, f RequestFilter) ([]models.Request, error)
	// RecordApproval stores an APPROVED response on a PENDING request and
	// returns the number of approvals so far.
	RecordApproval(ctx context.Context, resp *models.RequestResponse) (int64, error)
	Transition(ctx context.Context, id uint, t Transition) (*models.Request, error)
	// MarkOpened consumes an approved request's wrap token.
	MarkOpened(ctx context.Context, id uint, at time.Time) (*models.Request, error)

	// UpsertUser writes the entity's policies as given. Groups are only
	// replaced when u.Groups is non-nil.
	UpsertUser(ctx context.Context, u *models.User) (*models.User, error)
	// RecordUserLogin stamps a login. Token policies are merged into the
	// stored set and groups are left alone.
	RecordUserLogin(ctx context.Context, u *models.User) (*models.User, error)
	GetUser(ctx context.Context, entityID string) (*models.User, error)
	ListUsers(ctx context.Context, f UserFilter) ([]models.User, error)
	UpdateUserEmail(ctx context.Context, entityID, email string) (*models.User, error)

	Ping(ctx context.Context) error
}

var (
	_ Store = (*GormStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
