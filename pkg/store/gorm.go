// pkg/store/gorm.go

package store

import (
	"context"
	"errors"
	"time"

	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/models"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/pam_postgres"
	cerr "github.com/cockroachdb/errors"
	"github.com/lib/pq"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore is the Postgres-backed Store.
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db, now: time.Now}
}

func (s *GormStore) FindOrCreateRequest(ctx context.Context, req *models.Request) (*models.Request, bool, error) {
	var (
		id      uint
		created bool
	)
	err := pam_postgres.WithTx(ctx, s.db, func(tx *gorm.DB) error {
		if err := pam_postgres.AdvisoryXactLock(tx, req.RequesterEntityID, req.Path); err != nil {
			return cerr.Wrap(err, "lock requester path")
		}

		var existing models.Request
		err := tx.Where("requester_entity_id = ? AND path = ? AND status = ?",
			req.RequesterEntityID, req.Path, models.StatusPending).
			Order("id").Take(&existing).Error
		if err == nil {
			id = existing.ID
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return cerr.Wrap(err, "find open request")
		}

		req.Status = models.StatusPending
		if err := tx.Omit(clause.Associations).Create(req).Error; err != nil {
			return cerr.Wrap(err, "insert request")
		}
		resp := models.RequestResponse{
			RequestID:         req.ID,
			ResponderEntityID: req.RequesterEntityID,
			ResponderName:     req.RequesterName,
			Status:            models.ResponseRequested,
		}
		if err := tx.Create(&resp).Error; err != nil {
			return cerr.Wrap(err, "insert requested response")
		}
		id, created = req.ID, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	out, err := s.GetRequest(ctx, id)
	return out, created, err
}

func (s *GormStore) GetRequest(ctx context.Context, id uint) (*models.Request, error) {
	var req models.Request
	err := s.db.WithContext(ctx).
		Preload("Responses", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		Take(&req, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, cerr.Wrapf(err, "get request %d", id)
	}
	return &req, nil
}

func (s *GormStore) ListRequests(ctx context.Context, f RequestFilter) ([]models.Request, error) {
	q := s.db.WithContext(ctx).Model(&models.Request{})
	if f.RequesterEntityID != "" {
		q = q.Where("requester_entity_id = ?", f.RequesterEntityID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Type != "" {
		q = q.Where("type = ?", f.Type)
	}
	if !f.CreatedBefore.IsZero() {
		q = q.Where("created_at < ?", f.CreatedBefore)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var out []models.Request
	err := q.Preload("Responses", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		Order("created_at DESC").Order("id DESC").
		Find(&out).Error
	if err != nil {
		return nil, cerr.Wrap(err, "list requests")
	}
	return out, nil
}

func (s *GormStore) RecordApproval(ctx context.Context, resp *models.RequestResponse) (int64, error) {
	var approvals int64
	err := pam_postgres.WithTx(ctx, s.db, func(tx *gorm.DB) error {
		var req models.Request
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Select("id", "status").Take(&req, resp.RequestID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return cerr.Wrap(err, "lock request")
		}
		if req.Status != models.StatusPending {
			return ErrNotPending
		}

		resp.Status = models.ResponseApproved
		if err := upsertResponse(tx, resp); err != nil {
			return err
		}
		return tx.Model(&models.RequestResponse{}).
			Where("request_id = ? AND status = ?", resp.RequestID, models.ResponseApproved).
			Count(&approvals).Error
	})
	return approvals, err
}

func (s *GormStore) Transition(ctx context.Context, id uint, t Transition) (*models.Request, error) {
	err := pam_postgres.WithTx(ctx, s.db, func(tx *gorm.DB) error {
		updates := map[string]any{
			"status":     t.To,
			"updated_at": s.now(),
		}
		if t.ApproverEntityID != "" {
			updates["approver_entity_id"] = t.ApproverEntityID
			updates["approver_name"] = t.ApproverName
		}
		if t.WrapToken != "" {
			updates["wrap_token"] = t.WrapToken
			updates["wrap_expires_at"] = t.WrapExpiresAt
		}

		res := tx.Model(&models.Request{}).
			Where("id = ? AND status = ?", id, models.StatusPending).
			Updates(updates)
		if res.Error != nil {
			return cerr.Wrapf(res.Error, "transition request %d", id)
		}
		if res.RowsAffected == 0 {
			return missingOr(tx, id, ErrNotPending)
		}
		if t.Response != nil {
			t.Response.RequestID = id
			return upsertResponse(tx, t.Response)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetRequest(ctx, id)
}

func (s *GormStore) MarkOpened(ctx context.Context, id uint, at time.Time) (*models.Request, error) {
	err := pam_postgres.WithTx(ctx, s.db, func(tx *gorm.DB) error {
		res := tx.Model(&models.Request{}).
			Where("id = ? AND status = ? AND opened_at IS NULL", id, models.StatusApproved).
			Updates(map[string]any{
				"opened_at":  at,
				"wrap_token": "",
				"updated_at": s.now(),
			})
		if res.Error != nil {
			return cerr.Wrapf(res.Error, "open request %d", id)
		}
		if res.RowsAffected == 0 {
			return missingOr(tx, id, ErrGone)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetRequest(ctx, id)
}

func missingOr(tx *gorm.DB, id uint, otherwise error) error {
	var count int64
	if err := tx.Model(&models.Request{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return cerr.Wrapf(err, "check request %d", id)
	}
	if count == 0 {
		return ErrNotFound
	}
	return otherwise
}

func upsertResponse(tx *gorm.DB, resp *models.RequestResponse) error {
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "request_id"}, {Name: "responder_entity_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"responder_name", "status", "comment", "updated_at"}),
	}).Create(resp).Error
	return cerr.Wrap(err, "upsert response")
}

func (s *GormStore) UpsertUser(ctx context.Context, u *models.User) (*models.User, error) {
	columns := []string{"name", "policies", "updated_at"}
	if u.Groups != nil {
		columns = append(columns, "groups")
	}
	if u.LastLoginAt != nil {
		columns = append(columns, "last_login_at")
	}
	if u.Email != "" {
		columns = append(columns, "email")
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "entity_id"}},
		DoUpdates: clause.AssignmentColumns(columns),
	}).Create(u).Error
	if err != nil {
		return nil, cerr.Wrapf(err, "upsert user %s", u.EntityID)
	}
	return s.GetUser(ctx, u.EntityID)
}

func (s *GormStore) RecordUserLogin(ctx context.Context, u *models.User) (*models.User, error) {
	if u.LastLoginAt == nil {
		at := s.now()
		u.LastLoginAt = &at
	}
	columns := []string{"name", "last_login_at", "updated_at"}
	if u.Email != "" {
		columns = append(columns, "email")
	}
	updates := append(clause.AssignmentColumns(columns), clause.Assignment{
		Column: clause.Column{Name: "policies"},
		Value:  gorm.Expr(`ARRAY(SELECT DISTINCT unnest("users"."policies" || excluded.policies))`),
	})
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "entity_id"}},
		DoUpdates: updates,
	}).Create(u).Error
	if err != nil {
		return nil, cerr.Wrapf(err, "record login for %s", u.EntityID)
	}
	return s.GetUser(ctx, u.EntityID)
}

func (s *GormStore) GetUser(ctx context.Context, entityID string) (*models.User, error) {
	var u models.User
	err := s.db.WithContext(ctx).Where("entity_id = ?", entityID).Take(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, cerr.Wrapf(err, "get user %s", entityID)
	}
	return &u, nil
}

func (s *GormStore) ListUsers(ctx context.Context, f UserFilter) ([]models.User, error) {
	q := s.db.WithContext(ctx).Model(&models.User{})
	if len(f.AnyPolicy) > 0 {
		q = q.Where("policies && ?", pq.Array(f.AnyPolicy))
	}
	if f.WithEmail {
		q = q.Where("email <> ''")
	}
	var out []models.User
	if err := q.Order("name").Find(&out).Error; err != nil {
		return nil, cerr.Wrap(err, "list users")
	}
	return out, nil
}

func (s *GormStore) UpdateUserEmail(ctx context.Context, entityID, email string) (*models.User, error) {
	res := s.db.WithContext(ctx).Model(&models.User{}).
		Where("entity_id = ?", entityID).
		Updates(map[string]any{"email": email, "updated_at": s.now()})
	if res.Error != nil {
		return nil, cerr.Wrapf(res.Error, "update email for %s", entityID)
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return s.GetUser(ctx, entityID)
}

func (s *GormStore) Ping(ctx context.Context) error {
	return pam_postgres.Health(ctx, s.db)
}
