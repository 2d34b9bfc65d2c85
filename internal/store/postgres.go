package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/nodepool/marketplace/internal/domain"
	"github.com/nodepool/marketplace/internal/pkg/apperr"
	"github.com/nodepool/marketplace/internal/pkg/logger"
)

// postgresStore is the durable Store adapter, grounded on the same
// gorm + pgx stack and SELECT ... FOR UPDATE row-locking pattern the
// teacher repo uses for its job queue (internal/data/repos/jobs). It gives
// operators a real persistence option once the marketplace outgrows a
// single process; the in-memory Store remains the default because nothing
// in this core requires a network round trip to behave correctly.
type postgresStore struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPostgres(db *gorm.DB, baseLog *logger.Logger) (Store, error) {
	if db == nil {
		return nil, errors.New("postgres store: nil db")
	}
	if err := db.AutoMigrate(&domain.Agent{}, &domain.Job{}, &domain.Payment{}); err != nil {
		return nil, err
	}
	return &postgresStore{db: db, log: baseLog.With("store", "postgres")}, nil
}

func (s *postgresStore) RegisterAgent(ctx context.Context, agent *domain.Agent) error {
	if agent.ID == "" {
		agent.ID = uuid.NewString()
	}
	if err := s.db.WithContext(ctx).Create(agent).Error; err != nil {
		return apperr.Wrap(apperr.Unavailable, "register agent", err)
	}
	return nil
}

func (s *postgresStore) GetAgent(ctx context.Context, id string) (*domain.Agent, error) {
	var a domain.Agent
	if err := s.db.WithContext(ctx).First(&a, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.New(apperr.NotFound, "agent not found")
		}
		return nil, apperr.Wrap(apperr.Unavailable, "get agent", err)
	}
	return &a, nil
}

func (s *postgresStore) GetAgentByCredential(ctx context.Context, credential string) (*domain.Agent, error) {
	var a domain.Agent
	if err := s.db.WithContext(ctx).First(&a, "credential = ?", credential).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.New(apperr.Unauthorized, "unknown credential")
		}
		return nil, apperr.Wrap(apperr.Unavailable, "get agent by credential", err)
	}
	return &a, nil
}

func (s *postgresStore) ListAgents(ctx context.Context) ([]*domain.Agent, error) {
	var out []*domain.Agent
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&out).Error; err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, "list agents", err)
	}
	return out, nil
}

func (s *postgresStore) ListHealthyAgents(ctx context.Context) ([]*domain.Agent, error) {
	var out []*domain.Agent
	if err := s.db.WithContext(ctx).Where("healthy = ?", true).Order("id ASC").Find(&out).Error; err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, "list healthy agents", err)
	}
	return out, nil
}

func (s *postgresStore) Heartbeat(ctx context.Context, agentID string, now time.Time) error {
	res := s.db.WithContext(ctx).Model(&domain.Agent{}).Where("id = ?", agentID).
		Updates(map[string]interface{}{"last_heartbeat_at": now, "healthy": true, "updated_at": now})
	if res.Error != nil {
		return apperr.Wrap(apperr.Unavailable, "heartbeat", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.New(apperr.NotFound, "agent not found")
	}
	return nil
}

func (s *postgresStore) MarkUnhealthy(ctx context.Context, heartbeatTimeout time.Duration, now time.Time) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cutoff := now.Add(-heartbeatTimeout)
		if err := tx.Model(&domain.Agent{}).
			Where("healthy = ? AND last_heartbeat_at < ?", true, cutoff).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		return tx.Model(&domain.Agent{}).Where("id IN ?", ids).
			Updates(map[string]interface{}{"healthy": false, "updated_at": now}).Error
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, "mark unhealthy", err)
	}
	return ids, nil
}

func (s *postgresStore) ObserveCompletion(ctx context.Context, agentID string, durationSeconds float64) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var a domain.Agent
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&a, "id = ?", agentID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.New(apperr.NotFound, "agent not found")
			}
			return err
		}
		avg := durationSeconds
		if a.AvgDurationSeconds != 0 {
			avg = avgDurationSmoothing*durationSeconds + (1-avgDurationSmoothing)*a.AvgDurationSeconds
		}
		return tx.Model(&a).Updates(map[string]interface{}{
			"completed":            gorm.Expr("completed + 1"),
			"avg_duration_seconds": avg,
		}).Error
	})
	if err != nil {
		if _, ok := err.(*apperr.Error); ok {
			return err
		}
		return apperr.Wrap(apperr.Unavailable, "observe completion", err)
	}
	return nil
}

func (s *postgresStore) ObserveFailure(ctx context.Context, agentID string) error {
	res := s.db.WithContext(ctx).Model(&domain.Agent{}).Where("id = ?", agentID).
		Update("failed", gorm.Expr("failed + 1"))
	if res.Error != nil {
		return apperr.Wrap(apperr.Unavailable, "observe failure", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.New(apperr.NotFound, "agent not found")
	}
	return nil
}

func (s *postgresStore) CreateJob(ctx context.Context, job *domain.Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return apperr.Wrap(apperr.Unavailable, "create job", err)
	}
	return nil
}

func (s *postgresStore) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	var j domain.Job
	if err := s.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.New(apperr.NotFound, "job not found")
		}
		return nil, apperr.Wrap(apperr.Unavailable, "get job", err)
	}
	return &j, nil
}

func (s *postgresStore) ListJobsByState(ctx context.Context, state domain.JobState) ([]*domain.Job, error) {
	var out []*domain.Job
	if err := s.db.WithContext(ctx).Where("state = ?", state).
		Order("priority DESC, admitted_at ASC").Find(&out).Error; err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, "list jobs by state", err)
	}
	return out, nil
}

func (s *postgresStore) ListJobsByAgent(ctx context.Context, agentID string) ([]*domain.Job, error) {
	var out []*domain.Job
	if err := s.db.WithContext(ctx).Where("assigned_agent_id = ?", agentID).
		Order("admitted_at ASC").Find(&out).Error; err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, "list jobs by agent", err)
	}
	return out, nil
}

func (s *postgresStore) ListInFlightJobs(ctx context.Context) ([]*domain.Job, error) {
	var out []*domain.Job
	if err := s.db.WithContext(ctx).Where("state IN ?", []domain.JobState{domain.JobAssigned, domain.JobRunning}).
		Order("admitted_at ASC").Find(&out).Error; err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, "list in-flight jobs", err)
	}
	return out, nil
}

func (s *postgresStore) assign(ctx context.Context, jobID, agentID string, now time.Time) (*domain.Job, *domain.Agent, error) {
	var job domain.Job
	var agent domain.Agent
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&job, "id = ?", jobID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.New(apperr.NotFound, "job not found")
			}
			return err
		}
		if job.State != domain.JobQueued {
			return apperr.New(apperr.Conflict, "job is not queued")
		}
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&agent, "id = ?", agentID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.New(apperr.NotFound, "agent not found")
			}
			return err
		}
		if agent.AvailableSlots() < 1 {
			return apperr.New(apperr.Conflict, "agent has no free slots")
		}

		if err := tx.Model(&job).Updates(map[string]interface{}{
			"state":             domain.JobAssigned,
			"assigned_agent_id": agentID,
			"assigned_at":       now,
			"updated_at":        now,
		}).Error; err != nil {
			return err
		}
		if err := tx.Model(&agent).Updates(map[string]interface{}{
			"current_load":     gorm.Expr("current_load + 1"),
			"last_assigned_at": now,
			"updated_at":       now,
		}).Error; err != nil {
			return err
		}
		job.State = domain.JobAssigned
		job.AssignedAgentID = agentID
		job.AssignedAt = &now
		agent.CurrentLoad++
		agent.LastAssignedAt = now
		return nil
	})
	if err != nil {
		if _, ok := err.(*apperr.Error); ok {
			return nil, nil, err
		}
		return nil, nil, apperr.Wrap(apperr.Unavailable, "assign job", err)
	}
	return &job, &agent, nil
}

func (s *postgresStore) AssignJob(ctx context.Context, jobID, agentID string, now time.Time) (*domain.Job, *domain.Agent, error) {
	return s.assign(ctx, jobID, agentID, now)
}

func (s *postgresStore) AcceptJob(ctx context.Context, jobID, agentID string, now time.Time) (*domain.Job, *domain.Agent, error) {
	return s.assign(ctx, jobID, agentID, now)
}

func (s *postgresStore) StartJob(ctx context.Context, jobID, agentID string, now time.Time) (*domain.Job, error) {
	var job domain.Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&job, "id = ?", jobID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.New(apperr.NotFound, "job not found")
			}
			return err
		}
		if job.State != domain.JobAssigned || job.AssignedAgentID != agentID {
			return apperr.New(apperr.Conflict, "job is not assigned to this agent")
		}
		if err := tx.Model(&job).Updates(map[string]interface{}{
			"state":      domain.JobRunning,
			"started_at": now,
			"updated_at": now,
		}).Error; err != nil {
			return err
		}
		job.State = domain.JobRunning
		job.StartedAt = &now
		return nil
	})
	if err != nil {
		if _, ok := err.(*apperr.Error); ok {
			return nil, err
		}
		return nil, apperr.Wrap(apperr.Unavailable, "start job", err)
	}
	return &job, nil
}

func (s *postgresStore) CompleteJob(ctx context.Context, jobID, agentID string, durationSeconds float64, now time.Time) (*domain.Job, *domain.Payment, error) {
	var job domain.Job
	var payment domain.Payment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&job, "id = ?", jobID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.New(apperr.NotFound, "job not found")
			}
			return err
		}
		if job.State != domain.JobRunning || job.AssignedAgentID != agentID {
			return apperr.New(apperr.Conflict, "job is not running for this agent")
		}
		var existing int64
		if err := tx.Model(&domain.Payment{}).Where("job_id = ?", jobID).Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return apperr.New(apperr.Conflict, "job already has a payment")
		}
		var agent domain.Agent
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&agent, "id = ?", agentID).Error; err != nil {
			return err
		}

		if err := tx.Model(&job).Updates(map[string]interface{}{
			"state":        domain.JobCompleted,
			"completed_at": now,
			"updated_at":   now,
		}).Error; err != nil {
			return err
		}
		decrement := gorm.Expr("current_load - 1")
		if agent.CurrentLoad == 0 {
			decrement = gorm.Expr("current_load")
		}
		if err := tx.Model(&agent).Updates(map[string]interface{}{
			"current_load": decrement,
			"updated_at":   now,
		}).Error; err != nil {
			return err
		}

		payment = domain.Payment{
			ID:         uuid.NewString(),
			JobID:      jobID,
			FromWallet: "marketplace-treasury",
			ToWallet:   agent.Wallet,
			Amount:     job.Reward,
			State:      domain.PaymentPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := tx.Create(&payment).Error; err != nil {
			return err
		}
		if err := tx.Model(&job).Update("payment_id", payment.ID).Error; err != nil {
			return err
		}

		job.State = domain.JobCompleted
		job.CompletedAt = &now
		job.PaymentID = payment.ID
		return nil
	})
	if err != nil {
		if _, ok := err.(*apperr.Error); ok {
			return nil, nil, err
		}
		return nil, nil, apperr.Wrap(apperr.Unavailable, "complete job", err)
	}
	return &job, &payment, nil
}

func (s *postgresStore) ReassignJob(ctx context.Context, jobID string, reason string, maxRetries int, now time.Time) (*domain.Job, bool, error) {
	var job domain.Job
	var abandoned bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&job, "id = ?", jobID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.New(apperr.NotFound, "job not found")
			}
			return err
		}
		if job.State != domain.JobAssigned && job.State != domain.JobRunning {
			return apperr.New(apperr.Conflict, "job is not in flight")
		}
		if job.AssignedAgentID != "" {
			var agent domain.Agent
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&agent, "id = ?", job.AssignedAgentID).Error; err == nil && agent.CurrentLoad > 0 {
				if err := tx.Model(&agent).Updates(map[string]interface{}{
					"current_load": gorm.Expr("current_load - 1"),
					"updated_at":   now,
				}).Error; err != nil {
					return err
				}
			}
		}

		abandoned = job.RetryCount >= maxRetries
		updates := map[string]interface{}{
			"assigned_agent_id": "",
			"assigned_at":       nil,
			"started_at":        nil,
			"last_error":        reason,
			"updated_at":        now,
		}
		if abandoned {
			updates["state"] = domain.JobAbandoned
			job.State = domain.JobAbandoned
		} else {
			updates["retry_count"] = job.RetryCount + 1
			updates["priority"] = job.Priority.Promote()
			updates["state"] = domain.JobQueued
			job.RetryCount++
			job.Priority = job.Priority.Promote()
			job.State = domain.JobQueued
		}
		job.AssignedAgentID = ""
		job.AssignedAt = nil
		job.StartedAt = nil
		job.LastError = reason
		return tx.Model(&job).Updates(updates).Error
	})
	if err != nil {
		if _, ok := err.(*apperr.Error); ok {
			return nil, false, err
		}
		return nil, false, apperr.Wrap(apperr.Unavailable, "reassign job", err)
	}
	return &job, abandoned, nil
}

func (s *postgresStore) CreatePayment(ctx context.Context, payment *domain.Payment) error {
	if payment.ID == "" {
		payment.ID = uuid.NewString()
	}
	if err := s.db.WithContext(ctx).Create(payment).Error; err != nil {
		return apperr.Wrap(apperr.Unavailable, "create payment", err)
	}
	return nil
}

func (s *postgresStore) GetPayment(ctx context.Context, id string) (*domain.Payment, error) {
	var p domain.Payment
	if err := s.db.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.New(apperr.NotFound, "payment not found")
		}
		return nil, apperr.Wrap(apperr.Unavailable, "get payment", err)
	}
	return &p, nil
}

func (s *postgresStore) GetPaymentByJob(ctx context.Context, jobID string) (*domain.Payment, error) {
	var p domain.Payment
	if err := s.db.WithContext(ctx).First(&p, "job_id = ?", jobID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.New(apperr.NotFound, "no payment for job")
		}
		return nil, apperr.Wrap(apperr.Unavailable, "get payment by job", err)
	}
	return &p, nil
}

func (s *postgresStore) ListPaymentsDue(ctx context.Context, now time.Time) ([]*domain.Payment, error) {
	var out []*domain.Payment
	q := s.db.WithContext(ctx).
		Where("state IN ? AND parked_at IS NULL", []domain.PaymentState{domain.PaymentPending, domain.PaymentFailed}).
		Where("next_retry_at IS NULL OR next_retry_at <= ?", now).
		Order("created_at ASC")
	if err := q.Find(&out).Error; err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, "list payments due", err)
	}
	return out, nil
}

func (s *postgresStore) UpdatePaymentResult(ctx context.Context, id string, state domain.PaymentState, signature string, nextRetryAt *time.Time, parkedAt *time.Time) error {
	updates := map[string]interface{}{
		"state":         state,
		"attempts":      gorm.Expr("attempts + 1"),
		"next_retry_at": nextRetryAt,
		"parked_at":     parkedAt,
	}
	if signature != "" {
		updates["signature"] = signature
	}
	res := s.db.WithContext(ctx).Model(&domain.Payment{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return apperr.Wrap(apperr.Unavailable, "update payment result", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.New(apperr.NotFound, "payment not found")
	}
	return nil
}

func (s *postgresStore) Stats(ctx context.Context) (Counters, error) {
	var c Counters
	type row struct {
		State domain.JobState
		N     int64
	}
	var rows []row
	if err := s.db.WithContext(ctx).Model(&domain.Job{}).
		Select("state, count(*) as n").Group("state").Scan(&rows).Error; err != nil {
		return c, apperr.Wrap(apperr.Unavailable, "stats", err)
	}
	for _, r := range rows {
		switch r.State {
		case domain.JobQueued:
			c.Queued = r.N
		case domain.JobAssigned:
			c.Assigned = r.N
		case domain.JobRunning:
			c.Running = r.N
		case domain.JobCompleted:
			c.Completed = r.N
		case domain.JobFailed:
			c.Failed = r.N
		case domain.JobAbandoned:
			c.Abandoned = r.N
		}
	}
	if err := s.db.WithContext(ctx).Model(&domain.Agent{}).Count(&c.Agents).Error; err != nil {
		return c, apperr.Wrap(apperr.Unavailable, "stats", err)
	}
	if err := s.db.WithContext(ctx).Model(&domain.Agent{}).Where("healthy = ?", true).Count(&c.Healthy).Error; err != nil {
		return c, apperr.Wrap(apperr.Unavailable, "stats", err)
	}
	return c, nil
}
