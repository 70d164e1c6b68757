// Package jobs drives a posted job through its lifecycle: funding, claim, review, close and
// deletion. Every state change is one conditional write in the store; the service only decides
// who may ask for it and what follows once it applied.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/civicbounty/service_layer/internal/authz"
	"github.com/civicbounty/service_layer/internal/database"
	svcerrors "github.com/civicbounty/service_layer/internal/errors"
	"github.com/civicbounty/service_layer/internal/ledger"
	"github.com/civicbounty/service_layer/internal/logging"
	"github.com/civicbounty/service_layer/internal/metrics"
	"github.com/civicbounty/service_layer/internal/notify"
	"github.com/civicbounty/service_layer/internal/payout"
)

// DefaultAutoApproveConfidence is the AI score at or above which a fix is approved without a reviewer.
const DefaultAutoApproveConfidence = 7

const (
	maxTitleLength       = 200
	maxDescriptionLength = 5000
	maxLocationLength    = 500
	maxNoteLength        = 2000
	maxNameLength        = 100
)

var (
	ErrJobNotFound        = errors.New("job not found")
	ErrJobAlreadyClaimed  = errors.New("job already claimed")
	ErrJobAlreadyDeleted  = errors.New("job already deleted")
	ErrJobNotOpen         = errors.New("job is not open")
	ErrJobNotUnderReview  = errors.New("job is not under review")
	ErrNotResolver        = errors.New("caller cannot resolve this job")
	ErrFundingRequired    = errors.New("post must be paid for")
	ErrUnknownFixer       = errors.New("unknown fixer")
	ErrMissingDestination = errors.New("anonymous fixer without payout destination")
)

// AlreadyClaimedMessage is returned to the loser of a claim race.
const AlreadyClaimedMessage = "This job has already been claimed by someone else"

// Config tunes the review flow.
type Config struct {
	AutoApproveConfidence int
}

// Service runs job operations.
type Service struct {
	repo     database.RepositoryInterface
	ledger   *ledger.Service
	payout   *payout.Orchestrator
	notifier notify.Notifier
	logger   *logging.Logger
	cfg      Config
	now      func() time.Time
}

// NewService creates a job service. notifier may be nil.
func NewService(repo database.RepositoryInterface, ledgerSvc *ledger.Service, payouts *payout.Orchestrator, notifier notify.Notifier, cfg Config, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.NewDefault("jobs")
	}
	if cfg.AutoApproveConfidence <= 0 {
		cfg.AutoApproveConfidence = DefaultAutoApproveConfidence
	}
	return &Service{
		repo:     repo,
		ledger:   ledgerSvc,
		payout:   payouts,
		notifier: notifier,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
	}
}

// CreateRequest is a new post.
type CreateRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Location    string `json:"location,omitempty"`
	// Reward is already normalized against the pricing policy.
	Reward     int64  `json:"reward"`
	GroupID    string `json:"group_id,omitempty"`
	PosterName string `json:"poster_name,omitempty"`
}

// Validate checks field bounds.
func (r *CreateRequest) Validate() error {
	r.Title = strings.TrimSpace(r.Title)
	r.Description = strings.TrimSpace(r.Description)
	switch {
	case r.Title == "":
		return svcerrors.Validation("title is required")
	case len(r.Title) > maxTitleLength:
		return svcerrors.Validation(fmt.Sprintf("title must be at most %d characters", maxTitleLength))
	case r.Description == "":
		return svcerrors.Validation("description is required")
	case len(r.Description) > maxDescriptionLength:
		return svcerrors.Validation(fmt.Sprintf("description must be at most %d characters", maxDescriptionLength))
	case len(r.Location) > maxLocationLength:
		return svcerrors.Validation(fmt.Sprintf("location must be at most %d characters", maxLocationLength))
	case len(r.PosterName) > maxNameLength:
		return svcerrors.Validation(fmt.Sprintf("poster_name must be at most %d characters", maxNameLength))
	case r.Reward < 0:
		return svcerrors.Validation("reward must not be negative")
	}
	return nil
}

// CreateResult is the created job. Existing is true when the funding payment had already
// created it.
type CreateResult struct {
	Job      *database.Job `json:"job"`
	Existing bool          `json:"existing,omitempty"`
}

// Create stores a post paid for by the Lightning payment behind fundingHash. Retrying with the
// same hash returns the job the first request created.
func (s *Service) Create(ctx context.Context, actor authz.Actor, req CreateRequest, fundingHash string) (*CreateResult, error) {
	if fundingHash == "" {
		e := svcerrors.PaymentRequired("Post must be paid for")
		e.Err = ErrFundingRequired
		return nil, e
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if existing, err := s.repo.GetJobByFundingHash(ctx, fundingHash); err == nil {
		return &CreateResult{Job: existing, Existing: true}, nil
	} else if !database.IsNotFound(err) {
		return nil, svcerrors.Internal("Failed to check funding payment", err)
	}

	if err := s.ledger.CheckPostCaps(ctx, req.Reward); err != nil {
		return nil, err
	}

	job := s.newJob(actor, req)
	hash := fundingHash
	job.FundingPaymentHash = &hash
	if err := s.repo.CreateJob(ctx, job); err != nil {
		if errors.Is(err, database.ErrDuplicate) {
			if existing, getErr := s.repo.GetJobByFundingHash(ctx, fundingHash); getErr == nil {
				return &CreateResult{Job: existing, Existing: true}, nil
			}
		}
		return nil, svcerrors.Internal("Failed to create job", err)
	}

	if job.Reward > 0 {
		if _, err := s.ledger.Apply(ctx, authz.System(authz.ElevationFundingAudit), ledger.Entry{
			Account:     ledger.SystemAudit(),
			Amount:      job.Reward,
			Type:        database.TxTypeDeposit,
			Memo:        fmt.Sprintf("Lightning funding for job %s", job.ID),
			PaymentHash: fundingHash,
			JobID:       job.ID,
		}); err != nil {
			s.logger.WithContext(ctx).WithError(err).WithField("job_id", job.ID).Warn("Failed to record funding audit entry")
		}
	}

	s.created(ctx, job)
	return &CreateResult{Job: job}, nil
}

// CreateFromBalance stores a post whose reward is debited from the poster's balance.
func (s *Service) CreateFromBalance(ctx context.Context, actor authz.Actor, req CreateRequest) (*CreateResult, error) {
	if !actor.IsAuthenticated() {
		return nil, svcerrors.Unauthenticated("")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := s.ledger.CheckPostCaps(ctx, req.Reward); err != nil {
		return nil, err
	}

	job := s.newJob(actor, req)
	job.ID = uuid.NewString()
	if job.Reward > 0 {
		if _, err := s.ledger.Apply(ctx, actor, ledger.Entry{
			Account:     ledger.RegisteredUser(actor.UserID),
			Amount:      -job.Reward,
			Type:        database.TxTypeInternal,
			Memo:        fmt.Sprintf("Reward for job %s", job.ID),
			PaymentHash: "post:" + job.ID,
			JobID:       job.ID,
		}); err != nil {
			return nil, err
		}
	}

	if err := s.repo.CreateJob(ctx, job); err != nil {
		s.logger.WithContext(ctx).WithError(err).WithField("job_id", job.ID).Error("Failed to create funded job, refunding")
		if job.Reward > 0 {
			s.refund(ctx, actor, actor.UserID, job, "Refund for job that could not be created")
		}
		return nil, svcerrors.Internal("Failed to create job", err)
	}

	s.created(ctx, job)
	return &CreateResult{Job: job}, nil
}

func (s *Service) newJob(actor authz.Actor, req CreateRequest) *database.Job {
	job := &database.Job{
		Title:         req.Title,
		Description:   req.Description,
		Location:      req.Location,
		Reward:        req.Reward,
		CreatedByName: req.PosterName,
		CreatedAt:     s.now().UTC(),
	}
	if actor.IsAuthenticated() {
		id := actor.UserID
		job.CreatedBy = &id
	}
	if req.GroupID != "" {
		group := req.GroupID
		job.GroupID = &group
	}
	return job
}

func (s *Service) created(ctx context.Context, job *database.Job) {
	s.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"job_id": job.ID,
		"reward": job.Reward,
	}).Info("Job created")
	s.notify(notify.Event{
		Type:  notify.EventJobCreated,
		JobID: job.ID,
		Data:  map[string]interface{}{"reward": job.Reward, "title": job.Title},
	})
}

// Get returns a job, including soft-deleted ones.
func (s *Service) Get(ctx context.Context, jobID string) (*database.Job, error) {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		if database.IsNotFound(err) {
			e := svcerrors.NotFound("job", jobID)
			e.Err = ErrJobNotFound
			return nil, e
		}
		if errors.Is(err, database.ErrInvalidInput) {
			return nil, svcerrors.InvalidFormat("job_id", "a job identifier")
		}
		return nil, svcerrors.Internal("Failed to load job", err)
	}
	return job, nil
}

// DeleteResult is a deleted job and its refund.
type DeleteResult struct {
	Job    *database.Job  `json:"job"`
	Refund *ledger.Result `json:"refund,omitempty"`
	// ManualRefund is set when the poster has no balance to refund to; the reward is flagged
	// for a Lightning refund by support.
	ManualRefund bool `json:"manual_refund,omitempty"`
}

// Delete soft-deletes an open job and refunds its reward to the poster.
func (s *Service) Delete(ctx context.Context, actor authz.Actor, jobID string) (*DeleteResult, error) {
	if !actor.IsAuthenticated() {
		return nil, svcerrors.Unauthenticated("")
	}
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := deletable(job); err != nil {
		return nil, err
	}
	isPoster := job.CreatedBy != nil && *job.CreatedBy == actor.UserID
	if !isPoster && !actor.IsAdmin() {
		return nil, notResolver("Only the poster can delete this job")
	}

	applied, err := s.repo.SoftDeleteJob(ctx, job.ID, s.now())
	if err != nil {
		return nil, svcerrors.Internal("Failed to delete job", err)
	}
	if !applied {
		// Lost a race; report what the job turned into.
		current, getErr := s.Get(ctx, job.ID)
		if getErr != nil {
			return nil, getErr
		}
		if err := deletable(current); err != nil {
			return nil, err
		}
		return nil, conflict("Job could not be deleted", ErrJobNotOpen)
	}

	deleted, err := s.Get(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	s.logger.WithContext(ctx).WithFields(actor.Fields()).WithField("job_id", job.ID).Info("Job deleted")

	result := &DeleteResult{Job: deleted}
	switch {
	case job.Reward <= 0:
	case job.CreatedBy != nil:
		refunder := actor
		if !isPoster {
			refunder = actor.Elevate(authz.ElevationRefund)
		}
		refund, err := s.refund(ctx, refunder, *job.CreatedBy, job, fmt.Sprintf("Refund for deleted job %s", job.ID))
		if err != nil {
			return nil, err
		}
		result.Refund = refund
	default:
		// Anonymous posts were paid over Lightning and have no balance to credit.
		s.logger.LogCritical(ctx, "job_refund_manual", map[string]interface{}{
			"job_id":       job.ID,
			"amount":       job.Reward,
			"payment_hash": fundingHashOf(job),
			"deleted_by":   actor.UserID,
		})
		s.flagRefund(ctx, "job_refund_manual", "", job, "anonymous poster, refund over Lightning")
		result.ManualRefund = true
	}

	s.notify(notify.Event{
		Type:       notify.EventJobDeleted,
		JobID:      job.ID,
		Recipients: recipients(job.CreatedBy),
	})
	return result, nil
}

// refund credits the reward of job back to posterID. The job is already gone at this point, so
// a refund that cannot be written is flagged rather than dropped.
func (s *Service) refund(ctx context.Context, actor authz.Actor, posterID string, job *database.Job, memo string) (*ledger.Result, error) {
	res, err := s.ledger.Apply(ctx, actor, ledger.Entry{
		Account:     ledger.RegisteredUser(posterID),
		Amount:      job.Reward,
		Type:        database.TxTypeInternal,
		Memo:        memo,
		PaymentHash: "refund:" + job.ID,
		JobID:       job.ID,
	})
	if err == nil {
		return res, nil
	}
	if svcerrors.HasCode(err, svcerrors.CodeInconsistentState) {
		return nil, err
	}

	s.logger.LogCritical(ctx, "job_refund_failed", map[string]interface{}{
		"job_id":  job.ID,
		"user_id": posterID,
		"amount":  job.Reward,
		"error":   err.Error(),
	})
	s.flagRefund(ctx, "job_refund", posterID, job, "refund not written: "+err.Error())
	return nil, svcerrors.InconsistentState(err)
}

func (s *Service) flagRefund(ctx context.Context, operation, posterID string, job *database.Job, detail string) {
	metrics.RecordInconsistentState(operation)
	flag := &database.ReconciliationFlag{
		ID:          uuid.NewString(),
		Operation:   operation,
		UserID:      posterID,
		JobID:       job.ID,
		PaymentHash: fundingHashOf(job),
		Amount:      job.Reward,
		Detail:      detail,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.repo.CreateReconciliationFlag(ctx, flag); err != nil {
		s.logger.WithContext(ctx).WithError(err).WithField("job_id", job.ID).Error("Failed to create reconciliation flag")
	}
}

func fundingHashOf(job *database.Job) string {
	if job.FundingPaymentHash == nil {
		return ""
	}
	return *job.FundingPaymentHash
}

func deletable(job *database.Job) error {
	switch job.State() {
	case database.JobStateOpen:
		return nil
	case database.JobStateDeleted:
		return conflict("This job has already been deleted", ErrJobAlreadyDeleted)
	default:
		return conflict("Only open jobs can be deleted", ErrJobNotOpen)
	}
}

func (s *Service) notify(event notify.Event) {
	if s.notifier != nil {
		s.notifier.Dispatch(event)
	}
}

func recipients(ids ...*string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, id := range ids {
		if id == nil || *id == "" || seen[*id] {
			continue
		}
		seen[*id] = true
		out = append(out, *id)
	}
	return out
}

func conflict(message string, cause error) error {
	e := svcerrors.Conflict(message)
	e.Err = cause
	return e
}

func notResolver(message string) error {
	e := svcerrors.Unauthorized(message)
	e.Err = ErrNotResolver
	return e
}
