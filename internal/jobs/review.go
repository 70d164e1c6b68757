package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/civicbounty/service_layer/internal/authz"
	"github.com/civicbounty/service_layer/internal/database"
	svcerrors "github.com/civicbounty/service_layer/internal/errors"
	"github.com/civicbounty/service_layer/internal/lightning"
	"github.com/civicbounty/service_layer/internal/metrics"
	"github.com/civicbounty/service_layer/internal/notify"
	"github.com/civicbounty/service_layer/internal/payout"
)

// FixRequest is a fix submitted for an open job.
type FixRequest struct {
	FixImageURL  string `json:"fix_image_url"`
	Note         string `json:"note,omitempty"`
	AIConfidence int    `json:"ai_confidence"`
	AIAnalysis   string `json:"ai_analysis,omitempty"`
	FixerName    string `json:"fixer_name,omitempty"`
	// LightningAddress is a bolt11 invoice or user@domain address. Anonymous fixers must set it.
	LightningAddress string `json:"lightning_address,omitempty"`
	// ForAccount claims on behalf of a connected account of the caller.
	ForAccount string `json:"for_account,omitempty"`
}

// Validate checks field bounds.
func (r *FixRequest) Validate() error {
	r.FixImageURL = strings.TrimSpace(r.FixImageURL)
	r.LightningAddress = strings.TrimSpace(r.LightningAddress)
	switch {
	case r.FixImageURL == "":
		return svcerrors.Validation("fix_image_url is required")
	case r.AIConfidence < 0 || r.AIConfidence > 10:
		return svcerrors.Validation("ai_confidence must be between 0 and 10")
	case len(r.Note) > maxNoteLength:
		return svcerrors.Validation(fmt.Sprintf("note must be at most %d characters", maxNoteLength))
	case len(r.FixerName) > maxNameLength:
		return svcerrors.Validation(fmt.Sprintf("fixer_name must be at most %d characters", maxNameLength))
	}
	if r.LightningAddress != "" && !lightning.IsLightningAddress(r.LightningAddress) {
		if _, err := lightning.DecodeInvoice(r.LightningAddress); err != nil {
			return svcerrors.InvalidFormat("lightning_address", "bolt11 invoice or user@domain address")
		}
	}
	return nil
}

// SubmitResult is the outcome of a fix submission.
type SubmitResult struct {
	Job          *database.Job   `json:"job"`
	AutoApproved bool            `json:"auto_approved"`
	Payout       *payout.Outcome `json:"payout,omitempty"`
	// PayoutError is set when the fix was approved but the reward could not be paid.
	PayoutError string `json:"payout_error,omitempty"`
}

// SubmitFix claims a job for the caller. A fix scored at or above the auto-approve threshold is
// approved and paid at once; anything lower waits for the owner or a group admin.
func (s *Service) SubmitFix(ctx context.Context, actor authz.Actor, jobID string, req FixRequest) (*SubmitResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var fixerID *string
	switch {
	case req.ForAccount != "":
		if !actor.IsAuthenticated() {
			return nil, svcerrors.Unauthenticated("")
		}
		connected, err := s.repo.IsConnectedAccount(ctx, actor.UserID, req.ForAccount)
		if err != nil {
			return nil, svcerrors.Internal("Failed to check account relationship", err)
		}
		if !connected {
			s.logger.LogSecurityEvent(ctx, "unauthorized_fix_account", map[string]interface{}{
				"actor_id": actor.UserID,
				"target":   req.ForAccount,
				"job_id":   jobID,
			})
			return nil, svcerrors.Unauthorized("Not authorized to submit fixes for this account")
		}
		id := req.ForAccount
		fixerID = &id
	case actor.IsAuthenticated():
		id := actor.UserID
		fixerID = &id
	case req.LightningAddress == "":
		e := svcerrors.Validation("Anonymous fixers must provide a Lightning invoice or address for the reward")
		e.Err = ErrMissingDestination
		return nil, e
	}

	params := database.ClaimJobParams{
		JobID:        jobID,
		FixerID:      fixerID,
		FixerName:    req.FixerName,
		FixImageURL:  req.FixImageURL,
		FixerNote:    req.Note,
		AIConfidence: req.AIConfidence,
		AIAnalysis:   req.AIAnalysis,
	}
	if req.LightningAddress != "" {
		dest := req.LightningAddress
		params.LightningAddress = &dest
	}

	res, err := s.repo.ClaimJob(ctx, params)
	if err != nil {
		metrics.RecordClaim("error")
		if errors.Is(err, database.ErrInvalidInput) {
			return nil, svcerrors.InvalidFormat("job_id", "a job identifier")
		}
		return nil, svcerrors.Internal("Failed to claim job", err)
	}
	if !res.Success {
		switch res.Error {
		case database.ClaimErrorNotFound:
			metrics.RecordClaim("not_found")
			e := svcerrors.NotFound("job", jobID)
			e.Err = ErrJobNotFound
			return nil, e
		case database.ClaimErrorAlreadyClaimed:
			metrics.RecordClaim("already_claimed")
			return nil, conflict(AlreadyClaimedMessage, ErrJobAlreadyClaimed)
		default:
			metrics.RecordClaim("error")
			return nil, svcerrors.Internal("Failed to claim job", fmt.Errorf("claim_job: %s", res.Error))
		}
	}
	metrics.RecordClaim("claimed")

	job, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	s.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"job_id":        jobID,
		"ai_confidence": req.AIConfidence,
		"anonymous":     fixerID == nil,
	}).Info("Fix submitted")

	if req.AIConfidence >= s.cfg.AutoApproveConfidence {
		return s.approve(ctx, authz.System(authz.ElevationAutoApprove), job, true)
	}

	admins := s.groupAdmins(ctx, job)
	s.notify(notify.Event{
		Type:       notify.EventFixSubmitted,
		JobID:      job.ID,
		Recipients: recipients(append([]*string{job.CreatedBy}, admins...)...),
		Data:       map[string]interface{}{"ai_confidence": req.AIConfidence},
	})
	return &SubmitResult{Job: job}, nil
}

// Approve accepts the pending fix of a job under review and pays the fixer.
func (s *Service) Approve(ctx context.Context, actor authz.Actor, jobID string) (*SubmitResult, error) {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := s.canResolve(ctx, actor, job); err != nil {
		return nil, err
	}
	if job.State() != database.JobStateUnderReview {
		return nil, conflict("This job has no fix awaiting review", ErrJobNotUnderReview)
	}
	return s.approve(ctx, actor.Elevate(authz.ElevationReview), job, false)
}

func (s *Service) approve(ctx context.Context, approver authz.Actor, job *database.Job, auto bool) (*SubmitResult, error) {
	applied, err := s.repo.ApproveJob(ctx, database.ApproveJobParams{
		JobID:              job.ID,
		FixerID:            job.ClaimedBy,
		FixerName:          job.ClaimedByName,
		At:                 s.now(),
		RequireUnderReview: true,
	})
	if err != nil {
		return nil, svcerrors.Internal("Failed to approve fix", err)
	}
	if !applied {
		return nil, conflict("This job has no fix awaiting review", ErrJobNotUnderReview)
	}

	fixed, err := s.Get(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	s.logger.WithContext(ctx).WithFields(approver.Fields()).WithFields(map[string]interface{}{
		"job_id":        job.ID,
		"auto_approved": auto,
	}).Info("Fix approved")

	result := &SubmitResult{Job: fixed, AutoApproved: auto}
	s.notify(notify.Event{
		Type:       notify.EventFixApproved,
		JobID:      job.ID,
		Recipients: recipients(fixed.FixedBy, fixed.CreatedBy),
		Data:       map[string]interface{}{"auto_approved": auto, "reward": fixed.Reward},
	})
	return s.pay(ctx, approver, fixed, result)
}

// pay runs the payout for a job that is already fixed. The approval stands whatever happens
// here; a failed payout is reported next to the fixed job.
func (s *Service) pay(ctx context.Context, approver authz.Actor, job *database.Job, result *SubmitResult) (*SubmitResult, error) {
	outcome, err := s.payout.PayReward(ctx, approver, job)
	if err != nil {
		if svcerrors.HasCode(err, svcerrors.CodeInconsistentState) {
			return nil, err
		}
		s.logger.WithContext(ctx).WithError(err).WithField("job_id", job.ID).Warn("Reward payout failed after approval")
		if se := svcerrors.GetServiceError(err); se != nil {
			result.PayoutError = se.Message
		} else {
			result.PayoutError = "Reward payout failed"
		}
		// An unknown outcome is already flagged by the payout; anything else left the reward owed.
		if !errors.Is(err, payout.ErrOutcomeUnknown) {
			s.flagUnpaid(ctx, job, err)
		}
		return result, nil
	}
	result.Payout = outcome
	if refreshed, err := s.repo.GetJob(ctx, job.ID); err == nil {
		result.Job = refreshed
	}
	return result, nil
}

// flagUnpaid records an approved reward that was not paid so support can settle it.
func (s *Service) flagUnpaid(ctx context.Context, job *database.Job, cause error) {
	metrics.RecordInconsistentState("reward_unpaid")
	fixer := ""
	if job.FixedBy != nil {
		fixer = *job.FixedBy
	}
	flag := &database.ReconciliationFlag{
		ID:        uuid.NewString(),
		Operation: "reward_unpaid",
		UserID:    fixer,
		JobID:     job.ID,
		Amount:    job.Reward,
		Detail:    "approved reward not paid: " + cause.Error(),
		CreatedAt: s.now().UTC(),
	}
	if err := s.repo.CreateReconciliationFlag(ctx, flag); err != nil {
		s.logger.WithContext(ctx).WithError(err).WithField("job_id", job.ID).Error("Failed to create reconciliation flag")
	}
}

// Reject sends a job under review back to open.
func (s *Service) Reject(ctx context.Context, actor authz.Actor, jobID string) (*database.Job, error) {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := s.canResolve(ctx, actor, job); err != nil {
		return nil, err
	}
	applied, err := s.repo.RejectClaim(ctx, job.ID)
	if err != nil {
		return nil, svcerrors.Internal("Failed to reject fix", err)
	}
	if !applied {
		return nil, conflict("This job has no fix awaiting review", ErrJobNotUnderReview)
	}

	s.logger.WithContext(ctx).WithFields(actor.Fields()).WithField("job_id", job.ID).Info("Fix rejected")
	s.notify(notify.Event{
		Type:       notify.EventFixRejected,
		JobID:      job.ID,
		Recipients: recipients(job.ClaimedBy),
	})
	return s.Get(ctx, job.ID)
}

// CloseRequest names who fixed a job that is closed by hand.
type CloseRequest struct {
	FixerUsername string `json:"fixer_username"`
}

// Close marks a job fixed by a fixer the owner names, whether or not that user claimed it, and
// pays them. Naming an arbitrary fixer is a privilege of the poster and group admins and is
// always audit-logged.
func (s *Service) Close(ctx context.Context, actor authz.Actor, jobID string, req CloseRequest) (*SubmitResult, error) {
	username := strings.TrimSpace(req.FixerUsername)
	if username == "" {
		return nil, svcerrors.Validation("fixer_username is required")
	}
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := s.canResolve(ctx, actor, job); err != nil {
		return nil, err
	}
	switch job.State() {
	case database.JobStateFixed:
		return nil, conflict("This job has already been fixed", ErrJobNotOpen)
	case database.JobStateDeleted:
		return nil, conflict("This job has already been deleted", ErrJobAlreadyDeleted)
	}

	fixer, err := s.repo.GetProfileByUsername(ctx, username)
	if err != nil {
		if database.IsNotFound(err) {
			e := svcerrors.Validation(fmt.Sprintf("No user named %q", username))
			e.Err = ErrUnknownFixer
			return nil, e
		}
		return nil, svcerrors.Internal("Failed to look up fixer", err)
	}

	closer := actor.Elevate(authz.ElevationManualClose)
	fields := closer.Fields()
	fields["job_id"] = job.ID
	fields["fixer_id"] = fixer.ID
	fields["fixer_username"] = fixer.Username
	fields["reward"] = job.Reward
	s.logger.LogSecurityEvent(ctx, "manual_close_elevation", fields)

	fixerID := fixer.ID
	applied, err := s.repo.ApproveJob(ctx, database.ApproveJobParams{
		JobID:     job.ID,
		FixerID:   &fixerID,
		FixerName: fixer.Username,
		At:        s.now(),
	})
	if err != nil {
		return nil, svcerrors.Internal("Failed to close job", err)
	}
	if !applied {
		return nil, conflict("This job has already been fixed or deleted", ErrJobNotOpen)
	}

	fixed, err := s.Get(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	s.notify(notify.Event{
		Type:       notify.EventJobClosed,
		JobID:      job.ID,
		Recipients: recipients(&fixerID, job.ClaimedBy),
		Data:       map[string]interface{}{"reward": job.Reward},
	})
	return s.pay(ctx, closer, fixed, &SubmitResult{Job: fixed})
}

// canResolve allows the poster, an approved admin of the job's group, or a platform admin.
func (s *Service) canResolve(ctx context.Context, actor authz.Actor, job *database.Job) error {
	if !actor.IsAuthenticated() {
		return svcerrors.Unauthenticated("")
	}
	if actor.IsAdmin() {
		return nil
	}
	if job.CreatedBy != nil && *job.CreatedBy == actor.UserID {
		return nil
	}
	for _, admin := range s.groupAdmins(ctx, job) {
		if *admin == actor.UserID {
			return nil
		}
	}
	return notResolver("Only the poster or a group admin can review this job")
}

func (s *Service) groupAdmins(ctx context.Context, job *database.Job) []*string {
	if job.GroupID == nil || *job.GroupID == "" {
		return nil
	}
	ids, err := s.repo.ListGroupAdmins(ctx, *job.GroupID)
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).WithField("group_id", *job.GroupID).Warn("Failed to list group admins")
		return nil
	}
	out := make([]*string, len(ids))
	for i := range ids {
		out[i] = &ids[i]
	}
	return out
}
