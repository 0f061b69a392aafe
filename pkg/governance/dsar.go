/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package governance

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/nexusrag/nexusrag/pkg/audit"
	"github.com/nexusrag/nexusrag/pkg/crypto"
	apierrors "github.com/nexusrag/nexusrag/pkg/errors"
	"github.com/nexusrag/nexusrag/pkg/logging"
	"github.com/nexusrag/nexusrag/pkg/queue"
	"github.com/nexusrag/nexusrag/pkg/storage"
)

const (
	// exportHistoryLimit bounds messages and audit rows in one export
	// artifact.
	exportHistoryLimit = 10000
	exportAuditLimit   = 1000
)

var dsarTypes = []string{storage.DSARTypeExport, storage.DSARTypeDelete, storage.DSARTypeAnonymize}

// dsarJobPayload ties a queue job back to its request row.
type dsarJobPayload struct {
	DSARID string `json:"dsar_id"`
}

// DSAR drives the data-subject request lifecycle. The subject identifier is
// matched against provisioned subjects (by id or user name) and against a
// session of the same id; export bundles everything found, destructive
// types delete or scrub it.
type DSAR struct {
	repo     *storage.GovernanceRepository
	subjects *storage.SubjectRepository
	sessions *storage.SessionRepository
	registry *crypto.Registry
	auditLog *audit.Query
	holds    *Holds
	jobs     *queue.Queue
	auditor  audit.Emitter
	logger   *zap.Logger
}

func NewDSAR(repo *storage.GovernanceRepository, subjects *storage.SubjectRepository,
	sessions *storage.SessionRepository, registry *crypto.Registry, auditLog *audit.Query,
	holds *Holds, jobs *queue.Queue, auditor audit.Emitter, logger *zap.Logger) *DSAR {
	return &DSAR{
		repo:     repo,
		subjects: subjects,
		sessions: sessions,
		registry: registry,
		auditLog: auditLog,
		holds:    holds,
		jobs:     jobs,
		auditor:  auditor,
		logger:   logger,
	}
}

func (d *DSAR) Create(ctx context.Context, tenantID, dsarType, subject string) (*storage.DSARRequest, error) {
	if !lo.Contains(dsarTypes, dsarType) {
		return nil, apierrors.Newf(apierrors.CodeValidationFailed, "unknown dsar type %q", dsarType)
	}
	if subject == "" {
		return nil, apierrors.New(apierrors.CodeValidationFailed, "dsar subject is required")
	}
	req := storage.DSARRequest{
		ID:       "dsar_" + uuid.NewString(),
		TenantID: tenantID,
		Type:     dsarType,
		Subject:  subject,
		Status:   storage.DSARStatusPending,
	}
	if err := d.repo.CreateDSAR(ctx, req); err != nil {
		return nil, err
	}
	d.auditor.Emit(ctx, audit.Event{
		TenantID:     tenantID,
		EventType:    audit.EventGovernanceDSARCreated,
		Outcome:      audit.OutcomeSuccess,
		ResourceType: "dsar_request",
		ResourceID:   req.ID,
		Metadata:     map[string]any{"type": dsarType},
	})
	return &req, nil
}

func (d *DSAR) Get(ctx context.Context, tenantID, id string) (*storage.DSARRequest, error) {
	return d.repo.GetDSAR(ctx, tenantID, id)
}

func (d *DSAR) List(ctx context.Context, tenantID string, offset, limit int) ([]storage.DSARRequest, int, error) {
	return d.repo.ListDSARs(ctx, tenantID, offset, limit)
}

func (d *DSAR) Approve(ctx context.Context, tenantID, id, approver string) error {
	return d.repo.ApproveDSAR(ctx, tenantID, id, approver)
}

func (d *DSAR) Reject(ctx context.Context, tenantID, id string) error {
	return d.repo.RejectDSAR(ctx, tenantID, id)
}

func (d *DSAR) Artifact(ctx context.Context, tenantID, id string) (*storage.DSARArtifact, error) {
	return d.repo.GetArtifact(ctx, tenantID, id)
}

// Start validates the request and enqueues its job. Destructive types need
// prior approval, and an active hold over the subject refuses the run.
func (d *DSAR) Start(ctx context.Context, tenantID, id string) (*queue.Job, error) {
	req, err := d.repo.GetDSAR(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if req.Status != storage.DSARStatusPending {
		return nil, apierrors.Newf(apierrors.CodeConflict, "dsar request %s is %s", id, req.Status)
	}
	if req.Destructive() {
		if req.ApprovedAt == nil {
			return nil, apierrors.Newf(apierrors.CodeDSARRequiresApproval,
				"dsar request %s needs admin approval before a destructive run", id)
		}
		if err := d.requireNoHold(ctx, req); err != nil {
			return nil, err
		}
	}
	job, err := d.jobs.Push(ctx, queue.Enqueue{
		Kind:     queue.KindDSARRun,
		TenantID: tenantID,
		Payload:  dsarJobPayload{DSARID: req.ID},
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// HandleJob is the queue handler that executes a started request.
func (d *DSAR) HandleJob(ctx context.Context, job *queue.Job) error {
	var payload dsarJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decoding dsar job payload, %w", err)
	}
	if job.TenantID == nil {
		return fmt.Errorf("dsar job %s has no tenant", job.ID)
	}
	req, err := d.repo.GetDSAR(ctx, *job.TenantID, payload.DSARID)
	if err != nil {
		return err
	}
	if err := d.repo.MarkDSARRunning(ctx, req.ID); err != nil {
		return err
	}
	d.auditDSAR(ctx, req, audit.EventGovernanceDSARRunning, audit.OutcomeSuccess, "")

	runErr := d.execute(ctx, req)
	if runErr != nil {
		if job.Attempts >= job.MaxAttempts {
			code := string(apierrors.AsError(runErr).Code)
			if err := d.repo.FailDSAR(ctx, req.ID, code); err != nil {
				d.logger.Error("marking dsar failed", zap.Error(err))
			}
			d.auditDSAR(ctx, req, audit.EventGovernanceDSARFailed, audit.OutcomeFailure, code)
		}
		return runErr
	}
	d.auditDSAR(ctx, req, audit.EventGovernanceDSARDone, audit.OutcomeSuccess, "")
	logging.FromContext(ctx).Info("dsar request completed",
		zap.String("dsar-id", req.ID), zap.String("type", req.Type))
	return nil
}

func (d *DSAR) execute(ctx context.Context, req *storage.DSARRequest) error {
	switch req.Type {
	case storage.DSARTypeExport:
		return d.runExport(ctx, req)
	case storage.DSARTypeDelete, storage.DSARTypeAnonymize:
		// Holds are re-checked at run time; one may have been created
		// after the request was started.
		if err := d.requireNoHold(ctx, req); err != nil {
			return err
		}
		return d.runDestructive(ctx, req)
	default:
		return apierrors.Newf(apierrors.CodeValidationFailed, "unknown dsar type %q", req.Type)
	}
}

func (d *DSAR) requireNoHold(ctx context.Context, req *storage.DSARRequest) error {
	index, err := d.holds.Index(ctx, req.TenantID)
	if err != nil {
		return err
	}
	if err := index.Require(storage.HoldScopeUserKey, req.Subject); err != nil {
		return err
	}
	return index.Require(storage.HoldScopeSession, req.Subject)
}

type exportMessage struct {
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

type exportSession struct {
	SessionID string          `json:"session_id"`
	CorpusID  string          `json:"corpus_id"`
	CreatedAt time.Time       `json:"created_at"`
	Messages  []exportMessage `json:"messages"`
}

type exportBundle struct {
	DSARID      string              `json:"dsar_id"`
	TenantID    string              `json:"tenant_id"`
	Subject     string              `json:"subject"`
	GeneratedAt time.Time           `json:"generated_at"`
	Profile     *storage.Subject    `json:"profile,omitempty"`
	Sessions    []exportSession     `json:"sessions"`
	AuditEvents []audit.StoredEvent `json:"audit_events"`
}

func (d *DSAR) runExport(ctx context.Context, req *storage.DSARRequest) error {
	bundle := exportBundle{
		DSARID:      req.ID,
		TenantID:    req.TenantID,
		Subject:     req.Subject,
		GeneratedAt: time.Now().UTC(),
		Sessions:    []exportSession{},
		AuditEvents: []audit.StoredEvent{},
	}
	if profile := d.lookupSubject(ctx, req.TenantID, req.Subject); profile != nil {
		bundle.Profile = profile
	}
	if session, err := d.sessions.Get(ctx, req.TenantID, req.Subject); err == nil {
		exported, err := d.exportSession(ctx, req.TenantID, session)
		if err != nil {
			return err
		}
		bundle.Sessions = append(bundle.Sessions, *exported)
	} else if !apierrors.IsCode(err, apierrors.CodeNotFound) {
		return err
	}
	events, _, err := d.auditLog.Events(ctx, req.TenantID, audit.QueryFilter{
		ActorID: req.Subject,
		Limit:   exportAuditLimit,
	})
	if err != nil {
		return err
	}
	bundle.AuditEvents = events

	content, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding dsar export bundle, %w", err)
	}
	digest := sha256.Sum256(content)
	artifact := storage.DSARArtifact{
		ID:       "art_" + uuid.NewString(),
		TenantID: req.TenantID,
		DSARID:   req.ID,
		Content:  content,
		SHA256:   hex.EncodeToString(digest[:]),
	}
	if err := d.repo.InsertArtifact(ctx, artifact); err != nil {
		return err
	}
	return d.repo.CompleteDSAR(ctx, req.ID, &artifact.ID)
}

func (d *DSAR) exportSession(ctx context.Context, tenantID string, session *storage.Session) (*exportSession, error) {
	messages, err := d.sessions.History(ctx, tenantID, session.ID, exportHistoryLimit)
	if err != nil {
		return nil, err
	}
	exported := &exportSession{
		SessionID: session.ID,
		CorpusID:  session.CorpusID,
		CreatedAt: session.CreatedAt,
		Messages:  make([]exportMessage, 0, len(messages)),
	}
	for _, msg := range messages {
		text := ""
		switch {
		case msg.ContentPlain != nil:
			text = *msg.ContentPlain
		case len(msg.ContentCipher) > 0:
			plaintext, err := d.registry.Decrypt(ctx, tenantID, msg.ContentCipher)
			if err != nil {
				return nil, err
			}
			text = string(plaintext)
		}
		exported.Messages = append(exported.Messages, exportMessage{
			Role:      msg.Role,
			Text:      text,
			CreatedAt: msg.CreatedAt,
		})
	}
	return exported, nil
}

// runDestructive removes or scrubs everything matching the subject.
// Anonymize keeps skeleton rows and is stable under re-run; delete removes
// rows outright.
func (d *DSAR) runDestructive(ctx context.Context, req *storage.DSARRequest) error {
	if session, err := d.sessions.Get(ctx, req.TenantID, req.Subject); err == nil {
		if req.Type == storage.DSARTypeDelete {
			if err := d.sessions.Delete(ctx, req.TenantID, session.ID); err != nil {
				return err
			}
		} else if err := d.sessions.Anonymize(ctx, req.TenantID, session.ID); err != nil {
			return err
		}
	} else if !apierrors.IsCode(err, apierrors.CodeNotFound) {
		return err
	}
	if profile := d.lookupSubject(ctx, req.TenantID, req.Subject); profile != nil {
		if req.Type == storage.DSARTypeDelete {
			if err := d.subjects.Delete(ctx, req.TenantID, profile.ID); err != nil {
				return err
			}
		} else {
			profile.DisplayName = nil
			profile.Email = nil
			profile.ExternalID = nil
			profile.Active = false
			if err := d.subjects.Update(ctx, *profile); err != nil {
				return err
			}
		}
	}
	return d.repo.CompleteDSAR(ctx, req.ID, nil)
}

func (d *DSAR) lookupSubject(ctx context.Context, tenantID, subject string) *storage.Subject {
	if profile, err := d.subjects.Get(ctx, tenantID, subject); err == nil {
		return profile
	}
	if profile, err := d.subjects.GetByUserName(ctx, tenantID, subject); err == nil {
		return profile
	}
	return nil
}

func (d *DSAR) auditDSAR(ctx context.Context, req *storage.DSARRequest, eventType, outcome, errorCode string) {
	d.auditor.Emit(ctx, audit.Event{
		TenantID:     req.TenantID,
		ActorType:    "system",
		EventType:    eventType,
		Outcome:      outcome,
		ResourceType: "dsar_request",
		ResourceID:   req.ID,
		ErrorCode:    errorCode,
		Metadata:     map[string]any{"type": req.Type, "subject": req.Subject},
	})
}
