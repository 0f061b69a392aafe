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

// Package run drives the streaming question-answer flow: admission facts
// are already settled by the middleware chain; the engine retrieves
// context, streams the model answer over SSE, optionally synthesizes
// audio, and persists the exchange.
package run

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	v1 "github.com/nexusrag/nexusrag/pkg/apis/v1"
	"github.com/nexusrag/nexusrag/pkg/audit"
	"github.com/nexusrag/nexusrag/pkg/auth"
	"github.com/nexusrag/nexusrag/pkg/crypto"
	"github.com/nexusrag/nexusrag/pkg/entitlement"
	apierrors "github.com/nexusrag/nexusrag/pkg/errors"
	"github.com/nexusrag/nexusrag/pkg/llm"
	"github.com/nexusrag/nexusrag/pkg/logging"
	"github.com/nexusrag/nexusrag/pkg/metrics"
	"github.com/nexusrag/nexusrag/pkg/quota"
	"github.com/nexusrag/nexusrag/pkg/retrieval"
	"github.com/nexusrag/nexusrag/pkg/rollout"
	"github.com/nexusrag/nexusrag/pkg/storage"
	"github.com/nexusrag/nexusrag/pkg/tts"
)

const (
	historyLimit      = 20
	defaultSystemText = "Answer using only the retrieved context. Cite passages by number."
)

type Config struct {
	HeartbeatInterval time.Duration
}

type Engine struct {
	store        *storage.Store
	sessions     *storage.SessionRepository
	corpora      *storage.CorpusRepository
	tenants      *storage.TenantRepository
	registry     *crypto.Registry
	router       *retrieval.Router
	adapter      llm.Adapter
	synth        tts.Synthesizer
	entitlements *entitlement.Resolver
	rollout      *rollout.Controller
	quotas       *quota.Engine
	auditor      audit.Emitter
	config       Config
	metrics      *metrics.Metrics
	logger       *zap.Logger
}

func NewEngine(store *storage.Store, sessions *storage.SessionRepository, corpora *storage.CorpusRepository,
	tenants *storage.TenantRepository, registry *crypto.Registry, router *retrieval.Router, adapter llm.Adapter,
	synth tts.Synthesizer, entitlements *entitlement.Resolver, rolloutCtl *rollout.Controller, quotas *quota.Engine,
	auditor audit.Emitter, config Config, m *metrics.Metrics, logger *zap.Logger) *Engine {
	return &Engine{
		store:        store,
		sessions:     sessions,
		corpora:      corpora,
		tenants:      tenants,
		registry:     registry,
		router:       router,
		adapter:      adapter,
		synth:        synth,
		entitlements: entitlements,
		rollout:      rolloutCtl,
		quotas:       quotas,
		auditor:      auditor,
		config:       config,
		metrics:      m,
		logger:       logger,
	}
}

// prepared carries everything resolved before the first byte of the stream.
type prepared struct {
	tenantID  string
	requestID string
	request   v1.RunRequest
	session   *storage.Session
	config    *retrieval.Config
	principal auth.Principal
}

// Prepare settles everything that must fail as a plain HTTP error before
// streaming starts: session ownership, corpus resolution, provider config,
// and voice validation. After Prepare succeeds the caller commits to SSE.
func (e *Engine) Prepare(ctx context.Context, principal auth.Principal, requestID string, request v1.RunRequest) (*prepared, error) {
	if request.Audio {
		if err := e.entitlements.Require(ctx, principal.TenantID, entitlement.FeatureTTS); err != nil {
			return nil, err
		}
		if err := tts.ValidateVoice(request.Voice); err != nil {
			return nil, err
		}
	}
	corpus, err := e.corpora.Get(ctx, principal.TenantID, request.CorpusID)
	if err != nil {
		return nil, err
	}
	config, err := retrieval.ParseConfig(corpus.ProviderConfig)
	if err != nil {
		return nil, err
	}
	config.CorpusID = corpus.ID
	if request.TopK != nil {
		config.TopK = *request.TopK
	}
	session, err := e.sessions.Upsert(ctx, principal.TenantID, request.SessionID, request.CorpusID)
	if err != nil {
		return nil, err
	}
	return &prepared{
		tenantID:  principal.TenantID,
		requestID: requestID,
		request:   request,
		session:   session,
		config:    config,
		principal: principal,
	}, nil
}

// RefuseResume answers a Last-Event-ID reconnect: one resume.unsupported
// event, then done. Streams are not replayable.
func (e *Engine) RefuseResume(ctx context.Context, sink Sink, requestID string) {
	s := newStream(ctx, sink, requestID, e.config.HeartbeatInterval, e.metrics)
	_ = s.push(&v1.ResumeUnsupported{Message: "streams cannot be resumed; start a new run"})
	_ = s.push(&v1.Done{Status: "refused"})
	s.finish()
}

// Stream executes the prepared run over the sink. All failures after the
// first event surface in-stream as error followed by done.
func (e *Engine) Stream(ctx context.Context, sink Sink, p *prepared) {
	logger := logging.FromContext(ctx).With(
		zap.String("request-id", p.requestID), zap.String("session-id", p.session.ID))
	started := time.Now()
	e.metrics.RunStreamsActive.Inc()
	defer e.metrics.RunStreamsActive.Dec()
	defer func() { e.metrics.RunDuration.Observe(time.Since(started).Seconds()) }()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s := newStream(ctx, sink, p.requestID, e.config.HeartbeatInterval, e.metrics)
	defer s.finish()

	if err := s.push(&v1.RequestAccepted{
		SessionID: p.session.ID,
		CorpusID:  p.config.CorpusID,
		Provider:  p.config.Provider,
	}); err != nil {
		e.auditRun(ctx, p, audit.EventRunCancelled, audit.OutcomeFailure, "client disconnected before accept")
		return
	}

	result, err := e.router.Retrieve(ctx, p.tenantID, p.config, p.request.Message)
	if err != nil {
		e.failStream(ctx, s, p, err, logger)
		return
	}
	if p.request.Debug {
		if featureErr := e.entitlements.Require(ctx, p.tenantID, entitlement.FeatureDebugRetrieval); featureErr == nil {
			refs := make([]v1.RetrievedChunkRef, 0, len(result.Hits))
			for _, hit := range result.Hits {
				refs = append(refs, v1.RetrievedChunkRef{
					ChunkID:     hit.ChunkID,
					DocumentURI: hit.DocumentURI,
					Score:       hit.Score,
				})
			}
			if err := s.push(&v1.DebugRetrieval{
				Provider:  result.Provider,
				TopK:      result.TopK,
				ElapsedMS: result.Elapsed.Milliseconds(),
				Results:   refs,
			}); err != nil {
				e.auditRun(ctx, p, audit.EventRunCancelled, audit.OutcomeFailure, "client disconnected")
				return
			}
		}
	}

	history, err := e.loadHistory(ctx, p)
	if err != nil {
		e.failStream(ctx, s, p, err, logger)
		return
	}

	passages := make([]string, 0, len(result.Hits))
	for _, hit := range result.Hits {
		passages = append(passages, hit.Text)
	}
	completion, llmErr := e.adapter.Stream(ctx, llm.Request{
		System:          defaultSystemText,
		ContextPassages: passages,
		Messages:        append(history, llm.Message{Role: "user", Text: p.request.Message}),
	}, func(delta string) error {
		e.metrics.TokensForwarded.Inc()
		return s.push(&v1.TokenDelta{Text: delta})
	})
	if llmErr != nil {
		if ctx.Err() != nil || s.failure() != nil {
			e.persistExchange(p, completion)
			e.auditRun(ctx, p, audit.EventRunCancelled, audit.OutcomeFailure, "client disconnected mid-stream")
			logger.Info("run cancelled by client", zap.Duration("elapsed", time.Since(started)))
			return
		}
		e.failStream(ctx, s, p, llmErr, logger)
		return
	}

	messageID := uuid.NewString()
	if err := s.push(&v1.MessageFinal{
		MessageID:    messageID,
		Text:         completion.Text,
		FinishReason: completion.FinishReason,
		Usage: &v1.TokenUsage{
			InputTokens:  completion.Usage.InputTokens,
			OutputTokens: completion.Usage.OutputTokens,
		},
	}); err != nil {
		e.persistExchange(p, completion)
		e.auditRun(ctx, p, audit.EventRunCancelled, audit.OutcomeFailure, "client disconnected before final")
		return
	}

	if p.request.Audio {
		e.synthesize(ctx, s, p, completion.Text)
	}

	_ = s.push(&v1.Done{Status: "completed"})
	e.persistExchange(p, completion)
	e.quotas.RecordTokens(ctx, p.tenantID, completion.Usage.InputTokens+completion.Usage.OutputTokens)
	e.auditRun(ctx, p, audit.EventRunCompleted, audit.OutcomeSuccess, "")
	logger.Info("run completed",
		zap.String("provider", p.config.Provider),
		zap.Int("retrieved", len(result.Hits)),
		zap.Duration("elapsed", time.Since(started)))
}

// synthesize runs the TTS stage. Failures degrade to audio.error; the run
// still completes.
func (e *Engine) synthesize(ctx context.Context, s *stream, p *prepared, text string) {
	if err := e.rollout.Gate(ctx, rollout.KillTTS); err != nil {
		apiErr := apierrors.AsError(err)
		_ = s.push(&v1.AudioError{Code: string(apiErr.Code), Message: apiErr.Message})
		return
	}
	audio, err := e.synth.Synthesize(ctx, text, p.request.Voice)
	if err != nil {
		apiErr := apierrors.AsError(err)
		_ = s.push(&v1.AudioError{Code: string(apiErr.Code), Message: apiErr.Message})
		return
	}
	_ = s.push(&v1.AudioReady{
		AudioID:     audio.AudioID,
		MimeType:    audio.MimeType,
		SizeBytes:   len(audio.Data),
		Voice:       audio.Voice,
		AudioBase64: base64.StdEncoding.EncodeToString(audio.Data),
	})
}

// failStream reports a fatal in-stream failure: error event, then done.
func (e *Engine) failStream(ctx context.Context, s *stream, p *prepared, cause error, logger *zap.Logger) {
	apiErr := apierrors.AsError(cause)
	_ = s.push(&v1.StreamError{Code: string(apiErr.Code), Message: apiErr.Message})
	_ = s.push(&v1.Done{Status: "failed"})
	e.auditRun(ctx, p, audit.EventRunFailed, audit.OutcomeFailure, string(apiErr.Code))
	logger.Warn("run failed in stream", zap.String("code", string(apiErr.Code)), zap.Error(cause))
}

func (e *Engine) loadHistory(ctx context.Context, p *prepared) ([]llm.Message, error) {
	stored, err := e.sessions.History(ctx, p.tenantID, p.session.ID, historyLimit)
	if err != nil {
		return nil, err
	}
	history := make([]llm.Message, 0, len(stored))
	for _, msg := range stored {
		text, err := e.messageText(ctx, p.tenantID, msg)
		if err != nil {
			// Undecryptable history degrades to an empty turn rather than
			// failing the whole run.
			e.logger.Warn("skipping undecryptable message", zap.String("message-id", msg.ID), zap.Error(err))
			continue
		}
		history = append(history, llm.Message{Role: msg.Role, Text: text})
	}
	return history, nil
}

func (e *Engine) messageText(ctx context.Context, tenantID string, msg storage.Message) (string, error) {
	if msg.ContentPlain != nil {
		return *msg.ContentPlain, nil
	}
	if len(msg.ContentCipher) == 0 {
		return "", nil
	}
	plaintext, err := e.registry.Decrypt(ctx, tenantID, msg.ContentCipher)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// persistExchange writes the user message and whatever answer text was
// produced, on a fresh context so client disconnects cannot abort the
// write. Message text is encrypted when the tenant has crypto enabled.
func (e *Engine) persistExchange(p *prepared, completion *llm.Completion) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tenant, err := e.tenants.Get(ctx, p.tenantID)
	if err != nil {
		e.logger.Error("loading tenant for persistence", zap.Error(err))
		return
	}
	userMsg, err := e.buildMessage(ctx, tenant, p, "user", p.request.Message)
	if err != nil {
		e.logger.Error("preparing user message", zap.Error(err))
		return
	}
	messages := []storage.Message{*userMsg}
	if completion != nil && completion.Text != "" {
		assistantMsg, err := e.buildMessage(ctx, tenant, p, "assistant", completion.Text)
		if err != nil {
			e.logger.Error("preparing assistant message", zap.Error(err))
			return
		}
		messages = append(messages, *assistantMsg)
	}
	err = e.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		return e.sessions.AppendMessagesTx(ctx, tx, messages...)
	})
	if err != nil {
		e.logger.Error("persisting run exchange", zap.Error(err))
	}
}

func (e *Engine) buildMessage(ctx context.Context, tenant *storage.Tenant, p *prepared, role, text string) (*storage.Message, error) {
	msg := &storage.Message{
		ID:        uuid.NewString(),
		TenantID:  p.tenantID,
		SessionID: p.session.ID,
		Role:      role,
		RequestID: &p.requestID,
	}
	if tenant.CryptoEnabled {
		ciphertext, version, err := e.registry.Encrypt(ctx, p.tenantID, []byte(text))
		if err != nil {
			return nil, err
		}
		msg.ContentCipher = ciphertext
		keyVersion := int(version)
		msg.KeyVersion = &keyVersion
		return msg, nil
	}
	msg.ContentPlain = &text
	return msg, nil
}

func (e *Engine) auditRun(ctx context.Context, p *prepared, eventType, outcome, detail string) {
	metadata := map[string]any{"session_id": p.session.ID, "corpus_id": p.config.CorpusID}
	if detail != "" {
		metadata["detail"] = detail
	}
	e.auditor.Emit(ctx, audit.Event{
		TenantID:     p.tenantID,
		ActorType:    p.principal.ActorType(),
		ActorID:      p.principal.ActorID(),
		ActorRole:    string(p.principal.Role),
		EventType:    eventType,
		Outcome:      outcome,
		ResourceType: "session",
		ResourceID:   p.session.ID,
		RequestID:    p.requestID,
		Metadata:     metadata,
	})
}
