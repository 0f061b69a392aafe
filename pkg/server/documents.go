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

package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	v1 "github.com/nexusrag/nexusrag/pkg/apis/v1"
	"github.com/nexusrag/nexusrag/pkg/auth"
	"github.com/nexusrag/nexusrag/pkg/authz"
	apierrors "github.com/nexusrag/nexusrag/pkg/errors"
	"github.com/nexusrag/nexusrag/pkg/ingest"
	"github.com/nexusrag/nexusrag/pkg/retrieval"
	"github.com/nexusrag/nexusrag/pkg/storage"
)

// decideDocument runs the layered authorization engine against one document.
// Labels come from the document metadata so ABAC conditions can match them.
func (s *Server) decideDocument(r *http.Request, doc *storage.Document, action string) error {
	principal, _ := auth.FromContext(r.Context())
	labels := map[string]string{}
	if len(doc.Metadata) > 0 {
		_ = json.Unmarshal(doc.Metadata, &labels)
	}
	decision, err := s.authz.Decide(r.Context(), principal, authz.Resource{
		Type:       "document",
		ID:         doc.ID,
		TenantID:   doc.TenantID,
		DocumentID: doc.ID,
		Labels:     labels,
	}, action)
	if err != nil {
		return err
	}
	return decision.Err()
}

func documentToAPI(doc storage.Document, chunkCount int) v1.Document {
	out := v1.Document{
		ID:                  doc.ID,
		CorpusID:            doc.CorpusID,
		ContentType:         doc.ContentType,
		Status:              doc.Status,
		IngestSource:        doc.IngestSource,
		QueuedAt:            doc.QueuedAt,
		ProcessingStartedAt: doc.ProcessingStartedAt,
		CompletedAt:         doc.CompletedAt,
		LastReindexedAt:     doc.LastReindexedAt,
		ChunkCount:          chunkCount,
	}
	if doc.Filename != nil {
		out.Filename = *doc.Filename
	}
	if doc.FailureReason != nil {
		out.FailureReason = *doc.FailureReason
	}
	if doc.LastJobID != nil {
		out.LastJobID = *doc.LastJobID
	}
	if len(doc.Metadata) > 0 {
		metadata := map[string]string{}
		if err := json.Unmarshal(doc.Metadata, &metadata); err == nil && len(metadata) > 0 {
			out.Metadata = metadata
		}
	}
	return out
}

func submissionToAPI(sub *ingest.Submission) v1.IngestAccepted {
	return v1.IngestAccepted{
		DocumentID: sub.DocumentID,
		Status:     sub.Status,
		JobID:      sub.JobID,
		StatusURL:  sub.StatusURL,
	}
}

// handleUploadDocument accepts a multipart upload: a required `file` part
// plus `corpus_id` and optional `metadata` (a JSON object) form values.
func (s *Server) handleUploadDocument(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		s.writeError(w, r, apierrors.New(apierrors.CodeValidationFailed,
			"document upload requires multipart/form-data"))
		return
	}
	if err := r.ParseMultipartForm(ingest.MaxContentBytes); err != nil {
		s.writeError(w, r, apierrors.Wrap(apierrors.CodeValidationFailed, "parsing multipart form failed", err))
		return
	}
	corpusID := r.FormValue("corpus_id")
	if corpusID == "" {
		s.writeError(w, r, apierrors.New(apierrors.CodeValidationFailed, "corpus_id form value is required"))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, r, apierrors.Wrap(apierrors.CodeValidationFailed, "file part is required", err))
		return
	}
	defer file.Close()
	content, err := io.ReadAll(io.LimitReader(file, ingest.MaxContentBytes+1))
	if err != nil {
		s.writeError(w, r, apierrors.Wrap(apierrors.CodeValidationFailed, "reading file part failed", err))
		return
	}

	var metadata json.RawMessage
	if raw := r.FormValue("metadata"); raw != "" {
		labels := map[string]string{}
		if err := json.Unmarshal([]byte(raw), &labels); err != nil {
			s.writeError(w, r, apierrors.Wrap(apierrors.CodeValidationFailed,
				"metadata must be a JSON object of string values", err))
			return
		}
		metadata = json.RawMessage(raw)
	}

	sub, err := s.ingest.SubmitUpload(r.Context(), principal.TenantID, corpusID,
		header.Filename, header.Header.Get("Content-Type"), content, metadata)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusAccepted, submissionToAPI(sub))
}

func (s *Server) handleIngestText(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	var request v1.IngestTextRequest
	if err := s.decode(r, &request); err != nil {
		s.writeError(w, r, err)
		return
	}
	var metadata json.RawMessage
	if len(request.Metadata) > 0 {
		encoded, err := json.Marshal(request.Metadata)
		if err != nil {
			s.writeError(w, r, apierrors.Wrap(apierrors.CodeValidationFailed, "encoding metadata failed", err))
			return
		}
		metadata = encoded
	}
	sub, err := s.ingest.SubmitText(r.Context(), principal.TenantID, request.CorpusID,
		request.DocumentID, request.Text, request.Overwrite, metadata)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusAccepted, submissionToAPI(sub))
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	filter := storage.DocumentFilter{
		CorpusID: r.URL.Query().Get("corpus_id"),
		Status:   r.URL.Query().Get("status"),
		Offset:   queryInt(r, "offset", 0),
		Limit:    queryInt(r, "limit", 50),
	}
	docs, total, err := s.documents.List(r.Context(), principal.TenantID, filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := v1.DocumentList{
		Documents: make([]v1.Document, 0, len(docs)),
		Total:     total,
		Offset:    filter.Offset,
		Limit:     filter.Limit,
	}
	for _, doc := range docs {
		out.Documents = append(out.Documents, documentToAPI(doc, 0))
	}
	s.writeData(w, r, http.StatusOK, out)
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	doc, err := s.documents.Get(r.Context(), principal.TenantID, chi.URLParam(r, "documentID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.decideDocument(r, doc, authz.ActionRead); err != nil {
		s.writeError(w, r, err)
		return
	}
	chunks, err := s.documents.ChunkCount(r.Context(), doc.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, documentToAPI(*doc, chunks))
}

func (s *Server) handleReindexDocument(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	documentID := chi.URLParam(r, "documentID")
	doc, err := s.documents.Get(r.Context(), principal.TenantID, documentID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.decideDocument(r, doc, authz.ActionWrite); err != nil {
		s.writeError(w, r, err)
		return
	}
	sub, err := s.ingest.Reindex(r.Context(), principal.TenantID, documentID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusAccepted, submissionToAPI(sub))
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	documentID := chi.URLParam(r, "documentID")
	doc, err := s.documents.Get(r.Context(), principal.TenantID, documentID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.decideDocument(r, doc, authz.ActionDelete); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.ingest.Delete(r.Context(), principal.TenantID, documentID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("X-Request-Id", requestIDFrom(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListACL(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	documentID := chi.URLParam(r, "documentID")
	doc, err := s.documents.Get(r.Context(), principal.TenantID, documentID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.decideDocument(r, doc, authz.ActionRead); err != nil {
		s.writeError(w, r, err)
		return
	}
	grants, err := s.acls.ListForDocument(r.Context(), principal.TenantID, documentID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := v1.ACLGrantList{Grants: make([]v1.ACLGrant, 0, len(grants))}
	for _, grant := range grants {
		out.Grants = append(out.Grants, aclGrantToAPI(grant))
	}
	s.writeData(w, r, http.StatusOK, out)
}

func aclGrantToAPI(grant authz.ACLGrant) v1.ACLGrant {
	return v1.ACLGrant{
		DocumentID:    grant.DocumentID,
		PrincipalType: grant.PrincipalType,
		PrincipalID:   grant.PrincipalID,
		Permission:    grant.Permission,
		ExpiresAt:     grant.ExpiresAt,
		CreatedAt:     grant.CreatedAt,
	}
}

// handleGrantACL requires an owner-level grant (or admin bypass) on the
// document before extending access to another principal.
func (s *Server) handleGrantACL(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	documentID := chi.URLParam(r, "documentID")
	doc, err := s.documents.Get(r.Context(), principal.TenantID, documentID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.decideDocument(r, doc, authz.ActionAdmin); err != nil {
		s.writeError(w, r, err)
		return
	}
	var request v1.ACLGrantRequest
	if err := s.decode(r, &request); err != nil {
		s.writeError(w, r, err)
		return
	}
	grant := authz.ACLGrant{
		DocumentID:    documentID,
		TenantID:      principal.TenantID,
		PrincipalType: request.PrincipalType,
		PrincipalID:   request.PrincipalID,
		Permission:    request.Permission,
	}
	if err := s.acls.Grant(r.Context(), grant); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusCreated, aclGrantToAPI(grant))
}

func (s *Server) handleRevokeACL(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	documentID := chi.URLParam(r, "documentID")
	doc, err := s.documents.Get(r.Context(), principal.TenantID, documentID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.decideDocument(r, doc, authz.ActionAdmin); err != nil {
		s.writeError(w, r, err)
		return
	}
	query := r.URL.Query()
	principalType := query.Get("principal_type")
	principalID := query.Get("principal_id")
	permission := query.Get("permission")
	if principalType == "" || principalID == "" || permission == "" {
		s.writeError(w, r, apierrors.New(apierrors.CodeValidationFailed,
			"principal_type, principal_id and permission query parameters are required"))
		return
	}
	if err := s.acls.Revoke(r.Context(), principal.TenantID, documentID, principalType, principalID, permission); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("X-Request-Id", requestIDFrom(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

func corpusToAPI(corpus storage.Corpus) v1.Corpus {
	return v1.Corpus{
		ID:             corpus.ID,
		Name:           corpus.Name,
		ProviderConfig: corpus.ProviderConfig,
		CreatedAt:      corpus.CreatedAt,
		UpdatedAt:      corpus.UpdatedAt,
	}
}

func (s *Server) handleListCorpora(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	corpora, err := s.corpora.List(r.Context(), principal.TenantID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]v1.Corpus, 0, len(corpora))
	for _, corpus := range corpora {
		out = append(out, corpusToAPI(corpus))
	}
	s.writeData(w, r, http.StatusOK, map[string]any{"corpora": out})
}

func (s *Server) handleGetCorpus(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	corpus, err := s.corpora.Get(r.Context(), principal.TenantID, chi.URLParam(r, "corpusID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, corpusToAPI(*corpus))
}

// validateProviderConfig rejects provider configs that cannot round-trip
// through the retrieval router, and gates external providers on entitlements.
func (s *Server) validateProviderConfig(r *http.Request, tenantID string, raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	config, err := retrieval.ParseConfig(raw)
	if err != nil {
		return err
	}
	if err := config.Validate(); err != nil {
		return err
	}
	if config.External() {
		feature := retrieval.FeatureForProvider(config.Provider)
		if feature != "" {
			if err := s.entitlements.Require(r.Context(), tenantID, feature); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Server) handleCreateCorpus(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	var request v1.CorpusCreateRequest
	if err := s.decode(r, &request); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.validateProviderConfig(r, principal.TenantID, request.ProviderConfig); err != nil {
		s.writeError(w, r, err)
		return
	}
	providerConfig := request.ProviderConfig
	if len(providerConfig) == 0 {
		providerConfig = json.RawMessage(`{}`)
	}
	id := uuid.NewString()
	if err := s.corpora.Create(r.Context(), storage.Corpus{
		ID:             id,
		TenantID:       principal.TenantID,
		Name:           request.Name,
		ProviderConfig: providerConfig,
	}); err != nil {
		s.writeError(w, r, err)
		return
	}
	corpus, err := s.corpora.Get(r.Context(), principal.TenantID, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusCreated, corpusToAPI(*corpus))
}

func (s *Server) handlePatchCorpus(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	var request v1.CorpusPatchRequest
	if err := s.decode(r, &request); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.validateProviderConfig(r, principal.TenantID, request.ProviderConfig); err != nil {
		s.writeError(w, r, err)
		return
	}
	corpus, err := s.corpora.Patch(r.Context(), principal.TenantID, chi.URLParam(r, "corpusID"),
		request.Name, request.ProviderConfig)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, corpusToAPI(*corpus))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	session, err := s.sessions.Get(r.Context(), principal.TenantID, chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, v1.Session{
		ID:           session.ID,
		CorpusID:     session.CorpusID,
		MessageCount: session.MessageCount,
		CreatedAt:    session.CreatedAt,
		UpdatedAt:    session.UpdatedAt,
	})
}
