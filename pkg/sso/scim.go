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

package sso

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/nexusrag/nexusrag/pkg/audit"
	apierrors "github.com/nexusrag/nexusrag/pkg/errors"
	"github.com/nexusrag/nexusrag/pkg/storage"
)

const (
	SchemaUser      = "urn:ietf:params:scim:schemas:core:2.0:User"
	SchemaListReply = "urn:ietf:params:scim:api:messages:2.0:ListResponse"
	SchemaPatchOp   = "urn:ietf:params:scim:api:messages:2.0:PatchOp"
)

type SCIMEmail struct {
	Value   string `json:"value"`
	Primary bool   `json:"primary,omitempty"`
}

type SCIMMeta struct {
	ResourceType string `json:"resourceType"`
	Created      string `json:"created,omitempty"`
	LastModified string `json:"lastModified,omitempty"`
}

type SCIMUser struct {
	Schemas     []string    `json:"schemas"`
	ID          string      `json:"id,omitempty"`
	UserName    string      `json:"userName"`
	DisplayName string      `json:"displayName,omitempty"`
	ExternalID  string      `json:"externalId,omitempty"`
	Active      *bool       `json:"active,omitempty"`
	Emails      []SCIMEmail `json:"emails,omitempty"`
	Meta        *SCIMMeta   `json:"meta,omitempty"`
}

type SCIMListResponse struct {
	Schemas      []string   `json:"schemas"`
	TotalResults int        `json:"totalResults"`
	StartIndex   int        `json:"startIndex"`
	ItemsPerPage int        `json:"itemsPerPage"`
	Resources    []SCIMUser `json:"Resources"`
}

type SCIMPatchOp struct {
	Op    string `json:"op"`
	Path  string `json:"path,omitempty"`
	Value any    `json:"value,omitempty"`
}

type SCIMPatch struct {
	Schemas    []string      `json:"schemas"`
	Operations []SCIMPatchOp `json:"Operations"`
}

// SCIM maps the v2 Users resource onto tenant subjects.
type SCIM struct {
	subjects *storage.SubjectRepository
	auditor  audit.Emitter
	logger   *zap.Logger
}

func NewSCIM(subjects *storage.SubjectRepository, auditor audit.Emitter, logger *zap.Logger) *SCIM {
	return &SCIM{subjects: subjects, auditor: auditor, logger: logger}
}

func toSCIM(subject *storage.Subject) SCIMUser {
	user := SCIMUser{
		Schemas:  []string{SchemaUser},
		ID:       subject.ID,
		UserName: subject.UserName,
		Active:   lo.ToPtr(subject.Active),
		Meta: &SCIMMeta{
			ResourceType: "User",
			Created:      subject.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
			LastModified: subject.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		},
	}
	if subject.DisplayName != nil {
		user.DisplayName = *subject.DisplayName
	}
	if subject.ExternalID != nil {
		user.ExternalID = *subject.ExternalID
	}
	if subject.Email != nil {
		user.Emails = []SCIMEmail{{Value: *subject.Email, Primary: true}}
	}
	return user
}

func (s *SCIM) CreateUser(ctx context.Context, tenantID string, user SCIMUser) (*SCIMUser, error) {
	if user.UserName == "" {
		return nil, apierrors.New(apierrors.CodeValidationFailed, "userName is required")
	}
	if _, err := s.subjects.GetByUserName(ctx, tenantID, user.UserName); err == nil {
		return nil, apierrors.Newf(apierrors.CodeConflict, "userName %q already exists", user.UserName)
	}
	subject := storage.Subject{
		ID:       "sub_" + uuid.NewString(),
		TenantID: tenantID,
		UserName: user.UserName,
		Origin:   "scim",
		Active:   user.Active == nil || *user.Active,
	}
	applySCIMFields(&subject, user)
	if err := s.subjects.Create(ctx, subject); err != nil {
		return nil, err
	}
	s.auditSCIM(ctx, tenantID, subject.ID, audit.EventIdentitySCIMCreated)
	created, err := s.subjects.Get(ctx, tenantID, subject.ID)
	if err != nil {
		return nil, err
	}
	result := toSCIM(created)
	return &result, nil
}

func (s *SCIM) GetUser(ctx context.Context, tenantID, id string) (*SCIMUser, error) {
	subject, err := s.subjects.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	user := toSCIM(subject)
	return &user, nil
}

// ListUsers supports the single filter SCIM provisioners actually send,
// `userName eq "value"`, plus 1-based pagination.
func (s *SCIM) ListUsers(ctx context.Context, tenantID, filter string, startIndex, count int) (*SCIMListResponse, error) {
	if startIndex < 1 {
		startIndex = 1
	}
	if count <= 0 || count > 200 {
		count = 100
	}
	if userName, ok := parseUserNameFilter(filter); ok {
		response := &SCIMListResponse{
			Schemas:    []string{SchemaListReply},
			StartIndex: startIndex,
			Resources:  []SCIMUser{},
		}
		subject, err := s.subjects.GetByUserName(ctx, tenantID, userName)
		if err == nil {
			response.TotalResults = 1
			response.ItemsPerPage = 1
			response.Resources = append(response.Resources, toSCIM(subject))
		} else if !apierrors.IsCode(err, apierrors.CodeNotFound) {
			return nil, err
		}
		return response, nil
	}
	subjects, total, err := s.subjects.List(ctx, tenantID, startIndex-1, count)
	if err != nil {
		return nil, err
	}
	return &SCIMListResponse{
		Schemas:      []string{SchemaListReply},
		TotalResults: total,
		StartIndex:   startIndex,
		ItemsPerPage: len(subjects),
		Resources: lo.Map(subjects, func(subject storage.Subject, _ int) SCIMUser {
			return toSCIM(&subject)
		}),
	}, nil
}

// ReplaceUser is the PUT semantics: the payload fully describes the user.
func (s *SCIM) ReplaceUser(ctx context.Context, tenantID, id string, user SCIMUser) (*SCIMUser, error) {
	subject, err := s.subjects.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if user.UserName != "" && user.UserName != subject.UserName {
		if _, err := s.subjects.GetByUserName(ctx, tenantID, user.UserName); err == nil {
			return nil, apierrors.Newf(apierrors.CodeConflict, "userName %q already exists", user.UserName)
		}
		subject.UserName = user.UserName
	}
	subject.DisplayName = nil
	subject.Email = nil
	subject.ExternalID = nil
	applySCIMFields(subject, user)
	if user.Active != nil {
		subject.Active = *user.Active
	}
	if err := s.subjects.Update(ctx, *subject); err != nil {
		return nil, err
	}
	s.auditSCIM(ctx, tenantID, id, audit.EventIdentitySCIMUpdated)
	return s.GetUser(ctx, tenantID, id)
}

// PatchUser applies replace operations for the attributes provisioners
// patch in practice: active, displayName, userName.
func (s *SCIM) PatchUser(ctx context.Context, tenantID, id string, patch SCIMPatch) (*SCIMUser, error) {
	subject, err := s.subjects.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	for _, op := range patch.Operations {
		if !strings.EqualFold(op.Op, "replace") {
			return nil, apierrors.Newf(apierrors.CodeValidationFailed, "unsupported patch op %q", op.Op)
		}
		switch strings.ToLower(op.Path) {
		case "active":
			active, ok := op.Value.(bool)
			if !ok {
				return nil, apierrors.New(apierrors.CodeValidationFailed, "active must be a boolean")
			}
			subject.Active = active
		case "displayname":
			name, ok := op.Value.(string)
			if !ok {
				return nil, apierrors.New(apierrors.CodeValidationFailed, "displayName must be a string")
			}
			subject.DisplayName = &name
		case "username":
			userName, ok := op.Value.(string)
			if !ok || userName == "" {
				return nil, apierrors.New(apierrors.CodeValidationFailed, "userName must be a non-empty string")
			}
			subject.UserName = userName
		case "":
			// A pathless replace carries a partial user object.
			if err := applyPatchObject(subject, op.Value); err != nil {
				return nil, err
			}
		default:
			return nil, apierrors.Newf(apierrors.CodeValidationFailed, "unsupported patch path %q", op.Path)
		}
	}
	if err := s.subjects.Update(ctx, *subject); err != nil {
		return nil, err
	}
	s.auditSCIM(ctx, tenantID, id, audit.EventIdentitySCIMUpdated)
	return s.GetUser(ctx, tenantID, id)
}

func (s *SCIM) DeleteUser(ctx context.Context, tenantID, id string) error {
	if err := s.subjects.Delete(ctx, tenantID, id); err != nil {
		return err
	}
	s.auditSCIM(ctx, tenantID, id, audit.EventIdentitySCIMDeleted)
	return nil
}

func applySCIMFields(subject *storage.Subject, user SCIMUser) {
	if user.DisplayName != "" {
		name := user.DisplayName
		subject.DisplayName = &name
	}
	if user.ExternalID != "" {
		externalID := user.ExternalID
		subject.ExternalID = &externalID
	}
	for _, email := range user.Emails {
		if email.Primary || subject.Email == nil {
			value := email.Value
			subject.Email = &value
		}
	}
}

func applyPatchObject(subject *storage.Subject, value any) error {
	fields, ok := value.(map[string]any)
	if !ok {
		return apierrors.New(apierrors.CodeValidationFailed, "pathless replace requires an object value")
	}
	for key, raw := range fields {
		switch strings.ToLower(key) {
		case "active":
			active, ok := raw.(bool)
			if !ok {
				return apierrors.New(apierrors.CodeValidationFailed, "active must be a boolean")
			}
			subject.Active = active
		case "displayname":
			name, ok := raw.(string)
			if !ok {
				return apierrors.New(apierrors.CodeValidationFailed, "displayName must be a string")
			}
			subject.DisplayName = &name
		default:
			return apierrors.Newf(apierrors.CodeValidationFailed, "unsupported patch attribute %q", key)
		}
	}
	return nil
}

// parseUserNameFilter accepts `userName eq "value"`.
func parseUserNameFilter(filter string) (string, bool) {
	filter = strings.TrimSpace(filter)
	if filter == "" {
		return "", false
	}
	parts := strings.SplitN(filter, " ", 3)
	if len(parts) != 3 || !strings.EqualFold(parts[0], "userName") || !strings.EqualFold(parts[1], "eq") {
		return "", false
	}
	return strings.Trim(parts[2], `"`), true
}

func (s *SCIM) auditSCIM(ctx context.Context, tenantID, subjectID, eventType string) {
	s.auditor.Emit(ctx, audit.Event{
		TenantID:     tenantID,
		ActorType:    "api_key",
		EventType:    eventType,
		Outcome:      audit.OutcomeSuccess,
		ResourceType: "subject",
		ResourceID:   subjectID,
	})
}
