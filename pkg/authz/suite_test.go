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

package authz_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/nexusrag/nexusrag/pkg/auth"
	"github.com/nexusrag/nexusrag/pkg/authz"
	apierrors "github.com/nexusrag/nexusrag/pkg/errors"
	"github.com/nexusrag/nexusrag/pkg/storage"
)

func TestAuthz(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Authz")
}

var (
	grantColumns = []string{
		"document_id", "tenant_id", "principal_type", "principal_id",
		"permission", "expires_at", "created_at",
	}
	policyColumns = []string{
		"id", "tenant_id", "name", "effect", "resource_type", "action",
		"priority", "condition", "enabled", "allow_wildcards",
		"created_at", "updated_at",
	}
)

func policyRow(rows *sqlmock.Rows, id, effect, resourceType, action string, priority int, condition string, allowWildcards bool) {
	now := time.Now()
	var raw []byte
	if condition != "" {
		raw = []byte(condition)
	}
	rows.AddRow(id, "t_1", id, effect, resourceType, action, priority, raw, true, allowWildcards, now, now)
}

// newEngine returns an engine whose repositories run against sqlmock. Tests
// that never reach the ACL or ABAC layers leave the mock untouched.
func newEngine(config authz.Config) (*authz.Engine, sqlmock.Sqlmock) {
	raw, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	Expect(err).ToNot(HaveOccurred())
	store := storage.NewFromDB(raw, zap.NewNop())
	engine := authz.NewEngine(
		authz.NewPolicyRepository(store),
		authz.NewACLRepository(store),
		config,
		zap.NewNop(),
	)
	return engine, mock
}

var _ = Describe("Decide", func() {
	ctx := context.Background()
	editor := auth.Principal{TenantID: "t_1", Role: auth.RoleEditor, APIKeyID: "key_1"}
	corpus := authz.Resource{Type: "corpora", ID: "crp_1", TenantID: "t_1"}

	Context("tenant boundary", func() {
		It("should refuse a resource owned by another tenant", func() {
			engine, _ := newEngine(authz.Config{})
			decision, err := engine.Decide(ctx, editor, authz.Resource{Type: "corpora", TenantID: "t_2"}, authz.ActionRead)
			Expect(err).ToNot(HaveOccurred())
			Expect(decision.Allowed).To(BeFalse())
			Expect(decision.Code).To(Equal(apierrors.CodeForbidden))
		})

		It("should treat an unowned resource as in-tenant", func() {
			engine, _ := newEngine(authz.Config{})
			decision, err := engine.Decide(ctx, editor, authz.Resource{Type: "tenants"}, authz.ActionRead)
			Expect(err).ToNot(HaveOccurred())
			Expect(decision.Allowed).To(BeTrue())
		})
	})

	Context("role gate", func() {
		It("should hold readers to read-only actions", func() {
			engine, _ := newEngine(authz.Config{})
			reader := auth.Principal{TenantID: "t_1", Role: auth.RoleReader}

			decision, err := engine.Decide(ctx, reader, corpus, authz.ActionRead)
			Expect(err).ToNot(HaveOccurred())
			Expect(decision.Allowed).To(BeTrue())

			for _, action := range []string{authz.ActionWrite, authz.ActionDelete, authz.ActionRun} {
				decision, err = engine.Decide(ctx, reader, corpus, action)
				Expect(err).ToNot(HaveOccurred())
				Expect(decision.Allowed).To(BeFalse())
				Expect(decision.Code).To(Equal(apierrors.CodeForbidden))
			}
		})

		It("should reserve admin actions for admins", func() {
			engine, _ := newEngine(authz.Config{})
			decision, err := engine.Decide(ctx, editor, corpus, authz.ActionAdmin)
			Expect(err).ToNot(HaveOccurred())
			Expect(decision.Code).To(Equal(apierrors.CodeForbidden))

			admin := auth.Principal{TenantID: "t_1", Role: auth.RoleAdmin}
			decision, err = engine.Decide(ctx, admin, corpus, authz.ActionAdmin)
			Expect(err).ToNot(HaveOccurred())
			Expect(decision.Allowed).To(BeTrue())
		})

		It("should require admin for unknown actions", func() {
			engine, _ := newEngine(authz.Config{})
			decision, err := engine.Decide(ctx, editor, corpus, "mystery")
			Expect(err).ToNot(HaveOccurred())
			Expect(decision.Code).To(Equal(apierrors.CodeForbidden))
		})
	})

	Context("document ACLs", func() {
		document := authz.Resource{Type: "documents", ID: "doc_1", TenantID: "t_1", DocumentID: "doc_1"}

		It("should allow a write when a write grant covers the api key", func() {
			engine, mock := newEngine(authz.Config{})
			mock.ExpectQuery(`SELECT \* FROM document_acls`).
				WillReturnRows(sqlmock.NewRows(grantColumns).
					AddRow("doc_1", "t_1", authz.PrincipalAPIKey, "key_1", authz.PermissionWrite, nil, time.Now()))

			decision, err := engine.Decide(ctx, editor, document, authz.ActionWrite)
			Expect(err).ToNot(HaveOccurred())
			Expect(decision.Allowed).To(BeTrue())
		})

		It("should deny when no grant covers the caller", func() {
			engine, mock := newEngine(authz.Config{})
			mock.ExpectQuery(`SELECT \* FROM document_acls`).
				WillReturnRows(sqlmock.NewRows(grantColumns))

			decision, err := engine.Decide(ctx, editor, document, authz.ActionWrite)
			Expect(err).ToNot(HaveOccurred())
			Expect(decision.Allowed).To(BeFalse())
			Expect(decision.Code).To(Equal(apierrors.CodeAuthzDenied))
		})

		It("should ignore expired grants", func() {
			engine, mock := newEngine(authz.Config{})
			expired := time.Now().Add(-time.Hour)
			mock.ExpectQuery(`SELECT \* FROM document_acls`).
				WillReturnRows(sqlmock.NewRows(grantColumns).
					AddRow("doc_1", "t_1", authz.PrincipalAPIKey, "key_1", authz.PermissionWrite, &expired, time.Now()))

			decision, err := engine.Decide(ctx, editor, document, authz.ActionWrite)
			Expect(err).ToNot(HaveOccurred())
			Expect(decision.Allowed).To(BeFalse())
		})

		It("should let an owner grant satisfy read, write, and delete", func() {
			engine, mock := newEngine(authz.Config{})
			for _, action := range []string{authz.ActionRead, authz.ActionWrite, authz.ActionDelete} {
				mock.ExpectQuery(`SELECT \* FROM document_acls`).
					WillReturnRows(sqlmock.NewRows(grantColumns).
						AddRow("doc_1", "t_1", authz.PrincipalAPIKey, "key_1", authz.PermissionOwner, nil, time.Now()))
				decision, err := engine.Decide(ctx, editor, document, action)
				Expect(err).ToNot(HaveOccurred())
				Expect(decision.Allowed).To(BeTrue(), action)
			}
		})

		It("should not let a read grant satisfy a delete", func() {
			engine, mock := newEngine(authz.Config{})
			mock.ExpectQuery(`SELECT \* FROM document_acls`).
				WillReturnRows(sqlmock.NewRows(grantColumns).
					AddRow("doc_1", "t_1", authz.PrincipalAPIKey, "key_1", authz.PermissionRead, nil, time.Now()))

			decision, err := engine.Decide(ctx, editor, document, authz.ActionDelete)
			Expect(err).ToNot(HaveOccurred())
			Expect(decision.Code).To(Equal(apierrors.CodeAuthzDenied))
		})

		It("should match grants issued to the caller's role", func() {
			engine, mock := newEngine(authz.Config{})
			mock.ExpectQuery(`SELECT \* FROM document_acls`).
				WillReturnRows(sqlmock.NewRows(grantColumns).
					AddRow("doc_1", "t_1", authz.PrincipalRole, "editor", authz.PermissionRead, nil, time.Now()))

			decision, err := engine.Decide(ctx, editor, document, authz.ActionRead)
			Expect(err).ToNot(HaveOccurred())
			Expect(decision.Allowed).To(BeTrue())
		})

		It("should let admins bypass ACLs only when configured", func() {
			admin := auth.Principal{TenantID: "t_1", Role: auth.RoleAdmin, APIKeyID: "key_9"}

			engine, _ := newEngine(authz.Config{AdminBypassACL: true})
			decision, err := engine.Decide(ctx, admin, document, authz.ActionWrite)
			Expect(err).ToNot(HaveOccurred())
			Expect(decision.Allowed).To(BeTrue())

			engine, mock := newEngine(authz.Config{})
			mock.ExpectQuery(`SELECT \* FROM document_acls`).
				WillReturnRows(sqlmock.NewRows(grantColumns))
			decision, err = engine.Decide(ctx, admin, document, authz.ActionWrite)
			Expect(err).ToNot(HaveOccurred())
			Expect(decision.Allowed).To(BeFalse())
		})
	})

	Context("ABAC policies", func() {
		abac := authz.Config{ABACEnabled: true}

		It("should let a matching deny win over an allow", func() {
			engine, mock := newEngine(abac)
			rows := sqlmock.NewRows(policyColumns)
			policyRow(rows, "pol_deny", authz.EffectDeny, "corpora", authz.ActionRead, 100, "", false)
			policyRow(rows, "pol_allow", authz.EffectAllow, "corpora", authz.ActionRead, 50, "", false)
			mock.ExpectQuery(`SELECT \* FROM authz_policies`).WillReturnRows(rows)

			decision, err := engine.Decide(ctx, editor, corpus, authz.ActionRead)
			Expect(err).ToNot(HaveOccurred())
			Expect(decision.Allowed).To(BeFalse())
			Expect(decision.Code).To(Equal(apierrors.CodeAuthzDenied))
			Expect(decision.MatchedPolicyID).To(Equal("pol_deny"))
		})

		It("should record the allowing policy", func() {
			engine, mock := newEngine(abac)
			rows := sqlmock.NewRows(policyColumns)
			policyRow(rows, "pol_allow", authz.EffectAllow, "corpora", "*", 10, "", false)
			mock.ExpectQuery(`SELECT \* FROM authz_policies`).WillReturnRows(rows)

			decision, err := engine.Decide(ctx, editor, corpus, authz.ActionRead)
			Expect(err).ToNot(HaveOccurred())
			Expect(decision.Allowed).To(BeTrue())
			Expect(decision.MatchedPolicyID).To(Equal("pol_allow"))
		})

		It("should only apply policies whose condition holds", func() {
			engine, mock := newEngine(abac)
			rows := sqlmock.NewRows(policyColumns)
			policyRow(rows, "pol_deny", authz.EffectDeny, "corpora", authz.ActionRead, 10,
				`{"eq": [{"var": "principal.role"}, "reader"]}`, false)
			mock.ExpectQuery(`SELECT \* FROM authz_policies`).WillReturnRows(rows)

			// The editor does not satisfy the reader-only deny.
			decision, err := engine.Decide(ctx, editor, corpus, authz.ActionRead)
			Expect(err).ToNot(HaveOccurred())
			Expect(decision.Allowed).To(BeTrue())
		})

		It("should deny unmatched requests only under default deny", func() {
			engine, mock := newEngine(abac)
			mock.ExpectQuery(`SELECT \* FROM authz_policies`).
				WillReturnRows(sqlmock.NewRows(policyColumns))
			decision, err := engine.Decide(ctx, editor, corpus, authz.ActionRead)
			Expect(err).ToNot(HaveOccurred())
			Expect(decision.Allowed).To(BeTrue())

			engine, mock = newEngine(authz.Config{ABACEnabled: true, DefaultDeny: true})
			mock.ExpectQuery(`SELECT \* FROM authz_policies`).
				WillReturnRows(sqlmock.NewRows(policyColumns))
			decision, err = engine.Decide(ctx, editor, corpus, authz.ActionRead)
			Expect(err).ToNot(HaveOccurred())
			Expect(decision.Allowed).To(BeFalse())
			Expect(decision.Code).To(Equal(apierrors.CodeAuthzDenied))
		})

		It("should skip double-wildcard policies unless both flags allow them", func() {
			engine, mock := newEngine(abac)
			rows := sqlmock.NewRows(policyColumns)
			policyRow(rows, "pol_wild", authz.EffectDeny, "*", "*", 100, "", true)
			mock.ExpectQuery(`SELECT \* FROM authz_policies`).WillReturnRows(rows)
			decision, err := engine.Decide(ctx, editor, corpus, authz.ActionRead)
			Expect(err).ToNot(HaveOccurred())
			Expect(decision.Allowed).To(BeTrue())

			engine, mock = newEngine(authz.Config{ABACEnabled: true, AllowWildcards: true})
			rows = sqlmock.NewRows(policyColumns)
			policyRow(rows, "pol_wild", authz.EffectDeny, "*", "*", 100, "", true)
			mock.ExpectQuery(`SELECT \* FROM authz_policies`).WillReturnRows(rows)
			decision, err = engine.Decide(ctx, editor, corpus, authz.ActionRead)
			Expect(err).ToNot(HaveOccurred())
			Expect(decision.Allowed).To(BeFalse())
			Expect(decision.MatchedPolicyID).To(Equal("pol_wild"))
		})

		It("should skip policies with malformed conditions", func() {
			engine, mock := newEngine(abac)
			rows := sqlmock.NewRows(policyColumns)
			policyRow(rows, "pol_bad", authz.EffectDeny, "corpora", authz.ActionRead, 100,
				`{"frobnicate": []}`, false)
			mock.ExpectQuery(`SELECT \* FROM authz_policies`).WillReturnRows(rows)

			decision, err := engine.Decide(ctx, editor, corpus, authz.ActionRead)
			Expect(err).ToNot(HaveOccurred())
			Expect(decision.Allowed).To(BeTrue())
		})
	})
})

var _ = Describe("ValidatePolicyInput", func() {
	valid := authz.Policy{
		ID:           "pol_1",
		TenantID:     "t_1",
		Name:         "corpora-read",
		Effect:       authz.EffectAllow,
		ResourceType: "corpora",
		Action:       authz.ActionRead,
	}

	It("should accept a well-formed policy", func() {
		engine, _ := newEngine(authz.Config{})
		Expect(engine.ValidatePolicyInput(valid)).To(Succeed())
	})

	It("should reject unknown effects", func() {
		engine, _ := newEngine(authz.Config{})
		policy := valid
		policy.Effect = "maybe"
		Expect(apierrors.CodeOf(engine.ValidatePolicyInput(policy))).To(Equal(apierrors.CodeValidationFailed))
	})

	It("should reject double wildcards when the engine disallows them", func() {
		engine, _ := newEngine(authz.Config{})
		policy := valid
		policy.ResourceType = "*"
		policy.Action = "*"
		policy.AllowWildcards = true
		Expect(apierrors.CodeOf(engine.ValidatePolicyInput(policy))).To(Equal(apierrors.CodeValidationFailed))
	})

	It("should require the per-policy flag for double wildcards", func() {
		engine, _ := newEngine(authz.Config{AllowWildcards: true})
		policy := valid
		policy.ResourceType = "*"
		policy.Action = "*"
		Expect(apierrors.CodeOf(engine.ValidatePolicyInput(policy))).To(Equal(apierrors.CodeValidationFailed))

		policy.AllowWildcards = true
		Expect(engine.ValidatePolicyInput(policy)).To(Succeed())
	})

	It("should reject malformed conditions", func() {
		engine, _ := newEngine(authz.Config{})
		policy := valid
		policy.Condition = json.RawMessage(`{"eq": ["only one operand"]}`)
		Expect(apierrors.CodeOf(engine.ValidatePolicyInput(policy))).To(Equal(apierrors.CodeValidationFailed))
	})
})

var _ = Describe("Conditions", func() {
	evalCtx := authz.EvalContext{
		PrincipalRole:     "editor",
		PrincipalTenantID: "t_1",
		PrincipalSubject:  "sub_1",
		ResourceLabels:    map[string]string{"sensitivity": "high"},
		Action:            "read",
		RequestTime:       time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC),
	}

	parse := func(raw string) *authz.Condition {
		condition, err := authz.ParseCondition(json.RawMessage(raw))
		Expect(err).ToNot(HaveOccurred())
		return condition
	}

	It("should treat a nil condition as always matching", func() {
		condition, err := authz.ParseCondition(nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(condition.Eval(evalCtx)).To(BeTrue())
	})

	It("should compare vars with eq and ne", func() {
		Expect(parse(`{"eq": [{"var": "principal.role"}, "editor"]}`).Eval(evalCtx)).To(BeTrue())
		Expect(parse(`{"eq": [{"var": "principal.role"}, "reader"]}`).Eval(evalCtx)).To(BeFalse())
		Expect(parse(`{"ne": [{"var": "action"}, "delete"]}`).Eval(evalCtx)).To(BeTrue())
	})

	It("should resolve resource labels", func() {
		Expect(parse(`{"eq": [{"var": "resource.labels.sensitivity"}, "high"]}`).Eval(evalCtx)).To(BeTrue())
	})

	It("should never satisfy a comparison against an undefined var", func() {
		Expect(parse(`{"eq": [{"var": "resource.labels.missing"}, "x"]}`).Eval(evalCtx)).To(BeFalse())
		Expect(parse(`{"ne": [{"var": "resource.labels.missing"}, "x"]}`).Eval(evalCtx)).To(BeFalse())
	})

	It("should test membership with in", func() {
		Expect(parse(`{"in": [{"var": "principal.role"}, ["editor", "admin"]]}`).Eval(evalCtx)).To(BeTrue())
		Expect(parse(`{"in": [{"var": "principal.role"}, ["reader"]]}`).Eval(evalCtx)).To(BeFalse())
	})

	It("should combine with all, any, and not", func() {
		Expect(parse(`{"all": [
			{"eq": [{"var": "principal.role"}, "editor"]},
			{"eq": [{"var": "action"}, "read"]}
		]}`).Eval(evalCtx)).To(BeTrue())
		Expect(parse(`{"any": [
			{"eq": [{"var": "principal.role"}, "reader"]},
			{"eq": [{"var": "action"}, "read"]}
		]}`).Eval(evalCtx)).To(BeTrue())
		Expect(parse(`{"not": {"eq": [{"var": "action"}, "read"]}}`).Eval(evalCtx)).To(BeFalse())
	})

	It("should compare numbers with gt and lt", func() {
		Expect(parse(`{"gt": [3, 2]}`).Eval(evalCtx)).To(BeTrue())
		Expect(parse(`{"lt": [3, 2]}`).Eval(evalCtx)).To(BeFalse())
	})

	It("should honor time_between in UTC including windows that wrap midnight", func() {
		Expect(parse(`{"time_between": ["09:00", "18:00"]}`).Eval(evalCtx)).To(BeTrue())
		Expect(parse(`{"time_between": ["18:00", "09:00"]}`).Eval(evalCtx)).To(BeFalse())

		night := evalCtx
		night.RequestTime = time.Date(2026, 3, 2, 23, 0, 0, 0, time.UTC)
		Expect(parse(`{"time_between": ["18:00", "09:00"]}`).Eval(night)).To(BeTrue())
	})

	It("should reject malformed ASTs at parse time", func() {
		for _, raw := range []string{
			`"just a string"`,
			`{"eq": ["one"]}`,
			`{"eq": [1, 2], "ne": [1, 2]}`,
			`{"in": [1, 2]}`,
			`{"all": []}`,
			`{"time_between": ["9am", "5pm"]}`,
			`{"var": 42}`,
			`{"frobnicate": []}`,
		} {
			_, err := authz.ParseCondition(json.RawMessage(raw))
			Expect(err).To(HaveOccurred(), raw)
		}
	})
})
