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

// Package sso implements human identity provisioning: the OIDC login flow
// and the SCIM v2 user surface, both mapped onto tenant subjects.
package sso

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/nexusrag/nexusrag/pkg/audit"
	"github.com/nexusrag/nexusrag/pkg/coordination"
	apierrors "github.com/nexusrag/nexusrag/pkg/errors"
	"github.com/nexusrag/nexusrag/pkg/storage"
)

// Provider is one configured OIDC issuer bound to a tenant.
type Provider struct {
	ID           string
	TenantID     string
	Issuer       string
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	RedirectURL  string
	Scopes       []string
}

func (p Provider) oauthConfig() *oauth2.Config {
	scopes := p.Scopes
	if len(scopes) == 0 {
		scopes = []string{"openid", "profile", "email"}
	}
	return &oauth2.Config{
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
		RedirectURL:  p.RedirectURL,
		Scopes:       scopes,
		Endpoint:     oauth2.Endpoint{AuthURL: p.AuthURL, TokenURL: p.TokenURL},
	}
}

// Login is the outcome of a completed callback.
type Login struct {
	SubjectID string
	TenantID  string
	UserName  string
	Redirect  string
}

type OIDC struct {
	providers map[string]Provider
	coord     *coordination.Client
	subjects  *storage.SubjectRepository
	auditor   audit.Emitter
	stateTTL  time.Duration
	logger    *zap.Logger
}

func NewOIDC(providers []Provider, coord *coordination.Client, subjects *storage.SubjectRepository,
	auditor audit.Emitter, stateTTL time.Duration, logger *zap.Logger) *OIDC {
	byID := make(map[string]Provider, len(providers))
	for _, p := range providers {
		byID[p.ID] = p
	}
	return &OIDC{
		providers: byID,
		coord:     coord,
		subjects:  subjects,
		auditor:   auditor,
		stateTTL:  stateTTL,
		logger:    logger,
	}
}

func (o *OIDC) provider(id string) (Provider, error) {
	p, ok := o.providers[id]
	if !ok {
		return Provider{}, apierrors.Newf(apierrors.CodeNotFound, "sso provider %s is not configured", id)
	}
	return p, nil
}

// Start stores single-use state and returns the authorization redirect URL.
func (o *OIDC) Start(ctx context.Context, providerID, redirect string) (string, error) {
	p, err := o.provider(providerID)
	if err != nil {
		return "", err
	}
	state, err := randomToken()
	if err != nil {
		return "", err
	}
	nonce, err := randomToken()
	if err != nil {
		return "", err
	}
	err = o.coord.PutSSOState(ctx, state, coordination.SSOState{
		ProviderID: providerID,
		TenantID:   p.TenantID,
		Nonce:      nonce,
		Redirect:   redirect,
	}, o.stateTTL)
	if err != nil {
		return "", err
	}
	return p.oauthConfig().AuthCodeURL(state, oauth2.SetAuthURLParam("nonce", nonce)), nil
}

// Callback consumes the state, exchanges the code, validates the ID token
// claims, and upserts the subject.
func (o *OIDC) Callback(ctx context.Context, providerID, state, code string) (*Login, error) {
	stored, err := o.coord.TakeSSOState(ctx, state)
	if err != nil {
		if err == coordination.ErrStateNotFound {
			o.auditLogin(ctx, "", providerID, audit.OutcomeDenied, "unknown or replayed state")
			return nil, apierrors.New(apierrors.CodeUnauthorized, "sso state is unknown, expired, or already used")
		}
		return nil, err
	}
	if stored.ProviderID != providerID {
		o.auditLogin(ctx, stored.TenantID, providerID, audit.OutcomeDenied, "state provider mismatch")
		return nil, apierrors.New(apierrors.CodeUnauthorized, "sso state was issued for a different provider")
	}
	p, err := o.provider(providerID)
	if err != nil {
		return nil, err
	}
	token, err := p.oauthConfig().Exchange(ctx, code)
	if err != nil {
		o.auditLogin(ctx, stored.TenantID, providerID, audit.OutcomeFailure, "code exchange failed")
		return nil, apierrors.Wrap(apierrors.CodeUnauthorized, "exchanging the authorization code failed", err)
	}
	rawIDToken, _ := token.Extra("id_token").(string)
	claims, err := parseIDToken(rawIDToken)
	if err != nil {
		o.auditLogin(ctx, stored.TenantID, providerID, audit.OutcomeFailure, "id token unreadable")
		return nil, err
	}
	if err := claims.validate(p, stored.Nonce, time.Now()); err != nil {
		o.auditLogin(ctx, stored.TenantID, providerID, audit.OutcomeDenied, "id token claims rejected")
		return nil, err
	}

	subjectID, err := o.resolveSubject(ctx, p, stored.TenantID, claims)
	if err != nil {
		return nil, err
	}
	o.auditor.Emit(ctx, audit.Event{
		TenantID:     stored.TenantID,
		ActorType:    "subject",
		ActorID:      subjectID,
		EventType:    audit.EventIdentitySSOLogin,
		Outcome:      audit.OutcomeSuccess,
		ResourceType: "sso_provider",
		ResourceID:   providerID,
	})
	return &Login{
		SubjectID: subjectID,
		TenantID:  stored.TenantID,
		UserName:  claims.userName(),
		Redirect:  stored.Redirect,
	}, nil
}

func (o *OIDC) resolveSubject(ctx context.Context, p Provider, tenantID string, claims *idClaims) (string, error) {
	subjectID := "sub_" + uuid.NewString()
	linked, err := o.subjects.UpsertSSOIdentity(ctx, p.ID, claims.Issuer, claims.Subject, tenantID, subjectID)
	if err != nil {
		return "", err
	}
	if linked != subjectID {
		return linked, nil
	}
	email := claims.Email
	subject := storage.Subject{
		ID:       subjectID,
		TenantID: tenantID,
		UserName: claims.userName(),
		Origin:   "sso",
		Active:   true,
	}
	if email != "" {
		subject.Email = &email
	}
	if claims.Name != "" {
		name := claims.Name
		subject.DisplayName = &name
	}
	if err := o.subjects.Create(ctx, subject); err != nil {
		// The user name may already be provisioned via SCIM; link to it.
		if existing, lookupErr := o.subjects.GetByUserName(ctx, tenantID, subject.UserName); lookupErr == nil {
			return existing.ID, nil
		}
		return "", err
	}
	return subjectID, nil
}

func (o *OIDC) auditLogin(ctx context.Context, tenantID, providerID, outcome, detail string) {
	o.auditor.Emit(ctx, audit.Event{
		TenantID:     tenantID,
		ActorType:    "subject",
		EventType:    audit.EventAuthLoginFailed,
		Outcome:      outcome,
		ResourceType: "sso_provider",
		ResourceID:   providerID,
		Metadata:     map[string]any{"detail": detail},
	})
}

// idClaims is the subset of ID token claims the flow checks. Signature
// verification is delegated to the code exchange happening over TLS
// directly with the issuer's token endpoint.
type idClaims struct {
	Issuer   string          `json:"iss"`
	Subject  string          `json:"sub"`
	Audience json.RawMessage `json:"aud"`
	Expiry   int64           `json:"exp"`
	Nonce    string          `json:"nonce"`
	Email    string          `json:"email"`
	Name     string          `json:"name"`
}

func (c *idClaims) userName() string {
	if c.Email != "" {
		return c.Email
	}
	return c.Subject
}

func (c *idClaims) validate(p Provider, nonce string, now time.Time) error {
	if c.Issuer != p.Issuer {
		return apierrors.Newf(apierrors.CodeUnauthorized, "id token issuer %q is not trusted", c.Issuer)
	}
	if !audienceContains(c.Audience, p.ClientID) {
		return apierrors.New(apierrors.CodeUnauthorized, "id token audience does not include this client")
	}
	if c.Expiry > 0 && now.Unix() > c.Expiry {
		return apierrors.New(apierrors.CodeUnauthorized, "id token is expired")
	}
	if nonce != "" && c.Nonce != nonce {
		return apierrors.New(apierrors.CodeUnauthorized, "id token nonce does not match")
	}
	if c.Subject == "" {
		return apierrors.New(apierrors.CodeUnauthorized, "id token has no subject")
	}
	return nil
}

// audienceContains handles both string and array aud encodings.
func audienceContains(raw json.RawMessage, clientID string) bool {
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return single == clientID
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		for _, aud := range many {
			if aud == clientID {
				return true
			}
		}
	}
	return false
}

func parseIDToken(raw string) (*idClaims, error) {
	if raw == "" {
		return nil, apierrors.New(apierrors.CodeUnauthorized, "token response carried no id token")
	}
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return nil, apierrors.New(apierrors.CodeUnauthorized, "id token is not a JWT")
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, apierrors.Wrap(apierrors.CodeUnauthorized, "id token payload is not decodable", err)
	}
	var claims idClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, apierrors.Wrap(apierrors.CodeUnauthorized, "id token claims are not valid JSON", err)
	}
	return &claims, nil
}

func randomToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating random token, %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
