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
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apierrors "github.com/nexusrag/nexusrag/pkg/errors"
	"github.com/nexusrag/nexusrag/pkg/logging"
	"github.com/nexusrag/nexusrag/pkg/ratelimit"
	"github.com/nexusrag/nexusrag/pkg/sso"
)

func (s *Server) handleSSOStart(w http.ResponseWriter, r *http.Request) {
	redirect := r.URL.Query().Get("redirect")
	url, err := s.oidc.Start(r.Context(), chi.URLParam(r, "providerID"), redirect)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}

// handleSSOCallback completes the login. The session handoff is the
// caller's concern; the response reports who logged in and where to go.
func (s *Server) handleSSOCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if errCode := query.Get("error"); errCode != "" {
		s.writeError(w, r, apierrors.Newf(apierrors.CodeUnauthorized,
			"identity provider returned %s", errCode))
		return
	}
	login, err := s.oidc.Callback(r.Context(), chi.URLParam(r, "providerID"),
		query.Get("state"), query.Get("code"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, map[string]any{
		"subject_id": login.SubjectID,
		"tenant_id":  login.TenantID,
		"user_name":  login.UserName,
		"redirect":   login.Redirect,
	})
}

// scimRoutes serves the SCIM v2 Users resource. Provisioners authenticate
// with the dedicated SCIM bearer token, which binds to one tenant.
func (s *Server) scimRoutes(r chi.Router) {
	r.Use(s.accessLog(ratelimit.ClassOps), s.scimAuth)
	r.Route("/Users", func(r chi.Router) {
		r.Get("/", s.handleSCIMList)
		r.Post("/", s.handleSCIMCreate)
		r.Get("/{userID}", s.handleSCIMGet)
		r.Put("/{userID}", s.handleSCIMReplace)
		r.Patch("/{userID}", s.handleSCIMPatch)
		r.Delete("/{userID}", s.handleSCIMDelete)
	})
}

func (s *Server) scimAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if s.config.SCIMBearerToken == "" ||
			subtle.ConstantTimeCompare([]byte(token), []byte(s.config.SCIMBearerToken)) != 1 {
			writeSCIMError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeSCIMError renders the SCIM error schema instead of the platform
// envelope, since provisioners parse the SCIM shape.
func writeSCIMError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/scim+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"schemas": []string{"urn:ietf:params:scim:api:messages:2.0:Error"},
		"status":  status,
		"detail":  detail,
	})
}

func writeSCIM(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/scim+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) scimError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := apierrors.AsError(err)
	if apiErr.Status() >= 500 {
		logging.FromContext(r.Context()).Error("scim request failed", zap.Error(err))
	}
	writeSCIMError(w, apiErr.Status(), apiErr.Message)
}

func decodeSCIM(r *http.Request, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return apierrors.Wrap(apierrors.CodeValidationFailed, "reading request body failed", err)
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return apierrors.Wrap(apierrors.CodeValidationFailed, "request body is not valid JSON", err)
	}
	return nil
}

func (s *Server) handleSCIMList(w http.ResponseWriter, r *http.Request) {
	response, err := s.scim.ListUsers(r.Context(), s.config.SCIMTenantID,
		r.URL.Query().Get("filter"), queryInt(r, "startIndex", 1), queryInt(r, "count", 100))
	if err != nil {
		s.scimError(w, r, err)
		return
	}
	writeSCIM(w, http.StatusOK, response)
}

func (s *Server) handleSCIMCreate(w http.ResponseWriter, r *http.Request) {
	var user sso.SCIMUser
	if err := decodeSCIM(r, &user); err != nil {
		s.scimError(w, r, err)
		return
	}
	created, err := s.scim.CreateUser(r.Context(), s.config.SCIMTenantID, user)
	if err != nil {
		s.scimError(w, r, err)
		return
	}
	writeSCIM(w, http.StatusCreated, created)
}

func (s *Server) handleSCIMGet(w http.ResponseWriter, r *http.Request) {
	user, err := s.scim.GetUser(r.Context(), s.config.SCIMTenantID, chi.URLParam(r, "userID"))
	if err != nil {
		s.scimError(w, r, err)
		return
	}
	writeSCIM(w, http.StatusOK, user)
}

func (s *Server) handleSCIMReplace(w http.ResponseWriter, r *http.Request) {
	var user sso.SCIMUser
	if err := decodeSCIM(r, &user); err != nil {
		s.scimError(w, r, err)
		return
	}
	updated, err := s.scim.ReplaceUser(r.Context(), s.config.SCIMTenantID, chi.URLParam(r, "userID"), user)
	if err != nil {
		s.scimError(w, r, err)
		return
	}
	writeSCIM(w, http.StatusOK, updated)
}

func (s *Server) handleSCIMPatch(w http.ResponseWriter, r *http.Request) {
	var patch sso.SCIMPatch
	if err := decodeSCIM(r, &patch); err != nil {
		s.scimError(w, r, err)
		return
	}
	updated, err := s.scim.PatchUser(r.Context(), s.config.SCIMTenantID, chi.URLParam(r, "userID"), patch)
	if err != nil {
		s.scimError(w, r, err)
		return
	}
	writeSCIM(w, http.StatusOK, updated)
}

func (s *Server) handleSCIMDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.scim.DeleteUser(r.Context(), s.config.SCIMTenantID, chi.URLParam(r, "userID")); err != nil {
		s.scimError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
