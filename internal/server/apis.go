// Copyright 2025 The Apifuse Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"net/http"

	"github.com/apifuse/apifuse/internal/cache"
	"github.com/apifuse/apifuse/internal/caller"
	"github.com/apifuse/apifuse/pkg/errors"
	"github.com/apifuse/apifuse/pkg/workflow"
)

func (s *Server) handleListAPIs(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePage(r)
	items, total, err := s.store.ListAPIs(r.Context(), TenantFromContext(r.Context()), limit, offset)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, listResponse{Items: items, Total: total, Limit: limit, Offset: offset})
}

func (s *Server) handleGetAPI(w http.ResponseWriter, r *http.Request) {
	api, err := s.store.GetAPI(r.Context(), r.PathValue("id"), TenantFromContext(r.Context()))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, api)
}

func (s *Server) handlePutAPI(w http.ResponseWriter, r *http.Request) {
	var api workflow.ApiConfig
	if err := decodeBody(r, &api); err != nil {
		writeDomainError(w, err)
		return
	}

	id := r.PathValue("id")
	api.ID = id
	if err := api.Validate(); err != nil {
		writeDomainError(w, err)
		return
	}

	stored, err := s.store.UpsertAPI(r.Context(), id, &api, TenantFromContext(r.Context()))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, stored)
}

func (s *Server) handleDeleteAPI(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteAPI(r.Context(), r.PathValue("id"), TenantFromContext(r.Context())); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type renameAPIBody struct {
	NewID string `json:"newId"`
}

func (s *Server) handleRenameAPI(w http.ResponseWriter, r *http.Request) {
	var body renameAPIBody
	if err := decodeBody(r, &body); err != nil {
		writeDomainError(w, err)
		return
	}
	if body.NewID == "" {
		writeDomainError(w, &errors.ValidationError{Field: "newId", Message: "newId is required"})
		return
	}

	api, err := s.store.RenameAPI(r.Context(), r.PathValue("id"), body.NewID, TenantFromContext(r.Context()))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, api)
}

type callAPIBody struct {
	Input       any               `json:"input,omitempty"`
	Credentials map[string]string `json:"credentials,omitempty"`
	Options     *executeOptions   `json:"options,omitempty"`
}

// handleCallAPI executes a stored API config once, outside any workflow.
// Pagination and the response cache behave exactly as they do for steps.
func (s *Server) handleCallAPI(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFromContext(r.Context())
	api, err := s.store.GetAPI(r.Context(), r.PathValue("id"), tenant)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	var body callAPIBody
	if err := decodeOptionalBody(r, &body); err != nil {
		writeDomainError(w, err)
		return
	}

	opts := caller.Options{
		Tenant:    tenant,
		CacheMode: cache.ModeDisabled,
		RequestID: r.Header.Get("X-Request-ID"),
	}
	if body.Options != nil && body.Options.CacheMode != "" {
		mode, err := parseCacheMode(body.Options.CacheMode)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		opts.CacheMode = mode
	}

	res, err := s.caller.Call(r.Context(), *api, body.Input, body.Credentials, opts)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"data":         res.Data,
		"pagesFetched": res.PagesFetched,
		"status":       res.LastStatus,
	})
}
