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

	"github.com/apifuse/apifuse/pkg/workflow"
)

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePage(r)
	items, total, err := s.store.ListWorkflows(r.Context(), TenantFromContext(r.Context()), limit, offset)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, listResponse{Items: items, Total: total, Limit: limit, Offset: offset})
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.store.GetWorkflow(r.Context(), r.PathValue("id"), TenantFromContext(r.Context()))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, wf)
}

func (s *Server) handlePutWorkflow(w http.ResponseWriter, r *http.Request) {
	var wf workflow.Workflow
	if err := decodeBody(r, &wf); err != nil {
		writeDomainError(w, err)
		return
	}

	id := r.PathValue("id")
	wf.ID = id
	if err := wf.Validate(); err != nil {
		writeDomainError(w, err)
		return
	}

	tenant := TenantFromContext(r.Context())
	stored, err := s.store.UpsertWorkflow(r.Context(), id, &wf, tenant)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	// A changed definition invalidates any cached sample run.
	s.samples.Invalidate(tenant, id)
	WriteJSON(w, http.StatusOK, stored)
}

func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	tenant := TenantFromContext(r.Context())
	if err := s.store.DeleteWorkflow(r.Context(), id, tenant); err != nil {
		writeDomainError(w, err)
		return
	}
	s.samples.Invalidate(tenant, id)
	w.WriteHeader(http.StatusNoContent)
}
