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

	"github.com/apifuse/apifuse/pkg/errors"
	"github.com/apifuse/apifuse/pkg/workflow"
)

func (s *Server) handleListExtracts(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePage(r)
	items, total, err := s.store.ListExtracts(r.Context(), TenantFromContext(r.Context()), limit, offset)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, listResponse{Items: items, Total: total, Limit: limit, Offset: offset})
}

func (s *Server) handleGetExtract(w http.ResponseWriter, r *http.Request) {
	ec, err := s.store.GetExtract(r.Context(), r.PathValue("id"), TenantFromContext(r.Context()))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, ec)
}

func (s *Server) handlePutExtract(w http.ResponseWriter, r *http.Request) {
	var ec workflow.ExtractConfig
	if err := decodeBody(r, &ec); err != nil {
		writeDomainError(w, err)
		return
	}
	if ec.URLHost == "" {
		writeDomainError(w, &errors.ValidationError{Field: "urlHost", Message: "urlHost is required"})
		return
	}

	id := r.PathValue("id")
	ec.ID = id
	stored, err := s.store.UpsertExtract(r.Context(), id, &ec, TenantFromContext(r.Context()))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, stored)
}

func (s *Server) handleDeleteExtract(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteExtract(r.Context(), r.PathValue("id"), TenantFromContext(r.Context())); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListTransforms(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePage(r)
	items, total, err := s.store.ListTransforms(r.Context(), TenantFromContext(r.Context()), limit, offset)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, listResponse{Items: items, Total: total, Limit: limit, Offset: offset})
}

func (s *Server) handleGetTransform(w http.ResponseWriter, r *http.Request) {
	tc, err := s.store.GetTransform(r.Context(), r.PathValue("id"), TenantFromContext(r.Context()))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, tc)
}

func (s *Server) handlePutTransform(w http.ResponseWriter, r *http.Request) {
	var tc workflow.TransformConfig
	if err := decodeBody(r, &tc); err != nil {
		writeDomainError(w, err)
		return
	}
	if tc.ResponseMapping == "" {
		writeDomainError(w, &errors.ValidationError{Field: "responseMapping", Message: "responseMapping is required"})
		return
	}
	if err := s.eval.Validate(tc.ResponseMapping); err != nil {
		writeDomainError(w, err)
		return
	}

	id := r.PathValue("id")
	tc.ID = id
	stored, err := s.store.UpsertTransform(r.Context(), id, &tc, TenantFromContext(r.Context()))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, stored)
}

func (s *Server) handleDeleteTransform(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteTransform(r.Context(), r.PathValue("id"), TenantFromContext(r.Context())); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
