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
)

func (s *Server) handleGetTenant(w http.ResponseWriter, r *http.Request) {
	info, err := s.store.GetTenantInfo(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, info)
}

// tenantInfoBody updates only the fields present in the request.
type tenantInfoBody struct {
	Email             *string `json:"email,omitempty"`
	EmailEntrySkipped *bool   `json:"emailEntrySkipped,omitempty"`
}

func (s *Server) handlePutTenant(w http.ResponseWriter, r *http.Request) {
	var body tenantInfoBody
	if err := decodeBody(r, &body); err != nil {
		writeDomainError(w, err)
		return
	}

	if err := s.store.SetTenantInfo(r.Context(), body.Email, body.EmailEntrySkipped); err != nil {
		writeDomainError(w, err)
		return
	}

	info, err := s.store.GetTenantInfo(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, info)
}
