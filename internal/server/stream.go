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
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/apifuse/apifuse/internal/engine"
)

// logEntry is the SSE wire shape of one run event.
type logEntry struct {
	RunID      string         `json:"runId"`
	WorkflowID string         `json:"workflowId,omitempty"`
	StepID     string         `json:"stepId,omitempty"`
	Level      string         `json:"level"`
	Message    string         `json:"message,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Data       map[string]any `json:"data,omitempty"`
}

func toLogEntry(ev engine.Event) logEntry {
	level := "info"
	if ev.Type == engine.EventError {
		level = "error"
	}
	msg := ev.Message
	if msg == "" {
		msg = string(ev.Type)
	}
	return logEntry{
		RunID:      ev.RunID,
		WorkflowID: ev.WorkflowID,
		StepID:     ev.StepID,
		Level:      level,
		Message:    msg,
		Timestamp:  ev.Timestamp,
		Data:       ev.Data,
	}
}

// handleLogStream streams run events as server-sent events. Tenants only
// see events from their own runs; admin scope sees everything.
func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	tenant := TenantFromContext(r.Context())

	events, cancel := s.broker.Subscribe(256)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev, open := <-events:
			if !open {
				return
			}
			if tenant != nil && ev.Tenant != *tenant {
				continue
			}
			data, err := json.Marshal(toLogEntry(ev))
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "degraded",
			"error":  err.Error(),
		})
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.build.Version,
	})
}
