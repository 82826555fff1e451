//
// Tencent is pleased to support the open source community by making floword available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// floword is licensed under the Apache License Version 2.0.
//
//

// Package server exposes the conversation API over HTTP and SSE.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.opentelemetry.io/otel/attribute"

	"github.com/floword/floword/agent"
	"github.com/floword/floword/conversation"
	"github.com/floword/floword/log"
	"github.com/floword/floword/model"
	"github.com/floword/floword/stream"
	"github.com/floword/floword/telemetry/trace"
)

// defaultKeepalive is the interval of SSE keepalive comments.
const defaultKeepalive = 15 * time.Second

// Server is the HTTP/SSE surface over a conversation controller.
type Server struct {
	controller *conversation.Controller
	router     *mux.Router
	httpServer *http.Server
	keepalive  time.Duration
}

// Option configures the Server.
type Option func(*Server)

// WithKeepalive overrides the SSE keepalive interval.
func WithKeepalive(interval time.Duration) Option {
	return func(s *Server) {
		if interval > 0 {
			s.keepalive = interval
		}
	}
}

// New creates a server over the given controller.
func New(controller *conversation.Controller, opts ...Option) *Server {
	s := &Server{
		controller: controller,
		router:     mux.NewRouter(),
		keepalive:  defaultKeepalive,
	}
	for _, opt := range opts {
		opt(s)
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"Content-Length", "Content-Type"},
	})
	s.router.Use(c.Handler)
	s.registerRoutes()
	return s
}

// Handler returns the HTTP handler, useful for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) registerRoutes() {
	api := s.router.PathPrefix("/api/v1/conversation").Subrouter()
	api.HandleFunc("/create", s.handleCreate).Methods(http.MethodPost)
	api.HandleFunc("/list", s.handleList).Methods(http.MethodGet)
	api.HandleFunc("/info/{conversation_id}", s.handleInfo).Methods(http.MethodGet)
	api.HandleFunc("/delete/{conversation_id}", s.handleDelete).Methods(http.MethodDelete)
	api.HandleFunc("/chat/{conversation_id}", s.handleChat).Methods(http.MethodPost)
	api.HandleFunc("/permit-call/{conversation_id}", s.handlePermitCall).Methods(http.MethodPost)
	api.HandleFunc("/stream/{conversation_id}", s.handleStream).Methods(http.MethodGet)
}

// Start listens on addr and serves until Shutdown.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}
	log.Infof("conversation server listening on %s", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// chatRequest is the body of the chat endpoint.
type chatRequest struct {
	Prompt string `json:"prompt"`
	model.GenerationConfig
}

// permitCallRequest is the body of the permit-call endpoint.
type permitCallRequest struct {
	agent.PermissionDecision
	model.GenerationConfig
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if r.Body != nil {
		// An empty body is fine, the user id is optional.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	record, err := s.controller.Create(r.Context(), req.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, map[string]string{"conversation_id": record.ID})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	records, err := s.controller.List(r.Context(), conversation.ListOptions{
		UserID:  q.Get("user_id"),
		Limit:   limit,
		Offset:  offset,
		OrderBy: q.Get("order_by"),
		Desc:    q.Get("order") == "desc",
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, records)
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	record, err := s.controller.Get(r.Context(), mux.Vars(r)["conversation_id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, record)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.Delete(r.Context(), mux.Vars(r)["conversation_id"]); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, map[string]string{"status": "deleted"})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	conversationID := mux.Vars(r)["conversation_id"]

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	ctx, span := trace.Tracer.Start(r.Context(), "conversation.chat")
	span.SetAttributes(attribute.String("conversation.id", conversationID))
	defer span.End()

	req.Stream = true
	streamID, err := s.controller.Chat(ctx, conversationID, req.Prompt, req.GenerationConfig)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.serveStream(w, r, streamID, 0)
}

func (s *Server) handlePermitCall(w http.ResponseWriter, r *http.Request) {
	conversationID := mux.Vars(r)["conversation_id"]

	var req permitCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	ctx, span := trace.Tracer.Start(r.Context(), "conversation.permit_call")
	span.SetAttributes(attribute.String("conversation.id", conversationID))
	defer span.End()

	req.Stream = true
	streamID, err := s.controller.PermitAndRun(ctx, conversationID, req.PermissionDecision, req.GenerationConfig)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.serveStream(w, r, streamID, 0)
}

// handleStream reattaches a consumer to an active stream. Reconnection is
// expressed as "subscribe from last seen index" via the from_index query
// parameter.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conversationID := mux.Vars(r)["conversation_id"]
	fromIndex, _ := strconv.Atoi(r.URL.Query().Get("from_index"))
	s.serveStream(w, r, conversationID, fromIndex)
}

// serveStream writes one SSE event per stream event until the stream
// completes or the client disconnects. Periodic comment lines keep idle
// connections alive.
func (s *Server) serveStream(w http.ResponseWriter, r *http.Request, streamID string, fromIndex int) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported!", http.StatusInternalServerError)
		return
	}

	events, err := s.controller.Subscribe(r.Context(), streamID, fromIndex)
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	keepalive := time.NewTicker(s.keepalive)
	defer keepalive.Stop()

	for {
		select {
		case ev, open := <-events:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				log.Errorf("marshal SSE event: %v", err)
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the named failure kinds onto HTTP statuses: state
// conflicts are 409, unknown ids 404, everything else 500.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, conversation.ErrNotFound), errors.Is(err, stream.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, agent.ErrNeedsPermission),
		errors.Is(err, agent.ErrAlreadyResolved),
		errors.Is(err, agent.ErrBusy),
		errors.Is(err, stream.ErrAlreadyExists):
		status = http.StatusConflict
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
