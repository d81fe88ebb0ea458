package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/eddielth/telemetry-normalizer/loader"
	"github.com/eddielth/telemetry-normalizer/logger"
	"github.com/eddielth/telemetry-normalizer/pipeline"
	"github.com/eddielth/telemetry-normalizer/transformer"
	"github.com/gorilla/mux"
)

const maxBodyBytes = 10 << 20

// Pipeline is the part of pipeline.Processor the API needs
type Pipeline interface {
	Process(payload []byte) (transformer.Record, error)
	Handle(source string, payload []byte) error
}

// Server exposes the normalizer over HTTP
type Server struct {
	router     *mux.Router
	pipeline   Pipeline
	httpServer *http.Server
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
	Index *int   `json:"index,omitempty"`
}

type itemResult struct {
	Record *transformer.Record `json:"record,omitempty"`
	Error  string              `json:"error,omitempty"`
	Kind   string              `json:"kind,omitempty"`
}

type ingestSummary struct {
	Total  int         `json:"total"`
	Stored int         `json:"stored"`
	Failed int         `json:"failed"`
	Errors []errorBody `json:"errors,omitempty"`
}

// NewServer registers the routes. addr is only used by Start.
func NewServer(addr string, p Pipeline) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		pipeline: p,
	}

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/normalize", s.handleNormalize).Methods(http.MethodPost)
	s.router.HandleFunc("/api/v1/records", s.handleIngest).Methods(http.MethodPost)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  15 * time.Second,
	}
	return s
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start serves until Stop is called
func (s *Server) Start() error {
	logger.Info("starting HTTP server on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down
func (s *Server) Stop(ctx context.Context) error {
	logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleNormalize returns the canonical form of a record, or of each record
// of an array, without storing anything
func (s *Server) handleNormalize(w http.ResponseWriter, r *http.Request) {
	payloads, isArray, err := readPayloads(w, r, false)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Kind: "InvalidPayload"})
		return
	}

	if !isArray {
		record, err := s.pipeline.Process(payloads[0])
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Kind: pipeline.ErrorKind(err)})
			return
		}
		writeJSON(w, http.StatusOK, record)
		return
	}

	results := make([]itemResult, 0, len(payloads))
	for _, payload := range payloads {
		record, err := s.pipeline.Process(payload)
		if err != nil {
			results = append(results, itemResult{Error: err.Error(), Kind: pipeline.ErrorKind(err)})
			continue
		}
		results = append(results, itemResult{Record: &record})
	}
	writeJSON(w, http.StatusOK, results)
}

// handleIngest normalizes and stores records. The body may also be NDJSON.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	payloads, _, err := readPayloads(w, r, true)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Kind: "InvalidPayload"})
		return
	}

	summary := ingestSummary{Total: len(payloads)}
	for i, payload := range payloads {
		if err := s.pipeline.Handle(fmt.Sprintf("http:%s#%d", r.RemoteAddr, i), payload); err != nil {
			idx := i
			summary.Failed++
			summary.Errors = append(summary.Errors, errorBody{Error: err.Error(), Kind: pipeline.ErrorKind(err), Index: &idx})
			continue
		}
		summary.Stored++
	}

	status := http.StatusAccepted
	if summary.Stored == 0 {
		status = http.StatusBadRequest
		for _, e := range summary.Errors {
			if e.Kind == "StoreFailed" {
				status = http.StatusServiceUnavailable
				break
			}
		}
	}
	writeJSON(w, status, summary)
}

func readPayloads(w http.ResponseWriter, r *http.Request, stream bool) ([][]byte, bool, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, false, fmt.Errorf("read body: %w", err)
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, false, fmt.Errorf("empty body")
	}
	isArray := trimmed[0] == '['

	payloads, err := loader.Load(bytes.NewReader(trimmed))
	if err != nil {
		return nil, false, err
	}
	if len(payloads) == 0 {
		return nil, false, fmt.Errorf("no records in body")
	}
	if !stream && !isArray && len(payloads) > 1 {
		return nil, false, fmt.Errorf("expected one JSON object or an array")
	}
	return payloads, isArray, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to write response: %v", err)
	}
}
