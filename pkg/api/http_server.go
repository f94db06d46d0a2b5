package api

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"wisard/pkg/model"
	"wisard/pkg/storage"
)

const DefaultMaxBodyBytes = 64 << 20

// Server exposes a byte-sample network over HTTP. Checkpoint routes are only
// registered when a store is given.
type Server struct {
	network *model.Network[uint8]
	store   storage.Store
	maxBody int64
	mux     *http.ServeMux
}

func NewServer(network *model.Network[uint8], store storage.Store, maxBodyBytes int64) *Server {
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}
	s := &Server{
		network: network,
		store:   store,
		maxBody: maxBodyBytes,
		mux:     http.NewServeMux(),
	}

	s.mux.HandleFunc("POST /new", s.handleNew)
	s.mux.HandleFunc("POST /train", s.handleTrain)
	s.mux.HandleFunc("POST /classify", s.handleClassify)
	s.mux.HandleFunc("GET /info", s.handleInfo)
	s.mux.HandleFunc("GET /model", s.handleSave)
	s.mux.HandleFunc("POST /model", s.handleLoad)
	s.mux.HandleFunc("DELETE /model", s.handleErase)
	if store != nil {
		s.mux.HandleFunc("GET /checkpoints", s.handleListCheckpoints)
		s.mux.HandleFunc("PUT /checkpoints/{name}", s.handlePutCheckpoint)
		s.mux.HandleFunc("POST /checkpoints/{name}", s.handleLoadCheckpoint)
		s.mux.HandleFunc("DELETE /checkpoints/{name}", s.handleDeleteCheckpoint)
	}
	return s
}

// Handler returns the routes wrapped with request logging.
func (s *Server) Handler() http.Handler {
	return logRequests(s.mux)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("Addr", addr).Msg("Server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		log.Info().Msg("Shutting down server")
		return srv.Shutdown(shutdownCtx)
	}
}

// modelRequest is the body of POST /new and the hyperparameter part of GET /info.
type modelRequest struct {
	Hashtables uint16    `json:"hashtables"`
	Addresses  uint16    `json:"addresses"`
	Bleach     uint16    `json:"bleach"`
	TargetSize [2]uint32 `json:"target_size"`
	Mapping    []int     `json:"mapping,omitempty"`
}

type infoResponse struct {
	modelRequest
	Labels   []string `json:"labels"`
	Patterns int      `json:"patterns"`
}

type classifyResponse struct {
	Label      string  `json:"label"`
	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
}

func (s *Server) handleNew(w http.ResponseWriter, r *http.Request) {
	var req modelRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBody)).Decode(&req); err != nil {
		http.Error(w, "Invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}

	err := s.network.ChangeHyperparameters(model.Hyperparameters{
		Hashtables: req.Hashtables,
		AddrLength: req.Addresses,
		Bleach:     req.Bleach,
		TargetSize: model.Size{Width: req.TargetSize[0], Height: req.TargetSize[1]},
		Mapping:    req.Mapping,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleTrain(w http.ResponseWriter, r *http.Request) {
	label := r.URL.Query().Get("label")
	if label == "" {
		http.Error(w, "Missing label", http.StatusBadRequest)
		return
	}
	sample, err := s.readBody(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.network.Train(sample, label); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	sample, err := s.readBody(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	p, err := s.network.Predict(sample)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, classifyResponse{Label: p.Label, Score: p.Score, Confidence: p.Confidence})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info, stats := s.network.Describe()
	labels := make([]string, len(stats.Labels))
	for i, l := range stats.Labels {
		labels[i] = l.Label
	}
	writeJSON(w, infoResponse{
		modelRequest: modelRequest{
			Hashtables: info.Hashtables,
			Addresses:  info.AddrLength,
			Bleach:     info.Bleach,
			TargetSize: [2]uint32{info.TargetSize.Width, info.TargetSize.Height},
			Mapping:    info.Mapping,
		},
		Labels:   labels,
		Patterns: stats.Patterns,
	})
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	blob, err := s.network.Save()
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", "attachment;filename=wisard_model.bin")
	w.Write(blob)
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	blob, err := s.readBody(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.network.Load(blob); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleErase(w http.ResponseWriter, r *http.Request) {
	s.network.Erase()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	checkpoints, err := s.store.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, checkpoints)
}

func (s *Server) handlePutCheckpoint(w http.ResponseWriter, r *http.Request) {
	blob, err := s.network.Save()
	if err != nil {
		writeError(w, err)
		return
	}
	cp, err := s.store.Put(r.Context(), r.PathValue("name"), blob)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, cp)
}

func (s *Server) handleLoadCheckpoint(w http.ResponseWriter, r *http.Request) {
	cp, blob, err := s.store.Get(r.Context(), r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.network.Load(blob); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, cp)
}

func (s *Server) handleDeleteCheckpoint(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Delete(r.Context(), r.PathValue("name")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// errBodyTooLarge is returned by readBody when the request exceeds maxBody.
var errBodyTooLarge = errors.New("request body too large")

// readBody returns the raw request body, gunzipped when the client sent
// Content-Encoding: gzip.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	var body io.Reader = http.MaxBytesReader(w, r.Body, s.maxBody)
	if r.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid gzip body: %w", model.ErrSerialization, err)
		}
		defer gz.Close()
		body = io.LimitReader(gz, s.maxBody+1)
	}
	data, err := io.ReadAll(body)
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) || int64(len(data)) > s.maxBody {
		return nil, errBodyTooLarge
	}
	if err != nil {
		return nil, fmt.Errorf("%w: invalid body: %w", model.ErrSerialization, err)
	}
	return data, nil
}

func statusFor(err error) int {
	var verr *model.ValidationError
	switch {
	case errors.Is(err, errBodyTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrOutOfBounds),
		errors.Is(err, model.ErrSerialization),
		errors.As(err, &verr):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("Request failed")
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.New().String()
		w.Header().Set("X-Request-Id", id)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(rec, r)

		log.Info().Str("RequestID", id).
			Str("Method", r.Method).
			Str("Path", r.URL.Path).
			Int("Status", rec.status).
			Dur("Duration", time.Since(start)).
			Msg("")
	})
}
