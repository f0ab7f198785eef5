package match

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/wilsonzlin/aero/proxy/webrtc-match-signaling/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-match-signaling/internal/directory"
	"github.com/wilsonzlin/aero/proxy/webrtc-match-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-match-signaling/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/webrtc-match-signaling/internal/ratelimit"
)

const (
	maxRequestBytes = 16 * 1024
	maxExcludeIDs   = 256

	searchingMessage = "Searching for match..."
)

// Server exposes the selector over HTTP:
//
//	POST /match/find  {genderFilter?, regionFilter?, exclude?}
//	POST /match/skip  {skippedUserId, genderFilter?, regionFilter?}
//
// Both require a bearer credential and answer with a findResponse.
type Server struct {
	selector *Selector
	verifier auth.Verifier
	limiter  *ratelimit.Keyed
	log      *slog.Logger
	metrics  *metrics.Metrics
}

type ServerConfig struct {
	Selector *Selector
	Verifier auth.Verifier
	// Limiter caps requests per user; nil is unlimited.
	Limiter *ratelimit.Keyed
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		selector: cfg.Selector,
		verifier: cfg.Verifier,
		limiter:  cfg.Limiter,
		log:      logger,
		metrics:  cfg.Metrics,
	}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /match/find", s.handleFind)
	mux.HandleFunc("POST /match/skip", s.handleSkip)
}

type findRequest struct {
	GenderFilter string            `json:"genderFilter,omitempty"`
	RegionFilter string            `json:"regionFilter,omitempty"`
	Exclude      []protocol.UserID `json:"exclude,omitempty"`
}

type skipRequest struct {
	SkippedUserID protocol.UserID `json:"skippedUserId"`
	GenderFilter  string          `json:"genderFilter,omitempty"`
	RegionFilter  string          `json:"regionFilter,omitempty"`
}

type findResponse struct {
	Matched     bool            `json:"matched"`
	MatchedUser *directory.User `json:"matchedUser,omitempty"`
	Message     string          `json:"message,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleFind(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.admit(w, r)
	if !ok {
		return
	}

	var req findRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if len(req.Exclude) > maxExcludeIDs {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("exclude must list at most %d ids", maxExcludeIDs)})
		return
	}

	exclude := mapset.NewThreadUnsafeSet[string]()
	for _, id := range req.Exclude {
		exclude.Add(id.String())
	}
	s.respond(w, r, userID, Filters{Gender: req.GenderFilter, Region: req.RegionFilter, Exclude: exclude})
}

func (s *Server) handleSkip(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.admit(w, r)
	if !ok {
		return
	}

	var req skipRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	skipped := req.SkippedUserID.String()
	if skipped == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "skippedUserId is required"})
		return
	}

	s.selector.Skip(userID, skipped)
	s.respond(w, r, userID, Filters{Gender: req.GenderFilter, Region: req.RegionFilter})
}

// admit authenticates the request and applies the per-user limit.
func (s *Server) admit(w http.ResponseWriter, r *http.Request) (string, bool) {
	cred, err := auth.CredentialFromRequest(r)
	if err == nil {
		var id auth.Identity
		id, err = s.verifier.Verify(cred)
		if err == nil {
			if !s.limiter.Allow(id.UserID) {
				s.metrics.Inc(metrics.MatchRateLimited)
				writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "Too many requests, please try again later"})
				return "", false
			}
			return id.UserID, true
		}
	}
	s.metrics.Inc(metrics.AuthFailures)
	writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
	return "", false
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, userID string, f Filters) {
	s.metrics.Inc(metrics.MatchRequests)

	user, err := s.selector.SelectCandidate(r.Context(), userID, f)
	switch {
	case err == nil:
		s.metrics.Inc(metrics.MatchFound)
		writeJSON(w, http.StatusOK, findResponse{Matched: true, MatchedUser: &user})
	case errors.Is(err, ErrRequesterBanned):
		s.metrics.Inc(metrics.BannedRejected)
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "Account is banned"})
	default:
		s.metrics.Inc(metrics.MatchNotFound)
		writeJSON(w, http.StatusOK, findResponse{Matched: false, Message: searchingMessage})
	}
}

// decodeBody accepts an empty body as the zero request.
func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes+1))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if len(body) > maxRequestBytes {
		return errors.New("request body too large")
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid request body: unexpected trailing data")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
