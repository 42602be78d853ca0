package logsvc

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/roach88/thekeeper/internal/event"
)

// maxBodyBytes bounds an append request.
const maxBodyBytes = 4 << 20

// Handler returns the HTTP surface of the service:
//
//	GET  /state?from=<ts>          protobuf Events after ts
//	POST /state                    protobuf Events in, JSON acks out
//	POST /auth/handles/{handle}    {"code": ...} for a player handle
//	POST /auth/redeem/{code}       links the caller's key
//
// Failures answer {"message": ...}. Authentication failures are 400.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /state", s.handlePull)
	mux.HandleFunc("POST /state", s.handleAppend)
	mux.HandleFunc("POST /auth/handles/{handle}", s.handleShare)
	mux.HandleFunc("POST /auth/redeem/{code}", s.handleRedeem)
	return cors(mux)
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization,Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Service) handlePull(w http.ResponseWriter, r *http.Request) {
	actor, err := s.Authenticate(r.Context(), bearer(r))
	if err != nil {
		s.writeError(w, err)
		return
	}

	from, err := strconv.ParseInt(r.URL.Query().Get("from"), 10, 64)
	if err != nil {
		s.writeError(w, ErrBadInput)
		return
	}

	envs, err := s.Pull(r.Context(), actor, from)
	if err != nil {
		s.writeError(w, err)
		return
	}
	body, err := event.MarshalEnvelopes(envs)
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-protobuf")
	w.Write(body)
}

func (s *Service) handleAppend(w http.ResponseWriter, r *http.Request) {
	actor, err := s.Authenticate(r.Context(), bearer(r))
	if err != nil {
		s.writeError(w, err)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, ErrBadInput)
		return
	}
	events, err := event.UnmarshalEvents(body)
	if err != nil {
		s.logger.Debug("undecodable append", "actor", actor.ID, "error", err)
		s.writeError(w, ErrBadInput)
		return
	}

	acks, err := s.Append(r.Context(), actor, events)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out, err := event.MarshalAcks(acks)
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(out)
}

func (s *Service) handleShare(w http.ResponseWriter, r *http.Request) {
	actor, err := s.Authenticate(r.Context(), bearer(r))
	if err != nil {
		s.writeError(w, err)
		return
	}

	code, err := s.CreateShareCode(r.Context(), actor, r.PathValue("handle"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"code": code})
}

func (s *Service) handleRedeem(w http.ResponseWriter, r *http.Request) {
	if err := s.Redeem(r.Context(), bearer(r), r.PathValue("code")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeError maps service errors to a status and a public message.
// Internal failures are logged and answered with a generic message.
func (s *Service) writeError(w http.ResponseWriter, err error) {
	status, msg := http.StatusInternalServerError, "internal error"
	switch {
	case errors.Is(err, ErrUnauthorized):
		status, msg = http.StatusBadRequest, "invalid public key"
		s.logger.Debug("authentication failed", "error", err)
	case errors.Is(err, ErrBadInput):
		status, msg = http.StatusBadRequest, ErrBadInput.Error()
	case errors.Is(err, ErrForbidden):
		status, msg = http.StatusBadRequest, ErrForbidden.Error()
	case errors.Is(err, ErrCodeUnknown):
		status, msg = http.StatusBadRequest, ErrCodeUnknown.Error()
	case errors.Is(err, ErrNotFound):
		status, msg = http.StatusNotFound, ErrNotFound.Error()
	default:
		s.logger.Error("request failed", "error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"message": msg})
}

// bearer returns the token from the Authorization header. The bare form
// is what the web client sends; a Bearer prefix is tolerated.
func bearer(r *http.Request) string {
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}
