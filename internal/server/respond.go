package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/Tyrowin/presence-chat/internal/credential"
	"github.com/Tyrowin/presence-chat/internal/model"
	"github.com/Tyrowin/presence-chat/internal/session"
	"github.com/Tyrowin/presence-chat/internal/store"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", "error", err)
	}
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Message: message})
}

// decodeJSON decodes the request body into dst. A malformed body is reported
// as a *store.DecodeError.
func decodeJSON(w http.ResponseWriter, r *http.Request, kind string, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			err = errors.New("request body is empty")
		}
		return &store.DecodeError{Kind: kind, Err: err}
	}
	return nil
}

// writeError maps an error to its HTTP status. Internal details are logged,
// never returned.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validationErr *model.ValidationError
		decodeErr     *store.DecodeError
		hashErr       *credential.HashingError
	)

	switch {
	case errors.As(err, &validationErr):
		writeMessage(w, http.StatusBadRequest, validationErr.Error())
	case errors.Is(err, session.ErrRejected):
		writeMessage(w, http.StatusUnauthorized, "Invalid credentials")
	case errors.Is(err, session.ErrUsernameTaken):
		writeMessage(w, http.StatusConflict, "Username already exists")
	case errors.Is(err, session.ErrUserIDTaken):
		writeMessage(w, http.StatusConflict, "User ID already exists")
	case errors.Is(err, store.ErrEmptyKey):
		writeMessage(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeMessage(w, http.StatusNotFound, "Not found")
	case errors.As(err, &hashErr):
		s.logger.Error("password hashing failed", "path", r.URL.Path, "error", err)
		writeMessage(w, http.StatusInternalServerError, "Could not hash password")
	case errors.As(err, &decodeErr):
		s.logger.Error("stored record could not be decoded", "path", r.URL.Path, "error", err)
		writeMessage(w, http.StatusInternalServerError, "Internal Server Error")
	default:
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
		writeMessage(w, http.StatusInternalServerError, "Internal Server Error")
	}
}
