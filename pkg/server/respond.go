package server

import (
	"encoding/json"
	"net/http"

	"github.com/skoposlabs/skopos/pkg/apierror"
)

// decode reads and validates a JSON request body. On failure it writes the
// validation error and returns false.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, apierror.Validation("invalid request body: %v", err))
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeError(w, apierror.Validation("%v", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, apierror.HTTPStatus(err), map[string]string{
		"error":   string(apierror.KindOf(err)),
		"message": apierror.MessageOf(err),
	})
}
