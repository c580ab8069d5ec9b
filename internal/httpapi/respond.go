package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/voxwire/voxwire/internal/fault"
)

// errorBody is the uniform error response shape.
type errorBody struct {
	Error struct {
		Kind    string         `json:"kind"`
		Message string         `json:"message"`
		Fields  map[string]any `json:"fields,omitempty"`
	} `json:"error"`
}

// writeJSON encodes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeFault maps a classified error onto the wire: taxonomy kind, message,
// structured fields, and the matching status code. Unclassified errors become
// opaque 500s so internals never leak.
func writeFault(w http.ResponseWriter, err error) {
	kind := fault.KindOf(err)
	status := kind.HTTPStatus()

	var body errorBody
	if kind == "" {
		body.Error.Kind = "internal"
		body.Error.Message = "internal error"
		writeJSON(w, http.StatusInternalServerError, body)
		return
	}

	if kind == fault.KindRateLimit {
		w.Header().Set("Retry-After", "60")
	}

	body.Error.Kind = string(kind)
	body.Error.Message = err.Error()
	body.Error.Fields = fault.FieldsOf(err)
	writeJSON(w, status, body)
}

// decode reads a JSON request body into dst.
func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fault.Wrap(fault.KindValidation, err, "httpapi: invalid request body")
	}
	return nil
}
