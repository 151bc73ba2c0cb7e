// Package api implements the JSON command surface. Every response carries
// a success flag and, on failure, a message.
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

// Response is the envelope shared by every command.
type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		http.Error(w, `{"success":false,"message":"Failed to encode response"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(buf.Bytes())
}

// writeSuccess writes {success: true} merged with fields.
func writeSuccess(w http.ResponseWriter, fields map[string]interface{}) {
	body := map[string]interface{}{"success": true}
	for k, v := range fields {
		body[k] = v
	}
	writeJSON(w, http.StatusOK, body)
}

// writeError writes {success: false, message}.
func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, Response{Success: false, Message: message})
}

// decode reads a JSON request body into v. An empty body leaves v untouched.
func decode(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
