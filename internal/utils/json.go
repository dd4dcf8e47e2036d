package utils

import (
	"encoding/json"

	"github.com/rs/zerolog"
)

// SafeJSONParse parses JSON safely
func SafeJSONParse(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// JSONWriter is the write side of a websocket connection.
type JSONWriter interface {
	WriteJSON(v interface{}) error
}

// SendJSON writes a JSON payload to a WebSocket connection.
// Fiber's websocket connection is not safe for concurrent writes; the
// caller must hold the connection's write lock.
func SendJSON(c JSONWriter, payload interface{}) error {
	return c.WriteJSON(payload)
}

// LogError logs an error if it's not nil
func LogError(logger zerolog.Logger, err error, context string) {
	if err != nil {
		logger.Error().Err(err).Str("context", context).Msg("operation failed")
	}
}
