// Package api is the local HTTP surface of the twin client.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"
)

// ResponseWriter is a utility for writing consistent API responses
type ResponseWriter struct {
	Writer http.ResponseWriter
	log    *logrus.Entry
}

// ApiResponse is a standard response structure for the API
type ApiResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// NewResponseWriter creates a new ResponseWriter with the given http.ResponseWriter
func NewResponseWriter(w http.ResponseWriter, log *logrus.Entry) *ResponseWriter {
	return &ResponseWriter{Writer: w, log: log}
}

// SendJSON sends a JSON response with the given status code and data
func (rw *ResponseWriter) SendJSON(statusCode int, data interface{}) {
	rw.Writer.Header().Set("Content-Type", "application/json")
	rw.Writer.WriteHeader(statusCode)
	if err := json.NewEncoder(rw.Writer).Encode(data); err != nil && rw.log != nil {
		rw.log.WithError(err).Error("failed to encode response")
	}
}

// SendSuccess sends a successful API response
func (rw *ResponseWriter) SendSuccess(statusCode int, message string, data interface{}) {
	rw.SendJSON(statusCode, ApiResponse{
		Success: true,
		Message: message,
		Data:    data,
	})
}

// SendError sends an error API response
func (rw *ResponseWriter) SendError(statusCode int, message string) {
	rw.SendJSON(statusCode, ApiResponse{
		Success: false,
		Error:   message,
	})
}

/*
API Endpoints

1. Health
   - Path: /healthz
   - Method: GET
   - Status Codes: 200 OK while running, 503 Service Unavailable once terminating

2. Metrics
   - Path: /metrics
   - Method: GET (Prometheus text format)

3. Report Properties
   - Path: /api/v1/reported
   - Method: POST
   - Request Body: JSON object
   - Status Codes: 202 Accepted, 400 Bad Request, 503 Service Unavailable (queue full)

4. Send Message
   - Path: /api/v1/messages
   - Method: POST
   - Request Body: {"body": any, "properties": {string: string}, "messageId", "correlationId",
     "contentType", "contentEncoding", "outputName"}
   - Status Codes: 202 Accepted, 400 Bad Request, 503 Service Unavailable (queue full)

5. Journal
   - Path: /api/v1/journal/reported, /api/v1/journal/messages
   - Method: GET
   - Query Parameters: limit
   - Status Codes: 200 OK, 400 Bad Request, 500 Internal Server Error
*/
