// pkg/api/handlers.go
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aleka07/twinclient/pkg/model"
	"github.com/aleka07/twinclient/pkg/orchestrator"
	"github.com/aleka07/twinclient/pkg/persistence"
)

const maxListLimit = 1000

// Twin is the part of the orchestrator the API drives.
type Twin interface {
	ReportProperties(doc model.PropertyDocument) error
	SendMessage(msg model.OutgoingMessage) error
	State() (orchestrator.State, error)
	Authenticated() bool
}

// API holds the handler dependencies.
type API struct {
	Twin    Twin
	Journal persistence.Journal
	log     *logrus.Entry
}

func NewAPI(twin Twin, journal persistence.Journal, log *logrus.Entry) *API {
	return &API{Twin: twin, Journal: journal, log: log.WithField("component", "api")}
}

func (a *API) writer(w http.ResponseWriter) *ResponseWriter {
	return NewResponseWriter(w, a.log)
}

// --- Health Check Handler ---

func (a *API) HealthCheck(w http.ResponseWriter, r *http.Request) {
	state, reason := a.Twin.State()
	response := map[string]interface{}{
		"status":        "ok",
		"state":         state.String(),
		"authenticated": a.Twin.Authenticated(),
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK
	if state == orchestrator.StateTerminating {
		status = http.StatusServiceUnavailable
		response["status"] = "terminating"
		if reason != nil {
			response["error"] = reason.Error()
		}
	}
	a.writer(w).SendJSON(status, response)
}

// --- Outbound Handlers ---

// ReportProperties handles POST /api/v1/reported
func (a *API) ReportProperties(w http.ResponseWriter, r *http.Request) {
	rw := a.writer(w)
	defer r.Body.Close()

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		rw.SendError(http.StatusBadRequest, "Invalid request payload: "+err.Error())
		return
	}
	doc, err := model.ParseDocument(raw)
	if err != nil {
		rw.SendError(http.StatusBadRequest, "Reported properties must be a JSON object")
		return
	}

	if err := a.Twin.ReportProperties(doc); err != nil {
		a.enqueueFailed(rw, "reported properties", err)
		return
	}
	a.log.WithField("keys", len(doc)).Debug("reported properties queued")
	rw.SendSuccess(http.StatusAccepted, "reported properties queued", nil)
}

// messageRequest is the body of POST /api/v1/messages.
type messageRequest struct {
	Body            json.RawMessage   `json:"body"`
	Properties      map[string]string `json:"properties"`
	MessageID       string            `json:"messageId"`
	CorrelationID   string            `json:"correlationId"`
	ContentType     string            `json:"contentType"`
	ContentEncoding string            `json:"contentEncoding"`
	OutputName      string            `json:"outputName"`
}

func (m messageRequest) toMessage() model.OutgoingMessage {
	sys := map[string]string{
		model.SysContentType:     "application/json",
		model.SysContentEncoding: "utf-8",
	}
	set := func(k, v string) {
		if v != "" {
			sys[k] = v
		}
	}
	set(model.SysMessageID, m.MessageID)
	set(model.SysCorrelationID, m.CorrelationID)
	set(model.SysContentType, m.ContentType)
	set(model.SysContentEncoding, m.ContentEncoding)
	set(model.SysOutputName, m.OutputName)

	return model.OutgoingMessage{Message: model.Message{
		Body:             []byte(m.Body),
		Properties:       m.Properties,
		SystemProperties: sys,
	}}
}

// SendMessage handles POST /api/v1/messages
func (a *API) SendMessage(w http.ResponseWriter, r *http.Request) {
	rw := a.writer(w)
	defer r.Body.Close()

	var req messageRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		rw.SendError(http.StatusBadRequest, "Invalid request payload: "+err.Error())
		return
	}
	if len(req.Body) == 0 {
		rw.SendError(http.StatusBadRequest, "Missing required field: body")
		return
	}

	msg := req.toMessage()
	if err := a.Twin.SendMessage(msg); err != nil {
		a.enqueueFailed(rw, "message", err)
		return
	}
	a.log.WithField("bytes", len(msg.Body)).Debug("message queued")
	rw.SendSuccess(http.StatusAccepted, "message queued", nil)
}

func (a *API) enqueueFailed(rw *ResponseWriter, what string, err error) {
	if errors.Is(err, model.ErrQueueFull) {
		a.log.WithError(err).Warn("rejecting " + what + ": queue full")
		rw.SendError(http.StatusServiceUnavailable, "Queue full, retry later")
		return
	}
	a.log.WithError(err).Error("failed to queue " + what)
	rw.SendError(http.StatusInternalServerError, "Failed to queue "+what)
}

// --- Journal Handlers ---

func parseLimit(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return persistence.DefaultListLimit, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	return min(n, maxListLimit), nil
}

// ListReported handles GET /api/v1/journal/reported
func (a *API) ListReported(w http.ResponseWriter, r *http.Request) {
	rw := a.writer(w)
	limit, err := parseLimit(r)
	if err != nil {
		rw.SendError(http.StatusBadRequest, err.Error())
		return
	}
	records, err := a.Journal.ListReported(r.Context(), limit)
	if err != nil {
		a.log.WithError(err).Error("failed to list reported journal")
		rw.SendError(http.StatusInternalServerError, "Failed to retrieve journal")
		return
	}
	rw.SendSuccess(http.StatusOK, "", records)
}

// ListMessages handles GET /api/v1/journal/messages
func (a *API) ListMessages(w http.ResponseWriter, r *http.Request) {
	rw := a.writer(w)
	limit, err := parseLimit(r)
	if err != nil {
		rw.SendError(http.StatusBadRequest, err.Error())
		return
	}
	records, err := a.Journal.ListMessages(r.Context(), limit)
	if err != nil {
		a.log.WithError(err).Error("failed to list message journal")
		rw.SendError(http.StatusInternalServerError, "Failed to retrieve journal")
		return
	}
	rw.SendSuccess(http.StatusOK, "", records)
}
