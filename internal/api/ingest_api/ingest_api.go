package ingest_api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/BearBump/TrackFlow/internal/models"
	"github.com/BearBump/TrackFlow/internal/services/exceptions"
	"github.com/BearBump/TrackFlow/internal/services/ingest"
	"github.com/BearBump/TrackFlow/internal/services/verifier"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
)

// Тело вебхука ограничено, чтобы журнал приёма не раздувался мусором.
const maxWebhookBody = 1 << 20

type IngestService interface {
	ProcessWebhook(ctx context.Context, carrierCode string, body []byte, signature, messageID, sourceIP string) (ingest.WebhookSummary, error)
	PollShipments(ctx context.Context, trackingNumbers []string) (ingest.PollSummary, error)
	RegisterShipments(ctx context.Context, items []models.ShipmentCreateInput) ([]*models.Shipment, error)
	GetShipment(ctx context.Context, trackingNumber string) (*models.Shipment, error)
	GetTimeline(ctx context.Context, trackingNumber string, limit, offset int) ([]*models.TrackingEvent, error)
	GetExceptions(ctx context.Context, trackingNumber string) ([]*models.ShipmentException, error)
	SearchByStatus(ctx context.Context, status models.UnifiedStatus, limit, offset int) ([]*models.Shipment, error)
	GetStatusDashboard(ctx context.Context) (*ingest.Dashboard, error)
	GetRecentWebhooks(ctx context.Context, limit int) ([]*models.TrackingWebhook, error)
	Subscribe(ctx context.Context, trackingNumber string, channel models.SubscriptionChannel, destination string, statuses []models.UnifiedStatus) (uint64, error)
	Unsubscribe(ctx context.Context, id uint64) error
}

type ExceptionWorkflow interface {
	Acknowledge(ctx context.Context, id uint64, actor string) (*models.ShipmentException, error)
	Resolve(ctx context.Context, id uint64, notes string) (*models.ShipmentException, error)
	Escalate(ctx context.Context, id uint64) (*models.ShipmentException, error)
}

type IngestAPI struct {
	svc IngestService
	exc ExceptionWorkflow
}

func New(svc IngestService, exc ExceptionWorkflow) *IngestAPI {
	return &IngestAPI{svc: svc, exc: exc}
}

func (a *IngestAPI) Routes(r chi.Router) {
	r.Post("/v1/webhooks/{carrier}", a.handleWebhook)
	r.Get("/v1/webhooks/recent", a.handleRecentWebhooks)

	r.Get("/v1/shipments", a.handleSearch)
	r.Post("/v1/shipments", a.handleRegister)
	r.Post("/v1/shipments/poll", a.handlePoll)
	r.Get("/v1/shipments/{trackingNumber}", a.handleGetShipment)
	r.Get("/v1/shipments/{trackingNumber}/timeline", a.handleTimeline)
	r.Get("/v1/shipments/{trackingNumber}/exceptions", a.handleExceptions)

	r.Get("/v1/dashboard", a.handleDashboard)

	r.Post("/v1/subscriptions", a.handleSubscribe)
	r.Delete("/v1/subscriptions/{id}", a.handleUnsubscribe)

	r.Post("/v1/exceptions/{id}/acknowledge", a.handleAcknowledge)
	r.Post("/v1/exceptions/{id}/resolve", a.handleResolve)
	r.Post("/v1/exceptions/{id}/escalate", a.handleEscalate)
}

func (a *IngestAPI) handleWebhook(w http.ResponseWriter, r *http.Request) {
	carrierCode := chi.URLParam(r, "carrier")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "cannot read body")
		return
	}

	sum, err := a.svc.ProcessWebhook(r.Context(), carrierCode, body,
		r.Header.Get(verifier.HeaderSignature),
		r.Header.Get(verifier.HeaderMessageID),
		r.RemoteAddr)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, webhookStatusCode(sum), sum)
}

// Код ответа говорит перевозчику, стоит ли ресендить: 2xx и 4xx —
// терминальные исходы, ретраить надо только 5xx.
func webhookStatusCode(sum ingest.WebhookSummary) int {
	if sum.Status != "rejected" {
		return http.StatusOK
	}
	switch sum.Reason {
	case models.RejectInvalidSignature:
		return http.StatusUnauthorized
	case models.RejectReplayDetected:
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func (a *IngestAPI) handleRecentWebhooks(w http.ResponseWriter, r *http.Request) {
	hooks, err := a.svc.GetRecentWebhooks(r.Context(), queryInt(r, "limit"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]jsonWebhook, 0, len(hooks))
	for _, h := range hooks {
		out = append(out, toJSONWebhook(h))
	}
	writeJSON(w, http.StatusOK, map[string]any{"webhooks": out})
}

func (a *IngestAPI) handleGetShipment(w http.ResponseWriter, r *http.Request) {
	sh, err := a.svc.GetShipment(r.Context(), chi.URLParam(r, "trackingNumber"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJSONShipment(sh))
}

func (a *IngestAPI) handleTimeline(w http.ResponseWriter, r *http.Request) {
	events, err := a.svc.GetTimeline(r.Context(), chi.URLParam(r, "trackingNumber"),
		queryInt(r, "limit"), queryInt(r, "offset"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	out := make([]jsonEvent, 0, len(events))
	for _, e := range events {
		out = append(out, toJSONEvent(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

func (a *IngestAPI) handleExceptions(w http.ResponseWriter, r *http.Request) {
	exs, err := a.svc.GetExceptions(r.Context(), chi.URLParam(r, "trackingNumber"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	out := make([]jsonException, 0, len(exs))
	for _, ex := range exs {
		out = append(out, toJSONException(ex))
	}
	writeJSON(w, http.StatusOK, map[string]any{"exceptions": out})
}

func (a *IngestAPI) handleSearch(w http.ResponseWriter, r *http.Request) {
	status := models.UnifiedStatus(r.URL.Query().Get("status"))
	if !status.Valid() {
		writeError(w, http.StatusBadRequest, "valid status query param is required")
		return
	}

	shipments, err := a.svc.SearchByStatus(r.Context(), status, queryInt(r, "limit"), queryInt(r, "offset"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]jsonShipment, 0, len(shipments))
	for _, sh := range shipments {
		out = append(out, toJSONShipment(sh))
	}
	writeJSON(w, http.StatusOK, map[string]any{"shipments": out})
}

func (a *IngestAPI) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Items []struct {
			CarrierCode    string `json:"carrierCode"`
			TrackingNumber string `json:"trackingNumber"`
		} `json:"items"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Items) == 0 {
		writeError(w, http.StatusBadRequest, "items is required")
		return
	}

	in := make([]models.ShipmentCreateInput, 0, len(req.Items))
	for _, it := range req.Items {
		if it.CarrierCode == "" || it.TrackingNumber == "" {
			writeError(w, http.StatusBadRequest, "carrierCode and trackingNumber are required")
			return
		}
		in = append(in, models.ShipmentCreateInput{
			CarrierCode:    it.CarrierCode,
			TrackingNumber: it.TrackingNumber,
		})
	}

	shipments, err := a.svc.RegisterShipments(r.Context(), in)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]jsonShipment, 0, len(shipments))
	for _, sh := range shipments {
		out = append(out, toJSONShipment(sh))
	}
	writeJSON(w, http.StatusCreated, map[string]any{"shipments": out})
}

func (a *IngestAPI) handleDashboard(w http.ResponseWriter, r *http.Request) {
	d, err := a.svc.GetStatusDashboard(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (a *IngestAPI) handlePoll(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TrackingNumbers []string `json:"trackingNumbers"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.TrackingNumbers) == 0 {
		writeError(w, http.StatusBadRequest, "trackingNumbers is required")
		return
	}

	sum, err := a.svc.PollShipments(r.Context(), req.TrackingNumbers)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (a *IngestAPI) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TrackingNumber string   `json:"trackingNumber"`
		Channel        string   `json:"channel"`
		Destination    string   `json:"destination"`
		Statuses       []string `json:"statuses"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	channel := models.SubscriptionChannel(req.Channel)
	if !channel.Valid() {
		writeError(w, http.StatusBadRequest, "unknown channel")
		return
	}
	if req.TrackingNumber == "" || req.Destination == "" {
		writeError(w, http.StatusBadRequest, "trackingNumber and destination are required")
		return
	}
	statuses := make([]models.UnifiedStatus, 0, len(req.Statuses))
	for _, raw := range req.Statuses {
		st := models.UnifiedStatus(raw)
		if !st.Valid() {
			writeError(w, http.StatusBadRequest, "unknown status in filter")
			return
		}
		statuses = append(statuses, st)
	}

	id, err := a.svc.Subscribe(r.Context(), req.TrackingNumber, channel, req.Destination, statuses)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]uint64{"id": id})
}

func (a *IngestAPI) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := a.svc.Unsubscribe(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deactivated": true})
}

func (a *IngestAPI) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Actor string `json:"actor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Actor == "" {
		writeError(w, http.StatusBadRequest, "actor is required")
		return
	}

	ex, err := a.exc.Acknowledge(r.Context(), id, req.Actor)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJSONException(ex))
}

func (a *IngestAPI) handleResolve(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Notes string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Notes == "" {
		writeError(w, http.StatusBadRequest, "notes is required")
		return
	}

	ex, err := a.exc.Resolve(r.Context(), id, req.Notes)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJSONException(ex))
}

func (a *IngestAPI) handleEscalate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	ex, err := a.exc.Escalate(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJSONException(ex))
}

func pathID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, name string) int {
	n, _ := strconv.Atoi(r.URL.Query().Get(name))
	return n
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ingest.ErrShipmentNotFound),
		errors.Is(err, exceptions.ErrExceptionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, exceptions.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// --- JSON-представления доменных моделей ---

type jsonShipment struct {
	ID                uint64     `json:"id"`
	CarrierCode       string     `json:"carrierCode"`
	TrackingNumber    string     `json:"trackingNumber"`
	TrackingStatus    string     `json:"trackingStatus"`
	StatusTerminal    bool       `json:"statusTerminal"`
	TrackingUpdatedAt *time.Time `json:"trackingUpdatedAt,omitempty"`
	NextPollAt        time.Time  `json:"nextPollAt"`
	PollFailCount     int32      `json:"pollFailCount"`
	LastPollError     string     `json:"lastPollError,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

func toJSONShipment(sh *models.Shipment) jsonShipment {
	return jsonShipment{
		ID:                sh.ID,
		CarrierCode:       sh.CarrierCode,
		TrackingNumber:    sh.TrackingNumber,
		TrackingStatus:    string(sh.TrackingStatus),
		StatusTerminal:    sh.StatusTerminal,
		TrackingUpdatedAt: sh.TrackingUpdatedAt,
		NextPollAt:        sh.NextPollAt,
		PollFailCount:     sh.PollFailCount,
		LastPollError:     derefString(sh.LastPollError),
		CreatedAt:         sh.CreatedAt,
		UpdatedAt:         sh.UpdatedAt,
	}
}

type jsonEvent struct {
	ID          uint64    `json:"id"`
	Seq         int32     `json:"seq"`
	Status      string    `json:"status"`
	StatusRaw   string    `json:"statusRaw"`
	StatusCode  string    `json:"statusCode"`
	Terminal    bool      `json:"terminal"`
	EventTime   time.Time `json:"eventTime"`
	City        string    `json:"city,omitempty"`
	Country     string    `json:"country,omitempty"`
	Description string    `json:"description,omitempty"`
	Signatory   string    `json:"signatory,omitempty"`
	Source      string    `json:"source"`
	CreatedAt   time.Time `json:"createdAt"`
}

func toJSONEvent(e *models.TrackingEvent) jsonEvent {
	return jsonEvent{
		ID:          e.ID,
		Seq:         e.Seq,
		Status:      string(e.Status),
		StatusRaw:   e.StatusRaw,
		StatusCode:  e.StatusCode,
		Terminal:    e.Terminal,
		EventTime:   e.EventTime,
		City:        derefString(e.City),
		Country:     derefString(e.Country),
		Description: derefString(e.Description),
		Signatory:   derefString(e.Signatory),
		Source:      string(e.Source),
		CreatedAt:   e.CreatedAt,
	}
}

type jsonException struct {
	ID                     uint64     `json:"id"`
	ShipmentID             uint64     `json:"shipmentId"`
	EventID                uint64     `json:"eventId"`
	Code                   string     `json:"code"`
	Priority               string     `json:"priority"`
	Status                 string     `json:"status"`
	SuggestedAction        string     `json:"suggestedAction,omitempty"`
	RequiresCustomerAction bool       `json:"requiresCustomerAction"`
	AcknowledgedBy         string     `json:"acknowledgedBy,omitempty"`
	ResolutionNotes        string     `json:"resolutionNotes,omitempty"`
	OpenedAt               time.Time  `json:"openedAt"`
	AcknowledgedAt         *time.Time `json:"acknowledgedAt,omitempty"`
	ResolvedAt             *time.Time `json:"resolvedAt,omitempty"`
	EscalatedAt            *time.Time `json:"escalatedAt,omitempty"`
}

func toJSONException(ex *models.ShipmentException) jsonException {
	return jsonException{
		ID:                     ex.ID,
		ShipmentID:             ex.ShipmentID,
		EventID:                ex.EventID,
		Code:                   string(ex.Code),
		Priority:               string(ex.Priority),
		Status:                 string(ex.Status),
		SuggestedAction:        ex.SuggestedAction,
		RequiresCustomerAction: ex.RequiresCustomerAction,
		AcknowledgedBy:         derefString(ex.AcknowledgedBy),
		ResolutionNotes:        derefString(ex.ResolutionNotes),
		OpenedAt:               ex.OpenedAt,
		AcknowledgedAt:         ex.AcknowledgedAt,
		ResolvedAt:             ex.ResolvedAt,
		EscalatedAt:            ex.EscalatedAt,
	}
}

type jsonWebhook struct {
	ID             uint64    `json:"id"`
	CarrierCode    string    `json:"carrierCode"`
	MessageID      string    `json:"messageId"`
	Status         string    `json:"status"`
	RejectReason   string    `json:"rejectReason,omitempty"`
	SignatureValid bool      `json:"signatureValid"`
	EventsCount    int32     `json:"eventsCount"`
	DurationMS     int64     `json:"durationMs"`
	ReceivedAt     time.Time `json:"receivedAt"`
}

func toJSONWebhook(h *models.TrackingWebhook) jsonWebhook {
	return jsonWebhook{
		ID:             h.ID,
		CarrierCode:    h.CarrierCode,
		MessageID:      h.MessageID,
		Status:         string(h.Status),
		RejectReason:   derefString(h.RejectReason),
		SignatureValid: h.SignatureValid,
		EventsCount:    h.EventsCount,
		DurationMS:     h.DurationMS,
		ReceivedAt:     h.ReceivedAt,
	}
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
