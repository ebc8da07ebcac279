// Package fleet exposes the dispatch engine over HTTP: manual and batch
// assignment, campaign control and read-only fleet queries.
package fleet

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/evfleet/fleetd/core/dispatch"
	"github.com/evfleet/fleetd/core/geo"
	"github.com/evfleet/fleetd/core/logger"
	"github.com/evfleet/fleetd/core/model"
	"github.com/evfleet/fleetd/core/params"
	"github.com/evfleet/fleetd/core/store"
)

// Handler serves the fleet API.
type Handler struct {
	matcher   *dispatch.Matcher
	campaigns *dispatch.CampaignRegistry
	fleet     store.Fleet
	conv      *geo.Converter
	log       logger.Logger
}

// NewHandler returns an http.Handler routing the fleet API.
func NewHandler(matcher *dispatch.Matcher, campaigns *dispatch.CampaignRegistry, fleet store.Fleet, conv *geo.Converter, log logger.Logger) http.Handler {
	h := &Handler{matcher: matcher, campaigns: campaigns, fleet: fleet, conv: conv, log: log}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/fleet/orders/{id}/assign", h.assignOne)
	mux.HandleFunc("POST /api/fleet/orders/assign-batch", h.assignBatch)
	mux.HandleFunc("GET /api/fleet/orders/pending/locations", h.pendingLocations)
	mux.HandleFunc("POST /api/fleet/campaigns", h.startCampaign)
	mux.HandleFunc("GET /api/fleet/campaigns/{id}", h.campaignStatus)
	mux.HandleFunc("POST /api/fleet/campaigns/{id}/stop", h.stopCampaign)
	mux.HandleFunc("DELETE /api/fleet/campaigns/{id}", h.clearCampaign)
	mux.HandleFunc("GET /api/fleet/vehicles/nearest", h.nearestVehicle)
	mux.HandleFunc("GET /api/fleet/vehicles/{id}", h.vehicle)
	mux.HandleFunc("GET /api/fleet/vehicles/{id}/position", h.vehiclePosition)
	return mux
}

func (h *Handler) assignOne(w http.ResponseWriter, r *http.Request) {
	asn, err := h.matcher.AssignOne(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, asn)
}

type batchRequest struct {
	OrderIDs []string `json:"order_ids"`
}

func (h *Handler) assignBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.OrderIDs) == 0 {
		http.Error(w, "order_ids must not be empty", http.StatusBadRequest)
		return
	}
	res := h.matcher.AssignBatch(r.Context(), req.OrderIDs, nil)
	writeJSON(w, http.StatusOK, res)
}

type campaignRequest struct {
	BatchSize int    `json:"batch_size"`
	City      string `json:"city"`
}

type campaignStarted struct {
	CampaignID string `json:"campaign_id"`
}

func (h *Handler) startCampaign(w http.ResponseWriter, r *http.Request) {
	var req campaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.BatchSize <= 0 {
		http.Error(w, "batch_size must be positive", http.StatusBadRequest)
		return
	}
	id, err := h.campaigns.Start(r.Context(), req.BatchSize, req.City)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, campaignStarted{CampaignID: id})
}

func (h *Handler) campaignStatus(w http.ResponseWriter, r *http.Request) {
	c, err := h.campaigns.Status(r.PathValue("id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, campaignView(c))
}

func (h *Handler) stopCampaign(w http.ResponseWriter, r *http.Request) {
	if err := h.campaigns.Stop(r.PathValue("id")); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) clearCampaign(w http.ResponseWriter, r *http.Request) {
	if err := h.campaigns.Clear(r.PathValue("id")); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type vehicleView struct {
	ID             string              `json:"id"`
	Model          string              `json:"model,omitempty"`
	City           string              `json:"city"`
	Position       geo.Point           `json:"position"`
	BatteryPercent float64             `json:"battery_percent"`
	Status         model.VehicleStatus `json:"status"`
}

func (h *Handler) nearestVehicle(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	x, errX := strconv.ParseFloat(q.Get("x"), 64)
	y, errY := strconv.ParseFloat(q.Get("y"), 64)
	if errX != nil || errY != nil {
		http.Error(w, "x and y query parameters are required", http.StatusBadRequest)
		return
	}
	v, err := h.matcher.NearestIdle(r.Context(), q.Get("city"), geo.Point{X: x, Y: y})
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newVehicleView(v))
}

func (h *Handler) vehicle(w http.ResponseWriter, r *http.Request) {
	v, err := h.fleet.Vehicle(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newVehicleView(v))
}

type positionView struct {
	VehicleID string    `json:"vehicle_id"`
	City      string    `json:"city"`
	Grid      geo.Point `json:"grid"`
	Lng       float64   `json:"lng"`
	Lat       float64   `json:"lat"`
}

func (h *Handler) vehiclePosition(w http.ResponseWriter, r *http.Request) {
	v, err := h.fleet.Vehicle(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	lng, lat, err := h.conv.ToGeodetic(v.Position, v.City)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	writeJSON(w, http.StatusOK, positionView{
		VehicleID: v.ID, City: v.City, Grid: v.Position, Lng: lng, Lat: lat,
	})
}

type orderLocation struct {
	OrderID string    `json:"order_id"`
	Pickup  geo.Point `json:"pickup"`
	Dropoff geo.Point `json:"dropoff"`
}

func (h *Handler) pendingLocations(w http.ResponseWriter, r *http.Request) {
	orders, err := h.fleet.PendingOrders(r.Context(), r.URL.Query().Get("city"), 0)
	if err != nil {
		h.fail(w, err)
		return
	}
	locs := make([]orderLocation, 0, len(orders))
	for _, o := range orders {
		locs = append(locs, orderLocation{OrderID: o.ID, Pickup: o.Pickup, Dropoff: o.Dropoff})
	}
	writeJSON(w, http.StatusOK, locs)
}

func newVehicleView(v model.Vehicle) vehicleView {
	return vehicleView{
		ID: v.ID, Model: v.Model, City: v.City,
		Position: v.Position, BatteryPercent: v.BatteryPercent, Status: v.Status,
	}
}

type campaignJSON struct {
	ID          string `json:"id"`
	City        string `json:"city,omitempty"`
	Status      string `json:"status"`
	Reason      string `json:"reason,omitempty"`
	Successful  int    `json:"successful"`
	Failed      int    `json:"failed"`
	Processed   int    `json:"processed"`
	TotalTarget int    `json:"total_target"`
	StartedAt   string `json:"started_at"`
	LastUpdate  string `json:"last_update"`
}

func campaignView(c model.Campaign) campaignJSON {
	return campaignJSON{
		ID:          c.ID,
		City:        c.City,
		Status:      string(c.Status),
		Reason:      c.Reason,
		Successful:  c.Successful,
		Failed:      c.Failed,
		Processed:   c.Processed,
		TotalTarget: c.TotalTarget,
		StartedAt:   c.StartedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		LastUpdate:  c.LastUpdate.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
}

type errorBody struct {
	Error string `json:"error"`
}

// fail maps domain errors to HTTP status codes.
func (h *Handler) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var missing *params.MissingParamError
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, dispatch.ErrUnknownCampaign):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrOrderNotPending),
		errors.Is(err, store.ErrVehicleConflict),
		errors.Is(err, dispatch.ErrNoEligibleVehicle):
		status = http.StatusConflict
	case errors.Is(err, dispatch.ErrInvalidRoute):
		status = http.StatusUnprocessableEntity
	case errors.As(err, &missing):
		status = http.StatusInternalServerError
	}
	if status == http.StatusInternalServerError {
		h.log.Errorf("fleet api: %v", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
