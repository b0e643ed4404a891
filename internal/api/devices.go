package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-naim/internal/bridges/naim"
	"github.com/nerrad567/gray-logic-naim/internal/device"
	naimclient "github.com/nerrad567/gray-logic-naim/internal/naim"
)

const (
	// deviceFetchTimeout bounds on-demand reads such as /network.
	deviceFetchTimeout = 10 * time.Second

	// connectTimeout bounds a REST-triggered reconnect.
	connectTimeout = 30 * time.Second

	defaultHistoryLimit = 50
	maxHistoryLimit     = 500

	// commandSourceAPI tags commands submitted over REST.
	commandSourceAPI = "api"
)

// DeviceView is a persisted device joined with its runtime state.
type DeviceView struct {
	device.Device
	Ready        bool   `json:"ready"`
	Connectivity string `json:"connectivity"`
	Subscribers  int    `json:"subscribers"`
	Polling      bool   `json:"polling"`
}

// CreateDeviceRequest is the body of POST /devices.
type CreateDeviceRequest struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Address           string `json:"address"`
	Port              int    `json:"port"`
	Enabled           *bool  `json:"enabled"`
	StandbyMonitoring bool   `json:"standby_monitoring"`
}

// DeviceCommand is the body of POST /devices/{id}/commands.
type DeviceCommand struct {
	ID         string         `json:"id,omitempty"`
	Command    string         `json:"command"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

func (s *Server) view(d device.Device) DeviceView {
	v := DeviceView{Device: d, Connectivity: string(naimclient.StateDisconnected)}
	if e, ok := s.bridge.Registry().Get(d.ID); ok {
		v.Ready = e.Ready()
		v.Connectivity = string(e.Client().State())
		v.Subscribers = e.Subscribers()
		v.Polling = e.Polling()
	}
	return v
}

// handleListDevices returns every persisted device.
//
// Query parameters:
//   - ready: "true" limits the list to devices whose first refresh has
//     completed
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	readyOnly := r.URL.Query().Get("ready") == "true"

	devices := s.devices.ListDevices(r.Context())
	views := make([]DeviceView, 0, len(devices))
	for _, d := range devices {
		v := s.view(d)
		if readyOnly && !v.Ready {
			continue
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": views, "count": len(views)})
}

// handleGetDevice returns a single device by ID.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.lookupDevice(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.view(*dev))
}

// handleCreateDevice persists a device and hands it to the bridge when
// enabled.
func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var req CreateDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	dev := device.Device{
		ID:                req.ID,
		Name:              req.Name,
		Address:           req.Address,
		Port:              req.Port,
		Enabled:           req.Enabled == nil || *req.Enabled,
		StandbyMonitoring: req.StandbyMonitoring,
	}

	if err := s.devices.CreateDevice(r.Context(), &dev); err != nil {
		switch {
		case isValidationError(err):
			writeValidationError(w, err.Error())
		case errors.Is(err, device.ErrDeviceExists):
			writeConflict(w, "device already exists")
		default:
			writeInternalError(w, "failed to create device")
		}
		return
	}

	if dev.Enabled {
		if err := s.bridge.AddDevice(dev); err != nil {
			s.logger.Warn("bridge rejected new device", "device_id", dev.ID, "error", err)
		}
	}

	writeJSON(w, http.StatusCreated, s.view(dev))
}

// handleDeleteDevice removes a device and closes its entity.
func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.devices.DeleteDevice(r.Context(), id); err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		writeInternalError(w, "failed to delete device")
		return
	}
	s.bridge.RemoveDevice(id)

	w.WriteHeader(http.StatusNoContent)
}

// handleGetStatus returns the canonical status and the media-player view.
func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	e, ok := s.readyEntity(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"device_id":    e.ID(),
		"connectivity": e.Client().State(),
		"status":       e.Client().Status(),
		"attributes":   e.Attributes(),
	})
}

// handleGetInputs returns the effective input list and source names.
func (s *Server) handleGetInputs(w http.ResponseWriter, r *http.Request) {
	e, ok := s.readyEntity(w, r)
	if !ok {
		return
	}
	c := e.Client()
	writeJSON(w, http.StatusOK, map[string]any{
		"device_id":    e.ID(),
		"inputs":       c.Inputs(),
		"sources":      c.Sources(),
		"source_names": c.SourceNames(),
	})
}

// handleGetSystem returns the identity cached at connect.
func (s *Server) handleGetSystem(w http.ResponseWriter, r *http.Request) {
	e, ok := s.readyEntity(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, e.Client().SystemInfo())
}

// handleGetNetwork fetches /network from the device.
func (s *Server) handleGetNetwork(w http.ResponseWriter, r *http.Request) {
	e, ok := s.readyEntity(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), deviceFetchTimeout)
	defer cancel()

	info, err := e.Client().NetworkInfo(ctx)
	if err != nil {
		s.writeDeviceError(w, e.ID(), err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleGetHistory returns recent commands for a device, newest first.
//
// Query parameters:
//   - limit: maximum records (default 50, max 500)
func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.lookupDevice(w, r)
	if !ok {
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	records, err := s.devices.CommandHistory(r.Context(), dev.ID, limit)
	if err != nil {
		writeInternalError(w, "failed to load command history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"device_id": dev.ID, "commands": records, "count": len(records)})
}

// handleCommand runs a command synchronously and returns its
// acknowledgement. The body mirrors the MQTT command payload.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var body DeviceCommand
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if body.Command == "" {
		writeBadRequest(w, "command field is required")
		return
	}
	if body.ID == "" {
		body.ID = uuid.NewString()
	}

	ack := s.bridge.Execute(r.Context(), naim.CommandMessage{
		ID:         body.ID,
		Timestamp:  time.Now().UTC(),
		DeviceID:   id,
		Command:    body.Command,
		Parameters: body.Parameters,
		Source:     commandSourceAPI,
	})
	writeJSON(w, ackHTTPStatus(ack), ack)
}

// handleConnect drops and re-establishes the device connection.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	ctx, cancel := context.WithTimeout(r.Context(), connectTimeout)
	defer cancel()

	if err := s.bridge.Reconnect(ctx, id); err != nil {
		if errors.Is(err, naim.ErrUnknownDevice) {
			writeNotFound(w, "device not managed by bridge")
			return
		}
		s.writeDeviceError(w, id, err)
		return
	}

	dev, err := s.devices.GetDevice(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"device_id": id, "connected": true})
		return
	}
	writeJSON(w, http.StatusOK, s.view(*dev))
}

// handleListCommands returns every command id the bridge accepts.
func (s *Server) handleListCommands(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"commands": naim.SupportedCommands(),
		"remote":   naim.RemoteCommands(),
	})
}

// lookupDevice resolves {id} against the persisted list, writing a 404
// when it is unknown.
func (s *Server) lookupDevice(w http.ResponseWriter, r *http.Request) (*device.Device, bool) {
	dev, err := s.devices.GetDevice(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return nil, false
		}
		writeInternalError(w, "failed to get device")
		return nil, false
	}
	return dev, true
}

// readyEntity resolves {id} to an entity that has completed its first
// refresh. Entities still initialising answer 503.
func (s *Server) readyEntity(w http.ResponseWriter, r *http.Request) (*naim.Entity, bool) {
	id := chi.URLParam(r, "id")
	e, ok := s.bridge.Registry().Get(id)
	if !ok {
		writeNotFound(w, "device not managed by bridge")
		return nil, false
	}
	if !e.Ready() {
		writeUnavailable(w, "device not ready")
		return nil, false
	}
	return e, true
}

func (s *Server) writeDeviceError(w http.ResponseWriter, id string, err error) {
	s.logger.Warn("device request failed", "device_id", id, "error", err)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, ErrCodeGatewayTimeout, "device did not answer in time")
	case errors.Is(err, naimclient.ErrUnreachable), errors.Is(err, naimclient.ErrNotConnected):
		writeUnavailable(w, "device unreachable")
	case errors.Is(err, naimclient.ErrHTTPStatus), errors.Is(err, naimclient.ErrMalformed):
		writeError(w, http.StatusBadGateway, ErrCodeUnavailable, err.Error())
	default:
		writeInternalError(w, "device request failed")
	}
}

// ackHTTPStatus maps an acknowledgement onto the response status.
func ackHTTPStatus(ack naim.AckMessage) int {
	if ack.Succeeded() {
		return http.StatusOK
	}
	if ack.Error == nil {
		return http.StatusInternalServerError
	}
	switch ack.Error.Code {
	case naim.ErrCodeNotConfigured:
		return http.StatusNotFound
	case naim.ErrCodeInvalidCommand, naim.ErrCodeInvalidParameters:
		return http.StatusBadRequest
	case naim.ErrCodeNotSupported, naim.ErrCodeNotSelectable:
		return http.StatusUnprocessableEntity
	case naim.ErrCodeDeviceUnreachable:
		return http.StatusServiceUnavailable
	case naim.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	case naim.ErrCodeProtocolError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// isValidationError reports whether err came from device validation.
func isValidationError(err error) bool {
	return errors.Is(err, device.ErrInvalidDevice) ||
		errors.Is(err, device.ErrInvalidName) ||
		errors.Is(err, device.ErrInvalidID) ||
		errors.Is(err, device.ErrInvalidAddress)
}
