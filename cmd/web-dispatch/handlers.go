package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"go-elevator-dispatch/pkg/sim"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for development
	},
}

// Server holds the HTTP surface around one simulation.
type Server struct {
	sim    *sim.Simulation
	hub    *sim.Hub
	logger *slog.Logger
}

// NewServer wires the handlers onto mux.
func NewServer(s *sim.Simulation, hub *sim.Hub, logger *slog.Logger, mux *http.ServeMux) *Server {
	srv := &Server{sim: s, hub: hub, logger: logger.With("component", "http")}

	mux.HandleFunc("GET /api/elevators", srv.listElevators)
	mux.HandleFunc("GET /api/elevators/metrics", srv.elevatorMetrics)
	mux.HandleFunc("GET /api/elevators/{id}", srv.getElevator)
	mux.HandleFunc("PUT /api/elevators/{id}/status", srv.setElevatorStatus)
	mux.HandleFunc("POST /api/elevators/reset", srv.resetElevators)

	mux.HandleFunc("POST /api/requests", srv.createRequest)
	mux.HandleFunc("GET /api/requests", srv.listRequests)
	mux.HandleFunc("GET /api/requests/metrics", srv.requestMetrics)
	mux.HandleFunc("GET /api/requests/{id}", srv.getRequest)
	mux.HandleFunc("PUT /api/requests/{id}/status", srv.updateRequestStatus)
	mux.HandleFunc("PUT /api/requests/{id}/priority", srv.escalateRequest)

	mux.HandleFunc("GET /api/simulation", srv.simulationState)
	mux.HandleFunc("GET /api/simulation/metrics", srv.performanceMetrics)
	mux.HandleFunc("POST /api/simulation/start", srv.startSimulation)
	mux.HandleFunc("POST /api/simulation/stop", srv.stopSimulation)
	mux.HandleFunc("PUT /api/simulation/config", srv.updateConfig)
	mux.HandleFunc("PUT /api/simulation/speed", srv.updateSpeed)
	mux.HandleFunc("POST /api/simulation/reset", srv.resetSimulation)
	mux.HandleFunc("POST /api/simulation/stress-test", srv.stressTest)

	mux.HandleFunc("GET /ws", srv.handleWebSocket)
	return srv
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"message": msg})
}

// --- Elevators ---

func (srv *Server) listElevators(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, srv.sim.Store().Elevators(""))
}

func (srv *Server) getElevator(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid elevator id")
		return
	}
	e, err := srv.sim.Store().Elevator(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "elevator not found")
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (srv *Server) setElevatorStatus(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid elevator id")
		return
	}
	var body struct {
		Status sim.ElevatorStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if body.Status != sim.StatusActive && body.Status != sim.StatusMaintenance {
		writeError(w, http.StatusBadRequest, "status must be ACTIVE or MAINTENANCE")
		return
	}
	e, err := srv.sim.SetElevatorStatus(id, body.Status)
	if err != nil {
		writeError(w, http.StatusNotFound, "elevator not found")
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// ElevatorMetric is the per-car performance summary.
type ElevatorMetric struct {
	ElevatorID       int     `json:"elevatorId"`
	Utilization      float64 `json:"utilization"`
	TotalTravelTime  int64   `json:"totalTravelTimeMs"`
	PassengersServed int     `json:"passengersServed"`
	Efficiency       float64 `json:"efficiency"`
	RequestCount     int     `json:"requestCount"`
}

func (srv *Server) elevatorMetrics(w http.ResponseWriter, r *http.Request) {
	var out []ElevatorMetric
	for _, e := range srv.sim.Store().Elevators("") {
		m := ElevatorMetric{
			ElevatorID:       e.ID,
			TotalTravelTime:  e.TotalTravelTime.Milliseconds(),
			PassengersServed: e.TotalPassengersServed,
			RequestCount:     e.RequestCount,
		}
		if e.TotalPassengersServed > 0 {
			m.Utilization = float64(e.TotalPassengersServed) / float64(e.Capacity*10) * 100
			m.Efficiency = float64(e.TotalTravelTime.Milliseconds()) / float64(e.TotalPassengersServed)
		}
		out = append(out, m)
	}
	writeJSON(w, http.StatusOK, out)
}

func (srv *Server) resetElevators(w http.ResponseWriter, r *http.Request) {
	elevators, err := srv.sim.ResetElevators()
	if err != nil {
		writeError(w, http.StatusConflict, "cannot rebuild the elevator pool while the simulation is running")
		return
	}
	writeJSON(w, http.StatusOK, elevators)
}

// --- Requests ---

func (srv *Server) createRequest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		OriginFloor      int             `json:"originFloor"`
		DestinationFloor int             `json:"destinationFloor"`
		Type             sim.RequestKind `json:"type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if body.Type == "" {
		body.Type = sim.KindExternal
	}

	req, err := srv.sim.CreateRequest(body.OriginFloor, body.DestinationFloor, body.Type)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (srv *Server) listRequests(w http.ResponseWriter, r *http.Request) {
	status := sim.RequestStatus(r.URL.Query().Get("status"))
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	writeJSON(w, http.StatusOK, srv.sim.Store().Requests(status, limit))
}

func (srv *Server) getRequest(w http.ResponseWriter, r *http.Request) {
	req, err := srv.sim.Store().Request(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "request not found")
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// updateRequestStatus supports the one externally driven transition:
// cancellation. Pickup and completion belong to the motion engine.
func (srv *Server) updateRequestStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status sim.RequestStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if body.Status != sim.RequestCancelled {
		writeError(w, http.StatusBadRequest, "only CANCELLED can be set externally")
		return
	}

	req, err := srv.sim.CancelRequest(r.PathValue("id"))
	switch {
	case errors.Is(err, sim.ErrNotFound):
		writeError(w, http.StatusNotFound, "request not found")
	case errors.Is(err, sim.ErrTerminal):
		writeError(w, http.StatusConflict, "request is already in a terminal state")
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, req)
	}
}

func (srv *Server) escalateRequest(w http.ResponseWriter, r *http.Request) {
	req, err := srv.sim.EscalateRequest(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "request not found")
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (srv *Server) requestMetrics(w http.ResponseWriter, r *http.Request) {
	store := srv.sim.Store()
	metrics := store.Metrics()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pendingRequests":     store.CountRequests(sim.RequestPending),
		"completedRequests":   store.CountRequests(sim.RequestCompleted),
		"longWaitingRequests": store.LongWaiting(time.Now(), 30*time.Second),
		"averageWaitTimeMs":   metrics.AverageWaitTime.Milliseconds(),
		"averageTravelTimeMs": metrics.AverageTravelTime.Milliseconds(),
		"maxWaitTimeMs":       metrics.MaxWaitTime.Milliseconds(),
	})
}

// --- Simulation ---

func (srv *Server) simulationState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, srv.sim.State())
}

func (srv *Server) performanceMetrics(w http.ResponseWriter, r *http.Request) {
	store := srv.sim.Store()
	byStatus := map[sim.RequestStatus]int{}
	for _, st := range []sim.RequestStatus{
		sim.RequestPending, sim.RequestAssigned, sim.RequestPickedUp,
		sim.RequestCompleted, sim.RequestCancelled,
	} {
		if n := store.CountRequests(st); n > 0 {
			byStatus[st] = n
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"simulation": store.Metrics(),
		"scheduler":  srv.sim.DispatchMetrics(),
		"requests":   byStatus,
	})
}

func (srv *Server) startSimulation(w http.ResponseWriter, r *http.Request) {
	body := struct {
		Speed        int   `json:"speed"`
		AutoGenerate *bool `json:"autoGenerate"`
	}{}
	_ = json.NewDecoder(r.Body).Decode(&body)

	if body.Speed == 0 {
		body.Speed = srv.sim.State().Speed
	}
	if body.Speed < sim.MinSpeed || body.Speed > sim.MaxSpeed {
		writeError(w, http.StatusBadRequest, "speed must be between 1 and 5")
		return
	}
	autoGenerate := true
	if body.AutoGenerate != nil {
		autoGenerate = *body.AutoGenerate
	}

	srv.sim.Start(body.Speed, autoGenerate)
	writeJSON(w, http.StatusOK, srv.sim.State())
}

func (srv *Server) stopSimulation(w http.ResponseWriter, r *http.Request) {
	srv.sim.Stop()
	writeJSON(w, http.StatusOK, srv.sim.State())
}

func (srv *Server) updateConfig(w http.ResponseWriter, r *http.Request) {
	cfg := srv.sim.State().Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := validateSimConfig(cfg); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := srv.sim.UpdateConfig(cfg); err != nil {
		writeError(w, http.StatusConflict, "cannot change the elevator count while the simulation is running")
		return
	}
	writeJSON(w, http.StatusOK, srv.sim.State())
}

func (srv *Server) updateSpeed(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Speed int `json:"speed"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if body.Speed < sim.MinSpeed || body.Speed > sim.MaxSpeed {
		writeError(w, http.StatusBadRequest, "speed must be between 1 and 5")
		return
	}
	srv.sim.UpdateSpeed(body.Speed)
	writeJSON(w, http.StatusOK, srv.sim.State())
}

func (srv *Server) resetSimulation(w http.ResponseWriter, r *http.Request) {
	srv.sim.Reset()
	writeJSON(w, http.StatusOK, srv.sim.State())
}

func (srv *Server) stressTest(w http.ResponseWriter, r *http.Request) {
	body := struct {
		SimultaneousRequests int `json:"simultaneousRequests"`
	}{SimultaneousRequests: 100}
	_ = json.NewDecoder(r.Body).Decode(&body)

	if body.SimultaneousRequests < 1 || body.SimultaneousRequests > 1000 {
		writeError(w, http.StatusBadRequest, "simultaneousRequests must be between 1 and 1000")
		return
	}

	srv.sim.StressTest(body.SimultaneousRequests)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":    "stress test started",
		"simulation": srv.sim.State(),
	})
}

// --- WebSocket ---

// handleWebSocket subscribes a client to the event stream. The read side
// only watches for the peer going away.
func (srv *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := srv.hub.Register(conn)
	defer srv.hub.Unregister(client)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				srv.logger.Debug("websocket read error", "error", err)
			}
			return
		}
	}
}
