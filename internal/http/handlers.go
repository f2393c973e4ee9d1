package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/rides"
)

type Server struct {
	Rides  *rides.Coordinator
	WSReg  *dispatch.WSRegistry
	logger *zap.Logger
	mux    *mux.Router
}

func NewServer(c *rides.Coordinator, ws *dispatch.WSRegistry, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{Rides: c, WSReg: ws, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/users", s.handleRegisterUser).Methods(http.MethodPost)
	api.HandleFunc("/users/{id}/rides", s.handleUserRides).Methods(http.MethodGet)
	api.HandleFunc("/drivers", s.handleRegisterDriver).Methods(http.MethodPost)
	api.HandleFunc("/drivers/available", s.handleAvailableDrivers).Methods(http.MethodGet)
	api.HandleFunc("/drivers/{id}/location", s.handleDriverLocation).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{id}/rides", s.handleDriverRides).Methods(http.MethodGet)
	api.HandleFunc("/rides/requests", s.handleRideRequest).Methods(http.MethodPost)
	api.HandleFunc("/rides/requests/{id}", s.handleGetRideRequest).Methods(http.MethodGet)
	api.HandleFunc("/rides/requests/{id}/cancel", s.handleCancelRideRequest).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}/status", s.handleRideStatus).Methods(http.MethodPut)
	api.HandleFunc("/rides/{id}/cancel", s.handleCancelRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/rating", s.handleRateRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/eta", s.handleRideETA).Methods(http.MethodGet)
	api.HandleFunc("/fare/estimate", s.handleFareEstimate).Methods(http.MethodPost)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{user_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps the error kinds onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrInvalidOperation), errors.Is(err, models.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, models.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		requestLogger(r).Error("request failed", zap.String("route", routeLabel(r)), zap.Error(err))
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body: " + err.Error()})
		return false
	}
	return true
}

func (s *Server) handleRegisterUser(w http.ResponseWriter, r *http.Request) {
	var u models.User
	if !decode(w, r, &u) {
		return
	}
	created, err := s.Rides.RegisterUser(r.Context(), u)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleRegisterDriver(w http.ResponseWriter, r *http.Request) {
	var d models.Driver
	if !decode(w, r, &d) {
		return
	}
	created, err := s.Rides.RegisterDriver(r.Context(), d)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

type locationBody struct {
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	Heading     float64 `json:"heading"`
	Speed       float64 `json:"speed"`
	Online      *bool   `json:"online"`
	Available   *bool   `json:"available"`
	VehicleType string  `json:"vehicle_type"`
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var b locationBody
	if !decode(w, r, &b) {
		return
	}
	online := true
	if b.Online != nil {
		online = *b.Online
	}
	loc, err := s.Rides.UpdateDriverLocation(r.Context(), rides.LocationUpdate{
		DriverID:    mux.Vars(r)["id"],
		Point:       models.GeoPoint{Lat: b.Lat, Lon: b.Lon},
		Heading:     b.Heading,
		Speed:       b.Speed,
		Online:      online,
		Available:   b.Available,
		VehicleType: b.VehicleType,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loc)
}

func queryFloat(r *http.Request, key string, required bool) (float64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		if required {
			return 0, fmt.Errorf("missing query parameter %s: %w", key, models.ErrInvalidArgument)
		}
		return 0, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid query parameter %s=%q: %w", key, v, models.ErrInvalidArgument)
	}
	return f, nil
}

func (s *Server) handleAvailableDrivers(w http.ResponseWriter, r *http.Request) {
	lat, err := queryFloat(r, "lat", true)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	lon, err := queryFloat(r, "lon", true)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	radius, err := queryFloat(r, "radius_km", false)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	drivers, err := s.Rides.AvailableInArea(r.Context(), models.GeoPoint{Lat: lat, Lon: lon}, radius, r.URL.Query().Get("vehicle_type"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"drivers": drivers, "count": len(drivers)})
}

func (s *Server) handleDriverRides(w http.ResponseWriter, r *http.Request) {
	list, err := s.Rides.RideHistoryForDriver(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleUserRides(w http.ResponseWriter, r *http.Request) {
	list, err := s.Rides.RideHistoryForUser(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleRideRequest(w http.ResponseWriter, r *http.Request) {
	var in rides.RequestInput
	if !decode(w, r, &in) {
		return
	}
	req, err := s.Rides.CreateRideRequest(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/rides/requests/"+req.ID)
	writeJSON(w, http.StatusAccepted, req)
}

func (s *Server) handleGetRideRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.Rides.GetRideRequest(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type cancelBody struct {
	Reason      string `json:"reason"`
	CancelledBy string `json:"cancelled_by"`
}

// decodeOptional accepts an empty body.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	return decode(w, r, v)
}

func (s *Server) handleCancelRideRequest(w http.ResponseWriter, r *http.Request) {
	var b cancelBody
	if !decodeOptional(w, r, &b) {
		return
	}
	req, err := s.Rides.CancelRideRequest(r.Context(), mux.Vars(r)["id"], b.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Rides.GetRide(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func parseCancelledBy(s string) (models.CancelledBy, error) {
	switch by := models.CancelledBy(s); by {
	case "", models.CancelledByUser, models.CancelledByDriver, models.CancelledBySystem:
		return by, nil
	default:
		return "", fmt.Errorf("unknown cancelled_by %q: %w", s, models.ErrInvalidArgument)
	}
}

func (s *Server) handleRideStatus(w http.ResponseWriter, r *http.Request) {
	var b struct {
		Status string `json:"status"`
		cancelBody
	}
	if !decode(w, r, &b) {
		return
	}
	status, ok := models.ParseRideStatus(b.Status)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown status " + strconv.Quote(b.Status)})
		return
	}
	by, err := parseCancelledBy(b.CancelledBy)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ride, err := s.Rides.UpdateRideStatus(r.Context(), mux.Vars(r)["id"], status, rides.StatusInfo{Reason: b.Reason, CancelledBy: by})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleCancelRide(w http.ResponseWriter, r *http.Request) {
	var b cancelBody
	if !decodeOptional(w, r, &b) {
		return
	}
	by, err := parseCancelledBy(b.CancelledBy)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ride, err := s.Rides.CancelRide(r.Context(), mux.Vars(r)["id"], b.Reason, by)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleRateRide(w http.ResponseWriter, r *http.Request) {
	var b struct {
		Rating       int    `json:"rating"`
		Review       string `json:"review"`
		IsUserRating bool   `json:"is_user_rating"`
	}
	if !decode(w, r, &b) {
		return
	}
	ride, err := s.Rides.RateRide(r.Context(), mux.Vars(r)["id"], b.Rating, b.Review, b.IsUserRating)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleRideETA(w http.ResponseWriter, r *http.Request) {
	a, err := s.Rides.EstimateArrival(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleFareEstimate(w http.ResponseWriter, r *http.Request) {
	var b struct {
		Pickup      models.GeoPoint `json:"pickup"`
		Dropoff     models.GeoPoint `json:"dropoff"`
		VehicleType string          `json:"vehicle_type"`
	}
	if !decode(w, r, &b) {
		return
	}
	fare, err := s.Rides.EstimateFare(r.Context(), b.Pickup, b.Dropoff, b.VehicleType)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fare)
}

var upgrader = websocket.Upgrader{}

// subscribeFrame is what a client sends to follow a broadcast topic.
type subscribeFrame struct {
	Action string `json:"action"`
	Topic  string `json:"topic"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["user_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		requestLogger(r).Warn("ws upgrade failed", zap.String("user_id", id), zap.Error(err))
		return
	}
	s.WSReg.Add(id, conn)
	defer func() {
		s.WSReg.Remove(id, conn)
		_ = conn.Close()
	}()
	for {
		var f subscribeFrame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		if f.Action == "subscribe" && f.Topic != "" {
			if err := s.WSReg.Subscribe(id, f.Topic); err != nil {
				return
			}
		}
	}
}
