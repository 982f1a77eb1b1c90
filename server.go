package transitdb

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
)

const (
	nearbyRouteRadius = 500 // meters
	amenityRadiusKm   = 5
	amenityLimit      = 30
)

// Server exposes the query engine and amenity sync over HTTP. Read failures
// degrade to errors on the response, never panics; unknown routes are 404s.
type Server struct {
	engine    *Engine
	amenities *AmenitySync
}

func NewServer(engine *Engine, amenities *AmenitySync) *Server {
	return &Server{engine: engine, amenities: amenities}
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/nearbyRoutes", s.handleNearbyRoutes).Methods(http.MethodGet)
	r.HandleFunc("/routeDetail", s.handleRouteDetail).Methods(http.MethodGet)
	r.HandleFunc("/transfersNear", s.handleTransfersNear).Methods(http.MethodPost)
	r.HandleFunc("/searchStops", s.handleSearchStops).Methods(http.MethodGet)
	r.HandleFunc("/searchRoutes", s.handleSearchRoutes).Methods(http.MethodGet)
	r.HandleFunc("/amenitiesNear", s.handleAmenitiesNear).Methods(http.MethodGet)
	return r
}

func (s *Server) handleNearbyRoutes(w http.ResponseWriter, r *http.Request) {
	lat, lng, ok := latLngParams(w, r)
	if !ok {
		return
	}

	routes, err := s.engine.NearbyRoutes(lat, lng, nearbyRouteRadius)
	if err != nil {
		serverError(w, err)
		return
	}
	writeJSON(w, routes)
}

func (s *Server) handleRouteDetail(w http.ResponseWriter, r *http.Request) {
	routeID := r.URL.Query().Get("route_id")
	if routeID == "" {
		http.Error(w, "missing route_id", http.StatusBadRequest)
		return
	}

	detail, err := s.engine.RouteDetail(routeID)
	if errors.Is(err, ErrNotFound) {
		http.Error(w, "route not found", http.StatusNotFound)
		return
	}
	if err != nil {
		serverError(w, err)
		return
	}
	writeJSON(w, detail)
}

func (s *Server) handleTransfersNear(w http.ResponseWriter, r *http.Request) {
	var body struct {
		StopLat        float64 `json:"stop_lat"`
		StopLon        float64 `json:"stop_lon"`
		CurrentRouteID string  `json:"current_route_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	options, err := s.engine.TransfersNear(body.StopLat, body.StopLon, body.CurrentRouteID)
	if err != nil {
		serverError(w, err)
		return
	}
	writeJSON(w, options)
}

func (s *Server) handleSearchStops(w http.ResponseWriter, r *http.Request) {
	stops, err := s.engine.SearchStops(r.URL.Query().Get("q"))
	if err != nil {
		serverError(w, err)
		return
	}
	writeJSON(w, stops)
}

func (s *Server) handleSearchRoutes(w http.ResponseWriter, r *http.Request) {
	routes, err := s.engine.SearchRoutes(r.URL.Query().Get("q"))
	if err != nil {
		serverError(w, err)
		return
	}
	writeJSON(w, routes)
}

func (s *Server) handleAmenitiesNear(w http.ResponseWriter, r *http.Request) {
	lat, lng, ok := latLngParams(w, r)
	if !ok {
		return
	}

	// Refresh is a no-op while the stored set is fresh; a provider outage
	// still leaves stored rows queryable.
	if _, err := s.amenities.Refresh(lat, lng); err != nil {
		serverError(w, err)
		return
	}

	restrooms, err := s.amenities.Query(lat, lng, amenityRadiusKm, amenityLimit)
	if err != nil {
		serverError(w, err)
		return
	}
	writeJSON(w, restrooms)
}

func latLngParams(w http.ResponseWriter, r *http.Request) (float64, float64, bool) {
	q := r.URL.Query()
	lat, err := strconv.ParseFloat(q.Get("lat"), 64)
	if err != nil {
		http.Error(w, "invalid lat", http.StatusBadRequest)
		return 0, 0, false
	}
	lng, err := strconv.ParseFloat(q.Get("lng"), 64)
	if err != nil {
		http.Error(w, "invalid lng", http.StatusBadRequest)
		return 0, 0, false
	}
	return lat, lng, true
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func serverError(w http.ResponseWriter, err error) {
	slog.Error("Request failed", "error", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}
