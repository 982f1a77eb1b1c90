package transitdb

import (
	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
	"encoding/json"
	"fmt"
	"github.com/tidwall/geojson"
	"github.com/tidwall/geojson/geometry"
	"strings"
	"time"
)

// Route type codes as they appear in the feed.
const (
	RouteTypeTram   = 0
	RouteTypeSubway = 1
	RouteTypeRail   = 2
	RouteTypeBus    = 3
)

type Stop struct {
	ID   string  `json:"stop_id"`
	Code string  `json:"stop_code,omitempty"`
	Name string  `json:"stop_name"`
	Desc string  `json:"stop_desc,omitempty"`
	Lat  float64 `json:"stop_lat"`
	Lon  float64 `json:"stop_lon"`
}

type Route struct {
	ID        string `json:"route_id"`
	ShortName string `json:"route_short_name"`
	LongName  string `json:"route_long_name"`
	Desc      string `json:"route_desc,omitempty"`
	Type      int64  `json:"route_type"`
}

// StopVisit is one trip's scheduled call at one stop.
type StopVisit struct {
	TripID    string `json:"trip_id"`
	StopID    string `json:"stop_id"`
	Sequence  int64  `json:"stop_sequence"`
	Arrival   string `json:"arrival_time"`
	Departure string `json:"departure_time"`
}

type Direction struct {
	ID       int64  `json:"direction_id"`
	Headsign string `json:"headsign"`
}

type RouteDetail struct {
	Route      Route           `json:"route"`
	Stops      []Stop          `json:"stops"`
	Polyline   json.RawMessage `json:"polyline"`
	Directions []Direction     `json:"directions"`
	StopTimes  []StopVisit     `json:"stop_times"`
}

// TransferOptions partitions the routes reachable on foot from a point into
// the two modes riders transfer between.
type TransferOptions struct {
	Subway []Route `json:"subway"`
	Bus    []Route `json:"bus"`
}

const (
	searchLimit         = 20
	transferWalkMeters  = 200
	defaultCacheTTL     = 5 * time.Minute
	routesJoinFromStops = `
		FROM stops
		JOIN stop_times ON stop_times.stop_id = stops.stop_id
		JOIN trips ON trips.trip_id = stop_times.trip_id
		JOIN routes ON routes.route_id = trips.route_id
		WHERE stops.stop_lat BETWEEN ? AND ? AND stops.stop_lon BETWEEN ? AND ?`
)

// Engine answers read-only proximity and join queries against a Store,
// memoizing results in a Cache keyed under the current feed fingerprint.
type Engine struct {
	store    *Store
	cache    *Cache
	cacheTTL time.Duration
}

func NewEngine(store *Store, cache *Cache) *Engine {
	return &Engine{store: store, cache: cache, cacheTTL: defaultCacheTTL}
}

// SetCacheTTL overrides the default time-based expiry for memoized results.
// Zero disables time-based expiry; entries then only fall out when the feed
// fingerprint moves.
func (e *Engine) SetCacheTTL(ttl time.Duration) {
	e.cacheTTL = ttl
}

func (e *Engine) fingerprint() string {
	fv, err := e.store.FeedVersion()
	if err != nil {
		return ""
	}
	return fv.Fingerprint
}

func (e *Engine) cached(key string) (any, bool) {
	if e.cache == nil {
		return nil, false
	}
	if !e.cache.IsValid(key, e.fingerprint()) {
		return nil, false
	}
	return e.cache.Get(key)
}

func (e *Engine) remember(key string, payload any) {
	if e.cache == nil {
		return
	}
	e.cache.Set(key, payload, e.fingerprint(), e.cacheTTL)
}

// NearbyRoutes returns the distinct routes serving any stop inside a bounding
// box approximating radiusMeters around the point. The filter is rectangular,
// not circular; callers needing an exact radius re-filter with the haversine
// distance on the returned stops.
func (e *Engine) NearbyRoutes(lat, lon, radiusMeters float64) ([]Route, error) {
	key := fmt.Sprintf("nearbyRoutes|%.5f|%.5f|%.0f", lat, lon, radiusMeters)
	if v, ok := e.cached(key); ok {
		return v.([]Route), nil
	}

	db, err := e.store.reader()
	if err != nil {
		return nil, err
	}
	defer func() { _ = db.Close() }()

	box := boundingBoxAround(lat, lon, radiusMeters)
	routes, err := routesInBox(db, box, "")
	if err != nil {
		return nil, err
	}

	e.remember(key, routes)
	return routes, nil
}

func routesInBox(db *sqlite.Conn, box boundingBox, excludeRouteID string) ([]Route, error) {
	query := `SELECT DISTINCT routes.route_id, routes.route_short_name,
		routes.route_long_name, routes.route_desc, routes.route_type` +
		routesJoinFromStops + ` ORDER BY routes.route_id`

	routes := []Route{}
	err := sqlitex.Exec(db, query, func(stmt *sqlite.Stmt) error {
		r := scanRoute(stmt)
		if r.ID == excludeRouteID && excludeRouteID != "" {
			return nil
		}
		routes = append(routes, r)
		return nil
	}, box.MinLat, box.MaxLat, box.MinLon, box.MaxLon)
	if err != nil {
		return nil, err
	}
	return routes, nil
}

func scanRoute(stmt *sqlite.Stmt) Route {
	return Route{
		ID:        stmt.GetText("route_id"),
		ShortName: stmt.GetText("route_short_name"),
		LongName:  stmt.GetText("route_long_name"),
		Desc:      stmt.GetText("route_desc"),
		Type:      stmt.GetInt64("route_type"),
	}
}

// TransfersNear lists the routes a rider can transfer to within a short walk
// of the point, excluding the route they are already on, partitioned into
// subway and bus. The excluded route never appears even if several of its
// trips serve nearby stops.
func (e *Engine) TransfersNear(lat, lon float64, excludeRouteID string) (TransferOptions, error) {
	key := fmt.Sprintf("transfersNear|%.5f|%.5f|%s", lat, lon, excludeRouteID)
	if v, ok := e.cached(key); ok {
		return v.(TransferOptions), nil
	}

	db, err := e.store.reader()
	if err != nil {
		return TransferOptions{}, err
	}
	defer func() { _ = db.Close() }()

	box := boundingBoxAround(lat, lon, transferWalkMeters)
	routes, err := routesInBox(db, box, excludeRouteID)
	if err != nil {
		return TransferOptions{}, err
	}

	out := TransferOptions{Subway: []Route{}, Bus: []Route{}}
	for _, r := range routes {
		switch r.Type {
		case RouteTypeSubway:
			out.Subway = append(out.Subway, r)
		case RouteTypeBus:
			out.Bus = append(out.Bus, r)
		}
	}

	e.remember(key, out)
	return out, nil
}

// RouteDetail returns the ordered stop sequence, shape polyline, directions
// and timed stop visits for one route. The stop sequence and visits come from
// a representative trip per direction. Returns ErrNotFound for an unknown id.
func (e *Engine) RouteDetail(routeID string) (RouteDetail, error) {
	key := "routeDetail|" + routeID
	if v, ok := e.cached(key); ok {
		return v.(RouteDetail), nil
	}

	db, err := e.store.reader()
	if err != nil {
		return RouteDetail{}, err
	}
	defer func() { _ = db.Close() }()

	var route Route
	found := false
	err = sqlitex.Exec(db,
		`SELECT route_id, route_short_name, route_long_name, route_desc, route_type
		 FROM routes WHERE route_id = ?`,
		func(stmt *sqlite.Stmt) error {
			route = scanRoute(stmt)
			found = true
			return nil
		}, routeID)
	if err != nil {
		return RouteDetail{}, err
	}
	if !found {
		return RouteDetail{}, fmt.Errorf("route %s: %w", routeID, ErrNotFound)
	}

	detail := RouteDetail{
		Route:      route,
		Stops:      []Stop{},
		Directions: []Direction{},
		StopTimes:  []StopVisit{},
	}

	// One representative trip per direction, chosen deterministically.
	type repTrip struct {
		tripID    string
		direction int64
		headsign  string
		shapeID   string
	}
	var reps []repTrip
	err = sqlitex.Exec(db,
		`SELECT trip_id, direction_id, trip_headsign, shape_id FROM trips
		 WHERE route_id = ? AND trip_id IN
			(SELECT min(trip_id) FROM trips WHERE route_id = ? GROUP BY direction_id)
		 ORDER BY direction_id`,
		func(stmt *sqlite.Stmt) error {
			reps = append(reps, repTrip{
				tripID:    stmt.GetText("trip_id"),
				direction: stmt.GetInt64("direction_id"),
				headsign:  stmt.GetText("trip_headsign"),
				shapeID:   stmt.GetText("shape_id"),
			})
			return nil
		}, routeID, routeID)
	if err != nil {
		return RouteDetail{}, err
	}

	for i, rep := range reps {
		detail.Directions = append(detail.Directions, Direction{
			ID:       rep.direction,
			Headsign: rep.headsign,
		})

		stops, visits, err := tripCalls(db, rep.tripID)
		if err != nil {
			return RouteDetail{}, err
		}
		if i == 0 {
			detail.Stops = stops
			if rep.shapeID != "" {
				detail.Polyline, err = shapePolyline(db, rep.shapeID)
				if err != nil {
					return RouteDetail{}, err
				}
			}
		}
		detail.StopTimes = append(detail.StopTimes, visits...)
	}

	e.remember(key, detail)
	return detail, nil
}

func tripCalls(db *sqlite.Conn, tripID string) ([]Stop, []StopVisit, error) {
	stops := []Stop{}
	visits := []StopVisit{}
	err := sqlitex.Exec(db,
		`SELECT stops.stop_id, stops.stop_code, stops.stop_name, stops.stop_desc,
			stops.stop_lat, stops.stop_lon,
			stop_times.stop_sequence, stop_times.arrival_time, stop_times.departure_time
		 FROM stop_times
		 JOIN stops ON stops.stop_id = stop_times.stop_id
		 WHERE stop_times.trip_id = ?
		 ORDER BY stop_times.stop_sequence`,
		func(stmt *sqlite.Stmt) error {
			stops = append(stops, Stop{
				ID:   stmt.GetText("stop_id"),
				Code: stmt.GetText("stop_code"),
				Name: stmt.GetText("stop_name"),
				Desc: stmt.GetText("stop_desc"),
				Lat:  stmt.GetFloat("stop_lat"),
				Lon:  stmt.GetFloat("stop_lon"),
			})
			visits = append(visits, StopVisit{
				TripID:    tripID,
				StopID:    stmt.GetText("stop_id"),
				Sequence:  stmt.GetInt64("stop_sequence"),
				Arrival:   stmt.GetText("arrival_time"),
				Departure: stmt.GetText("departure_time"),
			})
			return nil
		}, tripID)
	if err != nil {
		return nil, nil, err
	}
	return stops, visits, nil
}

func shapePolyline(db *sqlite.Conn, shapeID string) (json.RawMessage, error) {
	var points []geometry.Point
	err := sqlitex.Exec(db,
		`SELECT shape_pt_lat, shape_pt_lon FROM shapes
		 WHERE shape_id = ? ORDER BY shape_pt_sequence`,
		func(stmt *sqlite.Stmt) error {
			points = append(points, geometry.Point{
				X: stmt.GetFloat("shape_pt_lon"),
				Y: stmt.GetFloat("shape_pt_lat"),
			})
			return nil
		}, shapeID)
	if err != nil {
		return nil, err
	}
	if len(points) < 2 {
		return nil, nil
	}

	line := geojson.NewLineString(geometry.NewLine(points, nil))
	return json.RawMessage(line.JSON()), nil
}

// SearchStops matches name and code case-insensitively, bounded and ordered
// by identifier for reproducibility. An empty query returns no results.
func (e *Engine) SearchStops(queryText string) ([]Stop, error) {
	queryText = strings.TrimSpace(queryText)
	if queryText == "" {
		return []Stop{}, nil
	}

	key := "searchStops|" + strings.ToLower(queryText)
	if v, ok := e.cached(key); ok {
		return v.([]Stop), nil
	}

	db, err := e.store.reader()
	if err != nil {
		return nil, err
	}
	defer func() { _ = db.Close() }()

	needle := "%" + strings.ToLower(queryText) + "%"
	stops := []Stop{}
	err = sqlitex.Exec(db,
		`SELECT stop_id, stop_code, stop_name, stop_desc, stop_lat, stop_lon
		 FROM stops
		 WHERE lower(stop_name) LIKE ? OR lower(stop_code) LIKE ?
		 ORDER BY stop_id LIMIT ?`,
		func(stmt *sqlite.Stmt) error {
			stops = append(stops, Stop{
				ID:   stmt.GetText("stop_id"),
				Code: stmt.GetText("stop_code"),
				Name: stmt.GetText("stop_name"),
				Desc: stmt.GetText("stop_desc"),
				Lat:  stmt.GetFloat("stop_lat"),
				Lon:  stmt.GetFloat("stop_lon"),
			})
			return nil
		}, needle, needle, searchLimit)
	if err != nil {
		return nil, err
	}

	e.remember(key, stops)
	return stops, nil
}

// SearchRoutes is SearchStops over route short and long names.
func (e *Engine) SearchRoutes(queryText string) ([]Route, error) {
	queryText = strings.TrimSpace(queryText)
	if queryText == "" {
		return []Route{}, nil
	}

	key := "searchRoutes|" + strings.ToLower(queryText)
	if v, ok := e.cached(key); ok {
		return v.([]Route), nil
	}

	db, err := e.store.reader()
	if err != nil {
		return nil, err
	}
	defer func() { _ = db.Close() }()

	needle := "%" + strings.ToLower(queryText) + "%"
	routes := []Route{}
	err = sqlitex.Exec(db,
		`SELECT route_id, route_short_name, route_long_name, route_desc, route_type
		 FROM routes
		 WHERE lower(route_short_name) LIKE ? OR lower(route_long_name) LIKE ?
		 ORDER BY route_id LIMIT ?`,
		func(stmt *sqlite.Stmt) error {
			routes = append(routes, scanRoute(stmt))
			return nil
		}, needle, needle, searchLimit)
	if err != nil {
		return nil, err
	}

	e.remember(key, routes)
	return routes, nil
}
