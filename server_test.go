package transitdb

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testServer(t *testing.T) (*httptest.Server, *Store) {
	t.Helper()
	store := seedStore(t, sampleFeed())
	engine := NewEngine(store, NewCache())
	amenities := NewAmenitySync(store, nil, nil)
	server := httptest.NewServer(NewServer(engine, amenities).Router())
	t.Cleanup(server.Close)
	return server, store
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestServerNearbyRoutes(t *testing.T) {
	server, _ := testServer(t)

	var routes []Route
	resp := getJSON(t, fmt.Sprintf("%s/nearbyRoutes?lat=%f&lng=%f", server.URL, downtownLat, downtownLon), &routes)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Contains(t, routeIDs(routes), "R99")
}

func TestServerNearbyRoutesRejectsBadCoordinates(t *testing.T) {
	server, _ := testServer(t)

	resp := getJSON(t, server.URL+"/nearbyRoutes?lat=abc&lng=1", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServerRouteDetail(t *testing.T) {
	server, _ := testServer(t)

	var detail RouteDetail
	resp := getJSON(t, server.URL+"/routeDetail?route_id=R99", &detail)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "R99", detail.Route.ID)
	assert.Len(t, detail.Directions, 2)
}

func TestServerRouteDetailNotFound(t *testing.T) {
	server, _ := testServer(t)

	resp := getJSON(t, server.URL+"/routeDetail?route_id=RNOPE", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServerRouteDetailRequiresRouteID(t *testing.T) {
	server, _ := testServer(t)

	resp := getJSON(t, server.URL+"/routeDetail", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServerTransfersNear(t *testing.T) {
	server, _ := testServer(t)

	body := fmt.Sprintf(`{"stop_lat": %f, "stop_lon": %f, "current_route_id": "R99"}`, downtownLat, downtownLon)
	resp, err := http.Post(server.URL+"/transfersNear", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var options TransferOptions
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&options))
	assert.Equal(t, []string{"RCAN"}, routeIDs(options.Subway))
	assert.NotContains(t, routeIDs(options.Bus), "R99")
}

func TestServerTransfersNearRejectsGet(t *testing.T) {
	server, _ := testServer(t)

	resp := getJSON(t, server.URL+"/transfersNear", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestServerSearchStopsEmptyQueryIsEmptyList(t *testing.T) {
	server, _ := testServer(t)

	var stops []Stop
	resp := getJSON(t, server.URL+"/searchStops?q=", &stops)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, stops)

	resp = getJSON(t, server.URL+"/searchStops?q=burrard", &stops)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, stops, 1)
	assert.Equal(t, "S2", stops[0].ID)
}

func TestServerSearchRoutes(t *testing.T) {
	server, _ := testServer(t)

	var routes []Route
	resp := getJSON(t, server.URL+"/searchRoutes?q=canada", &routes)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, routes, 1)
	assert.Equal(t, "RCAN", routes[0].ID)
}

func TestServerAmenitiesNearServesStoredRows(t *testing.T) {
	server, store := testServer(t)

	// With no providers configured the refresh is a no-op; stored rows are
	// still served.
	sync := NewAmenitySync(store, nil, nil)
	require.NoError(t, sync.upsertRestrooms(downtownRestrooms(2)))

	var restrooms []Restroom
	resp := getJSON(t, fmt.Sprintf("%s/amenitiesNear?lat=%f&lng=%f", server.URL, downtownLat, downtownLon), &restrooms)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, restrooms, 2)
	assert.Equal(t, "node-0", restrooms[0].ID)
	assert.Greater(t, restrooms[1].DistanceKm, restrooms[0].DistanceKm)
}

func TestServerUnknownPathIs404(t *testing.T) {
	server, _ := testServer(t)

	resp := getJSON(t, server.URL+"/doesNotExist", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
