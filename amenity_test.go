package transitdb

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticProvider struct {
	restrooms []Restroom
	calls     int
}

func (p *staticProvider) Amenities(lat, lon, radiusMeters float64) ([]Restroom, error) {
	p.calls++
	return p.restrooms, nil
}

type failingProvider struct {
	calls int
}

func (p *failingProvider) Amenities(lat, lon, radiusMeters float64) ([]Restroom, error) {
	p.calls++
	return nil, errors.New("provider down")
}

type staticResolver struct{ address string }

func (r staticResolver) ResolveAddress(lat, lon float64) (string, error) {
	return r.address, nil
}

type failingResolver struct{}

func (failingResolver) ResolveAddress(lat, lon float64) (string, error) {
	return "", errors.New("geocoder down")
}

func downtownRestrooms(n int) []Restroom {
	restrooms := make([]Restroom, n)
	for i := range restrooms {
		restrooms[i] = Restroom{
			ID:      fmt.Sprintf("node-%d", i),
			Name:    fmt.Sprintf("Restroom %d", i),
			Address: fmt.Sprintf("%d Granville St", 100+i),
			// Each entry ~111 m further north than the last.
			Lat:  downtownLat + float64(i)*0.001,
			Lon:  downtownLon,
			Open: true,
		}
	}
	return restrooms
}

func testSyncAt(t *testing.T, providers []PointProvider, resolvers []AddressResolver, now time.Time) (*AmenitySync, *Store) {
	t.Helper()
	store := testStore(t)
	sync := NewAmenitySync(store, providers, resolvers)
	sync.now = func() time.Time { return now }
	return sync, store
}

func TestRefreshStoresProviderResults(t *testing.T) {
	provider := &staticProvider{restrooms: downtownRestrooms(3)}
	sync, store := testSyncAt(t, []PointProvider{provider}, nil, time.Now())

	got, err := sync.Refresh(downtownLat, downtownLon)
	require.NoError(t, err)
	assert.Len(t, got, 3)

	count, err := store.RowCount("restrooms")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	fv, err := store.FeedVersion()
	require.NoError(t, err)
	assert.False(t, fv.RestroomsRefreshedAt.IsZero())
}

func TestRefreshServesStoredWhileFresh(t *testing.T) {
	provider := &staticProvider{restrooms: downtownRestrooms(3)}
	sync, _ := testSyncAt(t, []PointProvider{provider}, nil, time.Now())

	_, err := sync.Refresh(downtownLat, downtownLon)
	require.NoError(t, err)
	require.Equal(t, 1, provider.calls)

	// Within the freshness window the provider is not consulted again.
	got, err := sync.Refresh(downtownLat, downtownLon)
	require.NoError(t, err)
	assert.Len(t, got, 3)
	assert.Equal(t, 1, provider.calls)
}

func TestRefreshRefetchesAfterFreshnessWindow(t *testing.T) {
	provider := &staticProvider{restrooms: downtownRestrooms(3)}
	sync, _ := testSyncAt(t, []PointProvider{provider}, nil, time.Now())

	_, err := sync.Refresh(downtownLat, downtownLon)
	require.NoError(t, err)

	sync.now = func() time.Time { return time.Now().Add(8 * 24 * time.Hour) }
	_, err = sync.Refresh(downtownLat, downtownLon)
	require.NoError(t, err)
	assert.Equal(t, 2, provider.calls)
}

func TestRefreshProviderFailureKeepsStoredAmenities(t *testing.T) {
	seed := &staticProvider{restrooms: downtownRestrooms(5)}
	sync, store := testSyncAt(t, []PointProvider{seed}, nil, time.Now())
	_, err := sync.Refresh(downtownLat, downtownLon)
	require.NoError(t, err)

	// A later refresh cycle where every provider is down yields an empty
	// result but must not clear what is already stored.
	broken := NewAmenitySync(store, []PointProvider{&failingProvider{}, &failingProvider{}}, nil)
	broken.now = func() time.Time { return time.Now().Add(8 * 24 * time.Hour) }

	got, err := broken.Refresh(downtownLat, downtownLon)
	require.NoError(t, err)
	assert.Empty(t, got)

	stored, err := broken.Query(downtownLat, downtownLon, 5, 30)
	require.NoError(t, err)
	assert.Len(t, stored, 5)
}

func TestRefreshFallsThroughProviderChain(t *testing.T) {
	first := &failingProvider{}
	second := &staticProvider{restrooms: downtownRestrooms(2)}
	sync, _ := testSyncAt(t, []PointProvider{first, second}, nil, time.Now())

	got, err := sync.Refresh(downtownLat, downtownLon)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, 1, first.calls)
	assert.Equal(t, 1, second.calls)
}

func TestRefreshResolvesMissingAddresses(t *testing.T) {
	restrooms := downtownRestrooms(2)
	restrooms[1].Address = ""
	provider := &staticProvider{restrooms: restrooms}

	resolvers := []AddressResolver{failingResolver{}, staticResolver{address: "800 Robson St"}}
	sync, _ := testSyncAt(t, []PointProvider{provider}, resolvers, time.Now())

	got, err := sync.Refresh(downtownLat, downtownLon)
	require.NoError(t, err)
	assert.Equal(t, "100 Granville St", got[0].Address)
	assert.Equal(t, "800 Robson St", got[1].Address)
}

func TestRefreshExhaustedResolverChainUsesPlaceholder(t *testing.T) {
	restrooms := downtownRestrooms(1)
	restrooms[0].Address = ""
	provider := &staticProvider{restrooms: restrooms}

	sync, _ := testSyncAt(t, []PointProvider{provider},
		[]AddressResolver{failingResolver{}, staticResolver{address: ""}}, time.Now())

	got, err := sync.Refresh(downtownLat, downtownLon)
	require.NoError(t, err)
	assert.Equal(t, AddressUnavailable, got[0].Address)
}

func TestRefreshUpsertsByStableID(t *testing.T) {
	provider := &staticProvider{restrooms: downtownRestrooms(3)}
	sync, store := testSyncAt(t, []PointProvider{provider}, nil, time.Now())
	_, err := sync.Refresh(downtownLat, downtownLon)
	require.NoError(t, err)

	// Same ids, new names: row count stays, fields update.
	updated := downtownRestrooms(3)
	for i := range updated {
		updated[i].Name = "Renovated " + updated[i].ID
	}
	again := NewAmenitySync(store, []PointProvider{&staticProvider{restrooms: updated}}, nil)
	again.now = func() time.Time { return time.Now().Add(8 * 24 * time.Hour) }
	_, err = again.Refresh(downtownLat, downtownLon)
	require.NoError(t, err)

	count, err := store.RowCount("restrooms")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	stored, err := again.Query(downtownLat, downtownLon, 5, 30)
	require.NoError(t, err)
	assert.Equal(t, "Renovated node-0", stored[0].Name)
}

func TestQuerySortsFiltersAndCaps(t *testing.T) {
	// 35 in range, plus two well beyond the 5 km radius.
	restrooms := downtownRestrooms(35)
	restrooms = append(restrooms,
		Restroom{ID: "far-1", Address: "x", Lat: downtownLat + 0.06, Lon: downtownLon},
		Restroom{ID: "far-2", Address: "x", Lat: downtownLat + 0.07, Lon: downtownLon},
	)
	sync, _ := testSyncAt(t, []PointProvider{&staticProvider{restrooms: restrooms}}, nil, time.Now())
	_, err := sync.Refresh(downtownLat, downtownLon)
	require.NoError(t, err)

	got, err := sync.Query(downtownLat, downtownLon, 5, 30)
	require.NoError(t, err)

	assert.Len(t, got, 30)
	for i, r := range got {
		assert.LessOrEqual(t, r.DistanceKm, 5.0)
		if i > 0 {
			assert.GreaterOrEqual(t, r.DistanceKm, got[i-1].DistanceKm)
		}
	}
}

func TestOverpassProviderParsesElements(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Contains(t, r.Form.Get("data"), `"amenity"="toilets"`)
		_, _ = w.Write([]byte(`{"elements":[
			{"type":"node","id":123,"lat":49.28,"lon":-123.12,
			 "tags":{"name":"Public Toilet","addr:housenumber":"700","addr:street":"Georgia St"}},
			{"type":"node","id":124,"lat":49.29,"lon":-123.13,"tags":{"access":"private"}}
		]}`))
	}))
	t.Cleanup(server.Close)

	provider := &OverpassProvider{Endpoint: server.URL}
	got, err := provider.Amenities(49.2827, -123.1207, 3000)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "123", got[0].ID)
	assert.Equal(t, "Public Toilet", got[0].Name)
	assert.Equal(t, "700 Georgia St", got[0].Address)
	assert.True(t, got[0].Open)

	assert.Equal(t, "124", got[1].ID)
	assert.Equal(t, "", got[1].Address)
	assert.False(t, got[1].Open)
}

func TestReverseGeocodeResolvers(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "jsonv2", r.URL.Query().Get("format"))
		_, _ = w.Write([]byte(`{
			"display_name": "800 Robson St, Vancouver, BC",
			"address": {"house_number": "800", "road": "Robson St"}
		}`))
	}))
	t.Cleanup(server.Close)

	reverse := &ReverseGeocodeResolver{Endpoint: server.URL}
	address, err := reverse.ResolveAddress(49.2827, -123.1207)
	require.NoError(t, err)
	assert.Equal(t, "800 Robson St", address)

	display := &DisplayNameResolver{Endpoint: server.URL}
	address, err = display.ResolveAddress(49.2827, -123.1207)
	require.NoError(t, err)
	assert.Equal(t, "800 Robson St, Vancouver, BC", address)
}

func TestReverseGeocodeResolverEmptyWithoutRoad(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"display_name": "somewhere"}`))
	}))
	t.Cleanup(server.Close)

	reverse := &ReverseGeocodeResolver{Endpoint: server.URL}
	address, err := reverse.ResolveAddress(49.2827, -123.1207)
	require.NoError(t, err)
	assert.Equal(t, "", address)
}
