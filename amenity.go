package transitdb

import (
	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Restroom is a point-of-interest entry refreshed independently of the feed.
// DistanceKm is derived per query and never persisted.
type Restroom struct {
	ID         string  `json:"id"`
	Name       string  `json:"name,omitempty"`
	Address    string  `json:"address"`
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
	Open       bool    `json:"open"`
	DistanceKm float64 `json:"distance_km"`
}

// AddressUnavailable is the terminal placeholder when every resolver in the
// address chain comes up empty.
const AddressUnavailable = "address unavailable"

const (
	restroomFreshness    = 7 * 24 * time.Hour
	restroomSearchRadius = 3000 // meters
)

// PointProvider returns amenities near a point. Providers are tried in order
// until one yields a non-empty result.
type PointProvider interface {
	Amenities(lat, lon, radiusMeters float64) ([]Restroom, error)
}

// AddressResolver fills in a missing address. Resolvers are tried in order;
// the first non-empty answer wins.
type AddressResolver interface {
	ResolveAddress(lat, lon float64) (string, error)
}

// AmenitySync keeps the restroom table current from a chain of external
// providers and answers distance-sorted reads over the stored rows.
type AmenitySync struct {
	store     *Store
	providers []PointProvider
	resolvers []AddressResolver
	freshness time.Duration
	now       func() time.Time
}

func NewAmenitySync(store *Store, providers []PointProvider, resolvers []AddressResolver) *AmenitySync {
	return &AmenitySync{
		store:     store,
		providers: providers,
		resolvers: resolvers,
		freshness: restroomFreshness,
		now:       time.Now,
	}
}

// SetFreshness overrides how long a stored restroom set is served before a
// provider refetch.
func (a *AmenitySync) SetFreshness(d time.Duration) {
	a.freshness = d
}

// Refresh re-fetches restrooms around the point when the stored set for the
// area is empty or older than the freshness window. A total provider failure
// returns an empty slice and leaves stored rows untouched.
func (a *AmenitySync) Refresh(lat, lon float64) ([]Restroom, error) {
	fv, err := a.store.FeedVersion()
	if err != nil {
		return nil, err
	}

	stored, err := a.restroomsWithin(boundingBoxAround(lat, lon, restroomSearchRadius))
	if err != nil {
		return nil, err
	}
	fresh := !fv.RestroomsRefreshedAt.IsZero() &&
		a.now().Sub(fv.RestroomsRefreshedAt) < a.freshness
	if fresh && len(stored) > 0 {
		return stored, nil
	}

	var fetched []Restroom
	for _, provider := range a.providers {
		fetched, err = provider.Amenities(lat, lon, restroomSearchRadius)
		if err != nil {
			slog.Warn("Amenity provider failed", "error", err)
			continue
		}
		if len(fetched) > 0 {
			break
		}
	}
	if len(fetched) == 0 {
		slog.Warn("Every amenity provider failed or returned nothing")
		return []Restroom{}, nil
	}

	for i := range fetched {
		if fetched[i].Address == "" {
			fetched[i].Address = a.resolveAddress(fetched[i].Lat, fetched[i].Lon)
		}
	}

	if err := a.upsertRestrooms(fetched); err != nil {
		return nil, err
	}
	if err := a.store.setRestroomsRefreshedAt(a.now()); err != nil {
		return nil, err
	}

	slog.Info(fmt.Sprintf("Refreshed %d restrooms", len(fetched)))
	return fetched, nil
}

func (a *AmenitySync) resolveAddress(lat, lon float64) string {
	for _, resolver := range a.resolvers {
		address, err := resolver.ResolveAddress(lat, lon)
		if err != nil {
			slog.Warn("Address resolver failed", "error", err)
			continue
		}
		if address != "" {
			return address
		}
	}
	return AddressUnavailable
}

// Query reads stored restrooms near the point, filtered to radiusKm by
// haversine distance, ascending by distance, truncated to limit.
func (a *AmenitySync) Query(lat, lon, radiusKm float64, limit int) ([]Restroom, error) {
	box := boundingBoxAround(lat, lon, radiusKm*1000)
	candidates, err := a.restroomsWithin(box)
	if err != nil {
		return nil, err
	}

	results := []Restroom{}
	for _, r := range candidates {
		r.DistanceKm = haversineKm(lat, lon, r.Lat, r.Lon)
		if r.DistanceKm <= radiusKm {
			results = append(results, r)
		}
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].DistanceKm < results[j].DistanceKm
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (a *AmenitySync) restroomsWithin(box boundingBox) ([]Restroom, error) {
	db, err := a.store.reader()
	if err != nil {
		return nil, err
	}
	defer func() { _ = db.Close() }()

	restrooms := []Restroom{}
	err = sqlitex.Exec(db,
		`SELECT id, name, address, lat, lon, open FROM restrooms
		 WHERE lat BETWEEN ? AND ? AND lon BETWEEN ? AND ?
		 ORDER BY id`,
		func(stmt *sqlite.Stmt) error {
			restrooms = append(restrooms, Restroom{
				ID:      stmt.GetText("id"),
				Name:    stmt.GetText("name"),
				Address: stmt.GetText("address"),
				Lat:     stmt.GetFloat("lat"),
				Lon:     stmt.GetFloat("lon"),
				Open:    stmt.GetInt64("open") != 0,
			})
			return nil
		},
		box.MinLat, box.MaxLat, box.MinLon, box.MaxLon)
	if err != nil {
		return nil, err
	}
	return restrooms, nil
}

// upsertRestrooms inserts or fully replaces each entry by its stable id,
// all inside one transaction.
func (a *AmenitySync) upsertRestrooms(restrooms []Restroom) (err error) {
	db, err := a.store.writer()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	defer sqlitex.Save(db)(&err)

	for _, r := range restrooms {
		open := int64(0)
		if r.Open {
			open = 1
		}
		err = sqlitex.Exec(db,
			`INSERT INTO restrooms (id, name, address, lat, lon, open)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT (id) DO UPDATE SET
				name = excluded.name, address = excluded.address,
				lat = excluded.lat, lon = excluded.lon, open = excluded.open`,
			sqlitexNoop, r.ID, r.Name, r.Address, r.Lat, r.Lon, open)
		if err != nil {
			return err
		}
	}
	return nil
}

// OverpassProvider queries an overpass-style API for restroom nodes around a
// point.
type OverpassProvider struct {
	Endpoint string
	Client   *http.Client
}

func (p *OverpassProvider) Amenities(lat, lon, radiusMeters float64) ([]Restroom, error) {
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	query := fmt.Sprintf(
		`[out:json];node["amenity"="toilets"](around:%.0f,%.6f,%.6f);out;`,
		radiusMeters, lat, lon)
	resp, err := client.PostForm(p.Endpoint, url.Values{"data": {query}})
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("overpass status %s", resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var restrooms []Restroom
	for _, el := range gjson.GetBytes(body, "elements").Array() {
		tags := el.Get("tags")
		r := Restroom{
			ID:   strconv.FormatInt(el.Get("id").Int(), 10),
			Name: tags.Get("name").String(),
			Lat:  el.Get("lat").Float(),
			Lon:  el.Get("lon").Float(),
			Open: tags.Get("access").String() != "private",
		}
		if street := tags.Get("addr:street").String(); street != "" {
			r.Address = strings.TrimSpace(tags.Get("addr:housenumber").String() + " " + street)
		}
		restrooms = append(restrooms, r)
	}
	return restrooms, nil
}

// ReverseGeocodeResolver synthesizes an address from the house number and
// road of a nominatim-style reverse geocoding response.
type ReverseGeocodeResolver struct {
	Endpoint string
	Client   *http.Client
}

func (r *ReverseGeocodeResolver) ResolveAddress(lat, lon float64) (string, error) {
	body, err := reverseGeocode(r.Client, r.Endpoint, lat, lon)
	if err != nil {
		return "", err
	}
	house := gjson.GetBytes(body, "address.house_number").String()
	road := gjson.GetBytes(body, "address.road").String()
	if road == "" {
		return "", nil
	}
	return strings.TrimSpace(house + " " + road), nil
}

// DisplayNameResolver falls back to the provider's free-form display name.
type DisplayNameResolver struct {
	Endpoint string
	Client   *http.Client
}

func (r *DisplayNameResolver) ResolveAddress(lat, lon float64) (string, error) {
	body, err := reverseGeocode(r.Client, r.Endpoint, lat, lon)
	if err != nil {
		return "", err
	}
	return gjson.GetBytes(body, "display_name").String(), nil
}

func reverseGeocode(client *http.Client, endpoint string, lat, lon float64) ([]byte, error) {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	q := url.Values{}
	q.Set("format", "jsonv2")
	q.Set("lat", strconv.FormatFloat(lat, 'f', 6, 64))
	q.Set("lon", strconv.FormatFloat(lon, 'f', 6, 64))
	resp, err := client.Get(endpoint + "?" + q.Encode())
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("reverse geocode status %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}
