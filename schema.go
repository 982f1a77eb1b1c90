package transitdb

// The feed's table shapes are well-known and finite, so every destination
// table is declared up front instead of inferring column types from data.

type tableSchema struct {
	PrimaryKey []string
	Columns    []columnSchema
}

type columnSchema struct {
	Name      string
	Type      string // SQLite storage type: TEXT, INTEGER or REAL
	ForeignID *foreignIDSchema
}

type foreignIDSchema struct {
	Table  string
	Column string
}

func (s tableSchema) column(name string) (columnSchema, bool) {
	for _, col := range s.Columns {
		if col.Name == name {
			return col, true
		}
	}
	return columnSchema{}, false
}

// feedSchema maps each tabular file of the feed archive (minus the .txt
// suffix) to its destination table.
var feedSchema = map[string]tableSchema{
	"stops": {
		PrimaryKey: []string{"stop_id"},
		Columns: []columnSchema{
			{Name: "stop_id", Type: "TEXT"},
			{Name: "stop_code", Type: "TEXT"},
			{Name: "stop_name", Type: "TEXT"},
			{Name: "stop_desc", Type: "TEXT"},
			{Name: "stop_lat", Type: "REAL"},
			{Name: "stop_lon", Type: "REAL"},
		},
	},

	"routes": {
		PrimaryKey: []string{"route_id"},
		Columns: []columnSchema{
			{Name: "route_id", Type: "TEXT"},
			{Name: "route_short_name", Type: "TEXT"},
			{Name: "route_long_name", Type: "TEXT"},
			{Name: "route_desc", Type: "TEXT"},
			{Name: "route_type", Type: "INTEGER"},
		},
	},

	"trips": {
		PrimaryKey: []string{"trip_id"},
		Columns: []columnSchema{
			{Name: "trip_id", Type: "TEXT"},
			{Name: "route_id", Type: "TEXT", ForeignID: &foreignIDSchema{Table: "routes", Column: "route_id"}},
			{Name: "service_id", Type: "TEXT"},
			{Name: "trip_headsign", Type: "TEXT"},
			{Name: "direction_id", Type: "INTEGER"},
			{Name: "shape_id", Type: "TEXT"},
		},
	},

	"stop_times": {
		PrimaryKey: []string{"trip_id", "stop_sequence"},
		Columns: []columnSchema{
			{Name: "trip_id", Type: "TEXT", ForeignID: &foreignIDSchema{Table: "trips", Column: "trip_id"}},
			{Name: "arrival_time", Type: "TEXT"},
			{Name: "departure_time", Type: "TEXT"},
			{Name: "stop_id", Type: "TEXT", ForeignID: &foreignIDSchema{Table: "stops", Column: "stop_id"}},
			{Name: "stop_sequence", Type: "INTEGER"},
			{Name: "stop_headsign", Type: "TEXT"},
		},
	},

	"shapes": {
		PrimaryKey: []string{"shape_id", "shape_pt_sequence"},
		Columns: []columnSchema{
			{Name: "shape_id", Type: "TEXT"},
			{Name: "shape_pt_lat", Type: "REAL"},
			{Name: "shape_pt_lon", Type: "REAL"},
			{Name: "shape_pt_sequence", Type: "INTEGER"},
		},
	},

	"transfers": {
		PrimaryKey: []string{"from_stop_id", "to_stop_id"},
		Columns: []columnSchema{
			{Name: "from_stop_id", Type: "TEXT", ForeignID: &foreignIDSchema{Table: "stops", Column: "stop_id"}},
			{Name: "to_stop_id", Type: "TEXT", ForeignID: &foreignIDSchema{Table: "stops", Column: "stop_id"}},
			{Name: "transfer_type", Type: "INTEGER"},
			{Name: "min_transfer_time", Type: "INTEGER"},
		},
	},
}

// Tables owned by the store itself rather than loaded from the feed.
var internalSchema = map[string]tableSchema{
	"restrooms": {
		PrimaryKey: []string{"id"},
		Columns: []columnSchema{
			{Name: "id", Type: "TEXT"},
			{Name: "name", Type: "TEXT"},
			{Name: "address", Type: "TEXT"},
			{Name: "lat", Type: "REAL"},
			{Name: "lon", Type: "REAL"},
			{Name: "open", Type: "INTEGER"},
		},
	},

	"feed_version": {
		Columns: []columnSchema{
			{Name: "id", Type: "INTEGER"},
			{Name: "fingerprint", Type: "TEXT"},
			{Name: "ingested_at", Type: "INTEGER"},
			{Name: "restrooms_refreshed_at", Type: "INTEGER"},
		},
	},
}
