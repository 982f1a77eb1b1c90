package transitdb

import (
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	DatabasePath    string        `yaml:"database_path"`
	FeedURL         string        `yaml:"feed_url" validate:"omitempty,url"`
	ListenAddr      string        `yaml:"listen_addr"`
	CacheTTLMinutes int           `yaml:"cache_ttl_minutes" validate:"gte=0"`
	Amenities       AmenityConfig `yaml:"amenities"`
}

type AmenityConfig struct {
	OverpassEndpoints []string `yaml:"overpass_endpoints" validate:"dive,url"`
	GeocoderEndpoint  string   `yaml:"geocoder_endpoint" validate:"omitempty,url"`
	FreshnessDays     int      `yaml:"freshness_days" validate:"gte=0"`
}

// LoadConfig reads and validates a YAML config file, applying defaults for
// anything left unset. An empty path yields the defaults.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, err
		}
		v := validator.New()
		if err := v.Struct(cfg); err != nil {
			return Config{}, err
		}
	}

	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "transit.db"
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if len(cfg.Amenities.OverpassEndpoints) == 0 {
		cfg.Amenities.OverpassEndpoints = []string{"https://overpass-api.de/api/interpreter"}
	}
	if cfg.Amenities.GeocoderEndpoint == "" {
		cfg.Amenities.GeocoderEndpoint = "https://nominatim.openstreetmap.org/reverse"
	}
	return cfg, nil
}

// AmenityChain builds the ordered provider and address-resolver lists from
// configuration: each overpass endpoint in turn, then reverse geocoding by
// house number and road, then the free-form display name. The terminal
// placeholder is applied by the sync when the whole chain yields nothing.
func AmenityChain(cfg AmenityConfig) ([]PointProvider, []AddressResolver) {
	var providers []PointProvider
	for _, endpoint := range cfg.OverpassEndpoints {
		providers = append(providers, &OverpassProvider{Endpoint: endpoint})
	}
	resolvers := []AddressResolver{
		&ReverseGeocodeResolver{Endpoint: cfg.GeocoderEndpoint},
		&DisplayNameResolver{Endpoint: cfg.GeocoderEndpoint},
	}
	return providers, resolvers
}
