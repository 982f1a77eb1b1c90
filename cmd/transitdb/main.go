package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/citytransit/transitdb"
	"github.com/spf13/pflag"
)

func usageAndDie() {
	fmt.Println("Example usage:\n" +
		"    transitdb --config config.yml --ingest\n" +
		"    transitdb --config config.yml --serve\n" +
		"    transitdb --config config.yml --export <feed.zip>\n" +
		"    transitdb --config config.yml --refresh-amenities <lat,lng>")
	os.Exit(1)
}

func parsePoint(s string) (float64, float64, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected lat,lng, got %q", s)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return 0, 0, err
	}
	lng, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return 0, 0, err
	}
	return lat, lng, nil
}

func main() {
	configPath := pflag.StringP("config", "c", "", "Path to a YAML config file")
	doIngest := pflag.BoolP("ingest", "i", false, "Ingest the configured feed")
	doServe := pflag.BoolP("serve", "s", false, "Serve the query API")
	exportPath := pflag.StringP("export", "e", "", "Export the feed tables to a zip")
	refreshPoint := pflag.String("refresh-amenities", "", "Refresh amenities around lat,lng")
	strict := pflag.Bool("strict", false, "Fail ingestion on referential issues")

	pflag.Parse()

	primaryCount := 0
	if *doIngest {
		primaryCount++
	}
	if *doServe {
		primaryCount++
	}
	if *exportPath != "" {
		primaryCount++
	}
	if *refreshPoint != "" {
		primaryCount++
	}
	if primaryCount != 1 {
		usageAndDie()
	}

	cfg, err := transitdb.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Error: %s\n", err)
		os.Exit(1)
	}

	store, err := transitdb.OpenStore(cfg.DatabasePath)
	if err != nil {
		fmt.Printf("Error: %s\n", err)
		os.Exit(1)
	}

	switch {
	case *doIngest:
		if cfg.FeedURL == "" {
			fmt.Println("Error: no feed_url configured")
			os.Exit(1)
		}
		ingestor := transitdb.NewIngestor(store)
		_, _, err = ingestor.Ingest(cfg.FeedURL, &transitdb.IngestOpts{Strict: *strict})
	case *exportPath != "":
		err = store.Export(*exportPath, nil)
	case *refreshPoint != "":
		var lat, lng float64
		lat, lng, err = parsePoint(*refreshPoint)
		if err != nil {
			break
		}
		var restrooms []transitdb.Restroom
		restrooms, err = newAmenitySync(store, cfg).Refresh(lat, lng)
		if err == nil {
			fmt.Printf("Refreshed %d amenities\n", len(restrooms))
		}
	case *doServe:
		engine := transitdb.NewEngine(store, transitdb.NewCache())
		if cfg.CacheTTLMinutes > 0 {
			engine.SetCacheTTL(time.Duration(cfg.CacheTTLMinutes) * time.Minute)
		}
		server := transitdb.NewServer(engine, newAmenitySync(store, cfg))

		slog.Info("Listening on " + cfg.ListenAddr)
		err = http.ListenAndServe(cfg.ListenAddr, server.Router())
	}

	if err != nil {
		fmt.Printf("Error: %s\n", err)
		os.Exit(1)
	} else {
		fmt.Println("All done")
	}
}

func newAmenitySync(store *transitdb.Store, cfg transitdb.Config) *transitdb.AmenitySync {
	providers, resolvers := transitdb.AmenityChain(cfg.Amenities)
	sync := transitdb.NewAmenitySync(store, providers, resolvers)
	if cfg.Amenities.FreshnessDays > 0 {
		sync.SetFreshness(time.Duration(cfg.Amenities.FreshnessDays) * 24 * time.Hour)
	}
	return sync
}
