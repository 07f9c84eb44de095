// Command hfpredict runs one uncached short/long path prediction between two
// callsigns and prints the result as JSON.
//
//	hfpredict -from K1ABC -to DL1ABC -freq 14025 -mode CW
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"hfpredict/config"
	"hfpredict/cty"
	"hfpredict/kvstore"
	"hfpredict/propagation"
	"hfpredict/spacewx"
	"hfpredict/spot"

	jsoniter "github.com/json-iterator/go"
)

func main() {
	configPath := flag.String("config", "data/config/hfpredict.yaml", "YAML configuration file")
	from := flag.String("from", "", "origin callsign")
	to := flag.String("to", "", "destination callsign")
	freq := flag.Float64("freq", 14.1, "frequency in MHz or kHz")
	mode := flag.String("mode", "CW", "operating mode")
	when := flag.String("time", "", "UTC timestamp (ISO-8601 or HHMMZ); default now")
	useStore := flag.Bool("spacewx", false, "read space weather from the configured store")
	flag.Parse()

	if *from == "" || *to == "" {
		flag.Usage()
		os.Exit(2)
	}
	cfg, err := config.FromEnv(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	tablePath := cfg.Geocode.CTYFile
	if tablePath == "" {
		tablePath = cfg.Geocode.PrefixesFile
	}
	db, err := cty.Load(tablePath)
	if err != nil {
		log.Fatalf("geocoder: %v", err)
	}
	origin, ok := db.Lookup(*from)
	if !ok {
		log.Fatalf("no coordinates for %s", *from)
	}
	dest, ok := db.Lookup(*to)
	if !ok {
		log.Fatalf("no coordinates for %s", *to)
	}

	t := time.Now().UTC()
	if *when != "" {
		if t, err = spot.ParseTimestamp(*when, time.Now()); err != nil {
			log.Fatalf("time: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*cfg.Propagation.Timeout()+5*time.Second)
	defer cancel()

	var wx propagation.SpaceWeather
	if *useStore {
		store, err := kvstore.Open(ctx, kvstore.Options{
			Backend:       cfg.Store.Backend,
			RedisAddr:     cfg.Redis.Addr(),
			RedisPassword: cfg.Redis.Password,
			RedisDB:       cfg.Redis.DB,
			PebblePath:    cfg.Store.PebblePath,
		})
		if err != nil {
			log.Fatalf("store: %v", err)
		}
		defer store.Close()
		wx = spacewx.NewResolver(cfg.SpaceWx, store, nil)
	}

	inv := propagation.NewInvoker(cfg.Propagation, wx, nil)
	pred, err := inv.PredictBoth(ctx, origin, dest, t, spot.NormalizeMHz(*freq), *mode)
	if err != nil {
		log.Fatalf("predict: %v", err)
	}
	out, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(pred, "", "  ")
	if err != nil {
		log.Fatalf("encode: %v", err)
	}
	fmt.Println(string(out))
}
