// Program hfpredict wires the HF path prediction service: the shared cache
// store, the spot fan-out, the RBN skimmer feeds, the spot predictor worker,
// the optional archive and the HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"hfpredict/api"
	"hfpredict/archive"
	"hfpredict/config"
	"hfpredict/cty"
	"hfpredict/download"
	"hfpredict/fanout"
	"hfpredict/kvstore"
	"hfpredict/metrics"
	"hfpredict/predcache"
	"hfpredict/propagation"
	"hfpredict/rbn"
	"hfpredict/spacewx"
	"hfpredict/spotworker"
	"hfpredict/stats"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/term"
)

const defaultConfigPath = "data/config/hfpredict.yaml"

// Version will be set at build time
var Version = "dev"

func isStdoutTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func main() {
	configPath := flag.String("config", defaultConfigPath, "YAML configuration file (CONFIG_FILE overrides)")
	flag.Parse()

	cfg, err := config.FromEnv(*configPath)
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}

	logs, logErr := setupLogging(cfg.Logging, os.Stdout)
	log.SetFlags(0)
	log.SetOutput(logs)
	defer logs.Close()
	if logErr != nil {
		log.Printf("Warning: file logging disabled: %v", logErr)
	}

	log.Printf("hfpredict v%s starting...", Version)
	if cfg.LoadedFrom != "" {
		log.Printf("Loaded configuration from %s", cfg.LoadedFrom)
	}
	if isStdoutTTY() {
		cfg.Print()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logs); err != nil {
		log.Printf("Fatal: %v", err)
		logs.Close()
		os.Exit(1)
	}
	log.Printf("hfpredict stopped")
}

func run(ctx context.Context, cfg *config.Config, logs *logFanout) error {
	store, err := kvstore.Open(ctx, storeOptions(cfg))
	if err != nil {
		return err
	}
	defer store.Close()
	log.Printf("Store: %s backend ready", cfg.Store.Backend)

	bus, err := openFanout(ctx, cfg, store)
	if err != nil {
		return err
	}
	defer bus.Close()

	geo, err := loadGeocoder(ctx, cfg.Geocode)
	if err != nil {
		return err
	}
	log.Printf("Geocoder: %d prefixes loaded", len(geo.Keys))

	collector, err := metrics.NewCollector(prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}

	resolver := spacewx.NewResolver(cfg.SpaceWx, store, nil)
	poller := spacewx.NewPoller(cfg.SpaceWx, store, nil)
	if cfg.SpaceWx.Poller.Enabled {
		log.Printf("Space weather: %s", poller.Describe())
	}
	poller.Start(ctx)

	invoker := propagation.NewInvoker(cfg.Propagation, resolver, nil)
	invoker.SetObserver(collector)

	coordinator := predcache.New(store, invoker, predcache.OptionsFromConfig(cfg.Cache), nil)
	coordinator.SetObserver(collector)

	tracker := stats.NewTracker()
	worker := spotworker.New(spotworker.OptionsFromConfig(*cfg), bus, geo, invoker, store, nil)
	worker.SetCounter(tracker)

	var arch *archive.Writer
	if cfg.Archive.Enabled {
		arch, err = archive.Open(ctx, cfg.Archive, nil)
		if err != nil {
			log.Printf("Warning: archive disabled: %v", err)
		} else {
			arch.Start()
			defer arch.Close()
			worker.SetArchive(arch)
			log.Printf("Archive: writing to %s", cfg.Archive.Backend)
		}
	}

	var wg sync.WaitGroup
	feeds := startFeeds(ctx, cfg, bus, collector, &wg)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("spotworker: stopped: %v", err)
		}
	}()

	sources := make([]feedSource, 0, len(feeds))
	for _, f := range feeds {
		sources = append(sources, f)
	}
	go newIngestMonitor(sources).run(ctx)

	interval := time.Duration(cfg.Stats.DisplayIntervalSeconds) * time.Second
	go displayStats(ctx, interval, logs, isStdoutTTY(), statsInputs{
		tracker:     tracker,
		coordinator: coordinator,
		worker:      worker,
		feeds:       feeds,
		bus:         bus,
		archive:     arch,
		geo:         geo,
	})

	srv := api.New(api.Options{
		HumanSpot:    cfg.HumanSpot,
		DigitalModes: cfg.Cache.DigitalModes,
	}, geo, coordinator, invoker, store, nil)
	srv.SetObserver(collector)
	srv.SetMetricsHandler(collector.Handler())
	if cfg.HumanSpot.LogPredictions {
		f, err := openPredictionLog(cfg.HumanSpot.LogFile)
		if err != nil {
			log.Printf("Warning: prediction log disabled: %v", err)
		} else {
			defer f.Close()
			srv.SetPredictionLog(f)
		}
	}

	serveErr := srv.ListenAndServe(ctx, cfg.HTTP.Listen)
	wg.Wait()
	return serveErr
}

func storeOptions(cfg *config.Config) kvstore.Options {
	return kvstore.Options{
		Backend:       cfg.Store.Backend,
		RedisAddr:     cfg.Redis.Addr(),
		RedisPassword: cfg.Redis.Password,
		RedisDB:       cfg.Redis.DB,
		PebblePath:    cfg.Store.PebblePath,
		Shards:        cfg.Store.Shards,
		MaxEntries:    cfg.Store.MaxEntries,
	}
}

// openFanout builds the spot channel. The redis backend shares the store's
// connection when the store is also redis.
func openFanout(ctx context.Context, cfg *config.Config, store kvstore.Store) (fanout.Bus, error) {
	switch cfg.Fanout.Backend {
	case fanout.BackendMemory:
		return fanout.NewMemory(), nil
	case fanout.BackendMQTT:
		m := cfg.Fanout.MQTT
		bus, err := fanout.DialMQTT(fanout.MQTTOptions{
			Broker:      m.Broker,
			Port:        m.Port,
			ClientID:    m.ClientID,
			TopicPrefix: m.TopicPrefix,
			QoS:         byte(m.QoS),
		}, nil)
		if err != nil {
			return nil, err
		}
		return bus, nil
	case fanout.BackendRedis:
		if r, ok := store.(*kvstore.Redis); ok {
			return fanout.NewRedis(r.Client(), false), nil
		}
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("fanout: redis ping %s: %w", cfg.Redis.Addr(), err)
		}
		return fanout.NewRedis(client, true), nil
	default:
		return nil, fmt.Errorf("fanout: unknown backend %q", cfg.Fanout.Backend)
	}
}

// loadGeocoder prefers the CTY plist (refreshed from its URL when missing or
// when refresh_on_start is set) and falls back to the prefix JSON table.
func loadGeocoder(ctx context.Context, cfg config.GeocodeConfig) (*cty.DB, error) {
	ctyPath := strings.TrimSpace(cfg.CTYFile)
	if ctyPath != "" {
		_, statErr := os.Stat(ctyPath)
		if url := strings.TrimSpace(cfg.CTYURL); url != "" && (cfg.RefreshOnStart || errors.Is(statErr, os.ErrNotExist)) {
			res, err := download.Download(ctx, download.Request{
				URL:         url,
				Destination: ctyPath,
				Timeout:     time.Minute,
				UserAgent:   "hfpredict/" + Version,
			})
			if err != nil {
				log.Printf("Warning: CTY download failed: %v", err)
			} else {
				log.Printf("CTY refresh from %s: %s (%s)", url, res.Status, humanize.Bytes(uint64(res.Bytes)))
			}
		}
		db, err := cty.Load(ctyPath)
		if err == nil {
			db.SetCacheCapacity(cfg.CacheSize)
			return db, nil
		}
		if strings.TrimSpace(cfg.PrefixesFile) == "" {
			return nil, err
		}
		log.Printf("Warning: %v; falling back to %s", err, cfg.PrefixesFile)
	}
	db, err := cty.Load(cfg.PrefixesFile)
	if err != nil {
		return nil, err
	}
	db.SetCacheCapacity(cfg.CacheSize)
	return db, nil
}

// startFeeds launches each enabled RBN feed on its own goroutine.
func startFeeds(ctx context.Context, cfg *config.Config, pub fanout.Publisher, collector *metrics.Collector, wg *sync.WaitGroup) []*rbn.Client {
	var feeds []*rbn.Client
	for _, fc := range []config.FeedConfig{cfg.RBN.CW, cfg.RBN.Digi} {
		if !fc.Enabled {
			continue
		}
		if strings.TrimSpace(fc.Username) == "" {
			log.Printf("Warning: %s enabled without a username; skipping", fc.Name)
			continue
		}
		client := rbn.NewClient(rbn.OptionsFromConfig(fc, cfg.Fanout.Channel), pub, nil)
		client.SetObserver(collector)
		name := client.Name()
		client.OnStateChange(func(from, to rbn.State) {
			log.Printf("%s: %s -> %s", name, from, to)
		})
		feeds = append(feeds, client)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("%s: stopped: %v", name, err)
			}
		}()
	}
	return feeds
}

func openPredictionLog(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("prediction log: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("prediction log: %w", err)
	}
	return f, nil
}
