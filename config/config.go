// Package config loads the hfpredict YAML configuration, applies defaults and
// environment overrides, and exposes one immutable value that main hands to
// each component constructor.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"hfpredict/spacewx"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration.
type Config struct {
	Redis       RedisConfig       `yaml:"redis"`
	Store       StoreConfig       `yaml:"store"`
	Fanout      FanoutConfig      `yaml:"fanout"`
	Cache       CacheConfig       `yaml:"cache"`
	Propagation PropagationConfig `yaml:"propagation"`
	SpaceWx     spacewx.Config    `yaml:"spacewx"`
	RBN         RBNConfig         `yaml:"rbn"`
	HumanSpot   HumanSpotConfig   `yaml:"human_spot"`
	Geocode     GeocodeConfig     `yaml:"geocode"`
	Archive     ArchiveConfig     `yaml:"archive"`
	HTTP        HTTPConfig        `yaml:"http"`
	Logging     LoggingConfig     `yaml:"logging"`
	Stats       StatsConfig       `yaml:"stats"`

	// LoadedFrom records the file the configuration was read from.
	LoadedFrom string `yaml:"-"`
}

// RedisConfig locates the shared cache/lock/pub-sub server.
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DB       int    `yaml:"db"`
	Password string `yaml:"password"`
}

// Addr returns host:port.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// StoreConfig selects the cache/lock backend.
type StoreConfig struct {
	Backend    string `yaml:"backend"` // redis | pebble | memory
	PebblePath string `yaml:"pebble_path"`
	Shards     int    `yaml:"shards"`
	MaxEntries int    `yaml:"max_entries"`
}

// FanoutConfig selects the spot fan-out transport.
type FanoutConfig struct {
	Backend string     `yaml:"backend"` // redis | mqtt | memory
	Channel string     `yaml:"channel"`
	MQTT    MQTTConfig `yaml:"mqtt"`
}

// MQTTConfig configures the MQTT fan-out backend.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	Port        int    `yaml:"port"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         int    `yaml:"qos"`
}

// CacheConfig holds the prediction cache binning and singleflight bounds.
type CacheConfig struct {
	ExpireSeconds       int      `yaml:"expire_seconds"`
	FreqBinMHz          float64  `yaml:"freq_bin_mhz"`
	TimeBinMinutes      int      `yaml:"time_bin_minutes"`
	CoordDecimals       int      `yaml:"coord_decimals"`
	KeyVersion          string   `yaml:"key_version"`
	DigitalModes        []string `yaml:"digital_modes"`
	LockLeaseSeconds    int      `yaml:"lock_lease_seconds"`
	LockWaitSeconds     int      `yaml:"lock_wait_seconds"`
	PollIntervalMS      int      `yaml:"poll_interval_ms"`
	PollDeadlineSeconds int      `yaml:"poll_deadline_seconds"`
}

// PropagationConfig controls the external simulator invocation.
type PropagationConfig struct {
	Binary         string  `yaml:"binary"`
	DataPath       string  `yaml:"data_path"`
	ReportPath     string  `yaml:"report_path"`
	TempDir        string  `yaml:"temp_dir"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	ManMadeNoise   string  `yaml:"man_made_noise"`
	TXPowerDBW     float64 `yaml:"tx_power_dbw"`
	AntennaGainDB  float64 `yaml:"antenna_gain_db"`
}

// Timeout returns the per-invocation budget.
func (p PropagationConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// RBNConfig groups the two skimmer feeds.
type RBNConfig struct {
	CW   FeedConfig `yaml:"cw"`
	Digi FeedConfig `yaml:"digi"`
}

// FeedConfig contains one RBN telnet feed's settings.
type FeedConfig struct {
	Enabled           bool   `yaml:"enabled"`
	Name              string `yaml:"name"`
	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`
	Username          string `yaml:"username"`
	TTLMinutes        int    `yaml:"ttl_minutes"`
	RetryDelaySeconds int    `yaml:"retry_delay_seconds"`
	LoginDelaySeconds int    `yaml:"login_delay_seconds"`
}

// HumanSpotConfig controls side predictions recorded for human spots.
type HumanSpotConfig struct {
	Enabled        *bool  `yaml:"enabled"`
	TTLMinutes     int    `yaml:"ttl_minutes"`
	LogPredictions bool   `yaml:"log_predictions"`
	LogFile        string `yaml:"log_file"`
}

// IsEnabled defaults to true when unset.
func (h HumanSpotConfig) IsEnabled() bool {
	return h.Enabled == nil || *h.Enabled
}

// GeocodeConfig locates the callsign prefix table.
type GeocodeConfig struct {
	PrefixesFile   string `yaml:"prefixes_file"`
	CTYFile        string `yaml:"cty_file"`
	CTYURL         string `yaml:"cty_url"`
	RefreshOnStart bool   `yaml:"refresh_on_start"`
	CacheSize      int    `yaml:"cache_size"`
}

// ArchiveConfig controls the optional prediction archive.
type ArchiveConfig struct {
	Enabled         bool             `yaml:"enabled"`
	Backend         string           `yaml:"backend"` // sqlite | clickhouse
	DBPath          string           `yaml:"db_path"`
	QueueSize       int              `yaml:"queue_size"`
	BatchSize       int              `yaml:"batch_size"`
	BatchIntervalMS int              `yaml:"batch_interval_ms"`
	RetentionDays   int              `yaml:"retention_days"`
	BusyTimeoutMS   int              `yaml:"busy_timeout_ms"`
	ClickHouse      ClickHouseConfig `yaml:"clickhouse"`
}

// ClickHouseConfig addresses a ClickHouse server for archive writes.
type ClickHouseConfig struct {
	Addr     string `yaml:"addr"`
	Database string `yaml:"database"`
	Table    string `yaml:"table"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

// LoggingConfig controls the daily log file sink.
type LoggingConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Dir           string `yaml:"dir"`
	RetentionDays int    `yaml:"retention_days"`
}

// StatsConfig controls the periodic console stats line.
type StatsConfig struct {
	DisplayIntervalSeconds int `yaml:"display_interval_seconds"`
}

// Default returns a configuration populated with service defaults.
func Default() Config {
	return Config{
		Redis: RedisConfig{Host: "redis", Port: 6379},
		Store: StoreConfig{
			Backend:    "redis",
			PebblePath: "data/pebble",
			Shards:     16,
			MaxEntries: 100000,
		},
		Fanout: FanoutConfig{
			Backend: "redis",
			Channel: "predict-hf",
			MQTT: MQTTConfig{
				Broker:      "localhost",
				Port:        1883,
				TopicPrefix: "hfpredict",
			},
		},
		Cache: CacheConfig{
			ExpireSeconds:       600,
			FreqBinMHz:          1.0,
			TimeBinMinutes:      15,
			CoordDecimals:       2,
			KeyVersion:          "v2",
			DigitalModes:        []string{"DIGI", "DIGITAL", "FT8", "FT4", "RTTY", "PSK", "CW"},
			LockLeaseSeconds:    30,
			LockWaitSeconds:     5,
			PollIntervalMS:      50,
			PollDeadlineSeconds: 5,
		},
		Propagation: PropagationConfig{
			Binary:         "/usr/bin/ITURHFProp",
			DataPath:       "/opt/iturhf/data/",
			ReportPath:     "/tmp/",
			TimeoutSeconds: 20,
			ManMadeNoise:   "RESIDENTIAL",
			TXPowerDBW:     20,
			AntennaGainDB:  6,
		},
		SpaceWx: spacewx.DefaultConfig(),
		RBN: RBNConfig{
			CW: FeedConfig{
				Enabled:           true,
				Name:              "RBN",
				Host:              "telnet.reversebeacon.net",
				Port:              7000,
				TTLMinutes:        10,
				RetryDelaySeconds: 5,
				LoginDelaySeconds: 2,
			},
			Digi: FeedConfig{
				Enabled:           true,
				Name:              "RBN Digital",
				Host:              "telnet.reversebeacon.net",
				Port:              7001,
				TTLMinutes:        10,
				RetryDelaySeconds: 5,
				LoginDelaySeconds: 2,
			},
		},
		HumanSpot: HumanSpotConfig{
			TTLMinutes: 10,
			LogFile:    "data/hf_predictions.log",
		},
		Geocode: GeocodeConfig{
			PrefixesFile: "data/callsign_prefixes.json",
			CTYURL:       "https://www.country-files.com/cty/cty.plist",
			CacheSize:    50000,
		},
		Archive: ArchiveConfig{
			Backend:         "sqlite",
			DBPath:          "data/archive/predictions.db",
			QueueSize:       10000,
			BatchSize:       500,
			BatchIntervalMS: 1000,
			RetentionDays:   30,
			BusyTimeoutMS:   5000,
			ClickHouse: ClickHouseConfig{
				Addr:     "127.0.0.1:9000",
				Database: "hfpredict",
				Table:    "spot_predictions",
				Username: "default",
			},
		},
		HTTP:    HTTPConfig{Listen: ":8000"},
		Logging: LoggingConfig{Dir: "data/logs", RetentionDays: 7},
		Stats:   StatsConfig{DisplayIntervalSeconds: 60},
	}
}

// normalize fills zero values with defaults and clamps out-of-range values.
func (c *Config) normalize() {
	def := Default()
	if strings.TrimSpace(c.Redis.Host) == "" {
		c.Redis.Host = def.Redis.Host
	}
	if c.Redis.Port <= 0 {
		c.Redis.Port = def.Redis.Port
	}
	c.Store.Backend = strings.ToLower(strings.TrimSpace(c.Store.Backend))
	if c.Store.Backend == "" {
		c.Store.Backend = def.Store.Backend
	}
	if c.Store.PebblePath == "" {
		c.Store.PebblePath = def.Store.PebblePath
	}
	if c.Store.Shards <= 0 {
		c.Store.Shards = def.Store.Shards
	}
	if c.Store.MaxEntries <= 0 {
		c.Store.MaxEntries = def.Store.MaxEntries
	}
	c.Fanout.Backend = strings.ToLower(strings.TrimSpace(c.Fanout.Backend))
	if c.Fanout.Backend == "" {
		c.Fanout.Backend = def.Fanout.Backend
	}
	if strings.TrimSpace(c.Fanout.Channel) == "" {
		c.Fanout.Channel = def.Fanout.Channel
	}
	if c.Fanout.MQTT.Broker == "" {
		c.Fanout.MQTT.Broker = def.Fanout.MQTT.Broker
	}
	if c.Fanout.MQTT.Port <= 0 {
		c.Fanout.MQTT.Port = def.Fanout.MQTT.Port
	}
	if c.Fanout.MQTT.TopicPrefix == "" {
		c.Fanout.MQTT.TopicPrefix = def.Fanout.MQTT.TopicPrefix
	}
	if c.Fanout.MQTT.QoS < 0 || c.Fanout.MQTT.QoS > 2 {
		c.Fanout.MQTT.QoS = 0
	}

	if c.Cache.ExpireSeconds <= 0 {
		c.Cache.ExpireSeconds = def.Cache.ExpireSeconds
	}
	if c.Cache.FreqBinMHz <= 0 {
		c.Cache.FreqBinMHz = def.Cache.FreqBinMHz
	}
	if c.Cache.TimeBinMinutes <= 0 {
		c.Cache.TimeBinMinutes = def.Cache.TimeBinMinutes
	}
	if c.Cache.TimeBinMinutes > 60 {
		c.Cache.TimeBinMinutes = 60
	}
	if c.Cache.CoordDecimals < 0 {
		c.Cache.CoordDecimals = def.Cache.CoordDecimals
	}
	if c.Cache.KeyVersion == "" {
		c.Cache.KeyVersion = def.Cache.KeyVersion
	}
	if len(c.Cache.DigitalModes) == 0 {
		c.Cache.DigitalModes = def.Cache.DigitalModes
	}
	if c.Cache.LockLeaseSeconds <= 0 {
		c.Cache.LockLeaseSeconds = def.Cache.LockLeaseSeconds
	}
	if c.Cache.LockWaitSeconds <= 0 {
		c.Cache.LockWaitSeconds = def.Cache.LockWaitSeconds
	}
	if c.Cache.PollIntervalMS <= 0 {
		c.Cache.PollIntervalMS = def.Cache.PollIntervalMS
	}
	if c.Cache.PollDeadlineSeconds <= 0 {
		c.Cache.PollDeadlineSeconds = def.Cache.PollDeadlineSeconds
	}

	if c.Propagation.Binary == "" {
		c.Propagation.Binary = def.Propagation.Binary
	}
	if c.Propagation.DataPath == "" {
		c.Propagation.DataPath = def.Propagation.DataPath
	}
	if c.Propagation.ReportPath == "" {
		c.Propagation.ReportPath = def.Propagation.ReportPath
	}
	if c.Propagation.TimeoutSeconds <= 0 {
		c.Propagation.TimeoutSeconds = def.Propagation.TimeoutSeconds
	}
	if c.Propagation.ManMadeNoise == "" {
		c.Propagation.ManMadeNoise = def.Propagation.ManMadeNoise
	}
	if c.Propagation.TXPowerDBW == 0 {
		c.Propagation.TXPowerDBW = def.Propagation.TXPowerDBW
	}
	if c.Propagation.AntennaGainDB == 0 {
		c.Propagation.AntennaGainDB = def.Propagation.AntennaGainDB
	}

	c.SpaceWx.Normalize()
	normalizeFeed(&c.RBN.CW, def.RBN.CW)
	normalizeFeed(&c.RBN.Digi, def.RBN.Digi)

	if c.HumanSpot.TTLMinutes <= 0 {
		c.HumanSpot.TTLMinutes = def.HumanSpot.TTLMinutes
	}
	if c.HumanSpot.LogFile == "" {
		c.HumanSpot.LogFile = def.HumanSpot.LogFile
	}
	if c.Geocode.CacheSize <= 0 {
		c.Geocode.CacheSize = def.Geocode.CacheSize
	}
	if c.Geocode.CTYURL == "" {
		c.Geocode.CTYURL = def.Geocode.CTYURL
	}

	c.Archive.Backend = strings.ToLower(strings.TrimSpace(c.Archive.Backend))
	if c.Archive.Backend == "" {
		c.Archive.Backend = def.Archive.Backend
	}
	if c.Archive.DBPath == "" {
		c.Archive.DBPath = def.Archive.DBPath
	}
	if c.Archive.QueueSize <= 0 {
		c.Archive.QueueSize = def.Archive.QueueSize
	}
	if c.Archive.BatchSize <= 0 {
		c.Archive.BatchSize = def.Archive.BatchSize
	}
	if c.Archive.BatchIntervalMS <= 0 {
		c.Archive.BatchIntervalMS = def.Archive.BatchIntervalMS
	}
	if c.Archive.RetentionDays <= 0 {
		c.Archive.RetentionDays = def.Archive.RetentionDays
	}
	if c.Archive.BusyTimeoutMS <= 0 {
		c.Archive.BusyTimeoutMS = def.Archive.BusyTimeoutMS
	}
	if c.Archive.ClickHouse.Addr == "" {
		c.Archive.ClickHouse.Addr = def.Archive.ClickHouse.Addr
	}
	if c.Archive.ClickHouse.Database == "" {
		c.Archive.ClickHouse.Database = def.Archive.ClickHouse.Database
	}
	if c.Archive.ClickHouse.Table == "" {
		c.Archive.ClickHouse.Table = def.Archive.ClickHouse.Table
	}
	if c.Archive.ClickHouse.Username == "" {
		c.Archive.ClickHouse.Username = def.Archive.ClickHouse.Username
	}

	if c.HTTP.Listen == "" {
		c.HTTP.Listen = def.HTTP.Listen
	}
	if c.Logging.Dir == "" {
		c.Logging.Dir = def.Logging.Dir
	}
	if c.Logging.RetentionDays <= 0 {
		c.Logging.RetentionDays = def.Logging.RetentionDays
	}
	if c.Stats.DisplayIntervalSeconds <= 0 {
		c.Stats.DisplayIntervalSeconds = def.Stats.DisplayIntervalSeconds
	}
}

func normalizeFeed(f *FeedConfig, def FeedConfig) {
	if f.Name == "" {
		f.Name = def.Name
	}
	if f.Host == "" {
		f.Host = def.Host
	}
	if f.Port <= 0 {
		f.Port = def.Port
	}
	if f.TTLMinutes <= 0 {
		f.TTLMinutes = def.TTLMinutes
	}
	if f.RetryDelaySeconds <= 0 {
		f.RetryDelaySeconds = def.RetryDelaySeconds
	}
	if f.LoginDelaySeconds < 0 {
		f.LoginDelaySeconds = def.LoginDelaySeconds
	}
}

// Environment variable names honored on top of the YAML file.
const (
	EnvConfigFile    = "CONFIG_FILE"
	EnvRedisHost     = "REDIS_HOST"
	EnvRedisPort     = "REDIS_PORT"
	EnvCacheExpire   = "CACHE_EXPIRE"
	EnvFreqBinMHz    = "FREQ_BIN_MHZ"
	EnvTimeBinMin    = "TIME_BIN_MIN"
	EnvCoordDecimals = "COORD_DECIMALS"
)

// Load reads the YAML file at filename onto the defaults, then applies
// environment overrides. A missing file is an error; callers that want
// defaults-only should use FromEnv.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.LoadedFrom = filename
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	cfg.normalize()
	return &cfg, nil
}

// FromEnv loads a .env file if present, then the file named by CONFIG_FILE
// (falling back to fallbackPath). When neither file exists the defaults plus
// environment overrides are returned.
func FromEnv(fallbackPath string) (*Config, error) {
	_ = godotenv.Load()
	path := strings.TrimSpace(os.Getenv(EnvConfigFile))
	if path == "" {
		path = fallbackPath
	}
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
	}
	cfg := Default()
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	cfg.normalize()
	return &cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if v := strings.TrimSpace(getenv(EnvRedisHost)); v != "" {
		c.Redis.Host = v
	}
	if v := strings.TrimSpace(getenv(EnvRedisPort)); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s=%q: %w", EnvRedisPort, v, err)
		}
		c.Redis.Port = port
	}
	if v := strings.TrimSpace(getenv(EnvCacheExpire)); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s=%q: %w", EnvCacheExpire, v, err)
		}
		c.Cache.ExpireSeconds = secs
	}
	if v := strings.TrimSpace(getenv(EnvFreqBinMHz)); v != "" {
		step, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("config: %s=%q: %w", EnvFreqBinMHz, v, err)
		}
		c.Cache.FreqBinMHz = step
	}
	if v := strings.TrimSpace(getenv(EnvTimeBinMin)); v != "" {
		mins, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s=%q: %w", EnvTimeBinMin, v, err)
		}
		c.Cache.TimeBinMinutes = mins
	}
	if v := strings.TrimSpace(getenv(EnvCoordDecimals)); v != "" {
		dec, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s=%q: %w", EnvCoordDecimals, v, err)
		}
		c.Cache.CoordDecimals = dec
	}
	return nil
}

// Print displays the configuration.
func (c *Config) Print() {
	fmt.Printf("Store: %s (redis %s)\n", c.Store.Backend, c.Redis.Addr())
	fmt.Printf("Fanout: %s channel=%s\n", c.Fanout.Backend, c.Fanout.Channel)
	fmt.Printf("Cache: ttl=%ds freq_bin=%.2fMHz time_bin=%dm decimals=%d\n",
		c.Cache.ExpireSeconds, c.Cache.FreqBinMHz, c.Cache.TimeBinMinutes, c.Cache.CoordDecimals)
	fmt.Printf("Simulator: %s (timeout %ds)\n", c.Propagation.Binary, c.Propagation.TimeoutSeconds)
	if c.RBN.CW.Enabled {
		fmt.Printf("RBN CW: %s:%d (as %s, ttl %dm)\n", c.RBN.CW.Host, c.RBN.CW.Port, c.RBN.CW.Username, c.RBN.CW.TTLMinutes)
	}
	if c.RBN.Digi.Enabled {
		fmt.Printf("RBN Digital: %s:%d (as %s, ttl %dm)\n", c.RBN.Digi.Host, c.RBN.Digi.Port, c.RBN.Digi.Username, c.RBN.Digi.TTLMinutes)
	}
	if c.Archive.Enabled {
		fmt.Printf("Archive: %s\n", c.Archive.Backend)
	}
	if c.SpaceWx.Poller.Enabled {
		fmt.Printf("Space weather poller: %s every %ds\n", c.SpaceWx.Poller.Source, c.SpaceWx.Poller.IntervalSeconds)
	}
	fmt.Printf("HTTP: %s\n", c.HTTP.Listen)
}
