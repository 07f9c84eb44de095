package spacewx

import "strings"

const (
	SourceNOAA       = "noaa"
	SourceClickHouse = "clickhouse"
)

// Config holds space-weather lookup and polling settings.
type Config struct {
	RedisKey          string            `yaml:"redis_key"`
	MaxAgeHours       int               `yaml:"max_age_hours"`
	F107ToSSN         SSNConversion     `yaml:"f107_to_ssn"`
	ReliabilityAdjust ReliabilityAdjust `yaml:"reliability_adjust"`
	SSNFallback       SSNFallback       `yaml:"ssn_fallback"`
	Poller            PollerConfig      `yaml:"poller"`
}

// SSNConversion maps F10.7 onto an equivalent sunspot number: a*(f107-b).
type SSNConversion struct {
	A float64 `yaml:"a"`
	B float64 `yaml:"b"`
}

// ReliabilityAdjust scales reliability down during geomagnetic disturbance.
type ReliabilityAdjust struct {
	Enabled bool    `yaml:"enabled"`
	Slope   float64 `yaml:"slope"`
	Kp0     float64 `yaml:"kp0"`
	Min     float64 `yaml:"min"`
}

// SSNFallback describes the daily sunspot lookup used when no fresh F10.7 is
// stored.
type SSNFallback struct {
	URL            string `yaml:"url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	CacheDays      int    `yaml:"cache_days"`
	Default        int    `yaml:"default"`
}

// PollerConfig controls the optional background writer of the latest record.
type PollerConfig struct {
	Enabled               bool             `yaml:"enabled"`
	Source                string           `yaml:"source"`
	IntervalSeconds       int              `yaml:"interval_seconds"`
	RequestTimeoutSeconds int              `yaml:"request_timeout_seconds"`
	KpURL                 string           `yaml:"kp_url"`
	FluxURL               string           `yaml:"flux_url"`
	ClickHouse            ClickHouseSource `yaml:"clickhouse"`
}

// ClickHouseSource names the table holding daily solar indices.
type ClickHouseSource struct {
	Addr     string `yaml:"addr"`
	Database string `yaml:"database"`
	Table    string `yaml:"table"`
}

// DefaultConfig returns the stock settings.
func DefaultConfig() Config {
	return Config{
		RedisKey:    "spacewx:latest",
		MaxAgeHours: 6,
		F107ToSSN:   SSNConversion{A: 1.61, B: 67.0},
		ReliabilityAdjust: ReliabilityAdjust{
			Slope: 0.07,
			Kp0:   3.0,
			Min:   0.10,
		},
		SSNFallback: SSNFallback{
			URL:            "https://services.swpc.noaa.gov/text/daily-solar-indices.txt",
			TimeoutSeconds: 5,
			CacheDays:      7,
			Default:        100,
		},
		Poller: PollerConfig{
			Source:                SourceNOAA,
			IntervalSeconds:       900,
			RequestTimeoutSeconds: 10,
			KpURL:                 "https://services.swpc.noaa.gov/products/noaa-planetary-k-index.json",
			FluxURL:               "https://services.swpc.noaa.gov/json/f107_cm_flux.json",
			ClickHouse: ClickHouseSource{
				Addr:     "127.0.0.1:9000",
				Database: "solar",
				Table:    "indices_raw",
			},
		},
	}
}

// Normalize fills zero values from DefaultConfig.
func (c *Config) Normalize() {
	def := DefaultConfig()
	c.RedisKey = strings.TrimSpace(c.RedisKey)
	if c.RedisKey == "" {
		c.RedisKey = def.RedisKey
	}
	if c.MaxAgeHours <= 0 {
		c.MaxAgeHours = def.MaxAgeHours
	}
	if c.F107ToSSN.A == 0 {
		c.F107ToSSN.A = def.F107ToSSN.A
	}
	if c.F107ToSSN.B == 0 {
		c.F107ToSSN.B = def.F107ToSSN.B
	}
	adj := &c.ReliabilityAdjust
	if adj.Slope <= 0 {
		adj.Slope = def.ReliabilityAdjust.Slope
	}
	if adj.Kp0 <= 0 {
		adj.Kp0 = def.ReliabilityAdjust.Kp0
	}
	if adj.Min <= 0 || adj.Min > 1 {
		adj.Min = def.ReliabilityAdjust.Min
	}
	fb := &c.SSNFallback
	if strings.TrimSpace(fb.URL) == "" {
		fb.URL = def.SSNFallback.URL
	}
	if fb.TimeoutSeconds <= 0 {
		fb.TimeoutSeconds = def.SSNFallback.TimeoutSeconds
	}
	if fb.CacheDays <= 0 {
		fb.CacheDays = def.SSNFallback.CacheDays
	}
	if fb.Default <= 0 {
		fb.Default = def.SSNFallback.Default
	}
	p := &c.Poller
	p.Source = strings.ToLower(strings.TrimSpace(p.Source))
	if p.Source != SourceClickHouse {
		p.Source = SourceNOAA
	}
	if p.IntervalSeconds <= 0 {
		p.IntervalSeconds = def.Poller.IntervalSeconds
	}
	if p.RequestTimeoutSeconds <= 0 {
		p.RequestTimeoutSeconds = def.Poller.RequestTimeoutSeconds
	}
	if strings.TrimSpace(p.KpURL) == "" {
		p.KpURL = def.Poller.KpURL
	}
	if strings.TrimSpace(p.FluxURL) == "" {
		p.FluxURL = def.Poller.FluxURL
	}
	if p.ClickHouse.Addr == "" {
		p.ClickHouse.Addr = def.Poller.ClickHouse.Addr
	}
	if p.ClickHouse.Database == "" {
		p.ClickHouse.Database = def.Poller.ClickHouse.Database
	}
	if p.ClickHouse.Table == "" {
		p.ClickHouse.Table = def.Poller.ClickHouse.Table
	}
}
