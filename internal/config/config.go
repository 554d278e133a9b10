package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"marketfeed/internal/provider"
)

type Server struct {
	Port              string `json:"port" yaml:"port"`
	RequestTimeoutSec int    `json:"request_timeout_sec" yaml:"request_timeout_sec"`
}

// Provider is the block shared by every upstream source.
type Provider struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	APIKey   string `json:"api_key" yaml:"api_key"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`
	// MaxCalls per WindowSec is the hard call budget.
	MaxCalls  int `json:"max_calls" yaml:"max_calls"`
	WindowSec int `json:"window_sec" yaml:"window_sec"`
	// RequestsPerSecond and Burst pace requests. Zero disables pacing.
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`
	Burst             int     `json:"burst" yaml:"burst"`
}

func (p Provider) Window() time.Duration { return time.Duration(p.WindowSec) * time.Second }

type Suffixed struct {
	Provider `yaml:",inline"`
	Suffix   string `json:"suffix" yaml:"suffix"`
}

type Bundled struct {
	Provider     `yaml:",inline"`
	BundleTTLSec int `json:"bundle_ttl_sec" yaml:"bundle_ttl_sec"`
}

func (b Bundled) BundleTTL() time.Duration { return time.Duration(b.BundleTTLSec) * time.Second }

type CoinGecko struct {
	Bundled `yaml:",inline"`
	// IDs maps ticker to CoinGecko coin id.
	IDs map[string]string `json:"ids" yaml:"ids"`
}

type TEFAS struct {
	Provider     `yaml:",inline"`
	Referer      string `json:"referer" yaml:"referer"`
	PricePath    string `json:"price_path" yaml:"price_path"`
	PreviousPath string `json:"previous_path" yaml:"previous_path"`
}

type Providers struct {
	Finnhub      Provider  `json:"finnhub" yaml:"finnhub"`
	TwelveData   Provider  `json:"twelvedata" yaml:"twelvedata"`
	Yahoo        Suffixed  `json:"yahoo" yaml:"yahoo"`
	YahooIndex   Provider  `json:"yahoo_index" yaml:"yahoo_index"`
	AlphaVantage Suffixed  `json:"alphavantage" yaml:"alphavantage"`
	ExchangeRate Bundled   `json:"exchangerate" yaml:"exchangerate"`
	CoinGecko    CoinGecko `json:"coingecko" yaml:"coingecko"`
	TEFAS        TEFAS     `json:"tefas" yaml:"tefas"`
}

type Cache struct {
	TTLSec         int    `json:"ttl_sec" yaml:"ttl_sec"`
	FallbackTTLSec int    `json:"fallback_ttl_sec" yaml:"fallback_ttl_sec"`
	MaxItems       int    `json:"max_items" yaml:"max_items"`
	FormatVersion  int    `json:"format_version" yaml:"format_version"`
	SnapshotKey    string `json:"snapshot_key" yaml:"snapshot_key"`
}

func (c Cache) TTL() time.Duration         { return time.Duration(c.TTLSec) * time.Second }
func (c Cache) FallbackTTL() time.Duration { return time.Duration(c.FallbackTTLSec) * time.Second }

type Store struct {
	// Kind is memory, file, sqlite or redis.
	Kind string `json:"kind" yaml:"kind"`
	DSN  string `json:"dsn" yaml:"dsn"`
}

type Batch struct {
	Size    int `json:"size" yaml:"size"`
	DelayMs int `json:"delay_ms" yaml:"delay_ms"`
}

func (b Batch) Delay() time.Duration { return time.Duration(b.DelayMs) * time.Millisecond }

type Aggregator struct {
	RefreshIntervalSec       int               `json:"refresh_interval_sec" yaml:"refresh_interval_sec"`
	ClosedRefreshIntervalSec int               `json:"closed_refresh_interval_sec" yaml:"closed_refresh_interval_sec"`
	Calendars                []string          `json:"calendars" yaml:"calendars"`
	Priority                 []provider.Symbol `json:"priority" yaml:"priority"`
	Universe                 []provider.Symbol `json:"universe" yaml:"universe"`
}

func (a Aggregator) RefreshInterval() time.Duration {
	return time.Duration(a.RefreshIntervalSec) * time.Second
}

func (a Aggregator) ClosedRefreshInterval() time.Duration {
	return time.Duration(a.ClosedRefreshIntervalSec) * time.Second
}

type Config struct {
	LogLevel   string     `json:"log_level" yaml:"log_level"`
	Server     Server     `json:"server" yaml:"server"`
	Providers  Providers  `json:"providers" yaml:"providers"`
	Cache      Cache      `json:"cache" yaml:"cache"`
	Store      Store      `json:"store" yaml:"store"`
	Batch      Batch      `json:"batch" yaml:"batch"`
	Aggregator Aggregator `json:"aggregator" yaml:"aggregator"`
	// Fallback holds last known prices used when every provider fails.
	// Keys are "SYMBOL" or "market:SYMBOL".
	Fallback     map[string]float64 `json:"fallback" yaml:"fallback"`
	FallbackFile string             `json:"fallback_file" yaml:"fallback_file"`
}

func Default() Config {
	return Config{
		LogLevel: "info",
		Server:   Server{Port: "8080", RequestTimeoutSec: 10},
		Providers: Providers{
			Finnhub:    Provider{Enabled: true, MaxCalls: 55, WindowSec: 60, RequestsPerSecond: 1, Burst: 5},
			TwelveData: Provider{Enabled: true, MaxCalls: 750, WindowSec: 86400, RequestsPerSecond: 0.13, Burst: 1},
			Yahoo: Suffixed{
				Provider: Provider{Enabled: true, MaxCalls: 120, WindowSec: 60, RequestsPerSecond: 2, Burst: 4},
				Suffix:   ".IS",
			},
			YahooIndex: Provider{Enabled: true, MaxCalls: 120, WindowSec: 60, RequestsPerSecond: 2, Burst: 4},
			AlphaVantage: Suffixed{
				Provider: Provider{Enabled: true, MaxCalls: 23, WindowSec: 86400},
				Suffix:   ".IST",
			},
			ExchangeRate: Bundled{
				Provider:     Provider{Enabled: true, MaxCalls: 1000, WindowSec: 3600},
				BundleTTLSec: 60,
			},
			CoinGecko: CoinGecko{
				Bundled: Bundled{
					Provider:     Provider{Enabled: true, MaxCalls: 50, WindowSec: 60},
					BundleTTLSec: 60,
				},
			},
			TEFAS: TEFAS{Provider: Provider{Enabled: true, MaxCalls: 100, WindowSec: 3600, RequestsPerSecond: 1, Burst: 2}},
		},
		Cache: Cache{TTLSec: 300, FallbackTTLSec: 30, MaxItems: 5000, FormatVersion: 3, SnapshotKey: "marketfeed_cache_v3"},
		Store: Store{Kind: "memory"},
		Batch: Batch{Size: 10, DelayMs: 1100},
		Aggregator: Aggregator{
			RefreshIntervalSec:       300,
			ClosedRefreshIntervalSec: 1800,
			Calendars:                []string{"xnys", "xist"},
			Priority:                 defaultPriority(),
			Universe:                 defaultUniverse(),
		},
	}
}

var bistSymbols = []string{
	"THYAO", "GARAN", "AKBNK", "ISCTR", "YKBNK", "TUPRS", "PETKM", "EREGL", "KRDMD", "SAHOL",
	"KCHOL", "TCELL", "TTKOM", "PGSUS", "SISE", "ARCLK", "VESTL", "BIMAS", "MGROS", "FROTO",
}

func defaultPriority() []provider.Symbol {
	return []provider.Symbol{
		{Symbol: "USDTRY", Market: provider.MarketForex},
		{Symbol: "EURTRY", Market: provider.MarketForex},
		{Symbol: "EURUSD", Market: provider.MarketForex},
		{Symbol: "AAPL", Market: provider.MarketUS},
		{Symbol: "MSFT", Market: provider.MarketUS},
		{Symbol: "TSLA", Market: provider.MarketUS},
		{Symbol: "BTC", Market: provider.MarketCrypto},
		{Symbol: "ETH", Market: provider.MarketCrypto},
	}
}

func defaultUniverse() []provider.Symbol {
	u := defaultPriority()
	for _, s := range []string{"GOOGL", "AMZN", "NVDA", "META"} {
		u = append(u, provider.Symbol{Symbol: s, Market: provider.MarketUS})
	}
	for _, s := range []string{"GSPC", "IXIC", "DJI", "XU100.IS"} {
		u = append(u, provider.Symbol{Symbol: s, Market: provider.MarketIndex})
	}
	for _, s := range bistSymbols {
		u = append(u, provider.Symbol{Symbol: s, Market: provider.MarketRegional})
	}
	return u
}

var defaultFiles = []string{"config.yaml", "config.yml", "config.json"}

// Load reads config from path (JSON or YAML by extension). If path is empty
// the first existing default file is used, else defaults. Environment
// variables override select fields, secrets in particular.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		for _, f := range defaultFiles {
			if _, err := os.Stat(f); err == nil {
				path = f
				break
			}
		}
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := decode(path, b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if cfg.FallbackFile != "" {
		if err := loadFallbackFile(&cfg); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

func decode(path string, b []byte, out *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(b, out)
	default:
		return json.Unmarshal(b, out)
	}
}

// loadFallbackFile merges a SYMBOL: price map. Inline entries win.
func loadFallbackFile(cfg *Config) error {
	b, err := os.ReadFile(cfg.FallbackFile)
	if err != nil {
		return fmt.Errorf("read fallback file: %w", err)
	}
	var table map[string]float64
	// yaml.v3 also reads JSON documents.
	if err := yaml.Unmarshal(b, &table); err != nil {
		return fmt.Errorf("parse fallback file %s: %w", cfg.FallbackFile, err)
	}
	if cfg.Fallback == nil {
		cfg.Fallback = make(map[string]float64, len(table))
	}
	for k, v := range table {
		if _, ok := cfg.Fallback[k]; !ok {
			cfg.Fallback[k] = v
		}
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("REQUEST_TIMEOUT_SEC"); v != "" {
		var x int
		if _, err := fmt.Sscanf(v, "%d", &x); err == nil && x > 0 {
			cfg.Server.RequestTimeoutSec = x
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("FINNHUB_API_KEY"); v != "" {
		cfg.Providers.Finnhub.APIKey = v
	}
	if v := os.Getenv("TWELVEDATA_API_KEY"); v != "" {
		cfg.Providers.TwelveData.APIKey = v
	}
	if v := os.Getenv("ALPHAVANTAGE_API_KEY"); v != "" {
		cfg.Providers.AlphaVantage.APIKey = v
	}
	if v := os.Getenv("COINGECKO_API_KEY"); v != "" {
		cfg.Providers.CoinGecko.APIKey = v
	}
	if v := os.Getenv("YAHOO_PROXY_URL"); v != "" {
		cfg.Providers.Yahoo.Endpoint = v
		cfg.Providers.YahooIndex.Endpoint = v
	}
	if v := os.Getenv("MARKETFEED_STORE"); v != "" {
		cfg.Store.Kind = v
	}
	if v := os.Getenv("MARKETFEED_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("BATCH_SIZE"); v != "" {
		var x int
		if _, err := fmt.Sscanf(v, "%d", &x); err == nil {
			cfg.Batch.Size = x
		}
	}
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error
	bad := func(field, reason string) { errs = append(errs, provider.ConfigErr("config", field, reason)) }

	if c.Server.Port == "" {
		bad("server.port", "is empty")
	}
	if c.Server.RequestTimeoutSec <= 0 {
		bad("server.request_timeout_sec", "must be positive")
	}
	if _, err := c.Level(); err != nil {
		bad("log_level", err.Error())
	}
	if c.Cache.TTLSec <= 0 {
		bad("cache.ttl_sec", "must be positive")
	}
	if c.Cache.FallbackTTLSec <= 0 || c.Cache.FallbackTTLSec > c.Cache.TTLSec {
		bad("cache.fallback_ttl_sec", "must be positive and not longer than cache.ttl_sec")
	}
	if c.Cache.FormatVersion <= 0 {
		bad("cache.format_version", "must be positive")
	}
	switch strings.ToLower(c.Store.Kind) {
	case "", "memory", "file", "sqlite", "redis":
	default:
		bad("store.kind", fmt.Sprintf("unknown kind %q", c.Store.Kind))
	}
	if c.Store.Kind == "file" && c.Store.DSN == "" {
		bad("store.dsn", "file store needs a directory")
	}
	if c.Batch.Size <= 0 {
		bad("batch.size", "must be positive")
	}
	if c.Batch.DelayMs < 0 {
		bad("batch.delay_ms", "must not be negative")
	}
	if c.Aggregator.RefreshIntervalSec <= 0 {
		bad("aggregator.refresh_interval_sec", "must be positive")
	}

	for name, p := range c.providerBlocks() {
		if !p.Enabled {
			continue
		}
		if p.MaxCalls <= 0 {
			bad("providers."+name+".max_calls", "must be positive")
		}
		if p.WindowSec <= 0 {
			bad("providers."+name+".window_sec", "must be positive")
		}
		if p.RequestsPerSecond < 0 {
			bad("providers."+name+".requests_per_second", "must not be negative")
		}
	}

	inUniverse := make(map[string]bool, len(c.Aggregator.Universe))
	for i, s := range c.Aggregator.Universe {
		if s.Symbol == "" {
			bad(fmt.Sprintf("aggregator.universe[%d]", i), "symbol is empty")
		}
		if _, err := provider.ParseMarket(string(s.Market)); err != nil {
			bad(fmt.Sprintf("aggregator.universe[%d]", i), err.Error())
		}
		inUniverse[s.Key()] = true
	}
	for i, s := range c.Aggregator.Priority {
		if !inUniverse[s.Key()] {
			bad(fmt.Sprintf("aggregator.priority[%d]", i), s.Key()+" is not in the universe")
		}
	}
	for k, v := range c.Fallback {
		if v <= 0 {
			bad("fallback."+k, "price must be positive")
		}
	}
	return errors.Join(errs...)
}

func (c Config) providerBlocks() map[string]Provider {
	p := c.Providers
	return map[string]Provider{
		"finnhub":      p.Finnhub,
		"twelvedata":   p.TwelveData,
		"yahoo":        p.Yahoo.Provider,
		"yahoo_index":  p.YahooIndex,
		"alphavantage": p.AlphaVantage.Provider,
		"exchangerate": p.ExchangeRate.Provider,
		"coingecko":    p.CoinGecko.Provider,
		"tefas":        p.TEFAS.Provider,
	}
}

func (c Config) Level() (slog.Level, error) {
	var l slog.Level
	err := l.UnmarshalText([]byte(c.LogLevel))
	return l, err
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ParseSymbols reads "market:SYMBOL" or bare "SYMBOL" items (bare ones get def).
func ParseSymbols(csv string, def provider.Market) ([]provider.Symbol, error) {
	var out []provider.Symbol
	for _, item := range splitCSV(csv) {
		m, sym := def, item
		if i := strings.Index(item, ":"); i > 0 {
			pm, err := provider.ParseMarket(item[:i])
			if err != nil {
				return nil, err
			}
			m, sym = pm, item[i+1:]
		}
		out = append(out, provider.Symbol{Symbol: strings.ToUpper(sym), Market: m})
	}
	return out, nil
}
