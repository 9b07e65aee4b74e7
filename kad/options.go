package kad

import (
	"log/slog"
	"time"

	"github.com/nmxmxh/kadmesh/kad/datastore"
	"github.com/nmxmxh/kadmesh/kad/query"
	"github.com/nmxmxh/kadmesh/kad/validator"
)

// Config holds every recognized construction option from spec.md §6:
// k_bucket_size, client_mode, protocol_prefix, lan, query_self_interval,
// provider_ttl, ping_timeout, alpha, disjoint_paths, validators, selectors.
type Config struct {
	KBucketSize       int
	ClientMode        bool
	ProtocolPrefix    string
	LAN               bool
	QuerySelfInterval time.Duration
	RefreshInterval   time.Duration
	ProviderTTL       time.Duration
	PingTimeout       time.Duration
	Alpha             int
	DisjointPaths     int
	GetValueQuorum    int

	Validators *validator.Registry
	Records    datastore.Datastore
	Logger     *slog.Logger
}

// Option configures a DHT at construction.
type Option func(*Config)

func WithKBucketSize(n int) Option { return func(c *Config) { c.KBucketSize = n } }
func WithClientMode(enabled bool) Option { return func(c *Config) { c.ClientMode = enabled } }
func WithProtocolPrefix(prefix string) Option { return func(c *Config) { c.ProtocolPrefix = prefix } }
func WithLAN(lan bool) Option { return func(c *Config) { c.LAN = lan } }
func WithQuerySelfInterval(d time.Duration) Option {
	return func(c *Config) { c.QuerySelfInterval = d }
}
func WithRefreshInterval(d time.Duration) Option {
	return func(c *Config) { c.RefreshInterval = d }
}
func WithProviderTTL(d time.Duration) Option { return func(c *Config) { c.ProviderTTL = d } }
func WithPingTimeout(d time.Duration) Option { return func(c *Config) { c.PingTimeout = d } }
func WithAlpha(n int) Option { return func(c *Config) { c.Alpha = n } }
func WithDisjointPaths(n int) Option { return func(c *Config) { c.DisjointPaths = n } }
func WithGetValueQuorum(n int) Option { return func(c *Config) { c.GetValueQuorum = n } }
func WithValidators(r *validator.Registry) Option { return func(c *Config) { c.Validators = r } }
func WithRecordStore(ds datastore.Datastore) Option { return func(c *Config) { c.Records = ds } }
func WithLogger(l *slog.Logger) Option { return func(c *Config) { c.Logger = l } }

func defaultConfig() Config {
	return Config{
		KBucketSize:       20,
		ClientMode:        true,
		ProtocolPrefix:    "/ipfs",
		LAN:               false,
		QuerySelfInterval: 60 * time.Second,
		RefreshInterval:   10 * time.Minute,
		ProviderTTL:       24 * time.Hour,
		PingTimeout:       10 * time.Second,
		Alpha:             query.DefaultAlpha,
		DisjointPaths:     query.DisjointPaths(query.DefaultK),
		GetValueQuorum:    query.DisjointPaths(query.DefaultK),
		Validators:        validator.NewRegistry(),
		Records:           datastore.NewMemory(),
		Logger:            slog.Default(),
	}
}

func (c Config) queryConfig() query.Config {
	return query.Config{Alpha: c.Alpha, K: c.KBucketSize, DisjointPaths: c.DisjointPaths, Beta: query.DefaultBeta}
}
