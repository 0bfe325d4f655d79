package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	LogLevel string `mapstructure:"log_level"`
	DataDir  string `mapstructure:"data_dir"`

	// Peer wire
	ListenPort         int           `mapstructure:"listen_port"`
	EnableTCP          bool          `mapstructure:"enable_tcp"`
	EnableUTP          bool          `mapstructure:"enable_utp"`
	EnableWebSocket    bool          `mapstructure:"enable_websocket"`
	WebSocketPort      int           `mapstructure:"websocket_port"`
	MaxPeers           int           `mapstructure:"max_peers"`
	PipelineDepth      int           `mapstructure:"pipeline_depth"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	HandshakeTimeout   time.Duration `mapstructure:"handshake_timeout"`
	IdleTimeout        time.Duration `mapstructure:"idle_timeout"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	MaxMissedDeadlines int           `mapstructure:"max_missed_deadlines"`

	// Swarm
	ChokeInterval    time.Duration `mapstructure:"choke_interval"`
	MaxUnchoked      int           `mapstructure:"max_unchoked"`
	OptimisticEvery  int           `mapstructure:"optimistic_every"`
	EndgameThreshold int           `mapstructure:"endgame_threshold"`
	MaxBadPieces     int           `mapstructure:"max_bad_pieces"`

	// Discovery
	Trackers         []string      `mapstructure:"trackers"`
	EnableDHT        bool          `mapstructure:"enable_dht"`
	DHTPort          int           `mapstructure:"dht_port"`
	AnnounceInterval time.Duration `mapstructure:"announce_interval"`
	MinBackoff       time.Duration `mapstructure:"min_backoff"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff"`
	TrackerTimeout   time.Duration `mapstructure:"tracker_timeout"`

	// Rates are byte sizes per second, "0" is unlimited.
	DownloadRate string `mapstructure:"download_rate"`
	UploadRate   string `mapstructure:"upload_rate"`

	// Storage
	CacheSize int  `mapstructure:"cache_size"`
	KeepFiles bool `mapstructure:"keep_files"`

	// HTTP file server
	Port                         string        `mapstructure:"port"`
	HTTPRequestTimeout           time.Duration `mapstructure:"http_request_timeout"`
	ServerReadTimeout            time.Duration `mapstructure:"server_read_timeout"`
	ServerWriteTimeout           time.Duration `mapstructure:"server_write_timeout"`
	ServerIdleTimeout            time.Duration `mapstructure:"server_idle_timeout"`
	ShutdownTimeout              time.Duration `mapstructure:"shutdown_timeout"`
	RateLimit                    float64       `mapstructure:"rate_limit"`
	CORSAllowedOrigins           []string      `mapstructure:"cors_allowed_origins"`
	CacheTTL                     time.Duration `mapstructure:"cache_ttl"`
	CircuitBreakerMaxRequests    uint32        `mapstructure:"circuit_breaker_max_requests"`
	CircuitBreakerInterval       time.Duration `mapstructure:"circuit_breaker_interval"`
	CircuitBreakerTimeout        time.Duration `mapstructure:"circuit_breaker_timeout"`
	CircuitBreakerMinRequests    uint32        `mapstructure:"circuit_breaker_min_requests"`
	CircuitBreakerErrorThreshold float64       `mapstructure:"circuit_breaker_error_threshold"`
	StatsInterval                time.Duration `mapstructure:"stats_interval"`
	TracingEnabled               bool          `mapstructure:"tracing_enabled"`
	ServiceName                  string        `mapstructure:"service_name"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("data_dir", "./downloads")

	v.SetDefault("listen_port", 6881)
	v.SetDefault("enable_tcp", true)
	v.SetDefault("enable_utp", false)
	v.SetDefault("enable_websocket", false)
	v.SetDefault("websocket_port", 6882)
	v.SetDefault("max_peers", 50)
	v.SetDefault("pipeline_depth", 16)
	v.SetDefault("dial_timeout", "5s")
	v.SetDefault("handshake_timeout", "10s")
	v.SetDefault("idle_timeout", "3m")
	v.SetDefault("request_timeout", "20s")
	v.SetDefault("max_missed_deadlines", 2)

	v.SetDefault("choke_interval", "10s")
	v.SetDefault("max_unchoked", 4)
	v.SetDefault("optimistic_every", 3)
	v.SetDefault("endgame_threshold", 5)
	v.SetDefault("max_bad_pieces", 3)

	v.SetDefault("trackers", []string{})
	v.SetDefault("enable_dht", true)
	v.SetDefault("dht_port", 0)
	v.SetDefault("announce_interval", "2m")
	v.SetDefault("min_backoff", "5s")
	v.SetDefault("max_backoff", "5m")
	v.SetDefault("tracker_timeout", "15s")

	v.SetDefault("download_rate", "0")
	v.SetDefault("upload_rate", "0")

	v.SetDefault("cache_size", 64)
	v.SetDefault("keep_files", true)

	v.SetDefault("port", "8080")
	v.SetDefault("http_request_timeout", "30s")
	v.SetDefault("server_read_timeout", "15s")
	v.SetDefault("server_write_timeout", "0s")
	v.SetDefault("server_idle_timeout", "60s")
	v.SetDefault("shutdown_timeout", "10s")
	v.SetDefault("rate_limit", 100)
	v.SetDefault("cors_allowed_origins", []string{"*"})
	v.SetDefault("cache_ttl", "5s")
	v.SetDefault("circuit_breaker_max_requests", 5)
	v.SetDefault("circuit_breaker_interval", "60s")
	v.SetDefault("circuit_breaker_timeout", "30s")
	v.SetDefault("circuit_breaker_min_requests", 10)
	v.SetDefault("circuit_breaker_error_threshold", 0.6)
	v.SetDefault("stats_interval", "1m")
	v.SetDefault("tracing_enabled", false)
	v.SetDefault("service_name", "swarmd")
}

// Flags registers the command line overrides understood by Load.
func Flags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to a config file")
	fs.String("log_level", "info", "log level")
	fs.String("data_dir", "./downloads", "directory for downloaded data")
	fs.Int("listen_port", 6881, "peer listen port")
	fs.String("port", "8080", "HTTP file server port")
	fs.String("download_rate", "0", "download rate limit, e.g. 2MB (0 is unlimited)")
	fs.String("upload_rate", "0", "upload rate limit, e.g. 512KB (0 is unlimited)")
	fs.Int("max_peers", 50, "maximum connected peers per torrent")
	fs.StringSlice("trackers", nil, "extra tracker announce URLs")
	fs.Bool("enable_dht", true, "use the DHT for peer discovery")
	fs.Bool("enable_utp", false, "accept and dial uTP peers")
	fs.Bool("enable_websocket", false, "accept WebSocket peers")
}

// Load reads defaults, an optional config file, SWARMD_* environment
// variables and any flags that were set, in increasing precedence.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.SetEnvPrefix("swarmd")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, fmt.Errorf("failed to bind flags: %w", err)
		}
		if path, _ := fs.GetString("config"); path != "" {
			v.SetConfigFile(path)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Default returns the built-in configuration without consulting files,
// the environment or flags.
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		panic(fmt.Sprintf("config: bad defaults: %v", err))
	}
	return &config
}

func (c *Config) Validate() error {
	if _, err := ParseRate(c.DownloadRate); err != nil {
		return fmt.Errorf("invalid download_rate: %w", err)
	}
	if _, err := ParseRate(c.UploadRate); err != nil {
		return fmt.Errorf("invalid upload_rate: %w", err)
	}
	if c.PipelineDepth < 1 {
		return fmt.Errorf("pipeline_depth must be positive, got %d", c.PipelineDepth)
	}
	if c.MaxMissedDeadlines < 1 {
		return fmt.Errorf("max_missed_deadlines must be positive, got %d", c.MaxMissedDeadlines)
	}
	if c.MinBackoff <= 0 || c.MaxBackoff < c.MinBackoff {
		return fmt.Errorf("invalid backoff bounds %s..%s", c.MinBackoff, c.MaxBackoff)
	}
	return nil
}

// ParseRate converts a size string such as "2MB" into bytes per second.
// Empty and "0" mean unlimited.
func ParseRate(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return 0, nil
	}
	size, err := datasize.ParseString(s)
	if err != nil {
		return 0, err
	}
	return int64(size.Bytes()), nil
}

func (c *Config) DownloadBytesPerSecond() int64 {
	n, _ := ParseRate(c.DownloadRate)
	return n
}

func (c *Config) UploadBytesPerSecond() int64 {
	n, _ := ParseRate(c.UploadRate)
	return n
}
