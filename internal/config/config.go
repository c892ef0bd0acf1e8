// Package config загружает конфигурацию подсистемы шардирования и мониторинга.
// Значения применяются по слоям: значения по умолчанию, JSON-файл, явно заданные
// флаги командной строки и переменные окружения. Каждый следующий слой имеет приоритет.
package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/levinOo/go-shard-monitor/internal/config/db"
	"github.com/levinOo/go-shard-monitor/internal/health"
	"github.com/levinOo/go-shard-monitor/internal/models"
	"github.com/levinOo/go-shard-monitor/internal/monitoring"
	"github.com/levinOo/go-shard-monitor/internal/sharding"
)

// Duration разбирает строки вида "30s" и "5m" как в JSON, так и в переменных окружения.
type Duration time.Duration

// UnmarshalText разбирает длительность в формате time.ParseDuration.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText возвращает длительность в формате time.Duration.String.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// D возвращает значение как time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// Config содержит все параметры приложения.
type Config struct {
	// Addr задаёт адрес статусного HTTP API.
	Addr string `json:"address" env:"ADDRESS"`

	// DatabaseDSN содержит строку подключения к основному хранилищу, за которым
	// наблюдают монитор зависимостей и конвейер метрик.
	DatabaseDSN string `json:"database_dsn" env:"DATABASE_DSN"`

	Debug      bool   `json:"debug" env:"DEBUG"`
	LogLevel   string `json:"log_level" env:"LOG_LEVEL"`
	EventsFile string `json:"events_file" env:"EVENTS_FILE"`

	ConfigFilePath string `json:"-" env:"CONFIG"`

	Pool       PoolConfig       `json:"pool" envPrefix:"POOL_"`
	Sharding   ShardingConfig   `json:"sharding" envPrefix:"SHARDING_"`
	Monitoring MonitoringConfig `json:"monitoring" envPrefix:"MONITORING_"`
	Health     HealthConfig     `json:"health" envPrefix:"HEALTH_"`
	Cache      CacheConfig      `json:"cache" envPrefix:"CACHE_"`
}

// PoolConfig задаёт границы пулов соединений.
type PoolConfig struct {
	MaxOpenConns    int      `json:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int      `json:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime Duration `json:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	ConnMaxIdleTime Duration `json:"conn_max_idle_time" env:"CONN_MAX_IDLE_TIME"`
}

// ShardingConfig задаёт шарды и стратегию маршрутизации.
// Список шардов и таблицы стратегий задаются только в файле.
type ShardingConfig struct {
	Strategy     string                   `json:"strategy" env:"STRATEGY"`
	Shards       []models.ShardDescriptor `json:"shards"`
	DefaultShard int                      `json:"default_shard" env:"DEFAULT_SHARD"`
	Ranges       []sharding.RangeRule     `json:"ranges"`
	Regions      map[string][]int         `json:"regions"`
	Primary      string                   `json:"primary" env:"PRIMARY"`
	Secondary    string                   `json:"secondary" env:"SECONDARY"`
	Dynamic      DynamicConfig            `json:"dynamic" envPrefix:"DYNAMIC_"`
}

// DynamicConfig задаёт параметры цикла контроля нагрузки.
type DynamicConfig struct {
	RebalanceThreshold    float64  `json:"rebalance_threshold" env:"REBALANCE_THRESHOLD"`
	MinShardSize          int64    `json:"min_shard_size" env:"MIN_SHARD_SIZE"`
	MaxShardSize          int64    `json:"max_shard_size" env:"MAX_SHARD_SIZE"`
	MaxQueriesPerInterval int64    `json:"max_queries_per_interval" env:"MAX_QUERIES_PER_INTERVAL"`
	LoadThreshold         float64  `json:"load_threshold" env:"LOAD_THRESHOLD"`
	PollInterval          Duration `json:"poll_interval" env:"POLL_INTERVAL"`
	ScaleInterval         Duration `json:"scale_interval" env:"SCALE_INTERVAL"`
	MinShards             int      `json:"min_shards" env:"MIN_SHARDS"`
	MaxShards             int      `json:"max_shards" env:"MAX_SHARDS"`
}

// MonitoringConfig задаёт параметры конвейера метрик.
type MonitoringConfig struct {
	CollectionInterval Duration              `json:"collection_interval" env:"COLLECTION_INTERVAL"`
	Retention          Duration              `json:"retention" env:"RETENTION"`
	SlowQueryThreshold Duration              `json:"slow_query_threshold" env:"SLOW_QUERY_THRESHOLD"`
	SnapshotTTL        Duration              `json:"snapshot_ttl" env:"SNAPSHOT_TTL"`
	Thresholds         monitoring.Thresholds `json:"thresholds"`
}

// HealthConfig задаёт параметры монитора зависимостей.
type HealthConfig struct {
	Interval   Duration `json:"interval" env:"INTERVAL"`
	RetryCount int      `json:"retry_count" env:"RETRY_COUNT"`
	RetryDelay Duration `json:"retry_delay" env:"RETRY_DELAY"`
}

// CacheConfig задаёт подключение к кэшу и параметры наблюдателя.
// Пустой Addr отключает наблюдение за кэшем.
type CacheConfig struct {
	Addr       string   `json:"address" env:"ADDRESS"`
	Password   string   `json:"password" env:"PASSWORD"`
	DB         int      `json:"db" env:"DB"`
	Interval   Duration `json:"interval" env:"INTERVAL"`
	MaxHistory int      `json:"max_history" env:"MAX_HISTORY"`
}

// Default возвращает конфигурацию по умолчанию.
func Default() Config {
	pool := db.DefaultPoolOptions()
	dyn := sharding.DefaultDynamicConfig()
	mon := monitoring.DefaultConfig()

	return Config{
		Addr:     "localhost:8080",
		LogLevel: "info",
		Pool: PoolConfig{
			MaxOpenConns:    pool.MaxOpenConns,
			MaxIdleConns:    pool.MaxIdleConns,
			ConnMaxLifetime: Duration(pool.ConnMaxLifetime),
			ConnMaxIdleTime: Duration(pool.ConnMaxIdleTime),
		},
		Sharding: ShardingConfig{
			Strategy: string(sharding.StrategyModulo),
			Dynamic: DynamicConfig{
				RebalanceThreshold:    dyn.RebalanceThreshold,
				MinShardSize:          dyn.MinShardSize,
				MaxShardSize:          dyn.MaxShardSize,
				MaxQueriesPerInterval: dyn.MaxQueriesPerInterval,
				LoadThreshold:         dyn.LoadThreshold,
				PollInterval:          Duration(dyn.PollInterval),
				ScaleInterval:         Duration(dyn.ScaleInterval),
				MinShards:             dyn.MinShards,
				MaxShards:             dyn.MaxShards,
			},
		},
		Monitoring: MonitoringConfig{
			CollectionInterval: Duration(mon.CollectionInterval),
			Retention:          Duration(mon.Retention),
			SlowQueryThreshold: Duration(mon.SlowQueryThreshold),
			SnapshotTTL:        Duration(mon.SnapshotTTL),
			Thresholds:         mon.Thresholds,
		},
		Health: HealthConfig{
			Interval:   Duration(30 * time.Second),
			RetryCount: 3,
			RetryDelay: Duration(time.Minute),
		},
		Cache: CacheConfig{
			Interval:   Duration(mon.CacheInterval),
			MaxHistory: 100,
		},
	}
}

// Load собирает конфигурацию из значений по умолчанию, файла, флагов args и окружения.
//
// Поддерживаемые флаги:
//
//	-a: адрес статусного API
//	-d: строка подключения к основному хранилищу
//	-r: адрес кэша
//	-l: уровень логирования
//	-config: путь к JSON-файлу конфигурации
//
// Переменные окружения: ADDRESS, DATABASE_DSN, DEBUG, LOG_LEVEL, EVENTS_FILE, CONFIG,
// а также вложенные с префиксами POOL_, SHARDING_, MONITORING_, HEALTH_, CACHE_.
func Load(args []string) (Config, error) {
	cfg := Default()

	fs := flag.NewFlagSet("monitor", flag.ContinueOnError)
	addr := fs.String("a", cfg.Addr, "status API address")
	dsn := fs.String("d", "", "database DSN")
	redisAddr := fs.String("r", "", "cache address")
	level := fs.String("l", cfg.LogLevel, "log level")
	configPath := fs.String("config", "", "path to config file")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	path := *configPath
	if envPath := os.Getenv("CONFIG"); envPath != "" {
		path = envPath
	}
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
		cfg.ConfigFilePath = path
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "a":
			cfg.Addr = *addr
		case "d":
			cfg.DatabaseDSN = *dsn
		case "r":
			cfg.Cache.Addr = *redisAddr
		case "l":
			cfg.LogLevel = *level
		}
	})

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	if err := json.NewDecoder(f).Decode(cfg); err != nil {
		return fmt.Errorf("decode config file %s: %w", path, err)
	}
	return nil
}

// Validate проверяет конфигурацию до запуска компонентов.
func (c Config) Validate() error {
	var errs []error

	if c.Addr == "" {
		errs = append(errs, errors.New("address is required"))
	}
	if err := c.RouterConfig().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Monitoring.CollectionInterval <= 0 {
		errs = append(errs, errors.New("monitoring collection interval must be positive"))
	}
	if c.Monitoring.Retention <= 0 {
		errs = append(errs, errors.New("monitoring retention must be positive"))
	}
	if c.Health.Interval <= 0 {
		errs = append(errs, errors.New("health interval must be positive"))
	}
	if c.Health.RetryCount < 1 {
		errs = append(errs, errors.New("health retry count must be at least 1"))
	}
	if c.Cache.Addr != "" && c.Cache.Interval <= 0 {
		errs = append(errs, errors.New("cache interval must be positive"))
	}

	return errors.Join(errs...)
}

// RouterConfig возвращает конфигурацию маршрутизатора.
func (c Config) RouterConfig() sharding.Config {
	s := c.Sharding
	d := s.Dynamic
	return sharding.Config{
		Strategy:     sharding.Strategy(s.Strategy),
		Shards:       s.Shards,
		DefaultShard: s.DefaultShard,
		Ranges:       s.Ranges,
		Regions:      s.Regions,
		Primary:      sharding.Strategy(s.Primary),
		Secondary:    sharding.Strategy(s.Secondary),
		Dynamic: sharding.DynamicConfig{
			RebalanceThreshold:    d.RebalanceThreshold,
			MinShardSize:          d.MinShardSize,
			MaxShardSize:          d.MaxShardSize,
			MaxQueriesPerInterval: d.MaxQueriesPerInterval,
			LoadThreshold:         d.LoadThreshold,
			PollInterval:          d.PollInterval.D(),
			ScaleInterval:         d.ScaleInterval.D(),
			MinShards:             d.MinShards,
			MaxShards:             d.MaxShards,
		},
	}
}

// PoolOptions возвращает границы пулов соединений.
func (c Config) PoolOptions() db.PoolOptions {
	return db.PoolOptions{
		MaxOpenConns:    c.Pool.MaxOpenConns,
		MaxIdleConns:    c.Pool.MaxIdleConns,
		ConnMaxLifetime: c.Pool.ConnMaxLifetime.D(),
		ConnMaxIdleTime: c.Pool.ConnMaxIdleTime.D(),
	}
}

// PipelineConfig возвращает конфигурацию конвейера метрик.
func (c Config) PipelineConfig() monitoring.Config {
	return monitoring.Config{
		CollectionInterval: c.Monitoring.CollectionInterval.D(),
		CacheInterval:      c.Cache.Interval.D(),
		Retention:          c.Monitoring.Retention.D(),
		SlowQueryThreshold: c.Monitoring.SlowQueryThreshold.D(),
		SnapshotTTL:        c.Monitoring.SnapshotTTL.D(),
		Thresholds:         c.Monitoring.Thresholds,
		ThrottleIntervals:  monitoring.DefaultThrottleIntervals(),
	}
}

// MonitorConfig возвращает конфигурацию монитора зависимостей. Порог деградации
// хранилища считается от MaxOpenConns пула.
func (c Config) MonitorConfig() health.Config {
	return health.Config{
		Interval:       c.Health.Interval.D(),
		RetryCount:     c.Health.RetryCount,
		RetryDelay:     c.Health.RetryDelay.D(),
		MaxConnections: c.Pool.MaxOpenConns,
	}
}
