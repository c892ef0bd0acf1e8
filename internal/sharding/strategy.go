package sharding

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/levinOo/go-shard-monitor/internal/models"
)

// Strategy определяет способ выбора шарда по ключу маршрутизации.
type Strategy string

const (
	StrategyModulo     Strategy = "modulo"
	StrategyRange      Strategy = "range"
	StrategyGeographic Strategy = "geographic"
	StrategyComposite  Strategy = "composite"
	// StrategyDynamic разрешает ключи так же, как StrategyModulo. Отличие только в том,
	// что для неё запускается цикл контроля нагрузки.
	StrategyDynamic Strategy = "dynamic"
)

var (
	ErrInvalidConfig  = errors.New("invalid sharding config")
	ErrRegionRequired = errors.New("region is required for geographic routing")
)

// Key содержит ключ маршрутизации.
type Key struct {
	ID     int64
	Region string
}

// IntKey создаёт ключ без региона.
func IntKey(id int64) Key {
	return Key{ID: id}
}

// RangeRule сопоставляет диапазон ключей шарду.
type RangeRule struct {
	Range   models.KeyRange `json:"range"`
	ShardID int             `json:"shard_id"`
}

// DynamicConfig содержит параметры цикла контроля нагрузки.
type DynamicConfig struct {
	// RebalanceThreshold задаёт допустимое относительное отклонение нагрузки шарда от средней.
	RebalanceThreshold float64

	MinShardSize int64
	MaxShardSize int64

	// MaxQueriesPerInterval задаёт ёмкость шарда по запросам за один интервал опроса.
	MaxQueriesPerInterval int64

	// LoadThreshold задаёт среднюю нагрузку, выше которой рекомендуется добавить шард.
	// Ниже половины порога рекомендуется убрать шард.
	LoadThreshold float64

	PollInterval  time.Duration
	ScaleInterval time.Duration

	MinShards int
	MaxShards int
}

// DefaultDynamicConfig возвращает параметры цикла контроля по умолчанию.
func DefaultDynamicConfig() DynamicConfig {
	return DynamicConfig{
		RebalanceThreshold:    0.2,
		MinShardSize:          1_000,
		MaxShardSize:          10_000_000,
		MaxQueriesPerInterval: 100_000,
		LoadThreshold:         0.8,
		PollInterval:          time.Minute,
		ScaleInterval:         5 * time.Minute,
		MinShards:             1,
		MaxShards:             64,
	}
}

// Config содержит конфигурацию маршрутизации. Задаётся один раз при инициализации.
type Config struct {
	Strategy     Strategy
	Shards       []models.ShardDescriptor
	DefaultShard int

	// Ranges задаёт таблицу диапазонов для стратегии range. Если не задана,
	// используется поле Range дескрипторов шардов.
	Ranges []RangeRule

	// Regions сопоставляет региону набор шардов для стратегии geographic.
	// Если не задан, строится по полю Region дескрипторов.
	Regions map[string][]int

	// Primary и Secondary задают составляющие стратегии composite.
	Primary   Strategy
	Secondary Strategy

	Dynamic DynamicConfig
}

// Validate проверяет наличие параметров, необходимых выбранной стратегии.
func (c Config) Validate() error {
	if len(c.Shards) == 0 {
		return fmt.Errorf("%w: no shards configured", ErrInvalidConfig)
	}

	seen := make(map[int]bool, len(c.Shards))
	for _, s := range c.Shards {
		if seen[s.ID] {
			return fmt.Errorf("%w: duplicate shard id %d", ErrInvalidConfig, s.ID)
		}
		seen[s.ID] = true
	}

	switch c.Strategy {
	case StrategyModulo:
		if err := c.checkDenseIDs(); err != nil {
			return err
		}
	case StrategyDynamic:
		if err := c.checkDenseIDs(); err != nil {
			return err
		}
		d := c.Dynamic
		if d.PollInterval <= 0 || d.ScaleInterval <= 0 {
			return fmt.Errorf("%w: dynamic strategy requires poll and scale intervals", ErrInvalidConfig)
		}
		if d.MaxShardSize <= 0 || d.MaxQueriesPerInterval <= 0 {
			return fmt.Errorf("%w: dynamic strategy requires shard capacity limits", ErrInvalidConfig)
		}
		if d.MinShards > d.MaxShards {
			return fmt.Errorf("%w: min shards %d exceeds max shards %d", ErrInvalidConfig, d.MinShards, d.MaxShards)
		}
	case StrategyRange:
		rules := c.rangeTable()
		if len(rules) == 0 {
			return fmt.Errorf("%w: range strategy requires a range table", ErrInvalidConfig)
		}
		for _, rule := range rules {
			if !seen[rule.ShardID] {
				return fmt.Errorf("%w: range [%d, %d) targets unknown shard %d",
					ErrInvalidConfig, rule.Range.Start, rule.Range.End, rule.ShardID)
			}
		}
		if err := c.checkDefaultShard(seen); err != nil {
			return err
		}
	case StrategyGeographic:
		regions := c.regionTable()
		if len(regions) == 0 {
			return fmt.Errorf("%w: geographic strategy requires a region map", ErrInvalidConfig)
		}
		for _, region := range slices.Sorted(maps.Keys(regions)) {
			for _, id := range regions[region] {
				if !seen[id] {
					return fmt.Errorf("%w: region %q targets unknown shard %d", ErrInvalidConfig, region, id)
				}
			}
		}
		if err := c.checkDefaultShard(seen); err != nil {
			return err
		}
	case StrategyComposite:
		// итог берётся по модулю числа шардов независимо от составляющих
		if err := c.checkDenseIDs(); err != nil {
			return err
		}
		for _, sub := range []Strategy{c.primary(), c.secondary()} {
			if sub == StrategyComposite {
				return fmt.Errorf("%w: composite strategy cannot nest itself", ErrInvalidConfig)
			}
			sc := c
			sc.Strategy = sub
			if err := sc.Validate(); err != nil {
				return fmt.Errorf("composite component %q: %w", sub, err)
			}
		}
	default:
		return fmt.Errorf("%w: unknown strategy %q", ErrInvalidConfig, c.Strategy)
	}

	return nil
}

// checkDenseIDs требует идентификаторы 0..N-1: стратегии по модулю возвращают
// номер шарда, а не его идентификатор.
func (c Config) checkDenseIDs() error {
	n := len(c.Shards)
	for _, s := range c.Shards {
		if s.ID < 0 || s.ID >= n {
			return fmt.Errorf("%w: %s strategy requires shard ids 0..%d, got %d",
				ErrInvalidConfig, c.Strategy, n-1, s.ID)
		}
	}
	return nil
}

func (c Config) checkDefaultShard(seen map[int]bool) error {
	if !seen[c.DefaultShard] {
		return fmt.Errorf("%w: default shard %d is not registered", ErrInvalidConfig, c.DefaultShard)
	}
	return nil
}

// Resolve возвращает идентификатор шарда для ключа. Результат детерминирован
// для фиксированных ключа, стратегии и конфигурации.
func (c Config) Resolve(key Key) (int, error) {
	return c.resolveWith(c.Strategy, key)
}

func (c Config) resolveWith(strategy Strategy, key Key) (int, error) {
	switch strategy {
	case StrategyModulo, StrategyDynamic:
		return modulo(key.ID, len(c.Shards)), nil

	case StrategyRange:
		for _, rule := range c.rangeTable() {
			if rule.Range.Contains(key.ID) {
				return rule.ShardID, nil
			}
		}
		return c.DefaultShard, nil

	case StrategyGeographic:
		if key.Region == "" {
			return 0, ErrRegionRequired
		}
		if ids := c.regionTable()[key.Region]; len(ids) > 0 {
			return ids[0], nil
		}
		return c.DefaultShard, nil

	case StrategyComposite:
		// Обе составляющие вычисляются от одного и того же ключа.
		a, err := c.resolveWith(c.primary(), key)
		if err != nil {
			return 0, err
		}
		b, err := c.resolveWith(c.secondary(), key)
		if err != nil {
			return 0, err
		}
		return modulo(int64(a+b), len(c.Shards)), nil
	}

	return 0, fmt.Errorf("%w: unknown strategy %q", ErrInvalidConfig, strategy)
}

func (c Config) rangeTable() []RangeRule {
	if len(c.Ranges) > 0 {
		return c.Ranges
	}
	var rules []RangeRule
	for _, s := range c.Shards {
		if s.Range != nil {
			rules = append(rules, RangeRule{Range: *s.Range, ShardID: s.ID})
		}
	}
	return rules
}

func (c Config) regionTable() map[string][]int {
	if len(c.Regions) > 0 {
		return c.Regions
	}
	regions := make(map[string][]int)
	for _, s := range c.Shards {
		if s.Region != "" {
			regions[s.Region] = append(regions[s.Region], s.ID)
		}
	}
	return regions
}

func (c Config) primary() Strategy {
	if c.Primary == "" {
		return StrategyModulo
	}
	return c.Primary
}

func (c Config) secondary() Strategy {
	if c.Secondary == "" {
		return StrategyModulo
	}
	return c.Secondary
}

func modulo(key int64, n int) int {
	if n <= 0 {
		return 0
	}
	m := key % int64(n)
	if m < 0 {
		m += int64(n)
	}
	return int(m)
}
