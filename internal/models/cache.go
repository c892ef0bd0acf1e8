package models

import "time"

// CacheSnapshot содержит один срез состояния кэша.
type CacheSnapshot struct {
	Timestamp time.Time `json:"timestamp"`

	// Connected равен false, если кэш не ответил на ping.
	Connected bool `json:"connected"`

	UsedMemory  int64 `json:"used_memory"`
	TotalMemory int64 `json:"total_memory"`

	// Hits и Misses содержат накопительные счётчики попаданий и промахов.
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`

	// HitRate вычисляется как Hits/(Hits+Misses) и равен 0 при отсутствии операций.
	HitRate float64 `json:"hit_rate"`

	EvictedKeys    int64  `json:"evicted_keys"`
	EvictionPolicy string `json:"eviction_policy"`
}

// MemoryUsage возвращает долю занятой памяти или 0, если объём неизвестен.
func (s CacheSnapshot) MemoryUsage() float64 {
	if s.TotalMemory <= 0 {
		return 0
	}
	return float64(s.UsedMemory) / float64(s.TotalMemory)
}
