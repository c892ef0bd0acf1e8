package cache

import (
	"bufio"
	"strconv"
	"strings"
)

// Status содержит поля отчёта о состоянии кэша, нужные наблюдателю.
type Status struct {
	UsedMemory     int64
	MaxMemory      int64
	SystemMemory   int64
	Hits           int64
	Misses         int64
	EvictedKeys    int64
	EvictionPolicy string
}

// TotalMemory возвращает ограничение памяти кэша, а при его отсутствии объём памяти хоста.
func (s Status) TotalMemory() int64 {
	if s.MaxMemory > 0 {
		return s.MaxMemory
	}
	return s.SystemMemory
}

// ParseStatus разбирает текстовый отчёт формата INFO: строки "ключ:значение",
// секции "# Name" и пустые строки пропускаются, неизвестные ключи игнорируются.
func ParseStatus(report string) Status {
	var st Status

	scanner := bufio.NewScanner(strings.NewReader(report))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}

		switch key {
		case "used_memory":
			st.UsedMemory = parseInt(value)
		case "maxmemory":
			st.MaxMemory = parseInt(value)
		case "total_system_memory":
			st.SystemMemory = parseInt(value)
		case "keyspace_hits":
			st.Hits = parseInt(value)
		case "keyspace_misses":
			st.Misses = parseInt(value)
		case "evicted_keys":
			st.EvictedKeys = parseInt(value)
		case "maxmemory_policy":
			st.EvictionPolicy = value
		}
	}

	return st
}

func parseInt(s string) int64 {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// HitRate вычисляет hits/(hits+misses) и возвращает 0 при отсутствии операций.
func HitRate(hits, misses int64) float64 {
	total := hits + misses
	if total <= 0 {
		return 0
	}
	return float64(hits) / float64(total)
}
