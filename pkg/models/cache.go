package models

// CacheStats reports snapshot cache counters since process start.
// Expired counts rows past their TTL that have not been swept yet.
type CacheStats struct {
	Entries int64 `json:"entries"`
	Expired int64 `json:"expired"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

// HitRate returns hits as a percentage of lookups, or 0 before any lookup.
func (s CacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total) * 100
}
