package ipcontrol

import "github.com/gwpool/gemini-gateway/internal/clock"

// Retention tiers by lifetime request volume. Heavier users keep their
// records longer.
const (
	pruneLightDays  = 3 // under 50 total requests
	pruneMediumDays = 5 // 50 to 299
	pruneHeavyDays  = 7 // 300 and up

	pruneMediumFloor = 50
	pruneHeavyFloor  = 300
)

// AutoUnbanExpired lifts bans older than the 24-hour window. Returns the
// number of IPs unbanned.
func (m *Manager) AutoUnbanExpired() int {
	nowT := m.now()
	unbanned := 0

	m.ips.Mutate(func(records map[string]IPRecord) bool {
		for ip, rec := range records {
			if rec.Status != StatusBanned || rec.BannedTime == 0 {
				continue
			}
			if nowT.Unix()-rec.BannedTime < banDurationSeconds {
				continue
			}
			rec.Status = StatusActive
			rec.AutoUnbannedTime = clock.Format(nowT)
			records[ip] = rec
			unbanned++
			m.logger.Info("Auto-unbanned IP after 24 hours", "ip", ip)
		}
		return unbanned > 0
	})

	return unbanned
}

// PruneInactive drops records whose last request is older than their
// retention tier. Banned IPs are never pruned regardless of age, and
// records that have never carried a request are left alone.
func (m *Manager) PruneInactive() int {
	nowUnix := m.now().Unix()
	pruned := 0

	m.ips.Mutate(func(records map[string]IPRecord) bool {
		for ip, rec := range records {
			if rec.Status == StatusBanned || rec.LastRequestTime == 0 {
				continue
			}

			days := pruneLightDays
			switch {
			case rec.TotalRequests >= pruneHeavyFloor:
				days = pruneHeavyDays
			case rec.TotalRequests >= pruneMediumFloor:
				days = pruneMediumDays
			}

			if nowUnix-rec.LastRequestTime >= int64(days)*86400 {
				delete(records, ip)
				pruned++
				m.logger.Debug("Pruned inactive IP record", "ip", ip, "total_requests", rec.TotalRequests, "retention_days", days)
			}
		}
		return pruned > 0
	})

	if pruned > 0 {
		m.logger.Info("Pruned inactive IP records", "count", pruned)
	}
	return pruned
}
