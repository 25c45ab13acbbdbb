// Package ipcontrol gates ingress by source IP, keeps per-IP usage
// counters, enforces ban policy with an operator throttle, and prunes stale
// records on a tiered schedule.
package ipcontrol

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/gwpool/gemini-gateway/internal/clock"
	"github.com/gwpool/gemini-gateway/internal/store"
)

const (
	StatusActive      = "active"
	StatusBanned      = "banned"
	StatusRateLimited = "rate_limited"

	// Bans lift automatically after 24 hours.
	banDurationSeconds = 86400
	// Rate limit window applied when a rate_limited record carries none.
	defaultRateLimitSeconds = 60
	// Recent distinct user agents kept per record.
	maxUserAgents = 10

	ipStatsFile       = "ip_stats.toml"
	banOperationsFile = "ban_operations.toml"
)

// IPRecord is the persisted per-IP state. Wall-clock strings are in the
// canonical zone; comparisons use the epoch-second fields.
type IPRecord struct {
	FirstSeen        string         `toml:"first_seen"`
	LastSeen         string         `toml:"last_seen,omitempty"`
	LastRequestTime  int64          `toml:"last_request_time,omitempty"`
	TotalRequests    int            `toml:"total_requests"`
	TodayRequests    int            `toml:"today_requests"`
	TodayDate        string         `toml:"today_date,omitempty"`
	Status           string         `toml:"status"`
	RateLimitSeconds int            `toml:"rate_limit_seconds,omitempty"`
	BannedTime       int64          `toml:"banned_time,omitempty"`
	BannedAt         string         `toml:"banned_at,omitempty"`
	AutoUnbannedTime string         `toml:"auto_unbanned_time,omitempty"`
	Location         string         `toml:"location,omitempty"`
	UserAgents       []string       `toml:"user_agents,omitempty"`
	ModelsUsed       map[string]int `toml:"models_used,omitempty"`
	Endpoints        map[string]int `toml:"endpoints,omitempty"`
}

// LocationResolver resolves an IP to a display location. Implementations
// must not fail; unknown IPs get a fixed label.
type LocationResolver interface {
	Resolve(ctx context.Context, ip string) string
}

// Manager owns the IP map and the ban-operation record. The two stores have
// independent locks which are never held together.
type Manager struct {
	ips      *store.Store[IPRecord]
	banOps   *store.Store[[]float64]
	resolver LocationResolver
	logger   *slog.Logger

	now func() time.Time
}

func NewManager(dir string, resolver LocationResolver, logger *slog.Logger) (*Manager, error) {
	m := &Manager{
		ips:      store.New[IPRecord](filepath.Join(dir, ipStatsFile), "ips", logger),
		banOps:   store.New[[]float64](filepath.Join(dir, banOperationsFile), "operators", logger),
		resolver: resolver,
		logger:   logger,
		now:      clock.Now,
	}

	if err := m.ips.Load(); err != nil {
		return nil, err
	}
	if err := m.banOps.Load(); err != nil {
		return nil, err
	}

	logger.Info("IP manager initialized", "known_ips", m.ips.Len())
	return m, nil
}

// Start launches the background tasks: periodic flush of both stores and
// the unban+prune maintenance sweep. They stop when ctx is cancelled.
func (m *Manager) Start(ctx context.Context, flushInterval, maintenanceInterval time.Duration) {
	m.ips.StartFlusher(ctx, flushInterval)
	m.banOps.StartFlusher(ctx, flushInterval)

	go func() {
		ticker := time.NewTicker(maintenanceInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.AutoUnbanExpired()
				m.PruneInactive()
			}
		}
	}()
}

// Check reports whether requests from ip are admitted. It is side-effect
// free except that an expired ban is lifted opportunistically, so the first
// request after the window is not lost to sweep latency.
func (m *Manager) Check(ip string) bool {
	allowed := true
	nowT := m.now()

	m.ips.Mutate(func(records map[string]IPRecord) bool {
		rec, ok := records[ip]
		if !ok {
			return false
		}

		if rec.Status == StatusBanned {
			if rec.BannedTime > 0 && nowT.Unix()-rec.BannedTime >= banDurationSeconds {
				rec.Status = StatusActive
				rec.AutoUnbannedTime = clock.Format(nowT)
				records[ip] = rec
				m.logger.Info("Auto-unbanned IP after 24 hours", "ip", ip)
				return true
			}
			m.logger.Warn("Blocked request from banned IP", "ip", ip)
			allowed = false
			return false
		}

		if rec.Status == StatusRateLimited {
			limit := rec.RateLimitSeconds
			if limit == 0 {
				limit = defaultRateLimitSeconds
			}
			if nowT.Unix()-rec.LastRequestTime < int64(limit) {
				m.logger.Warn("Rate limited IP", "ip", ip)
				allowed = false
			}
		}
		return false
	})

	return allowed
}

// Record runs admission for ip and, when admitted, updates its counters.
// First contact creates the record with a resolved location. Daily counters
// roll over when the stored day stamp differs from today in the canonical
// zone. Returns false when the request was refused.
func (m *Manager) Record(ctx context.Context, ip, endpoint, userAgent, model string) bool {
	if !m.Check(ip) {
		return false
	}

	// Resolve location before taking the store lock; the resolver does
	// network I/O.
	var exists bool
	m.ips.View(func(records map[string]IPRecord) {
		_, exists = records[ip]
	})
	location := ""
	if !exists {
		location = m.resolver.Resolve(ctx, ip)
	}

	nowT := m.now()
	today := clock.DateOf(nowT)

	m.ips.Update(func(records map[string]IPRecord) {
		rec, ok := records[ip]
		if !ok {
			rec = IPRecord{
				FirstSeen: clock.Format(nowT),
				TodayDate: today,
				Status:    StatusActive,
				Location:  location,
			}
		}

		if rec.TodayDate != today {
			rec.TodayRequests = 0
			rec.TodayDate = today
			rec.ModelsUsed = nil
			m.logger.Debug("Reset daily stats", "ip", ip, "date", today)
		}

		rec.TotalRequests++
		rec.TodayRequests++
		rec.LastRequestTime = nowT.Unix()
		rec.LastSeen = clock.Format(nowT)

		if userAgent != "" {
			rec.UserAgents = appendUserAgent(rec.UserAgents, userAgent)
		}
		if model != "" {
			if rec.ModelsUsed == nil {
				rec.ModelsUsed = make(map[string]int)
			}
			rec.ModelsUsed[model]++
		}
		if rec.Endpoints == nil {
			rec.Endpoints = make(map[string]int)
		}
		rec.Endpoints[endpoint]++

		records[ip] = rec
	})

	return true
}

// appendUserAgent keeps a bounded MRU of distinct user agents.
func appendUserAgent(agents []string, ua string) []string {
	for _, existing := range agents {
		if existing == ua {
			return agents
		}
	}
	agents = append(agents, ua)
	if len(agents) > maxUserAgents {
		agents = agents[len(agents)-maxUserAgents:]
	}
	return agents
}

// Flush forces both stores to disk. Used at shutdown and in tests.
func (m *Manager) Flush() error {
	if err := m.ips.Flush(); err != nil {
		return err
	}
	return m.banOps.Flush()
}
