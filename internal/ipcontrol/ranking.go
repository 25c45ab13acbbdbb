package ipcontrol

import "sort"

// Rank orderings accepted by Ranking.
const (
	RankByToday = "today_requests"
	RankByTotal = "total_requests"
)

// RankedIP is one row of the usage ranking.
type RankedIP struct {
	IP               string         `json:"ip"`
	Location         string         `json:"location,omitempty"`
	Status           string         `json:"status"`
	TotalRequests    int            `json:"total_requests"`
	TodayRequests    int            `json:"today_requests"`
	FirstSeen        string         `json:"first_seen"`
	LastSeen         string         `json:"last_seen,omitempty"`
	BannedAt         string         `json:"banned_at,omitempty"`
	AutoUnbannedTime string         `json:"auto_unbanned_time,omitempty"`
	UserAgents       []string       `json:"user_agents,omitempty"`
	ModelsUsed       map[string]int `json:"models_used,omitempty"`
	Endpoints        map[string]int `json:"endpoints,omitempty"`
}

// RankingPage is one page of the ranking with pagination metadata.
type RankingPage struct {
	Items      []RankedIP `json:"items"`
	Page       int        `json:"page"`
	PageSize   int        `json:"page_size"`
	Total      int        `json:"total"`
	TotalPages int        `json:"total_pages"`
	HasNext    bool       `json:"has_next"`
	HasPrev    bool       `json:"has_prev"`
}

// Summary aggregates the whole IP map.
type Summary struct {
	TotalIPs      int `json:"total_ips"`
	ActiveIPs     int `json:"active_ips"`
	BannedIPs     int `json:"banned_ips"`
	RateLimited   int `json:"rate_limited_ips"`
	TotalRequests int `json:"total_requests"`
	TodayRequests int `json:"today_requests"`
}

// Stats returns the full record for one IP.
func (m *Manager) Stats(ip string) (RankedIP, bool) {
	var out RankedIP
	var found bool
	m.ips.View(func(records map[string]IPRecord) {
		rec, ok := records[ip]
		if !ok {
			return
		}
		out = toRanked(ip, rec)
		found = true
	})
	return out, found
}

// Summarize computes aggregate counters over all records.
func (m *Manager) Summarize() Summary {
	var s Summary
	m.ips.View(func(records map[string]IPRecord) {
		for _, rec := range records {
			s.TotalIPs++
			s.TotalRequests += rec.TotalRequests
			s.TodayRequests += rec.TodayRequests
			switch rec.Status {
			case StatusBanned:
				s.BannedIPs++
			case StatusRateLimited:
				s.RateLimited++
			default:
				s.ActiveIPs++
			}
		}
	})
	return s
}

// Ranking returns one page of IPs ordered by request volume, descending.
// rankBy selects today's or lifetime counters; anything else falls back to
// today. Pages are 1-based and clamped to the valid range.
func (m *Manager) Ranking(rankBy string, page, pageSize int, includeBanned bool) RankingPage {
	if rankBy != RankByTotal {
		rankBy = RankByToday
	}
	if pageSize <= 0 {
		pageSize = 20
	}

	var rows []RankedIP
	m.ips.View(func(records map[string]IPRecord) {
		rows = make([]RankedIP, 0, len(records))
		for ip, rec := range records {
			if !includeBanned && rec.Status == StatusBanned {
				continue
			}
			rows = append(rows, toRanked(ip, rec))
		}
	})

	sort.Slice(rows, func(i, j int) bool {
		if rankBy == RankByTotal {
			if rows[i].TotalRequests != rows[j].TotalRequests {
				return rows[i].TotalRequests > rows[j].TotalRequests
			}
		} else {
			if rows[i].TodayRequests != rows[j].TodayRequests {
				return rows[i].TodayRequests > rows[j].TodayRequests
			}
		}
		return rows[i].IP < rows[j].IP
	})

	total := len(rows)
	totalPages := (total + pageSize - 1) / pageSize
	if totalPages == 0 {
		totalPages = 1
	}
	if page < 1 {
		page = 1
	}
	if page > totalPages {
		page = totalPages
	}

	start := (page - 1) * pageSize
	end := start + pageSize
	if start > total {
		start = total
	}
	if end > total {
		end = total
	}

	return RankingPage{
		Items:      rows[start:end],
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
		HasPrev:    page > 1,
	}
}

func toRanked(ip string, rec IPRecord) RankedIP {
	return RankedIP{
		IP:               ip,
		Location:         rec.Location,
		Status:           rec.Status,
		TotalRequests:    rec.TotalRequests,
		TodayRequests:    rec.TodayRequests,
		FirstSeen:        rec.FirstSeen,
		LastSeen:         rec.LastSeen,
		BannedAt:         rec.BannedAt,
		AutoUnbannedTime: rec.AutoUnbannedTime,
		UserAgents:       rec.UserAgents,
		ModelsUsed:       rec.ModelsUsed,
		Endpoints:        rec.Endpoints,
	}
}
