package ipcontrol

import (
	"context"
	"errors"
	"fmt"

	"github.com/gwpool/gemini-gateway/internal/clock"
)

// Window over which ban operations per operator are counted.
const (
	banOpWindowSeconds = 3600
	maxBansPerWindow   = 3

	// IPs below this many requests today cannot be banned.
	banRequestFloor = 80
)

var ErrInvalidStatus = errors.New("invalid status")

// BanRejectedError is returned when the target IP has too little traffic
// today to justify a ban.
type BanRejectedError struct {
	IP            string
	TodayRequests int
}

func (e *BanRejectedError) Error() string {
	return fmt.Sprintf("cannot ban %s: only %d requests today, minimum is %d", e.IP, e.TodayRequests, banRequestFloor)
}

// BanThrottledError is returned when the operator exhausted its ban
// allowance for the current hour.
type BanThrottledError struct {
	OperatorIP       string
	RemainingMinutes int
}

func (e *BanThrottledError) Error() string {
	return fmt.Sprintf("operator %s exceeded %d bans per hour, retry in %d minutes", e.OperatorIP, maxBansPerWindow, e.RemainingMinutes)
}

// SetStatus transitions ip to the given status. Banning is guarded twice:
// the target must have at least banRequestFloor requests today, and the
// operator gets at most maxBansPerWindow bans per rolling hour. A missing
// target record is created on the spot so operators can pre-limit an IP.
func (m *Manager) SetStatus(ctx context.Context, ip, status string, rateLimitSeconds int, operatorIP string) error {
	switch status {
	case StatusActive, StatusBanned, StatusRateLimited:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	if status == StatusBanned {
		var today int
		var exists bool
		m.ips.View(func(records map[string]IPRecord) {
			rec, ok := records[ip]
			exists = ok
			today = rec.TodayRequests
		})
		// An unseen IP has no traffic to protect; only refuse when the
		// record exists and shows light usage.
		if exists && today < banRequestFloor {
			return &BanRejectedError{IP: ip, TodayRequests: today}
		}
		if err := m.checkBanAllowance(operatorIP); err != nil {
			return err
		}
	}

	var location string
	var exists bool
	m.ips.View(func(records map[string]IPRecord) {
		_, exists = records[ip]
	})
	if !exists {
		location = m.resolver.Resolve(ctx, ip)
	}

	nowT := m.now()

	m.ips.Update(func(records map[string]IPRecord) {
		rec, ok := records[ip]
		if !ok {
			rec = IPRecord{
				FirstSeen: clock.Format(nowT),
				TodayDate: clock.DateOf(nowT),
				Location:  location,
			}
		}

		rec.Status = status
		switch status {
		case StatusBanned:
			rec.BannedTime = nowT.Unix()
			rec.BannedAt = clock.Format(nowT)
		case StatusRateLimited:
			if rateLimitSeconds <= 0 {
				rateLimitSeconds = defaultRateLimitSeconds
			}
			rec.RateLimitSeconds = rateLimitSeconds
		case StatusActive:
			rec.BannedTime = 0
			rec.RateLimitSeconds = 0
		}
		records[ip] = rec
	})

	m.logger.Info("IP status changed", "ip", ip, "status", status, "operator", operatorIP)

	if status == StatusBanned {
		m.recordBanOperation(operatorIP, nowT.Unix())
		// Ban operations persist immediately; losing one to a crash
		// would let the throttle be gamed by restarts.
		if err := m.banOps.Flush(); err != nil {
			m.logger.Error("Failed to persist ban operations", "error", err)
		}
	}
	return nil
}

// checkBanAllowance compacts the operator's window and refuses when it is
// full. Compaction alone does not dirty the store, so repeated checks on a
// flushed store leave it clean.
func (m *Manager) checkBanAllowance(operatorIP string) error {
	nowUnix := m.now().Unix()
	var throttled *BanThrottledError

	m.banOps.Mutate(func(ops map[string][]float64) bool {
		stamps := ops[operatorIP]
		recent := stamps[:0:0]
		for _, ts := range stamps {
			if float64(nowUnix)-ts < banOpWindowSeconds {
				recent = append(recent, ts)
			}
		}
		changed := len(recent) != len(stamps)
		if changed {
			if len(recent) == 0 {
				delete(ops, operatorIP)
			} else {
				ops[operatorIP] = recent
			}
		}

		if len(recent) >= maxBansPerWindow {
			oldest := recent[0]
			for _, ts := range recent[1:] {
				if ts < oldest {
					oldest = ts
				}
			}
			remaining := int((oldest + banOpWindowSeconds - float64(nowUnix)) / 60)
			if remaining < 1 {
				remaining = 1
			}
			throttled = &BanThrottledError{OperatorIP: operatorIP, RemainingMinutes: remaining}
		}
		return changed
	})

	if throttled != nil {
		m.logger.Warn("Ban throttled", "operator", operatorIP, "retry_minutes", throttled.RemainingMinutes)
		return throttled
	}
	return nil
}

func (m *Manager) recordBanOperation(operatorIP string, nowUnix int64) {
	m.banOps.Update(func(ops map[string][]float64) {
		ops[operatorIP] = append(ops[operatorIP], float64(nowUnix))
	})
}
