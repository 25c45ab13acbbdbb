// Package geoip resolves source IPs to a human-readable location string
// using a chain of free lookup providers. Resolution never fails the
// caller: loopback and private ranges short-circuit to a fixed label and
// any provider failure falls through to the next one.
package geoip

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// LocalLabel is returned for loopback and RFC1918 addresses.
	LocalLabel = "Local Network"
	// UnknownLabel is returned when every provider fails.
	UnknownLabel = "Unknown"

	providerTimeout  = 5 * time.Second
	maxBodyBytes     = 64 * 1024
	defaultCacheSize = 4096
)

type provider struct {
	name string
	url  func(ip string) string
	// parse extracts a location string from the provider payload.
	// Empty result means the provider had no answer for this IP.
	parse func(body []byte) string
}

// Resolver queries the provider chain in order; the first structured answer
// wins. Results are cached so each IP is resolved at most once.
type Resolver struct {
	client    *http.Client
	cache     *lru.Cache[string, string]
	providers []provider
	logger    *slog.Logger
}

func NewResolver(logger *slog.Logger) (*Resolver, error) {
	cache, err := lru.New[string, string](defaultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("geoip: failed to create cache: %w", err)
	}

	return &Resolver{
		client:    &http.Client{Timeout: providerTimeout},
		cache:     cache,
		providers: defaultProviders(),
		logger:    logger,
	}, nil
}

func defaultProviders() []provider {
	return []provider{
		{
			name: "ip-api.com",
			url: func(ip string) string {
				return "http://ip-api.com/json/" + ip + "?fields=status,country,regionName,city,isp"
			},
			parse: parseIPAPI,
		},
		{
			name: "ipwho.is",
			url: func(ip string) string {
				return "https://ipwho.is/" + ip
			},
			parse: parseIPWhois,
		},
		{
			name: "pconline",
			url: func(ip string) string {
				return "http://whois.pconline.com.cn/ipJson.jsp?ip=" + ip + "&json=true"
			},
			parse: parsePconline,
		},
	}
}

// Resolve returns a location label for ip. It never returns an error;
// total provider failure yields UnknownLabel.
func (r *Resolver) Resolve(ctx context.Context, ip string) string {
	if isLocalAddr(ip) {
		return LocalLabel
	}

	if cached, ok := r.cache.Get(ip); ok {
		return cached
	}

	for _, p := range r.providers {
		location, err := r.query(ctx, p, ip)
		if err != nil {
			r.logger.Debug("Location provider query failed", "provider", p.name, "ip", ip, "error", err)
			continue
		}
		if location != "" {
			r.cache.Add(ip, location)
			return location
		}
	}

	r.cache.Add(ip, UnknownLabel)
	return UnknownLabel
}

func (r *Resolver) query(ctx context.Context, p provider, ip string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, providerTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url(ip), nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			r.logger.Debug("Failed to close provider response body", "error", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("provider returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("failed to read body: %w", err)
	}

	return p.parse(body), nil
}

func parseIPAPI(body []byte) string {
	var data struct {
		Status     string `json:"status"`
		Country    string `json:"country"`
		RegionName string `json:"regionName"`
		City       string `json:"city"`
		ISP        string `json:"isp"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return ""
	}
	if data.Status != "success" {
		return ""
	}
	return joinLocation([]string{data.Country, data.RegionName, data.City}, data.ISP)
}

func parseIPWhois(body []byte) string {
	var data struct {
		Success    bool   `json:"success"`
		Country    string `json:"country"`
		Region     string `json:"region"`
		City       string `json:"city"`
		Connection struct {
			ISP string `json:"isp"`
		} `json:"connection"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return ""
	}
	if !data.Success {
		return ""
	}
	return joinLocation([]string{data.Country, data.Region, data.City}, data.Connection.ISP)
}

func parsePconline(body []byte) string {
	var data struct {
		Pro  string `json:"pro"`
		City string `json:"city"`
		Addr string `json:"addr"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return ""
	}
	parts := make([]string, 0, 3)
	for _, p := range []string{data.Pro, data.City, data.Addr} {
		if p != "" && p != "XX" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " ")
}

func joinLocation(parts []string, isp string) string {
	nonEmpty := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	location := strings.Join(nonEmpty, " ")
	if location == "" {
		return ""
	}
	if isp != "" {
		location += " (" + isp + ")"
	}
	return location
}

func isLocalAddr(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	return addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast()
}
