package geoip

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwpool/gemini-gateway/internal/testhelpers"
)

func newTestResolver(t *testing.T, handlers ...http.HandlerFunc) (*Resolver, []*int) {
	t.Helper()
	r, err := NewResolver(testhelpers.NewTestLogger())
	require.NoError(t, err)

	parsers := []func([]byte) string{parseIPAPI, parseIPWhois, parsePconline}
	var providers []provider
	var hits []*int
	for i, handler := range handlers {
		count := new(int)
		hits = append(hits, count)
		h := handler
		c := count
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			*c++
			h(w, req)
		}))
		t.Cleanup(server.Close)
		providers = append(providers, provider{
			name:  server.URL,
			url:   func(ip string) string { return server.URL + "/" + ip },
			parse: parsers[i%len(parsers)],
		})
	}
	r.providers = providers
	return r, hits
}

func TestResolve_LocalAddresses(t *testing.T) {
	r, err := NewResolver(testhelpers.NewTestLogger())
	require.NoError(t, err)

	for _, ip := range []string{"127.0.0.1", "::1", "192.168.1.10", "10.0.0.5", "169.254.1.1"} {
		assert.Equal(t, LocalLabel, r.Resolve(context.Background(), ip), ip)
	}
}

func TestResolve_FirstProviderWins(t *testing.T) {
	r, hits := newTestResolver(t,
		func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"status":"success","country":"Germany","regionName":"Bavaria","city":"Munich","isp":"TestNet"}`))
		},
		func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"success":true,"country":"Wrong"}`))
		},
	)

	got := r.Resolve(context.Background(), "203.0.113.7")
	assert.Equal(t, "Germany Bavaria Munich (TestNet)", got)
	assert.Equal(t, 1, *hits[0])
	assert.Equal(t, 0, *hits[1], "later providers untouched")
}

func TestResolve_FallsThroughOnFailure(t *testing.T) {
	r, hits := newTestResolver(t,
		func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		},
		func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"success":true,"country":"France","region":"IDF","city":"Paris","connection":{"isp":"Orange"}}`))
		},
	)

	got := r.Resolve(context.Background(), "203.0.113.8")
	assert.Equal(t, "France IDF Paris (Orange)", got)
	assert.Equal(t, 1, *hits[0])
	assert.Equal(t, 1, *hits[1])
}

func TestResolve_AllProvidersFail(t *testing.T) {
	r, _ := newTestResolver(t,
		func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		},
		func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"success":false}`))
		},
	)

	assert.Equal(t, UnknownLabel, r.Resolve(context.Background(), "203.0.113.9"))
}

func TestResolve_CachesResult(t *testing.T) {
	r, hits := newTestResolver(t,
		func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"status":"success","country":"Japan","regionName":"Tokyo","city":"Tokyo","isp":"NTT"}`))
		},
	)

	first := r.Resolve(context.Background(), "203.0.113.10")
	second := r.Resolve(context.Background(), "203.0.113.10")
	assert.Equal(t, first, second)
	assert.Equal(t, 1, *hits[0], "second lookup served from cache")
}

func TestParsePconline_FiltersPlaceholders(t *testing.T) {
	got := parsePconline([]byte(`{"pro":"XX","city":"Hangzhou","addr":"Zhejiang Telecom"}`))
	assert.Equal(t, "Hangzhou Zhejiang Telecom", got)
}

func TestJoinLocation(t *testing.T) {
	assert.Equal(t, "A B (isp)", joinLocation([]string{"A", "", "B"}, "isp"))
	assert.Equal(t, "A", joinLocation([]string{"A"}, ""))
	assert.Equal(t, "", joinLocation([]string{"", ""}, "isp"))
}
