package ipcontrol

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedRankingData(t *testing.T, m *Manager) {
	t.Helper()
	for i := 1; i <= 5; i++ {
		ip := fmt.Sprintf("10.0.0.%d", i)
		for j := 0; j < i; j++ {
			require.True(t, m.Record(context.Background(), ip, "generateContent", "", ""))
		}
	}
}

func TestRanking_OrderAndPagination(t *testing.T) {
	m, _, _ := newTestManager(t)
	seedRankingData(t, m)

	page := m.Ranking(RankByToday, 1, 2, false)
	assert.Equal(t, 5, page.Total)
	assert.Equal(t, 3, page.TotalPages)
	assert.True(t, page.HasNext)
	assert.False(t, page.HasPrev)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "10.0.0.5", page.Items[0].IP)
	assert.Equal(t, "10.0.0.4", page.Items[1].IP)

	last := m.Ranking(RankByToday, 3, 2, false)
	assert.False(t, last.HasNext)
	assert.True(t, last.HasPrev)
	require.Len(t, last.Items, 1)
	assert.Equal(t, "10.0.0.1", last.Items[0].IP)
}

func TestRanking_PageClamping(t *testing.T) {
	m, _, _ := newTestManager(t)
	seedRankingData(t, m)

	page := m.Ranking(RankByTotal, 99, 2, false)
	assert.Equal(t, 3, page.Page, "out-of-range page clamps to last")
	require.Len(t, page.Items, 1)

	page = m.Ranking(RankByTotal, 0, 2, false)
	assert.Equal(t, 1, page.Page, "page below 1 clamps to first")
}

func TestRanking_ExcludesBannedByDefault(t *testing.T) {
	m, _, _ := newTestManager(t)
	seedRankingData(t, m)
	seedHeavyIP(t, m, "10.0.0.6", 100)
	require.NoError(t, m.SetStatus(context.Background(), "10.0.0.6", StatusBanned, 0, "192.168.0.1"))

	page := m.Ranking(RankByToday, 1, 10, false)
	assert.Equal(t, 5, page.Total)

	withBanned := m.Ranking(RankByToday, 1, 10, true)
	assert.Equal(t, 6, withBanned.Total)
	assert.Equal(t, "10.0.0.6", withBanned.Items[0].IP)
}

func TestRanking_EmptyStore(t *testing.T) {
	m, _, _ := newTestManager(t)

	page := m.Ranking(RankByToday, 1, 20, false)
	assert.Equal(t, 0, page.Total)
	assert.Equal(t, 1, page.TotalPages)
	assert.Empty(t, page.Items)
}

func TestSummarize(t *testing.T) {
	m, _, _ := newTestManager(t)
	seedRankingData(t, m)
	seedHeavyIP(t, m, "10.0.0.6", 100)
	require.NoError(t, m.SetStatus(context.Background(), "10.0.0.6", StatusBanned, 0, "192.168.0.1"))
	require.NoError(t, m.SetStatus(context.Background(), "10.0.0.1", StatusRateLimited, 60, "192.168.0.1"))

	s := m.Summarize()
	assert.Equal(t, 6, s.TotalIPs)
	assert.Equal(t, 4, s.ActiveIPs)
	assert.Equal(t, 1, s.BannedIPs)
	assert.Equal(t, 1, s.RateLimited)
	assert.Equal(t, 115, s.TotalRequests)
	assert.Equal(t, 115, s.TodayRequests)
}
