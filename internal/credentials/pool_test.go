package credentials

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwpool/gemini-gateway/internal/store"
	"github.com/gwpool/gemini-gateway/internal/testhelpers"
)

type fakeRefresher struct {
	token string
	err   error
	calls int
}

func (f *fakeRefresher) Refresh(_ context.Context, _ Credential) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.token, nil
}

func newTestPool(t *testing.T, refresher TokenRefresher, creds map[string]Credential) *Pool {
	t.Helper()
	st := store.New[Credential](filepath.Join(t.TempDir(), "credentials.toml"), "credentials", testhelpers.NewTestLogger())
	require.NoError(t, st.Load())
	st.Update(func(m map[string]Credential) {
		for id, c := range creds {
			m[id] = c
		}
	})

	pool, err := NewPool(st, refresher, testhelpers.NewTestLogger())
	require.NoError(t, err)
	return pool
}

func threeCreds() map[string]Credential {
	return map[string]Credential{
		"cred-a": {AccessToken: "tok-a", ProjectID: "proj-a"},
		"cred-b": {AccessToken: "tok-b", ProjectID: "proj-b"},
		"cred-c": {AccessToken: "tok-c", ProjectID: "proj-c"},
	}
}

func TestNewPool_Empty(t *testing.T) {
	st := store.New[Credential](filepath.Join(t.TempDir(), "credentials.toml"), "credentials", testhelpers.NewTestLogger())
	require.NoError(t, st.Load())

	_, err := NewPool(st, nil, testhelpers.NewTestLogger())
	assert.ErrorIs(t, err, ErrNoCredentialsAvailable)
}

func TestBorrow_StaysUntilRotate(t *testing.T) {
	pool := newTestPool(t, nil, threeCreds())

	lease, ok := pool.Borrow()
	require.True(t, ok)
	assert.Equal(t, "cred-a", lease.ID)
	assert.Equal(t, "tok-a", lease.Token)
	assert.Equal(t, "proj-a", lease.Project)

	// Without rotation the same credential is served again.
	again, ok := pool.Borrow()
	require.True(t, ok)
	assert.Equal(t, "cred-a", again.ID)
}

func TestRotate_AdvancesInOrder(t *testing.T) {
	pool := newTestPool(t, nil, threeCreds())

	var seen []string
	for i := 0; i < 4; i++ {
		lease, ok := pool.Borrow()
		require.True(t, ok)
		seen = append(seen, lease.ID)
		pool.Rotate()
	}
	assert.Equal(t, []string{"cred-a", "cred-b", "cred-c", "cred-a"}, seen)
}

func TestBorrow_SkipsDisabled(t *testing.T) {
	pool := newTestPool(t, nil, threeCreds())

	pool.Disable("cred-a")
	lease, ok := pool.Borrow()
	require.True(t, ok)
	assert.Equal(t, "cred-b", lease.ID)

	pool.Disable("cred-b")
	pool.Disable("cred-c")
	_, ok = pool.Borrow()
	assert.False(t, ok)
	assert.Equal(t, 0, pool.ActiveCount())
}

func TestEnable_RestoresCredential(t *testing.T) {
	pool := newTestPool(t, nil, threeCreds())

	pool.Disable("cred-a")
	pool.Enable("cred-a")
	lease, ok := pool.Borrow()
	require.True(t, ok)
	assert.Equal(t, "cred-a", lease.ID)
	assert.Equal(t, 3, pool.ActiveCount())
}

func TestRecord_Counters(t *testing.T) {
	pool := newTestPool(t, nil, threeCreds())

	pool.Record("cred-a", true, 200)
	pool.Record("cred-a", true, 200)
	pool.Record("cred-a", false, 429)
	pool.Record("cred-a", false, 429)
	pool.Record("cred-a", false, 500)

	cred, ok := pool.Get("cred-a")
	require.True(t, ok)
	assert.Equal(t, 2, cred.SuccessCount)
	assert.NotEmpty(t, cred.LastSuccess)
	assert.Equal(t, 2, cred.ErrorCodes["429"])
	assert.Equal(t, 1, cred.ErrorCodes["500"])
}

func TestRefresh_UpdatesToken(t *testing.T) {
	refresher := &fakeRefresher{token: "tok-new"}
	creds := threeCreds()
	c := creds["cred-a"]
	c.RefreshToken = "refresh-a"
	creds["cred-a"] = c

	pool := newTestPool(t, refresher, creds)

	assert.True(t, pool.Refresh(context.Background(), "cred-a"))
	assert.Equal(t, 1, refresher.calls)

	cred, ok := pool.Get("cred-a")
	require.True(t, ok)
	assert.Equal(t, "tok-new", cred.AccessToken)
}

func TestRefresh_FailureLeavesTokenUntouched(t *testing.T) {
	refresher := &fakeRefresher{err: errors.New("invalid_grant")}
	pool := newTestPool(t, refresher, threeCreds())

	assert.False(t, pool.Refresh(context.Background(), "cred-a"))

	cred, ok := pool.Get("cred-a")
	require.True(t, ok)
	assert.Equal(t, "tok-a", cred.AccessToken)
}

func TestRefresh_UnknownCredential(t *testing.T) {
	pool := newTestPool(t, &fakeRefresher{token: "x"}, threeCreds())
	assert.False(t, pool.Refresh(context.Background(), "cred-z"))
}
