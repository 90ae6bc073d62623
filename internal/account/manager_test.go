package account

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leviathofnoesia/kraken-code-sub001/internal/config"
	"github.com/leviathofnoesia/kraken-code-sub001/internal/storage"
	"github.com/leviathofnoesia/kraken-code-sub001/internal/utils"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	store := storage.NewStore(filepath.Join(t.TempDir(), "accounts.json"))
	m, err := NewManager(store)
	require.NoError(t, err)
	return m
}

func addAccount(m *Manager, email, tier string) *Account {
	a := &Account{
		Email:        email,
		Tier:         tier,
		RefreshToken: "rt-" + email,
		RateLimits:   make(map[config.ModelFamily]int64),
	}
	m.Add(a)
	return a
}

func TestCurrentAccountIsSticky(t *testing.T) {
	m := newTestManager(t)
	addAccount(m, "a@example.com", "free")
	addAccount(m, "b@example.com", "free")

	first := m.CurrentOrNextForFamily(config.FamilyClaude)
	require.NotNil(t, first)
	second := m.CurrentOrNextForFamily(config.FamilyClaude)
	require.NotNil(t, second)
	assert.Equal(t, first.Email, second.Email, "repeated requests stay on the same account")
}

func TestRateLimitedCurrentSwitchesAccount(t *testing.T) {
	m := newTestManager(t)
	addAccount(m, "a@example.com", "free")
	addAccount(m, "b@example.com", "free")

	current := m.CurrentOrNextForFamily(config.FamilyClaude)
	require.NotNil(t, current)

	m.MarkRateLimited(current.Index, config.FamilyClaude, 60_000)

	next := m.CurrentOrNextForFamily(config.FamilyClaude)
	require.NotNil(t, next)
	assert.NotEqual(t, current.Email, next.Email)
	assert.Equal(t, next.Index, m.ActiveIndex(), "switch moves the active index")
}

func TestRateLimitIsFamilyScoped(t *testing.T) {
	m := newTestManager(t)
	addAccount(m, "a@example.com", "free")

	m.MarkRateLimited(0, config.FamilyClaude, 60_000)

	assert.Nil(t, m.CurrentOrNextForFamily(config.FamilyClaude))
	assert.NotNil(t, m.CurrentOrNextForFamily(config.FamilyGeminiPro), "other families are unaffected")
}

func TestExpiredRateLimitClears(t *testing.T) {
	m := newTestManager(t)
	a := addAccount(m, "a@example.com", "free")

	a.RateLimits[config.FamilyClaude] = utils.NowMs() - 1

	got := m.CurrentOrNextForFamily(config.FamilyClaude)
	require.NotNil(t, got)
	_, stillLimited := got.RateLimits[config.FamilyClaude]
	assert.False(t, stillLimited, "lapsed limits are removed")
}

func TestPaidAccountPreferredOverFreeCurrent(t *testing.T) {
	m := newTestManager(t)
	addAccount(m, "free@example.com", "free")
	addAccount(m, "paid@example.com", "paid")

	got := m.CurrentOrNextForFamily(config.FamilyClaude)
	require.NotNil(t, got)
	assert.Equal(t, "paid@example.com", got.Email, "a usable paid account outranks the free current one")
}

func TestPaidPoolRotation(t *testing.T) {
	m := newTestManager(t)
	addAccount(m, "free@example.com", "free")
	addAccount(m, "paid1@example.com", "paid")
	addAccount(m, "paid2@example.com", "paid")

	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		a := m.NextForFamily(config.FamilyGeminiFlash)
		require.NotNil(t, a)
		seen[a.Email] = true
	}
	assert.False(t, seen["free@example.com"], "free accounts are skipped while paid ones are usable")
	assert.True(t, seen["paid1@example.com"])
	assert.True(t, seen["paid2@example.com"])
}

func TestFreePoolRotationVisitsEachAccountOnce(t *testing.T) {
	m := newTestManager(t)
	emails := []string{"a@example.com", "b@example.com", "c@example.com"}
	for _, email := range emails {
		addAccount(m, email, "free")
	}

	seen := map[string]int{}
	var order []string
	for i := 0; i < len(emails); i++ {
		a := m.NextForFamily(config.FamilyGeminiPro)
		require.NotNil(t, a)
		seen[a.Email]++
		order = append(order, a.Email)
	}
	for _, email := range emails {
		assert.Equal(t, 1, seen[email], "%s is visited exactly once per cycle", email)
	}

	// The next cycle repeats the same order.
	for i := 0; i < len(emails); i++ {
		a := m.NextForFamily(config.FamilyGeminiPro)
		require.NotNil(t, a)
		assert.Equal(t, order[i], a.Email)
	}
}

func TestNextForFamilyAllLimitedReturnsNil(t *testing.T) {
	m := newTestManager(t)
	addAccount(m, "a@example.com", "free")
	addAccount(m, "b@example.com", "free")
	m.MarkRateLimited(0, config.FamilyClaude, 60_000)
	m.MarkRateLimited(1, config.FamilyClaude, 60_000)

	assert.Nil(t, m.NextForFamily(config.FamilyClaude))
	assert.True(t, m.AllRateLimitedForFamily(config.FamilyClaude))
	assert.False(t, m.AllRateLimitedForFamily(config.FamilyGeminiPro))
}

func TestRemoveReindexesAndAdjustsActiveIndex(t *testing.T) {
	m := newTestManager(t)
	addAccount(m, "a@example.com", "free")
	addAccount(m, "b@example.com", "free")
	addAccount(m, "c@example.com", "free")

	m.MarkRateLimited(0, config.FamilyClaude, 60_000)
	switched := m.CurrentOrNextForFamily(config.FamilyClaude)
	require.NotNil(t, switched)
	activeBefore := m.ActiveIndex()
	require.Greater(t, activeBefore, 0)

	require.True(t, m.Remove(0))

	assert.Equal(t, activeBefore-1, m.ActiveIndex(), "active index follows the account it pointed at")
	for i, a := range m.Accounts() {
		assert.Equal(t, i, a.Index)
	}
	assert.False(t, m.Remove(99))
}

func TestAddReplacesByEmail(t *testing.T) {
	m := newTestManager(t)
	addAccount(m, "a@example.com", "free")
	m.Add(&Account{Email: "a@example.com", Tier: "paid", RefreshToken: "rt-new"})

	require.Equal(t, 1, m.Len())
	got := m.ByEmail("a@example.com")
	require.NotNil(t, got)
	assert.Equal(t, "paid", got.Tier)
	assert.Equal(t, "rt-new", got.RefreshToken)
}

func TestSaveAndReloadKeepsPool(t *testing.T) {
	store := storage.NewStore(filepath.Join(t.TempDir(), "accounts.json"))
	m, err := NewManager(store)
	require.NoError(t, err)
	addAccount(m, "a@example.com", "free")
	paid := addAccount(m, "b@example.com", "paid")
	m.MarkRateLimited(paid.Index, config.FamilyClaude, 600_000)
	require.NoError(t, m.Save())

	reloaded, err := NewManager(store)
	require.NoError(t, err)
	require.Equal(t, 2, reloaded.Len())

	b := reloaded.ByEmail("b@example.com")
	require.NotNil(t, b)
	assert.Equal(t, "paid", b.Tier)
	assert.True(t, b.IsRateLimited(config.FamilyClaude, utils.NowMs()))
}

func TestImportCompositeTokens(t *testing.T) {
	m := newTestManager(t)
	added := m.ImportCompositeTokens("rt-1|proj-1|managed-1|||rt-2|proj-2|")
	assert.Equal(t, 2, added)
	require.Equal(t, 2, m.Len())

	accounts := m.Accounts()
	assert.Equal(t, "rt-1", accounts[0].RefreshToken)
	assert.Equal(t, "managed-1", accounts[0].ManagedProjectID)
	assert.Equal(t, "proj-2", accounts[1].ProjectID)
	assert.Empty(t, accounts[1].ManagedProjectID)
}
