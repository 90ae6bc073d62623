// Package account manages the pool of signed-in accounts and their
// per-family rate-limit rotation.
package account

import (
	"sync"

	"github.com/leviathofnoesia/kraken-code-sub001/internal/auth"
	"github.com/leviathofnoesia/kraken-code-sub001/internal/config"
	"github.com/leviathofnoesia/kraken-code-sub001/internal/storage"
	"github.com/leviathofnoesia/kraken-code-sub001/internal/utils"
)

// Account is one signed-in Google account in the pool
type Account struct {
	Index            int
	Email            string
	Tier             string
	RefreshToken     string
	ProjectID        string
	ManagedProjectID string
	AccessToken      string
	ExpiresAt        int64
	RateLimits       map[config.ModelFamily]int64
	LastUsed         int64
}

// IsPaid reports whether the account is on a paid tier
func (a *Account) IsPaid() bool {
	return a.Tier == "paid"
}

// IsRateLimited reports whether the account is rate-limited for a model
// family at the given time.
func (a *Account) IsRateLimited(family config.ModelFamily, nowMs int64) bool {
	until, ok := a.RateLimits[family]
	return ok && nowMs < until
}

// TokenExpired reports whether the cached access token needs a refresh
func (a *Account) TokenExpired(nowMs int64) bool {
	return a.AccessToken == "" || nowMs >= a.ExpiresAt-config.TokenRefreshBufferMs
}

// Manager owns the account pool. The active index is sticky: requests keep
// using the same account until it gets rate-limited or a better (paid)
// account frees up. A separate rotation cursor spreads switches across the
// eligible pool instead of always landing on the first entry.
type Manager struct {
	mu          sync.Mutex
	store       *storage.Store
	accounts    []*Account
	activeIndex int
	cursor      int
}

// NewManager creates a Manager backed by the given store, loading any
// previously saved accounts.
func NewManager(store *storage.Store) (*Manager, error) {
	m := &Manager{store: store}

	saved, err := store.Load()
	if err != nil {
		return nil, err
	}
	if saved == nil {
		return m, nil
	}

	for i, sa := range saved.Accounts {
		m.accounts = append(m.accounts, fromStored(i, sa))
	}
	m.activeIndex = saved.ActiveIndex
	if m.activeIndex >= len(m.accounts) {
		m.activeIndex = 0
	}
	utils.Info("[AccountManager] Loaded %d account(s) from %s", len(m.accounts), store.Path())
	return m, nil
}

func fromStored(index int, sa storage.StoredAccount) *Account {
	limits := make(map[config.ModelFamily]int64, len(sa.RateLimits))
	for family, until := range sa.RateLimits {
		limits[config.ModelFamily(family)] = until
	}
	return &Account{
		Index:            index,
		Email:            sa.Email,
		Tier:             sa.Tier,
		RefreshToken:     sa.RefreshToken,
		ProjectID:        sa.ProjectID,
		ManagedProjectID: sa.ManagedProjectID,
		AccessToken:      sa.AccessToken,
		ExpiresAt:        sa.ExpiresAt,
		RateLimits:       limits,
	}
}

func toStored(a *Account) storage.StoredAccount {
	limits := make(map[string]int64, len(a.RateLimits))
	for family, until := range a.RateLimits {
		limits[string(family)] = until
	}
	return storage.StoredAccount{
		Email:            a.Email,
		Tier:             a.Tier,
		RefreshToken:     a.RefreshToken,
		ProjectID:        a.ProjectID,
		ManagedProjectID: a.ManagedProjectID,
		AccessToken:      a.AccessToken,
		ExpiresAt:        a.ExpiresAt,
		RateLimits:       limits,
	}
}

// Len returns the number of accounts in the pool
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.accounts)
}

// Accounts returns a snapshot of the pool
func (m *Manager) Accounts() []*Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Account, len(m.accounts))
	copy(out, m.accounts)
	return out
}

// Get returns the account at index, or nil when out of range
func (m *Manager) Get(index int) *Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 0 || index >= len(m.accounts) {
		return nil
	}
	return m.accounts[index]
}

// ByEmail returns the account with the given email, or nil
func (m *Manager) ByEmail(email string) *Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if a.Email == email {
			return a
		}
	}
	return nil
}

// Add inserts a new account, or replaces an existing one with the same
// email in place.
func (m *Manager) Add(a *Account) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a.RateLimits == nil {
		a.RateLimits = make(map[config.ModelFamily]int64)
	}
	for i, existing := range m.accounts {
		if a.Email != "" && existing.Email == a.Email {
			a.Index = i
			m.accounts[i] = a
			utils.Info("[AccountManager] Updated account %s", a.Email)
			return
		}
	}
	a.Index = len(m.accounts)
	m.accounts = append(m.accounts, a)
	utils.Info("[AccountManager] Added account %s (%s tier)", a.Email, a.Tier)
}

// Remove drops the account at index, re-indexing the pool and keeping the
// active index and rotation cursor pointed at the accounts they were on.
func (m *Manager) Remove(index int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if index < 0 || index >= len(m.accounts) {
		return false
	}
	removed := m.accounts[index]
	m.accounts = append(m.accounts[:index], m.accounts[index+1:]...)
	for i := index; i < len(m.accounts); i++ {
		m.accounts[i].Index = i
	}

	if index < m.activeIndex {
		m.activeIndex--
	} else if m.activeIndex >= len(m.accounts) {
		m.activeIndex = len(m.accounts) - 1
	}
	if m.activeIndex < 0 {
		m.activeIndex = 0
	}

	if index < m.cursor {
		m.cursor--
	}
	if m.cursor < 0 {
		m.cursor = 0
	}

	utils.Info("[AccountManager] Removed account %s", removed.Email)
	return true
}

// ActiveIndex returns the sticky active account index
func (m *Manager) ActiveIndex() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeIndex
}

// MarkRateLimited records a family-scoped rate limit on one account
func (m *Manager) MarkRateLimited(index int, family config.ModelFamily, retryAfterMs int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if index < 0 || index >= len(m.accounts) {
		return
	}
	a := m.accounts[index]
	if a.RateLimits == nil {
		a.RateLimits = make(map[config.ModelFamily]int64)
	}
	a.RateLimits[family] = utils.NowMs() + retryAfterMs
	utils.Warn("[AccountManager] %s rate-limited for %s (%s)", a.Email, family, utils.FormatDuration(retryAfterMs))
}

// clearExpiredLimitsLocked drops rate limits that have lapsed on every
// account. Callers hold the lock.
func (m *Manager) clearExpiredLimitsLocked(nowMs int64) {
	for _, a := range m.accounts {
		for family, until := range a.RateLimits {
			if nowMs >= until {
				delete(a.RateLimits, family)
			}
		}
	}
}

// CurrentOrNextForFamily returns the account to use for a model family.
// The current account is kept unless it is rate-limited for the family, or
// it is a free account while a paid one is available. Switching moves the
// active index.
func (m *Manager) CurrentOrNextForFamily(family config.ModelFamily) *Account {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := utils.NowMs()
	m.clearExpiredLimitsLocked(now)

	if len(m.accounts) == 0 {
		return nil
	}
	if m.activeIndex >= len(m.accounts) {
		m.activeIndex = 0
	}

	current := m.accounts[m.activeIndex]
	currentLimited := current.IsRateLimited(family, now)

	paidAvailable := false
	for _, a := range m.accounts {
		if a.IsPaid() && !a.IsRateLimited(family, now) {
			paidAvailable = true
			break
		}
	}

	if !currentLimited && (current.IsPaid() || !paidAvailable) {
		return current
	}

	next := m.nextForFamilyLocked(family, now)
	if next != nil {
		if next.Index != m.activeIndex {
			utils.Info("[AccountManager] Switching from %s to %s for %s", current.Email, next.Email, family)
		}
		m.activeIndex = next.Index
		return next
	}
	if !currentLimited {
		return current
	}
	return nil
}

// NextForFamily rotates to the next account usable for a family, preferring
// paid accounts. Returns nil when every account is rate-limited.
func (m *Manager) NextForFamily(family config.ModelFamily) *Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := utils.NowMs()
	m.clearExpiredLimitsLocked(now)
	return m.nextForFamilyLocked(family, now)
}

func (m *Manager) nextForFamilyLocked(family config.ModelFamily, nowMs int64) *Account {
	available := make([]*Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		if !a.IsRateLimited(family, nowMs) {
			available = append(available, a)
		}
	}
	if len(available) == 0 {
		return nil
	}

	paid := make([]*Account, 0, len(available))
	for _, a := range available {
		if a.IsPaid() {
			paid = append(paid, a)
		}
	}
	pool := available
	if len(paid) > 0 {
		pool = paid
	}

	selected := pool[m.cursor%len(pool)]
	m.cursor++
	return selected
}

// AllRateLimitedForFamily reports whether no account can serve a family
func (m *Manager) AllRateLimitedForFamily(family config.ModelFamily) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := utils.NowMs()
	for _, a := range m.accounts {
		if !a.IsRateLimited(family, now) {
			return false
		}
	}
	return len(m.accounts) > 0
}

// UpdateTokens stores a freshly refreshed token set on an account
func (m *Manager) UpdateTokens(index int, tokens *auth.TokenSet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 0 || index >= len(m.accounts) {
		return
	}
	a := m.accounts[index]
	a.AccessToken = tokens.AccessToken
	if tokens.RefreshToken != "" {
		a.RefreshToken = tokens.RefreshToken
	}
	a.ExpiresAt = tokens.ExpiresAt()
}

// SetProject records the resolved project context on an account
func (m *Manager) SetProject(index int, projectID, managedProjectID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 0 || index >= len(m.accounts) {
		return
	}
	m.accounts[index].ProjectID = projectID
	if managedProjectID != "" {
		m.accounts[index].ManagedProjectID = managedProjectID
	}
}

// Touch records the account as just used
func (m *Manager) Touch(index int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index >= 0 && index < len(m.accounts) {
		m.accounts[index].LastUsed = utils.NowMs()
	}
}

// Save persists the pool to the credential file
func (m *Manager) Save() error {
	m.mu.Lock()
	stored := make([]storage.StoredAccount, len(m.accounts))
	for i, a := range m.accounts {
		stored[i] = toStored(a)
	}
	activeIndex := m.activeIndex
	if activeIndex < 0 {
		activeIndex = 0
	}
	m.mu.Unlock()

	return m.store.Save(&storage.AccountStorage{
		Version:     storage.StorageVersion,
		Accounts:    stored,
		ActiveIndex: activeIndex,
	})
}

// ExportCompositeTokens renders the pool as the joined composite-token
// string used when handing credentials to a host application.
func (m *Manager) ExportCompositeTokens() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	tokens := make([]string, len(m.accounts))
	for i, a := range m.accounts {
		tokens[i] = storage.FormatCompositeToken(storage.TokenParts{
			RefreshToken:     a.RefreshToken,
			ProjectID:        a.ProjectID,
			ManagedProjectID: a.ManagedProjectID,
		})
	}
	return storage.JoinCompositeTokens(tokens)
}

// ImportCompositeTokens adds accounts from a joined composite-token string.
// Imported accounts start with no cached access token and default to the
// free tier until their first refresh resolves more.
func (m *Manager) ImportCompositeTokens(joined string) int {
	added := 0
	for _, token := range storage.SplitCompositeTokens(joined) {
		parts := storage.ParseCompositeToken(token)
		if parts.RefreshToken == "" {
			continue
		}
		m.Add(&Account{
			Tier:             "free",
			RefreshToken:     parts.RefreshToken,
			ProjectID:        parts.ProjectID,
			ManagedProjectID: parts.ManagedProjectID,
			RateLimits:       make(map[config.ModelFamily]int64),
		})
		added++
	}
	return added
}
