package service

import "time"

// User is a gateway tenant. Only identity, credential, routing preference and
// status matter to the core; everything else is admin surface.
type User struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	APIKey    string    `json:"-"`
	// PreferShared selects shared-first pool precedence; dedicated-first
	// otherwise.
	PreferShared bool      `json:"prefer_shared"`
	Enabled      bool      `json:"enabled"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Account is one upstream OAuth-authorized identity ("cookie"). Exactly one
// of {dedicated to one user, shared across all users} holds, determined by
// IsShared; UserID is nil for shared accounts.
type Account struct {
	ID               int64      `json:"id"`
	UserID           *int64     `json:"user_id,omitempty"`
	Name             string     `json:"name"`
	IsShared         bool       `json:"is_shared"`
	AccessToken      string     `json:"-"`
	RefreshToken     string     `json:"-"`
	TokenExpiresAt   *time.Time `json:"token_expires_at,omitempty"`
	Enabled          bool       `json:"enabled"`
	NeedsReauth      bool       `json:"needs_reauth"`
	ProjectID        string     `json:"project_id"`
	RegionRestricted bool       `json:"region_restricted"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// OwnedBy reports whether the account is dedicated to the given user.
func (a *Account) OwnedBy(userID int64) bool {
	return !a.IsShared && a.UserID != nil && *a.UserID == userID
}

// ModelQuota is the per-(account, model) snapshot of upstream quota truth.
type ModelQuota struct {
	ID                int64      `json:"id"`
	AccountID         int64      `json:"account_id"`
	Model             string     `json:"model"`
	RemainingFraction float64    `json:"remaining_fraction"`
	ResetAt           *time.Time `json:"reset_at,omitempty"`
	Available         bool       `json:"available"`
	FetchedAt         time.Time  `json:"fetched_at"`
}

// SharedQuotaPool bounds one user's draw against the shared-account
// population for one model. Invariant: Current <= Ceiling at write time;
// ceiling changes never clamp Current downward.
type SharedQuotaPool struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Model     string    `json:"model"`
	Current   float64   `json:"current"`
	Ceiling   float64   `json:"ceiling"`
	UpdatedAt time.Time `json:"updated_at"`
}

// QuotaConsumption is one append-only ledger row per completed exchange.
type QuotaConsumption struct {
	ID          int64     `json:"id"`
	UserID      int64     `json:"user_id"`
	AccountID   int64     `json:"account_id"`
	Model       string    `json:"model"`
	QuotaBefore float64   `json:"quota_before"`
	QuotaAfter  float64   `json:"quota_after"`
	Delta       float64   `json:"delta"`
	Shared      bool      `json:"shared"`
	CreatedAt   time.Time `json:"created_at"`
}

// SharedPoolAggregate is the admin-facing view over the shared pool for one
// quota-sharing group.
type SharedPoolAggregate struct {
	TotalQuota            float64    `json:"total_quota"`
	EarliestReset         *time.Time `json:"earliest_reset,omitempty"`
	AvailableAccountCount int        `json:"available_account_count"`
}
