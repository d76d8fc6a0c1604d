package model

// UsageKind selects one of the per-user consumption counters.
type UsageKind string

const (
	UsageCredits  UsageKind = "credits"
	UsageSearch   UsageKind = "search"
	UsageResearch UsageKind = "research"
)

// Valid reports whether k names a counter.
func (k UsageKind) Valid() bool {
	switch k {
	case UsageCredits, UsageSearch, UsageResearch:
		return true
	}
	return false
}

// Tier is a subscription tier.
type Tier string

const (
	TierAnonymous  Tier = "anonymous"
	TierFree       Tier = "free"
	TierSubscribed Tier = "subscribed"
)

// Limits is the static allowance of a tier.
type Limits struct {
	Credits       int64 `json:"credits"`
	SearchCalls   int64 `json:"searchCalls"`
	ResearchCalls int64 `json:"researchCalls"`
}

// For returns the limit for a counter kind.
func (l Limits) For(kind UsageKind) int64 {
	switch kind {
	case UsageCredits:
		return l.Credits
	case UsageSearch:
		return l.SearchCalls
	case UsageResearch:
		return l.ResearchCalls
	}
	return 0
}

var tierLimits = map[Tier]Limits{
	TierAnonymous:  {Credits: 10, SearchCalls: 2, ResearchCalls: 0},
	TierFree:       {Credits: 50, SearchCalls: 10, ResearchCalls: 2},
	TierSubscribed: {Credits: 1500, SearchCalls: 200, ResearchCalls: 50},
}

// TierFor derives the tier of a user. An active subscription wins over a
// registered account, and anonymous is the fallback for anything else.
func TierFor(subscribed, anonymous bool) Tier {
	switch {
	case subscribed && !anonymous:
		return TierSubscribed
	case !anonymous:
		return TierFree
	default:
		return TierAnonymous
	}
}

// LimitsFor returns the static limits of a tier; unknown tiers get the
// anonymous allowance.
func LimitsFor(t Tier) Limits {
	if l, ok := tierLimits[t]; ok {
		return l
	}
	return tierLimits[TierAnonymous]
}

// UsageCounter holds the consumed amounts of one user.
type UsageCounter struct {
	UserID        string `json:"userId"`
	Credits       int64  `json:"credits"`
	SearchCalls   int64  `json:"searchCalls"`
	ResearchCalls int64  `json:"researchCalls"`
}

// For returns the consumed amount for a counter kind.
func (u *UsageCounter) For(kind UsageKind) int64 {
	switch kind {
	case UsageCredits:
		return u.Credits
	case UsageSearch:
		return u.SearchCalls
	case UsageResearch:
		return u.ResearchCalls
	}
	return 0
}

// UsageResponse is returned by the usage endpoint.
type UsageResponse struct {
	Tier   Tier          `json:"tier"`
	Usage  *UsageCounter `json:"usage"`
	Limits Limits        `json:"limits"`
}
