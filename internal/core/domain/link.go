package domain

type LinkState string

const (
	LinkNew          LinkState = "new"
	LinkConnecting   LinkState = "connecting"
	LinkConnected    LinkState = "connected"
	LinkDisconnected LinkState = "disconnected"
	LinkFailed       LinkState = "failed"
	LinkClosed       LinkState = "closed"
)

func (s LinkState) Terminal() bool {
	return s == LinkDisconnected || s == LinkFailed || s == LinkClosed
}

// CanTransition reports whether a link in state s may move to next.
func (s LinkState) CanTransition(next LinkState) bool {
	if s.Terminal() {
		return false
	}
	switch next {
	case LinkConnecting:
		return s == LinkNew
	case LinkConnected:
		return s == LinkNew || s == LinkConnecting
	case LinkDisconnected, LinkFailed:
		return s == LinkConnecting || s == LinkConnected
	case LinkClosed:
		return true
	}
	return false
}

type QualityTier string

const (
	TierUltra  QualityTier = "ultra"
	TierHigh   QualityTier = "high"
	TierMedium QualityTier = "medium"
	TierLow    QualityTier = "low"
)

// Tiers lists every tier from best to worst.
var Tiers = []QualityTier{TierUltra, TierHigh, TierMedium, TierLow}

func (t QualityTier) rank() int {
	for i, tier := range Tiers {
		if tier == t {
			return i
		}
	}
	return -1
}

func (t QualityTier) Valid() bool {
	return t.rank() >= 0
}

// Lower returns the next tier down, or t itself when t is already the lowest.
func (t QualityTier) Lower() QualityTier {
	r := t.rank()
	if r < 0 || r == len(Tiers)-1 {
		return t
	}
	return Tiers[r+1]
}

// Higher returns the next tier up, or t itself when t is already the highest.
func (t QualityTier) Higher() QualityTier {
	r := t.rank()
	if r <= 0 {
		return t
	}
	return Tiers[r-1]
}

// Above reports whether t is a better tier than other.
func (t QualityTier) Above(other QualityTier) bool {
	return t.rank() < other.rank()
}
