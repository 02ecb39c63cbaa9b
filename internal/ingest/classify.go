package ingest

import (
	"fmt"
	"time"

	"github.com/rcliao/memory-substrate/internal/config"
	"github.com/rcliao/memory-substrate/internal/model"
)

// TierLimits are the TTL bounds of the expiring tiers.
type TierLimits struct {
	ShortDefault  time.Duration
	ShortMax      time.Duration
	MediumDefault time.Duration
	MediumMax     time.Duration
}

// LimitsFromConfig extracts TierLimits from configuration.
func LimitsFromConfig(c config.TiersConfig) TierLimits {
	return TierLimits{
		ShortDefault:  c.Short.DefaultTTL,
		ShortMax:      c.Short.MaxTTL,
		MediumDefault: c.Medium.DefaultTTL,
		MediumMax:     c.Medium.MaxTTL,
	}
}

// tierForTTL maps a declared duration onto the tier whose maximum holds it.
func (l TierLimits) tierForTTL(ttl time.Duration) model.Tier {
	switch {
	case ttl <= l.ShortMax:
		return model.TierShort
	case ttl <= l.MediumMax:
		return model.TierMedium
	default:
		return model.TierLong
	}
}

func (l TierLimits) defaultTTL(t model.Tier) time.Duration {
	switch t {
	case model.TierShort:
		return l.ShortDefault
	case model.TierMedium:
		return l.MediumDefault
	default:
		return 0
	}
}

// ClassifyTier picks the tier for a write and the TTL to apply. Precedence:
// an explicit tier, then a declared TTL, then the kind default. An explicit
// tier that the declared TTL maps elsewhere is ambiguous and rejected.
// The returned TTL is zero for the long tier.
func ClassifyTier(kind model.Kind, explicit model.Tier, ttl time.Duration, l TierLimits) (model.Tier, time.Duration, error) {
	if ttl < 0 {
		return "", 0, model.NewValidationError("ttl", "must not be negative")
	}
	// Timestamps are stored with millisecond precision.
	if ttl > 0 && ttl < time.Millisecond {
		return "", 0, model.NewValidationError("ttl", "must be at least 1ms")
	}

	var tier model.Tier
	switch {
	case explicit != "":
		if !explicit.Valid() {
			return "", 0, model.NewValidationError("tier", fmt.Sprintf("unknown tier %q", explicit))
		}
		if ttl > 0 && l.tierForTTL(ttl) != explicit {
			return "", 0, model.NewValidationError("tier",
				fmt.Sprintf("ambiguous: tier %s contradicts ttl %s", explicit, ttl))
		}
		tier = explicit
	case ttl > 0:
		tier = l.tierForTTL(ttl)
	default:
		def, ok := model.ValidKinds[kind]
		if !ok {
			return "", 0, model.NewValidationError("kind", fmt.Sprintf("unknown kind %q", kind))
		}
		tier = def
	}

	if !tier.Expiring() {
		return tier, 0, nil
	}
	if ttl == 0 {
		ttl = l.defaultTTL(tier)
	}
	return tier, ttl, nil
}
