package match

// Level is a membership tier. Capacity and help amounts grow 3x per tier.
type Level string

const (
	LevelStar     Level = "Star"
	LevelSilver   Level = "Silver"
	LevelGold     Level = "Gold"
	LevelPlatinum Level = "Platinum"
	LevelDiamond  Level = "Diamond"
)

// LevelOrder lists tiers from lowest to highest.
var LevelOrder = []Level{LevelStar, LevelSilver, LevelGold, LevelPlatinum, LevelDiamond}

// receiveLimits caps concurrent active receive assignments per tier.
var receiveLimits = map[Level]int{
	LevelStar:     3,
	LevelSilver:   9,
	LevelGold:     27,
	LevelPlatinum: 81,
	LevelDiamond:  243,
}

// helpAmounts is the fixed help payment per tier, in minor units (INR paise
// are not used by the platform; amounts are whole rupees).
var helpAmounts = map[Level]int64{
	LevelStar:     300,
	LevelSilver:   600,
	LevelGold:     2000,
	LevelPlatinum: 20000,
	LevelDiamond:  200000,
}

// legacyLevelCodes maps the numeric codes older user records carry.
var legacyLevelCodes = map[string]Level{
	"1": LevelStar,
	"2": LevelSilver,
	"3": LevelGold,
	"4": LevelPlatinum,
	"5": LevelDiamond,
}

// NormalizeLevel resolves a raw stored level value to a tier. Accepts tier
// names and legacy numeric codes ("1".."5"); anything else defaults to Star.
func NormalizeLevel(raw string) Level {
	if raw == "" {
		return LevelStar
	}
	if lvl, ok := legacyLevelCodes[raw]; ok {
		return lvl
	}
	switch Level(raw) {
	case LevelStar, LevelSilver, LevelGold, LevelPlatinum, LevelDiamond:
		return Level(raw)
	}
	return LevelStar
}

// LevelAliases returns every raw stored form of a tier: the tier name plus
// its legacy numeric code. Star also covers the empty string, which
// NormalizeLevel resolves to Star.
func LevelAliases(l Level) []string {
	aliases := []string{string(l)}
	for _, code := range []string{"1", "2", "3", "4", "5"} {
		if legacyLevelCodes[code] == l {
			aliases = append(aliases, code)
		}
	}
	if l == LevelStar {
		aliases = append(aliases, "")
	}
	return aliases
}

// ReceiveLimit returns the maximum concurrent receive assignments for a tier.
func ReceiveLimit(l Level) int {
	if limit, ok := receiveLimits[l]; ok {
		return limit
	}
	return receiveLimits[LevelStar]
}

// AmountForLevel returns the help payment amount exchanged at a tier.
func AmountForLevel(l Level) int64 {
	if amt, ok := helpAmounts[l]; ok {
		return amt
	}
	return helpAmounts[LevelStar]
}
