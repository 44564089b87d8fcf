package match

// RejectionReason explains why a candidate cannot receive right now. The
// values are stable identifiers consumed by support tooling.
type RejectionReason string

const (
	ReasonNotActivated          RejectionReason = "not_activated"
	ReasonBlocked               RejectionReason = "blocked"
	ReasonOnHold                RejectionReason = "on_hold"
	ReasonReceivingHeld         RejectionReason = "receiving_held"
	ReasonVisibilityDisabled    RejectionReason = "visibility_disabled"
	ReasonLevelMismatch         RejectionReason = "level_mismatch"
	ReasonReceiveLimitReached   RejectionReason = "receive_limit_reached"
	ReasonUpgradeRequired       RejectionReason = "upgrade_required"
	ReasonSponsorPaymentPending RejectionReason = "sponsor_payment_pending"
	ReasonSameAsSender          RejectionReason = "same_as_sender"
)

// Overridable reports whether the single-use receive override bypasses the
// given rejection.
func (r RejectionReason) Overridable() bool {
	return r == ReasonUpgradeRequired || r == ReasonSponsorPaymentPending
}

// EligibleReceiver decides whether a candidate may be assigned as receiver
// for a sender at senderLevel. Pure predicate: checks run in a fixed order
// and the first failing check names the rejection. The upgrade/sponsor
// gates are skipped when the candidate holds a receive override.
func EligibleReceiver(u User, senderLevel Level) (bool, RejectionReason) {
	if !u.IsActivated {
		return false, ReasonNotActivated
	}
	if u.IsBlocked {
		return false, ReasonBlocked
	}
	if u.IsOnHold {
		return false, ReasonOnHold
	}
	if u.IsReceivingHeld {
		return false, ReasonReceivingHeld
	}
	if !u.Visible() {
		return false, ReasonVisibilityDisabled
	}
	level := u.NormalizedLevel()
	if level != senderLevel {
		return false, ReasonLevelMismatch
	}
	if u.ActiveReceiveCount >= ReceiveLimit(level) {
		return false, ReasonReceiveLimitReached
	}
	if !u.ReceiveOverride {
		if u.UpgradeRequired {
			return false, ReasonUpgradeRequired
		}
		if u.SponsorPaymentPending {
			return false, ReasonSponsorPaymentPending
		}
	}
	return true, ""
}

// OverrideNeeded reports whether the candidate only passed the eligibility
// gates because of the receive override. Used to decide whether a match
// consumes the override.
func OverrideNeeded(u User) bool {
	return u.ReceiveOverride && (u.UpgradeRequired || u.SponsorPaymentPending)
}

// EligibilityReport is the diagnostic answer of CheckEligibility.
type EligibilityReport struct {
	UserID             string          `json:"user_id"`
	Eligible           bool            `json:"eligible"`
	Reason             RejectionReason `json:"reason,omitempty"`
	Overridable        bool            `json:"overridable,omitempty"`
	Level              Level           `json:"level"`
	ActiveReceiveCount int             `json:"active_receive_count"`
	ReceiveLimit       int             `json:"receive_limit"`

	Flags EligibilityFlags `json:"flags"`
}

// EligibilityFlags snapshots the gating flags for the support UI.
type EligibilityFlags struct {
	IsActivated           bool `json:"is_activated"`
	IsBlocked             bool `json:"is_blocked"`
	IsOnHold              bool `json:"is_on_hold"`
	IsReceivingHeld       bool `json:"is_receiving_held"`
	HelpVisible           bool `json:"help_visible"`
	UpgradeRequired       bool `json:"upgrade_required"`
	SponsorPaymentPending bool `json:"sponsor_payment_pending"`
	ReceiveOverride       bool `json:"receive_override"`
}

func BuildEligibilityReport(u User) EligibilityReport {
	level := u.NormalizedLevel()
	eligible, reason := EligibleReceiver(u, level)
	return EligibilityReport{
		UserID:             u.ID,
		Eligible:           eligible,
		Reason:             reason,
		Overridable:        reason.Overridable(),
		Level:              level,
		ActiveReceiveCount: u.ActiveReceiveCount,
		ReceiveLimit:       ReceiveLimit(level),
		Flags: EligibilityFlags{
			IsActivated:           u.IsActivated,
			IsBlocked:             u.IsBlocked,
			IsOnHold:              u.IsOnHold,
			IsReceivingHeld:       u.IsReceivingHeld,
			HelpVisible:           u.Visible(),
			UpgradeRequired:       u.UpgradeRequired,
			SponsorPaymentPending: u.SponsorPaymentPending,
			ReceiveOverride:       u.ReceiveOverride,
		},
	}
}
