package match

import (
	"errors"
	"fmt"
	"time"

	"helpmesh.org/internal/ids"
)

// User is a platform member. Flags are mutated by admin actions, payment
// events and the assignment engine; users are never hard-deleted.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone,omitempty"`
	CreatedAt time.Time `json:"created_at"`

	// Level is stored raw: either a tier name or a legacy numeric code.
	// Normalize with NormalizeLevel before comparing.
	Level string `json:"level"`

	IsActivated     bool `json:"is_activated"`
	IsBlocked       bool `json:"is_blocked"`
	IsOnHold        bool `json:"is_on_hold"`
	IsReceivingHeld bool `json:"is_receiving_held"`
	PaymentBlocked  bool `json:"payment_blocked"`

	// HelpVisibility nil means visible; only an explicit false hides the
	// user from matching.
	HelpVisibility *bool `json:"help_visibility,omitempty"`

	ActiveReceiveCount    int  `json:"active_receive_count"`
	UpgradeRequired       bool `json:"upgrade_required"`
	SponsorPaymentPending bool `json:"sponsor_payment_pending"`

	// ReceiveOverride is a single-use admin bypass of the upgrade/sponsor
	// gates. It is consumed in the same transaction that matches the user.
	ReceiveOverride bool `json:"receive_override"`

	ReferralCount         int        `json:"referral_count"`
	LastReceiveAssignedAt *time.Time `json:"last_receive_assigned_at,omitempty"`
}

// NormalizedLevel resolves the user's raw level value.
func (u User) NormalizedLevel() Level {
	return NormalizeLevel(u.Level)
}

// Visible reports whether the user is visible for matching.
func (u User) Visible() bool {
	return u.HelpVisibility == nil || *u.HelpVisibility
}

// Status is the lifecycle state of an assignment pair.
type Status string

const (
	StatusAssigned         Status = "assigned"
	StatusPaymentRequested Status = "payment_requested"
	StatusPaymentDone      Status = "payment_done"
	StatusConfirmed        Status = "confirmed"
	StatusTimeout          Status = "timeout"
	StatusCancelled        Status = "cancelled"
	StatusDisputed         Status = "disputed"
	StatusForceConfirmed   Status = "force_confirmed"
)

// Deadlines enforced by ExpireOverdue.
const (
	AssignToRequestWindow = time.Hour      // receiver must request payment
	RequestToDoneWindow   = 24 * time.Hour // sender must submit proof
)

var allowedTransitions = map[Status][]Status{
	StatusAssigned:         {StatusPaymentRequested, StatusTimeout, StatusCancelled},
	StatusPaymentRequested: {StatusPaymentDone, StatusDisputed, StatusTimeout, StatusCancelled},
	StatusPaymentDone:      {StatusConfirmed, StatusDisputed, StatusTimeout, StatusCancelled, StatusForceConfirmed},
	StatusDisputed:         {StatusForceConfirmed, StatusCancelled},
}

// CanTransition reports whether from→to is a legal forward transition.
func CanTransition(from, to Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are allowed.
func Terminal(s Status) bool {
	switch s {
	case StatusConfirmed, StatusForceConfirmed, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// ActiveStatuses are the states that count against a sender's
// single-active-assignment rule and a receiver's capacity slot.
var ActiveStatuses = []Status{StatusAssigned, StatusPaymentRequested, StatusPaymentDone}

// PaymentProof is the sender's settlement evidence.
type PaymentProof struct {
	UTR            string `json:"utr,omitempty"`
	Method         string `json:"method,omitempty"`
	ScreenshotPath string `json:"screenshot_path,omitempty"`
	ScreenshotSize int64  `json:"screenshot_size,omitempty"`
}

// Dispute captures a receiver's rejection of submitted proof.
type Dispute struct {
	Disputed   bool       `json:"disputed"`
	DisputedAt *time.Time `json:"disputed_at,omitempty"`
	Reason     string     `json:"reason,omitempty"`
}

// Assignment is one sender-to-receiver help obligation. It is persisted as
// two mirrored documents (sender view, receiver view) sharing this id; the
// views must never diverge in status or timestamps.
type Assignment struct {
	ID       string `json:"id"`
	Status   Status `json:"status"`
	Sequence uint64 `json:"sequence"`

	SenderID    string `json:"sender_id"`
	SenderName  string `json:"sender_name,omitempty"`
	SenderPhone string `json:"sender_phone,omitempty"`
	SenderLevel Level  `json:"sender_level"`

	ReceiverID    string `json:"receiver_id"`
	ReceiverName  string `json:"receiver_name,omitempty"`
	ReceiverPhone string `json:"receiver_phone,omitempty"`
	ReceiverLevel Level  `json:"receiver_level"`

	Amount int64 `json:"amount"`

	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	AssignedAt         time.Time  `json:"assigned_at"`
	PaymentRequestedAt *time.Time `json:"payment_requested_at,omitempty"`
	PaymentDoneAt      *time.Time `json:"payment_done_at,omitempty"`
	ConfirmedAt        *time.Time `json:"confirmed_at,omitempty"`

	ConfirmedByReceiver bool `json:"confirmed_by_receiver"`

	NextTimeoutAt *time.Time `json:"next_timeout_at,omitempty"`
	TimeoutReason string     `json:"timeout_reason,omitempty"`

	CancelReason string `json:"cancel_reason,omitempty"`
	CancelledBy  string `json:"cancelled_by,omitempty"`

	// SlotReleased guards the one-time decrement of the receiver's
	// capacity counter on terminal transitions.
	SlotReleased bool `json:"slot_released"`

	Payment PaymentProof `json:"payment"`
	Dispute Dispute      `json:"dispute"`

	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// ResolveAction is the receiver's verdict on submitted payment proof.
type ResolveAction string

const (
	ResolveConfirm ResolveAction = "confirm"
	ResolveDispute ResolveAction = "dispute"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrUserExists          = errors.New("user already exists")
	ErrSenderNotFound      = errors.New("sender not found")
	ErrReceiverNotEligible = errors.New("receiver no longer eligible")
	ErrInvalidSender       = errors.New("sender is blocked or on hold")
	ErrSenderAlreadyActive = errors.New("sender already has an active assignment")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrNotParticipant      = errors.New("caller is not a participant of this assignment")
	ErrUTRConflict         = errors.New("utr reference already used")
	ErrInvalidUTR          = errors.New("invalid utr reference")
	ErrTransactionConflict = errors.New("storage transaction conflict")

	// ErrPairOutOfSync indicates the mirrored views diverged. This is a
	// data-integrity violation, never an expected runtime condition.
	ErrPairOutOfSync = errors.New("assignment views out of sync")

	// ErrNoEligibleReceiver is the errors.Is target for
	// NoEligibleReceiverError.
	ErrNoEligibleReceiver = errors.New("no eligible receiver")
)

// CandidateRejection records why one scanned candidate was skipped.
type CandidateRejection struct {
	CandidateID string          `json:"candidate_id"`
	Reason      RejectionReason `json:"reason"`
}

// NoEligibleReceiverError carries matching diagnostics for support tooling.
type NoEligibleReceiverError struct {
	Scanned    int                  `json:"scanned"`
	Rejections []CandidateRejection `json:"rejections"`
}

func (e *NoEligibleReceiverError) Error() string {
	return fmt.Sprintf("no eligible receiver (%d candidates scanned)", e.Scanned)
}

func (e *NoEligibleReceiverError) Is(target error) bool {
	return target == ErrNoEligibleReceiver
}

// ReasonCounts aggregates rejections by reason, mirroring the shape the
// support dashboard renders.
func (e *NoEligibleReceiverError) ReasonCounts() map[RejectionReason]int {
	counts := make(map[RejectionReason]int, len(e.Rejections))
	for _, r := range e.Rejections {
		counts[r.Reason]++
	}
	return counts
}

func newID() string {
	return ids.New()
}
