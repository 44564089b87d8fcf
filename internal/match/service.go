package match

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Service defines the assignment engine operations.
type Service interface {
	CreateUser(ctx context.Context, u User) (User, error)
	GetUser(ctx context.Context, id string) (User, error)
	CheckEligibility(ctx context.Context, userID string) (EligibilityReport, error)
	GrantReceiveOverride(ctx context.Context, userID string) (User, error)
	ForceActivate(ctx context.Context, userID string) (User, error)

	Assign(ctx context.Context, senderID, idemKey string) (Assignment, error)
	GetAssignment(ctx context.Context, id string) (Assignment, error)
	ListAssignments(ctx context.Context, limit int, afterSeq uint64) ([]Assignment, uint64, error)

	RequestPayment(ctx context.Context, id, receiverID string) (Assignment, error)
	SubmitPayment(ctx context.Context, id, senderID string, proof PaymentProof) (Assignment, error)
	ResolvePayment(ctx context.Context, id, receiverID string, action ResolveAction, reason string) (Assignment, error)
	Cancel(ctx context.Context, id, actorID, reason string) (Assignment, error)
	ExpireOverdue(ctx context.Context, now time.Time) (int, error)
}

// InMemory implements Service with in-process concurrency safety. The
// durable implementation lives in internal/store/pg.
type InMemory struct {
	mu    sync.RWMutex
	users map[string]*User
	order []string // user insertion order; candidate scan order

	send map[string]*Assignment // sender view
	recv map[string]*Assignment // receiver view

	idem map[string]string // senderID + "\x00" + key -> assignment id
	utrs map[string]string // normalized UTR -> assignment id
	seq  uint64
}

// NewInMemory creates an empty engine.
func NewInMemory() *InMemory {
	return &InMemory{
		users: make(map[string]*User),
		send:  make(map[string]*Assignment),
		recv:  make(map[string]*Assignment),
		idem:  make(map[string]string),
		utrs:  make(map[string]string),
	}
}

func (s *InMemory) CreateUser(ctx context.Context, u User) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u.ID == "" {
		u.ID = newID()
	}
	if _, exists := s.users[u.ID]; exists {
		return User{}, ErrUserExists
	}
	if u.Level == "" {
		u.Level = string(LevelStar)
	}
	u.CreatedAt = time.Now().UTC()
	stored := u
	s.users[u.ID] = &stored
	s.order = append(s.order, u.ID)
	return copyUser(&stored), nil
}

func (s *InMemory) GetUser(ctx context.Context, id string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return copyUser(u), nil
}

func (s *InMemory) CheckEligibility(ctx context.Context, userID string) (EligibilityReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return EligibilityReport{}, ErrNotFound
	}
	return BuildEligibilityReport(*u), nil
}

func (s *InMemory) GrantReceiveOverride(ctx context.Context, userID string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return User{}, ErrNotFound
	}
	u.ReceiveOverride = true
	return copyUser(u), nil
}

func (s *InMemory) ForceActivate(ctx context.Context, userID string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return User{}, ErrNotFound
	}
	u.IsActivated = true
	u.IsBlocked = false
	u.IsOnHold = false
	u.IsReceivingHeld = false
	return copyUser(u), nil
}

func (s *InMemory) Assign(ctx context.Context, senderID, idemKey string) (Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Idempotent replay: same key returns the original assignment.
	if idemKey != "" {
		if id, ok := s.idem[idemKeyFor(senderID, idemKey)]; ok {
			return cloneAssignment(s.send[id]), nil
		}
	}

	sender, ok := s.users[senderID]
	if !ok {
		return Assignment{}, ErrSenderNotFound
	}
	if sender.IsBlocked || sender.IsOnHold || sender.PaymentBlocked {
		return Assignment{}, ErrInvalidSender
	}
	for _, a := range s.send {
		if a.SenderID == senderID && !Terminal(a.Status) {
			return Assignment{}, ErrSenderAlreadyActive
		}
	}

	senderLevel := sender.NormalizedLevel()

	// First-fit scan over level-matching candidates in insertion order.
	// No fairness policy is promised here.
	var (
		chosen     *User
		scanned    int
		rejections []CandidateRejection
	)
	for _, id := range s.order {
		candidate := s.users[id]
		if candidate.NormalizedLevel() != senderLevel {
			continue
		}
		scanned++
		if candidate.ID == senderID {
			rejections = append(rejections, CandidateRejection{CandidateID: id, Reason: ReasonSameAsSender})
			continue
		}
		if ok, reason := EligibleReceiver(*candidate, senderLevel); !ok {
			rejections = append(rejections, CandidateRejection{CandidateID: id, Reason: reason})
			continue
		}
		chosen = candidate
		break
	}
	if chosen == nil {
		return Assignment{}, &NoEligibleReceiverError{Scanned: scanned, Rejections: rejections}
	}

	now := time.Now().UTC()
	deadline := now.Add(AssignToRequestWindow)
	s.seq++
	a := Assignment{
		ID:             newID(),
		Status:         StatusAssigned,
		Sequence:       s.seq,
		SenderID:       sender.ID,
		SenderName:     sender.Name,
		SenderPhone:    sender.Phone,
		SenderLevel:    senderLevel,
		ReceiverID:     chosen.ID,
		ReceiverName:   chosen.Name,
		ReceiverPhone:  chosen.Phone,
		ReceiverLevel:  chosen.NormalizedLevel(),
		Amount:         AmountForLevel(senderLevel),
		CreatedAt:      now,
		UpdatedAt:      now,
		AssignedAt:     now,
		NextTimeoutAt:  &deadline,
		IdempotencyKey: idemKey,
	}

	// Capacity increment, override consumption and the paired write happen
	// under the same lock: the engine's one atomicity requirement.
	if OverrideNeeded(*chosen) {
		chosen.ReceiveOverride = false
	}
	chosen.ActiveReceiveCount++
	assignedAt := now
	chosen.LastReceiveAssignedAt = &assignedAt

	senderView := a
	receiverView := a
	s.send[a.ID] = &senderView
	s.recv[a.ID] = &receiverView
	if idemKey != "" {
		s.idem[idemKeyFor(senderID, idemKey)] = a.ID
	}
	return cloneAssignment(&senderView), nil
}

func (s *InMemory) GetAssignment(ctx context.Context, id string) (Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	// pair verifies the mirrored views agree before the sender view is
	// returned.
	sv, _, err := s.pair(id)
	if err != nil {
		return Assignment{}, err
	}
	return cloneAssignment(sv), nil
}

func (s *InMemory) ListAssignments(ctx context.Context, limit int, afterSeq uint64) ([]Assignment, uint64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*Assignment, 0, len(s.send))
	for _, a := range s.send {
		if a.Sequence > afterSeq {
			all = append(all, a)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Sequence < all[j].Sequence })

	var (
		res  []Assignment
		last uint64
	)
	for _, a := range all {
		res = append(res, cloneAssignment(a))
		last = a.Sequence
		if len(res) >= limit {
			break
		}
	}
	return res, last, nil
}

func (s *InMemory) RequestPayment(ctx context.Context, id, receiverID string) (Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sv, rv, err := s.pair(id)
	if err != nil {
		return Assignment{}, err
	}
	if rv.ReceiverID != receiverID {
		return Assignment{}, ErrNotParticipant
	}
	// Repeated requests are a no-op; combined with the HTTP rate limit this
	// is the request cooldown.
	if Terminal(rv.Status) || rv.Status == StatusPaymentRequested {
		return cloneAssignment(sv), nil
	}
	if !CanTransition(rv.Status, StatusPaymentRequested) {
		return Assignment{}, ErrInvalidTransition
	}

	receiver, ok := s.users[receiverID]
	if !ok {
		return Assignment{}, ErrNotFound
	}
	// Eligibility is re-checked at action time: flags may have changed
	// since the match was made.
	if ok, _ := EligibleReceiver(*receiver, receiver.NormalizedLevel()); !ok {
		return Assignment{}, ErrReceiverNotEligible
	}

	now := time.Now().UTC()
	deadline := now.Add(RequestToDoneWindow)
	patchBoth(sv, rv, func(a *Assignment) {
		a.Status = StatusPaymentRequested
		a.PaymentRequestedAt = &now
		a.NextTimeoutAt = &deadline
		a.UpdatedAt = now
	})
	return cloneAssignment(sv), nil
}

func (s *InMemory) SubmitPayment(ctx context.Context, id, senderID string, proof PaymentProof) (Assignment, error) {
	utr := strings.ToUpper(strings.TrimSpace(proof.UTR))
	if len(utr) < 6 {
		return Assignment{}, ErrInvalidUTR
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sv, rv, err := s.pair(id)
	if err != nil {
		return Assignment{}, err
	}
	if sv.SenderID != senderID {
		return Assignment{}, ErrNotParticipant
	}
	if Terminal(sv.Status) || sv.Status == StatusPaymentDone {
		return cloneAssignment(sv), nil
	}
	if sv.Status != StatusPaymentRequested || !CanTransition(sv.Status, StatusPaymentDone) {
		return Assignment{}, ErrInvalidTransition
	}
	if owner, used := s.utrs[utr]; used && owner != id {
		return Assignment{}, ErrUTRConflict
	}

	now := time.Now().UTC()
	s.utrs[utr] = id
	proof.UTR = utr
	patchBoth(sv, rv, func(a *Assignment) {
		a.Status = StatusPaymentDone
		a.Payment = proof
		a.PaymentDoneAt = &now
		a.NextTimeoutAt = nil
		a.UpdatedAt = now
	})
	return cloneAssignment(sv), nil
}

func (s *InMemory) ResolvePayment(ctx context.Context, id, receiverID string, action ResolveAction, reason string) (Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sv, rv, err := s.pair(id)
	if err != nil {
		return Assignment{}, err
	}
	if rv.ReceiverID != receiverID {
		return Assignment{}, ErrNotParticipant
	}
	if Terminal(rv.Status) {
		return cloneAssignment(sv), nil
	}

	now := time.Now().UTC()
	switch action {
	case ResolveConfirm:
		if rv.Status != StatusPaymentDone || !CanTransition(rv.Status, StatusConfirmed) {
			return Assignment{}, ErrInvalidTransition
		}
		patchBoth(sv, rv, func(a *Assignment) {
			a.Status = StatusConfirmed
			a.ConfirmedAt = &now
			a.ConfirmedByReceiver = true
			a.NextTimeoutAt = nil
			a.UpdatedAt = now
		})
		s.releaseSlot(sv, rv, now)
	case ResolveDispute:
		if !CanTransition(rv.Status, StatusDisputed) {
			return Assignment{}, ErrInvalidTransition
		}
		patchBoth(sv, rv, func(a *Assignment) {
			a.Status = StatusDisputed
			a.Dispute = Dispute{Disputed: true, DisputedAt: &now, Reason: reason}
			a.NextTimeoutAt = nil
			a.UpdatedAt = now
		})
	default:
		return Assignment{}, ErrInvalidTransition
	}
	return cloneAssignment(sv), nil
}

func (s *InMemory) Cancel(ctx context.Context, id, actorID, reason string) (Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sv, rv, err := s.pair(id)
	if err != nil {
		return Assignment{}, err
	}
	if sv.SenderID != actorID && sv.ReceiverID != actorID {
		return Assignment{}, ErrNotParticipant
	}
	if Terminal(sv.Status) {
		return cloneAssignment(sv), nil
	}

	now := time.Now().UTC()
	patchBoth(sv, rv, func(a *Assignment) {
		a.Status = StatusCancelled
		a.CancelReason = reason
		a.CancelledBy = actorID
		a.NextTimeoutAt = nil
		a.UpdatedAt = now
	})
	s.releaseSlot(sv, rv, now)
	return cloneAssignment(sv), nil
}

func (s *InMemory) ExpireOverdue(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired int
	for id, sv := range s.send {
		if Terminal(sv.Status) || sv.NextTimeoutAt == nil || now.Before(*sv.NextTimeoutAt) {
			continue
		}
		rv := s.recv[id]
		if rv == nil || rv.Status != sv.Status {
			return expired, ErrPairOutOfSync
		}
		reason := "request_window_elapsed"
		if sv.Status == StatusPaymentRequested {
			reason = "payment_window_elapsed"
		}
		patchBoth(sv, rv, func(a *Assignment) {
			a.Status = StatusTimeout
			a.TimeoutReason = reason
			a.NextTimeoutAt = nil
			a.UpdatedAt = now
		})
		s.releaseSlot(sv, rv, now)
		expired++
	}
	return expired, nil
}

// pair loads both views and verifies they have not diverged.
func (s *InMemory) pair(id string) (sv, rv *Assignment, err error) {
	sv, okS := s.send[id]
	rv, okR := s.recv[id]
	if !okS || !okR {
		return nil, nil, ErrNotFound
	}
	if sv.Status != rv.Status {
		return nil, nil, ErrPairOutOfSync
	}
	return sv, rv, nil
}

// releaseSlot frees the receiver's capacity slot exactly once.
func (s *InMemory) releaseSlot(sv, rv *Assignment, now time.Time) {
	if sv.SlotReleased || rv.SlotReleased {
		return
	}
	if u, ok := s.users[sv.ReceiverID]; ok && u.ActiveReceiveCount > 0 {
		u.ActiveReceiveCount--
	}
	patchBoth(sv, rv, func(a *Assignment) {
		a.SlotReleased = true
		a.UpdatedAt = now
	})
}

func patchBoth(sv, rv *Assignment, apply func(*Assignment)) {
	apply(sv)
	apply(rv)
}

func idemKeyFor(senderID, key string) string {
	return senderID + "\x00" + key
}

func copyUser(u *User) User {
	out := *u
	if u.HelpVisibility != nil {
		v := *u.HelpVisibility
		out.HelpVisibility = &v
	}
	if u.LastReceiveAssignedAt != nil {
		t := *u.LastReceiveAssignedAt
		out.LastReceiveAssignedAt = &t
	}
	return out
}

func cloneAssignment(a *Assignment) Assignment {
	out := *a
	out.PaymentRequestedAt = copyTime(a.PaymentRequestedAt)
	out.PaymentDoneAt = copyTime(a.PaymentDoneAt)
	out.ConfirmedAt = copyTime(a.ConfirmedAt)
	out.NextTimeoutAt = copyTime(a.NextTimeoutAt)
	out.Dispute.DisputedAt = copyTime(a.Dispute.DisputedAt)
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
