package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"helpmesh.org/internal/audit"
	"helpmesh.org/internal/match"
	"helpmesh.org/internal/obs"
	"helpmesh.org/internal/stream"
)

type createAssignmentRequest struct {
	SenderID       string `json:"sender_id"`
	IdempotencyKey string `json:"idempotency_key"`
}

type requestPaymentRequest struct {
	ReceiverID string `json:"receiver_id,omitempty"`
}

type submitPaymentRequest struct {
	SenderID       string `json:"sender_id,omitempty"`
	UTR            string `json:"utr"`
	Method         string `json:"method,omitempty"`
	ScreenshotPath string `json:"screenshot_path,omitempty"`
	ScreenshotSize int64  `json:"screenshot_size,omitempty"`
}

type resolvePaymentRequest struct {
	ReceiverID string `json:"receiver_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

type cancelAssignmentRequest struct {
	ActorID string `json:"actor_id,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

type listAssignmentsResponse struct {
	Items     []match.Assignment `json:"items"`
	NextAfter uint64             `json:"next_after"`
	AsOf      time.Time          `json:"as_of"`
}

func (a *API) handleAssignmentsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createAssignment(w, r)
	case http.MethodGet:
		a.listAssignments(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleAssignmentResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/assignments/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	id, action, _ := strings.Cut(path, "/")
	if id == "" || strings.Contains(action, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	if action == "" {
		switch r.Method {
		case http.MethodGet:
			a.getAssignment(w, r, id)
		default:
			methodNotAllowed(w, r, http.MethodGet)
		}
		return
	}

	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	switch action {
	case "request-payment":
		a.requestPayment(w, r, id)
	case "payment":
		a.submitPayment(w, r, id)
	case "confirm":
		a.resolvePayment(w, r, id, match.ResolveConfirm)
	case "dispute":
		a.resolvePayment(w, r, id, match.ResolveDispute)
	case "cancel":
		a.cancelAssignment(w, r, id)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) createAssignment(w http.ResponseWriter, r *http.Request) {
	var req createAssignmentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	idem := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if req.IdempotencyKey != "" {
		bodyKey := strings.TrimSpace(req.IdempotencyKey)
		if idem == "" {
			idem = bodyKey
		} else if idem != bodyKey {
			writeError(w, r, http.StatusBadRequest, "Idempotency-Key header and body value must match")
			return
		}
	}
	if len(idem) > 128 {
		writeError(w, r, http.StatusBadRequest, "Idempotency-Key too long")
		return
	}

	senderID := a.actorID(r, req.SenderID)
	if senderID == "" {
		writeError(w, r, http.StatusBadRequest, "sender_id is required")
		return
	}
	// Only admins may open assignments on behalf of another user.
	if reqSender := strings.TrimSpace(req.SenderID); reqSender != "" && reqSender != senderID {
		if err := a.requireAdmin(r.Context()); err != nil {
			writeError(w, r, http.StatusForbidden, "cannot create assignments for another user")
			return
		}
		senderID = reqSender
	}

	start := time.Now().UTC()
	assignment, err := a.svc.Assign(r.Context(), senderID, idem)
	if err != nil {
		var noMatch *match.NoEligibleReceiverError
		if errors.As(err, &noMatch) {
			obs.ObserveAssignment("no_eligible_receiver")
			for reason, n := range noMatch.ReasonCounts() {
				for i := 0; i < n; i++ {
					obs.ObserveRejection(string(reason))
				}
			}
			writeJSON(w, http.StatusConflict, map[string]any{
				"error":      noMatch.Error(),
				"scanned":    noMatch.Scanned,
				"rejections": noMatch.Rejections,
			})
			return
		}
		handleMatchError(w, r, err)
		return
	}

	replayed := idem != "" && assignment.CreatedAt.Before(start)
	if idem != "" {
		w.Header().Set("Idempotency-Key", idem)
	}

	if replayed {
		obs.ObserveAssignment("replayed")
	} else {
		obs.ObserveAssignment("created")
		obs.ObserveTransition(string(assignment.Status))
		a.publish(assignment)
	}

	event := "help.assignment.create"
	if replayed {
		event = "help.assignment.idempotent_replay"
	}
	fields := map[string]any{
		"assignment_id": assignment.ID,
		"sender_id":     assignment.SenderID,
		"receiver_id":   assignment.ReceiverID,
		"level":         string(assignment.SenderLevel),
		"amount":        strconv.FormatInt(assignment.Amount, 10),
	}
	if idem != "" {
		fields["idempotency_key"] = idem
	}
	_ = audit.LogEvent(r.Context(), event, fields)

	w.Header().Set("Location", "/v1/assignments/"+assignment.ID)
	writeJSON(w, http.StatusCreated, assignment)
}

func (a *API) getAssignment(w http.ResponseWriter, r *http.Request, id string) {
	assignment, err := a.svc.GetAssignment(r.Context(), id)
	if err != nil {
		handleMatchError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, assignment)
}

func (a *API) listAssignments(w http.ResponseWriter, r *http.Request) {
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	afterParam := strings.TrimSpace(r.URL.Query().Get("after"))
	var after uint64
	if afterParam != "" {
		v, err := strconv.ParseUint(afterParam, 10, 64)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "after must be a non-negative integer")
			return
		}
		after = v
	}

	items, next, err := a.svc.ListAssignments(r.Context(), limit, after)
	if err != nil {
		handleMatchError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, listAssignmentsResponse{
		Items:     items,
		NextAfter: next,
		AsOf:      time.Now().UTC(),
	})
}

func (a *API) requestPayment(w http.ResponseWriter, r *http.Request, id string) {
	var req requestPaymentRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	receiverID := a.actorID(r, req.ReceiverID)
	if receiverID == "" {
		writeError(w, r, http.StatusBadRequest, "receiver_id is required")
		return
	}

	assignment, err := a.svc.RequestPayment(r.Context(), id, receiverID)
	if err != nil {
		handleMatchError(w, r, err)
		return
	}

	obs.ObserveTransition(string(assignment.Status))
	a.publish(assignment)
	_ = audit.LogEvent(r.Context(), "help.payment.request", map[string]any{
		"assignment_id": assignment.ID,
		"receiver_id":   receiverID,
	})
	writeJSON(w, http.StatusOK, assignment)
}

func (a *API) submitPayment(w http.ResponseWriter, r *http.Request, id string) {
	var req submitPaymentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	senderID := a.actorID(r, req.SenderID)
	if senderID == "" {
		writeError(w, r, http.StatusBadRequest, "sender_id is required")
		return
	}

	assignment, err := a.svc.SubmitPayment(r.Context(), id, senderID, match.PaymentProof{
		UTR:            req.UTR,
		Method:         req.Method,
		ScreenshotPath: req.ScreenshotPath,
		ScreenshotSize: req.ScreenshotSize,
	})
	if err != nil {
		handleMatchError(w, r, err)
		return
	}

	obs.ObserveTransition(string(assignment.Status))
	a.publish(assignment)
	_ = audit.LogEvent(r.Context(), "help.payment.submit", map[string]any{
		"assignment_id": assignment.ID,
		"sender_id":     senderID,
		"utr":           assignment.Payment.UTR,
	})
	writeJSON(w, http.StatusOK, assignment)
}

func (a *API) resolvePayment(w http.ResponseWriter, r *http.Request, id string, action match.ResolveAction) {
	var req resolvePaymentRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	receiverID := a.actorID(r, req.ReceiverID)
	if receiverID == "" {
		writeError(w, r, http.StatusBadRequest, "receiver_id is required")
		return
	}
	if action == match.ResolveDispute && strings.TrimSpace(req.Reason) == "" {
		writeError(w, r, http.StatusBadRequest, "reason is required for dispute")
		return
	}

	assignment, err := a.svc.ResolvePayment(r.Context(), id, receiverID, action, strings.TrimSpace(req.Reason))
	if err != nil {
		handleMatchError(w, r, err)
		return
	}

	obs.ObserveTransition(string(assignment.Status))
	a.publish(assignment)
	event := "help.payment.confirm"
	if action == match.ResolveDispute {
		event = "help.payment.dispute"
	}
	_ = audit.LogEvent(r.Context(), event, map[string]any{
		"assignment_id": assignment.ID,
		"receiver_id":   receiverID,
		"status":        string(assignment.Status),
	})
	writeJSON(w, http.StatusOK, assignment)
}

func (a *API) cancelAssignment(w http.ResponseWriter, r *http.Request, id string) {
	var req cancelAssignmentRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	actorID := a.actorID(r, req.ActorID)
	if actorID == "" {
		writeError(w, r, http.StatusBadRequest, "actor_id is required")
		return
	}

	assignment, err := a.svc.Cancel(r.Context(), id, actorID, strings.TrimSpace(req.Reason))
	if err != nil {
		handleMatchError(w, r, err)
		return
	}

	obs.ObserveTransition(string(assignment.Status))
	a.publish(assignment)
	_ = audit.LogEvent(r.Context(), "help.assignment.cancel", map[string]any{
		"assignment_id": assignment.ID,
		"actor_id":      actorID,
		"reason":        req.Reason,
	})
	writeJSON(w, http.StatusOK, assignment)
}

func (a *API) publish(assignment match.Assignment) {
	if a.stream == nil {
		return
	}
	a.stream.Publish(stream.AssignmentEvent{
		ID:         assignment.ID,
		Status:     string(assignment.Status),
		SenderID:   assignment.SenderID,
		ReceiverID: assignment.ReceiverID,
		Level:      string(assignment.SenderLevel),
		Amount:     assignment.Amount,
		Timestamp:  time.Now().UTC(),
	})
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("limit must be between 1 and 1000")
	}
	return val, nil
}

// errEmptyBody lets handlers treat an absent body as an empty request.
var errEmptyBody = errors.New("request body is required")

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func handleMatchError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, match.ErrInvalidUTR):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, match.ErrNotParticipant):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, match.ErrNotFound), errors.Is(err, match.ErrSenderNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, match.ErrUserExists),
		errors.Is(err, match.ErrSenderAlreadyActive),
		errors.Is(err, match.ErrInvalidSender),
		errors.Is(err, match.ErrReceiverNotEligible),
		errors.Is(err, match.ErrInvalidTransition),
		errors.Is(err, match.ErrUTRConflict),
		errors.Is(err, match.ErrNoEligibleReceiver):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, match.ErrTransactionConflict):
		writeError(w, r, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := audit.RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
