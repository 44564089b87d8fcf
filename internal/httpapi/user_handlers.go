package httpapi

import (
	"net/http"
	"strings"

	"helpmesh.org/internal/audit"
	"helpmesh.org/internal/match"
)

type createUserRequest struct {
	ID                    string `json:"id,omitempty"`
	Name                  string `json:"name"`
	Phone                 string `json:"phone,omitempty"`
	Level                 string `json:"level,omitempty"`
	IsActivated           bool   `json:"is_activated,omitempty"`
	ReferralCount         int    `json:"referral_count,omitempty"`
	HelpVisibility        *bool  `json:"help_visibility,omitempty"`
	UpgradeRequired       bool   `json:"upgrade_required,omitempty"`
	SponsorPaymentPending bool   `json:"sponsor_payment_pending,omitempty"`
}

func (a *API) handleUsersCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createUser(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost)
	}
}

func (a *API) handleUserResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/users/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	id, action, _ := strings.Cut(path, "/")
	if id == "" || strings.Contains(action, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getUser(w, r, id)
	case "eligibility":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getEligibility(w, r, id)
	case "receive-override":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.grantReceiveOverride(w, r, id)
	case "force-activate":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.forceActivate(w, r, id)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) createUser(w http.ResponseWriter, r *http.Request) {
	if err := a.requireAdmin(r.Context()); err != nil {
		writeError(w, r, http.StatusForbidden, "admin role required")
		return
	}

	var req createUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, r, http.StatusBadRequest, "name is required")
		return
	}

	u, err := a.svc.CreateUser(r.Context(), match.User{
		ID:                    strings.TrimSpace(req.ID),
		Name:                  strings.TrimSpace(req.Name),
		Phone:                 strings.TrimSpace(req.Phone),
		Level:                 strings.TrimSpace(req.Level),
		IsActivated:           req.IsActivated,
		ReferralCount:         req.ReferralCount,
		HelpVisibility:        req.HelpVisibility,
		UpgradeRequired:       req.UpgradeRequired,
		SponsorPaymentPending: req.SponsorPaymentPending,
	})
	if err != nil {
		handleMatchError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "user.create", map[string]any{
		"user_id": u.ID,
		"level":   u.Level,
	})
	w.Header().Set("Location", "/v1/users/"+u.ID)
	writeJSON(w, http.StatusCreated, u)
}

func (a *API) getUser(w http.ResponseWriter, r *http.Request, id string) {
	u, err := a.svc.GetUser(r.Context(), id)
	if err != nil {
		handleMatchError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (a *API) getEligibility(w http.ResponseWriter, r *http.Request, id string) {
	report, err := a.svc.CheckEligibility(r.Context(), id)
	if err != nil {
		handleMatchError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *API) grantReceiveOverride(w http.ResponseWriter, r *http.Request, id string) {
	if err := a.requireAdmin(r.Context()); err != nil {
		writeError(w, r, http.StatusForbidden, "admin role required")
		return
	}

	u, err := a.svc.GrantReceiveOverride(r.Context(), id)
	if err != nil {
		handleMatchError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "user.receive_override.grant", map[string]any{
		"user_id": u.ID,
	})
	writeJSON(w, http.StatusOK, u)
}

func (a *API) forceActivate(w http.ResponseWriter, r *http.Request, id string) {
	if err := a.requireAdmin(r.Context()); err != nil {
		writeError(w, r, http.StatusForbidden, "admin role required")
		return
	}

	u, err := a.svc.ForceActivate(r.Context(), id)
	if err != nil {
		handleMatchError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "user.force_activate", map[string]any{
		"user_id": u.ID,
	})
	writeJSON(w, http.StatusOK, u)
}
