package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"vaxtrack.org/internal/audit"
	"vaxtrack.org/internal/otp"
	"vaxtrack.org/internal/rbac"
)

type otpRequestBody struct {
	MobileNumber string `json:"mobile_number"`
}

type otpVerifyBody struct {
	MobileNumber string `json:"mobile_number"`
	Code         string `json:"code"`
}

type registerBody struct {
	MobileNumber string `json:"mobile_number"`
	Code         string `json:"code"`
	FullName     string `json:"full_name"`
	Email        string `json:"email"`
	LoginType    string `json:"login_type"`
}

type refreshBody struct {
	RefreshToken string `json:"refresh_token"`
}

type bootstrapBody struct {
	MobileNumber   string `json:"mobile_number"`
	FullName       string `json:"full_name"`
	BootstrapToken string `json:"bootstrap_token"`
}

type tokenPairResponse struct {
	rbac.TokenPair
	Claims *sessionView `json:"session"`
}

// sessionView is the client-facing projection of the session claims.
type sessionView struct {
	PrincipalID   string               `json:"principal_id"`
	MobileNumber  string               `json:"mobile_number,omitempty"`
	LoginType     rbac.LoginType       `json:"login_type,omitempty"`
	IsSuperAdmin  bool                 `json:"is_super_admin"`
	FacilityRoles map[string]rbac.Role `json:"facility_roles"`
}

func viewOf(claims *rbac.SessionClaims) *sessionView {
	roles := claims.FacilityRoles
	if roles == nil {
		roles = map[string]rbac.Role{}
	}
	return &sessionView{
		PrincipalID:   claims.Subject,
		MobileNumber:  claims.MobileNumber,
		LoginType:     claims.LoginType,
		IsSuperAdmin:  claims.IsSuperAdmin,
		FacilityRoles: roles,
	}
}

func (a *API) handleOTPRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req otpRequestBody
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	mobile := strings.TrimSpace(req.MobileNumber)
	if mobile == "" {
		writeError(w, r, http.StatusBadRequest, "mobile_number is required")
		return
	}

	code, err := a.otp.Issue(r.Context(), mobile)
	if err != nil {
		if errors.Is(err, otp.ErrRateLimited) {
			writeError(w, r, http.StatusTooManyRequests, err.Error())
			return
		}
		writeError(w, r, http.StatusInternalServerError, "could not issue code")
		return
	}
	if err := a.sendOTP(r.Context(), mobile, code); err != nil {
		writeError(w, r, http.StatusInternalServerError, "could not deliver code")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "sent"})
}

// handleOTPVerify logs in an existing principal. A verified number without a
// principal record needs /v1/auth/register instead; the code is consumed
// either way.
func (a *API) handleOTPVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req otpVerifyBody
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	mobile := strings.TrimSpace(req.MobileNumber)
	if mobile == "" || strings.TrimSpace(req.Code) == "" {
		writeError(w, r, http.StatusBadRequest, "mobile_number and code are required")
		return
	}

	if err := a.verifyOTP(w, r, mobile, req.Code); err != nil {
		return
	}

	principal, err := a.svc.PrincipalByMobile(r.Context(), mobile)
	if err != nil {
		if errors.Is(err, rbac.ErrNotFound) {
			writeJSON(w, http.StatusOK, map[string]any{"registration_required": true})
			return
		}
		handleServiceError(w, r, err)
		return
	}
	a.issuePair(w, r, principal.ID, "auth.login")
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req registerBody
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	mobile := strings.TrimSpace(req.MobileNumber)
	if mobile == "" || strings.TrimSpace(req.Code) == "" {
		writeError(w, r, http.StatusBadRequest, "mobile_number and code are required")
		return
	}
	loginType := rbac.LoginType(strings.TrimSpace(strings.ToLower(req.LoginType)))
	if loginType == "" {
		loginType = rbac.LoginIndividual
	}

	if err := a.verifyOTP(w, r, mobile, req.Code); err != nil {
		return
	}

	principal, err := a.svc.RegisterPrincipal(r.Context(), mobile, req.FullName, req.Email, loginType)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.issuePair(w, r, principal.ID, "auth.register")
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req refreshBody
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	pair, claims, err := a.svc.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.refresh", map[string]any{
		"principal_id": claims.Subject,
	})
	writeJSON(w, http.StatusOK, tokenPairResponse{TokenPair: pair, Claims: viewOf(claims)})
}

func (a *API) handleBootstrap(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req bootstrapBody
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	principal, err := a.svc.Bootstrap(r.Context(), req.MobileNumber, req.FullName, req.BootstrapToken)
	if err != nil {
		switch {
		case errors.Is(err, rbac.ErrAlreadyBootstrapped):
			writeError(w, r, http.StatusConflict, "already bootstrapped")
		case errors.Is(err, rbac.ErrInvalidProof):
			writeError(w, r, http.StatusForbidden, "access denied")
		default:
			handleServiceError(w, r, err)
		}
		return
	}
	a.issuePair(w, r, principal.ID, "auth.bootstrap")
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	claims, _ := rbac.ClaimsFromContext(r.Context())
	if d := rbac.Authorize(claims, nil, ""); !d.Allowed {
		accessDenied(w, r, d)
		return
	}

	principal, err := a.svc.Principal(r.Context(), claims.Subject)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	memberships, err := a.svc.ListActiveForPrincipal(r.Context(), claims.Subject)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"principal":   principal,
		"memberships": memberships,
		"session":     viewOf(claims),
	})
}

// verifyOTP maps code verification failures to responses. A non-nil return
// means the response has been written.
func (a *API) verifyOTP(w http.ResponseWriter, r *http.Request, mobile, code string) error {
	err := a.otp.Verify(r.Context(), mobile, code)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, otp.ErrCodeInvalid):
		writeError(w, r, http.StatusUnauthorized, "invalid or expired code")
	case errors.Is(err, otp.ErrTooManyAttempts):
		writeError(w, r, http.StatusTooManyRequests, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "verification failed")
	}
	return err
}

func (a *API) issuePair(w http.ResponseWriter, r *http.Request, principalID, event string) {
	pair, claims, err := a.svc.IssueTokenPair(r.Context(), principalID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), event, map[string]any{
		"principal_id": principalID,
		"login_type":   string(claims.LoginType),
	})
	writeJSON(w, http.StatusOK, tokenPairResponse{TokenPair: pair, Claims: viewOf(claims)})
}
