package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"vaxtrack.org/internal/audit"
	"vaxtrack.org/internal/obs"
	"vaxtrack.org/internal/rbac"
)

type createFacilityRequest struct {
	Name    string `json:"name"`
	Type    string `json:"facility_type"`
	Address string `json:"address"`
	City    string `json:"city"`
	State   string `json:"state"`
	Pincode string `json:"pincode"`
	Phone   string `json:"phone"`
	Email   string `json:"email"`
}

type grantMembershipRequest struct {
	MobileNumber string `json:"mobile_number"`
	FullName     string `json:"full_name"`
	Role         string `json:"role"`
}

var facilityRoles = []rbac.Role{rbac.RoleFacilityAdmin, rbac.RoleDoctor, rbac.RoleStaff}

func (a *API) handleFacilities(w http.ResponseWriter, r *http.Request) {
	claims, _ := rbac.ClaimsFromContext(r.Context())
	switch r.Method {
	case http.MethodGet:
		// The selection list is principal-scoped: any authenticated caller may
		// browse active facilities.
		if d := rbac.Authorize(claims, nil, ""); !d.Allowed {
			accessDenied(w, r, d)
			return
		}
		obs.CountAuthzDecision("allow")
		facilities, err := a.svc.ListFacilities(r.Context())
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		if facilities == nil {
			facilities = []*rbac.Facility{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"facilities": facilities})

	case http.MethodPost:
		if d := rbac.AuthorizeGlobal(claims); !d.Allowed {
			accessDenied(w, r, d)
			return
		}
		obs.CountAuthzDecision("allow")
		var req createFacilityRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		facility, err := a.svc.CreateFacility(r.Context(), &rbac.Facility{
			Name:    req.Name,
			Type:    req.Type,
			Address: req.Address,
			City:    req.City,
			State:   req.State,
			Pincode: req.Pincode,
			Phone:   req.Phone,
			Email:   req.Email,
		}, claims.Subject)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "facility.create", map[string]any{
			"facility_id": facility.ExternalID,
			"name":        facility.Name,
		})
		w.Header().Set("Location", fmt.Sprintf("/v1/facilities/%s", facility.ExternalID))
		writeJSON(w, http.StatusCreated, facility)

	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

// handleFacilityScoped dispatches /v1/facilities/{fid}[/users[/{membershipID}]].
func (a *API) handleFacilityScoped(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/facilities/")
	path = strings.Trim(path, "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	facilityID := parts[0]
	switch {
	case len(parts) == 1:
		a.handleFacility(w, r, facilityID)
	case len(parts) == 2 && parts[1] == "users":
		a.handleFacilityUsers(w, r, facilityID)
	case len(parts) == 3 && parts[1] == "users":
		a.handleFacilityUser(w, r, facilityID, parts[2])
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleFacility(w http.ResponseWriter, r *http.Request, facilityID string) {
	claims, _ := rbac.ClaimsFromContext(r.Context())
	switch r.Method {
	case http.MethodGet:
		// Any role held at the facility may read it.
		if d := rbac.Authorize(claims, facilityRoles, facilityID); !d.Allowed {
			accessDenied(w, r, d)
			return
		}
		obs.CountAuthzDecision("allow")
		facility, err := a.svc.FacilityByExternalID(r.Context(), facilityID)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, facility)

	case http.MethodDelete:
		// Registry-level operation: only global admins may retire a facility.
		if d := rbac.AuthorizeGlobal(claims); !d.Allowed {
			accessDenied(w, r, d)
			return
		}
		obs.CountAuthzDecision("allow")
		if err := a.svc.DeactivateFacility(r.Context(), facilityID, claims.Subject); err != nil {
			handleServiceError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "facility.deactivate", map[string]any{
			"facility_id": facilityID,
		})
		w.WriteHeader(http.StatusNoContent)

	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodDelete)
	}
}

func (a *API) handleFacilityUsers(w http.ResponseWriter, r *http.Request, facilityID string) {
	claims, _ := rbac.ClaimsFromContext(r.Context())
	switch r.Method {
	case http.MethodGet:
		if d := rbac.Authorize(claims, []rbac.Role{rbac.RoleFacilityAdmin}, facilityID); !d.Allowed {
			accessDenied(w, r, d)
			return
		}
		obs.CountAuthzDecision("allow")
		facility, err := a.svc.FacilityByExternalID(r.Context(), facilityID)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		memberships, err := a.svc.ListActiveForFacility(r.Context(), facility.ID)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		if memberships == nil {
			memberships = []*rbac.Membership{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"memberships": memberships})

	case http.MethodPost:
		// Granting changes ledger state, so the facility's activation is
		// re-checked against the registry rather than trusted from the token.
		d, err := a.svc.AuthorizeWrite(r.Context(), claims, []rbac.Role{rbac.RoleFacilityAdmin}, facilityID)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		if !d.Allowed {
			accessDenied(w, r, d)
			return
		}
		obs.CountAuthzDecision("allow")
		a.grantFacilityUser(w, r, facilityID, claims)

	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) grantFacilityUser(w http.ResponseWriter, r *http.Request, facilityID string, claims *rbac.SessionClaims) {
	var req grantMembershipRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, err := rbac.ParseRole(req.Role)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if role.Global() {
		// Facility admins manage their facility, never global scope.
		writeError(w, r, http.StatusBadRequest, "global roles cannot be granted at a facility")
		return
	}
	facility, err := a.svc.FacilityByExternalID(r.Context(), facilityID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	principal, err := a.findOrRegisterPrincipal(r, req)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	membership, err := a.svc.Grant(r.Context(), rbac.GrantRequest{
		PrincipalID: principal.ID,
		FacilityID:  &facility.ID,
		Role:        role,
		GrantedBy:   claims.Subject,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "membership.grant", map[string]any{
		"facility_id":   facilityID,
		"principal_id":  principal.ID,
		"membership_id": membership.ID,
		"role":          string(role),
	})
	writeJSON(w, http.StatusCreated, membership)
}

func (a *API) handleFacilityUser(w http.ResponseWriter, r *http.Request, facilityID, membershipID string) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	claims, _ := rbac.ClaimsFromContext(r.Context())
	d, err := a.svc.AuthorizeWrite(r.Context(), claims, []rbac.Role{rbac.RoleFacilityAdmin}, facilityID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if !d.Allowed {
		accessDenied(w, r, d)
		return
	}
	obs.CountAuthzDecision("allow")

	// The membership must belong to the facility in the URL; a facility admin
	// cannot revoke through a foreign facility's path.
	membership, err := a.svc.Membership(r.Context(), membershipID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if membership.Global() || membership.FacilityExternalID != facilityID {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	if err := a.svc.Revoke(r.Context(), membershipID, claims.Subject); err != nil {
		handleServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "membership.revoke", map[string]any{
		"facility_id":   facilityID,
		"membership_id": membershipID,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) findOrRegisterPrincipal(r *http.Request, req grantMembershipRequest) (*rbac.Principal, error) {
	principal, err := a.svc.PrincipalByMobile(r.Context(), req.MobileNumber)
	if err == nil {
		return principal, nil
	}
	if !errors.Is(err, rbac.ErrNotFound) {
		return nil, err
	}
	return a.svc.RegisterPrincipal(r.Context(), req.MobileNumber, req.FullName, "", rbac.LoginFacility)
}
