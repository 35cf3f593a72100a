package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"vaxtrack.org/internal/otp"
	"vaxtrack.org/internal/rbac"
	"vaxtrack.org/internal/store/mem"
)

// codeCapture stands in for the SMS provider and remembers the last code per
// mobile number.
type codeCapture struct {
	mu    sync.Mutex
	codes map[string]string
}

func (c *codeCapture) send(ctx context.Context, mobile, code string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.codes[mobile] = code
	return nil
}

func (c *codeCapture) last(mobile string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.codes[mobile]
}

type testAPI struct {
	handler http.Handler
	svc     *rbac.Service
	codes   *codeCapture
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	store := mem.New()
	svc, err := rbac.NewService(store,
		rbac.WithTokenSecret("test-secret"),
		rbac.WithBootstrap("let-me-in", false),
	)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	codes := &codeCapture{codes: make(map[string]string)}
	api := New(svc, otp.NewStoreWithClient(client), ReadyProbe{}, "test", WithOTPSender(codes.send))
	return &testAPI{handler: api.Handler(), svc: svc, codes: codes}
}

// do issues a request against the in-process handler.
func (ta *testAPI) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "127.0.0.1:1234"
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	ta.handler.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
}

// bootstrapAdmin runs the bootstrap flow and returns the admin's access token.
func (ta *testAPI) bootstrapAdmin(t *testing.T) string {
	t.Helper()
	rr := ta.do(t, http.MethodPost, "/v1/auth/bootstrap", "", map[string]any{
		"mobile_number":   "+910000000001",
		"full_name":       "Root Admin",
		"bootstrap_token": "let-me-in",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("bootstrap: %d %s", rr.Code, rr.Body.String())
	}
	var resp tokenPairResponse
	decodeBody(t, rr, &resp)
	if resp.AccessToken == "" || !resp.Claims.IsSuperAdmin {
		t.Fatalf("bootstrap response: %+v", resp)
	}
	return resp.AccessToken
}

// createFacility creates a facility as the given admin and returns its
// external identifier.
func (ta *testAPI) createFacility(t *testing.T, adminToken, name string) string {
	t.Helper()
	rr := ta.do(t, http.MethodPost, "/v1/facilities", adminToken, map[string]any{
		"name":          name,
		"facility_type": "hospital",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create facility: %d %s", rr.Code, rr.Body.String())
	}
	var facility struct {
		FacilityID string `json:"facility_id"`
	}
	decodeBody(t, rr, &facility)
	if facility.FacilityID == "" {
		t.Fatal("facility response missing facility_id")
	}
	return facility.FacilityID
}

// loginVia runs the OTP request/verify flow for an already-registered number.
func (ta *testAPI) loginVia(t *testing.T, mobile string) string {
	t.Helper()
	rr := ta.do(t, http.MethodPost, "/v1/auth/otp/request", "", map[string]any{"mobile_number": mobile})
	if rr.Code != http.StatusOK {
		t.Fatalf("otp request: %d %s", rr.Code, rr.Body.String())
	}
	rr = ta.do(t, http.MethodPost, "/v1/auth/otp/verify", "", map[string]any{
		"mobile_number": mobile,
		"code":          ta.codes.last(mobile),
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("otp verify: %d %s", rr.Code, rr.Body.String())
	}
	var resp tokenPairResponse
	decodeBody(t, rr, &resp)
	if resp.AccessToken == "" {
		t.Fatalf("verify response lacks tokens: %s", rr.Body.String())
	}
	return resp.AccessToken
}

func TestBootstrapFlow(t *testing.T) {
	ta := newTestAPI(t)
	token := ta.bootstrapAdmin(t)

	// The gate has consumed itself.
	rr := ta.do(t, http.MethodPost, "/v1/auth/bootstrap", "", map[string]any{
		"mobile_number":   "+910000000002",
		"full_name":       "Second Admin",
		"bootstrap_token": "let-me-in",
	})
	if rr.Code != http.StatusConflict {
		t.Fatalf("second bootstrap: %d, want 409", rr.Code)
	}

	// The minted token authenticates.
	rr = ta.do(t, http.MethodGet, "/v1/me", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("/v1/me: %d %s", rr.Code, rr.Body.String())
	}
}

func TestUnauthenticatedRequestsRejected(t *testing.T) {
	ta := newTestAPI(t)

	for _, path := range []string{"/v1/me", "/v1/facilities"} {
		rr := ta.do(t, http.MethodGet, path, "", nil)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("GET %s without token: %d, want 401", path, rr.Code)
		}
	}
	rr := ta.do(t, http.MethodGet, "/v1/me", "not-a-jwt", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token: %d, want 401", rr.Code)
	}
	// Health endpoints stay open.
	if rr := ta.do(t, http.MethodGet, "/healthz", "", nil); rr.Code != http.StatusOK {
		t.Fatalf("/healthz: %d", rr.Code)
	}
}

func TestRegistrationFlow(t *testing.T) {
	ta := newTestAPI(t)
	mobile := "+911234567890"

	rr := ta.do(t, http.MethodPost, "/v1/auth/otp/request", "", map[string]any{"mobile_number": mobile})
	if rr.Code != http.StatusOK {
		t.Fatalf("otp request: %d %s", rr.Code, rr.Body.String())
	}

	// Unknown number verifies fine but needs registration.
	rr = ta.do(t, http.MethodPost, "/v1/auth/otp/verify", "", map[string]any{
		"mobile_number": mobile,
		"code":          ta.codes.last(mobile),
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("otp verify: %d %s", rr.Code, rr.Body.String())
	}
	var verifyResp struct {
		RegistrationRequired bool `json:"registration_required"`
	}
	decodeBody(t, rr, &verifyResp)
	if !verifyResp.RegistrationRequired {
		t.Fatalf("expected registration_required, got %s", rr.Body.String())
	}

	// Register with a fresh code.
	rr = ta.do(t, http.MethodPost, "/v1/auth/otp/request", "", map[string]any{"mobile_number": mobile})
	if rr.Code != http.StatusOK {
		t.Fatalf("second otp request: %d", rr.Code)
	}
	rr = ta.do(t, http.MethodPost, "/v1/auth/register", "", map[string]any{
		"mobile_number": mobile,
		"code":          ta.codes.last(mobile),
		"full_name":     "Parent One",
		"login_type":    "individual",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("register: %d %s", rr.Code, rr.Body.String())
	}
	var resp tokenPairResponse
	decodeBody(t, rr, &resp)
	if resp.Claims.IsSuperAdmin || len(resp.Claims.FacilityRoles) != 0 {
		t.Fatalf("fresh registration has privileges: %+v", resp.Claims)
	}

	// A wrong code never registers.
	rr = ta.do(t, http.MethodPost, "/v1/auth/register", "", map[string]any{
		"mobile_number": "+919999999999",
		"code":          "000000",
		"full_name":     "Impostor",
	})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("register with bad code: %d, want 401", rr.Code)
	}
}

func TestFacilityUserManagement(t *testing.T) {
	ta := newTestAPI(t)
	adminToken := ta.bootstrapAdmin(t)
	fid := ta.createFacility(t, adminToken, "City Hospital")

	// Super admin installs the facility admin.
	rr := ta.do(t, http.MethodPost, "/v1/facilities/"+fid+"/users", adminToken, map[string]any{
		"mobile_number": "+911111111111",
		"full_name":     "Facility Admin",
		"role":          "facility_admin",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("grant facility_admin: %d %s", rr.Code, rr.Body.String())
	}

	facToken := ta.loginVia(t, "+911111111111")

	// The facility admin manages their own staff.
	rr = ta.do(t, http.MethodPost, "/v1/facilities/"+fid+"/users", facToken, map[string]any{
		"mobile_number": "+912222222222",
		"full_name":     "Dr. Two",
		"role":          "doctor",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("facility admin grant: %d %s", rr.Code, rr.Body.String())
	}
	var granted struct {
		ID string `json:"id"`
	}
	decodeBody(t, rr, &granted)

	rr = ta.do(t, http.MethodGet, "/v1/facilities/"+fid+"/users", facToken, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list users: %d %s", rr.Code, rr.Body.String())
	}

	// A doctor holds no admin role: managing users is refused with the
	// generic denial body.
	docToken := ta.loginVia(t, "+912222222222")
	rr = ta.do(t, http.MethodGet, "/v1/facilities/"+fid+"/users", docToken, nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("doctor listing users: %d, want 403", rr.Code)
	}
	var denial map[string]any
	decodeBody(t, rr, &denial)
	if denial["error"] != "access denied" {
		t.Fatalf("denial body leaks detail: %s", rr.Body.String())
	}

	// Revoke the doctor.
	rr = ta.do(t, http.MethodDelete, "/v1/facilities/"+fid+"/users/"+granted.ID, facToken, nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("revoke: %d %s", rr.Code, rr.Body.String())
	}
}

func TestCrossFacilityIsolation(t *testing.T) {
	ta := newTestAPI(t)
	adminToken := ta.bootstrapAdmin(t)
	f1 := ta.createFacility(t, adminToken, "City Hospital")
	f2 := ta.createFacility(t, adminToken, "Rural Clinic")

	rr := ta.do(t, http.MethodPost, "/v1/facilities/"+f1+"/users", adminToken, map[string]any{
		"mobile_number": "+911111111111",
		"full_name":     "Admin F1",
		"role":          "facility_admin",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("grant: %d %s", rr.Code, rr.Body.String())
	}
	f1Token := ta.loginVia(t, "+911111111111")

	// An admin at facility one has zero standing at facility two.
	rr = ta.do(t, http.MethodGet, "/v1/facilities/"+f2+"/users", f1Token, nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("cross-facility list: %d, want 403", rr.Code)
	}
	rr = ta.do(t, http.MethodPost, "/v1/facilities/"+f2+"/users", f1Token, map[string]any{
		"mobile_number": "+913333333333",
		"full_name":     "Sneaky Grant",
		"role":          "staff",
	})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("cross-facility grant: %d, want 403", rr.Code)
	}

	// A membership cannot be revoked through a foreign facility's path.
	rr = ta.do(t, http.MethodPost, "/v1/facilities/"+f2+"/users", adminToken, map[string]any{
		"mobile_number": "+914444444444",
		"full_name":     "Staff F2",
		"role":          "staff",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("grant at f2: %d %s", rr.Code, rr.Body.String())
	}
	var f2Membership struct {
		ID string `json:"id"`
	}
	decodeBody(t, rr, &f2Membership)
	rr = ta.do(t, http.MethodDelete, fmt.Sprintf("/v1/facilities/%s/users/%s", f1, f2Membership.ID), adminToken, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("revoke through wrong facility: %d, want 404", rr.Code)
	}
}

func TestFacilityLifecycle(t *testing.T) {
	ta := newTestAPI(t)
	adminToken := ta.bootstrapAdmin(t)
	fid := ta.createFacility(t, adminToken, "City Hospital")

	rr := ta.do(t, http.MethodPost, "/v1/facilities/"+fid+"/users", adminToken, map[string]any{
		"mobile_number": "+911111111111",
		"full_name":     "Facility Admin",
		"role":          "facility_admin",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("grant: %d %s", rr.Code, rr.Body.String())
	}
	facToken := ta.loginVia(t, "+911111111111")

	// Only global admins may retire a facility.
	rr = ta.do(t, http.MethodDelete, "/v1/facilities/"+fid, facToken, nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("facility admin deactivating facility: %d, want 403", rr.Code)
	}
	rr = ta.do(t, http.MethodDelete, "/v1/facilities/"+fid, adminToken, nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("deactivate: %d %s", rr.Code, rr.Body.String())
	}

	// The facility admin's token is still live, but writes are refused now.
	rr = ta.do(t, http.MethodPost, "/v1/facilities/"+fid+"/users", facToken, map[string]any{
		"mobile_number": "+912222222222",
		"full_name":     "Late Hire",
		"role":          "staff",
	})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("write at deactivated facility: %d, want 403", rr.Code)
	}
}

func TestRefreshEndpoint(t *testing.T) {
	ta := newTestAPI(t)
	rr := ta.do(t, http.MethodPost, "/v1/auth/bootstrap", "", map[string]any{
		"mobile_number":   "+910000000001",
		"full_name":       "Root Admin",
		"bootstrap_token": "let-me-in",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("bootstrap: %d", rr.Code)
	}
	var first tokenPairResponse
	decodeBody(t, rr, &first)

	rr = ta.do(t, http.MethodPost, "/v1/auth/refresh", "", map[string]any{
		"refresh_token": first.RefreshToken,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("refresh: %d %s", rr.Code, rr.Body.String())
	}
	var second tokenPairResponse
	decodeBody(t, rr, &second)
	if second.AccessToken == "" || !second.Claims.IsSuperAdmin {
		t.Fatalf("refreshed session: %+v", second.Claims)
	}

	// An access token is not accepted as a refresh token.
	rr = ta.do(t, http.MethodPost, "/v1/auth/refresh", "", map[string]any{
		"refresh_token": first.AccessToken,
	})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("refresh with access token: %d, want 401", rr.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	ta := newTestAPI(t)
	rr := ta.do(t, http.MethodGet, "/v1/auth/bootstrap", "", nil)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET bootstrap: %d, want 405", rr.Code)
	}
	if allow := rr.Header().Get("Allow"); allow != http.MethodPost {
		t.Fatalf("Allow header = %q", allow)
	}
}
