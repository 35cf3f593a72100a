package rbac

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"vaxtrack.org/internal/ids"
)

const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// SessionClaims is the signed projection of a principal's active memberships
// at issuance time. FacilityRoles is keyed by facility external identifier;
// global scope is carried by IsSuperAdmin alone and has no map entry. A
// refresh token carries only the subject and token type: claims are re-derived
// from the ledger at refresh time, so a revoked membership disappears within
// one refresh cycle even though access tokens cannot be revoked early.
type SessionClaims struct {
	MobileNumber  string          `json:"mobile_number,omitempty"`
	LoginType     LoginType       `json:"login_type,omitempty"`
	IsSuperAdmin  bool            `json:"is_super_admin,omitempty"`
	FacilityRoles map[string]Role `json:"facility_roles,omitempty"`
	TokenType     string          `json:"token_type"`
	jwt.RegisteredClaims
}

// PrincipalID returns the subject claim.
func (c *SessionClaims) PrincipalID() string {
	return c.Subject
}

// TokenPair bundles the access and refresh artifacts minted together at login
// and at every refresh.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

func (s *Service) canIssueTokens() bool {
	return len(s.tokenSecret) > 0
}

// IssueTokenPair projects the principal's current memberships into a signed
// access/refresh pair. A principal with zero memberships still gets a pair;
// the empty claims deny every privileged operation downstream.
func (s *Service) IssueTokenPair(ctx context.Context, principalID string) (TokenPair, *SessionClaims, error) {
	if !s.canIssueTokens() {
		return TokenPair{}, nil, ErrNotConfigured
	}
	principal, err := s.store.Principals(ctx).Find(ctx, strings.TrimSpace(principalID))
	if err != nil {
		return TokenPair{}, nil, err
	}
	if !principal.Active {
		return TokenPair{}, nil, fmt.Errorf("%w: principal deactivated", ErrValidation)
	}

	memberships, err := s.store.Memberships(ctx).ListActiveForPrincipal(ctx, principal.ID)
	if err != nil {
		return TokenPair{}, nil, err
	}

	isSuperAdmin := false
	facilityRoles := make(map[string]Role, len(memberships))
	for _, m := range memberships {
		if m.Global() {
			isSuperAdmin = true
			continue
		}
		externalID := m.FacilityExternalID
		if externalID == "" {
			// Membership rows read outside the joined query path still need
			// the public identifier; the storage key never leaves the server.
			facility, err := s.store.Facilities(ctx).Find(ctx, *m.FacilityID)
			if err != nil {
				return TokenPair{}, nil, err
			}
			externalID = facility.ExternalID
		}
		facilityRoles[externalID] = m.Role
	}

	now := s.now().UTC()
	access := &SessionClaims{
		MobileNumber:  principal.MobileNumber,
		LoginType:     principal.LoginType,
		IsSuperAdmin:  isSuperAdmin,
		FacilityRoles: facilityRoles,
		TokenType:     TokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   principal.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
			ID:        ids.New(),
		},
	}
	refresh := &SessionClaims{
		TokenType: TokenTypeRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   principal.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.refreshTTL)),
			ID:        ids.New(),
		},
	}

	accessToken, err := s.sign(access)
	if err != nil {
		return TokenPair{}, nil, err
	}
	refreshToken, err := s.sign(refresh)
	if err != nil {
		return TokenPair{}, nil, err
	}

	return TokenPair{
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		TokenType:        "bearer",
		AccessExpiresAt:  access.ExpiresAt.Time,
		RefreshExpiresAt: refresh.ExpiresAt.Time,
	}, access, nil
}

// Refresh validates a refresh token and mints a fresh pair from current
// ledger state.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, *SessionClaims, error) {
	claims, err := s.verify(refreshToken, TokenTypeRefresh)
	if err != nil {
		return TokenPair{}, nil, err
	}
	return s.IssueTokenPair(ctx, claims.Subject)
}

// VerifyAccessToken checks the signature and registered claims of an access
// token and returns the embedded session claims. The token is untrusted input
// until this returns.
func (s *Service) VerifyAccessToken(token string) (*SessionClaims, error) {
	return s.verify(token, TokenTypeAccess)
}

func (s *Service) sign(claims *SessionClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.tokenSecret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func (s *Service) verify(token, wantType string) (*SessionClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" || !s.canIssueTokens() {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &SessionClaims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return s.tokenSecret, nil
	}, jwt.WithTimeFunc(func() time.Time { return s.now().UTC() }))
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*SessionClaims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Issuer != s.issuer {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	if claims.TokenType != wantType {
		return nil, ErrInvalidToken
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return nil, ErrInvalidToken
	}
	for externalID, role := range claims.FacilityRoles {
		if strings.TrimSpace(externalID) == "" || !role.Valid() {
			return nil, ErrInvalidToken
		}
	}
	return claims, nil
}
