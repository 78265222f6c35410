package security

import (
	"crypto"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned when a token is malformed, expired, or fails issuer/audience checks.
var ErrInvalidToken = errors.New("invalid token")

const (
	kindAccess  = "access"
	kindRefresh = "refresh"
)

// Claims are the JWT claims shared by access and refresh tokens. Kind keeps one from being
// accepted in place of the other.
type Claims struct {
	jwt.RegisteredClaims
	Kind      string `json:"kind"`
	SessionID string `json:"sid"`
	WebsiteID string `json:"wid"`
	Role      string `json:"role,omitempty"`
}

// Subject identifies the bearer of a token.
type Subject struct {
	SessionID string
	UserID    string
	WebsiteID string
	Role      string
}

// TokenPair is the access/refresh pair handed to a client after login or refresh.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	// RefreshJTI is stored on the session to bind the refresh token; never sent to clients.
	RefreshJTI string `json:"-"`
}

// TokenProvider issues and validates JWT access and refresh tokens using RS256 or ES256.
type TokenProvider struct {
	privateKey crypto.Signer
	publicKey  crypto.PublicKey
	method     jwt.SigningMethod
	issuer     string
	audience   string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewTokenProvider returns a TokenProvider that signs with privateKey. issuer and audience are set on
// claims and enforced on validation.
func NewTokenProvider(privateKey crypto.Signer, publicKey crypto.PublicKey, issuer, audience string, accessTTL, refreshTTL time.Duration) (*TokenProvider, error) {
	var method jwt.SigningMethod
	switch KeyAlg(privateKey.Public()) {
	case "RS256":
		method = jwt.SigningMethodRS256
	case "ES256":
		method = jwt.SigningMethodES256
	default:
		return nil, ErrInvalidKey
	}
	return &TokenProvider{
		privateKey: privateKey,
		publicKey:  publicKey,
		method:     method,
		issuer:     issuer,
		audience:   audience,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
	}, nil
}

// AccessTTL is the lifetime of issued access tokens; the revocation list keeps entries this long.
func (p *TokenProvider) AccessTTL() time.Duration { return p.accessTTL }

// IssuePair issues a fresh access and refresh token bound to the subject's session.
func (p *TokenProvider) IssuePair(sub Subject) (TokenPair, error) {
	access, _, accessExp, err := p.issue(kindAccess, sub, p.accessTTL)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, jti, refreshExp, err := p.issue(kindRefresh, sub, p.refreshTTL)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     refresh,
		RefreshExpiresAt: refreshExp,
		RefreshJTI:       jti,
	}, nil
}

func (p *TokenProvider) issue(kind string, sub Subject, ttl time.Duration) (string, string, time.Time, error) {
	jti, err := generateJTI()
	if err != nil {
		return "", "", time.Time{}, err
	}
	now := p.now().UTC()
	exp := now.Add(ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   sub.UserID,
			Issuer:    p.issuer,
			Audience:  jwt.ClaimStrings{p.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Kind:      kind,
		SessionID: sub.SessionID,
		WebsiteID: sub.WebsiteID,
		Role:      sub.Role,
	}
	token, err := jwt.NewWithClaims(p.method, claims).SignedString(p.privateKey)
	if err != nil {
		return "", "", time.Time{}, err
	}
	return token, jti, exp, nil
}

// ValidateAccess checks signature, expiry, issuer and audience of an access token.
func (p *TokenProvider) ValidateAccess(token string) (Subject, error) {
	c, err := p.parse(token, kindAccess)
	if err != nil {
		return Subject{}, err
	}
	return Subject{SessionID: c.SessionID, UserID: c.Subject, WebsiteID: c.WebsiteID, Role: c.Role}, nil
}

// ValidateRefresh checks a refresh token and returns its subject and jti.
func (p *TokenProvider) ValidateRefresh(token string) (Subject, string, error) {
	c, err := p.parse(token, kindRefresh)
	if err != nil {
		return Subject{}, "", err
	}
	return Subject{SessionID: c.SessionID, UserID: c.Subject, WebsiteID: c.WebsiteID, Role: c.Role}, c.ID, nil
}

func (p *TokenProvider) parse(token, kind string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (interface{}, error) { return p.publicKey, nil },
		jwt.WithValidMethods([]string{p.method.Alg()}),
		jwt.WithIssuer(p.issuer),
		jwt.WithAudience(p.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(p.now),
	)
	if err != nil || !parsed.Valid || claims.Kind != kind || claims.SessionID == "" || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func generateJTI() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
