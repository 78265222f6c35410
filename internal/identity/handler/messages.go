package handler

import (
	"time"

	"acad-system/backend/internal/identity/service"
	"acad-system/backend/internal/lifecycle/deletion"
	"acad-system/backend/internal/lifecycle/emailchange"
	"acad-system/backend/internal/lifecycle/suspension"
	"acad-system/backend/internal/security"
	userdomain "acad-system/backend/internal/user/domain"
)

type Empty struct{}

type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

// User is the public view of an account.
type User struct {
	ID            string    `json:"id"`
	Email         string    `json:"email"`
	Role          string    `json:"role"`
	EmailVerified bool      `json:"email_verified"`
	MFAMethod     string    `json:"mfa_method"`
	CreatedAt     time.Time `json:"created_at"`
}

type UserResponse struct {
	User *User `json:"user"`
}

type LoginRequest struct {
	Email          string `json:"email"`
	Password       string `json:"password"`
	DeviceName     string `json:"device_name,omitempty"`
	DeviceToken    string `json:"device_token,omitempty"`
	RememberDevice bool   `json:"remember_device,omitempty"`
}

// LoginResponse carries either a pending challenge (mfa_required) or the new session.
type LoginResponse struct {
	MFARequired        bool                `json:"mfa_required"`
	ChallengeID        string              `json:"challenge_id,omitempty"`
	MFAMethod          string              `json:"mfa_method,omitempty"`
	ChallengeExpiresAt *time.Time          `json:"challenge_expires_at,omitempty"`
	User               *User               `json:"user,omitempty"`
	SessionID          string              `json:"session_id,omitempty"`
	Tokens             *security.TokenPair `json:"tokens,omitempty"`
	DeviceToken        string              `json:"device_token,omitempty"`
	EvictedSessionID   string              `json:"evicted_session_id,omitempty"`
}

type VerifyMFARequest struct {
	ChallengeID string `json:"challenge_id"`
	Code        string `json:"code"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type TokensResponse struct {
	Tokens security.TokenPair `json:"tokens"`
}

type SendMagicLinkRequest struct {
	Email string `json:"email"`
	// Purpose is "login" (default) or "unlock".
	Purpose string `json:"purpose,omitempty"`
}

type SendMagicLinkResponse struct {
	Message          string `json:"message"`
	ExpiresInSeconds int64  `json:"expires_in_seconds"`
}

type VerifyMagicLinkRequest struct {
	Token          string `json:"token"`
	DeviceName     string `json:"device_name,omitempty"`
	DeviceToken    string `json:"device_token,omitempty"`
	RememberDevice bool   `json:"remember_device,omitempty"`
}

type ReactivateAccountRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type ReactivateAccountResponse struct {
	Suspension *suspension.Suspension `json:"suspension"`
}

// TokenRequest carries a single emailed token.
type TokenRequest struct {
	Token string `json:"token"`
}

type DeletionResponse struct {
	Request *deletion.Request `json:"request"`
}

type EmailChangeResponse struct {
	Request *emailchange.Request `json:"request"`
}

type LogoutRequest struct{}

type LogoutAllRequest struct {
	KeepCurrent bool `json:"keep_current"`
	AllWebsites bool `json:"all_websites,omitempty"`
}

type LogoutAllResponse struct {
	RevokedSessionIDs []string `json:"revoked_session_ids"`
}

type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

func userView(u *userdomain.User) *User {
	if u == nil {
		return nil
	}
	method := string(u.MFAMethod)
	if method == "" {
		method = string(userdomain.MFANone)
	}
	return &User{
		ID:            u.ID,
		Email:         u.Email,
		Role:          string(u.Role),
		EmailVerified: u.EmailVerified,
		MFAMethod:     method,
		CreatedAt:     u.CreatedAt,
	}
}

func loginResponse(res *service.LoginResult) *LoginResponse {
	if res.MFARequired {
		expires := res.ExpiresAt
		return &LoginResponse{
			MFARequired:        true,
			ChallengeID:        res.ChallengeID,
			MFAMethod:          string(res.MFAMethod),
			ChallengeExpiresAt: &expires,
		}
	}
	tokens := res.Tokens
	out := &LoginResponse{
		User:        userView(res.User),
		Tokens:      &tokens,
		DeviceToken: res.DeviceToken,
	}
	if res.Session != nil {
		out.SessionID = res.Session.ID
	}
	if res.Evicted != nil {
		out.EvictedSessionID = res.Evicted.ID
	}
	return out
}
