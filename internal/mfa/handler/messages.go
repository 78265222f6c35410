package handler

import "time"

type Empty struct{}

type StatusResponse struct {
	Enabled              bool   `json:"enabled"`
	Method               string `json:"method"`
	BackupCodesRemaining int    `json:"backup_codes_remaining"`
}

type BeginEnrollmentRequest struct {
	// Method is totp, email_otp or sms_otp.
	Method string `json:"method"`
	Phone  string `json:"phone,omitempty"`
}

type BeginEnrollmentResponse struct {
	ChallengeID string    `json:"challenge_id"`
	Method      string    `json:"method"`
	Secret      string    `json:"secret,omitempty"`
	URI         string    `json:"otpauth_uri,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type ConfirmEnrollmentRequest struct {
	ChallengeID string `json:"challenge_id"`
	Code        string `json:"code"`
}

type BackupCodesResponse struct {
	BackupCodes []string `json:"backup_codes"`
}

type ChallengeResponse struct {
	ChallengeID string    `json:"challenge_id"`
	Method      string    `json:"method"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type DisableMFARequest struct {
	Code string `json:"code"`
}

type Device struct {
	ID         string     `json:"id"`
	DeviceName string     `json:"device_name"`
	UserAgent  string     `json:"user_agent"`
	IP         string     `json:"ip"`
	ExpiresAt  time.Time  `json:"expires_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	Active     bool       `json:"active"`
}

type ListDevicesResponse struct {
	Devices []*Device `json:"devices"`
}

type RevokeDeviceRequest struct {
	DeviceID string `json:"device_id"`
}
