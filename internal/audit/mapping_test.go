package audit

import "testing"

func TestParseFullMethod(t *testing.T) {
	cases := []struct {
		in               string
		action, resource string
	}{
		{"/acad.auth.v1.AccountService/LockAccount", "lock_account", "account"},
		{"/acad.auth.v1.AccountService/ApproveEmailChange", "approve_email_change", "account"},
		{"/acad.auth.v1.SessionService/UpdateSessionLimitPolicy", "update_session_limit_policy", "session"},
		{"/acad.auth.v1.MFAService/DisableMFA", "disable_mfa", "mfa"},
		{"/acad.auth.v1.DevService/GetOTP", "get_otp", "dev"},
		{"/Plain/Do", "do", "plain"},
		{"nomethod", "unknown", "unknown"},
		{"/acad.auth.v1.Service/", "unknown", "unknown"},
	}
	for _, c := range cases {
		got := ParseFullMethod(c.in)
		if got.Action != c.action || got.Resource != c.resource {
			t.Errorf("ParseFullMethod(%q) = %+v, want %s/%s", c.in, got, c.action, c.resource)
		}
	}
}
