package audit

import (
	"strings"
	"unicode"
)

// ActionResource holds action and resource derived from a gRPC full method name.
type ActionResource struct {
	Action   string
	Resource string
}

// ParseFullMethod maps /acad.auth.v1.AccountService/LockAccount to action "lock_account" on
// resource "account".
func ParseFullMethod(fullMethod string) ActionResource {
	slash := strings.LastIndex(fullMethod, "/")
	if slash < 0 {
		return ActionResource{Action: "unknown", Resource: "unknown"}
	}
	method := fullMethod[slash+1:]
	service := fullMethod[:slash]
	if dot := strings.LastIndex(service, "."); dot >= 0 {
		service = service[dot+1:]
	} else {
		service = strings.TrimPrefix(service, "/")
	}
	resource := snake(strings.TrimSuffix(service, "Service"))
	if resource == "" {
		resource = "unknown"
	}
	action := snake(method)
	if action == "" {
		action = "unknown"
	}
	return ActionResource{Action: action, Resource: resource}
}

// snake converts CamelCase to snake_case, keeping acronyms together (DisableMFA -> disable_mfa).
func snake(s string) string {
	rs := []rune(s)
	var b strings.Builder
	for i, r := range rs {
		if unicode.IsUpper(r) {
			if i > 0 && (unicode.IsLower(rs[i-1]) || (i+1 < len(rs) && unicode.IsLower(rs[i+1]) && unicode.IsUpper(rs[i-1]))) {
				b.WriteByte('_')
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}
