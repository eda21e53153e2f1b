package cookies

import (
	"fmt"
	"time"
)

// Validation statuses
const (
	StatusValid   = "valid"
	StatusPartial = "partial"
	StatusExpired = "expired"
	StatusInvalid = "invalid"
)

// ValidationResult contains the result of cookie validation
type ValidationResult struct {
	Valid     bool       `json:"valid"`
	Status    string     `json:"status"`
	Message   string     `json:"message"`
	Count     int        `json:"count"`
	Expired   int        `json:"expired"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// ValidateFile parses and validates a cookie file
func ValidateFile(path string, now time.Time) *ValidationResult {
	cookies, err := ParseFile(path)
	if err != nil {
		return &ValidationResult{Status: StatusInvalid, Message: err.Error()}
	}
	return Validate(cookies, now)
}

// Validate checks expiration timestamps. Some expired cookies still leave the
// profile usable, since preference cookies often expire before session ones.
func Validate(cookies []NetscapeCookie, now time.Time) *ValidationResult {
	res := &ValidationResult{Count: len(cookies)}
	if len(cookies) == 0 {
		res.Status = StatusInvalid
		res.Message = "no cookies found"
		return res
	}

	for _, c := range cookies {
		if c.Expired(now) {
			res.Expired++
		}
	}
	res.ExpiresAt = EarliestExpiration(cookies)

	switch {
	case res.Expired == len(cookies):
		res.Status = StatusExpired
		res.Message = fmt.Sprintf("all %d cookies expired", len(cookies))
	case res.Expired > 0:
		res.Valid = true
		res.Status = StatusPartial
		res.Message = fmt.Sprintf("%d of %d cookies expired", res.Expired, len(cookies))
	default:
		res.Valid = true
		res.Status = StatusValid
		res.Message = fmt.Sprintf("all %d cookies valid", len(cookies))
		if res.ExpiresAt != nil {
			res.Message += ", expires " + res.ExpiresAt.Format("2006-01-02")
		}
	}
	return res
}
