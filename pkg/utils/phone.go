package utils

import (
	"regexp"
	"strings"
)

var (
	e164Re  = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)
	maskRe  = regexp.MustCompile(`^(\+)(\d{1,3})(\d{3})(\d+)$`)
	digitRe = regexp.MustCompile(`[^\d+]`)
)

// MaskPhone masks a phone number for logging.
// Example: +919876543210 -> +91987•••3210
func MaskPhone(phone string) string {
	if phone == "" {
		return ""
	}

	phone = strings.TrimSpace(phone)

	matches := maskRe.FindStringSubmatch(phone)
	if len(matches) == 5 {
		countryCode := matches[2]
		first3 := matches[3]
		lastDigits := matches[4]

		if len(lastDigits) >= 4 {
			last4 := lastDigits[len(lastDigits)-4:]
			masked := strings.Repeat("•", len(lastDigits)-4)
			return "+" + countryCode + first3 + masked + last4
		}
	}

	if len(phone) > 4 {
		masked := strings.Repeat("•", len(phone)-4)
		return masked + phone[len(phone)-4:]
	}

	return strings.Repeat("•", len(phone))
}

// ValidateE164 validates E.164 phone number format
func ValidateE164(phone string) bool {
	return e164Re.MatchString(phone)
}

// NormalizeE164 normalizes a dialed string to E.164. Numbers without a
// country code are assumed Indian, matching the fleet's home market.
func NormalizeE164(phone string) string {
	cleaned := digitRe.ReplaceAllString(phone, "")

	if !strings.HasPrefix(cleaned, "+") {
		switch {
		case strings.HasPrefix(cleaned, "91") && len(cleaned) == 12:
			cleaned = "+" + cleaned
		case strings.HasPrefix(cleaned, "0"):
			cleaned = "+91" + cleaned[1:]
		default:
			cleaned = "+91" + cleaned
		}
	}

	return cleaned
}
