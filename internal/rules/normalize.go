package rules

import "strings"

// NormalizePaymentMethod lowercases the method and collapses every run of
// non-alphanumeric characters into a single space, so "Credit-Card",
// "credit_card" and "Credit Card" all compare equal.
func NormalizePaymentMethod(method string) string {
	var b strings.Builder
	b.Grow(len(method))

	pendingSpace := false
	for _, r := range strings.ToLower(method) {
		alnum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if !alnum {
			pendingSpace = b.Len() > 0
			continue
		}
		if pendingSpace {
			b.WriteByte(' ')
			pendingSpace = false
		}
		b.WriteRune(r)
	}

	return b.String()
}

// paymentMethodAllowed matches the normalized order method against the
// normalized allow-list, substring match in either direction. An order with
// no recorded payment method is not subject to the allow-list.
func paymentMethodAllowed(method string, allowed []string) bool {
	norm := NormalizePaymentMethod(method)
	if norm == "" {
		return true
	}
	for _, a := range allowed {
		normAllowed := NormalizePaymentMethod(a)
		if normAllowed == "" {
			continue
		}
		if strings.Contains(norm, normAllowed) || strings.Contains(normAllowed, norm) {
			return true
		}
	}
	return false
}
