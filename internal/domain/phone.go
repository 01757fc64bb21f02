package domain

import (
	"fmt"
	"strings"
)

// PhoneFormat describes the MSISDN shape the disbursement gateway expects:
// country code followed by a fixed number of subscriber digits.
type PhoneFormat struct {
	CountryCode      string
	SubscriberDigits int
}

func DefaultPhoneFormat() PhoneFormat {
	return PhoneFormat{CountryCode: "268", SubscriberDigits: 8}
}

// Normalize turns user input such as "+268 7612-3456" or "76123456" into
// "26876123456".
func (f PhoneFormat) Normalize(raw string) (string, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '.', '(', ')', '\t':
			return -1
		}
		return r
	}, strings.TrimSpace(raw))

	switch {
	case strings.HasPrefix(cleaned, "+"):
		cleaned = cleaned[1:]
	case strings.HasPrefix(cleaned, "00"):
		cleaned = cleaned[2:]
	}

	if cleaned == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPhone)
	}
	for _, r := range cleaned {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("%w: unexpected character %q", ErrInvalidPhone, r)
		}
	}

	switch len(cleaned) {
	case f.SubscriberDigits:
		return f.CountryCode + cleaned, nil
	case len(f.CountryCode) + f.SubscriberDigits:
		if !strings.HasPrefix(cleaned, f.CountryCode) {
			return "", fmt.Errorf("%w: expected country code %s", ErrInvalidPhone, f.CountryCode)
		}
		return cleaned, nil
	default:
		return "", fmt.Errorf("%w: expected %d digits", ErrInvalidPhone, f.SubscriberDigits)
	}
}

// VerifyOwnershipPhone checks that every deposit was funded from phone. A
// deposit without a recorded phone is a data-integrity gap and reported apart
// from a plain mismatch.
func VerifyOwnershipPhone(deposits []LockedDeposit, phone string) error {
	for _, d := range deposits {
		if strings.TrimSpace(d.PhoneNumber) == "" {
			return fmt.Errorf("deposit %s: %w", d.ID, ErrMissingDepositPhone)
		}
		if d.PhoneNumber != phone {
			return fmt.Errorf("deposit %s: %w", d.ID, ErrPhoneMismatch)
		}
	}
	return nil
}
