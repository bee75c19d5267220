package domain

import (
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	e164Regex     = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)
	phoneStripper = strings.NewReplacer(" ", "", "-", "")
)

// NormalizePhoneNumber brings a phone number into its canonical form. Bare
// nine digit numbers get defaultCode prefixed and 00-prefixed international
// numbers are rewritten to the + form.
func NormalizePhoneNumber(number string, defaultCode string) string {
	number = phoneStripper.Replace(strings.TrimSpace(number))
	if len(number) == 9 && defaultCode != "" {
		number = defaultCode + number
	} else if len(number) == 14 && strings.HasPrefix(number, "00") {
		number = "+" + number[2:]
	}
	return number
}

// NormalizeRecipient validates and canonicalizes a recipient for a channel.
func NormalizeRecipient(channel Channel, recipient string, defaultPhoneCode string) (string, error) {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return "", fmt.Errorf("%w: recipient is required", ErrValidation)
	}

	switch channel {
	case ChannelSMS, ChannelDialer:
		number := NormalizePhoneNumber(recipient, defaultPhoneCode)
		if !e164Regex.MatchString(number) {
			return "", fmt.Errorf("%w: invalid phone number %q", ErrValidation, recipient)
		}
		return number, nil
	case ChannelEmail:
		addr, err := mail.ParseAddress(recipient)
		if err != nil {
			return "", fmt.Errorf("%w: invalid email address %q", ErrValidation, recipient)
		}
		return strings.ToLower(addr.Address), nil
	case ChannelPush:
		return recipient, nil
	default:
		return "", fmt.Errorf("%w: invalid channel %q", ErrValidation, channel)
	}
}

// ValidateContent checks the message body for a channel.
func ValidateContent(channel Channel, content string) error {
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("%w: content is required", ErrValidation)
	}
	if channel == ChannelSMS && utf8.RuneCountInString(content) > MaxSMSContentLength {
		return fmt.Errorf("%w: sms content exceeds %d characters", ErrValidation, MaxSMSContentLength)
	}
	return nil
}

// RemoveAccents strips combining diacritical marks, e.g. "Příliš" -> "Prilis".
func RemoveAccents(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	result, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return result
}
