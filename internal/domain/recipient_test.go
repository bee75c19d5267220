package domain

import (
	"errors"
	"strings"
	"testing"
)

func TestNormalizePhoneNumber(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		number      string
		defaultCode string
		want        string
	}{
		{name: "strips spaces and dashes", number: "+420 731-234 567", defaultCode: "+420", want: "+420731234567"},
		{name: "applies default code to nine digits", number: "731 234 567", defaultCode: "+420", want: "+420731234567"},
		{name: "nine digits without default code", number: "731234567", defaultCode: "", want: "731234567"},
		{name: "converts 00 prefix", number: "00420731234567", defaultCode: "+420", want: "+420731234567"},
		{name: "keeps plus form", number: "+905551112233", defaultCode: "+420", want: "+905551112233"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := NormalizePhoneNumber(tt.number, tt.defaultCode); got != tt.want {
				t.Fatalf("NormalizePhoneNumber(%q) = %q, want %q", tt.number, got, tt.want)
			}
		})
	}
}

func TestNormalizeRecipient(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		channel   Channel
		recipient string
		want      string
		wantErr   bool
	}{
		{name: "sms bare number", channel: ChannelSMS, recipient: "731234567", want: "+420731234567"},
		{name: "dialer 00 number", channel: ChannelDialer, recipient: "00420731234567", want: "+420731234567"},
		{name: "sms garbage", channel: ChannelSMS, recipient: "call me", wantErr: true},
		{name: "email lower cased", channel: ChannelEmail, recipient: "John <John.Doe@Example.com>", want: "john.doe@example.com"},
		{name: "email invalid", channel: ChannelEmail, recipient: "not-an-email", wantErr: true},
		{name: "push opaque id", channel: ChannelPush, recipient: " user-42 ", want: "user-42"},
		{name: "empty recipient", channel: ChannelPush, recipient: "  ", wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := NormalizeRecipient(tt.channel, tt.recipient, "+420")
			if tt.wantErr {
				if !errors.Is(err, ErrValidation) {
					t.Fatalf("NormalizeRecipient() error = %v, want ErrValidation", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NormalizeRecipient() error = %v", err)
			}
			if got != tt.want {
				t.Fatalf("NormalizeRecipient() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValidateContent(t *testing.T) {
	t.Parallel()

	if err := ValidateContent(ChannelSMS, "hello"); err != nil {
		t.Fatalf("ValidateContent() error = %v", err)
	}
	if err := ValidateContent(ChannelEmail, "   "); !errors.Is(err, ErrValidation) {
		t.Fatalf("ValidateContent(blank) error = %v, want ErrValidation", err)
	}
	if err := ValidateContent(ChannelSMS, strings.Repeat("a", MaxSMSContentLength+1)); !errors.Is(err, ErrValidation) {
		t.Fatalf("ValidateContent(long sms) error = %v, want ErrValidation", err)
	}
	if err := ValidateContent(ChannelEmail, strings.Repeat("a", MaxSMSContentLength+1)); err != nil {
		t.Fatalf("ValidateContent(long email) error = %v", err)
	}
}

func TestRemoveAccents(t *testing.T) {
	t.Parallel()

	if got := RemoveAccents("Příliš žluťoučký kůň"); got != "Prilis zlutoucky kun" {
		t.Fatalf("RemoveAccents() = %q", got)
	}
}
