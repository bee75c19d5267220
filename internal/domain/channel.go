package domain

import (
	"fmt"
	"strings"
)

// Channel represents the delivery channel.
type Channel string

const (
	ChannelSMS    Channel = "SMS"
	ChannelEmail  Channel = "EMAIL"
	ChannelDialer Channel = "DIALER"
	ChannelPush   Channel = "PUSH"
)

func (c Channel) String() string { return string(c) }

func (c Channel) IsValid() bool {
	switch c {
	case ChannelSMS, ChannelEmail, ChannelDialer, ChannelPush:
		return true
	}
	return false
}

// IsPhoneBased reports whether recipients of the channel are phone numbers.
func (c Channel) IsPhoneBased() bool {
	return c == ChannelSMS || c == ChannelDialer
}

func ParseChannelFromString(s string) (Channel, error) {
	ch := Channel(strings.ToUpper(strings.TrimSpace(s)))
	if !ch.IsValid() {
		return "", fmt.Errorf("%w: invalid channel %q", ErrValidation, s)
	}
	return ch, nil
}

// Channels returns every supported channel in a stable order.
func Channels() []Channel {
	return []Channel{ChannelSMS, ChannelEmail, ChannelDialer, ChannelPush}
}

const (
	PriorityHighest = 1
	PriorityLowest  = 3
	DefaultPriority = PriorityLowest
)

func IsValidPriority(p int) bool {
	return p >= PriorityHighest && p <= PriorityLowest
}
