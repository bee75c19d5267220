package domain

import (
	"fmt"
	"strings"
	"time"
)

// Template is a reusable message body identified by channel and slug.
type Template struct {
	Channel                    Channel
	Slug                       string
	Body                       string
	Subject                    *string
	Heading                    *string
	Sender                     *string
	SenderName                 *string
	IsActive                   bool
	IsAllowedDuplicateMessages bool
	DisallowedObjects          []RelatedObject
	CreatedAt                  time.Time
	UpdatedAt                  time.Time
}

func (t *Template) Validate() error {
	if !t.Channel.IsValid() {
		return fmt.Errorf("%w: invalid channel %q", ErrValidation, t.Channel)
	}
	if strings.TrimSpace(t.Slug) == "" {
		return fmt.Errorf("%w: template slug is required", ErrValidation)
	}
	if strings.TrimSpace(t.Body) == "" {
		return fmt.Errorf("%w: template body is required", ErrValidation)
	}
	for _, obj := range t.DisallowedObjects {
		if err := obj.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Disallows reports the first related object the template refuses to send for.
func (t *Template) Disallows(objects []RelatedObject) (RelatedObject, bool) {
	if len(t.DisallowedObjects) == 0 {
		return RelatedObject{}, false
	}
	blocked := make(map[RelatedObject]struct{}, len(t.DisallowedObjects))
	for _, obj := range t.DisallowedObjects {
		blocked[obj] = struct{}{}
	}
	for _, obj := range objects {
		if _, ok := blocked[obj]; ok {
			return obj, true
		}
	}
	return RelatedObject{}, false
}
