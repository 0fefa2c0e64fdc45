package v1

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"
)

// Content kinds.
const (
	ContentText       = "text"
	ContentAttachment = "attachment"
)

// MaxTextRunes bounds a text body.
const MaxTextRunes = 4000

// Content is a tagged variant: either a text body or an attachment reference.
//
//	{"kind":"text","body":"hi"}
//	{"kind":"attachment","url":"https://...","mime":"image/png","name":"cat.png"}
type Content struct {
	Kind string `json:"kind"`
	Body string `json:"body,omitempty"`
	URL  string `json:"url,omitempty"`
	MIME string `json:"mime,omitempty"`
	Name string `json:"name,omitempty"`
}

// Text builds a text content value.
func Text(body string) Content {
	return Content{Kind: ContentText, Body: body}
}

// Attachment builds an attachment content value.
func Attachment(rawURL, mime, name string) Content {
	return Content{Kind: ContentAttachment, URL: rawURL, MIME: mime, Name: name}
}

// IsAttachment reports whether the content references an uploaded file.
func (c Content) IsAttachment() bool { return c.Kind == ContentAttachment }

// Preview returns a short human-readable line for notifications.
func (c Content) Preview() string {
	switch c.Kind {
	case ContentAttachment:
		if strings.HasPrefix(c.MIME, "image/") {
			return "sent you an image"
		}
		return "sent you a file"
	default:
		return c.Body
	}
}

// Validate checks the variant is well-formed.
func (c Content) Validate() error {
	switch c.Kind {
	case ContentText:
		body := strings.TrimSpace(c.Body)
		if body == "" {
			return errors.New("empty text")
		}
		if utf8.RuneCountInString(body) > MaxTextRunes {
			return fmt.Errorf("message too long: max=%d chars", MaxTextRunes)
		}
		if c.URL != "" || c.MIME != "" {
			return errors.New("text content must not carry attachment fields")
		}
		return nil
	case ContentAttachment:
		if c.Body != "" {
			return errors.New("attachment content must not carry a body")
		}
		u, err := url.Parse(strings.TrimSpace(c.URL))
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return errors.New("attachment url must be absolute http(s)")
		}
		if strings.TrimSpace(c.MIME) == "" {
			return errors.New("attachment mime is required")
		}
		return nil
	case "":
		return errors.New("missing content kind")
	default:
		return fmt.Errorf("unknown content kind: %q", c.Kind)
	}
}
