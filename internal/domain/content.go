package domain

import (
	"fmt"
)

// Content is the tagged union matching Message.Type. Exactly one field is
// populated for a known type; the type tag is validated where it is read,
// not trusted from the wire.
type Content struct {
	Text        *TextContent        `json:"text,omitempty"`
	Media       *MediaContent       `json:"media,omitempty"`
	Location    *LocationContent    `json:"location,omitempty"`
	Contacts    []ContactContent    `json:"contacts,omitempty"`
	Interactive *InteractiveContent `json:"interactive,omitempty"`
	Button      *ButtonContent      `json:"button,omitempty"`
	Reaction    *ReactionContent    `json:"reaction,omitempty"`
	Template    *TemplateContent    `json:"template,omitempty"`
	Raw         map[string]any      `json:"raw,omitempty"`
}

type TextContent struct {
	Body string `json:"body"`
}

// MediaContent is shared by image, video, audio and document messages.
// URL is resolved from the provider media API and may be empty when
// resolution failed; MediaID always identifies the asset.
type MediaContent struct {
	MediaID  string `json:"media_id"`
	URL      string `json:"url,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	SHA256   string `json:"sha256,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
}

type LocationContent struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

type ContactContent struct {
	Name   string   `json:"name"`
	Phones []string `json:"phones,omitempty"`
}

type InteractiveContent struct {
	Kind        string `json:"kind"` // button_reply or list_reply
	ReplyID     string `json:"reply_id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

type ButtonContent struct {
	Text    string `json:"text"`
	Payload string `json:"payload,omitempty"`
}

type ReactionContent struct {
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

type TemplateContent struct {
	Name       string              `json:"name"`
	Language   string              `json:"language"`
	Components []TemplateComponent `json:"components,omitempty"`
}

type TemplateComponent struct {
	Type       string              `json:"type"`
	Parameters []TemplateParameter `json:"parameters,omitempty"`
}

type TemplateParameter struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Validate checks that the payload field announced by the type tag is
// actually present. It is called at every boundary where the tag is read.
func (c Content) Validate(t MessageType) error {
	switch t {
	case TypeText:
		if c.Text == nil || c.Text.Body == "" {
			return fmt.Errorf("text message without text body")
		}
	case TypeImage, TypeVideo, TypeAudio, TypeDocument:
		if c.Media == nil || (c.Media.MediaID == "" && c.Media.URL == "") {
			return fmt.Errorf("%s message without media payload", t)
		}
	case TypeLocation:
		if c.Location == nil {
			return fmt.Errorf("location message without coordinates")
		}
	case TypeContacts:
		if len(c.Contacts) == 0 {
			return fmt.Errorf("contacts message without contacts")
		}
	case TypeInteractive:
		if c.Interactive == nil || c.Interactive.ReplyID == "" {
			return fmt.Errorf("interactive message without reply payload")
		}
	case TypeButton:
		if c.Button == nil || c.Button.Text == "" {
			return fmt.Errorf("button message without button payload")
		}
	case TypeReaction:
		if c.Reaction == nil || c.Reaction.MessageID == "" {
			return fmt.Errorf("reaction message without target message id")
		}
	case TypeTemplate:
		if c.Template == nil || c.Template.Name == "" {
			return fmt.Errorf("template message without template name")
		}
	case TypeUnknown:
		// raw payload is optional
	default:
		return fmt.Errorf("unsupported message type %q", t)
	}
	return nil
}
