package provider

// Wire types for the provider webhook envelope and the send API. The
// envelope is entry[].changes[].value with messages[] and/or statuses[];
// individual entries can be partial or malformed and are handled one by one.

type WebhookPayload struct {
	Object string         `json:"object"`
	Entry  []WebhookEntry `json:"entry"`
}

type WebhookEntry struct {
	ID      string          `json:"id"`
	Changes []WebhookChange `json:"changes"`
}

type WebhookChange struct {
	Field string      `json:"field"`
	Value ChangeValue `json:"value"`
}

type ChangeValue struct {
	MessagingProduct string           `json:"messaging_product"`
	Metadata         ChannelMetadata  `json:"metadata"`
	Contacts         []WebhookContact `json:"contacts,omitempty"`
	Messages         []WebhookMessage `json:"messages,omitempty"`
	Statuses         []WebhookStatus  `json:"statuses,omitempty"`
}

type ChannelMetadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

type WebhookContact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

type WebhookMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`

	Text        *WebhookText        `json:"text,omitempty"`
	Image       *WebhookMedia       `json:"image,omitempty"`
	Video       *WebhookMedia       `json:"video,omitempty"`
	Audio       *WebhookMedia       `json:"audio,omitempty"`
	Document    *WebhookMedia       `json:"document,omitempty"`
	Location    *WebhookLocation    `json:"location,omitempty"`
	Contacts    []WebhookMsgContact `json:"contacts,omitempty"`
	Interactive *WebhookInteractive `json:"interactive,omitempty"`
	Button      *WebhookButton      `json:"button,omitempty"`
	Reaction    *WebhookReaction    `json:"reaction,omitempty"`

	Context  *WebhookContext  `json:"context,omitempty"`
	Referral *WebhookReferral `json:"referral,omitempty"`
}

type WebhookText struct {
	Body string `json:"body"`
}

type WebhookMedia struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type,omitempty"`
	SHA256   string `json:"sha256,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
}

type WebhookLocation struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

type WebhookMsgContact struct {
	Name struct {
		FormattedName string `json:"formatted_name"`
	} `json:"name"`
	Phones []struct {
		Phone string `json:"phone"`
	} `json:"phones,omitempty"`
}

type WebhookInteractive struct {
	Type        string `json:"type"`
	ButtonReply *struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	} `json:"button_reply,omitempty"`
	ListReply *struct {
		ID          string `json:"id"`
		Title       string `json:"title"`
		Description string `json:"description,omitempty"`
	} `json:"list_reply,omitempty"`
}

type WebhookButton struct {
	Text    string `json:"text"`
	Payload string `json:"payload,omitempty"`
}

type WebhookReaction struct {
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

type WebhookContext struct {
	From string `json:"from"`
	ID   string `json:"id"`
}

type WebhookReferral struct {
	SourceURL  string `json:"source_url,omitempty"`
	SourceType string `json:"source_type,omitempty"`
	SourceID   string `json:"source_id,omitempty"`
	Headline   string `json:"headline,omitempty"`
	Body       string `json:"body,omitempty"`
}

type WebhookStatus struct {
	ID           string              `json:"id"`
	Status       string              `json:"status"`
	Timestamp    string              `json:"timestamp"`
	RecipientID  string              `json:"recipient_id"`
	Conversation *StatusConversation `json:"conversation,omitempty"`
	Pricing      *StatusPricing      `json:"pricing,omitempty"`
	Errors       []StatusError       `json:"errors,omitempty"`
}

type StatusConversation struct {
	ID                  string `json:"id"`
	ExpirationTimestamp string `json:"expiration_timestamp,omitempty"`
	Origin              struct {
		Type string `json:"type"`
	} `json:"origin"`
}

type StatusPricing struct {
	Billable     bool   `json:"billable"`
	Category     string `json:"category"`
	PricingModel string `json:"pricing_model"`
}

type StatusError struct {
	Code      int    `json:"code"`
	Title     string `json:"title"`
	Message   string `json:"message,omitempty"`
	ErrorData struct {
		Details string `json:"details,omitempty"`
	} `json:"error_data,omitempty"`
}

// send API

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

type errorResponse struct {
	Error struct {
		Message   string `json:"message"`
		Type      string `json:"type"`
		Code      int    `json:"code"`
		ErrorData struct {
			Details string `json:"details,omitempty"`
		} `json:"error_data,omitempty"`
		FBTraceID string `json:"fbtrace_id,omitempty"`
	} `json:"error"`
}

type mediaResponse struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type,omitempty"`
	SHA256   string `json:"sha256,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`
	ID       string `json:"id"`
}
