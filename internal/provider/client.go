package provider

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/selimgur/whatsflow/internal/domain"
)

// Client talks to the provider's messaging graph API with bearer auth.
type Client struct {
	httpClient    *resty.Client
	phoneNumberID string
	logger        *slog.Logger
}

func NewClient(baseURL, accessToken, phoneNumberID string, logger *slog.Logger) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("provider baseURL cannot be empty")
	}
	if accessToken == "" {
		return nil, fmt.Errorf("provider accessToken cannot be empty")
	}
	if phoneNumberID == "" {
		return nil, fmt.Errorf("provider phoneNumberID cannot be empty")
	}

	client := resty.New().
		SetBaseURL(baseURL).
		SetAuthToken(accessToken).
		SetTimeout(10 * time.Second)

	return &Client{
		httpClient:    client,
		phoneNumberID: phoneNumberID,
		logger:        logger,
	}, nil
}

// SendMessage posts one outbound message and returns the provider-assigned
// message id. A non-2xx response comes back as *APIError so callers can
// classify it.
func (c *Client) SendMessage(ctx context.Context, to string, typ domain.MessageType, content domain.Content) (string, error) {
	body, err := buildSendPayload(to, typ, content)
	if err != nil {
		return "", err
	}

	var result sendResponse
	var apiErr errorResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&result).
		SetError(&apiErr).
		Post(fmt.Sprintf("/%s/messages", c.phoneNumberID))
	if err != nil {
		return "", fmt.Errorf("provider send request failed: %w", err)
	}

	if resp.IsError() {
		c.logger.Error("provider rejected outbound message",
			slog.String("to", to),
			slog.String("type", string(typ)),
			slog.Int("statusCode", resp.StatusCode()),
			slog.Int("providerCode", apiErr.Error.Code),
			slog.String("message", apiErr.Error.Message))
		return "", &APIError{
			StatusCode: resp.StatusCode(),
			Code:       apiErr.Error.Code,
			Message:    apiErr.Error.Message,
			Details:    apiErr.Error.ErrorData.Details,
		}
	}

	if len(result.Messages) == 0 || result.Messages[0].ID == "" {
		return "", fmt.Errorf("provider accepted message but returned no message id")
	}
	return result.Messages[0].ID, nil
}

// ResolveMediaURL exchanges a media id for a short-lived download URL.
func (c *Client) ResolveMediaURL(ctx context.Context, mediaID string) (string, error) {
	var result mediaResponse
	var apiErr errorResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetResult(&result).
		SetError(&apiErr).
		Get("/" + mediaID)
	if err != nil {
		return "", fmt.Errorf("provider media lookup failed: %w", err)
	}
	if resp.IsError() {
		return "", &APIError{
			StatusCode: resp.StatusCode(),
			Code:       apiErr.Error.Code,
			Message:    apiErr.Error.Message,
			Details:    apiErr.Error.ErrorData.Details,
		}
	}
	return result.URL, nil
}

// DownloadMedia fetches the media bytes from a previously resolved URL.
// The same bearer token is required.
func (c *Client) DownloadMedia(ctx context.Context, url string) ([]byte, error) {
	resp, err := c.httpClient.R().
		SetContext(ctx).
		Get(url)
	if err != nil {
		return nil, fmt.Errorf("provider media download failed: %w", err)
	}
	if resp.IsError() {
		return nil, &APIError{StatusCode: resp.StatusCode(), Message: "media download rejected"}
	}
	return resp.Body(), nil
}

func buildSendPayload(to string, typ domain.MessageType, content domain.Content) (map[string]any, error) {
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                to,
		"type":              string(typ),
	}

	switch typ {
	case domain.TypeText:
		payload["text"] = map[string]any{"body": content.Text.Body}
	case domain.TypeImage, domain.TypeVideo, domain.TypeAudio, domain.TypeDocument:
		media := map[string]any{}
		if content.Media.MediaID != "" {
			media["id"] = content.Media.MediaID
		} else {
			media["link"] = content.Media.URL
		}
		if content.Media.Caption != "" {
			media["caption"] = content.Media.Caption
		}
		if typ == domain.TypeDocument && content.Media.Filename != "" {
			media["filename"] = content.Media.Filename
		}
		payload[string(typ)] = media
	case domain.TypeLocation:
		payload["location"] = map[string]any{
			"latitude":  content.Location.Latitude,
			"longitude": content.Location.Longitude,
			"name":      content.Location.Name,
			"address":   content.Location.Address,
		}
	case domain.TypeReaction:
		payload["reaction"] = map[string]any{
			"message_id": content.Reaction.MessageID,
			"emoji":      content.Reaction.Emoji,
		}
	case domain.TypeTemplate:
		payload["template"] = map[string]any{
			"name":       content.Template.Name,
			"language":   map[string]any{"code": content.Template.Language},
			"components": content.Template.Components,
		}
	default:
		return nil, fmt.Errorf("unsupported outbound message type %q", typ)
	}

	return payload, nil
}
