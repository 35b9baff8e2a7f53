package service

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/aniladanir/retry"

	"github.com/selimgur/whatsflow/internal/domain"
	"github.com/selimgur/whatsflow/internal/provider"
	conversationRepo "github.com/selimgur/whatsflow/internal/repository/conversation"
	messageRepo "github.com/selimgur/whatsflow/internal/repository/message"
)

// StatusApplier is the reconciler's side of webhook handling.
type StatusApplier interface {
	ApplyStatus(ctx context.Context, st provider.WebhookStatus) error
}

// Normalizer validates and decodes provider webhook payloads into the
// internal message representation. It is tolerant of partial input: a
// malformed message or status entry is logged and skipped, never failing
// the whole batch, because the provider expects HTTP 200 regardless.
type Normalizer struct {
	conversations conversationRepo.Repository
	messages      messageRepo.Repository
	window        WindowStore
	reconciler    StatusApplier
	media         MediaResolver
	retrier       *retry.Retrier
	fanout        Notifier
	logger        *slog.Logger
	now           func() time.Time
}

func NewNormalizer(
	conversations conversationRepo.Repository,
	messages messageRepo.Repository,
	window WindowStore,
	reconciler StatusApplier,
	media MediaResolver,
	fanout Notifier,
	logger *slog.Logger,
) (*Normalizer, error) {
	// media URL resolution gets a short bounded inline retry; everything
	// else in the webhook path is single-shot
	retrier, err := retry.New(retry.WithMaxAttemps(3))
	if err != nil {
		return nil, fmt.Errorf("encountered error when initializing retrier: %w", err)
	}

	return &Normalizer{
		conversations: conversations,
		messages:      messages,
		window:        window,
		reconciler:    reconciler,
		media:         media,
		retrier:       retrier,
		fanout:        fanout,
		logger:        logger,
		now:           func() time.Time { return time.Now().UTC() },
	}, nil
}

// HandleWebhook walks every entry[].changes[].value in the payload and
// dispatches messages and statuses individually.
func (n *Normalizer) HandleWebhook(ctx context.Context, payload provider.WebhookPayload) {
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			value := change.Value

			for _, wm := range value.Messages {
				if err := n.handleMessage(ctx, value, wm); err != nil {
					n.logger.Warn("skipping malformed webhook message entry",
						slog.String("providerMessageId", wm.ID),
						slog.String("type", wm.Type),
						slog.String("error", err.Error()))
				}
			}

			for _, ws := range value.Statuses {
				if err := n.reconciler.ApplyStatus(ctx, ws); err != nil {
					n.logger.Warn("skipping webhook status entry",
						slog.String("providerMessageId", ws.ID),
						slog.String("status", ws.Status),
						slog.String("error", err.Error()))
				}
			}
		}
	}
}

func (n *Normalizer) handleMessage(ctx context.Context, value provider.ChangeValue, wm provider.WebhookMessage) error {
	if wm.ID == "" || wm.From == "" {
		return fmt.Errorf("message entry without id or sender")
	}

	kind := domain.KindCustomerInitiated
	if wm.Referral != nil {
		kind = domain.KindReferralConversion
	}

	conv, err := n.conversations.EnsureActive(ctx, wm.From, value.Metadata.PhoneNumberID, kind)
	if err != nil {
		return fmt.Errorf("failed to resolve conversation: %w", err)
	}

	expiry, err := n.window.Extend(ctx, conv, domain.DirectionInbound)
	if err != nil {
		return fmt.Errorf("failed to extend conversation window: %w", err)
	}

	typ, content, err := n.buildContent(ctx, wm)
	if err != nil {
		return err
	}

	msg := &domain.Message{
		ProviderMessageID: wm.ID,
		ConversationID:    conv.ID,
		Direction:         domain.DirectionInbound,
		Type:              typ,
		Content:           content,
		Status:            domain.StatusDelivered,
		Timestamp:         parseProviderTimestamp(wm.Timestamp, n.now),
		Metadata:          messageMetadata(wm, expiry),
	}
	created, err := n.messages.UpsertByProviderID(ctx, msg)
	if err != nil {
		return fmt.Errorf("failed to persist message: %w", err)
	}
	if !created {
		// duplicate webhook delivery, already absorbed by the upsert
		n.logger.Debug("duplicate webhook message ignored",
			slog.String("providerMessageId", wm.ID))
		return nil
	}

	n.fanout.NotifyMessage(ctx, conv.ID, msg)
	n.logger.Info("inbound message persisted",
		slog.String("providerMessageId", wm.ID),
		slog.String("from", wm.From),
		slog.String("type", string(typ)),
		slog.Int("conversationId", conv.ID))
	return nil
}

// buildContent maps the provider's type tag onto the internal tagged
// union. Unrecognized tags are persisted as unknown rather than dropped;
// a recognized tag whose payload is missing is malformed.
func (n *Normalizer) buildContent(ctx context.Context, wm provider.WebhookMessage) (domain.MessageType, domain.Content, error) {
	var typ domain.MessageType
	var content domain.Content

	switch wm.Type {
	case "text":
		if wm.Text == nil {
			return "", content, fmt.Errorf("text message without text payload")
		}
		typ = domain.TypeText
		content.Text = &domain.TextContent{Body: wm.Text.Body}
	case "image":
		typ = domain.TypeImage
		content.Media = n.buildMedia(ctx, wm.Image)
	case "video":
		typ = domain.TypeVideo
		content.Media = n.buildMedia(ctx, wm.Video)
	case "audio":
		typ = domain.TypeAudio
		content.Media = n.buildMedia(ctx, wm.Audio)
	case "document":
		typ = domain.TypeDocument
		content.Media = n.buildMedia(ctx, wm.Document)
	case "location":
		if wm.Location == nil {
			return "", content, fmt.Errorf("location message without location payload")
		}
		typ = domain.TypeLocation
		content.Location = &domain.LocationContent{
			Latitude:  wm.Location.Latitude,
			Longitude: wm.Location.Longitude,
			Name:      wm.Location.Name,
			Address:   wm.Location.Address,
		}
	case "contacts":
		if len(wm.Contacts) == 0 {
			return "", content, fmt.Errorf("contacts message without contacts payload")
		}
		typ = domain.TypeContacts
		for _, c := range wm.Contacts {
			contact := domain.ContactContent{Name: c.Name.FormattedName}
			for _, p := range c.Phones {
				contact.Phones = append(contact.Phones, p.Phone)
			}
			content.Contacts = append(content.Contacts, contact)
		}
	case "interactive":
		if wm.Interactive == nil {
			return "", content, fmt.Errorf("interactive message without interactive payload")
		}
		typ = domain.TypeInteractive
		ic := &domain.InteractiveContent{Kind: wm.Interactive.Type}
		switch {
		case wm.Interactive.ButtonReply != nil:
			ic.ReplyID = wm.Interactive.ButtonReply.ID
			ic.Title = wm.Interactive.ButtonReply.Title
		case wm.Interactive.ListReply != nil:
			ic.ReplyID = wm.Interactive.ListReply.ID
			ic.Title = wm.Interactive.ListReply.Title
			ic.Description = wm.Interactive.ListReply.Description
		default:
			return "", content, fmt.Errorf("interactive message without reply payload")
		}
		content.Interactive = ic
	case "button":
		if wm.Button == nil {
			return "", content, fmt.Errorf("button message without button payload")
		}
		typ = domain.TypeButton
		content.Button = &domain.ButtonContent{Text: wm.Button.Text, Payload: wm.Button.Payload}
	case "reaction":
		if wm.Reaction == nil {
			return "", content, fmt.Errorf("reaction message without reaction payload")
		}
		typ = domain.TypeReaction
		content.Reaction = &domain.ReactionContent{MessageID: wm.Reaction.MessageID, Emoji: wm.Reaction.Emoji}
	default:
		typ = domain.TypeUnknown
		content.Raw = map[string]any{"provider_type": wm.Type}
	}

	if wm.Type == "image" || wm.Type == "video" || wm.Type == "audio" || wm.Type == "document" {
		if content.Media == nil {
			return "", content, fmt.Errorf("%s message without media payload", wm.Type)
		}
	}
	return typ, content, nil
}

// buildMedia converts the provider media reference, resolving the download
// URL with a short bounded retry. Resolution is best-effort: the media id
// is always kept, so a missing URL can be resolved on demand later.
func (n *Normalizer) buildMedia(ctx context.Context, m *provider.WebhookMedia) *domain.MediaContent {
	if m == nil {
		return nil
	}
	media := &domain.MediaContent{
		MediaID:  m.ID,
		MimeType: m.MimeType,
		SHA256:   m.SHA256,
		Caption:  m.Caption,
		Filename: m.Filename,
	}

	resolved := <-n.retrier.Retry(ctx, func(attempt int) (terminate bool) {
		url, err := n.media.ResolveMediaURL(ctx, m.ID)
		if err != nil {
			n.logger.Warn("failed to resolve media url",
				slog.String("mediaId", m.ID),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()))
			return false
		}
		media.URL = url
		return true
	}, true)
	if !resolved {
		n.logger.Warn("media url left unresolved", slog.String("mediaId", m.ID))
	}
	return media
}

func messageMetadata(wm provider.WebhookMessage, windowExpiry time.Time) map[string]any {
	meta := map[string]any{
		"window_expires_at": windowExpiry.Format(time.RFC3339),
	}
	if wm.Context != nil {
		meta["context"] = map[string]any{"from": wm.Context.From, "id": wm.Context.ID}
	}
	if wm.Referral != nil {
		meta["referral"] = map[string]any{
			"source_url":  wm.Referral.SourceURL,
			"source_type": wm.Referral.SourceType,
			"source_id":   wm.Referral.SourceID,
			"headline":    wm.Referral.Headline,
		}
	}
	return meta
}

// parseProviderTimestamp decodes the provider's unix-seconds string,
// falling back to the current time when it is absent or malformed.
func parseProviderTimestamp(ts string, now func() time.Time) time.Time {
	if ts == "" {
		return now()
	}
	secs, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return now()
	}
	return time.Unix(secs, 0).UTC()
}
