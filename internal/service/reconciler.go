package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/selimgur/whatsflow/internal/domain"
	"github.com/selimgur/whatsflow/internal/provider"
	"github.com/selimgur/whatsflow/internal/realtime"
	messageRepo "github.com/selimgur/whatsflow/internal/repository/message"
)

// FailureRecorder is the slice of the failure manager the reconciler needs
// when a status callback reports a failed outbound message.
type FailureRecorder interface {
	HandleProviderFailure(ctx context.Context, destination string, typ domain.MessageType, content domain.Content, code int, message, details string) error
}

// Reconciler applies provider delivery-status callbacks to stored
// messages. Status updates can race ahead of message creation, so an
// unknown provider id is a warning, not an error.
type Reconciler struct {
	messages messageRepo.Repository
	failures FailureRecorder
	fanout   Notifier
	logger   *slog.Logger
}

func NewReconciler(messages messageRepo.Repository, failures FailureRecorder, fanout Notifier, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		messages: messages,
		failures: failures,
		fanout:   fanout,
		logger:   logger,
	}
}

// ApplyStatus updates the message's status and merges conversation and
// pricing metadata. Statuses for a message are applied in receipt order,
// last write wins. The fanout fires regardless of how the update went.
func (r *Reconciler) ApplyStatus(ctx context.Context, st provider.WebhookStatus) error {
	if st.ID == "" {
		return fmt.Errorf("status entry without message id")
	}

	status, ok := mapProviderStatus(st.Status)
	if !ok {
		return fmt.Errorf("unknown provider status %q", st.Status)
	}

	msg, err := r.messages.GetByProviderID(ctx, st.ID)
	if err != nil {
		return fmt.Errorf("failed to look up message: %w", err)
	}
	if msg == nil {
		r.logger.Warn("status update for unknown message",
			slog.String("providerMessageId", st.ID),
			slog.String("status", st.Status))
		return nil
	}

	updateErr := r.messages.UpdateStatus(ctx, msg, status, statusMetadata(st))
	if updateErr != nil {
		r.logger.Error("failed to update message status",
			slog.String("providerMessageId", st.ID),
			slog.String("status", st.Status),
			slog.String("error", updateErr.Error()))
	}

	if status == domain.StatusFailed && len(st.Errors) > 0 {
		e := st.Errors[0]
		detail := e.ErrorData.Details
		if detail == "" {
			detail = e.Title
		}
		if err := r.failures.HandleProviderFailure(ctx, st.RecipientID, msg.Type, msg.Content, e.Code, e.Message, detail); err != nil {
			r.logger.Error("failed to record provider-reported failure",
				slog.String("providerMessageId", st.ID),
				slog.String("error", err.Error()))
		}
	}

	r.fanout.NotifyStatus(ctx, msg.ConversationID, realtime.StatusEvent{
		ProviderMessageID: msg.ProviderMessageID,
		ConversationID:    msg.ConversationID,
		Status:            status,
		Timestamp:         parseProviderTimestamp(st.Timestamp, msg.Timestamp.UTC),
	})
	return updateErr
}

func mapProviderStatus(s string) (domain.MessageStatus, bool) {
	switch s {
	case "sent":
		return domain.StatusSent, true
	case "delivered":
		return domain.StatusDelivered, true
	case "read":
		return domain.StatusRead, true
	case "failed":
		return domain.StatusFailed, true
	}
	return "", false
}

// statusMetadata extracts the conversation and pricing snapshots from the
// callback. Only these keys are merged; everything else already stored on
// the message stays untouched.
func statusMetadata(st provider.WebhookStatus) map[string]any {
	meta := make(map[string]any)
	if st.Conversation != nil {
		meta["conversation"] = map[string]any{
			"id":                   st.Conversation.ID,
			"origin_type":          st.Conversation.Origin.Type,
			"expiration_timestamp": st.Conversation.ExpirationTimestamp,
		}
	}
	if st.Pricing != nil {
		meta["pricing"] = map[string]any{
			"billable":      st.Pricing.Billable,
			"category":      st.Pricing.Category,
			"pricing_model": st.Pricing.PricingModel,
		}
	}
	return meta
}
