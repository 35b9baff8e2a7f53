package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/selimgur/whatsflow/internal/domain"
	"github.com/selimgur/whatsflow/internal/provider"
)

func newTestFailureManager(failed *fakeFailedRepo, publisher *fakePublisher, fanout *fakeNotifier) *FailureManager {
	return NewFailureManager(failed, publisher, fanout, discardLogger(), 3, time.Second, 30*time.Second)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FailureClass
	}{
		{"transport error", errors.New("connection refused"), ClassTransient},
		{"rate limited", &provider.APIError{StatusCode: http.StatusTooManyRequests, Code: 131056}, ClassTransient},
		{"service unavailable", &provider.APIError{StatusCode: http.StatusServiceUnavailable, Code: 131016}, ClassTransient},
		{"invalid recipient", &provider.APIError{StatusCode: http.StatusBadRequest, Code: 131026}, ClassTerminal},
		{"malformed content", &provider.APIError{StatusCode: http.StatusBadRequest, Code: 131009}, ClassTerminal},
		{"auth failure", &provider.APIError{StatusCode: http.StatusUnauthorized, Code: provider.CodeAuthException}, ClassCritical},
		{"token expired", &provider.APIError{StatusCode: http.StatusUnauthorized, Code: provider.CodeAccessTokenExpired}, ClassCritical},
		{"temporarily blocked", &provider.APIError{StatusCode: http.StatusForbidden, Code: provider.CodeTemporarilyBlocked}, ClassTerminal},
		{"account locked", &provider.APIError{StatusCode: http.StatusForbidden, Code: provider.CodeAccountLocked}, ClassCritical},
		{"api version retired", &provider.APIError{StatusCode: http.StatusBadRequest, Code: provider.CodeAPIVersionRetired}, ClassCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestBackoff(t *testing.T) {
	m := newTestFailureManager(newFakeFailedRepo(), &fakePublisher{}, &fakeNotifier{})

	prev := time.Duration(0)
	for attempt := range 4 {
		delay := m.Backoff(attempt)
		if delay <= prev {
			t.Errorf("Backoff(%d) = %v, not greater than Backoff(%d) = %v", attempt, delay, attempt-1, prev)
		}
		prev = delay
	}

	// 1s * 2^10 is way past the 30s cap
	if got := m.Backoff(10); got != 30*time.Second {
		t.Errorf("Backoff(10) = %v, want capped 30s", got)
	}
}

func TestBackoffScheduleMatchesBackoff(t *testing.T) {
	m := newTestFailureManager(newFakeFailedRepo(), &fakePublisher{}, &fakeNotifier{})

	schedule := BackoffSchedule(time.Second, 30*time.Second, 8)
	if len(schedule) != 8 {
		t.Fatalf("got %d delays, want 8", len(schedule))
	}
	for attempt, delay := range schedule {
		if want := m.Backoff(attempt); delay != want {
			t.Errorf("schedule[%d] = %v, want %v", attempt, delay, want)
		}
	}
}

func TestHandleDispatchFailureTransientSchedulesRetry(t *testing.T) {
	failed := newFakeFailedRepo()
	publisher := &fakePublisher{}
	m := newTestFailureManager(failed, publisher, &fakeNotifier{})

	qm := domain.QueuedMessage{To: "905551112233", Type: domain.TypeText, Content: textMessage("hi")}
	sendErr := &provider.APIError{StatusCode: http.StatusServiceUnavailable, Code: 131016, Message: "service unavailable"}

	if err := m.HandleDispatchFailure(context.Background(), qm, sendErr); err != nil {
		t.Fatalf("HandleDispatchFailure returned error: %v", err)
	}

	if len(publisher.retries) != 1 {
		t.Fatalf("got %d retry publishes, want 1", len(publisher.retries))
	}
	retry := publisher.retries[0]
	if retry.qm.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", retry.qm.RetryCount)
	}
	if retry.delay != time.Second {
		t.Errorf("first retry delay = %v, want 1s", retry.delay)
	}
	if retry.qm.LastError == nil || retry.qm.LastError.Code != 131016 {
		t.Error("queued message should carry the last error")
	}
	if len(failed.records) != 0 {
		t.Error("transient failure should not create a failure record yet")
	}
	if len(publisher.dead) != 0 {
		t.Error("transient failure should not dead-letter")
	}
}

func TestHandleDispatchFailureExhaustedGoesToDeadLetter(t *testing.T) {
	failed := newFakeFailedRepo()
	publisher := &fakePublisher{}
	m := newTestFailureManager(failed, publisher, &fakeNotifier{})

	qm := domain.QueuedMessage{To: "905551112233", Type: domain.TypeText, Content: textMessage("hi"), RetryCount: 3}
	sendErr := &provider.APIError{StatusCode: http.StatusServiceUnavailable, Code: 131016, Message: "still down"}

	if err := m.HandleDispatchFailure(context.Background(), qm, sendErr); err != nil {
		t.Fatalf("HandleDispatchFailure returned error: %v", err)
	}

	if len(publisher.retries) != 0 {
		t.Error("exhausted message must not be retried again")
	}
	if len(publisher.dead) != 1 {
		t.Fatalf("got %d dead letters, want 1", len(publisher.dead))
	}
	if len(failed.records) != 1 {
		t.Fatalf("got %d failure records, want 1", len(failed.records))
	}
	record := failed.records[1]
	if record.Status != domain.FailedPermanent {
		t.Errorf("record status = %q, want %q", record.Status, domain.FailedPermanent)
	}
	if record.RetryCount != 3 {
		t.Errorf("record retry count = %d, want 3", record.RetryCount)
	}
	if publisher.dead[0].FailureID != record.ID {
		t.Error("dead-lettered message should reference the failure record")
	}
}

func TestHandleDispatchFailureTerminalNeverRetries(t *testing.T) {
	failed := newFakeFailedRepo()
	publisher := &fakePublisher{}
	fanout := &fakeNotifier{}
	m := newTestFailureManager(failed, publisher, fanout)

	qm := domain.QueuedMessage{To: "invalid", Type: domain.TypeText, Content: textMessage("hi")}
	sendErr := &provider.APIError{StatusCode: http.StatusBadRequest, Code: 131026, Message: "recipient cannot receive messages"}

	if err := m.HandleDispatchFailure(context.Background(), qm, sendErr); err != nil {
		t.Fatalf("HandleDispatchFailure returned error: %v", err)
	}

	if len(publisher.retries) != 0 {
		t.Error("terminal failure must not be retried")
	}
	if len(failed.records) != 1 {
		t.Fatalf("got %d failure records, want exactly 1", len(failed.records))
	}
	if len(fanout.alerts) != 0 {
		t.Error("terminal failure is not account-critical, no alert expected")
	}
}

func TestHandleDispatchFailureCriticalAlertsOperators(t *testing.T) {
	failed := newFakeFailedRepo()
	publisher := &fakePublisher{}
	fanout := &fakeNotifier{}
	m := newTestFailureManager(failed, publisher, fanout)

	qm := domain.QueuedMessage{To: "905551112233", Type: domain.TypeText, Content: textMessage("hi")}
	sendErr := &provider.APIError{StatusCode: http.StatusUnauthorized, Code: provider.CodeAccessTokenExpired, Message: "access token expired"}

	if err := m.HandleDispatchFailure(context.Background(), qm, sendErr); err != nil {
		t.Fatalf("HandleDispatchFailure returned error: %v", err)
	}

	if len(fanout.alerts) != 1 {
		t.Fatalf("got %d alerts, want 1", len(fanout.alerts))
	}
	if fanout.alerts[0].Code != provider.CodeAccessTokenExpired {
		t.Errorf("alert code = %d", fanout.alerts[0].Code)
	}
	if len(publisher.dead) != 1 {
		t.Error("critical failure still dead-letters the message")
	}
}

func TestHandleDispatchFailurePersistErrorPropagates(t *testing.T) {
	failed := newFakeFailedRepo()
	failed.err = errors.New("db down")
	m := newTestFailureManager(failed, &fakePublisher{}, &fakeNotifier{})

	qm := domain.QueuedMessage{To: "905551112233", Type: domain.TypeText, Content: textMessage("hi")}
	sendErr := &provider.APIError{StatusCode: http.StatusBadRequest, Code: 131026}

	if err := m.HandleDispatchFailure(context.Background(), qm, sendErr); err == nil {
		t.Fatal("expected error when the failure record cannot be persisted")
	}
}

func TestRetryFailed(t *testing.T) {
	failed := newFakeFailedRepo()
	publisher := &fakePublisher{}
	m := newTestFailureManager(failed, publisher, &fakeNotifier{})
	ctx := context.Background()

	record := &domain.FailedMessage{
		Destination: "905551112233",
		Type:        domain.TypeText,
		Content:     textMessage("hi"),
		RetryCount:  3,
		Status:      domain.FailedPermanent,
	}
	if err := failed.Create(ctx, record); err != nil {
		t.Fatal(err)
	}

	if err := m.RetryFailed(ctx, record.ID); err != nil {
		t.Fatalf("RetryFailed returned error: %v", err)
	}

	if failed.records[record.ID].Status != domain.FailedPendingRetry {
		t.Errorf("record status = %q, want %q", failed.records[record.ID].Status, domain.FailedPendingRetry)
	}
	if len(publisher.work) != 1 {
		t.Fatalf("got %d work publishes, want 1", len(publisher.work))
	}
	qm := publisher.work[0]
	if qm.FailureID != record.ID {
		t.Error("re-enqueued message should carry the record id")
	}
	if qm.RetryCount != 3 {
		t.Errorf("re-enqueued retry count = %d, want stored 3", qm.RetryCount)
	}
}

func TestRetryFailedUnknownID(t *testing.T) {
	m := newTestFailureManager(newFakeFailedRepo(), &fakePublisher{}, &fakeNotifier{})

	if err := m.RetryFailed(context.Background(), 404); err == nil {
		t.Fatal("expected error for unknown failure id")
	}
}

func TestRetryFailedResolvedRecordRejected(t *testing.T) {
	failed := newFakeFailedRepo()
	m := newTestFailureManager(failed, &fakePublisher{}, &fakeNotifier{})
	ctx := context.Background()

	record := &domain.FailedMessage{Destination: "x", Type: domain.TypeText, Status: domain.FailedResolved}
	if err := failed.Create(ctx, record); err != nil {
		t.Fatal(err)
	}

	if err := m.RetryFailed(ctx, record.ID); err == nil {
		t.Fatal("expected error when retrying a resolved record")
	}
}

func TestConsumeDeadPersistsRecordOnce(t *testing.T) {
	failed := newFakeFailedRepo()
	m := newTestFailureManager(failed, &fakePublisher{}, &fakeNotifier{})
	ctx := context.Background()

	qm := domain.QueuedMessage{
		To:        "905551112233",
		Type:      domain.TypeText,
		Content:   textMessage("hi"),
		LastError: &domain.SendError{Code: 131026, Message: "cannot deliver"},
	}
	body, _ := json.Marshal(qm)

	if err := m.persistDeadLetter(ctx, body); err != nil {
		t.Fatalf("persistDeadLetter returned error: %v", err)
	}
	if len(failed.records) != 1 {
		t.Fatalf("got %d records, want 1", len(failed.records))
	}
	if failed.records[1].ErrorCode != 131026 {
		t.Errorf("record error code = %d", failed.records[1].ErrorCode)
	}

	// with a record id attached, redelivery is a no-op
	qm.FailureID = 1
	body, _ = json.Marshal(qm)
	if err := m.persistDeadLetter(ctx, body); err != nil {
		t.Fatalf("persistDeadLetter returned error: %v", err)
	}
	if len(failed.records) != 1 {
		t.Errorf("got %d records after redelivery, want still 1", len(failed.records))
	}
}

func TestConsumeDeadPoisonPayloadDropped(t *testing.T) {
	failed := newFakeFailedRepo()
	m := newTestFailureManager(failed, &fakePublisher{}, &fakeNotifier{})

	if err := m.persistDeadLetter(context.Background(), []byte("not json")); err != nil {
		t.Fatalf("poison payload should be dropped, got error: %v", err)
	}
	if len(failed.records) != 0 {
		t.Error("poison payload must not create a record")
	}
}

func TestConsumeDeadStopsOnContextCancel(t *testing.T) {
	m := newTestFailureManager(newFakeFailedRepo(), &fakePublisher{}, &fakeNotifier{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	deliveries := make(chan amqp.Delivery)
	done := make(chan struct{})
	go func() {
		m.ConsumeDead(ctx, deliveries)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ConsumeDead did not stop on context cancel")
	}
}
