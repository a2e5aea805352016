// Package webhook delivers engine events to the platform's notification
// channel as JSON POSTs. Delivery is best-effort: callers log and drop
// errors, and a failed post never affects the store transaction that
// produced the event.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"timekeep/internal/domain"
)

// Publisher implements ports.Notifier against a webhook URL.
type Publisher struct {
	url  string
	http *http.Client
	log  *slog.Logger
}

func NewPublisher(url string, log *slog.Logger) *Publisher {
	return &Publisher{
		url: url,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
		log: log,
	}
}

type event struct {
	Type          string     `json:"type"`
	EntryID       uuid.UUID  `json:"entry_id"`
	WorkerID      uuid.UUID  `json:"worker_id"`
	TicketID      *uuid.UUID `json:"ticket_id,omitempty"`
	ProjectID     *uuid.UUID `json:"project_id,omitempty"`
	TaskID        *uuid.UUID `json:"task_id,omitempty"`
	ClosedEntryID *uuid.UUID `json:"closed_entry_id,omitempty"`
	At            time.Time  `json:"at"`
}

func (p *Publisher) EntryCreated(ctx context.Context, e domain.TimeEntry) error {
	return p.post(ctx, eventFrom("entry.created", e))
}

func (p *Publisher) EntryClosed(ctx context.Context, e domain.TimeEntry) error {
	return p.post(ctx, eventFrom("entry.closed", e))
}

func (p *Publisher) TimerSwitched(ctx context.Context, closed *domain.TimeEntry, started domain.TimeEntry) error {
	ev := eventFrom("timer.switched", started)
	if closed != nil {
		id := closed.ID
		ev.ClosedEntryID = &id
	}
	return p.post(ctx, ev)
}

func eventFrom(kind string, e domain.TimeEntry) event {
	return event{
		Type:      kind,
		EntryID:   e.ID,
		WorkerID:  e.WorkerID,
		TicketID:  e.TicketID,
		ProjectID: e.ProjectID,
		TaskID:    e.TaskID,
		At:        time.Now().UTC(),
	}
}

func (p *Publisher) post(ctx context.Context, ev event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("webhook: unexpected status %d: %s", resp.StatusCode, string(b))
	}
	p.log.Debug("event published", slog.String("type", ev.Type), slog.String("entry_id", ev.EntryID.String()))
	return nil
}

// Discard is the notifier used when no webhook URL is configured.
type Discard struct{}

func (Discard) EntryCreated(context.Context, domain.TimeEntry) error { return nil }
func (Discard) EntryClosed(context.Context, domain.TimeEntry) error  { return nil }
func (Discard) TimerSwitched(context.Context, *domain.TimeEntry, domain.TimeEntry) error {
	return nil
}
