package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"dossierflow/internal/config"
	"dossierflow/internal/domain"
	"dossierflow/internal/repo"
)

const (
	defaultDispatchInterval = 2 * time.Second
	defaultDispatchTimeout  = 5 * time.Second
	defaultDispatchBatch    = 100
	defaultMaxAttempts      = 3
)

// Dispatcher tails the audit trail and posts transition events to the
// configured webhooks. At-least-once per webhook; an event whose retry
// budget is exhausted is dropped with a log line and the cursor advances,
// so a dead endpoint cannot wedge the queue.
type Dispatcher struct {
	Repo        repo.Repo
	Webhooks    []config.WebhookConfig
	Client      *http.Client
	Interval    time.Duration
	MaxAttempts int

	mu      sync.Mutex
	cursors map[int]int64
}

func NewDispatcher(r repo.Repo, hooks []config.WebhookConfig) *Dispatcher {
	return &Dispatcher{
		Repo:        r,
		Webhooks:    hooks,
		Client:      &http.Client{Timeout: defaultDispatchTimeout},
		Interval:    defaultDispatchInterval,
		MaxAttempts: defaultMaxAttempts,
		cursors:     make(map[int]int64),
	}
}

// Run polls until ctx is cancelled. Call it from a goroutine.
func (d *Dispatcher) Run(ctx context.Context) {
	if len(d.Webhooks) == 0 {
		return
	}
	ticker := time.NewTicker(d.Interval)
	defer ticker.Stop()
	for {
		d.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchAll runs one delivery round across all webhooks.
func (d *Dispatcher) DispatchAll(ctx context.Context) {
	for i, hook := range d.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *Dispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor := d.cursorFor(ctx, idx)
	entries, err := d.Repo.AuditEntriesAfter(ctx, defaultDispatchBatch, cursor)
	if err != nil {
		log.Printf("notify: fetch audit entries failed: %v", err)
		return
	}
	filter := newEventFilter(hook.Events)
	for _, entry := range entries {
		evt := EventFromAudit(entry)
		if !filter.match(evt.Type) {
			d.setCursor(idx, entry.ID)
			continue
		}
		if err := d.post(ctx, hook, entry.ID, evt); err != nil {
			log.Printf("notify: deliver audit entry %d to %s dropped: %v", entry.ID, hook.URL, err)
		}
		d.setCursor(idx, entry.ID)
	}
}

func (d *Dispatcher) post(ctx context.Context, hook config.WebhookConfig, entryID int64, evt Event) error {
	body, err := json.Marshal(struct {
		ID int64 `json:"id"`
		Event
	}{ID: entryID, Event: evt})
	if err != nil {
		return err
	}
	var lastErr error
	for attempt := 1; attempt <= d.MaxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		res, err := d.Client.Do(req)
		if err == nil {
			res.Body.Close()
			if res.StatusCode < 300 {
				return nil
			}
			err = fmt.Errorf("status %d", res.StatusCode)
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
		}
	}
	return fmt.Errorf("after %d attempts: %w", d.MaxAttempts, lastErr)
}

func (d *Dispatcher) cursorFor(ctx context.Context, idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.Repo.LatestAuditEntryID(ctx)
	if err != nil {
		log.Printf("notify: init cursor failed: %v", err)
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *Dispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

// EventFromAudit maps a committed audit entry to the outbound contract.
func EventFromAudit(e domain.AuditEntry) Event {
	ts, _ := time.Parse(time.RFC3339, e.TS)
	return Event{
		DossierID:  e.DossierID,
		Type:       eventTypeFor(e.FromStatus, e.ToStatus),
		FromStatus: e.FromStatus,
		ToStatus:   e.ToStatus,
		ActorID:    e.ActorID,
		TS:         ts,
		Metadata:   map[string]any{"audit_entry_id": e.ID},
	}
}

func eventTypeFor(from, to domain.Status) string {
	switch to {
	case domain.StatusEnAttente:
		if from == domain.StatusRejeteCB {
			return "dossier.resoumis"
		}
		return "dossier.soumis"
	case domain.StatusValideCB:
		return "dossier.valide_cb"
	case domain.StatusRejeteCB:
		return "dossier.rejete_cb"
	case domain.StatusValideOrdonnateur:
		return "dossier.ordonnance"
	case domain.StatusPaye:
		return "dossier.paye"
	case domain.StatusTermine:
		return "dossier.termine"
	}
	return "dossier.statut_change"
}

// MatchEventPattern reports whether an event type passes a webhook's
// event patterns. Empty patterns and "*" match everything; a trailing
// "*" matches by prefix.
func MatchEventPattern(patterns []string, eventType string) bool {
	return newEventFilter(patterns).match(eventType)
}

type eventFilter struct {
	all      bool
	prefixes []string
	exact    map[string]bool
}

func newEventFilter(patterns []string) eventFilter {
	f := eventFilter{exact: map[string]bool{}}
	if len(patterns) == 0 {
		f.all = true
		return f
	}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if p == "*" {
			f.all = true
			continue
		}
		if strings.HasSuffix(p, "*") {
			f.prefixes = append(f.prefixes, strings.TrimSuffix(p, "*"))
			continue
		}
		f.exact[p] = true
	}
	return f
}

func (f eventFilter) match(eventType string) bool {
	if f.all || f.exact[eventType] {
		return true
	}
	for _, prefix := range f.prefixes {
		if strings.HasPrefix(eventType, prefix) {
			return true
		}
	}
	return false
}
