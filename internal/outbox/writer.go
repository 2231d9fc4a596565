package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"weighline/internal/domain"
	"weighline/internal/repo"
)

// Writer appends sync queue entries. Enqueue must run inside the same
// transaction as the ticket mutation it describes, so the remote system
// never learns of a state the local store does not durably hold.
type Writer struct {
	Repo repo.Repo
	Now  func() time.Time
}

func (w Writer) Enqueue(ctx context.Context, tx *sql.Tx, t domain.Ticket, op string) (int64, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	now := w.Now().UTC().Format(time.RFC3339)
	payload, err := json.Marshal(t)
	if err != nil {
		return 0, fmt.Errorf("marshal ticket payload: %w", err)
	}
	entry := domain.SyncEntry{
		TicketID:  t.ID,
		Op:        op,
		Payload:   string(payload),
		DedupeKey: dedupeKey(t.ID, op, now),
		CreatedAt: now,
	}
	seq, err := w.Repo.InsertSyncEntry(ctx, tx, entry)
	if err != nil {
		return 0, fmt.Errorf("enqueue %s for ticket %d: %w", op, t.ID, err)
	}
	return seq, nil
}

// dedupeKey derives a stable identifier the remote system deduplicates
// by; it is persisted with the entry so every retry replays the same key.
func dedupeKey(ticketID int64, op, ts string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%d|%s|%s", ticketID, op, ts))).String()
}
