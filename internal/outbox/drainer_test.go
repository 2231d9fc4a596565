package outbox_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"weighline/internal/config"
	"weighline/internal/db"
	"weighline/internal/domain"
	"weighline/internal/engine"
	"weighline/internal/migrate"
	"weighline/internal/outbox"
)

// fakeRemote records delivery order and fails sequences on demand.
type fakeRemote struct {
	delivered []int64
	failSeqs  map[int64]bool
}

func (f *fakeRemote) Deliver(ctx context.Context, entry domain.SyncEntry) (string, error) {
	if f.failSeqs[entry.Sequence] {
		return "", errors.New("remote rejected entry")
	}
	f.delivered = append(f.delivered, entry.Sequence)
	return fmt.Sprintf("ext-%d", entry.Sequence), nil
}

type drainEnv struct {
	Engine *engine.Engine
	Remote *fakeRemote
	Drain  *outbox.Drainer
	Ctx    context.Context
}

func newDrainEnv(t *testing.T) drainEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC) }
	remote := &fakeRemote{failSeqs: map[int64]bool{}}
	return drainEnv{
		Engine: eng,
		Remote: remote,
		Drain:  &outbox.Drainer{Repo: eng.Repo, Client: remote, MaxAttempts: 3},
		Ctx:    context.Background(),
	}
}

func (env drainEnv) openAndWeigh(t *testing.T, plate string) domain.Ticket {
	t.Helper()
	gross := 15000.0
	tk, err := env.Engine.WeighIn(env.Ctx, engine.WeighInOptions{
		VehiclePlate: plate,
		Direction:    domain.DirectionIn,
		PartnerID:    "partner-7",
		ProductID:    "gravel",
		GrossKg:      &gross,
	})
	if err != nil {
		t.Fatalf("weigh in: %v", err)
	}
	if _, err := env.Engine.RecordTare(env.Ctx, tk.ID, 5000, nil); err != nil {
		t.Fatalf("tare: %v", err)
	}
	return tk
}

func TestDrainDeliversInSequenceOrder(t *testing.T) {
	env := newDrainEnv(t)
	env.openAndWeigh(t, "AAA-111")
	env.openAndWeigh(t, "BBB-222")

	summary, err := env.Drain.Drain(env.Ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if !summary.Ran || summary.Delivered != 4 || summary.Failed != 0 || summary.Depth != 0 {
		t.Fatalf("summary = %+v", summary)
	}
	for i, seq := range env.Remote.delivered {
		if seq != int64(i+1) {
			t.Fatalf("delivery order %v, want ascending from 1", env.Remote.delivered)
		}
	}

	entries, err := env.Engine.Repo.UnackedSyncEntries(env.Ctx)
	if err != nil {
		t.Fatalf("unacked: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("unacked after drain = %d, want 0", len(entries))
	}
}

func TestDrainRecordsRemoteRef(t *testing.T) {
	env := newDrainEnv(t)
	tk := env.openAndWeigh(t, "AAA-111")

	if _, err := env.Drain.Drain(env.Ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	got, err := env.Engine.Get(env.Ctx, tk.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.RemoteRef == nil {
		t.Fatalf("remote_ref not recorded")
	}
}

func TestFailureHoldsLaterEntriesForSameTicket(t *testing.T) {
	env := newDrainEnv(t)
	env.openAndWeigh(t, "AAA-111") // seq 1 (create), 2 (weigh_out)
	env.openAndWeigh(t, "BBB-222")

	env.Remote.failSeqs[1] = true
	summary, err := env.Drain.Drain(env.Ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	// seq 1 failed, seq 2 held; the other ticket still goes through
	if summary.Delivered != 2 || summary.Held != 1 {
		t.Fatalf("summary = %+v, want delivered 2 held 1", summary)
	}
	for _, seq := range env.Remote.delivered {
		if seq == 2 {
			t.Fatalf("held entry was delivered: %v", env.Remote.delivered)
		}
	}

	entry, err := env.Engine.Repo.GetSyncEntry(env.Ctx, 1)
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}
	if entry.State != domain.SyncPending || entry.Attempts != 1 || entry.LastError == nil {
		t.Fatalf("entry after failure = %+v", entry)
	}
}

func TestTerminalFailureAndRequeue(t *testing.T) {
	env := newDrainEnv(t)
	env.openAndWeigh(t, "AAA-111")
	env.Remote.failSeqs[1] = true

	// exhaust the attempt ceiling
	for i := 0; i < 3; i++ {
		if _, err := env.Drain.Drain(env.Ctx); err != nil {
			t.Fatalf("drain %d: %v", i, err)
		}
	}
	entry, err := env.Engine.Repo.GetSyncEntry(env.Ctx, 1)
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}
	if entry.State != domain.SyncFailed || entry.Attempts != 3 {
		t.Fatalf("entry = %+v, want failed after 3 attempts", entry)
	}

	// a failed entry keeps holding its successors without burning attempts
	summary, err := env.Drain.Drain(env.Ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if summary.Delivered != 0 || summary.Held != 1 {
		t.Fatalf("summary with terminal head = %+v", summary)
	}
	if len(env.Remote.delivered) != 0 {
		t.Fatalf("delivered past a terminal failure: %v", env.Remote.delivered)
	}

	// operator requeue unblocks the chain
	env.Remote.failSeqs[1] = false
	requeued, err := env.Engine.RequeueSync(env.Ctx, 1)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if requeued.State != domain.SyncPending || requeued.Attempts != 0 {
		t.Fatalf("requeued entry = %+v", requeued)
	}
	summary, err = env.Drain.Drain(env.Ctx)
	if err != nil {
		t.Fatalf("drain after requeue: %v", err)
	}
	if summary.Delivered != 2 || summary.Depth != 0 {
		t.Fatalf("summary after requeue = %+v", summary)
	}
}

func TestRedrainDoesNotRedeliver(t *testing.T) {
	env := newDrainEnv(t)
	env.openAndWeigh(t, "AAA-111")

	if _, err := env.Drain.Drain(env.Ctx); err != nil {
		t.Fatalf("first drain: %v", err)
	}
	calls := len(env.Remote.delivered)
	summary, err := env.Drain.Drain(env.Ctx)
	if err != nil {
		t.Fatalf("second drain: %v", err)
	}
	if len(env.Remote.delivered) != calls {
		t.Fatalf("acked entries redelivered: %v", env.Remote.delivered)
	}
	if summary.Delivered != 0 || summary.Depth != 0 {
		t.Fatalf("second summary = %+v", summary)
	}
}

func TestRequeueUnknownSequence(t *testing.T) {
	env := newDrainEnv(t)
	if _, err := env.Engine.RequeueSync(env.Ctx, 42); err == nil {
		t.Fatalf("expected error for unknown sequence")
	}
}
