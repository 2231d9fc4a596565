package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"weighline/internal/config"
	"weighline/internal/domain"
	"weighline/internal/outbox"
	"weighline/internal/repo"
)

// Engine owns the ticket lifecycle. Every mutation runs inside one
// transaction together with its sync queue entry, and mutations on the
// same ticket are serialized through a per-ticket lock. Tickets on
// different ids never contend.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Outbox outbox.Writer
	Config *config.Config
	Now    func() time.Time

	locks sync.Map // ticket id -> *sync.Mutex
}

func New(db *sql.DB, cfg *config.Config) *Engine {
	r := repo.Repo{DB: db}
	return &Engine{
		DB:     db,
		Repo:   r,
		Outbox: outbox.Writer{Repo: r},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) lockTicket(id int64) func() {
	v, _ := e.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// WeighInOptions are parameters for opening a ticket.
type WeighInOptions struct {
	VehiclePlate      string
	Direction         string
	PartnerID         string
	ProductID         string
	GrossKg           *float64
	WeighInAt         *time.Time
	DeliveryReference *string
	DriverName        *string
	DriverPhone       *string
	OperatorName      string
	Remarks           *string
}

// WeighIn opens a ticket in state OPEN, recording the gross weight if
// one is supplied. The gross weight may alternatively be captured
// later with RecordGross.
func (e *Engine) WeighIn(ctx context.Context, opts WeighInOptions) (domain.Ticket, error) {
	if opts.VehiclePlate == "" {
		return domain.Ticket{}, fmt.Errorf("%w: vehicle_plate is required", ErrValidation)
	}
	if opts.Direction != domain.DirectionIn && opts.Direction != domain.DirectionOut {
		return domain.Ticket{}, fmt.Errorf("%w: direction must be IN or OUT", ErrValidation)
	}
	if opts.PartnerID == "" {
		return domain.Ticket{}, fmt.Errorf("%w: partner_id is required", ErrValidation)
	}
	if opts.ProductID == "" {
		return domain.Ticket{}, fmt.Errorf("%w: product_id is required", ErrValidation)
	}
	if opts.GrossKg != nil && *opts.GrossKg <= 0 {
		return domain.Ticket{}, fmt.Errorf("%w: gross weight must be greater than zero", ErrValidation)
	}
	now := e.now().UTC()
	nowStr := now.Format(time.RFC3339)
	t := domain.Ticket{
		VehiclePlate:      opts.VehiclePlate,
		Direction:         opts.Direction,
		PartnerID:         opts.PartnerID,
		ProductID:         opts.ProductID,
		Status:            domain.StatusOpen,
		DeliveryReference: opts.DeliveryReference,
		DriverName:        opts.DriverName,
		DriverPhone:       opts.DriverPhone,
		OperatorName:      opts.OperatorName,
		Remarks:           opts.Remarks,
		CreatedAt:         nowStr,
		UpdatedAt:         nowStr,
	}
	if t.OperatorName == "" && e.Config != nil {
		t.OperatorName = e.Config.Station.OperatorName
	}
	if opts.GrossKg != nil {
		t.GrossKg = opts.GrossKg
		at := nowStr
		if opts.WeighInAt != nil {
			at = opts.WeighInAt.UTC().Format(time.RFC3339)
		}
		t.WeighInAt = &at
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Ticket{}, err
	}
	defer tx.Rollback()

	id, err := e.Repo.InsertTicket(ctx, tx, t)
	if err != nil {
		return domain.Ticket{}, fmt.Errorf("insert ticket: %w", err)
	}
	t.ID = id
	if _, err := e.Outbox.Enqueue(ctx, tx, t, domain.OpCreate); err != nil {
		return domain.Ticket{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Ticket{}, err
	}
	return t, nil
}

// RecordGross captures the gross weight exactly once.
func (e *Engine) RecordGross(ctx context.Context, id int64, grossKg float64, at *time.Time) (domain.Ticket, error) {
	if grossKg <= 0 {
		return domain.Ticket{}, fmt.Errorf("%w: gross weight must be greater than zero", ErrValidation)
	}
	unlock := e.lockTicket(id)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Ticket{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTicketTx(ctx, tx, id)
	if err != nil {
		return t, err
	}
	if t.Status == domain.StatusFinalized {
		return t, ErrImmutable
	}
	if t.GrossKg != nil {
		return t, ErrAlreadyCaptured
	}
	t.GrossKg = &grossKg
	capturedAt := e.stamp(at)
	t.WeighInAt = &capturedAt
	e.settle(&t)
	if err := e.commitMutation(ctx, tx, &t, domain.OpWeighIn); err != nil {
		return t, err
	}
	return t, nil
}

// RecordTare captures the tare weight exactly once; when the gross
// weight is already present the net is computed and the ticket moves
// to WEIGHED.
func (e *Engine) RecordTare(ctx context.Context, id int64, tareKg float64, at *time.Time) (domain.Ticket, error) {
	if tareKg <= 0 {
		return domain.Ticket{}, fmt.Errorf("%w: tare weight must be greater than zero", ErrValidation)
	}
	unlock := e.lockTicket(id)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Ticket{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTicketTx(ctx, tx, id)
	if err != nil {
		return t, err
	}
	if t.Status == domain.StatusFinalized {
		return t, ErrImmutable
	}
	if t.TareKg != nil {
		return t, ErrAlreadyCaptured
	}
	t.TareKg = &tareKg
	capturedAt := e.stamp(at)
	t.WeighOutAt = &capturedAt
	e.settle(&t)
	if err := e.commitMutation(ctx, tx, &t, domain.OpWeighOut); err != nil {
		return t, err
	}
	return t, nil
}

// FinalizeOptions are the operator-entered closing details.
type FinalizeOptions struct {
	QCStatus *string
	QCNote   *string
	Remarks  *string
}

// Finalize closes a WEIGHED ticket: assigns its ticket number, fixes
// the QC outcome and makes the record immutable.
func (e *Engine) Finalize(ctx context.Context, id int64, opts FinalizeOptions) (domain.Ticket, error) {
	unlock := e.lockTicket(id)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Ticket{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTicketTx(ctx, tx, id)
	if err != nil {
		return t, err
	}
	if t.Status == domain.StatusFinalized {
		return t, ErrAlreadyFinalized
	}
	if t.GrossKg == nil || t.TareKg == nil {
		return t, ErrIncompleteWeighing
	}
	if t.TicketNo == nil {
		no, err := e.nextTicketNo(ctx, tx)
		if err != nil {
			return t, err
		}
		t.TicketNo = &no
	}
	if opts.QCStatus != nil {
		t.QCStatus = opts.QCStatus
	}
	if opts.QCNote != nil {
		t.QCNote = opts.QCNote
	}
	if opts.Remarks != nil {
		t.Remarks = opts.Remarks
	}
	t.Status = domain.StatusFinalized
	if err := e.commitMutation(ctx, tx, &t, domain.OpFinalize); err != nil {
		return t, err
	}
	return t, nil
}

func (e *Engine) Get(ctx context.Context, id int64) (domain.Ticket, error) {
	return e.Repo.GetTicket(ctx, id)
}

func (e *Engine) List(ctx context.Context, limit, offset int) ([]domain.Ticket, error) {
	return e.Repo.ListTickets(ctx, limit, offset)
}

// commitMutation persists the ticket and its sync entry atomically.
func (e *Engine) commitMutation(ctx context.Context, tx *sql.Tx, t *domain.Ticket, op string) error {
	t.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateTicket(ctx, tx, *t); err != nil {
		return err
	}
	if _, err := e.Outbox.Enqueue(ctx, tx, *t, op); err != nil {
		return err
	}
	return tx.Commit()
}

// settle derives net weight and status from the captured weights.
// net_kg exists iff both captures exist.
func (e *Engine) settle(t *domain.Ticket) {
	if t.GrossKg != nil && t.TareKg != nil {
		net := math.Abs(*t.GrossKg - *t.TareKg)
		t.NetKg = &net
		t.Status = domain.StatusWeighed
	}
}

func (e *Engine) stamp(at *time.Time) string {
	if at != nil {
		return at.UTC().Format(time.RFC3339)
	}
	return e.now().UTC().Format(time.RFC3339)
}

// nextTicketNo produces <prefix><yyyymmdd>-NNNN, continuing from the
// highest number already assigned today.
func (e *Engine) nextTicketNo(ctx context.Context, tx *sql.Tx) (string, error) {
	prefix := "WB"
	if e.Config != nil && e.Config.Station.TicketPrefix != "" {
		prefix = e.Config.Station.TicketPrefix
	}
	day := prefix + e.now().UTC().Format("20060102")
	last, err := e.Repo.LastTicketNo(ctx, tx, day)
	if err != nil {
		return "", fmt.Errorf("scan ticket numbers: %w", err)
	}
	seq := 1
	if last != "" {
		if i := strings.LastIndex(last, "-"); i >= 0 {
			if n, err := strconv.Atoi(last[i+1:]); err == nil {
				seq = n + 1
			}
		}
	}
	return fmt.Sprintf("%s-%04d", day, seq), nil
}

// RequeueSync resets a terminally failed sync entry so the drainer
// picks it (and the entries it holds back) up again.
func (e *Engine) RequeueSync(ctx context.Context, sequence int64) (domain.SyncEntry, error) {
	if err := e.Repo.RequeueSyncEntry(ctx, sequence); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.SyncEntry{}, fmt.Errorf("%w: no failed entry with sequence %d", repo.ErrNotFound, sequence)
		}
		return domain.SyncEntry{}, err
	}
	return e.Repo.GetSyncEntry(ctx, sequence)
}
