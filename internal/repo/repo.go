package repo

import (
	"context"
	"database/sql"
	"errors"

	"weighline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const ticketColumns = `id,ticket_no,vehicle_plate,direction,partner_id,product_id,
gross_kg,tare_kg,net_kg,status,qc_status,qc_note,remarks,
delivery_reference,driver_name,driver_phone,operator_name,
weigh_in_at,weigh_out_at,remote_ref,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTicket(row rowScanner) (domain.Ticket, error) {
	var t domain.Ticket
	err := row.Scan(
		&t.ID, &t.TicketNo, &t.VehiclePlate, &t.Direction, &t.PartnerID, &t.ProductID,
		&t.GrossKg, &t.TareKg, &t.NetKg, &t.Status, &t.QCStatus, &t.QCNote, &t.Remarks,
		&t.DeliveryReference, &t.DriverName, &t.DriverPhone, &t.OperatorName,
		&t.WeighInAt, &t.WeighOutAt, &t.RemoteRef, &t.CreatedAt, &t.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) InsertTicket(ctx context.Context, tx *sql.Tx, t domain.Ticket) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO tickets(
vehicle_plate,direction,partner_id,product_id,
gross_kg,tare_kg,net_kg,status,qc_status,qc_note,remarks,
delivery_reference,driver_name,driver_phone,operator_name,
weigh_in_at,weigh_out_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.VehiclePlate, t.Direction, t.PartnerID, t.ProductID,
		t.GrossKg, t.TareKg, t.NetKg, t.Status, t.QCStatus, t.QCNote, t.Remarks,
		t.DeliveryReference, t.DriverName, t.DriverPhone, t.OperatorName,
		t.WeighInAt, t.WeighOutAt, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetTicket(ctx context.Context, id int64) (domain.Ticket, error) {
	return scanTicket(r.DB.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id=?`, id))
}

// GetTicketTx reads a ticket inside an open transaction so a mutation
// decides against the state it will overwrite.
func (r Repo) GetTicketTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Ticket, error) {
	return scanTicket(tx.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id=?`, id))
}

func (r Repo) UpdateTicket(ctx context.Context, tx *sql.Tx, t domain.Ticket) error {
	res, err := tx.ExecContext(ctx, `UPDATE tickets SET
ticket_no=?,gross_kg=?,tare_kg=?,net_kg=?,status=?,
qc_status=?,qc_note=?,remarks=?,weigh_in_at=?,weigh_out_at=?,updated_at=?
WHERE id=?`,
		t.TicketNo, t.GrossKg, t.TareKg, t.NetKg, t.Status,
		t.QCStatus, t.QCNote, t.Remarks, t.WeighInAt, t.WeighOutAt, t.UpdatedAt,
		t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListTickets(ctx context.Context, limit, offset int) ([]domain.Ticket, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+ticketColumns+` FROM tickets ORDER BY updated_at DESC, id DESC LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// LastTicketNo returns the highest assigned ticket number matching the
// given prefix (e.g. "WB20260829"), or "" when none exists yet.
func (r Repo) LastTicketNo(ctx context.Context, tx *sql.Tx, prefix string) (string, error) {
	var no sql.NullString
	err := tx.QueryRowContext(ctx,
		`SELECT ticket_no FROM tickets WHERE ticket_no LIKE ? ORDER BY ticket_no DESC LIMIT 1`,
		prefix+"%").Scan(&no)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return no.String, nil
}

func (r Repo) SetTicketRemoteRef(ctx context.Context, id int64, ref, updatedAt string) error {
	_, err := r.DB.ExecContext(ctx,
		`UPDATE tickets SET remote_ref=?, updated_at=? WHERE id=?`, ref, updatedAt, id)
	return err
}

// --- sync queue ---

const syncColumns = `sequence,ticket_id,op,payload_json,dedupe_key,state,attempts,last_error,last_attempt_at,created_at`

func scanSyncEntry(row rowScanner) (domain.SyncEntry, error) {
	var e domain.SyncEntry
	err := row.Scan(&e.Sequence, &e.TicketID, &e.Op, &e.Payload, &e.DedupeKey,
		&e.State, &e.Attempts, &e.LastError, &e.LastAttemptAt, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	return e, err
}

func (r Repo) InsertSyncEntry(ctx context.Context, tx *sql.Tx, e domain.SyncEntry) (int64, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO sync_queue(ticket_id,op,payload_json,dedupe_key,state,attempts,created_at) VALUES (?,?,?,?,?,0,?)`,
		e.TicketID, e.Op, e.Payload, e.DedupeKey, domain.SyncPending, e.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// UnackedSyncEntries returns every non-acked entry in sequence order.
// The drainer walks this to honor per-ticket delivery order.
func (r Repo) UnackedSyncEntries(ctx context.Context) ([]domain.SyncEntry, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+syncColumns+` FROM sync_queue WHERE state != ? ORDER BY sequence ASC`,
		domain.SyncAcked)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SyncEntry
	for rows.Next() {
		e, err := scanSyncEntry(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) ListSyncEntries(ctx context.Context, limit int) ([]domain.SyncEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+syncColumns+` FROM sync_queue ORDER BY sequence DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SyncEntry
	for rows.Next() {
		e, err := scanSyncEntry(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) GetSyncEntry(ctx context.Context, sequence int64) (domain.SyncEntry, error) {
	return scanSyncEntry(r.DB.QueryRowContext(ctx,
		`SELECT `+syncColumns+` FROM sync_queue WHERE sequence=?`, sequence))
}

func (r Repo) MarkSyncState(ctx context.Context, sequence int64, state string, attempts int, lastError *string, attemptAt string) error {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE sync_queue SET state=?, attempts=?, last_error=?, last_attempt_at=? WHERE sequence=?`,
		state, attempts, lastError, attemptAt, sequence)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RequeueSyncEntry resets a terminally failed entry for another round
// of delivery attempts.
func (r Repo) RequeueSyncEntry(ctx context.Context, sequence int64) error {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE sync_queue SET state=?, attempts=0, last_error=NULL WHERE sequence=? AND state=?`,
		domain.SyncPending, sequence, domain.SyncFailed)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// QueueDepth counts entries still awaiting delivery.
func (r Repo) QueueDepth(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_queue WHERE state IN (?,?)`,
		domain.SyncPending, domain.SyncInFlight).Scan(&n)
	return n, err
}

// FailedCount counts terminally failed entries awaiting operator review.
func (r Repo) FailedCount(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_queue WHERE state=?`, domain.SyncFailed).Scan(&n)
	return n, err
}

// --- serial settings ---

// GetSerialSettings returns the persisted indicator settings, or the
// given defaults when none have been stored yet.
func (r Repo) GetSerialSettings(ctx context.Context, defaults domain.SerialSettings) (domain.SerialSettings, error) {
	var s domain.SerialSettings
	var simulate int
	err := r.DB.QueryRowContext(ctx,
		`SELECT port,baudrate,databits,parity,stopbits,simulate,last_connected_at FROM serial_settings WHERE id=1`).
		Scan(&s.Port, &s.BaudRate, &s.DataBits, &s.Parity, &s.StopBits, &simulate, &s.LastConnectedAt)
	if err == sql.ErrNoRows {
		return defaults, nil
	}
	if err != nil {
		return s, err
	}
	s.Simulate = simulate != 0
	return s, nil
}

func (r Repo) SaveSerialSettings(ctx context.Context, s domain.SerialSettings) error {
	simulate := 0
	if s.Simulate {
		simulate = 1
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO serial_settings(id,port,baudrate,databits,parity,stopbits,simulate,last_connected_at)
VALUES (1,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET port=excluded.port, baudrate=excluded.baudrate, databits=excluded.databits,
parity=excluded.parity, stopbits=excluded.stopbits, simulate=excluded.simulate, last_connected_at=excluded.last_connected_at`,
		s.Port, s.BaudRate, s.DataBits, s.Parity, s.StopBits, simulate, s.LastConnectedAt)
	return err
}
