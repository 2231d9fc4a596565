package domain

// Ticket statuses. Transitions are monotonic: OPEN -> WEIGHED -> FINALIZED.
const (
	StatusOpen      = "OPEN"
	StatusWeighed   = "WEIGHED"
	StatusFinalized = "FINALIZED"
)

// Vehicle directions.
const (
	DirectionIn  = "IN"
	DirectionOut = "OUT"
)

// Weight sample sources.
const (
	SourceLive      = "live"
	SourceSimulated = "simulated"
	SourceIdle      = "idle"
)

// Sync queue entry states.
const (
	SyncPending  = "pending"
	SyncInFlight = "in_flight"
	SyncAcked    = "acked"
	SyncFailed   = "failed"
)

// Sync operations, one per committed ticket mutation.
const (
	OpCreate   = "create"
	OpWeighIn  = "weigh_in"
	OpWeighOut = "weigh_out"
	OpFinalize = "finalize"
)

type Ticket struct {
	ID                int64    `json:"id"`
	TicketNo          *string  `json:"ticket_no,omitempty"`
	VehiclePlate      string   `json:"vehicle_plate"`
	Direction         string   `json:"direction" enum:"IN,OUT"`
	PartnerID         string   `json:"partner_id"`
	ProductID         string   `json:"product_id"`
	GrossKg           *float64 `json:"gross_kg,omitempty"`
	TareKg            *float64 `json:"tare_kg,omitempty"`
	NetKg             *float64 `json:"net_kg,omitempty"`
	Status            string   `json:"status" enum:"OPEN,WEIGHED,FINALIZED"`
	QCStatus          *string  `json:"qc_status,omitempty"`
	QCNote            *string  `json:"qc_note,omitempty"`
	Remarks           *string  `json:"remarks,omitempty"`
	DeliveryReference *string  `json:"delivery_reference,omitempty"`
	DriverName        *string  `json:"driver_name,omitempty"`
	DriverPhone       *string  `json:"driver_phone,omitempty"`
	OperatorName      string   `json:"operator_name,omitempty"`
	WeighInAt         *string  `json:"weigh_in_at,omitempty" format:"date-time"`
	WeighOutAt        *string  `json:"weigh_out_at,omitempty" format:"date-time"`
	RemoteRef         *string  `json:"remote_ref,omitempty"`
	CreatedAt         string   `json:"created_at" format:"date-time"`
	UpdatedAt         string   `json:"updated_at" format:"date-time"`
}

// WeightSample is the latest reading published by the serial reader.
// Only the most recent sample is retained; it is never historized.
type WeightSample struct {
	WeightKg   *float64 `json:"weight_kg"`
	CapturedAt *string  `json:"captured_at" format:"date-time"`
	Source     string   `json:"source" enum:"live,simulated,idle"`
	Connected  bool     `json:"connected"`
}

// SerialSettings is the persisted indicator configuration (single row).
type SerialSettings struct {
	Port            *string `json:"port"`
	BaudRate        int     `json:"baudrate"`
	DataBits        int     `json:"bytesize"`
	Parity          string  `json:"parity" enum:"N,E,O"`
	StopBits        int     `json:"stopbits"`
	Simulate        bool    `json:"simulate"`
	LastConnectedAt *string `json:"last_connected_at,omitempty" format:"date-time"`
}

// SyncEntry is a durable record of a ticket mutation awaiting delivery
// to the remote system of record. Sequence defines replay order.
type SyncEntry struct {
	Sequence      int64   `json:"sequence"`
	TicketID      int64   `json:"ticket_id"`
	Op            string  `json:"op" enum:"create,weigh_in,weigh_out,finalize"`
	Payload       string  `json:"payload_json"`
	DedupeKey     string  `json:"dedupe_key"`
	State         string  `json:"state" enum:"pending,in_flight,acked,failed"`
	Attempts      int     `json:"attempts"`
	LastError     *string `json:"last_error,omitempty"`
	LastAttemptAt *string `json:"last_attempt_at,omitempty" format:"date-time"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
}
