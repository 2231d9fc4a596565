package server

import (
	"time"

	"weighline/internal/domain"
	"weighline/internal/outbox"
)

// WeighInRequest opens a ticket. When gross_kg is absent the current
// live reading is captured instead.
type WeighInRequest struct {
	VehiclePlate      string     `json:"vehicle_plate"`
	Direction         string     `json:"direction" enum:"IN,OUT"`
	PartnerID         string     `json:"partner_id"`
	ProductID         string     `json:"product_id"`
	GrossKg           *float64   `json:"gross_kg,omitempty"`
	WeighInAt         *time.Time `json:"weigh_in_at,omitempty"`
	DeliveryReference *string    `json:"delivery_reference,omitempty"`
	DriverName        *string    `json:"driver_name,omitempty"`
	DriverPhone       *string    `json:"driver_phone,omitempty"`
	OperatorName      string     `json:"operator_name,omitempty"`
	Remarks           *string    `json:"remarks,omitempty"`
}

// WeighOutRequest captures the tare weight. When tare_kg is absent the
// current live reading is captured instead.
type WeighOutRequest struct {
	TareKg     *float64   `json:"tare_kg,omitempty"`
	WeighOutAt *time.Time `json:"weigh_out_at,omitempty"`
}

// GrossRequest captures the gross weight on a ticket opened without one.
type GrossRequest struct {
	GrossKg   *float64   `json:"gross_kg,omitempty"`
	WeighInAt *time.Time `json:"weigh_in_at,omitempty"`
}

type FinalizeRequest struct {
	QCStatus *string `json:"qc_status,omitempty"`
	QCNote   *string `json:"qc_note,omitempty"`
	Remarks  *string `json:"remarks,omitempty"`
}

type TicketListResponse struct {
	Tickets []domain.Ticket `json:"tickets"`
}

// SerialConnectRequest applies indicator settings and opens the device.
type SerialConnectRequest struct {
	Port     *string `json:"port"`
	BaudRate int     `json:"baudrate,omitempty"`
	DataBits int     `json:"bytesize,omitempty"`
	Parity   string  `json:"parity,omitempty" enum:"N,E,O"`
	StopBits int     `json:"stopbits,omitempty"`
	Simulate *bool   `json:"simulate,omitempty"`
}

// SerialStatusResponse combines the persisted settings with the live
// reader state.
type SerialStatusResponse struct {
	Settings domain.SerialSettings `json:"settings"`
	Sample   domain.WeightSample   `json:"sample"`
}

type SyncQueueResponse struct {
	Entries []domain.SyncEntry `json:"entries"`
	Depth   int                `json:"depth"`
	Failed  int                `json:"failed"`
}

type SyncRunResponse struct {
	outbox.Summary
}
