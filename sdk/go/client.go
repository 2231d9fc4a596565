// Package weighlinesdk is a thin Go client for the Weighline station API.
package weighlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client is a minimal Weighline HTTP API client.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{BaseURL: baseURL, Timeout: 10 * time.Second}
}

// Ticket mirrors the API ticket model.
type Ticket struct {
	ID                int64    `json:"id"`
	TicketNo          *string  `json:"ticket_no,omitempty"`
	VehiclePlate      string   `json:"vehicle_plate"`
	Direction         string   `json:"direction"`
	PartnerID         string   `json:"partner_id"`
	ProductID         string   `json:"product_id"`
	GrossKg           *float64 `json:"gross_kg,omitempty"`
	TareKg            *float64 `json:"tare_kg,omitempty"`
	NetKg             *float64 `json:"net_kg,omitempty"`
	Status            string   `json:"status"`
	QCStatus          *string  `json:"qc_status,omitempty"`
	QCNote            *string  `json:"qc_note,omitempty"`
	Remarks           *string  `json:"remarks,omitempty"`
	DeliveryReference *string  `json:"delivery_reference,omitempty"`
	DriverName        *string  `json:"driver_name,omitempty"`
	DriverPhone       *string  `json:"driver_phone,omitempty"`
	OperatorName      string   `json:"operator_name,omitempty"`
	WeighInAt         *string  `json:"weigh_in_at,omitempty"`
	WeighOutAt        *string  `json:"weigh_out_at,omitempty"`
	RemoteRef         *string  `json:"remote_ref,omitempty"`
	CreatedAt         string   `json:"created_at"`
	UpdatedAt         string   `json:"updated_at"`
}

// WeightSample is the latest indicator reading.
type WeightSample struct {
	WeightKg   *float64 `json:"weight_kg"`
	CapturedAt *string  `json:"captured_at"`
	Source     string   `json:"source"`
	Connected  bool     `json:"connected"`
}

// SerialSettings is the indicator line configuration.
type SerialSettings struct {
	Port            *string `json:"port"`
	BaudRate        int     `json:"baudrate"`
	DataBits        int     `json:"bytesize"`
	Parity          string  `json:"parity"`
	StopBits        int     `json:"stopbits"`
	Simulate        bool    `json:"simulate"`
	LastConnectedAt *string `json:"last_connected_at,omitempty"`
}

// SerialStatus combines settings with the live reader state.
type SerialStatus struct {
	Settings SerialSettings `json:"settings"`
	Sample   WeightSample   `json:"sample"`
}

// SyncEntry is a queued ticket mutation.
type SyncEntry struct {
	Sequence      int64   `json:"sequence"`
	TicketID      int64   `json:"ticket_id"`
	Op            string  `json:"op"`
	State         string  `json:"state"`
	Attempts      int     `json:"attempts"`
	LastError     *string `json:"last_error,omitempty"`
	LastAttemptAt *string `json:"last_attempt_at,omitempty"`
	CreatedAt     string  `json:"created_at"`
}

// SyncQueue is the queue status response.
type SyncQueue struct {
	Entries []SyncEntry `json:"entries"`
	Depth   int         `json:"depth"`
	Failed  int         `json:"failed"`
}

// SyncSummary reports one drain pass.
type SyncSummary struct {
	Ran       bool `json:"ran"`
	Delivered int  `json:"delivered"`
	Failed    int  `json:"failed"`
	Held      int  `json:"held"`
	Depth     int  `json:"depth"`
}

// WeighInRequest opens a ticket.
type WeighInRequest struct {
	VehiclePlate      string   `json:"vehicle_plate"`
	Direction         string   `json:"direction"`
	PartnerID         string   `json:"partner_id"`
	ProductID         string   `json:"product_id"`
	GrossKg           *float64 `json:"gross_kg,omitempty"`
	DeliveryReference *string  `json:"delivery_reference,omitempty"`
	DriverName        *string  `json:"driver_name,omitempty"`
	DriverPhone       *string  `json:"driver_phone,omitempty"`
	OperatorName      string   `json:"operator_name,omitempty"`
	Remarks           *string  `json:"remarks,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// LiveWeight returns the latest weight sample.
func (c *Client) LiveWeight(ctx context.Context) (WeightSample, error) {
	var resp WeightSample
	err := c.do(ctx, http.MethodGet, "api/weight/live", nil, &resp)
	return resp, err
}

// SerialStatus returns the stored settings plus runtime reader state.
func (c *Client) SerialStatus(ctx context.Context) (SerialStatus, error) {
	var resp SerialStatus
	err := c.do(ctx, http.MethodGet, "api/serial/settings", nil, &resp)
	return resp, err
}

// ConnectSerial applies settings and connects the indicator.
func (c *Client) ConnectSerial(ctx context.Context, settings SerialSettings) (SerialStatus, error) {
	body := map[string]any{
		"port":     settings.Port,
		"baudrate": settings.BaudRate,
		"bytesize": settings.DataBits,
		"parity":   settings.Parity,
		"stopbits": settings.StopBits,
		"simulate": settings.Simulate,
	}
	var resp SerialStatus
	err := c.do(ctx, http.MethodPost, "api/serial/connect", body, &resp)
	return resp, err
}

// DisconnectSerial stops the indicator reader.
func (c *Client) DisconnectSerial(ctx context.Context) (WeightSample, error) {
	var resp WeightSample
	err := c.do(ctx, http.MethodPost, "api/serial/disconnect", struct{}{}, &resp)
	return resp, err
}

// WeighIn opens a ticket.
func (c *Client) WeighIn(ctx context.Context, req WeighInRequest) (Ticket, error) {
	var resp Ticket
	err := c.do(ctx, http.MethodPost, "api/tickets/weigh-in", req, &resp)
	return resp, err
}

// RecordGross captures the gross weight; nil uses the live reading.
func (c *Client) RecordGross(ctx context.Context, id int64, grossKg *float64) (Ticket, error) {
	body := map[string]any{}
	if grossKg != nil {
		body["gross_kg"] = *grossKg
	}
	var resp Ticket
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("api/tickets/%d/gross", id), body, &resp)
	return resp, err
}

// WeighOut captures the tare weight; nil uses the live reading.
func (c *Client) WeighOut(ctx context.Context, id int64, tareKg *float64) (Ticket, error) {
	body := map[string]any{}
	if tareKg != nil {
		body["tare_kg"] = *tareKg
	}
	var resp Ticket
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("api/tickets/%d/weigh-out", id), body, &resp)
	return resp, err
}

// Finalize closes a weighed ticket.
func (c *Client) Finalize(ctx context.Context, id int64, qcStatus, qcNote, remarks *string) (Ticket, error) {
	body := map[string]any{}
	if qcStatus != nil {
		body["qc_status"] = *qcStatus
	}
	if qcNote != nil {
		body["qc_note"] = *qcNote
	}
	if remarks != nil {
		body["remarks"] = *remarks
	}
	var resp Ticket
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("api/tickets/%d/finalize", id), body, &resp)
	return resp, err
}

// Ticket fetches one ticket by id.
func (c *Client) Ticket(ctx context.Context, id int64) (Ticket, error) {
	var resp Ticket
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("api/tickets/%d", id), nil, &resp)
	return resp, err
}

// Tickets lists tickets, most recently updated first.
func (c *Client) Tickets(ctx context.Context, limit int) ([]Ticket, error) {
	var resp struct {
		Tickets []Ticket `json:"tickets"`
	}
	endpoint := "api/tickets"
	if limit > 0 {
		endpoint = fmt.Sprintf("api/tickets?limit=%d", limit)
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Tickets, err
}

// SyncQueue returns the sync queue status.
func (c *Client) SyncQueue(ctx context.Context, limit int) (SyncQueue, error) {
	endpoint := "api/sync/queue"
	if limit > 0 {
		endpoint = fmt.Sprintf("api/sync/queue?limit=%d", limit)
	}
	var resp SyncQueue
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// RunSync triggers one drain pass.
func (c *Client) RunSync(ctx context.Context) (SyncSummary, error) {
	var resp SyncSummary
	err := c.do(ctx, http.MethodPost, "api/sync/run", struct{}{}, &resp)
	return resp, err
}

// RequeueSync resets a failed sync entry.
func (c *Client) RequeueSync(ctx context.Context, sequence int64) (SyncEntry, error) {
	var resp SyncEntry
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("api/sync/queue/%d/requeue", sequence), struct{}{}, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
