package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"weighline/internal/config"
	"weighline/internal/db"
	"weighline/internal/domain"
	"weighline/internal/engine"
	"weighline/internal/indicator"
	"weighline/internal/migrate"
	"weighline/internal/outbox"
	"weighline/internal/remote"
)

type testStation struct {
	URL     string
	Client  *http.Client
	Engine  *engine.Engine
	Reader  *indicator.Reader
	Remote  *httptest.Server
	Drainer *outbox.Drainer
}

func newTestStation(t *testing.T) *testStation {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	e.Now = func() time.Time { return time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC) }

	reader := indicator.NewReader(nil)
	reader.SimulateInterval = 2 * time.Millisecond
	if err := reader.Configure(domain.SerialSettings{
		BaudRate: 9600, DataBits: 8, Parity: "N", StopBits: 1, Simulate: true,
	}); err != nil {
		t.Fatalf("configure reader: %v", err)
	}
	if err := reader.Connect(); err != nil {
		t.Fatalf("connect reader: %v", err)
	}
	t.Cleanup(reader.Disconnect)

	remoteSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"external_id": "erp-%s"}`, r.Header.Get("Idempotency-Key")[:8])
	}))
	t.Cleanup(remoteSrv.Close)

	drainer := &outbox.Drainer{
		Repo:        e.Repo,
		Client:      &remote.Client{BaseURL: remoteSrv.URL, APIKey: "test-key"},
		MaxAttempts: 3,
	}

	handler, err := New(Config{Engine: e, Reader: reader, Drainer: drainer})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ln.Close()
	})

	return &testStation{
		URL:     "http://" + ln.Addr().String(),
		Client:  &http.Client{},
		Engine:  e,
		Reader:  reader,
		Remote:  remoteSrv,
		Drainer: drainer,
	}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer res.Body.Close()
	data, _ := io.ReadAll(res.Body)
	return res.StatusCode, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("decode %s: %v", string(data), err)
	}
	return v
}

func waitForSample(t *testing.T, reader *indicator.Reader) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if reader.Latest().WeightKg != nil {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("no sample from simulator")
}

func TestFullWeighingFlow(t *testing.T) {
	st := newTestStation(t)
	waitForSample(t, st.Reader)

	status, body := doJSON(t, st.Client, http.MethodPost, st.URL+"/api/tickets/weigh-in", map[string]any{
		"vehicle_plate": "ABC-123",
		"direction":     "IN",
		"partner_id":    "partner-7",
		"product_id":    "gravel",
		"gross_kg":      15000,
	})
	if status != http.StatusCreated {
		t.Fatalf("weigh-in status = %d body = %s", status, body)
	}
	tk := decode[domain.Ticket](t, body)
	if tk.Status != domain.StatusOpen || tk.GrossKg == nil || *tk.GrossKg != 15000 {
		t.Fatalf("ticket = %+v", tk)
	}

	// tare falls back to the live (simulated) sample
	status, body = doJSON(t, st.Client, http.MethodPost, fmt.Sprintf("%s/api/tickets/%d/weigh-out", st.URL, tk.ID), map[string]any{})
	if status != http.StatusOK {
		t.Fatalf("weigh-out status = %d body = %s", status, body)
	}
	tk = decode[domain.Ticket](t, body)
	if tk.Status != domain.StatusWeighed || tk.TareKg == nil || tk.NetKg == nil {
		t.Fatalf("ticket after weigh-out = %+v", tk)
	}
	if *tk.NetKg != *tk.GrossKg-*tk.TareKg {
		t.Fatalf("net = %v, want %v", *tk.NetKg, *tk.GrossKg-*tk.TareKg)
	}

	status, body = doJSON(t, st.Client, http.MethodPost, fmt.Sprintf("%s/api/tickets/%d/finalize", st.URL, tk.ID), map[string]any{
		"qc_status": "PASS",
	})
	if status != http.StatusOK {
		t.Fatalf("finalize status = %d body = %s", status, body)
	}
	tk = decode[domain.Ticket](t, body)
	if tk.Status != domain.StatusFinalized || tk.TicketNo == nil {
		t.Fatalf("ticket after finalize = %+v", tk)
	}

	status, body = doJSON(t, st.Client, http.MethodGet, fmt.Sprintf("%s/api/tickets/%d", st.URL, tk.ID), nil)
	if status != http.StatusOK {
		t.Fatalf("get status = %d", status)
	}

	status, body = doJSON(t, st.Client, http.MethodGet, st.URL+"/api/tickets?limit=10", nil)
	if status != http.StatusOK {
		t.Fatalf("list status = %d", status)
	}
	list := decode[TicketListResponse](t, body)
	if len(list.Tickets) != 1 {
		t.Fatalf("list = %+v", list)
	}

	// drain the queue against the fake remote
	status, body = doJSON(t, st.Client, http.MethodPost, st.URL+"/api/sync/run", map[string]any{})
	if status != http.StatusOK {
		t.Fatalf("sync run status = %d body = %s", status, body)
	}
	summary := decode[outbox.Summary](t, body)
	if !summary.Ran || summary.Delivered != 3 || summary.Depth != 0 {
		t.Fatalf("summary = %+v", summary)
	}

	status, body = doJSON(t, st.Client, http.MethodGet, st.URL+"/api/sync/queue", nil)
	if status != http.StatusOK {
		t.Fatalf("sync queue status = %d", status)
	}
	queue := decode[SyncQueueResponse](t, body)
	if queue.Depth != 0 || queue.Failed != 0 || len(queue.Entries) != 3 {
		t.Fatalf("queue = %+v", queue)
	}
	for _, e := range queue.Entries {
		if e.State != domain.SyncAcked {
			t.Fatalf("entry not acked: %+v", e)
		}
	}

	// the remote's external id lands on the ticket
	status, body = doJSON(t, st.Client, http.MethodGet, fmt.Sprintf("%s/api/tickets/%d", st.URL, tk.ID), nil)
	if status != http.StatusOK {
		t.Fatalf("get status = %d", status)
	}
	tk = decode[domain.Ticket](t, body)
	if tk.RemoteRef == nil {
		t.Fatalf("remote_ref not recorded: %+v", tk)
	}
}

func TestErrorStatuses(t *testing.T) {
	st := newTestStation(t)
	waitForSample(t, st.Reader)

	// validation -> 400 with detail envelope
	status, body := doJSON(t, st.Client, http.MethodPost, st.URL+"/api/tickets/weigh-in", map[string]any{
		"direction":  "IN",
		"partner_id": "p",
		"product_id": "g",
		"gross_kg":   100,
	})
	if status != http.StatusBadRequest {
		t.Fatalf("missing plate status = %d body = %s", status, body)
	}
	var envelope struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Detail == "" {
		t.Fatalf("error envelope = %s", body)
	}

	// unknown ticket -> 404
	status, _ = doJSON(t, st.Client, http.MethodGet, st.URL+"/api/tickets/9999", nil)
	if status != http.StatusNotFound {
		t.Fatalf("unknown ticket status = %d", status)
	}

	status, body = doJSON(t, st.Client, http.MethodPost, st.URL+"/api/tickets/weigh-in", map[string]any{
		"vehicle_plate": "ABC-123",
		"direction":     "IN",
		"partner_id":    "p",
		"product_id":    "g",
		"gross_kg":      15000,
	})
	if status != http.StatusCreated {
		t.Fatalf("weigh-in status = %d body = %s", status, body)
	}
	tk := decode[domain.Ticket](t, body)

	// finalize before tare -> 422
	status, _ = doJSON(t, st.Client, http.MethodPost, fmt.Sprintf("%s/api/tickets/%d/finalize", st.URL, tk.ID), map[string]any{})
	if status != http.StatusUnprocessableEntity {
		t.Fatalf("incomplete finalize status = %d", status)
	}

	// second gross -> 409
	status, _ = doJSON(t, st.Client, http.MethodPost, fmt.Sprintf("%s/api/tickets/%d/gross", st.URL, tk.ID), map[string]any{"gross_kg": 15100})
	if status != http.StatusConflict {
		t.Fatalf("second gross status = %d", status)
	}

	status, _ = doJSON(t, st.Client, http.MethodPost, fmt.Sprintf("%s/api/tickets/%d/weigh-out", st.URL, tk.ID), map[string]any{"tare_kg": 5000})
	if status != http.StatusOK {
		t.Fatalf("weigh-out status = %d", status)
	}
	// second tare -> 409
	status, _ = doJSON(t, st.Client, http.MethodPost, fmt.Sprintf("%s/api/tickets/%d/weigh-out", st.URL, tk.ID), map[string]any{"tare_kg": 5100})
	if status != http.StatusConflict {
		t.Fatalf("second tare status = %d", status)
	}

	status, _ = doJSON(t, st.Client, http.MethodPost, fmt.Sprintf("%s/api/tickets/%d/finalize", st.URL, tk.ID), map[string]any{})
	if status != http.StatusOK {
		t.Fatalf("finalize status = %d", status)
	}
	// weight capture on a finalized ticket -> 409
	status, _ = doJSON(t, st.Client, http.MethodPost, fmt.Sprintf("%s/api/tickets/%d/weigh-out", st.URL, tk.ID), map[string]any{"tare_kg": 5200})
	if status != http.StatusConflict {
		t.Fatalf("tare after finalize status = %d", status)
	}
}

func TestWeighInWithoutLiveSample(t *testing.T) {
	st := newTestStation(t)
	waitForSample(t, st.Reader)

	// with the reader idle there is nothing to fall back on
	status, _ := doJSON(t, st.Client, http.MethodPost, st.URL+"/api/serial/disconnect", map[string]any{})
	if status != http.StatusOK {
		t.Fatalf("disconnect status = %d", status)
	}
	status, body := doJSON(t, st.Client, http.MethodPost, st.URL+"/api/tickets/weigh-in", map[string]any{
		"vehicle_plate": "ABC-123",
		"direction":     "IN",
		"partner_id":    "p",
		"product_id":    "g",
	})
	if status != http.StatusBadRequest {
		t.Fatalf("weigh-in without sample status = %d body = %s", status, body)
	}
}

func TestSerialEndpoints(t *testing.T) {
	st := newTestStation(t)

	status, body := doJSON(t, st.Client, http.MethodGet, st.URL+"/api/serial/settings", nil)
	if status != http.StatusOK {
		t.Fatalf("settings status = %d", status)
	}

	// invalid parity -> 400
	status, _ = doJSON(t, st.Client, http.MethodPost, st.URL+"/api/serial/connect", map[string]any{"parity": "X"})
	if status != http.StatusBadRequest {
		t.Fatalf("bad parity status = %d", status)
	}

	// simulator connect persists settings
	status, body = doJSON(t, st.Client, http.MethodPost, st.URL+"/api/serial/connect", map[string]any{"simulate": true})
	if status != http.StatusOK {
		t.Fatalf("connect status = %d body = %s", status, body)
	}
	connected := decode[SerialStatusResponse](t, body)
	if !connected.Settings.Simulate || connected.Sample.Source != domain.SourceSimulated {
		t.Fatalf("connect response = %+v", connected)
	}

	stored, err := st.Engine.Repo.GetSerialSettings(context.Background(), domain.SerialSettings{})
	if err != nil {
		t.Fatalf("stored settings: %v", err)
	}
	if !stored.Simulate {
		t.Fatalf("settings not persisted: %+v", stored)
	}

	status, body = doJSON(t, st.Client, http.MethodPost, st.URL+"/api/serial/disconnect", map[string]any{})
	if status != http.StatusOK {
		t.Fatalf("disconnect status = %d", status)
	}
	sample := decode[domain.WeightSample](t, body)
	if sample.Source != domain.SourceIdle || sample.Connected {
		t.Fatalf("sample after disconnect = %+v", sample)
	}
}

func TestLiveWeightEndpoint(t *testing.T) {
	st := newTestStation(t)
	waitForSample(t, st.Reader)

	status, body := doJSON(t, st.Client, http.MethodGet, st.URL+"/api/weight/live", nil)
	if status != http.StatusOK {
		t.Fatalf("live weight status = %d", status)
	}
	sample := decode[domain.WeightSample](t, body)
	if sample.WeightKg == nil || sample.Source != domain.SourceSimulated || sample.CapturedAt == nil {
		t.Fatalf("sample = %+v", sample)
	}
}
