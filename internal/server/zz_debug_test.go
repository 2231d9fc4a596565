package server

import (
	"net/http"
	"testing"
)

func TestDebugWeighIn(t *testing.T) {
	st := newTestStation(t)
	waitForSample(t, st.Reader)
	status, body := doJSON(t, st.Client, http.MethodPost, st.URL+"/api/tickets/weigh-in", map[string]any{
		"vehicle_plate": "ABC-123",
		"direction":     "IN",
		"partner_id":    "partner-7",
		"product_id":    "gravel",
		"gross_kg":      15000,
	})
	t.Logf("weigh-in status=%d body=%s", status, body)
	status, body = doJSON(t, st.Client, http.MethodPost, st.URL+"/api/tickets/1/weigh-out", map[string]any{})
	t.Logf("weigh-out status=%d body=%s", status, body)
	tk, err := st.Engine.Repo.GetTicket(t.Context(), 1)
	t.Logf("direct get: %+v err=%v", tk, err)
	tk2, err2 := st.Engine.RecordTare(t.Context(), 1, 5000, nil)
	t.Logf("direct RecordTare: %+v err=%v", tk2, err2)
	status, body = doJSON(t, st.Client, http.MethodGet, st.URL+"/api/tickets/1", nil)
	t.Logf("GET ticket: status=%d body=%s", status, body)
	status, body = doJSON(t, st.Client, http.MethodPost, st.URL+"/api/tickets/1/weigh-out", map[string]any{"tare_kg": 5000})
	t.Logf("weigh-out explicit tare: status=%d body=%s", status, body)
	status, body = doJSON(t, st.Client, http.MethodPost, st.URL+"/api/tickets/1/nonsense", map[string]any{})
	t.Logf("bogus route: status=%d body=%s", status, body)
	status, body = doJSON(t, st.Client, http.MethodPost, st.URL+"/api/tickets/1/finalize", map[string]any{"qc_status": "PASS"})
	t.Logf("finalize: status=%d body=%s", status, body)
}
