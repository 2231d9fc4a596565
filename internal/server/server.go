// Package server exposes the station API over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"weighline/internal/domain"
	"weighline/internal/engine"
	"weighline/internal/indicator"
	"weighline/internal/outbox"
	"weighline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	Reader   *indicator.Reader
	Drainer  *outbox.Drainer
	BasePath string
}

// apiError models the error envelope: every failure body carries a
// single human-readable detail string.
type apiError struct {
	status int
	Detail string `json:"detail" example:"ticket 42 not found"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Detail }

func newAPIError(status int, detail string) huma.StatusError {
	return &apiError{status: status, Detail: detail}
}

// New returns an HTTP handler exposing the Weighline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/api"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the detail envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, msg)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			// Schema/request validation errors are 400; 422 is reserved
			// for finalizing an incompletely weighed ticket.
			status = http.StatusBadRequest
		}
		if len(errs) > 0 {
			msg = fmt.Sprintf("%s: %v", msg, errs[0])
		}
		return newAPIError(status, msg)
	}

	router := chi.NewRouter()
	hcfg := huma.DefaultConfig("Weighline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerWeight(group, cfg.Reader)
	registerSerial(group, cfg.Engine, cfg.Reader)
	registerTickets(group, cfg.Engine, cfg.Reader)
	registerSync(group, cfg.Engine, cfg.Drainer)

	return router, nil
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrAlreadyCaptured),
		errors.Is(err, engine.ErrAlreadyFinalized),
		errors.Is(err, engine.ErrImmutable):
		return newAPIError(http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrIncompleteWeighing):
		return newAPIError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, engine.ErrValidation),
		errors.Is(err, indicator.ErrConfiguration):
		return newAPIError(http.StatusBadRequest, err.Error())
	case errors.Is(err, indicator.ErrDeviceUnavailable):
		return newAPIError(http.StatusServiceUnavailable, err.Error())
	default:
		return newAPIError(http.StatusInternalServerError, err.Error())
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerWeight(api huma.API, reader *indicator.Reader) {
	huma.Register(api, huma.Operation{
		OperationID: "live-weight",
		Method:      http.MethodGet,
		Path:        "/weight/live",
		Summary:     "Latest weight sample",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.WeightSample `json:"body"`
	}, error) {
		return &struct {
			Body domain.WeightSample `json:"body"`
		}{Body: reader.Latest()}, nil
	})
}

func registerSerial(api huma.API, e *engine.Engine, reader *indicator.Reader) {
	defaults := func() domain.SerialSettings {
		s := domain.SerialSettings{BaudRate: 9600, DataBits: 8, Parity: "N", StopBits: 1}
		if e.Config != nil {
			if e.Config.Serial.Port != "" {
				port := e.Config.Serial.Port
				s.Port = &port
			}
			if e.Config.Serial.BaudRate > 0 {
				s.BaudRate = e.Config.Serial.BaudRate
			}
			if e.Config.Serial.DataBits > 0 {
				s.DataBits = e.Config.Serial.DataBits
			}
			if e.Config.Serial.Parity != "" {
				s.Parity = e.Config.Serial.Parity
			}
			if e.Config.Serial.StopBits > 0 {
				s.StopBits = e.Config.Serial.StopBits
			}
			s.Simulate = e.Config.Serial.Simulate
		}
		return s
	}

	huma.Register(api, huma.Operation{
		OperationID: "serial-settings",
		Method:      http.MethodGet,
		Path:        "/serial/settings",
		Summary:     "Indicator settings and status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SerialStatusResponse `json:"body"`
	}, error) {
		stored, err := e.Repo.GetSerialSettings(ctx, defaults())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SerialStatusResponse `json:"body"`
		}{Body: SerialStatusResponse{Settings: stored, Sample: reader.Latest()}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "serial-connect",
		Method:      http.MethodPost,
		Path:        "/serial/connect",
		Summary:     "Apply settings and connect the indicator",
		Errors:      []int{http.StatusBadRequest, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body SerialConnectRequest `json:"body"`
	}) (*struct {
		Body SerialStatusResponse `json:"body"`
	}, error) {
		s, err := e.Repo.GetSerialSettings(ctx, defaults())
		if err != nil {
			return nil, handleError(err)
		}
		if input.Body.Port != nil {
			s.Port = input.Body.Port
		}
		if input.Body.BaudRate > 0 {
			s.BaudRate = input.Body.BaudRate
		}
		if input.Body.DataBits > 0 {
			s.DataBits = input.Body.DataBits
		}
		if input.Body.Parity != "" {
			s.Parity = input.Body.Parity
		}
		if input.Body.StopBits > 0 {
			s.StopBits = input.Body.StopBits
		}
		if input.Body.Simulate != nil {
			s.Simulate = *input.Body.Simulate
		}
		if err := reader.Configure(s); err != nil {
			return nil, handleError(err)
		}
		if err := reader.Connect(); err != nil {
			return nil, handleError(err)
		}
		if !s.Simulate {
			now := time.Now().UTC().Format(time.RFC3339)
			s.LastConnectedAt = &now
		}
		if err := e.Repo.SaveSerialSettings(ctx, s); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SerialStatusResponse `json:"body"`
		}{Body: SerialStatusResponse{Settings: s, Sample: reader.Latest()}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "serial-disconnect",
		Method:      http.MethodPost,
		Path:        "/serial/disconnect",
		Summary:     "Disconnect the indicator",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.WeightSample `json:"body"`
	}, error) {
		reader.Disconnect()
		return &struct {
			Body domain.WeightSample `json:"body"`
		}{Body: reader.Latest()}, nil
	})
}

// liveWeight resolves an omitted weight from the reader; a stale or
// absent sample is a request error, never a silent zero.
func liveWeight(reader *indicator.Reader) (float64, *time.Time, error) {
	sample := reader.Latest()
	if sample.WeightKg == nil || sample.Source == domain.SourceIdle {
		return 0, nil, fmt.Errorf("%w: no live weight available from indicator", engine.ErrValidation)
	}
	var at *time.Time
	if sample.CapturedAt != nil {
		if ts, err := time.Parse(time.RFC3339, *sample.CapturedAt); err == nil {
			at = &ts
		}
	}
	return *sample.WeightKg, at, nil
}

func registerTickets(api huma.API, e *engine.Engine, reader *indicator.Reader) {
	type ticketPath struct {
		ID int64 `path:"id"`
	}

	huma.Register(api, huma.Operation{
		OperationID:   "weigh-in",
		Method:        http.MethodPost,
		Path:          "/tickets/weigh-in",
		Summary:       "Open a ticket and capture the gross weight",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body WeighInRequest `json:"body"`
	}) (*struct {
		Body domain.Ticket `json:"body"`
	}, error) {
		opts := engine.WeighInOptions{
			VehiclePlate:      input.Body.VehiclePlate,
			Direction:         input.Body.Direction,
			PartnerID:         input.Body.PartnerID,
			ProductID:         input.Body.ProductID,
			GrossKg:           input.Body.GrossKg,
			WeighInAt:         input.Body.WeighInAt,
			DeliveryReference: input.Body.DeliveryReference,
			DriverName:        input.Body.DriverName,
			DriverPhone:       input.Body.DriverPhone,
			OperatorName:      input.Body.OperatorName,
			Remarks:           input.Body.Remarks,
		}
		if opts.GrossKg == nil {
			w, at, err := liveWeight(reader)
			if err != nil {
				return nil, handleError(err)
			}
			opts.GrossKg = &w
			if opts.WeighInAt == nil {
				opts.WeighInAt = at
			}
		}
		t, err := e.WeighIn(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Ticket `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-gross",
		Method:      http.MethodPost,
		Path:        "/tickets/{id}/gross",
		Summary:     "Capture the gross weight",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ticketPath
		Body GrossRequest `json:"body"`
	}) (*struct {
		Body domain.Ticket `json:"body"`
	}, error) {
		gross, at := input.Body.GrossKg, input.Body.WeighInAt
		if gross == nil {
			w, capturedAt, err := liveWeight(reader)
			if err != nil {
				return nil, handleError(err)
			}
			gross = &w
			if at == nil {
				at = capturedAt
			}
		}
		t, err := e.RecordGross(ctx, input.ID, *gross, at)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Ticket `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "weigh-out",
		Method:      http.MethodPost,
		Path:        "/tickets/{id}/weigh-out",
		Summary:     "Capture the tare weight",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ticketPath
		Body WeighOutRequest `json:"body"`
	}) (*struct {
		Body domain.Ticket `json:"body"`
	}, error) {
		tare, at := input.Body.TareKg, input.Body.WeighOutAt
		if tare == nil {
			w, capturedAt, err := liveWeight(reader)
			if err != nil {
				return nil, handleError(err)
			}
			tare = &w
			if at == nil {
				at = capturedAt
			}
		}
		t, err := e.RecordTare(ctx, input.ID, *tare, at)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Ticket `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "finalize-ticket",
		Method:      http.MethodPost,
		Path:        "/tickets/{id}/finalize",
		Summary:     "Finalize a weighed ticket",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ticketPath
		Body FinalizeRequest `json:"body"`
	}) (*struct {
		Body domain.Ticket `json:"body"`
	}, error) {
		t, err := e.Finalize(ctx, input.ID, engine.FinalizeOptions{
			QCStatus: input.Body.QCStatus,
			QCNote:   input.Body.QCNote,
			Remarks:  input.Body.Remarks,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Ticket `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tickets",
		Method:      http.MethodGet,
		Path:        "/tickets",
		Summary:     "List tickets",
	}, func(ctx context.Context, input *struct {
		Limit  int `query:"limit" default:"50" minimum:"1" maximum:"500"`
		Offset int `query:"offset" minimum:"0"`
	}) (*struct {
		Body TicketListResponse `json:"body"`
	}, error) {
		items, err := e.List(ctx, input.Limit, input.Offset)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TicketListResponse `json:"body"`
		}{Body: TicketListResponse{Tickets: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-ticket",
		Method:      http.MethodGet,
		Path:        "/tickets/{id}",
		Summary:     "Get ticket",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *ticketPath) (*struct {
		Body domain.Ticket `json:"body"`
	}, error) {
		t, err := e.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Ticket `json:"body"`
		}{Body: t}, nil
	})
}

func registerSync(api huma.API, e *engine.Engine, drainer *outbox.Drainer) {
	huma.Register(api, huma.Operation{
		OperationID: "sync-queue",
		Method:      http.MethodGet,
		Path:        "/sync/queue",
		Summary:     "Sync queue status",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"100" minimum:"1" maximum:"1000"`
	}) (*struct {
		Body SyncQueueResponse `json:"body"`
	}, error) {
		entries, err := e.Repo.ListSyncEntries(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		depth, err := e.Repo.QueueDepth(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		failed, err := e.Repo.FailedCount(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SyncQueueResponse `json:"body"`
		}{Body: SyncQueueResponse{Entries: entries, Depth: depth, Failed: failed}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sync-run",
		Method:      http.MethodPost,
		Path:        "/sync/run",
		Summary:     "Trigger a drain pass",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SyncRunResponse `json:"body"`
	}, error) {
		summary, err := drainer.Drain(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SyncRunResponse `json:"body"`
		}{Body: SyncRunResponse{Summary: summary}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sync-requeue",
		Method:      http.MethodPost,
		Path:        "/sync/queue/{sequence}/requeue",
		Summary:     "Requeue a failed sync entry",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Sequence int64 `path:"sequence"`
	}) (*struct {
		Body domain.SyncEntry `json:"body"`
	}, error) {
		entry, err := e.RequeueSync(ctx, input.Sequence)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.SyncEntry `json:"body"`
		}{Body: entry}, nil
	})
}
