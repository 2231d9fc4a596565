package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"weighline/internal/config"
	"weighline/internal/db"
	"weighline/internal/domain"
	"weighline/internal/engine"
	"weighline/internal/indicator"
	"weighline/internal/migrate"
	"weighline/internal/outbox"
	"weighline/internal/remote"
	"weighline/internal/server"
	weighlinesdk "weighline/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "wb",
	Short: "Weighline weighbridge station CLI",
	Long: `Weighline runs a weighbridge station: it reads the scale indicator over
a serial line, records weighing tickets through their lifecycle
(open -> weighed -> finalized) and syncs every committed change to the
remote system of record through a durable, ordered queue.

The workspace is a directory holding .weighline/weighline.db and an
optional weighline.yml. Run 'wb serve' at the station; the serial
commands talk to that running instance since it owns the device.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("WEIGHLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("server", "http://127.0.0.1:8090", "station API URL")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(ticketCmd())
	rootCmd.AddCommand(weightCmd())
	rootCmd.AddCommand(serialCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(configCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the station HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)

			logger := slog.Default()
			reader := indicator.NewReader(logger)
			stored, err := e.Repo.GetSerialSettings(cmd.Context(), serialDefaults(cfg))
			if err != nil {
				return err
			}
			if err := reader.Configure(stored); err != nil {
				logger.Warn("stored serial settings rejected", "error", err)
			} else if stored.Simulate || (stored.Port != nil && *stored.Port != "") {
				if err := reader.Connect(); err != nil {
					logger.Warn("indicator connect failed at startup", "error", err)
				}
			}
			defer reader.Disconnect()

			drainer := &outbox.Drainer{
				Repo:        e.Repo,
				Client:      remote.New(cfg),
				MaxAttempts: cfg.Sync.MaxAttempts,
				Interval:    cfg.Sync.Interval,
				Logger:      logger,
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			go drainer.Run(ctx)

			handler, err := server.New(server.Config{
				Engine:   e,
				Reader:   reader,
				Drainer:  drainer,
				BasePath: basePath,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer scancel()
				srv.Shutdown(sctx)
			}()
			fmt.Printf("Serving Weighline API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8090", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/api", "API base path")
	return cmd
}

func ticketCmd() *cobra.Command {
	tk := &cobra.Command{Use: "ticket", Short: "Manage weighing tickets"}
	tk.AddCommand(ticketWeighInCmd())
	tk.AddCommand(ticketGrossCmd())
	tk.AddCommand(ticketWeighOutCmd())
	tk.AddCommand(ticketFinalizeCmd())
	tk.AddCommand(ticketListCmd())
	tk.AddCommand(ticketShowCmd())
	return tk
}

func ticketWeighInCmd() *cobra.Command {
	var plate, direction, partner, product, operator, deliveryRef, driverName, driverPhone, remarks string
	var gross float64
	cmd := &cobra.Command{
		Use:   "weigh-in",
		Short: "Open a ticket, optionally capturing the gross weight",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				opts := engine.WeighInOptions{
					VehiclePlate:      plate,
					Direction:         strings.ToUpper(direction),
					PartnerID:         partner,
					ProductID:         product,
					OperatorName:      operator,
					DeliveryReference: optionalString(deliveryRef),
					DriverName:        optionalString(driverName),
					DriverPhone:       optionalString(driverPhone),
					Remarks:           optionalString(remarks),
				}
				if cmd.Flags().Changed("gross") {
					opts.GrossKg = &gross
				}
				t, err := e.WeighIn(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&plate, "plate", "", "vehicle plate")
	cmd.Flags().StringVar(&direction, "direction", "", "IN or OUT")
	cmd.Flags().StringVar(&partner, "partner", "", "partner id")
	cmd.Flags().StringVar(&product, "product", "", "product id")
	cmd.Flags().Float64Var(&gross, "gross", 0, "gross weight in kg")
	cmd.Flags().StringVar(&operator, "operator", "", "operator name")
	cmd.Flags().StringVar(&deliveryRef, "delivery-ref", "", "delivery reference")
	cmd.Flags().StringVar(&driverName, "driver-name", "", "driver name")
	cmd.Flags().StringVar(&driverPhone, "driver-phone", "", "driver phone")
	cmd.Flags().StringVar(&remarks, "remarks", "", "remarks")
	_ = cmd.MarkFlagRequired("plate")
	_ = cmd.MarkFlagRequired("direction")
	_ = cmd.MarkFlagRequired("partner")
	_ = cmd.MarkFlagRequired("product")
	return cmd
}

func ticketGrossCmd() *cobra.Command {
	var id int64
	var gross float64
	cmd := &cobra.Command{
		Use:   "gross",
		Short: "Capture the gross weight on an open ticket",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				t, err := e.RecordGross(ctx, id, gross, nil)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "ticket id")
	cmd.Flags().Float64Var(&gross, "kg", 0, "gross weight in kg")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("kg")
	return cmd
}

func ticketWeighOutCmd() *cobra.Command {
	var id int64
	var tare float64
	cmd := &cobra.Command{
		Use:   "weigh-out",
		Short: "Capture the tare weight",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				t, err := e.RecordTare(ctx, id, tare, nil)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "ticket id")
	cmd.Flags().Float64Var(&tare, "kg", 0, "tare weight in kg")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("kg")
	return cmd
}

func ticketFinalizeCmd() *cobra.Command {
	var id int64
	var qcStatus, qcNote, remarks string
	cmd := &cobra.Command{
		Use:   "finalize",
		Short: "Finalize a weighed ticket",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				t, err := e.Finalize(ctx, id, engine.FinalizeOptions{
					QCStatus: optionalString(qcStatus),
					QCNote:   optionalString(qcNote),
					Remarks:  optionalString(remarks),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "ticket id")
	cmd.Flags().StringVar(&qcStatus, "qc-status", "", "qc outcome")
	cmd.Flags().StringVar(&qcNote, "qc-note", "", "qc note")
	cmd.Flags().StringVar(&remarks, "remarks", "", "remarks")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func ticketListCmd() *cobra.Command {
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tickets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				tickets, err := e.List(ctx, limit, offset)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tickets)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Ticket No", "Plate", "Dir", "Gross", "Tare", "Net", "Status"})
				for _, t := range tickets {
					tw.AppendRow(table.Row{
						t.ID, strOrDash(t.TicketNo), t.VehiclePlate, t.Direction,
						kgOrDash(t.GrossKg), kgOrDash(t.TareKg), kgOrDash(t.NetKg), t.Status,
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max tickets")
	cmd.Flags().IntVar(&offset, "offset", 0, "offset")
	return cmd
}

func ticketShowCmd() *cobra.Command {
	var id int64
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show one ticket",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				t, err := e.Get(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "ticket id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func weightCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "weight",
		Short: "Show the latest weight sample from the running station",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := weighlinesdk.New(viper.GetString("server"))
			sample, err := client.LiveWeight(cmd.Context())
			if err != nil {
				return err
			}
			return printJSONOrTable(sample)
		},
	}
	return cmd
}

func serialCmd() *cobra.Command {
	sc := &cobra.Command{Use: "serial", Short: "Manage the indicator connection (via the running station)"}
	sc.AddCommand(serialStatusCmd())
	sc.AddCommand(serialConnectCmd())
	sc.AddCommand(serialDisconnectCmd())
	return sc
}

func serialStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show indicator settings and reader state",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := weighlinesdk.New(viper.GetString("server"))
			status, err := client.SerialStatus(cmd.Context())
			if err != nil {
				return err
			}
			return printJSONOrTable(status)
		},
	}
	return cmd
}

func serialConnectCmd() *cobra.Command {
	var port, parity string
	var baud, databits, stopbits int
	var simulate bool
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Apply settings and connect the indicator",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := weighlinesdk.New(viper.GetString("server"))
			settings := weighlinesdk.SerialSettings{
				Port:     optionalString(port),
				BaudRate: baud,
				DataBits: databits,
				Parity:   parity,
				StopBits: stopbits,
				Simulate: simulate,
			}
			status, err := client.ConnectSerial(cmd.Context(), settings)
			if err != nil {
				return err
			}
			return printJSONOrTable(status)
		},
	}
	cmd.Flags().StringVar(&port, "port", "", "serial device, e.g. /dev/ttyUSB0")
	cmd.Flags().IntVar(&baud, "baud", 9600, "baud rate")
	cmd.Flags().IntVar(&databits, "databits", 8, "data bits (7 or 8)")
	cmd.Flags().StringVar(&parity, "parity", "N", "parity (N, E or O)")
	cmd.Flags().IntVar(&stopbits, "stopbits", 1, "stop bits (1 or 2)")
	cmd.Flags().BoolVar(&simulate, "simulate", false, "use the built-in simulator")
	return cmd
}

func serialDisconnectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "disconnect",
		Short: "Disconnect the indicator",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := weighlinesdk.New(viper.GetString("server"))
			sample, err := client.DisconnectSerial(cmd.Context())
			if err != nil {
				return err
			}
			return printJSONOrTable(sample)
		},
	}
	return cmd
}

func syncCmd() *cobra.Command {
	sc := &cobra.Command{Use: "sync", Short: "Manage the remote sync queue"}
	sc.AddCommand(syncRunCmd())
	sc.AddCommand(syncQueueCmd())
	sc.AddCommand(syncRequeueCmd())
	return sc
}

func syncRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Drain the sync queue once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				drainer := &outbox.Drainer{
					Repo:        e.Repo,
					Client:      remote.New(e.Config),
					MaxAttempts: e.Config.Sync.MaxAttempts,
				}
				summary, err := drainer.Drain(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(summary)
			})
		},
	}
	return cmd
}

func syncQueueCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Show sync queue entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				entries, err := e.Repo.ListSyncEntries(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "Ticket", "Op", "State", "Attempts", "Last Error"})
				for _, en := range entries {
					tw.AppendRow(table.Row{
						en.Sequence, en.TicketID, en.Op, en.State, en.Attempts, strOrDash(en.LastError),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "max entries")
	return cmd
}

func syncRequeueCmd() *cobra.Command {
	var sequence int64
	cmd := &cobra.Command{
		Use:   "requeue",
		Short: "Reset a failed sync entry for redelivery",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				entry, err := e.RequeueSync(ctx, sequence)
				if err != nil {
					return err
				}
				return printJSONOrTable(entry)
			})
		},
	}
	cmd.Flags().Int64Var(&sequence, "sequence", 0, "sync queue sequence")
	_ = cmd.MarkFlagRequired("sequence")
	return cmd
}

func configCmd() *cobra.Command {
	cc := &cobra.Command{Use: "config", Short: "Manage station config"}
	cc.AddCommand(configInitCmd())
	cc.AddCommand(configShowCmd())
	return cc
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default weighline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, cfg))
}

func serialDefaults(cfg *config.Config) domain.SerialSettings {
	s := domain.SerialSettings{
		BaudRate: cfg.Serial.BaudRate,
		DataBits: cfg.Serial.DataBits,
		Parity:   cfg.Serial.Parity,
		StopBits: cfg.Serial.StopBits,
		Simulate: cfg.Serial.Simulate,
	}
	if cfg.Serial.Port != "" {
		port := cfg.Serial.Port
		s.Port = &port
	}
	return s
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func strOrDash(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}

func kgOrDash(w *float64) string {
	if w == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f", *w)
}
