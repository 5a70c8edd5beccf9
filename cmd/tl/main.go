package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/kr/pretty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"trackline/internal/app"
	"trackline/internal/config"
	"trackline/internal/db"
	"trackline/internal/domain"
	"trackline/internal/engine"
	"trackline/internal/migrate"
	"trackline/internal/repo"
	"trackline/internal/server"
	tracklinesdk "trackline/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "tl",
	Short: "Trackline CLI",
	Long: `Trackline simulates trains on a sectioned network, predicts conflicts and
recommends holds, priority swaps and reroutes for a controller to accept.
- Workspace: the .trackline directory holding the event log, lessons and saved exports.
- Scenario: topology, trains and policy loaded from trackline.yml (or the stored copy).
- Clock: simulated minutes; 'tl serve' ticks automatically, 'tl run' ticks in batch.
- Conflicts: predicted while trains close on each other, materialized once they meet.
- Recommendations: ranked resolutions; accepting one applies it, rejecting suppresses it.
- Event log: every tick and decision, view with 'tl log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogging()
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
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TRACKLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("scenario", "", "scenario id (overrides trackline.yml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("scenario", rootCmd.PersistentFlags().Lookup("scenario"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func setupLogging() {
	level, err := zerolog.ParseLevel(viper.GetString("log-level"))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(whatIfCmd())
	rootCmd.AddCommand(scenarioCmd())
	rootCmd.AddCommand(lessonCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(remoteCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var manual bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API with the tick runner and webhook dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}

				p := pool.New().WithContext(ctx).WithCancelOnError()
				p.Go(func(ctx context.Context) error {
					go func() {
						<-ctx.Done()
						shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
						defer cancel()
						srv.Shutdown(shutdownCtx)
					}()
					log.Info().Str("addr", addr).Str("base_path", basePath).Str("scenario", e.Config.Scenario.ID).Msg("serving Trackline API")
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				if !manual {
					p.Go(func(ctx context.Context) error {
						return e.Run(ctx, e.Config.TickInterval(), e.Config.Clock.TickMinutes)
					})
				}
				p.Go(func(ctx context.Context) error {
					return server.RunWebhooks(ctx, e)
				})
				return p.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&manual, "manual", false, "disable automatic ticks; advance with POST /ticks")
	return cmd
}

func runCmd() *cobra.Command {
	var ticks int
	var delta float64
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Advance the scenario a number of ticks and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			if ticks <= 0 {
				return fmt.Errorf("--ticks must be positive")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if delta <= 0 {
					delta = e.Config.Clock.TickMinutes
				}
				for i := 0; i < ticks; i++ {
					res, err := e.AdvanceTick(ctx, delta)
					if err != nil {
						return err
					}
					for _, c := range res.Detected {
						log.Info().Str("conflict", c.ID).Str("location", c.Location).Str("severity", c.Severity).Msgf("%s conflict detected between %s and %s", c.LocationKind, c.TrainA, c.TrainB)
					}
					for _, c := range res.Materialized {
						log.Warn().Str("conflict", c.ID).Str("location", c.Location).Msg("conflict materialized")
					}
				}
				snap, err := e.Snapshot()
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(snap)
				}
				printSnapshot(e, snap)
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&ticks, "ticks", "n", 30, "number of ticks")
	cmd.Flags().Float64Var(&delta, "delta", 0, "minutes per tick (defaults to the scenario tick)")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show trains, conflicts and recommendations at minute zero",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				snap, err := e.Snapshot()
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(snap)
				}
				printSnapshot(e, snap)
				return nil
			})
		},
	}
}

func exportCmd() *cobra.Command {
	var detail, format, out string
	var ticks int
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the scenario state as JSON or CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				for i := 0; i < ticks; i++ {
					if _, err := e.AdvanceTick(ctx, e.Config.Clock.TickMinutes); err != nil {
						return err
					}
				}
				var data []byte
				var err error
				switch format {
				case "csv":
					data, err = e.ExportCSV()
				case "json":
					data, err = e.Export(detail)
				default:
					return fmt.Errorf("unknown format %q (json, csv)", format)
				}
				if err != nil {
					return err
				}
				if out == "" || out == "-" {
					_, err = os.Stdout.Write(data)
					return err
				}
				return os.WriteFile(out, data, 0o644)
			})
		},
	}
	cmd.Flags().StringVar(&detail, "detail", "summary", "detail level (summary, full)")
	cmd.Flags().StringVar(&format, "format", "json", "output format (json, csv)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default stdout)")
	cmd.Flags().IntVar(&ticks, "ticks", 0, "ticks to run before exporting")
	return cmd
}

func whatIfCmd() *cobra.Command {
	var sc domain.DelayScenario
	cmd := &cobra.Command{
		Use:   "whatif",
		Short: "Estimate the impact of a disruption without touching the live state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				impact, err := e.WhatIf(sc)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(impact)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Avg delay +", "Throughput -", "Extra conflicts", "Recovery (min)", "Simulated (min)"})
				tw.AppendRow(table.Row{
					fmt.Sprintf("%.1f", impact.AvgDelayIncrease), impact.ThroughputReduction,
					impact.ConflictsGenerated, fmt.Sprintf("%.0f", impact.RecoveryTime), fmt.Sprintf("%.0f", impact.SimulatedMinutes),
				})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&sc.Type, "type", "breakdown", "disruption type (weather, breakdown, maintenance, congestion)")
	cmd.Flags().IntVar(&sc.Severity, "severity", 5, "severity 1-10")
	cmd.Flags().Float64Var(&sc.Duration, "duration", 10, "duration in simulated minutes (5..60)")
	cmd.Flags().StringSliceVar(&sc.AffectedTrains, "train", nil, "affected train id (repeatable)")
	cmd.Flags().StringSliceVar(&sc.AffectedSections, "section", nil, "affected section id (repeatable)")
	return cmd
}

func scenarioCmd() *cobra.Command {
	sc := &cobra.Command{
		Use:   "scenario",
		Short: "Manage the scenario file and saved exports",
		Long:  "The scenario is the network, the trains and the policy. trackline.yml takes precedence over the copy stored in the workspace database.",
	}
	sc.AddCommand(scenarioInitCmd())
	sc.AddCommand(scenarioValidateCmd())
	sc.AddCommand(scenarioShowCmd())
	sc.AddCommand(scenarioSaveCmd())
	sc.AddCommand(scenarioListCmd())
	sc.AddCommand(scenarioGetCmd())
	return sc
}

func scenarioInitCmd() *cobra.Command {
	var id string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default trackline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(id)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "demo", "scenario id")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func scenarioValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate trackline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("scenario OK")
			return nil
		},
	}
}

func scenarioShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the resolved scenario config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if viper.GetBool("json") {
					return printJSON(e.Config)
				}
				fmt.Printf("%# v\n", pretty.Formatter(e.Config))
				return nil
			})
		},
	}
}

func scenarioSaveCmd() *cobra.Command {
	var ticks int
	cmd := &cobra.Command{
		Use:   "save <name>",
		Short: "Save a named full export",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				for i := 0; i < ticks; i++ {
					if _, err := e.AdvanceTick(ctx, e.Config.Clock.TickMinutes); err != nil {
						return err
					}
				}
				saved, err := e.SaveScenario(ctx, args[0])
				if err != nil {
					return err
				}
				saved.Document = ""
				return printJSONOrTable(saved)
			})
		},
	}
	cmd.Flags().IntVar(&ticks, "ticks", 0, "ticks to run before saving")
	return cmd
}

func scenarioListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List saved exports",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListSavedScenarios(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Clock", "Created"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.Name, config.FormatClock(startMinute(e) + s.Clock), s.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func scenarioGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Print a saved export document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				saved, err := e.GetSavedScenario(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Println(saved.Document)
				return nil
			})
		},
	}
}

func lessonCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "lesson",
		Short: "Record and search lessons learned",
	}
	l.AddCommand(lessonAddCmd())
	l.AddCommand(lessonListCmd())
	l.AddCommand(lessonSimilarCmd())
	return l
}

func lessonAddCmd() *cobra.Command {
	var opts engine.LessonOptions
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Record a lesson",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				lesson, err := e.AddLesson(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(lesson)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Author, "author", os.Getenv("USER"), "author")
	cmd.Flags().StringVar(&opts.Scenario, "scenario-text", "", "what happened")
	cmd.Flags().StringVar(&opts.Solution, "solution", "", "what was done")
	cmd.Flags().StringVar(&opts.Outcome, "outcome", "", "how it went")
	cmd.Flags().Float64Var(&opts.Rating, "rating", 3, "rating 0-5")
	cmd.Flags().StringSliceVar(&opts.Tags, "tag", nil, "tag (repeatable)")
	return cmd
}

func lessonListCmd() *cobra.Command {
	var tag string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List lessons, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListLessons(ctx, tag, limit)
				if err != nil {
					return err
				}
				return printLessons(items)
			})
		},
	}
	cmd.Flags().StringVar(&tag, "tag", "", "tag filter")
	cmd.Flags().IntVar(&limit, "limit", 20, "max lessons")
	return cmd
}

func lessonSimilarCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "similar <tag>...",
		Short: "Lessons sharing the given tags, best match first",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.SimilarLessons(ctx, args, limit)
				if err != nil {
					return err
				}
				return printLessons(items)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 5, "max lessons")
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Inspect the event log",
	}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				evts, err := e.Repo.LatestEvents(ctx, n, repo.EventFilters{
					ScenarioID: e.Config.Scenario.ID,
					Type:       evtType,
					EntityKind: entityKind,
					EntityID:   entityID,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Clock", "Type", "Entity", "Payload"})
				for _, evt := range evts {
					tw.AppendRow(table.Row{evt.ID, config.FormatClock(startMinute(e) + evt.SimMinute), evt.Type, evt.EntityKind + ":" + evt.EntityID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func remoteCmd() *cobra.Command {
	var baseURL string
	r := &cobra.Command{
		Use:   "remote",
		Short: "Drive a running Trackline server",
	}
	r.PersistentFlags().StringVar(&baseURL, "url", "http://127.0.0.1:8080", "server base URL")
	_ = viper.BindPFlag("url", r.PersistentFlags().Lookup("url"))
	client := func() *tracklinesdk.Client { return tracklinesdk.New(viper.GetString("url")) }

	r.AddCommand(&cobra.Command{
		Use:   "snapshot",
		Short: "Print the server's current snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := client().Snapshot(cmd.Context())
			if err != nil {
				return err
			}
			return printJSONOrTable(snap)
		},
	})

	var delta float64
	tick := &cobra.Command{
		Use:   "tick",
		Short: "Advance the server clock",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := client().Tick(cmd.Context(), delta)
			if err != nil {
				return err
			}
			return printJSONOrTable(res)
		},
	}
	tick.Flags().Float64Var(&delta, "delta", 0, "minutes to advance (defaults to the scenario tick)")
	r.AddCommand(tick)

	r.AddCommand(&cobra.Command{
		Use:   "accept <recommendation-id>",
		Short: "Accept a recommendation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := client().Accept(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSONOrTable(res)
		},
	})

	var reason string
	reject := &cobra.Command{
		Use:   "reject <recommendation-id>",
		Short: "Reject a recommendation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := client().Reject(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			return printJSONOrTable(res)
		},
	}
	reject.Flags().StringVar(&reason, "reason", "", "why the recommendation was rejected")
	r.AddCommand(reject)

	var limit int
	events := &cobra.Command{
		Use:   "events",
		Short: "List the server's recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			evts, err := client().Events(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printJSONOrTable(evts)
		},
	}
	events.Flags().IntVar(&limit, "limit", 20, "number of events")
	r.AddCommand(events)
	return r
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveScenarioAndConfig(ctx, workspace, viper.GetString("scenario"), r)
	if err != nil {
		return err
	}
	e, err := engine.New(conn, cfg)
	if err != nil {
		return err
	}
	return fn(ctx, e)
}

func startMinute(e engine.Engine) float64 {
	m, _ := config.ParseClock(e.Config.Clock.Start)
	return m
}

func printSnapshot(e engine.Engine, snap domain.Snapshot) {
	fmt.Printf("%s  clock %s  version %d\n\n", snap.ScenarioID, e.Clock().Label, snap.Version)

	trains := table.NewWriter()
	trains.SetOutputMirror(os.Stdout)
	trains.AppendHeader(table.Row{"Train", "Type", "Priority", "Status", "Section", "Position", "Delay"})
	for _, tr := range snap.Trains {
		trains.AppendRow(table.Row{tr.ID, tr.Type, tr.Priority, tr.Status, tr.Section, fmt.Sprintf("%.1f", tr.Position), fmt.Sprintf("%.0f", tr.DelayMinutes)})
	}
	trains.Render()

	if len(snap.Conflicts) > 0 {
		conflicts := table.NewWriter()
		conflicts.SetOutputMirror(os.Stdout)
		conflicts.AppendHeader(table.Row{"Conflict", "Trains", "Location", "State", "Severity", "TTC"})
		for _, c := range snap.Conflicts {
			conflicts.AppendRow(table.Row{c.ID, c.TrainA + "/" + c.TrainB, c.Location, c.State, c.Severity, fmt.Sprintf("%.1f", c.TimeToConflict)})
		}
		conflicts.Render()
	}

	if len(snap.Recommendations) > 0 {
		recs := table.NewWriter()
		recs.SetOutputMirror(os.Stdout)
		recs.AppendHeader(table.Row{"Recommendation", "Type", "Train", "Confidence", "Description"})
		for _, r := range snap.Recommendations {
			recs.AppendRow(table.Row{r.ID, r.Type, r.TrainID, fmt.Sprintf("%.0f%%", r.Confidence), r.Description})
		}
		recs.Render()
	}

	k := snap.KPIs
	fmt.Printf("throughput %d  on-time %d  delayed %d  avg delay %.1f  punctuality %.0f%%  safety violations %d  acceptance %.0f%%\n",
		k.Throughput, k.OnTimeTrains, k.DelayedTrains, k.AvgDelay, k.Punctuality, k.SafetyViolations, k.AcceptanceRate)
}

func printLessons(items []domain.Lesson) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Rating", "Tags", "Scenario", "Solution"})
	for _, l := range items {
		tw.AppendRow(table.Row{l.ID, l.Rating, strings.Join(l.Tags, ","), l.Scenario, l.Solution})
	}
	tw.Render()
	return nil
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
