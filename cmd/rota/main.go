package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"rotaline/internal/app"
	"rotaline/internal/config"
	"rotaline/internal/db"
	"rotaline/internal/domain"
	"rotaline/internal/engine"
	"rotaline/internal/migrate"
	"rotaline/internal/repo"
	"rotaline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "rota",
	Short: "Rotaline CLI",
	Long: `Rotaline renders on-call schedules from a round-robin rotation and ad-hoc overrides.
- Workspace: your .rotaline directory holding the database; config comes from rotaline.yml.
- Roster: a named on-call group owning one rotation and its overrides.
- Rotation: users taking turns, switching every handover interval from a fixed start.
- Overrides: temporary swaps (vacations, trades) that replace whoever is on call for a window.
- Schedule: the final timeline, rendered over a half-open [from, until) window.
- Event log: diary of changes, view with 'rota log tail'.`,
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
	viper.SetEnvPrefix("ROTALINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("roster", "", "roster id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("roster", rootCmd.PersistentFlags().Lookup("roster"))
}

func registerCommands() {
	rootCmd.AddCommand(renderCmd())
	rootCmd.AddCommand(rosterCmd())
	rootCmd.AddCommand(rotationCmd())
	rootCmd.AddCommand(overrideCmd())
	rootCmd.AddCommand(scheduleCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

// renderCmd is the stateless file pipeline: schedule spec and overrides in,
// rendered timeline out. No workspace state is touched.
func renderCmd() *cobra.Command {
	var schedulePath, overridesPath, from, until, output string
	cmd := &cobra.Command{
		Use:   "render",
		Short: "Render a schedule from JSON files",
		RunE: func(cmd *cobra.Command, args []string) error {
			scheduleData, err := os.ReadFile(schedulePath)
			if err != nil {
				return err
			}
			var spec engine.ScheduleSpec
			if err := json.Unmarshal(scheduleData, &spec); err != nil {
				return fmt.Errorf("parse %s: %w", schedulePath, err)
			}
			var overrides []domain.Entry
			if overridesPath != "" {
				overrideData, err := os.ReadFile(overridesPath)
				if err != nil {
					return err
				}
				if err := json.Unmarshal(overrideData, &overrides); err != nil {
					return fmt.Errorf("parse %s: %w", overridesPath, err)
				}
			}
			entries, err := engine.Render(engine.RenderRequest{
				Schedule:  spec,
				Overrides: overrides,
				From:      from,
				Until:     until,
			})
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(entries, "", "  ")
			if err != nil {
				return err
			}
			if output != "" {
				return os.WriteFile(output, append(data, '\n'), 0o644)
			}
			fmt.Println(string(data))
			return nil
		},
	}
	cmd.Flags().StringVar(&schedulePath, "schedule", "", "path to schedule spec JSON")
	cmd.Flags().StringVar(&overridesPath, "overrides", "", "path to overrides JSON")
	cmd.Flags().StringVar(&from, "from", "", "window start (RFC3339)")
	cmd.Flags().StringVar(&until, "until", "", "window end (RFC3339)")
	cmd.Flags().StringVar(&output, "output", "", "write result to file instead of stdout")
	_ = cmd.MarkFlagRequired("schedule")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("until")
	return cmd
}

func rosterCmd() *cobra.Command {
	ro := &cobra.Command{Use: "roster", Short: "Manage rosters"}
	ro.AddCommand(rosterCreateCmd())
	ro.AddCommand(rosterListCmd())
	ro.AddCommand(rosterShowCmd())
	ro.AddCommand(rosterDeleteCmd())
	ro.AddCommand(rosterUseCmd())
	return ro
}

func rosterCreateCmd() *cobra.Command {
	var id, name, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create roster",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			if cfg == nil {
				cfg = config.Default(id)
			}
			e := engine.New(conn, cfg)
			ro, err := e.InitRoster(cmd.Context(), id, name, desc, viper.GetString("actor-id"))
			if err != nil {
				return err
			}
			return printJSONOrTable(ro)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "roster id")
	cmd.Flags().StringVar(&name, "name", "", "roster name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func rosterListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List rosters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListRosters(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func rosterShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a roster",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, rosterID string) error {
				ro, err := e.Repo.GetRoster(ctx, rosterID)
				if err != nil {
					return err
				}
				return printJSONOrTable(ro)
			})
		},
	}
	return cmd
}

func rosterDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a roster",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, rosterID string) error {
				return e.Repo.DeleteRoster(ctx, rosterID)
			})
		},
	}
	return cmd
}

func rosterUseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "use <id>",
		Short: "Set current roster for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rosterID := strings.TrimSpace(args[0])
			if rosterID == "" {
				return fmt.Errorf("roster id is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "ROTALINE_ROSTER", rosterID); err != nil {
				return err
			}
			fmt.Printf("Set ROTALINE_ROSTER=%s in %s/.env\n", rosterID, workspace)
			return nil
		},
	}
	return cmd
}

func rotationCmd() *cobra.Command {
	rot := &cobra.Command{
		Use:   "rotation",
		Short: "Manage the rotation spec",
		Long:  "The rotation decides who is on call by default: users take turns in order, handing over every interval from the handover start.",
	}
	rot.AddCommand(rotationSetCmd())
	rot.AddCommand(rotationShowCmd())
	return rot
}

func rotationSetCmd() *cobra.Command {
	var users []string
	var startAt string
	var intervalDays int
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Set rotation users and handover cadence",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, rosterID string) error {
				rot, err := e.SetRotation(ctx, rosterID, config.RotationConfig{
					Participants:         users,
					HandoverStartAt:      startAt,
					HandoverIntervalDays: intervalDays,
				}, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(rot)
			})
		},
	}
	cmd.Flags().StringArrayVar(&users, "user", []string{}, "rotation user in turn order (repeatable)")
	cmd.Flags().StringVar(&startAt, "handover-start-at", "", "first handover instant (RFC3339)")
	cmd.Flags().IntVar(&intervalDays, "handover-interval-days", 7, "days between handovers")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("handover-start-at")
	return cmd
}

func rotationShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the stored rotation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, rosterID string) error {
				rot, err := e.Repo.GetRotation(ctx, rosterID)
				if err != nil {
					return err
				}
				return printJSONOrTable(rot)
			})
		},
	}
	return cmd
}

func overrideCmd() *cobra.Command {
	o := &cobra.Command{
		Use:   "override",
		Short: "Manage overrides",
		Long:  "Overrides swap someone in for a window (vacation cover, shift trades). They replace the rotation user for exactly [start, end).",
	}
	o.AddCommand(overrideAddCmd())
	o.AddCommand(overrideListCmd())
	o.AddCommand(overrideRemoveCmd())
	return o
}

func overrideAddCmd() *cobra.Command {
	var user, startAt, endAt string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add an override",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, rosterID string) error {
				o, err := e.AddOverride(ctx, engine.OverrideOptions{
					RosterID: rosterID,
					User:     user,
					StartAt:  startAt,
					EndAt:    endAt,
					ActorID:  viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user taking the shift")
	cmd.Flags().StringVar(&startAt, "start-at", "", "override start (RFC3339)")
	cmd.Flags().StringVar(&endAt, "end-at", "", "override end (RFC3339, exclusive)")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("start-at")
	_ = cmd.MarkFlagRequired("end-at")
	return cmd
}

func overrideListCmd() *cobra.Command {
	var from, until string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List overrides",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, rosterID string) error {
				f := repo.OverrideFilters{RosterID: rosterID}
				if from != "" {
					t, err := engine.ParseTime(from)
					if err != nil {
						return err
					}
					f.From = t
				}
				if until != "" {
					t, err := engine.ParseTime(until)
					if err != nil {
						return err
					}
					f.Until = t
				}
				items, err := e.Repo.ListOverrides(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "User", "Start", "End"})
				for _, o := range items {
					tw.AppendRow(table.Row{o.ID, o.User, o.StartAt, o.EndAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "only overrides overlapping after this instant")
	cmd.Flags().StringVar(&until, "until", "", "only overrides overlapping before this instant")
	return cmd
}

func overrideRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove an override",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, rosterID string) error {
				return e.RemoveOverride(ctx, id, viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func scheduleCmd() *cobra.Command {
	var from, until string
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Render the roster schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, rosterID string) error {
				fromT, err := engine.ParseTime(from)
				if err != nil {
					return err
				}
				untilT, err := engine.ParseTime(until)
				if err != nil {
					return err
				}
				entries, err := e.RenderSchedule(ctx, rosterID, fromT, untilT)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"User", "Start", "End"})
				for _, entry := range entries {
					tw.AppendRow(table.Row{entry.User, entry.StartAt, entry.EndAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "window start (RFC3339)")
	cmd.Flags().StringVar(&until, "until", "", "window end (RFC3339, exclusive)")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("until")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config is the rulebook (rotaline.yml): default roster, rotation seed, and webhook targets.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, rosterID string) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err == nil {
				err = cfg.Validate()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func configInitCmd() *cobra.Command {
	var rosterID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default rotaline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			target := config.Path(workspace)
			if _, err := os.Stat(target); err == nil {
				return fmt.Errorf("%s already exists", target)
			}
			if err := os.WriteFile(target, []byte(config.GenerateDefault(rosterID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", target)
			return nil
		},
	}
	cmd.Flags().StringVar(&rosterID, "roster-id", "primary", "roster id to seed")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: rosters, rotations, overrides, and keys.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, rosterID string) error {
				events, err := e.Repo.LatestEvents(ctx, n, rosterID, evtType)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	cmd.AddCommand(apikeyCreateCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, rosterID string) error {
				plain, key, err := e.CreateAPIKey(ctx, viper.GetString("actor-id"), name)
				if err != nil {
					return err
				}
				// The plaintext is shown once; only the hash is stored.
				return printJSONOrTable(map[string]any{
					"id":       key.ID,
					"actor_id": key.ActorID,
					"name":     key.Name,
					"key":      plain,
				})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath, assetsDir string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
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
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveRosterAndConfig(cmd.Context(), workspace, viper.GetString("roster"), viper.GetString("actor-id"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("ROTALINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				fmt.Println("ROTALINE_JWT_SECRET not set; serving in open mode (anonymous actor)")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg, AssetsDir: assetsDir})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Rotaline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().StringVar(&assetsDir, "assets", "", "directory of static assets to serve at /")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine, string) error) error {
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
	rosterID, cfg, err := app.ResolveRosterAndConfig(ctx, workspace, viper.GetString("roster"), viper.GetString("actor-id"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e, rosterID)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
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
	return fn(ctx, r)
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

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
