package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"qpilot/internal/app"
	"qpilot/internal/config"
	"qpilot/internal/domain"
	"qpilot/internal/engine"
	"qpilot/internal/schema"
	"qpilot/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "qp",
	Short: "Questionnaire pilot CLI",
	Long: `qp drives security questionnaire runs through an external drafting worker.
A run moves ingest -> draft -> approve -> export; each step is gated (every
answer cited, every answer approved) and every outcome lands in an append-only
event ledger. The store carries a schema fingerprint so evidence can always be
traced to the exact schema it was written under.`,
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
	viper.SetEnvPrefix("QPILOT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(dealCmd())
	rootCmd.AddCommand(evidenceCmd())
	rootCmd.AddCommand(schemaCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default qpilot.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if err := os.MkdirAll(workspace, 0o755); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

func runCmd() *cobra.Command {
	run := &cobra.Command{
		Use:   "run",
		Short: "Drive workflow runs",
		Long:  "A run is one questionnaire's trip through ingest, draft, approve and export. Re-running ingest restarts a failed run.",
	}
	run.AddCommand(runIngestCmd())
	run.AddCommand(runDraftCmd())
	run.AddCommand(runApproveCmd())
	run.AddCommand(runExportCmd())
	run.AddCommand(runShowCmd())
	run.AddCommand(runListCmd())
	run.AddCommand(runEventsCmd())
	return run
}

func runIngestCmd() *cobra.Command {
	var runID, questionnairePath string
	var sourcePaths []string
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest questionnaire and source documents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.Context) error {
				opts := engine.IngestOptions{RunID: runID}
				if questionnairePath != "" {
					data, err := os.ReadFile(questionnairePath)
					if err != nil {
						return err
					}
					opts.QuestionnaireCSV = string(data)
				}
				for _, p := range sourcePaths {
					data, err := os.ReadFile(p)
					if err != nil {
						return err
					}
					opts.Sources = append(opts.Sources, engine.SourceInput{FileName: p, Content: string(data)})
				}
				res, err := a.Engine.Ingest(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrIndent(res)
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "run id")
	cmd.Flags().StringVar(&questionnairePath, "questionnaire", "", "questionnaire CSV path (defaults to workspace template)")
	cmd.Flags().StringSliceVar(&sourcePaths, "source", nil, "source document path (repeatable)")
	_ = cmd.MarkFlagRequired("run-id")
	return cmd
}

func runDraftCmd() *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "draft",
		Short: "Draft answers and evaluate the citation gate",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.Context) error {
				res, err := a.Engine.Draft(ctx, runID)
				if err != nil {
					return err
				}
				if err := printJSONOrIndent(res); err != nil {
					return err
				}
				if !res.OK {
					return fmt.Errorf("citation gate failed for %s", strings.Join(res.UncitedQuestionIDs, ", "))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "run id")
	_ = cmd.MarkFlagRequired("run-id")
	return cmd
}

func runApproveCmd() *cobra.Command {
	var runID, reviewer, decisionsPath string
	cmd := &cobra.Command{
		Use:   "approve",
		Short: "Record reviewer decisions and evaluate the approval gate",
		RunE: func(cmd *cobra.Command, args []string) error {
			decisions, err := readDecisionsCSV(decisionsPath)
			if err != nil {
				return err
			}
			return withApp(func(ctx context.Context, a *app.Context) error {
				res, err := a.Engine.Approve(ctx, engine.ApproveOptions{
					RunID:     runID,
					Reviewer:  reviewer,
					Decisions: decisions,
				})
				if err != nil {
					return err
				}
				if err := printJSONOrIndent(res); err != nil {
					return err
				}
				if !res.OK {
					return fmt.Errorf("approval gate failed for %s", strings.Join(res.UnresolvedQuestionIDs, ", "))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "run id")
	cmd.Flags().StringVar(&reviewer, "reviewer", "", "reviewer name")
	cmd.Flags().StringVar(&decisionsPath, "decisions", "", "decisions CSV path (question_id,decision,notes)")
	_ = cmd.MarkFlagRequired("run-id")
	_ = cmd.MarkFlagRequired("reviewer")
	_ = cmd.MarkFlagRequired("decisions")
	return cmd
}

func runExportCmd() *cobra.Command {
	var runID, output string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the approved answer package",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.Context) error {
				res, err := a.Engine.Export(ctx, engine.ExportOptions{RunID: runID, OutputPath: output})
				if err != nil {
					return err
				}
				return printJSONOrIndent(res)
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "run id")
	cmd.Flags().StringVar(&output, "output", "", "export bundle path")
	_ = cmd.MarkFlagRequired("run-id")
	return cmd
}

func runShowCmd() *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a run's current state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.Context) error {
				run, err := a.Engine.GetRun(ctx, runID)
				if err != nil {
					return err
				}
				return printJSONOrIndent(run)
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "run id")
	_ = cmd.MarkFlagRequired("run-id")
	return cmd
}

func runListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.Context) error {
				runs, err := a.Engine.Repo.ListRuns(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"RUN", "STATUS", "CITED", "APPROVED", "REVIEWER", "UPDATED"})
				for _, r := range runs {
					t.AppendRow(table.Row{
						r.RunID, r.Status,
						boolCell(r.CitationGatePassed), boolCell(r.ApprovalGatePassed),
						stringCell(r.Reviewer), r.UpdatedAt,
					})
				}
				t.Render()
				return nil
			})
		},
	}
	return cmd
}

func runEventsCmd() *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show a run's event ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.Context) error {
				evs, err := a.Engine.ListEvents(ctx, runID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evs)
				}
				renderEventTable(evs)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "run id")
	_ = cmd.MarkFlagRequired("run-id")
	return cmd
}

func dealCmd() *cobra.Command {
	deal := &cobra.Command{
		Use:   "deal",
		Short: "Pilot deal checks",
	}
	deal.AddCommand(dealValidateCmd())
	return deal
}

func dealValidateCmd() *cobra.Command {
	var runID string
	var input domain.PricingInput
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate pilot deal pricing against the floors",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.Context) error {
				res, err := a.Engine.ValidatePilotDeal(ctx, input, runID)
				if err != nil {
					return err
				}
				if err := printJSONOrIndent(res); err != nil {
					return err
				}
				if !res.Approved {
					return fmt.Errorf("deal rejected: %s", strings.Join(res.Issues, " "))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "link the verdict to a run's ledger")
	cmd.Flags().Float64Var(&input.OnboardingFee, "onboarding-fee", 0, "onboarding fee")
	cmd.Flags().Float64Var(&input.MonthlyFee, "monthly-fee", 0, "monthly fee")
	cmd.Flags().Float64Var(&input.IncludedQuestionnaires, "included", 0, "included questionnaires per month")
	cmd.Flags().Float64Var(&input.OverageFee, "overage-fee", 0, "per-questionnaire overage fee")
	cmd.Flags().Float64Var(&input.ExpectedQuestionnaires, "expected", 0, "expected questionnaires per month")
	cmd.Flags().Float64Var(&input.EstimatedCogsPerQuestionnaire, "cogs", 0, "estimated COGS per questionnaire")
	return cmd
}

func evidenceCmd() *cobra.Command {
	ev := &cobra.Command{
		Use:   "evidence",
		Short: "Collect and validate run evidence",
	}
	ev.AddCommand(evidenceFetchCmd())
	ev.AddCommand(evidenceValidateCmd())
	return ev
}

func evidenceFetchCmd() *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch the evidence document for a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.Context) error {
				doc, err := a.Engine.Evidence(ctx, runID)
				if err != nil {
					return err
				}
				return printJSON(doc)
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "run id")
	_ = cmd.MarkFlagRequired("run-id")
	return cmd
}

func evidenceValidateCmd() *cobra.Command {
	var runID, filePath string
	var requireSchemaMatch bool
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate an evidence document",
		Long:  "Validates evidence either fetched live from the store (--run-id) or loaded from a JSON file (--file). Files in the older camelCase key style are accepted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.Context) error {
				var doc engine.EvidenceDocument
				switch {
				case filePath != "":
					data, err := os.ReadFile(filePath)
					if err != nil {
						return err
					}
					if err := json.Unmarshal(data, &doc); err != nil {
						return err
					}
				case runID != "":
					var err error
					doc, err = a.Engine.Evidence(ctx, runID)
					if err != nil {
						return err
					}
				default:
					return fmt.Errorf("--run-id or --file required")
				}
				report, err := engine.ValidateEvidence(doc, schema.Expected(), requireSchemaMatch)
				if printErr := printJSONOrIndent(report); printErr != nil {
					return printErr
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "run id to fetch from the store")
	cmd.Flags().StringVar(&filePath, "file", "", "evidence JSON file")
	cmd.Flags().BoolVar(&requireSchemaMatch, "require-schema-match", false, "fail when the run carries no schema sha")
	return cmd
}

func schemaCmd() *cobra.Command {
	sc := &cobra.Command{
		Use:   "schema",
		Short: "Schema fingerprint",
	}
	sc.AddCommand(schemaShowCmd())
	sc.AddCommand(schemaVerifyCmd())
	return sc
}

func schemaShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the expected schema fingerprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printJSONOrIndent(schema.Expected())
		},
	}
	return cmd
}

func schemaVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Compare the store's fingerprint to the expected one",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.Context) error {
				res, err := schema.Check(ctx, a.DB)
				if err != nil {
					return err
				}
				out := map[string]any{
					"verdict":  res.Verdict.String(),
					"expected": res.Expected,
					"observed": res.Observed,
				}
				if err := printJSONOrIndent(out); err != nil {
					return err
				}
				if res.Verdict != schema.Match {
					return fmt.Errorf("schema %s", res.Verdict)
				}
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{
		Use:   "log",
		Short: "Event ledger",
	}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var runID string
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail a run's events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.Context) error {
				evs, err := a.Engine.ListEvents(ctx, runID)
				if err != nil {
					return err
				}
				if n > 0 && len(evs) > n {
					evs = evs[len(evs)-n:]
				}
				if viper.GetBool("json") {
					return printJSON(evs)
				}
				renderEventTable(evs)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "run id")
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	_ = cmd.MarkFlagRequired("run-id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			a, err := app.Open(workspace)
			if err != nil {
				return err
			}
			defer a.Close()
			if basePath == "" {
				basePath = a.Config.Server.BasePath
			}
			authCfg := server.AuthConfig{
				JWTSecret:      a.Config.Server.JWTSecret,
				APIToken:       a.Config.Server.APIToken,
				AllowAnonymous: a.Config.Server.AllowAnonymous,
				Logger:         a.Log,
			}
			if secret := os.Getenv("QPILOT_JWT_SECRET"); secret != "" {
				authCfg.JWTSecret = secret
			}
			if !authCfg.AllowAnonymous && authCfg.JWTSecret == "" && authCfg.APIToken == "" {
				return fmt.Errorf("server.jwt_secret or server.api_token is required unless server.allow_anonymous is set")
			}
			handler, err := server.New(server.Config{Engine: a.Engine, BasePath: basePath, Auth: authCfg})
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
			fmt.Printf("Serving qpilot API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to config)")
	return cmd
}

// --- helpers ---

func withApp(fn func(context.Context, *app.Context) error) error {
	a, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(context.Background(), a)
}

func readDecisionsCSV(path string) ([]domain.ApprovalDecision, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	var decisions []domain.ApprovalDecision
	first := true
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if first {
			first = false
			if len(record) > 0 && strings.EqualFold(strings.TrimSpace(record[0]), "question_id") {
				continue
			}
		}
		if len(record) < 2 {
			return nil, fmt.Errorf("decisions row needs question_id and decision: %v", record)
		}
		d := domain.ApprovalDecision{
			QuestionID: strings.TrimSpace(record[0]),
			Decision:   strings.TrimSpace(record[1]),
		}
		if len(record) > 2 {
			d.Notes = record[2]
		}
		decisions = append(decisions, d)
	}
	return decisions, nil
}

func renderEventTable(evs []domain.Event) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"ID", "STEP", "STATUS", "AT"})
	for _, ev := range evs {
		t.AppendRow(table.Row{ev.ID, ev.Step, ev.Status, ev.CreatedAt})
	}
	t.Render()
}

func printJSONOrIndent(v any) error {
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

func boolCell(v *bool) string {
	if v == nil {
		return "-"
	}
	if *v {
		return "yes"
	}
	return "no"
}

func stringCell(v *string) string {
	if v == nil {
		return "-"
	}
	return *v
}
