package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/claimlens/benchvault/internal/api"
	"github.com/claimlens/benchvault/internal/eval"
	"github.com/claimlens/benchvault/internal/groundtruth"
	"github.com/claimlens/benchvault/internal/store"
)

// runSubmission mirrors the service's POST /v1/runs payload.
type runSubmission struct {
	RunID          string               `json:"run_id"`
	ModelVersion   string               `json:"model_version"`
	DatasetVersion string               `json:"dataset_version"`
	PromptVersion  string               `json:"prompt_version,omitempty"`
	Environment    string               `json:"environment"`
	TriggeredBy    string               `json:"triggered_by"`
	CommitSHA      string               `json:"commit_sha,omitempty"`
	Tags           []string             `json:"tags,omitempty"`
	Notes          string               `json:"notes,omitempty"`
	Metrics        api.EvaluationResult `json:"metrics"`
	Scenarios      []api.ScenarioResult `json:"scenario_results,omitempty"`
}

// runCmd evaluates detector output against a ground-truth dataset and
// submits the result.
func runCmd() *cobra.Command {
	var (
		datasetPath    string
		detectionsPath string
		modelVersion   string
		promptVersion  string
		env            string
		runID          string
		commitSHA      string
		triggeredBy    string
		tags           []string
		notes          string
		dryRun         bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Evaluate a detection file against a dataset and submit the run",
		Long: `Loads a ground-truth dataset and a detector output file, computes
precision/recall/F1 by summing confusion counts across scenarios, and
submits the run to the benchmark service. With --dry-run the evaluation
is printed without submitting.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, err := groundtruth.LoadDataset(datasetPath)
			if err != nil {
				return fmt.Errorf("failed to load dataset: %w", err)
			}
			for _, w := range ds.Warnings {
				fmt.Fprintf(os.Stderr, "dataset: %s\n", w)
			}

			detections, warnings, err := groundtruth.LoadDetections(detectionsPath)
			if err != nil {
				return fmt.Errorf("failed to load detections: %w", err)
			}
			for _, w := range warnings {
				fmt.Fprintf(os.Stderr, "detections: %s\n", w)
			}

			scenarios := make([]eval.Scenario, 0, len(ds.Scenarios))
			for _, sc := range ds.Scenarios {
				scenarios = append(scenarios, eval.Scenario{
					ID:       sc.ScenarioID,
					Detected: detections[sc.ScenarioID],
					Expected: sc.Expected,
				})
			}

			evaluator := eval.NewEvaluator(eval.ZeroMetricZero)
			total, perScenario := evaluator.EvaluateRun(scenarios)

			if dryRun {
				return printJSON(map[string]any{
					"metrics":          total,
					"scenario_results": perScenario,
				})
			}

			sub := runSubmission{
				RunID:          runID,
				ModelVersion:   modelVersion,
				DatasetVersion: ds.DatasetVersion,
				PromptVersion:  promptVersion,
				Environment:    env,
				TriggeredBy:    triggeredBy,
				CommitSHA:      commitSHA,
				Tags:           tags,
				Notes:          notes,
				Metrics:        total,
				Scenarios:      perScenario,
			}

			var result json.RawMessage
			if err := newClient(serverURL).postJSON("/v1/runs", sub, &result); err != nil {
				return err
			}
			return printJSON(result)
		},
	}

	cmd.Flags().StringVar(&datasetPath, "dataset", "", "Ground-truth dataset file (.json or .jsonl)")
	cmd.Flags().StringVar(&detectionsPath, "detections", "", "Detector output file (.json or .jsonl)")
	cmd.Flags().StringVar(&modelVersion, "model-version", "", "Model version under evaluation")
	cmd.Flags().StringVar(&promptVersion, "prompt-version", "", "Prompt version")
	cmd.Flags().StringVar(&env, "environment", "staging", "Target environment")
	cmd.Flags().StringVar(&runID, "run-id", "", "CI run identifier for idempotent retries")
	cmd.Flags().StringVar(&commitSHA, "commit-sha", "", "Source commit under evaluation")
	cmd.Flags().StringVar(&triggeredBy, "triggered-by", "cli", "Submitter identity")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "Free-form tags (repeatable)")
	cmd.Flags().StringVar(&notes, "notes", "", "Free-form notes")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Evaluate and print without submitting")
	cmd.MarkFlagRequired("dataset")
	cmd.MarkFlagRequired("detections")
	cmd.MarkFlagRequired("model-version")

	return cmd
}

func checkoutCmd() *cobra.Command {
	var (
		modelVersion   string
		datasetVersion string
		env            string
		targetVersion  int
		actor          string
	)

	cmd := &cobra.Command{
		Use:   "checkout",
		Short: "Promote a historical snapshot version as the new current snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := map[string]any{
				"model_version":   modelVersion,
				"dataset_version": datasetVersion,
				"environment":     env,
				"target_version":  targetVersion,
				"actor":           actor,
			}

			var snap json.RawMessage
			if err := newClient(serverURL).postJSON("/v1/snapshots/checkout", payload, &snap); err != nil {
				return err
			}
			return printJSON(snap)
		},
	}

	cmd.Flags().StringVar(&modelVersion, "model-version", "", "Model version")
	cmd.Flags().StringVar(&datasetVersion, "dataset-version", "", "Dataset version")
	cmd.Flags().StringVar(&env, "environment", "", "Environment")
	cmd.Flags().IntVar(&targetVersion, "version", 0, "Snapshot version to promote")
	cmd.Flags().StringVar(&actor, "actor", "", "Who is performing the rollback")
	cmd.MarkFlagRequired("model-version")
	cmd.MarkFlagRequired("dataset-version")
	cmd.MarkFlagRequired("environment")
	cmd.MarkFlagRequired("version")

	return cmd
}

func compareCmd() *cobra.Command {
	var (
		modelVersion   string
		datasetVersion string
		env            string
		base           int
		target         int
	)

	cmd := &cobra.Command{
		Use:   "compare",
		Short: "Compare two snapshot versions of one key",
		Long: `Compares two snapshot versions and prints per-metric deltas.
Version 0 means the current snapshot.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := keyQuery(modelVersion, datasetVersion, env)
			q.Set("base", fmt.Sprint(base))
			q.Set("target", fmt.Sprint(target))

			var cmp json.RawMessage
			if err := newClient(serverURL).getJSON("/v1/compare", q, &cmp); err != nil {
				return err
			}
			return printJSON(cmp)
		},
	}

	cmd.Flags().StringVar(&modelVersion, "model-version", "", "Model version")
	cmd.Flags().StringVar(&datasetVersion, "dataset-version", "", "Dataset version")
	cmd.Flags().StringVar(&env, "environment", "", "Environment")
	cmd.Flags().IntVar(&base, "base", 0, "Base snapshot version (0 = current)")
	cmd.Flags().IntVar(&target, "target", 0, "Target snapshot version (0 = current)")
	cmd.MarkFlagRequired("model-version")
	cmd.MarkFlagRequired("dataset-version")
	cmd.MarkFlagRequired("environment")

	return cmd
}

func timeseriesCmd() *cobra.Command {
	var (
		modelVersion   string
		datasetVersion string
		env            string
		since          string
		until          string
		limit          int
	)

	cmd := &cobra.Command{
		Use:   "timeseries",
		Short: "Print the chronological metric series from the transaction log",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if modelVersion != "" {
				q.Set("model_version", modelVersion)
			}
			if datasetVersion != "" {
				q.Set("dataset_version", datasetVersion)
			}
			if env != "" {
				q.Set("environment", env)
			}
			if since != "" {
				if _, err := time.Parse(time.RFC3339, since); err != nil {
					return fmt.Errorf("invalid --since: %w", err)
				}
				q.Set("since", since)
			}
			if until != "" {
				if _, err := time.Parse(time.RFC3339, until); err != nil {
					return fmt.Errorf("invalid --until: %w", err)
				}
				q.Set("until", until)
			}
			if limit > 0 {
				q.Set("limit", fmt.Sprint(limit))
			}

			var points json.RawMessage
			if err := newClient(serverURL).getJSON("/v1/timeseries", q, &points); err != nil {
				return err
			}
			return printJSON(points)
		},
	}

	cmd.Flags().StringVar(&modelVersion, "model-version", "", "Filter by model version")
	cmd.Flags().StringVar(&datasetVersion, "dataset-version", "", "Filter by dataset version")
	cmd.Flags().StringVar(&env, "environment", "", "Filter by environment")
	cmd.Flags().StringVar(&since, "since", "", "Window start (RFC3339)")
	cmd.Flags().StringVar(&until, "until", "", "Window end (RFC3339)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of points")

	return cmd
}

func historyCmd() *cobra.Command {
	var (
		modelVersion   string
		datasetVersion string
		env            string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print all snapshot versions for one key",
		RunE: func(cmd *cobra.Command, args []string) error {
			var versions json.RawMessage
			if err := newClient(serverURL).getJSON("/v1/snapshots/history", keyQuery(modelVersion, datasetVersion, env), &versions); err != nil {
				return err
			}
			return printJSON(versions)
		},
	}

	cmd.Flags().StringVar(&modelVersion, "model-version", "", "Model version")
	cmd.Flags().StringVar(&datasetVersion, "dataset-version", "", "Dataset version")
	cmd.Flags().StringVar(&env, "environment", "", "Environment")
	cmd.MarkFlagRequired("model-version")
	cmd.MarkFlagRequired("dataset-version")
	cmd.MarkFlagRequired("environment")

	return cmd
}

// migrateCmd applies the database schema directly, without the server.
func migrateCmd() *cobra.Command {
	var connStr string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			if connStr == "" {
				return fmt.Errorf("--postgres-conn or POSTGRES_CONN is required")
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			pg, err := store.NewPostgresStore(ctx, connStr)
			if err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}
			defer pg.Close()

			if err := store.Migrate(ctx, pg.Pool()); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Println("Migrations applied.")
			return nil
		},
	}

	cmd.Flags().StringVar(&connStr, "postgres-conn", os.Getenv("POSTGRES_CONN"), "Postgres connection string")

	return cmd
}

func keyQuery(modelVersion, datasetVersion, env string) url.Values {
	q := url.Values{}
	q.Set("model_version", modelVersion)
	q.Set("dataset_version", datasetVersion)
	q.Set("environment", env)
	return q
}
