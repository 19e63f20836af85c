package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/aura-interview/backend/config"
	"github.com/aura-interview/backend/internal/auth"
	"github.com/aura-interview/backend/internal/llm"
	"github.com/aura-interview/backend/internal/realtime"
	"github.com/aura-interview/backend/internal/report"
	"github.com/aura-interview/backend/internal/sessions"
	"github.com/aura-interview/backend/internal/worker"
	"github.com/aura-interview/backend/pkg/database"
	"github.com/aura-interview/backend/pkg/queue"
	"github.com/aura-interview/backend/pkg/redis"
)

const commandTimeout = 2 * time.Minute

var closeReason string

var closeCmd = &cobra.Command{
	Use:   "close <sessionId>",
	Short: "Force-close a live interview on every server instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
		defer cancel()
		rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			return err
		}
		defer rdb.Close()
		if err := realtime.NewBridge(rdb.Client, logger).PublishForceClose(ctx, args[0], closeReason); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "close requested for %s\n", args[0])
		return nil
	},
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Inspect or regenerate session reports",
}

var reportShowCmd = &cobra.Command{
	Use:   "show <sessionId>",
	Short: "Print the stored report as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
		defer cancel()
		pool, err := openPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()
		rep, err := sessions.NewRepository(pool).GetReport(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd, rep)
	},
}

var replaySync bool

var reportReplayCmd = &cobra.Command{
	Use:   "replay <sessionId>",
	Short: "Regenerate the report for an ended session",
	Long: `Queues a new report job for the session. With --sync the report is built in this
process, stored, and printed instead.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
		defer cancel()
		if !replaySync {
			rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
			if err != nil {
				return err
			}
			defer rdb.Close()
			if err := queue.NewQueue(rdb.Client, logger).EnqueueReport(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "report queued for %s\n", args[0])
			return nil
		}

		prompts, err := config.LoadPrompts(cfg.Interview.PromptsFile)
		if err != nil {
			return err
		}
		pool, err := openPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()
		gemini, err := llm.New(ctx, llm.Config{APIKey: cfg.Gemini.APIKey, StructuredModel: cfg.Gemini.ReportModel}, logger)
		if err != nil {
			return err
		}
		repo := sessions.NewRepository(pool)
		sess, err := repo.LoadSession(ctx, args[0])
		if err != nil {
			return err
		}
		agg := report.NewAggregator(gemini, prompts.Report, cfg.Gemini.ReportModel, logger)
		rep, _, err := worker.NewReportProcessor(repo, agg, nil, nil, logger).Build(ctx, sess)
		if err != nil {
			return err
		}
		if err := repo.SaveReport(ctx, sess.ID, rep); err != nil {
			return err
		}
		return printJSON(cmd, rep)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
		defer cancel()
		pool, err := openPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()
		if err := database.Migrate(ctx, pool, logger); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
		return nil
	},
}

var (
	tokenSubject string
	tokenRole    string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an operator token signed with ADMIN_JWT_SECRET",
	RunE: func(cmd *cobra.Command, args []string) error {
		switch tokenRole {
		case auth.RoleAdmin, auth.RoleViewer:
		default:
			return fmt.Errorf("role must be %s or %s", auth.RoleAdmin, auth.RoleViewer)
		}
		tok, err := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours).Generate(tokenSubject, tokenRole)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Show how many report jobs are dead-lettered",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
		defer cancel()
		rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			return err
		}
		defer rdb.Close()
		n, err := queue.NewQueue(rdb.Client, logger).DeadLetters(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d\n", n)
		return nil
	},
}

func init() {
	closeCmd.Flags().StringVar(&closeReason, "reason", "", "Message shown to the candidate")

	reportReplayCmd.Flags().BoolVar(&replaySync, "sync", false, "Build the report in-process instead of queueing it")
	reportCmd.AddCommand(reportShowCmd)
	reportCmd.AddCommand(reportReplayCmd)

	tokenCmd.Flags().StringVar(&tokenSubject, "subject", os.Getenv("USER"), "Operator identity")
	tokenCmd.Flags().StringVar(&tokenRole, "role", auth.RoleAdmin, "admin or viewer")
}

func openPool(ctx context.Context) (*pgxpool.Pool, error) {
	return database.NewPostgresPool(ctx, cfg.Database.DSN(), int32(cfg.Database.MaxConns), logger)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
