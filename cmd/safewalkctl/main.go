package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"safewalk/internal/config"
	"safewalk/internal/db"
	"safewalk/internal/ledger"
	"safewalk/internal/sms"
	"safewalk/internal/store"
	"safewalk/internal/sweep"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "safewalkctl",
		Short:         "Operational utility for the safewalk deadman switch",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newMigrateCommand())
	cmd.AddCommand(newSweepCommand())
	cmd.AddCommand(newTestSmsCommand())
	return cmd
}

func cliContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func loadConfig(ctx context.Context) (config.Config, error) {
	_ = godotenv.Load()
	return config.Load(ctx)
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cliContext(cmd)
			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			database, err := db.Connect(ctx, cfg.DBDSN)
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			defer db.Close(database)

			if err := db.Migrate(ctx, database); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func newSweepCommand() *cobra.Command {
	var batchSize int

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one sweep tick over overdue sessions and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cliContext(cmd)
			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}

			database, err := db.Connect(ctx, cfg.DBDSN)
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			defer db.Close(database)

			pool, err := db.OpenPool(ctx, cfg.DBDSN)
			if err != nil {
				return fmt.Errorf("open pgx pool: %w", err)
			}
			defer pool.Close()

			st, err := store.New(database, pool)
			if err != nil {
				return err
			}

			gateway, err := sms.NewClient(sms.Config{
				AccountSID: cfg.TwilioAccountSID,
				AuthToken:  cfg.TwilioAuthToken,
				FromNumber: cfg.TwilioFromNumber,
				BaseURL:    cfg.TwilioBaseURL,
				Timeout:    cfg.TwilioTimeout,
			})
			if err != nil {
				return fmt.Errorf("build sms gateway: %w", err)
			}

			logger := zerolog.New(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr()}).With().Timestamp().Logger()

			sweeper := sweep.New(sweep.Config{
				Store:      st.Sessions,
				Contacts:   st.Contacts,
				Profiles:   st.Profiles,
				Logs:       st.Logs,
				Heartbeats: st.Heartbeats,
				Credits:    ledger.NewStore(pool),
				Dispatcher: sms.NewDispatcher(gateway, logger),
				BatchSize:  batchSize,
				Logger:     logger,
			})

			tickCtx, cancel := context.WithTimeout(ctx, time.Minute)
			defer cancel()

			out := sweeper.Tick(tickCtx)
			fmt.Fprintf(cmd.OutOrStdout(), "processed=%d sent=%d failed=%d skipped=%d elapsed=%s\n",
				out.Processed, out.Sent, out.Failed, out.Skipped, out.Elapsed)
			return nil
		},
	}

	cmd.Flags().IntVar(&batchSize, "batch-size", sweep.DefaultBatchSize, "Maximum sessions to claim in this tick")
	return cmd
}

func newTestSmsCommand() *cobra.Command {
	var to string

	cmd := &cobra.Command{
		Use:   "test-sms",
		Short: "Send a test SMS through the configured gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cliContext(cmd)
			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}

			gateway, err := sms.NewClient(sms.Config{
				AccountSID: cfg.TwilioAccountSID,
				AuthToken:  cfg.TwilioAuthToken,
				FromNumber: cfg.TwilioFromNumber,
				BaseURL:    cfg.TwilioBaseURL,
				Timeout:    cfg.TwilioTimeout,
			})
			if err != nil {
				return fmt.Errorf("build sms gateway: %w", err)
			}

			if !sms.ValidPhone(to) {
				return fmt.Errorf("recipient %q is not E.164", to)
			}

			body := sms.BuildTest(sms.TemplateParams{Now: time.Now()})
			res, err := gateway.Send(ctx, to, body)
			if err != nil {
				return fmt.Errorf("send: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent sid=%s\n", res.MessageSID)
			return nil
		},
	}

	cmd.Flags().StringVar(&to, "to", "", "Recipient phone number in E.164 form")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}
