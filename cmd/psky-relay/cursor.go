package main

import (
	"fmt"
	"strconv"

	"github.com/psky-social/relay/internal/checkpoint"
	"github.com/psky-social/relay/internal/config"
	"github.com/psky-social/relay/internal/database"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newCursorCommand() *cobra.Command {
	cursorCmd := &cobra.Command{
		Use:   "cursor",
		Short: "Inspect or override the saved stream checkpoint",
	}

	cursorCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the saved checkpoint (0 when none)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCheckpointStore(func(store checkpoint.Store) error {
				cursor, err := store.Load(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), cursor)
				return nil
			})
		},
	})

	cursorCmd.AddCommand(&cobra.Command{
		Use:   "set <time_us>",
		Short: "Overwrite the saved checkpoint; the relay resumes from it on next start",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cursor, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || cursor < 0 {
				return fmt.Errorf("cursor must be a non-negative integer, got %q", args[0])
			}
			return withCheckpointStore(func(store checkpoint.Store) error {
				if err := store.Save(cmd.Context(), cursor); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "checkpoint set to %d\n", cursor)
				return nil
			})
		},
	})

	return cursorCmd
}

func withCheckpointStore(fn func(checkpoint.Store) error) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	var db *gorm.DB
	if appConfig.CheckpointBackend == config.CheckpointBackendDatabase {
		db, err = database.OpenSQLite(appConfig.DatabasePath, zap.NewNop())
		if err != nil {
			return err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		defer sqlDB.Close()
	}

	store, err := openCheckpointStore(appConfig, db)
	if err != nil {
		return err
	}
	return fn(store)
}

func openCheckpointStore(appConfig config.AppConfig, db *gorm.DB) (checkpoint.Store, error) {
	switch appConfig.CheckpointBackend {
	case config.CheckpointBackendFile:
		return checkpoint.NewFileStore(appConfig.CheckpointPath), nil
	case config.CheckpointBackendDatabase:
		if db == nil {
			return nil, fmt.Errorf("checkpoint backend %q needs an open database", appConfig.CheckpointBackend)
		}
		return checkpoint.NewTableStore(db, ""), nil
	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", appConfig.CheckpointBackend)
	}
}
