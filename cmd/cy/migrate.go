package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/zulandar/chunkyard/internal/config"
	"github.com/zulandar/chunkyard/internal/db"
)

func newMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the SQL status store tables",
		Long:  "Creates the database (MySQL) and migrates the status store tables. Only needed when store.backend is db.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return runMigrate(cmd.OutOrStdout(), cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to chunkyard config file")
	return cmd
}

func runMigrate(out io.Writer, cfg *config.Config) error {
	if cfg.Store.Backend != "db" {
		fmt.Fprintf(out, "Store backend is %s; nothing to migrate\n", cfg.Store.Backend)
		return nil
	}

	dbc := cfg.Store.Database
	if dbc.Driver == "mysql" {
		adminDB, err := db.ConnectAdmin(dbc.User, dbc.Host, dbc.Port)
		if err != nil {
			return err
		}
		if err := db.CreateDatabase(adminDB, dbc.Name); err != nil {
			return err
		}
		fmt.Fprintf(out, "Database %s ready\n", dbc.Name)
	}

	gormDB, err := db.Connect(dbc)
	if err != nil {
		return err
	}
	if sqlDB, err := gormDB.DB(); err == nil {
		defer sqlDB.Close()
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	fmt.Fprintf(out, "Migrated %d tables\n", len(db.AllModels()))
	return nil
}
