package main

import (
	"context"
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/orbitmail/imapd/db"
	"github.com/orbitmail/imapd/mlog"
)

// checkCmd verifies the configuration and database before a deploy: it
// parses the config file, dials PostgreSQL, and confirms the tables the
// server needs exist.
func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check configuration and database readiness",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				pterm.Error.Printfln("config: %v", err)
				return err
			}
			pterm.Success.Printfln("config %s parsed", configPath)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			sdb, err := db.Open(cfg.Postgres, mlog.New("db"))
			if err != nil {
				pterm.Error.Printfln("database: %v", err)
				return err
			}
			defer sdb.Close()

			tables := []string{"mailboxes", "mailbox_messages", "deleted_messages", "flags", "flag_names", "annotations", "permissions", "users"}
			for _, table := range tables {
				var n int64
				err := sdb.Read(ctx, func(tx *db.Transaction) error {
					return tx.QueryRow(fmt.Sprintf("select count(*) from %s", table)).Scan(&n)
				})
				if err != nil {
					pterm.Error.Printfln("table %s: %v", table, err)
					return err
				}
				pterm.Success.Printfln("table %s ok (%d rows)", table, n)
			}

			pterm.Success.Println("ready")
			return nil
		},
	}
}
