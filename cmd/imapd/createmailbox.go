package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/orbitmail/imapd/admin"
	"github.com/orbitmail/imapd/db"
	"github.com/orbitmail/imapd/mlog"
	"github.com/orbitmail/imapd/store"
)

func createMailboxCmd() *cobra.Command {
	var owner int64
	cmd := &cobra.Command{
		Use:   "createmailbox name",
		Short: "Create a mailbox",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			sdb, err := db.Open(cfg.Postgres, mlog.New("db"))
			if err != nil {
				return err
			}
			defer sdb.Close()

			name := store.NormalizeMailboxName(args[0])
			uidvalidity := uint32(time.Now().Unix())
			return sdb.Write(context.Background(), func(tx *db.Transaction) error {
				var id int64
				err := tx.QueryRow(`insert into mailboxes (name, uidnext, nextmodseq, uidvalidity, first_recent, owner) values ($1, 1, 1, $2, 1, $3) returning id`, name, uidvalidity, owner).Scan(&id)
				if err != nil {
					return fmt.Errorf("creating mailbox: %w", err)
				}
				fmt.Printf("mailbox %q created, id %d\n", name, id)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&owner, "owner", 0, "user id owning the mailbox")
	return cmd
}

// adminTokenCmd mints a bearer token for the admin API.
func adminTokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "admintoken",
		Short: "Print a bearer token for the admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Admin.JWTSecret == "" {
				return fmt.Errorf("no Admin.JWTSecret configured")
			}
			token, err := admin.NewToken(cfg.Admin.JWTSecret, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(os.Stdout, token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
