package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/orbitmail/imapd/db"
	"github.com/orbitmail/imapd/mlog"
	"github.com/orbitmail/imapd/store"
)

// setPasswordCmd creates a user or replaces their password. The password
// is read from stdin so it does not end up in shell history; only its
// bcrypt hash is stored.
func setPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setpassword login",
		Short: "Create a user or set their password (read from stdin)",
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

			fmt.Fprint(os.Stderr, "password: ")
			line, err := bufio.NewReader(os.Stdin).ReadString('\n')
			if err != nil {
				return fmt.Errorf("reading password: %w", err)
			}
			password := strings.TrimRight(line, "\r\n")
			if len(password) < 8 {
				return fmt.Errorf("password must be at least 8 characters")
			}

			id, err := store.SetPassword(context.Background(), sdb, args[0], password)
			if err != nil {
				return err
			}
			fmt.Printf("password set for user %q, id %d\n", args[0], id)
			return nil
		},
	}
}
