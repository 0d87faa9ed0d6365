// Command imapd runs the IMAP server and its operational tooling.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/orbitmail/imapd/config"
	"github.com/orbitmail/imapd/mlog"
)

var version = "dev"

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "imapd",
		Short:         "IMAP server backed by PostgreSQL",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "imapd.conf", "path to configuration file")

	root.AddCommand(serveCmd())
	root.AddCommand(checkCmd())
	root.AddCommand(createMailboxCmd())
	root.AddCommand(setPasswordCmd())
	root.AddCommand(describeConfCmd())
	root.AddCommand(adminTokenCmd())

	if err := root.Execute(); err != nil {
		mlog.Fatalf("imapd: %v", err)
	}
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}
	levels := map[string]mlog.Level{}
	if cfg.LogLevel != "" {
		l, ok := mlog.ParseLevel(cfg.LogLevel)
		if !ok {
			mlog.Fatalf("unknown log level %q", cfg.LogLevel)
		}
		levels[""] = l
	}
	for pkg, s := range cfg.PackageLogLevels {
		l, ok := mlog.ParseLevel(s)
		if !ok {
			mlog.Fatalf("unknown log level %q for package %q", s, pkg)
		}
		levels[pkg] = l
	}
	mlog.SetConfig(levels)
	return cfg, nil
}

func describeConfCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "describeconf",
		Short: "Print an annotated example configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			var c config.Config
			c.Hostname = "mail.example.com"
			c.Postgres = "postgres://imapd@localhost/mail"
			c.IMAP.Address = ":143"
			c.Blobs.Dir = "/var/lib/imapd/messages"
			return config.Describe(os.Stdout, &c)
		},
	}
}
