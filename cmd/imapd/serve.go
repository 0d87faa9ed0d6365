package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"

	"github.com/mjl-/autocert"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/orbitmail/imapd/admin"
	"github.com/orbitmail/imapd/blobstore"
	"github.com/orbitmail/imapd/cluster"
	"github.com/orbitmail/imapd/config"
	"github.com/orbitmail/imapd/db"
	"github.com/orbitmail/imapd/imapserver"
	"github.com/orbitmail/imapd/message"
	"github.com/orbitmail/imapd/mlog"
	"github.com/orbitmail/imapd/parsedcache"
	"github.com/orbitmail/imapd/store"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the IMAP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
}

func serve(cfg config.Config) error {
	ctx := context.Background()
	log := mlog.New("imapd")

	sdb, err := db.Open(cfg.Postgres, mlog.New("db"))
	if err != nil {
		return err
	}
	defer sdb.Close()

	var blobs store.BlobStore
	if cfg.Blobs.S3 != nil {
		s3cfg := cfg.Blobs.S3
		blobs, err = blobstore.NewS3Store(ctx, s3cfg.Bucket, s3cfg.Region, s3cfg.Endpoint, s3cfg.AccessKey, s3cfg.SecretKey)
		if err != nil {
			return fmt.Errorf("opening s3 blob store: %w", err)
		}
	} else {
		blobs = blobstore.LocalStore{Dir: cfg.Blobs.Dir}
	}

	var parser store.MessageParser = message.Parser{}
	if cfg.ParsedCachePath != "" {
		cache, err := parsedcache.Open(ctx, cfg.ParsedCachePath, parser, mlog.New("parsedcache"))
		if err != nil {
			return err
		}
		defer cache.Close()
		parser = cache
	}

	var clusterClient *cluster.Client
	if len(cfg.Cluster.Peers) > 0 {
		clusterClient = cluster.NewClient(cfg.Cluster.Peers, mlog.New("cluster"))
		defer clusterClient.Close()
	}
	if cfg.Cluster.ListenAddress != "" {
		cln, err := net.Listen("tcp", cfg.Cluster.ListenAddress)
		if err != nil {
			return fmt.Errorf("cluster listener: %w", err)
		}
		clog := mlog.New("cluster")
		go func() {
			err := cluster.Listen(cln, clog, func(note cluster.MailboxNotification) {
				mb := store.LookupMailboxStateByName(note.Name)
				if mb == nil {
					return
				}
				mb.SetCounters(0, store.ModSeq(note.NextModSeq))
				mb.Refresh(context.Background(), store.DBInitBackend{DB: sdb}, clog)
			})
			clog.Check(err, "cluster listener stopped")
		}()
	}

	if cfg.Admin.Address != "" {
		adminAPI := admin.Admin{DB: sdb, Log: mlog.New("admin")}
		h, err := admin.NewHandler("/api/", version, adminAPI, cfg.Admin.JWTSecret)
		if err != nil {
			return err
		}
		mux := http.NewServeMux()
		mux.Handle("/api/", h)
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			log.Info("admin listener started", mlog.Field("address", cfg.Admin.Address))
			err := http.ListenAndServe(cfg.Admin.Address, mux)
			log.Check(err, "admin listener stopped")
		}()
	}

	ln, err := net.Listen("tcp", cfg.IMAP.Address)
	if err != nil {
		return fmt.Errorf("imap listener: %w", err)
	}
	if cfg.IMAP.TLS != nil {
		tlsConfig, err := tlsConfigFor(cfg.Hostname, *cfg.IMAP.TLS)
		if err != nil {
			return err
		}
		ln = tls.NewListener(ln, tlsConfig)
	}

	srv := &imapserver.Server{
		Name:    cfg.Hostname,
		DB:      sdb,
		Blobs:   blobs,
		Parser:  parser,
		Cluster: clusterClient,
		Auth:    store.DBAuth{DB: sdb},
		Log:     mlog.New("imapserver"),
	}
	log.Info("imap listener started", mlog.Field("address", cfg.IMAP.Address))
	return srv.Serve(ln)
}

func tlsConfigFor(hostname string, tc config.TLS) (*tls.Config, error) {
	if tc.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(tc.CertFile, tc.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading tls keypair: %w", err)
		}
		return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
	}
	hosts := tc.ACME.Hosts
	if len(hosts) == 0 {
		hosts = []string{hostname}
	}
	cacheDir := tc.ACME.CacheDir
	if cacheDir == "" {
		cacheDir = "acme-cache"
	}
	m := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(hosts...),
		Cache:      autocert.DirCache(cacheDir),
	}
	return m.TLSConfig(), nil
}
