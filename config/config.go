// Package config holds the static imapd configuration, parsed from
// imapd.conf with sconf.
package config

import (
	"fmt"
	"io"

	"github.com/mjl-/sconf"
)

// Config is the top-level configuration file.
type Config struct {
	Hostname string            `sconf-doc:"Host name announced in the IMAP greeting and used for ACME."`
	LogLevel string            `sconf:"optional" sconf-doc:"Default log level: error, info, debug or trace. Default info."`
	PackageLogLevels map[string]string `sconf:"optional" sconf-doc:"Overrides of log level per package."`

	Postgres string `sconf-doc:"PostgreSQL connection string for the mailbox database, e.g. postgres://imapd@localhost/mail."`

	IMAP    IMAP    `sconf-doc:"IMAP listener."`
	Admin   Admin   `sconf:"optional" sconf-doc:"Administrative JSON-RPC and metrics listener."`
	Blobs   Blobs   `sconf-doc:"Where raw message bytes live."`
	Cluster Cluster `sconf:"optional" sconf-doc:"Peer processes to notify of committed changes."`

	ParsedCachePath string `sconf:"optional" sconf-doc:"Path of the on-disk cache of parsed message structure. Empty disables the cache."`
}

type IMAP struct {
	Address string `sconf-doc:"Address to listen on, e.g. :143 or :993 with TLS."`
	TLS     *TLS   `sconf:"optional" sconf-doc:"TLS termination for the listener. Absent means plain text."`
}

type TLS struct {
	ACME     ACME   `sconf:"optional" sconf-doc:"Automatic certificates with ACME."`
	CertFile string `sconf:"optional" sconf-doc:"Path to PEM certificate chain, if not using ACME."`
	KeyFile  string `sconf:"optional" sconf-doc:"Path to PEM private key, if not using ACME."`
}

type ACME struct {
	DirectoryURL string   `sconf:"optional" sconf-doc:"ACME directory URL. Not read by the server: certificates are always requested from the autocert default directory, Let's Encrypt."`
	CacheDir     string   `sconf:"optional" sconf-doc:"Directory for cached account keys and certificates."`
	Hosts        []string `sconf:"optional" sconf-doc:"Host names to request certificates for."`
}

type Admin struct {
	Address   string `sconf-doc:"Address for the admin HTTP listener, e.g. 127.0.0.1:8431."`
	JWTSecret string `sconf-doc:"Shared secret for signing/verifying admin bearer tokens."`
}

type Blobs struct {
	Dir string `sconf:"optional" sconf-doc:"Directory of message files, <dir>/<mailboxid>/<uid>. Mutually exclusive with S3."`
	S3  *S3    `sconf:"optional" sconf-doc:"S3-compatible object storage of message bytes."`
}

type S3 struct {
	Bucket    string `sconf-doc:"Bucket holding message objects keyed <mailboxid>/<uid>."`
	Region    string `sconf:"optional" sconf-doc:"AWS region."`
	Endpoint  string `sconf:"optional" sconf-doc:"Endpoint URL for non-AWS S3-compatible services."`
	AccessKey string `sconf:"optional" sconf-doc:"Static access key. Absent means the ambient AWS credential chain."`
	SecretKey string `sconf:"optional" sconf-doc:"Static secret key."`
}

type Cluster struct {
	ListenAddress string   `sconf:"optional" sconf-doc:"Address to receive peer notifications on."`
	Peers         []string `sconf:"optional" sconf-doc:"Addresses of peer imapd processes."`
}

// Load parses the configuration file at path and checks it for
// consistency.
func Load(path string) (Config, error) {
	var c Config
	if err := sconf.ParseFile(path, &c); err != nil {
		return Config{}, fmt.Errorf("parsing config file: %w", err)
	}
	if c.Blobs.Dir == "" && c.Blobs.S3 == nil {
		return Config{}, fmt.Errorf("config: either Blobs.Dir or Blobs.S3 must be set")
	}
	if c.Blobs.Dir != "" && c.Blobs.S3 != nil {
		return Config{}, fmt.Errorf("config: Blobs.Dir and Blobs.S3 are mutually exclusive")
	}
	return c, nil
}

// Describe writes an annotated example configuration file to w, used by
// "imapd describeconf".
func Describe(w io.Writer, c *Config) error {
	return sconf.Describe(w, c)
}
