// Package cluster is the peer-notification bus: single-line notifications
// broadcast to the other imapd processes sharing the database, so their
// open mailboxes learn about committed changes without polling.
//
// The wire format is one line per notification, e.g.
// "mailbox INBOX nextmodseq=12". Delivery is best effort: the database is
// the source of truth and a missed notification only delays a refresh.
package cluster

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/orbitmail/imapd/mlog"
)

// Client broadcasts notification lines to the configured peer addresses.
// Connections are made lazily and re-made on failure.
type Client struct {
	log   mlog.Log
	peers []string

	mu    sync.Mutex
	conns map[string]net.Conn
}

// NewClient returns a Client for the peer addresses (host:port).
func NewClient(peers []string, log mlog.Log) *Client {
	return &Client{log: log, peers: peers, conns: map[string]net.Conn{}}
}

// Send broadcasts one line to every peer. Write failures drop the peer's
// connection (re-dialed on the next Send) and are not returned: a peer
// that is down catches up from the database.
func (c *Client) Send(line string) error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, addr := range c.peers {
		conn := c.conns[addr]
		if conn == nil {
			var err error
			conn, err = net.DialTimeout("tcp", addr, 5*time.Second)
			if err != nil {
				c.log.Debugx("dialing cluster peer", err, slog.String("peer", addr))
				continue
			}
			c.conns[addr] = conn
		}
		if err := conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err == nil {
			if _, err := fmt.Fprintf(conn, "%s\r\n", line); err != nil {
				c.log.Debugx("writing to cluster peer", err, slog.String("peer", addr))
				conn.Close()
				delete(c.conns, addr)
			}
		}
	}
	return nil
}

// Close drops all peer connections.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for addr, conn := range c.conns {
		conn.Close()
		delete(c.conns, addr)
	}
}

// MailboxNotification is a parsed "mailbox <name> nextmodseq=<n>" line.
type MailboxNotification struct {
	Name       string
	NextModSeq int64
}

// ParseLine parses one notification line. Unknown notification kinds
// return ok=false and are skipped by the listener.
func ParseLine(line string) (MailboxNotification, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "mailbox ") {
		return MailboxNotification{}, false
	}
	rest := line[len("mailbox "):]
	i := strings.LastIndex(rest, " nextmodseq=")
	if i < 0 {
		return MailboxNotification{}, false
	}
	n, err := strconv.ParseInt(rest[i+len(" nextmodseq="):], 10, 64)
	if err != nil || n <= 0 {
		return MailboxNotification{}, false
	}
	return MailboxNotification{Name: rest[:i], NextModSeq: n}, true
}

// Listen accepts peer connections on ln and calls handle for each parsed
// notification. Runs until ln is closed.
func Listen(ln net.Listener, log mlog.Log, handle func(MailboxNotification)) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go func() {
			defer conn.Close()
			sc := bufio.NewScanner(conn)
			for sc.Scan() {
				if note, ok := ParseLine(sc.Text()); ok {
					handle(note)
				} else {
					log.Debug("unrecognized cluster notification", slog.String("line", sc.Text()))
				}
			}
		}()
	}
}
