// Package admin exposes a small JSON-RPC (sherpa) API for operating
// imapd: mailbox status, open sessions, and nudging a refresh. Calls
// require a bearer token signed with the configured shared secret.
package admin

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mjl-/sherpa"
	"github.com/mjl-/sherpadoc"
	"github.com/mjl-/sherpaprom"
	"github.com/russross/blackfriday/v2"

	"github.com/orbitmail/imapd/db"
	"github.com/orbitmail/imapd/mlog"
	"github.com/orbitmail/imapd/store"
)

// Admin is the sherpa API implementation. Methods panic with sherpa
// errors for user-caused failures, per sherpa convention.
type Admin struct {
	DB  *db.DB
	Log mlog.Log
}

func xcheckf(err error, format string, args ...any) {
	if err != nil {
		msg := fmt.Sprintf(format, args...)
		panic(&sherpa.Error{Code: "server:error", Message: fmt.Sprintf("%s: %s", msg, err)})
	}
}

func xcheckuserf(err error, format string, args ...any) {
	if err != nil {
		msg := fmt.Sprintf(format, args...)
		panic(&sherpa.Error{Code: "user:error", Message: fmt.Sprintf("%s: %s", msg, err)})
	}
}

// MailboxStatus is what MailboxStatus returns.
type MailboxStatus struct {
	ID          int64
	Name        string
	UIDNext     int64
	NextModSeq  int64
	UIDValidity uint32
	Messages    int64
	Sessions    int // Live sessions in this process.
	HealthHTML  string
}

// MailboxStatus returns counters and a rendered health note for one
// mailbox.
func (a Admin) MailboxStatus(ctx context.Context, name string) MailboxStatus {
	name = store.NormalizeMailboxName(name)
	var st MailboxStatus
	err := a.DB.Read(ctx, func(tx *db.Transaction) error {
		if err := tx.QueryRow(`select id, name, uidnext, nextmodseq, uidvalidity from mailboxes where name=$1`, name).Scan(&st.ID, &st.Name, &st.UIDNext, &st.NextModSeq, &st.UIDValidity); err != nil {
			return err
		}
		return tx.QueryRow(`select count(*) from mailbox_messages where mailbox=$1`, st.ID).Scan(&st.Messages)
	})
	xcheckuserf(err, "looking up mailbox %q", name)

	var notes []string
	if mb := store.LookupMailboxState(st.ID); mb != nil {
		st.Sessions = len(mb.Sessions())
		if mb.NextModSeq() < store.ModSeq(st.NextModSeq) {
			notes = append(notes, fmt.Sprintf("- in-process modseq **behind** database (%d < %d), refresh pending", mb.NextModSeq(), st.NextModSeq))
		}
	}
	md := fmt.Sprintf("## %s\n\n%d messages, %d live sessions.\n", st.Name, st.Messages, st.Sessions)
	if len(notes) > 0 {
		md += "\n" + strings.Join(notes, "\n") + "\n"
	}
	st.HealthHTML = string(blackfriday.Run([]byte(md)))
	return st
}

// SessionInfo describes one open session in this process.
type SessionInfo struct {
	Mailbox    string
	ReadOnly   bool
	UIDNext    int64
	NextModSeq int64
	Count      int
	Recent     int
}

// Sessions lists the sessions of all open mailboxes in this process.
func (a Admin) Sessions(ctx context.Context) []SessionInfo {
	var l []SessionInfo
	for _, mb := range store.MailboxStates() {
		for _, s := range mb.Sessions() {
			l = append(l, SessionInfo{
				Mailbox:    mb.Name,
				ReadOnly:   s.ReadOnly(),
				UIDNext:    int64(s.UIDNext()),
				NextModSeq: int64(s.NextModSeq()),
				Count:      s.Count(),
				Recent:     s.RecentCount(),
			})
		}
	}
	return l
}

// Nudge triggers a SessionInitialiser run for an open mailbox, as if a
// peer process had broadcast a change.
func (a Admin) Nudge(ctx context.Context, name string) {
	mb := store.LookupMailboxStateByName(store.NormalizeMailboxName(name))
	if mb == nil {
		panic(&sherpa.Error{Code: "user:notFound", Message: "mailbox not open in this process"})
	}
	mb.Refresh(ctx, store.DBInitBackend{DB: a.DB}, a.Log)
}

var apiDoc = sherpadoc.Section{
	Name: "Admin",
	Docs: "imapd admin API",
}

// NewHandler returns the HTTP handler serving the API at path, guarded by
// JWT bearer tokens signed with secret.
func NewHandler(path string, version string, a Admin, secret string) (http.Handler, error) {
	collector, err := sherpaprom.NewCollector("imapdadmin", nil)
	if err != nil {
		return nil, fmt.Errorf("creating sherpa prometheus collector: %w", err)
	}
	doc := apiDoc
	h, err := sherpa.NewHandler(path, version, a, &doc, &sherpa.HandlerOpts{Collector: collector, AdjustFunctionNames: "none"})
	if err != nil {
		return nil, fmt.Errorf("creating sherpa handler: %w", err)
	}
	return authHandler{next: h, secret: secret, log: a.Log}, nil
}

type authHandler struct {
	next   http.Handler
	secret string
	log    mlog.Log
}

func (h authHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		http.Error(w, "401 - missing bearer token", http.StatusUnauthorized)
		return
	}
	_, err := jwt.Parse(strings.TrimPrefix(auth, "Bearer "), func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(h.secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
	if err != nil {
		h.log.Debugx("rejecting admin request", err)
		http.Error(w, "401 - invalid token", http.StatusUnauthorized)
		return
	}
	h.next.ServeHTTP(w, r)
}

// NewToken mints a bearer token for the admin API, used by the CLI.
func NewToken(secret string, ttl time.Duration) (string, error) {
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": "imapd",
		"exp": time.Now().Add(ttl).Unix(),
	})
	return t.SignedString([]byte(secret))
}
