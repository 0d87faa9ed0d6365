package store

import (
	"strings"

	"golang.org/x/net/idna"
)

// Right is a single ACL right character, per RFC 2086/RFC 4314.
type Right byte

const (
	RightRead                Right = 'r' // Mailbox is visible, can SELECT/EXAMINE.
	RightWrite               Right = 'w' // Can STORE flags other than Seen/Deleted.
	RightInsert              Right = 'i' // Can APPEND/COPY into the mailbox.
	RightKeepSeen            Right = 's' // Can STORE \Seen.
	RightDeleteMessages      Right = 't' // Can STORE \Deleted (RFC 4314; 'd' under RFC 2086).
	RightDeleteMailbox       Right = 'x' // Can DELETE/RENAME the mailbox itself (RFC 4314).
	RightExpunge             Right = 'e' // Can EXPUNGE (RFC 4314).
	RightCreate              Right = 'k' // Can CREATE submailboxes (RFC 4314).
	RightAdminister          Right = 'a' // Can SETACL.
	RightWriteSharedAnnotation Right = 'n' // Can write value.shared annotations.
)

// Permissions is the resolved set of ACL rights a Session holds on one
// mailbox for one identifier (user or group). Both the RFC 2086 and RFC
// 4314 vocabularies are recognized and stored, but the STORE handler only
// ever tests the RFC 2086-era subset.
type Permissions struct {
	Identifier string // e.g. "jdoe" or "jdoe@example.com"; normalized on construction.
	rights     map[Right]bool
	ready      bool
}

// NewPermissions builds a Permissions for identifier from a raw rights
// string (e.g. "lrswipkxte"), normalizing the identifier's domain part (if
// any) with IDNA the way ACL identifiers are compared case- and
// representation-insensitively.
func NewPermissions(identifier, rights string) Permissions {
	p := Permissions{Identifier: normalizeIdentifier(identifier), rights: map[Right]bool{}, ready: true}
	for _, c := range rights {
		p.rights[Right(c)] = true
	}
	return p
}

func normalizeIdentifier(identifier string) string {
	at := strings.LastIndexByte(identifier, '@')
	if at < 0 {
		return identifier
	}
	local, domain := identifier[:at], identifier[at+1:]
	ascii, err := idna.Lookup.ToASCII(domain)
	if err != nil {
		// Leave unnormalized rather than fail; this is a display/compare
		// aid, not a security boundary by itself.
		return identifier
	}
	return local + "@" + strings.ToLower(ascii)
}

// Ready reports whether the rights have been resolved, as opposed to
// still being fetched from the permissions table.
func (p Permissions) Ready() bool { return p.ready }

// Allowed reports whether the identifier holds right r. It is always false
// until Ready().
func (p Permissions) Allowed(r Right) bool {
	return p.ready && p.rights[r]
}

// AllowedAll reports whether the identifier holds every right in rs.
func (p Permissions) AllowedAll(rs ...Right) bool {
	for _, r := range rs {
		if !p.Allowed(r) {
			return false
		}
	}
	return true
}
