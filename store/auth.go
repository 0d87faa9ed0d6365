package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/orbitmail/imapd/db"
)

// ErrBadCredentials is returned by DBAuth.Login for unknown users and
// wrong passwords alike.
var ErrBadCredentials = errors.New("bad credentials")

// fakeHash is compared against for unknown users, so a login attempt
// takes similar time whether or not the user exists.
var fakeHash = []byte("$2a$10$00000000000000000000000000000000000000000000000000000")

// DBAuth checks LOGIN credentials against the users table. The secret
// column holds a bcrypt hash, never the password itself. SASL mechanisms
// proper live outside the core; this is the minimal password check the
// LOGIN command needs.
type DBAuth struct {
	DB *db.DB
}

func (a DBAuth) Login(ctx context.Context, username, password string) (int64, error) {
	var id int64
	var secret []byte
	err := a.DB.Read(ctx, func(tx *db.Transaction) error {
		return tx.QueryRow(`select id, secret from users where login=$1`, username).Scan(&id, &secret)
	})
	if errors.Is(err, sql.ErrNoRows) {
		bcrypt.CompareHashAndPassword(fakeHash, []byte(password))
		return 0, ErrBadCredentials
	}
	if err != nil {
		return 0, fmt.Errorf("fetching user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword(secret, []byte(password)); err != nil {
		return 0, ErrBadCredentials
	}
	return id, nil
}

// SetPassword stores a bcrypt hash of password for the user, creating the
// user if missing. Returns the user id.
func SetPassword(ctx context.Context, sdb *db.DB, username, password string) (int64, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return 0, fmt.Errorf("hashing password: %w", err)
	}
	var id int64
	err = sdb.Write(ctx, func(tx *db.Transaction) error {
		err := tx.QueryRow(`select id from users where login=$1`, username).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return tx.QueryRow(`insert into users (login, secret) values ($1, $2) returning id`, username, hash).Scan(&id)
		}
		if err != nil {
			return err
		}
		_, err = tx.Exec(`update users set secret=$2 where id=$1`, id, hash)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("storing password: %w", err)
	}
	return id, nil
}
