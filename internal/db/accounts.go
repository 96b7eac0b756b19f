package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrBadPassword    = errors.New("password does not match")
	ErrAccountBanned  = errors.New("account is banned")
	ErrAccountExists  = errors.New("account already exists")
	ErrInvalidAccount = errors.New("invalid login or password")
)

// Account is a stored login account.
type Account struct {
	ID        int64      `json:"id"`
	Login     string     `json:"login"`
	Banned    bool       `json:"banned"`
	CreatedAt time.Time  `json:"created_at"`
	LastLogin *time.Time `json:"last_login,omitempty"`

	passwordHash []byte
}

// AccountStore manages login accounts.
type AccountStore struct {
	db   *Database
	cost int
}

// NewAccountStore migrates the account schema on db.
func NewAccountStore(db *Database) (*AccountStore, error) {
	s := &AccountStore{db: db, cost: bcrypt.DefaultCost}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate account store: %w", err)
	}
	return s, nil
}

// SetHashCost overrides the bcrypt cost for new passwords.
func (s *AccountStore) SetHashCost(cost int) {
	s.cost = cost
}

func (s *AccountStore) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS accounts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			login TEXT UNIQUE NOT NULL COLLATE NOCASE,
			password_hash BLOB NOT NULL,
			banned INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			last_login DATETIME
		);

		CREATE TABLE IF NOT EXISTS login_attempts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			login TEXT NOT NULL,
			remote_addr TEXT NOT NULL DEFAULT '',
			success INTEGER NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE INDEX IF NOT EXISTS idx_login_attempts_login ON login_attempts(login);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}

	log.Debug().Msg("account schema migrated")
	return nil
}

// CreateAccount stores a new account with a bcrypt-hashed password.
func (s *AccountStore) CreateAccount(login, password string) (*Account, error) {
	login = strings.TrimSpace(login)
	if login == "" || password == "" {
		return nil, ErrInvalidAccount
	}
	if _, err := s.FindAccount(login); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrAccountExists, login)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	if _, err := s.db.Exec(
		"INSERT INTO accounts (login, password_hash) VALUES (?, ?)",
		login, hash,
	); err != nil {
		return nil, fmt.Errorf("failed to insert account %s: %w", login, err)
	}

	log.Info().Str("login", login).Msg("account created")
	return s.FindAccount(login)
}

// FindAccount returns the account with the given login, or ErrNotFound.
func (s *AccountStore) FindAccount(login string) (*Account, error) {
	var (
		a         Account
		banned    int
		lastLogin sql.NullTime
	)
	err := s.db.QueryRow(
		"SELECT id, login, password_hash, banned, created_at, last_login FROM accounts WHERE login = ?",
		strings.TrimSpace(login),
	).Scan(&a.ID, &a.Login, &a.passwordHash, &banned, &a.CreatedAt, &lastLogin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %q: %w", login, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query account %q: %w", login, err)
	}

	a.Banned = banned != 0
	if lastLogin.Valid {
		t := lastLogin.Time
		a.LastLogin = &t
	}
	return &a, nil
}

// SetBanned updates the ban flag of an account.
func (s *AccountStore) SetBanned(login string, banned bool) error {
	res, err := s.db.Exec("UPDATE accounts SET banned = ? WHERE login = ?", banned, login)
	if err != nil {
		return fmt.Errorf("failed to update account %q: %w", login, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("account %q: %w", login, ErrNotFound)
	}
	return nil
}

// VerifyCredentials checks login and password, records the attempt and,
// on success, stamps last_login. The returned error is ErrNotFound,
// ErrBadPassword or ErrAccountBanned for rejected credentials.
func (s *AccountStore) VerifyCredentials(login, password, remoteAddr string) (*Account, error) {
	account, err := s.FindAccount(login)
	if err == nil {
		switch {
		case bcrypt.CompareHashAndPassword(account.passwordHash, []byte(password)) != nil:
			err = ErrBadPassword
		case account.Banned:
			err = ErrAccountBanned
		}
	}

	success := err == nil
	if txErr := s.db.Transaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			"INSERT INTO login_attempts (login, remote_addr, success) VALUES (?, ?, ?)",
			login, remoteAddr, success,
		); err != nil {
			return err
		}
		if success {
			_, err := tx.Exec("UPDATE accounts SET last_login = CURRENT_TIMESTAMP WHERE id = ?", account.ID)
			return err
		}
		return nil
	}); txErr != nil {
		log.Warn().Err(txErr).Str("login", login).Msg("failed to record login attempt")
	}

	if err != nil {
		return nil, err
	}
	return account, nil
}

// FailedAttemptsSince counts failed attempts for login after since.
func (s *AccountStore) FailedAttemptsSince(login string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM login_attempts WHERE login = ? AND success = 0 AND created_at >= ?",
		login, since.UTC().Format("2006-01-02 15:04:05"),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count login attempts: %w", err)
	}
	return n, nil
}

// PruneLoginAttempts deletes attempts recorded before before and returns
// how many were removed.
func (s *AccountStore) PruneLoginAttempts(before time.Time) (int64, error) {
	res, err := s.db.Exec(
		"DELETE FROM login_attempts WHERE created_at < ?",
		before.UTC().Format("2006-01-02 15:04:05"),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune login attempts: %w", err)
	}
	return res.RowsAffected()
}

// Count returns the number of stored accounts.
func (s *AccountStore) Count() (int, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM accounts").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count accounts: %w", err)
	}
	return n, nil
}
