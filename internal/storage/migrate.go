package storage

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations
var migrationsFS embed.FS

func runMigrations(dir, dbName string, driver database.Driver) error {
	src, err := iofs.New(migrationsFS, "migrations/"+dir)
	if err != nil {
		return fmt.Errorf("could not open migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, dbName, driver)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("could not run database migrations: %w", err)
	}
	return nil
}

// attemptColumns holds the JSON encoded columns of a notification attempt.
type attemptColumns struct {
	recipients []byte
	data       []byte
	outcomes   []byte
}

func encodeAttempt(a *NotificationAttempt) (attemptColumns, error) {
	var cols attemptColumns
	var err error

	recipients := a.RecipientUserIDs
	if recipients == nil {
		recipients = []string{}
	}
	if cols.recipients, err = json.Marshal(recipients); err != nil {
		return cols, err
	}

	data := a.Data
	if data == nil {
		data = map[string]string{}
	}
	if cols.data, err = json.Marshal(data); err != nil {
		return cols, err
	}

	outcomes := a.Outcomes
	if outcomes == nil {
		outcomes = []Outcome{}
	}
	cols.outcomes, err = json.Marshal(outcomes)
	return cols, err
}

func (cols attemptColumns) decodeInto(a *NotificationAttempt) error {
	if err := json.Unmarshal(cols.recipients, &a.RecipientUserIDs); err != nil {
		return err
	}
	if err := json.Unmarshal(cols.data, &a.Data); err != nil {
		return err
	}
	return json.Unmarshal(cols.outcomes, &a.Outcomes)
}

// emptyTokenMap seeds the result of a bulk lookup so users without tokens
// are still reported.
func emptyTokenMap(userIDs []string) map[string][]DeviceToken {
	out := make(map[string][]DeviceToken, len(userIDs))
	for _, id := range userIDs {
		out[id] = []DeviceToken{}
	}
	return out
}

func rowsAffected(result sql.Result) int64 {
	n, err := result.RowsAffected()
	if err != nil {
		return 0
	}
	return n
}
