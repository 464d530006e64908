/*
listd - Mailing list manager.
Copyright © 2024 listd contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package sqllist implements mlist.Manager on top of an SQL database.
//
// Records are stored as JSON documents keyed by list name and member
// address so that new list settings need no schema changes. Supported
// drivers are sqlite3 (when built with CGo), postgres and mysql.
package sqllist

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/foxcpp/listd/framework/log"
	"github.com/foxcpp/listd/internal/mlist"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
)

const schemaVersion = 1

var schema = []string{
	`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`,
	`CREATE TABLE IF NOT EXISTS lists (
		name VARCHAR(255) NOT NULL PRIMARY KEY,
		data TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS members (
		list VARCHAR(255) NOT NULL,
		address VARCHAR(255) NOT NULL,
		role INTEGER NOT NULL,
		data TEXT NOT NULL,
		PRIMARY KEY (list, address, role)
	)`,
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// store implements mlist.Store using q, which is either the database
// handle or a transaction.
type store struct {
	q      querier
	driver string
}

// Manager is the mlist.Manager backed by a database/sql handle.
type Manager struct {
	store
	db  *sql.DB
	Log log.Logger
}

// Open connects to the database and creates or checks the schema.
func Open(driver, dsn string, logger log.Logger) (*Manager, error) {
	if driver == "postgresql" {
		driver = "postgres"
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqllist: %w", err)
	}
	if driver == "sqlite3" {
		// Concurrent writers on one sqlite3 file only produce "database is
		// locked" errors.
		db.SetMaxOpenConns(1)
	}

	m := &Manager{
		store: store{q: db, driver: driver},
		db:    db,
		Log:   logger,
	}
	if err := m.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

func (m *Manager) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqllist: schema: %w", err)
		}
	}

	var version int
	err := m.db.QueryRowContext(ctx, `SELECT version FROM schema_version`).Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := m.db.ExecContext(ctx, m.rebind(`INSERT INTO schema_version (version) VALUES (?)`), schemaVersion); err != nil {
			return fmt.Errorf("sqllist: schema: %w", err)
		}
		m.Log.Msg("initialized database schema", "version", schemaVersion)
	case err != nil:
		return fmt.Errorf("sqllist: schema: %w", err)
	case version > schemaVersion:
		return fmt.Errorf("sqllist: database schema version %d is newer than supported %d", version, schemaVersion)
	}
	return nil
}

func (m *Manager) Begin(ctx context.Context) (mlist.Tx, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqllist: begin: %w", err)
	}
	return &Tx{store: store{q: tx, driver: m.driver}, tx: tx}, nil
}

func (m *Manager) Close() error {
	return m.db.Close()
}

type Tx struct {
	store
	tx *sql.Tx
}

func (t *Tx) Commit() error {
	return t.tx.Commit()
}

func (t *Tx) Rollback() error {
	return t.tx.Rollback()
}

// rebind converts "?" placeholders into the driver-specific syntax.
func (s store) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}

func (s store) List(ctx context.Context, name string) (*mlist.MailingList, error) {
	var data string
	err := s.q.QueryRowContext(ctx, s.rebind(`SELECT data FROM lists WHERE name = ?`), strings.ToLower(name)).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, mlist.ErrNoSuchList
		}
		return nil, err
	}
	l := &mlist.MailingList{}
	if err := json.Unmarshal([]byte(data), l); err != nil {
		return nil, fmt.Errorf("sqllist: list %s: %w", name, err)
	}
	return l, nil
}

func (s store) ListNames(ctx context.Context) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT name FROM lists ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s store) exists(ctx context.Context, query string, args ...interface{}) (bool, error) {
	var one int
	err := s.q.QueryRowContext(ctx, s.rebind(query), args...).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s store) CreateList(ctx context.Context, l *mlist.MailingList) error {
	ok, err := s.exists(ctx, `SELECT 1 FROM lists WHERE name = ?`, l.Name)
	if err != nil {
		return err
	}
	if ok {
		return mlist.ErrListExists
	}
	data, err := json.Marshal(l)
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx, s.rebind(`INSERT INTO lists (name, data) VALUES (?, ?)`), l.Name, string(data))
	return err
}

func (s store) SaveList(ctx context.Context, l *mlist.MailingList) error {
	if err := s.listExists(ctx, l.Name); err != nil {
		return err
	}
	data, err := json.Marshal(l)
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx, s.rebind(`UPDATE lists SET data = ? WHERE name = ?`), string(data), l.Name)
	return err
}

func (s store) RemoveList(ctx context.Context, name string) error {
	if _, err := s.q.ExecContext(ctx, s.rebind(`DELETE FROM members WHERE list = ?`), name); err != nil {
		return err
	}
	res, err := s.q.ExecContext(ctx, s.rebind(`DELETE FROM lists WHERE name = ?`), name)
	if err != nil {
		return err
	}
	return checkAffected(res, mlist.ErrNoSuchList)
}

// checkAffected returns notFound if the DELETE statement removed no rows.
func checkAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return nil
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func (s store) listExists(ctx context.Context, list string) error {
	ok, err := s.exists(ctx, `SELECT 1 FROM lists WHERE name = ?`, strings.ToLower(list))
	if err != nil {
		return err
	}
	if !ok {
		return mlist.ErrNoSuchList
	}
	return nil
}

func (s store) Members(ctx context.Context, list string, role mlist.Role) ([]*mlist.Member, error) {
	if err := s.listExists(ctx, list); err != nil {
		return nil, err
	}
	rows, err := s.q.QueryContext(ctx, s.rebind(`SELECT data FROM members WHERE list = ? AND role = ? ORDER BY address`),
		strings.ToLower(list), int(role))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []*mlist.Member
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		m := &mlist.Member{}
		if err := json.Unmarshal([]byte(data), m); err != nil {
			return nil, fmt.Errorf("sqllist: member of %s: %w", list, err)
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (s store) Member(ctx context.Context, list, addr string, role mlist.Role) (*mlist.Member, error) {
	var data string
	err := s.q.QueryRowContext(ctx, s.rebind(`SELECT data FROM members WHERE list = ? AND address = ? AND role = ?`),
		strings.ToLower(list), strings.ToLower(addr), int(role)).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if err := s.listExists(ctx, list); err != nil {
				return nil, err
			}
			return nil, mlist.ErrNoSuchMember
		}
		return nil, err
	}
	m := &mlist.Member{}
	if err := json.Unmarshal([]byte(data), m); err != nil {
		return nil, fmt.Errorf("sqllist: member %s of %s: %w", addr, list, err)
	}
	return m, nil
}

func (s store) AddMember(ctx context.Context, list string, m *mlist.Member) error {
	list = strings.ToLower(list)
	if err := s.listExists(ctx, list); err != nil {
		return err
	}
	m = m.Copy()
	m.Address = strings.ToLower(m.Address)

	ok, err := s.exists(ctx, `SELECT 1 FROM members WHERE list = ? AND address = ? AND role = ?`, list, m.Address, int(m.Role))
	if err != nil {
		return err
	}
	if ok {
		return mlist.ErrMemberExists
	}

	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx, s.rebind(`INSERT INTO members (list, address, role, data) VALUES (?, ?, ?, ?)`),
		list, m.Address, int(m.Role), string(data))
	return err
}

func (s store) UpdateMember(ctx context.Context, list string, m *mlist.Member) error {
	list = strings.ToLower(list)
	addr := strings.ToLower(m.Address)
	ok, err := s.exists(ctx, `SELECT 1 FROM members WHERE list = ? AND address = ? AND role = ?`, list, addr, int(m.Role))
	if err != nil {
		return err
	}
	if !ok {
		return mlist.ErrNoSuchMember
	}

	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx, s.rebind(`UPDATE members SET data = ? WHERE list = ? AND address = ? AND role = ?`),
		string(data), list, addr, int(m.Role))
	return err
}

func (s store) RemoveMember(ctx context.Context, list, addr string, role mlist.Role) error {
	res, err := s.q.ExecContext(ctx, s.rebind(`DELETE FROM members WHERE list = ? AND address = ? AND role = ?`),
		strings.ToLower(list), strings.ToLower(addr), int(role))
	if err != nil {
		return err
	}
	return checkAffected(res, mlist.ErrNoSuchMember)
}
