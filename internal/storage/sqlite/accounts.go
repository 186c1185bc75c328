package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/meszmate/telepathy/internal/account"
)

var (
	_ account.Store         = (*DB)(nil)
	_ account.SettingsStore = (*DB)(nil)
)

func (d *DB) SaveAccount(a account.Account) error {
	params, err := json.Marshal(a.Parameters)
	if err != nil {
		return fmt.Errorf("failed to encode parameters: %w", err)
	}
	created := a.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	_, err = d.db.Exec(`
		INSERT INTO accounts (object_path, manager, protocol, display_name, params_json, enabled,
			requested_type, requested_status, requested_message,
			current_type, current_status, current_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(object_path) DO UPDATE SET
			display_name = excluded.display_name,
			params_json = excluded.params_json,
			enabled = excluded.enabled,
			requested_type = excluded.requested_type,
			requested_status = excluded.requested_status,
			requested_message = excluded.requested_message,
			current_type = excluded.current_type,
			current_status = excluded.current_status,
			current_message = excluded.current_message
	`, a.ObjectPath, a.Manager, a.Protocol, a.DisplayName, string(params), a.Enabled,
		a.RequestedPresence.Type, a.RequestedPresence.Status, a.RequestedPresence.Message,
		a.CurrentPresence.Type, a.CurrentPresence.Status, a.CurrentPresence.Message,
		created.Unix())
	return err
}

func (d *DB) DeleteAccount(path string) error {
	_, err := d.db.Exec("DELETE FROM accounts WHERE object_path = ?", path)
	return err
}

func (d *DB) LoadAccounts() ([]account.Account, error) {
	rows, err := d.db.Query(`
		SELECT object_path, manager, protocol, display_name, params_json, enabled,
			requested_type, requested_status, requested_message,
			current_type, current_status, current_message, created_at
		FROM accounts
		ORDER BY object_path
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []account.Account
	for rows.Next() {
		var a account.Account
		var displayName, reqStatus, reqMsg, curStatus, curMsg sql.NullString
		var params string
		var reqType, curType uint32
		var created int64

		err := rows.Scan(&a.ObjectPath, &a.Manager, &a.Protocol, &displayName, &params, &a.Enabled,
			&reqType, &reqStatus, &reqMsg, &curType, &curStatus, &curMsg, &created)
		if err != nil {
			return nil, err
		}

		if err := json.Unmarshal([]byte(params), &a.Parameters); err != nil {
			return nil, fmt.Errorf("account %s: bad parameters: %w", a.ObjectPath, err)
		}
		a.DisplayName = displayName.String
		a.RequestedPresence = account.Presence{
			Type:    account.PresenceType(reqType),
			Status:  reqStatus.String,
			Message: reqMsg.String,
		}
		a.CurrentPresence = account.Presence{
			Type:    account.PresenceType(curType),
			Status:  curStatus.String,
			Message: curMsg.String,
		}
		a.CreatedAt = time.Unix(created, 0).UTC()
		accounts = append(accounts, a)
	}

	return accounts, rows.Err()
}
