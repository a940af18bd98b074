package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// SubscriptionKey is a catalog key accepted by the local server. Only the
// hash of the key is stored.
type SubscriptionKey struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at"`
}

// HashAPIKey returns a stable SHA-256 hex digest for the provided key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// InsertSubscriptionKey stores a hashed key. KeyHash must already contain the hashed value.
func (r Repo) InsertSubscriptionKey(ctx context.Context, tx *sql.Tx, key SubscriptionKey) error {
	if key.ID == "" {
		return errors.New("id required")
	}
	if key.KeyHash == "" {
		return errors.New("key_hash required")
	}
	if key.CreatedAt == "" {
		key.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO subscription_keys(id, name, key_hash, created_at) VALUES (?,?,?,?)`,
		key.ID, nullable(key.Name), key.KeyHash, key.CreatedAt)
	return err
}

// GetSubscriptionKeyByHash returns a key by its hashed value.
func (r Repo) GetSubscriptionKeyByHash(ctx context.Context, hash string) (SubscriptionKey, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id, COALESCE(name,''), key_hash, created_at FROM subscription_keys WHERE key_hash=? LIMIT 1`, hash)
	var key SubscriptionKey
	err := row.Scan(&key.ID, &key.Name, &key.KeyHash, &key.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return SubscriptionKey{}, ErrNotFound
	}
	if err != nil {
		return SubscriptionKey{}, err
	}
	return key, nil
}

// ListSubscriptionKeys returns keys, newest first.
func (r Repo) ListSubscriptionKeys(ctx context.Context) ([]SubscriptionKey, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, COALESCE(name,''), key_hash, created_at FROM subscription_keys ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []SubscriptionKey
	for rows.Next() {
		var key SubscriptionKey
		if err := rows.Scan(&key.ID, &key.Name, &key.KeyHash, &key.CreatedAt); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

// DeleteSubscriptionKey deletes a key by ID.
func (r Repo) DeleteSubscriptionKey(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("id required")
	}
	res, err := r.DB.ExecContext(ctx, `DELETE FROM subscription_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
