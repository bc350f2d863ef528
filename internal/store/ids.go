package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
)

// maxIDAttempts bounds collision retries during short-id generation.
const maxIDAttempts = 100

// randomShortID produces "<prefix><6 hex>" from a hash of the prefix, a
// random nonce, and the wall clock.
func randomShortID(prefix string) string {
	nonce := make([]byte, 16)
	_, _ = rand.Read(nonce)

	h := sha256.New()
	h.Write([]byte(prefix))
	h.Write(nonce)
	h.Write([]byte(strconv.FormatInt(time.Now().UnixNano(), 10)))
	return prefix + hex.EncodeToString(h.Sum(nil))[:6]
}

// generateShortID returns a short id unique within the given table,
// retrying on collision.
func generateShortID(ctx context.Context, tx *sqlx.Tx, table, prefix string) (string, error) {
	query := tx.Rebind(fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE short_id = ?`, table))
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id := randomShortID(prefix)
		var count int
		if err := tx.QueryRowContext(ctx, query, id).Scan(&count); err != nil {
			return "", fmt.Errorf("storage: check short id: %w", err)
		}
		if count == 0 {
			return id, nil
		}
	}
	return "", fmt.Errorf("storage: exhausted %d attempts generating %s id", maxIDAttempts, prefix)
}
