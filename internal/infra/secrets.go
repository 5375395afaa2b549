package infra

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	sqlcipher "github.com/mutecomm/go-sqlcipher/v4"
	"go.uber.org/zap"

	"github.com/eliteGoblin/serverhub/internal/domain"
)

// Ensure sqlcipher driver is registered.
var _ = sqlcipher.ErrBusy

const secretsDBName = "secrets.db"

// SecretStore implements domain.SecretStore on a SQLCipher encrypted database.
// Values never reach the registry file.
type SecretStore struct {
	db     *sql.DB
	dbPath string
	logger *zap.Logger
}

// OpenSecretStore opens (or creates) dataDir/secrets.db, keyed by the provider's
// key. A fresh provider gets a generated key.
func OpenSecretStore(dataDir string, keys domain.KeyProvider, logger *zap.Logger) (*SecretStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, ClassifyFSError(fmt.Errorf("failed to create data directory: %w", err))
	}
	key, err := EnsureKey(keys)
	if err != nil {
		return nil, err
	}

	dbPath := filepath.Join(dataDir, secretsDBName)
	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096", dbPath, hex.EncodeToString(key))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open secret store: %w", err)
	}

	// A wrong key surfaces on first read, not on open.
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, &domain.CorruptError{Path: dbPath, Err: fmt.Errorf("failed to unlock secret store: %w", err)}
	}

	store := &SecretStore{db: db, dbPath: dbPath, logger: logger}
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, &domain.CorruptError{Path: dbPath, Err: fmt.Errorf("failed to create tables: %w", err)}
	}
	return store, nil
}

func (s *SecretStore) createTables() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS secrets (
		server TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (server, key)
	);`)
	return err
}

// Set stores one secret for server, replacing any previous value.
func (s *SecretStore) Set(server, key, value string) error {
	if server == "" || key == "" {
		return fmt.Errorf("%w: secret needs a server and a key", domain.ErrInvalid)
	}
	_, err := s.db.Exec(`INSERT OR REPLACE INTO secrets (server, key, value, created_at) VALUES (?, ?, ?, ?)`,
		server, key, value, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("store secret %s for %s: %w", key, server, err)
	}
	s.logger.Debug("secret stored", zap.String("server", server), zap.String("key", key))
	return nil
}

// Get returns all secrets of server. Unknown servers give an empty map.
func (s *SecretStore) Get(server string) (map[string]string, error) {
	rows, err := s.db.Query(`SELECT key, value FROM secrets WHERE server = ?`, server)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	secrets := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		secrets[k] = v
	}
	return secrets, rows.Err()
}

// Delete removes every secret of server.
func (s *SecretStore) Delete(server string) error {
	res, err := s.db.Exec(`DELETE FROM secrets WHERE server = ?`, server)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Info("secrets deleted", zap.String("server", server), zap.Int64("count", n))
	}
	return nil
}

// Servers lists the servers that hold at least one secret, sorted.
func (s *SecretStore) Servers() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT server FROM secrets`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var servers []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		servers = append(servers, name)
	}
	sort.Strings(servers)
	return servers, rows.Err()
}

// Path returns the database file path.
func (s *SecretStore) Path() string { return s.dbPath }

// Close releases the database connection.
func (s *SecretStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ensure SecretStore implements domain.SecretStore.
var _ domain.SecretStore = (*SecretStore)(nil)
