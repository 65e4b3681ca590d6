// ABOUTME: End-to-end encryption setup for the bot's Matrix client
// ABOUTME: Keeps the crypto store in SQLite and resets it when the device id changes

package matrix

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto/cryptohelper"
)

// Crypto owns the client's crypto helper.
type Crypto struct {
	helper *cryptohelper.CryptoHelper
	logger *slog.Logger
}

// SetupCrypto enables encryption on client. The crypto database lives in
// dataDir. A recovery key, when given, is used for cross-signing; failing
// that step only logs.
func SetupCrypto(ctx context.Context, client *mautrix.Client, recoveryKey, dataDir string, logger *slog.Logger) (*Crypto, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "matrix.crypto")

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	user := client.UserID.String()
	dbPath := filepath.Join(dataDir, fmt.Sprintf("crypto-%s.db", slugify(user)))
	logger.Info("setting up encryption", "db", dbPath)

	if reset, err := deviceChanged(dbPath, client.DeviceID.String()); err != nil {
		logger.Debug("could not read stored device id", "error", err)
	} else if reset {
		logger.Warn("device id changed, resetting crypto database")
		if err := os.Remove(dbPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("removing crypto database: %w", err)
		}
		_ = os.Remove(dbPath + "-wal")
		_ = os.Remove(dbPath + "-shm")
	}

	helper, err := cryptohelper.NewCryptoHelper(client, storeKey(user), dbPath)
	if err != nil {
		return nil, fmt.Errorf("creating crypto helper: %w", err)
	}
	if err := helper.Init(ctx); err != nil {
		return nil, fmt.Errorf("initializing crypto helper: %w", err)
	}
	client.Crypto = helper

	c := &Crypto{helper: helper, logger: logger}
	if recoveryKey == "" {
		logger.Info("encryption enabled without cross-signing")
		return c, nil
	}
	if err := c.verify(ctx, recoveryKey); err != nil {
		logger.Warn("recovery key verification failed", "error", err)
	} else {
		logger.Info("encryption enabled with cross-signing")
	}
	return c, nil
}

func (c *Crypto) verify(ctx context.Context, recoveryKey string) error {
	machine := c.helper.Machine()
	if machine == nil {
		return errors.New("crypto machine not initialized")
	}
	if err := machine.VerifyWithRecoveryKey(ctx, recoveryKey); err != nil {
		return fmt.Errorf("verifying with recovery key: %w", err)
	}
	return nil
}

// Close releases the crypto store.
func (c *Crypto) Close() error {
	if c == nil || c.helper == nil {
		return nil
	}
	return c.helper.Close()
}

// slugify turns "@bot:example.org" into "bot_example.org".
func slugify(userID string) string {
	s := userID
	if len(s) > 0 && s[0] == '@' {
		s = s[1:]
	}
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '.', c == '-', c == '_':
			out = append(out, c)
		case c == ':':
			out = append(out, '_')
		}
	}
	return string(out)
}

func storeKey(userID string) []byte {
	h := sha256.Sum256([]byte("autofilter-crypto:" + userID))
	return h[:]
}

// deviceChanged reports whether the crypto database at dbPath belongs to a
// different device than current.
func deviceChanged(dbPath, current string) (bool, error) {
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return false, nil
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return false, err
	}
	defer db.Close()

	var stored string
	err = db.QueryRow("SELECT device_id FROM crypto_account LIMIT 1").Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return stored != current, nil
}
