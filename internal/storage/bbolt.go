package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/smart-mcp-proxy/mcpgate/internal/gwerr"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrTokenRevoked is returned when a rotated refresh token is presented again.
	ErrTokenRevoked = errors.New("storage: refresh token revoked")
)

// BoltDB wraps bolt database operations
type BoltDB struct {
	db     *bbolt.DB
	logger *zap.Logger
}

var allBuckets = []string{
	MetaBucket,
	SpacesBucket,
	InstallationsBucket,
	FeatureSetsBucket,
	ClientsBucket,
	AdvertisedBucket,
	BackendTokenBucket,
	BackendClientBucket,
	AuthClientsBucket,
	RefreshTokensBucket,
	SigningKeyBucket,
}

// Open opens (or creates) the database at path.
func Open(path string, logger *zap.Logger) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 10 * time.Second})
	if err != nil {
		return nil, gwerr.Storage("storage.open", fmt.Errorf("failed to open bolt database %s: %w", path, err))
	}

	b := &BoltDB{db: db, logger: logger.Named("storage")}
	if err := b.initBuckets(); err != nil {
		db.Close()
		return nil, gwerr.Storage("storage.open", fmt.Errorf("failed to initialize buckets: %w", err))
	}
	b.logger.Debug("Database opened", zap.String("path", path))
	return b, nil
}

// Close closes the database
func (b *BoltDB) Close() error {
	return b.db.Close()
}

func (b *BoltDB) initBuckets() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		versionBytes := make([]byte, 8)
		binary.LittleEndian.PutUint64(versionBytes, CurrentSchemaVersion)
		return tx.Bucket([]byte(MetaBucket)).Put([]byte(SchemaVersionKey), versionBytes)
	})
}

// GetSchemaVersion returns the current schema version
func (b *BoltDB) GetSchemaVersion() (uint64, error) {
	var version uint64
	err := b.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket([]byte(MetaBucket)).Get([]byte(SchemaVersionKey)); v != nil {
			version = binary.LittleEndian.Uint64(v)
		}
		return nil
	})
	return version, err
}

// Tx exposes typed record helpers inside a single bbolt transaction.
type Tx struct {
	tx *bbolt.Tx
}

// Update runs fn in a read-write transaction. All writes commit together or not at all.
func (b *BoltDB) Update(fn func(*Tx) error) error {
	if err := b.db.Update(func(tx *bbolt.Tx) error { return fn(&Tx{tx: tx}) }); err != nil {
		return gwerr.Storage("storage.update", err)
	}
	return nil
}

// View runs fn in a read-only transaction.
func (b *BoltDB) View(fn func(*Tx) error) error {
	return b.db.View(func(tx *bbolt.Tx) error { return fn(&Tx{tx: tx}) })
}

func (t *Tx) put(bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s/%s: %w", bucket, key, err)
	}
	return t.tx.Bucket([]byte(bucket)).Put([]byte(key), data)
}

func (t *Tx) get(bucket, key string, v any) error {
	data := t.tx.Bucket([]byte(bucket)).Get([]byte(key))
	if data == nil {
		return ErrNotFound
	}
	return json.Unmarshal(data, v)
}

func (t *Tx) delete(bucket, key string) error {
	return t.tx.Bucket([]byte(bucket)).Delete([]byte(key))
}

func listBucket[T any](t *Tx, bucket string) ([]T, error) {
	var out []T
	err := t.tx.Bucket([]byte(bucket)).ForEach(func(k, data []byte) error {
		var rec T
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("failed to unmarshal %s/%s: %w", bucket, k, err)
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

func getRecord[T any](b *BoltDB, bucket, key string) (*T, error) {
	var rec T
	err := b.View(func(tx *Tx) error { return tx.get(bucket, key, &rec) })
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func putRecord(b *BoltDB, bucket, key string, v any) error {
	return b.Update(func(tx *Tx) error { return tx.put(bucket, key, v) })
}

func deleteRecord(b *BoltDB, bucket, key string) error {
	return b.Update(func(tx *Tx) error { return tx.delete(bucket, key) })
}
