package storage

import (
	"time"
)

// Authorization server operations

// SaveAuthClient stores a dynamically registered downstream client.
func (b *BoltDB) SaveAuthClient(rec *AuthClientRecord) error {
	return putRecord(b, AuthClientsBucket, rec.ClientID, rec)
}

// GetAuthClient looks up a registered client.
func (b *BoltDB) GetAuthClient(clientID string) (*AuthClientRecord, error) {
	return getRecord[AuthClientRecord](b, AuthClientsBucket, clientID)
}

// DeleteAuthClient removes a registered client and all of its refresh tokens.
func (b *BoltDB) DeleteAuthClient(clientID string) error {
	return b.Update(func(tx *Tx) error {
		if err := tx.delete(AuthClientsBucket, clientID); err != nil {
			return err
		}
		tokens, err := listBucket[RefreshTokenRecord](tx, RefreshTokensBucket)
		if err != nil {
			return err
		}
		for _, rt := range tokens {
			if rt.ClientID == clientID {
				if err := tx.delete(RefreshTokensBucket, rt.TokenHash); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// SaveRefreshToken stores a refresh token record keyed by its hash.
func (b *BoltDB) SaveRefreshToken(rec *RefreshTokenRecord) error {
	return putRecord(b, RefreshTokensBucket, rec.TokenHash, rec)
}

// GetRefreshToken looks up a refresh token by hash.
func (b *BoltDB) GetRefreshToken(tokenHash string) (*RefreshTokenRecord, error) {
	return getRecord[RefreshTokenRecord](b, RefreshTokensBucket, tokenHash)
}

// RotateRefreshToken revokes the old token and stores its successor atomically.
// It fails with ErrNotFound if the old token is unknown and with
// ErrTokenRevoked if it was already rotated.
func (b *BoltDB) RotateRefreshToken(oldHash string, next *RefreshTokenRecord) error {
	return b.Update(func(tx *Tx) error {
		var old RefreshTokenRecord
		if err := tx.get(RefreshTokensBucket, oldHash, &old); err != nil {
			return err
		}
		if old.Revoked {
			return ErrTokenRevoked
		}
		old.Revoked = true
		if err := tx.put(RefreshTokensBucket, oldHash, &old); err != nil {
			return err
		}
		return tx.put(RefreshTokensBucket, next.TokenHash, next)
	})
}

// PruneRefreshTokens deletes revoked and expired tokens, returning how many were removed.
func (b *BoltDB) PruneRefreshTokens(now time.Time) (int, error) {
	removed := 0
	err := b.Update(func(tx *Tx) error {
		tokens, err := listBucket[RefreshTokenRecord](tx, RefreshTokensBucket)
		if err != nil {
			return err
		}
		for _, rt := range tokens {
			if rt.Revoked || rt.IsExpired(now) {
				if err := tx.delete(RefreshTokensBucket, rt.TokenHash); err != nil {
					return err
				}
				removed++
			}
		}
		return nil
	})
	return removed, err
}

// SaveSigningKey stores the encrypted signing key.
func (b *BoltDB) SaveSigningKey(rec *SigningKeyRecord) error {
	return putRecord(b, SigningKeyBucket, "current", rec)
}

// GetSigningKey returns the stored signing key, or ErrNotFound.
func (b *BoltDB) GetSigningKey() (*SigningKeyRecord, error) {
	return getRecord[SigningKeyRecord](b, SigningKeyBucket, "current")
}
