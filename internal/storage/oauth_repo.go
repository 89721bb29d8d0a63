package storage

// Backend OAuth operations

// SaveBackendToken stores the (already encrypted) token of an installation.
func (b *BoltDB) SaveBackendToken(rec *BackendTokenRecord) error {
	return putRecord(b, BackendTokenBucket, rec.InstallationID, rec)
}

// GetBackendToken returns ErrNotFound when the installation has never been authorized.
func (b *BoltDB) GetBackendToken(installationID string) (*BackendTokenRecord, error) {
	return getRecord[BackendTokenRecord](b, BackendTokenBucket, installationID)
}

// DeleteBackendToken removes the installation's token.
func (b *BoltDB) DeleteBackendToken(installationID string) error {
	return deleteRecord(b, BackendTokenBucket, installationID)
}

// ListBackendTokens returns every stored backend token.
func (b *BoltDB) ListBackendTokens() ([]BackendTokenRecord, error) {
	var out []BackendTokenRecord
	err := b.View(func(tx *Tx) error {
		var err error
		out, err = listBucket[BackendTokenRecord](tx, BackendTokenBucket)
		return err
	})
	return out, err
}

// SaveBackendClient caches discovery and registration results.
func (b *BoltDB) SaveBackendClient(rec *BackendClientRecord) error {
	return putRecord(b, BackendClientBucket, rec.InstallationID, rec)
}

// GetBackendClient returns the cached registration of an installation.
func (b *BoltDB) GetBackendClient(installationID string) (*BackendClientRecord, error) {
	return getRecord[BackendClientRecord](b, BackendClientBucket, installationID)
}

// DeleteBackendClient forgets the cached registration.
func (b *BoltDB) DeleteBackendClient(installationID string) error {
	return deleteRecord(b, BackendClientBucket, installationID)
}
