package storage

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smart-mcp-proxy/mcpgate/internal/contracts"
)

func openTestDB(t *testing.T) *BoltDB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSchemaVersion(t *testing.T) {
	db := openTestDB(t)
	v, err := db.GetSchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, uint64(CurrentSchemaVersion), v)
}

func TestAccessDataRoundTrip(t *testing.T) {
	db := openTestDB(t)
	now := time.Now().UTC().Truncate(time.Second)

	space := contracts.Space{ID: "sp1", Name: "work", IsActive: true, CreatedAt: now}
	inst := contracts.Installation{
		ID: "in1", Alias: "echo", SpaceID: "sp1", Enabled: true,
		Transport: contracts.TransportConfig{Kind: contracts.TransportStdio, Stdio: &contracts.StdioTransport{Command: "echo-mcp"}},
		InputValues: map[string][]byte{"TOKEN": {1, 2, 3}},
	}
	fs := contracts.FeatureSet{ID: "fs1", SpaceID: "sp1", Name: "server-all echo", Kind: contracts.FeatureSetServerAll, ServerID: "in1"}
	client := contracts.Client{ID: "c1", Name: "Claude", Mode: contracts.ModeFollowActive, Grants: map[string][]string{"sp1": {"fs1"}}}

	require.NoError(t, db.Update(func(tx *Tx) error {
		require.NoError(t, tx.PutSpace(&space))
		require.NoError(t, tx.SetActiveSpace(space.ID))
		require.NoError(t, tx.PutInstallation(&inst))
		require.NoError(t, tx.PutFeatureSet(&fs))
		require.NoError(t, tx.PutClient(&client))
		require.NoError(t, tx.PutAdvertised(&contracts.AdvertisedFeature{InstallationID: "in1", Kind: contracts.FeatureTool, Name: "say"}))
		require.NoError(t, tx.PutAdvertised(&contracts.AdvertisedFeature{InstallationID: "in10", Kind: contracts.FeatureTool, Name: "other"}))
		return nil
	}))

	data, err := db.LoadAccessData()
	require.NoError(t, err)
	assert.Equal(t, "sp1", data.ActiveSpaceID)
	require.Len(t, data.Spaces, 1)
	assert.Equal(t, space, data.Spaces[0])
	require.Len(t, data.Installations, 1)
	assert.Equal(t, []byte{1, 2, 3}, data.Installations[0].InputValues["TOKEN"])
	assert.Len(t, data.FeatureSets, 1)
	assert.Equal(t, []string{"fs1"}, data.Clients[0].Grants["sp1"])
	assert.Len(t, data.Advertised, 2)

	require.NoError(t, db.Update(func(tx *Tx) error { return tx.DeleteInstallation("in1") }))
	data, err = db.LoadAccessData()
	require.NoError(t, err)
	assert.Empty(t, data.Installations)
	require.Len(t, data.Advertised, 1, "only the deleted installation's advertised features go")
	assert.Equal(t, "in10", data.Advertised[0].InstallationID)
}

func TestUpdateIsAtomic(t *testing.T) {
	db := openTestDB(t)
	err := db.Update(func(tx *Tx) error {
		require.NoError(t, tx.PutSpace(&contracts.Space{ID: "sp1"}))
		return errors.New("abort")
	})
	require.Error(t, err)

	data, err := db.LoadAccessData()
	require.NoError(t, err)
	assert.Empty(t, data.Spaces)
}

func TestBackendTokenCRUD(t *testing.T) {
	db := openTestDB(t)

	_, err := db.GetBackendToken("in1")
	assert.ErrorIs(t, err, ErrNotFound)

	rec := &BackendTokenRecord{InstallationID: "in1", AccessToken: []byte("enc"), TokenType: "Bearer", ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, db.SaveBackendToken(rec))

	got, err := db.GetBackendToken("in1")
	require.NoError(t, err)
	assert.Equal(t, []byte("enc"), got.AccessToken)

	all, err := db.ListBackendTokens()
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, db.DeleteBackendToken("in1"))
	_, err = db.GetBackendToken("in1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRefreshTokenRotation(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()

	require.NoError(t, db.SaveAuthClient(&AuthClientRecord{ClientID: "c1", RedirectURIs: []string{"http://127.0.0.1/cb"}}))
	require.NoError(t, db.SaveRefreshToken(&RefreshTokenRecord{TokenHash: "h1", ClientID: "c1", ExpiresAt: now.Add(time.Hour)}))

	require.NoError(t, db.RotateRefreshToken("h1", &RefreshTokenRecord{TokenHash: "h2", ClientID: "c1", ExpiresAt: now.Add(time.Hour)}))

	err := db.RotateRefreshToken("h1", &RefreshTokenRecord{TokenHash: "h3", ClientID: "c1"})
	assert.ErrorIs(t, err, ErrTokenRevoked)

	err = db.RotateRefreshToken("missing", &RefreshTokenRecord{TokenHash: "h4"})
	assert.ErrorIs(t, err, ErrNotFound)

	removed, err := db.PruneRefreshTokens(now)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	require.NoError(t, db.DeleteAuthClient("c1"))
	_, err = db.GetRefreshToken("h2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSigningKey(t *testing.T) {
	db := openTestDB(t)
	_, err := db.GetSigningKey()
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, db.SaveSigningKey(&SigningKeyRecord{KeyID: "k1", PrivateKey: []byte("blob")}))
	got, err := db.GetSigningKey()
	require.NoError(t, err)
	assert.Equal(t, "k1", got.KeyID)
}
