package storage

import (
	"strings"

	"github.com/smart-mcp-proxy/mcpgate/internal/contracts"
)

// AccessData is the full persisted access-control state, loaded at startup.
type AccessData struct {
	ActiveSpaceID string
	Spaces        []contracts.Space
	Installations []contracts.Installation
	FeatureSets   []contracts.FeatureSet
	Clients       []contracts.Client
	Advertised    []contracts.AdvertisedFeature
}

// LoadAccessData reads every access-control record in one transaction.
func (b *BoltDB) LoadAccessData() (*AccessData, error) {
	data := &AccessData{}
	err := b.View(func(tx *Tx) error {
		var err error
		if data.Spaces, err = listBucket[contracts.Space](tx, SpacesBucket); err != nil {
			return err
		}
		if data.Installations, err = listBucket[contracts.Installation](tx, InstallationsBucket); err != nil {
			return err
		}
		if data.FeatureSets, err = listBucket[contracts.FeatureSet](tx, FeatureSetsBucket); err != nil {
			return err
		}
		if data.Clients, err = listBucket[contracts.Client](tx, ClientsBucket); err != nil {
			return err
		}
		if data.Advertised, err = listBucket[contracts.AdvertisedFeature](tx, AdvertisedBucket); err != nil {
			return err
		}
		if v := tx.tx.Bucket([]byte(MetaBucket)).Get([]byte(ActiveSpaceKey)); v != nil {
			data.ActiveSpaceID = string(v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// PutSpace saves a space record
func (t *Tx) PutSpace(s *contracts.Space) error {
	return t.put(SpacesBucket, s.ID, s)
}

// DeleteSpace removes a space record
func (t *Tx) DeleteSpace(id string) error {
	return t.delete(SpacesBucket, id)
}

// SetActiveSpace records the process-wide active space.
func (t *Tx) SetActiveSpace(id string) error {
	return t.tx.Bucket([]byte(MetaBucket)).Put([]byte(ActiveSpaceKey), []byte(id))
}

// PutInstallation saves an installation record
func (t *Tx) PutInstallation(inst *contracts.Installation) error {
	return t.put(InstallationsBucket, inst.ID, inst)
}

// DeleteInstallation removes an installation and everything it advertised.
func (t *Tx) DeleteInstallation(id string) error {
	if err := t.delete(InstallationsBucket, id); err != nil {
		return err
	}
	return t.deletePrefix(AdvertisedBucket, id+"/")
}

// PutFeatureSet saves a feature set record
func (t *Tx) PutFeatureSet(fs *contracts.FeatureSet) error {
	return t.put(FeatureSetsBucket, fs.ID, fs)
}

// DeleteFeatureSet removes a feature set record
func (t *Tx) DeleteFeatureSet(id string) error {
	return t.delete(FeatureSetsBucket, id)
}

// PutClient saves a client record
func (t *Tx) PutClient(c *contracts.Client) error {
	return t.put(ClientsBucket, c.ID, c)
}

// DeleteClient removes a client record
func (t *Tx) DeleteClient(id string) error {
	return t.delete(ClientsBucket, id)
}

// PutAdvertised records an advertised feature, keyed installation/kind/name.
func (t *Tx) PutAdvertised(a *contracts.AdvertisedFeature) error {
	return t.put(AdvertisedBucket, advertisedKey(a.InstallationID, a.Kind, a.Name), a)
}

func advertisedKey(installationID string, kind contracts.FeatureKind, name string) string {
	return installationID + "/" + string(kind) + "/" + name
}

func (t *Tx) deletePrefix(bucket, prefix string) error {
	bkt := t.tx.Bucket([]byte(bucket))
	c := bkt.Cursor()
	var keys [][]byte
	for k, _ := c.Seek([]byte(prefix)); k != nil && strings.HasPrefix(string(k), prefix); k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	for _, k := range keys {
		if err := bkt.Delete(k); err != nil {
			return err
		}
	}
	return nil
}
