package snmp

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiberhive/oltpoll/errors"
	"github.com/fiberhive/oltpoll/poll"
)

func TestLoadCatalogEmbeddedDefaults(t *testing.T) {
	c, err := LoadCatalog("")
	require.NoError(t, err)
	assert.Equal(t, 5, c.Len())

	oid, err := c.Resolve("huawei", "ma5608t", poll.OpDiscovery)
	require.NoError(t, err)
	assert.Equal(t, "1.3.6.1.4.1.2011.6.128.1.1.2.43.1.9", oid)
}

func TestResolveNormalizesVendorAndModel(t *testing.T) {
	c, err := LoadCatalog("")
	require.NoError(t, err)

	oid, err := c.Resolve("  Huawei ", "MA5608T", poll.OpGet)
	require.NoError(t, err)
	assert.Equal(t, "1.3.6.1.4.1.2011.6.128.1.1.2.46.1.15", oid)
}

func TestResolveUnknownProfile(t *testing.T) {
	c, err := LoadCatalog("")
	require.NoError(t, err)

	_, err = c.Resolve("acme", "x9000", poll.OpGet)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNoProfile))
}

func TestLoadCatalogOverrideReplacesAndAdds(t *testing.T) {
	override := filepath.Join(t.TempDir(), "profiles.yaml")
	require.NoError(t, os.WriteFile(override, []byte(`
profiles:
  - vendor: huawei
    model: ma5608t
    oids:
      get: 1.3.6.1.4.1.2011.99.1
  - vendor: acme
    model: x9000
    oids:
      discovery: 1.3.6.1.4.1.9999.1.1
`), 0o644))

	c, err := LoadCatalog(override)
	require.NoError(t, err)
	assert.Equal(t, 6, c.Len())

	oid, err := c.Resolve("huawei", "ma5608t", poll.OpGet)
	require.NoError(t, err)
	assert.Equal(t, "1.3.6.1.4.1.2011.99.1", oid, "override replaces the embedded profile")

	// The override profile carries only a get OID; the embedded walk
	// entry is gone with the replaced profile.
	_, err = c.Resolve("huawei", "ma5608t", poll.OpWalk)
	assert.True(t, errors.Is(err, errors.ErrNoProfile))

	oid, err = c.Resolve("acme", "x9000", poll.OpDiscovery)
	require.NoError(t, err)
	assert.Equal(t, "1.3.6.1.4.1.9999.1.1", oid)
}

func TestLoadCatalogMissingOverrideFile(t *testing.T) {
	_, err := LoadCatalog(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadCatalogMalformedOverride(t *testing.T) {
	override := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(override, []byte("profiles: [not a mapping"), 0o644))

	_, err := LoadCatalog(override)
	require.Error(t, err)
}
