package snmp

import (
	_ "embed"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/fiberhive/oltpoll/errors"
	"github.com/fiberhive/oltpoll/poll"
)

//go:embed profiles.yaml
var defaultProfilesYAML []byte

// Profile maps the operation types of one vendor/model to their OIDs.
// Jobs with an empty oid field resolve against the catalog at execution
// time, so operators can point a job at "whatever discovery means for this
// device" without hardcoding vendor OIDs per job.
type Profile struct {
	Vendor string                         `yaml:"vendor"`
	Model  string                         `yaml:"model"`
	OIDs   map[poll.OperationType]string  `yaml:"oids"`
}

type profileFile struct {
	Profiles []Profile `yaml:"profiles"`
}

// Catalog holds OID profiles keyed by vendor/model.
type Catalog struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

func profileKey(vendor, model string) string {
	return strings.ToLower(strings.TrimSpace(vendor)) + "/" + strings.ToLower(strings.TrimSpace(model))
}

// LoadCatalog builds the catalog from the embedded defaults, then overlays
// the profiles from overridePath when it is non-empty. Override profiles
// replace embedded ones with the same vendor/model.
func LoadCatalog(overridePath string) (*Catalog, error) {
	c := &Catalog{profiles: make(map[string]Profile)}

	if err := c.merge(defaultProfilesYAML); err != nil {
		return nil, errors.Wrap(err, "failed to parse embedded oid profiles")
	}

	if overridePath != "" {
		data, err := os.ReadFile(overridePath)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read oid profile file %s", overridePath)
		}
		if err := c.merge(data); err != nil {
			return nil, errors.Wrapf(err, "failed to parse oid profile file %s", overridePath)
		}
	}

	return c, nil
}

func (c *Catalog) merge(data []byte) error {
	var file profileFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range file.Profiles {
		c.profiles[profileKey(p.Vendor, p.Model)] = p
	}
	return nil
}

// Resolve returns the OID for an operation type on a vendor/model. A
// missing profile or missing operation entry wraps errors.ErrNoProfile,
// which Classify maps to the non-retriable "config" kind.
func (c *Catalog) Resolve(vendor, model string, op poll.OperationType) (string, error) {
	c.mu.RLock()
	profile, ok := c.profiles[profileKey(vendor, model)]
	c.mu.RUnlock()

	if !ok {
		return "", errors.Wrapf(errors.ErrNoProfile, "no profile for %s/%s", vendor, model)
	}

	oid, ok := profile.OIDs[op]
	if !ok || oid == "" {
		return "", errors.Wrapf(errors.ErrNoProfile, "profile %s/%s has no %s oid", vendor, model, op)
	}

	return oid, nil
}

// Len returns the number of loaded profiles.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.profiles)
}
