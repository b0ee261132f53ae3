package household

import (
	"sync"

	"github.com/google/uuid"
)

// Factory provisions households and keeps the deployed set. Creation is
// external to the exchange: the exchange only learns about a household when
// it binds via SetExchange.
type Factory struct {
	mu       sync.Mutex
	deployed []*Household
	byOwner  map[uuid.UUID]*Household
}

// NewFactory creates an empty factory.
func NewFactory() *Factory {
	return &Factory{byOwner: make(map[uuid.UUID]*Household)}
}

// CreateHousehold deploys a household with a fresh owner identity and the
// given initial stored charge.
func (f *Factory) CreateHousehold(initialCharge int64) *Household {
	return f.CreateHouseholdFor(uuid.New(), initialCharge)
}

// CreateHouseholdFor deploys a household for a known owner identity.
func (f *Factory) CreateHouseholdFor(owner uuid.UUID, initialCharge int64) *Household {
	h := New(owner, initialCharge)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deployed = append(f.deployed, h)
	f.byOwner[owner] = h
	return h
}

// Get looks up a deployed household by owner identity.
func (f *Factory) Get(owner uuid.UUID) (*Household, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.byOwner[owner]
	return h, ok
}

// DeployedHouseholds returns the deployed households in creation order.
func (f *Factory) DeployedHouseholds() []*Household {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Household, len(f.deployed))
	copy(out, f.deployed)
	return out
}
