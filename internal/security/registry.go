package security

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gcemu-project/gcemu/internal/crypto"
)

// MaxSPIAttempts bounds how many random SPIs CreateRandom tries.
const MaxSPIAttempts = 64

var (
	ErrSPICollision        = errors.New("spi already registered")
	ErrAssociationNotFound = errors.New("security association not found")
	ErrSPIExhausted        = errors.New("no free spi found")
)

// Registry maps SPIs to associations. It is seeded with the default
// association on construction and is safe for concurrent use.
type Registry struct {
	mu           sync.Mutex
	associations map[uint16]*Association
	defaultSA    *Association
	logger       zerolog.Logger
}

// NewRegistry creates a registry holding only the default association.
func NewRegistry() *Registry {
	def := NewDefaultAssociation()
	return &Registry{
		associations: map[uint16]*Association{DefaultSPI: def},
		defaultSA:    def,
		logger:       log.With().Str("component", "sa_registry").Logger(),
	}
}

// Default returns the SPI 0 association.
func (r *Registry) Default() *Association {
	return r.defaultSA
}

// Create registers a new association under spi. If spi is taken the
// registry is left unchanged and ErrSPICollision is returned.
func (r *Registry) Create(spi uint16, authKey, encKey []byte) (*Association, error) {
	sa, err := NewAssociation(spi, authKey, encKey)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.associations[spi]; exists {
		return nil, fmt.Errorf("%w: %d", ErrSPICollision, spi)
	}
	r.associations[spi] = sa

	r.logger.Debug().Uint16("spi", spi).Int("total", len(r.associations)).Msg("association created")
	return sa, nil
}

// CreateRandom registers an association with a random SPI and random keys,
// retrying on collision.
func (r *Registry) CreateRandom() (*Association, error) {
	authKey, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	encKey, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < MaxSPIAttempts; attempt++ {
		spi, err := crypto.GenerateSPI()
		if err != nil {
			return nil, err
		}
		sa, err := r.Create(spi, authKey, encKey)
		if errors.Is(err, ErrSPICollision) {
			continue
		}
		return sa, err
	}
	return nil, ErrSPIExhausted
}

// Get returns the association registered under spi.
func (r *Registry) Get(spi uint16) (*Association, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sa, ok := r.associations[spi]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrAssociationNotFound, spi)
	}
	return sa, nil
}

// Remove drops the association registered under spi. The default
// association is never removed.
func (r *Registry) Remove(spi uint16) bool {
	if spi == DefaultSPI {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.associations[spi]; !ok {
		return false
	}
	delete(r.associations, spi)
	r.logger.Debug().Uint16("spi", spi).Int("total", len(r.associations)).Msg("association removed")
	return true
}

// Len returns the number of registered associations, the default included.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.associations)
}

// Snapshot returns the state of every association ordered by SPI.
func (r *Registry) Snapshot() []State {
	r.mu.Lock()
	list := make([]*Association, 0, len(r.associations))
	for _, sa := range r.associations {
		list = append(list, sa)
	}
	r.mu.Unlock()

	states := make([]State, 0, len(list))
	for _, sa := range list {
		states = append(states, sa.State())
	}
	sort.Slice(states, func(i, j int) bool { return states[i].SPI < states[j].SPI })
	return states
}
