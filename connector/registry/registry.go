// Package registry tracks the Aurora addresses confirmed during a deployment
// so that later steps only ever see addresses that exist on chain.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

type Name string

const (
	Codec     Name = "Codec"
	Utils     Name = "Utils"
	AuroraSdk Name = "AuroraSdk"
	Locker    Name = "Locker"
)

var (
	ErrNotDeployed     = errors.New("contract not deployed")
	ErrAlreadyDeployed = errors.New("contract already recorded")
	ErrZeroAddress     = errors.New("zero address")
)

type Entry struct {
	Name    Name
	Address common.Address
}

type Registry struct {
	mu      sync.Mutex
	entries []Entry
}

func New() *Registry {
	return &Registry{}
}

// Record stores the confirmed address of name. Each name is recorded once.
func (r *Registry) Record(name Name, addr common.Address) error {
	if addr == (common.Address{}) {
		return fmt.Errorf("record %s: %w", name, ErrZeroAddress)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.Name == name {
			return fmt.Errorf("record %s: %w at %s", name, ErrAlreadyDeployed, e.Address.Hex())
		}
	}
	r.entries = append(r.entries, Entry{Name: name, Address: addr})
	return nil
}

func (r *Registry) Resolve(name Name) (common.Address, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.Name == name {
			return e.Address, nil
		}
	}
	return common.Address{}, fmt.Errorf("resolve %s: %w", name, ErrNotDeployed)
}

// ResolveAll resolves names in order, failing on the first missing one.
func (r *Registry) ResolveAll(names ...Name) ([]common.Address, error) {
	out := make([]common.Address, len(names))
	for i, name := range names {
		addr, err := r.Resolve(name)
		if err != nil {
			return nil, err
		}
		out[i] = addr
	}
	return out, nil
}

// Entries returns the recorded addresses in the order they were confirmed.
func (r *Registry) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), r.entries...)
}
