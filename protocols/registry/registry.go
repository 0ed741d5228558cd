// Package registry is the address book of deployed savings products.
package registry

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Kind identifies a product category.
type Kind string

const (
	KindIndividual  Kind = "individual"
	KindCooperative Kind = "cooperative"
	KindROSCA       Kind = "rosca"
	KindLottery     Kind = "lottery"
	KindAggregator  Kind = "aggregator"
	KindToken       Kind = "token"
)

var knownKinds = map[Kind]bool{
	KindIndividual:  true,
	KindCooperative: true,
	KindROSCA:       true,
	KindLottery:     true,
	KindAggregator:  true,
	KindToken:       true,
}

// Product is one deployed contract.
type Product struct {
	Kind        Kind
	Name        string
	Address     common.Address
	DeployBlock uint64
}

// Registry provides fast, indexed access to product data.
type Registry struct {
	byKind    map[Kind]Product
	byAddress map[common.Address]Product
	all       []Product
}

// New builds the registry. Kinds must be known and unique, addresses unique
// and nonzero.
func New(products []Product) (*Registry, error) {
	byKind := make(map[Kind]Product, len(products))
	byAddress := make(map[common.Address]Product, len(products))

	for _, p := range products {
		if !knownKinds[p.Kind] {
			return nil, fmt.Errorf("registry: unknown product kind %q", p.Kind)
		}
		if p.Address == (common.Address{}) {
			return nil, fmt.Errorf("registry: product %q has no address", p.Kind)
		}
		if _, dup := byKind[p.Kind]; dup {
			return nil, fmt.Errorf("registry: duplicate product kind %q", p.Kind)
		}
		if _, dup := byAddress[p.Address]; dup {
			return nil, fmt.Errorf("registry: duplicate address %s", p.Address.Hex())
		}
		byKind[p.Kind] = p
		byAddress[p.Address] = p
	}

	return &Registry{
		byKind:    byKind,
		byAddress: byAddress,
		all:       products,
	}, nil
}

// ByKind retrieves a product by its category.
func (r *Registry) ByKind(kind Kind) (Product, bool) {
	p, ok := r.byKind[kind]
	return p, ok
}

// ByAddress retrieves a product by its contract address.
func (r *Registry) ByAddress(address common.Address) (Product, bool) {
	p, ok := r.byAddress[address]
	return p, ok
}

// All returns a defensive copy of the slice of all registered products.
func (r *Registry) All() []Product {
	allCopy := make([]Product, len(r.all))
	copy(allCopy, r.all)
	return allCopy
}
