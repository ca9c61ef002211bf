package chains

import (
	"errors"
	"fmt"
	"sort"

	"soneium-onboard/internal/web3"
)

// UnknownNetwork is the name reported for chain ids missing from the registry.
const UnknownNetwork = "unknown"

// Registry indexes chain metadata by chain id and designates the target
// chain the wallet is switched to.
type Registry struct {
	target    uint64
	chains    map[uint64]web3.ChainSpec
	supported web3.SupportedChainSet
}

// NewDefaultRegistry returns the built-in Soneium registry targeting Minato.
func NewDefaultRegistry() *Registry {
	r, _ := NewRegistry(web3.SoneiumMinatoChainID, web3.ChainDefinitions{})
	return r
}

// NewRegistry merges YAML chain definitions over the built-in Soneium
// chains. The target chain must be present after the merge.
func NewRegistry(target uint64, defs web3.ChainDefinitions) (*Registry, error) {
	chains := map[uint64]web3.ChainSpec{
		web3.SoneiumChainID:       web3.Soneium,
		web3.SoneiumMinatoChainID: web3.SoneiumMinato,
	}

	names := make([]string, 0, len(defs.Chains))
	for name := range defs.Chains {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		spec := defs.Chains[name].Spec(name)
		if spec.ID == 0 {
			return nil, fmt.Errorf("链 %s 缺少 chain id", name)
		}
		chains[spec.ID] = spec
	}

	if target == 0 {
		target = web3.SoneiumMinatoChainID
	}
	if _, ok := chains[target]; !ok {
		return nil, fmt.Errorf("目标链 %d 未在配置中找到", target)
	}

	return &Registry{
		target:    target,
		chains:    chains,
		supported: web3.DefaultSupportedChains(),
	}, nil
}

// Target returns the chain the wallet should be switched to.
func (r *Registry) Target() (web3.ChainSpec, error) {
	if r == nil {
		return web3.ChainSpec{}, errors.New("未初始化的链注册表")
	}
	return r.chains[r.target], nil
}

// Lookup returns the metadata registered for id.
func (r *Registry) Lookup(id uint64) (web3.ChainSpec, bool) {
	if r == nil {
		return web3.ChainSpec{}, false
	}
	spec, ok := r.chains[id]
	return spec, ok
}

// NetworkName labels id for display.
func (r *Registry) NetworkName(id uint64) string {
	if spec, ok := r.Lookup(id); ok {
		return spec.Name
	}
	return UnknownNetwork
}

// Supported returns the set of accepted chain ids. Registering extra chain
// metadata does not widen it.
func (r *Registry) Supported() web3.SupportedChainSet {
	if r == nil {
		return web3.DefaultSupportedChains()
	}
	return r.supported
}

// IDs returns the registered chain ids in ascending order.
func (r *Registry) IDs() []uint64 {
	if r == nil {
		return nil
	}
	ids := make([]uint64, 0, len(r.chains))
	for id := range r.chains {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
