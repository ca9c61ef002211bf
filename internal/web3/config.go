package web3

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ChainDefinitions models the structure of configs/chains.yaml.
type ChainDefinitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes a single chain as written in YAML.
type ChainDefinition struct {
	ChainID           uint64         `yaml:"chain_id"`
	DisplayName       string         `yaml:"display_name"`
	NativeCurrency    NativeCurrency `yaml:"native_currency"`
	RPCURLs           []string       `yaml:"rpc_urls"`
	BlockExplorerURLs []string       `yaml:"block_explorer_urls"`
}

// Spec converts the definition into a ChainSpec. The map key is used when
// no display name is given.
func (d ChainDefinition) Spec(key string) ChainSpec {
	name := strings.TrimSpace(d.DisplayName)
	if name == "" {
		name = key
	}
	return ChainSpec{
		ID:                d.ChainID,
		Name:              name,
		Currency:          d.NativeCurrency,
		RPCURLs:           append([]string(nil), d.RPCURLs...),
		BlockExplorerURLs: append([]string(nil), d.BlockExplorerURLs...),
	}
}

// LoadChainDefinitions parses the YAML file containing chain metadata. An
// empty path yields an empty set.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ChainDefinitions{Chains: map[string]ChainDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}

	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	for name, def := range defs.Chains {
		if def.ChainID == 0 {
			return ChainDefinitions{}, fmt.Errorf("链 %s 缺少 chain_id", name)
		}
	}
	return defs, nil
}
