package ethereum

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"soneium-onboard/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// DefaultProfileMethod is the view function queried for a wallet's profile.
const DefaultProfileMethod = "getProfileByWallet"

// ProfileContractConfig locates the profile registry contract.
type ProfileContractConfig struct {
	Address string
	ABIPath string
	ABIJSON string
	Method  string
}

// ContractProfileReader resolves the profile owned by a wallet through a
// view call. The first string output is the username, the first and second
// string-array outputs are the web2 and web3 items.
type ContractProfileReader struct {
	address common.Address
	abi     abi.ABI
	method  string
}

// NewContractProfileReader parses the contract ABI and validates the method.
func NewContractProfileReader(cfg ProfileContractConfig) (*ContractProfileReader, error) {
	if !common.IsHexAddress(cfg.Address) {
		return nil, fmt.Errorf("无效的合约地址: %q", cfg.Address)
	}

	abiJSON := cfg.ABIJSON
	if abiJSON == "" && cfg.ABIPath != "" {
		content, err := os.ReadFile(cfg.ABIPath)
		if err != nil {
			return nil, fmt.Errorf("读取 ABI 文件失败: %w", err)
		}
		abiJSON = string(content)
	}
	if strings.TrimSpace(abiJSON) == "" {
		return nil, errors.New("未提供合约 ABI")
	}

	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return nil, fmt.Errorf("解析 ABI 失败: %w", err)
	}

	method := cfg.Method
	if method == "" {
		method = DefaultProfileMethod
	}
	if _, ok := parsed.Methods[method]; !ok {
		return nil, fmt.Errorf("ABI 中不存在方法 %s", method)
	}

	return &ContractProfileReader{
		address: common.HexToAddress(cfg.Address),
		abi:     parsed,
		method:  method,
	}, nil
}

// ProfileByWallet calls the registry through caller on behalf of owner.
func (r *ContractProfileReader) ProfileByWallet(ctx context.Context, caller gethcore.ContractCaller, owner common.Address) (web3.Profile, error) {
	if caller == nil {
		return web3.Profile{}, errors.New("未提供合约调用后端")
	}
	input, err := r.abi.Pack(r.method, owner)
	if err != nil {
		return web3.Profile{}, fmt.Errorf("编码调用参数失败: %w", err)
	}

	to := r.address
	out, err := caller.CallContract(ctx, gethcore.CallMsg{From: owner, To: &to, Data: input}, nil)
	if err != nil {
		return web3.Profile{}, fmt.Errorf("查询链上资料失败: %w", err)
	}
	if len(out) == 0 {
		return web3.Profile{}, nil
	}

	values, err := r.abi.Unpack(r.method, out)
	if err != nil {
		return web3.Profile{}, fmt.Errorf("解码链上资料失败: %w", err)
	}
	return profileFromOutputs(values), nil
}

func profileFromOutputs(values []any) web3.Profile {
	var (
		profile web3.Profile
		lists   [][]string
	)
	for _, value := range values {
		switch v := value.(type) {
		case string:
			if profile.Username == "" {
				profile.Username = v
			}
		case []string:
			lists = append(lists, v)
		}
	}
	if len(lists) > 0 {
		profile.Web2Items = lists[0]
	}
	if len(lists) > 1 {
		profile.Web3Items = lists[1]
	}
	return profile
}
