package chain

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	xerrors "userop-generator/internal/errors"
)

// FeeModel 标识某条链采用的费用估算策略。
type FeeModel string

const (
	// FeeModelEIP1559 使用 base fee + priority fee 的动态费用市场。
	FeeModelEIP1559 FeeModel = "eip1559"
	// FeeModelScaled 不查询自身费用市场，完全从 derive_from 指定的链推导。
	FeeModelScaled FeeModel = "scaled"
	// FeeModelFlat 使用单一 gas price，无小费。
	FeeModelFlat FeeModel = "flat"
)

// Definition 描述 configs/chains.yaml 中的一条链。
type Definition struct {
	ChainID       uint64          `yaml:"chain_id"`
	FeeModel      FeeModel        `yaml:"fee_model"`
	RPCURL        string          `yaml:"rpc_url"`
	EntryPoint    string          `yaml:"entry_point"`
	WalletFactory string          `yaml:"wallet_factory"`
	Paymaster     string          `yaml:"paymaster"`
	DeriveFrom    uint64          `yaml:"derive_from"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
	Retry         RetryConfig     `yaml:"retry"`
	Description   string          `yaml:"description"`
}

// RateLimitConfig 描述单链的滑动窗口限流参数。
type RateLimitConfig struct {
	WindowSeconds int `yaml:"window_seconds"`
	MaxRequests   int `yaml:"max_requests"`
}

// RetryConfig 描述单链的重试参数。
type RetryConfig struct {
	MaxAttempts       int     `yaml:"max_attempts"`
	InitialIntervalMS int     `yaml:"initial_interval_ms"`
	MaxIntervalMS     int     `yaml:"max_interval_ms"`
	Multiplier        float64 `yaml:"multiplier"`
}

// EntryPointAddress 返回解析后的 EntryPoint 合约地址。
func (d Definition) EntryPointAddress() common.Address {
	return common.HexToAddress(d.EntryPoint)
}

// WalletFactoryAddress 返回解析后的钱包工厂合约地址。
func (d Definition) WalletFactoryAddress() common.Address {
	return common.HexToAddress(d.WalletFactory)
}

// PaymasterAddress 返回解析后的 paymaster 合约地址。
func (d Definition) PaymasterAddress() common.Address {
	return common.HexToAddress(d.Paymaster)
}

// Catalog 保存全部已配置链的定义，按链 ID 索引。
type Catalog struct {
	names map[string]Definition
	byID  map[uint64]Definition
}

type catalogFile struct {
	Chains map[string]Definition `yaml:"chains"`
}

// LoadCatalog 解析并校验链配置文件。配置在进入核心流程前完成全部校验。
func LoadCatalog(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return nil, xerrors.New(xerrors.CodeConfigInvalid, "链配置文件路径为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfigInvalid, err, "读取链配置失败")
	}

	var file catalogFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfigInvalid, err, "解析链配置失败")
	}
	return NewCatalog(file.Chains)
}

// NewCatalog 从链定义集合构造目录并执行校验。
func NewCatalog(chains map[string]Definition) (*Catalog, error) {
	if len(chains) == 0 {
		return nil, xerrors.New(xerrors.CodeConfigInvalid, "未配置任何链")
	}

	catalog := &Catalog{
		names: make(map[string]Definition, len(chains)),
		byID:  make(map[uint64]Definition, len(chains)),
	}
	for name, def := range chains {
		if err := validateDefinition(name, def); err != nil {
			return nil, err
		}
		if _, dup := catalog.byID[def.ChainID]; dup {
			return nil, xerrors.New(xerrors.CodeConfigInvalid,
				fmt.Sprintf("链 ID %d 被重复定义", def.ChainID))
		}
		catalog.names[name] = def
		catalog.byID[def.ChainID] = def
	}

	// scaled 链的来源必须在目录内，且不能再指向另一条 scaled 链。
	for name, def := range catalog.names {
		if def.FeeModel != FeeModelScaled {
			continue
		}
		source, ok := catalog.byID[def.DeriveFrom]
		if !ok {
			return nil, xerrors.New(xerrors.CodeConfigInvalid,
				fmt.Sprintf("链 %s 的 derive_from=%d 未在目录中定义", name, def.DeriveFrom))
		}
		if source.FeeModel == FeeModelScaled {
			return nil, xerrors.New(xerrors.CodeConfigInvalid,
				fmt.Sprintf("链 %s 不能从另一条 scaled 链推导费用", name))
		}
	}
	return catalog, nil
}

func validateDefinition(name string, def Definition) error {
	if def.ChainID == 0 {
		return xerrors.New(xerrors.CodeConfigInvalid, fmt.Sprintf("链 %s 缺少 chain_id", name))
	}
	if strings.TrimSpace(def.RPCURL) == "" {
		return xerrors.New(xerrors.CodeConfigInvalid, fmt.Sprintf("链 %s 缺少 rpc_url", name))
	}
	switch def.FeeModel {
	case FeeModelEIP1559, FeeModelFlat:
	case FeeModelScaled:
		if def.DeriveFrom == 0 {
			return xerrors.New(xerrors.CodeConfigInvalid,
				fmt.Sprintf("链 %s 的费用模型为 scaled，必须配置 derive_from", name))
		}
	default:
		return xerrors.New(xerrors.CodeConfigInvalid,
			fmt.Sprintf("链 %s 使用了未知的费用模型 %q", name, def.FeeModel))
	}
	for field, value := range map[string]string{
		"entry_point":    def.EntryPoint,
		"wallet_factory": def.WalletFactory,
		"paymaster":      def.Paymaster,
	} {
		if value != "" && !common.IsHexAddress(value) {
			return xerrors.New(xerrors.CodeConfigInvalid,
				fmt.Sprintf("链 %s 的 %s 地址非法: %s", name, field, value))
		}
	}
	return nil
}

// ByID 按链 ID 查找定义。
func (c *Catalog) ByID(chainID uint64) (Definition, bool) {
	if c == nil {
		return Definition{}, false
	}
	def, ok := c.byID[chainID]
	return def, ok
}

// ByName 按配置名查找定义。
func (c *Catalog) ByName(name string) (Definition, bool) {
	if c == nil {
		return Definition{}, false
	}
	def, ok := c.names[name]
	return def, ok
}

// ChainIDs 返回全部已配置链 ID（升序）。
func (c *Catalog) ChainIDs() []uint64 {
	if c == nil {
		return nil
	}
	ids := make([]uint64, 0, len(c.byID))
	for id := range c.byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Names 返回全部链配置名（字典序）。
func (c *Catalog) Names() []string {
	if c == nil {
		return nil
	}
	names := make([]string, 0, len(c.names))
	for name := range c.names {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
