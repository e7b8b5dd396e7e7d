package enclave

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"OpenMCP-Escrow/internal/verdict"
)

// Definitions 对应 configs/enclaves.yaml 的结构。
type Definitions struct {
	Enclaves map[string]Definition `yaml:"enclaves"`
}

// Definition 描述一个经过证明的 enclave 公钥。
type Definition struct {
	Scheme      string   `yaml:"scheme"`
	PublicKey   string   `yaml:"public_key"`
	Intents     []string `yaml:"intents"`
	Description string   `yaml:"description"`
}

// LoadDefinitions 解析 enclave 定义文件，路径为空时返回空集合。
func LoadDefinitions(path string) (Definitions, error) {
	if strings.TrimSpace(path) == "" {
		return Definitions{Enclaves: map[string]Definition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return Definitions{}, fmt.Errorf("读取 enclave 配置失败: %w", err)
	}

	var defs Definitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return Definitions{}, fmt.Errorf("解析 enclave 配置失败: %w", err)
	}
	if defs.Enclaves == nil {
		defs.Enclaves = map[string]Definition{}
	}
	return defs, nil
}

// Build 把定义转换为 enclave 绑定。
func (d Definition) Build(id string) (*Enclave, error) {
	scheme, err := ParseScheme(d.Scheme)
	if err != nil {
		return nil, fmt.Errorf("enclave %s: %w", id, err)
	}
	key := common.FromHex(strings.TrimSpace(d.PublicKey))
	if len(key) == 0 {
		return nil, fmt.Errorf("enclave %s 缺少 public_key", id)
	}
	intents := make([]verdict.Intent, 0, len(d.Intents))
	for _, raw := range d.Intents {
		intent, err := verdict.ParseIntent(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("enclave %s: %w", id, err)
		}
		intents = append(intents, intent)
	}
	return New(id, scheme, key, intents...)
}

// Registry 按名称管理已绑定的 enclave。
type Registry struct {
	defaultID string
	enclaves  map[string]Gateway
}

// ErrUnknownEnclave 表示引用了未绑定的 enclave。
var ErrUnknownEnclave = errors.New("unknown enclave")

// NewRegistry 根据定义构造注册表；defaultID 为空时取字典序第一个。
func NewRegistry(defs Definitions, defaultID string) (*Registry, error) {
	gateways := make([]Gateway, 0, len(defs.Enclaves))
	for id, def := range defs.Enclaves {
		e, err := def.Build(id)
		if err != nil {
			return nil, err
		}
		gateways = append(gateways, e)
	}
	return NewRegistryFrom(defaultID, gateways...)
}

// NewRegistryFrom 使用已构造的 Gateway 创建注册表。
func NewRegistryFrom(defaultID string, gateways ...Gateway) (*Registry, error) {
	enclaves := make(map[string]Gateway, len(gateways))
	for _, g := range gateways {
		if g == nil {
			continue
		}
		if _, exists := enclaves[g.ID()]; exists {
			return nil, fmt.Errorf("enclave %s 重复定义", g.ID())
		}
		enclaves[g.ID()] = g
	}
	if len(enclaves) == 0 {
		return nil, errors.New("未配置任何 enclave")
	}

	defaultID = strings.TrimSpace(defaultID)
	if defaultID == "" {
		ids := make([]string, 0, len(enclaves))
		for id := range enclaves {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		defaultID = ids[0]
	}
	if _, ok := enclaves[defaultID]; !ok {
		return nil, fmt.Errorf("默认 enclave %s 未在配置中找到", defaultID)
	}
	return &Registry{defaultID: defaultID, enclaves: enclaves}, nil
}

// Default 返回默认 enclave。
func (r *Registry) Default() Gateway {
	return r.enclaves[r.defaultID]
}

// DefaultID 返回默认 enclave 的名称。
func (r *Registry) DefaultID() string { return r.defaultID }

// Get 根据名称查找 enclave。
func (r *Registry) Get(id string) (Gateway, bool) {
	g, ok := r.enclaves[id]
	return g, ok
}

// Resolve 空名称返回默认 enclave，未知名称返回 ErrUnknownEnclave。
func (r *Registry) Resolve(id string) (Gateway, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return r.Default(), nil
	}
	if g, ok := r.enclaves[id]; ok {
		return g, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownEnclave, id)
}

// IDs 返回所有 enclave 名称，按字典序排列。
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.enclaves))
	for id := range r.enclaves {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
