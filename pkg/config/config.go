// Package config loads and merges the pipeline's YAML configuration
// documents (spec §6), including policy-pack deep-merge (spec §9).
package config

import (
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/aegis-oss/aegis/pkg/canonicalize"
	"github.com/aegis-oss/aegis/pkg/errs"
)

// Config is the root configuration document (spec §6).
type Config struct {
	Pipeline Pipeline   `yaml:"pipeline"`
	Audit    AuditCfg   `yaml:"audit"`
	RuleFile string     `yaml:"rule_file"`
}

type Pipeline struct {
	Ingest         IngestCfg         `yaml:"ingest"`
	Governance     GovernanceCfg     `yaml:"governance"`
	HumanLoop      HumanLoopCfg      `yaml:"human_loop"`
	RBAC           RBACCfg           `yaml:"rbac"`
	Guardrails     GuardrailsCfg     `yaml:"guardrails"`
	Infrastructure InfrastructureCfg `yaml:"infrastructure"`
	Export         ExportCfg         `yaml:"export"`
}

type IngestCfg struct {
	Mode    string    `yaml:"mode"`
	Tail    TailCfg   `yaml:"tail"`
	Media   MediaCfg  `yaml:"media"`
	Modules ModulesCfg `yaml:"modules"`
}

type TailCfg struct {
	Path            string `yaml:"path"`
	MaxItems        int    `yaml:"max_items"`
	PollIntervalSec int    `yaml:"poll_interval_sec"`
}

type MediaCfg struct {
	Path string `yaml:"path"`
}

type ModulesCfg struct {
	EnableVision  bool `yaml:"enable_vision"`
	EnableAudio   bool `yaml:"enable_audio"`
	EnableThermal bool `yaml:"enable_thermal"`
	EnableGait    bool `yaml:"enable_gait"`
	EnableScene   bool `yaml:"enable_scene"`
}

type GovernanceCfg struct {
	BlockDomains    []string          `yaml:"block_domains"`
	BlockCategories []string          `yaml:"block_categories"`
	SeverityCaps    map[string]string `yaml:"severity_caps"`
	ForbidActions   []string          `yaml:"forbid_actions"`
}

type HumanLoopCfg struct {
	DefaultRequireApproval   bool     `yaml:"default_require_approval"`
	DomainRequireApproval    []string `yaml:"domain_require_approval"`
	AutoApprove              bool     `yaml:"auto_approve"`
	AllowUnsignedAutoApprove bool     `yaml:"allow_unsigned_auto_approve"`
	Approver                 string   `yaml:"approver"`
}

type Approver struct {
	ID     string   `yaml:"id"`
	Secret string   `yaml:"secret"`
	Roles  []string `yaml:"roles"`
}

type ActiveApprover struct {
	ID    string `yaml:"id"`
	Token string `yaml:"token"`
}

type ActionRequirement struct {
	RequiredRoles []string `yaml:"required_roles"`
	MinApprovals  int      `yaml:"min_approvals"`
}

type RBACCfg struct {
	Approvers          []Approver                   `yaml:"approvers"`
	ActiveApprovers     []ActiveApprover              `yaml:"active_approvers"`
	MinApprovals        int                           `yaml:"min_approvals"`
	RequiredRoles        map[string][]string           `yaml:"required_roles"`
	ActionRequirements   map[string]ActionRequirement  `yaml:"action_requirements"`
}

type AssetPattern struct {
	Pattern string `yaml:"pattern"`
	N       int    `yaml:"n"`
}

type RateLimits struct {
	PerEvent               int            `yaml:"per_event"`
	PerDomain              map[string]int `yaml:"per_domain"`
	Total                  int            `yaml:"total"`
	PerAssetInfra          map[string]int `yaml:"per_asset_infra"`
	PerAssetInfraPatterns  []AssetPattern `yaml:"per_asset_infra_patterns"`
}

type RiskBudget struct {
	Max       int `yaml:"max"`
	WindowSec int `yaml:"window_sec"`
}

type GuardrailsCfg struct {
	RateLimits           RateLimits            `yaml:"rate_limits"`
	RiskBudgets          map[string]RiskBudget `yaml:"risk_budgets"`
	RiskBackoffBaseSec   int                   `yaml:"risk_backoff_base_sec"`
	RiskStorePath        string                `yaml:"risk_store_path"`
	HealthAlertDropRatio float64               `yaml:"health_alert_drop_ratio"`
}

type InfraTaskTemplate struct {
	Action             string   `yaml:"action"`
	AssetID            string   `yaml:"asset_id"`
	InfrastructureType string   `yaml:"infrastructure_type"`
	AssigneeDomain     string   `yaml:"assignee_domain"`
	RequiredRoles      []string `yaml:"required_roles,omitempty"`
	MinApprovals       int      `yaml:"min_approvals,omitempty"`
}

type InfraMapping struct {
	Match struct {
		Category string `yaml:"category"`
		Domain   string `yaml:"domain"`
	} `yaml:"match"`
	Tasks []InfraTaskTemplate `yaml:"tasks"`
}

type InfrastructureCfg struct {
	Mappings       []InfraMapping               `yaml:"mappings"`
	ActionDefaults map[string]ActionRequirement `yaml:"action_defaults"`
}

type TaskJSONLCfg struct {
	Path          string `yaml:"path"`
	RotateMaxBytes int64  `yaml:"rotate_max_bytes"`
}

type HTTPForwardCfg struct {
	URL            string  `yaml:"url"`
	TimeoutSeconds float64 `yaml:"timeout_seconds"`
	Retries        int     `yaml:"retries"`
	BackoffSeconds float64 `yaml:"backoff_seconds"`
	DLQPath        string  `yaml:"dlq_path"`
}

type InfrastructureExportCfg struct {
	Path           string          `yaml:"path"`
	RotateMaxBytes int64           `yaml:"rotate_max_bytes"`
	HTTP           *HTTPForwardCfg `yaml:"http,omitempty"`
}

type WebhookCfg struct {
	URL            string  `yaml:"url"`
	TimeoutSeconds float64 `yaml:"timeout_seconds"`
	Retries        int     `yaml:"retries"`
	BackoffSeconds float64 `yaml:"backoff_seconds"`
	DLQPath        string  `yaml:"dlq_path"`
	Exponential    bool    `yaml:"exponential"`
}

type ExportCfg struct {
	Formats        []string                `yaml:"formats"`
	OutDir         string                  `yaml:"-"` // set from --out, not the document
	TaskJSONL      TaskJSONLCfg            `yaml:"task_jsonl"`
	Infrastructure InfrastructureExportCfg `yaml:"infrastructure"`
	Webhook        WebhookCfg              `yaml:"webhook"`
}

type AuditCfg struct {
	Path           string `yaml:"path"`
	Actor          string `yaml:"actor"`
	SignSecret     string `yaml:"sign_secret"`
	VerifyOnStart  bool   `yaml:"verify_on_start"`
	RequireSigning bool   `yaml:"require_signing"`
}

// Load reads the base config document at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Config(path, "failed to read config: %v", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, errs.Config(path, "failed to parse config: %v", err)
	}
	return &cfg, nil
}

// LoadWithPolicyPack loads the base config then deep-merges an optional
// policy pack onto it (spec §6/§9): leaf lists are replaced wholesale, not
// concatenated; maps merge recursively.
func LoadWithPolicyPack(basePath, packPath string) (*Config, string, error) {
	baseRaw, err := os.ReadFile(basePath)
	if err != nil {
		return nil, "", errs.Config(basePath, "failed to read config: %v", err)
	}

	var baseMap map[string]interface{}
	if err := yaml.Unmarshal(baseRaw, &baseMap); err != nil {
		return nil, "", errs.Config(basePath, "failed to parse config: %v", err)
	}

	merged := baseMap
	if packPath != "" {
		packRaw, err := os.ReadFile(packPath)
		if err != nil {
			return nil, "", errs.Config(packPath, "failed to read policy pack: %v", err)
		}
		var packMap map[string]interface{}
		if err := yaml.Unmarshal(packRaw, &packMap); err != nil {
			return nil, "", errs.Config(packPath, "failed to parse policy pack: %v", err)
		}
		merged = DeepMerge(baseMap, packMap)
	}

	out, err := yaml.Marshal(merged)
	if err != nil {
		return nil, "", errs.Config(basePath, "failed to re-serialize merged config: %v", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(out, &cfg); err != nil {
		return nil, "", errs.Config(basePath, "failed to decode merged config: %v", err)
	}

	hash, err := canonicalize.CanonicalHash(merged)
	if err != nil {
		return nil, "", errs.Config(basePath, "failed to hash merged config: %v", err)
	}

	return &cfg, hash, nil
}

// DeepMerge merges overlay onto base: nested maps merge key-by-key,
// everything else (including lists) in overlay replaces the base value.
func DeepMerge(base, overlay map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base))
	for k, v := range base {
		out[k] = v
	}
	for k, ov := range overlay {
		if bv, ok := out[k]; ok {
			bm, bIsMap := asMap(bv)
			om, oIsMap := asMap(ov)
			if bIsMap && oIsMap {
				out[k] = DeepMerge(bm, om)
				continue
			}
		}
		out[k] = ov
	}
	return out
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case map[interface{}]interface{}:
		converted := make(map[string]interface{}, len(m))
		for k, val := range m {
			ks, ok := k.(string)
			if !ok {
				return nil, false
			}
			converted[ks] = val
		}
		return converted, true
	default:
		return nil, false
	}
}

// SortedDomains returns the keys of a per_domain-style map in stable order,
// for deterministic iteration over caps (spec §5).
func SortedDomains(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
