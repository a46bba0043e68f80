package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"VaultOps/pkg/logger"
)

// Config 描述了 vaultctl 与 vaultopsd 启动阶段需要加载的全部配置。
type Config struct {
	Network   NetworkConfig   `json:"network"`
	Web3      Web3Config      `json:"web3"`
	Accounts  AccountsConfig  `json:"accounts"`
	Paths     PathsConfig     `json:"paths"`
	Deploy    DeployConfig    `json:"deploy"`
	Verify    VerifyConfig    `json:"verify"`
	Storage   StorageConfig   `json:"storage"`
	TaskQueue TaskQueueConfig `json:"task_queue"`
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth"`
	Alerting  AlertingConfig  `json:"alerting"`
	Telemetry TelemetryConfig `json:"telemetry"`
	Logging   logger.Config   `json:"logging"`
}

// NetworkConfig 指定当前操作的目标网络。
type NetworkConfig struct {
	Name    string `json:"name"`
	ChainID int64  `json:"chain_id"`
	// Fork 表示 RPC 端点是主网分叉节点，对应 FORK=true。
	Fork bool `json:"fork"`
	// Test / SmokeTest 对应 IS_TEST 与 SMOKE_TEST 环境变量。
	Test      bool `json:"test"`
	SmokeTest bool `json:"smoke_test"`
}

// Web3Config 描述链客户端注册表。
type Web3Config struct {
	ChainConfig  string `json:"chain_config"`
	DefaultChain string `json:"default_chain"`
	RPCURL       string `json:"rpc_url"`
}

// AccountConfig 描述一个命名账户。PrivateKeyEnv 为空时账户以解锁方式发送交易。
type AccountConfig struct {
	Address       string `json:"address"`
	PrivateKeyEnv string `json:"private_key_env"`
}

// AccountsConfig 对应 deployer/governor/guardian/adjuster/strategist 五个命名账户。
type AccountsConfig struct {
	Deployer   AccountConfig `json:"deployer"`
	Governor   AccountConfig `json:"governor"`
	Guardian   AccountConfig `json:"guardian"`
	Adjuster   AccountConfig `json:"adjuster"`
	Strategist AccountConfig `json:"strategist"`
	// Proposer 在 submit 模式下调用 governor.propose。
	Proposer AccountConfig `json:"proposer"`
}

// PathsConfig 指定构建产物、部署记录与输出目录。
type PathsConfig struct {
	Artifacts   string `json:"artifacts"`
	Deployments string `json:"deployments"`
	Output      string `json:"output"`
}

// DeployConfig 控制部署步骤的执行方式。
type DeployConfig struct {
	// ProposalMode 取值 print/submit/impersonate/direct/governor，为空时按网络推断。
	ProposalMode   string        `json:"proposal_mode"`
	WeightsFile    string        `json:"weights_file"`
	ConfirmTimeout time.Duration `json:"confirm_timeout"`
	GasLimit       uint64        `json:"gas_limit"`
	NewGovernor    string        `json:"new_governor"`
}

// VerifyConfig 控制区块浏览器源码验证。
type VerifyConfig struct {
	Enabled     bool   `json:"enabled"`
	APIURL      string `json:"api_url"`
	APIKeyEnv   string `json:"api_key_env"`
	SourcesDir  string `json:"sources_dir"`
	Concurrency int    `json:"concurrency"`
}

// StorageConfig 统一描述部署记录与任务存储的后端。
type StorageConfig struct {
	Deployments DeploymentStoreConfig `json:"deployments"`
	TaskStore   TaskStoreConfig       `json:"task_store"`
}

// DeploymentStoreConfig 支持 file 与 mysql 两种驱动。
type DeploymentStoreConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// TaskStoreConfig 支持 memory 与 mysql 两种驱动。
type TaskStoreConfig struct {
	Driver          string        `json:"driver"`
	DSN             string        `json:"dsn"`
	MaxOpenConns    int           `json:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
	Retries         int           `json:"retries"`
}

// TaskQueueConfig 描述作业队列。
type TaskQueueConfig struct {
	Driver   string         `json:"driver"`
	Buffer   int            `json:"buffer"`
	Workers  int            `json:"workers"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 对应 redis 队列的连接信息。
type RedisConfig struct {
	Address   string        `json:"address"`
	Password  string        `json:"password"`
	DB        int           `json:"db"`
	Queue     string        `json:"queue"`
	BlockWait time.Duration `json:"block_wait"`
}

// RabbitMQConfig 对应 rabbitmq 队列的连接信息。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// ServerConfig 控制 API 服务的监听地址。MetricsAddress 非空时另起独立的指标端口。
type ServerConfig struct {
	Address        string `json:"address"`
	MetricsAddress string `json:"metrics_address"`
}

// AuthConfig 配置静态 API 令牌。
type AuthConfig struct {
	Enabled bool                `json:"enabled"`
	Tokens  []APITokenConfig    `json:"tokens"`
	Roles   map[string][]string `json:"roles"`
}

// APITokenConfig 描述一个令牌及其角色，TokenEnv 优先于 Token。
type APITokenConfig struct {
	Subject  string   `json:"subject"`
	Token    string   `json:"token"`
	TokenEnv string   `json:"token_env"`
	Roles    []string `json:"roles"`
}

// AlertingConfig 配置告警 Webhook。
type AlertingConfig struct {
	SlackWebhook    string `json:"slack_webhook"`
	DingTalkWebhook string `json:"dingtalk_webhook"`
	EmailWebhook    string `json:"email_webhook"`
	EmailTo         string `json:"email_to"`
}

// TelemetryConfig 配置 OpenTelemetry 导出。
type TelemetryConfig struct {
	ServiceName string            `json:"service_name"`
	Endpoint    string            `json:"endpoint"`
	Insecure    bool              `json:"insecure"`
	Headers     map[string]string `json:"headers"`
}

// Load 负责解析指定路径的 JSON 配置文件，随后叠加环境变量并补齐默认值。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.ApplyEnv(os.Getenv)
	cfg.applyDefaults(filepath.Dir(path))
	return &cfg, nil
}

// Default 返回不依赖配置文件的默认配置，适用于本地开发链。
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyEnv(os.Getenv)
	cfg.applyDefaults(".")
	return cfg
}

// ApplyEnv 用环境变量覆盖配置文件中的值。
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := strings.TrimSpace(getenv("NETWORK")); v != "" {
		c.Network.Name = v
	}
	if v := getenv("FORK"); v != "" {
		c.Network.Fork = v == "true"
	}
	if v := getenv("IS_TEST"); v != "" {
		c.Network.Test = v == "true"
	}
	if v := getenv("SMOKE_TEST"); v != "" {
		c.Network.SmokeTest = v == "true"
	}
	if v := getenv("VERIFY_ON_EXPLORER"); v != "" {
		c.Verify.Enabled = v == "true"
	}
	if v := strings.TrimSpace(getenv("RPC_URL")); v != "" {
		c.Web3.RPCURL = v
	}
	if v := strings.TrimSpace(getenv("CHAIN_ID")); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Network.ChainID = id
		}
	}
}

func (c *Config) applyDefaults(baseDir string) {
	if c.Network.Name == "" {
		c.Network.Name = "localhost"
	}
	if c.Web3.RPCURL == "" && c.Web3.ChainConfig == "" {
		c.Web3.RPCURL = "http://127.0.0.1:8545"
	}
	if c.Web3.ChainConfig != "" && !filepath.IsAbs(c.Web3.ChainConfig) {
		c.Web3.ChainConfig = filepath.Join(baseDir, c.Web3.ChainConfig)
	}
	if c.Web3.DefaultChain == "" {
		c.Web3.DefaultChain = c.Network.Name
	}

	defaultKeyEnv(&c.Accounts.Deployer, "DEPLOYER_PK")
	defaultKeyEnv(&c.Accounts.Governor, "GOVERNOR_PK")
	defaultKeyEnv(&c.Accounts.Guardian, "GUARDIAN_PK")
	defaultKeyEnv(&c.Accounts.Adjuster, "ADJUSTER_PK")
	defaultKeyEnv(&c.Accounts.Strategist, "STRATEGIST_PK")
	defaultKeyEnv(&c.Accounts.Proposer, "PROPOSER_PK")

	c.Paths.Artifacts = resolvePath(baseDir, c.Paths.Artifacts, "artifacts")
	c.Paths.Deployments = resolvePath(baseDir, c.Paths.Deployments, "deployments")
	c.Paths.Output = resolvePath(baseDir, c.Paths.Output, "output")

	if c.Deploy.ConfirmTimeout <= 0 {
		c.Deploy.ConfirmTimeout = 5 * time.Minute
	}
	if c.Deploy.WeightsFile != "" && !filepath.IsAbs(c.Deploy.WeightsFile) {
		c.Deploy.WeightsFile = filepath.Join(baseDir, c.Deploy.WeightsFile)
	}

	if c.Verify.APIURL == "" {
		c.Verify.APIURL = "https://api.polygonscan.com/api"
	}
	if c.Verify.APIKeyEnv == "" {
		c.Verify.APIKeyEnv = "POLYGONSCAN_API_KEY"
	}
	if c.Verify.Concurrency <= 0 {
		c.Verify.Concurrency = 4
	}

	if c.Storage.Deployments.Driver == "" {
		c.Storage.Deployments.Driver = "file"
	}
	if c.Storage.TaskStore.Driver == "" {
		c.Storage.TaskStore.Driver = "memory"
	}
	if c.Storage.TaskStore.Retries <= 0 {
		c.Storage.TaskStore.Retries = 3
	}

	if c.TaskQueue.Driver == "" {
		c.TaskQueue.Driver = "memory"
	}
	if c.TaskQueue.Buffer <= 0 {
		c.TaskQueue.Buffer = 1024
	}
	if c.TaskQueue.Workers <= 0 {
		c.TaskQueue.Workers = 2
	}
	if c.TaskQueue.Redis.Queue == "" {
		c.TaskQueue.Redis.Queue = "vaultops:jobs"
	}
	if c.TaskQueue.RabbitMQ.Queue == "" {
		c.TaskQueue.RabbitMQ.Queue = "vaultops.jobs"
	}

	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "vaultops"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path != "" && !filepath.IsAbs(c.Logging.Audit.Path) {
		c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
	}
}

func defaultKeyEnv(acc *AccountConfig, env string) {
	if acc.PrivateKeyEnv == "" {
		acc.PrivateKeyEnv = env
	}
}

func resolvePath(baseDir, value, fallback string) string {
	if value == "" {
		value = fallback
	}
	if filepath.IsAbs(value) {
		return value
	}
	return filepath.Join(baseDir, value)
}
