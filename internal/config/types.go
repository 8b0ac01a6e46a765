// Package config 统一配置管理
//
// 配置加载优先级（高→低）：
//  1. 环境变量（通过 .env 文件或 shell/systemd 注入）
//  2. YAML 配置文件（{env}.yaml，如 dev.yaml、test.yaml、prod.yaml）
//  3. 代码硬编码默认值
//
// 凭据单一数据源：
//
//	密码/密钥只存在 .env 文件或环境变量中（YAML 中不存储任何密码）。
//
// 配置路径确定策略：
//  1. --config 命令行参数（显式路径）
//  2. CONFIG_DIR 环境变量
//  3. 按 APP_ENV 选择默认路径：
//     - prod → /etc/appdeploy/
//     - dev/test → ./configs/
package config

import "time"

// Environment 环境类型
type Environment string

const (
	EnvProduction  Environment = "prod"
	EnvTest        Environment = "test"
	EnvDevelopment Environment = "dev"
)

// YAMLConfig 统一 YAML 配置文件结构
type YAMLConfig struct {
	APIServer APIServerConfig `yaml:"api_server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Etcd      EtcdConfig      `yaml:"etcd"`
	MinIO     MinIOConfig     `yaml:"minio"`
	Auth      AuthConfig      `yaml:"auth"`
	Log       LogConfig       `yaml:"log"`
	Provision ProvisionConfig `yaml:"provision"`
}

// APIServerConfig API Server 配置
type APIServerConfig struct {
	Port        string   `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
	TLSCertFile string   `yaml:"tls_cert_file"` // 与 tls_key_file 同时设置时启用 HTTPS
	TLSKeyFile  string   `yaml:"tls_key_file"`
}

// AuthConfig 认证配置
// JWTSecret 只从 JWT_SECRET 环境变量读取，为空时关闭认证
type AuthConfig struct {
	JWTSecret      string `yaml:"-"`
	AccessTokenTTL string `yaml:"access_token_ttl"` // 例如 "15m"
}

type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "sqlite"（默认）、"postgres"、"mongodb" 或 "memory"
	Path     string `yaml:"path"`   // SQLite 文件路径
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"-"` // 只从环境变量读取（DB_PASSWORD / MONGO_ROOT_PASSWORD）
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`
	URI      string `yaml:"uri"` // MongoDB 连接 URI（优先于 host/port）
}

// RedisConfig Redis 配置，host 与 url 均为空时不启用
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DB       int    `yaml:"db"`
	Password string `yaml:"-"`   // 只从 REDIS_PASSWORD 环境变量读取
	URL      string `yaml:"url"` // 直接指定 URL（优先于 host/port/db）
}

// EtcdConfig etcd 配置，endpoints 为空时不启用
type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	Prefix      string        `yaml:"prefix"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	LockTTL     time.Duration `yaml:"lock_ttl"`
}

// MinIOConfig MinIO 对象存储配置，endpoint 为空时不归档
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"` // 例如 localhost:9000
	AccessKey string `yaml:"-"`        // 只从 MINIO_ROOT_USER 环境变量读取
	SecretKey string `yaml:"-"`        // 只从 MINIO_ROOT_PASSWORD 环境变量读取
	UseSSL    bool   `yaml:"use_ssl"`
	Bucket    string `yaml:"bucket"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json 或 text
}

// SourceReposConfig 应用源码仓库（不含协议与凭据）
type SourceReposConfig struct {
	Backend  string `yaml:"backend"`  // 例如 github.com/realSamy/PyMicroger
	Frontend string `yaml:"frontend"` // 例如 github.com/realSamy/VueMicroger
}

// ProvisionConfig 部署流水线配置
type ProvisionConfig struct {
	CredentialURL     string            `yaml:"credential_url"`
	CredentialTimeout time.Duration     `yaml:"credential_timeout"`
	SSHDialTimeout    time.Duration     `yaml:"ssh_dial_timeout"`
	MaxStageAttempts  int               `yaml:"max_stage_attempts"`
	RetryDelay        time.Duration     `yaml:"retry_delay"`
	MaxRetryDelay     time.Duration     `yaml:"max_retry_delay"`
	RetryMultiplier   float64           `yaml:"retry_multiplier"` // 每次重试后等待时间的倍数
	BroadcastEvents   bool              `yaml:"broadcast_events"`
	SourceRepos       SourceReposConfig `yaml:"source_repos"`
	AppAccount        string            `yaml:"app_account"` // 目标主机上的服务账号
}

// Config 应用配置（最终使用的配置）
type Config struct {
	Env            Environment
	DatabaseDriver string // "sqlite", "postgres", "mongodb" 或 "memory"
	DatabaseURL    string
	DatabaseDBName string // MongoDB 数据库名称
	RedisURL       string // 为空表示使用进程内事件总线
	APIServer      APIServerConfig
	Etcd           EtcdConfig
	MinIO          MinIOConfig
	Auth           AuthConfig
	Log            LogConfig
	Provision      ProvisionConfig
	ConfigFilePath string // 实际加载的配置文件路径
}

// yamlConfigInternal 内部包装，记录配置文件来源（不参与 YAML 序列化）
type yamlConfigInternal struct {
	YAMLConfig `yaml:",inline"`
	loadedFrom string
}
