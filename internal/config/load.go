package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultCredentialURL 源码仓库访问令牌的校验地址
const DefaultCredentialURL = "https://api.github.com/repos/realSamy/PyMicroger"

// defaultYAMLConfig 代码内置默认值
func defaultYAMLConfig() YAMLConfig {
	return YAMLConfig{
		APIServer: APIServerConfig{Port: "8080"},
		Database:  DatabaseConfig{Driver: "sqlite", Path: "appdeploy.db", Host: "localhost", Port: 5432, User: "appdeploy", Name: "appdeploy", SSLMode: "disable"},
		Etcd:      EtcdConfig{Prefix: "/appdeploy", DialTimeout: 5 * time.Second, LockTTL: 30 * time.Second},
		MinIO:     MinIOConfig{Bucket: "appdeploy"},
		Auth:      AuthConfig{AccessTokenTTL: "15m"},
		Log:       LogConfig{Level: "info", Format: "text"},
		Provision: ProvisionConfig{
			CredentialURL:     DefaultCredentialURL,
			CredentialTimeout: 10 * time.Second,
			SSHDialTimeout:    10 * time.Second,
			MaxStageAttempts:  5,
			RetryDelay:        2 * time.Second,
			MaxRetryDelay:     30 * time.Second,
			RetryMultiplier:   2,
			SourceRepos: SourceReposConfig{
				Backend:  "github.com/realSamy/PyMicroger",
				Frontend: "github.com/realSamy/VueMicroger",
			},
			AppAccount: "microger",
		},
	}
}

// Load 加载配置
//  1. 加载 .env.{env}（敏感信息）
//  2. 根据 APP_ENV 加载 {env}.yaml
//  3. 环境变量覆盖，构建最终配置
func Load() *Config {
	env := parseEnv(getEnv("APP_ENV", "dev"))
	loadEnvFiles(env)

	y := loadYAMLConfig(env)
	return build(env, y)
}

// LoadFromFile 从指定 YAML 文件加载（CLI 与测试使用），环境变量覆盖规则相同
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	y := &yamlConfigInternal{YAMLConfig: defaultYAMLConfig(), loadedFrom: path}
	if err := yaml.Unmarshal(data, &y.YAMLConfig); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	env := parseEnv(getEnv("APP_ENV", "dev"))
	cfg := build(env, y)
	return cfg, cfg.Validate()
}

// loadYAMLConfig 加载 YAML 配置文件，找不到时使用默认值
func loadYAMLConfig(env Environment) *yamlConfigInternal {
	cfg := &yamlConfigInternal{YAMLConfig: defaultYAMLConfig()}

	path := findConfigFile()
	if path == "" {
		return cfg
	}
	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] Failed to read %s: %v", path, err)
		return cfg
	}
	if err := yaml.Unmarshal(data, &cfg.YAMLConfig); err != nil {
		log.Printf("[config] Failed to parse %s: %v", path, err)
		return cfg
	}
	cfg.loadedFrom = path
	log.Printf("[config] Loaded %s (env=%s)", path, env)
	return cfg
}

// build 合并 YAML 与环境变量
func build(env Environment, y *yamlConfigInternal) *Config {
	db := y.Database
	db.Password = firstEnv("DB_PASSWORD", "MONGO_ROOT_PASSWORD")
	if d := os.Getenv("DB_DRIVER"); d != "" {
		db.Driver = d
	}
	if p := os.Getenv("SQLITE_PATH"); p != "" {
		db.Path = p
	}

	databaseURL := os.Getenv("DATABASE_URL")
	driver := detectDatabaseDriver(db.Driver, databaseURL)
	db.Driver = driver
	if databaseURL == "" {
		databaseURL = buildDatabaseURL(db, db.Password)
	}

	redis := y.Redis
	redis.Password = os.Getenv("REDIS_PASSWORD")
	redisURL := getEnv("REDIS_URL", buildRedisURL(redis))

	etcd := y.Etcd
	if eps := os.Getenv("ETCD_ENDPOINTS"); eps != "" {
		etcd.Endpoints = strings.Split(eps, ",")
	}

	minio := y.MinIO
	minio.Endpoint = getEnv("MINIO_ENDPOINT", minio.Endpoint)
	minio.AccessKey = os.Getenv("MINIO_ROOT_USER")
	minio.SecretKey = os.Getenv("MINIO_ROOT_PASSWORD")

	auth := y.Auth
	auth.JWTSecret = os.Getenv("JWT_SECRET")

	apiServer := y.APIServer
	apiServer.Port = firstEnv("API_PORT", "PORT")
	if apiServer.Port == "" {
		apiServer.Port = y.APIServer.Port
	}
	apiServer.TLSCertFile = getEnv("TLS_CERT_FILE", apiServer.TLSCertFile)
	apiServer.TLSKeyFile = getEnv("TLS_KEY_FILE", apiServer.TLSKeyFile)

	logCfg := y.Log
	logCfg.Level = getEnv("LOG_LEVEL", logCfg.Level)
	logCfg.Format = getEnv("LOG_FORMAT", logCfg.Format)

	prov := y.Provision
	prov.CredentialURL = getEnv("CREDENTIAL_URL", prov.CredentialURL)
	prov.BroadcastEvents = getEnvBool("BROADCAST_EVENTS", prov.BroadcastEvents)

	return &Config{
		Env:            env,
		DatabaseDriver: driver,
		DatabaseURL:    databaseURL,
		DatabaseDBName: db.Name,
		RedisURL:       redisURL,
		APIServer:      apiServer,
		Etcd:           etcd,
		MinIO:          minio,
		Auth:           auth,
		Log:            logCfg,
		Provision:      prov,
		ConfigFilePath: y.loadedFrom,
	}
}

// Validate 校验最终配置
func (c *Config) Validate() error {
	if c.Provision.MaxStageAttempts < 1 {
		return fmt.Errorf("provision.max_stage_attempts must be >= 1, got %d", c.Provision.MaxStageAttempts)
	}
	if c.Provision.RetryMultiplier < 1 {
		return fmt.Errorf("provision.retry_multiplier must be >= 1, got %g", c.Provision.RetryMultiplier)
	}
	if c.Provision.CredentialURL == "" {
		return fmt.Errorf("provision.credential_url is required")
	}
	if c.Provision.SourceRepos.Backend == "" || c.Provision.SourceRepos.Frontend == "" {
		return fmt.Errorf("provision.source_repos.backend and frontend are required")
	}
	if c.Provision.AppAccount == "" {
		return fmt.Errorf("provision.app_account is required")
	}
	if c.MinIO.Endpoint != "" && (c.MinIO.AccessKey == "" || c.MinIO.SecretKey == "") {
		return fmt.Errorf("minio endpoint set but MINIO_ROOT_USER / MINIO_ROOT_PASSWORD missing")
	}
	if (c.APIServer.TLSCertFile == "") != (c.APIServer.TLSKeyFile == "") {
		return fmt.Errorf("api_server.tls_cert_file and tls_key_file must be set together")
	}
	if _, err := time.ParseDuration(c.Auth.AccessTokenTTL); err != nil {
		return fmt.Errorf("auth.access_token_ttl: %w", err)
	}
	return nil
}
