// Package model 定义核心数据模型
//
// deployment.go 包含部署相关的数据模型定义：
//   - DeploymentConfig：单次部署请求携带的完整配置（瞬态）
//   - DeploymentRecord：按主机持久化的部署检查点
package model

import (
	"fmt"
	"net/mail"
	"strings"
	"time"
)

// TotalStages 流水线阶段总数
const TotalStages = 12

const (
	DefaultSSHPort  = 22
	DefaultSSHUser  = "root"
	DefaultAppEmail = "admin@admin.com"
)

// ============================================================================
// DeploymentConfig - 部署配置
// ============================================================================

// AppConfig 应用账号与域名
type AppConfig struct {
	UserDomain  string `json:"userDomain" yaml:"user_domain"`
	AdminDomain string `json:"adminDomain" yaml:"admin_domain"`
	Username    string `json:"username" yaml:"username"`
	Password    string `json:"password" yaml:"password"`
	Email       string `json:"email,omitempty" yaml:"email"`
}

// DatabaseConfig 应用数据库连接参数
type DatabaseConfig struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Name     string `json:"name" yaml:"name"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
}

// BrokerConfig 消息代理凭据
type BrokerConfig struct {
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	VHost    string `json:"vhost" yaml:"vhost"`
}

// DeploymentConfig 一次部署的完整输入
//
// 只在构造时校验一次，阶段执行期间不再重复校验
type DeploymentConfig struct {
	Host       string         `json:"host" yaml:"host"`
	Port       int            `json:"port,omitempty" yaml:"port"`
	Username   string         `json:"username,omitempty" yaml:"username"`
	Password   string         `json:"password" yaml:"password"`
	PrivateKey string         `json:"private_key,omitempty" yaml:"private_key"`
	GithubKey  string         `json:"github_key" yaml:"github_key"`
	App        AppConfig      `json:"app" yaml:"app"`
	Database   DatabaseConfig `json:"database" yaml:"database"`
	Broker     BrokerConfig   `json:"broker" yaml:"broker"`
}

// ValidationError 配置缺失或非法
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid deployment config: %s", strings.Join(e.Fields, ", "))
}

// ApplyDefaults 填充端口、用户名与邮箱默认值
func (c *DeploymentConfig) ApplyDefaults() {
	if c.Port == 0 {
		c.Port = DefaultSSHPort
	}
	if c.Username == "" {
		c.Username = DefaultSSHUser
	}
	if c.App.Email == "" {
		c.App.Email = DefaultAppEmail
	}
}

// Validate 检查所有阶段需要的字段是否齐全
func (c *DeploymentConfig) Validate() error {
	var missing []string
	require := func(name, v string) {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}

	require("host", c.Host)
	require("username", c.Username)
	if c.Password == "" && c.PrivateKey == "" {
		missing = append(missing, "password")
	}
	require("github_key", c.GithubKey)

	require("app.userDomain", c.App.UserDomain)
	require("app.adminDomain", c.App.AdminDomain)
	require("app.username", c.App.Username)
	require("app.password", c.App.Password)
	if c.App.Email != "" {
		if _, err := mail.ParseAddress(c.App.Email); err != nil {
			missing = append(missing, "app.email")
		}
	}

	require("database.host", c.Database.Host)
	require("database.name", c.Database.Name)
	require("database.username", c.Database.Username)
	require("database.password", c.Database.Password)
	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		missing = append(missing, "database.port")
	}

	require("broker.username", c.Broker.Username)
	require("broker.password", c.Broker.Password)
	require("broker.vhost", c.Broker.VHost)

	if c.Port < 0 || c.Port > 65535 {
		missing = append(missing, "port")
	}

	if len(missing) > 0 {
		return &ValidationError{Fields: missing}
	}
	return nil
}

// Addr 返回 host:port
func (c *DeploymentConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Record 由配置生成待 upsert 的检查点记录（stage 由存储层保留）
func (c *DeploymentConfig) Record() *DeploymentRecord {
	return &DeploymentRecord{
		Host:           c.Host,
		Port:           c.Port,
		User:           c.Username,
		Password:       c.Password,
		MainDomain:     c.App.UserDomain,
		AdminDomain:    c.App.AdminDomain,
		AppUser:        c.App.Username,
		AppPassword:    c.App.Password,
		AppEmail:       c.App.Email,
		DBHost:         c.Database.Host,
		DBPort:         c.Database.Port,
		DBName:         c.Database.Name,
		DBUser:         c.Database.Username,
		DBPassword:     c.Database.Password,
		BrokerUser:     c.Broker.Username,
		BrokerPassword: c.Broker.Password,
		BrokerVHost:    c.Broker.VHost,
	}
}

// ============================================================================
// DeploymentRecord - 部署检查点
// ============================================================================

// DeploymentRecord 每个主机一条，Stage 表示已完成的最后一个阶段
//
// Stage = 0 表示尚未开始；Stage = k 表示 1..k 阶段均已按序成功
type DeploymentRecord struct {
	Host           string    `json:"host" bson:"_id" db:"host"`
	Port           int       `json:"port" bson:"port" db:"port"`
	User           string    `json:"user" bson:"user" db:"user"`
	Password       string    `json:"-" bson:"password" db:"password"`
	MainDomain     string    `json:"main_domain" bson:"main_domain" db:"main_domain"`
	AdminDomain    string    `json:"admin_domain" bson:"admin_domain" db:"admin_domain"`
	AppUser        string    `json:"app_user" bson:"app_user" db:"app_user"`
	AppPassword    string    `json:"-" bson:"app_password" db:"app_password"`
	AppEmail       string    `json:"app_email" bson:"app_email" db:"app_email"`
	DBHost         string    `json:"db_host" bson:"db_host" db:"db_host"`
	DBPort         int       `json:"db_port" bson:"db_port" db:"db_port"`
	DBName         string    `json:"db_name" bson:"db_name" db:"db_name"`
	DBUser         string    `json:"db_user" bson:"db_user" db:"db_user"`
	DBPassword     string    `json:"-" bson:"db_password" db:"db_password"`
	BrokerUser     string    `json:"br_user" bson:"br_user" db:"br_user"`
	BrokerPassword string    `json:"-" bson:"br_password" db:"br_password"`
	BrokerVHost    string    `json:"br_vhost" bson:"br_vhost" db:"br_vhost"`
	Stage          int       `json:"stage" bson:"stage" db:"stage"`
	CreatedAt      time.Time `json:"created_at" bson:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" bson:"updated_at" db:"updated_at"`
}

// Completed 是否所有阶段均已完成
func (r *DeploymentRecord) Completed() bool {
	return r.Stage >= TotalStages
}
