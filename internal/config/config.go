// Package config 全局配置加载与管理。
//
// 所有字段通过 struct tag 声明环境变量映射:
//
//	`env:"VAR_NAME" default:"value" min:"0"`
//
// Load() 使用反射自动填充，无需手动逐行赋值。
// AGENT_PROFILE_FILE 指向的 YAML agent 描述文件覆盖 Agent* 环境变量。
package config

import (
	"time"

	"github.com/agentqa/test-executor/pkg/util"
)

// 运行历史存储后端。
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// Config 应用全局配置，字段名与 .env 变量一一对应。
type Config struct {
	// HTTP
	HTTPAddr         string `env:"HTTP_ADDR" default:":5000"`
	StrictHTTPStatus bool   `env:"STRICT_HTTP_STATUS" default:"false"`
	ShutdownTimeout  int    `env:"SHUTDOWN_TIMEOUT_SEC" default:"15" min:"1"`

	// 结果目录 (agent 写入, handler 读取)
	ResultsDir    string `env:"RESULTS_DIR" default:"test_results"`
	ResultsPerRun bool   `env:"RESULTS_PER_RUN" default:"true"`

	// Agent
	AgentKind              string   `env:"AGENT_KIND" default:"process"`
	AgentCommand           string   `env:"AGENT_COMMAND" default:"python3"`
	AgentArgs              []string `env:"AGENT_ARGS" default:"-m,Agents.TestExecutorAgent.serve"`
	AgentWorkDir           string   `env:"AGENT_WORKDIR"`
	AgentWSURL             string   `env:"AGENT_WS_URL" default:"ws://127.0.0.1:8765/run"`
	AgentProfileFile       string   `env:"AGENT_PROFILE_FILE"`
	AgentRecursionLimit    int      `env:"AGENT_RECURSION_LIMIT" default:"100" min:"1"`
	AgentRunTimeoutSec     int      `env:"AGENT_RUN_TIMEOUT_SEC" default:"600" min:"1"`
	AgentCloseTimeoutSec   int      `env:"AGENT_CLOSE_TIMEOUT_SEC" default:"10" min:"1"`
	AgentMaxConcurrentRuns int      `env:"AGENT_MAX_CONCURRENT_RUNS" default:"2" min:"1"`

	// 运行历史
	RunStore           string `env:"RUN_STORE" default:"memory"`
	RunHistoryLimit    int    `env:"RUN_HISTORY_LIMIT" default:"500" min:"1"`
	StreamHistoryLimit int    `env:"STREAM_HISTORY_LIMIT" default:"256" min:"1"`

	// PostgreSQL
	PostgresConnStr     string `env:"POSTGRES_CONNECTION_STRING"`
	PostgresSchema      string `env:"POSTGRES_SCHEMA" default:"public"`
	PostgresPoolMinSize int    `env:"POSTGRES_POOL_MIN_SIZE" default:"1" min:"1"`
	PostgresPoolMaxSize int    `env:"POSTGRES_POOL_MAX_SIZE" default:"10" min:"1"`
	MigrationsDir       string `env:"MIGRATIONS_DIR" default:"./migrations"`

	// SQLite
	SQLitePath string `env:"SQLITE_PATH" default:"data/test_runs.db"`

	// 日志
	AppEnv   string `env:"APP_ENV" default:"production"`
	LogLevel string `env:"LOG_LEVEL" default:"INFO"`
	LogDir   string `env:"LOG_DIR"`

	// Profile 从 AgentProfileFile 加载的 agent 描述, 未配置时为 nil。
	Profile *AgentProfile
}

// Load 从环境变量加载配置 (通过反射读取 struct tag)。
// 配置了 AGENT_PROFILE_FILE 时读取并合并 YAML profile。
func Load() (*Config, error) {
	var cfg Config
	util.LoadFromEnv(&cfg)
	if cfg.AgentProfileFile != "" {
		p, err := LoadProfile(cfg.AgentProfileFile)
		if err != nil {
			return nil, err
		}
		cfg.applyProfile(p)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// RunTimeout 单次 run 超时。
func (c *Config) RunTimeout() time.Duration {
	return time.Duration(c.AgentRunTimeoutSec) * time.Second
}

// CloseTimeout executor 关闭超时。
func (c *Config) CloseTimeout() time.Duration {
	return time.Duration(c.AgentCloseTimeoutSec) * time.Second
}

// ShutdownGrace 优雅关闭时长 (HTTP 排空与中止 run 共用)。
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownTimeout) * time.Second
}

// applyProfile profile 中非零字段覆盖环境变量配置。
func (c *Config) applyProfile(p *AgentProfile) {
	c.Profile = p
	c.AgentKind = util.FirstNonEmpty(p.Kind, c.AgentKind)
	c.AgentCommand = util.FirstNonEmpty(p.Command, c.AgentCommand)
	c.AgentWorkDir = util.FirstNonEmpty(p.WorkDir, c.AgentWorkDir)
	c.AgentWSURL = util.FirstNonEmpty(p.WSURL, c.AgentWSURL)
	if len(p.Args) > 0 {
		c.AgentArgs = append([]string(nil), p.Args...)
	}
	if p.RecursionLimit > 0 {
		c.AgentRecursionLimit = p.RecursionLimit
	}
	if p.RunTimeoutSec > 0 {
		c.AgentRunTimeoutSec = p.RunTimeoutSec
	}
}
