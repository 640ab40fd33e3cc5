package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	apperrors "github.com/agentqa/test-executor/pkg/errors"
)

// Agent 传输类型。
const (
	AgentKindProcess = "process" // 子进程, stdin/stdout NDJSON
	AgentKindWS      = "ws"      // 远端 agent 服务, WebSocket
)

// AgentProfile YAML agent 描述文件。
//
//	kind: process
//	command: python3
//	args: ["-m", "Agents.TestExecutorAgent.serve"]
//	env:
//	  OPENAI_API_KEY: ${OPENAI_API_KEY}
//	workdir: /srv/agents
//	recursion_limit: 100
type AgentProfile struct {
	Kind           string            `yaml:"kind"`
	Command        string            `yaml:"command"`
	Args           []string          `yaml:"args"`
	Env            map[string]string `yaml:"env"`
	WorkDir        string            `yaml:"workdir"`
	WSURL          string            `yaml:"ws_url"`
	Headers        map[string]string `yaml:"headers"`
	RecursionLimit int               `yaml:"recursion_limit"`
	RunTimeoutSec  int               `yaml:"run_timeout_sec"`
}

// LoadProfile 读取并解析 YAML profile。env 值支持 ${VAR} 展开。
func LoadProfile(path string) (*AgentProfile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Wrapf(err, "config.LoadProfile", "read %s", path)
	}
	p, err := ParseProfile(raw)
	if err != nil {
		return nil, apperrors.Wrapf(err, "config.LoadProfile", "parse %s", path)
	}
	return p, nil
}

// ParseProfile 解析 YAML 内容, 拒绝未知字段。
func ParseProfile(raw []byte) (*AgentProfile, error) {
	var p AgentProfile
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	for k, v := range p.Env {
		p.Env[k] = os.ExpandEnv(v)
	}
	for k, v := range p.Headers {
		p.Headers[k] = os.ExpandEnv(v)
	}
	p.Kind = strings.ToLower(strings.TrimSpace(p.Kind))
	if p.RecursionLimit < 0 || p.RunTimeoutSec < 0 {
		return nil, apperrors.WithCode(apperrors.ErrInvalidInput, "config.ParseProfile", apperrors.CodeValidation,
			"recursion_limit and run_timeout_sec must be non-negative")
	}
	return &p, nil
}

// EnvList 返回 KEY=VALUE 列表 (供 exec.Cmd.Env 追加)。
func (p *AgentProfile) EnvList() []string {
	if p == nil {
		return nil
	}
	out := make([]string, 0, len(p.Env))
	for k, v := range p.Env {
		out = append(out, k+"="+v)
	}
	return out
}

// Validate 校验组合后的配置。
func (c *Config) Validate() error {
	switch c.AgentKind {
	case AgentKindProcess:
		if strings.TrimSpace(c.AgentCommand) == "" {
			return invalidConfig("AGENT_COMMAND is required for process agents")
		}
	case AgentKindWS:
		if !strings.HasPrefix(c.AgentWSURL, "ws://") && !strings.HasPrefix(c.AgentWSURL, "wss://") {
			return invalidConfig("AGENT_WS_URL must be ws:// or wss://, got %q", c.AgentWSURL)
		}
	default:
		return invalidConfig("unknown AGENT_KIND %q", c.AgentKind)
	}

	switch c.RunStore {
	case StoreMemory, StoreSQLite:
	case StorePostgres:
		if c.PostgresConnStr == "" {
			return invalidConfig("POSTGRES_CONNECTION_STRING is required when RUN_STORE=postgres")
		}
	default:
		return invalidConfig("unknown RUN_STORE %q", c.RunStore)
	}

	if strings.TrimSpace(c.ResultsDir) == "" {
		return invalidConfig("RESULTS_DIR is required")
	}
	return nil
}

func invalidConfig(format string, args ...any) error {
	return apperrors.WithCode(apperrors.ErrInvalidInput, "config.Validate", apperrors.CodeValidation, fmt.Sprintf(format, args...))
}
