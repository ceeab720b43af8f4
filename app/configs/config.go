package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

type Config struct {
	Server   ServerConfig   `json:"server"`
	Approval ApprovalConfig `json:"approval"`
	Planner  PlannerConfig  `json:"planner"`
	Queue    QueueConfig    `json:"queue"`
	Task     TaskConfig     `json:"task"`
}

type ServerConfig struct {
	Port    int    `json:"port"`
	DataDir string `json:"data_dir"`
}

type ApprovalConfig struct {
	DefaultTTLSec    int `json:"default_ttl_sec"`
	MaxTTLSec        int `json:"max_ttl_sec"`
	PollIntervalMs   int `json:"poll_interval_ms"`
	SweepIntervalSec int `json:"sweep_interval_sec"`
}

type PlannerConfig struct {
	Model     string `json:"model"`
	APIKeyEnv string `json:"api_key_env"`
}

type QueueConfig struct {
	Workers           int `json:"workers"`
	Buffer            int `json:"buffer"`
	AttemptTimeoutSec int `json:"attempt_timeout_sec"`
}

type TaskConfig struct {
	StreamBuffer         int    `json:"stream_buffer"`
	TokenWarnThreshold   int    `json:"token_warn_threshold"`
	TokenExceedThreshold int    `json:"token_exceed_threshold"`
	DefaultUserID        string `json:"default_user_id"`
}

type Manager struct {
	path string
	mu   sync.RWMutex
	cfg  Config
}

func DefaultPath() string {
	return filepath.Join("config", "config.json")
}

func NewManager(path string) (*Manager, error) {
	cfg := defaultConfig()
	mgr := &Manager{
		path: path,
		cfg:  cfg,
	}
	if err := mgr.load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	}
	if err := mgr.save(); err != nil {
		return nil, err
	}
	return mgr, nil
}

func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) Update(apply func(*Config)) (Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	apply(&m.cfg)
	applyDefaults(&m.cfg)
	if err := m.saveLocked(); err != nil {
		return Config{}, err
	}
	return m.cfg, nil
}

func (m *Manager) load() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return err
	}
	var fileCfg Config
	if err := json.Unmarshal(data, &fileCfg); err != nil {
		return err
	}
	m.cfg = fileCfg
	applyDefaults(&m.cfg)
	return nil
}

func (m *Manager) save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked()
}

func (m *Manager) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m.cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.path, data, 0644)
}

func defaultConfig() Config {
	cfg := Config{}
	applyDefaults(&cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 8080
	}
	if strings.TrimSpace(cfg.Server.DataDir) == "" {
		cfg.Server.DataDir = "output"
	}
	if cfg.Approval.DefaultTTLSec <= 0 {
		cfg.Approval.DefaultTTLSec = 300
	}
	if cfg.Approval.MaxTTLSec <= 0 {
		cfg.Approval.MaxTTLSec = 3600
	}
	if cfg.Approval.MaxTTLSec < cfg.Approval.DefaultTTLSec {
		cfg.Approval.MaxTTLSec = cfg.Approval.DefaultTTLSec
	}
	if cfg.Approval.PollIntervalMs <= 0 {
		cfg.Approval.PollIntervalMs = 250
	}
	if cfg.Approval.SweepIntervalSec <= 0 {
		cfg.Approval.SweepIntervalSec = 60
	}
	if strings.TrimSpace(cfg.Planner.Model) == "" {
		cfg.Planner.Model = "gpt-4o-mini"
	}
	if strings.TrimSpace(cfg.Planner.APIKeyEnv) == "" {
		cfg.Planner.APIKeyEnv = "OPENAI_API_KEY"
	}
	if cfg.Queue.Workers <= 0 {
		cfg.Queue.Workers = 4
	}
	if cfg.Queue.Buffer <= 0 {
		cfg.Queue.Buffer = 64
	}
	if cfg.Queue.AttemptTimeoutSec <= 0 {
		cfg.Queue.AttemptTimeoutSec = 600
	}
	if cfg.Task.StreamBuffer <= 0 {
		cfg.Task.StreamBuffer = 256
	}
	if cfg.Task.TokenWarnThreshold <= 0 {
		cfg.Task.TokenWarnThreshold = 80000
	}
	if cfg.Task.TokenExceedThreshold <= cfg.Task.TokenWarnThreshold {
		cfg.Task.TokenExceedThreshold = 100000
	}
	if strings.TrimSpace(cfg.Task.DefaultUserID) == "" {
		cfg.Task.DefaultUserID = "local_user"
	}
}
