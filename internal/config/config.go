package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DockerConfig controls the Docker-backed sandbox provider.
type DockerConfig struct {
	Image        string  `yaml:"image"`
	NetworkMode  string  `yaml:"network_mode"`
	CPULimit     float64 `yaml:"cpu_limit"`
	MemLimitMB   int     `yaml:"mem_limit_mb"`
	PidsLimit    int     `yaml:"pids_limit"`
	PublishPorts []int   `yaml:"publish_ports"` // container ports mapped to ephemeral host ports
	CacheVolume  string  `yaml:"cache_volume"`  // named volume for /root/.npm, empty disables
}

// SourceConfig controls the repository content source.
type SourceConfig struct {
	BaseURL          string `yaml:"base_url"`
	Token            string `yaml:"token"`
	FetchConcurrency int    `yaml:"fetch_concurrency"`
	MaxFileKB        int    `yaml:"max_file_kb"`
}

// DeployConfig controls the deploy relay.
type DeployConfig struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
}

// WorkflowConfig holds the pipeline timing knobs.
type WorkflowConfig struct {
	BootTimeoutSeconds     int `yaml:"boot_timeout_seconds"`
	BootRetries            int `yaml:"boot_retries"`
	InstallTimeoutSeconds  int `yaml:"install_timeout_seconds"`
	BuildTimeoutSeconds    int `yaml:"build_timeout_seconds"`
	ExecutionBudgetSeconds int `yaml:"execution_budget_seconds"`
	ReadyGraceMs           int `yaml:"ready_grace_ms"`
	ReadyStallSeconds      int `yaml:"ready_stall_seconds"`
}

type Config struct {
	Listen       string         `yaml:"listen"`
	APIKey       string         `yaml:"api_key"`
	DBPath       string         `yaml:"db_path"`
	Provider     string         `yaml:"provider"` // "docker" or "host"
	LogLevel     string         `yaml:"log_level"`
	PrewarmBoot  bool           `yaml:"prewarm_boot"`
	Docker       DockerConfig   `yaml:"docker"`
	Source       SourceConfig   `yaml:"source"`
	Deploy       DeployConfig   `yaml:"deploy"`
	Workflow     WorkflowConfig `yaml:"workflow"`
	ReapInterval int            `yaml:"reap_interval_seconds"`
}

func Load(yamlPath string) (*Config, error) {
	cfg := &Config{
		Listen:   "127.0.0.1:8080",
		DBPath:   "./vorschau.db",
		Provider: "docker",
		LogLevel: "info",
		Docker: DockerConfig{
			Image:        "node:20-bookworm-slim",
			NetworkMode:  "bridge",
			CPULimit:     2.0,
			MemLimitMB:   2048,
			PidsLimit:    512,
			PublishPorts: []int{3000, 3001, 4173, 4200, 5000, 5173, 8000, 8080},
		},
		Source: SourceConfig{
			BaseURL:          "https://api.github.com",
			FetchConcurrency: 10,
			MaxFileKB:        1024,
		},
		Deploy: DeployConfig{
			BaseURL: "https://api.netlify.com/api/v1",
		},
		Workflow: WorkflowConfig{
			BootTimeoutSeconds:     20,
			BootRetries:            2,
			InstallTimeoutSeconds:  300,
			BuildTimeoutSeconds:    300,
			ExecutionBudgetSeconds: 600,
			ReadyGraceMs:           1500,
			ReadyStallSeconds:      75,
		},
		ReapInterval: 30,
	}

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	if cfg.Provider != "docker" && cfg.Provider != "host" {
		return nil, fmt.Errorf("unknown provider %q (want docker or host)", cfg.Provider)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("VORSCHAU_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("VORSCHAU_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("VORSCHAU_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("VORSCHAU_PROVIDER"); v != "" {
		cfg.Provider = v
	}
	if v := os.Getenv("VORSCHAU_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("VORSCHAU_PREWARM_BOOT"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.PrewarmBoot = b
		}
	}
	if v := os.Getenv("VORSCHAU_DOCKER_IMAGE"); v != "" {
		cfg.Docker.Image = v
	}
	if v := os.Getenv("VORSCHAU_DOCKER_NETWORK_MODE"); v != "" {
		cfg.Docker.NetworkMode = v
	}
	if v := os.Getenv("VORSCHAU_DOCKER_CPU_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Docker.CPULimit = f
		}
	}
	if v := os.Getenv("VORSCHAU_DOCKER_MEM_LIMIT_MB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Docker.MemLimitMB = n
		}
	}
	if v := os.Getenv("VORSCHAU_DOCKER_PIDS_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Docker.PidsLimit = n
		}
	}
	if v := os.Getenv("VORSCHAU_DOCKER_PUBLISH_PORTS"); v != "" {
		var ports []int
		for _, p := range strings.Split(v, ",") {
			if n, err := strconv.Atoi(strings.TrimSpace(p)); err == nil {
				ports = append(ports, n)
			}
		}
		if len(ports) > 0 {
			cfg.Docker.PublishPorts = ports
		}
	}
	if v := os.Getenv("VORSCHAU_DOCKER_CACHE_VOLUME"); v != "" {
		cfg.Docker.CacheVolume = v
	}
	if v := os.Getenv("VORSCHAU_SOURCE_BASE_URL"); v != "" {
		cfg.Source.BaseURL = v
	}
	if v := os.Getenv("VORSCHAU_SOURCE_TOKEN"); v != "" {
		cfg.Source.Token = v
	}
	if v := os.Getenv("VORSCHAU_SOURCE_FETCH_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Source.FetchConcurrency = n
		}
	}
	if v := os.Getenv("VORSCHAU_SOURCE_MAX_FILE_KB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Source.MaxFileKB = n
		}
	}
	if v := os.Getenv("VORSCHAU_DEPLOY_BASE_URL"); v != "" {
		cfg.Deploy.BaseURL = v
	}
	if v := os.Getenv("VORSCHAU_DEPLOY_TOKEN"); v != "" {
		cfg.Deploy.Token = v
	}
	if v := os.Getenv("VORSCHAU_BOOT_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Workflow.BootTimeoutSeconds = n
		}
	}
	if v := os.Getenv("VORSCHAU_BOOT_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Workflow.BootRetries = n
		}
	}
	if v := os.Getenv("VORSCHAU_INSTALL_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Workflow.InstallTimeoutSeconds = n
		}
	}
	if v := os.Getenv("VORSCHAU_BUILD_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Workflow.BuildTimeoutSeconds = n
		}
	}
	if v := os.Getenv("VORSCHAU_EXECUTION_BUDGET_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Workflow.ExecutionBudgetSeconds = n
		}
	}
	if v := os.Getenv("VORSCHAU_REAP_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ReapInterval = n
		}
	}
}
