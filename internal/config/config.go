// Package config loads the supervisor configuration.
//
// Values are resolved in three layers: built-in defaults, an optional YAML
// file (the --config flag or MAYASEQUENCE_CONFIG), then environment
// variables. Environment variables win so that container deployments can
// override single settings without shipping a file.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tokejepsen/mayasequence/internal/farm/channel"
	"github.com/tokejepsen/mayasequence/internal/farm/render"
	"github.com/tokejepsen/mayasequence/internal/farm/supervisor"
)

// EnvConfigPath names the config file when no flag is given.
const EnvConfigPath = "MAYASEQUENCE_CONFIG"

// Config is the full service configuration.
type Config struct {
	Worker     WorkerConfig     `yaml:"worker"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Render     RenderConfig     `yaml:"render"`
	Queue      QueueConfig      `yaml:"queue"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Storage    StorageConfig    `yaml:"storage"`
	HTTP       HTTPConfig       `yaml:"http"`
	Log        LogConfig        `yaml:"log"`
}

// WorkerConfig describes the worker application.
type WorkerConfig struct {
	Executable string            `yaml:"executable"`
	Args       []string          `yaml:"args"`
	ScriptDir  string            `yaml:"script_dir"`
	Env        map[string]string `yaml:"env"`
}

// SupervisorConfig holds session timing and the command channel settings.
type SupervisorConfig struct {
	Host        string        `yaml:"host"`
	SessionRoot string        `yaml:"session_root"`
	BootTimeout time.Duration `yaml:"boot_timeout"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	KillTimeout time.Duration `yaml:"kill_timeout"`
	// CommandTimeout bounds one command exchange. Negative disables it.
	CommandTimeout     time.Duration `yaml:"command_timeout"`
	Framing            string        `yaml:"framing"`
	ResponseBufferSize int           `yaml:"response_buffer_size"`
	MaxFrameSize       int           `yaml:"max_frame_size"`
	StdoutQuiet        time.Duration `yaml:"stdout_quiet"`
	LogPollInterval    time.Duration `yaml:"log_poll_interval"`
	TrailLimit         int           `yaml:"trail_limit"`
}

// RenderConfig tunes the render sequencer.
type RenderConfig struct {
	TempRoot             string `yaml:"temp_root"`
	MissingModuleMarker  string `yaml:"missing_module_marker"`
	FailOnUnmatchedLayer bool   `yaml:"fail_on_unmatched_layer"`
	DefaultCamera        string `yaml:"default_camera"`
	// DefaultQuirk replaces the behaviour of unlisted renderers when set.
	DefaultQuirk *render.Quirk `yaml:"default_quirk"`
	// Quirks adds or replaces renderer entries of the built-in table.
	Quirks map[string]render.Quirk `yaml:"quirks"`
}

// QueueConfig names the Redis list tasks are popped from.
type QueueConfig struct {
	Name       string        `yaml:"name"`
	PopTimeout time.Duration `yaml:"pop_timeout"`
	// TaskDefaults fill task params a submission leaves out, for example a
	// farm-wide project_path.
	TaskDefaults map[string]any `yaml:"task_defaults"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type RedisConfig struct {
	Addr string `yaml:"addr"`
}

// StorageConfig selects where diagnostic trails are archived.
type StorageConfig struct {
	Provider  string       `yaml:"provider"`
	LocalRoot string       `yaml:"local_root"`
	GDrive    GDriveConfig `yaml:"gdrive"`
}

type GDriveConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RefreshToken string `yaml:"refresh_token"`
	FolderID     string `yaml:"folder_id"`
}

type HTTPConfig struct {
	Port string `yaml:"port"`
	// Disabled turns the status API off.
	Disabled       bool          `yaml:"disabled"`
	CORSOrigins    []string      `yaml:"cors_origins"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type LogConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// Default returns the configuration used before the file and environment
// are applied.
func Default() *Config {
	return &Config{
		Supervisor: SupervisorConfig{
			Host:           "127.0.0.1",
			BootTimeout:    10 * time.Minute,
			DialTimeout:    30 * time.Second,
			KillTimeout:    10 * time.Second,
			CommandTimeout: channel.DefaultCommandTimeout,
			Framing:        string(channel.FramingRaw),
			StdoutQuiet:    50 * time.Millisecond,
			TrailLimit:     supervisor.DefaultTrailLimit,
		},
		Render: RenderConfig{
			MissingModuleMarker: render.DefaultMissingModuleMarker,
			DefaultCamera:       render.DefaultCamera,
		},
		Queue: QueueConfig{
			Name:       "mayasequence:tasks",
			PopTimeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			Provider:  "localfs",
			LocalRoot: "/data",
		},
		HTTP: HTTPConfig{
			Port:           "8080",
			CORSOrigins:    []string{"http://localhost:5173"},
			RequestTimeout: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads path (or MAYASEQUENCE_CONFIG when path is empty), applies the
// process environment and validates the result. No file is required.
func Load(path string) (*Config, error) {
	return load(path, os.Getenv)
}

func load(path string, lookup func(string) string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = strings.TrimSpace(lookup(EnvConfigPath))
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(lookup(key)); v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) error {
		v := strings.TrimSpace(lookup(key))
		if v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		*dst = d
		return nil
	}

	str("DATABASE_URL", &c.Database.URL)
	str("REDIS_ADDR", &c.Redis.Addr)
	str("TASK_QUEUE_NAME", &c.Queue.Name)
	str("STORAGE_PROVIDER", &c.Storage.Provider)
	str("STORAGE_LOCAL_ROOT", &c.Storage.LocalRoot)
	str("GDRIVE_CLIENT_ID", &c.Storage.GDrive.ClientID)
	str("GDRIVE_CLIENT_SECRET", &c.Storage.GDrive.ClientSecret)
	str("GDRIVE_REFRESH_TOKEN", &c.Storage.GDrive.RefreshToken)
	str("GDRIVE_FOLDER_ID", &c.Storage.GDrive.FolderID)
	str("HTTP_PORT", &c.HTTP.Port)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("WORKER_EXECUTABLE", &c.Worker.Executable)
	str("WORKER_SCRIPT_DIR", &c.Worker.ScriptDir)
	str("COMMAND_FRAMING", &c.Supervisor.Framing)
	str("RENDER_TEMP_ROOT", &c.Render.TempRoot)

	if v := strings.TrimSpace(lookup("CORS_ALLOWED_ORIGINS")); v != "" {
		c.HTTP.CORSOrigins = splitCSV(v)
	}

	if v := strings.TrimSpace(lookup("LOG_SOURCE")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: LOG_SOURCE: %w", err)
		}
		c.Log.AddSource = b
	}

	for key, dst := range map[string]*time.Duration{
		"BOOT_TIMEOUT":      &c.Supervisor.BootTimeout,
		"COMMAND_TIMEOUT":   &c.Supervisor.CommandTimeout,
		"QUEUE_POP_TIMEOUT": &c.Queue.PopTimeout,
	} {
		if err := dur(key, dst); err != nil {
			return err
		}
	}
	return nil
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate rejects settings the supervisor cannot run with.
func (c *Config) Validate() error {
	var problems []string

	if _, err := channel.ParseFraming(c.Supervisor.Framing); err != nil {
		problems = append(problems, fmt.Sprintf("supervisor.framing: unknown value %q", c.Supervisor.Framing))
	}
	for name, d := range map[string]time.Duration{
		"supervisor.boot_timeout": c.Supervisor.BootTimeout,
		"supervisor.dial_timeout": c.Supervisor.DialTimeout,
		"supervisor.kill_timeout": c.Supervisor.KillTimeout,
		"queue.pop_timeout":       c.Queue.PopTimeout,
	} {
		if d <= 0 {
			problems = append(problems, name+" must be positive")
		}
	}
	if c.Supervisor.CommandTimeout == 0 {
		problems = append(problems, "supervisor.command_timeout must be non-zero (negative disables it)")
	}
	if c.Supervisor.StdoutQuiet < 0 {
		problems = append(problems, "supervisor.stdout_quiet must not be negative")
	}

	switch c.Storage.Provider {
	case "localfs":
		if c.Storage.LocalRoot == "" {
			problems = append(problems, "storage.local_root is required for localfs")
		}
	case "gdrive":
		g := c.Storage.GDrive
		if g.ClientID == "" || g.ClientSecret == "" || g.RefreshToken == "" {
			problems = append(problems, "storage.gdrive needs client_id, client_secret and refresh_token")
		}
	default:
		problems = append(problems, fmt.Sprintf("storage.provider: unknown provider %q", c.Storage.Provider))
	}

	if c.HTTP.RequestTimeout < 0 {
		problems = append(problems, "http.request_timeout must not be negative")
	}

	if c.Queue.Name == "" {
		problems = append(problems, "queue.name is required")
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		return fmt.Errorf("config: invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// QuirkTable returns the built-in renderer table with the configured entries
// laid over it.
func (r RenderConfig) QuirkTable() render.Quirks {
	overlay := render.Quirks{ByRenderer: r.Quirks}
	if r.DefaultQuirk != nil {
		overlay.Default = *r.DefaultQuirk
	}
	return render.DefaultQuirks().Merge(overlay, r.DefaultQuirk != nil)
}

// SupervisorOptions maps the file layout onto the supervisor settings.
func (c *Config) SupervisorOptions() (supervisor.Config, error) {
	framing, err := channel.ParseFraming(c.Supervisor.Framing)
	if err != nil {
		return supervisor.Config{}, err
	}
	return supervisor.Config{
		Host:             c.Supervisor.Host,
		WorkerExecutable: c.Worker.Executable,
		WorkerArgs:       c.Worker.Args,
		WorkerScriptDir:  c.Worker.ScriptDir,
		WorkerEnv:        c.Worker.Env,
		SessionRoot:      c.Supervisor.SessionRoot,
		BootTimeout:      c.Supervisor.BootTimeout,
		DialTimeout:      c.Supervisor.DialTimeout,
		KillTimeout:      c.Supervisor.KillTimeout,
		StdoutQuiet:      c.Supervisor.StdoutQuiet,
		LogPollInterval:  c.Supervisor.LogPollInterval,
		TrailLimit:       c.Supervisor.TrailLimit,
		Channel: channel.Options{
			Framing:            framing,
			ResponseBufferSize: c.Supervisor.ResponseBufferSize,
			MaxFrameSize:       c.Supervisor.MaxFrameSize,
			CommandTimeout:     c.Supervisor.CommandTimeout,
		},
		Render: render.Options{
			TempRoot:             c.Render.TempRoot,
			MissingModuleMarker:  c.Render.MissingModuleMarker,
			FailOnUnmatchedLayer: c.Render.FailOnUnmatchedLayer,
			DefaultCamera:        c.Render.DefaultCamera,
			Quirks:               c.Render.QuirkTable(),
		},
	}, nil
}
