package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPrefix      = "SWAPBOOTH"
	configFileName = "swapbooth"

	defaultListenAddr = ":8080"
	defaultDBPath     = "swapbooth.db"
)

// Config holds application configuration. Values come from defaults, an
// optional swapbooth.yaml, a .env file, and SWAPBOOTH_* environment
// variables, in increasing order of precedence. Nested keys map to
// variables with underscores, e.g. engine.addr is SWAPBOOTH_ENGINE_ADDR.
type Config struct {
	ListenAddr  string     `mapstructure:"listen_addr"`
	DBPath      string     `mapstructure:"db_path"`
	LogLevel    slog.Level `mapstructure:"-"`
	CORSOrigins []string   `mapstructure:"cors_origins"`

	// AssetDir is the root the template browsing endpoints serve from.
	AssetDir string `mapstructure:"asset_dir"`
	// DefaultTemplate is the template image used for hot-folder jobs.
	DefaultTemplate string `mapstructure:"default_template"`
	// OverlayDir stores uploaded branding overlays.
	OverlayDir string `mapstructure:"overlay_dir"`

	QueueBound int           `mapstructure:"queue_bound"`
	JobTimeout time.Duration `mapstructure:"job_timeout"`

	Engine      EngineConfig      `mapstructure:"engine"`
	Workflow    WorkflowConfig    `mapstructure:"workflow"`
	HotFolder   HotFolderConfig   `mapstructure:"hot_folder"`
	Save        SaveConfig        `mapstructure:"save"`
	Print       PrintConfig       `mapstructure:"print"`
	ObjectStore ObjectStoreConfig `mapstructure:"object_store"`
}

// EngineConfig locates the image engine.
type EngineConfig struct {
	Addr   string `mapstructure:"addr"`
	Secure bool   `mapstructure:"secure"`
}

// WorkflowConfig names the workflow file and the nodes patched per job.
type WorkflowConfig struct {
	Path         string `mapstructure:"path"`
	SourceNode   string `mapstructure:"source_node"`
	TemplateNode string `mapstructure:"template_node"`
	OutputNode   string `mapstructure:"output_node"`
	OverlayNode  string `mapstructure:"overlay_node"`
	ImageSlot    string `mapstructure:"image_slot"`
}

// HotFolderConfig controls the hot folder ingester.
type HotFolderConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Path         string        `mapstructure:"path"`
	Debounce     time.Duration `mapstructure:"debounce"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// SaveConfig controls saving results to disk.
type SaveConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir"`
	Format  string `mapstructure:"format"`
}

// PrintConfig controls printing. An empty Command disables printing.
type PrintConfig struct {
	Command   string `mapstructure:"command"`
	HotFolder bool   `mapstructure:"hot_folder"`
}

// ObjectStoreConfig controls result upload. An empty Endpoint disables it.
type ObjectStoreConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", defaultListenAddr)
	v.SetDefault("db_path", defaultDBPath)
	v.SetDefault("log_level", "info")
	v.SetDefault("cors_origins", []string{"*"})
	v.SetDefault("asset_dir", "assets")
	v.SetDefault("default_template", "assets/templates/default.jpg")
	v.SetDefault("overlay_dir", "overlays")
	v.SetDefault("queue_bound", 4)
	v.SetDefault("job_timeout", 120*time.Second)

	v.SetDefault("engine.addr", "127.0.0.1:8188")
	v.SetDefault("engine.secure", false)

	v.SetDefault("workflow.path", "workflows/fswap.json")
	v.SetDefault("workflow.source_node", "3")
	v.SetDefault("workflow.template_node", "1")
	v.SetDefault("workflow.output_node", "9")
	v.SetDefault("workflow.overlay_node", "")
	v.SetDefault("workflow.image_slot", "image")

	v.SetDefault("hot_folder.enabled", false)
	v.SetDefault("hot_folder.path", "hotfolder")
	v.SetDefault("hot_folder.debounce", time.Second)
	v.SetDefault("hot_folder.poll_interval", 2*time.Second)

	v.SetDefault("save.enabled", true)
	v.SetDefault("save.dir", "results")
	v.SetDefault("save.format", "png")

	v.SetDefault("print.command", "")
	v.SetDefault("print.hot_folder", true)

	v.SetDefault("object_store.endpoint", "")
	v.SetDefault("object_store.access_key", "")
	v.SetDefault("object_store.secret_key", "")
	v.SetDefault("object_store.bucket", "swapbooth-results")
	v.SetDefault("object_store.use_ssl", false)
}

// Load reads configuration. configFile may be empty, in which case
// swapbooth.yaml is looked up in . and ./config and is optional.
func Load(configFile string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName(configFileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.LogLevel = parseLogLevel(v.GetString("log_level"))

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the service cannot start with.
func (c Config) Validate() error {
	if c.Engine.Addr == "" {
		return errors.New("engine.addr is required")
	}
	if strings.Contains(c.Engine.Addr, "://") {
		return fmt.Errorf("engine.addr must be host:port, got %q", c.Engine.Addr)
	}
	if c.Workflow.Path == "" {
		return errors.New("workflow.path is required")
	}
	if c.QueueBound < 0 {
		return fmt.Errorf("queue_bound must not be negative, got %d", c.QueueBound)
	}
	if c.JobTimeout <= 0 {
		return fmt.Errorf("job_timeout must be positive, got %s", c.JobTimeout)
	}
	if c.HotFolder.Enabled && c.HotFolder.Path == "" {
		return errors.New("hot_folder.path is required when the hot folder is enabled")
	}
	return nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
