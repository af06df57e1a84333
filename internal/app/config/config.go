package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/docker/go-units"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel       int              `yaml:"log_level"`        // Logging level (slog numeric levels: -4 debug, 0 info, 4 warn, 8 error).
	MaxMessageSize string           `yaml:"max_message_size"` // Largest accepted raw message, human readable (e.g. "25MB").
	Repository     RepositoryConfig `yaml:"repository"`       // Target blog repository.
	Post           PostConfig       `yaml:"post"`             // Post rendering options.
	Storage        StorageConfig    `yaml:"storage"`          // Photo object storage.
	Geocoder       GeocoderConfig   `yaml:"geocoder"`         // Reverse geocoding of photo locations.
	Daemon         DaemonConfig     `yaml:"daemon"`           // IMAP polling schedule.
	State          StateConfig      `yaml:"state"`            // IMAP cursor persistence.
	Spool          SpoolConfig      `yaml:"spool"`            // Spool directory intake.
	Clients        []ClientConfig   `yaml:"clients"`          // IMAP mailboxes to poll.

	maxMessageBytes int64
}

type RepositoryConfig struct {
	URL            string        `yaml:"url"`              // Remote URL, may embed credentials.
	WorkingCopy    string        `yaml:"working_copy"`     // Local checkout path.
	Username       string        `yaml:"username"`         // HTTP basic auth user, used together with Token.
	Token          string        `yaml:"token"`            // HTTP basic auth password or access token.
	Remote         string        `yaml:"remote"`           // Remote name, "origin" by default.
	CommitChanges  bool          `yaml:"commit_changes"`   // Sync, commit and push around every write.
	JekyllPrefix   string        `yaml:"jekyll_prefix"`    // Site root inside the repository.
	PostsDir       string        `yaml:"posts_dir"`        // Posts directory relative to the site root.
	LockTimeout    time.Duration `yaml:"lock_timeout"`     // Longest wait for the working copy lock.
	LockRetryDelay time.Duration `yaml:"lock_retry_delay"` // Pause between lock attempts.
	CommitterName  string        `yaml:"committer_name"`   // Fixed committer identity.
	CommitterEmail string        `yaml:"committer_email"`  // Fixed committer identity.
}

type PostConfig struct {
	Layout        string  `yaml:"layout"`         // Frontmatter layout value.
	Category      string  `yaml:"category"`       // Frontmatter categories value.
	ImageTemplate *string `yaml:"image_template"` // text/template appended to the body once per image; empty disables, unset means DefaultImageTemplate.
	HTMLFallback  bool    `yaml:"html_fallback"`  // Accept HTML-only messages by converting them to text.
}

type StorageConfig struct {
	Backend        string    `yaml:"backend"`         // One of s3, gcs, memory.
	Bucket         string    `yaml:"bucket"`          // Bucket holding uploaded photos.
	Prefix         string    `yaml:"prefix"`          // Key prefix for uploaded photos.
	ConditionalPut bool      `yaml:"conditional_put"` // Create-if-absent uploads.
	S3             S3Config  `yaml:"s3"`
	GCS            GCSConfig `yaml:"gcs"`
}

type S3Config struct {
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"` // Custom endpoint for S3-compatible services.
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	PathStyle       bool   `yaml:"path_style"`
}

type GCSConfig struct {
	CredentialsFile string `yaml:"credentials_file"` // Service account JSON; application default credentials when empty.
}

type GeocoderConfig struct {
	Provider string        `yaml:"provider"` // opencage or none.
	APIKey   string        `yaml:"api_key"`
	Endpoint string        `yaml:"endpoint"`
	Language string        `yaml:"language"`
	Timeout  time.Duration `yaml:"timeout"`
}

type DaemonConfig struct {
	MailPollInterval    time.Duration `yaml:"mail_poll_interval"`     // Interval between email polling tasks.
	MailPollTaskTimeout time.Duration `yaml:"mail_poll_task_timeout"` // Timeout for individual email processing tasks.
}

type StateConfig struct {
	Backend string      `yaml:"backend"` // memory or redis.
	Redis   RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

type SpoolConfig struct {
	Dir          string `yaml:"dir"`           // Directory receiving raw *.eml files.
	FailedSuffix string `yaml:"failed_suffix"` // Appended to files that could not be parsed.
}

type ClientConfig struct {
	Address  string   `yaml:"address"`  // IMAP server address (host:port, TLS).
	Login    string   `yaml:"login"`    // Email account username.
	Password string   `yaml:"password"` // Email account password.
	Mailbox  string   `yaml:"mailbox"`  // Mailbox to poll, "INBOX" by default.
	Filters  []string `yaml:"filters"`  // Optional filters for selecting specific emails.
}

func LoadConfig(cfgFilepath, envFilepath string) (Config, error) {
	var cfg Config

	if envFilepath != "" {
		if _, err := os.Stat(envFilepath); err == nil {
			if err = godotenv.Load(envFilepath); err != nil {
				return cfg, fmt.Errorf("unable to load environment variables from file: %w", err)
			}
		}
	}

	//nolint:gosec
	fileBytes, err := os.ReadFile(cfgFilepath)
	if err != nil {
		switch {
		case errors.Is(err, os.ErrNotExist):
			return cfg, fmt.Errorf("configuration file at this cfgFilepath doesn't exist: %w", err)
		case errors.Is(err, os.ErrPermission):
			return cfg, fmt.Errorf("permission denied for accessing configuration file: %w", err)
		default:
			return cfg, fmt.Errorf("unexpected error during reading configuration file: %w", err)
		}
	}

	return Parse(fileBytes)
}

// Parse expands environment variables in raw YAML, decodes it and applies defaults.
func Parse(raw []byte) (Config, error) {
	var cfg Config

	envExpanded := os.ExpandEnv(string(raw))
	if err := yaml.Unmarshal([]byte(envExpanded), &cfg); err != nil {
		return cfg, fmt.Errorf("unable to unmarshal configuration file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

const DefaultImageTemplate = "{% include exif-image.html img=page.images.{{ .Key }} %}"

func (c *Config) applyDefaults() {
	setDefault(&c.MaxMessageSize, "25MB")

	setDefault(&c.Repository.Remote, "origin")
	setDefault(&c.Repository.PostsDir, "_posts/blog")
	setDefault(&c.Repository.CommitterName, "post by email")
	setDefault(&c.Repository.CommitterEmail, "nobody@post-by-email")
	if c.Repository.LockTimeout == 0 {
		c.Repository.LockTimeout = 30 * time.Second
	}
	if c.Repository.LockRetryDelay == 0 {
		c.Repository.LockRetryDelay = time.Second
	}

	setDefault(&c.Post.Layout, "post")
	setDefault(&c.Post.Category, "blog")
	if c.Post.ImageTemplate == nil {
		tmpl := DefaultImageTemplate
		c.Post.ImageTemplate = &tmpl
	}

	setDefault(&c.Storage.Backend, "s3")

	setDefault(&c.Geocoder.Provider, "none")
	if c.Geocoder.Timeout == 0 {
		c.Geocoder.Timeout = 5 * time.Second
	}

	if c.Daemon.MailPollInterval == 0 {
		c.Daemon.MailPollInterval = time.Minute
	}
	if c.Daemon.MailPollTaskTimeout == 0 {
		c.Daemon.MailPollTaskTimeout = 5 * time.Minute
	}

	setDefault(&c.State.Backend, "memory")
	setDefault(&c.State.Redis.KeyPrefix, "mailpost:imap:")

	setDefault(&c.Spool.FailedSuffix, ".failed")

	for i := range c.Clients {
		setDefault(&c.Clients[i].Mailbox, "INBOX")
	}
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	size, err := units.FromHumanSize(c.MaxMessageSize)
	if err != nil {
		return fmt.Errorf("max_message_size: %w", err)
	}
	c.maxMessageBytes = size

	if c.Repository.WorkingCopy == "" {
		return errors.New("repository.working_copy is required")
	}
	if c.Repository.LockTimeout < 0 || c.Repository.LockRetryDelay < 0 {
		return errors.New("repository lock durations must not be negative")
	}

	switch c.Storage.Backend {
	case "s3", "gcs":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required for %s backend", c.Storage.Backend)
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported storage backend: %s", c.Storage.Backend)
	}

	switch c.Geocoder.Provider {
	case "opencage":
		if c.Geocoder.APIKey == "" {
			return errors.New("geocoder.api_key is required for opencage provider")
		}
	case "none":
	default:
		return fmt.Errorf("unsupported geocoder provider: %s", c.Geocoder.Provider)
	}

	switch c.State.Backend {
	case "redis":
		if c.State.Redis.Addr == "" {
			return errors.New("state.redis.addr is required for redis backend")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported state backend: %s", c.State.Backend)
	}

	return nil
}

// MaxMessageBytes is MaxMessageSize in bytes.
func (c Config) MaxMessageBytes() int64 {
	return c.maxMessageBytes
}

func setDefault(field *string, value string) {
	if *field == "" {
		*field = value
	}
}
