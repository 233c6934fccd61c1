package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

const (
	SiteTest = "TEST"
	SiteMain = "MAIN"
)

// Settings is the whole runtime configuration. It is built once by Load and
// handed to constructors; nothing below main reads the environment.
type Settings struct {
	Site               string `validate:"oneof=TEST MAIN"`
	Shoper             ShoperSettings
	Sheets             SheetsSettings
	PatchEvery         int    `validate:"gte=1"`
	LogLevel           string `validate:"oneof=trace debug info warn warning error fatal panic"`
	Port               string `validate:"required,numeric"`
	APISecret          string
	GCSBucket          string
	GCSCredentialsJSON string
	Redis              RedisSettings
	DB                 DBSettings
	PubSub             PubSubSettings
}

type ShoperSettings struct {
	SiteURL         string `validate:"required,url"`
	Login           string `validate:"required"`
	Password        string `validate:"required"`
	PageSize        int    `validate:"gte=1"`
	MaxPages        int    `validate:"gte=1"`
	RateLimitPerMin int    `validate:"gte=0"`
	Locale          string `validate:"required"`
}

// MinInterval converts the per-minute budget into request spacing.
func (s ShoperSettings) MinInterval() time.Duration {
	if s.RateLimitPerMin <= 0 {
		return 0
	}
	return time.Minute / time.Duration(s.RateLimitPerMin)
}

type SheetsSettings struct {
	SpreadsheetID     string `validate:"required"`
	ExportName        string `validate:"required"`
	ImportName        string `validate:"required"`
	ImportNamePercent string `validate:"required"`
	CredentialsFile   string
	CredentialsJSON   string
	Dir               string `validate:"required"`
}

type RedisSettings struct {
	Address string
}

func (r RedisSettings) Enabled() bool { return r.Address != "" }

type DBSettings struct {
	User            string
	Password        string
	Host            string
	Port            string
	Name            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func (d DBSettings) Enabled() bool { return d.Host != "" && d.Name != "" }

type PubSubSettings struct {
	ProjectID       string
	Topic           string
	CredentialsJSON string
	CreateTopic     bool
}

func (p PubSubSettings) Enabled() bool { return p.Topic != "" }

// Load reads .env (when present) and the process environment.
func Load() (*Settings, error) {
	_ = godotenv.Load()
	return LoadFromEnv(os.Getenv)
}

func LoadFromEnv(getenv func(string) string) (*Settings, error) {
	env := envReader(getenv)

	site := strings.ToUpper(env.str("SHOPER_SITE", SiteTest))
	s := &Settings{
		Site: site,
		Shoper: ShoperSettings{
			SiteURL:         env.str("SHOPERSITE_"+site, ""),
			Login:           env.str("LOGIN_"+site, ""),
			Password:        env.str("PASSWORD_"+site, ""),
			PageSize:        env.integer("SHOPER_PAGE_SIZE", 50),
			MaxPages:        env.integer("SHOPER_MAX_PAGES", 10000),
			RateLimitPerMin: env.integer("SHOPER_RATE_LIMIT_PER_MIN", 0),
			Locale:          env.str("SHOPER_LOCALE", "pl_PL"),
		},
		Sheets: SheetsSettings{
			SpreadsheetID:     env.str("SHEET_ID", ""),
			ExportName:        env.str("SHEET_EXPORT_NAME", "Eksport"),
			ImportName:        env.str("SHEET_IMPORT_NAME", "Do importu"),
			ImportNamePercent: env.str("SHEET_IMPORT_NAME_PERCENT", "Do importu procent"),
			CredentialsFile:   env.str("GSHEETS_CREDENTIALS_FILE", "credentials/gsheets_credentials.json"),
			CredentialsJSON:   env.str("GSHEETS_CREDENTIALS_JSON", ""),
			Dir:               env.str("SHEETS_DIR", "sheets"),
		},
		PatchEvery:         env.integer("PROMO_PATCH_EVERY", 25),
		LogLevel:           strings.ToLower(env.str("LOG_LEVEL", "info")),
		Port:               env.str("PROMO_SYNC_PORT", env.str("PORT", "8080")),
		APISecret:          env.str("API_SECRET", ""),
		GCSBucket:          env.str("GCS_BUCKET", ""),
		GCSCredentialsJSON: env.str("GCS_CREDENTIALS_JSON", ""),
		Redis:              RedisSettings{Address: env.str("REDIS_ADDRESS", "")},
		DB: DBSettings{
			User:            env.str("DB_USER", ""),
			Password:        env.str("DB_PASSWORD", ""),
			Host:            env.str("DB_HOST", ""),
			Port:            env.str("DB_PORT", "3306"),
			Name:            env.str("DB_NAME", ""),
			MaxOpenConns:    env.integer("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    env.integer("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: time.Duration(env.integer("DB_CONN_MAX_LIFETIME_SECONDS", 300)) * time.Second,
			ConnMaxIdleTime: time.Duration(env.integer("DB_CONN_MAX_IDLE_TIME_SECONDS", 60)) * time.Second,
		},
		PubSub: PubSubSettings{
			ProjectID:       firstNonEmpty(env.str("PUBSUB_PROJECT_ID", ""), env.str("GOOGLE_CLOUD_PROJECT", ""), env.str("GCP_PROJECT", "")),
			Topic:           env.str("PROMO_SYNC_TOPIC", ""),
			CredentialsJSON: env.str("PUBSUB_CREDENTIALS_JSON", ""),
			CreateTopic:     env.flag("PROMO_SYNC_CREATE_TOPIC", false),
		},
	}
	if len(env.errs) > 0 {
		return nil, fmt.Errorf("config load: %w", errors.Join(env.errs...))
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return s, nil
}

func (s *Settings) Validate() error {
	if err := validator.New().Struct(s); err != nil {
		return err
	}
	if s.PubSub.Enabled() && s.PubSub.ProjectID == "" {
		return errors.New("PROMO_SYNC_TOPIC requires PUBSUB_PROJECT_ID or GOOGLE_CLOUD_PROJECT")
	}
	return nil
}

// InitDirectories creates the local snapshot directory.
func InitDirectories(s *Settings) error {
	if err := os.MkdirAll(s.Sheets.Dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", s.Sheets.Dir, err)
	}
	return nil
}

type envLookup struct {
	get  func(string) string
	errs []error
}

func envReader(get func(string) string) *envLookup {
	return &envLookup{get: get}
}

func (e *envLookup) str(key, def string) string {
	if v := strings.TrimSpace(e.get(key)); v != "" {
		return v
	}
	return def
}

func (e *envLookup) integer(key string, def int) int {
	v := strings.TrimSpace(e.get(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s=%q is not an integer", key, v))
		return def
	}
	return n
}

func (e *envLookup) flag(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(e.get(key))) {
	case "true", "1", "yes", "y", "on":
		return true
	case "false", "0", "no", "n", "off":
		return false
	default:
		return def
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
