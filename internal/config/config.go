// Package config reads daemon settings from PKGVAULT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dukerupert/pkgvault/internal/compress"
	"github.com/dukerupert/pkgvault/internal/mirror"
	"github.com/dukerupert/pkgvault/internal/pipeline"
)

const prefix = "PKGVAULT_"

// Mirror backends.
const (
	MirrorNone = "none"
	MirrorS3   = "s3"
	MirrorGCS  = "gcs"
)

// userPlaceholder is replaced by the user id in path settings.
const userPlaceholder = "{user}"

// Config is the full daemon configuration.
type Config struct {
	Port      string
	DBPath    string
	LogLevel  string
	LogFormat string
	APIToken  string
	// AllowedOrigins restricts websocket origins. Empty accepts any.
	AllowedOrigins []string
	// HistoryRetention prunes runs older than this. Zero keeps everything.
	HistoryRetention time.Duration

	BackupRoot   string
	CatalogDir   string
	IconDir      string
	StageDir     string
	UserID       int
	Compression  compress.Algorithm
	Compatible   bool
	Strategy     pipeline.Strategy
	BackupIcon   bool
	// BackupItself copies the daemon binary into BackupRoot before each backup batch.
	BackupItself bool
	Shell        []string
	RequireRoot  bool
	Paths        pipeline.Paths

	Mirror           string
	S3               mirror.S3Config
	GCS              mirror.GCSConfig
	MirrorPassphrase string
}

// Pipeline returns the orchestrator options.
func (c Config) Pipeline() pipeline.Options {
	return pipeline.Options{
		BackupRoot:   c.BackupRoot,
		StageDir:     c.StageDir,
		UserID:       c.UserID,
		Paths:        c.Paths,
		Algorithm:    c.Compression,
		Compatible:   c.Compatible,
		Strategy:     c.Strategy,
		BackupIcon:   c.BackupIcon,
		BackupItself: c.BackupItself,
	}
}

type reader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (r *reader) str(key, def string) string {
	if v, ok := r.lookup(prefix + key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func (r *reader) intVal(key string, def int) int {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s%s: %q is not an integer", prefix, key, v))
		return def
	}
	return n
}

func (r *reader) boolVal(key string, def bool) bool {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s%s: %q is not a boolean", prefix, key, v))
		return def
	}
	return b
}

func (r *reader) list(key string) []string {
	var out []string
	for _, s := range strings.Split(r.str(key, ""), ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Load reads the configuration from the process environment.
func Load() (Config, error) {
	return load(os.LookupEnv)
}

func load(lookup func(string) (string, bool)) (Config, error) {
	r := &reader{lookup: lookup}
	c := Config{
		Port:             r.str("PORT", "8080"),
		DBPath:           r.str("DB_PATH", "pkgvault.db"),
		LogLevel:         r.str("LOG_LEVEL", "info"),
		LogFormat:        r.str("LOG_FORMAT", "text"),
		APIToken:         r.str("API_TOKEN", ""),
		AllowedOrigins:   r.list("ALLOWED_ORIGINS"),
		HistoryRetention: time.Duration(r.intVal("HISTORY_RETENTION_DAYS", 90)) * 24 * time.Hour,

		BackupRoot:   r.str("BACKUP_ROOT", "/sdcard/PkgVault/backups"),
		CatalogDir:   r.str("CATALOG_DIR", "/sdcard/PkgVault"),
		IconDir:      r.str("ICON_DIR", ""),
		StageDir:     r.str("STAGE_DIR", "/data/local/tmp/pkgvault"),
		UserID:       r.intVal("USER_ID", 0),
		Compression:  compress.Algorithm(strings.ToLower(r.str("COMPRESSION", string(compress.AlgorithmZstd)))),
		Compatible:   r.boolVal("COMPATIBLE", false),
		Strategy:     pipeline.Strategy(strings.ToLower(r.str("STRATEGY", string(pipeline.StrategyCover)))),
		BackupIcon:   r.boolVal("BACKUP_ICON", true),
		BackupItself: r.boolVal("BACKUP_ITSELF", false),
		Shell:        strings.Fields(r.str("SHELL", "su -c")),
		RequireRoot:  r.boolVal("REQUIRE_ROOT", true),

		Mirror: strings.ToLower(r.str("MIRROR", MirrorNone)),
		S3: mirror.S3Config{
			Endpoint:  r.str("S3_ENDPOINT", ""),
			Bucket:    r.str("S3_BUCKET", ""),
			Region:    r.str("S3_REGION", "us-east-1"),
			AccessKey: r.str("S3_ACCESS_KEY", ""),
			SecretKey: r.str("S3_SECRET_KEY", ""),
			Prefix:    r.str("S3_PREFIX", ""),
		},
		GCS: mirror.GCSConfig{
			Bucket:          r.str("GCS_BUCKET", ""),
			CredentialsFile: r.str("GCS_CREDENTIALS_FILE", ""),
			Prefix:          r.str("GCS_PREFIX", ""),
		},
		MirrorPassphrase: r.str("MIRROR_PASSPHRASE", ""),
	}

	user := strconv.Itoa(c.UserID)
	c.Paths = pipeline.Paths{
		User:   expandUser(r.str("PATH_USER", "/data/user/{user}"), user),
		UserDe: expandUser(r.str("PATH_USER_DE", "/data/user_de/{user}"), user),
		Data:   expandUser(r.str("PATH_DATA", "/data/media/{user}/Android/data"), user),
		Obb:    expandUser(r.str("PATH_OBB", "/data/media/{user}/Android/obb"), user),
	}
	return c, errors.Join(r.errs...)
}

func expandUser(path, user string) string {
	return strings.ReplaceAll(path, userPlaceholder, user)
}

// Validate rejects unknown enum values and incomplete mirror settings.
func (c Config) Validate() error {
	var errs []error
	if _, err := compress.ParseAlgorithm(string(c.Compression)); err != nil {
		errs = append(errs, err)
	}
	switch c.Strategy {
	case pipeline.StrategyCover, pipeline.StrategyTimestamp:
	default:
		errs = append(errs, fmt.Errorf("unknown strategy %q", c.Strategy))
	}
	if c.UserID < 0 {
		errs = append(errs, fmt.Errorf("user id %d is negative", c.UserID))
	}
	if c.HistoryRetention < 0 {
		errs = append(errs, errors.New("history retention is negative"))
	}
	for name, dir := range map[string]string{"backup root": c.BackupRoot, "catalog dir": c.CatalogDir, "stage dir": c.StageDir} {
		if dir == "" {
			errs = append(errs, fmt.Errorf("%s is empty", name))
		}
	}
	switch c.Mirror {
	case MirrorNone:
	case MirrorS3:
		if c.S3.Bucket == "" || c.S3.AccessKey == "" || c.S3.SecretKey == "" {
			errs = append(errs, errors.New("s3 mirror needs bucket, access key and secret key"))
		}
	case MirrorGCS:
		if c.GCS.Bucket == "" {
			errs = append(errs, errors.New("gcs mirror needs a bucket"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown mirror %q", c.Mirror))
	}
	return errors.Join(errs...)
}
