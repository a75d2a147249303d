package huddle

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Mode string

const (
	DevMode  Mode = "dev"
	ProdMode Mode = "prod"
)

type Config struct {
	// Mode is either dev or prod. In prod mode the server only accepts
	// modern TLS configurations. The default is dev.
	Mode Mode `validate:"required,oneof=dev prod"`
	// Port is the Port number to listen on. The default is 8080.
	Port int `validate:"required,port"`
	// Hostname is the Hostname to listen on. The default is 0.0.0.0.
	Hostname string `validate:"required"`
	Log      struct {
		// Level is one of debug, info, warn or error. The default is info.
		Level slog.Level
	}
	Auth struct {
		// Secret is the Secret key used to sign JWT tokens.
		// The secret must be a base64 encoded string. The default is a random 32 byte string.
		Secret Base64Encoded `validate:"required"`
		// TokenExp is how long a session token stays valid. The default is 24h.
		TokenExp time.Duration `validate:"gt=0"`
	}
	SQLite struct {
		// File is the path to the SQLite database file.
		File string `validate:"required"`
		// Migrations is the path to the directory that the migration files reside.
		Migrations string `validate:"required"`
	}
	// AllowedOrigins is a list of origins that are allowed to connect to the server.
	// The default is ["*"].
	AllowedOrigins []string
	WS             struct {
		// WriteBufferSize is the number of outbound events queued per
		// connection before the connection is considered too slow and dropped.
		WriteBufferSize int `validate:"gt=0"`
		// MaxMessageSize is the largest inbound frame in bytes.
		MaxMessageSize int64 `validate:"gt=0"`
	}
	Call struct {
		// RingTimeout is how long a call may ring before it is ended.
		RingTimeout time.Duration `validate:"gt=0"`
		// SweepInterval is how often ringing calls are checked for timeout.
		SweepInterval time.Duration `validate:"gt=0"`
	}
	IdentityCache struct {
		Size int `validate:"gt=0"`
	}
	TLS struct {
		Crt string
		Key string `validate:"required_with=Crt"`
	}
	valid bool
}

type Base64Encoded []byte

func (b *Base64Encoded) UnmarshalText(text []byte) error {
	dec, err := base64.StdEncoding.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("base64 decode: %w", err)
	}
	*b = dec
	return nil
}

func setDefaults(v *viper.Viper) error {
	// generate a random secret key
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return fmt.Errorf("generate secret: %w", err)
	}

	v.SetDefault("mode", DevMode)
	v.SetDefault("port", 8080)
	v.SetDefault("hostname", "0.0.0.0")
	v.SetDefault("log.level", "info")
	v.SetDefault("auth.secret", base64.StdEncoding.EncodeToString(secret))
	v.SetDefault("auth.tokenexp", 24*time.Hour)
	v.SetDefault("sqlite.file", "./huddle.db")
	v.SetDefault("sqlite.migrations", "./migrations")
	v.SetDefault("allowedorigins", []string{"*"})
	v.SetDefault("ws.writebuffersize", 256)
	v.SetDefault("ws.maxmessagesize", 64<<10)
	v.SetDefault("call.ringtimeout", time.Minute)
	v.SetDefault("call.sweepinterval", 5*time.Second)
	v.SetDefault("identitycache.size", 1024)
	v.SetDefault("tls.crt", "")
	v.SetDefault("tls.key", "")
	return nil
}

// LoadConfig loads the configuration from the config file found in any of
// paths, then from environment variables prefixed with HUDDLE_ (HUDDLE_PORT,
// HUDDLE_AUTH_SECRET, HUDDLE_WS_WRITEBUFFERSIZE, ...).
// A missing config file is not an error.
// Any invalid configuration will not be loaded, and the error wil be cought in the validation step.
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetEnvPrefix("huddle")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := setDefaults(v); err != nil {
		return nil, err
	}

	if len(paths) > 0 {
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	return decodeConfig(v), nil
}

func decodeConfig(v *viper.Viper) *Config {
	config := &Config{}
	if err := v.Unmarshal(config,
		viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
			mapstructure.TextUnmarshallerHookFunc(),
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(",")),
		),
	); err != nil {
		// defer error to validation step
		return config
	}
	return config
}

func (c *Config) Validate() error {
	if c.valid {
		return nil
	}
	err := validate.Struct(c)
	if err != nil {
		return err
	}
	c.valid = true
	return nil
}

// FormatValidationErrors renders the validation errors of a config, one per line
// in a stable order. It returns an empty string for any other error.
func FormatValidationErrors(err error) string {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return ""
	}
	trans, _ := uniTrans.GetTranslator("en")
	translated := errs.Translate(trans)

	var sb strings.Builder
	for _, k := range slices.Sorted(maps.Keys(translated)) {
		sb.WriteString(translated[k])
		sb.WriteString("\n")
	}
	return sb.String()
}
