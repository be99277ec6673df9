/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/Seednode/dynamicboard/board"
	"github.com/Seednode/dynamicboard/identity"
)

type Config struct {
	allowAnonymous bool
	allowedOrigins []string
	authTimeout    time.Duration
	bind           string
	codeLength     int
	echo           bool
	jwtAudience    string
	jwtIssuer      string
	jwtPublicKey   string
	jwtSecret      string
	logger         *slog.Logger
	maxBatch       int
	metrics        bool
	port           int
	prefix         string
	profile        bool
	protectAPI     bool
	redisAddr      string
	redisDB        int
	redisPassword  string
	redisPrefix    string
	redisTTL       time.Duration
	sendBuffer     int
	sessionTimeout time.Duration
	shareURL       string
	store          string
	strokesIndex   bool
	tlsCert        string
	tlsKey         string
	verbose        bool
	version        bool
}

func (c *Config) validate() error {
	if (c.tlsCert == "") != (c.tlsKey == "") {
		return errors.New("both --tls-cert and --tls-key must be provided together")
	}
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.port)
	}
	if c.codeLength < 4 || c.codeLength > 16 {
		return fmt.Errorf("invalid code length (must be between 4-16 inclusive): %d", c.codeLength)
	}
	switch c.store {
	case "memory":
	case "redis":
		if c.redisAddr == "" {
			return errors.New("--redis-addr is required when --store=redis")
		}
		// An idle session can outlive its last activity by half a reaper interval.
		if c.redisTTL > 0 && (c.sessionTimeout <= 0 || c.redisTTL < 2*c.sessionTimeout) {
			return fmt.Errorf("invalid redis ttl %s (must be 0 or at least twice --session-timeout, which must be set)", c.redisTTL)
		}
	default:
		return fmt.Errorf("invalid store %q (must be memory or redis)", c.store)
	}
	if c.jwtSecret == "" && c.jwtPublicKey == "" && !c.allowAnonymous {
		return errors.New("one of --jwt-secret, --jwt-public-key or --allow-anonymous is required")
	}
	if c.sendBuffer < 1 {
		return fmt.Errorf("invalid send buffer: %d", c.sendBuffer)
	}
	if c.maxBatch < 1 {
		return fmt.Errorf("invalid max batch: %d", c.maxBatch)
	}
	return nil
}

func (c *Config) scheme() string {
	if c.tlsCert != "" && c.tlsKey != "" {
		return "https"
	}
	return "http"
}

// authenticator builds the credential validator described by the flags.
func (c *Config) authenticator() (identity.Authenticator, error) {
	var auth identity.Authenticator

	if c.jwtSecret != "" || c.jwtPublicKey != "" {
		jc := identity.JWTConfig{
			Secret:   c.jwtSecret,
			Issuer:   c.jwtIssuer,
			Audience: c.jwtAudience,
			Leeway:   30 * time.Second,
		}

		if c.jwtPublicKey != "" {
			data, err := os.ReadFile(c.jwtPublicKey)
			if err != nil {
				return nil, err
			}
			jc.PublicKeyPEM = data
		}

		jwtAuth, err := identity.NewJWTAuthenticator(jc)
		if err != nil {
			return nil, err
		}
		auth = jwtAuth
	}

	if c.allowAnonymous {
		return identity.AllowAnonymous(auth), nil
	}

	return auth, nil
}

func newCmd(cfg *Config) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("DYNAMICBOARD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "dynamicboard",
		Short:         "A realtime collaborative whiteboard server.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		Version:       releaseVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			return ServePage(cmd.Context(), cfg, args)
		},
	}

	fs := cmd.Flags()

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.BoolVar(&cfg.allowAnonymous, "allow-anonymous", false, "accept connections without a credential (env: DYNAMICBOARD_ALLOW_ANONYMOUS)")
	fs.StringSliceVar(&cfg.allowedOrigins, "allowed-origins", nil, "origins allowed to call the api and open websockets, or * for any (env: DYNAMICBOARD_ALLOWED_ORIGINS)")
	fs.DurationVar(&cfg.authTimeout, "auth-timeout", board.DefaultAuthTimeout, "time allowed for credential validation (env: DYNAMICBOARD_AUTH_TIMEOUT)")
	fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: DYNAMICBOARD_BIND)")
	fs.IntVar(&cfg.codeLength, "code-length", board.DefaultCodeLength, "length of generated session codes (env: DYNAMICBOARD_CODE_LENGTH)")
	fs.BoolVar(&cfg.echo, "echo", true, "deliver a participant's own strokes and messages back to them (env: DYNAMICBOARD_ECHO)")
	fs.StringVar(&cfg.jwtAudience, "jwt-audience", "", "required token audience (env: DYNAMICBOARD_JWT_AUDIENCE)")
	fs.StringVar(&cfg.jwtIssuer, "jwt-issuer", "", "required token issuer (env: DYNAMICBOARD_JWT_ISSUER)")
	fs.StringVar(&cfg.jwtPublicKey, "jwt-public-key", "", "path to a PEM public key for RSA, ECDSA or Ed25519 tokens (env: DYNAMICBOARD_JWT_PUBLIC_KEY)")
	fs.StringVar(&cfg.jwtSecret, "jwt-secret", "", "shared secret for HMAC tokens (env: DYNAMICBOARD_JWT_SECRET)")
	fs.IntVar(&cfg.maxBatch, "max-batch", board.DefaultMaxBatch, "maximum points accepted in one publish (env: DYNAMICBOARD_MAX_BATCH)")
	fs.BoolVar(&cfg.metrics, "metrics", false, "expose prometheus metrics at /metrics (env: DYNAMICBOARD_METRICS)")
	fs.IntVarP(&cfg.port, "port", "p", 8080, "port to listen on (env: DYNAMICBOARD_PORT)")
	fs.StringVar(&cfg.prefix, "prefix", "", "path to prepend to all URLs, for use behind reverse proxy (env: DYNAMICBOARD_PREFIX)")
	fs.BoolVar(&cfg.profile, "profile", false, "register net/http/pprof handlers (env: DYNAMICBOARD_PROFILE)")
	fs.BoolVar(&cfg.protectAPI, "protect-api", false, "require a bearer credential on mutating api calls (env: DYNAMICBOARD_PROTECT_API)")
	fs.StringVar(&cfg.redisAddr, "redis-addr", "", "redis address, used with --store=redis (env: DYNAMICBOARD_REDIS_ADDR)")
	fs.IntVar(&cfg.redisDB, "redis-db", 0, "redis database number (env: DYNAMICBOARD_REDIS_DB)")
	fs.StringVar(&cfg.redisPassword, "redis-password", "", "redis password (env: DYNAMICBOARD_REDIS_PASSWORD)")
	fs.StringVar(&cfg.redisPrefix, "redis-prefix", "dynamicboard", "prefix for redis keys (env: DYNAMICBOARD_REDIS_PREFIX)")
	fs.DurationVar(&cfg.redisTTL, "redis-ttl", 24*time.Hour, "expiry of stored strokes once no connection holds them, 0 to disable (env: DYNAMICBOARD_REDIS_TTL)")
	fs.IntVar(&cfg.sendBuffer, "send-buffer", board.DefaultSendBuffer, "outbound queue length per connection before it is dropped (env: DYNAMICBOARD_SEND_BUFFER)")
	fs.DurationVar(&cfg.sessionTimeout, "session-timeout", 60*time.Minute, "time before idle sessions are ended, 0 to disable (env: DYNAMICBOARD_SESSION_TIMEOUT)")
	fs.StringVar(&cfg.shareURL, "share-url", "", "base URL of the drawing client encoded in qr codes, defaults to this server (env: DYNAMICBOARD_SHARE_URL)")
	fs.StringVar(&cfg.store, "store", "memory", "stroke store backend: memory or redis (env: DYNAMICBOARD_STORE)")
	fs.BoolVar(&cfg.strokesIndex, "strokes-index", true, "serve the strokes of every live session from GET /strokes when no code is given (env: DYNAMICBOARD_STROKES_INDEX)")
	fs.StringVar(&cfg.tlsCert, "tls-cert", "", "path to tls certificate (env: DYNAMICBOARD_TLS_CERT)")
	fs.StringVar(&cfg.tlsKey, "tls-key", "", "path to tls keyfile (env: DYNAMICBOARD_TLS_KEY)")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "display additional output (env: DYNAMICBOARD_VERBOSE)")
	fs.BoolVarP(&cfg.version, "version", "V", false, "display version and exit (env: DYNAMICBOARD_VERSION)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("dynamicboard v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}
