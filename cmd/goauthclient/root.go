package main

import (
	"errors"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	goAuthClient "github.com/MrEthical07/goAuthClient"
	"github.com/MrEthical07/goAuthClient/internal/logging"
)

const envPrefix = "GOAUTHCLIENT"

type rootOptions struct {
	configFile string
	logLevel   string
	dev        bool

	v *viper.Viper
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{v: viper.New()}

	cmd := &cobra.Command{
		Use:           "goauthclient",
		Short:         "Authenticated API client tooling",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (yaml, json or toml)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "log level: debug, info, warn, error")
	cmd.PersistentFlags().BoolVar(&opts.dev, "dev", false, "human-readable console logs")
	cmd.PersistentFlags().String("base-url", "", "API base URL")
	_ = opts.v.BindPFlag("base_url", cmd.PersistentFlags().Lookup("base-url"))

	cmd.AddCommand(
		newStormCommand(opts),
		newCheckCommand(opts),
		newConfigCommand(opts),
	)
	return cmd
}

// loadConfig merges defaults, the config file, GOAUTHCLIENT_* variables and
// bound flags, in increasing precedence.
func (o *rootOptions) loadConfig() (goAuthClient.Config, error) {
	v := o.v
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, goAuthClient.DefaultConfig())

	if o.configFile != "" {
		v.SetConfigFile(o.configFile)
		if err := v.ReadInConfig(); err != nil {
			var nf viper.ConfigFileNotFoundError
			if !errors.As(err, &nf) {
				return goAuthClient.Config{}, err
			}
		}
	}

	var cfg goAuthClient.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return goAuthClient.Config{}, err
	}
	return cfg, nil
}

func (o *rootOptions) logger() (*zap.Logger, error) {
	return logging.New(o.logLevel, o.dev)
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, cfg goAuthClient.Config) {
	v.SetDefault("base_url", cfg.BaseURL)

	v.SetDefault("expiry.margin", cfg.Expiry.Margin)
	v.SetDefault("expiry.signing_method", cfg.Expiry.SigningMethod)
	v.SetDefault("expiry.verify_key", cfg.Expiry.VerifyKey)

	v.SetDefault("refresh.mode", cfg.Refresh.Mode)
	v.SetDefault("refresh.path", cfg.Refresh.Path)
	v.SetDefault("refresh.timeout", cfg.Refresh.Timeout)
	v.SetDefault("refresh.oauth2.token_url", cfg.Refresh.OAuth2.TokenURL)
	v.SetDefault("refresh.oauth2.client_id", cfg.Refresh.OAuth2.ClientID)
	v.SetDefault("refresh.oauth2.client_secret", cfg.Refresh.OAuth2.ClientSecret)
	v.SetDefault("refresh.oauth2.scopes", cfg.Refresh.OAuth2.Scopes)

	v.SetDefault("routes.public", cfg.Routes.Public)
	v.SetDefault("routes.reject_statuses", cfg.Routes.RejectStatuses)
	v.SetDefault("routes.manage_base_host_only", cfg.Routes.ManageBaseHostOnly)

	v.SetDefault("persist.backend", cfg.Persist.Backend)
	v.SetDefault("persist.ttl", cfg.Persist.TTL)
	v.SetDefault("persist.name", cfg.Persist.Name)
	v.SetDefault("persist.redis_addr", cfg.Persist.RedisAddr)
	v.SetDefault("persist.redis_prefix", cfg.Persist.RedisPrefix)
	v.SetDefault("persist.aws_region", cfg.Persist.AWSRegion)
	v.SetDefault("persist.aws_endpoint", cfg.Persist.AWSEndpoint)
	v.SetDefault("persist.aws_secret", cfg.Persist.AWSSecret)

	v.SetDefault("audit.enabled", cfg.Audit.Enabled)
	v.SetDefault("audit.buffer_size", cfg.Audit.BufferSize)
	v.SetDefault("audit.drop_if_full", cfg.Audit.DropIfFull)

	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.enable_latency_histograms", cfg.Metrics.EnableLatencyHistograms)

	v.SetDefault("transport.timeout", cfg.Transport.Timeout)
	v.SetDefault("transport.max_idle_conns_per_host", cfg.Transport.MaxIdleConnsPerHost)
	v.SetDefault("transport.user_agent", cfg.Transport.UserAgent)
}
