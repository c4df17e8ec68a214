package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/router-for-me/TrafficGovernor/internal/app"
	"github.com/router-for-me/TrafficGovernor/internal/config"
	"github.com/router-for-me/TrafficGovernor/internal/http/api/admin/permissions"
	"github.com/router-for-me/TrafficGovernor/internal/security"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// envPrefix scopes every flag to a GOVERNOR_<FLAG> environment variable.
const envPrefix = "GOVERNOR"

func newRootCommand() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "governor",
		Short:         "Traffic governor: rate limiting, webhook delivery and alerting",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return v.BindPFlags(cmd.Flags())
		},
	}
	root.PersistentFlags().String("config", "", "config file path (or env CONFIG_PATH)")

	root.AddCommand(
		newServeCommand(v),
		newMigrateCommand(v),
		newInitCommand(v),
		newTokenCommand(v),
		newHashKeyCommand(),
	)
	return root
}

// configPath prefers --config / GOVERNOR_CONFIG and falls back to CONFIG_PATH.
func configPath(v *viper.Viper) (string, error) {
	if p := strings.TrimSpace(v.GetString("config")); p != "" {
		return config.ResolveConfigPath(p), nil
	}
	appCfg, err := config.LoadFromEnv()
	if err != nil {
		return "", err
	}
	return config.ResolveConfigPath(appCfg.ConfigPath), nil
}

func newServeCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := configPath(v)
			if err != nil {
				return err
			}
			port := v.GetInt("port")
			if port < 0 || port > 65535 {
				return fmt.Errorf("invalid port: %d", port)
			}
			logLevel := strings.TrimSpace(v.GetString("log-level"))
			return app.RunServer(cmd.Context(), path, func(cfg *config.Config) {
				if port > 0 {
					cfg.Server.Port = port
				}
				if logLevel != "" {
					cfg.Logging.Level = logLevel
				}
			})
		},
	}
	cmd.Flags().Int("port", 0, "override server.port")
	cmd.Flags().String("log-level", "", "override logging.level")
	return cmd
}

func newMigrateCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := configPath(v)
			if err != nil {
				return err
			}
			return app.Migrate(cmd.Context(), path)
		},
	}
}

func newInitCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a first config file and bootstrap admin API key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := configPath(v)
			if err != nil {
				return err
			}
			res, err := app.InitConfig(cmd.Context(), path, app.InitRequest{
				DatabaseType:     v.GetString("db-type"),
				DatabaseHost:     v.GetString("db-host"),
				DatabasePort:     v.GetInt("db-port"),
				DatabaseUser:     v.GetString("db-user"),
				DatabasePassword: v.GetString("db-password"),
				DatabaseName:     v.GetString("db-name"),
				DatabasePath:     v.GetString("db-path"),
				DatabaseSSLMode:  v.GetString("db-sslmode"),
				Port:             v.GetInt("port"),
				RateLimitStore:   v.GetString("ratelimit-store"),
				RedisAddr:        v.GetString("redis-addr"),
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "config written to %s\n", res.ConfigPath)
			fmt.Fprintf(out, "admin api key (shown once): %s\n", res.AdminAPIKey)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.String("db-type", "sqlite", "database type: sqlite or postgres")
	flags.String("db-host", "", "postgres host")
	flags.Int("db-port", 5432, "postgres port")
	flags.String("db-user", "", "postgres user")
	flags.String("db-password", "", "postgres password")
	flags.String("db-name", "", "postgres database name")
	flags.String("db-path", "", "sqlite file path")
	flags.String("db-sslmode", "disable", "postgres sslmode")
	flags.Int("port", 0, "server port")
	flags.String("ratelimit-store", "", "ledger store: memory, redis or database")
	flags.String("redis-addr", "", "redis address for the redis ledger store")
	return cmd
}

func newTokenCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an admin JWT",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := configPath(v)
			if err != nil {
				return err
			}
			jwtCfg, err := config.LoadJWTConfig(path)
			if err != nil {
				return err
			}
			if jwtCfg.Secret == "" {
				return fmt.Errorf("jwt secret is not configured")
			}

			subject := strings.TrimSpace(v.GetString("subject"))
			if subject == "" {
				return fmt.Errorf("--subject is required")
			}
			super := v.GetBool("super")
			perms := permissions.NormalizePermissions(v.GetStringSlice("permission"))
			if !super {
				if len(perms) == 0 {
					return fmt.Errorf("at least one --permission or --super is required")
				}
				if errValidate := permissions.ValidatePermissions(perms); errValidate != nil {
					return errValidate
				}
			}
			expiry := v.GetDuration("expiry")
			if expiry <= 0 {
				expiry = jwtCfg.Expiry
			}

			token, err := security.IssueAdminToken(jwtCfg.Secret, subject, perms, super, expiry, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.String("subject", "", "token subject")
	flags.StringSlice("permission", nil, `permission key such as "GET /v0/admin/ratelimits" (repeatable)`)
	flags.Bool("super", false, "grant every permission")
	flags.Duration("expiry", 0, "token lifetime (defaults to jwt.expiry)")
	return cmd
}

func newHashKeyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-key [key]",
		Short: "Hash an admin API key for admin-api-keys, generating one when omitted",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := ""
			if len(args) == 1 {
				key = strings.TrimSpace(args[0])
			}
			if key == "" {
				generated, err := security.GenerateRandomString(24)
				if err != nil {
					return err
				}
				key = generated
				fmt.Fprintf(cmd.OutOrStdout(), "key: %s\n", key)
			}
			hash, err := security.HashAPIKey(key)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "hash: %s\n", hash)
			return nil
		},
	}
}
