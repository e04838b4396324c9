// Command chatctl is the operator tool of the chat pipeline: it prepares
// the broker and the history store, clears history, and probes a running
// deployment end to end.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/weiawesome/wes-io-chat/pkg/bus"
	"github.com/weiawesome/wes-io-chat/pkg/cache"
	pkgconfig "github.com/weiawesome/wes-io-chat/pkg/config"
	"github.com/weiawesome/wes-io-chat/pkg/log"
	"github.com/weiawesome/wes-io-chat/pkg/store"
)

type settings struct {
	Bus   bus.Config
	Store store.Config
	Cache cache.Config
	v     *viper.Viper
}

var (
	configDir string
	logLevel  string
	timeout   time.Duration

	cfg *settings
)

var rootCmd = &cobra.Command{
	Use:   "chatctl",
	Short: "Operate the chat message pipeline",
	Long: `chatctl prepares and checks the chat pipeline.

It reads the same config.yaml and environment variables as the services
(bus.*, store.*, redis.*, cache.*).`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		log.Init(log.Config{Level: logLevel, Pretty: true, ServiceName: "chatctl"})

		v, err := pkgconfig.Load(configDir, "config")
		if err != nil {
			return err
		}
		v.SetDefault("bus.driver", "rabbitmq")
		v.BindEnv("bus.driver", "BUS_DRIVER")
		v.BindEnv("bus.url", "RABBITMQ_URL")
		v.BindEnv("bus.brokers", "KAFKA_BROKERS")
		v.BindEnv("auth.jwt_secret", "JWT_SECRET")
		store.BindEnv(v)
		cache.BindEnv(v)

		cfg = &settings{
			Bus:   bus.ConfigFromViper(v),
			Store: store.ConfigFromViper(v),
			Cache: cache.ConfigFromViper(v),
			v:     v,
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config", "./config", "directory containing config.yaml")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "overall command timeout")

	rootCmd.AddCommand(initCmd, flushCmd, probeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
