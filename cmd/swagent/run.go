package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/devmgmt/swagent"
	"github.com/devmgmt/swagent/internal/config"
	"github.com/devmgmt/swagent/pkg/mqtt"
)

func newRunCmd() *cobra.Command {
	var (
		flagBroker   string
		flagClientID string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the platform over MQTT and process software operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			broker := firstNonEmpty(flagBroker, cfg.MQTT.Broker)
			if broker == "" {
				return errors.New("--broker or mqtt.broker must be provided")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			token := swagent.NewToken()
			serial := deviceSerial(cfg.Agent.DeviceID)
			client, err := mqtt.Dial(ctx, mqtt.Config{
				Broker:   broker,
				ClientID: firstNonEmpty(flagClientID, cfg.MQTT.ClientID, serial),
				Username: mqttUsername(cfg.Platform),
				Password: cfg.Platform.Password,
				Token:    token,
			})
			if err != nil {
				return err
			}
			defer client.Close()

			rt, err := newRuntime(cfg, runtimeOptions{Publisher: client, Token: token})
			if err != nil {
				return err
			}
			defer rt.Close()

			agent, err := swagent.NewAgent(swagent.AgentConfig{
				Transport:    client,
				Dispatcher:   rt.dispatcher,
				Reporter:     rt.reporter,
				QueueSize:    cfg.Agent.QueueSize,
				TokenRefresh: cfg.Agent.TokenRefresh,
			})
			if err != nil {
				return err
			}
			log.Info().
				Str("broker", broker).
				Str("serial", rt.serial).
				Str("packagemanager", rt.mode.String()).
				Msg("starting software agent")

			err = agent.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVar(&flagBroker, "broker", "", "MQTT broker URL overriding mqtt.broker")
	cmd.Flags().StringVar(&flagClientID, "client-id", "", "MQTT client id (default mqtt.client_id or the device serial)")
	return cmd
}

// mqttUsername renders the tenant/user login used by the platform broker.
func mqttUsername(p config.PlatformConfig) string {
	user := strings.TrimSpace(p.User)
	if tenant := strings.TrimSpace(p.Tenant); tenant != "" && user != "" && !strings.Contains(user, "/") {
		return tenant + "/" + user
	}
	return user
}

// shutdownTimeout bounds how long one-shot commands wait for inventory pushes.
func shutdownTimeout() time.Duration {
	return config.Duration("SWAGENT_SHUTDOWN_TIMEOUT", 2*time.Minute)
}
