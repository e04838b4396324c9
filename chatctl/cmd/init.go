package main

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/cobra"

	"github.com/weiawesome/wes-io-chat/pkg/bus"
	"github.com/weiawesome/wes-io-chat/pkg/log"
	"github.com/weiawesome/wes-io-chat/pkg/store"
)

var skipStore bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Declare the bus topology and migrate the history store",
	Long: `Declares the durable topic exchange, the persist queue and its binding
(or creates the Kafka topic), then creates the history store schema.
Every step is idempotent.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		l := log.L()

		if err := declareBus(ctx, cfg.Bus); err != nil {
			return err
		}
		l.Info().Str(log.FieldDriver, cfg.Bus.Driver).Msg("bus topology declared")

		if skipStore {
			return nil
		}
		s, err := store.New(ctx, cfg.Store)
		if err != nil {
			return fmt.Errorf("connect store: %w", err)
		}
		defer s.Close()
		if err := s.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate store: %w", err)
		}
		l.Info().Str(log.FieldDriver, cfg.Store.Driver).Msg("history store migrated")
		return nil
	},
}

func init() {
	initCmd.Flags().BoolVar(&skipStore, "skip-store", false, "only declare the bus topology")
}

func declareBus(ctx context.Context, cfg bus.Config) error {
	if cfg.Driver == "kafka" {
		return bus.EnsureTopic(ctx, cfg.Kafka)
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return fmt.Errorf("connect rabbitmq: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	return bus.DeclareTopology(ch, cfg.Topology, true)
}
