package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/weiawesome/wes-io-chat/pkg/cache"
	"github.com/weiawesome/wes-io-chat/pkg/log"
	"github.com/weiawesome/wes-io-chat/pkg/store"
)

var flushYes bool

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Delete every stored message and cached history",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !flushYes {
			return errors.New("refusing to delete history without --yes")
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		l := log.L()

		s, err := store.New(ctx, cfg.Store)
		if err != nil {
			return fmt.Errorf("connect store: %w", err)
		}
		defer s.Close()
		if err := s.Flush(ctx); err != nil {
			return fmt.Errorf("flush store: %w", err)
		}
		l.Info().Str(log.FieldDriver, cfg.Store.Driver).Msg("history store cleared")

		// Cleared after the store so no reader can repopulate stale pages.
		c := cache.NewRedisHistoryCache(cfg.Cache)
		defer c.Close()
		n, err := c.Flush(ctx)
		if err != nil {
			return fmt.Errorf("flush cache: %w", err)
		}
		l.Info().Int("keys", n).Msg("history cache cleared")
		return nil
	},
}

func init() {
	flushCmd.Flags().BoolVar(&flushYes, "yes", false, "confirm deletion")
}
