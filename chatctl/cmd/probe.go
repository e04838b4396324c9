package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/weiawesome/wes-io-chat/chatctl/internal/probe"
	"github.com/weiawesome/wes-io-chat/pkg/jwt"
)

var probeOpts probe.Options

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Send a message through a running deployment and wait for it in history",
	Example: `  chatctl probe --room general
  chatctl probe --gateway ws://chat:3003/chat/ws --history http://history:3002`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := probeOpts
		opts.Timeout = timeout

		if opts.Token == "" {
			if secret := cfg.v.GetString("auth.jwt_secret"); secret != "" {
				issuer := cfg.v.GetString("auth.issuer")
				if issuer == "" {
					issuer = "wes-io-chat"
				}
				m, err := jwt.NewManager(secret, 10*time.Minute, issuer)
				if err != nil {
					return err
				}
				token, _, err := m.GenerateAccessToken("chatctl-probe", "probe")
				if err != nil {
					return fmt.Errorf("issue probe token: %w", err)
				}
				opts.Token = token
			}
		}

		res, err := probe.Run(cmd.Context(), opts)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "delivered in %s, persisted in %s\n",
			res.Delivered.Round(time.Millisecond), res.Persisted.Round(time.Millisecond))
		return nil
	},
}

func init() {
	probeCmd.Flags().StringVar(&probeOpts.GatewayURL, "gateway", "ws://localhost:3003/chat/ws", "gateway websocket URL")
	probeCmd.Flags().StringVar(&probeOpts.HistoryURL, "history", "http://localhost:3002", "history service base URL, empty to skip")
	probeCmd.Flags().StringVar(&probeOpts.Room, "room", "general", "room to probe")
	probeCmd.Flags().StringVar(&probeOpts.Token, "token", "", "access token; generated from auth.jwt_secret when empty")
	probeCmd.Flags().DurationVar(&probeOpts.Poll, "poll", 500*time.Millisecond, "history poll interval")
}
