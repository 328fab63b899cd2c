package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// sendCmd talks to the account service directly, without the bridge.
func sendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send or revoke a message through the messaging account",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "text [to] [message...]",
		Short: "Send a text message",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendWith(func(ctx context.Context, send sender) bool {
				return send.SendText(ctx, args[0], strings.Join(args[1:], " "))
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "image [to] [path]",
		Short: "Send a local image file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := filepath.Abs(args[1])
			if err != nil {
				return err
			}
			return sendWith(func(ctx context.Context, send sender) bool {
				return send.SendImage(ctx, args[0], path)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "revoke [msg-id] [to]",
		Short: "Revoke a previously sent message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendWith(func(ctx context.Context, send sender) bool {
				return send.Revoke(ctx, args[0], args[1])
			})
		},
	})

	return cmd
}

type sender interface {
	SendText(ctx context.Context, to, content string) bool
	SendImage(ctx context.Context, to, path string) bool
	Revoke(ctx context.Context, msgID, to string) bool
}

func sendWith(fn func(ctx context.Context, send sender) bool) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	acct := newAccountClient(cfg)
	defer acct.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*cfg.Account.Timeout()+5*time.Second)
	defer cancel()
	if !fn(ctx, acct) {
		return fmt.Errorf("account service rejected the request")
	}
	fmt.Println("ok")
	return nil
}
