package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/coder/websocket"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/conductor/internal/notify"
	"github.com/nextlevelbuilder/conductor/pkg/protocol"
)

func watchCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream notifications from the running gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			c, err := newGatewayClient()
			if err != nil {
				return err
			}
			return runWatch(ctx, c, all)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "print every gateway event, not just notifications")
	return cmd
}

func runWatch(ctx context.Context, c *gatewayClient, all bool) error {
	wsURL := "ws" + strings.TrimPrefix(c.base, "http") + protocol.RouteWebSocket
	headers := http.Header{}
	if c.token != "" {
		headers.Set("Authorization", "Bearer "+c.token)
	}
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		return fmt.Errorf("ws dial %s: %w", wsURL, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")
	conn.SetReadLimit(1 << 20)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			var ce websocket.CloseError
			if errors.As(err, &ce) {
				return fmt.Errorf("gateway closed connection: %d %s", ce.Code, ce.Reason)
			}
			return fmt.Errorf("ws read: %w", err)
		}
		printFrame(data, all)
	}
}

func printFrame(data []byte, all bool) {
	var f struct {
		Event   string          `json:"event"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return
	}
	if f.Event == protocol.EventNotification {
		var n notify.Notification
		if json.Unmarshal(f.Payload, &n) == nil {
			fmt.Println(notify.Format(n))
		}
		return
	}
	if all {
		fmt.Printf("%s %s\n", f.Event, f.Payload)
	}
}
