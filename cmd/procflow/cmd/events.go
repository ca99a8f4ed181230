// 本文件实现 events 命令，用于查看实例事件历史。
//
// 该命令会显示指定实例的事件日志，事件按序号升序且无空洞。
// 可以通过 --from 参数指定起始序号，--follow 参数通过
// WebSocket 实时跟随新事件直到实例进入终态。
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

// eventsCmd 是 events 命令的 cobra.Command 实例。
var eventsCmd = &cobra.Command{
	Use:   "events <instance-id>",
	Short: "View instance event log",
	Long: `View the event log of a process instance.

Examples:
  # View all events
  procflow events 01H...

  # View events from sequence 10 onwards
  procflow events 01H... --from 10

  # Follow new events until the instance terminates
  procflow events 01H... --follow

  # Output as JSON
  procflow events 01H... -o json`,
	Args: cobra.ExactArgs(1),
	RunE: runEvents,
}

// eventsFrom 起始事件序号（含）。
var eventsFrom int64

// eventsFollow 是否通过 WebSocket 实时跟随。
var eventsFollow bool

// init 注册 events 命令并设置命令行标志。
func init() {
	rootCmd.AddCommand(eventsCmd)
	eventsCmd.Flags().Int64Var(&eventsFrom, "from", 0, "Start from this sequence number (inclusive)")
	eventsCmd.Flags().BoolVarP(&eventsFollow, "follow", "f", false, "Follow new events (WebSocket stream)")
}

func runEvents(cmd *cobra.Command, args []string) error {
	id := args[0]
	client := NewClient()

	if eventsFollow {
		return followEvents(client.baseURL, id)
	}

	events, err := client.ListEvents(id, eventsFrom)
	if err != nil {
		return err
	}

	if len(events) == 0 {
		fmt.Printf("No events found for instance '%s'.\n", id)
		return nil
	}

	return NewPrinter().PrintEvents(events)
}

func followEvents(baseURL, id string) error {
	wsURL, err := buildWebSocketURL(baseURL, fmt.Sprintf("/api/v1/instances/%s/events/stream", id))
	if err != nil {
		return err
	}
	if eventsFrom > 0 {
		wsURL += fmt.Sprintf("?from_seq=%d", eventsFrom)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect event stream: %w", err)
	}
	defer conn.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = conn.Close()
	}()

	fmt.Printf("Following events for instance '%s' (Ctrl+C to stop)...\n", id)

	printer := NewPrinter()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			// 用户中断视为正常退出
			if ctx.Err() != nil {
				return nil
			}
			// 实例进入终态时服务端正常关闭流
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("event stream closed: %w", err)
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		if err := printer.PrintEvent(&ev); err != nil {
			return err
		}
	}
}

func buildWebSocketURL(baseURL, path string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid api url: %w", err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
		// ok
	default:
		return "", fmt.Errorf("unsupported api url scheme: %s", u.Scheme)
	}

	u.Path = path
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}
