package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/pulseiq/portal/internal/domain/notification"
	"github.com/pulseiq/portal/internal/platform/auth"
	"github.com/pulseiq/portal/internal/platform/websocket"
)

func notificationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "notifications",
		Aliases: []string{"notif"},
		Short:   "Show and manage test-upload notifications",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List notifications, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			unreadOnly, _ := cmd.Flags().GetBool("unread")
			return withFeed(cmd, func(ctx context.Context, f *notification.Feed) error {
				items := f.Items()
				if unreadOnly {
					items = unread(items)
				}
				printNotifications(cmd.OutOrStdout(), items, f.UnreadCount())
				return nil
			})
		},
	}
	listCmd.Flags().Bool("unread", false, "Only unread notifications")
	cmd.AddCommand(listCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "read <id>",
		Short: "Mark one notification as read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid notification id %q", args[0])
			}
			return withFeed(cmd, func(ctx context.Context, f *notification.Feed) error {
				if err := f.MarkOne(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d unread\n", f.UnreadCount())
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "read-all",
		Short: "Mark every notification as read",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFeed(cmd, func(ctx context.Context, f *notification.Feed) error {
				return f.MarkAll(ctx)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Remove all of your notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFeed(cmd, func(ctx context.Context, f *notification.Feed) error {
				if err := f.Clear(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Notifications cleared")
				return nil
			})
		},
	})

	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the feed through the companion daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			sess, err := a.session(cmd.Context())
			if err != nil {
				return err
			}
			url, _ := cmd.Flags().GetString("url")
			if url == "" {
				url = "ws://localhost:" + a.cfg.Port + "/ws"
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return watchFeed(ctx, url, sess.Token, cmd.OutOrStdout())
		},
	}
	watchCmd.Flags().String("url", "", "Daemon websocket URL (default ws://localhost:$PORT/ws)")
	cmd.AddCommand(watchCmd)

	return cmd
}

// withFeed loads the logged-in user's feed from the configured store.
func withFeed(cmd *cobra.Command, fn func(context.Context, *notification.Feed) error) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	sess, err := a.session(ctx)
	if err != nil {
		return err
	}
	rtype, ok := auth.RecipientType(sess.Role)
	if !ok {
		return fmt.Errorf("role %q has no notification feed", sess.Role)
	}

	store, pool, err := a.notificationStore(ctx)
	if err != nil {
		return err
	}
	if pool != nil {
		defer pool.Close()
	}

	f := notification.NewFeed(store, notification.FeedOptions{Logger: a.logger})
	if err := f.SetUser(ctx, sess.UserID, rtype); err != nil {
		return err
	}
	return fn(ctx, f)
}

func watchFeed(ctx context.Context, url, token string, out io.Writer) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := gorillawebsocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return fmt.Errorf("connect to daemon: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(gorillawebsocket.CloseMessage,
			gorillawebsocket.FormatCloseMessage(gorillawebsocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	})
	defer stop()

	for {
		var ev websocket.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil || gorillawebsocket.IsCloseError(err, gorillawebsocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("read event: %w", err)
		}
		printEvent(out, ev)
	}
}

func printEvent(out io.Writer, ev websocket.Event) {
	var items []notification.Notification
	if len(ev.Data) > 0 {
		if err := json.Unmarshal(ev.Data, &items); err != nil {
			fmt.Fprintf(out, "%s: undecodable payload\n", ev.Type)
			return
		}
	}
	switch ev.Type {
	case websocket.EventSnapshot:
		printNotifications(out, items, ev.UnreadCount)
	case websocket.EventIngested:
		for _, n := range items {
			fmt.Fprintf(out, "new  #%d  %s\n", n.ID, n.Message)
		}
		fmt.Fprintf(out, "%d unread\n", ev.UnreadCount)
	default:
		fmt.Fprintf(out, "%s  %d unread\n", strings.TrimPrefix(ev.Type, "feed."), ev.UnreadCount)
	}
}

func unread(items []notification.Notification) []notification.Notification {
	out := make([]notification.Notification, 0, len(items))
	for _, n := range items {
		if !n.Read {
			out = append(out, n)
		}
	}
	return out
}

func printNotifications(out io.Writer, items []notification.Notification, unreadCount int) {
	fmt.Fprintf(out, "%d notification(s), %d unread\n", len(items), unreadCount)
	if len(items) == 0 {
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\t\tWHEN\tMESSAGE")
	for _, n := range items {
		mark := " "
		if !n.Read {
			mark = "*"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", n.ID, mark, relativeTime(n, time.Now()), n.Message)
	}
	_ = tw.Flush()
}

func relativeTime(n notification.Notification, now time.Time) string {
	t := n.Time()
	if t.IsZero() {
		return n.Timestamp
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
	return t.Local().Format("2006-01-02")
}
