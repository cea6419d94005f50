package main

import (
	"fmt"
	"io"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pulseiq/portal/internal/domain/admin"
	"github.com/pulseiq/portal/internal/domain/dashboard"
	"github.com/pulseiq/portal/pkg/portalmodels"
)

func dashboardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Show upcoming appointments, refreshed on POLL_INTERVAL",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			sess, err := a.session(cmd.Context())
			if err != nil {
				return err
			}
			once, _ := cmd.Flags().GetBool("once")
			interval, _ := cmd.Flags().GetDuration("interval")
			if interval <= 0 {
				interval = a.cfg.PollInterval
			}

			out := cmd.OutOrStdout()
			var mu sync.Mutex
			board := dashboard.NewBoard(a.client, dashboard.Options{
				Interval:    interval,
				Logger:      a.logger,
				WithPending: sess.Role == portalmodels.RoleAdmin,
				OnUpdate: func(v dashboard.View) {
					mu.Lock()
					defer mu.Unlock()
					printView(out, v)
				},
			})

			if once {
				printView(out, board.Refresh(cmd.Context()))
				return nil
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			board.Start(ctx)
			<-ctx.Done()
			board.Stop()
			return nil
		},
	}
	cmd.Flags().Bool("once", false, "Fetch once and exit")
	cmd.Flags().Duration("interval", 0, "Override POLL_INTERVAL")
	return cmd
}

func printView(out io.Writer, v dashboard.View) {
	fmt.Fprintf(out, "\n== %s ==\n", v.UpdatedAt.Local().Format(time.Kitchen))
	if v.AppointmentsErr != nil {
		fmt.Fprintln(out, "Appointments could not be refreshed; showing last known list")
	}
	s := v.Summary
	fmt.Fprintf(out, "Upcoming appointments: %d (%d today)\n", s.Total, s.Today)
	if len(s.Preview) > 0 {
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tDATE\tPATIENT\tDOCTOR\tSTATUS")
		for _, ap := range s.Preview {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", ap.AppointmentID, ap.AppointmentDate,
				orDash(ap.PatientName), orDash(ap.DoctorName), ap.Status)
		}
		_ = tw.Flush()
	}
	if v.Pending != nil || v.PendingErr != nil {
		if v.PendingErr != nil {
			fmt.Fprintln(out, "Pending approvals could not be refreshed")
		}
		fmt.Fprintf(out, "Pending approvals: %d\n", len(v.Pending))
		for i, u := range v.Pending {
			if i == dashboard.PreviewSize {
				break
			}
			fmt.Fprintf(out, "  %s  %s\n", admin.DisplayName(u), u.Role)
		}
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
