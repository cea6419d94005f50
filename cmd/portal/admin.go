package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pulseiq/portal/internal/domain/admin"
	"github.com/pulseiq/portal/internal/platform/notice"
	"github.com/pulseiq/portal/pkg/portalmodels"
)

func adminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Review account registrations",
	}

	queue := func(use, short string, fetch func(*admin.Service, context.Context) ([]admin.User, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			RunE: func(cmd *cobra.Command, args []string) error {
				svc, err := adminService(cmd)
				if err != nil {
					return err
				}
				users, err := fetch(svc, cmd.Context())
				if err != nil {
					return err
				}
				printUsers(cmd.OutOrStdout(), users)
				return nil
			},
		}
	}
	cmd.AddCommand(queue("pending", "List accounts awaiting approval", (*admin.Service).Pending))
	cmd.AddCommand(queue("approved", "List approved accounts", (*admin.Service).Approved))
	cmd.AddCommand(queue("rejected", "List rejected accounts", (*admin.Service).Rejected))

	action := func(a admin.Action, short string) *cobra.Command {
		return &cobra.Command{
			Use:   string(a) + " <user-id>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				svc, err := adminService(cmd)
				if err != nil {
					return err
				}
				if err := svc.Act(cmd.Context(), args[0], a); err != nil {
					return err
				}
				q := svc.Queues()
				fmt.Fprintf(cmd.OutOrStdout(), "pending %d, approved %d, rejected %d\n",
					len(q.Pending), len(q.Approved), len(q.Rejected))
				return nil
			},
		}
	}
	cmd.AddCommand(action(admin.ActionApprove, "Approve a pending account"))
	cmd.AddCommand(action(admin.ActionReject, "Reject a pending account"))

	return cmd
}

func adminService(cmd *cobra.Command) (*admin.Service, error) {
	a, err := newApp(cmd)
	if err != nil {
		return nil, err
	}
	sess, err := a.session(cmd.Context())
	if err != nil {
		return nil, err
	}
	if sess.Role != portalmodels.RoleAdmin {
		return nil, fmt.Errorf("admin commands need the admin role, logged in as %s", sess.Role)
	}
	return admin.NewService(a.client, notice.NewWriter(cmd.OutOrStdout()), a.logger), nil
}

func printUsers(out io.Writer, users []admin.User) {
	if len(users) == 0 {
		fmt.Fprintln(out, "No users")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tROLE\tSTATUS\tCONTACT")
	for _, u := range users {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", u.UserID, admin.DisplayName(u), u.Role, u.Status, admin.Contact(u))
	}
	_ = tw.Flush()
}
