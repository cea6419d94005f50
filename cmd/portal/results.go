package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pulseiq/portal/internal/domain/otpgate"
	"github.com/pulseiq/portal/internal/platform/notice"
)

const cancelTimeout = 5 * time.Second

func resultsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "results",
		Short: "Browse OTP-protected test results",
	}
	cmd.PersistentFlags().String("patient", "", "Patient id (defaults to the logged-in user)")

	cmd.AddCommand(&cobra.Command{
		Use:   "types",
		Short: "List the patient's test types",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, gate, err := openGate(cmd)
			if err != nil {
				return err
			}
			defer gate.Close()

			types, err := gate.TestTypes(cmd.Context())
			if err != nil {
				return err
			}
			if len(types) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No test results found")
				return nil
			}
			for _, tt := range types {
				fmt.Fprintln(cmd.OutOrStdout(), tt)
			}
			a.logger.Debug().Int("count", len(types)).Msg("listed test types")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "open <test-type>",
		Short: "Request a code and unlock results of one test type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gate, err := openGate(cmd)
			if err != nil {
				return err
			}
			defer gate.Close()

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return runGate(ctx, gate, args[0], cmd.InOrStdin(), cmd.OutOrStdout())
		},
	})
	return cmd
}

func openGate(cmd *cobra.Command) (*app, *otpgate.Gate, error) {
	a, err := newApp(cmd)
	if err != nil {
		return nil, nil, err
	}
	sess, err := a.session(cmd.Context())
	if err != nil {
		return nil, nil, err
	}
	patientID, _ := cmd.Flags().GetString("patient")
	if patientID == "" {
		patientID = sess.UserID
	}
	saver, err := otpgate.NewFileSaver(a.cfg.DownloadDir)
	if err != nil {
		return nil, nil, err
	}
	gate := otpgate.New(patientID, a.client, saver, notice.NewWriter(cmd.OutOrStdout()), a.logger)
	return a, gate, nil
}

// runGate drives one gate session from line input until the user quits,
// cancels or ctx ends. An interrupted session is cancelled on the backend.
func runGate(ctx context.Context, gate *otpgate.Gate, testType string, in io.Reader, out io.Writer) error {
	done := make(chan struct{})
	defer close(done)
	lines := readLines(in, done)

	if err := gate.Select(ctx, testType); err != nil {
		return err
	}

	for {
		switch gate.State() {
		case otpgate.AwaitingCode:
			fmt.Fprint(out, "Verification code (or 'cancel'): ")
		case otpgate.Unlocked:
			printResults(out, gate.Results())
			fmt.Fprint(out, "download <id> | reload | quit: ")
		default:
			return nil
		}

		var line string
		select {
		case <-ctx.Done():
			fmt.Fprintln(out)
			cancelGate(gate)
			return ctx.Err()
		case l, ok := <-lines:
			if !ok {
				cancelGate(gate)
				return nil
			}
			line = strings.TrimSpace(l)
		}

		if gate.State() == otpgate.AwaitingCode {
			if line == "cancel" {
				cancelGate(gate)
				return nil
			}
			if err := gate.SetCode(line); err != nil {
				return err
			}
			// failures were already reported as notices
			_ = gate.Verify(ctx)
			continue
		}

		cmd, arg, _ := strings.Cut(line, " ")
		switch cmd {
		case "quit", "q", "":
			return nil
		case "reload":
			_ = gate.Reload(ctx)
		case "download":
			id, err := strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
			if err != nil {
				fmt.Fprintln(out, "usage: download <test id>")
				continue
			}
			if path, err := gate.Download(ctx, id, ""); err == nil {
				fmt.Fprintln(out, "Saved to", path)
			}
		default:
			fmt.Fprintf(out, "unknown command %q\n", cmd)
		}
	}
}

func cancelGate(gate *otpgate.Gate) {
	ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
	defer cancel()
	gate.Cancel(ctx)
}

// readLines sends each line of in until EOF or done is closed. A read that is
// already blocked on in returns with it.
func readLines(in io.Reader, done <-chan struct{}) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case ch <- sc.Text():
			case <-done:
				return
			}
		}
	}()
	return ch
}

func printResults(out io.Writer, results []otpgate.TestResult) {
	if len(results) == 0 {
		fmt.Fprintln(out, "No results")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tDATE\tSTATUS\tFILE")
	for _, r := range results {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", r.TestID, r.TestName, r.TestDate, r.Status, r.PDFFilename)
	}
	_ = tw.Flush()
}
