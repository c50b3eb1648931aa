package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"mailpipe/apiclient"
)

type clientFlags struct {
	api     string
	timeout time.Duration
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&f.api, "api", "http://localhost:8080", "base url of the mailpipe server")
	cmd.PersistentFlags().DurationVar(&f.timeout, "timeout", 30*time.Second, "request timeout")
}

func (f *clientFlags) client() *apiclient.Client {
	return apiclient.New(f.api, f.timeout)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newClientCmds() []*cobra.Command {
	var sendFlags clientFlags
	var from, to, subject, body string
	sendCmd := &cobra.Command{
		Use:   "send",
		Short: "submits an email for delivery",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := sendFlags.client().SendEmail(cmd.Context(), from, to, subject, body)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), m)
		},
		DisableAutoGenTag: true,
	}
	sendFlags.register(sendCmd)
	sendCmd.Flags().StringVar(&from, "from", "", "sender address")
	sendCmd.Flags().StringVar(&to, "to", "", "recipient address")
	sendCmd.Flags().StringVar(&subject, "subject", "", "subject line")
	sendCmd.Flags().StringVar(&body, "body", "", "plain text body")

	var getFlags clientFlags
	getCmd := &cobra.Command{
		Use:   "get uuid",
		Short: "prints the status of an email",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := getFlags.client().GetEmail(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), m)
		},
		DisableAutoGenTag: true,
	}
	getFlags.register(getCmd)

	var deleteFlags clientFlags
	deleteCmd := &cobra.Command{
		Use:   "delete uuid",
		Short: "cancels delivery of an email",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := deleteFlags.client().DeleteEmail(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
			return nil
		},
		DisableAutoGenTag: true,
	}
	deleteFlags.register(deleteCmd)

	var listFlags clientFlags
	var limit, offset int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "lists email ids",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := listFlags.client().ListEmails(cmd.Context(), limit, offset)
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
		DisableAutoGenTag: true,
	}
	listFlags.register(listCmd)
	listCmd.Flags().IntVar(&limit, "limit", 1000, "page size")
	listCmd.Flags().IntVar(&offset, "offset", 0, "number of ids to skip")

	return []*cobra.Command{sendCmd, getCmd, deleteCmd, listCmd}
}
