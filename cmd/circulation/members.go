package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"libranexus/lending/internal/membership"
)

func (c *cli) memberCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "member", Short: "Manage members"}

	var reg membership.Registration
	add := &cobra.Command{
		Use:   "add",
		Short: "Register a member",
		Long:  "Register a member. Without --password the password is prompted for, or read from stdin when it is not a terminal.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if reg.Password == "" {
				pw, err := readPassword(cmd.InOrStdin(), cmd.ErrOrStderr())
				if err != nil {
					return err
				}
				reg.Password = pw
			}
			m, err := c.app.Members.RegisterMember(cmd.Context(), reg)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), m)
		},
	}
	add.Flags().StringVar(&reg.Email, "email", "", "email address")
	add.Flags().StringVar(&reg.Name, "name", "", "full name")
	add.Flags().StringVar(&reg.Address, "address", "", "postal address")
	add.Flags().BoolVar(&reg.IsAdmin, "admin", false, "grant admin rights")
	add.Flags().StringVar(&reg.Password, "password", "", "password")
	_ = add.MarkFlagRequired("email")
	_ = add.MarkFlagRequired("name")

	show := &cobra.Command{
		Use:   "show MEMBER_ID",
		Short: "Show a member",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("member id", args[0])
			if err != nil {
				return err
			}
			m, err := c.app.Members.GetMember(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), m)
		},
	}

	profile := &cobra.Command{
		Use:   "profile MEMBER_ID",
		Short: "Show loans, reservations, fines and recent activity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("member id", args[0])
			if err != nil {
				return err
			}
			p, err := c.app.Members.Profile(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), p)
		},
	}

	cmd.AddCommand(add, show, profile)
	return cmd
}

// readPassword prompts without echo on a terminal and otherwise reads one
// line from in.
func readPassword(in io.Reader, prompt io.Writer) (string, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(prompt, "Password: ")
		raw, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return strings.TrimSpace(string(raw)), nil
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimSpace(line), nil
}
