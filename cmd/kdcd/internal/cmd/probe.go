package cmd

import (
	"fmt"

	"github.com/kardianos/gokdc/krb5"
	"github.com/spf13/cobra"
)

var probeCmd = &cobra.Command{
	Use:   "probe principal",
	Short: "Obtain a ticket-granting ticket from a running KDC",
	Long: `Perform an AS exchange with encrypted timestamp pre-authentication.
With --fast the exchange is repeated armored with the first ticket.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("kdc")
		realm, _ := cmd.Flags().GetString("realm")
		password, _ := cmd.Flags().GetString("password")
		fast, _ := cmd.Flags().GetBool("fast")

		c := krb5.NewClient(args[0], realm, password, addr)
		res, err := c.GetTGT()
		if err != nil {
			return fmt.Errorf("AS exchange: %w", err)
		}
		printResult(cmd, res)
		if !fast {
			return nil
		}

		armor := res.Armor()
		c = krb5.NewClient(args[0], realm, password, addr)
		c.SetArmor(&armor)
		res, err = c.GetTGT()
		if err != nil {
			return fmt.Errorf("armored AS exchange: %w", err)
		}
		printResult(cmd, res)
		return nil
	},
}

func init() {
	RootCmd.AddCommand(probeCmd)
	probeCmd.Flags().StringP("kdc", "k", "127.0.0.1:88", "KDC address")
	probeCmd.Flags().StringP("realm", "r", "EXAMPLE.COM", "Realm of the principal")
	probeCmd.Flags().StringP("password", "p", "", "Password of the principal")
	probeCmd.Flags().Bool("fast", false, "Repeat the exchange armored with FAST")
}

func printResult(cmd *cobra.Command, res *krb5.ASResult) {
	out := cmd.OutOrStdout()
	ep := res.EncPart
	client := res.Rep.CName.PrincipalNameString() + "@" + res.Rep.CRealm
	if res.Fast != nil {
		client = res.Fast.Finished.CName.PrincipalNameString() + "@" + res.Fast.Finished.CRealm + " (FAST)"
	}
	fmt.Fprintf(out, "client:     %s\n", client)
	fmt.Fprintf(out, "service:    %s@%s\n", ep.SName.PrincipalNameString(), ep.SRealm)
	fmt.Fprintf(out, "session:    enctype %d\n", ep.Key.KeyType)
	fmt.Fprintf(out, "ticket:     enctype %d kvno %d\n", res.Rep.Ticket.EncPart.EType, res.Rep.Ticket.EncPart.KVNO)
	fmt.Fprintf(out, "auth time:  %s\n", ep.AuthTime)
	fmt.Fprintf(out, "end time:   %s\n", ep.EndTime)
	if !ep.RenewTill.IsZero() {
		fmt.Fprintf(out, "renew till: %s\n", ep.RenewTill)
	}
}
