package cmd

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a sample configuration file",
	Long: `Write a sample configuration file with a krbtgt, a host service and
one user principal. Replace the passwords before serving real clients.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("dir")
		realm, _ := cmd.Flags().GetString("realm")
		force, _ := cmd.Flags().GetBool("force")
		file := filepath.Join(dir, "kdc.toml")
		if err := mkConfig(file, realm, force); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", file)
		return nil
	},
}

func init() {
	RootCmd.AddCommand(initCmd)
	initCmd.Flags().StringP("dir", "d", ".", "Directory to write kdc.toml to")
	initCmd.Flags().StringP("realm", "r", "EXAMPLE.COM", "Realm served")
	initCmd.Flags().BoolP("force", "f", false, "Overwrite an existing file")
}

func mkConfig(file, realm string, force bool) error {
	var buf bytes.Buffer
	if err := writeConfig(&buf, sampleConfig(realm)); err != nil {
		return err
	}
	flag := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if !force {
		flag |= os.O_EXCL
	}
	f, err := os.OpenFile(file, flag, 0600)
	if err != nil {
		return err
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
