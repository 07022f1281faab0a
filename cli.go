package main

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/gluk-w/sshdeck/internal/crypto"
	"github.com/gluk-w/sshdeck/internal/database"
	"github.com/gluk-w/sshdeck/internal/inventory"
	"github.com/gluk-w/sshdeck/internal/sshkeys"
	"github.com/spf13/cobra"
)

// withStore opens the database around fn.
func withStore(fn func() error) error {
	if err := database.Init(); err != nil {
		return fmt.Errorf("database init: %w", err)
	}
	defer database.Close()
	return fn()
}

func newEndpointCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "endpoint",
		Short: "Manage saved endpoints",
	}
	cmd.AddCommand(newEndpointAddCmd(), newEndpointListCmd(), newEndpointRmCmd())
	return cmd
}

func newEndpointAddCmd() *cobra.Command {
	var (
		e          database.Endpoint
		password   string
		passphrase string
	)
	cmd := &cobra.Command{
		Use:   "add <host>",
		Short: "Save an endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e.Host = args[0]
			if e.Username == "" {
				return fmt.Errorf("--user is required")
			}
			if e.KeyPath != "" && e.AuthMethod == "" {
				e.AuthMethod = database.AuthMethodKey
			}
			return withStore(func() error {
				var err error
				if e.Password, err = crypto.Encrypt(password); err != nil {
					return err
				}
				if e.KeyPassphrase, err = crypto.Encrypt(passphrase); err != nil {
					return err
				}
				if err := database.CreateEndpoint(&e); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Endpoint %d saved: %s@%s:%d\n", e.ID, e.Username, e.Host, e.Port)
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVarP(&e.Name, "name", "n", "", "display name (defaults to host)")
	f.StringVarP(&e.FolderPath, "folder", "f", "", "folder path, e.g. prod/db")
	f.IntVarP(&e.Port, "port", "p", 22, "SSH port")
	f.StringVarP(&e.Username, "user", "u", "", "login user")
	f.StringVar(&e.AuthMethod, "auth", "", "auth method: password or key")
	f.StringVar(&password, "password", "", "password (stored encrypted)")
	f.StringVarP(&e.KeyPath, "key", "i", "", "private key file")
	f.StringVar(&passphrase, "passphrase", "", "private key passphrase (stored encrypted)")
	return cmd
}

func newEndpointListCmd() *cobra.Command {
	var folder string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List saved endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func() error {
				endpoints, err := database.ListEndpoints(folder)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tFOLDER\tNAME\tTARGET\tAUTH")
				for _, e := range endpoints {
					fmt.Fprintf(tw, "%d\t/%s\t%s\t%s@%s:%d\t%s\n", e.ID, e.FolderPath, e.Name, e.Username, e.Host, e.Port, e.AuthMethod)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVarP(&folder, "folder", "f", "", "only list this folder and its subfolders")
	return cmd
}

func newEndpointRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a saved endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid endpoint id %q", args[0])
			}
			return withStore(func() error {
				if err := database.DeleteEndpoint(uint(id)); err != nil {
					return fmt.Errorf("delete endpoint %d: %w", id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Endpoint %d deleted\n", id)
				return nil
			})
		},
	}
}

func newFolderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "folder",
		Short: "Manage endpoint folders",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "add <path>",
			Short: "Create a folder and any missing parents",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withStore(func() error {
					f, err := database.CreateFolder(args[0])
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Folder /%s ready\n", f.Path)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List folders",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withStore(func() error {
					folders, err := database.ListFolders()
					if err != nil {
						return err
					}
					for _, f := range folders {
						fmt.Fprintf(cmd.OutOrStdout(), "/%s\n", f.Path)
					}
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "rm <path>",
			Short: "Delete a folder with everything below it",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withStore(func() error {
					if err := database.DeleteFolder(args[0]); err != nil {
						return fmt.Errorf("delete folder %s: %w", args[0], err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Folder %s deleted\n", args[0])
					return nil
				})
			},
		},
	)
	return cmd
}

func newImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Merge folders and endpoints from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			return withStore(func() error {
				sum, err := inventory.Import(f)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Imported %d folders, %d new endpoints, %d updated\n", sum.Folders, sum.Created, sum.Updated)
				return nil
			})
		},
	}
}

func newExportCmd() *cobra.Command {
	var withSecrets bool
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write folders and endpoints as YAML to stdout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func() error {
				return inventory.Export(cmd.OutOrStdout(), withSecrets)
			})
		},
	}
	cmd.Flags().BoolVar(&withSecrets, "with-secrets", false, "include decrypted passwords and passphrases")
	return cmd
}

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen <dir>",
		Short: "Generate an ED25519 key pair for key-based endpoints",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, priv, err := sshkeys.GenerateKeyPair()
			if err != nil {
				return err
			}
			path, err := sshkeys.SaveKeyPair(args[0], priv, pub)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Private key: %s\nPublic key: %s", path, pub)
			return nil
		},
	}
}
