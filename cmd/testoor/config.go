package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

const redacted = "<redacted>"

var showSecrets bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration helpers",
}

var showConfigCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration after defaults and environment overrides",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		if !showSecrets {
			if cfg.Database.Postgres.Password != "" {
				cfg.Database.Postgres.Password = redacted
			}

			if cfg.Maintenance.Upload.SecretAccessKey != "" {
				cfg.Maintenance.Upload.SecretAccessKey = redacted
			}
		}

		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)

		if err := enc.Encode(cfg); err != nil {
			return fmt.Errorf("encoding config: %w", err)
		}

		return enc.Close()
	},
}

var hashTokenCmd = &cobra.Command{
	Use:   "hash-token [token]",
	Short: "Print the bcrypt hash of a write token for auth.write_token_hash",
	Long: `Print the bcrypt hash of a write token. The token is read from stdin
when not given as an argument.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var token string

		if len(args) == 1 {
			token = args[0]
		} else {
			line, err := bufio.NewReader(os.Stdin).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("reading token: %w", err)
			}

			token = strings.TrimSpace(line)
		}

		if token == "" {
			return fmt.Errorf("token must not be empty")
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("hashing token: %w", err)
		}

		fmt.Println(string(hash))

		return nil
	},
}

func init() {
	showConfigCmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "print passwords and keys")

	configCmd.AddCommand(showConfigCmd, hashTokenCmd)
	rootCmd.AddCommand(configCmd)
}
