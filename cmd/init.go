package cmd

import (
	"bufio"
	"fmt"
	"log"
	"strings"
	"syscall"

	"github.com/arcward/tagbot/tagbot"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// passwordReader is a function type for reading passwords. It's really only
// here to make testing easier.
type passwordReader func() ([]byte, error)

var customPasswordReader passwordReader

var (
	initCertFile string
	initKeyFile  string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database and set API admin credentials",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			log.Fatal("Environment variable TAGBOT_DATABASE_TYPE not set (must be one of: sqlite, postgres)")
		}
		if cfg.Database == "" {
			log.Fatal(
				"Environment variable TAGBOT_DATABASE not set (must be a valid " +
					"database connection string or sqlite file path)",
			)
		}
		// Run database migrations
		db, err := tagbot.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			log.Fatalf("Error creating database: %v", err)
		}
		defer func() {
			if sqlDB, dbErr := db.DB(); dbErr == nil {
				_ = sqlDB.Close()
			}
		}()

		out := cmd.OutOrStdout()

		var admins int64
		if err = db.WithContext(ctx).Model(&tagbot.APIAdmin{}).Count(&admins).Error; err != nil {
			log.Fatalf("Error checking admin credentials: %v", err)
		}

		if admins == 0 {
			fmt.Fprintln(out, "Admin credentials are not set. Let's set them up.")

			reader := bufio.NewReader(cmd.InOrStdin())

			// Prompt for username
			fmt.Fprint(out, "Enter admin username: ")
			username, _ := reader.ReadString('\n')
			username = strings.TrimSpace(username)

			// Prompt for password
			var password string

			if customPasswordReader == nil {
				customPasswordReader = func() ([]byte, error) {
					return term.ReadPassword(int(syscall.Stdin))
				}
			}
			for {
				fmt.Fprint(out, "Enter admin password: ")
				passwordBytes, _ := customPasswordReader()
				password = string(passwordBytes)
				fmt.Fprintln(out)

				fmt.Fprint(out, "Confirm admin password: ")
				confirmPasswordBytes, _ := customPasswordReader()
				confirmPassword := string(confirmPasswordBytes)
				fmt.Fprintln(out)

				if password == confirmPassword {
					break
				}
				fmt.Fprintln(out, "Passwords do not match. Please try again.")
			}

			if err = tagbot.SetAPIAdmin(ctx, db, username, password); err != nil {
				log.Fatalf("Error setting admin credentials: %v", err)
			}
			fmt.Fprintln(out, "Admin credentials set successfully.")
		} else {
			fmt.Fprintln(out, "Admin credentials are already set.")
		}

		if initCertFile != "" || initKeyFile != "" {
			if initCertFile == "" || initKeyFile == "" {
				log.Fatal("--cert-file and --key-file must be used together")
			}
			if _, err = tagbot.GenerateSelfSignedCert(initCertFile, initKeyFile); err != nil {
				log.Fatalf("Error generating certificate: %v", err)
			}
			fmt.Fprintf(out, "Generated self-signed certificate: %s %s\n", initCertFile, initKeyFile)
		}

		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
	},
}

func init() {
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().StringVar(
		&initCertFile,
		"cert-file",
		"",
		"Generate a self-signed TLS certificate at this path",
	)
	initCmd.Flags().StringVar(
		&initKeyFile,
		"key-file",
		"",
		"Path to write the self-signed certificate's private key",
	)
}
