package cmd

import (
	"fmt"
	"github.com/arcward/tagbot/tagbot"
	"github.com/spf13/cobra"
	"log"
	"strings"
)

var tagsCmd = &cobra.Command{
	Use:   "tags",
	Short: "Manage stored tags",
}

var tagsListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print every stored tag",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		ctx := cmd.Context()
		db, err := tagbot.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			log.Fatalf("Error opening database: %v", err)
		}
		defer func() {
			if sqlDB, dbErr := db.DB(); dbErr == nil {
				_ = sqlDB.Close()
			}
		}()

		store := tagbot.NewTagStore(tagbot.NewDatabase(db, nil, cfg.DatabaseType == "postgres"))
		tags, err := store.FetchAll(ctx)
		if err != nil {
			log.Fatalf("Error fetching tags: %v", err)
		}

		out := cmd.OutOrStdout()
		for _, t := range tags {
			var flags []string
			if t.Response != nil && *t.Response != "" {
				flags = append(flags, "response")
			}
			if t.Attachment != nil && *t.Attachment != "" {
				flags = append(flags, "attachment")
			}
			fmt.Fprintf(out, "%s\t%s\n", t.Name, strings.Join(flags, ","))
		}
		fmt.Fprintf(out, "%d tags\n", len(tags))
	},
}

func init() {
	tagsCmd.AddCommand(tagsListCmd)
	rootCmd.AddCommand(tagsCmd)
}
