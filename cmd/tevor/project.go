package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ted-keystonepartners/tevor/pkg/models"
	"github.com/ted-keystonepartners/tevor/pkg/store"
)

func newProjectCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "project",
		Short: "Manage projects",
	}

	var p models.Project
	var spaces string
	createCmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			st, err := store.New(cfg.DBPath)
			if err != nil {
				return err
			}
			defer st.Close()

			p.Name = args[0]
			if spaces != "" {
				for _, s := range strings.Split(spaces, ",") {
					if s = strings.TrimSpace(s); s != "" {
						p.ExpectedSpaces = append(p.ExpectedSpaces, s)
					}
				}
			}

			created, err := st.CreateProject(context.Background(), p)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), created.ProjectID)
			return nil
		},
	}
	createCmd.Flags().StringVar(&p.ProjectID, "id", "", "project ID (generated when empty)")
	createCmd.Flags().StringVar(&p.Description, "description", "", "project description")
	createCmd.Flags().StringVar(&p.ProjectType, "type", "", "project type, e.g. 아파트")
	createCmd.Flags().StringVar(&p.CurrentStage, "stage", "", "current construction stage")
	createCmd.Flags().StringVar(&spaces, "spaces", "", "comma-separated expected spaces")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			st, err := store.New(cfg.DBPath)
			if err != nil {
				return err
			}
			defer st.Close()

			projects, err := st.ListProjects(context.Background())
			if err != nil {
				return err
			}
			if len(projects) == 0 {
				fmt.Println("No projects.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tTYPE\tSTAGE\tCREATED")
			for _, p := range projects {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					p.ProjectID, p.Name, dash(p.ProjectType), dash(p.CurrentStage), p.CreatedAt.Format("2006-01-02T15:04:05"))
			}
			return w.Flush()
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <project-id>",
		Short: "Delete a project and its chat history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			st, err := store.New(cfg.DBPath)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.DeleteProject(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s.\n", args[0])
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.AddCommand(createCmd, listCmd, deleteCmd)
	return cmd
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
