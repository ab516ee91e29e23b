package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/assessment-api/internal/assessment"
)

var (
	tasksPage     int
	tasksPageSize int
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect stored assessment tasks",
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initService(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		tasks, total, err := env.Service.ListTasks(cmd.Context(), tasksPage, tasksPageSize)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TASK ID\tSTATE\tSTAGE\tPROGRESS\tCREATED")
		for _, t := range tasks {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\n",
				t.TaskID, t.State, t.PipelineStage,
				t.QuestionsProcessed, t.TotalQuestions,
				t.CreatedAt.Format("2006-01-02 15:04"))
		}
		if err := w.Flush(); err != nil {
			return eris.Wrap(err, "flush output")
		}
		fmt.Printf("\n%d tasks total\n", total)
		return nil
	},
}

var tasksShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show one task's full record as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initService(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		rec, err := env.Service.FullResults(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return eris.Wrap(enc.Encode(rec), "encode task")
	},
}

var tasksExportCmd = &cobra.Command{
	Use:   "export <task-id> <out.xlsx>",
	Short: "Export a task's results to a spreadsheet",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initService(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		rec, err := env.Service.FullResults(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		data, err := assessment.BuildResultsXLSX(rec)
		if err != nil {
			return err
		}
		if err := os.WriteFile(args[1], data, 0o644); err != nil {
			return eris.Wrapf(err, "write %s", args[1])
		}
		fmt.Printf("Exported %d results to %s\n", len(rec.Results), args[1])
		return nil
	},
}

func init() {
	tasksListCmd.Flags().IntVar(&tasksPage, "page", 1, "page number")
	tasksListCmd.Flags().IntVar(&tasksPageSize, "page-size", 50, "page size")
	tasksCmd.AddCommand(tasksListCmd, tasksShowCmd, tasksExportCmd)
	rootCmd.AddCommand(tasksCmd)
}
