package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/assessment-api/internal/assessment"
	"github.com/sells-group/assessment-api/internal/model"
	"github.com/sells-group/assessment-api/pkg/ragflow"
)

var (
	assessQuestionsPath string
	assessDatasetID     string
	assessOutPath       string
)

var assessCmd = &cobra.Command{
	Use:   "assess [documents...]",
	Short: "Run one assessment locally and print the verdicts",
	Long: `Runs the full pipeline in the foreground: uploads the given documents,
waits for parsing, answers every question in the spreadsheet, and prints a
summary. With --dataset the documents are skipped and an existing parsed
dataset is used instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if assessQuestionsPath == "" {
			return eris.New("--questions is required")
		}
		if assessDatasetID == "" && len(args) == 0 {
			return eris.New("provide document paths or --dataset")
		}

		env, err := initService(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		qData, err := os.ReadFile(assessQuestionsPath)
		if err != nil {
			return eris.Wrapf(err, "read questions file %s", assessQuestionsPath)
		}
		questions, err := env.Service.ParseQuestions(qData)
		if err != nil {
			return err
		}

		status, err := env.Service.CreateTask(ctx, questions, model.TaskStatePending)
		if err != nil {
			return err
		}
		zap.L().Info("task created",
			zap.String("task_id", status.TaskID),
			zap.Int("questions", len(questions)))

		if assessDatasetID != "" {
			err = env.Service.RunFromDataset(ctx, status.TaskID, assessDatasetID)
		} else {
			var files []ragflow.File
			for _, path := range args {
				data, rerr := os.ReadFile(path)
				if rerr != nil {
					return eris.Wrapf(rerr, "read document %s", path)
				}
				files = append(files, ragflow.File{Name: filepath.Base(path), Data: data})
			}
			err = env.Service.Run(ctx, status.TaskID, files)
		}
		if err != nil {
			return err
		}

		rec, err := env.Service.FullResults(ctx, status.TaskID)
		if err != nil {
			return err
		}
		printResults(rec)

		if assessOutPath != "" {
			data, err := assessment.BuildResultsXLSX(rec)
			if err != nil {
				return err
			}
			if err := os.WriteFile(assessOutPath, data, 0o644); err != nil {
				return eris.Wrapf(err, "write results to %s", assessOutPath)
			}
			fmt.Printf("\nResults written to %s\n", assessOutPath)
		}
		return nil
	},
}

func printResults(rec *model.TaskRecord) {
	counts := map[string]int{}
	for _, r := range rec.Results {
		counts[r.AIResponse]++
	}
	fmt.Printf("Task %s: %s\n", rec.TaskID, rec.Status.State)
	fmt.Printf("Verdicts: %d Yes, %d No, %d N/A\n\n", counts["Yes"], counts["No"], counts["N/A"])
	for _, r := range rec.Results {
		fmt.Printf("%3d. [%-3s] %s\n", r.QuestionSerialNo, r.AIResponse, r.Question)
	}
}

func init() {
	assessCmd.Flags().StringVar(&assessQuestionsPath, "questions", "", "path to the questions spreadsheet (xlsx)")
	assessCmd.Flags().StringVar(&assessDatasetID, "dataset", "", "use an existing parsed dataset instead of uploading documents")
	assessCmd.Flags().StringVar(&assessOutPath, "out", "", "write results spreadsheet to this path")
	rootCmd.AddCommand(assessCmd)
}
