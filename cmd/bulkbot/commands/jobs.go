package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"bulkbot/internal/app"
	"bulkbot/internal/job"
	logx "bulkbot/pkg/logx"
)

func loadJobs(ctx context.Context, cmd *cli.Command) ([]job.Job, error) {
	env, err := loadEnv(cmd)
	if err != nil {
		return nil, err
	}
	store, err := app.OpenStore(cmd.String("config"), env, logx.Nop())
	if err != nil {
		return nil, err
	}
	defer store.Close()
	return store.Load(ctx)
}

// JobsListAction prints every job with its result tallies.
func JobsListAction(ctx context.Context, cmd *cli.Command) error {
	jobs, err := loadJobs(ctx, cmd)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Println("no jobs")
		return nil
	}
	renderJobs(os.Stdout, jobs)
	return nil
}

func renderJobs(w io.Writer, jobs []job.Job) {
	table := tablewriter.NewWriter(w)
	table.Header("Job ID", "Name", "Status", "Items", "Sent", "Failed", "Error", "Created At")
	for _, j := range jobs {
		sent, failed, errored := tally(j.Results)
		table.Append(
			j.ID,
			j.Name,
			string(j.Status),
			fmt.Sprintf("%d", len(j.Items)),
			fmt.Sprintf("%d", sent),
			fmt.Sprintf("%d", failed),
			fmt.Sprintf("%d", errored),
			j.CreatedAt.Format("2006-01-02 15:04:05"),
		)
	}
	table.Render()
}

func tally(results []job.ItemResult) (sent, failed, errored int) {
	for _, r := range results {
		switch r.Status {
		case job.ResultSent:
			sent++
		case job.ResultFailed:
			failed++
		case job.ResultError:
			errored++
		}
	}
	return sent, failed, errored
}

// JobsShowAction prints one job as indented JSON.
func JobsShowAction(ctx context.Context, cmd *cli.Command) error {
	id := strings.TrimSpace(cmd.Args().First())
	if id == "" {
		return fmt.Errorf("job id is required")
	}
	jobs, err := loadJobs(ctx, cmd)
	if err != nil {
		return err
	}
	for _, j := range jobs {
		if j.ID == id {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(j)
		}
	}
	return fmt.Errorf("job %s not found", id)
}
