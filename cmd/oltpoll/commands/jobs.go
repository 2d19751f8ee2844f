package commands

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/fiberhive/oltpoll/internal/util"
	"github.com/fiberhive/oltpoll/poll"
)

// JobsCmd manages polling jobs
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage polling jobs",
	Long: `List, create, enable, and disable polling jobs.

Jobs bind one OLT to one SNMP operation type on a fixed cadence. Chain
jobs carry a parent job and only run after the parent's execution settles.

Examples:
  oltpoll jobs ls
  oltpoll jobs add --olt <olt-id> --type discovery --interval 300
  oltpoll jobs add --olt <olt-id> --type get --interval 60 --parent <job-id> --position 1
  oltpoll jobs disable <job-id>`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var jobsLsCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List all jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDatabase("")
		if err != nil {
			return err
		}
		defer database.Close()

		jobs, err := poll.NewJobStore(database).List(context.Background())
		if err != nil {
			return err
		}

		if len(jobs) == 0 {
			pterm.Info.Println("No jobs configured")
			return nil
		}

		table := pterm.TableData{
			{"ID", "OLT", "Type", "Interval", "Enabled", "Parent", "Next run"},
		}
		for _, j := range jobs {
			parent := "-"
			if j.ParentJobID != nil {
				parent = short(*j.ParentJobID)
			}
			table = append(table, []string{
				short(j.ID),
				short(j.OLTID),
				string(j.OperationType),
				fmt.Sprintf("%ds", j.IntervalSeconds),
				fmt.Sprintf("%t", j.Enabled),
				parent,
				j.NextRunAt.Format("15:04:05"),
			})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(table).Render()
	},
}

var (
	jobOLTID      string
	jobType       string
	jobInterval   int
	jobOID        string
	jobMaxRetries int
	jobRetryDelay int
	jobParent     string
	jobPosition   int
	jobParallel   bool
	jobOnFailure  bool
)

var jobsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a polling job",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDatabase("")
		if err != nil {
			return err
		}
		defer database.Close()

		ctx := context.Background()

		if _, err := poll.NewOLTStore(database).Get(ctx, jobOLTID); err != nil {
			return err
		}

		job := &poll.Job{
			ID:                uuid.New().String(),
			OLTID:             jobOLTID,
			Enabled:           true,
			OperationType:     poll.OperationType(jobType),
			IntervalSeconds:   jobInterval,
			OID:               jobOID,
			ChainPosition:     jobPosition,
			ParallelOk:        jobParallel,
			RunChainOnFailure: jobOnFailure,
		}
		if cmd.Flags().Changed("max-retries") {
			job.MaxRetries = util.Ptr(jobMaxRetries)
		}
		if cmd.Flags().Changed("retry-delay") {
			job.RetryDelaySeconds = util.Ptr(jobRetryDelay)
		}
		if jobParent != "" {
			job.ParentJobID = util.Ptr(jobParent)
		}

		if err := poll.NewJobStore(database).Create(ctx, job); err != nil {
			return err
		}

		pterm.Success.Printf("Job created: %s\n", job.ID)
		pterm.Printf("  OLT:      %s\n", job.OLTID)
		pterm.Printf("  Type:     %s every %ds\n", job.OperationType, job.IntervalSeconds)
		pterm.Printf("  Quota:    %d/hour\n", job.HourlyQuota())
		if job.ParentJobID != nil {
			pterm.Printf("  Chain:    parent %s, position %d\n", *job.ParentJobID, job.ChainPosition)
		}
		return nil
	},
}

var jobsEnableCmd = &cobra.Command{
	Use:   "enable <job-id>",
	Short: "Enable a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setJobEnabled(args[0], true)
	},
}

var jobsDisableCmd = &cobra.Command{
	Use:   "disable <job-id>",
	Short: "Disable a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setJobEnabled(args[0], false)
	},
}

func setJobEnabled(jobID string, enabled bool) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	if err := poll.NewJobStore(database).SetEnabled(context.Background(), jobID, enabled); err != nil {
		return err
	}

	state := "disabled"
	if enabled {
		state = "enabled"
	}
	pterm.Success.Printf("Job %s %s\n", jobID, state)
	return nil
}

// short truncates an ID for table display.
func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func init() {
	jobsAddCmd.Flags().StringVar(&jobOLTID, "olt", "", "Target OLT ID (required)")
	jobsAddCmd.Flags().StringVar(&jobType, "type", "get", "Operation type (discovery, get, walk, table, bulk)")
	jobsAddCmd.Flags().IntVar(&jobInterval, "interval", 300, "Polling interval in seconds")
	jobsAddCmd.Flags().StringVar(&jobOID, "oid", "", "Explicit OID (empty = resolve from vendor profile)")
	jobsAddCmd.Flags().IntVar(&jobMaxRetries, "max-retries", 0, "Override per-operation retry count")
	jobsAddCmd.Flags().IntVar(&jobRetryDelay, "retry-delay", 0, "Override retry delay in seconds")
	jobsAddCmd.Flags().StringVar(&jobParent, "parent", "", "Parent job ID (makes this a chain job)")
	jobsAddCmd.Flags().IntVar(&jobPosition, "position", 0, "Chain position (order within the parent's chain)")
	jobsAddCmd.Flags().BoolVar(&jobParallel, "parallel-ok", false, "Chain node may start without waiting for its predecessor")
	jobsAddCmd.Flags().BoolVar(&jobOnFailure, "run-on-failure", false, "Run this chain node even when the master failed")
	jobsAddCmd.MarkFlagRequired("olt")

	JobsCmd.AddCommand(jobsLsCmd)
	JobsCmd.AddCommand(jobsAddCmd)
	JobsCmd.AddCommand(jobsEnableCmd)
	JobsCmd.AddCommand(jobsDisableCmd)
}
