package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/angelmondragon/invitely-backend/pkg/db/models"
	"github.com/angelmondragon/invitely-backend/pkg/queue"
)

const defaultListLimit = 50

type queueInspector interface {
	Job(ctx context.Context, id string) (*queue.Job, error)
	Counts(ctx context.Context) (queue.Counts, error)
	Failed(ctx context.Context, offset, limit int64) ([]queue.Job, error)
	Retry(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
}

type deadLetterReader interface {
	List(ctx context.Context, limit int) ([]models.MediaJobDLQ, error)
	FindByJobID(ctx context.Context, jobID string) (*models.MediaJobDLQ, error)
}

// backends resolves connections lazily so commands only dial what they use.
type backends interface {
	Queue(ctx context.Context, name string) (queueInspector, error)
	DeadLetters(ctx context.Context) (deadLetterReader, error)
}

type jobView struct {
	ID           string      `json:"id"`
	Queue        string      `json:"queue"`
	State        queue.State `json:"state"`
	Attempts     int         `json:"attempts"`
	MaxAttempts  int         `json:"max_attempts"`
	FailedReason string      `json:"failed_reason,omitempty"`
	CreatedAt    *time.Time  `json:"created_at,omitempty"`
	ProcessedAt  *time.Time  `json:"processed_at,omitempty"`
	FinishedAt   *time.Time  `json:"finished_at,omitempty"`
	Payload      any         `json:"payload,omitempty"`
}

func newJobView(j queue.Job) jobView {
	v := jobView{
		ID:           j.ID,
		Queue:        j.Queue,
		State:        j.State,
		Attempts:     j.Attempts,
		MaxAttempts:  j.MaxAttempts,
		FailedReason: j.FailedReason,
		CreatedAt:    timePtr(j.CreatedAt),
		ProcessedAt:  timePtr(j.ProcessedAt),
		FinishedAt:   timePtr(j.FinishedAt),
	}
	if json.Valid(j.Payload) {
		v.Payload = json.RawMessage(j.Payload)
	} else if len(j.Payload) > 0 {
		v.Payload = string(j.Payload)
	}
	return v
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

type deadLetterView struct {
	ID           string    `json:"id"`
	JobID        string    `json:"job_id"`
	Queue        string    `json:"queue"`
	RecordKind   string    `json:"record_kind"`
	RecordID     int64     `json:"record_id"`
	Slot         string    `json:"slot"`
	Reason       string    `json:"reason"`
	Error        string    `json:"error,omitempty"`
	AttemptCount int       `json:"attempt_count"`
	FailedAt     time.Time `json:"failed_at"`
	Payload      any       `json:"payload,omitempty"`
}

func newDeadLetterView(row models.MediaJobDLQ) deadLetterView {
	v := deadLetterView{
		ID:           row.ID.String(),
		JobID:        row.JobID,
		Queue:        row.QueueName,
		RecordKind:   string(row.RecordKind),
		RecordID:     row.RecordID,
		Slot:         row.Slot,
		Reason:       string(row.ErrorReason),
		AttemptCount: row.AttemptCount,
		FailedAt:     row.FailedAt,
	}
	if row.ErrorMessage != nil {
		v.Error = *row.ErrorMessage
	}
	if json.Valid(row.Payload) {
		v.Payload = json.RawMessage(row.Payload)
	}
	return v
}

func newRootCmd(b backends) *cobra.Command {
	root := &cobra.Command{
		Use:           "jobctl",
		Short:         "Inspect and repair media job queues",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newJobCmd(b),
		newCountsCmd(b),
		newFailedCmd(b),
		newRetryCmd(b),
		newRemoveCmd(b),
		newDLQCmd(b),
	)
	return root
}

func newJobCmd(b backends) *cobra.Command {
	return &cobra.Command{
		Use:   "job <queue> <id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := b.Queue(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			job, err := q.Job(cmd.Context(), args[1])
			if err != nil {
				return notFound(err, "job %s not found on %s", args[1], args[0])
			}
			return printJSON(cmd.OutOrStdout(), newJobView(*job))
		},
	}
}

func newCountsCmd(b backends) *cobra.Command {
	return &cobra.Command{
		Use:   "counts <queue>",
		Short: "Show queue depth by state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := b.Queue(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			counts, err := q.Counts(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), counts)
		},
	}
}

func newFailedCmd(b backends) *cobra.Command {
	var (
		limit  int64
		offset int64
	)
	cmd := &cobra.Command{
		Use:   "failed <queue>",
		Short: "List failed jobs, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := b.Queue(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			jobs, err := q.Failed(cmd.Context(), offset, limit)
			if err != nil {
				return err
			}
			views := make([]jobView, 0, len(jobs))
			for _, j := range jobs {
				views = append(views, newJobView(j))
			}
			return printJSON(cmd.OutOrStdout(), views)
		},
	}
	cmd.Flags().Int64Var(&limit, "limit", defaultListLimit, "maximum jobs to list")
	cmd.Flags().Int64Var(&offset, "offset", 0, "jobs to skip")
	return cmd
}

func newRetryCmd(b backends) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <queue> <id>",
		Short: "Move a failed job back onto the queue",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := b.Queue(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := q.Retry(cmd.Context(), args[1]); err != nil {
				if errors.Is(err, queue.ErrJobNotFailed) {
					return fmt.Errorf("job %s is not in the failed set", args[1])
				}
				return notFound(err, "job %s not found on %s", args[1], args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "retried %s\n", args[1])
			return nil
		},
	}
}

func newRemoveCmd(b backends) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <queue> <id>",
		Short: "Delete a job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := b.Queue(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := q.Remove(cmd.Context(), args[1]); err != nil {
				return notFound(err, "job %s not found on %s", args[1], args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[1])
			return nil
		},
	}
}

func newDLQCmd(b backends) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect the dead-letter table",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := b.DeadLetters(cmd.Context())
			if err != nil {
				return err
			}
			rows, err := store.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			views := make([]deadLetterView, 0, len(rows))
			for _, row := range rows {
				views = append(views, newDeadLetterView(row))
			}
			return printJSON(cmd.OutOrStdout(), views)
		},
	}
	list.Flags().IntVar(&limit, "limit", defaultListLimit, "maximum entries to list")

	show := &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show the dead-letter entry of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := b.DeadLetters(cmd.Context())
			if err != nil {
				return err
			}
			row, err := store.FindByJobID(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if row == nil {
				return fmt.Errorf("no dead-letter entry for job %s", args[0])
			}
			return printJSON(cmd.OutOrStdout(), newDeadLetterView(*row))
		},
	}

	cmd.AddCommand(list, show)
	return cmd
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, queue.ErrJobNotFound) {
		return fmt.Errorf(format, args...)
	}
	return err
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
