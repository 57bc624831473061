package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	apperrors "github.com/kimhsiao/medisync/internal/errors"
	"github.com/kimhsiao/medisync/internal/models"
	"github.com/kimhsiao/medisync/internal/sync/orchestrator"
)

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connection, queue and conflict state",
		Args:  cobra.NoArgs,
		RunE: opts.run(func(ctx context.Context, orch *orchestrator.Orchestrator, out *output) error {
			st := orch.Status()
			return out.emit(st, func(w io.Writer) { writeStatus(w, st) })
		}),
	}
}

func newSyncCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass",
		Long: `Run one upload/download pass against the configured server.

The pass is skipped when the connection is offline, below the configured
minimum quality, or metered while metered sync is disabled. Transport
failures are queued for retry and reported, not returned as errors.`,
		Args: cobra.NoArgs,
		RunE: opts.run(func(ctx context.Context, orch *orchestrator.Orchestrator, out *output) error {
			res, err := orch.RunSyncPass(ctx)
			if err != nil {
				return err
			}
			return out.emit(res.Summary(), func(w io.Writer) { writePass(w, res) })
		}),
	}
}

func newRecordCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "record <entity-id> <entity-type> <payload|@file|->",
		Short: "Record a local change and queue it for upload",
		Example: `  syncctl record med-1 medication '{"name":"Metformin","dosage":"500mg"}'
  syncctl record appt-7 appointment @appointment.json`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readPayload(cmd, args[2])
			if err != nil {
				return err
			}
			return opts.run(func(ctx context.Context, orch *orchestrator.Orchestrator, out *output) error {
				ent, err := orch.EnqueueLocalChange(ctx, args[0], models.EntityType(args[1]), body)
				if err != nil {
					return err
				}
				return out.emit(ent, func(w io.Writer) {
					fmt.Fprintf(w, "Recorded %s (%s) version %d, queued for upload\n", ent.ID, ent.EntityType, ent.Version)
				})
			})(cmd, args)
		},
	}
}

func newDeleteCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <entity-id>",
		Short: "Delete an entity locally and queue the deletion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(func(ctx context.Context, orch *orchestrator.Orchestrator, out *output) error {
				ent, err := orch.EnqueueLocalDeletion(ctx, args[0])
				if err != nil {
					return err
				}
				return out.emit(ent, func(w io.Writer) {
					fmt.Fprintf(w, "Deleted %s, queued for upload\n", ent.ID)
				})
			})(cmd, args)
		},
	}
}

func newConflictsCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List, inspect and resolve conflicts",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List conflicts awaiting a manual decision",
		Args:  cobra.NoArgs,
		RunE: opts.run(func(ctx context.Context, orch *orchestrator.Orchestrator, out *output) error {
			records := orch.ListPendingConflicts()
			return out.emit(records, func(w io.Writer) { writeConflicts(w, records) })
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "history [entity-id]",
		Short: "Show the conflict audit trail",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			var entityID string
			if len(args) == 1 {
				entityID = args[0]
			}
			return opts.run(func(ctx context.Context, orch *orchestrator.Orchestrator, out *output) error {
				records, err := orch.ConflictHistory(entityID)
				if err != nil {
					return err
				}
				return out.emit(records, func(w io.Writer) { writeConflicts(w, records) })
			})(c, args)
		},
	})

	var deleteEntity bool
	resolve := &cobra.Command{
		Use:   "resolve <entity-id> [payload|@file|-]",
		Short: "Resolve a held conflict with the chosen payload",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(c *cobra.Command, args []string) error {
			var chosen []byte
			switch {
			case deleteEntity && len(args) == 2:
				return apperrors.New(apperrors.ErrInvalid, "--delete takes no payload")
			case !deleteEntity && len(args) == 1:
				return apperrors.New(apperrors.ErrInvalid, "a payload or --delete is required")
			case len(args) == 2:
				var err error
				if chosen, err = readPayload(c, args[1]); err != nil {
					return err
				}
			}
			return opts.run(func(ctx context.Context, orch *orchestrator.Orchestrator, out *output) error {
				rec, err := orch.ResolveConflictManually(ctx, args[0], chosen)
				if err != nil {
					return err
				}
				return out.emit(rec, func(w io.Writer) {
					fmt.Fprintf(w, "Resolved %s; the choice goes out with the next sync\n", rec.EntityID)
				})
			})(c, args)
		},
	}
	resolve.Flags().BoolVar(&deleteEntity, "delete", false, "resolve by deleting the entity")
	cmd.AddCommand(resolve)

	return cmd
}

func newQueueCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the retry queue",
	}

	var failedOnly bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List queued operations",
		Args:  cobra.NoArgs,
		RunE: opts.run(func(ctx context.Context, orch *orchestrator.Orchestrator, out *output) error {
			var (
				ops []*models.QueuedOperation
				err error
			)
			if failedOnly {
				ops, err = orch.FailedOperations()
			} else {
				ops, err = orch.Operations()
			}
			if err != nil {
				return err
			}
			return out.emit(ops, func(w io.Writer) { writeOperations(w, ops) })
		}),
	}
	list.Flags().BoolVar(&failedOnly, "failed", false, "only failed operations")
	cmd.AddCommand(list)

	var all bool
	retry := &cobra.Command{
		Use:   "retry [operation-id]",
		Short: "Reset a failed operation, or all of them with --all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return apperrors.New(apperrors.ErrInvalid, "give an operation id or --all")
			}
			return opts.run(func(ctx context.Context, orch *orchestrator.Orchestrator, out *output) error {
				if all {
					n, err := orch.RetryAllOperations()
					if err != nil {
						return err
					}
					return out.emit(map[string]int{"retried": n}, func(w io.Writer) {
						fmt.Fprintf(w, "Reset %d failed operations\n", n)
					})
				}
				op, err := orch.RetryOperation(args[0])
				if err != nil {
					return err
				}
				return out.emit(op, func(w io.Writer) {
					fmt.Fprintf(w, "Reset %s for %s\n", op.ID, op.EntityID)
				})
			})(c, args)
		},
	}
	retry.Flags().BoolVar(&all, "all", false, "reset every failed operation")
	cmd.AddCommand(retry)

	cmd.AddCommand(&cobra.Command{
		Use:   "dismiss <operation-id>",
		Short: "Remove a failed operation from the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return opts.run(func(ctx context.Context, orch *orchestrator.Orchestrator, out *output) error {
				if err := orch.DismissOperation(args[0]); err != nil {
					return err
				}
				return out.emit(map[string]string{"dismissed": args[0]}, func(w io.Writer) {
					fmt.Fprintf(w, "Dismissed %s\n", args[0])
				})
			})(c, args)
		},
	})

	return cmd
}

func newLoginCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "login <token|@file|->",
		Short: "Store the sync server token encrypted on this device",
		Long: `Store the bearer token sent to the sync server. The token is encrypted
with a key derived from this machine and used whenever server.token and
MEDISYNC_TOKEN are unset.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readPayload(cmd, args[0])
			if err != nil {
				return err
			}
			token := strings.TrimSpace(string(raw))
			return opts.run(func(ctx context.Context, orch *orchestrator.Orchestrator, out *output) error {
				if err := orch.SetServerToken(token); err != nil {
					return err
				}
				return out.emit(map[string]bool{"stored": true}, func(w io.Writer) {
					fmt.Fprintln(w, "Server token stored.")
				})
			})(cmd, args)
		},
	}
}

func newLogoutCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the stored sync server token",
		Args:  cobra.NoArgs,
		RunE: opts.run(func(ctx context.Context, orch *orchestrator.Orchestrator, out *output) error {
			if err := orch.ClearServerToken(); err != nil {
				return err
			}
			return out.emit(map[string]bool{"removed": true}, func(w io.Writer) {
				fmt.Fprintln(w, "Server token removed.")
			})
		}),
	}
}
