package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	cli "github.com/urfave/cli/v3"

	"github.com/petrijr/durable"
	"github.com/petrijr/durable/examples/orders"
)

var errMissingWorkflowID = errors.New("workflow id is required")

func startCommand() *cli.Command {
	return &cli.Command{
		Name:      "start",
		Usage:     "Start an OrderProcessing workflow from a JSON order",
		ArgsUsage: "<order.json|->",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "workflow-id", Usage: "Workflow id (defaults to order-<order_id>)"},
			&cli.StringFlag{Name: "task-queue", Usage: "Task queue the run is dispatched to"},
			&cli.DurationFlag{Name: "execution-timeout", Usage: "Fail the run if it is still open after this long"},
			&cli.BoolFlag{Name: "wait", Usage: "Wait for the result"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			order, err := readOrder(cmd.Args().First())
			if err != nil {
				return err
			}
			b, err := openClient(ctx, cmd)
			if err != nil {
				return err
			}
			defer b.Close()

			opts := durable.StartOptions{
				WorkflowID:       cmd.String("workflow-id"),
				TaskQueue:        cmd.String("task-queue"),
				ExecutionTimeout: cmd.Duration("execution-timeout"),
			}
			if opts.WorkflowID == "" {
				opts.WorkflowID = "order-" + order.OrderID
			}
			h, err := b.Client.StartWorkflow(ctx, opts, orders.WorkflowType, order)
			if err != nil {
				return err
			}
			if !cmd.Bool("wait") {
				return printJSON(map[string]string{"workflow_id": h.ID(), "run_id": h.RunID()})
			}
			res, err := durable.GetResult[orders.Result](ctx, h)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
}

func describeCommand() *cli.Command {
	return &cli.Command{
		Name:      "describe",
		Usage:     "Print the snapshot of a workflow's current run",
		ArgsUsage: "<workflow-id>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			id := cmd.Args().First()
			if id == "" {
				return errMissingWorkflowID
			}
			b, err := openClient(ctx, cmd)
			if err != nil {
				return err
			}
			defer b.Close()

			snap, err := b.Client.DescribeWorkflow(ctx, id)
			if err != nil {
				return err
			}
			return printJSON(snap)
		},
	}
}

func historyCommand() *cli.Command {
	return &cli.Command{
		Name:      "history",
		Usage:     "Print the event history of a run, one event per line",
		ArgsUsage: "<workflow-id> [run-id]",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			id := cmd.Args().First()
			if id == "" {
				return errMissingWorkflowID
			}
			b, err := openClient(ctx, cmd)
			if err != nil {
				return err
			}
			defer b.Close()

			events, err := b.Client.GetWorkflowHistory(ctx, id, cmd.Args().Get(1))
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			for _, ev := range events {
				if err := enc.Encode(ev); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func queryCommand() *cli.Command {
	return &cli.Command{
		Name:      "query",
		Usage:     "Run a query against a workflow",
		ArgsUsage: "<workflow-id> <query> [json-args]",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			id, name := cmd.Args().First(), cmd.Args().Get(1)
			if id == "" || name == "" {
				return errors.New("workflow id and query name are required")
			}
			args, err := jsonArg(cmd.Args().Get(2))
			if err != nil {
				return err
			}
			b, err := openClient(ctx, cmd)
			if err != nil {
				return err
			}
			defer b.Close()

			out, err := b.Client.QueryWorkflow(ctx, id, "", name, args)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(os.Stdout, out.String())
			return err
		},
	}
}

func signalCommand() *cli.Command {
	return &cli.Command{
		Name:      "signal",
		Usage:     "Send a signal to a workflow",
		ArgsUsage: "<workflow-id> <signal> [json-payload]",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			id, name := cmd.Args().First(), cmd.Args().Get(1)
			if id == "" || name == "" {
				return errors.New("workflow id and signal name are required")
			}
			payload, err := jsonArg(cmd.Args().Get(2))
			if err != nil {
				return err
			}
			b, err := openClient(ctx, cmd)
			if err != nil {
				return err
			}
			defer b.Close()

			return b.Client.SignalWorkflow(ctx, id, "", name, payload)
		},
	}
}

func cancelCommand() *cli.Command {
	return &cli.Command{
		Name:      "cancel",
		Usage:     "Request cancellation of a workflow",
		ArgsUsage: "<workflow-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "reason", Value: "cancelled from the command line"},
			&cli.DurationFlag{Name: "timeout", Value: 10 * time.Second, Usage: "How long to wait for the backend"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			id := cmd.Args().First()
			if id == "" {
				return errMissingWorkflowID
			}
			ctx, cancel := context.WithTimeout(ctx, cmd.Duration("timeout"))
			defer cancel()
			b, err := openClient(ctx, cmd)
			if err != nil {
				return err
			}
			defer b.Close()

			return b.Client.CancelWorkflow(ctx, id, "", cmd.String("reason"))
		},
	}
}

func readOrder(path string) (orders.Order, error) {
	var r io.Reader
	switch path {
	case "":
		return orders.Order{}, errors.New("order file is required (use - for stdin)")
	case "-":
		r = os.Stdin
	default:
		f, err := os.Open(path)
		if err != nil {
			return orders.Order{}, err
		}
		defer f.Close()
		r = f
	}
	var o orders.Order
	if err := json.NewDecoder(r).Decode(&o); err != nil {
		return orders.Order{}, fmt.Errorf("decode order: %w", err)
	}
	if o.OrderID == "" {
		return orders.Order{}, errors.New("order_id is required")
	}
	return o, nil
}

// jsonArg turns an optional command-line JSON document into a payload.
func jsonArg(s string) (any, error) {
	if s == "" {
		return nil, nil
	}
	if !json.Valid([]byte(s)) {
		return nil, fmt.Errorf("argument %q is not valid JSON", s)
	}
	return durable.Payload(s), nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
