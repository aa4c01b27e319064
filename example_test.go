package durable_test

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/petrijr/durable"
)

// ExampleLocalRunner runs a two-activity workflow on an in-memory runner.
func ExampleLocalRunner() {
	ctx := context.Background()

	runner, err := durable.NewLocalRunner(durable.Options{})
	if err != nil {
		log.Fatal(err)
	}
	defer runner.Close()

	_ = runner.RegisterActivity(durable.NewActivity("hello", func(ctx durable.ActivityContext, name string) (string, error) {
		return "Hello, " + name, nil
	}))
	_ = runner.RegisterActivity(durable.NewActivity("shout", func(ctx durable.ActivityContext, s string) (string, error) {
		return strings.ToUpper(s) + "!", nil
	}))
	_ = runner.RegisterWorkflow(durable.NewWorkflow("Greeting", func(ctx durable.WorkflowContext, name string) (string, error) {
		msg, err := durable.ExecuteActivity[string](ctx, "hello", name, durable.ActivityOptions{})
		if err != nil {
			return "", err
		}
		return durable.ExecuteActivity[string](ctx, "shout", msg, durable.ActivityOptions{
			RetryPolicy: durable.Retry(3).NonRetryable("BadInput").Policy(),
		})
	}))

	if err := runner.Start(ctx); err != nil {
		log.Fatal(err)
	}
	defer runner.Stop()

	var out string
	if err := runner.Run(ctx, durable.StartOptions{}, "Greeting", "Gopher", &out); err != nil {
		log.Fatal(err)
	}
	fmt.Println(out)

	// Output:
	// HELLO, GOPHER!
}
