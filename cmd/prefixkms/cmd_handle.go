package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/aws-samples/s3-prefix-level-kms-keys/processor"
	"github.com/aws-samples/s3-prefix-level-kms-keys/queue"
)

var (
	handleFile          string
	handleFailOnPartial bool
)

var handleCmd = &cobra.Command{
	Use:   "handle",
	Short: "Process one SQS batch event and print the partial batch response",
	Long: `Read an SQS batch in the Lambda event shape from a file or stdin,
process every message, and print the partial batch response:

  {"batchItemFailures": [{"itemIdentifier": "<message id>"}], "statusCode": 200}

Only messages with a transient failure are listed. statusCode is 500 when
any message must be redelivered.`,
	Example: `  prefixkms handle -c prefixkms.yaml --file event.json
  cat event.json | prefixkms handle -c prefixkms.yaml`,
	RunE: runHandle,
}

func init() {
	rootCmd.AddCommand(handleCmd)

	handleCmd.Flags().StringVarP(&handleFile, "file", "f", "", "Event file (default stdin)")
	handleCmd.Flags().BoolVar(&handleFailOnPartial, "fail-on-partial", false, "Exit non-zero when any message must be redelivered")
}

func runHandle(cmd *cobra.Command, args []string) error {
	data, err := readEvent(cmd.InOrStdin(), handleFile)
	if err != nil {
		return err
	}
	messages, err := queue.ParseLambdaEvent(data)
	if err != nil {
		return err
	}

	return withApp(cmd, func(ctx context.Context, a *app) error {
		result := a.processor.ProcessBatch(ctx, messages)
		if err := writeJSON(cmd.OutOrStdout(), result.Response()); err != nil {
			return err
		}
		if handleFailOnPartial && result.Status() != processor.BatchSuccess {
			return fmt.Errorf("%w: %d of %d messages", processor.ErrBatchFailed, len(result.FailedIDs()), result.Messages)
		}
		return nil
	})
}

func readEvent(stdin io.Reader, path string) ([]byte, error) {
	if path == "" || path == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read event file: %w", err)
	}
	return data, nil
}
