// Command queue-publish submits request payloads to the queue. Operators use
// it to push withdrawal and claim requests onto the withdrawal-requests topic,
// one JSON document per line.
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/stakeworks/staking-ledger/internal/queue"
)

func main() {
	if err := runMain(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type fileList []string

func (f *fileList) String() string { return strings.Join(*f, ",") }

func (f *fileList) Set(v string) error {
	if v = strings.TrimSpace(v); v == "" {
		return errors.New("value must not be empty")
	}
	*f = append(*f, v)
	return nil
}

func runMain(args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("queue-publish", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var files fileList
	queueDriver := fs.String("queue-driver", queue.DriverKafka, "queue driver: kafka|stdio")
	kafkaBrokers := fs.String("kafka-brokers", "", "comma-separated Kafka brokers (required for kafka)")
	topic := fs.String("topic", queue.TopicWithdrawalRequests, "queue topic")
	payload := fs.String("payload", "", "inline payload body")
	fs.Var(&files, "payload-file", "payload file path (repeatable)")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*topic) == "" {
		return errors.New("--topic is required")
	}

	payloads, err := loadPayloads(strings.TrimSpace(*payload), files, stdin)
	if err != nil {
		return err
	}

	producer, err := queue.NewProducer(queue.ProducerConfig{
		Driver:  *queueDriver,
		Brokers: queue.SplitCommaList(*kafkaBrokers),
		Writer:  stdout,
	})
	if err != nil {
		return err
	}
	defer func() { _ = producer.Close() }()

	ctx := context.Background()
	for _, p := range payloads {
		if err := producer.Publish(ctx, *topic, p); err != nil {
			return err
		}
	}
	return nil
}

// loadPayloads collects request documents from the inline flag, payload files,
// or stdin, in that order of preference. Files and stdin are split on
// newlines: each non-empty line becomes one message, matching the
// one-JSON-document-per-message consumer contract.
func loadPayloads(inline string, files []string, stdin io.Reader) ([][]byte, error) {
	var payloads [][]byte
	if inline != "" {
		payloads = append(payloads, []byte(inline))
	}
	for _, path := range files {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read payload file %q: %w", path, err)
		}
		payloads = append(payloads, splitLines(b)...)
	}
	if len(payloads) > 0 {
		return payloads, nil
	}

	if stdin != nil {
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin payload: %w", err)
		}
		payloads = splitLines(b)
	}
	if len(payloads) == 0 {
		return nil, errors.New("payload is required via --payload, --payload-file, or stdin")
	}
	return payloads, nil
}

func splitLines(b []byte) [][]byte {
	var out [][]byte
	for _, line := range bytes.Split(b, []byte("\n")) {
		if line = bytes.TrimSpace(line); len(line) > 0 {
			out = append(out, bytes.Clone(line))
		}
	}
	return out
}
