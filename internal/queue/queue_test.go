package queue

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"
)

func TestNewConsumer_RejectsBadConfig(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for name, cfg := range map[string]ConsumerConfig{
		"unsupported driver": {Driver: "carrier-pigeon"},
		"kafka no brokers":   {Driver: DriverKafka, Group: "g1", Topics: []string{TopicWithdrawalRequests}},
		"kafka no group":     {Driver: DriverKafka, Brokers: []string{"127.0.0.1:9092"}, Topics: []string{TopicWithdrawalRequests}},
		"kafka no topics":    {Driver: DriverKafka, Brokers: []string{"127.0.0.1:9092"}, Group: "g1"},
		"kafka max < min":    {Driver: DriverKafka, Brokers: []string{"127.0.0.1:9092"}, Group: "g1", Topics: []string{TopicLedgerAudit}, KafkaMinBytes: 100, KafkaMaxBytes: 10},
	} {
		c, err := NewConsumer(ctx, cfg)
		if err == nil {
			t.Errorf("%s: expected error", name)
		}
		if c != nil {
			t.Errorf("%s: expected nil consumer on error", name)
		}
	}
}

func TestNewProducer_RejectsBadConfig(t *testing.T) {
	t.Parallel()

	for name, cfg := range map[string]ProducerConfig{
		"unsupported driver": {Driver: "carrier-pigeon"},
		"kafka no brokers":   {Driver: DriverKafka},
	} {
		p, err := NewProducer(cfg)
		if err == nil {
			t.Errorf("%s: expected error", name)
		}
		if p != nil {
			t.Errorf("%s: expected nil producer on error", name)
		}
	}
}

func TestStdioRoundTrip(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := NewConsumer(ctx, ConsumerConfig{
		Driver:       DriverStdio,
		Reader:       strings.NewReader("first\nsecond\n"),
		MaxLineBytes: 1024,
	})
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	defer func() { _ = c.Close() }()

	got := drain(t, c, 2)
	if got[0] != "first" || got[1] != "second" {
		t.Fatalf("unexpected lines: %#v", got)
	}

	var out bytes.Buffer
	p, err := NewProducer(ProducerConfig{Driver: DriverStdio, Writer: &out})
	if err != nil {
		t.Fatalf("NewProducer: %v", err)
	}
	defer func() { _ = p.Close() }()

	for _, line := range got {
		if err := p.Publish(ctx, TopicLedgerAudit, []byte(line)); err != nil {
			t.Fatalf("Publish(%q): %v", line, err)
		}
	}
	if want := "first\nsecond\n"; out.String() != want {
		t.Fatalf("output mismatch: got %q want %q", out.String(), want)
	}
}

// drain reads n messages off the consumer, acking each.
func drain(t *testing.T, c Consumer, n int) []string {
	t.Helper()

	var got []string
	deadline := time.After(2 * time.Second)
	for len(got) < n {
		select {
		case m, ok := <-c.Messages():
			if !ok {
				t.Fatalf("messages channel closed after %d of %d", len(got), n)
			}
			if err := m.Ack(context.Background()); err != nil {
				t.Fatalf("Ack: %v", err)
			}
			got = append(got, string(m.Value))
		case err := <-c.Errors():
			if err != nil {
				t.Fatalf("consumer error: %v", err)
			}
		case <-deadline:
			t.Fatalf("timeout after %d of %d messages", len(got), n)
		}
	}
	return got
}

func TestMessage_AckWithoutDriverIsNoOp(t *testing.T) {
	t.Parallel()

	m := Message{Topic: TopicWithdrawalRequests, Value: []byte("x")}
	if err := m.Ack(context.Background()); err != nil {
		t.Fatalf("Ack: %v", err)
	}
}

func TestSplitCommaList(t *testing.T) {
	t.Parallel()

	if got := SplitCommaList(" a, ,b ,"); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("SplitCommaList: got %#v", got)
	}
	if got := SplitCommaList("  "); got != nil {
		t.Fatalf("SplitCommaList on blanks: got %#v, want nil", got)
	}
}

func TestQueueKafkaTLSEnabled(t *testing.T) {
	for value, want := range map[string]bool{
		"":         false,
		"false":    false,
		"0":        false,
		"off":      false,
		"true":     true,
		"1":        true,
		"yes":      true,
		"on":       true,
		"  TrUe  ": true,
	} {
		t.Setenv(envKafkaTLS, value)
		if got := queueKafkaTLSEnabled(); got != want {
			t.Errorf("queueKafkaTLSEnabled(%q) = %t, want %t", value, got, want)
		}
	}
}

func TestShouldStopKafkaConsumerOnFetchError(t *testing.T) {
	t.Parallel()

	if !shouldStopKafkaConsumerOnFetchError(context.Canceled) {
		t.Fatal("context.Canceled should stop the consumer")
	}
	for _, err := range []error{io.EOF, io.ErrClosedPipe, nil} {
		if shouldStopKafkaConsumerOnFetchError(err) {
			t.Errorf("%v should not stop the consumer", err)
		}
	}
}
