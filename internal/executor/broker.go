// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// brokerMessage is the wire envelope placed on the queue; a remote
// worker pulls these, executes the named work out of band, and reports
// completion on the result queue with the same RunID.
type brokerMessage struct {
	RunID string         `json:"run_id"`
	Kind  string         `json:"kind"`
	Name  string         `json:"name"`
	Params map[string]any `json:"params"`
}

// SQSClient is the subset of *sqs.Client the BrokerExecutor depends on,
// narrowed for testability.
type SQSClient interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// BrokerExecutor hands work off to a remote worker pool over SQS
// instead of running it in-process: Submit enqueues a brokerMessage
// and returns the SQS MessageId as the external reference.
// GetStatus/Cancel are best-effort — once a remote consumer has
// claimed a message, this process has no channel back to it except
// the result queue a worker is expected to publish to.
type BrokerExecutor struct {
	client       SQSClient
	workQueueURL string
	resultQueueURL string

	mu       sync.Mutex
	statuses map[string]ExecStatus
	results  map[string]Result
	stopCh   chan struct{}
	stopped  bool
}

// NewBrokerExecutor returns a BrokerExecutor publishing work to
// workQueueURL and polling resultQueueURL for completions.
func NewBrokerExecutor(client SQSClient, workQueueURL, resultQueueURL string) *BrokerExecutor {
	return &BrokerExecutor{
		client:         client,
		workQueueURL:   workQueueURL,
		resultQueueURL: resultQueueURL,
		statuses:       make(map[string]ExecStatus),
		results:        make(map[string]Result),
		stopCh:         make(chan struct{}),
	}
}

// brokerPayload is a WorkSpec-shaped message description that does not
// require the executor package to import the ledger package. Nothing in
// this package constructs it; SubmitMessage takes the same fields as
// plain arguments.
type brokerPayload struct {
	Kind   string
	Name   string
	Params map[string]any
}

// Submit always returns an error: remote execution has no in-process
// closure to run, so task.Run is never invoked. Callers targeting a
// broker use SubmitMessage instead of the generic Executor.Submit.
func (b *BrokerExecutor) Submit(ctx context.Context, task Task) (string, error) {
	return "", fmt.Errorf("broker executor: use SubmitMessage, Task.Run is not supported")
}

// SubmitMessage enqueues one unit of work on the broker's work queue
// and returns the SQS message ID as the external reference.
func (b *BrokerExecutor) SubmitMessage(ctx context.Context, runID, kind, name string, params map[string]any) (string, error) {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return "", fmt.Errorf("broker executor: shutdown in progress")
	}
	b.mu.Unlock()

	body, err := json.Marshal(brokerMessage{RunID: runID, Kind: kind, Name: name, Params: params})
	if err != nil {
		return "", fmt.Errorf("broker executor: marshal message: %w", err)
	}

	out, err := b.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    &b.workQueueURL,
		MessageBody: strPtr(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"run_id": {DataType: strPtr("String"), StringValue: strPtr(runID)},
		},
	})
	if err != nil {
		return "", fmt.Errorf("broker executor: send message: %w", err)
	}

	b.mu.Lock()
	b.statuses[runID] = ExecPending
	b.mu.Unlock()

	if out.MessageId != nil {
		return *out.MessageId, nil
	}
	return runID, nil
}

// PollResults is a background loop, run by whoever owns the
// BrokerExecutor, that drains the result queue and records completions
// keyed by RunID so a later GetStatus or Wait reflects them. It is the
// BrokerExecutor's substitute for a push-based completion callback,
// since SQS has no server push. It does not call Dispatcher.Complete.
func (b *BrokerExecutor) PollResults(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.drainOnce(ctx)
		}
	}
}

func (b *BrokerExecutor) drainOnce(ctx context.Context) {
	out, err := b.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            &b.resultQueueURL,
		MaxNumberOfMessages:  10,
		WaitTimeSeconds:      1,
		MessageAttributeNames: []string{"All"},
	})
	if err != nil || out == nil {
		return
	}

	for _, msg := range out.Messages {
		if msg.Body == nil {
			continue
		}
		var res struct {
			RunID  string         `json:"run_id"`
			Status ExecStatus     `json:"status"`
			Output map[string]any `json:"output"`
			Error  string         `json:"error"`
		}
		if err := json.Unmarshal([]byte(*msg.Body), &res); err != nil {
			continue
		}

		b.mu.Lock()
		b.statuses[res.RunID] = res.Status
		r := Result{Status: res.Status, Output: res.Output}
		if res.Error != "" {
			r.Err = fmt.Errorf("%s", res.Error)
		}
		b.results[res.RunID] = r
		b.mu.Unlock()

		if msg.ReceiptHandle != nil {
			_, _ = b.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
				QueueUrl:      &b.resultQueueURL,
				ReceiptHandle: msg.ReceiptHandle,
			})
		}
	}
}

func (b *BrokerExecutor) GetStatus(ctx context.Context, externalRef string) (ExecStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.statuses[externalRef]
	if !ok {
		return ExecUnknown, nil
	}
	return s, nil
}

// Cancel on a BrokerExecutor cannot interrupt work a remote consumer
// has already claimed; it only updates local bookkeeping so a
// subsequent GetStatus reports CANCELLED rather than leaving a stale
// PENDING entry.
func (b *BrokerExecutor) Cancel(ctx context.Context, externalRef string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.statuses[externalRef]; !ok {
		return fmt.Errorf("broker executor: unknown ref %q", externalRef)
	}
	b.statuses[externalRef] = ExecCancelled
	return nil
}

func (b *BrokerExecutor) Wait(ctx context.Context, externalRef string) (Result, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		b.mu.Lock()
		r, ok := b.results[externalRef]
		b.mu.Unlock()
		if ok {
			return r, nil
		}
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (b *BrokerExecutor) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	close(b.stopCh)
	b.mu.Unlock()
	return nil
}

func strPtr(s string) *string { return &s }
