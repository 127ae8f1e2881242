// Package cloudrelay implements a bearer that tunnels encrypted
// network PDUs through an SQS queue pair instead of a radio. It exists
// for nodes that are not in advertising range of each other but share
// a relay account: a gateway node polls its receive queue and feeds
// whatever arrives into the stack exactly like a local bearer would,
// and every outbound PDU is also dropped onto the queue's counterpart
// for that gateway's peers to pick up.
//
// This is not a bearer the profile defines; it is this deployment's
// substitute for a backhaul a single advertising radio can't reach.
package cloudrelay

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/client"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sns"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/op/go-logging"

	"github.com/agrinman/btmesh/stack"
)

const sqsBaseQueueURL = "https://sqs.us-east-1.amazonaws.com/"

// Config names the queues and, optionally, an SNS topic ARN to push a
// wake-up notification to alongside every send (useful when the peer
// gateway is a mobile device that can't long-poll).
type Config struct {
	Region        string
	AccountID     string
	SendQueue     string
	ReceiveQueue  string
	SNSTopicARN   string
	PollWaitSecs  int64
	VisibilitySec int64
}

func (c Config) queueURL(name string) string {
	return sqsBaseQueueURL + c.Region + "/" + c.AccountID + "/" + name
}

func (c Config) pollWait() int64 {
	if c.PollWaitSecs > 0 {
		return c.PollWaitSecs
	}
	return 10
}

func (c Config) visibility() int64 {
	if c.VisibilitySec > 0 {
		return c.VisibilitySec
	}
	return 5
}

// Bearer is both the input and output half of the cloud relay; most
// deployments register it as both on the same stack.
type Bearer struct {
	cfg Config
	sqs *sqs.SQS
	sns *sns.SNS
	log *logging.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// New builds a Bearer from static AWS credentials. These credentials
// are expected to be
// narrowly scoped to SQS send/receive and (optionally) SNS publish on
// the named resources, not general account access.
func New(cfg Config, accessKeyID, secretAccessKey string, log *logging.Logger) (*Bearer, error) {
	creds := credentials.NewStaticCredentials(accessKeyID, secretAccessKey, "")
	awsCfg := aws.NewConfig().WithRegion(cfg.Region).WithCredentials(creds)

	var provider client.ConfigProvider
	provider, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("cloudrelay: new aws session: %w", err)
	}

	b := &Bearer{
		cfg:  cfg,
		sqs:  sqs.New(provider),
		log:  log,
		done: make(chan struct{}),
	}
	if cfg.SNSTopicARN != "" {
		b.sns = sns.New(provider)
	}
	return b, nil
}

// Start long-polls the receive queue until Close is called, handing
// every message body (base64-encoded ciphertext) to sink as an
// IncomingEncryptedNetworkPDU. Malformed bodies are dropped and
// logged; one bad message never stalls the rest of the batch.
func (b *Bearer) Start(sink func(stack.IncomingEncryptedNetworkPDU)) error {
	queueURL := b.cfg.queueURL(b.cfg.ReceiveQueue)
	for {
		select {
		case <-b.done:
			return nil
		default:
		}

		resp, err := b.sqs.ReceiveMessage(&sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(queueURL),
			MaxNumberOfMessages: aws.Int64(10),
			WaitTimeSeconds:     aws.Int64(b.cfg.pollWait()),
			VisibilityTimeout:   aws.Int64(b.cfg.visibility()),
		})
		if err != nil {
			if strings.Contains(err.Error(), "NonExistentQueue") {
				if _, createErr := b.ensureQueue(b.cfg.ReceiveQueue); createErr != nil {
					return fmt.Errorf("cloudrelay: create receive queue: %w", createErr)
				}
				continue
			}
			b.log.Warningf("cloudrelay: receive error: %s", err)
			time.Sleep(time.Second)
			continue
		}

		if len(resp.Messages) == 0 {
			continue
		}
		deleteEntries := make([]*sqs.DeleteMessageBatchRequestEntry, 0, len(resp.Messages))
		for i, msg := range resp.Messages {
			deleteEntries = append(deleteEntries, &sqs.DeleteMessageBatchRequestEntry{
				Id:            aws.String(strconv.Itoa(i)),
				ReceiptHandle: msg.ReceiptHandle,
			})
			decoded, decodeErr := base64.StdEncoding.DecodeString(aws.StringValue(msg.Body))
			if decodeErr != nil {
				b.log.Warningf("cloudrelay: dropping malformed message body: %s", decodeErr)
				continue
			}
			sink(stack.IncomingEncryptedNetworkPDU{EncryptedPDU: decoded})
		}
		if _, err := b.sqs.DeleteMessageBatch(&sqs.DeleteMessageBatchInput{
			QueueUrl: aws.String(queueURL),
			Entries:  deleteEntries,
		}); err != nil {
			b.log.Warningf("cloudrelay: delete batch error: %s", err)
		}
	}
}

// Send enqueues an encrypted network PDU on the send queue, and, if
// an SNS topic is configured, nudges it as a silent push so an
// idle/suspended peer gateway wakes to poll sooner than its own
// long-poll interval would have brought it back around.
func (b *Bearer) Send(pdu stack.OutgoingEncryptedNetworkPDU) error {
	body := base64.StdEncoding.EncodeToString(pdu.EncryptedPDU)
	queueURL := b.cfg.queueURL(b.cfg.SendQueue)

	_, err := b.sqs.SendMessage(&sqs.SendMessageInput{
		QueueUrl:    aws.String(queueURL),
		MessageBody: aws.String(body),
	})
	if err != nil && strings.Contains(err.Error(), "NonExistentQueue") {
		if _, createErr := b.ensureQueue(b.cfg.SendQueue); createErr != nil {
			return fmt.Errorf("cloudrelay: create send queue: %w", createErr)
		}
		_, err = b.sqs.SendMessage(&sqs.SendMessageInput{
			QueueUrl:    aws.String(queueURL),
			MessageBody: aws.String(body),
		})
	}
	if err != nil {
		return fmt.Errorf("cloudrelay: send: %w", err)
	}

	if b.sns != nil {
		go b.pushWakeup(body)
	}
	return nil
}

func (b *Bearer) pushWakeup(ciphertext string) {
	gcmPayload := fmt.Sprintf(`{"data":{"message":%q,"queue":%q}}`, ciphertext, b.cfg.SendQueue)
	message := fmt.Sprintf(`{"default":"mesh relay","GCM":%q}`, gcmPayload)
	_, err := b.sns.Publish(&sns.PublishInput{
		TargetArn:        aws.String(b.cfg.SNSTopicARN),
		Message:          aws.String(message),
		MessageStructure: aws.String("json"),
	})
	if err != nil {
		b.log.Warningf("cloudrelay: sns push failed: %s", err)
	}
}

func (b *Bearer) ensureQueue(name string) (string, error) {
	out, err := b.sqs.CreateQueue(&sqs.CreateQueueInput{
		QueueName: aws.String(name),
		Attributes: map[string]*string{
			sqs.QueueAttributeNameMessageRetentionPeriod: aws.String("3600"),
			sqs.QueueAttributeNameVisibilityTimeout:      aws.String(strconv.FormatInt(b.cfg.visibility(), 10)),
		},
	})
	if err != nil {
		return "", err
	}
	return aws.StringValue(out.QueueUrl), nil
}

// Close stops Start's poll loop after its current iteration.
func (b *Bearer) Close() error {
	b.closeOnce.Do(func() { close(b.done) })
	return nil
}
