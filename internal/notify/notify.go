// Package notify sends SNS notifications to subscribers after images have
// been published. Topic ARNs are derived from the active account identity,
// never configured directly.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/smithy-go"

	"github.com/keithlinneman/amipub/internal/cfg"
	"github.com/keithlinneman/amipub/internal/log"
	"github.com/keithlinneman/amipub/internal/xerrors"
)

// SNSAPI is the slice of the SNS client the notifier needs.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// AuthorizationError reports missing permission to publish to a topic.
type AuthorizationError struct {
	Topic  string
	Region string
	Err    error
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("not authorized to send the notification for topic %q in %s, review the policy", e.Topic, e.Region)
}

func (e *AuthorizationError) Unwrap() error { return e.Err }

// NotificationError wraps any other provider failure during notification
// fan-out.
type NotificationError struct {
	Topic  string
	Region string
	Err    error
}

func (e *NotificationError) Error() string {
	return fmt.Sprintf("sending notification for topic %q in %s failed: %v", e.Topic, e.Region, e.Err)
}

func (e *NotificationError) Unwrap() error { return e.Err }

type Options struct {
	// Clients returns an SNS client for a region. Required.
	Clients func(region string) SNSAPI
	// Account and Partition identify the topic owner for ARN construction.
	// Both required.
	Account   string
	Partition string
	// Logger defaults to the nop logger.
	Logger log.Logger
}

type Notifier struct {
	clients   func(region string) SNSAPI
	account   string
	partition string
	logger    log.Logger
}

func New(opts Options) (*Notifier, error) {
	if opts.Clients == nil {
		return nil, xerrors.New("notify: Clients is required")
	}
	if opts.Account == "" || opts.Partition == "" {
		return nil, xerrors.New("notify: Account and Partition are required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	return &Notifier{
		clients:   opts.Clients,
		account:   opts.Account,
		partition: opts.Partition,
		logger:    opts.Logger,
	}, nil
}

// TopicArn builds the ARN for a topic owned by the active account in the
// given region.
func (n *Notifier) TopicArn(topic, region string) string {
	return fmt.Sprintf("arn:%s:sns:%s:%s:%s", n.partition, region, n.account, topic)
}

// Publish sends one configured notification to the topic in every region.
// The message body is the per-protocol message map serialized as JSON.
func (n *Notifier) Publish(ctx context.Context, topic string, note cfg.SNSNotification, regions []string) error {
	body, err := json.Marshal(note.Message)
	if err != nil {
		return xerrors.Wrapf(err, "encode message for topic %s", topic)
	}
	for _, region := range regions {
		client := n.clients(region)
		_, err := client.Publish(ctx, &sns.PublishInput{
			TopicArn:         aws.String(n.TopicArn(topic, region)),
			Subject:          aws.String(note.Subject),
			Message:          aws.String(string(body)),
			MessageStructure: aws.String("json"),
		})
		if err != nil {
			var apiErr smithy.APIError
			if errors.As(err, &apiErr) && apiErr.ErrorCode() == "AuthorizationError" {
				return &AuthorizationError{Topic: topic, Region: region, Err: err}
			}
			return &NotificationError{Topic: topic, Region: region, Err: err}
		}
		n.logger.Info(ctx, "notification sent", "topic", topic, "region", region, "subject", note.Subject)
	}
	return nil
}
