package transport

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
)

type SMS struct {
	To   string // E.164
	Body string
}

type SMSSender interface {
	SendSMS(ctx context.Context, m SMS) (Receipt, error)
}

type snsAPI interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSSMS publishes transactional text messages through SNS
type SNSSMS struct {
	client  snsAPI
	costUSD float64
}

func NewSNSSMS(cfg aws.Config, costUSD float64) *SNSSMS {
	return &SNSSMS{client: sns.NewFromConfig(cfg), costUSD: costUSD}
}

func (s *SNSSMS) SendSMS(ctx context.Context, m SMS) (Receipt, error) {
	if m.To == "" {
		return Receipt{}, fmt.Errorf("sms recipient is empty")
	}
	out, err := s.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber: aws.String(m.To),
		Message:     aws.String(m.Body),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"AWS.SNS.SMS.SMSType": {
				DataType:    aws.String("String"),
				StringValue: aws.String("Transactional"),
			},
		},
	})
	if err != nil {
		return Receipt{}, fmt.Errorf("sns publish: %w", err)
	}
	id := aws.ToString(out.MessageId)
	return Receipt{MessageID: id, ProviderMessageID: id, CostUSD: s.costUSD}, nil
}
