package transport

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"

	awsclient "hike-coordinator/internal/common/aws"
	"hike-coordinator/internal/dispatch"
)

// SES sends through the AWS SES API. The SDK client keeps its own connection
// pool, so a session is only a handle.
type SES struct {
	client           awsclient.SESAPI
	from             string
	configurationSet string
}

func NewSES(client awsclient.SESAPI, from, configurationSet string) *SES {
	return &SES{client: client, from: from, configurationSet: configurationSet}
}

func (s *SES) Open(ctx context.Context) (dispatch.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return sesSession{s}, nil
}

type sesSession struct{ *SES }

func (s sesSession) Send(ctx context.Context, msg dispatch.Message) error {
	body := &types.Body{Text: &types.Content{Data: aws.String(msg.Text), Charset: aws.String("UTF-8")}}
	if msg.HTML != "" {
		body.Html = &types.Content{Data: aws.String(msg.HTML), Charset: aws.String("UTF-8")}
	}

	input := &ses.SendEmailInput{
		Source:      aws.String(s.from),
		Destination: &types.Destination{ToAddresses: []string{msg.To}},
		Message: &types.Message{
			Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
			Body:    body,
		},
	}
	if s.configurationSet != "" {
		input.ConfigurationSetName = aws.String(s.configurationSet)
	}

	if _, err := s.client.SendEmail(ctx, input); err != nil {
		return fmt.Errorf("ses send email: %w", err)
	}
	return nil
}

func (sesSession) Close() error { return nil }
