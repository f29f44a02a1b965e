// Package ses sends campaign email through Amazon SES v2.
package ses

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"

	"mailsched/internal/transport"
)

type API interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

type Sender struct {
	Client           API
	From             string
	ConfigurationSet string
}

func (s *Sender) Send(ctx context.Context, m transport.Message) (transport.Result, error) {
	body := &types.Body{}
	content := &types.Content{Data: aws.String(m.Body), Charset: aws.String("UTF-8")}
	if transport.IsHTML(m.Body) {
		body.Html = content
	} else {
		body.Text = content
	}

	to := m.To
	if m.ToName != "" {
		to = transport.FormatAddress(m.ToName, m.To)
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.From),
		Destination:      &types.Destination{ToAddresses: []string{to}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(m.Subject), Charset: aws.String("UTF-8")},
				Body:    body,
			},
		},
		EmailTags: []types.MessageTag{
			{Name: aws.String("campaign_id"), Value: aws.String(m.CampaignID)},
			{Name: aws.String("dispatch_id"), Value: aws.String(m.DispatchID)},
		},
	}
	if s.ConfigurationSet != "" {
		input.ConfigurationSetName = aws.String(s.ConfigurationSet)
	}

	out, err := s.Client.SendEmail(ctx, input)
	if err != nil {
		code := "ses_error"
		var ae smithy.APIError
		if errors.As(err, &ae) {
			code = ae.ErrorCode()
		}
		return transport.Result{}, transport.Failure(code, err)
	}
	return transport.Result{ProviderResponse: "ses:" + aws.ToString(out.MessageId)}, nil
}
