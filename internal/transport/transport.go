package transport

import (
	"context"
	"fmt"

	awsclient "hike-coordinator/internal/common/aws"
	"hike-coordinator/internal/common/config"
	"hike-coordinator/internal/common/logger"
	"hike-coordinator/internal/dispatch"
)

// FromConfig builds the transport selected by mail.provider.
func FromConfig(ctx context.Context, cfg *config.Config, log logger.Logger) (dispatch.Transport, error) {
	switch cfg.Mail.Provider {
	case "smtp":
		return NewSMTP(cfg.Mail.SMTP, cfg.Mail.From, log), nil
	case "ses":
		client, err := awsclient.NewSESClient(ctx, cfg.Integrations.AWS.Region)
		if err != nil {
			return nil, fmt.Errorf("create ses client: %w", err)
		}
		return NewSES(client, cfg.Mail.From, cfg.Integrations.AWS.SES.ConfigurationSet), nil
	case "dummy":
		return NewDummy(log), nil
	default:
		return nil, fmt.Errorf("unknown mail provider %q", cfg.Mail.Provider)
	}
}
