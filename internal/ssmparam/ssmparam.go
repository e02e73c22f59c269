// Package ssmparam pushes image ids into the SSM parameter store as
// aws:ec2:image parameters so consumers can resolve an image by a stable
// path instead of a per-region id.
package ssmparam

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"github.com/keithlinneman/amipub/internal/log"
	"github.com/keithlinneman/amipub/internal/xerrors"
)

// SSMAPI is the slice of the SSM client the publisher needs.
type SSMAPI interface {
	PutParameter(ctx context.Context, params *ssm.PutParameterInput, optFns ...func(*ssm.Options)) (*ssm.PutParameterOutput, error)
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Parameter names one parameter to publish.
type Parameter struct {
	Name           string
	Description    string
	AllowOverwrite bool
}

type Options struct {
	// Clients returns an SSM client for a region. Required.
	Clients func(region string) SSMAPI
	// Logger defaults to the nop logger.
	Logger log.Logger
}

type Publisher struct {
	clients func(region string) SSMAPI
	logger  log.Logger
}

func New(opts Options) (*Publisher, error) {
	if opts.Clients == nil {
		return nil, xerrors.New("ssmparam: Clients is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	return &Publisher{clients: opts.Clients, logger: opts.Logger}, nil
}

// Publish writes the parameter pointing at imageID in the given region.
// A parameter that already holds imageID is left alone. A parameter that
// holds something else is overwritten only with AllowOverwrite; otherwise
// it is kept and a warning logged, so re-running the pipeline stays
// idempotent.
func (p *Publisher) Publish(ctx context.Context, region string, param Parameter, imageID string) error {
	client := p.clients(region)

	current, err := p.Lookup(ctx, region, param.Name)
	if err != nil {
		return err
	}
	if current == imageID {
		p.logger.Info(ctx, "parameter already up to date", "name", param.Name, "region", region, "image_id", imageID)
		return nil
	}
	if current != "" && !param.AllowOverwrite {
		p.logger.Warn(ctx, "parameter exists with a different value and overwrite is not allowed, keeping it",
			"name", param.Name, "region", region, "current", current, "image_id", imageID)
		return nil
	}

	in := &ssm.PutParameterInput{
		Name:      aws.String(param.Name),
		Value:     aws.String(imageID),
		Type:      ssmtypes.ParameterTypeString,
		DataType:  aws.String("aws:ec2:image"),
		Overwrite: aws.Bool(param.AllowOverwrite),
	}
	if param.Description != "" {
		in.Description = aws.String(param.Description)
	}
	if _, err := client.PutParameter(ctx, in); err != nil {
		return xerrors.Wrapf(err, "put parameter %s in %s", param.Name, region)
	}
	p.logger.Info(ctx, "parameter published", "name", param.Name, "region", region, "image_id", imageID)
	return nil
}

// Lookup returns the current parameter value, or "" when the parameter
// does not exist.
func (p *Publisher) Lookup(ctx context.Context, region, name string) (string, error) {
	out, err := p.clients(region).GetParameter(ctx, &ssm.GetParameterInput{
		Name: aws.String(name),
	})
	if err != nil {
		var notFound *ssmtypes.ParameterNotFound
		if errors.As(err, &notFound) {
			return "", nil
		}
		return "", xerrors.Wrapf(err, "get parameter %s in %s", name, region)
	}
	if out.Parameter == nil {
		return "", nil
	}
	return aws.ToString(out.Parameter.Value), nil
}
