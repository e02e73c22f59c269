// Package marketplace requests new versions for AmiProduct listings through
// the marketplace-catalog API. The version title is the idempotency key: a
// listing that already carries the title gets no new change set.
package marketplace

import (
	"context"
	"encoding/json"
	"regexp"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/marketplacecatalog"
	mptypes "github.com/aws/aws-sdk-go-v2/service/marketplacecatalog/types"

	"github.com/keithlinneman/amipub/internal/cfg"
	"github.com/keithlinneman/amipub/internal/log"
	"github.com/keithlinneman/amipub/internal/xerrors"
)

const catalog = "AWSMarketplace"

// CatalogAPI is the slice of the marketplace-catalog client this package
// needs. The catalog API only exists in us-east-1.
type CatalogAPI interface {
	DescribeEntity(ctx context.Context, params *marketplacecatalog.DescribeEntityInput, optFns ...func(*marketplacecatalog.Options)) (*marketplacecatalog.DescribeEntityOutput, error)
	StartChangeSet(ctx context.Context, params *marketplacecatalog.StartChangeSetInput, optFns ...func(*marketplacecatalog.Options)) (*marketplacecatalog.StartChangeSetOutput, error)
}

type Options struct {
	// Client is required.
	Client CatalogAPI
	// Logger defaults to the nop logger.
	Logger log.Logger
}

type Publisher struct {
	client CatalogAPI
	logger log.Logger
}

func New(opts Options) (*Publisher, error) {
	if opts.Client == nil {
		return nil, xerrors.New("marketplace: Client is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	return &Publisher{client: opts.Client, logger: opts.Logger}, nil
}

// entityDetails is the slice of the listing details we care about.
type entityDetails struct {
	Versions []struct {
		VersionTitle string `json:"VersionTitle"`
	} `json:"Versions"`
}

// versionChange mirrors the AddDeliveryOptions details document for
// AmiProduct listings.
type versionChange struct {
	Version struct {
		VersionTitle string `json:"VersionTitle"`
		ReleaseNotes string `json:"ReleaseNotes"`
	} `json:"Version"`
	DeliveryOptions []deliveryOption `json:"DeliveryOptions"`
}

type deliveryOption struct {
	Details struct {
		AmiDeliveryOptionDetails amiDeliveryOptionDetails `json:"AmiDeliveryOptionDetails"`
	} `json:"Details"`
}

type amiDeliveryOptionDetails struct {
	AmiSource struct {
		AmiID                  string `json:"AmiId"`
		AccessRoleArn          string `json:"AccessRoleArn"`
		UserName               string `json:"UserName"`
		OperatingSystemName    string `json:"OperatingSystemName"`
		OperatingSystemVersion string `json:"OperatingSystemVersion"`
	} `json:"AmiSource"`
	UsageInstructions       string          `json:"UsageInstructions"`
	RecommendedInstanceType string          `json:"RecommendedInstanceType"`
	SecurityGroups          []securityGroup `json:"SecurityGroups"`
}

type securityGroup struct {
	IPProtocol string   `json:"IpProtocol"`
	IPRanges   []string `json:"IpRanges"`
	FromPort   int32    `json:"FromPort"`
	ToPort     int32    `json:"ToPort"`
}

// RequestNewVersion submits a change set adding imageID as a new version of
// the configured listing, unless a version with the same title already
// exists.
func (p *Publisher) RequestNewVersion(ctx context.Context, conf cfg.Marketplace, imageID string, tags []mptypes.Tag) error {
	entity, err := p.client.DescribeEntity(ctx, &marketplacecatalog.DescribeEntityInput{
		Catalog:  aws.String(catalog),
		EntityId: aws.String(conf.EntityID),
	})
	if err != nil {
		return xerrors.Wrapf(err, "describe marketplace entity %s", conf.EntityID)
	}
	if entity.Details != nil {
		var details entityDetails
		if err := json.Unmarshal([]byte(*entity.Details), &details); err != nil {
			return xerrors.Wrapf(err, "decode details of marketplace entity %s", conf.EntityID)
		}
		for _, v := range details.Versions {
			if v.VersionTitle == conf.VersionTitle {
				p.logger.Info(ctx, "marketplace version already exists, nothing to do",
					"entity_id", conf.EntityID, "version_title", conf.VersionTitle)
				return nil
			}
		}
	}

	detailsJSON, err := json.Marshal(newVersionChange(conf, imageID))
	if err != nil {
		return xerrors.Wrap(err, "encode marketplace change details")
	}

	out, err := p.client.StartChangeSet(ctx, &marketplacecatalog.StartChangeSetInput{
		Catalog: aws.String(catalog),
		ChangeSet: []mptypes.Change{{
			ChangeType: aws.String("AddDeliveryOptions"),
			Entity: &mptypes.Entity{
				Identifier: aws.String(conf.EntityID),
				Type:       aws.String("AmiProduct@1.0"),
			},
			Details: aws.String(string(detailsJSON)),
		}},
		ChangeSetName: aws.String(SanitizeChangeSetName("New version request for " + conf.VersionTitle)),
		ChangeSetTags: tags,
	})
	if err != nil {
		return xerrors.Wrapf(err, "start change set for marketplace entity %s", conf.EntityID)
	}
	p.logger.Info(ctx, "marketplace version requested",
		"entity_id", conf.EntityID, "version_title", conf.VersionTitle,
		"image_id", imageID, "changeset_id", aws.ToString(out.ChangeSetId))
	return nil
}

func newVersionChange(conf cfg.Marketplace, imageID string) versionChange {
	var change versionChange
	change.Version.VersionTitle = conf.VersionTitle
	change.Version.ReleaseNotes = conf.ReleaseNotes

	var opt deliveryOption
	details := &opt.Details.AmiDeliveryOptionDetails
	details.AmiSource.AmiID = imageID
	details.AmiSource.AccessRoleArn = conf.AccessRoleArn
	details.AmiSource.UserName = conf.UserName
	details.AmiSource.OperatingSystemName = conf.OSName
	details.AmiSource.OperatingSystemVersion = conf.OSVersion
	details.UsageInstructions = conf.UsageInstructions
	details.RecommendedInstanceType = conf.RecommendedInstanceType
	for _, sg := range conf.SecurityGroups {
		details.SecurityGroups = append(details.SecurityGroups, securityGroup{
			IPProtocol: sg.IPProtocol,
			IPRanges:   sg.IPRanges,
			FromPort:   sg.FromPort,
			ToPort:     sg.ToPort,
		})
	}
	change.DeliveryOptions = []deliveryOption{opt}
	return change
}

// Change set names only allow alphanumerics, whitespace and _+=.:@-;
// everything else is stripped.
var changeSetNameRe = regexp.MustCompile(`[^\w\s+=.:@-]`)

func SanitizeChangeSetName(name string) string {
	return changeSetNameRe.ReplaceAllString(name, "")
}
