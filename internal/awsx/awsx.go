// Package awsx holds the small pieces of AWS plumbing shared by every
// component: partition handling, region-set resolution and the per-region
// client factory.
package awsx

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/marketplacecatalog"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/keithlinneman/amipub/internal/log"
	"github.com/keithlinneman/amipub/internal/xerrors"
)

// DefaultPartition is assumed for identifiers without an explicit partition prefix.
const DefaultPartition = "aws"

// Partitions we know how to publish into.
var KnownPartitions = []string{"aws", "aws-cn", "aws-us-gov"}

type STSAPI interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

type RegionsAPI interface {
	DescribeRegions(ctx context.Context, params *ec2.DescribeRegionsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeRegionsOutput, error)
}

// ConsistencyError reports that a lookup by deterministic name/tag returned
// more than one resource where at most one may exist. This is never
// auto-resolved; a human has to look at the account.
type ConsistencyError struct {
	Resource string
	Name     string
	Region   string
	Count    int
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("found %d %ss named %q in region %s, expected at most 1",
		e.Count, e.Resource, e.Name, e.Region)
}

// SplitPartition splits an identifier of the form "<partition>:<id>" and
// assumes the default commercial partition when no prefix is present.
func SplitPartition(val string) (partition, id string) {
	if before, after, found := strings.Cut(val, ":"); found {
		return before, after
	}
	return DefaultPartition, val
}

// CallerIdentity is the resolved STS identity of the active credentials.
type CallerIdentity struct {
	Account   string
	Partition string
}

// Identity resolves the account id and partition of the active credentials.
// The partition comes out of the caller ARN ("arn:<partition>:iam::...").
func Identity(ctx context.Context, client STSAPI) (CallerIdentity, error) {
	out, err := client.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return CallerIdentity{}, xerrors.Wrap(err, "get caller identity")
	}
	if out.Account == nil || out.Arn == nil {
		return CallerIdentity{}, xerrors.New("caller identity response missing account or arn")
	}
	parts := strings.Split(*out.Arn, ":")
	if len(parts) < 2 || parts[1] == "" {
		return CallerIdentity{}, xerrors.Newf("can not extract partition from arn %q", *out.Arn)
	}
	return CallerIdentity{Account: *out.Account, Partition: parts[1]}, nil
}

// RegionResolver resolves working region sets against the regions available
// in the active partition. The available set is fetched once and cached.
type RegionResolver struct {
	client RegionsAPI
	logger log.Logger

	once      sync.Once
	err       error
	available map[string]bool
	all       []string
}

func NewRegionResolver(client RegionsAPI, logger log.Logger) *RegionResolver {
	if logger == nil {
		logger = log.Nop()
	}
	return &RegionResolver{client: client, logger: logger}
}

// Resolve returns the working region set: all regions available in the
// active partition, optionally narrowed by an allow-list. Allow-list entries
// not available in the partition are dropped with a warning, never an error
// (eg. us-east-1 listed while running in aws-cn).
func (r *RegionResolver) Resolve(ctx context.Context, allowlist []string) ([]string, error) {
	r.once.Do(func() {
		out, err := r.client.DescribeRegions(ctx, &ec2.DescribeRegionsInput{})
		if err != nil {
			r.err = xerrors.Wrap(err, "describe regions")
			return
		}
		r.available = make(map[string]bool, len(out.Regions))
		for _, region := range out.Regions {
			if region.RegionName == nil {
				continue
			}
			r.available[*region.RegionName] = true
			r.all = append(r.all, *region.RegionName)
		}
	})
	if r.err != nil {
		return nil, r.err
	}

	if len(allowlist) == 0 {
		return append([]string(nil), r.all...), nil
	}

	regions := make([]string, 0, len(allowlist))
	var dropped []string
	for _, region := range allowlist {
		if r.available[region] {
			regions = append(regions, region)
		} else {
			dropped = append(dropped, region)
		}
	}
	if len(dropped) > 0 {
		r.logger.Warn(ctx, "regions listed in the allowlist are not available in the current partition, ignoring those",
			"dropped", dropped,
		)
	}
	return regions, nil
}

// Factory hands out per-region service clients derived from one aws.Config.
// Clients are cached so repeated lookups for the same region share transports.
type Factory struct {
	cfg aws.Config

	mu  sync.Mutex
	ec2 map[string]*ec2.Client
	s3  map[string]*s3.Client
	ssm map[string]*ssm.Client
	sns map[string]*sns.Client
	sts map[string]*sts.Client
	mp  *marketplacecatalog.Client
}

func NewFactory(cfg aws.Config) *Factory {
	return &Factory{
		cfg: cfg,
		ec2: make(map[string]*ec2.Client),
		s3:  make(map[string]*s3.Client),
		ssm: make(map[string]*ssm.Client),
		sns: make(map[string]*sns.Client),
		sts: make(map[string]*sts.Client),
	}
}

func (f *Factory) EC2(region string) *ec2.Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.ec2[region]; ok {
		return c
	}
	c := ec2.NewFromConfig(f.cfg, func(o *ec2.Options) { o.Region = region })
	f.ec2[region] = c
	return c
}

func (f *Factory) S3(region string) *s3.Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.s3[region]; ok {
		return c
	}
	c := s3.NewFromConfig(f.cfg, func(o *s3.Options) { o.Region = region })
	f.s3[region] = c
	return c
}

func (f *Factory) SSM(region string) *ssm.Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.ssm[region]; ok {
		return c
	}
	c := ssm.NewFromConfig(f.cfg, func(o *ssm.Options) { o.Region = region })
	f.ssm[region] = c
	return c
}

func (f *Factory) SNS(region string) *sns.Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.sns[region]; ok {
		return c
	}
	c := sns.NewFromConfig(f.cfg, func(o *sns.Options) { o.Region = region })
	f.sns[region] = c
	return c
}

func (f *Factory) STS(region string) *sts.Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.sts[region]; ok {
		return c
	}
	c := sts.NewFromConfig(f.cfg, func(o *sts.Options) { o.Region = region })
	f.sts[region] = c
	return c
}

// Marketplace returns the marketplace-catalog client. The catalog API only
// exists in us-east-1.
func (f *Factory) Marketplace() *marketplacecatalog.Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mp == nil {
		f.mp = marketplacecatalog.NewFromConfig(f.cfg, func(o *marketplacecatalog.Options) { o.Region = "us-east-1" })
	}
	return f.mp
}
