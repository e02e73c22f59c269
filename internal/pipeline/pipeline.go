// Package pipeline orchestrates a full publication run: upload the source
// once, then per image definition derive the snapshot identity, import and
// replicate the snapshot, register and share the image, and hand the
// results to the parameter-store, marketplace and notification publishers.
// Every step is idempotent, so a crashed run is retried by running the
// whole pipeline again.
package pipeline

import (
	"context"
	"os"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	mptypes "github.com/aws/aws-sdk-go-v2/service/marketplacecatalog/types"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/keithlinneman/amipub/internal/cfg"
	"github.com/keithlinneman/amipub/internal/identity"
	"github.com/keithlinneman/amipub/internal/image"
	"github.com/keithlinneman/amipub/internal/log"
	"github.com/keithlinneman/amipub/internal/snapshot"
	"github.com/keithlinneman/amipub/internal/ssmparam"
	"github.com/keithlinneman/amipub/internal/xerrors"
)

// ContentStore uploads the source blob.
type ContentStore interface {
	Upload(ctx context.Context, path, key string, tags []s3types.Tag) error
}

// SnapshotReplicator imports and replicates snapshots.
type SnapshotReplicator interface {
	Create(ctx context.Context, region string, in snapshot.CreateInput) (string, error)
	Copy(ctx context.Context, name, sourceRegion string, destRegions []string, tags []ec2types.Tag) (map[string]string, error)
}

// ImageRegistrar manages the per-region images.
type ImageRegistrar interface {
	Create(ctx context.Context, def image.Definition, snapshotIDs map[string]string, regions []string, tags []ec2types.Tag) (map[string]image.Info, error)
	Publish(ctx context.Context, def image.Definition, regions []string) error
	Cleanup(ctx context.Context, def image.Definition, regions []string) error
	List(ctx context.Context, name string, regions []string) (map[string]string, error)
	Verify(ctx context.Context, def image.Definition, expectedIdentity string, regions []string) (map[string][]image.Mismatch, error)
}

// ParameterPublisher pushes image ids to the parameter store.
type ParameterPublisher interface {
	Publish(ctx context.Context, region string, param ssmparam.Parameter, imageID string) error
}

// Notifier fans notifications out to subscribers.
type Notifier interface {
	Publish(ctx context.Context, topic string, note cfg.SNSNotification, regions []string) error
}

// MarketplacePublisher requests new listing versions.
type MarketplacePublisher interface {
	RequestNewVersion(ctx context.Context, conf cfg.Marketplace, imageID string, tags []mptypes.Tag) error
}

// RegionResolver narrows a configured region allow-list to the regions
// available in the active partition.
type RegionResolver interface {
	Resolve(ctx context.Context, allowlist []string) ([]string, error)
}

type Options struct {
	// Context is the loaded configuration. Required.
	Context *cfg.Context
	// BucketRegion is the home region: where the bucket lives, snapshots
	// are imported and copies originate. Required.
	BucketRegion string

	// Collaborators, all required except Marketplace and Notify which are
	// only exercised when configured.
	Store       ContentStore
	Snapshots   SnapshotReplicator
	Images      ImageRegistrar
	Params      ParameterPublisher
	Notify      Notifier
	Marketplace MarketplacePublisher
	Regions     RegionResolver

	// Logger defaults to the nop logger.
	Logger log.Logger
}

// Pipeline runs the publication steps for one configuration.
type Pipeline struct {
	ctx          *cfg.Context
	bucketRegion string

	store       ContentStore
	snapshots   SnapshotReplicator
	images      ImageRegistrar
	params      ParameterPublisher
	notify      Notifier
	marketplace MarketplacePublisher
	regions     RegionResolver

	logger log.Logger
}

func New(opts Options) (*Pipeline, error) {
	if opts.Context == nil {
		return nil, xerrors.New("pipeline: Context is required")
	}
	if opts.BucketRegion == "" {
		return nil, xerrors.New("pipeline: BucketRegion is required")
	}
	if opts.Store == nil || opts.Snapshots == nil || opts.Images == nil || opts.Params == nil || opts.Regions == nil {
		return nil, xerrors.New("pipeline: Store, Snapshots, Images, Params and Regions are required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	return &Pipeline{
		ctx:          opts.Context,
		bucketRegion: opts.BucketRegion,
		store:        opts.Store,
		snapshots:    opts.Snapshots,
		images:       opts.Images,
		params:       opts.Params,
		notify:       opts.Notify,
		marketplace:  opts.Marketplace,
		regions:      opts.Regions,
		logger:       opts.Logger,
	}, nil
}

// Result is what create and list report: image ids per region, keyed by
// image name and additionally grouped by configured group.
type Result struct {
	ImagesByName  map[string]map[string]string            `json:"images"`
	ImagesByGroup map[string]map[string]map[string]string `json:"images-by-group"`
}

// Create uploads the source and makes sure snapshots and images exist in
// all target regions for every image in the group (all images when group is
// empty). SSM parameters are published for the created images.
func (p *Pipeline) Create(ctx context.Context, group string) (*Result, error) {
	if err := p.store.Upload(ctx, p.ctx.Config.Source.Path, p.ctx.SourceSHA256, p.s3Tags()); err != nil {
		return nil, err
	}

	result := newResult()
	for _, name := range p.selected(ctx, group) {
		ids, err := p.createImage(ctx, name)
		if err != nil {
			return nil, err
		}
		p.record(result, name, group, ids)
	}
	return result, nil
}

func (p *Pipeline) createImage(ctx context.Context, name string) (map[string]string, error) {
	img := p.ctx.Config.Images[name]
	ident := identity.Derive(p.ctx.SourceSHA256, name, img.SeparateSnapshot, img.BillingProducts)
	regions, err := p.regions.Resolve(ctx, img.Regions)
	if err != nil {
		return nil, err
	}

	commonTags := p.ec2Tags(p.ctx.Tags())
	if _, err := p.snapshots.Create(ctx, p.bucketRegion, snapshot.CreateInput{
		Name:   ident,
		Bucket: p.ctx.Config.S3.BucketName,
		Key:    p.ctx.SourceSHA256,
		Tags:   commonTags,
	}); err != nil {
		return nil, err
	}

	snapshotIDs, err := p.snapshots.Copy(ctx, ident, p.bucketRegion, regions, commonTags)
	if err != nil {
		return nil, err
	}

	def, err := p.definition(name, img)
	if err != nil {
		return nil, err
	}
	infos, err := p.images.Create(ctx, def, snapshotIDs, regions, p.ec2Tags(p.ctx.TagsForImage(name)))
	if err != nil {
		return nil, err
	}

	ids := make(map[string]string, len(infos))
	for region, info := range infos {
		ids[region] = info.ImageID
	}

	for _, param := range img.SSMParameters {
		for _, region := range regions {
			if ids[region] == "" {
				continue
			}
			if err := p.params.Publish(ctx, region, ssmparam.Parameter{
				Name:           param.Name,
				Description:    param.Description,
				AllowOverwrite: param.AllowOverwrite,
			}, ids[region]); err != nil {
				return nil, err
			}
		}
	}
	return ids, nil
}

// List reports the existing image ids per region without changing anything.
func (p *Pipeline) List(ctx context.Context, group string) (*Result, error) {
	result := newResult()
	for _, name := range p.selected(ctx, group) {
		img := p.ctx.Config.Images[name]
		regions, err := p.regions.Resolve(ctx, img.Regions)
		if err != nil {
			return nil, err
		}
		ids, err := p.images.List(ctx, name, regions)
		if err != nil {
			return nil, err
		}
		p.record(result, name, group, ids)
	}
	return result, nil
}

// Publish makes the flagged images public, requests configured marketplace
// versions and sends configured notifications.
func (p *Pipeline) Publish(ctx context.Context, group string) error {
	for _, name := range p.selected(ctx, group) {
		img := p.ctx.Config.Images[name]
		regions, err := p.regions.Resolve(ctx, img.Regions)
		if err != nil {
			return err
		}
		def, err := p.definition(name, img)
		if err != nil {
			return err
		}
		if err := p.images.Publish(ctx, def, regions); err != nil {
			return err
		}

		if img.Marketplace != nil && p.marketplace != nil {
			if err := p.requestMarketplaceVersion(ctx, name, img, regions); err != nil {
				return err
			}
		}

		if len(img.SNS) > 0 && p.notify != nil {
			if err := p.sendNotifications(ctx, img); err != nil {
				return err
			}
		}
	}
	return nil
}

// requestMarketplaceVersion submits the image in the home region (or the
// first target region when the home region is not targeted) as a new
// listing version.
func (p *Pipeline) requestMarketplaceVersion(ctx context.Context, name string, img cfg.Image, regions []string) error {
	ids, err := p.images.List(ctx, name, regions)
	if err != nil {
		return err
	}
	imageID := ids[p.bucketRegion]
	if imageID == "" {
		sorted := append([]string(nil), regions...)
		sort.Strings(sorted)
		for _, region := range sorted {
			if ids[region] != "" {
				imageID = ids[region]
				break
			}
		}
	}
	if imageID == "" {
		return xerrors.Newf("image %q not available in any region, can not request marketplace version", name)
	}
	return p.marketplace.RequestNewVersion(ctx, *img.Marketplace, imageID, p.marketplaceTags(name))
}

func (p *Pipeline) sendNotifications(ctx context.Context, img cfg.Image) error {
	for _, entry := range img.SNS {
		topics := make([]string, 0, len(entry))
		for topic := range entry {
			topics = append(topics, topic)
		}
		sort.Strings(topics)
		for _, topic := range topics {
			note := entry[topic]
			regions, err := p.regions.Resolve(ctx, note.Regions)
			if err != nil {
				return err
			}
			if err := p.notify.Publish(ctx, topic, note, regions); err != nil {
				return err
			}
		}
	}
	return nil
}

// Cleanup deregisters the temporary images of the group.
func (p *Pipeline) Cleanup(ctx context.Context, group string) error {
	for _, name := range p.selected(ctx, group) {
		img := p.ctx.Config.Images[name]
		regions, err := p.regions.Resolve(ctx, img.Regions)
		if err != nil {
			return err
		}
		def, err := p.definition(name, img)
		if err != nil {
			return err
		}
		if err := p.images.Cleanup(ctx, def, regions); err != nil {
			return err
		}
	}
	return nil
}

// Verify compares live state against configuration, image by image. Nothing
// is changed. The result maps image name to region to findings.
func (p *Pipeline) Verify(ctx context.Context, group string) (map[string]map[string][]image.Mismatch, error) {
	problems := make(map[string]map[string][]image.Mismatch)
	for _, name := range p.selected(ctx, group) {
		img := p.ctx.Config.Images[name]
		regions, err := p.regions.Resolve(ctx, img.Regions)
		if err != nil {
			return nil, err
		}
		def, err := p.definition(name, img)
		if err != nil {
			return nil, err
		}
		ident := identity.Derive(p.ctx.SourceSHA256, name, img.SeparateSnapshot, img.BillingProducts)
		found, err := p.images.Verify(ctx, def, ident, regions)
		if err != nil {
			return nil, err
		}
		problems[name] = found
	}
	return problems, nil
}

// selected returns the image names to process, in deterministic order,
// restricted to the given group when non-empty.
func (p *Pipeline) selected(ctx context.Context, group string) []string {
	names := make([]string, 0, len(p.ctx.Config.Images))
	for _, name := range p.ctx.ImageNames() {
		if group != "" && !inGroup(p.ctx.Config.Images[name], group) {
			p.logger.Info(ctx, "skipping image, not part of the requested group", "name", name, "group", group)
			continue
		}
		names = append(names, name)
	}
	return names
}

func inGroup(img cfg.Image, group string) bool {
	for _, g := range img.Groups {
		if g == group {
			return true
		}
	}
	return false
}

func (p *Pipeline) record(result *Result, name, group string, ids map[string]string) {
	result.ImagesByName[name] = ids
	for _, g := range p.ctx.Config.Images[name].Groups {
		if group != "" && g != group {
			continue
		}
		if result.ImagesByGroup[g] == nil {
			result.ImagesByGroup[g] = make(map[string]map[string]string)
		}
		result.ImagesByGroup[g][name] = ids
	}
}

// definition builds the registrar input for one image, reading the UEFI
// variable store file when configured.
func (p *Pipeline) definition(name string, img cfg.Image) (image.Definition, error) {
	def := image.Definition{
		Name:                 name,
		Description:          img.Description,
		Architecture:         p.ctx.Config.Source.Architecture,
		BootMode:             img.BootMode,
		RootDeviceName:       img.RootDeviceName,
		RootDeviceVolumeType: img.RootDeviceVolumeType,
		RootDeviceVolumeSize: img.RootDeviceVolumeSize,
		TpmSupport:           img.TpmSupport,
		ImdsSupport:          img.ImdsSupport,
		BillingProducts:      img.BillingProducts,
		Share:                img.Share,
		Temporary:            img.Temporary,
		Public:               img.Public,
	}
	if img.UefiData != "" {
		raw, err := os.ReadFile(img.UefiData)
		if err != nil {
			return image.Definition{}, xerrors.Wrapf(err, "read uefi data for image %q", name)
		}
		def.UefiData = string(raw)
	}
	return def, nil
}

func newResult() *Result {
	return &Result{
		ImagesByName:  make(map[string]map[string]string),
		ImagesByGroup: make(map[string]map[string]map[string]string),
	}
}

func (p *Pipeline) s3Tags() []s3types.Tag {
	tags := p.ctx.Tags()
	out := make([]s3types.Tag, 0, len(tags))
	for _, t := range tags {
		out = append(out, s3types.Tag{Key: aws.String(t.Key), Value: aws.String(t.Value)})
	}
	return out
}

func (p *Pipeline) ec2Tags(tags []cfg.Tag) []ec2types.Tag {
	out := make([]ec2types.Tag, 0, len(tags))
	for _, t := range tags {
		out = append(out, ec2types.Tag{Key: aws.String(t.Key), Value: aws.String(t.Value)})
	}
	return out
}

func (p *Pipeline) marketplaceTags(name string) []mptypes.Tag {
	tags := p.ctx.TagsForImage(name)
	out := make([]mptypes.Tag, 0, len(tags))
	for _, t := range tags {
		out = append(out, mptypes.Tag{Key: aws.String(t.Key), Value: aws.String(t.Value)})
	}
	return out
}
