// Package image registers, shares, publishes, verifies and cleans up the
// per-region machine images built from replicated snapshots. The image name
// is the idempotency key: lookups go by exact name and a name that already
// exists is adopted, even when its root snapshot differs from the expected
// one (that difference is logged, not fatal).
package image

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"golang.org/x/sync/errgroup"

	"github.com/keithlinneman/amipub/internal/awsx"
	"github.com/keithlinneman/amipub/internal/log"
	"github.com/keithlinneman/amipub/internal/waiter"
	"github.com/keithlinneman/amipub/internal/xerrors"
)

// EC2API is the slice of the EC2 client image handling needs.
type EC2API interface {
	DescribeImages(ctx context.Context, params *ec2.DescribeImagesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error)
	RegisterImage(ctx context.Context, params *ec2.RegisterImageInput, optFns ...func(*ec2.Options)) (*ec2.RegisterImageOutput, error)
	CreateTags(ctx context.Context, params *ec2.CreateTagsInput, optFns ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error)
	ModifyImageAttribute(ctx context.Context, params *ec2.ModifyImageAttributeInput, optFns ...func(*ec2.Options)) (*ec2.ModifyImageAttributeOutput, error)
	ModifySnapshotAttribute(ctx context.Context, params *ec2.ModifySnapshotAttributeInput, optFns ...func(*ec2.Options)) (*ec2.ModifySnapshotAttributeOutput, error)
	DeregisterImage(ctx context.Context, params *ec2.DeregisterImageInput, optFns ...func(*ec2.Options)) (*ec2.DeregisterImageOutput, error)
	DescribeSnapshots(ctx context.Context, params *ec2.DescribeSnapshotsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSnapshotsOutput, error)
}

// Info is what the registrar knows about one live image.
type Info struct {
	ImageID string
	// SnapshotID is the root device snapshot, empty when it can not be
	// determined.
	SnapshotID string
}

// Definition carries everything needed to register one image. It is derived
// from the image config entry; UefiData is the file content, not a path.
type Definition struct {
	Name                 string
	Description          string
	Architecture         string
	BootMode             string
	RootDeviceName       string
	RootDeviceVolumeType string
	RootDeviceVolumeSize int32
	TpmSupport           string
	ImdsSupport          string
	UefiData             string
	BillingProducts      []string
	Share                []string
	Temporary            bool
	Public               bool
}

// MismatchKind classifies one verify finding.
type MismatchKind string

const (
	MismatchMissing       MismatchKind = "image-missing"
	MismatchState         MismatchKind = "state"
	MismatchRootDevice    MismatchKind = "root-device-type"
	MismatchBootMode      MismatchKind = "boot-mode"
	MismatchVolumeType    MismatchKind = "root-volume-type"
	MismatchVolumeSize    MismatchKind = "root-volume-size"
	MismatchTpmSupport    MismatchKind = "tpm-support"
	MismatchImdsSupport   MismatchKind = "imds-support"
	MismatchBilling       MismatchKind = "billing-products"
	MismatchSnapshotState MismatchKind = "snapshot-state"
	MismatchSnapshotName  MismatchKind = "snapshot-name"
)

// Mismatch is one verify finding: what kind of drift and the observed vs
// expected values.
type Mismatch struct {
	Kind   MismatchKind `json:"kind"`
	Detail string       `json:"detail"`
}

func (m Mismatch) String() string { return fmt.Sprintf("%s: %s", m.Kind, m.Detail) }

type Options struct {
	// Clients returns an EC2 client for a region. Required.
	Clients func(region string) EC2API
	// Partition is the active account partition; share entries for other
	// partitions are skipped.
	Partition string
	// Logger defaults to the nop logger.
	Logger log.Logger

	// Wait budgets; the zero value selects the defaults below.
	ExistsWait    waiter.Spec
	AvailableWait waiter.Spec
}

// Registrar manages images across regions.
type Registrar struct {
	clients   func(region string) EC2API
	partition string
	logger    log.Logger

	existsWait    waiter.Spec
	availableWait waiter.Spec
}

func New(opts Options) (*Registrar, error) {
	if opts.Clients == nil {
		return nil, xerrors.New("image: Clients is required")
	}
	if opts.Partition == "" {
		opts.Partition = awsx.DefaultPartition
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.ExistsWait == (waiter.Spec{}) {
		opts.ExistsWait = waiter.Spec{Interval: 15 * time.Second, MaxAttempts: 40}
	}
	if opts.AvailableWait == (waiter.Spec{}) {
		opts.AvailableWait = waiter.Spec{Interval: 15 * time.Second, MaxAttempts: 40}
	}
	return &Registrar{
		clients:       opts.Clients,
		partition:     opts.Partition,
		logger:        opts.Logger,
		existsWait:    opts.ExistsWait,
		availableWait: opts.AvailableWait,
	}, nil
}

// Create makes sure the image exists in every region, registering it from
// the region's snapshot where missing, waits for all of them to become
// available and applies account sharing. Returns image info per region.
func (r *Registrar) Create(ctx context.Context, def Definition, snapshotIDs map[string]string, regions []string, tags []ec2types.Tag) (map[string]Info, error) {
	infos := make(map[string]Info, len(regions))
	for _, region := range regions {
		client := r.clients(region)
		info, err := r.find(ctx, client, region, def.Name)
		if err != nil {
			return nil, err
		}
		if info != nil {
			if info.SnapshotID != snapshotIDs[region] {
				r.logger.Warn(ctx, "image already exists but its root device snapshot is unexpected",
					"name", def.Name, "region", region, "image_id", info.ImageID,
					"snapshot_id", info.SnapshotID, "expected_snapshot_id", snapshotIDs[region])
			} else {
				r.logger.Info(ctx, "image already exists",
					"name", def.Name, "region", region, "image_id", info.ImageID)
			}
			infos[region] = *info
			continue
		}

		imageID, err := r.register(ctx, client, region, def, snapshotIDs[region], tags)
		if err != nil {
			return nil, err
		}
		infos[region] = Info{ImageID: imageID, SnapshotID: snapshotIDs[region]}
	}

	r.logger.Info(ctx, "waiting for images to become available", "name", def.Name, "count", len(infos))
	g, gctx := errgroup.WithContext(ctx)
	for region, info := range infos {
		g.Go(func() error {
			return r.waitReady(gctx, r.clients(region), region, info.ImageID)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := r.share(ctx, def, infos); err != nil {
		return nil, err
	}
	return infos, nil
}

func (r *Registrar) register(ctx context.Context, client EC2API, region string, def Definition, snapshotID string, tags []ec2types.Tag) (string, error) {
	if snapshotID == "" {
		return "", xerrors.Newf("no snapshot available in region %s to register image %q from", region, def.Name)
	}
	r.logger.Info(ctx, "registering image", "name", def.Name, "region", region, "snapshot_id", snapshotID)

	in := &ec2.RegisterImageInput{
		Name:           aws.String(def.Name),
		Description:    aws.String(def.Description),
		Architecture:   ec2types.ArchitectureValues(def.Architecture),
		RootDeviceName: aws.String(def.RootDeviceName),
		BlockDeviceMappings: []ec2types.BlockDeviceMapping{
			{
				DeviceName: aws.String(def.RootDeviceName),
				Ebs: &ec2types.EbsBlockDevice{
					SnapshotId: aws.String(snapshotID),
					VolumeType: ec2types.VolumeType(def.RootDeviceVolumeType),
					VolumeSize: aws.Int32(def.RootDeviceVolumeSize),
				},
			},
			{
				DeviceName:  aws.String("/dev/sdb"),
				VirtualName: aws.String("ephemeral0"),
			},
		},
		EnaSupport:         aws.Bool(true),
		SriovNetSupport:    aws.String("simple"),
		VirtualizationType: aws.String("hvm"),
		BootMode:           ec2types.BootModeValues(def.BootMode),
	}
	if def.TpmSupport != "" {
		in.TpmSupport = ec2types.TpmSupportValues(def.TpmSupport)
	}
	if def.ImdsSupport != "" {
		in.ImdsSupport = ec2types.ImdsSupportValues(def.ImdsSupport)
	}
	if def.UefiData != "" {
		in.UefiData = aws.String(def.UefiData)
	}
	if len(def.BillingProducts) > 0 {
		in.BillingProducts = def.BillingProducts
	}

	out, err := client.RegisterImage(ctx, in)
	if err != nil {
		return "", xerrors.Wrapf(err, "register image %q in %s", def.Name, region)
	}
	imageID := aws.ToString(out.ImageId)
	if _, err := client.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: []string{imageID},
		Tags:      tags,
	}); err != nil {
		return "", xerrors.Wrapf(err, "tag image %s", imageID)
	}
	return imageID, nil
}

// share adds launch permission on the images and volume-creation permission
// on their root snapshots for the configured accounts. Entries whose
// partition differs from the active one are skipped; an account id from
// another partition can not be granted anything here.
func (r *Registrar) share(ctx context.Context, def Definition, infos map[string]Info) error {
	if len(def.Share) == 0 {
		return nil
	}
	var userIDs []string
	for _, entry := range def.Share {
		partition, id := awsx.SplitPartition(entry)
		if partition != r.partition {
			r.logger.Debug(ctx, "skipping share entry from another partition",
				"entry", entry, "active_partition", r.partition)
			continue
		}
		userIDs = append(userIDs, id)
	}
	if len(userIDs) == 0 {
		return nil
	}

	launchAdd := make([]ec2types.LaunchPermission, 0, len(userIDs))
	volumeAdd := make([]ec2types.CreateVolumePermission, 0, len(userIDs))
	for _, id := range userIDs {
		launchAdd = append(launchAdd, ec2types.LaunchPermission{UserId: aws.String(id)})
		volumeAdd = append(volumeAdd, ec2types.CreateVolumePermission{UserId: aws.String(id)})
	}

	for region, info := range infos {
		client := r.clients(region)
		if _, err := client.ModifyImageAttribute(ctx, &ec2.ModifyImageAttributeInput{
			ImageId:          aws.String(info.ImageID),
			Attribute:        aws.String("LaunchPermission"),
			LaunchPermission: &ec2types.LaunchPermissionModifications{Add: launchAdd},
		}); err != nil {
			return xerrors.Wrapf(err, "share image %s in %s", info.ImageID, region)
		}
		if info.SnapshotID == "" {
			continue
		}
		if _, err := client.ModifySnapshotAttribute(ctx, &ec2.ModifySnapshotAttributeInput{
			SnapshotId:             aws.String(info.SnapshotID),
			Attribute:              ec2types.SnapshotAttributeNameCreateVolumePermission,
			CreateVolumePermission: &ec2types.CreateVolumePermissionModifications{Add: volumeAdd},
		}); err != nil {
			return xerrors.Wrapf(err, "share snapshot %s in %s", info.SnapshotID, region)
		}
	}
	r.logger.Info(ctx, "shared images and snapshots", "name", def.Name, "accounts", userIDs)
	return nil
}

// Publish opens the image and its root snapshot to all accounts in every
// region. Images not flagged public are left alone; temporary images are
// never published even when flagged public.
func (r *Registrar) Publish(ctx context.Context, def Definition, regions []string) error {
	if !def.Public {
		r.logger.Info(ctx, "image not marked public, nothing to publish", "name", def.Name)
		return nil
	}
	if def.Temporary {
		r.logger.Warn(ctx, "image marked temporary, refusing to publish", "name", def.Name)
		return nil
	}

	r.logger.Info(ctx, "making image public", "name", def.Name, "regions", len(regions))
	for _, region := range regions {
		client := r.clients(region)
		info, err := r.find(ctx, client, region, def.Name)
		if err != nil {
			return err
		}
		if info == nil {
			r.logger.Error(ctx, nil, "image not available, can not make public", "name", def.Name, "region", region)
			continue
		}
		if _, err := client.ModifyImageAttribute(ctx, &ec2.ModifyImageAttributeInput{
			ImageId: aws.String(info.ImageID),
			LaunchPermission: &ec2types.LaunchPermissionModifications{
				Add: []ec2types.LaunchPermission{{Group: ec2types.PermissionGroupAll}},
			},
		}); err != nil {
			return xerrors.Wrapf(err, "make image %s public in %s", info.ImageID, region)
		}
		r.logger.Info(ctx, "image public now", "image_id", info.ImageID, "region", region)

		if info.SnapshotID == "" {
			r.logger.Error(ctx, nil, "root snapshot unknown, can not make it public",
				"name", def.Name, "image_id", info.ImageID, "region", region)
			continue
		}
		if _, err := client.ModifySnapshotAttribute(ctx, &ec2.ModifySnapshotAttributeInput{
			SnapshotId:    aws.String(info.SnapshotID),
			Attribute:     ec2types.SnapshotAttributeNameCreateVolumePermission,
			GroupNames:    []string{"all"},
			OperationType: ec2types.OperationTypeAdd,
		}); err != nil {
			return xerrors.Wrapf(err, "make snapshot %s public in %s", info.SnapshotID, region)
		}
		r.logger.Info(ctx, "snapshot public now", "snapshot_id", info.SnapshotID, "region", region)
	}
	return nil
}

// Cleanup deregisters temporary images. A temporary image that turned out
// public is never deregistered; that combination is a data-integrity
// anomaly and only logged.
func (r *Registrar) Cleanup(ctx context.Context, def Definition, regions []string) error {
	if !def.Temporary {
		r.logger.Info(ctx, "image not marked temporary, no cleanup", "name", def.Name)
		return nil
	}

	r.logger.Info(ctx, "cleaning up temporary image", "name", def.Name)
	for _, region := range regions {
		client := r.clients(region)
		info, err := r.find(ctx, client, region, def.Name)
		if err != nil {
			return err
		}
		if info == nil {
			continue
		}
		out, err := client.DescribeImages(ctx, &ec2.DescribeImagesInput{
			ImageIds: []string{info.ImageID},
		})
		if err != nil {
			return xerrors.Wrapf(err, "describe image %s in %s", info.ImageID, region)
		}
		if len(out.Images) > 0 && aws.ToBool(out.Images[0].Public) {
			// a temporary image must never be public, leave it for a human
			r.logger.Error(ctx, nil, "temporary image is public, refusing to deregister",
				"name", def.Name, "region", region, "image_id", info.ImageID)
			continue
		}
		if _, err := client.DeregisterImage(ctx, &ec2.DeregisterImageInput{
			ImageId: aws.String(info.ImageID),
		}); err != nil {
			return xerrors.Wrapf(err, "deregister image %s in %s", info.ImageID, region)
		}
		r.logger.Info(ctx, "image deregistered", "name", def.Name, "region", region, "image_id", info.ImageID)
	}
	return nil
}

// List reports the image id per region, empty string where the image does
// not exist.
func (r *Registrar) List(ctx context.Context, name string, regions []string) (map[string]string, error) {
	ids := make(map[string]string, len(regions))
	for _, region := range regions {
		info, err := r.find(ctx, r.clients(region), region, name)
		if err != nil {
			return nil, err
		}
		if info != nil {
			ids[region] = info.ImageID
		} else {
			ids[region] = ""
		}
	}
	return ids, nil
}

// Verify compares the live image state in each region against the
// definition without changing anything. expectedIdentity is the snapshot
// identity the root snapshot must be named after.
func (r *Registrar) Verify(ctx context.Context, def Definition, expectedIdentity string, regions []string) (map[string][]Mismatch, error) {
	problems := make(map[string][]Mismatch, len(regions))
	for _, region := range regions {
		found, err := r.verifyRegion(ctx, region, def, expectedIdentity)
		if err != nil {
			return nil, err
		}
		problems[region] = found
	}
	return problems, nil
}

func (r *Registrar) verifyRegion(ctx context.Context, region string, def Definition, expectedIdentity string) ([]Mismatch, error) {
	client := r.clients(region)
	info, err := r.find(ctx, client, region, def.Name)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return []Mismatch{{Kind: MismatchMissing, Detail: "image not available in region"}}, nil
	}

	out, err := client.DescribeImages(ctx, &ec2.DescribeImagesInput{ImageIds: []string{info.ImageID}})
	if err != nil {
		return nil, xerrors.Wrapf(err, "describe image %s in %s", info.ImageID, region)
	}
	if len(out.Images) == 0 {
		return []Mismatch{{Kind: MismatchMissing, Detail: "image disappeared during verify"}}, nil
	}
	img := out.Images[0]

	var problems []Mismatch
	add := func(kind MismatchKind, format string, args ...any) {
		problems = append(problems, Mismatch{Kind: kind, Detail: fmt.Sprintf(format, args...)})
	}

	if img.State != ec2types.ImageStateAvailable {
		add(MismatchState, "state %s != available", img.State)
	}
	if img.RootDeviceType != ec2types.DeviceTypeEbs {
		add(MismatchRootDevice, "root device type %s != ebs", img.RootDeviceType)
	}
	if string(img.BootMode) != def.BootMode {
		add(MismatchBootMode, "boot mode %s != %s", img.BootMode, def.BootMode)
	}
	if def.TpmSupport != "" && string(img.TpmSupport) != def.TpmSupport {
		add(MismatchTpmSupport, "tpm support %q != %q", img.TpmSupport, def.TpmSupport)
	}
	if def.ImdsSupport != "" && string(img.ImdsSupport) != def.ImdsSupport {
		add(MismatchImdsSupport, "imds support %q != %q", img.ImdsSupport, def.ImdsSupport)
	}
	if len(def.BillingProducts) > 0 && !equalStrings(img.BillingProducts, def.BillingProducts) {
		add(MismatchBilling, "billing products %v != %v", img.BillingProducts, def.BillingProducts)
	}

	for _, bdm := range img.BlockDeviceMappings {
		if aws.ToString(bdm.DeviceName) != aws.ToString(img.RootDeviceName) || bdm.Ebs == nil {
			continue
		}
		if string(bdm.Ebs.VolumeType) != def.RootDeviceVolumeType {
			add(MismatchVolumeType, "root volume type %s != %s", bdm.Ebs.VolumeType, def.RootDeviceVolumeType)
		}
		if aws.ToInt32(bdm.Ebs.VolumeSize) != def.RootDeviceVolumeSize {
			add(MismatchVolumeSize, "root volume size %d != %d", aws.ToInt32(bdm.Ebs.VolumeSize), def.RootDeviceVolumeSize)
		}
		snapID := aws.ToString(bdm.Ebs.SnapshotId)
		if snapID == "" {
			continue
		}
		snaps, err := client.DescribeSnapshots(ctx, &ec2.DescribeSnapshotsInput{SnapshotIds: []string{snapID}})
		if err != nil {
			return nil, xerrors.Wrapf(err, "describe snapshot %s in %s", snapID, region)
		}
		if len(snaps.Snapshots) == 0 {
			continue
		}
		snap := snaps.Snapshots[0]
		if snap.State != ec2types.SnapshotStateCompleted {
			add(MismatchSnapshotState, "snapshot %s state %s != completed", snapID, snap.State)
		}
		for _, tag := range snap.Tags {
			if aws.ToString(tag.Key) == "Name" && aws.ToString(tag.Value) != expectedIdentity {
				add(MismatchSnapshotName, "snapshot name %s != %s", aws.ToString(tag.Value), expectedIdentity)
			}
		}
	}
	return problems, nil
}

// find looks up the image by exact name. More than one match is a
// consistency violation.
func (r *Registrar) find(ctx context.Context, client EC2API, region, name string) (*Info, error) {
	out, err := client.DescribeImages(ctx, &ec2.DescribeImagesInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("name"), Values: []string{name}},
		},
		Owners: []string{"self"},
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "describe images named %s in %s", name, region)
	}
	switch len(out.Images) {
	case 0:
		return nil, nil
	case 1:
		img := out.Images[0]
		return &Info{
			ImageID:    aws.ToString(img.ImageId),
			SnapshotID: rootDeviceSnapshotID(img),
		}, nil
	default:
		return nil, &awsx.ConsistencyError{Resource: "image", Name: name, Region: region, Count: len(out.Images)}
	}
}

// rootDeviceSnapshotID extracts the snapshot backing the image's root
// device, or "" when it can not be determined.
func rootDeviceSnapshotID(img ec2types.Image) string {
	root := aws.ToString(img.RootDeviceName)
	if root == "" {
		return ""
	}
	for _, bdm := range img.BlockDeviceMappings {
		if aws.ToString(bdm.DeviceName) == root && bdm.Ebs != nil {
			return aws.ToString(bdm.Ebs.SnapshotId)
		}
	}
	return ""
}

// waitReady waits for the image to exist, then to become available.
func (r *Registrar) waitReady(ctx context.Context, client EC2API, region, imageID string) error {
	err := waiter.Wait(ctx, "image "+imageID+" exists", r.existsWait, func(ctx context.Context) (bool, error) {
		out, err := client.DescribeImages(ctx, &ec2.DescribeImagesInput{ImageIds: []string{imageID}})
		if err != nil {
			if isImageNotFound(err) {
				return false, nil
			}
			return false, xerrors.Wrapf(err, "describe image %s", imageID)
		}
		return len(out.Images) > 0, nil
	})
	if err != nil {
		return err
	}

	return waiter.Wait(ctx, "image "+imageID+" available", r.availableWait, func(ctx context.Context) (bool, error) {
		out, err := client.DescribeImages(ctx, &ec2.DescribeImagesInput{ImageIds: []string{imageID}})
		if err != nil {
			return false, xerrors.Wrapf(err, "describe image %s", imageID)
		}
		if len(out.Images) == 0 {
			return false, nil
		}
		switch out.Images[0].State {
		case ec2types.ImageStateAvailable:
			return true, nil
		case ec2types.ImageStateFailed, ec2types.ImageStateInvalid, ec2types.ImageStateError:
			return false, xerrors.Newf("image %s in %s entered state %s", imageID, region, out.Images[0].State)
		default:
			return false, nil
		}
	})
}

func isImageNotFound(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidAMIID.NotFound"
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
