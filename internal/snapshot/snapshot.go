// Package snapshot imports the uploaded source into an EBS snapshot and
// replicates it across regions. The snapshot identity (tag Name) is the
// idempotency key everywhere: create and copy both look up by it first and
// only touch the API when nothing usable exists yet.
package snapshot

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"golang.org/x/sync/errgroup"

	"github.com/keithlinneman/amipub/internal/awsx"
	"github.com/keithlinneman/amipub/internal/log"
	"github.com/keithlinneman/amipub/internal/waiter"
	"github.com/keithlinneman/amipub/internal/xerrors"
)

// EC2API is the slice of the EC2 client snapshot handling needs.
type EC2API interface {
	DescribeSnapshots(ctx context.Context, params *ec2.DescribeSnapshotsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSnapshotsOutput, error)
	DescribeImportSnapshotTasks(ctx context.Context, params *ec2.DescribeImportSnapshotTasksInput, optFns ...func(*ec2.Options)) (*ec2.DescribeImportSnapshotTasksOutput, error)
	ImportSnapshot(ctx context.Context, params *ec2.ImportSnapshotInput, optFns ...func(*ec2.Options)) (*ec2.ImportSnapshotOutput, error)
	CreateTags(ctx context.Context, params *ec2.CreateTagsInput, optFns ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error)
	CopySnapshot(ctx context.Context, params *ec2.CopySnapshotInput, optFns ...func(*ec2.Options)) (*ec2.CopySnapshotOutput, error)
}

type Options struct {
	// Clients returns an EC2 client for a region. Required.
	Clients func(region string) EC2API
	// Logger defaults to the nop logger.
	Logger log.Logger

	// Wait budgets; the zero value selects the defaults below.
	ImportTaskWait     waiter.Spec
	CreateCompleteWait waiter.Spec
	CopyCompleteWait   waiter.Spec
}

// Replicator creates and copies snapshots, one instance per pipeline run.
type Replicator struct {
	clients func(region string) EC2API
	logger  log.Logger

	importWait waiter.Spec
	createWait waiter.Spec
	copyWait   waiter.Spec
}

func New(opts Options) (*Replicator, error) {
	if opts.Clients == nil {
		return nil, xerrors.New("snapshot: Clients is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.ImportTaskWait == (waiter.Spec{}) {
		opts.ImportTaskWait = waiter.Spec{Interval: 30 * time.Second, MaxAttempts: 90}
	}
	if opts.CreateCompleteWait == (waiter.Spec{}) {
		opts.CreateCompleteWait = waiter.Spec{Interval: 30 * time.Second, MaxAttempts: 60}
	}
	if opts.CopyCompleteWait == (waiter.Spec{}) {
		opts.CopyCompleteWait = waiter.Spec{Interval: 30 * time.Second, MaxAttempts: 90}
	}
	return &Replicator{
		clients:    opts.Clients,
		logger:     opts.Logger,
		importWait: opts.ImportTaskWait,
		createWait: opts.CreateCompleteWait,
		copyWait:   opts.CopyCompleteWait,
	}, nil
}

// CreateInput describes the snapshot to import in the bucket region.
type CreateInput struct {
	// Name is the snapshot identity, used as the Name tag and lookup key.
	Name string
	// Bucket and Key locate the uploaded source in S3.
	Bucket string
	Key    string
	// Tags are the common resource tags; the Name tag is added here.
	Tags []ec2types.Tag
}

// Create imports the S3 object into a snapshot in region, unless a snapshot
// with the same identity already exists there. An import task with the same
// identity that is still in flight is adopted instead of starting another
// one. Returns the snapshot id.
func (r *Replicator) Create(ctx context.Context, region string, in CreateInput) (string, error) {
	client := r.clients(region)

	snapID, err := r.find(ctx, client, region, in.Name)
	if err != nil {
		return "", err
	}
	if snapID != "" {
		r.logger.Info(ctx, "snapshot already exists", "name", in.Name, "region", region, "snapshot_id", snapID)
		return snapID, nil
	}

	r.logger.Info(ctx, "creating snapshot from s3 object",
		"name", in.Name, "region", region, "bucket", in.Bucket, "key", in.Key)

	tags := append(append([]ec2types.Tag{}, in.Tags...), ec2types.Tag{
		Key: aws.String("Name"), Value: aws.String(in.Name),
	})

	taskID, err := r.findImportTask(ctx, client, region, in.Name)
	if err != nil {
		return "", err
	}
	if taskID != "" {
		r.logger.Info(ctx, "adopting in-flight import snapshot task", "name", in.Name, "region", region, "task_id", taskID)
	} else {
		out, err := client.ImportSnapshot(ctx, &ec2.ImportSnapshotInput{
			Description: aws.String("Import " + in.Name),
			DiskContainer: &ec2types.SnapshotDiskContainer{
				Description: aws.String(""),
				Format:      aws.String("vmdk"),
				UserBucket: &ec2types.UserBucket{
					S3Bucket: aws.String(in.Bucket),
					S3Key:    aws.String(in.Key),
				},
			},
			TagSpecifications: []ec2types.TagSpecification{
				{ResourceType: ec2types.ResourceTypeImportSnapshotTask, Tags: tags},
			},
		})
		if err != nil {
			return "", xerrors.Wrapf(err, "import snapshot %s in %s", in.Name, region)
		}
		taskID = aws.ToString(out.ImportTaskId)
	}

	snapID, err = r.waitImportTask(ctx, client, region, taskID)
	if err != nil {
		return "", err
	}

	// tag before waiting for completion so the snapshot is findable by
	// identity as early as possible
	if _, err := client.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: []string{snapID},
		Tags:      tags,
	}); err != nil {
		return "", xerrors.Wrapf(err, "tag snapshot %s", snapID)
	}

	if err := r.waitCompleted(ctx, client, region, snapID, r.createWait); err != nil {
		return "", err
	}
	r.logger.Info(ctx, "snapshot import done", "name", in.Name, "region", region, "snapshot_id", snapID)
	return snapID, nil
}

// Copy replicates the named snapshot from sourceRegion into every
// destination region where it does not exist yet. All copies are issued
// first, then all of them are awaited, so the copies run in parallel on the
// provider side. Returns the snapshot id per destination region.
func (r *Replicator) Copy(ctx context.Context, name, sourceRegion string, destRegions []string, tags []ec2types.Tag) (map[string]string, error) {
	tags = append(append([]ec2types.Tag{}, tags...), ec2types.Tag{
		Key: aws.String("Name"), Value: aws.String(name),
	})

	snapshotIDs := make(map[string]string, len(destRegions))
	for _, dest := range destRegions {
		id, err := r.copyOne(ctx, name, sourceRegion, dest, tags)
		if err != nil {
			return nil, err
		}
		snapshotIDs[dest] = id
	}

	r.logger.Info(ctx, "waiting for copied snapshots to complete", "name", name, "count", len(snapshotIDs))
	g, gctx := errgroup.WithContext(ctx)
	for dest, id := range snapshotIDs {
		dest, id := dest, id
		g.Go(func() error {
			return r.waitCompleted(gctx, r.clients(dest), dest, id, r.copyWait)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return snapshotIDs, nil
}

func (r *Replicator) copyOne(ctx context.Context, name, sourceRegion, destRegion string, tags []ec2types.Tag) (string, error) {
	destClient := r.clients(destRegion)
	id, err := r.find(ctx, destClient, destRegion, name)
	if err != nil {
		return "", err
	}
	if id != "" {
		r.logger.Info(ctx, "snapshot already exists in destination region",
			"name", name, "region", destRegion, "snapshot_id", id)
		return id, nil
	}

	sourceID, err := r.find(ctx, r.clients(sourceRegion), sourceRegion, name)
	if err != nil {
		return "", err
	}
	if sourceID == "" {
		return "", xerrors.Newf("no source snapshot named %q in region %s to copy from", name, sourceRegion)
	}

	r.logger.Info(ctx, "copying snapshot",
		"name", name, "snapshot_id", sourceID, "source_region", sourceRegion, "destination_region", destRegion)
	out, err := destClient.CopySnapshot(ctx, &ec2.CopySnapshotInput{
		SourceRegion:     aws.String(sourceRegion),
		SourceSnapshotId: aws.String(sourceID),
		TagSpecifications: []ec2types.TagSpecification{
			{ResourceType: ec2types.ResourceTypeSnapshot, Tags: tags},
		},
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "copy snapshot %s to %s", sourceID, destRegion)
	}
	return aws.ToString(out.SnapshotId), nil
}

// find looks up a pending or completed snapshot owned by this account by
// its Name tag. More than one match is a consistency violation.
func (r *Replicator) find(ctx context.Context, client EC2API, region, name string) (string, error) {
	out, err := client.DescribeSnapshots(ctx, &ec2.DescribeSnapshotsInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("tag:Name"), Values: []string{name}},
			{Name: aws.String("status"), Values: []string{"pending", "completed"}},
		},
		OwnerIds: []string{"self"},
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "describe snapshots named %s in %s", name, region)
	}
	switch len(out.Snapshots) {
	case 0:
		return "", nil
	case 1:
		return aws.ToString(out.Snapshots[0].SnapshotId), nil
	default:
		return "", &awsx.ConsistencyError{Resource: "snapshot", Name: name, Region: region, Count: len(out.Snapshots)}
	}
}

// findImportTask looks up an in-flight import task by its Name tag. Tasks
// in status deleted or completed do not count: the snapshot lookup already
// came up empty, so a completed task points at a snapshot that has since
// been deleted and is of no use.
func (r *Replicator) findImportTask(ctx context.Context, client EC2API, region, name string) (string, error) {
	out, err := client.DescribeImportSnapshotTasks(ctx, &ec2.DescribeImportSnapshotTasksInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("tag:Name"), Values: []string{name}},
		},
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "describe import snapshot tasks named %s in %s", name, region)
	}
	var inflight []ec2types.ImportSnapshotTask
	for _, t := range out.ImportSnapshotTasks {
		if t.SnapshotTaskDetail == nil {
			continue
		}
		status := aws.ToString(t.SnapshotTaskDetail.Status)
		if status == "deleted" || status == "completed" {
			continue
		}
		inflight = append(inflight, t)
	}
	switch len(inflight) {
	case 0:
		return "", nil
	case 1:
		return aws.ToString(inflight[0].ImportTaskId), nil
	default:
		return "", &awsx.ConsistencyError{Resource: "import snapshot task", Name: name, Region: region, Count: len(inflight)}
	}
}

// waitImportTask polls the import task until it completes and returns the
// snapshot id it produced. A deleted or deleting task is a terminal failure.
func (r *Replicator) waitImportTask(ctx context.Context, client EC2API, region, taskID string) (string, error) {
	r.logger.Info(ctx, "waiting for import snapshot task", "task_id", taskID, "region", region)
	var snapID string
	err := waiter.Wait(ctx, "import snapshot task "+taskID, r.importWait, func(ctx context.Context) (bool, error) {
		out, err := client.DescribeImportSnapshotTasks(ctx, &ec2.DescribeImportSnapshotTasksInput{
			ImportTaskIds: []string{taskID},
		})
		if err != nil {
			return false, xerrors.Wrapf(err, "describe import snapshot task %s", taskID)
		}
		if len(out.ImportSnapshotTasks) == 0 || out.ImportSnapshotTasks[0].SnapshotTaskDetail == nil {
			return false, nil
		}
		detail := out.ImportSnapshotTasks[0].SnapshotTaskDetail
		switch aws.ToString(detail.Status) {
		case "completed":
			snapID = aws.ToString(detail.SnapshotId)
			return true, nil
		case "deleted", "deleting":
			return false, xerrors.Newf("import snapshot task %s in %s failed: %s (%s)",
				taskID, region, aws.ToString(detail.Status), aws.ToString(detail.StatusMessage))
		default:
			return false, nil
		}
	})
	if err != nil {
		return "", err
	}
	return snapID, nil
}

// waitCompleted polls the snapshot until its state is completed. An error
// state is terminal.
func (r *Replicator) waitCompleted(ctx context.Context, client EC2API, region, snapID string, spec waiter.Spec) error {
	return waiter.Wait(ctx, "snapshot "+snapID+" completed", spec, func(ctx context.Context) (bool, error) {
		out, err := client.DescribeSnapshots(ctx, &ec2.DescribeSnapshotsInput{
			SnapshotIds: []string{snapID},
		})
		if err != nil {
			return false, xerrors.Wrapf(err, "describe snapshot %s", snapID)
		}
		if len(out.Snapshots) == 0 {
			return false, nil
		}
		switch out.Snapshots[0].State {
		case ec2types.SnapshotStateCompleted:
			return true, nil
		case ec2types.SnapshotStateError:
			return false, xerrors.Newf("snapshot %s in %s entered error state: %s",
				snapID, region, aws.ToString(out.Snapshots[0].StateMessage))
		default:
			return false, nil
		}
	})
}
