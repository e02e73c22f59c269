package awsx

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/keithlinneman/amipub/internal/log"
)

type fakeSTS struct {
	out *sts.GetCallerIdentityOutput
	err error
}

func (f *fakeSTS) GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
	return f.out, f.err
}

type fakeRegions struct {
	regions []string
	err     error
}

func (f *fakeRegions) DescribeRegions(ctx context.Context, params *ec2.DescribeRegionsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeRegionsOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := &ec2.DescribeRegionsOutput{}
	for _, r := range f.regions {
		out.Regions = append(out.Regions, ec2types.Region{RegionName: aws.String(r)})
	}
	return out, nil
}

func TestSplitPartition(t *testing.T) {
	tests := []struct {
		name          string
		val           string
		wantPartition string
		wantID        string
	}{
		{"bare account id", "123456789012", "aws", "123456789012"},
		{"explicit aws", "aws:123456789012", "aws", "123456789012"},
		{"china", "aws-cn:123456789012", "aws-cn", "123456789012"},
		{"govcloud", "aws-us-gov:123456789012", "aws-us-gov", "123456789012"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			partition, id := SplitPartition(tt.val)
			if partition != tt.wantPartition || id != tt.wantID {
				t.Errorf("SplitPartition(%q) = (%q, %q), want (%q, %q)",
					tt.val, partition, id, tt.wantPartition, tt.wantID)
			}
		})
	}
}

func TestIdentity(t *testing.T) {
	tests := []struct {
		name          string
		arn           string
		wantPartition string
		wantErr       bool
	}{
		{"commercial", "arn:aws:iam::123456789012:user/x", "aws", false},
		{"china", "arn:aws-cn:sts::123456789012:assumed-role/r/s", "aws-cn", false},
		{"garbage", "not-an-arn", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &fakeSTS{out: &sts.GetCallerIdentityOutput{
				Account: aws.String("123456789012"),
				Arn:     aws.String(tt.arn),
			}}
			got, err := Identity(context.Background(), client)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Partition != tt.wantPartition {
				t.Errorf("partition = %q, want %q", got.Partition, tt.wantPartition)
			}
			if got.Account != "123456789012" {
				t.Errorf("account = %q, want 123456789012", got.Account)
			}
		})
	}

	t.Run("api error", func(t *testing.T) {
		client := &fakeSTS{err: errors.New("denied")}
		if _, err := Identity(context.Background(), client); err == nil {
			t.Fatal("expected error, got nil")
		}
	})
}

func TestRegionResolver(t *testing.T) {
	available := []string{"us-east-1", "us-west-2", "eu-central-1"}

	tests := []struct {
		name      string
		allowlist []string
		want      []string
	}{
		{"no allowlist returns all", nil, available},
		{"intersection", []string{"us-west-2", "ap-south-1"}, []string{"us-west-2"}},
		{"allowlist order preserved", []string{"eu-central-1", "us-east-1"}, []string{"eu-central-1", "us-east-1"}},
		{"fully unavailable", []string{"cn-north-1"}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolver := NewRegionResolver(&fakeRegions{regions: available}, log.Nop())
			got, err := resolver.Resolve(context.Background(), tt.allowlist)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("got %v, want %v", got, tt.want)
				}
			}
		})
	}

	t.Run("describe failure", func(t *testing.T) {
		resolver := NewRegionResolver(&fakeRegions{err: errors.New("boom")}, log.Nop())
		if _, err := resolver.Resolve(context.Background(), nil); err == nil {
			t.Fatal("expected error, got nil")
		}
	})

	t.Run("available set fetched once", func(t *testing.T) {
		client := &countingRegions{fakeRegions: fakeRegions{regions: available}}
		resolver := NewRegionResolver(client, log.Nop())
		for i := 0; i < 3; i++ {
			if _, err := resolver.Resolve(context.Background(), nil); err != nil {
				t.Fatal(err)
			}
		}
		if client.calls != 1 {
			t.Errorf("DescribeRegions calls = %d, want 1", client.calls)
		}
	})
}

type countingRegions struct {
	fakeRegions
	calls int
}

func (c *countingRegions) DescribeRegions(ctx context.Context, params *ec2.DescribeRegionsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeRegionsOutput, error) {
	c.calls++
	return c.fakeRegions.DescribeRegions(ctx, params, optFns...)
}

func TestFactoryCachesClients(t *testing.T) {
	f := NewFactory(aws.Config{})
	if f.EC2("us-east-1") != f.EC2("us-east-1") {
		t.Error("EC2 clients for the same region should be identical")
	}
	if f.EC2("us-east-1") == f.EC2("us-west-2") {
		t.Error("EC2 clients for different regions should differ")
	}
	if f.Marketplace() != f.Marketplace() {
		t.Error("Marketplace client should be cached")
	}
}
