package marketplace

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/marketplacecatalog"

	"github.com/keithlinneman/amipub/internal/cfg"
)

type fakeCatalog struct {
	entityDetails string

	startInputs []*marketplacecatalog.StartChangeSetInput
}

func (f *fakeCatalog) DescribeEntity(ctx context.Context, params *marketplacecatalog.DescribeEntityInput, optFns ...func(*marketplacecatalog.Options)) (*marketplacecatalog.DescribeEntityOutput, error) {
	return &marketplacecatalog.DescribeEntityOutput{Details: aws.String(f.entityDetails)}, nil
}

func (f *fakeCatalog) StartChangeSet(ctx context.Context, params *marketplacecatalog.StartChangeSetInput, optFns ...func(*marketplacecatalog.Options)) (*marketplacecatalog.StartChangeSetOutput, error) {
	f.startInputs = append(f.startInputs, params)
	return &marketplacecatalog.StartChangeSetOutput{ChangeSetId: aws.String("cs-1")}, nil
}

func testConf() cfg.Marketplace {
	return cfg.Marketplace{
		EntityID:                "prod-123",
		AccessRoleArn:           "arn:aws:iam::123456789012:role/marketplace",
		VersionTitle:            "1.2.3",
		ReleaseNotes:            "notes",
		UserName:                "ubuntu",
		OSName:                  "Linux",
		OSVersion:               "24.04",
		UsageInstructions:       "ssh in",
		RecommendedInstanceType: "m5.large",
		SecurityGroups: []cfg.SecurityGroup{{
			FromPort:   22,
			ToPort:     22,
			IPProtocol: "tcp",
			IPRanges:   []string{"0.0.0.0/0"},
		}},
	}
}

func newPublisher(t *testing.T, client *fakeCatalog) *Publisher {
	t.Helper()
	p, err := New(Options{Client: client})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestRequestNewVersionSkipsExistingTitle(t *testing.T) {
	client := &fakeCatalog{entityDetails: `{"Versions":[{"VersionTitle":"1.2.3"}]}`}
	p := newPublisher(t, client)

	if err := p.RequestNewVersion(context.Background(), testConf(), "ami-1", nil); err != nil {
		t.Fatalf("RequestNewVersion: %v", err)
	}
	if len(client.startInputs) != 0 {
		t.Errorf("startInputs = %d, want 0 (version already exists)", len(client.startInputs))
	}
}

func TestRequestNewVersionSubmitsChangeSet(t *testing.T) {
	client := &fakeCatalog{entityDetails: `{"Versions":[{"VersionTitle":"1.0.0"}]}`}
	p := newPublisher(t, client)

	if err := p.RequestNewVersion(context.Background(), testConf(), "ami-1", nil); err != nil {
		t.Fatalf("RequestNewVersion: %v", err)
	}
	if len(client.startInputs) != 1 {
		t.Fatalf("startInputs = %d, want 1", len(client.startInputs))
	}

	in := client.startInputs[0]
	if len(in.ChangeSet) != 1 {
		t.Fatalf("changes = %d, want 1", len(in.ChangeSet))
	}
	change := in.ChangeSet[0]
	if aws.ToString(change.ChangeType) != "AddDeliveryOptions" {
		t.Errorf("change type = %q", aws.ToString(change.ChangeType))
	}
	if aws.ToString(change.Entity.Type) != "AmiProduct@1.0" {
		t.Errorf("entity type = %q", aws.ToString(change.Entity.Type))
	}

	var details map[string]any
	if err := json.Unmarshal([]byte(aws.ToString(change.Details)), &details); err != nil {
		t.Fatalf("details not json: %v", err)
	}
	raw := aws.ToString(change.Details)
	for _, want := range []string{`"AmiId":"ami-1"`, `"VersionTitle":"1.2.3"`, `"UserName":"ubuntu"`, `"FromPort":22`} {
		if !strings.Contains(raw, want) {
			t.Errorf("details missing %s: %s", want, raw)
		}
	}
	if !strings.HasPrefix(aws.ToString(in.ChangeSetName), "New version request for 1.2.3") {
		t.Errorf("changeset name = %q", aws.ToString(in.ChangeSetName))
	}
}

func TestSanitizeChangeSetName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"New version request for 1.2.3", "New version request for 1.2.3"},
		{"weird (chars) & [stuff]!", "weird chars  stuff"},
		{"keep _+=.:@- these", "keep _+=.:@- these"},
	}
	for _, tt := range tests {
		if got := SanitizeChangeSetName(tt.in); got != tt.want {
			t.Errorf("SanitizeChangeSetName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
