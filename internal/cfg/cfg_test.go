package cfg

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const minimalConfig = `
amipub:
  s3:
    bucket_name: bucket1
  source:
    path: source.vmdk
    architecture: x86_64
  images:
    "My-Image v1":
      boot_mode: uefi
`

func writeFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestLoadMinimal(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"config.yaml": minimalConfig,
		"source.vmdk": "fake image payload",
	})

	ctx, err := Load(filepath.Join(dir, "config.yaml"), "", "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	img, ok := ctx.Config.Images["My-Image v1"]
	if !ok {
		t.Fatalf("image name case not preserved, images: %v", ctx.Config.Images)
	}
	if img.RootDeviceName != "/dev/sda1" {
		t.Errorf("root_device_name default = %q, want /dev/sda1", img.RootDeviceName)
	}
	if img.RootDeviceVolumeType != "gp3" {
		t.Errorf("root_device_volume_type default = %q, want gp3", img.RootDeviceVolumeType)
	}
	if img.RootDeviceVolumeSize != 8 {
		t.Errorf("root_device_volume_size default = %d, want 8", img.RootDeviceVolumeSize)
	}

	if !filepath.IsAbs(ctx.Config.Source.Path) {
		t.Errorf("source path not resolved: %q", ctx.Config.Source.Path)
	}
	sum := sha256.Sum256([]byte("fake image payload"))
	if ctx.SourceSHA256 != hex.EncodeToString(sum[:]) {
		t.Errorf("source sha256 = %q, want digest of payload", ctx.SourceSHA256)
	}
}

func TestLoadTemplateSubstitution(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"config.yaml": strings.Replace(minimalConfig, "bucket1", "${bucket}", 1),
		"mapping.yaml": "bucket: from-mapping\n",
		"source.vmdk": "x",
	})

	ctx, err := Load(filepath.Join(dir, "config.yaml"), filepath.Join(dir, "mapping.yaml"), "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ctx.Config.S3.BucketName != "from-mapping" {
		t.Errorf("bucket_name = %q, want from-mapping", ctx.Config.S3.BucketName)
	}
}

func TestLoadTemplateMissingVariable(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"config.yaml": strings.Replace(minimalConfig, "bucket1", "${bucket}", 1),
		"source.vmdk": "x",
	})

	_, err := Load(filepath.Join(dir, "config.yaml"), "", "")
	if err == nil || !strings.Contains(err.Error(), "bucket") {
		t.Fatalf("expected missing-variable error naming 'bucket', got %v", err)
	}
}

func TestLoadUnknownField(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"config.yaml": strings.Replace(minimalConfig, "boot_mode: uefi", "boot_mode: uefi\n      bogus_field: 1", 1),
		"source.vmdk": "x",
	})

	if _, err := Load(filepath.Join(dir, "config.yaml"), "", ""); err == nil {
		t.Fatal("expected strict decode error for unknown field")
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(string) string
		wantErr string
	}{
		{
			"bad architecture",
			func(s string) string { return strings.Replace(s, "x86_64", "mips", 1) },
			"architecture",
		},
		{
			"bad boot mode",
			func(s string) string { return strings.Replace(s, "boot_mode: uefi", "boot_mode: bios", 1) },
			"boot_mode",
		},
		{
			"tpm without uefi",
			func(s string) string {
				return strings.Replace(s, "boot_mode: uefi", "boot_mode: legacy-bios\n      tpm_support: v2.0", 1)
			},
			"tpm_support",
		},
		{
			"short share account id",
			func(s string) string {
				return strings.Replace(s, "boot_mode: uefi", "boot_mode: uefi\n      share: [\"12345\"]", 1)
			},
			"12 digits",
		},
		{
			"bad share partition",
			func(s string) string {
				return strings.Replace(s, "boot_mode: uefi", "boot_mode: uefi\n      share: [\"gcp:123456789012\"]", 1)
			},
			"partition",
		},
		{
			"sns missing default protocol",
			func(s string) string {
				return strings.Replace(s, "boot_mode: uefi",
					"boot_mode: uefi\n      sns:\n        - topic1:\n            subject: hello\n            message:\n              email: hi", 1)
			},
			"default",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := writeFiles(t, map[string]string{
				"config.yaml": tt.mutate(minimalConfig),
				"source.vmdk": "x",
			})
			_, err := Load(filepath.Join(dir, "config.yaml"), "", "")
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestShareAcceptsPartitionPrefix(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"config.yaml": strings.Replace(minimalConfig, "boot_mode: uefi",
			"boot_mode: uefi\n      share: [\"123456789012\", \"aws-cn:123456789012\"]", 1),
		"source.vmdk": "x",
	})
	if _, err := Load(filepath.Join(dir, "config.yaml"), "", ""); err != nil {
		t.Fatalf("Load: %v", err)
	}
}

func TestTagsOrderingAndOverlay(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"config.yaml": strings.Replace(
			strings.Replace(minimalConfig, "boot_mode: uefi",
				"boot_mode: uefi\n      tags:\n        zz: image-level\n        team: imaging", 1),
			"amipub:\n", "amipub:\n  tags:\n    team: base\n    aa: common\n", 1),
		"source.vmdk": "x",
	})

	ctx, err := Load(filepath.Join(dir, "config.yaml"), "", "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	common := ctx.Tags()
	wantPrefix := []string{"source:filename", "source:architecture", "source:sha256", "aa", "team"}
	for i, k := range wantPrefix {
		if common[i].Key != k {
			t.Fatalf("common tag %d = %q, want %q (all: %v)", i, common[i].Key, k, common)
		}
	}

	m := ctx.TagMap("My-Image v1")
	if m["team"] != "imaging" {
		t.Errorf("per-image tag should override common: team = %q", m["team"])
	}
	if m["aa"] != "common" || m["zz"] != "image-level" {
		t.Errorf("merged tags wrong: %v", m)
	}
	if m["source:filename"] != "source.vmdk" {
		t.Errorf("source:filename = %q", m["source:filename"])
	}
}

func TestImageNamesSorted(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"config.yaml": strings.Replace(minimalConfig, "    \"My-Image v1\":\n      boot_mode: uefi",
			"    zeta:\n      boot_mode: uefi\n    alpha:\n      boot_mode: uefi", 1),
		"source.vmdk": "x",
	})
	ctx, err := Load(filepath.Join(dir, "config.yaml"), "", "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	names := ctx.ImageNames()
	if len(names) != 2 || names[0] != "alpha" || names[1] != "zeta" {
		t.Errorf("ImageNames = %v, want [alpha zeta]", names)
	}
}

func TestRegionOverride(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"config.yaml": minimalConfig,
		"source.vmdk": "x",
	})
	ctx, err := Load(filepath.Join(dir, "config.yaml"), "", "eu-central-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ctx.BucketRegion != "eu-central-1" {
		t.Errorf("BucketRegion = %q, want eu-central-1", ctx.BucketRegion)
	}
}
