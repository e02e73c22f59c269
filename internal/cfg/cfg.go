// Package cfg loads and validates the publication config file.
//
// The config is YAML under a single top-level "amipub" key, optionally run
// through ${...} template substitution against a separate mapping file before
// parsing. Image names are map keys and case matters (they become catalog
// image names), so parsing is done with yaml.v3 directly in strict mode.
package cfg

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"go.yaml.in/yaml/v3"

	"github.com/keithlinneman/amipub/internal/xerrors"
)

// SNSDefaultProtocol is the message protocol key every notification body
// must carry.
const SNSDefaultProtocol = "default"

var (
	validArchitectures = []string{"x86_64", "arm64"}
	validBootModes     = []string{"legacy-bios", "uefi", "uefi-preferred"}
	validVolumeTypes   = []string{"gp2", "gp3"}
	validPartitions    = []string{"aws", "aws-cn", "aws-us-gov"}

	accountIDRe = regexp.MustCompile(`^[0-9]{12}$`)
)

// Config is the full publication configuration as given in the file.
type Config struct {
	S3     S3               `yaml:"s3"`
	Source Source           `yaml:"source"`
	Images map[string]Image `yaml:"images"`
	// Tags apply to every resource the pipeline touches.
	Tags map[string]string `yaml:"tags"`
}

// S3 names the bucket sources are uploaded to. The bucket must already
// exist; it is never created.
type S3 struct {
	BucketName string `yaml:"bucket_name"`
}

// Source describes the local disk image that gets uploaded and imported.
type Source struct {
	Path         string `yaml:"path"`
	Architecture string `yaml:"architecture"`
}

// Image is one image definition. The map key in Config.Images is the image
// name in the catalog.
type Image struct {
	Description          string                       `yaml:"description"`
	Regions              []string                     `yaml:"regions"`
	SeparateSnapshot     bool                         `yaml:"separate_snapshot"`
	BillingProducts      []string                     `yaml:"billing_products"`
	BootMode             string                       `yaml:"boot_mode"`
	RootDeviceName       string                       `yaml:"root_device_name"`
	RootDeviceVolumeType string                       `yaml:"root_device_volume_type"`
	RootDeviceVolumeSize int32                        `yaml:"root_device_volume_size"`
	UefiData             string                       `yaml:"uefi_data"`
	TpmSupport           string                       `yaml:"tpm_support"`
	ImdsSupport          string                       `yaml:"imds_support"`
	Share                []string                     `yaml:"share"`
	Temporary            bool                         `yaml:"temporary"`
	Public               bool                         `yaml:"public"`
	Marketplace          *Marketplace                 `yaml:"marketplace"`
	SSMParameters        []SSMParameter               `yaml:"ssm_parameter"`
	Groups               []string                     `yaml:"groups"`
	Tags                 map[string]string            `yaml:"tags"`
	SNS                  []map[string]SNSNotification `yaml:"sns"`
}

// Marketplace configures a new version request for an AmiProduct listing.
type Marketplace struct {
	EntityID                string          `yaml:"entity_id"`
	AccessRoleArn           string          `yaml:"access_role_arn"`
	VersionTitle            string          `yaml:"version_title"`
	ReleaseNotes            string          `yaml:"release_notes"`
	UserName                string          `yaml:"user_name"`
	ScanningPort            int32           `yaml:"scanning_port"`
	OSName                  string          `yaml:"os_name"`
	OSVersion               string          `yaml:"os_version"`
	UsageInstructions       string          `yaml:"usage_instructions"`
	RecommendedInstanceType string          `yaml:"recommended_instance_type"`
	SecurityGroups          []SecurityGroup `yaml:"security_groups"`
}

type SecurityGroup struct {
	FromPort   int32    `yaml:"from_port"`
	IPProtocol string   `yaml:"ip_protocol"`
	IPRanges   []string `yaml:"ip_ranges"`
	ToPort     int32    `yaml:"to_port"`
}

// SSMParameter names one aws:ec2:image parameter to push per region.
type SSMParameter struct {
	Name           string `yaml:"name"`
	Description    string `yaml:"description"`
	AllowOverwrite bool   `yaml:"allow_overwrite"`
}

// SNSNotification describes one notification sent after image publication.
// Message keys are SNS protocols; the "default" key is mandatory.
type SNSNotification struct {
	Subject string            `yaml:"subject"`
	Message map[string]string `yaml:"message"`
	Regions []string          `yaml:"regions"`
}

// Tag is a single resource tag. Kept provider-neutral here; consumers
// convert to the service-specific tag types.
type Tag struct {
	Key   string
	Value string
}

// Context is the loaded, validated and resolved configuration plus the
// values derived from it once (notably the source file digest). It is
// immutable after Load.
type Context struct {
	Config Config

	// BucketRegion is the optional region override for the upload bucket
	// and the snapshot import.
	BucketRegion string

	// SourceSHA256 is the hex digest of the source file. It is the S3 key
	// and the base of every snapshot identity.
	SourceSHA256 string

	dir string
}

type document struct {
	Amipub *Config `yaml:"amipub"`
}

// Load reads the config at path, substitutes ${...} references from the
// mapping file (if given), validates the result and computes the source
// digest. regionOverride, when non-empty, pins the bucket region.
func Load(path, mappingPath, regionOverride string) (*Context, error) {
	mapping, err := loadMapping(mappingPath)
	if err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrapf(err, "read config %s", path)
	}
	substituted, err := substitute(string(raw), mapping)
	if err != nil {
		return nil, xerrors.Wrapf(err, "substitute template values in %s", path)
	}

	var doc document
	dec := yaml.NewDecoder(strings.NewReader(substituted))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, xerrors.Wrapf(err, "parse config %s", path)
	}
	if doc.Amipub == nil {
		return nil, xerrors.Newf("config %s: missing top-level 'amipub' key", path)
	}
	conf := *doc.Amipub

	dir := filepath.Dir(path)
	applyDefaults(&conf)
	resolvePaths(&conf, dir)
	if err := validate(&conf); err != nil {
		return nil, err
	}

	digest, err := sha256File(conf.Source.Path)
	if err != nil {
		return nil, xerrors.Wrapf(err, "digest source %s", conf.Source.Path)
	}

	return &Context{
		Config:       conf,
		BucketRegion: regionOverride,
		SourceSHA256: digest,
		dir:          dir,
	}, nil
}

func loadMapping(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrapf(err, "read config mapping %s", path)
	}
	mapping := make(map[string]string)
	if err := yaml.Unmarshal(raw, &mapping); err != nil {
		return nil, xerrors.Wrapf(err, "parse config mapping %s", path)
	}
	return mapping, nil
}

// substitute expands $name and ${name} references from mapping. "$$" is a
// literal dollar. Unknown references are an error rather than an empty
// expansion so a missing mapping entry can not silently produce a broken
// config.
func substitute(s string, mapping map[string]string) (string, error) {
	var missing []string
	expanded := os.Expand(s, func(name string) string {
		if name == "$" {
			return "$"
		}
		if v, ok := mapping[name]; ok {
			return v
		}
		missing = append(missing, name)
		return ""
	})
	if len(missing) > 0 {
		return "", xerrors.Newf("no mapping value for template variable(s): %s", strings.Join(missing, ", "))
	}
	return expanded, nil
}

func applyDefaults(conf *Config) {
	for name, img := range conf.Images {
		if img.RootDeviceName == "" {
			img.RootDeviceName = "/dev/sda1"
		}
		if img.RootDeviceVolumeType == "" {
			img.RootDeviceVolumeType = "gp3"
		}
		if img.RootDeviceVolumeSize == 0 {
			img.RootDeviceVolumeSize = 8
		}
		if img.Marketplace != nil && img.Marketplace.ScanningPort == 0 {
			img.Marketplace.ScanningPort = 22
		}
		for i, entry := range img.SNS {
			for topic, n := range entry {
				if n.Message == nil {
					n.Message = map[string]string{SNSDefaultProtocol: ""}
				}
				entry[topic] = n
			}
			img.SNS[i] = entry
		}
		conf.Images[name] = img
	}
}

// resolvePaths makes relative file references absolute against the config
// file directory.
func resolvePaths(conf *Config, dir string) {
	if conf.Source.Path != "" && !filepath.IsAbs(conf.Source.Path) {
		conf.Source.Path = filepath.Join(dir, conf.Source.Path)
	}
	for name, img := range conf.Images {
		if img.UefiData != "" && !filepath.IsAbs(img.UefiData) {
			img.UefiData = filepath.Join(dir, img.UefiData)
			conf.Images[name] = img
		}
	}
}

func validate(conf *Config) error {
	if conf.S3.BucketName == "" {
		return xerrors.New("config: s3.bucket_name is required")
	}
	if conf.Source.Path == "" {
		return xerrors.New("config: source.path is required")
	}
	if !contains(validArchitectures, conf.Source.Architecture) {
		return xerrors.Newf("config: source.architecture must be one of %v, got %q",
			validArchitectures, conf.Source.Architecture)
	}
	if len(conf.Images) == 0 {
		return xerrors.New("config: at least one image is required")
	}
	for name, img := range conf.Images {
		if err := validateImage(name, img); err != nil {
			return err
		}
	}
	return nil
}

func validateImage(name string, img Image) error {
	if !contains(validBootModes, img.BootMode) {
		return xerrors.Newf("config: image %q: boot_mode must be one of %v, got %q",
			name, validBootModes, img.BootMode)
	}
	if !contains(validVolumeTypes, img.RootDeviceVolumeType) {
		return xerrors.Newf("config: image %q: root_device_volume_type must be one of %v, got %q",
			name, validVolumeTypes, img.RootDeviceVolumeType)
	}
	if img.TpmSupport != "" {
		if img.TpmSupport != "v2.0" {
			return xerrors.Newf("config: image %q: tpm_support must be \"v2.0\", got %q", name, img.TpmSupport)
		}
		if img.BootMode != "uefi" {
			return xerrors.Newf("config: image %q: tpm_support requires boot_mode \"uefi\"", name)
		}
	}
	if img.ImdsSupport != "" && img.ImdsSupport != "v2.0" {
		return xerrors.Newf("config: image %q: imds_support must be \"v2.0\", got %q", name, img.ImdsSupport)
	}
	for _, entry := range img.Share {
		partition, id := splitPartition(entry)
		if !accountIDRe.MatchString(id) {
			return xerrors.Newf("config: image %q: share entry %q: account id must be 12 digits", name, entry)
		}
		if !contains(validPartitions, partition) {
			return xerrors.Newf("config: image %q: share entry %q: partition must be one of %v",
				name, entry, validPartitions)
		}
	}
	for _, entry := range img.SNS {
		for topic, n := range entry {
			if l := len(n.Subject); l < 1 || l > 99 {
				return xerrors.Newf("config: image %q: sns topic %q: subject must be 1-99 characters", name, topic)
			}
			if _, ok := n.Message[SNSDefaultProtocol]; !ok {
				return xerrors.Newf("config: image %q: sns topic %q: message requires the %q protocol key",
					name, topic, SNSDefaultProtocol)
			}
		}
	}
	if mp := img.Marketplace; mp != nil {
		if mp.EntityID == "" || mp.AccessRoleArn == "" || mp.VersionTitle == "" {
			return xerrors.Newf("config: image %q: marketplace requires entity_id, access_role_arn and version_title", name)
		}
	}
	return nil
}

// splitPartition mirrors awsx.SplitPartition; duplicated here to keep cfg
// free of AWS SDK imports.
func splitPartition(val string) (partition, id string) {
	if before, after, found := strings.Cut(val, ":"); found {
		return before, after
	}
	return "aws", val
}

func contains(valid []string, v string) bool {
	for _, x := range valid {
		if x == v {
			return true
		}
	}
	return false
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ImageNames returns the image names in deterministic (sorted) order.
func (c *Context) ImageNames() []string {
	names := make([]string, 0, len(c.Config.Images))
	for name := range c.Config.Images {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SourceFilename is the basename of the configured source path.
func (c *Context) SourceFilename() string {
	return filepath.Base(c.Config.Source.Path)
}

// Tags returns the common resource tag set: the source provenance tags
// first, then the user tags sorted by key. User tags can override the
// provenance tags.
func (c *Context) Tags() []Tag {
	return c.merged(nil)
}

// TagsForImage returns the common tags overlaid with the per-image tags.
func (c *Context) TagsForImage(name string) []Tag {
	img, ok := c.Config.Images[name]
	if !ok {
		return c.Tags()
	}
	return c.merged(img.Tags)
}

func (c *Context) merged(extra map[string]string) []Tag {
	ordered := []string{"source:filename", "source:architecture", "source:sha256"}
	values := map[string]string{
		"source:filename":     c.SourceFilename(),
		"source:architecture": c.Config.Source.Architecture,
		"source:sha256":       c.SourceSHA256,
	}
	overlay := func(m map[string]string) {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if _, seen := values[k]; !seen {
				ordered = append(ordered, k)
			}
			values[k] = m[k]
		}
	}
	overlay(c.Config.Tags)
	overlay(extra)

	tags := make([]Tag, 0, len(ordered))
	for _, k := range ordered {
		tags = append(tags, Tag{Key: k, Value: values[k]})
	}
	return tags
}

// TagMap returns TagsForImage as a plain map for callers that do not care
// about ordering.
func (c *Context) TagMap(imageName string) map[string]string {
	m := make(map[string]string)
	for _, t := range c.TagsForImage(imageName) {
		m[t.Key] = t.Value
	}
	return m
}
