package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/keithlinneman/amipub/internal/awsx"
	"github.com/keithlinneman/amipub/internal/cfg"
	"github.com/keithlinneman/amipub/internal/image"
	"github.com/keithlinneman/amipub/internal/log"
	"github.com/keithlinneman/amipub/internal/marketplace"
	"github.com/keithlinneman/amipub/internal/notify"
	"github.com/keithlinneman/amipub/internal/pipeline"
	"github.com/keithlinneman/amipub/internal/snapshot"
	"github.com/keithlinneman/amipub/internal/ssmparam"
	"github.com/keithlinneman/amipub/internal/store"
	v "github.com/keithlinneman/amipub/internal/version"
)

var rootCmd = &cobra.Command{
	Use:           "amipub <command> <config.yaml>",
	Short:         "Publish machine images to EC2 across regions",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if showVersion, _ := cmd.Flags().GetBool("version"); showVersion {
			vi := v.Get()
			fmt.Printf("%s %s (commit=%s, commit_date=%s, build_date=%s, go=%s, dirty=%v)\n",
				vi.AppName, vi.Version, vi.Commit, vi.CommitDate, vi.BuildDate, vi.GoVersion,
				vi.VCSDirty != nil && *vi.VCSDirty,
			)
			return nil
		}
		return cmd.Help()
	},
}

func init() {
	cobra.OnInitialize(initEnv)
	initRootFlags()
	rootCmd.AddCommand(
		newCreateCmd(),
		newListCmd(),
		newVerifyCmd(),
		newPublishCmd(),
		newCleanupCmd(),
	)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initEnv() {
	viper.SetEnvPrefix("AMIPUB")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func bindConfig(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

func initRootFlags() {
	rootCmd.Flags().BoolP("version", "V", false, "print version and build information")

	rootCmd.PersistentFlags().String("config-mapping", "", "mapping file with values for ${...} references in the config")
	rootCmd.PersistentFlags().String("group", "", "process only images that list this group")
	rootCmd.PersistentFlags().String("region", "", "override the bucket/import region")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "log in JSON format")

	bindConfig("config_mapping", rootCmd.PersistentFlags().Lookup("config-mapping"))
	bindConfig("group", rootCmd.PersistentFlags().Lookup("group"))
	bindConfig("region", rootCmd.PersistentFlags().Lookup("region"))
	bindConfig("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	bindConfig("log_json", rootCmd.PersistentFlags().Lookup("log-json"))
}

func newCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <config.yaml>",
		Short: "Upload the source and create snapshots and images in all target regions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pipe, err := buildPipeline(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			result, err := pipe.Create(cmd.Context(), viper.GetString("group"))
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <config.yaml>",
		Short: "Print the image ids that currently exist, without changing anything",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pipe, err := buildPipeline(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			result, err := pipe.List(cmd.Context(), viper.GetString("group"))
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}
}

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <config.yaml>",
		Short: "Compare live images against the configuration and report drift",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pipe, err := buildPipeline(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			problems, err := pipe.Verify(cmd.Context(), viper.GetString("group"))
			if err != nil {
				return err
			}
			if err := printJSON(problems); err != nil {
				return err
			}
			if hasMismatches(problems) {
				return fmt.Errorf("verification found mismatches")
			}
			return nil
		},
	}
}

func newPublishCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "publish <config.yaml>",
		Short: "Make flagged images public, request marketplace versions and send notifications",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pipe, err := buildPipeline(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return pipe.Publish(cmd.Context(), viper.GetString("group"))
		},
	}
}

func newCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup <config.yaml>",
		Short: "Deregister images marked temporary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pipe, err := buildPipeline(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return pipe.Cleanup(cmd.Context(), viper.GetString("group"))
		},
	}
}

// buildPipeline loads the config, resolves the caller identity and wires the
// per-region clients into one pipeline.
func buildPipeline(ctx context.Context, configPath string) (*pipeline.Pipeline, error) {
	logger, err := newLogger()
	if err != nil {
		return nil, err
	}

	conf, err := cfg.Load(configPath, viper.GetString("config_mapping"), viper.GetString("region"))
	if err != nil {
		return nil, err
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	bucketRegion := conf.BucketRegion
	if bucketRegion == "" {
		bucketRegion = awsCfg.Region
	}
	if bucketRegion == "" {
		return nil, fmt.Errorf("no bucket region: set --region, the config mapping or an AWS region default")
	}

	factory := awsx.NewFactory(awsCfg)

	ident, err := awsx.Identity(ctx, factory.STS(bucketRegion))
	if err != nil {
		return nil, err
	}
	logger.Info(ctx, "resolved caller identity",
		"account", ident.Account,
		"partition", ident.Partition,
		"bucket_region", bucketRegion,
	)

	contentStore, err := store.New(store.Options{
		Client: factory.S3(bucketRegion),
		Bucket: conf.Config.S3.BucketName,
		Region: bucketRegion,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	snapshots, err := snapshot.New(snapshot.Options{
		Clients: func(region string) snapshot.EC2API { return factory.EC2(region) },
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}
	images, err := image.New(image.Options{
		Clients:   func(region string) image.EC2API { return factory.EC2(region) },
		Partition: ident.Partition,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	params, err := ssmparam.New(ssmparam.Options{
		Clients: func(region string) ssmparam.SSMAPI { return factory.SSM(region) },
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}
	notifier, err := notify.New(notify.Options{
		Clients:   func(region string) notify.SNSAPI { return factory.SNS(region) },
		Account:   ident.Account,
		Partition: ident.Partition,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	catalog, err := marketplace.New(marketplace.Options{
		Client: factory.Marketplace(),
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	return pipeline.New(pipeline.Options{
		Context:      conf,
		BucketRegion: bucketRegion,
		Store:        contentStore,
		Snapshots:    snapshots,
		Images:       images,
		Params:       params,
		Notify:       notifier,
		Marketplace:  catalog,
		Regions:      awsx.NewRegionResolver(factory.EC2(bucketRegion), logger),
		Logger:       logger,
	})
}

func newLogger() (log.Logger, error) {
	lvl, err := log.ParseLevel(viper.GetString("log_level"))
	if err != nil {
		return nil, err
	}
	vi := v.Get()
	return log.New(log.Options{
		App:        v.AppName,
		Version:    vi.Version,
		Level:      lvl,
		JsonFormat: viper.GetBool("log_json"),
	})
}

func printJSON(val any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(val)
}

func hasMismatches(problems map[string]map[string][]image.Mismatch) bool {
	for _, regions := range problems {
		for _, findings := range regions {
			if len(findings) > 0 {
				return true
			}
		}
	}
	return false
}
