package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/apex/log"
	clihandler "github.com/apex/log/handlers/cli"
	"github.com/caarlos0/ctrlc"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	dumper "github.com/ssut/firmware-dumper-go"
	"github.com/ssut/firmware-dumper-go/lp"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "firmware_dumper [flags] <file>...",
	Short:         "Unpack Android firmware images",
	Version:       dumper.Version,
	Args:          cobra.MinimumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	Example: heredoc.Doc(`
		# Unpack a boot image and its ramdisk
		$ firmware_dumper boot.img

		# Rebuild system.img from a block-based OTA
		$ firmware_dumper -o out system.new.dat.br

		# Split the B slot of a super image, only system and vendor
		$ firmware_dumper --slot b -p system,vendor super.img

		# Extract selected partitions from an OTA zip
		$ firmware_dumper -p boot,vendor_boot ota.zip

		# Show how each input would be handled
		$ firmware_dumper --list *.img
	`),
	RunE: run,
}

func init() {
	log.SetHandler(clihandler.Default)

	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/firmware-dumper/config.yaml)")
	rootCmd.PersistentFlags().BoolP("verbose", "V", false, "verbose output")

	rootCmd.Flags().StringP("output", "o", "", "output directory (default is extracted_<timestamp>)")
	rootCmd.Flags().IntP("concurrency", "c", 0, "number of inputs processed at once (default is the number of CPUs)")
	rootCmd.Flags().StringSliceP("partitions", "p", nil, "only extract these partitions (comma-separated)")
	rootCmd.Flags().String("slot", "a", "A/B slot to extract from super images (a or b)")
	rootCmd.Flags().Bool("no-progress", false, "disable progress bars")
	rootCmd.Flags().Bool("skip-verify", false, "skip payload partition hash checks")
	rootCmd.Flags().BoolP("list", "l", false, "only print how each input would be handled")

	for _, name := range []string{"verbose", "output", "concurrency", "partitions", "slot", "no-progress", "skip-verify"} {
		f := rootCmd.Flags().Lookup(name)
		if f == nil {
			f = rootCmd.PersistentFlags().Lookup(name)
		}
		viper.BindPFlag(name, f)
	}

	rootCmd.CompletionOptions.HiddenDefaultCmd = true
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(filepath.Join(home, ".config", "firmware-dumper"))
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("fwdump")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		log.WithField("file", viper.ConfigFileUsed()).Debug("Using config file")
	}
}

func run(cmd *cobra.Command, args []string) error {
	if viper.GetBool("verbose") {
		log.SetLevel(log.DebugLevel)
	}

	for _, name := range args {
		if _, err := os.Stat(name); err != nil {
			return fmt.Errorf("failed to stat input: %w", err)
		}
	}

	if list, _ := cmd.Flags().GetBool("list"); list {
		return listInputs(args)
	}

	slot, err := lp.ParseSlotPolicy(viper.GetString("slot"))
	if err != nil {
		return err
	}
	output := viper.GetString("output")
	if output == "" {
		output = defaultOutput()
	}

	d := dumper.New(dumper.Config{
		Output:      output,
		Concurrency: viper.GetInt("concurrency"),
		Partitions:  viper.GetStringSlice("partitions"),
		Slot:        slot,
		Progress:    !viper.GetBool("no-progress") && term.IsTerminal(int(os.Stdout.Fd())),
		SkipVerify:  viper.GetBool("skip-verify"),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		m      *dumper.Manifest
		runErr error
		done   = make(chan struct{})
	)
	if err := ctrlc.Default.Run(ctx, func() error {
		defer close(done)
		m, runErr = d.Run(ctx, args)
		return runErr
	}); err != nil {
		if !errors.As(err, &ctrlc.ErrorCtrlC{}) {
			return summarize(m, output, err)
		}
		log.Warn("Exiting...")
		// let in-flight tasks drop their temp files and the manifest get written
		cancel()
		<-done
		return summarize(m, output, runErr)
	}
	return summarize(m, output, nil)
}

func summarize(m *dumper.Manifest, output string, err error) error {
	if m != nil {
		log.WithFields(log.Fields{
			"produced": len(m.Produced),
			"errors":   len(m.Errors),
			"manifest": filepath.Join(output, dumper.ManifestName),
		}).Info("Done")
		for _, fe := range m.Errors {
			ctx := log.WithFields(log.Fields{"file": fe.Path, "kind": fe.Kind})
			if fe.Fatal {
				ctx.Error(fe.Message)
			} else {
				ctx.Warn(fe.Message)
			}
		}
	}
	return err
}

func listInputs(args []string) error {
	for _, name := range args {
		route, err := dumper.Detect(name)
		ctx := log.WithFields(log.Fields{"file": name, "route": route})
		if err != nil {
			ctx.WithError(err).Warn("Detected")
			continue
		}
		ctx.Info("Detected")
	}
	return nil
}

func defaultOutput() string {
	now := time.Now()
	return fmt.Sprintf("extracted_%d%02d%02d_%02d%02d%02d",
		now.Year(), now.Month(), now.Day(),
		now.Hour(), now.Minute(), now.Second())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}
}
