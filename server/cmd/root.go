package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-shellwords"
	"github.com/ponyo877/chatrelay/server/config"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:           "chatrelay",
	Short:         "Real-time chat relay server",
	Long:          `chatrelay relays chat rooms over WebSocket and gRPC and keeps room history.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the command line once, or enters interactive mode when no
// arguments were given.
func Execute() {
	if len(os.Args) > 1 {
		if err := rootCmd.Execute(); err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(1)
		}
		return
	}

	if err := repl(os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// repl reads one command per line until exit or EOF. A failing command is
// reported and the loop goes on.
func repl(in io.Reader, out io.Writer) error {
	fmt.Fprintln(out, "entering interactive mode, type 'exit' to quit")
	reader := bufio.NewReader(in)
	for {
		fmt.Fprint(out, "❯❯❯ ")
		line, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		eof := errors.Is(err, io.EOF)

		line = strings.TrimSpace(line)
		if line == "exit" || line == "quit" {
			return nil
		}
		if line != "" {
			args, perr := shellwords.Parse(line)
			if perr != nil {
				fmt.Fprintln(out, "Error:", perr)
			} else {
				resetFlags(rootCmd)
				rootCmd.SetArgs(args)
				if cerr := rootCmd.Execute(); cerr != nil {
					fmt.Fprintln(out, "Error:", cerr)
				}
			}
		}
		if eof {
			return nil
		}
	}
}

// resetFlags puts every flag of cmd and its subcommands back to its default.
// cobra keeps parsed values between Execute calls.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			var values []string
			if def := strings.Trim(f.DefValue, "[]"); def != "" {
				values = strings.Split(def, ",")
			}
			sv.Replace(values)
		} else {
			f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.chatrelay.yaml)")
	rootCmd.PersistentFlags().String("store-driver", config.DriverSQLite, "history store: sqlite, badger or memory")
	rootCmd.PersistentFlags().String("store-path", "./chatrelay.db", "history store location")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn or error")
	rootCmd.PersistentFlags().String("log-format", "text", "log format: text or json")

	viper.BindPFlag(config.StoreDriverKey, rootCmd.PersistentFlags().Lookup("store-driver"))
	viper.BindPFlag(config.StorePathKey, rootCmd.PersistentFlags().Lookup("store-path"))
	viper.BindPFlag(config.LogLevelKey, rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag(config.LogFormatKey, rootCmd.PersistentFlags().Lookup("log-format"))
	config.SetDefaults(viper.GetViper())
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		// Search config in home directory with name ".chatrelay" (without extension).
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".chatrelay")
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			fmt.Fprintln(os.Stderr, "Error reading config file:", err)
		}
	}
}

// loadConfig decodes the merged flags, environment, file and defaults.
func loadConfig() (config.Config, error) {
	return config.Load(viper.GetViper())
}
