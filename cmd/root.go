/*
Copyright © 2020 NAME HERE <EMAIL ADDRESS>

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cmd

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/pkg/profile"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/notargets/pstream/InputParameters"
	"github.com/notargets/pstream/transport"
	"github.com/notargets/pstream/utils"
)

var (
	cfgFile string
	logger  = utils.NewLogger("info", os.Stderr)
	prof    interface{ Stop() }
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "pstream",
	Short: "Parallel communication and domain decomposition for finite volume solvers",
	Long: `
Runs groups of cooperating workers that exchange typed messages point to point
and through scheduled collectives, and partitions distributed mesh graphs
across them.

pstream schedule -n 12 --tree
pstream collective -I run.yaml
pstream worker -I run.yaml --addr localhost:7001
pstream decompose --nx 64 --ny 64 -n 8`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger = utils.NewLogger(viper.GetString("log-level"), os.Stderr)
		if viper.GetBool("profile") {
			prof = profile.Start(profile.CPUProfile, profile.ProfilePath("."), profile.NoShutdownHook)
		}
		if addr := viper.GetString("metrics-addr"); addr != "" {
			serveMetrics(addr)
		}
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if prof != nil {
			prof.Stop()
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.pstream.yaml)")
	pf.String("log-level", "info", "log level: trace, debug, info, warn, error")
	pf.Bool("profile", false, "write a CPU profile to the current directory")
	pf.String("metrics-addr", "", "serve prometheus metrics on this address, e.g. :9090")
	pf.StringP("inputParameters", "I", "", "YAML file of run parameters, like:"+InputParameters.Example)
	for _, name := range []string{"log-level", "profile", "metrics-addr", "inputParameters"} {
		if err := viper.BindPFlag(name, pf.Lookup(name)); err != nil {
			panic(err)
		}
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory.
		home, err := homedir.Dir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
		// Search config in home directory with name ".pstream" (without extension).
		viper.AddConfigPath(home)
		viper.SetConfigName(".pstream")
	}

	viper.SetEnvPrefix("PSTREAM")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error().Err(err).Str("addr", addr).Msg("metrics server stopped")
		}
	}()
	logger.Info().Str("addr", addr).Msg("serving metrics")
}

// loadParameters starts from the defaults and overlays the input file, if
// one was given.
func loadParameters() (rp *InputParameters.RunParameters, err error) {
	rp = InputParameters.Defaults()
	if file := viper.GetString("inputParameters"); file != "" {
		var data []byte
		if data, err = os.ReadFile(file); err != nil {
			return nil, errors.Wrap(err, "input parameters")
		}
		if err = rp.Parse(data); err != nil {
			return nil, errors.Wrapf(err, "input parameters %s", file)
		}
	}
	return rp, nil
}

func registryOptions(rp *InputParameters.RunParameters) transport.Options {
	return transport.Options{
		NProcsSimpleSum: rp.NProcsSimpleSum,
		TreeFanOut:      rp.TreeFanOut,
		HaveThreads:     rp.HaveThreads,
		Logger:          &logger,
	}
}

// exitOnError logs err and exits. Errors from a worker group carry one
// entry per rank.
func exitOnError(op string, errs ...error) {
	var failed bool
	for rank, err := range errs {
		if err == nil {
			continue
		}
		failed = true
		ev := logger.WithLevel(zerolog.FatalLevel).Str("op", op).Err(err)
		if len(errs) > 1 {
			ev = ev.Int("rank", rank)
		}
		ev.Msg("failed")
	}
	if failed {
		utils.Exit(1)
	}
}
