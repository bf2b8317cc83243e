/*
Copyright © 2025 the BurnSched authors.
This file is part of BurnSched.

BurnSched is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

BurnSched is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with BurnSched.  If not, see <http://www.gnu.org/licenses/>.
*/

// Package burnschedutil holds the burnsched command-line interface.
package burnschedutil

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lnashier/viper"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/burnmodel/burnsched"
)

// Cfg holds configuration information.
var Cfg *viper.Viper

var options []struct {
	name, usage, shorthand string
	defaultVal             interface{}
	flagsets               []*pflag.FlagSet
}

func init() {
	// Options are the configuration options available to burnsched.
	options = []struct {
		name, usage, shorthand string
		defaultVal             interface{}
		flagsets               []*pflag.FlagSet
	}{
		{
			name: "config",
			usage: `
              config specifies the configuration file location.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "LogLevel",
			usage: `
              LogLevel sets the logging verbosity: debug, info, warn, or error.`,
			defaultVal: "info",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "LogJSON",
			usage: `
              LogJSON switches log output to JSON, for ingestion by a log
              collector.`,
			defaultVal: false,
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "RequestsFile",
			usage: `
              RequestsFile is the path of a JSON file holding the day's burn
              requests as an array of request objects.`,
			shorthand:  "r",
			defaultVal: "requests.json",
			flagsets:   []*pflag.FlagSet{runCmd.Flags(), predictCmd.Flags(), optimizeCmd.Flags()},
		},
		{
			name: "Date",
			usage: `
              Date is the scheduling date in YYYY-MM-DD form. Empty means the
              earliest burn date found in the requests file.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{runCmd.Flags(), optimizeCmd.Flags()},
		},
		{
			name: "Seed",
			usage: `
              Seed drives the schedule optimizer's random source. Runs with
              equal seeds and inputs produce identical schedules.`,
			defaultVal: 1,
			flagsets:   []*pflag.FlagSet{runCmd.Flags(), optimizeCmd.Flags()},
		},
		{
			name: "MaxIter",
			usage: `
              MaxIter caps the optimizer's annealing iterations. Zero keeps
              the default.`,
			defaultVal: 0,
			flagsets:   []*pflag.FlagSet{runCmd.Flags(), optimizeCmd.Flags()},
		},
		{
			name: "RequestID",
			usage: `
              RequestID restricts prediction to a single burn request. Zero
              predicts every request in the file.`,
			defaultVal: 0,
			flagsets:   []*pflag.FlagSet{predictCmd.Flags()},
		},
		{
			name: "Workers",
			usage: `
              Workers bounds the per-request stage parallelism. Zero means
              min(16, GOMAXPROCS).`,
			defaultVal: 0,
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "WeatherFile",
			usage: `
              WeatherFile is the path of a JSON file holding a current weather
              sample and 3-hourly forecast, used in place of a live provider.
              Empty uses a built-in clear-sky sample.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{runCmd.Flags(), predictCmd.Flags(), optimizeCmd.Flags()},
		},
		{
			name: "FuelsFile",
			usage: `
              FuelsFile is the path of a TOML file overriding per-crop fuel
              loads, emission factors, and heat contents.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{runCmd.Flags(), predictCmd.Flags()},
		},
		{
			name: "FallbackLat",
			usage: `
              FallbackLat is the latitude substituted for requests with
              degenerate field geometry.`,
			defaultVal: 38.5,
			flagsets:   []*pflag.FlagSet{runCmd.Flags(), predictCmd.Flags()},
		},
		{
			name: "FallbackLon",
			usage: `
              FallbackLon is the longitude substituted for requests with
              degenerate field geometry.`,
			defaultVal: -121.5,
			flagsets:   []*pflag.FlagSet{runCmd.Flags(), predictCmd.Flags()},
		},
		{
			name: "PostgresURL",
			usage: `
              PostgresURL is the PostgreSQL connection URL used to persist
              schedules and feature vectors. Empty disables persistence.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "DispatchAlerts",
			usage: `
              DispatchAlerts sends schedule alerts after optimization. The
              built-in transport logs deliveries rather than contacting a
              provider.`,
			defaultVal: false,
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "AlertAddresses",
			usage: `
              AlertAddresses maps farm IDs to push delivery addresses,
              overriding the generated defaults. On the command line it is
              given as a JSON object.`,
			defaultVal: map[string]string{},
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "OutputFile",
			usage: `
              OutputFile is where the JSON result is written. Empty writes to
              standard output.`,
			shorthand:  "o",
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{runCmd.Flags(), predictCmd.Flags(), optimizeCmd.Flags()},
		},
	}

	Cfg = viper.New()

	// Set the prefix for configuration environment variables.
	Cfg.SetEnvPrefix("BURNSCHED")

	for _, option := range options {
		for i, set := range option.flagsets {
			if i != 0 { // We don't want to create the same flag twice.
				set.AddFlag(option.flagsets[0].Lookup(option.name))
				continue
			}
			switch option.defaultVal.(type) {
			case string:
				if option.shorthand == "" {
					set.String(option.name, option.defaultVal.(string), option.usage)
				} else {
					set.StringP(option.name, option.shorthand, option.defaultVal.(string), option.usage)
				}
			case bool:
				if option.shorthand == "" {
					set.Bool(option.name, option.defaultVal.(bool), option.usage)
				} else {
					set.BoolP(option.name, option.shorthand, option.defaultVal.(bool), option.usage)
				}
			case int:
				if option.shorthand == "" {
					set.Int(option.name, option.defaultVal.(int), option.usage)
				} else {
					set.IntP(option.name, option.shorthand, option.defaultVal.(int), option.usage)
				}
			case float64:
				if option.shorthand == "" {
					set.Float64(option.name, option.defaultVal.(float64), option.usage)
				} else {
					set.Float64P(option.name, option.shorthand, option.defaultVal.(float64), option.usage)
				}
			case map[string]string:
				b := bytes.NewBuffer(nil)
				e := json.NewEncoder(b)
				e.Encode(option.defaultVal)
				s := string(b.Bytes())
				if option.shorthand == "" {
					set.String(option.name, s, option.usage)
				} else {
					set.StringP(option.name, option.shorthand, s, option.usage)
				}
			default:
				panic("invalid argument type")
			}
			Cfg.BindPFlag(option.name, set.Lookup(option.name))
		}
	}
}

func init() {
	// Link the commands together.
	Root.AddCommand(versionCmd)
	Root.AddCommand(runCmd)
	Root.AddCommand(predictCmd)
	Root.AddCommand(optimizeCmd)
}

// setConfig finds and reads in the configuration file, if there is one.
func setConfig() error {
	if cfgpath := Cfg.GetString("config"); cfgpath != "" {
		Cfg.SetConfigFile(cfgpath)
		if err := Cfg.ReadInConfig(); err != nil {
			return fmt.Errorf("burnsched: problem reading configuration file: %v", err)
		}
	}
	initLog(Cfg.GetString("LogLevel"), Cfg.GetBool("LogJSON"))
	return nil
}

// Root is the main command.
var Root = &cobra.Command{
	Use:   "burnsched",
	Short: "An agricultural burn scheduling coordinator.",
	Long: `burnsched coordinates agricultural field burns for a scheduling day:
it validates burn requests, analyzes weather, predicts smoke dispersion,
optimizes the daily schedule, and dispatches alerts.

Configuration can be changed by using a configuration file (and providing the
path to the file using the --config flag), by using command-line arguments,
or by setting environment variables in the format 'BURNSCHED_var' where 'var'
is the name of the variable to be set.`,
	DisableAutoGenTag: true,
	PersistentPreRunE: func(*cobra.Command, []string) error { return setConfig() },
	SilenceUsage:      true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Long:  "version prints the version number of this version of burnsched.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("burnsched v%s\n", burnsched.Version)
	},
	DisableAutoGenTag: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full coordination pipeline.",
	Long: `run executes the five-stage pipeline over the requests file:
validation, weather analysis, smoke prediction, schedule optimization, and
alert dispatch. The result, including the schedule and any per-request
warnings, is written as JSON.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunBatch(cmd.Context(), Cfg)
	},
	DisableAutoGenTag: true,
}

var predictCmd = &cobra.Command{
	Use:   "predict",
	Short: "Predict smoke dispersion for each request.",
	Long: `predict validates the requests file and runs the Gaussian plume
smoke model for each request against the configured weather, without
scheduling. Useful for reviewing plume footprints before a run.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunPredict(cmd.Context(), Cfg)
	},
	DisableAutoGenTag: true,
}

var optimizeCmd = &cobra.Command{
	Use:   "optimize",
	Short: "Optimize the daily schedule only.",
	Long: `optimize validates the requests file and runs the simulated
annealing schedule optimizer with uniform weather suitability, skipping the
smoke model. Useful for comparing annealing parameters.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunOptimize(cmd.Context(), Cfg)
	},
	DisableAutoGenTag: true,
}

// ExitCode maps a pipeline error to the process exit code: 0 success,
// 2 invalid input, 3 external service unavailable, 4 cancelled,
// 1 anything else.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, burnsched.ErrInvalidInput):
		return 2
	case errors.Is(err, burnsched.ErrExternalUnavailable):
		return 3
	case errors.Is(err, burnsched.ErrCancelled):
		return 4
	default:
		return 1
	}
}
