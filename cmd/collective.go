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
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/notargets/pstream/transport"
	"github.com/notargets/pstream/utils"
)

// CollectiveCmd represents the collective command
var CollectiveCmd = &cobra.Command{
	Use:   "collective",
	Short: "Run the messaging layers on a group of in-process workers",
	Long: `
Starts NumProcs workers as goroutines joined by an in-process fabric and runs
every collective and exchange once on each, checking the results.

pstream collective -n 8 -I run.yaml`,
	Run: func(cmd *cobra.Command, args []string) {
		rp, err := loadParameters()
		exitOnError("collective", err)
		if cmd.Flags().Changed("np") {
			rp.NumProcs, _ = cmd.Flags().GetInt("np")
		}
		rp.Transport = "inproc"
		exitOnError("collective", rp.Validate())
		rp.Print()
		errs := transport.RunWorld(rp.NumProcs, registryOptions(rp), func(r *transport.Registry) error {
			return runExercise(r, rp)
		})
		exitOnError("collective", rootCauses(errs)...)
	},
}

func init() {
	rootCmd.AddCommand(CollectiveCmd)
	CollectiveCmd.Flags().IntP("np", "n", 4, "number of workers")
}

// rootCauses drops the errors of workers that only saw the group torn down
// by another's failure.
func rootCauses(errs []error) []error {
	out := make([]error, len(errs))
	var found bool
	for rank, err := range errs {
		if err != nil && !errors.Is(err, utils.ErrAborted) {
			out[rank], found = err, true
		}
	}
	if !found {
		return errs
	}
	return out
}
