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
	"github.com/spf13/cobra"

	"github.com/notargets/pstream/transport"
)

// WorkerCmd represents the worker command
var WorkerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run one worker of a group connected over TCP",
	Long: `
Joins the group listed under Addresses in the input parameters, one process
per address, and runs every collective and exchange once. Start one process
per address; ranks follow the sorted address list.

pstream worker -I run.yaml --addr localhost:7001`,
	Run: func(cmd *cobra.Command, args []string) {
		rp, err := loadParameters()
		exitOnError("worker", err)
		rp.Transport = "tcp"
		if addrs, _ := cmd.Flags().GetStringSlice("addrs"); len(addrs) != 0 {
			rp.Addresses = addrs
		}
		exitOnError("worker", rp.Validate())
		addr, _ := cmd.Flags().GetString("addr")

		nw := &transport.Network{
			Addr:     addr,
			Addrs:    rp.Addresses,
			Timeout:  rp.Timeout(),
			Password: rp.Password,
			Logger:   &logger,
		}
		exitOnError("worker init", nw.Init())
		reg := transport.NewRegistry(nw, registryOptions(rp))
		defer reg.Close()
		if err = runExercise(reg, rp); err != nil {
			reg.Fatal("worker", err, map[string]any{"addr": addr})
		}
	},
}

func init() {
	rootCmd.AddCommand(WorkerCmd)
	WorkerCmd.Flags().StringP("addr", "a", "", "address of this worker, one of the group's addresses")
	WorkerCmd.Flags().StringSlice("addrs", nil, "addresses of every worker, overriding the input parameters")
}
