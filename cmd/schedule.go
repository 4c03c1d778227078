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

	"github.com/spf13/cobra"

	"github.com/notargets/pstream/schedule"
	"github.com/notargets/pstream/transport"
)

// ScheduleCmd represents the schedule command
var ScheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Print and verify the communication schedule for a number of workers",
	Long: `
Prints the linear or tree schedule the collectives follow for a worker count,
one line per rank, and checks its structural invariants.

pstream schedule -n 12 --tree --fanOut 3`,
	Run: func(cmd *cobra.Command, args []string) {
		n, _ := cmd.Flags().GetInt("np")
		tree, _ := cmd.Flags().GetBool("tree")
		fanOut, _ := cmd.Flags().GetInt("fanOut")
		s := buildSchedule(n, tree, fanOut)
		fmt.Print(s.String())
		fmt.Printf("depth %d\n", s.Depth())
		exitOnError("schedule", schedule.Verify(s))
	},
}

func init() {
	rootCmd.AddCommand(ScheduleCmd)
	ScheduleCmd.Flags().IntP("np", "n", 4, "number of workers")
	ScheduleCmd.Flags().BoolP("tree", "t", false, "print the tree schedule instead of the linear one")
	ScheduleCmd.Flags().Int("fanOut", transport.DefaultTreeFanOut, "children per tree node")
}

func buildSchedule(n int, tree bool, fanOut int) schedule.Schedule {
	if tree {
		return schedule.Tree(n, fanOut)
	}
	return schedule.Linear(n)
}
