package cmd

import (
	"fmt"
	"log"

	"github.com/emicklei/dot"
	"github.com/metal-toolbox/provisioner/internal/statemachine"
	"github.com/spf13/cobra"
)

type exportFlags struct {
	mermaid bool
	json    bool
}

var (
	exportFlagSet = &exportFlags{}
)

var cmdExportStatemachine = &cobra.Command{
	Use:   "export-statemachine [--json|--mermaid]",
	Short: "Export the node request statemachine as JSON or a mermaid graph",
	Run: func(_ *cobra.Command, _ []string) {
		exportStatemachine()
	},
}

func exportStatemachine() {
	// the transitioner is not invoked when describing the statemachine
	m := statemachine.NewRequestStateMachine(&statemachine.StoreTransitioner{})

	if exportFlagSet.json {
		j, err := m.DescribeAsJSON()
		if err != nil {
			log.Fatal(err)
		}

		fmt.Println(string(j))

		return
	}

	g, err := m.Graph()
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println(dot.MermaidGraph(g, dot.MermaidTopDown))
}

func init() {
	cmdExportStatemachine.PersistentFlags().BoolVarP(&exportFlagSet.mermaid, "mermaid", "", true, "export statemachine in mermaid format")
	cmdExportStatemachine.PersistentFlags().BoolVarP(&exportFlagSet.json, "json", "", false, "export statemachine in the JSON format")

	rootCmd.AddCommand(cmdExportStatemachine)
}
