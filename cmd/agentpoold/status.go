package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cuemby/agentpool/pkg/registry"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pool occupancy and per-container state",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")

	reg, err := registry.Open(dataDir)
	if err != nil {
		return err
	}
	defer reg.Close()

	records, err := reg.List()
	if err != nil {
		return err
	}

	warm, active := 0, 0
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSTATUS\tSESSION\tAGENT\tTURNS\tLAST HEARTBEAT")
	for _, rec := range records {
		session := rec.SessionKey
		if session == "" {
			session = "-"
			warm++
		} else {
			active++
		}
		agent := rec.AgentID
		if agent == "" {
			agent = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			rec.Name, rec.Status, session, agent, rec.TurnCount, rec.LastHeartbeat.Format("15:04:05"))
	}
	w.Flush()

	fmt.Printf("\ntotal=%d active=%d warm=%d\n", len(records), active, warm)
	return nil
}
