// 本文件实现 incident 命令，用于查询与恢复故障单。
package cmd

import (
	"github.com/spf13/cobra"
)

// incidentCmd 是 incident 命令的 cobra.Command 实例。
var incidentCmd = &cobra.Command{
	Use:     "incident",
	Aliases: []string{"incidents"},
	Short:   "Manage incidents",
}

// incidentListCmd 查询未决故障单。
var incidentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List open incidents",
	RunE:  runIncidentList,
}

// incidentResolveCmd 恢复故障单，重新创建任务并恢复实例执行。
var incidentResolveCmd = &cobra.Command{
	Use:   "resolve <incident-id>",
	Short: "Resolve an incident and resume the instance",
	Long: `Resolve an open incident.

Resolving re-creates the failed job with a fresh retry budget and
moves the stalled fiber back into a job wait. After a worker completes
the new job the instance resumes normally.`,
	Args: cobra.ExactArgs(1),
	RunE: runIncidentResolve,
}

var incidentInstanceID string

func init() {
	rootCmd.AddCommand(incidentCmd)
	incidentCmd.AddCommand(incidentListCmd)
	incidentCmd.AddCommand(incidentResolveCmd)

	incidentListCmd.Flags().StringVarP(&incidentInstanceID, "instance", "i", "", "Filter by instance ID")
}

func runIncidentList(cmd *cobra.Command, args []string) error {
	incidents, err := NewClient().ListIncidents(incidentInstanceID)
	if err != nil {
		return err
	}
	if len(incidents) == 0 {
		cmd.Println("No open incidents.")
		return nil
	}
	return NewPrinter().PrintIncidents(incidents)
}

func runIncidentResolve(cmd *cobra.Command, args []string) error {
	job, err := NewClient().ResolveIncident(args[0])
	if err != nil {
		return err
	}

	cmd.Printf("✅ Incident '%s' resolved.\n", args[0])
	if job != nil {
		cmd.Printf("New job created: %s (type=%s)\n", job.JobKey, job.TaskType)
	}
	return nil
}
