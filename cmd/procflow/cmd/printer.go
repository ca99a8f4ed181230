package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Printer 负责按用户选择的格式输出结果。
// 支持 table（默认）、json、yaml 三种格式。
type Printer struct {
	format string    // 输出格式
	writer io.Writer // 输出目标
}

// NewPrinter 创建输出器，格式从 viper 配置（--output 标志）读取。
func NewPrinter() *Printer {
	format := viper.GetString("output")
	if format == "" {
		format = "table"
	}
	return &Printer{
		format: format,
		writer: os.Stdout,
	}
}

func (p *Printer) printJSON(v interface{}) error {
	enc := json.NewEncoder(p.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (p *Printer) printYAML(v interface{}) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	_, err = p.writer.Write(data)
	return err
}

// PrintProcesses 输出流程程序列表。
func (p *Printer) PrintProcesses(processes []Process) error {
	switch p.format {
	case "json":
		return p.printJSON(processes)
	case "yaml":
		return p.printYAML(processes)
	default:
		w := tabwriter.NewWriter(p.writer, 0, 8, 2, ' ', 0)
		fmt.Fprintln(w, "PROCESS KEY\tVERSION\tDEPLOYED AT")
		for _, proc := range processes {
			fmt.Fprintf(w, "%s\t%s\t%s\n",
				proc.ProcessKey,
				shortVersion(proc.BytecodeVersion),
				proc.DeployedAt.Format(time.RFC3339),
			)
		}
		return w.Flush()
	}
}

// PrintInstances 输出实例列表。
func (p *Printer) PrintInstances(instances []Instance) error {
	switch p.format {
	case "json":
		return p.printJSON(instances)
	case "yaml":
		return p.printYAML(instances)
	default:
		w := tabwriter.NewWriter(p.writer, 0, 8, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tPROCESS\tSTATE\tVERSION\tCREATED AT")
		for _, inst := range instances {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				inst.ID,
				inst.ProcessKey,
				inst.State,
				shortVersion(inst.BytecodeVersion),
				inst.CreatedAt.Format(time.RFC3339),
			)
		}
		return w.Flush()
	}
}

// PrintInstance 输出单个实例详情。
func (p *Printer) PrintInstance(inst *Instance) error {
	switch p.format {
	case "json":
		return p.printJSON(inst)
	case "yaml":
		return p.printYAML(inst)
	default:
		w := tabwriter.NewWriter(p.writer, 0, 8, 2, ' ', 0)
		fmt.Fprintf(w, "ID:\t%s\n", inst.ID)
		fmt.Fprintf(w, "Process:\t%s\n", inst.ProcessKey)
		fmt.Fprintf(w, "Version:\t%s\n", inst.BytecodeVersion)
		fmt.Fprintf(w, "State:\t%s\n", inst.State)
		if inst.CancelReason != "" {
			fmt.Fprintf(w, "Cancel reason:\t%s\n", inst.CancelReason)
		}
		if inst.CorrelationID != "" {
			fmt.Fprintf(w, "Correlation ID:\t%s\n", inst.CorrelationID)
		}
		fmt.Fprintf(w, "Payload hash:\t%s\n", inst.PayloadHash)
		fmt.Fprintf(w, "Created at:\t%s\n", inst.CreatedAt.Format(time.RFC3339))
		if inst.CompletedAt != nil {
			fmt.Fprintf(w, "Completed at:\t%s\n", inst.CompletedAt.Format(time.RFC3339))
		}
		return w.Flush()
	}
}

// PrintInspect 输出实例检视快照。
func (p *Printer) PrintInspect(result *InspectResult) error {
	switch p.format {
	case "json":
		return p.printJSON(result)
	case "yaml":
		return p.printYAML(result)
	default:
		fmt.Fprintf(p.writer, "State: %s\n", result.State)
		if result.CancelReason != "" {
			fmt.Fprintf(p.writer, "Cancel reason: %s\n", result.CancelReason)
		}
		fmt.Fprintf(p.writer, "Version: %s\n", result.BytecodeVersion)
		fmt.Fprintf(p.writer, "Payload hash: %s\n", result.PayloadHash)

		if len(result.Fibers) > 0 {
			fmt.Fprintln(p.writer, "\nFibers:")
			w := tabwriter.NewWriter(p.writer, 0, 8, 2, ' ', 0)
			fmt.Fprintln(w, "  FIBER\tPC\tNODE\tWAIT")
			for _, f := range result.Fibers {
				wait := "-"
				if f.Wait != nil {
					wait = fmt.Sprintf("%s (%s)", f.Wait.Type, f.Wait.Detail)
				}
				fmt.Fprintf(w, "  %d\t%d\t%s\t%s\n", f.FiberID, f.PC, f.NodeID, wait)
			}
			if err := w.Flush(); err != nil {
				return err
			}
		}

		if len(result.Incidents) > 0 {
			fmt.Fprintln(p.writer, "\nOpen incidents:")
			for _, inc := range result.Incidents {
				fmt.Fprintf(p.writer, "  %s  task=%s  %s\n", inc.ID, inc.ServiceTaskID, inc.Message)
			}
		}
		return nil
	}
}

// PrintEvents 输出事件列表。
func (p *Printer) PrintEvents(events []Event) error {
	switch p.format {
	case "json":
		return p.printJSON(events)
	case "yaml":
		return p.printYAML(events)
	default:
		w := tabwriter.NewWriter(p.writer, 0, 8, 2, ' ', 0)
		fmt.Fprintln(w, "SEQ\tTYPE\tTIMESTAMP\tPAYLOAD")
		for _, ev := range events {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\n",
				ev.Seq,
				ev.Type,
				ev.Timestamp.Format(time.RFC3339),
				truncate(string(ev.Payload), 60),
			)
		}
		return w.Flush()
	}
}

// PrintEvent 输出单条事件（跟随模式下逐条打印）。
func (p *Printer) PrintEvent(ev *Event) error {
	switch p.format {
	case "json":
		return p.printJSON(ev)
	case "yaml":
		return p.printYAML(ev)
	default:
		_, err := fmt.Fprintf(p.writer, "%d\t%s\t%s\t%s\n",
			ev.Seq,
			ev.Type,
			ev.Timestamp.Format(time.RFC3339),
			truncate(string(ev.Payload), 60),
		)
		return err
	}
}

// PrintIncidents 输出故障单列表。
func (p *Printer) PrintIncidents(incidents []Incident) error {
	switch p.format {
	case "json":
		return p.printJSON(incidents)
	case "yaml":
		return p.printYAML(incidents)
	default:
		w := tabwriter.NewWriter(p.writer, 0, 8, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tINSTANCE\tTASK\tMESSAGE\tCREATED AT")
		for _, inc := range incidents {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				inc.ID,
				inc.InstanceID,
				inc.ServiceTaskID,
				truncate(inc.Message, 50),
				inc.CreatedAt.Format(time.RFC3339),
			)
		}
		return w.Flush()
	}
}

// PrintJobs 输出任务列表。
func (p *Printer) PrintJobs(jobs []Job) error {
	switch p.format {
	case "json":
		return p.printJSON(jobs)
	case "yaml":
		return p.printYAML(jobs)
	default:
		w := tabwriter.NewWriter(p.writer, 0, 8, 2, ' ', 0)
		fmt.Fprintln(w, "JOB KEY\tINSTANCE\tTYPE\tTASK\tRETRIES")
		for _, job := range jobs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n",
				job.JobKey,
				job.InstanceID,
				job.TaskType,
				job.ServiceTaskID,
				job.RetriesRemaining,
			)
		}
		return w.Flush()
	}
}

// PrintCompileResult 输出编译/部署结果。
func (p *Printer) PrintCompileResult(result *CompileResult) error {
	switch p.format {
	case "json":
		return p.printJSON(result)
	case "yaml":
		return p.printYAML(result)
	default:
		fmt.Fprintf(p.writer, "Bytecode version: %s\n", result.BytecodeVersion)
		for _, d := range result.Diagnostics {
			if d.ElementID != "" {
				fmt.Fprintf(p.writer, "  %s: %s (%s)\n", d.Severity, d.Message, d.ElementID)
			} else {
				fmt.Fprintf(p.writer, "  %s: %s\n", d.Severity, d.Message)
			}
		}
		return nil
	}
}

func shortVersion(version string) string {
	if len(version) > 12 {
		return version[:12]
	}
	return version
}

func truncate(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > max {
		return s[:max-3] + "..."
	}
	return s
}
