// 本文件实现 worker 命令，提供一个内置的任务执行 worker。
//
// worker 通过长轮询循环拉取指定类型的任务，将任务 payload 交给
// --exec 指定的外部命令处理（payload 写入 stdin，stdout 作为新
// payload），并用拉取时刻的摘要作为 CAS 令牌完成任务。外部命令
// 退出码非零时按 --error-class 上报失败。
package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// workerCmd 是 worker 命令的 cobra.Command 实例。
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a job worker",
	Long: `Run a long-polling job worker.

Examples:
  # Echo worker: completes jobs with the unchanged payload
  procflow worker --types charge,refund

  # Pipe each job payload through an external command
  procflow worker --types charge --exec ./charge.sh

The external command receives the job payload on stdin and must write
the new payload to stdout. A non-zero exit reports the job as failed
with the configured error class.`,
	RunE: runWorker,
}

var (
	workerTypes      []string
	workerMaxJobs    int
	workerTimeout    time.Duration
	workerExec       string
	workerID         string
	workerErrorClass string
)

func init() {
	rootCmd.AddCommand(workerCmd)

	workerCmd.Flags().StringSliceVarP(&workerTypes, "types", "t", nil, "Task types to poll for (required)")
	workerCmd.Flags().IntVar(&workerMaxJobs, "max-jobs", 10, "Maximum jobs per poll")
	workerCmd.Flags().DurationVar(&workerTimeout, "timeout", 30*time.Second, "Long-poll timeout per request")
	workerCmd.Flags().StringVarP(&workerExec, "exec", "e", "", "External command to handle each job")
	workerCmd.Flags().StringVar(&workerID, "worker-id", "", "Worker identifier (default: generated)")
	workerCmd.Flags().StringVar(&workerErrorClass, "error-class", "transient", "Error class reported on handler failure")
	_ = workerCmd.MarkFlagRequired("types")
}

func runWorker(cmd *cobra.Command, args []string) error {
	if workerID == "" {
		workerID = "procflow-worker-" + uuid.NewString()[:8]
	}

	client := NewClient()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Worker '%s' polling for types [%s] (Ctrl+C to stop)...\n",
		workerID, strings.Join(workerTypes, ", "))

	for {
		if ctx.Err() != nil {
			fmt.Println("Worker stopped.")
			return nil
		}

		jobs, err := client.ActivateJobs(workerTypes, workerMaxJobs, workerTimeout, workerID)
		if err != nil {
			if ctx.Err() != nil {
				fmt.Println("Worker stopped.")
				return nil
			}
			fmt.Fprintf(os.Stderr, "poll failed: %v\n", err)
			select {
			case <-ctx.Done():
			case <-time.After(2 * time.Second):
			}
			continue
		}

		for _, job := range jobs {
			handleJob(client, &job)
		}
	}
}

// handleJob 执行单个任务并上报结果。
// 完成时以激活时刻的摘要为 CAS 令牌；摘要过期（实例 payload 已被
// 并发分支推进）时任务会在下次轮询中重新出现，此处只记录冲突。
func handleJob(client *Client, job *Job) {
	newPayload, err := executeHandler(job)
	if err != nil {
		fmt.Fprintf(os.Stderr, "job %s handler failed: %v\n", job.JobKey, err)
		if failErr := client.FailJob(job.JobKey, workerErrorClass, err.Error(), 0); failErr != nil {
			fmt.Fprintf(os.Stderr, "job %s fail report error: %v\n", job.JobKey, failErr)
		}
		return
	}

	if err := client.CompleteJob(job.JobKey, newPayload, job.PayloadHash, nil); err != nil {
		fmt.Fprintf(os.Stderr, "job %s complete error: %v\n", job.JobKey, err)
		return
	}
	fmt.Printf("✅ Completed job %s (type=%s instance=%s)\n", job.JobKey, job.TaskType, job.InstanceID)
}

// executeHandler 运行任务处理逻辑并返回新 payload。
// 未配置 --exec 时原样返回 payload（echo 语义）。
func executeHandler(job *Job) (string, error) {
	if workerExec == "" {
		return job.Payload, nil
	}

	cmd := exec.Command(workerExec)
	cmd.Stdin = strings.NewReader(job.Payload)
	cmd.Env = append(os.Environ(),
		"PROCFLOW_JOB_KEY="+job.JobKey,
		"PROCFLOW_TASK_TYPE="+job.TaskType,
		"PROCFLOW_INSTANCE_ID="+job.InstanceID,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("%s", msg)
	}

	newPayload := strings.TrimSpace(stdout.String())
	if newPayload == "" {
		newPayload = job.Payload
	}
	if !json.Valid([]byte(newPayload)) {
		return "", fmt.Errorf("handler output is not valid JSON")
	}
	return newPayload, nil
}
