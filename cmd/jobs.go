// cmd/jobs.go
package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/InstituteforDiseaseModeling/modelops-sub001/engine"
	"github.com/InstituteforDiseaseModeling/modelops-sub001/engine/kvstore"
	"github.com/InstituteforDiseaseModeling/modelops-sub001/engine/provenance"
	"github.com/InstituteforDiseaseModeling/modelops-sub001/engine/registry"
)

var (
	jobsRedisAddr string
	jobsLimit     int
	jobsNamespace string
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage the job registry",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered jobs, newest first",
	Run: func(cmd *cobra.Command, args []string) {
		reg := openRegistry()
		jobs, err := reg.ListJobs(jobsLimit, nil, time.Time{})
		if err != nil {
			logrus.Fatalf("Listing jobs: %v", err)
		}
		for _, job := range jobs {
			fmt.Printf("%-36s  %-16s  %3d/%3d tasks  %s\n",
				job.JobID, job.Status, job.TasksCompleted, job.TasksTotal, job.CreatedAt)
		}
	},
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Print a job's full state as JSON",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		reg := openRegistry()
		job, ok, err := reg.GetJob(args[0])
		if err != nil {
			logrus.Fatalf("Fetching job: %v", err)
		}
		if !ok {
			logrus.Fatalf("Job %s not found", args[0])
		}
		out, _ := json.MarshalIndent(job, "", "  ")
		fmt.Println(string(out))
	},
}

var jobsRegisterCmd = &cobra.Command{
	Use:   "register <k8s-name>",
	Short: "Register a new pending job and print its id",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		reg := openRegistry()
		jobID := uuid.New().String()
		if _, err := reg.RegisterJob(jobID, args[0], jobsNamespace, nil, nil); err != nil {
			logrus.Fatalf("Registering job: %v", err)
		}
		fmt.Println(jobID)
	},
}

var jobsValidateCmd = &cobra.Command{
	Use:   "validate <job-id>",
	Short: "Probe the provenance store for a job's expected outputs",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		reg := openRegistry()
		store := openProvenance()
		result, err := reg.ValidateOutputs(args[0], store)
		if err != nil {
			logrus.Fatalf("Validating outputs: %v", err)
		}
		fmt.Printf("status=%s verified=%d missing=%d\n",
			result.Status, result.VerifiedCount, result.MissingCount)
		for _, path := range result.MissingOutputs {
			fmt.Printf("  missing: %s\n", path)
		}
	},
}

var jobsResumeCmd = &cobra.Command{
	Use:   "resume <job-id>",
	Short: "Print the resumable tasks of a partial_success job as JSON",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		reg := openRegistry()
		tasks, err := reg.GetResumableTasks(args[0])
		if err != nil {
			logrus.Fatalf("Reconstructing tasks: %v", err)
		}
		out, _ := json.MarshalIndent(tasks, "", "  ")
		fmt.Println(string(out))
	},
}

func openRegistry() *registry.Registry {
	addr := jobsRedisAddr
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}
	if addr == "" {
		logrus.Fatal("A registry backend is required: set --redis or REDIS_ADDR")
	}
	return registry.NewRegistry(kvstore.NewRedisStore(addr))
}

func openProvenance() *provenance.Store {
	cfg, err := engine.ConfigFromEnv()
	if err != nil {
		logrus.Fatalf("Invalid configuration: %v", err)
	}
	store, err := provenance.NewStore(cfg.ProvRoot, provenance.TokenSchema, cfg.InlineArtifactMaxSize)
	if err != nil {
		logrus.Fatalf("Opening provenance store: %v", err)
	}
	return store
}

func init() {
	jobsCmd.PersistentFlags().StringVar(&jobsRedisAddr, "redis", "", "Redis address backing the registry (default REDIS_ADDR)")
	jobsListCmd.Flags().IntVar(&jobsLimit, "limit", 50, "Maximum jobs to list")
	jobsRegisterCmd.Flags().StringVar(&jobsNamespace, "namespace", "default", "Kubernetes namespace recorded on the job")

	jobsCmd.AddCommand(jobsListCmd, jobsShowCmd, jobsRegisterCmd, jobsValidateCmd, jobsResumeCmd)
	rootCmd.AddCommand(jobsCmd)
}
