package cmd

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tanq16/partdl/internal/config"
	"github.com/tanq16/partdl/internal/utils"
	"gopkg.in/yaml.v3"
)

// BatchEntry is one download in a batch file. Auth fields apply to the
// job types that understand them.
type BatchEntry struct {
	OutputPath  string `yaml:"op,omitempty"`
	Link        string `yaml:"link"`
	Profile     string `yaml:"profile,omitempty"`
	Endpoint    string `yaml:"endpoint,omitempty"`
	APIKey      string `yaml:"api-key,omitempty"`
	Credentials string `yaml:"creds,omitempty"`
}

// BatchFile groups entries by job type:
//
//	http:
//	  - link: https://example.com/a.iso
//	    op: isos/a.iso
//	s3:
//	  - link: s3://bucket/key
type BatchFile map[string][]BatchEntry

func newBatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "batch [YAML_FILE]",
		Short: "Process multiple downloads from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("error reading YAML file: %w", err)
			}
			var batchFile BatchFile
			if err := yaml.Unmarshal(data, &batchFile); err != nil {
				return fmt.Errorf("error parsing YAML file: %w", err)
			}
			jobs := buildJobsFromBatch(cfg, batchFile)
			if len(jobs) == 0 {
				return fmt.Errorf("no valid jobs found in the batch file")
			}
			return runJobs(jobs)
		},
	}
}

func buildJobsFromBatch(cfg *config.Config, batchFile BatchFile) []utils.PartdlJob {
	types := make([]string, 0, len(batchFile))
	for jobType := range batchFile {
		types = append(types, jobType)
	}
	sort.Strings(types)

	var jobs []utils.PartdlJob
	for _, jobType := range types {
		normalized := normalizeJobType(jobType)
		if normalized == "" {
			log.Warn().Str("op", "cmd/batch").Msgf("unknown job type '%s', skipping", jobType)
			continue
		}
		for _, entry := range batchFile[jobType] {
			if entry.Link == "" {
				log.Warn().Str("op", "cmd/batch").Msgf("empty link in %s section, skipping", jobType)
				continue
			}
			job := cfg.NewJob(normalized, entry.Link, entry.OutputPath)
			switch normalized {
			case "s3":
				job.Metadata["profile"] = entry.Profile
				job.Metadata["endpoint"] = entry.Endpoint
			case "google-drive":
				if entry.APIKey != "" {
					job.Metadata["apiKey"] = entry.APIKey
				}
				if entry.Credentials != "" {
					job.Metadata["credentialsFile"] = entry.Credentials
				}
			}
			jobs = append(jobs, job)
		}
	}
	return jobs
}

func normalizeJobType(jobType string) string {
	typeMap := map[string]string{
		"http":         "http",
		"https":        "http",
		"s3":           "s3",
		"gdrive":       "google-drive",
		"googledrive":  "google-drive",
		"google-drive": "google-drive",
		"drive":        "google-drive",
	}
	return typeMap[strings.ToLower(strings.TrimSpace(jobType))]
}
