package gdrive

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/partdl/internal/utils"
	"golang.org/x/oauth2"
)

type GDriveDownloader struct{}

func (d *GDriveDownloader) ValidateJob(job *utils.PartdlJob) error {
	fileID, err := extractFileID(job.URL)
	if err != nil {
		return err
	}
	if job.Metadata == nil {
		job.Metadata = make(map[string]any)
	}
	job.Metadata["fileID"] = fileID

	apiKey, _ := job.Metadata["apiKey"].(string)
	credentialsFile, _ := job.Metadata["credentialsFile"].(string)
	if apiKey == "" && credentialsFile == "" {
		return fmt.Errorf("either --api-key or --credentials must be provided")
	}
	if apiKey != "" && credentialsFile != "" {
		return fmt.Errorf("only one of --api-key or --credentials can be provided")
	}
	if apiKey != "" && !isAPIKey(apiKey) {
		return fmt.Errorf("API key does not look like a Google API key")
	}
	if credentialsFile != "" {
		if _, err := os.Stat(credentialsFile); err != nil {
			return fmt.Errorf("credentials file not found: %v", err)
		}
	}
	log.Info().Str("op", "google-drive/initial").Msgf("job validated for %s", job.URL)
	return nil
}

func (d *GDriveDownloader) BuildJob(ctx context.Context, job *utils.PartdlJob) (utils.Source, error) {
	fileID := job.Metadata["fileID"].(string)
	job.HTTPClientConfig.HighThreadMode = job.Connections > utils.HighThreadThreshold
	client := utils.NewPartdlHTTPClient(job.HTTPClientConfig)

	if apiKey, _ := job.Metadata["apiKey"].(string); apiKey != "" {
		log.Debug().Str("op", "google-drive/initial").Msg("using API key")
		return NewSource(fileID, apiKey, client), nil
	}

	credFile := job.Metadata["credentialsFile"].(string)
	log.Debug().Str("op", "google-drive/initial").Msg("using credentials file")
	if job.PauseFunc != nil {
		job.PauseFunc()
	}
	ts, err := tokenSource(ctx, credFile, tokenFile)
	if job.ResumeFunc != nil {
		job.ResumeFunc()
	}
	if err != nil {
		return nil, fmt.Errorf("error getting OAuth token: %v", err)
	}
	withToken(client, ts)
	log.Info().Str("op", "google-drive/initial").Msgf("job built for gdrive %s", fileID)
	return NewSource(fileID, "", client), nil
}

// withToken authorizes every request the client sends, segment fetches
// included, refreshing the token as it expires.
func withToken(client *utils.PartdlHTTPClient, ts oauth2.TokenSource) {
	client.WrapTransport(func(base http.RoundTripper) http.RoundTripper {
		return &oauth2.Transport{Source: ts, Base: base}
	})
}
