package gdrive

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/partdl/internal/output"
	"github.com/tanq16/partdl/internal/utils"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/term"
)

// tokenSource builds a refreshing token source from an OAuth client
// credentials file, running the consent flow when no cached token exists.
func tokenSource(ctx context.Context, credentialsFile, cacheFile string) (oauth2.TokenSource, error) {
	b, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("unable to read credentials file: %v", err)
	}
	log.Debug().Str("op", "google-drive/auth").Msgf("using credentials from %s", credentialsFile)
	config, err := google.ConfigFromJSON(b, driveScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse client secret file: %v", err)
	}
	token, err := tokenFromFile(cacheFile)
	if err != nil {
		log.Debug().Str("op", "google-drive/auth").Msg("no cached token, starting OAuth flow")
		token, err = authorize(ctx, config)
		if err != nil {
			return nil, err
		}
		if err := saveToken(cacheFile, token); err != nil {
			log.Warn().Str("op", "google-drive/auth").Msgf("unable to save new token: %v", err)
		}
	}
	if !token.Valid() && token.RefreshToken == "" {
		return nil, fmt.Errorf("OAuth token is expired and cannot be refreshed")
	}
	return &cachingSource{base: config.TokenSource(ctx, token), file: cacheFile, last: token.AccessToken}, nil
}

func authorize(ctx context.Context, config *oauth2.Config) (*oauth2.Token, error) {
	authURL := config.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
	output.PrintDetail("\nVisit this URL to get the authorization code:\n")
	fmt.Printf("%s\n", authURL)
	output.PrintDetail("\nAfter authorizing, enter the authorization code:")
	var authCode string
	if _, err := fmt.Scan(&authCode); err != nil {
		return nil, fmt.Errorf("unable to read authorization code: %v", err)
	}
	token, err := config.Exchange(ctx, authCode)
	if err != nil {
		return nil, fmt.Errorf("unable to exchange auth code for token: %v", err)
	}
	if !utils.GlobalDebugFlag {
		// prompt, URL and code lines
		fmt.Printf("\033[%dA\033[J", 6+len(authURL)/terminalWidth()+1)
	}
	return token, nil
}

// cachingSource writes refreshed tokens back to the cache file.
type cachingSource struct {
	base oauth2.TokenSource
	file string

	mu   sync.Mutex
	last string
}

func (c *cachingSource) Token() (*oauth2.Token, error) {
	token, err := c.base.Token()
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if token.AccessToken != c.last {
		c.last = token.AccessToken
		if err := saveToken(c.file, token); err != nil {
			log.Warn().Str("op", "google-drive/auth").Msgf("unable to save refreshed token: %v", err)
		}
	}
	return token, nil
}

func tokenFromFile(file string) (*oauth2.Token, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	token := &oauth2.Token{}
	if err := json.NewDecoder(f).Decode(token); err != nil {
		return nil, err
	}
	return token, nil
}

func saveToken(file string, token *oauth2.Token) error {
	if dir := filepath.Dir(file); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("unable to create token directory: %v", err)
		}
	}
	f, err := os.OpenFile(file, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("unable to cache oauth token: %v", err)
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(token)
}

func terminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 {
		return 80
	}
	return width
}
