package credentials

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"
)

type Credentials struct {
	LinearAPIKey string

	// Linear OAuth application (alternative to LinearAPIKey). The access
	// token is refreshed with RefreshToken when the service rejects it.
	LinearOAuthClientID     string
	LinearOAuthClientSecret string
	LinearOAuthRefreshToken string

	GithubToken string

	// GitHub App authentication (alternative to GithubToken).
	GithubAppClientID       string
	GithubAppInstallationID int64
	GithubAppPrivateKeyPath string

	WebhookSecret string
}

// HasGithubApp returns true if GitHub App credentials are configured.
func (c Credentials) HasGithubApp() bool {
	return c.GithubAppClientID != "" && c.GithubAppInstallationID != 0 && c.GithubAppPrivateKeyPath != ""
}

// HasLinearOAuth returns true if a refreshable Linear OAuth grant is configured.
func (c Credentials) HasLinearOAuth() bool {
	return c.LinearOAuthClientID != "" && c.LinearOAuthClientSecret != "" && c.LinearOAuthRefreshToken != ""
}

type profileEntry struct {
	LinearAPIKey            string `yaml:"linear_api_key"`
	LinearOAuthClientID     string `yaml:"linear_oauth_client_id"`
	LinearOAuthClientSecret string `yaml:"linear_oauth_client_secret"`
	LinearOAuthRefreshToken string `yaml:"linear_oauth_refresh_token"`
	GithubToken             string `yaml:"github_token"`
	GithubAppClientID       string `yaml:"github_app_client_id"`
	GithubAppInstallationID int64  `yaml:"github_app_installation_id"`
	GithubAppPrivateKeyPath string `yaml:"github_app_private_key_path"`
	WebhookSecret           string `yaml:"webhook_secret"`
}

type credentialsFile struct {
	DefaultProfile string                  `yaml:"default_profile"`
	Profiles       map[string]profileEntry `yaml:"profiles"`
}

// DefaultPath returns the default credentials directory (~/.autoflow).
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".autoflow")
}

// Resolve returns Credentials for the given profile name with precedence:
// env vars (LINEAR_API_KEY, GITHUB_TOKEN, AUTOFLOW_WEBHOOK_SECRET) > named
// profile > default profile. If profileName is empty, the default_profile
// from the file is used. If the credentials file is missing and no profile
// was requested, env vars alone are used and LINEAR_API_KEY must be set.
func Resolve(configDir, profileName string) (Credentials, error) {
	envLinear := os.Getenv("LINEAR_API_KEY")
	envGithub := os.Getenv("GITHUB_TOKEN")
	envSecret := os.Getenv("AUTOFLOW_WEBHOOK_SECRET")

	filePath := filepath.Join(configDir, "credentials.yaml")
	data, err := os.ReadFile(filePath)

	if err != nil {
		if !os.IsNotExist(err) {
			return Credentials{}, fmt.Errorf("reading credentials file: %w", err)
		}
		if profileName != "" {
			return Credentials{}, fmt.Errorf("credentials file not found: %s", filePath)
		}
		if envLinear == "" {
			return Credentials{}, fmt.Errorf("credentials file not found (%s) and LINEAR_API_KEY not set", filePath)
		}
		return Credentials{LinearAPIKey: envLinear, GithubToken: envGithub, WebhookSecret: envSecret}, nil
	}

	var cf credentialsFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return Credentials{}, fmt.Errorf("parsing credentials file: %w", err)
	}

	if profileName == "" {
		profileName = cf.DefaultProfile
	}
	if profileName == "" {
		return Credentials{}, fmt.Errorf("no profile name provided and no default_profile set in %s", filePath)
	}

	profile, ok := cf.Profiles[profileName]
	if !ok {
		return Credentials{}, fmt.Errorf("profile %q not found in %s", profileName, filePath)
	}

	if err := validateGroup("GitHub App", map[string]bool{
		"github_app_client_id":        profile.GithubAppClientID != "",
		"github_app_installation_id":  profile.GithubAppInstallationID != 0,
		"github_app_private_key_path": profile.GithubAppPrivateKeyPath != "",
	}); err != nil {
		return Credentials{}, fmt.Errorf("profile %q: %w", profileName, err)
	}
	if err := validateGroup("Linear OAuth", map[string]bool{
		"linear_oauth_client_id":     profile.LinearOAuthClientID != "",
		"linear_oauth_client_secret": profile.LinearOAuthClientSecret != "",
		"linear_oauth_refresh_token": profile.LinearOAuthRefreshToken != "",
	}); err != nil {
		return Credentials{}, fmt.Errorf("profile %q: %w", profileName, err)
	}

	creds := Credentials{
		LinearAPIKey:            profile.LinearAPIKey,
		LinearOAuthClientID:     profile.LinearOAuthClientID,
		LinearOAuthClientSecret: profile.LinearOAuthClientSecret,
		LinearOAuthRefreshToken: profile.LinearOAuthRefreshToken,
		GithubToken:             profile.GithubToken,
		GithubAppClientID:       profile.GithubAppClientID,
		GithubAppInstallationID: profile.GithubAppInstallationID,
		GithubAppPrivateKeyPath: profile.GithubAppPrivateKeyPath,
		WebhookSecret:           profile.WebhookSecret,
	}

	// LINEAR_API_KEY overrides both the profile key and OAuth.
	if envLinear != "" {
		creds.LinearAPIKey = envLinear
		creds.LinearOAuthClientID = ""
		creds.LinearOAuthClientSecret = ""
		creds.LinearOAuthRefreshToken = ""
	}
	// GITHUB_TOKEN overrides both token and app auth.
	if envGithub != "" {
		creds.GithubToken = envGithub
		creds.GithubAppClientID = ""
		creds.GithubAppInstallationID = 0
		creds.GithubAppPrivateKeyPath = ""
	}
	if envSecret != "" {
		creds.WebhookSecret = envSecret
	}

	if creds.LinearAPIKey == "" && !creds.HasLinearOAuth() {
		return Credentials{}, fmt.Errorf("profile %q: no Linear API key or OAuth grant configured", profileName)
	}

	return creds, nil
}

// validateGroup checks that a group of related fields is either fully set or
// fully unset.
func validateGroup(name string, fields map[string]bool) error {
	var missing []string
	set := 0
	for key, ok := range fields {
		if ok {
			set++
		} else {
			missing = append(missing, key)
		}
	}
	if set > 0 && set < len(fields) {
		slices.Sort(missing)
		return fmt.Errorf("incomplete %s config, missing: %v", name, missing)
	}
	return nil
}
