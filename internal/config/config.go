// Package config provides centralized configuration management for the application.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration parameters for a migration run.
type Config struct {
	// DryRun makes the engine read and decide but skip every destination write.
	DryRun bool `mapstructure:"dry_run"`

	GitLab GitLabConfig `mapstructure:"gitlab"`
	GitHub GitHubConfig `mapstructure:"github"`

	// Usermap maps source usernames to destination usernames.
	Usermap map[string]string `mapstructure:"usermap"`

	// Projectmap maps source project paths to destination repository paths,
	// used when rewriting cross-project references.
	Projectmap map[string]string `mapstructure:"projectmap"`

	InactiveUsers InactiveUsersConfig `mapstructure:"inactive_users"`
	Conversion    ConversionConfig    `mapstructure:"conversion"`
	Transfer      TransferConfig      `mapstructure:"transfer"`
	MergeRequests MergeRequestsConfig `mapstructure:"merge_requests"`
	Attachments   AttachmentsConfig   `mapstructure:"attachments"`
	S3            S3Config            `mapstructure:"s3"`

	// UsePlaceholderIssues fills numbering gaps with placeholder entities.
	UsePlaceholderIssues bool `mapstructure:"use_placeholder_issues"`

	// UseReplacementIssues substitutes a replacement entity when creation fails.
	UseReplacementIssues bool `mapstructure:"use_replacement_issues"`

	// UseIssuesForAllMergeRequests skips pull request creation entirely and
	// migrates every merge request as an issue.
	UseIssuesForAllMergeRequests bool `mapstructure:"use_issues_for_all_merge_requests"`

	// FilterByLabel restricts issue and merge request transfer to entities
	// carrying this source label.
	FilterByLabel string `mapstructure:"filter_by_label"`

	// SkipMatchingComments holds additional case-insensitive patterns for the
	// note classifier, on top of the built-in synthetic-activity set.
	SkipMatchingComments []string `mapstructure:"skip_matching_comments"`

	// Delay is the minimum pause between successive destination writes.
	Delay time.Duration `mapstructure:"delay"`
}

// GitLabConfig holds source tracker specific configuration.
type GitLabConfig struct {
	// URL of the GitLab instance, defaults to https://gitlab.com
	URL string `mapstructure:"url"`

	Token string `mapstructure:"token"`

	// Project is the numeric id or the namespace/path of the source project.
	// When empty, the projects command lists candidates.
	Project string `mapstructure:"project"`

	// SessionCookie is required to download attachments; the GitLab API has
	// no endpoint for uploads, only the web session does.
	SessionCookie string `mapstructure:"session_cookie"`
}

// GitHubConfig holds destination tracker specific configuration.
type GitHubConfig struct {
	// BaseURL of a GitHub Enterprise API endpoint; empty for github.com
	BaseURL string `mapstructure:"base_url"`

	Owner string `mapstructure:"owner"`
	Repo  string `mapstructure:"repo"`
	Token string `mapstructure:"token"`

	// TokenOwner is the destination username the token belongs to. Content
	// authored by this user is not decorated with a provenance line.
	TokenOwner string `mapstructure:"token_owner"`
}

// InactiveUsersConfig maps users that no longer exist at the destination.
type InactiveUsersConfig struct {
	// Prepend is placed before the mapped mention, e.g. "[inactive] "
	Prepend string `mapstructure:"prepend"`

	Map map[string]string `mapstructure:"map"`
}

// ConversionConfig controls content conversion details.
type ConversionConfig struct {
	UseLowerCaseLabels bool `mapstructure:"use_lower_case_labels"`
}

// TransferConfig selects which entity kinds are transferred and filters them.
type TransferConfig struct {
	Milestones    bool `mapstructure:"milestones"`
	Labels        bool `mapstructure:"labels"`
	Issues        bool `mapstructure:"issues"`
	MergeRequests bool `mapstructure:"merge_requests"`
	Releases      bool `mapstructure:"releases"`

	// OnlyOpen transfers only entities still open at the source.
	OnlyOpen bool `mapstructure:"only_open"`

	// CreatedAfter and UpdatedAfter restrict transfer by timestamp,
	// in RFC 3339 or YYYY-MM-DD form.
	CreatedAfter string `mapstructure:"created_after"`
	UpdatedAfter string `mapstructure:"updated_after"`
}

// MergeRequestsConfig selects between live transfer and a JSON dump.
type MergeRequestsConfig struct {
	// Log writes merge requests with their notes and discussions to LogFile
	// instead of transferring them.
	Log     bool   `mapstructure:"log"`
	LogFile string `mapstructure:"log_file"`
}

// AttachmentsConfig controls attachment relocation when S3 is not configured.
type AttachmentsConfig struct {
	// Commit stores attachments as blobs committed to the destination
	// repository instead of linking back to the source.
	Commit bool `mapstructure:"commit"`
}

// S3Config holds object storage settings for attachment relocation.
// An empty bucket disables S3 upload.
type S3Config struct {
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
}

// Enabled reports whether object storage upload is configured.
func (s S3Config) Enabled() bool {
	return s.Bucket != ""
}

// LoadConfig reads configuration from the given YAML file (or ./lab2hub.yaml
// when path is empty) and overlays environment variables for secrets.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("lab2hub")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Secrets come from the environment so the config file can be committed
	v.BindEnv("gitlab.token", "GITLAB_TOKEN")
	v.BindEnv("gitlab.session_cookie", "GITLAB_SESSION_COOKIE")
	v.BindEnv("github.token", "GITHUB_TOKEN")
	v.BindEnv("s3.access_key", "AWS_ACCESS_KEY_ID")
	v.BindEnv("s3.secret_key", "AWS_SECRET_ACCESS_KEY")

	v.SetDefault("gitlab.url", "https://gitlab.com")
	v.SetDefault("conversion.use_lower_case_labels", true)
	v.SetDefault("transfer.milestones", true)
	v.SetDefault("transfer.labels", true)
	v.SetDefault("transfer.issues", true)
	v.SetDefault("transfer.merge_requests", true)
	v.SetDefault("transfer.releases", true)
	v.SetDefault("use_placeholder_issues", true)
	v.SetDefault("use_replacement_issues", true)
	v.SetDefault("merge_requests.log_file", "merge-requests.json")
	v.SetDefault("delay", 2*time.Second)

	if err := v.ReadInConfig(); err != nil {
		// A missing file is acceptable when everything comes from env/defaults
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && path != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	if err := validateConfig(config); err != nil {
		return nil, err
	}

	return config, nil
}

// validateConfig ensures that all required configuration values are provided.
func validateConfig(config *Config) error {
	var missing []string

	if config.GitLab.Token == "" {
		missing = append(missing, "GITLAB_TOKEN")
	}
	if config.GitHub.Token == "" {
		missing = append(missing, "GITHUB_TOKEN")
	}
	if config.GitHub.Owner == "" {
		missing = append(missing, "github.owner")
	}
	if config.GitHub.Repo == "" {
		missing = append(missing, "github.repo")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %v", missing)
	}

	if _, err := parseCutoff(config.Transfer.CreatedAfter); err != nil {
		return fmt.Errorf("invalid transfer.created_after: %w", err)
	}
	if _, err := parseCutoff(config.Transfer.UpdatedAfter); err != nil {
		return fmt.Errorf("invalid transfer.updated_after: %w", err)
	}

	return nil
}

// CreatedAfterTime returns the parsed created-after cutoff, zero when unset.
func (t TransferConfig) CreatedAfterTime() time.Time {
	cutoff, _ := parseCutoff(t.CreatedAfter)
	return cutoff
}

// UpdatedAfterTime returns the parsed updated-after cutoff, zero when unset.
func (t TransferConfig) UpdatedAfterTime() time.Time {
	cutoff, _ := parseCutoff(t.UpdatedAfter)
	return cutoff
}

func parseCutoff(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	if cutoff, err := time.Parse(time.RFC3339, value); err == nil {
		return cutoff, nil
	}
	cutoff, err := time.Parse("2006-01-02", value)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected RFC 3339 or YYYY-MM-DD: %q", value)
	}
	return cutoff, nil
}
