package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v3"

	"github.com/bgdnvk/stackcrew/internal/ai"
	"github.com/bgdnvk/stackcrew/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage stackcrew configuration",
	Long:  `Create, inspect and check the stackcrew configuration file and credentials.`,
}

const defaultConfig = `# stackcrew configuration
# Environment variables (AWS_REGION, DEPLOY_METHOD, OPENAI_API_KEY, ...) and
# flags override these values.

project: bluegreen
output_dir: output
deploy_method: ansible        # ansible | ssh_script | ecs
allow_terraform_apply: false  # plan only unless true (env: ALLOW_TERRAFORM_APPLY=1|true|yes|on)
prod_url: ""

aws:
  region: us-east-1
  profile: ""

ssh:
  user: ec2-user
  key_path: ""
  bastion_host: ""
  bastion_user: ec2-user

ansible:
  wait_before_deploy: 0

ecs:
  cluster: ""
  service: ""

llm:
  provider: openai  # openai | anthropic | gemini
  model: ""
  max_steps: 12
  max_tokens: 4096

serve:
  addr: 127.0.0.1:7860
  work_root: ""

store:
  path: ""  # default ~/.stackcrew/runs.db
`

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration file",
	Long:  `Create a default configuration file in your home directory.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, err := defaultConfigPath()
		if err != nil {
			return err
		}
		force, _ := cmd.Flags().GetBool("force")
		if _, err := os.Stat(configPath); err == nil && !force {
			fmt.Printf("Configuration file already exists at %s\n", configPath)
			return nil
		}
		if err := os.WriteFile(configPath, []byte(defaultConfig), 0o644); err != nil {
			return fmt.Errorf("error creating config file: %w", err)
		}
		fmt.Printf("Configuration file created at %s\n", configPath)
		fmt.Println("Set your LLM API key in the environment or in a .env file next to your project.")
		return nil
	},
}

// shownSettings is what "config show" prints; secrets are masked.
type shownSettings struct {
	Project          string `yaml:"project"`
	OutputDir        string `yaml:"output_dir"`
	DeployMethod     string `yaml:"deploy_method"`
	AllowApply       bool   `yaml:"allow_terraform_apply"`
	ProdURL          string `yaml:"prod_url,omitempty"`
	Requirements     string `yaml:"requirements,omitempty"`
	PlatformSource   string `yaml:"platform_source,omitempty"`
	AppPath          string `yaml:"app_path,omitempty"`
	PreBuiltImageTag string `yaml:"pre_built_image_tag,omitempty"`
	AWS              struct {
		Region  string `yaml:"region"`
		Profile string `yaml:"profile,omitempty"`
	} `yaml:"aws"`
	SSH struct {
		User        string `yaml:"user"`
		KeyPath     string `yaml:"key_path,omitempty"`
		PrivateKey  string `yaml:"private_key,omitempty"`
		BastionHost string `yaml:"bastion_host,omitempty"`
	} `yaml:"ssh"`
	ECS struct {
		Cluster string `yaml:"cluster,omitempty"`
		Service string `yaml:"service,omitempty"`
	} `yaml:"ecs"`
	LLM struct {
		Provider string `yaml:"provider"`
		Model    string `yaml:"model"`
		APIKey   string `yaml:"api_key"`
		MaxSteps int    `yaml:"max_steps"`
	} `yaml:"llm"`
	Store string `yaml:"store"`
}

func showSettings(s *config.Settings) shownSettings {
	var out shownSettings
	out.Project = s.Project
	out.OutputDir = s.OutputDir
	out.DeployMethod = s.DeployMethod
	out.AllowApply = s.AllowApply
	out.ProdURL = s.ProdURL
	out.Requirements = s.RequirementsPath
	out.PlatformSource = s.PlatformSource
	out.AppPath = s.AppPath
	out.PreBuiltImageTag = s.PreBuiltImageTag
	out.AWS.Region = s.Region
	out.AWS.Profile = s.Profile
	out.SSH.User = s.SSH.User
	out.SSH.KeyPath = s.SSH.KeyPath
	out.SSH.PrivateKey = mask(s.SSH.PrivateKey)
	out.SSH.BastionHost = s.SSH.BastionHost
	out.ECS.Cluster = s.ECSCluster
	out.ECS.Service = s.ECSService
	out.LLM.Provider = s.LLM.Provider
	out.LLM.Model = s.LLM.Model
	if out.LLM.Model == "" {
		out.LLM.Model = ai.DefaultModel(s.LLM.Provider)
	}
	out.LLM.APIKey = mask(ai.ResolveAPIKey(s.LLM.Provider, s.LLM.APIKey))
	out.LLM.MaxSteps = s.LLM.MaxSteps
	out.Store = s.StatePath
	return out
}

// mask keeps the last four characters of long secrets.
func mask(secret string) string {
	switch {
	case secret == "":
		return ""
	case len(secret) <= 8:
		return "****"
	default:
		return "****" + secret[len(secret)-4:]
	}
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Long:  `Print the settings after merging the config file, environment and flags. Secrets are masked.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := config.Load()
		if err != nil {
			return err
		}
		data, err := yaml.Marshal(showSettings(s))
		if err != nil {
			return err
		}
		fmt.Print(string(data))
		return nil
	},
}

var configScanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan system for AWS profiles and LLM API keys",
	Long: `Detect AWS profiles from ~/.aws/credentials and ~/.aws/config and which LLM
provider keys are set in the environment.

Examples:
  stackcrew config scan
  stackcrew config scan --output json`,
	Args: cobra.NoArgs,
	RunE: runConfigScan,
}

// ScanResult holds all detected credentials
type ScanResult struct {
	AWS AWSCredentialsScan `json:"aws"`
	LLM map[string]bool    `json:"llm"`
}

// AWSCredentialsScan holds detected AWS profiles
type AWSCredentialsScan struct {
	Profiles []AWSProfileInfo `json:"profiles"`
	Error    string           `json:"error,omitempty"`
}

// AWSProfileInfo holds info about a single AWS profile
type AWSProfileInfo struct {
	Name   string `json:"name"`
	Region string `json:"region,omitempty"`
	Source string `json:"source"`
}

func runConfigScan(cmd *cobra.Command, args []string) error {
	result := ScanResult{AWS: scanAWSProfiles(), LLM: scanLLMKeys()}

	if format, _ := cmd.Flags().GetString("output"); format == "json" {
		return json.NewEncoder(os.Stdout).Encode(result)
	}

	fmt.Println("AWS Profiles:")
	if len(result.AWS.Profiles) == 0 {
		fmt.Println("  No profiles detected")
	}
	for _, p := range result.AWS.Profiles {
		region := p.Region
		if region == "" {
			region = "(no region)"
		}
		fmt.Printf("  - %s [%s] (%s)\n", p.Name, region, p.Source)
	}
	if result.AWS.Error != "" {
		fmt.Printf("  Error: %s\n", result.AWS.Error)
	}
	fmt.Println()
	fmt.Println("LLM API Keys (from environment):")
	for _, p := range ai.Providers() {
		fmt.Printf("  %s: %v\n", p, result.LLM[p])
	}
	return nil
}

func scanAWSProfiles() AWSCredentialsScan {
	result := AWSCredentialsScan{Profiles: []AWSProfileInfo{}}

	home, err := os.UserHomeDir()
	if err != nil {
		result.Error = "could not determine home directory"
		return result
	}

	byName := map[string]*AWSProfileInfo{}
	var order []string
	for _, p := range append(
		parseAWSINIFile(filepath.Join(home, ".aws", "credentials"), "credentials"),
		parseAWSINIFile(filepath.Join(home, ".aws", "config"), "config")...,
	) {
		if existing, ok := byName[p.Name]; ok {
			if existing.Region == "" {
				existing.Region = p.Region
			}
			continue
		}
		p := p
		byName[p.Name] = &p
		order = append(order, p.Name)
	}
	sort.Strings(order)
	for _, name := range order {
		result.Profiles = append(result.Profiles, *byName[name])
	}
	return result
}

// parseAWSINIFile reads profile sections; in ~/.aws/config they are named
// "profile <name>" except for default.
func parseAWSINIFile(path, source string) []AWSProfileInfo {
	f, err := ini.LooseLoad(path)
	if err != nil {
		return nil
	}
	var profiles []AWSProfileInfo
	for _, sec := range f.Sections() {
		name := sec.Name()
		if name == ini.DefaultSection && len(sec.Keys()) == 0 {
			continue
		}
		if source == "config" {
			name = strings.TrimPrefix(name, "profile ")
		}
		profiles = append(profiles, AWSProfileInfo{
			Name:   strings.TrimSpace(name),
			Region: sec.Key("region").String(),
			Source: source,
		})
	}
	return profiles
}

func scanLLMKeys() map[string]bool {
	keys := map[string]bool{}
	for _, p := range ai.Providers() {
		keys[p] = ai.ResolveAPIKey(p, "") != ""
	}
	return keys
}

func defaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("error finding home directory: %w", err)
	}
	return filepath.Join(home, ".stackcrew.yaml"), nil
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd, configShowCmd, configScanCmd)
	configInitCmd.Flags().Bool("force", false, "overwrite an existing configuration file")
	configScanCmd.Flags().String("output", "text", "output format: text or json")
}
