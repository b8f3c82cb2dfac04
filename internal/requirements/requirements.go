// Package requirements models the requirements document the generators render from.
package requirements

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvSpec holds the per-environment knobs (dev or prod).
type EnvSpec struct {
	DomainName         string   `json:"domain_name,omitempty" yaml:"domain_name,omitempty"`
	HostedZoneID       string   `json:"hosted_zone_id,omitempty" yaml:"hosted_zone_id,omitempty"`
	AlarmEmail         string   `json:"alarm_email,omitempty" yaml:"alarm_email,omitempty"`
	VPCCIDR            string   `json:"vpc_cidr,omitempty" yaml:"vpc_cidr,omitempty"`
	PublicSubnets      []string `json:"public_subnets,omitempty" yaml:"public_subnets,omitempty"`
	PrivateSubnets     []string `json:"private_subnets,omitempty" yaml:"private_subnets,omitempty"`
	InstanceType       string   `json:"instance_type,omitempty" yaml:"instance_type,omitempty"`
	MinSize            int      `json:"min_size,omitempty" yaml:"min_size,omitempty"`
	MaxSize            int      `json:"max_size,omitempty" yaml:"max_size,omitempty"`
	DesiredCapacity    int      `json:"desired_capacity,omitempty" yaml:"desired_capacity,omitempty"`
	AMIID              string   `json:"ami_id,omitempty" yaml:"ami_id,omitempty"`
	EnableBastion      bool     `json:"enable_bastion,omitempty" yaml:"enable_bastion,omitempty"`
	KeyName            string   `json:"key_name,omitempty" yaml:"key_name,omitempty"`
	AllowedBastionCIDR string   `json:"allowed_bastion_cidr,omitempty" yaml:"allowed_bastion_cidr,omitempty"`
	EnableECS          bool     `json:"enable_ecs,omitempty" yaml:"enable_ecs,omitempty"`
}

// Requirements is the top-level document. JSON is the usual input; YAML is
// accepted too.
type Requirements struct {
	Project string  `json:"project,omitempty" yaml:"project,omitempty"`
	Region  string  `json:"region,omitempty" yaml:"region,omitempty"`
	AppPath string  `json:"app_path,omitempty" yaml:"app_path,omitempty"`
	Dev     EnvSpec `json:"dev" yaml:"dev"`
	Prod    EnvSpec `json:"prod" yaml:"prod"`
}

// Load reads and parses a requirements file.
func Load(path string) (*Requirements, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read requirements %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a JSON or YAML requirements document.
func Parse(data []byte) (*Requirements, error) {
	if strings.TrimSpace(string(data)) == "" {
		return nil, fmt.Errorf("requirements document is empty")
	}
	var r Requirements
	// yaml.v3 rejects some valid JSON (escapes such as \/), so JSON
	// documents go through encoding/json. A YAML flow mapping also starts
	// with "{" and falls through.
	if bytes.HasPrefix(bytes.TrimSpace(data), []byte("{")) {
		jsonErr := json.Unmarshal(data, &r)
		if jsonErr == nil {
			return &r, nil
		}
		r = Requirements{}
		if yaml.Unmarshal(data, &r) != nil {
			return nil, fmt.Errorf("failed to parse requirements JSON: %w", jsonErr)
		}
		return &r, nil
	}
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse requirements: %w", err)
	}
	return &r, nil
}

var envDefaults = map[string]EnvSpec{
	"dev": {
		DomainName:      "dev-app.example.com",
		AlarmEmail:      "dev@example.com",
		VPCCIDR:         "10.20.0.0/16",
		PublicSubnets:   []string{"10.20.1.0/24", "10.20.2.0/24"},
		PrivateSubnets:  []string{"10.20.11.0/24", "10.20.12.0/24"},
		InstanceType:    "t3.micro",
		MinSize:         1,
		MaxSize:         2,
		DesiredCapacity: 1,
	},
	"prod": {
		DomainName:      "app.example.com",
		AlarmEmail:      "ops@example.com",
		VPCCIDR:         "10.30.0.0/16",
		PublicSubnets:   []string{"10.30.1.0/24", "10.30.2.0/24"},
		PrivateSubnets:  []string{"10.30.11.0/24", "10.30.12.0/24"},
		InstanceType:    "t3.small",
		MinSize:         2,
		MaxSize:         6,
		DesiredCapacity: 2,
	},
}

// WithDefaults returns a copy with every empty field filled in.
func (r Requirements) WithDefaults() Requirements {
	out := r
	if out.Project == "" {
		out.Project = "bluegreen"
	}
	if out.Region == "" {
		out.Region = "us-east-1"
	}
	out.Dev = fillEnv(out.Dev, envDefaults["dev"])
	out.Prod = fillEnv(out.Prod, envDefaults["prod"])
	return out
}

func fillEnv(e, d EnvSpec) EnvSpec {
	if e.DomainName == "" {
		e.DomainName = d.DomainName
	}
	if e.HostedZoneID == "" {
		e.HostedZoneID = "Z000000000000"
	}
	if e.AlarmEmail == "" {
		e.AlarmEmail = d.AlarmEmail
	}
	if e.VPCCIDR == "" {
		e.VPCCIDR = d.VPCCIDR
	}
	if len(e.PublicSubnets) == 0 {
		e.PublicSubnets = append([]string(nil), d.PublicSubnets...)
	}
	if len(e.PrivateSubnets) == 0 {
		e.PrivateSubnets = append([]string(nil), d.PrivateSubnets...)
	}
	if e.InstanceType == "" {
		e.InstanceType = d.InstanceType
	}
	if e.MinSize == 0 {
		e.MinSize = d.MinSize
	}
	if e.MaxSize == 0 {
		e.MaxSize = d.MaxSize
	}
	if e.DesiredCapacity == 0 {
		e.DesiredCapacity = d.DesiredCapacity
	}
	if e.AllowedBastionCIDR == "" {
		e.AllowedBastionCIDR = "0.0.0.0/0"
	}
	return e
}

// Env returns the settings for "dev" or "prod".
func (r Requirements) Env(name string) (EnvSpec, error) {
	switch name {
	case "dev":
		return r.Dev, nil
	case "prod":
		return r.Prod, nil
	}
	return EnvSpec{}, fmt.Errorf("unknown environment %q (want dev or prod)", name)
}

// Validate reports obviously broken inputs before anything is rendered.
func (r Requirements) Validate() error {
	var problems []string
	for _, name := range []string{"dev", "prod"} {
		e, _ := r.Env(name)
		if e.MinSize > 0 && e.MaxSize > 0 && e.MinSize > e.MaxSize {
			problems = append(problems, fmt.Sprintf("%s: min_size %d > max_size %d", name, e.MinSize, e.MaxSize))
		}
		if e.DesiredCapacity > 0 && e.MaxSize > 0 && e.DesiredCapacity > e.MaxSize {
			problems = append(problems, fmt.Sprintf("%s: desired_capacity %d > max_size %d", name, e.DesiredCapacity, e.MaxSize))
		}
		if e.EnableBastion && e.KeyName == "" {
			problems = append(problems, fmt.Sprintf("%s: enable_bastion requires key_name", name))
		}
	}
	if strings.ContainsAny(r.Project, " /\"") {
		problems = append(problems, fmt.Sprintf("project %q must not contain spaces, slashes or quotes", r.Project))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid requirements: %s", strings.Join(problems, "; "))
	}
	return nil
}
