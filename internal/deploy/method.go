package deploy

import "strings"

// Method selects how the Deploy stage puts the new image on the hosts.
type Method string

const (
	MethodAnsible Method = "ansible"
	MethodSSH     Method = "ssh_script"
	MethodECS     Method = "ecs"
)

// ParseMethod normalizes DEPLOY_METHOD. Unknown values fall back to ansible.
func ParseMethod(s string) Method {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ssh_script", "ssh", "shs_script", "codedeploy":
		return MethodSSH
	case "ecs", "ecs_script":
		return MethodECS
	default:
		return MethodAnsible
	}
}

// ToolName is the deploy tool the Deploy agent is told to call.
func (m Method) ToolName() string {
	switch m {
	case MethodSSH:
		return "run_ssh_deploy"
	case MethodECS:
		return "run_ecs_deploy"
	default:
		return "run_ansible_deploy"
	}
}
