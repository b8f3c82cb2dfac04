package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

// PromptForInstall asks user permission to install missing tools
// Returns true if the user approves installation
func PromptForInstall(in io.Reader, out io.Writer, missing []DependencyStatus) (bool, error) {
	if len(missing) == 0 {
		return false, nil
	}

	fmt.Fprintln(out, "\nThe following CLI tools are missing or need to be updated:")
	fmt.Fprintln(out)
	for _, dep := range missing {
		status := "not installed"
		if dep.Installed && dep.Message != "" {
			status = dep.Message
		}
		required := ""
		if dep.Required {
			required = " (required)"
		}
		fmt.Fprintf(out, "  - %s: %s%s\n", dep.Name, status, required)
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "stackcrew can install terraform and the AWS CLI automatically.")
	fmt.Fprintln(out, "Installation may require sudo privileges.")
	fmt.Fprintln(out)

	return Confirm(in, out, "Do you want to install the missing tools?")
}

// ConfirmDestroy lists what a teardown will destroy and asks to proceed.
// No input counts as no.
func ConfirmDestroy(in io.Reader, out io.Writer, outputDir string, roots []string) (bool, error) {
	fmt.Fprintf(out, "Output directory: %s\n", outputDir)
	fmt.Fprintln(out, "This will run 'terraform destroy -auto-approve' in:")
	for _, r := range roots {
		fmt.Fprintf(out, "  - %s\n", r)
	}
	ok, err := Confirm(in, out, "Proceed?")
	if errors.Is(err, io.EOF) {
		fmt.Fprintln(out, "Aborted (no input).")
		return false, nil
	}
	if err == nil && !ok {
		fmt.Fprintln(out, "Aborted.")
	}
	return ok, err
}

// Confirm prompts the user for a yes/no response
func Confirm(in io.Reader, out io.Writer, question string) (bool, error) {
	reader := bufio.NewReader(in)

	fmt.Fprintf(out, "%s [y/N]: ", question)

	response, err := reader.ReadString('\n')
	if err != nil && (!errors.Is(err, io.EOF) || response == "") {
		return false, err
	}

	switch strings.TrimSpace(strings.ToLower(response)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

// PrintDependencyStatus prints a summary of dependency status
func PrintDependencyStatus(out io.Writer, deps []DependencyStatus) {
	fmt.Fprintln(out, "\nCLI Tool Status:")
	fmt.Fprintln(out, "----------------")

	for _, dep := range deps {
		icon := "+"
		if !dep.Installed {
			icon = "-"
		} else if dep.Message != "" {
			icon = "!"
		}

		version := dep.Version
		if version == "" {
			version = "not installed"
			if dep.Installed {
				version = "unknown version"
			}
		}

		required := ""
		if dep.Required {
			required = " (required)"
		}

		fmt.Fprintf(out, "  [%s] %s: %s%s\n", icon, dep.Name, version, required)
		if dep.Message != "" {
			fmt.Fprintf(out, "      %s\n", dep.Message)
		}
	}
	fmt.Fprintln(out)
}

// PrintInstallationStart prints a message when starting installation
func PrintInstallationStart(out io.Writer, name string) {
	fmt.Fprintf(out, "\nInstalling %s...\n", name)
}

// PrintInstallationSuccess prints a success message after installation
func PrintInstallationSuccess(out io.Writer, name string) {
	fmt.Fprintf(out, "%s installed successfully.\n", name)
}

// PrintInstallationError prints an error message if installation fails
func PrintInstallationError(out io.Writer, name string, err error) {
	fmt.Fprintf(out, "Failed to install %s: %v\n", name, err)
}
