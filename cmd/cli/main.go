package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL      string
	apiKey         string
	imageRef       string
	timeoutSeconds int
	cpus           int
	memoryMB       int
	network        bool
	artifacts      []string
	inputs         []string
	envVars        []string
	packages       []string
	imageTag       string
)

func main() {
	root := &cobra.Command{
		Use:   "microvm-cli",
		Short: "CLI client for microvm-sandbox",
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("MICROVM_API_KEY"), "API key")

	execCmd := &cobra.Command{
		Use:   "exec [code]",
		Short: "Execute a Python snippet in a fresh microVM",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runExec,
	}
	addExecFlags(execCmd)
	root.AddCommand(execCmd)

	execFileCmd := &cobra.Command{
		Use:   "exec-file [file]",
		Short: "Execute a Python file in a fresh microVM",
		Args:  cobra.ExactArgs(1),
		RunE:  runExecFile,
	}
	addExecFlags(execFileCmd)
	root.AddCommand(execFileCmd)

	pipCmd := &cobra.Command{
		Use:   "pip-image [package...]",
		Short: "Build a derived image with pip packages preinstalled",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runPipImage,
	}
	pipCmd.Flags().StringVar(&imageTag, "tag", "", "Image tag (derived from packages when empty)")
	root.AddCommand(pipCmd)

	root.AddCommand(&cobra.Command{
		Use:   "images",
		Short: "List cached derived images",
		RunE:  runImages,
	})

	root.AddCommand(&cobra.Command{
		Use:   "doctor",
		Short: "Report host capability (krunvm, buildah, KVM, network)",
		RunE:  runDoctor,
	})

	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE:  runHealth,
	})

	root.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List recent executions",
		RunE:  runList,
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func addExecFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&imageRef, "image", "", "Image reference (server default when empty)")
	cmd.Flags().IntVar(&timeoutSeconds, "timeout", 0, "Execution timeout in seconds")
	cmd.Flags().IntVar(&cpus, "cpus", 0, "vCPU count")
	cmd.Flags().IntVar(&memoryMB, "memory", 0, "Memory in MB")
	cmd.Flags().BoolVar(&network, "network", false, "Enable guest networking")
	cmd.Flags().StringArrayVar(&artifacts, "artifact", nil, "Artifact glob pattern, repeatable (e.g. out/*.csv)")
	cmd.Flags().StringArrayVar(&inputs, "input", nil, "Input file to stage under /work/in, repeatable")
	cmd.Flags().StringArrayVar(&envVars, "env", nil, "Guest environment NAME=value, repeatable")
}

func runExec(cmd *cobra.Command, args []string) error {
	var code string
	if len(args) > 0 {
		code = args[0]
	} else {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		code = string(data)
	}
	return executeCode(code)
}

func runExecFile(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}
	return executeCode(string(data))
}

func executeCode(code string) error {
	env := map[string]string{}
	for _, pair := range envVars {
		name, value, ok := strings.Cut(pair, "=")
		if !ok {
			return fmt.Errorf("invalid --env %q, want NAME=value", pair)
		}
		env[name] = value
	}

	inputFiles := map[string][]byte{}
	for _, path := range inputs {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading input %s: %w", path, err)
		}
		inputFiles[baseName(path)] = data
	}

	payload := map[string]any{
		"code":              code,
		"image":             imageRef,
		"artifact_patterns": artifacts,
		"input_files":       inputFiles,
		"options": map[string]any{
			"cpus":            cpus,
			"memory_mb":       memoryMB,
			"timeout_seconds": timeoutSeconds,
			"network_enabled": network,
			"env":             env,
		},
	}

	var result map[string]any
	if err := postJSON("/execute", payload, &result); err != nil {
		return err
	}

	formatted, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(formatted))

	// Propagate the guest exit code.
	if exitCode, ok := result["exit_code"].(float64); ok && exitCode != 0 {
		os.Exit(int(exitCode))
	}
	return nil
}

func runPipImage(_ *cobra.Command, args []string) error {
	var result map[string]any
	if err := postJSON("/images/pip", map[string]any{
		"packages": args,
		"tag":      imageTag,
	}, &result); err != nil {
		return err
	}
	formatted, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(formatted))
	return nil
}

func runImages(_ *cobra.Command, _ []string) error {
	return getJSON("/images", true)
}

func runDoctor(_ *cobra.Command, _ []string) error {
	return getJSON("/doctor", false)
}

func runHealth(_ *cobra.Command, _ []string) error {
	return getJSON("/health", false)
}

func runList(_ *cobra.Command, _ []string) error {
	return getJSON("/executions", true)
}

func postJSON(path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, serverURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	// Longer than the server's maximum VM timeout plus boot overhead.
	client := &http.Client{Timeout: 150 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	return json.NewDecoder(resp.Body).Decode(out)
}

func getJSON(path string, authed bool) error {
	req, err := http.NewRequest(http.MethodGet, serverURL+path, nil)
	if err != nil {
		return err
	}
	if authed && apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var result any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	formatted, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(formatted))
	return nil
}

func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}
