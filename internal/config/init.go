package config

import (
	"fmt"
	"os"
)

const exampleConfig = `# coursebuilder configuration
paths:
  working_root: ./data/working
  store_root: ./data/store
  published_root: ./data/published
  database: ./data/coursebuilder.db

build:
  default_image: registry.example.com/course-build:latest
  default_command: ""
  timeout: 30m
  max_concurrent: 4
  lease_ttl: 45m
  history_limit: 10

queue:
  mode: immediate
  # mode: queued
  # nats_url: nats://localhost:4222

server:
  addr: :8070

courses:
  registry: courses.yaml
  watch: true
`

const exampleRegistry = `# course registry
courses:
  - key: example101
    git_origin: https://git.example.com/courses/example101.git
    git_branch: main
    webhook_secret: ${EXAMPLE101_SECRET}
`

// Init creates a new configuration file with example content.
func Init(configPath string, force bool) error {
	if _, err := os.Stat(configPath); err == nil && !force {
		return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", configPath)
	}

	if err := os.WriteFile(configPath, []byte(exampleConfig), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	// Write an example registry next to the config unless one exists.
	if _, err := os.Stat("courses.yaml"); os.IsNotExist(err) {
		if err := os.WriteFile("courses.yaml", []byte(exampleRegistry), 0o644); err != nil {
			return fmt.Errorf("failed to write course registry: %w", err)
		}
	}

	return nil
}
