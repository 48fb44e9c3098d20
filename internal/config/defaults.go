package config

// DefaultConfigPath is where `xprun init` writes the project config.
const DefaultConfigPath = ".xprun/config.yaml"

// DefaultConfigYAML contains the default configuration YAML content.
const DefaultConfigYAML = `# xprun configuration
#
# Values not specified here use built-in defaults.

log:
  level: info
  # auto, text or json
  format: auto
  # Optional JSON log file, written in addition to the console.
  file: ""

runs:
  # One subdirectory per run: meta.json, script, output.log, run.lock
  dir: experiment
  # Result file a script writes into its run directory
  result_file: metrics.json

runner:
  interpreter: python3
  interpreter_args: ["-u"]
  # Extra KEY=VALUE pairs for every run
  env: []
  status_concurrency: 8
  # Record CPU/memory/GPU information with each execution
  capture_host: true

follow:
  poll_interval: 500ms

history:
  enabled: true
  path: .xprun/history.db

server:
  addr: 127.0.0.1:8780
  allowed_origins: ["*"]
`
