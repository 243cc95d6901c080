// Package config defines configuration structures for the harvest CLI.
//
// Configuration can be provided via:
//   - Command-line flags
//   - Environment variables (HARVEST_ prefix)
//   - YAML configuration file
//
// API credentials are only ever taken from CODIO_CLIENT_ID and
// CODIO_CLIENT_SECRET.
//
// # File format
//
//	school_year: "25-26"
//	site_title: Grade 7 About Me
//	assignment_name: About Me
//	sections:          # processed in this order
//	  P1: <course id>
//	  P3: <course id>
//	build_dir: build
//	max_concurrency: 8
//	exclude_globs: [.git, .guides, .codio]
//	timeouts:
//	  task_wait: 300s
//	  poll_interval: 500ms
//	retry:
//	  attempts: 5
//	  backoff: 4s
//	  max_backoff: 60s
//	download_chunk_size: 8KB
//	manifest_bucket: s3://bucket?region=us-east-1
package config
