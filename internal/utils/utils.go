package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/ochronus/engineapi/pkg/engine"
)

const configTemplate = `# Required. Root of the engine REST API
base_url = "{{BASE_URL}}"

# Optional log level, default "info"
loglevel = "info"

# Optional timeout in secs for job and result requests, default 30. Uploads are not bounded by it.
timeout_secs = 30

# Optional number of retries on connection failures and 5xx answers, default 3
max_retries = 3

# Optional. Report missing jobs and documents as errors instead of empty results, default false
error_on_404 = false

# Optional number of upload workers for upload-batch, default 4
upload_workers = 4

# Optional bind address and port of mock-server, default "127.0.0.1" and 8080
bind_address = "127.0.0.1"
port = 8080

# Files sent by upload-batch. Repeat the block for every file.
# compressed: the file is already gzip compressed
# gzip: compress the file while sending it
# chunked: send the file in 4 MiB requests instead of one stream (cannot be combined with compression)
# close: close the job once the file was accepted
[[uploads]]
job_id = "farequote"
path = "/path/to/farequote.csv"
compressed = false
gzip = false
chunked = false
close = true
`

// GenerateConfig writes a commented configuration file pointing at baseURL.
// An existing file is kept as <path>.bak.
func GenerateConfig(configPath, baseURL string) error {
	fmt.Printf("Generating config %s\n", configPath)

	config := strings.Replace(configTemplate, "{{BASE_URL}}", baseURL, 1)

	// Check if config file already exists and back it up
	if _, err := os.Stat(configPath); err == nil {
		backupPath := configPath + ".bak"
		fmt.Printf("Backing up config %s\n", configPath)
		if err := os.Rename(configPath, backupPath); err != nil {
			return fmt.Errorf("failed to backup config: %w", err)
		}
	}

	// Create parent directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	fmt.Printf("Writing %s\n", configPath)
	if err := os.WriteFile(configPath, []byte(config), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// TransferSummary describes how much was sent and how fast, e.g.
// "12.58MB in 3 seconds (4.194MB/s)".
func TransferSummary(bytes int64, elapsed time.Duration) string {
	size := units.HumanSize(float64(bytes))
	if elapsed <= 0 {
		return size
	}
	rate := float64(bytes) / elapsed.Seconds()
	return fmt.Sprintf("%s in %s (%s/s)", size, units.HumanDuration(elapsed), units.HumanSize(rate))
}

// CountsSummary renders the interesting parts of an upload summary.
func CountsSummary(c engine.DataCounts) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d records, %d fields, %s processed",
		c.ProcessedRecordCount, c.ProcessedFieldCount, units.HumanSize(float64(c.InputBytes)))

	problems := []struct {
		n    int64
		what string
	}{
		{c.InvalidDateCount, "invalid dates"},
		{c.MissingFieldCount, "missing fields"},
		{c.OutOfOrderTimeStampCount, "out of order"},
		{c.FailedTransformCount, "failed transforms"},
		{c.ExcludedRecordCount, "excluded"},
	}
	for _, p := range problems {
		if p.n > 0 {
			fmt.Fprintf(&b, ", %d %s", p.n, p.what)
		}
	}
	if c.LatestRecordTimeStamp != nil {
		fmt.Fprintf(&b, ", latest record %s", c.LatestRecordTimeStamp.UTC().Format(time.RFC3339))
	}
	return b.String()
}
