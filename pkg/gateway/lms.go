package gateway

import (
	"context"
	"os/exec"
	"strings"
	"time"
)

// LoadedModels enumerates running models via the `lms ps` subprocess.
// The output is a human-oriented table; the first whitespace-delimited
// column of each non-header line is the model id with its instance
// suffix. The subprocess is killed on timeout.
func LoadedModels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "lms", "ps").Output()
	if err != nil {
		return nil, err
	}

	return parseLMSTable(string(out)), nil
}

func parseLMSTable(out string) []string {
	var models []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		first := fields[0]
		// Header and separator lines.
		switch strings.ToUpper(first) {
		case "IDENTIFIER", "MODEL", "LOADED", "STATUS":
			continue
		}
		if strings.HasPrefix(first, "-") || strings.HasPrefix(first, "=") {
			continue
		}
		models = append(models, first)
	}
	return models
}
