package dedup

import (
	"os"
	"path/filepath"
	"time"

	"forgeloop/internal/filelock"
)

func defaultTestLockConfig() filelock.Config {
	return filelock.Config{StaleThreshold: 10 * time.Second, MaxRetries: 5, RetryBudget: 200 * time.Millisecond}
}

func writeRaw(dir, content string) error {
	return os.WriteFile(filepath.Join(dir, "dedup-memory.json"), []byte(content), 0o644)
}
