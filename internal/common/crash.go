package common

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// CrashDir is where crash reports are written, set from the logging config
var CrashDir = "./logs"

// InstallCrashHandler sets the crash report directory. Pair it with a
// deferred RecoverWithCrashFile at the top of main.
func InstallCrashHandler(dir string) {
	if dir != "" {
		CrashDir = dir
	}
	if err := os.MkdirAll(CrashDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "CRASH: failed to create crash directory: %v\n", err)
	}
}

// WriteCrashFile records a panic with every goroutine's stack and returns the
// report path, or "" when only stderr could be written
func WriteCrashFile(panicVal interface{}, stack string) string {
	now := time.Now()
	path := filepath.Join(CrashDir, fmt.Sprintf("crash-%s.log", now.Format("2006-01-02T15-04-05")))

	var report strings.Builder
	fmt.Fprintf(&report, "neurareport %s crashed at %s\n\n", FullVersion(), now.Format(time.RFC3339))
	fmt.Fprintf(&report, "panic: %v\n\n%s\n", panicVal, stack)
	fmt.Fprintf(&report, "goroutines: %d  GOOS: %s  GOARCH: %s\n\n", runtime.NumGoroutine(), runtime.GOOS, runtime.GOARCH)
	report.WriteString(allStacks())

	// Unbuffered write; the process is about to exit
	if err := os.WriteFile(path, []byte(report.String()), 0644); err != nil {
		fmt.Fprintf(os.Stderr, "CRASH: failed to write crash file: %v\n%s", err, report.String())
		return ""
	}
	fmt.Fprintf(os.Stderr, "\nFATAL: %v (report: %s)\n", panicVal, path)
	return path
}

// RecoverWithCrashFile writes a crash report for a panic on the calling
// goroutine and exits. Usage: defer common.RecoverWithCrashFile()
func RecoverWithCrashFile() {
	if r := recover(); r != nil {
		WriteCrashFile(r, StackTrace())
		os.Exit(1)
	}
}

func allStacks() string {
	buf := make([]byte, 64*1024)
	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) || len(buf) >= 16*1024*1024 {
			return string(buf[:n])
		}
		buf = make([]byte, len(buf)*2)
	}
}
