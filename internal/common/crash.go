// -----------------------------------------------------------------------
// Crash Protection - Fatal error handling and crash file generation
// -----------------------------------------------------------------------

package common

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// CrashLogDir is the directory where crash files will be written
// Set during application initialization
var CrashLogDir = "./logs"

// InstallCrashHandler sets up process-level crash protection.
// This should be called at the very start of main() with a deferred recovery.
func InstallCrashHandler(logDir string) {
	if logDir != "" {
		CrashLogDir = logDir
	}

	if err := os.MkdirAll(CrashLogDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "CRASH: Failed to create log directory: %v\n", err)
	}
}

// WriteCrashFile writes a post-mortem report for a panicking component.
// Called from panic recovery handlers before the goroutine (or process)
// gives up. Returns the path to the crash file.
func WriteCrashFile(component string, panicVal interface{}, stackTrace string) string {
	timestamp := time.Now().Format("2006-01-02T15-04-05")
	filename := fmt.Sprintf("crash-%s-%s.log", component, timestamp)
	crashPath := filepath.Join(CrashLogDir, filename)

	var report bytes.Buffer
	fmt.Fprintf(&report, "verto crash report\n")
	fmt.Fprintf(&report, "time:      %s\n", time.Now().Format(time.RFC3339))
	fmt.Fprintf(&report, "version:   %s\n", GetFullVersion())
	fmt.Fprintf(&report, "component: %s\n", component)
	fmt.Fprintf(&report, "panic:     %v\n\n", panicVal)

	report.WriteString("--- panicking goroutine ---\n")
	report.WriteString(stackTrace)
	report.WriteString("\n--- all goroutines ---\n")
	report.WriteString(GetAllGoroutineStacks())

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	fmt.Fprintf(&report, "\n--- runtime ---\n")
	fmt.Fprintf(&report, "goroutines: %d, cpus: %d, %s/%s\n",
		runtime.NumGoroutine(), runtime.NumCPU(), runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(&report, "alloc: %d MB, sys: %d MB, gc cycles: %d\n",
		memStats.Alloc/1024/1024, memStats.Sys/1024/1024, memStats.NumGC)

	// Unbuffered write; buffered IO is not trustworthy mid-crash.
	file, err := os.OpenFile(crashPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "CRASH: Failed to create crash file: %v\n", err)
		fmt.Fprintf(os.Stderr, "%s", report.String())
		return ""
	}
	if _, err := file.Write(report.Bytes()); err != nil {
		fmt.Fprintf(os.Stderr, "CRASH: Failed to write crash file: %v\n", err)
		fmt.Fprintf(os.Stderr, "%s", report.String())
	}
	file.Sync()
	file.Close()

	fmt.Fprintf(os.Stderr, "\n!!! FATAL CRASH in %s - Report saved to: %s !!!\n", component, crashPath)
	fmt.Fprintf(os.Stderr, "Panic: %v\n", panicVal)

	return crashPath
}

// GetAllGoroutineStacks returns stack traces for all goroutines.
// Uses a large buffer to capture all stacks.
func GetAllGoroutineStacks() string {
	buf := make([]byte, 64*1024)
	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) {
			return string(buf[:n])
		}
		buf = make([]byte, len(buf)*2)
		if len(buf) > 64*1024*1024 { // Max 64MB
			return string(buf[:runtime.Stack(buf, true)])
		}
	}
}

// GetStackTrace returns the current goroutine's stack trace.
func GetStackTrace() string {
	buf := make([]byte, 8192)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}

// RecoverWithCrashFile is a helper for deferred panic recovery that writes a
// crash file for the named component and exits.
// Usage: defer common.RecoverWithCrashFile("main")
func RecoverWithCrashFile(component string) {
	if r := recover(); r != nil {
		WriteCrashFile(component, r, GetStackTrace())
		os.Exit(1)
	}
}
