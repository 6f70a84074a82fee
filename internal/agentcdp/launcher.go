package agentcdp

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
)

// ChromeProcess is a Chrome instance the agent launched itself, as
// opposed to one already running that the agent merely attaches to.
type ChromeProcess struct {
	cmd         *exec.Cmd
	userDataDir string
}

// LaunchChrome starts Chrome with remote debugging enabled on port,
// using a fresh temporary profile so it never collides with the
// user's everyday browsing session.
func LaunchChrome(port string) (*ChromeProcess, error) {
	chromePath := findChrome()
	if chromePath == "" {
		return nil, errors.New("agentcdp: chrome executable not found")
	}

	userDataDir, err := os.MkdirTemp("", "devbridge-agent-chrome-*")
	if err != nil {
		return nil, fmt.Errorf("agentcdp: create temp profile dir: %w", err)
	}

	args := []string{
		"--remote-debugging-port=" + port,
		"--user-data-dir=" + userDataDir,
		"--no-first-run",
		"--no-default-browser-check",
		"--disable-features=TranslateUI",
		"--disable-background-networking",
		"--disable-sync",
	}

	cmd := exec.Command(chromePath, args...)
	if err := cmd.Start(); err != nil {
		_ = os.RemoveAll(userDataDir)
		return nil, fmt.Errorf("agentcdp: start chrome: %w", err)
	}

	return &ChromeProcess{cmd: cmd, userDataDir: userDataDir}, nil
}

// Stop kills the Chrome process and removes its temporary profile.
func (cp *ChromeProcess) Stop() error {
	if cp.cmd != nil && cp.cmd.Process != nil {
		if err := cp.cmd.Process.Kill(); err != nil {
			return fmt.Errorf("agentcdp: kill chrome: %w", err)
		}
		_ = cp.cmd.Wait()
	}
	if cp.userDataDir != "" {
		_ = os.RemoveAll(cp.userDataDir)
	}
	return nil
}

// PID returns the launched process's id, or 0 if not running.
func (cp *ChromeProcess) PID() int {
	if cp.cmd != nil && cp.cmd.Process != nil {
		return cp.cmd.Process.Pid
	}
	return 0
}

func findChrome() string {
	var paths []string

	switch runtime.GOOS {
	case "darwin":
		paths = []string{
			"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
			"/Applications/Chromium.app/Contents/MacOS/Chromium",
			filepath.Join(os.Getenv("HOME"), "Applications/Google Chrome.app/Contents/MacOS/Google Chrome"),
		}
	case "linux":
		paths = []string{
			"/usr/bin/google-chrome",
			"/usr/bin/google-chrome-stable",
			"/usr/bin/chromium",
			"/usr/bin/chromium-browser",
			"/snap/bin/chromium",
		}
	case "windows":
		localAppData := os.Getenv("LOCALAPPDATA")
		programFiles := os.Getenv("PROGRAMFILES")
		programFilesX86 := os.Getenv("PROGRAMFILES(X86)")
		paths = []string{
			filepath.Join(localAppData, "Google", "Chrome", "Application", "chrome.exe"),
			filepath.Join(programFiles, "Google", "Chrome", "Application", "chrome.exe"),
			filepath.Join(programFilesX86, "Google", "Chrome", "Application", "chrome.exe"),
		}
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	if path, err := exec.LookPath("google-chrome"); err == nil {
		return path
	}
	if path, err := exec.LookPath("chrome"); err == nil {
		return path
	}
	if path, err := exec.LookPath("chromium"); err == nil {
		return path
	}
	return ""
}
