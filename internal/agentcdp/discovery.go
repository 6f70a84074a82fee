package agentcdp

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// pageTargetType is the CDP target type for browser pages; everything
// else (service workers, the browser target itself, devtools panels)
// is filtered out of tab discovery and getAvailableTargets.
const pageTargetType = "page"

// Tab is a page target discovered via Chrome's HTTP debugging endpoint.
type Tab struct {
	TargetID string
	Type     string
	Title    string
	URL      string
}

// BrowserInfo is the subset of /json/version this package needs.
type BrowserInfo struct {
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

type targetJSON struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Title string `json:"title"`
	URL   string `json:"url"`
}

// discoverBrowserInfo queries /json/version for the browser-level
// WebSocket endpoint chromedp.NewRemoteAllocator needs to attach.
func discoverBrowserInfo(port string) (*BrowserInfo, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://localhost:%s/json/version", port))
	if err != nil {
		return nil, fmt.Errorf("agentcdp: connect to chrome on port %s: %w", port, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("agentcdp: /json/version returned %d", resp.StatusCode)
	}
	var info BrowserInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("agentcdp: decode browser info: %w", err)
	}
	return &info, nil
}

// discoverTabs queries /json once for the set of currently open page
// targets; ongoing changes are learned from CDP target events instead
// of repeated polling.
func discoverTabs(port string) ([]Tab, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://localhost:%s/json", port))
	if err != nil {
		return nil, fmt.Errorf("agentcdp: connect to chrome on port %s: %w", port, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("agentcdp: /json returned %d", resp.StatusCode)
	}

	var targets []targetJSON
	if err := json.NewDecoder(resp.Body).Decode(&targets); err != nil {
		return nil, fmt.Errorf("agentcdp: decode targets: %w", err)
	}

	tabs := make([]Tab, 0, len(targets))
	for _, t := range targets {
		if t.Type != pageTargetType {
			continue
		}
		tabs = append(tabs, Tab{TargetID: t.ID, Type: t.Type, Title: t.Title, URL: t.URL})
	}
	return tabs, nil
}

// WaitForChrome blocks until Chrome's HTTP debugging endpoint answers
// on port, or timeout elapses.
func WaitForChrome(port string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	client := &http.Client{Timeout: time.Second}

	for time.Now().Before(deadline) {
		resp, err := client.Get(fmt.Sprintf("http://localhost:%s/json/version", port))
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("agentcdp: chrome not available on port %s after %v", port, timeout)
}

// openNewTab opens a fresh tab via the HTTP debugging API, used by
// Manager.CreateTab.
func openNewTab(port, targetURL string) (Tab, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	apiURL := fmt.Sprintf("http://localhost:%s/json/new?%s", port, url.QueryEscape(targetURL))

	req, err := http.NewRequest(http.MethodPut, apiURL, nil)
	if err != nil {
		return Tab{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return Tab{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Tab{}, fmt.Errorf("agentcdp: /json/new returned %d", resp.StatusCode)
	}

	var t targetJSON
	if err := json.NewDecoder(resp.Body).Decode(&t); err != nil {
		return Tab{}, fmt.Errorf("agentcdp: decode new tab: %w", err)
	}
	return Tab{TargetID: t.ID, Type: t.Type, Title: t.Title, URL: t.URL}, nil
}

// activateTabViaHTTP brings a tab to the foreground using Chrome's
// HTTP debugging API, the same endpoint devtools-frontend uses when
// switching tabs from the target list.
func activateTabViaHTTP(port, targetID string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	req, err := http.NewRequest(http.MethodPut, fmt.Sprintf("http://localhost:%s/json/activate/%s", port, targetID), nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("agentcdp: /json/activate returned %d", resp.StatusCode)
	}
	return nil
}

// closeTabViaHTTP closes a tab by target id using the HTTP debugging API.
func closeTabViaHTTP(port, targetID string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	req, err := http.NewRequest(http.MethodPut, fmt.Sprintf("http://localhost:%s/json/close/%s", port, targetID), nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("agentcdp: /json/close returned %d", resp.StatusCode)
	}
	return nil
}
