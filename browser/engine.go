package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/serr"
)

// binaryCandidates are probed in order when no explicit binary is
// configured.
var binaryCandidates = []string{
	"google-chrome",
	"google-chrome-stable",
	"chromium",
	"chromium-browser",
	"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
	"/Applications/Chromium.app/Contents/MacOS/Chromium",
}

// engine owns one headless browser OS process and the devtools
// connection to its top-level page.
type engine struct {
	cmd     *exec.Cmd
	dataDir string
	conn    *cdpConn
}

// findBinary locates the browser executable.
func findBinary(explicit string) (string, error) {
	if explicit != "" {
		if _, err := exec.LookPath(explicit); err != nil {
			return "", serr.F("configured browser binary %s not found: install Google Chrome or Chromium", explicit)
		}
		return explicit, nil
	}
	for _, candidate := range binaryCandidates {
		if path, err := exec.LookPath(candidate); err == nil {
			return path, nil
		}
	}
	return "", serr.New("browser engine not found: install Google Chrome or Chromium")
}

// launch starts a headless browser and connects to a fresh page target.
func launch(ctx context.Context, binary string) (*engine, error) {
	path, err := findBinary(binary)
	if err != nil {
		return nil, err
	}

	dataDir, err := os.MkdirTemp("", "toolhost-browser-*")
	if err != nil {
		return nil, serr.Wrap(err, "failed to create browser profile directory")
	}

	cmd := exec.Command(path,
		"--headless=new",
		"--remote-debugging-port=0",
		"--user-data-dir="+dataDir,
		"--no-first-run",
		"--no-default-browser-check",
		"--disable-gpu",
		"--disable-extensions",
		"about:blank",
	)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		_ = os.RemoveAll(dataDir)
		return nil, serr.Wrap(err, "failed to launch browser: "+path)
	}

	e := &engine{cmd: cmd, dataDir: dataDir}

	port, err := e.devtoolsPort(ctx)
	if err != nil {
		e.kill()
		return nil, err
	}

	wsURL, err := pageTargetURL(ctx, port)
	if err != nil {
		e.kill()
		return nil, err
	}

	conn, err := dialCDP(ctx, wsURL)
	if err != nil {
		e.kill()
		return nil, err
	}
	e.conn = conn

	if err := conn.call(ctx, "Page.enable", nil, nil); err != nil {
		e.close()
		return nil, err
	}
	logger.Info("Launched browser engine", "pid", cmd.Process.Pid, "port", port)
	return e, nil
}

// devtoolsPort waits for the browser to write DevToolsActivePort into
// its profile directory. First line is the port number.
func (e *engine) devtoolsPort(ctx context.Context) (int, error) {
	portFile := filepath.Join(e.dataDir, "DevToolsActivePort")
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return 0, serr.Wrap(ctx.Err(), "browser startup canceled")
		}
		raw, err := os.ReadFile(portFile)
		if err == nil {
			lines := strings.SplitN(strings.TrimSpace(string(raw)), "\n", 2)
			var port int
			if _, err := fmt.Sscanf(lines[0], "%d", &port); err == nil && port > 0 {
				return port, nil
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return 0, serr.New("browser did not expose a devtools port within 15s")
}

// pageTargetURL returns the websocket URL of an open page target,
// creating one when the browser started without any.
func pageTargetURL(ctx context.Context, port int) (string, error) {
	type target struct {
		Type                 string `json:"type"`
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}

	base := fmt.Sprintf("http://127.0.0.1:%d", port)

	list := func() (string, error) {
		req, err := http.NewRequestWithContext(ctx, "GET", base+"/json/list", nil)
		if err != nil {
			return "", err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()
		var targets []target
		if err := json.NewDecoder(resp.Body).Decode(&targets); err != nil {
			return "", err
		}
		for _, t := range targets {
			if t.Type == "page" && t.WebSocketDebuggerURL != "" {
				return t.WebSocketDebuggerURL, nil
			}
		}
		return "", nil
	}

	wsURL, err := list()
	if err != nil {
		return "", serr.Wrap(err, "failed to enumerate browser targets")
	}
	if wsURL != "" {
		return wsURL, nil
	}

	// Chrome 111+ requires PUT for target creation.
	req, err := http.NewRequestWithContext(ctx, "PUT", base+"/json/new?about:blank", nil)
	if err != nil {
		return "", serr.Wrap(err, "failed to build target creation request")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", serr.Wrap(err, "failed to create browser target")
	}
	defer resp.Body.Close()
	var created target
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", serr.Wrap(err, "failed to decode created browser target")
	}
	if created.WebSocketDebuggerURL == "" {
		return "", serr.New("browser returned no page target")
	}
	return created.WebSocketDebuggerURL, nil
}

// close tears the engine down: socket first, then the process group,
// then the temp profile.
func (e *engine) close() {
	if e.conn != nil {
		e.conn.close()
	}
	e.kill()
}

func (e *engine) kill() {
	if e.cmd != nil && e.cmd.Process != nil {
		pid := e.cmd.Process.Pid
		_ = syscall.Kill(-pid, syscall.SIGTERM)
		done := make(chan struct{})
		go func() {
			_, _ = e.cmd.Process.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			_ = syscall.Kill(-pid, syscall.SIGKILL)
			<-done
		}
	}
	if e.dataDir != "" {
		_ = os.RemoveAll(e.dataDir)
	}
}
