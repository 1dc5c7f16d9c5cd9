package browser

import (
	"context"
	"fmt"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"go.uber.org/multierr"
)

// chromeFlags configure headless Chrome for unattended media playback and capture.
var chromeFlags = map[string]string{
	"disable-dev-shm-usage":                  "",
	"disable-gpu":                            "",
	"no-first-run":                           "",
	"disable-background-timer-throttling":    "",
	"disable-backgrounding-occluded-windows": "",
	"disable-renderer-backgrounding":         "",
	"autoplay-policy":                        "no-user-gesture-required",
	"use-fake-ui-for-media-stream":           "",
	"use-fake-device-for-media-stream":       "",
	"enable-features":                        "MediaStreamTrackTransfer",
	"lang":                                   "en",
	"accept-lang":                            "en",
	"window-size":                            "1366,768",
}

// LocalLauncher starts Chrome on the worker host through rod's launcher.
type LocalLauncher struct {
	Bin      string
	Headless bool
}

// NewLocalLauncher returns a headless launcher. An empty bin lets rod
// locate or download a browser.
func NewLocalLauncher(bin string) *LocalLauncher {
	return &LocalLauncher{Bin: bin, Headless: true}
}

// Launch starts a headless Chrome process and connects to it.
func (l *LocalLauncher) Launch(ctx context.Context, id string) (Instance, error) {
	proc := launcher.New().
		Context(ctx).
		Headless(l.Headless).
		NoSandbox(true)
	if l.Bin != "" {
		proc = proc.Bin(l.Bin)
	}
	for name, value := range chromeFlags {
		if value == "" {
			proc = proc.Set(flags.Flag(name))
		} else {
			proc = proc.Set(flags.Flag(name), value)
		}
	}

	controlURL, err := proc.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch chrome: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		proc.Kill()
		proc.Cleanup()
		return nil, fmt.Errorf("connect to chrome: %w", err)
	}

	return &localInstance{id: id, controlURL: controlURL, browser: browser, proc: proc}, nil
}

type localInstance struct {
	id         string
	controlURL string
	browser    *rod.Browser
	proc       *launcher.Launcher
}

func (i *localInstance) ControlURL() string { return i.controlURL }

func (i *localInstance) Rod() *rod.Browser { return i.browser }

func (i *localInstance) Close(ctx context.Context) error {
	var errs error
	if err := i.browser.Close(); err != nil {
		errs = multierr.Append(errs, err)
	}
	i.proc.Kill()
	i.proc.Cleanup()
	return errs
}
