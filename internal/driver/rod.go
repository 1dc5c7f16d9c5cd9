package driver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/meetbot/pkg/logger"
)

const (
	defaultElementWait = 5 * time.Second
	elementPoll        = 250 * time.Millisecond
)

// RodClient implements Client on a single go-rod page.
type RodClient struct {
	page      *rod.Page
	selectors Selectors
	wait      time.Duration
	log       *zap.Logger
}

// Open creates a fresh page on browser and installs the capture script.
func Open(ctx context.Context, browser *rod.Browser, selectors Selectors) (*RodClient, error) {
	if browser == nil {
		return nil, errors.New("browser has no rod connection")
	}

	page, err := browser.Context(ctx).Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, fmt.Errorf("open page: %w", err)
	}

	globals, err := json.Marshal(selectors.GlobalNames)
	if err != nil {
		_ = page.Close()
		return nil, err
	}
	if _, err := page.Context(ctx).EvalOnNewDocument(fmt.Sprintf("(%s)(%s)", captureJS, globals)); err != nil {
		_ = page.Close()
		return nil, fmt.Errorf("install capture script: %w", err)
	}

	return &RodClient{
		page:      page,
		selectors: selectors,
		wait:      defaultElementWait,
		log:       logger.WithModule("driver"),
	}, nil
}

func (c *RodClient) Navigate(ctx context.Context, url string) error {
	page := c.page.Context(ctx)
	if err := page.Navigate(url); err != nil {
		return fmt.Errorf("navigate: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("wait load: %w", err)
	}
	return nil
}

func (c *RodClient) FillField(ctx context.Context, role Role, value string) error {
	el, selector, err := c.find(ctx, c.selectors.Fields[role], "")
	if err != nil {
		return fmt.Errorf("field %s: %w", role, err)
	}
	if err := el.Context(ctx).Input(value); err != nil {
		return fmt.Errorf("field %s (%s): %w", role, selector, err)
	}
	return nil
}

func (c *RodClient) ClickByIntent(ctx context.Context, intent Intent) error {
	el, selector, err := c.find(ctx, c.selectors.Intents[intent], c.selectors.IntentTexts[intent])
	if err != nil {
		return fmt.Errorf("intent %s: %w", intent, err)
	}
	if err := el.Context(ctx).Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("intent %s (%s): %w", intent, selector, err)
	}
	c.log.Debug("clicked", zap.String("intent", string(intent)), zap.String("selector", selector))
	return nil
}

// find polls the selectors, then the text regex, until one matches or the
// element wait elapses.
func (c *RodClient) find(ctx context.Context, selectors []string, textRegex string) (*rod.Element, string, error) {
	deadline := time.Now().Add(c.wait)
	page := c.page.Context(ctx)

	for {
		for _, selector := range selectors {
			ok, el, err := page.Has(selector)
			if err != nil {
				return nil, "", err
			}
			if ok {
				return el, selector, nil
			}
		}
		if textRegex != "" {
			ok, el, err := page.HasR(`button, a, [role="button"]`, textRegex)
			if err != nil {
				return nil, "", err
			}
			if ok {
				return el, textRegex, nil
			}
		}

		if time.Now().After(deadline) {
			return nil, "", ErrElementNotFound
		}
		select {
		case <-ctx.Done():
			return nil, "", ctx.Err()
		case <-time.After(elementPoll):
		}
	}
}

func (c *RodClient) QueryUIState(ctx context.Context) (UIState, error) {
	var state UIState
	if err := c.eval(ctx, uiStateJS, &state, c.selectors); err != nil {
		return UIState{}, fmt.Errorf("query ui state: %w", err)
	}
	return state, nil
}

func (c *RodClient) Probe(ctx context.Context, source AudioSource) (bool, error) {
	var found bool
	if err := c.eval(ctx, probeJS, &found, string(source)); err != nil {
		return false, fmt.Errorf("probe %s: %w", source, err)
	}
	return found, nil
}

func (c *RodClient) StartCapture(ctx context.Context, source AudioSource) error {
	var mime string
	if err := c.eval(ctx, startJS, &mime, string(source)); err != nil {
		return fmt.Errorf("start capture from %s: %w", source, err)
	}
	c.log.Info("capture started", zap.String("source", string(source)), zap.String("mime", mime))
	return nil
}

func (c *RodClient) DrainChunks(ctx context.Context) ([]Chunk, error) {
	var chunks []Chunk
	if err := c.eval(ctx, drainJS, &chunks); err != nil {
		return nil, fmt.Errorf("drain chunks: %w", err)
	}
	return chunks, nil
}

func (c *RodClient) StopCapture(ctx context.Context) ([]Chunk, error) {
	var chunks []Chunk
	if err := c.eval(ctx, stopJS, &chunks); err != nil {
		return nil, fmt.Errorf("stop capture: %w", err)
	}
	return chunks, nil
}

func (c *RodClient) Announce(ctx context.Context, message string) ([]string, error) {
	var sent []string
	if err := c.eval(ctx, announceJS, &sent, message, c.selectors); err != nil {
		return nil, fmt.Errorf("announce: %w", err)
	}
	return sent, nil
}

func (c *RodClient) Screenshot(ctx context.Context) ([]byte, error) {
	img, err := c.page.Context(ctx).Screenshot(false, nil)
	if err != nil {
		return nil, fmt.Errorf("screenshot: %w", err)
	}
	return img, nil
}

func (c *RodClient) Close(ctx context.Context) error {
	return c.page.Context(ctx).Close()
}

func (c *RodClient) eval(ctx context.Context, js string, out interface{}, args ...interface{}) error {
	res, err := c.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:           js,
		JSArgs:       args,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return err
	}
	if res == nil || res.Value.Nil() {
		return nil
	}
	return res.Value.Unmarshal(out)
}
