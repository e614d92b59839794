package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/recruitkit/puppetd/internal/harvest"
)

// actionTimeout bounds one full browser run, launch to teardown.
const actionTimeout = 2 * time.Minute

// ErrLoginRedirect means the injected cookies were rejected and the platform
// bounced the browser to its sign-in flow. The session needs re-harvesting.
var ErrLoginRedirect = errors.New("worker: platform redirected to login, session cookies rejected")

// ConnectPayload is the job payload for a connection request.
type ConnectPayload struct {
	ProfileURL string `json:"profileUrl"`
	Message    string `json:"message,omitempty"`
}

// MessagePayload is the job payload for a direct message.
type MessagePayload struct {
	ProfileURL string `json:"profileUrl"`
	Message    string `json:"message"`
}

// ConnectAction sends a connection request from the user's harvested session.
type ConnectAction struct {
	log *zap.Logger
}

func NewConnectAction(log *zap.Logger) *ConnectAction {
	return &ConnectAction{log: log}
}

func (a *ConnectAction) Execute(ctx context.Context, req ActionRequest) error {
	var payload ConnectPayload
	if err := json.Unmarshal(req.Job.Payload, &payload); err != nil {
		return fmt.Errorf("worker: connect payload: %w", err)
	}
	if payload.ProfileURL == "" {
		return errors.New("worker: connect payload missing profileUrl")
	}

	steps := chromedp.Tasks{
		chromedp.WaitVisible(`button[aria-label*="Invite"], button[aria-label*="Connect"]`, chromedp.ByQuery),
		chromedp.Click(`button[aria-label*="Invite"], button[aria-label*="Connect"]`, chromedp.ByQuery),
	}
	if payload.Message != "" {
		steps = append(steps,
			chromedp.WaitVisible(`button[aria-label="Add a note"]`, chromedp.ByQuery),
			chromedp.Click(`button[aria-label="Add a note"]`, chromedp.ByQuery),
			chromedp.SendKeys(`textarea[name="message"]`, payload.Message, chromedp.ByQuery),
		)
	}
	steps = append(steps,
		chromedp.Click(`button[aria-label*="Send"]`, chromedp.ByQuery),
		chromedp.Sleep(2*time.Second),
	)

	a.log.Info("sending connection request",
		zap.String("job_id", req.Job.ID),
		zap.String("profile_url", payload.ProfileURL))
	return runInBrowser(ctx, req, payload.ProfileURL, steps)
}

// MessageAction sends a direct message to an existing connection.
type MessageAction struct {
	log *zap.Logger
}

func NewMessageAction(log *zap.Logger) *MessageAction {
	return &MessageAction{log: log}
}

func (a *MessageAction) Execute(ctx context.Context, req ActionRequest) error {
	var payload MessagePayload
	if err := json.Unmarshal(req.Job.Payload, &payload); err != nil {
		return fmt.Errorf("worker: message payload: %w", err)
	}
	if payload.ProfileURL == "" || payload.Message == "" {
		return errors.New("worker: message payload requires profileUrl and message")
	}

	steps := chromedp.Tasks{
		chromedp.WaitVisible(`button[aria-label*="Message"]`, chromedp.ByQuery),
		chromedp.Click(`button[aria-label*="Message"]`, chromedp.ByQuery),
		chromedp.WaitVisible(`div.msg-form__contenteditable`, chromedp.ByQuery),
		chromedp.SendKeys(`div.msg-form__contenteditable`, payload.Message, chromedp.ByQuery),
		chromedp.Click(`button.msg-form__send-button`, chromedp.ByQuery),
		chromedp.Sleep(2 * time.Second),
	}

	a.log.Info("sending message",
		zap.String("job_id", req.Job.ID),
		zap.String("profile_url", payload.ProfileURL))
	return runInBrowser(ctx, req, payload.ProfileURL, steps)
}

// runInBrowser launches a headless browser through the user's assigned proxy,
// injects the harvested cookies, navigates to targetURL, verifies the session
// held, then runs the action steps.
func runInBrowser(ctx context.Context, req ActionRequest, targetURL string, steps chromedp.Tasks) error {
	ctx, cancel := context.WithTimeout(ctx, actionTimeout)
	defer cancel()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.NoSandbox,
	)
	if req.ProxyURL != "" {
		opts = append(opts, chromedp.ProxyServer(req.ProxyURL))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	defer allocCancel()
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	defer browserCancel()

	var landedURL string
	err := chromedp.Run(browserCtx,
		injectCookies(req.Cookies),
		chromedp.Navigate(targetURL),
		chromedp.Sleep(2*time.Second),
		chromedp.Location(&landedURL),
	)
	if err != nil {
		return fmt.Errorf("worker: browser navigation: %w", err)
	}
	if isLoginURL(landedURL) {
		return ErrLoginRedirect
	}

	if err := chromedp.Run(browserCtx, steps); err != nil {
		return fmt.Errorf("worker: browser action: %w", err)
	}
	return nil
}

// injectCookies loads the harvested jar into the fresh browser before any
// navigation, so the first request already carries the auth cookie.
func injectCookies(cookies []harvest.Cookie) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		for _, ck := range cookies {
			path := ck.Path
			if path == "" {
				path = "/"
			}
			builder := network.SetCookie(ck.Name, ck.Value).
				WithDomain(ck.Domain).
				WithPath(path).
				WithSecure(ck.Secure).
				WithHTTPOnly(ck.HTTPOnly)
			if ck.Expires > 0 {
				expires := cdp.TimeSinceEpoch(time.Unix(int64(ck.Expires), 0))
				builder = builder.WithExpires(&expires)
			}
			if err := builder.Do(ctx); err != nil {
				return fmt.Errorf("worker: set cookie %s: %w", ck.Name, err)
			}
		}
		return nil
	})
}

func isLoginURL(u string) bool {
	return strings.Contains(u, "/login") ||
		strings.Contains(u, "/checkpoint") ||
		strings.Contains(u, "/uas/")
}
