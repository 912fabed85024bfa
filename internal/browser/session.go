package browser

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/grupovision/sales-ingest/internal/domain"
)

// Login form selectors and the URL fragment that marks a successful login.
// The portal is a single known target; these are not configurable.
const (
	loginUserSelector   = "#id_usuario"
	loginPassSelector   = "#id_senha"
	loginSubmitSelector = "#botaoEfetuarLogin"
	postLoginMarker     = "/indicadores/"
	loginPathMarker     = "/login"
)

// Headless Chrome reports navigator.webdriver = true, which the portal's
// frontend checks. Clearing it is the only evasion attempted.
const stealthScript = `Object.defineProperty(navigator, 'webdriver', {get: () => undefined});`

// State tracks the session lifecycle.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateExpired
)

// Manager launches headless browser sessions and logs them into the portal.
type Manager struct {
	loginURL string
	timeout  time.Duration
	headless bool
	logger   *zap.Logger
}

func NewManager(loginURL string, timeout time.Duration, headless bool, logger *zap.Logger) *Manager {
	return &Manager{
		loginURL: loginURL,
		timeout:  timeout,
		headless: headless,
		logger:   logger,
	}
}

// Session is an exclusive handle to one live browser context. It is created
// by Authenticate and must be closed on every exit path of a run.
type Session struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	timeout     time.Duration
	logger      *zap.Logger

	mu        sync.Mutex
	state     State
	closeOnce sync.Once
}

// Authenticate launches a browser, submits the credentials to the login form
// and waits for the post-login navigation marker. It returns
// domain.ErrSessionLaunch when the browser process cannot be started and
// domain.ErrAuthentication when the marker does not appear within the
// bounded wait (bad credentials, CAPTCHA, layout drift).
func (m *Manager) Authenticate(ctx context.Context, creds domain.Credentials) (*Session, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", m.headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.UserAgent(`Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36`),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	taskCtx, cancel := chromedp.NewContext(allocCtx)

	s := &Session{
		ctx:         taskCtx,
		cancel:      cancel,
		allocCancel: allocCancel,
		timeout:     m.timeout,
		logger:      m.logger,
		state:       StateUnauthenticated,
	}

	// An empty Run starts the browser process; failure here means the
	// binary is missing or incompatible, not a site problem.
	if err := chromedp.Run(taskCtx); err != nil {
		s.Close()
		return nil, fmt.Errorf("%w: %v", domain.ErrSessionLaunch, err)
	}

	loginCtx, loginCancel := context.WithTimeout(taskCtx, m.timeout)
	defer loginCancel()
	err := chromedp.Run(loginCtx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(stealthScript).Do(ctx)
			return err
		}),
		chromedp.Navigate(m.loginURL),
		chromedp.WaitVisible(loginUserSelector, chromedp.ByQuery),
		chromedp.SendKeys(loginUserSelector, creds.Username, chromedp.ByQuery),
		chromedp.SendKeys(loginPassSelector, creds.Password, chromedp.ByQuery),
		chromedp.Click(loginSubmitSelector, chromedp.ByQuery),
	)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("%w: login form submission: %v", domain.ErrAuthentication, err)
	}

	// A CAPTCHA or rejected credentials both manifest as the marker never
	// appearing; there is no attempt to tell them apart.
	err = WaitUntil(taskCtx, m.timeout, func(ctx context.Context) (bool, error) {
		loc, err := s.location(ctx)
		if err != nil {
			return false, err
		}
		return strings.Contains(loc, postLoginMarker), nil
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("%w: post-login marker not reached: %v", domain.ErrAuthentication, err)
	}

	s.setState(StateAuthenticated)
	m.logger.Info("portal login succeeded", zap.String("login_url", m.loginURL))
	return s, nil
}

// Navigate directs the session to a target view and waits for readySelector
// to appear. A redirect back to the login form marks the session expired.
func (s *Session) Navigate(ctx context.Context, target, readySelector string) error {
	runCtx, cancel := s.runContext(ctx)
	defer cancel()

	if err := chromedp.Run(runCtx, chromedp.Navigate(target)); err != nil {
		return fmt.Errorf("%w: navigate %s: %v", domain.ErrNavigationTimeout, target, err)
	}

	err := WaitUntil(runCtx, s.timeout, func(ctx context.Context) (bool, error) {
		loc, err := s.location(ctx)
		if err != nil {
			return false, err
		}
		if strings.Contains(loc, loginPathMarker) {
			s.setState(StateExpired)
			return false, fmt.Errorf("%w: redirected to login while loading %s", domain.ErrSessionExpired, target)
		}
		return s.has(ctx, readySelector)
	})
	if err != nil {
		if s.CurrentState() == StateExpired {
			return err
		}
		return fmt.Errorf("%w: %s not ready: %v", domain.ErrNavigationTimeout, target, err)
	}
	return nil
}

// HTML returns the full rendered document.
func (s *Session) HTML(ctx context.Context) (string, error) {
	runCtx, cancel := s.runContext(ctx)
	defer cancel()

	var html string
	if err := chromedp.Run(runCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("read rendered page: %w", err)
	}
	return html, nil
}

// Click dispatches a click on the first element matching sel.
func (s *Session) Click(ctx context.Context, sel string) error {
	runCtx, cancel := s.runContext(ctx)
	defer cancel()
	return chromedp.Run(runCtx, chromedp.Click(sel, chromedp.ByQuery))
}

// Has reports whether an element matching sel is currently in the DOM.
func (s *Session) Has(ctx context.Context, sel string) (bool, error) {
	runCtx, cancel := s.runContext(ctx)
	defer cancel()
	return s.has(runCtx, sel)
}

// WaitReady blocks until sel is present in the DOM or the session timeout
// elapses. A redirect to the login form while waiting surfaces as
// domain.ErrSessionExpired, a plain timeout as domain.ErrNavigationTimeout.
func (s *Session) WaitReady(ctx context.Context, sel string) error {
	runCtx, cancel := s.runContext(ctx)
	defer cancel()

	err := WaitUntil(runCtx, s.timeout, func(ctx context.Context) (bool, error) {
		loc, err := s.location(ctx)
		if err != nil {
			return false, err
		}
		if strings.Contains(loc, loginPathMarker) {
			s.setState(StateExpired)
			return false, fmt.Errorf("%w: redirected to login while waiting for %s", domain.ErrSessionExpired, sel)
		}
		return s.has(ctx, sel)
	})
	if err != nil && s.CurrentState() != StateExpired {
		return fmt.Errorf("%w: %s not ready: %v", domain.ErrNavigationTimeout, sel, err)
	}
	return err
}

// WaitChange blocks until the element matching sel renders differently from
// previous. The portal swaps the listing in place when paginating, so the
// table being present proves nothing about which page it shows.
func (s *Session) WaitChange(ctx context.Context, sel, previous string) error {
	runCtx, cancel := s.runContext(ctx)
	defer cancel()

	err := WaitUntil(runCtx, s.timeout, func(ctx context.Context) (bool, error) {
		loc, err := s.location(ctx)
		if err != nil {
			return false, err
		}
		if strings.Contains(loc, loginPathMarker) {
			s.setState(StateExpired)
			return false, fmt.Errorf("%w: redirected to login while waiting for %s to change", domain.ErrSessionExpired, sel)
		}
		cur, err := s.outerHTML(ctx, sel)
		if err != nil {
			return false, err
		}
		return cur != previous, nil
	})
	if err != nil && s.CurrentState() != StateExpired {
		return fmt.Errorf("%w: %s unchanged: %v", domain.ErrNavigationTimeout, sel, err)
	}
	return err
}

// Expired probes whether the portal has bounced the session back to the
// login form.
func (s *Session) Expired(ctx context.Context) (bool, error) {
	runCtx, cancel := s.runContext(ctx)
	defer cancel()

	loc, err := s.location(runCtx)
	if err != nil {
		return false, err
	}
	if strings.Contains(loc, loginPathMarker) {
		s.setState(StateExpired)
		return true, nil
	}
	return false, nil
}

// CurrentState returns the session lifecycle state.
func (s *Session) CurrentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Close releases the browser process and its temporary profile. Idempotent;
// invoked on every exit path of the pipeline.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.allocCancel()
		if s.logger != nil {
			s.logger.Debug("browser session closed")
		}
	})
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// runContext bounds a chromedp call by the session timeout and ties it to
// both the caller's context and the session's browser context, so external
// cancellation interrupts in-flight CDP commands. The deadline matters most
// for Navigate: the CDP navigate command blocks until the page's load event,
// which a stalled target never fires.
func (s *Session) runContext(ctx context.Context) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithTimeout(s.ctx, s.timeout)
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

func (s *Session) location(ctx context.Context) (string, error) {
	var loc string
	if err := chromedp.Run(ctx, chromedp.Location(&loc)); err != nil {
		return "", err
	}
	return loc, nil
}

// outerHTML yields the rendered markup of the first match, or "" while the
// element is absent.
func (s *Session) outerHTML(ctx context.Context, sel string) (string, error) {
	var html string
	expr := fmt.Sprintf(`(() => { const el = document.querySelector(%q); return el ? el.outerHTML : ""; })()`, sel)
	if err := chromedp.Run(ctx, chromedp.Evaluate(expr, &html)); err != nil {
		return "", err
	}
	return html, nil
}

func (s *Session) has(ctx context.Context, sel string) (bool, error) {
	var present bool
	expr := fmt.Sprintf(`document.querySelector(%q) !== null`, sel)
	if err := chromedp.Run(ctx, chromedp.Evaluate(expr, &present)); err != nil {
		return false, err
	}
	return present, nil
}
