// Package headless contains authenticators that drive a real browser through a login flow.
package headless

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/upwork-harvester/internal/harvest"
	"github.com/JakeFAU/upwork-harvester/internal/session"
)

// Config controls the browser login flow.
type Config struct {
	HomeURL    string
	LoginURL   string
	LandingURL string
	Username   string
	Password   string
	UserAgent  string
	// ExpiryCookie names the cookie whose expiry bounds the session lifetime.
	ExpiryCookie      string
	UserDataDir       string
	ProxyServer       string
	Headless          bool
	NavigationTimeout time.Duration
	SettleDelay       time.Duration
	Selectors         Selectors
}

// Selectors locate the login form controls.
type Selectors struct {
	Username         string
	UsernameContinue string
	Password         string
	RememberMe       string
	PasswordContinue string
}

// DefaultSelectors matches the current Upwork login form.
func DefaultSelectors() Selectors {
	return Selectors{
		Username:         "input#login_username",
		UsernameContinue: "button#login_password_continue",
		Password:         "input#login_password",
		RememberMe:       "label.air3-checkbox-label",
		PasswordContinue: "button#login_control_continue",
	}
}

// Authenticator implements harvest.Authenticator with chromedp and a local Chrome.
type Authenticator struct {
	cfg         Config
	allocator   context.Context
	allocCancel context.CancelFunc
	logger      *zap.Logger
}

// NewChromedp creates a browser login authenticator.
func NewChromedp(cfg Config, logger *zap.Logger) (*Authenticator, error) {
	if cfg.Username == "" || cfg.Password == "" {
		return nil, errors.New("login username and password are required")
	}
	if cfg.HomeURL == "" {
		cfg.HomeURL = "https://www.upwork.com/"
	}
	if cfg.LoginURL == "" {
		cfg.LoginURL = "https://www.upwork.com/ab/account-security/login"
	}
	if cfg.LandingURL == "" {
		cfg.LandingURL = "https://www.upwork.com/nx/search/jobs/?nbs=1&q=backend"
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 90 * time.Second
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 3 * time.Second
	}
	if cfg.Selectors == (Selectors{}) {
		cfg.Selectors = DefaultSelectors()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if cfg.UserDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(cfg.UserDataDir))
	}
	if cfg.ProxyServer != "" {
		opts = append(opts, chromedp.ProxyServer(cfg.ProxyServer))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Authenticator{
		cfg:         cfg,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		logger:      logger,
	}, nil
}

// Close cancels the allocator context.
func (a *Authenticator) Close() {
	a.allocCancel()
}

// Login implements harvest.Authenticator. Previously saved cookies are installed first so an
// still-valid browser session skips the form entirely.
func (a *Authenticator) Login(ctx context.Context, previous []byte) (harvest.Credentials, error) {
	taskCtx, taskCancel := chromedp.NewContext(a.allocator)
	defer taskCancel()
	taskCtx, cancel := context.WithTimeout(taskCtx, a.cfg.NavigationTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var restored []session.Cookie
	if len(previous) > 0 {
		cookies, err := session.DecodeCookies(previous)
		if err != nil {
			a.logger.Warn("ignoring unreadable saved cookies", zap.Error(err))
		} else {
			restored = cookies
		}
	}

	var formNodes []*cdp.Node
	setup := []chromedp.Action{
		a.networkSetupAction(),
		chromedp.Navigate(a.cfg.HomeURL),
		setCookiesAction(restored),
		chromedp.Navigate(a.cfg.LoginURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(a.cfg.SettleDelay),
		chromedp.Nodes(a.cfg.Selectors.Username, &formNodes, chromedp.ByQuery, chromedp.AtLeast(0)),
	}
	if err := chromedp.Run(taskCtx, setup...); err != nil {
		return harvest.Credentials{}, fmt.Errorf("open login page: %w", err)
	}

	if len(formNodes) == 0 {
		a.logger.Info("browser session still logged in")
	} else {
		if err := chromedp.Run(taskCtx, a.submitForm()...); err != nil {
			return harvest.Credentials{}, fmt.Errorf("submit login form: %w", err)
		}
	}

	var (
		landing string
		cookies []*network.Cookie
	)
	finish := []chromedp.Action{
		chromedp.Navigate(a.cfg.LandingURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Location(&landing),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			cookies, err = network.GetCookies().Do(ctx)
			if err != nil {
				return fmt.Errorf("read cookies: %w", err)
			}
			return nil
		}),
	}
	if err := chromedp.Run(taskCtx, finish...); err != nil {
		return harvest.Credentials{}, fmt.Errorf("load landing page: %w", err)
	}
	if landing == a.cfg.LoginURL {
		return harvest.Credentials{}, errors.New("login not accepted: redirected back to login page")
	}
	return a.credentials(cookies)
}

func (a *Authenticator) submitForm() []chromedp.Action {
	sel := a.cfg.Selectors
	return []chromedp.Action{
		chromedp.SendKeys(sel.Username, a.cfg.Username, chromedp.ByQuery),
		chromedp.Click(sel.UsernameContinue, chromedp.ByQuery),
		chromedp.WaitVisible(sel.Password, chromedp.ByQuery),
		chromedp.SendKeys(sel.Password, a.cfg.Password, chromedp.ByQuery),
		chromedp.Evaluate(fmt.Sprintf(`(() => { const el = document.querySelector(%q); if (el) el.click(); })()`, sel.RememberMe), nil),
		chromedp.Click(sel.PasswordContinue, chromedp.ByQuery),
		chromedp.Sleep(a.cfg.SettleDelay),
	}
}

func (a *Authenticator) credentials(cookies []*network.Cookie) (harvest.Credentials, error) {
	if len(cookies) == 0 {
		return harvest.Credentials{}, errors.New("login produced no cookies")
	}
	saved := make([]session.Cookie, 0, len(cookies))
	var expires time.Time
	for _, c := range cookies {
		sc := session.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
		}
		if c.Expires > 0 {
			sc.Expires = time.Unix(int64(c.Expires), 0).UTC()
		}
		if a.cfg.ExpiryCookie != "" && c.Name == a.cfg.ExpiryCookie {
			expires = sc.Expires
		}
		saved = append(saved, sc)
	}
	blob, err := session.EncodeCookies(saved)
	if err != nil {
		return harvest.Credentials{}, err
	}
	return harvest.Credentials{Blob: blob, ExpiresAt: expires}, nil
}

func (a *Authenticator) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if a.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(a.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func setCookiesAction(cookies []session.Cookie) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if len(cookies) == 0 {
			return nil
		}
		params := toCookieParams(cookies)
		if err := network.SetCookies(params).Do(ctx); err != nil {
			return fmt.Errorf("restore cookies: %w", err)
		}
		return nil
	})
}

func toCookieParams(cookies []session.Cookie) []*network.CookieParam {
	params := make([]*network.CookieParam, 0, len(cookies))
	for _, c := range cookies {
		p := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
		}
		if !c.Expires.IsZero() {
			exp := cdp.TimeSinceEpoch(c.Expires)
			p.Expires = &exp
		}
		params = append(params, p)
	}
	return params
}
